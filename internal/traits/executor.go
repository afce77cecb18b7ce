package traits

import (
	"fmt"
	"time"

	"github.com/molsim/molsim/internal/entity"
)

// FirstErrorFunc is invoked exactly once per canonical trait name, the
// first time that trait is deactivated on any entity, for escalation to
// the feed channel (spec.md §4.3).
type FirstErrorFunc func(canonicalName string, err error)

// Executor runs an entity's trait list under a per-trait call timeout and
// a per-tick aggregate CPU budget. A trait that times out or panics is
// deactivated on that entity and never runs again until reactivated.
type Executor struct {
	CallTimeout time.Duration // τ, default 5ms
	TickBudget  time.Duration // B, default 14ms

	onFirstError FirstErrorFunc
	reported     map[string]struct{}
}

// NewExecutor constructs an Executor with the given per-call timeout and
// per-tick budget. A zero value for either falls back to the spec
// defaults.
func NewExecutor(callTimeout, tickBudget time.Duration, onFirstError FirstErrorFunc) *Executor {
	if callTimeout <= 0 {
		callTimeout = 5 * time.Millisecond
	}
	if tickBudget <= 0 {
		tickBudget = 14 * time.Millisecond
	}
	return &Executor{
		CallTimeout:  callTimeout,
		TickBudget:   tickBudget,
		onFirstError: onFirstError,
		reported:     make(map[string]struct{}),
	}
}

// ExecuteAll runs e's trait list in order, skipping deactivated traits,
// honoring the per-call timeout and the aggregate tick budget. It never
// panics out to the caller: a trait's own panic is recovered and treated
// identically to a returned error (spec.md §4.1 step 1, §4.3).
func (x *Executor) ExecuteAll(e *entity.Entity) {
	deadline := time.Now().Add(x.TickBudget)

	for _, inst := range e.Traits {
		if e.IsDeactivated(inst.CanonicalName) {
			continue
		}
		if time.Now().After(deadline) {
			return
		}

		if err := x.runOne(inst, e); err != nil {
			e.DeactivateTrait(inst.CanonicalName)
			x.reportFirst(inst.CanonicalName, err)
		}
	}
}

// runOne runs a single trait's Execute under the per-call timeout,
// recovering from any panic. The trait runs on its own goroutine so a
// trait that ignores the timeout and blocks forever cannot stall the
// caller past CallTimeout; it is simply abandoned and its completion (if
// any ever arrives) is discarded.
func (x *Executor) runOne(inst entity.TraitInstance, e *entity.Entity) error {
	done := make(chan error, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				select {
				case done <- fmt.Errorf("trait %q panicked: %v", inst.CanonicalName, r):
				default:
				}
			}
		}()
		done <- inst.Trait.Execute(e)
	}()

	select {
	case err := <-done:
		return err
	case <-time.After(x.CallTimeout):
		return fmt.Errorf("trait %q exceeded call timeout of %s", inst.CanonicalName, x.CallTimeout)
	}
}

func (x *Executor) reportFirst(canonicalName string, err error) {
	if _, ok := x.reported[canonicalName]; ok {
		return
	}
	x.reported[canonicalName] = struct{}{}
	if x.onFirstError != nil {
		x.onFirstError(canonicalName, err)
	}
}
