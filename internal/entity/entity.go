// Package entity defines the data model shared by the Tick Engine, the
// Trait Executor, and the Code Validator's entity-attribute whitelist.
// Mutation of Entity and Resource values happens only from Tick Engine
// stages (internal/tick); traits observe and act through the narrow
// method surface below, never by reaching into unexported state.
package entity

import (
	"math"
	"math/rand"
	"sync"

	"github.com/molsim/molsim/internal/atomics"
)

// Lifecycle is an entity's coarse life state.
type Lifecycle int

const (
	Alive Lifecycle = iota
	Dead
	Reproducing
)

func (l Lifecycle) String() string {
	switch l {
	case Alive:
		return "alive"
	case Dead:
		return "dead"
	case Reproducing:
		return "reproducing"
	default:
		return "unknown"
	}
}

// Class is the entity's behavioral classification.
type Class int

const (
	Molbot Class = iota
	Predator
)

func (c Class) String() string {
	if c == Predator {
		return "predator"
	}
	return "molbot"
}

// Infection tracks an entity's virus state.
type Infection struct {
	Infected      bool
	RecoveryTicks int
}

// TraitInstance is one spawned, per-entity copy of a registered trait
// family, bound to the canonical name it was instantiated from.
type TraitInstance struct {
	CanonicalName string
	Trait         Trait
}

// Trait is the contract every behavior module implements. This is the
// Go-native rendering of spec.md's "class inheriting BaseTrait with
// async execute(self, entity)": a synchronous method taking only the
// acting entity. It receives no context; the Trait Executor abandons a
// call that overruns its per-call timeout rather than cancelling it.
type Trait interface {
	Execute(entity *Entity) error
}

// Entity is a molbot or predator inhabiting the world.
type Entity struct {
	// Identity
	ID         string
	Generation int
	ParentID   string // empty means no parent
	BirthTick  uint64
	DNA        uint64 // fingerprint, derives world-frame color for molbots

	// Physical state. X, Y and Energy are atomics: a trait goroutine that
	// has outlived its executor timeout may still be writing to these via
	// EatNearby/Move after the tick has moved on, and the tick-loop
	// snapshot/restore dance in internal/tick relies on reads never
	// tearing.
	X, Y           *atomics.Float64
	Radius         float64
	Energy         *atomics.Float64
	MaxEnergy      float64
	MetabolismRate *atomics.Float64
	Age            int
	MaxAge         int // 0 means immortal

	State      Lifecycle
	EntityType Class
	Infection  Infection

	// DeathCause is set by the Tick Engine stage that transitions State
	// to Dead, so the lifecycle-reap stage can attribute the death to
	// the right stats counter without re-deriving it from other fields.
	DeathCause string

	mu          sync.Mutex
	Traits      []TraitInstance
	deactivated map[string]struct{}

	// pendingEat accumulates energy legitimately gained via EatNearby
	// during the current Update stage, so the Tick Engine can sandbox
	// the trait list: any energy delta beyond this sum is discarded.
	pendingEat float64

	// forage and strike are set by the Tick Engine for the duration of a
	// single Update-stage call and cleared immediately after (see
	// SetHooks/ClearHooks). A trait cannot supply its own energy amount
	// or pick its own target directly: EatNearby and AttackNearby only
	// ever resolve through whatever the engine finds nearby this tick,
	// which is what makes the energy-gain sandbox in internal/tick
	// actually hold.
	forage func() float64
	strike func() bool
}

// New constructs a freshly spawned entity at the given position.
func New(id string, generation int, parentID string, birthTick uint64, x, y, radius, energy, maxEnergy, metabolism float64, maxAge int, class Class) *Entity {
	return &Entity{
		ID:             id,
		Generation:     generation,
		ParentID:       parentID,
		BirthTick:      birthTick,
		DNA:            rand.Uint64(),
		X:              atomics.NewFloat64(x),
		Y:              atomics.NewFloat64(y),
		Radius:         radius,
		Energy:         atomics.NewFloat64(energy),
		MaxEnergy:      maxEnergy,
		MetabolismRate: atomics.NewFloat64(metabolism),
		MaxAge:         maxAge,
		State:          Alive,
		EntityType:     class,
		deactivated:    make(map[string]struct{}),
	}
}

// IsAlive reports whether the entity is in the Alive lifecycle state.
// Part of the whitelisted entity method surface (spec.md §4.5 check 7).
func (e *Entity) IsAlive() bool {
	return e.State == Alive
}

// Move displaces the entity by (dx, dy), clamped to MaxMovePerTick. Part
// of the whitelisted entity method surface.
func (e *Entity) Move(dx, dy, maxMovePerTick float64) {
	mag := dx*dx + dy*dy
	if max2 := maxMovePerTick * maxMovePerTick; mag > max2 && mag > 0 {
		scale := maxMovePerTick / math.Sqrt(mag)
		dx *= scale
		dy *= scale
	}
	e.X.Add(dx)
	e.Y.Add(dy)
}

// EatNearby attempts to consume whatever resource or prey the Tick
// Engine's per-entity forage hook finds nearby this tick, crediting the
// energy gained (capped at MaxEnergy) and recording it so the sandbox
// step can distinguish legitimate gains from a trait that merely wrote
// to Energy directly (it cannot: Energy has no exported setter reachable
// from trait code per the validator's attribute whitelist). No hook
// means nothing is in range; EatNearby is a no-op.
func (e *Entity) EatNearby() {
	e.mu.Lock()
	forage := e.forage
	e.mu.Unlock()
	if forage == nil {
		return
	}
	amount := forage()
	if amount <= 0 {
		return
	}
	e.mu.Lock()
	e.pendingEat += amount
	e.mu.Unlock()
	for {
		cur := e.Energy.Load()
		next := cur + amount
		if next > e.MaxEnergy {
			next = e.MaxEnergy
		}
		if e.Energy.CompareAndSwap(cur, next) {
			return
		}
	}
}

// AttackNearby attempts a strike against whatever the Tick Engine's
// per-entity strike hook resolves as a valid target this tick (the first
// valid rival the spatial query returns, not necessarily the nearest),
// returning whether a target was actually hit. Like EatNearby, a trait
// never supplies its own target or damage amount.
func (e *Entity) AttackNearby() bool {
	e.mu.Lock()
	strike := e.strike
	e.mu.Unlock()
	if strike == nil {
		return false
	}
	return strike()
}

// SetHooks installs the forage/strike callbacks the Tick Engine resolves
// for this entity before running its trait list, and clears them once
// the trait list has finished (the hooks must never survive past a
// trait's own per-call timeout, or an abandoned goroutine could keep
// calling back into stale tick state).
func (e *Entity) SetHooks(forage func() float64, strike func() bool) {
	e.mu.Lock()
	e.forage = forage
	e.strike = strike
	e.mu.Unlock()
}

// ClearHooks removes the forage/strike callbacks installed by SetHooks.
func (e *Entity) ClearHooks() {
	e.SetHooks(nil, nil)
}

// DeactivateTrait marks a canonical trait name inactive for this entity.
// Part of the whitelisted entity method surface.
func (e *Entity) DeactivateTrait(canonicalName string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.deactivated[canonicalName] = struct{}{}
}

// ActivateTrait clears a previous deactivation. Part of the whitelisted
// entity method surface.
func (e *Entity) ActivateTrait(canonicalName string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.deactivated, canonicalName)
}

// IsDeactivated reports whether canonicalName is currently deactivated
// for this entity.
func (e *Entity) IsDeactivated(canonicalName string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.deactivated[canonicalName]
	return ok
}

// TakePendingEat drains and returns the energy accumulated via EatNearby
// since the last call, for the Tick Engine's Update-stage sandboxing.
func (e *Entity) TakePendingEat() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	amt := e.pendingEat
	e.pendingEat = 0
	return amt
}

