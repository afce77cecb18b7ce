// Package gatekeeper implements the Gatekeeper (spec.md §2, §6):
// externally-proposed mutations enter the same Validator + Patcher path
// an internally-generated one does, gated by a hand-rolled token bucket
// per IP, per agent, and a concurrency cap on in-flight proposals per
// agent (spec.md's weighted feature list names rate limiting as the
// Gatekeeper's whole job beyond reuse of the existing pipeline).
package gatekeeper

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/molsim/molsim/internal/events"
	"github.com/molsim/molsim/internal/eventbus"
	"github.com/molsim/molsim/internal/traits"
	"github.com/molsim/molsim/internal/validator"
)

// Limits bundles the Gatekeeper's three independent rate constraints.
type Limits struct {
	PerIPPerMinute      int
	PerAgentPerHour     int
	PerAgentInFlightMax int
}

// DefaultLimits mirrors the constraints spec.md §2 lists as the
// Gatekeeper's entire responsibility beyond reuse: a conservative
// per-IP burst cap, a per-agent hourly cap, and a small in-flight cap so
// one agent can't flood the cycle mutex with proposals it never intends
// to wait out.
func DefaultLimits() Limits {
	return Limits{PerIPPerMinute: 10, PerAgentPerHour: 60, PerAgentInFlightMax: 5}
}

// bucket is a plain token bucket: capacity tokens, refilled at rate
// tokens/interval, checked and decremented under a mutex. This is the
// entire rate-limiting implementation; no external library is wired in
// for it (see DESIGN.md).
type bucket struct {
	mu       sync.Mutex
	tokens   float64
	capacity float64
	rate     float64 // tokens per second
	last     time.Time
}

func newBucket(capacity float64, per time.Duration) *bucket {
	return &bucket{tokens: capacity, capacity: capacity, rate: capacity / per.Seconds(), last: time.Now()}
}

func (b *bucket) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	elapsed := now.Sub(b.last).Seconds()
	b.last = now
	b.tokens += elapsed * b.rate
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// Proposal is an externally-submitted candidate trait source file.
type Proposal struct {
	AgentID string
	IP      string
	Source  []byte
}

// Outcome reports why a proposal was accepted or rejected.
type Outcome struct {
	Accepted   bool
	MutationID string
	Reason     string
	ReasonCode string
}

const (
	rejectRateLimitIP      = "RATE_LIMIT_IP"
	rejectRateLimitAgent   = "RATE_LIMIT_AGENT"
	rejectInFlight         = "RATE_LIMIT_IN_FLIGHT"
)

// Gatekeeper accepts Proposal values from internal/api's HTTP handler
// and, once past rate limiting and validation, writes the candidate to
// the mutations directory and publishes Mutation Ready exactly as the
// Coder does, so the Patcher needs no awareness of where a candidate
// came from.
type Gatekeeper struct {
	bus          *eventbus.Bus
	validator    *validator.Validator
	mutationsDir string
	limits       Limits

	mu            sync.Mutex
	ipBuckets     map[string]*bucket
	agentHour     map[string]*bucket
	inFlight      map[string]int
	agentVers     map[string]int
	pendingAgents map[string]string // mutation id -> agent id, while a dispatched proposal is still outstanding
}

// New constructs a Gatekeeper.
func New(bus *eventbus.Bus, v *validator.Validator, mutationsDir string, limits Limits) *Gatekeeper {
	return &Gatekeeper{
		bus:           bus,
		validator:     v,
		mutationsDir:  mutationsDir,
		limits:        limits,
		ipBuckets:     make(map[string]*bucket),
		agentHour:     make(map[string]*bucket),
		inFlight:      make(map[string]int),
		agentVers:     make(map[string]int),
		pendingAgents: make(map[string]string),
	}
}

// Run subscribes to the three outcomes that end a dispatched proposal's
// outstanding lifetime — Mutation Applied, Mutation Failed, Mutation
// Rollback — and releases that proposal's in-flight reservation then,
// not when Submit returns. Submit only publishes Mutation Ready; the
// Patcher resolves it asynchronously, so releasing on Submit's return
// would let an agent exceed PerAgentInFlightMax by firing proposals
// back to back (grounded on mutation_gatekeeper.py's _decrement_active,
// called only from its own applied/failed/rollback handlers, never from
// the synchronous dispatch path).
func (g *Gatekeeper) Run(ctx context.Context) error {
	appliedSub, err := eventbus.Subscribe[events.MutationApplied](ctx, g.bus, eventbus.TopicMutationApplied)
	if err != nil {
		return err
	}
	failedSub, err := eventbus.Subscribe[events.MutationFailed](ctx, g.bus, eventbus.TopicMutationFailed)
	if err != nil {
		return err
	}
	rollbackSub, err := eventbus.Subscribe[events.MutationRollback](ctx, g.bus, eventbus.TopicMutationRollback)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case applied, ok := <-appliedSub:
			if !ok {
				return nil
			}
			g.resolvePending(applied.MutationID)
		case failed, ok := <-failedSub:
			if !ok {
				return nil
			}
			g.resolvePending(failed.MutationID)
		case rb, ok := <-rollbackSub:
			if !ok {
				return nil
			}
			g.resolvePending(rb.MutationID)
		}
	}
}

// resolvePending releases the in-flight reservation for mutationID if
// it was one this Gatekeeper dispatched; a no-op for mutation ids the
// Coder produced, so the Gatekeeper only ever tracks its own proposals.
func (g *Gatekeeper) resolvePending(mutationID string) {
	g.mu.Lock()
	agentID, ok := g.pendingAgents[mutationID]
	if ok {
		delete(g.pendingAgents, mutationID)
	}
	g.mu.Unlock()
	if ok {
		g.releaseInFlight(agentID)
	}
}

// Submit is the synchronous entry point internal/api's HTTP handler
// calls. It returns immediately with accept/reject; acceptance means the
// candidate has already passed validation and a Mutation Ready has been
// published (the Patcher applies it asynchronously, same as the Coder's
// output). The in-flight reservation taken here is only released early
// if the proposal never reaches dispatch (rate limited, invalid, or a
// write failure); once Mutation Ready is published, Run releases it
// when the Patcher (or Watcher, on rollback) resolves the mutation.
func (g *Gatekeeper) Submit(ctx context.Context, p Proposal) Outcome {
	if !g.ipBucket(p.IP).allow() {
		return Outcome{Reason: "too many proposals from this address", ReasonCode: rejectRateLimitIP}
	}
	if !g.agentBucket(p.AgentID).allow() {
		return Outcome{Reason: "agent hourly proposal limit reached", ReasonCode: rejectRateLimitAgent}
	}
	if !g.tryReserveInFlight(p.AgentID) {
		return Outcome{Reason: "too many of this agent's proposals are still in flight", ReasonCode: rejectInFlight}
	}

	result := g.validator.Validate(p.Source)
	if !result.Valid {
		g.releaseInFlight(p.AgentID)
		g.feed(ctx, "", "validation_failed", fmt.Sprintf("%s: %s", result.Violation.Reason, result.Violation.Message))
		return Outcome{Reason: result.Violation.Message, ReasonCode: string(result.Violation.Reason)}
	}

	canonical := traits.Canonical(result.TraitName)
	g.mu.Lock()
	g.agentVers[canonical]++
	version := g.agentVers[canonical]
	g.mu.Unlock()

	if err := os.MkdirAll(g.mutationsDir, 0o755); err != nil {
		g.releaseInFlight(p.AgentID)
		return Outcome{Reason: fmt.Sprintf("creating mutations dir: %v", err)}
	}
	filePath := filepath.Join(g.mutationsDir, fmt.Sprintf("trait_%s_v%d.go", canonical, version))
	if err := os.WriteFile(filePath, p.Source, 0o644); err != nil {
		g.releaseInFlight(p.AgentID)
		return Outcome{Reason: fmt.Sprintf("writing proposal: %v", err)}
	}

	mutationID := uuid.NewString()
	ready := events.MutationReady{
		MutationID: mutationID,
		FilePath:   filePath,
		TraitName:  canonical,
		Version:    version,
		CodeHash:   result.SourceHash,
	}
	if err := g.bus.Publish(ctx, eventbus.TopicMutationReady, ready); err != nil {
		g.releaseInFlight(p.AgentID)
		return Outcome{Reason: fmt.Sprintf("publishing mutation ready: %v", err)}
	}

	g.mu.Lock()
	g.pendingAgents[mutationID] = p.AgentID
	g.mu.Unlock()

	g.feed(ctx, "", "proposal_accepted", fmt.Sprintf("%s v%d submitted by agent %s", canonical, version, p.AgentID))
	return Outcome{Accepted: true, MutationID: mutationID}
}

func (g *Gatekeeper) ipBucket(ip string) *bucket {
	g.mu.Lock()
	defer g.mu.Unlock()
	b, ok := g.ipBuckets[ip]
	if !ok {
		b = newBucket(float64(g.limits.PerIPPerMinute), time.Minute)
		g.ipBuckets[ip] = b
	}
	return b
}

func (g *Gatekeeper) agentBucket(agentID string) *bucket {
	g.mu.Lock()
	defer g.mu.Unlock()
	b, ok := g.agentHour[agentID]
	if !ok {
		b = newBucket(float64(g.limits.PerAgentPerHour), time.Hour)
		g.agentHour[agentID] = b
	}
	return b
}

func (g *Gatekeeper) tryReserveInFlight(agentID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.inFlight[agentID] >= g.limits.PerAgentInFlightMax {
		return false
	}
	g.inFlight[agentID]++
	return true
}

func (g *Gatekeeper) releaseInFlight(agentID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.inFlight[agentID]--
	if g.inFlight[agentID] <= 0 {
		delete(g.inFlight, agentID)
	}
}

func (g *Gatekeeper) feed(ctx context.Context, cycleID, action, message string) {
	_ = g.bus.Publish(ctx, eventbus.TopicFeed, events.Feed{
		Agent:     "gatekeeper",
		Action:    action,
		Message:   message,
		Timestamp: time.Now(),
		CycleID:   cycleID,
	})
}
