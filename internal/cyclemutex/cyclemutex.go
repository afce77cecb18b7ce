// Package cyclemutex implements the cross-process single-writer lock
// §4.6 specifies: an atomic SET-NX-EX on a well-known key, TTL =
// max(60s, evolution_cooldown * 3), guarding the Watcher → Architect →
// Coder → Patcher cycle so only one evolution cycle is ever in
// {planning, coding, patching}. Backed by internal/store/kv.Store. Over
// the in-memory MemoryStore, SetNX still enforces exclusion within this
// process, so a second Start while a cycle is held reports busy; the
// lock is not shared with other processes, and Start never grants it
// unconditionally.
package cyclemutex

import (
	"context"
	"encoding/json"
	"time"

	"github.com/molsim/molsim/internal/store/kv"
)

const (
	lockKey   = "evo:cycle:lock"
	recordKey = "evo:cycle:current"
	minTTL    = 60 * time.Second
)

// Stage is an evolution cycle's current position in the pipeline.
type Stage string

const (
	StagePlanning Stage = "planning"
	StageCoding   Stage = "coding"
	StagePatching Stage = "patching"
	StageDone     Stage = "done"
	StageFailed   Stage = "failed"
)

// Record is the inspectable cycle state §4.6 and §6's `evo:cycle:current`
// hash expose.
type Record struct {
	TriggerID   string    `json:"trigger_id"`
	ProblemType string    `json:"problem_type"`
	Severity    string    `json:"severity"`
	Stage       Stage     `json:"stage"`
	StartedAt   time.Time `json:"started_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	Error       string    `json:"error,omitempty"`
}

// Mutex serializes the evolution cycle across the whole system.
type Mutex struct {
	store             kv.Store
	evolutionCooldown time.Duration
}

// New constructs a Mutex. evolutionCooldown feeds the TTL formula
// (§4.6: TTL = max(60s, cooldown*3)).
func New(store kv.Store, evolutionCooldown time.Duration) *Mutex {
	return &Mutex{store: store, evolutionCooldown: evolutionCooldown}
}

func (m *Mutex) ttl() time.Duration {
	if t := m.evolutionCooldown * 3; t > minTTL {
		return t
	}
	return minTTL
}

// Start attempts to acquire the lock for triggerID. acquired is false
// when another cycle already holds it ("busy", not an error per §7).
func (m *Mutex) Start(ctx context.Context, triggerID, problemType, severity string) (acquired bool, err error) {
	ttl := m.ttl()
	ok, err := m.store.SetNX(ctx, lockKey, []byte(triggerID), ttl)
	if err != nil || !ok {
		return false, err
	}

	now := time.Now()
	rec := Record{
		TriggerID:   triggerID,
		ProblemType: problemType,
		Severity:    severity,
		Stage:       StagePlanning,
		StartedAt:   now,
		UpdatedAt:   now,
	}
	if err := m.writeRecord(ctx, rec); err != nil {
		return true, err
	}
	return true, nil
}

// UpdateStage moves the active cycle's record to a new stage.
func (m *Mutex) UpdateStage(ctx context.Context, stage Stage) error {
	rec, err := m.Current(ctx)
	if err != nil {
		return err
	}
	rec.Stage = stage
	rec.UpdatedAt = time.Now()
	return m.writeRecord(ctx, rec)
}

// Complete marks the record done and releases the lock.
func (m *Mutex) Complete(ctx context.Context) error {
	if err := m.UpdateStage(ctx, StageDone); err != nil {
		return err
	}
	return m.store.Delete(ctx, lockKey)
}

// Fail marks the record failed with reason, and releases the lock.
func (m *Mutex) Fail(ctx context.Context, reason string) error {
	rec, err := m.Current(ctx)
	if err != nil {
		return err
	}
	rec.Stage = StageFailed
	rec.Error = reason
	rec.UpdatedAt = time.Now()
	if err := m.writeRecord(ctx, rec); err != nil {
		return err
	}
	return m.store.Delete(ctx, lockKey)
}

// Current returns the inspectable record for the active cycle, if any.
func (m *Mutex) Current(ctx context.Context) (Record, error) {
	raw, ok, err := m.store.Get(ctx, recordKey)
	if err != nil || !ok {
		return Record{}, err
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

func (m *Mutex) writeRecord(ctx context.Context, rec Record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return m.store.Set(ctx, recordKey, raw, m.ttl())
}
