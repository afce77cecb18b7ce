// Package watcher implements the Watcher (spec.md §4.7): subscribes to
// the telemetry channel, evaluates fitness for recently-activated
// mutations, detects anomalies as a pure function of a snapshot, and
// publishes Evolution Triggers — either anomaly-driven and
// cooldown-gated, or on a fixed periodic interval regardless of
// anomalies. Runs as one of the long-lived subsystem loops §5 describes,
// paced with channerics.NewTicker exactly as the Tick Engine is.
package watcher

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	channerics "github.com/niceyeti/channerics/channels"

	"github.com/molsim/molsim/internal/events"
	"github.com/molsim/molsim/internal/eventbus"
	"github.com/molsim/molsim/internal/store/kv"
	"github.com/molsim/molsim/internal/telemetry"
)

// Config bundles the tunables the anomaly detector and cooldown gate need.
type Config struct {
	MinPopulation             int
	MaxEntities               int
	TypicalMaxEnergy          float64
	EvolutionCooldown         time.Duration
	PeriodicEvolutionInterval time.Duration
	FitnessRollbackThreshold  float64 // theta, default 0.15
}

// Anomaly is one detected problem, ranked by severity.
type Anomaly struct {
	ProblemType string
	Severity    string
}

// DetectAnomalies is the pure function of snapshot + config spec.md
// §4.7 step 3 describes. It never mutates snapshot or cfg and is safe
// to call from tests without a Watcher instance.
func DetectAnomalies(snap telemetry.Snapshot, cfg Config) []Anomaly {
	var found []Anomaly

	if cfg.TypicalMaxEnergy > 0 && snap.AvgEnergy < 0.2*cfg.TypicalMaxEnergy {
		sev := events.SeverityHigh
		if snap.AvgEnergy < 0.1*cfg.TypicalMaxEnergy {
			sev = events.SeverityCritical
		}
		found = append(found, Anomaly{ProblemType: events.ProblemStarvation, Severity: sev})
	}

	if cfg.MinPopulation > 0 && snap.EntityCount < int(float64(cfg.MinPopulation)*1.5) {
		sev := events.SeverityHigh
		if snap.EntityCount <= cfg.MinPopulation {
			sev = events.SeverityCritical
		}
		found = append(found, Anomaly{ProblemType: events.ProblemExtinction, Severity: sev})
	}

	if cfg.MaxEntities > 0 && snap.EntityCount > int(float64(cfg.MaxEntities)*0.95) {
		sev := events.SeverityHigh
		if snap.EntityCount >= cfg.MaxEntities {
			sev = events.SeverityCritical
		}
		found = append(found, Anomaly{ProblemType: events.ProblemOverpopulation, Severity: sev})
	}

	return found
}

// mostSevere returns the anomaly with the highest SeverityRank, the
// first one encountered on ties (spec.md §4.7 step 5: "pick the
// most-severe anomaly").
func mostSevere(anomalies []Anomaly) (Anomaly, bool) {
	if len(anomalies) == 0 {
		return Anomaly{}, false
	}
	best := anomalies[0]
	for _, a := range anomalies[1:] {
		if events.SeverityRank[a.Severity] > events.SeverityRank[best.Severity] {
			best = a
		}
	}
	return best, true
}

// pendingBaseline is the fitness-evaluation record recorded when a
// MutationApplied event arrives and a prior snapshot is available
// (spec.md §4.7 closing paragraph).
type pendingBaseline struct {
	mutationID        string
	traitName         string
	baselineCount     int
	windowStartsAfter uint64
}

// Watcher drives anomaly detection, fitness rollback, and trigger
// publication off the telemetry and mutation_applied channels.
type Watcher struct {
	cfg   Config
	bus   *eventbus.Bus
	store kv.Store

	mu            sync.Mutex
	baselines     map[string]pendingBaseline // keyed by trait_name
	prevSnapshot  *telemetry.Snapshot
	lastTriggerAt time.Time
}

// New constructs a Watcher over bus (for Subscribe/Publish) and store
// (for loading cached World Snapshots by key).
func New(cfg Config, bus *eventbus.Bus, store kv.Store) *Watcher {
	return &Watcher{
		cfg:       cfg,
		bus:       bus,
		store:     store,
		baselines: make(map[string]pendingBaseline),
	}
}

// Run drives the Watcher until ctx is cancelled: a telemetry subscriber,
// a mutation_applied subscriber for recording fitness baselines, a
// mutation_rollback publisher, and its own periodic-trigger ticker.
func (w *Watcher) Run(ctx context.Context) error {
	telemetrySub, err := eventbus.Subscribe[events.Telemetry](ctx, w.bus, eventbus.TopicTelemetry)
	if err != nil {
		return err
	}
	appliedSub, err := eventbus.Subscribe[events.MutationApplied](ctx, w.bus, eventbus.TopicMutationApplied)
	if err != nil {
		return err
	}

	var periodic <-chan time.Time
	if w.cfg.PeriodicEvolutionInterval > 0 {
		periodic = channerics.NewTicker(ctx.Done(), w.cfg.PeriodicEvolutionInterval)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case t, ok := <-telemetrySub:
			if !ok {
				return nil
			}
			w.onTelemetry(ctx, t)
		case a, ok := <-appliedSub:
			if !ok {
				return nil
			}
			w.onMutationApplied(a)
		case <-periodic:
			w.publishPeriodicTrigger(ctx)
		}
	}
}

func (w *Watcher) onTelemetry(ctx context.Context, t events.Telemetry) {
	raw, ok, err := w.store.Get(ctx, t.SnapshotKey)
	if err != nil || !ok {
		log.Printf("watcher: snapshot %s unavailable: %v", t.SnapshotKey, err)
		return
	}
	var snap telemetry.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		log.Printf("watcher: decode snapshot %s: %v", t.SnapshotKey, err)
		return
	}

	w.evaluateFitness(ctx, snap)

	anomalies := DetectAnomalies(snap, w.cfg)
	if len(anomalies) == 0 {
		w.mu.Lock()
		w.prevSnapshot = &snap
		w.mu.Unlock()
		return
	}

	cycleID := uuid.NewString()
	for _, a := range anomalies {
		w.publishFeed(ctx, events.Feed{
			Agent:   "watcher",
			Action:  "anomaly_detected",
			Message: a.ProblemType,
			Metadata: map[string]interface{}{
				"severity": a.Severity,
			},
			Timestamp: time.Now(),
			CycleID:   cycleID,
		})
	}

	w.mu.Lock()
	cooldownElapsed := time.Since(w.lastTriggerAt) >= w.cfg.EvolutionCooldown
	w.mu.Unlock()

	if cooldownElapsed {
		if worst, ok := mostSevere(anomalies); ok {
			w.publishTrigger(ctx, worst.ProblemType, worst.Severity, cycleID, t.SnapshotKey, snap)
			w.mu.Lock()
			w.lastTriggerAt = time.Now()
			w.mu.Unlock()
		}
	}

	w.mu.Lock()
	w.prevSnapshot = &snap
	w.mu.Unlock()
}

// evaluateFitness implements spec.md §4.7 step 2: for each mutation
// whose observation window has elapsed (one snapshot interval, i.e. its
// baseline was recorded before this snapshot's tick), compute relative
// population change and roll back on a sufficiently negative delta.
// The pending record is dropped either way once evaluated.
func (w *Watcher) evaluateFitness(ctx context.Context, snap telemetry.Snapshot) {
	w.mu.Lock()
	due := make([]pendingBaseline, 0, len(w.baselines))
	for name, b := range w.baselines {
		if snap.Tick > b.windowStartsAfter {
			due = append(due, b)
			delete(w.baselines, name)
		}
	}
	w.mu.Unlock()

	for _, b := range due {
		if b.baselineCount == 0 {
			continue
		}
		delta := float64(snap.EntityCount-b.baselineCount) / float64(b.baselineCount)
		if delta < -w.cfg.FitnessRollbackThreshold {
			_ = w.bus.Publish(ctx, eventbus.TopicMutationRollback, events.MutationRollback{
				MutationID:   b.mutationID,
				TraitName:    b.traitName,
				Reason:       "fitness_regression",
				FitnessDelta: delta,
			})
		}
	}
}

func (w *Watcher) onMutationApplied(a events.MutationApplied) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.prevSnapshot == nil {
		return
	}
	w.baselines[a.TraitName] = pendingBaseline{
		mutationID:        a.MutationID,
		traitName:         a.TraitName,
		baselineCount:     w.prevSnapshot.EntityCount,
		windowStartsAfter: w.prevSnapshot.Tick,
	}
}

func (w *Watcher) publishPeriodicTrigger(ctx context.Context) {
	w.mu.Lock()
	snap := w.prevSnapshot
	w.mu.Unlock()
	if snap == nil {
		return
	}

	cycleID := uuid.NewString()
	w.publishTrigger(ctx, events.ProblemPeriodic, events.SeverityLow, cycleID, "", *snap)

	// Resetting lastTriggerAt means an anomaly-driven trigger cannot
	// immediately follow a periodic one (spec.md §4.7 step 6).
	w.mu.Lock()
	w.lastTriggerAt = time.Now()
	w.mu.Unlock()
}

func (w *Watcher) publishTrigger(ctx context.Context, problemType, severity, cycleID, snapshotKey string, snap telemetry.Snapshot) {
	trigger := events.EvolutionTrigger{
		TriggerID:        uuid.NewString(),
		ProblemType:      problemType,
		Severity:         severity,
		AffectedEntities: snap.EntityCount,
		SuggestedArea:    problemType,
		SnapshotKey:      snapshotKey,
		CycleID:          cycleID,
		WorldContext: events.WorldContext{
			EntityCount:   snap.EntityCount,
			AvgEnergy:     snap.AvgEnergy,
			ResourceCount: snap.ResourceCount,
			DeathStats:    snap.DeathStats,
		},
	}
	if err := w.bus.Publish(ctx, eventbus.TopicEvolutionTrigger, trigger); err != nil {
		log.Printf("watcher: publish evolution_trigger: %v", err)
	}
}

func (w *Watcher) publishFeed(ctx context.Context, msg events.Feed) {
	if err := w.bus.Publish(ctx, eventbus.TopicFeed, msg); err != nil {
		log.Printf("watcher: publish feed: %v", err)
	}
}
