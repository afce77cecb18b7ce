// Package tick implements the Tick Engine (spec.md §4.1): a
// fixed-cadence loop that advances entity state, executes per-entity
// behavior modules under hard CPU budgets, detects anomalies via the
// telemetry it emits, and snapshots world state. Pacing uses
// channerics.NewTicker, the same combinator tabular/main.go and
// server/fastview/client.go reach for whenever a loop needs a
// cancellable periodic beat.
package tick

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	channerics "github.com/niceyeti/channerics/channels"

	"github.com/molsim/molsim/internal/entity"
	"github.com/molsim/molsim/internal/events"
	"github.com/molsim/molsim/internal/eventbus"
	"github.com/molsim/molsim/internal/frame"
	"github.com/molsim/molsim/internal/physics"
	"github.com/molsim/molsim/internal/store/kv"
	"github.com/molsim/molsim/internal/telemetry"
	"github.com/molsim/molsim/internal/traits"
	"github.com/molsim/molsim/internal/world"
)

// VirusState is the virus regulator's dormant/active state machine
// (spec.md §4.1 step 5).
type VirusState int

const (
	VirusDormant VirusState = iota
	VirusActive
)

// Config bundles every tunable the Tick Engine's stages consume.
type Config struct {
	TickPeriod            time.Duration
	Bounds                physics.Bounds
	MinPopulation         int
	MaxEntities           int
	SpawnBatch            int
	MaxActiveTraits       int
	SnapshotIntervalTicks uint64
	CheckpointIntervalTicks uint64
	PredatorSpawnThreshold  int
	PredatorCap             int
	PredatorHuntRadius      float64
	MaxMovePerTick          float64
	VirusSpawnThreshold     int
	VirusIgniteProbability  float64
	VirusInfectProbability  float64
	VirusInfectRadius       float64
	VirusRecoveryTicks      int
	ResourceGrowthRate      float64
	ResourceEnergy          float64
	DefaultEnergy           float64
	DefaultMaxEnergy        float64
	DefaultMetabolism       float64
	DefaultRadius           float64
	DefaultMaxAge           int
	ForageRadius            float64 // eat_nearby sensing radius for resources
	AttackRadius            float64 // attack_nearby sensing radius for rival entities
	AttackDamage            float64 // energy drained from a struck target per attack_nearby call
}

// Engine is the Tick Engine: owner of the Entity Store, Environment
// Store, and the registry/executor pair, advancing world state once per
// TickPeriod.
type Engine struct {
	cfg Config

	entities *world.EntityStore
	env      *world.EnvironmentStore
	registry *traits.Registry
	executor *traits.Executor
	bus      *eventbus.Bus
	store    kv.Store
	deaths   *telemetry.DeathCounters
	counters *telemetry.Counters

	tick             uint64
	virusState       VirusState
	nextID           uint64
	registryVersion  uint64

	// CheckpointFunc, if set, is invoked asynchronously every
	// CheckpointIntervalTicks ticks (spec.md §4.1 step 11); it must not
	// block the next tick.
	CheckpointFunc func(ctx context.Context, tick uint64)

	// FrameSink, if set, receives the encoded binary world frame every
	// broadcast tick (spec.md §4.1 step 7). internal/api wires this to
	// its websocket broadcaster; it is nil (and the stage is a no-op
	// beyond the feed notice) in headless/test configurations.
	FrameSink func(payload []byte)

	// Overruns counts ticks whose stage work exceeded TickPeriod
	// (spec.md §4.1 step 12: "Overruns are recorded but do not halt the
	// loop").
	Overruns uint64
}

// New constructs an Engine over already-built stores, registry,
// executor, bus, and kv store.
func New(
	cfg Config,
	entities *world.EntityStore,
	env *world.EnvironmentStore,
	registry *traits.Registry,
	executor *traits.Executor,
	bus *eventbus.Bus,
	store kv.Store,
) *Engine {
	return &Engine{
		cfg:      cfg,
		entities: entities,
		env:      env,
		registry: registry,
		executor: executor,
		bus:      bus,
		store:    store,
		deaths:   telemetry.NewDeathCounters(),
		counters: &telemetry.Counters{},
	}
}

// Tick returns the current tick counter.
func (e *Engine) Tick() uint64 { return e.tick }

// Counters exposes the cumulative stats counters for the stats endpoint.
func (e *Engine) Counters() *telemetry.Counters { return e.counters }

func (e *Engine) newID(prefix string) string {
	e.nextID++
	return fmt.Sprintf("%s-%d-%d", prefix, e.tick, e.nextID)
}

// Run drives the loop until ctx is cancelled, executing the twelve
// stages in order each tick. Stages report no errors, and Run does not
// recover a panic raised inside a stage.
func (e *Engine) Run(ctx context.Context) {
	ticker := channerics.NewTicker(ctx.Done(), e.cfg.TickPeriod)
	for range ticker {
		start := time.Now()
		e.runOnce(ctx)
		if time.Since(start) > e.cfg.TickPeriod {
			e.Overruns++
		}
	}
}

func (e *Engine) runOnce(ctx context.Context) {
	e.tick++

	e.stageUpdate()
	physics.Step(e.entities, e.cfg.Bounds)
	e.stageLifecycleReap()
	e.stagePredatorRegulator()
	e.stageVirusRegulator()
	e.stageRegistryUpgrade()
	e.stageBroadcast(ctx)
	e.stageOrganicGrowth()
	e.stageResourceRespawn()
	e.stageTelemetry(ctx)
	e.stageCheckpoint(ctx)
}

// stageUpdate is tick stage 1: age, metabolism drain, infection drain,
// trait execution under sandboxing so a trait can neither fabricate
// energy, stop aging, nor disable metabolism (spec.md §4.1 step 1).
func (e *Engine) stageUpdate() {
	for _, ent := range e.entities.All() {
		if !ent.IsAlive() {
			continue
		}
		e.updateOne(ent)
	}
}

func (e *Engine) updateOne(ent *entity.Entity) {
	ent.Age++
	if ent.MaxAge > 0 && ent.Age >= ent.MaxAge {
		ent.State = entity.Dead
		ent.DeathCause = telemetry.DeathOldAge
		return
	}

	preMetabolism := ent.MetabolismRate.Load()
	ent.Energy.Add(-preMetabolism)
	if ent.Infection.Infected {
		ent.Energy.Add(-preMetabolism * 0.5)
		ent.Infection.RecoveryTicks--
		if ent.Infection.RecoveryTicks <= 0 {
			ent.Infection.Infected = false
		}
	}

	ent.TakePendingEat()
	preAge := ent.Age
	ent.SetHooks(e.makeForageHook(ent), e.makeStrikeHook(ent))
	e.executor.ExecuteAll(ent)
	ent.ClearHooks()

	// Sandbox: restore age and metabolism rate in case a trait wrote to
	// them directly. Energy itself needs no restoring here: EatNearby is the
	// only path a trait has to move it, and EatNearby already enforces
	// the MaxEnergy cap atomically as it applies.
	ent.Age = preAge
	ent.MetabolismRate.Store(preMetabolism)
	ent.TakePendingEat()

	if ent.Energy.Load() <= 0 {
		ent.State = entity.Dead
		if ent.Infection.Infected {
			ent.DeathCause = telemetry.DeathVirusKill
		} else {
			ent.DeathCause = telemetry.DeathStarvation
		}
	}
}

// makeForageHook resolves entity.EatNearby for ent: it is the engine,
// never the trait, that decides what "nearby" contains and how much
// energy it is worth, so a trait cannot call EatNearby with a
// self-supplied amount (spec.md §4.1 step 1's sandboxing requirement).
func (e *Engine) makeForageHook(ent *entity.Entity) func() float64 {
	return func() float64 {
		near := e.env.Nearby(ent.X.Load(), ent.Y.Load(), e.cfg.ForageRadius)
		if len(near) == 0 {
			return 0
		}
		r := near[0]
		e.env.Consume(r.ID)
		return r.Energy
	}
}

// makeStrikeHook resolves entity.AttackNearby for ent: the engine picks
// the first valid rival the spatial query returns within AttackRadius
// (not necessarily the nearest) and resolves damage
// itself, so a trait cannot name its own target or damage amount.
// Predators striking a molbot credit themselves half the damage dealt,
// same ratio as the automatic predator-regulator kill in huntOne.
func (e *Engine) makeStrikeHook(ent *entity.Entity) func() bool {
	return func() bool {
		near := e.entities.Nearby(ent.X.Load(), ent.Y.Load(), e.cfg.AttackRadius)
		for _, other := range near {
			if other == ent || !other.IsAlive() {
				continue
			}
			if ent.EntityType == entity.Predator && other.EntityType != entity.Predator {
				e.applyDamage(other, e.cfg.AttackDamage, telemetry.DeathPredatorKill)
				e.creditEnergy(ent, e.cfg.AttackDamage*0.5)
				return true
			}
			if ent.EntityType == entity.Molbot && other.EntityType == entity.Molbot {
				e.applyDamage(other, e.cfg.AttackDamage, telemetry.DeathStarvation)
				return true
			}
		}
		return false
	}
}

// applyDamage drains amount from target's energy and marks it dead with
// cause if that drops it to zero or below.
func (e *Engine) applyDamage(target *entity.Entity, amount float64, cause string) {
	target.Energy.Add(-amount)
	if target.Energy.Load() <= 0 {
		target.State = entity.Dead
		target.DeathCause = cause
	}
}

// creditEnergy adds amount to ent's energy, capped at MaxEnergy. Used
// only by engine-internal resolution code (predator hunts, strikes),
// never reachable from trait source.
func (e *Engine) creditEnergy(ent *entity.Entity, amount float64) {
	if amount <= 0 {
		return
	}
	for {
		cur := ent.Energy.Load()
		next := cur + amount
		if next > ent.MaxEnergy {
			next = ent.MaxEnergy
		}
		if ent.Energy.CompareAndSwap(cur, next) {
			return
		}
	}
}

// stageLifecycleReap is tick stage 3: remove dead entities and attribute
// each death to the cause the killing stage recorded on ent.DeathCause
// (spec.md §4.1 step 3). A predator's own death, regardless of cause,
// also counts toward predator_deaths so the two predator counters stay
// distinct: predator_kills is molbots a predator ate, predator_deaths is
// predators that died.
func (e *Engine) stageLifecycleReap() {
	for _, ent := range e.entities.ReapDead() {
		if ent.EntityType == entity.Predator {
			e.counters.PredatorDeaths.Add(1)
		}

		switch ent.DeathCause {
		case telemetry.DeathPredatorKill:
			e.counters.PredatorKills.Add(1)
			e.deaths.Record(telemetry.DeathPredatorKill)
		case telemetry.DeathVirusKill:
			e.counters.VirusKills.Add(1)
			e.deaths.Record(telemetry.DeathVirusKill)
		case telemetry.DeathOldAge:
			e.counters.OldAgeDeaths.Add(1)
			e.deaths.Record(telemetry.DeathOldAge)
		default:
			e.counters.StarvationDeaths.Add(1)
			e.deaths.Record(telemetry.DeathStarvation)
		}
	}
}

// stagePredatorRegulator is tick stage 4: spawn predators when molbot
// population exceeds the threshold and the predator cap isn't reached;
// each predator hunts its nearest molbot and consumes it on contact.
func (e *Engine) stagePredatorRegulator() {
	molbots, predators := e.entities.CountAlive()
	if molbots > e.cfg.PredatorSpawnThreshold && predators < e.cfg.PredatorCap {
		e.spawnPredator()
	}

	for _, pred := range e.entities.All() {
		if !pred.IsAlive() || pred.EntityType != entity.Predator {
			continue
		}
		e.huntOne(pred)
	}
}

func (e *Engine) huntOne(pred *entity.Entity) {
	candidates := e.entities.Nearby(pred.X.Load(), pred.Y.Load(), e.cfg.PredatorHuntRadius)
	var target *entity.Entity
	bestDist := e.cfg.PredatorHuntRadius * e.cfg.PredatorHuntRadius
	for _, c := range candidates {
		if c == pred || !c.IsAlive() || c.EntityType != entity.Molbot {
			continue
		}
		dx, dy := c.X.Load()-pred.X.Load(), c.Y.Load()-pred.Y.Load()
		d2 := dx*dx + dy*dy
		if d2 <= bestDist {
			bestDist = d2
			target = c
		}
	}
	if target == nil {
		return
	}

	dx, dy := target.X.Load()-pred.X.Load(), target.Y.Load()-pred.Y.Load()
	pred.Move(dx, dy, e.cfg.MaxMovePerTick)

	contactRadius := pred.Radius + target.Radius
	tdx, tdy := target.X.Load()-pred.X.Load(), target.Y.Load()-pred.Y.Load()
	if tdx*tdx+tdy*tdy <= contactRadius*contactRadius {
		target.State = entity.Dead
		target.DeathCause = telemetry.DeathPredatorKill
		e.creditEnergy(pred, target.MaxEnergy*0.5)
	}
}

func (e *Engine) spawnPredator() {
	x := rand.Float64() * e.cfg.Bounds.Width
	y := rand.Float64() * e.cfg.Bounds.Height
	pred := entity.New(e.newID("pred"), 0, "", e.tick, x, y,
		e.cfg.DefaultRadius, e.cfg.DefaultEnergy, e.cfg.DefaultMaxEnergy,
		e.cfg.DefaultMetabolism, e.cfg.DefaultMaxAge, entity.Predator)
	e.entities.Spawn(pred)
}

// stageVirusRegulator is tick stage 5: dormant→active ignition, spread
// among nearby entities while active, recovery-timer countdown, and
// active→dormant once no infected entities remain.
func (e *Engine) stageVirusRegulator() {
	molbots, _ := e.entities.CountAlive()

	if e.virusState == VirusDormant {
		if molbots > e.cfg.VirusSpawnThreshold && rand.Float64() < e.cfg.VirusIgniteProbability {
			e.igniteRandom()
			e.virusState = VirusActive
		}
		return
	}

	anyInfected := false
	for _, ent := range e.entities.All() {
		if !ent.IsAlive() || !ent.Infection.Infected {
			continue
		}
		anyInfected = true
		e.spreadFrom(ent)
	}

	if !anyInfected {
		e.virusState = VirusDormant
	}
}

func (e *Engine) igniteRandom() {
	live := e.entities.All()
	var candidates []*entity.Entity
	for _, ent := range live {
		if ent.IsAlive() && ent.EntityType == entity.Molbot {
			candidates = append(candidates, ent)
		}
	}
	if len(candidates) == 0 {
		return
	}
	target := candidates[rand.Intn(len(candidates))]
	target.Infection = entity.Infection{Infected: true, RecoveryTicks: e.cfg.VirusRecoveryTicks}
}

func (e *Engine) spreadFrom(carrier *entity.Entity) {
	neighbors := e.entities.Nearby(carrier.X.Load(), carrier.Y.Load(), e.cfg.VirusInfectRadius)
	for _, n := range neighbors {
		if n == carrier || !n.IsAlive() || n.Infection.Infected || n.EntityType != entity.Molbot {
			continue
		}
		if rand.Float64() < e.cfg.VirusInfectProbability {
			n.Infection = entity.Infection{Infected: true, RecoveryTicks: e.cfg.VirusRecoveryTicks}
		}
	}
}

// stageRegistryUpgrade is tick stage 6: if the registry version has
// advanced since the last tick, walk every living entity and, for each
// family, replace a matching trait in-place or append it if room
// remains under MaxActiveTraits (spec.md §4.1 step 6).
func (e *Engine) stageRegistryUpgrade() {
	current := e.registry.Version()
	if current == e.registryVersion {
		return
	}
	e.registryVersion = current

	snap := e.registry.Snapshot()
	for _, ent := range e.entities.All() {
		if !ent.IsAlive() {
			continue
		}
		e.upgradeOne(ent, snap)
	}
}

func (e *Engine) upgradeOne(ent *entity.Entity, snap map[string]*traits.Family) {
	for canonical, fam := range snap {
		replaced := false
		for i, inst := range ent.Traits {
			if inst.CanonicalName == canonical {
				ent.Traits[i] = entity.TraitInstance{CanonicalName: canonical, Trait: fam.Class}
				replaced = true
				break
			}
		}
		if !replaced && len(ent.Traits) < e.cfg.MaxActiveTraits {
			ent.Traits = append(ent.Traits, entity.TraitInstance{CanonicalName: canonical, Trait: fam.Class})
		}
	}
}

// stageBroadcast is tick stage 7: emit a compact binary world frame
// every 2nd tick (spec.md §4.1 step 7).
func (e *Engine) stageBroadcast(ctx context.Context) {
	if e.tick%2 != 0 {
		return
	}
	views := make([]frame.EntityView, 0, e.entities.Count())
	for _, ent := range e.entities.All() {
		if ent.IsAlive() {
			views = append(views, frame.ViewOf(ent))
		}
	}
	resViews := make([]frame.ResourceView, 0, e.env.Count())
	for _, r := range e.env.All() {
		resViews = append(resViews, frame.ResourceView{X: r.X, Y: r.Y})
	}
	payload := frame.Encode(uint32(e.tick), views, resViews)
	if e.FrameSink != nil {
		e.FrameSink(payload)
	}
	_ = e.bus.Publish(ctx, eventbus.TopicFeed, events.Feed{
		Agent:   "tick_engine",
		Action:  "broadcast",
		Message: "world frame",
		Metadata: map[string]interface{}{
			"bytes": len(payload),
		},
		Timestamp: time.Now(),
	})
}

// stageOrganicGrowth is tick stage 8: spawn up to SpawnBatch entities
// when population dips below MinPopulation; otherwise spawn extra when
// average energy is healthy, up to MaxEntities (spec.md §4.1 step 8).
func (e *Engine) stageOrganicGrowth() {
	molbots, _ := e.entities.CountAlive()
	if molbots < e.cfg.MinPopulation {
		for i := 0; i < e.cfg.SpawnBatch && e.entities.Count() < e.cfg.MaxEntities; i++ {
			e.spawnMolbot()
		}
		return
	}

	avg := e.avgEnergy()
	extra := 0
	switch {
	case avg >= 0.85*e.cfg.DefaultMaxEnergy:
		extra = 2
	case avg >= 0.70*e.cfg.DefaultMaxEnergy:
		extra = 1
	}
	for i := 0; i < extra && e.entities.Count() < e.cfg.MaxEntities; i++ {
		e.spawnMolbot()
	}
}

func (e *Engine) spawnMolbot() {
	x := rand.Float64() * e.cfg.Bounds.Width
	y := rand.Float64() * e.cfg.Bounds.Height
	m := entity.New(e.newID("mol"), 0, "", e.tick, x, y,
		e.cfg.DefaultRadius, e.cfg.DefaultEnergy, e.cfg.DefaultMaxEnergy,
		e.cfg.DefaultMetabolism, e.cfg.DefaultMaxAge, entity.Molbot)
	e.entities.Spawn(m)
}

func (e *Engine) avgEnergy() float64 {
	live := e.entities.All()
	if len(live) == 0 {
		return 0
	}
	total := 0.0
	n := 0
	for _, ent := range live {
		if !ent.IsAlive() {
			continue
		}
		total += ent.Energy.Load()
		n++
	}
	if n == 0 {
		return 0
	}
	return total / float64(n)
}

// stageResourceRespawn is tick stage 9: grow the environment by rate R
// per tick, using a fractional probability draw for sub-unit rates
// (spec.md §4.1 step 9).
func (e *Engine) stageResourceRespawn() {
	whole := int(e.cfg.ResourceGrowthRate)
	frac := e.cfg.ResourceGrowthRate - float64(whole)
	n := whole
	if frac > 0 && rand.Float64() < frac {
		n++
	}
	for i := 0; i < n; i++ {
		x := rand.Float64() * e.cfg.Bounds.Width
		y := rand.Float64() * e.cfg.Bounds.Height
		e.env.Spawn(&entity.Resource{ID: e.newID("res"), X: x, Y: y, Energy: e.cfg.ResourceEnergy})
	}
}

// stageTelemetry is tick stage 10: every SnapshotIntervalTicks, produce
// a World Snapshot, cache it with TTL, publish its key on the telemetry
// channel, and reset the death counters (spec.md §4.1 step 10).
func (e *Engine) stageTelemetry(ctx context.Context) {
	if e.cfg.SnapshotIntervalTicks == 0 || e.tick%e.cfg.SnapshotIntervalTicks != 0 {
		return
	}

	molbots, predators := e.entities.CountAlive()
	snap := telemetry.Snapshot{
		Tick:          e.tick,
		EntityCount:   molbots + predators,
		AvgEnergy:     e.avgEnergy(),
		ResourceCount: e.env.Count(),
		DeathStats:    e.deaths.Snapshot(),
		Timestamp:     time.Now(),
		Runtime:       telemetry.ReadRuntimeGauges(),
	}
	e.deaths.Reset()

	key := fmt.Sprintf("ws:snapshot:%d", e.tick)
	if e.store != nil {
		if raw, err := json.Marshal(snap); err == nil {
			_ = e.store.Set(ctx, key, raw, 5*time.Minute)
		}
	}

	_ = e.bus.Publish(ctx, eventbus.TopicTelemetry, events.Telemetry{
		Tick:        e.tick,
		SnapshotKey: key,
		Timestamp:   snap.Timestamp,
	})
}

// stageCheckpoint is tick stage 11: asynchronously persist a durable
// checkpoint every CheckpointIntervalTicks, without blocking the next
// tick (spec.md §4.1 step 11).
func (e *Engine) stageCheckpoint(ctx context.Context) {
	if e.CheckpointFunc == nil || e.cfg.CheckpointIntervalTicks == 0 {
		return
	}
	if e.tick%e.cfg.CheckpointIntervalTicks != 0 {
		return
	}
	go e.CheckpointFunc(ctx, e.tick)
}
