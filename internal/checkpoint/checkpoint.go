// Package checkpoint implements Checkpoint/Restore (spec.md §4.10): an
// asynchronous durable snapshot of tick, live population, and the trait
// source each restored entity depends on, taken every
// CheckpointIntervalTicks ticks without blocking the Tick Engine, plus
// the startup restore path that re-materializes that population before
// the first tick runs.
package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/molsim/molsim/internal/entity"
	"github.com/molsim/molsim/internal/loader"
	"github.com/molsim/molsim/internal/store/kv"
	"github.com/molsim/molsim/internal/traits"
	"github.com/molsim/molsim/internal/validator"
	"github.com/molsim/molsim/internal/world"
)

const checkpointKey = "checkpoint:latest"

// EntitySnapshot is the per-entity record spec.md §4.10 lists, extended
// with the fields a restored entity.Entity actually needs to be
// reconstructed (entity_type, radius, metabolism, generation, birth
// tick, DNA) — the spec's nine-field list covers the restart-visible
// behavior (position, energy, age, trait set, state, lineage); these
// extras don't change what's preserved across a restart, they just make
// reconstruction possible at all. See DESIGN.md.
type EntitySnapshot struct {
	ID             string   `json:"id"`
	Generation     int      `json:"generation"`
	ParentID       string   `json:"parent_id"`
	BirthTick      uint64   `json:"birth_tick"`
	DNA            uint64   `json:"dna"`
	X              float64  `json:"x"`
	Y              float64  `json:"y"`
	Radius         float64  `json:"radius"`
	Energy         float64  `json:"energy"`
	MaxEnergy      float64  `json:"max_energy"`
	MetabolismRate float64  `json:"metabolism_rate"`
	Age            int      `json:"age"`
	MaxAge         int      `json:"max_age"`
	EntityType     int      `json:"entity_type"`
	State          int      `json:"state"`
	TraitNames     []string `json:"trait_names"` // canonical names, execution order
}

// TraitSource is the source text for one active trait family, carried
// in the checkpoint so restore never depends on the mutation record TTL
// (7 days) outliving the process.
type TraitSource struct {
	CanonicalName string `json:"canonical_name"`
	Source        string `json:"source"`
}

// AggregateStats is the coarse population summary spec.md §4.10 asks to
// persist alongside the entity population.
type AggregateStats struct {
	EntityCount   int `json:"entity_count"`
	ResourceCount int `json:"resource_count"`
}

// WorldCheckpoint is the durable record written every
// CheckpointIntervalTicks and read back once at startup.
type WorldCheckpoint struct {
	Tick         uint64           `json:"tick"`
	Entities     []EntitySnapshot `json:"entities"`
	ActiveTraits []TraitSource    `json:"active_traits"`
	Stats        AggregateStats   `json:"stats"`
	CreatedAt    time.Time        `json:"created_at"`
}

// Checkpointer owns the durable checkpoint key and the mutations
// directory active trait sources are rewritten into on restore.
type Checkpointer struct {
	store        kv.Store
	mutationsDir string
	validator    *validator.Validator
}

// New constructs a Checkpointer. validator is used on restore to
// re-derive each restored trait's exported Go type name (the symbol
// internal/loader looks up), the same re-validation the Patcher does
// before a fresh load (spec.md §4.9 step 1's "defense in depth").
func New(store kv.Store, mutationsDir string, v *validator.Validator) *Checkpointer {
	return &Checkpointer{store: store, mutationsDir: mutationsDir, validator: v}
}

// Save persists the current live population and active trait sources.
// Durable stores carry no TTL for this key; callers invoke this from
// Engine.CheckpointFunc, already run off the tick loop's critical path
// (spec.md §4.1 step 11: "without blocking the next tick").
func (c *Checkpointer) Save(ctx context.Context, tick uint64, entities []*entity.Entity, registry *traits.Registry, resourceCount int) error {
	snap := WorldCheckpoint{
		Tick:      tick,
		CreatedAt: time.Now(),
		Stats:     AggregateStats{ResourceCount: resourceCount},
	}

	seen := make(map[string]bool)
	for _, e := range entities {
		if !e.IsAlive() {
			continue
		}
		names := make([]string, 0, len(e.Traits))
		for _, ti := range e.Traits {
			names = append(names, ti.CanonicalName)
			if !seen[ti.CanonicalName] {
				seen[ti.CanonicalName] = true
				if src, ok := registry.GetSource(ti.CanonicalName); ok {
					snap.ActiveTraits = append(snap.ActiveTraits, TraitSource{CanonicalName: ti.CanonicalName, Source: src})
				}
			}
		}
		snap.Entities = append(snap.Entities, EntitySnapshot{
			ID:             e.ID,
			Generation:     e.Generation,
			ParentID:       e.ParentID,
			BirthTick:      e.BirthTick,
			DNA:            e.DNA,
			X:              e.X.Load(),
			Y:              e.Y.Load(),
			Radius:         e.Radius,
			Energy:         e.Energy.Load(),
			MaxEnergy:      e.MaxEnergy,
			MetabolismRate: e.MetabolismRate.Load(),
			Age:            e.Age,
			MaxAge:         e.MaxAge,
			EntityType:     int(e.EntityType),
			State:          int(e.State),
			TraitNames:     names,
		})
	}
	snap.Stats.EntityCount = len(snap.Entities)

	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("checkpoint: marshal: %w", err)
	}
	if err := c.store.Set(ctx, checkpointKey, raw, 0); err != nil {
		return fmt.Errorf("checkpoint: persist: %w", err)
	}
	return nil
}

// Restore loads the latest checkpoint, if any, rewrites each active
// trait's source to the mutations directory and loads/registers it,
// then re-materializes every live entity into entityStore. It returns
// (0, false, nil) when no checkpoint exists — a fresh start, not an
// error (spec.md §4.10's closing sentence).
func (c *Checkpointer) Restore(ctx context.Context, entityStore *world.EntityStore, registry *traits.Registry, ld *loader.Loader) (tick uint64, restored bool, err error) {
	raw, ok, err := c.store.Get(ctx, checkpointKey)
	if err != nil {
		return 0, false, fmt.Errorf("checkpoint: read: %w", err)
	}
	if !ok {
		return 0, false, nil
	}

	var snap WorldCheckpoint
	if err := json.Unmarshal(raw, &snap); err != nil {
		return 0, false, fmt.Errorf("checkpoint: decode: %w", err)
	}

	if err := os.MkdirAll(c.mutationsDir, 0o755); err != nil {
		return 0, false, fmt.Errorf("checkpoint: mutations dir: %w", err)
	}
	for _, ts := range snap.ActiveTraits {
		path := filepath.Join(c.mutationsDir, fmt.Sprintf("trait_%s_restored.go", ts.CanonicalName))
		if err := os.WriteFile(path, []byte(ts.Source), 0o644); err != nil {
			return 0, false, fmt.Errorf("checkpoint: rewriting %s source: %w", ts.CanonicalName, err)
		}
		result := c.validator.Validate([]byte(ts.Source))
		if !result.Valid {
			log.Printf("checkpoint: restore %s: re-validation failed, skipping: %v", ts.CanonicalName, result.Violation)
			continue
		}
		trait, err := ld.Load(ctx, path, result.TraitName)
		if err != nil {
			log.Printf("checkpoint: restore %s: load failed, skipping: %v", ts.CanonicalName, err)
			continue
		}
		registry.Register(ts.CanonicalName, trait, ts.Source, path)
	}

	for _, es := range snap.Entities {
		e := entity.New(es.ID, es.Generation, es.ParentID, es.BirthTick,
			es.X, es.Y, es.Radius, es.Energy, es.MaxEnergy, es.MetabolismRate,
			es.MaxAge, entity.Class(es.EntityType))
		e.Age = es.Age
		e.State = entity.Lifecycle(es.State)
		e.DNA = es.DNA
		for _, name := range es.TraitNames {
			if fam, ok := registry.Get(name); ok {
				e.Traits = append(e.Traits, entity.TraitInstance{CanonicalName: name, Trait: fam.Class})
			}
		}
		entityStore.Spawn(e)
	}

	return snap.Tick, true, nil
}
