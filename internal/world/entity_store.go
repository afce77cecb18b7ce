// Package world holds the Entity Store and Environment Store (spec.md
// §4.2): keyed collections of entities and resources, each indexed by a
// spatial.Grid rebuilt once per tick. Both stores are owned by the Tick
// Engine and mutated only from its stages (spec.md §5).
package world

import (
	"github.com/molsim/molsim/internal/entity"
	"github.com/molsim/molsim/internal/spatial"
)

// EntityStore is the keyed collection of live and recently-dead entities.
type EntityStore struct {
	grid *spatial.Grid[*entity.Entity]
}

// NewEntityStore returns an empty store with the given spatial cell size.
func NewEntityStore(cellSize float64) *EntityStore {
	return &EntityStore{
		grid: spatial.NewGrid(cellSize, func(e *entity.Entity) (float64, float64) {
			return e.X.Load(), e.Y.Load()
		}),
	}
}

// Spawn inserts a newly created entity. O(1).
func (s *EntityStore) Spawn(e *entity.Entity) {
	s.grid.Insert(e.ID, e)
}

// Remove deletes an entity by ID. O(1).
func (s *EntityStore) Remove(id string) {
	s.grid.Remove(id)
}

// Get looks up an entity by ID. O(1).
func (s *EntityStore) Get(id string) (*entity.Entity, bool) {
	return s.grid.Lookup(id)
}

// Count returns the number of tracked entities (alive and not-yet-reaped dead).
func (s *EntityStore) Count() int {
	return s.grid.Len()
}

// All returns every tracked entity. Order is unspecified.
func (s *EntityStore) All() []*entity.Entity {
	ids := s.grid.All()
	out := make([]*entity.Entity, 0, len(ids))
	for _, id := range ids {
		if e, ok := s.grid.Lookup(id); ok {
			out = append(out, e)
		}
	}
	return out
}

// Nearby returns tracked entities within radius r of (x, y), alive or
// not yet reaped; callers filter on IsAlive.
func (s *EntityStore) Nearby(x, y, r float64) []*entity.Entity {
	ids := s.grid.Nearby(x, y, r)
	out := make([]*entity.Entity, 0, len(ids))
	for _, id := range ids {
		if e, ok := s.grid.Lookup(id); ok {
			out = append(out, e)
		}
	}
	return out
}

// DetectOverlaps returns pairs of live entities whose combined radii
// overlap, for the physics step's separation pass.
func (s *EntityStore) DetectOverlaps() []spatial.Pair {
	return s.grid.DetectOverlaps(
		func(a, b *entity.Entity) float64 { return a.Radius + b.Radius },
		func(e *entity.Entity) bool { return e.IsAlive() },
	)
}

// RebuildIndex rehashes every tracked entity into its current cell.
// Called every tick after movement (spec.md §4.2).
func (s *EntityStore) RebuildIndex() {
	s.grid.RebuildIndex()
}

// CountAlive returns the number of entities currently Alive, split by
// class.
func (s *EntityStore) CountAlive() (molbots, predators int) {
	for _, e := range s.All() {
		if !e.IsAlive() {
			continue
		}
		if e.EntityType == entity.Predator {
			predators++
		} else {
			molbots++
		}
	}
	return
}

// ReapDead removes every entity in the Dead lifecycle state and returns
// their former classes and infection flags, for death-cause attribution
// by the caller (spec.md §4.1 step 3).
func (s *EntityStore) ReapDead() []*entity.Entity {
	var reaped []*entity.Entity
	for _, e := range s.All() {
		if e.State == entity.Dead {
			reaped = append(reaped, e)
			s.Remove(e.ID)
		}
	}
	return reaped
}
