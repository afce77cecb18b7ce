package world

import (
	"github.com/molsim/molsim/internal/entity"
	"github.com/molsim/molsim/internal/spatial"
)

// EnvironmentStore is the keyed collection of resource points, indexed by
// the same spatial-hash structure as the EntityStore (spec.md §4.2).
type EnvironmentStore struct {
	grid *spatial.Grid[*entity.Resource]
}

// NewEnvironmentStore returns an empty store with the given spatial cell size.
func NewEnvironmentStore(cellSize float64) *EnvironmentStore {
	return &EnvironmentStore{
		grid: spatial.NewGrid(cellSize, func(r *entity.Resource) (float64, float64) {
			return r.X, r.Y
		}),
	}
}

// Spawn inserts a newly grown resource. O(1).
func (s *EnvironmentStore) Spawn(r *entity.Resource) {
	s.grid.Insert(r.ID, r)
}

// Consume removes a resource by ID, e.g. on consumption. O(1).
func (s *EnvironmentStore) Consume(id string) {
	s.grid.Remove(id)
}

// Get looks up a resource by ID. O(1).
func (s *EnvironmentStore) Get(id string) (*entity.Resource, bool) {
	return s.grid.Lookup(id)
}

// Count returns the number of tracked resources.
func (s *EnvironmentStore) Count() int {
	return s.grid.Len()
}

// All returns every tracked resource. Order is unspecified.
func (s *EnvironmentStore) All() []*entity.Resource {
	ids := s.grid.All()
	out := make([]*entity.Resource, 0, len(ids))
	for _, id := range ids {
		if r, ok := s.grid.Lookup(id); ok {
			out = append(out, r)
		}
	}
	return out
}

// Nearby returns resources within radius r of (x, y).
func (s *EnvironmentStore) Nearby(x, y, r float64) []*entity.Resource {
	ids := s.grid.Nearby(x, y, r)
	out := make([]*entity.Resource, 0, len(ids))
	for _, id := range ids {
		if r, ok := s.grid.Lookup(id); ok {
			out = append(out, r)
		}
	}
	return out
}

// RebuildIndex rehashes every tracked resource into its current cell.
func (s *EnvironmentStore) RebuildIndex() {
	s.grid.RebuildIndex()
}
