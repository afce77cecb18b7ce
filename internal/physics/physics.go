// Package physics implements the boundary enforcement and pairwise
// elastic separation step of the Tick Engine (spec.md §4.1 step 2).
package physics

import (
	"math"

	"github.com/molsim/molsim/internal/entity"
	"github.com/molsim/molsim/internal/world"
)

// Bounds is the rectangular world extent.
type Bounds struct {
	Width, Height float64
}

// Step clamps every live entity to bounds, rebuilds the spatial index,
// and pushes apart any overlapping pairs along the centers-of-mass
// normal. It is stage 2 of the tick (spec.md §4.1).
func Step(store *world.EntityStore, bounds Bounds) {
	for _, e := range store.All() {
		if !e.IsAlive() {
			continue
		}
		clamp(e, bounds)
	}

	store.RebuildIndex()

	for _, pair := range store.DetectOverlaps() {
		a, okA := store.Get(pair.A)
		b, okB := store.Get(pair.B)
		if !okA || !okB {
			continue
		}
		separate(a, b)
	}
}

func clamp(e *entity.Entity, bounds Bounds) {
	x := math.Max(0, math.Min(bounds.Width, e.X.Load()))
	y := math.Max(0, math.Min(bounds.Height, e.Y.Load()))
	e.X.Store(x)
	e.Y.Store(y)
}

// separate pushes a and b apart along their center-of-mass normal so
// their radii no longer overlap, splitting the correction evenly.
func separate(a, b *entity.Entity) {
	ax, ay := a.X.Load(), a.Y.Load()
	bx, by := b.X.Load(), b.Y.Load()

	dx, dy := bx-ax, by-ay
	dist := math.Hypot(dx, dy)
	overlap := (a.Radius + b.Radius) - dist

	if overlap <= 0 {
		return
	}

	var nx, ny float64
	if dist == 0 {
		// Degenerate case: identical centers. Push along an arbitrary
		// axis so the pair doesn't stay perfectly coincident.
		nx, ny = 1, 0
	} else {
		nx, ny = dx/dist, dy/dist
	}

	half := overlap / 2
	a.X.Store(ax - nx*half)
	a.Y.Store(ay - ny*half)
	b.X.Store(bx + nx*half)
	b.Y.Store(by + ny*half)
}
