// Package spatial implements a uniform-grid spatial hash, the index
// shared by the Entity Store and the Environment Store (spec.md §4.2).
// The grid is rebuilt from scratch every tick rather than maintained
// incrementally: simpler, and correct at the population sizes this
// system targets — the same "just bucket positions into cells" idea the
// teacher's grid_world.Convert uses to discretize continuous track space
// into an indexed grid, generalized here to a sparse two-dimensional hash
// instead of a dense array.
package spatial

import "math"

// DefaultCellSize is the default cell edge length S=50 from spec.md §4.2.
const DefaultCellSize = 50.0

type cellKey struct {
	cx, cy int
}

// PosFunc returns the current position of an item keyed by id. Returning
// the position via a function (rather than requiring an interface
// method) lets callers index entities whose coordinates live behind
// atomic cells without forcing a particular storage shape on them.
type PosFunc[T any] func(item T) (x, y float64)

// Grid is a uniform grid spatial hash over items of type T, keyed by a
// caller-chosen comparable ID.
type Grid[T any] struct {
	cellSize float64
	posFn    PosFunc[T]
	items    map[string]T
	cells    map[cellKey][]string
}

// NewGrid returns an empty grid with the given cell size (0 uses
// DefaultCellSize) and position accessor.
func NewGrid[T any](cellSize float64, posFn PosFunc[T]) *Grid[T] {
	if cellSize <= 0 {
		cellSize = DefaultCellSize
	}
	return &Grid[T]{
		cellSize: cellSize,
		posFn:    posFn,
		items:    make(map[string]T),
		cells:    make(map[cellKey][]string),
	}
}

func (g *Grid[T]) cellOf(x, y float64) cellKey {
	return cellKey{
		cx: int(math.Floor(x / g.cellSize)),
		cy: int(math.Floor(y / g.cellSize)),
	}
}

// Insert adds or replaces the item keyed by id. O(1); does not itself
// update cell placement — call RebuildIndex after a batch of
// inserts/moves, matching the tick's "rebuild once per tick" cadence.
func (g *Grid[T]) Insert(id string, item T) {
	g.items[id] = item
}

// Remove deletes the item keyed by id. O(1).
func (g *Grid[T]) Remove(id string) {
	delete(g.items, id)
}

// Lookup returns the item keyed by id. O(1).
func (g *Grid[T]) Lookup(id string) (T, bool) {
	item, ok := g.items[id]
	return item, ok
}

// Len returns the number of indexed items.
func (g *Grid[T]) Len() int {
	return len(g.items)
}

// All returns every indexed id. Order is unspecified.
func (g *Grid[T]) All() []string {
	ids := make([]string, 0, len(g.items))
	for id := range g.items {
		ids = append(ids, id)
	}
	return ids
}

// RebuildIndex rehashes every live item into its current cell. Called
// every tick after movement (spec.md §4.2).
func (g *Grid[T]) RebuildIndex() {
	g.cells = make(map[cellKey][]string, len(g.items))
	for id, item := range g.items {
		x, y := g.posFn(item)
		key := g.cellOf(x, y)
		g.cells[key] = append(g.cells[key], id)
	}
}

// Nearby returns ids of items whose center lies within radius r of
// (x, y), exact by squared distance, searching only the cells the
// r-disk touches.
func (g *Grid[T]) Nearby(x, y, r float64) []string {
	if r < 0 {
		return nil
	}
	minCell := g.cellOf(x-r, y-r)
	maxCell := g.cellOf(x+r, y+r)
	r2 := r * r

	var found []string
	for cx := minCell.cx; cx <= maxCell.cx; cx++ {
		for cy := minCell.cy; cy <= maxCell.cy; cy++ {
			for _, id := range g.cells[cellKey{cx, cy}] {
				item, ok := g.items[id]
				if !ok {
					continue
				}
				ix, iy := g.posFn(item)
				dx, dy := ix-x, iy-y
				if dx*dx+dy*dy <= r2 {
					found = append(found, id)
				}
			}
		}
	}
	return found
}

// Pair is an unordered pair of item ids.
type Pair struct {
	A, B string
}

// DetectOverlaps returns unique pairs of items whose centers lie within
// overlapRadius(a, b) of one another, using a sorted-ID check-set to
// avoid emitting (a,b) and (b,a) or the same pair twice across adjacent
// cells. isLive filters out entries that should be ignored (e.g. dead
// entities).
func (g *Grid[T]) DetectOverlaps(overlapRadius func(a, b T) float64, isLive func(T) bool) []Pair {
	seen := make(map[[2]string]struct{})
	var pairs []Pair

	for key, ids := range g.cells {
		neighborCells := [][2]int{
			{key.cx, key.cy}, {key.cx + 1, key.cy}, {key.cx - 1, key.cy},
			{key.cx, key.cy + 1}, {key.cx, key.cy - 1},
			{key.cx + 1, key.cy + 1}, {key.cx - 1, key.cy - 1},
			{key.cx + 1, key.cy - 1}, {key.cx - 1, key.cy + 1},
		}
		for _, id1 := range ids {
			item1, ok := g.items[id1]
			if !ok || (isLive != nil && !isLive(item1)) {
				continue
			}
			x1, y1 := g.posFn(item1)

			for _, nc := range neighborCells {
				for _, id2 := range g.cells[cellKey{nc[0], nc[1]}] {
					if id2 == id1 {
						continue
					}
					item2, ok := g.items[id2]
					if !ok || (isLive != nil && !isLive(item2)) {
						continue
					}

					a, b := id1, id2
					if b < a {
						a, b = b, a
					}
					ck := [2]string{a, b}
					if _, dup := seen[ck]; dup {
						continue
					}

					x2, y2 := g.posFn(item2)
					dx, dy := x2-x1, y2-y1
					dist2 := dx*dx + dy*dy
					radius := overlapRadius(item1, item2)
					if dist2 <= radius*radius {
						seen[ck] = struct{}{}
						pairs = append(pairs, Pair{A: a, B: b})
					}
				}
			}
		}
	}
	return pairs
}
