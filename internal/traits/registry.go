// Package traits implements the Trait Registry and Trait Executor
// (spec.md §4.3, §4.4): the canonical-name-keyed table of behavior
// modules with atomic snapshotting, per-family version retention, and
// source retention, plus the per-entity execution loop that runs under
// hard CPU budgets.
package traits

import (
	"fmt"
	"sync/atomic"

	"github.com/molsim/molsim/internal/entity"
)

// Family is one registry entry: the currently-active class for a
// canonical name, its source text, and the bounded history of file
// paths it has been loaded from.
type Family struct {
	CanonicalName string
	Class         entity.Trait
	Source        string
	FilePaths     []string // most recent last, length <= maxVersionsKept
}

// Registry is the canonical-name keyed table of behavior modules.
// Writes are copy-on-write: Register/Unregister build a new immutable
// map and atomically swap the pointer, so a snapshot handed out to the
// Tick Engine's registry-upgrade pass or to entity spawn remains stable
// even if a concurrent write lands (spec.md §4.4).
type Registry struct {
	families         atomic.Pointer[map[string]*Family]
	version          atomic.Uint64
	maxVersionsKept  int
}

// NewRegistry returns an empty registry retaining up to maxVersionsKept
// file paths per family (spec.md's k=3 default).
func NewRegistry(maxVersionsKept int) *Registry {
	if maxVersionsKept <= 0 {
		maxVersionsKept = 3
	}
	r := &Registry{maxVersionsKept: maxVersionsKept}
	empty := make(map[string]*Family)
	r.families.Store(&empty)
	return r
}

// Version returns the current monotonic version counter. It increments
// on every Register/Unregister call.
func (r *Registry) Version() uint64 {
	return r.version.Load()
}

// Snapshot returns the current immutable family map. Safe to range over
// indefinitely; it will never be mutated in place (spec.md's "get_snapshot
// returns a consistent map at a point in time").
func (r *Registry) Snapshot() map[string]*Family {
	return *r.families.Load()
}

// Get returns the current Family for a canonical or raw trait name.
func (r *Registry) Get(name string) (*Family, bool) {
	snap := r.Snapshot()
	f, ok := snap[Canonical(name)]
	return f, ok
}

// Register installs class under name's canonical form, recording
// filePath in that family's bounded history. It returns any file paths
// evicted by the k=3 retention policy, which the caller (the Patcher) is
// responsible for deleting from disk.
func (r *Registry) Register(name string, class entity.Trait, source string, filePath string) (evicted []string) {
	canonical := Canonical(name)

	for {
		oldPtr := r.families.Load()
		oldMap := *oldPtr
		newMap := make(map[string]*Family, len(oldMap)+1)
		for k, v := range oldMap {
			newMap[k] = v
		}

		var paths []string
		if prev, ok := oldMap[canonical]; ok {
			paths = append(paths, prev.FilePaths...)
		}
		paths = append(paths, filePath)
		evicted = nil
		if len(paths) > r.maxVersionsKept {
			n := len(paths) - r.maxVersionsKept
			evicted = append(evicted, paths[:n]...)
			paths = paths[n:]
		}

		newMap[canonical] = &Family{
			CanonicalName: canonical,
			Class:         class,
			Source:        source,
			FilePaths:     paths,
		}

		if r.families.CompareAndSwap(oldPtr, &newMap) {
			r.version.Add(1)
			return evicted
		}
		// Lost the race with a concurrent writer: retry with the latest map.
	}
}

// RegisterSource overwrites only the source text of an existing family,
// without touching its class or file-path history. The Patcher does not
// call it; it registers every applied mutation through Register.
func (r *Registry) RegisterSource(name, source string) error {
	canonical := Canonical(name)
	for {
		oldPtr := r.families.Load()
		oldMap := *oldPtr
		prev, ok := oldMap[canonical]
		if !ok {
			return fmt.Errorf("traits: no family registered for %q", canonical)
		}
		newMap := make(map[string]*Family, len(oldMap))
		for k, v := range oldMap {
			newMap[k] = v
		}
		updated := *prev
		updated.Source = source
		newMap[canonical] = &updated

		if r.families.CompareAndSwap(oldPtr, &newMap) {
			return nil
		}
	}
}

// GetSource returns the stored source text for a trait family.
func (r *Registry) GetSource(name string) (string, bool) {
	f, ok := r.Get(name)
	if !ok {
		return "", false
	}
	return f.Source, true
}

// Unregister removes a family entirely, e.g. on fitness rollback
// (spec.md §4.9). It returns the family's file paths so the caller can
// delete them, and whether a family existed to remove.
func (r *Registry) Unregister(name string) (filePaths []string, existed bool) {
	canonical := Canonical(name)
	for {
		oldPtr := r.families.Load()
		oldMap := *oldPtr
		prev, ok := oldMap[canonical]
		if !ok {
			return nil, false
		}
		newMap := make(map[string]*Family, len(oldMap))
		for k, v := range oldMap {
			if k == canonical {
				continue
			}
			newMap[k] = v
		}
		if r.families.CompareAndSwap(oldPtr, &newMap) {
			r.version.Add(1)
			return prev.FilePaths, true
		}
	}
}
