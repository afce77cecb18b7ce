// Package telemetry produces the World Snapshot §3 and §4.1 step 10
// specify, plus the cumulative process-lifetime stats counters and
// runtime.MemStats-derived gauges SPEC_FULL.md's supplemented features
// section adds: tabular/main.go's doc comment explicitly values
// "golang runtime telemetry... in realtime" alongside domain telemetry.
// This package publishes nothing itself: the Tick Engine caches each
// Snapshot, runtime gauges included, under the world-snapshot key and
// announces only that key on the telemetry channel.
package telemetry

import (
	"runtime"
	"sync/atomic"
	"time"
)

// Snapshot is the immutable World Snapshot §3 defines, produced once
// per snapshot_interval_ticks and never mutated after construction.
type Snapshot struct {
	Tick           uint64            `json:"tick"`
	EntityCount    int               `json:"entity_count"`
	AvgEnergy      float64           `json:"avg_energy"`
	ResourceCount  int               `json:"resource_count"`
	DeathStats     map[string]uint64 `json:"death_stats"`
	Timestamp      time.Time         `json:"timestamp"`
	Runtime        RuntimeGauges     `json:"runtime"`
}

// RuntimeGauges is additive Go-runtime instrumentation alongside the
// domain snapshot fields; it does not change World Snapshot semantics.
type RuntimeGauges struct {
	Goroutines int    `json:"goroutines"`
	HeapBytes  uint64 `json:"heap_bytes"`
	NumGC      uint32 `json:"num_gc"`
}

// ReadRuntimeGauges samples the current process's runtime.MemStats.
func ReadRuntimeGauges() RuntimeGauges {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return RuntimeGauges{
		Goroutines: runtime.NumGoroutine(),
		HeapBytes:  m.HeapAlloc,
		NumGC:      m.NumGC,
	}
}

// Death cause keys for the DeathStats map, as used by the Tick Engine's
// lifecycle-reap stage and Counters below.
const (
	DeathPredatorKill = "predator_kill"
	DeathVirusKill    = "virus_kill"
	DeathStarvation   = "starvation"
	DeathOldAge       = "old_age"
)

// DeathCounters accumulates per-tick death attributions between
// snapshots; the Tick Engine resets it after each telemetry stage per
// §4.1 step 10.
type DeathCounters struct {
	counts map[string]uint64
}

// NewDeathCounters constructs an empty DeathCounters.
func NewDeathCounters() *DeathCounters {
	return &DeathCounters{counts: make(map[string]uint64)}
}

// Record attributes one death to cause.
func (d *DeathCounters) Record(cause string) {
	d.counts[cause]++
}

// Snapshot returns a copy of the accumulated counts for embedding into
// a World Snapshot.
func (d *DeathCounters) Snapshot() map[string]uint64 {
	out := make(map[string]uint64, len(d.counts))
	for k, v := range d.counts {
		out[k] = v
	}
	return out
}

// Reset clears all accumulated counts, called after each telemetry
// stage per §4.1 step 10.
func (d *DeathCounters) Reset() {
	d.counts = make(map[string]uint64)
}

// Counters holds the cumulative, process-lifetime stats spec.md's Open
// Question #1 resolves as never persisted and never reset by
// checkpoint restore: predator_kills, virus_kills, predator_deaths, and
// by the same reasoning starvation_deaths and old_age_deaths.
type Counters struct {
	PredatorKills    atomic.Uint64
	VirusKills       atomic.Uint64
	PredatorDeaths   atomic.Uint64
	StarvationDeaths atomic.Uint64
	OldAgeDeaths     atomic.Uint64
}

// Snapshot is a stable read of all counters at a point in time, for the
// stats endpoint.
func (c *Counters) Snapshot() map[string]uint64 {
	return map[string]uint64{
		"predator_kills":    c.PredatorKills.Load(),
		"virus_kills":       c.VirusKills.Load(),
		"predator_deaths":   c.PredatorDeaths.Load(),
		"starvation_deaths": c.StarvationDeaths.Load(),
		"old_age_deaths":    c.OldAgeDeaths.Load(),
	}
}
