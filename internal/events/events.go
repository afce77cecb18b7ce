// Package events defines the typed JSON payloads carried over each
// internal/eventbus topic (spec.md §6's channel table). Every publisher
// and subscriber in the evolution pipeline shares these shapes instead
// of hand-building maps, so a field rename only has one call site.
package events

import "time"

// Telemetry is published by the Tick Engine once per snapshot interval
// (§4.1 step 10, §6).
type Telemetry struct {
	Tick        uint64    `json:"tick"`
	SnapshotKey string    `json:"snapshot_key"`
	Timestamp   time.Time `json:"timestamp"`
}

// WorldContext is the compact snapshot excerpt carried on an Evolution
// Trigger (§4.7 step 5) and echoed into the Architect/Coder prompts.
type WorldContext struct {
	EntityCount   int               `json:"entity_count"`
	AvgEnergy     float64           `json:"avg_energy"`
	ResourceCount int               `json:"resource_count"`
	DeathStats    map[string]uint64 `json:"death_stats"`
}

// EvolutionTrigger is published by the Watcher (anomaly or periodic) or
// the manual-trigger API (§6).
type EvolutionTrigger struct {
	TriggerID        string       `json:"trigger_id"`
	ProblemType      string       `json:"problem_type"`
	Severity         string       `json:"severity"`
	AffectedEntities int          `json:"affected_entities"`
	SuggestedArea    string       `json:"suggested_area"`
	SnapshotKey      string       `json:"snapshot_key"`
	CycleID          string       `json:"cycle_id"`
	WorldContext     WorldContext `json:"world_context"`
}

// EvolutionPlan is published by the Architect (§4.8, §6).
type EvolutionPlan struct {
	PlanID      string `json:"plan_id"`
	TriggerID   string `json:"trigger_id"`
	CycleID     string `json:"cycle_id"`
	ActionType  string `json:"action_type"`
	Description string `json:"description"`
	TargetClass string `json:"target_class"`
}

// MutationReady is published by the Coder or the Gatekeeper once a
// candidate trait has passed validation (§4.8, §4.9, §6).
type MutationReady struct {
	MutationID string `json:"mutation_id"`
	PlanID     string `json:"plan_id"`
	CycleID    string `json:"cycle_id"`
	FilePath   string `json:"file_path"`
	TraitName  string `json:"trait_name"`
	Version    int    `json:"version"`
	CodeHash   string `json:"code_hash"`
}

// MutationApplied is published by the Patcher on a successful load and
// registration (§4.9, §6).
type MutationApplied struct {
	MutationID      string `json:"mutation_id"`
	TraitName       string `json:"trait_name"`
	Version         int    `json:"version"`
	RegistryVersion uint64 `json:"registry_version"`
}

// MutationFailed is published by the Patcher (or Coder, via a plain
// feed message) on any failure stage (§4.9, §6, §7).
type MutationFailed struct {
	MutationID string `json:"mutation_id"`
	Error      string `json:"error"`
	Stage      string `json:"stage"`
}

// Failure stage tags for MutationFailed.Stage (§7).
const (
	StageValidation = "validation"
	StageImport     = "import"
	StageExecution  = "execution"
)

// MutationRollback is published by the Watcher on a fitness regression
// (§4.7 step 2, §4.9, §6).
type MutationRollback struct {
	MutationID   string  `json:"mutation_id"`
	TraitName    string  `json:"trait_name"`
	Reason       string  `json:"reason"`
	FitnessDelta float64 `json:"fitness_delta"`
}

// Feed is the catch-all user-visible message channel every subsystem
// publishes to (§6, §7's "every state change of interest is a feed
// message carrying a cycle_id, an agent label, and structured metadata").
type Feed struct {
	Agent     string                 `json:"agent"`
	Action    string                 `json:"action"`
	Message   string                 `json:"message"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	CycleID   string                 `json:"cycle_id,omitempty"`
}

// Anomaly problem-type tags (§4.7 step 3).
const (
	ProblemStarvation     = "starvation"
	ProblemExtinction     = "extinction"
	ProblemOverpopulation = "overpopulation"
	ProblemPeriodic       = "periodic_improvement"
)

// Severity tags (§4.7 step 3), ordered most to least severe.
const (
	SeverityCritical = "critical"
	SeverityHigh     = "high"
	SeverityMedium   = "medium"
	SeverityLow      = "low"
)

// SeverityRank orders severities for "pick the most severe anomaly"
// (§4.7 step 5): higher is more severe.
var SeverityRank = map[string]int{
	SeverityCritical: 3,
	SeverityHigh:     2,
	SeverityMedium:   1,
	SeverityLow:      0,
}

// Mutation record status values (§3's monotonic automaton).
const (
	StatusQueued     = "queued"
	StatusValidating = "validating"
	StatusSandboxOK  = "sandbox_ok"
	StatusActivated  = "activated"
	StatusRejected   = "rejected"
	StatusRolledBack = "rolled_back"
	StatusFailed     = "failed"
)

// MutationRecord is the durable + cached record persisted out-of-core
// for one proposed trait revision and its lifecycle (§3, §6). Stored at
// key evo:mutation:{id}; source text lives separately at
// evo:mutation:{id}:source so the metadata blob stays small.
type MutationRecord struct {
	MutationID     string    `json:"mutation_id"`
	PlanID         string    `json:"plan_id"`
	CycleID        string    `json:"cycle_id"`
	TraitName      string    `json:"trait_name"`
	Version        int       `json:"version"`
	SourceHash     string    `json:"source_hash"`
	FilePath       string    `json:"file_path"`
	Status         string    `json:"status"`
	FailureReason  string    `json:"failure_reason,omitempty"`
	ValidationLog  string    `json:"validation_log,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}
