// Package architect implements the Architect (spec.md §4.8): the first
// stage of the evolution cycle proper. It acquires the cycle mutex,
// asks the LLM for a small JSON plan describing a behavioral adaptation,
// and publishes an Evolution Plan for the Coder to act on.
package architect

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/molsim/molsim/internal/cyclemutex"
	"github.com/molsim/molsim/internal/events"
	"github.com/molsim/molsim/internal/eventbus"
	"github.com/molsim/molsim/internal/llm"
)

// Architect subscribes to Evolution Triggers and synthesizes an
// Evolution Plan via the LLM, serialized by the cycle mutex.
type Architect struct {
	bus   *eventbus.Bus
	mutex *cyclemutex.Mutex
	llm   llm.Client
}

// New constructs an Architect.
func New(bus *eventbus.Bus, mutex *cyclemutex.Mutex, client llm.Client) *Architect {
	return &Architect{bus: bus, mutex: mutex, llm: client}
}

// planResponse is the small JSON object the LLM is asked to return.
type planResponse struct {
	TraitName   string `json:"trait_name"`
	Description string `json:"description"`
	ActionType  string `json:"action_type"`
}

// Run drives the Architect until ctx is cancelled, handling one
// Evolution Trigger at a time in publish order (spec.md §5's ordering
// guarantee).
func (a *Architect) Run(ctx context.Context) error {
	sub, err := eventbus.Subscribe[events.EvolutionTrigger](ctx, a.bus, eventbus.TopicEvolutionTrigger)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case trigger, ok := <-sub:
			if !ok {
				return nil
			}
			a.handle(ctx, trigger)
		}
	}
}

func (a *Architect) handle(ctx context.Context, trigger events.EvolutionTrigger) {
	acquired, err := a.mutex.Start(ctx, trigger.TriggerID, trigger.ProblemType, trigger.Severity)
	if err != nil {
		log.Printf("architect: cycle mutex start: %v", err)
		return
	}
	if !acquired {
		a.feed(ctx, trigger.CycleID, "skipped", "another evolution cycle is already in progress")
		return
	}

	a.feed(ctx, trigger.CycleID, "starting", fmt.Sprintf("planning a response to %s (%s)", trigger.ProblemType, trigger.Severity))

	systemPrompt := "You are the Architect of an evolutionary simulation. Respond with a single JSON object " +
		"with fields trait_name, description, action_type. No prose, no markdown fences."
	userPrompt := fmt.Sprintf(
		"problem_type=%s severity=%s affected_entities=%d suggested_area=%s "+
			"world_context={entity_count=%d avg_energy=%.1f resource_count=%d}",
		trigger.ProblemType, trigger.Severity, trigger.AffectedEntities, trigger.SuggestedArea,
		trigger.WorldContext.EntityCount, trigger.WorldContext.AvgEnergy, trigger.WorldContext.ResourceCount,
	)

	raw, err := a.llm.Complete(ctx, systemPrompt, userPrompt)
	if err != nil {
		a.failCycle(ctx, trigger.CycleID, "LLM plan generation failed")
		return
	}

	var plan planResponse
	if err := json.Unmarshal([]byte(raw), &plan); err != nil || plan.TraitName == "" || plan.ActionType == "" {
		a.failCycle(ctx, trigger.CycleID, "LLM plan generation failed")
		return
	}

	evolutionPlan := events.EvolutionPlan{
		PlanID:      uuid.NewString(),
		TriggerID:   trigger.TriggerID,
		CycleID:     trigger.CycleID,
		ActionType:  plan.ActionType,
		Description: plan.Description,
		TargetClass: plan.TraitName,
	}
	if err := a.bus.Publish(ctx, eventbus.TopicEvolutionPlan, evolutionPlan); err != nil {
		log.Printf("architect: publish evolution_plan: %v", err)
		a.failCycle(ctx, trigger.CycleID, "failed to publish evolution plan")
		return
	}

	if err := a.mutex.UpdateStage(ctx, cyclemutex.StageCoding); err != nil {
		log.Printf("architect: advance cycle stage: %v", err)
	}
}

func (a *Architect) failCycle(ctx context.Context, cycleID, reason string) {
	if err := a.mutex.Fail(ctx, reason); err != nil {
		log.Printf("architect: fail cycle: %v", err)
	}
	a.feed(ctx, cycleID, "failed", reason)
}

func (a *Architect) feed(ctx context.Context, cycleID, action, message string) {
	_ = a.bus.Publish(ctx, eventbus.TopicFeed, events.Feed{
		Agent:     "architect",
		Action:    action,
		Message:   message,
		Timestamp: time.Now(),
		CycleID:   cycleID,
	})
}
