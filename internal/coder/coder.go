// Package coder implements the Coder (spec.md §4.8): the second stage
// of the evolution cycle. It asks the LLM for trait source implementing
// the Architect's plan, validates it, retries once with the specific
// validation error as guidance, and on success publishes Mutation Ready
// and persists the mutation record.
package coder

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/molsim/molsim/internal/cyclemutex"
	"github.com/molsim/molsim/internal/events"
	"github.com/molsim/molsim/internal/eventbus"
	"github.com/molsim/molsim/internal/llm"
	"github.com/molsim/molsim/internal/store/kv"
	"github.com/molsim/molsim/internal/traits"
	"github.com/molsim/molsim/internal/validator"
)

const recordTTL = 7 * 24 * time.Hour

// Coder subscribes to Evolution Plans and produces validated trait
// source, one monotonic version per canonical trait family.
type Coder struct {
	bus          *eventbus.Bus
	mutex        *cyclemutex.Mutex
	llm          llm.Client
	validator    *validator.Validator
	store        kv.Store
	mutationsDir string

	mu       sync.Mutex
	versions map[string]int
}

// New constructs a Coder. mutationsDir is where validated trait source
// files are written (spec.md §6's mutations_dir).
func New(bus *eventbus.Bus, mutex *cyclemutex.Mutex, client llm.Client, v *validator.Validator, store kv.Store, mutationsDir string) *Coder {
	return &Coder{
		bus:          bus,
		mutex:        mutex,
		llm:          client,
		validator:    v,
		store:        store,
		mutationsDir: mutationsDir,
		versions:     make(map[string]int),
	}
}

// Run drives the Coder until ctx is cancelled.
func (c *Coder) Run(ctx context.Context) error {
	sub, err := eventbus.Subscribe[events.EvolutionPlan](ctx, c.bus, eventbus.TopicEvolutionPlan)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case plan, ok := <-sub:
			if !ok {
				return nil
			}
			c.handle(ctx, plan)
		}
	}
}

const systemPrompt = `You are the Coder of an evolutionary simulation. Generate a single Go
source file implementing a behavior trait. Rules:
- The only import you may use besides the entity package is math, math/rand, strings, sort, time.
- Define a type implementing: func (t *YourType) Execute(e *entity.Entity) error
- A constructor New<YourType>() taking no arguments must exist.
- You may only read/write entity.ID, entity.X, entity.Y, entity.Energy, entity.MaxEnergy,
  entity.Age, entity.MaxAge, entity.MetabolismRate, entity.Traits, entity.State, entity.EntityType,
  and call entity.Move, entity.EatNearby, entity.AttackNearby, entity.IsAlive,
  entity.DeactivateTrait, entity.ActivateTrait.
- Never call os, exec, unsafe, reflect, net, plugin, syscall, or panic.
Respond with only the Go source, no markdown fences, no prose.`

func (c *Coder) handle(ctx context.Context, plan events.EvolutionPlan) {
	c.feed(ctx, plan.CycleID, "coding", fmt.Sprintf("generating trait %s (%s)", plan.TargetClass, plan.ActionType))

	userPrompt := fmt.Sprintf("target_class=%s action_type=%s description=%s",
		plan.TargetClass, plan.ActionType, plan.Description)

	result, source := c.generateAndValidate(ctx, userPrompt, "")
	if !result.Valid {
		guided := fmt.Sprintf("%s\n\nprevious attempt was rejected: %s: %s",
			userPrompt, result.Violation.Reason, result.Violation.Message)
		result, source = c.generateAndValidate(ctx, userPrompt, guided)
	}

	if !result.Valid {
		c.feed(ctx, plan.CycleID, "validation_failed", fmt.Sprintf("%s: %s", result.Violation.Reason, result.Violation.Message))
		if err := c.mutex.Fail(ctx, "validation failed after retry"); err != nil {
			log.Printf("coder: fail cycle: %v", err)
		}
		return
	}

	canonical := traits.Canonical(result.TraitName)
	c.mu.Lock()
	c.versions[canonical]++
	version := c.versions[canonical]
	c.mu.Unlock()

	filePath := filepath.Join(c.mutationsDir, fmt.Sprintf("trait_%s_v%d.go", canonical, version))
	if err := os.MkdirAll(c.mutationsDir, 0o755); err != nil {
		c.feed(ctx, plan.CycleID, "failed", fmt.Sprintf("creating mutations dir: %v", err))
		_ = c.mutex.Fail(ctx, "failed to write trait source")
		return
	}
	if err := os.WriteFile(filePath, source, 0o644); err != nil {
		c.feed(ctx, plan.CycleID, "failed", fmt.Sprintf("writing trait source: %v", err))
		_ = c.mutex.Fail(ctx, "failed to write trait source")
		return
	}

	mutationID := uuid.NewString()
	now := time.Now()
	record := events.MutationRecord{
		MutationID: mutationID,
		PlanID:     plan.PlanID,
		CycleID:    plan.CycleID,
		TraitName:  canonical,
		Version:    version,
		SourceHash: result.SourceHash,
		FilePath:   filePath,
		Status:     events.StatusSandboxOK,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	c.persistRecord(ctx, record, string(source))

	ready := events.MutationReady{
		MutationID: mutationID,
		PlanID:     plan.PlanID,
		CycleID:    plan.CycleID,
		FilePath:   filePath,
		TraitName:  canonical,
		Version:    version,
		CodeHash:   result.SourceHash,
	}
	if err := c.bus.Publish(ctx, eventbus.TopicMutationReady, ready); err != nil {
		log.Printf("coder: publish mutation_ready: %v", err)
	}
}

// generateAndValidate calls the LLM (embedding guidance in the user
// prompt when guidance is non-empty, i.e. the retry attempt) and runs
// the Validator over the result.
func (c *Coder) generateAndValidate(ctx context.Context, userPrompt, guidance string) (validator.Result, []byte) {
	prompt := userPrompt
	if guidance != "" {
		prompt = guidance
	}
	raw, err := c.llm.Complete(ctx, systemPrompt, prompt)
	if err != nil {
		return validator.Result{Valid: false, Violation: &validator.Violation{
			Reason: validator.SyntaxError, Message: fmt.Sprintf("LLM call failed: %v", err),
		}}, nil
	}
	source := []byte(raw)
	return c.validator.Validate(source), source
}

func (c *Coder) persistRecord(ctx context.Context, record events.MutationRecord, source string) {
	raw, err := json.Marshal(record)
	if err != nil {
		log.Printf("coder: marshal mutation record: %v", err)
		return
	}
	key := fmt.Sprintf("evo:mutation:%s", record.MutationID)
	if err := c.store.Set(ctx, key, raw, recordTTL); err != nil {
		log.Printf("coder: persist mutation record: %v", err)
	}
	if err := c.store.Set(ctx, key+":source", []byte(source), recordTTL); err != nil {
		log.Printf("coder: persist mutation source: %v", err)
	}
}

func (c *Coder) feed(ctx context.Context, cycleID, action, message string) {
	_ = c.bus.Publish(ctx, eventbus.TopicFeed, events.Feed{
		Agent:     "coder",
		Action:    action,
		Message:   message,
		Timestamp: time.Now(),
		CycleID:   cycleID,
	})
}
