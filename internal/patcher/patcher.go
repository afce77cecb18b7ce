// Package patcher implements the Patcher (spec.md §4.9): the final
// stage of the evolution cycle. It re-validates a Mutation Ready file in
// depth (never trusting the Coder's earlier pass alone), compiles it
// through internal/loader, registers the resulting Trait in
// internal/traits.Registry, and publishes Mutation Applied or Mutation
// Failed. It also owns rollback: a Mutation Rollback event unregisters
// the family and deletes its file.
package patcher

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/molsim/molsim/internal/cyclemutex"
	"github.com/molsim/molsim/internal/events"
	"github.com/molsim/molsim/internal/eventbus"
	"github.com/molsim/molsim/internal/loader"
	"github.com/molsim/molsim/internal/store/kv"
	"github.com/molsim/molsim/internal/traits"
	"github.com/molsim/molsim/internal/validator"
)

const recordTTL = 7 * 24 * time.Hour

// Patcher subscribes to Mutation Ready and Mutation Rollback and is the
// only writer of internal/traits.Registry outside of process startup.
type Patcher struct {
	bus       *eventbus.Bus
	mutex     *cyclemutex.Mutex
	validator *validator.Validator
	loader    *loader.Loader
	registry  *traits.Registry
	store     kv.Store
}

// New constructs a Patcher.
func New(bus *eventbus.Bus, mutex *cyclemutex.Mutex, v *validator.Validator, l *loader.Loader, registry *traits.Registry, store kv.Store) *Patcher {
	return &Patcher{bus: bus, mutex: mutex, validator: v, loader: l, registry: registry, store: store}
}

// Run drives the Patcher until ctx is cancelled.
func (p *Patcher) Run(ctx context.Context) error {
	readySub, err := eventbus.Subscribe[events.MutationReady](ctx, p.bus, eventbus.TopicMutationReady)
	if err != nil {
		return err
	}
	rollbackSub, err := eventbus.Subscribe[events.MutationRollback](ctx, p.bus, eventbus.TopicMutationRollback)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case ready, ok := <-readySub:
			if !ok {
				return nil
			}
			p.handleReady(ctx, ready)
		case rb, ok := <-rollbackSub:
			if !ok {
				return nil
			}
			p.handleRollback(ctx, rb)
		}
	}
}

func (p *Patcher) handleReady(ctx context.Context, ready events.MutationReady) {
	source, err := os.ReadFile(ready.FilePath)
	if err != nil {
		p.fail(ctx, ready, events.StageValidation, fmt.Sprintf("reading candidate: %v", err))
		return
	}

	result := p.validator.Validate(source)
	if !result.Valid {
		p.fail(ctx, ready, events.StageValidation, result.Violation.Error())
		return
	}

	trait, err := p.loader.Load(ctx, ready.FilePath, result.TraitName)
	if err != nil {
		p.fail(ctx, ready, events.StageImport, err.Error())
		return
	}

	evicted := p.registry.Register(ready.TraitName, trait, string(source), ready.FilePath)
	for _, path := range evicted {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			log.Printf("patcher: removing evicted version %s: %v", path, err)
		}
	}
	p.validator.MarkUsed(result.SourceHash)

	p.updateRecord(ctx, ready.MutationID, events.StatusActivated, "")

	if err := p.bus.Publish(ctx, eventbus.TopicMutationApplied, events.MutationApplied{
		MutationID:      ready.MutationID,
		TraitName:       ready.TraitName,
		Version:         ready.Version,
		RegistryVersion: p.registry.Version(),
	}); err != nil {
		log.Printf("patcher: publish mutation_applied: %v", err)
	}

	p.feed(ctx, ready.CycleID, "activated", fmt.Sprintf("%s v%d is live", ready.TraitName, ready.Version))

	if err := p.mutex.Complete(ctx); err != nil {
		log.Printf("patcher: complete cycle: %v", err)
	}
}

func (p *Patcher) handleRollback(ctx context.Context, rb events.MutationRollback) {
	paths, existed := p.registry.Unregister(rb.TraitName)
	if !existed {
		return
	}
	for _, path := range paths {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			log.Printf("patcher: removing rolled-back file %s: %v", path, err)
		}
	}
	p.updateRecord(ctx, rb.MutationID, events.StatusRolledBack, rb.Reason)
	p.feed(ctx, "", "rolled_back", fmt.Sprintf("%s reverted: %s (delta %.3f)", rb.TraitName, rb.Reason, rb.FitnessDelta))
}

func (p *Patcher) fail(ctx context.Context, ready events.MutationReady, stage, reason string) {
	p.updateRecord(ctx, ready.MutationID, events.StatusFailed, reason)
	if err := p.bus.Publish(ctx, eventbus.TopicMutationFailed, events.MutationFailed{
		MutationID: ready.MutationID,
		Error:      reason,
		Stage:      stage,
	}); err != nil {
		log.Printf("patcher: publish mutation_failed: %v", err)
	}
	p.feed(ctx, ready.CycleID, "failed", fmt.Sprintf("%s: %s", stage, reason))
	if err := p.mutex.Fail(ctx, reason); err != nil {
		log.Printf("patcher: fail cycle: %v", err)
	}
}

// updateRecord patches the stored MutationRecord's status in place,
// leaving every other field (source hash, file path, timestamps) intact.
func (p *Patcher) updateRecord(ctx context.Context, mutationID, status, failureReason string) {
	key := fmt.Sprintf("evo:mutation:%s", mutationID)
	raw, ok, err := p.store.Get(ctx, key)
	if err != nil || !ok {
		return
	}
	var record events.MutationRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		log.Printf("patcher: decode mutation record %s: %v", mutationID, err)
		return
	}
	record.Status = status
	record.FailureReason = failureReason
	record.UpdatedAt = time.Now()

	encoded, err := json.Marshal(record)
	if err != nil {
		log.Printf("patcher: encode mutation record %s: %v", mutationID, err)
		return
	}
	if err := p.store.Set(ctx, key, encoded, recordTTL); err != nil {
		log.Printf("patcher: persist mutation record %s: %v", mutationID, err)
	}
}

func (p *Patcher) feed(ctx context.Context, cycleID, action, message string) {
	_ = p.bus.Publish(ctx, eventbus.TopicFeed, events.Feed{
		Agent:     "patcher",
		Action:    action,
		Message:   message,
		Timestamp: time.Now(),
		CycleID:   cycleID,
	})
}
