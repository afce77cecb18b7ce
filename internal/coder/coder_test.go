package coder

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/molsim/molsim/internal/cyclemutex"
	"github.com/molsim/molsim/internal/events"
	"github.com/molsim/molsim/internal/eventbus"
	"github.com/molsim/molsim/internal/store/kv"
	"github.com/molsim/molsim/internal/validator"
)

const traitPackagePath = "github.com/molsim/molsim/internal/entity"

const validTrait = `package main

import "github.com/molsim/molsim/internal/entity"

type ForageMoreTrait struct{}

func NewForageMoreTrait() entity.Trait { return &ForageMoreTrait{} }

func (t *ForageMoreTrait) Execute(e *entity.Entity) error {
	e.EatNearby()
	return nil
}
`

const brokenTrait = `this is not valid go source {{{`

// sequenceClient returns each response in order on successive Complete
// calls, regardless of prompt content.
type sequenceClient struct {
	responses []string
	i         int
}

func (s *sequenceClient) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	r := s.responses[s.i]
	if s.i < len(s.responses)-1 {
		s.i++
	}
	return r, nil
}

func newHarness(t *testing.T, responses []string) (*Coder, *eventbus.Bus, string) {
	dir := t.TempDir()
	bus := eventbus.New(eventbus.NewLocalTransport(nil))
	mutex := cyclemutex.New(kv.NewMemoryStore(), 60*time.Second)
	v := validator.New(traitPackagePath, nil)
	c := New(bus, mutex, &sequenceClient{responses: responses}, v, kv.NewMemoryStore(), dir)
	return c, bus, dir
}

func TestCoder(t *testing.T) {
	Convey("Given a plan and an LLM that answers validly on the first try", t, func() {
		c, bus, dir := newHarness(t, []string{validTrait})
		ctx := context.Background()

		feedSub, _ := eventbus.Subscribe[events.Feed](ctx, bus, eventbus.TopicFeed)
		readySub, _ := eventbus.Subscribe[events.MutationReady](ctx, bus, eventbus.TopicMutationReady)

		c.handle(ctx, events.EvolutionPlan{PlanID: "p1", CycleID: "c1", TargetClass: "ForageMoreTrait", ActionType: "mutate"})

		Convey("it writes a version-1 file and publishes Mutation Ready", func() {
			ready := <-readySub
			So(ready.Version, ShouldEqual, 1)
			So(ready.TraitName, ShouldEqual, "forage_more")
			So(filepath.Dir(ready.FilePath), ShouldEqual, dir)

			_, err := os.Stat(ready.FilePath)
			So(err, ShouldBeNil)
		})

		Convey("it posts a coding feed message first", func() {
			msg := <-feedSub
			So(msg.Action, ShouldEqual, "coding")
		})
	})

	Convey("Given an LLM that fails validation twice", t, func() {
		c, bus, _ := newHarness(t, []string{brokenTrait, brokenTrait})
		ctx := context.Background()

		feedSub, _ := eventbus.Subscribe[events.Feed](ctx, bus, eventbus.TopicFeed)
		readySub, _ := eventbus.Subscribe[events.MutationReady](ctx, bus, eventbus.TopicMutationReady)

		c.handle(ctx, events.EvolutionPlan{PlanID: "p2", CycleID: "c2", TargetClass: "BadTrait", ActionType: "mutate"})

		Convey("no Mutation Ready is published", func() {
			select {
			case <-readySub:
				t.Fatal("unexpected mutation ready")
			default:
			}
		})

		Convey("a validation_failed feed message follows the coding message", func() {
			first := <-feedSub
			So(first.Action, ShouldEqual, "coding")
			second := <-feedSub
			So(second.Action, ShouldEqual, "validation_failed")
		})
	})

	Convey("Given an LLM that fails once then recovers", t, func() {
		c, bus, _ := newHarness(t, []string{brokenTrait, validTrait})
		ctx := context.Background()
		readySub, _ := eventbus.Subscribe[events.MutationReady](ctx, bus, eventbus.TopicMutationReady)

		c.handle(ctx, events.EvolutionPlan{PlanID: "p3", CycleID: "c3", TargetClass: "ForageMoreTrait", ActionType: "mutate"})

		Convey("the retry succeeds and Mutation Ready is published", func() {
			ready := <-readySub
			So(ready.TraitName, ShouldEqual, "forage_more")
		})
	})

	Convey("Given two successful plans for the same trait family", t, func() {
		c, bus, _ := newHarness(t, []string{validTrait})
		ctx := context.Background()
		readySub, _ := eventbus.Subscribe[events.MutationReady](ctx, bus, eventbus.TopicMutationReady)

		c.handle(ctx, events.EvolutionPlan{PlanID: "p4", CycleID: "c4", TargetClass: "ForageMoreTrait", ActionType: "mutate"})
		first := <-readySub

		c.llm.(*sequenceClient).i = 0
		c.handle(ctx, events.EvolutionPlan{PlanID: "p5", CycleID: "c5", TargetClass: "ForageMoreTrait", ActionType: "mutate"})
		second := <-readySub

		Convey("versions increment monotonically per canonical name", func() {
			So(first.Version, ShouldEqual, 1)
			So(second.Version, ShouldEqual, 2)
		})
	})
}
