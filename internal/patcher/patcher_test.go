package patcher

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/molsim/molsim/internal/cyclemutex"
	"github.com/molsim/molsim/internal/entity"
	"github.com/molsim/molsim/internal/events"
	"github.com/molsim/molsim/internal/eventbus"
	"github.com/molsim/molsim/internal/loader"
	"github.com/molsim/molsim/internal/store/kv"
	"github.com/molsim/molsim/internal/traits"
	"github.com/molsim/molsim/internal/validator"
)

const traitPackagePath = "github.com/molsim/molsim/internal/entity"

type stubTrait struct{}

func (stubTrait) Execute(e *entity.Entity) error { return nil }

func marshalForTest(rec events.MutationRecord) ([]byte, error) {
	return json.Marshal(rec)
}

func newHarness(t *testing.T) (*Patcher, *eventbus.Bus, kv.Store, *traits.Registry) {
	bus := eventbus.New(eventbus.NewLocalTransport(nil))
	mutex := cyclemutex.New(kv.NewMemoryStore(), 60*time.Second)
	v := validator.New(traitPackagePath, nil)
	store := kv.NewMemoryStore()
	registry := traits.NewRegistry(3)
	l := loader.New(t.TempDir(), "github.com/molsim/molsim", ".", 30*time.Second)
	p := New(bus, mutex, v, l, registry, store)
	return p, bus, store, registry
}

func TestPatcherValidationFailure(t *testing.T) {
	Convey("Given a Mutation Ready file that fails re-validation", t, func() {
		p, bus, store, registry := newHarness(t)
		ctx := context.Background()

		dir := t.TempDir()
		path := filepath.Join(dir, "trait_bad_v1.go")
		So(os.WriteFile(path, []byte("not valid go {{{"), 0o644), ShouldBeNil)

		rec := events.MutationRecord{MutationID: "m1", Status: events.StatusSandboxOK}
		raw, _ := marshalForTest(rec)
		So(store.Set(ctx, "evo:mutation:m1", raw, time.Hour), ShouldBeNil)

		failedSub, _ := eventbus.Subscribe[events.MutationFailed](ctx, bus, eventbus.TopicMutationFailed)
		feedSub, _ := eventbus.Subscribe[events.Feed](ctx, bus, eventbus.TopicFeed)

		p.handleReady(ctx, events.MutationReady{MutationID: "m1", FilePath: path, TraitName: "bad"})

		Convey("a Mutation Failed with stage validation is published", func() {
			failed := <-failedSub
			So(failed.Stage, ShouldEqual, events.StageValidation)
		})

		Convey("a feed failure message follows", func() {
			msg := <-feedSub
			So(msg.Action, ShouldEqual, "failed")
		})

		Convey("nothing is registered", func() {
			_, ok := registry.Get("bad")
			So(ok, ShouldBeFalse)
		})
	})
}

func TestPatcherRollback(t *testing.T) {
	Convey("Given a registered trait family", t, func() {
		p, bus, store, registry := newHarness(t)
		ctx := context.Background()

		dir := t.TempDir()
		path := filepath.Join(dir, "trait_forager_v1.go")
		So(os.WriteFile(path, []byte("package main\n"), 0o644), ShouldBeNil)
		registry.Register("forager", stubTrait{}, "package main\n", path)

		rec := events.MutationRecord{MutationID: "m2", TraitName: "forager", Status: events.StatusActivated}
		raw, _ := marshalForTest(rec)
		So(store.Set(ctx, "evo:mutation:m2", raw, time.Hour), ShouldBeNil)

		feedSub, _ := eventbus.Subscribe[events.Feed](ctx, bus, eventbus.TopicFeed)

		p.handleRollback(ctx, events.MutationRollback{MutationID: "m2", TraitName: "forager", Reason: "fitness_regression", FitnessDelta: -0.4})

		Convey("the family is unregistered and its file removed", func() {
			_, ok := registry.Get("forager")
			So(ok, ShouldBeFalse)
			_, err := os.Stat(path)
			So(os.IsNotExist(err), ShouldBeTrue)
		})

		Convey("a rolled_back feed message is published", func() {
			msg := <-feedSub
			So(msg.Action, ShouldEqual, "rolled_back")
		})
	})
}
