package traits

import (
	"errors"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/molsim/molsim/internal/entity"
)

type scriptedTrait struct {
	fn func(e *entity.Entity) error
}

func (s *scriptedTrait) Execute(e *entity.Entity) error { return s.fn(e) }

func TestExecutor(t *testing.T) {
	Convey("Given an Executor with a generous budget", t, func() {
		var firstErrors []string
		exec := NewExecutor(20*time.Millisecond, 100*time.Millisecond, func(name string, err error) {
			firstErrors = append(firstErrors, name)
		})

		e := entity.New("e1", 0, "", 0, 0, 0, 5, 100, 100, 1, 0, entity.Molbot)

		Convey("A trait that returns nil keeps running and is never deactivated", func() {
			ran := 0
			e.Traits = []entity.TraitInstance{
				{CanonicalName: "noop", Trait: &scriptedTrait{fn: func(e *entity.Entity) error { ran++; return nil }}},
			}
			exec.ExecuteAll(e)
			exec.ExecuteAll(e)
			So(ran, ShouldEqual, 2)
			So(e.IsDeactivated("noop"), ShouldBeFalse)
		})

		Convey("A trait that returns an error is deactivated and reported once", func() {
			e.Traits = []entity.TraitInstance{
				{CanonicalName: "broken", Trait: &scriptedTrait{fn: func(e *entity.Entity) error { return errors.New("boom") }}},
			}
			exec.ExecuteAll(e)
			So(e.IsDeactivated("broken"), ShouldBeTrue)
			So(firstErrors, ShouldResemble, []string{"broken"})

			Convey("A subsequent tick skips the deactivated trait entirely", func() {
				calls := 0
				e.Traits[0].Trait = &scriptedTrait{fn: func(e *entity.Entity) error { calls++; return nil }}
				exec.ExecuteAll(e)
				So(calls, ShouldEqual, 0)
			})
		})

		Convey("A trait that panics is treated as a deactivating error", func() {
			e.Traits = []entity.TraitInstance{
				{CanonicalName: "panicky", Trait: &scriptedTrait{fn: func(e *entity.Entity) error { panic("nope") }}},
			}
			exec.ExecuteAll(e)
			So(e.IsDeactivated("panicky"), ShouldBeTrue)
			So(firstErrors, ShouldResemble, []string{"panicky"})
		})

		Convey("A trait that blocks past the call timeout is deactivated", func() {
			e.Traits = []entity.TraitInstance{
				{CanonicalName: "slow", Trait: &scriptedTrait{fn: func(e *entity.Entity) error {
					time.Sleep(time.Second)
					return nil
				}}},
			}
			exec.ExecuteAll(e)
			So(e.IsDeactivated("slow"), ShouldBeTrue)
		})
	})

	Convey("Given an Executor with a near-zero tick budget", t, func() {
		exec := NewExecutor(5*time.Millisecond, 0, nil)
		exec.TickBudget = 1 * time.Nanosecond

		e := entity.New("e1", 0, "", 0, 0, 0, 5, 100, 100, 1, 0, entity.Molbot)
		calls := 0
		e.Traits = []entity.TraitInstance{
			{CanonicalName: "a", Trait: &scriptedTrait{fn: func(e *entity.Entity) error { calls++; return nil }}},
			{CanonicalName: "b", Trait: &scriptedTrait{fn: func(e *entity.Entity) error { calls++; return nil }}},
		}

		Convey("The budget being already exceeded halts before any trait runs", func() {
			time.Sleep(time.Millisecond)
			exec.ExecuteAll(e)
			So(calls, ShouldEqual, 0)
		})
	})
}
