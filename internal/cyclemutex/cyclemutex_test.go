package cyclemutex

import (
	"context"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/molsim/molsim/internal/store/kv"
)

func TestCycleMutex(t *testing.T) {
	ctx := context.Background()

	Convey("Given a Mutex over a fresh MemoryStore", t, func() {
		m := New(kv.NewMemoryStore(), time.Second)

		Convey("The first Start acquires the lock and writes a planning-stage record", func() {
			acquired, err := m.Start(ctx, "trig-1", "starvation", "high")
			So(err, ShouldBeNil)
			So(acquired, ShouldBeTrue)

			rec, err := m.Current(ctx)
			So(err, ShouldBeNil)
			So(rec.Stage, ShouldEqual, StagePlanning)
			So(rec.TriggerID, ShouldEqual, "trig-1")
		})

		Convey("A second Start while the first is active is rejected as busy, not an error", func() {
			acquired1, err := m.Start(ctx, "trig-1", "starvation", "high")
			So(err, ShouldBeNil)
			So(acquired1, ShouldBeTrue)

			acquired2, err := m.Start(ctx, "trig-2", "extinction", "critical")
			So(err, ShouldBeNil)
			So(acquired2, ShouldBeFalse)
		})

		Convey("Complete releases the lock so a subsequent Start succeeds", func() {
			_, err := m.Start(ctx, "trig-1", "starvation", "high")
			So(err, ShouldBeNil)
			So(m.UpdateStage(ctx, StageCoding), ShouldBeNil)
			So(m.Complete(ctx), ShouldBeNil)

			acquired, err := m.Start(ctx, "trig-2", "extinction", "critical")
			So(err, ShouldBeNil)
			So(acquired, ShouldBeTrue)
		})

		Convey("Fail records the error and also releases the lock", func() {
			_, err := m.Start(ctx, "trig-1", "starvation", "high")
			So(err, ShouldBeNil)
			So(m.Fail(ctx, "LLM plan generation failed"), ShouldBeNil)

			rec, err := m.Current(ctx)
			So(err, ShouldBeNil)
			So(rec.Stage, ShouldEqual, StageFailed)
			So(rec.Error, ShouldEqual, "LLM plan generation failed")

			acquired, err := m.Start(ctx, "trig-2", "extinction", "critical")
			So(err, ShouldBeNil)
			So(acquired, ShouldBeTrue)
		})
	})
}
