package telemetry

import (
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

func TestDeathCounters(t *testing.T) {
	Convey("Given fresh DeathCounters", t, func() {
		d := NewDeathCounters()

		Convey("Recorded deaths accumulate per cause until Reset", func() {
			d.Record(DeathStarvation)
			d.Record(DeathStarvation)
			d.Record(DeathOldAge)

			snap := d.Snapshot()
			So(snap[DeathStarvation], ShouldEqual, uint64(2))
			So(snap[DeathOldAge], ShouldEqual, uint64(1))

			d.Reset()
			So(d.Snapshot(), ShouldBeEmpty)
		})
	})
}

func TestCounters(t *testing.T) {
	Convey("Given a fresh Counters", t, func() {
		c := &Counters{}
		c.PredatorKills.Add(3)
		c.StarvationDeaths.Add(1)

		Convey("Snapshot reports cumulative values by stable key", func() {
			snap := c.Snapshot()
			So(snap["predator_kills"], ShouldEqual, uint64(3))
			So(snap["starvation_deaths"], ShouldEqual, uint64(1))
			So(snap["virus_kills"], ShouldEqual, uint64(0))
		})
	})
}
