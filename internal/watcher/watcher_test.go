package watcher

import (
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/molsim/molsim/internal/events"
	"github.com/molsim/molsim/internal/telemetry"
)

func TestDetectAnomalies(t *testing.T) {
	cfg := Config{MinPopulation: 20, MaxEntities: 500, TypicalMaxEnergy: 60}

	Convey("Given a healthy snapshot", t, func() {
		snap := telemetry.Snapshot{EntityCount: 100, AvgEnergy: 40}
		So(DetectAnomalies(snap, cfg), ShouldBeEmpty)
	})

	Convey("Starvation below 0.2x typical max energy is high severity", t, func() {
		snap := telemetry.Snapshot{EntityCount: 100, AvgEnergy: 10}
		found := DetectAnomalies(snap, cfg)
		So(found, ShouldHaveLength, 1)
		So(found[0].ProblemType, ShouldEqual, events.ProblemStarvation)
		So(found[0].Severity, ShouldEqual, events.SeverityHigh)
	})

	Convey("Starvation below half that threshold is critical", t, func() {
		snap := telemetry.Snapshot{EntityCount: 100, AvgEnergy: 5}
		found := DetectAnomalies(snap, cfg)
		So(found[0].Severity, ShouldEqual, events.SeverityCritical)
	})

	Convey("Extinction fires under 1.5x min_population, critical at or below min_population", t, func() {
		high := DetectAnomalies(telemetry.Snapshot{EntityCount: 25, AvgEnergy: 40}, cfg)
		So(high, ShouldHaveLength, 1)
		So(high[0].Severity, ShouldEqual, events.SeverityHigh)

		critical := DetectAnomalies(telemetry.Snapshot{EntityCount: 20, AvgEnergy: 40}, cfg)
		So(critical[0].Severity, ShouldEqual, events.SeverityCritical)
	})

	Convey("Overpopulation fires over 0.95x max_entities, critical at or above max_entities", t, func() {
		high := DetectAnomalies(telemetry.Snapshot{EntityCount: 480, AvgEnergy: 40}, cfg)
		So(high, ShouldHaveLength, 1)
		So(high[0].Severity, ShouldEqual, events.SeverityHigh)

		critical := DetectAnomalies(telemetry.Snapshot{EntityCount: 500, AvgEnergy: 40}, cfg)
		So(critical[0].Severity, ShouldEqual, events.SeverityCritical)
	})

	Convey("Multiple anomalies can fire at once and mostSevere picks the worst", t, func() {
		snap := telemetry.Snapshot{EntityCount: 10, AvgEnergy: 5}
		found := DetectAnomalies(snap, cfg)
		So(found, ShouldHaveLength, 2)

		worst, ok := mostSevere(found)
		So(ok, ShouldBeTrue)
		So(worst.Severity, ShouldEqual, events.SeverityCritical)
	})
}
