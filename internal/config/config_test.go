package config

import (
	"os"
	"path/filepath"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

func TestConfig(t *testing.T) {
	Convey("Default returns the spec.md §6 shipped tunables", t, func() {
		cfg := Default()
		So(cfg.TickRateMs, ShouldEqual, 16)
		So(cfg.MaxTraitVersionsKept, ShouldEqual, 3)
		So(cfg.TickPeriod().Milliseconds(), ShouldEqual, 16)
	})

	Convey("FromYaml overlays only the fields present in the file", t, func() {
		dir := t.TempDir()
		path := filepath.Join(dir, "config.yaml")
		contents := []byte("kind: SimConfig\ndef:\n  min_population: 42\n  mutations_dir: /tmp/mutations\n")
		So(os.WriteFile(path, contents, 0o644), ShouldBeNil)

		cfg, err := FromYaml(path)
		So(err, ShouldBeNil)
		So(cfg.MinPopulation, ShouldEqual, 42)
		So(cfg.MutationsDir, ShouldEqual, "/tmp/mutations")
		// Untouched fields keep Default's values.
		So(cfg.MaxEntities, ShouldEqual, 500)
	})

	Convey("Env overrides win over the file value", t, func() {
		os.Setenv("MOLSIM_MIN_POPULATION", "7")
		defer os.Unsetenv("MOLSIM_MIN_POPULATION")

		dir := t.TempDir()
		path := filepath.Join(dir, "config.yaml")
		contents := []byte("kind: SimConfig\ndef:\n  min_population: 42\n")
		So(os.WriteFile(path, contents, 0o644), ShouldBeNil)

		cfg, err := FromYaml(path)
		So(err, ShouldBeNil)
		So(cfg.MinPopulation, ShouldEqual, 7)
	})
}
