package tick

import (
	"context"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/molsim/molsim/internal/entity"
	"github.com/molsim/molsim/internal/eventbus"
	"github.com/molsim/molsim/internal/physics"
	"github.com/molsim/molsim/internal/store/kv"
	"github.com/molsim/molsim/internal/traits"
	"github.com/molsim/molsim/internal/world"
)

// forageTrait always eats whatever the engine's forage hook hands it.
type forageTrait struct{}

func (forageTrait) Execute(e *entity.Entity) error {
	e.EatNearby()
	return nil
}

func testConfig() Config {
	return Config{
		TickPeriod:              10 * time.Millisecond,
		Bounds:                  physics.Bounds{Width: 500, Height: 500},
		MinPopulation:           1,
		MaxEntities:             50,
		SpawnBatch:              2,
		MaxActiveTraits:         4,
		SnapshotIntervalTicks:   2,
		CheckpointIntervalTicks: 3,
		PredatorSpawnThreshold:  1000,
		PredatorCap:             5,
		PredatorHuntRadius:      20,
		MaxMovePerTick:          4,
		VirusSpawnThreshold:     1000,
		VirusIgniteProbability:  0,
		VirusInfectProbability:  0,
		VirusInfectRadius:       10,
		VirusRecoveryTicks:      100,
		ResourceGrowthRate:      0,
		ResourceEnergy:          10,
		DefaultEnergy:           50,
		DefaultMaxEnergy:        100,
		DefaultMetabolism:       0.05,
		DefaultRadius:           3,
		DefaultMaxAge:           3000,
		ForageRadius:            10,
		AttackRadius:            12,
		AttackDamage:            20,
	}
}

func newTestEngine(cfg Config) (*Engine, *world.EntityStore, *world.EnvironmentStore, *eventbus.Bus) {
	entities := world.NewEntityStore(50)
	env := world.NewEnvironmentStore(50)
	registry := traits.NewRegistry(4)
	executor := traits.NewExecutor(time.Second, time.Second, func(string, error) {})
	bus := eventbus.New(eventbus.NewLocalTransport(nil))
	store := kv.NewMemoryStore()
	e := New(cfg, entities, env, registry, executor, bus, store)
	return e, entities, env, bus
}

func TestRunOnceAdvancesTickAndAges(t *testing.T) {
	Convey("Given an engine with one molbot and no resources", t, func() {
		cfg := testConfig()
		e, entities, _, _ := newTestEngine(cfg)
		m := entity.New("m1", 0, "", 0, 10, 10, cfg.DefaultRadius, cfg.DefaultEnergy, cfg.DefaultMaxEnergy, cfg.DefaultMetabolism, cfg.DefaultMaxAge, entity.Molbot)
		entities.Spawn(m)

		ctx := context.Background()
		e.runOnce(ctx)

		Convey("the tick counter advances and the entity ages and loses metabolism energy", func() {
			So(e.Tick(), ShouldEqual, uint64(1))
			So(m.Age, ShouldEqual, 1)
			So(m.Energy.Load(), ShouldBeLessThan, cfg.DefaultEnergy)
		})
	})
}

func TestStageUpdateCreditsForageHookEnergy(t *testing.T) {
	Convey("Given a molbot with a registered forage trait and a nearby resource", t, func() {
		cfg := testConfig()
		e, entities, env, _ := newTestEngine(cfg)

		m := entity.New("m1", 0, "", 0, 0, 0, cfg.DefaultRadius, cfg.DefaultEnergy, cfg.DefaultMaxEnergy, cfg.DefaultMetabolism, cfg.DefaultMaxAge, entity.Molbot)
		m.Traits = append(m.Traits, entity.TraitInstance{CanonicalName: "forager", Trait: forageTrait{}})
		entities.Spawn(m)
		env.Spawn(&entity.Resource{ID: "r1", X: 1, Y: 1, Energy: 30})
		env.RebuildIndex()

		before := m.Energy.Load()
		e.stageUpdate()

		Convey("the entity's energy reflects the consumed resource minus metabolism", func() {
			So(m.Energy.Load(), ShouldBeGreaterThan, before)
		})

		Convey("the resource is gone from the environment", func() {
			_, ok := env.Get("r1")
			So(ok, ShouldBeFalse)
		})
	})
}

func TestStageLifecycleReapAttributesDeathCause(t *testing.T) {
	Convey("Given a starved entity and a reaped predator", t, func() {
		cfg := testConfig()
		e, entities, _, _ := newTestEngine(cfg)

		starved := entity.New("s1", 0, "", 0, 0, 0, cfg.DefaultRadius, 50, 100, 0.05, 3000, entity.Molbot)
		starved.State = entity.Dead
		entities.Spawn(starved)

		pred := entity.New("p1", 0, "", 0, 0, 0, cfg.DefaultRadius, 50, 100, 0.05, 3000, entity.Predator)
		pred.State = entity.Dead
		entities.Spawn(pred)

		e.stageLifecycleReap()

		Convey("both causeless deaths count as starvation and the predator also counts once as a predator death", func() {
			snap := e.Counters().Snapshot()
			So(snap["starvation_deaths"], ShouldEqual, uint64(2))
			So(snap["predator_deaths"], ShouldEqual, uint64(1))
		})

		Convey("both entities are gone from the store", func() {
			So(entities.Count(), ShouldEqual, 0)
		})
	})
}

func TestStageOrganicGrowthSpawnsUpToMinPopulation(t *testing.T) {
	Convey("Given an empty world below MinPopulation", t, func() {
		cfg := testConfig()
		cfg.MinPopulation = 3
		cfg.SpawnBatch = 3
		e, entities, _, _ := newTestEngine(cfg)

		e.stageOrganicGrowth()

		Convey("it spawns up to SpawnBatch molbots", func() {
			molbots, _ := entities.CountAlive()
			So(molbots, ShouldEqual, 3)
		})
	})
}

func TestStageBroadcastPublishesFrameOnEvenTicks(t *testing.T) {
	Convey("Given an engine with a FrameSink wired", t, func() {
		cfg := testConfig()
		e, entities, _, _ := newTestEngine(cfg)
		m := entity.New("m1", 0, "", 0, 5, 5, cfg.DefaultRadius, cfg.DefaultEnergy, cfg.DefaultMaxEnergy, cfg.DefaultMetabolism, cfg.DefaultMaxAge, entity.Molbot)
		entities.Spawn(m)

		var payloads [][]byte
		e.FrameSink = func(p []byte) { payloads = append(payloads, p) }

		ctx := context.Background()
		e.tick = 1
		e.stageBroadcast(ctx) // odd tick: no broadcast
		e.tick = 2
		e.stageBroadcast(ctx) // even tick: broadcasts

		Convey("FrameSink only receives a payload on the even tick", func() {
			So(len(payloads), ShouldEqual, 1)
			So(len(payloads[0]), ShouldBeGreaterThan, 0)
		})
	})
}

func TestStageCheckpointFiresOnConfiguredInterval(t *testing.T) {
	Convey("Given an engine with a CheckpointFunc and CheckpointIntervalTicks=3", t, func() {
		cfg := testConfig()
		e, _, _, _ := newTestEngine(cfg)

		fired := make(chan uint64, 1)
		e.CheckpointFunc = func(ctx context.Context, tick uint64) { fired <- tick }

		ctx := context.Background()
		e.tick = 3
		e.stageCheckpoint(ctx)

		Convey("CheckpointFunc is invoked with the current tick", func() {
			select {
			case got := <-fired:
				So(got, ShouldEqual, uint64(3))
			case <-time.After(time.Second):
				t.Fatal("checkpoint func was not invoked")
			}
		})
	})
}
