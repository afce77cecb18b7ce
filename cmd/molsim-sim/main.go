// molsim-sim is the process entrypoint: it wires the Tick Engine and
// every evolution-cycle subsystem (Watcher, Architect, Coder, Patcher,
// Gatekeeper, Checkpointer) over a shared event bus and kv store, then
// runs them as a set of supervised long-lived loops, the role
// server/fastview/client.go's errgroup.WithContext pattern filled for a
// single websocket connection, promoted here to the whole process.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/molsim/molsim/internal/api"
	"github.com/molsim/molsim/internal/architect"
	"github.com/molsim/molsim/internal/checkpoint"
	"github.com/molsim/molsim/internal/coder"
	"github.com/molsim/molsim/internal/config"
	"github.com/molsim/molsim/internal/cyclemutex"
	"github.com/molsim/molsim/internal/entity"
	"github.com/molsim/molsim/internal/events"
	"github.com/molsim/molsim/internal/eventbus"
	"github.com/molsim/molsim/internal/gatekeeper"
	"github.com/molsim/molsim/internal/llm"
	"github.com/molsim/molsim/internal/loader"
	"github.com/molsim/molsim/internal/patcher"
	"github.com/molsim/molsim/internal/physics"
	"github.com/molsim/molsim/internal/store/kv"
	"github.com/molsim/molsim/internal/tick"
	"github.com/molsim/molsim/internal/traits"
	"github.com/molsim/molsim/internal/validator"
	"github.com/molsim/molsim/internal/watcher"
	"github.com/molsim/molsim/internal/world"
)

const traitPackagePath = "github.com/molsim/molsim/internal/entity"

var (
	configPath = flag.String("config", "./config.yaml", "path to the simulation config YAML")
	debug      = flag.Bool("debug", os.Getenv("MOLSIM_DEBUG") != "", "debug mode: a small world and population")
	httpAddr   = flag.String("addr", ":8080", "address for the HTTP/WS API")
)

func main() {
	flag.Parse()
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	cfg, err := config.FromYaml(*configPath)
	if err != nil {
		log.Printf("molsim: no config file at %s, using defaults: %v", *configPath, err)
		cfg = config.Default()
	}
	if *debug {
		cfg.WorldWidth, cfg.WorldHeight = 400, 400
		cfg.MinPopulation, cfg.MaxEntities = 5, 30
		log.Printf("molsim: debug mode, world %.0fx%.0f, population %d-%d", cfg.WorldWidth, cfg.WorldHeight, cfg.MinPopulation, cfg.MaxEntities)
	}

	store, redisClient := buildStore(cfg)
	bus := buildBus(cfg, redisClient)

	registry := traits.NewRegistry(cfg.MaxTraitVersionsKept)
	v := validator.New(traitPackagePath, nil)
	ld := loader.New(cfg.MutationsDir, "github.com/molsim/molsim", ".", 30*time.Second)
	mutex := cyclemutex.New(store, cfg.EvolutionCooldown())

	entities := world.NewEntityStore(cellSize(cfg))
	env := world.NewEnvironmentStore(cellSize(cfg))

	checkpointer := checkpoint.New(store, cfg.MutationsDir, v)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	startTick, restored, err := checkpointer.Restore(ctx, entities, registry, ld)
	if err != nil {
		return fmt.Errorf("molsim: restore: %w", err)
	}
	if restored {
		log.Printf("molsim: restored checkpoint at tick %d with %d entities", startTick, entities.Count())
	} else {
		seedWorld(entities, env, cfg)
		log.Printf("molsim: fresh start, seeded %d entities and %d resources", entities.Count(), env.Count())
	}

	gk := gatekeeper.New(bus, v, cfg.MutationsDir, gatekeeper.DefaultLimits())

	executor := traits.NewExecutor(cfg.TraitTimeout(), cfg.TickTimeBudget(), func(canonicalName string, err error) {
		_ = bus.Publish(ctx, eventbus.TopicFeed, feedEvent("executor", "trait_deactivated", fmt.Sprintf("%s: %v", canonicalName, err)))
	})

	engine := tick.New(tick.Config{
		TickPeriod:              cfg.TickPeriod(),
		Bounds:                  physics.Bounds{Width: cfg.WorldWidth, Height: cfg.WorldHeight},
		MinPopulation:           cfg.MinPopulation,
		MaxEntities:             cfg.MaxEntities,
		SpawnBatch:              5,
		MaxActiveTraits:         cfg.MaxActiveTraits,
		SnapshotIntervalTicks:   uint64(cfg.SnapshotIntervalTicks),
		CheckpointIntervalTicks: uint64(cfg.CheckpointIntervalTicks),
		PredatorSpawnThreshold:  cfg.PredatorSpawnThreshold,
		PredatorCap:             10,
		PredatorHuntRadius:      40,
		MaxMovePerTick:          4,
		VirusSpawnThreshold:     cfg.VirusSpawnThreshold,
		VirusIgniteProbability:  0.01,
		VirusInfectProbability:  0.2,
		VirusInfectRadius:       15,
		VirusRecoveryTicks:      300,
		ResourceGrowthRate:      0.05,
		ResourceEnergy:          10,
		DefaultEnergy:           50,
		DefaultMaxEnergy:        100,
		DefaultMetabolism:       0.05,
		DefaultRadius:           3,
		DefaultMaxAge:           3000,
		ForageRadius:            10,
		AttackRadius:            12,
		AttackDamage:            20,
	}, entities, env, registry, executor, bus, store)

	apiServer := api.New(*httpAddr, bus, gk, engine.Counters())
	engine.FrameSink = apiServer.PublishFrame
	engine.CheckpointFunc = func(ctx context.Context, t uint64) {
		if err := checkpointer.Save(ctx, t, entities.All(), registry, env.Count()); err != nil {
			log.Printf("molsim: checkpoint save failed: %v", err)
		}
	}

	llmClient := llm.NewHTTPClient(cfg.LLMEndpoint, os.Getenv("MOLSIM_LLM_API_KEY"), cfg.LLMTimeout())

	w := watcher.New(watcher.Config{
		MinPopulation:             cfg.MinPopulation,
		MaxEntities:               cfg.MaxEntities,
		TypicalMaxEnergy:          100,
		EvolutionCooldown:         cfg.EvolutionCooldown(),
		PeriodicEvolutionInterval: cfg.PeriodicEvolutionInterval(),
		FitnessRollbackThreshold:  cfg.FitnessRollbackThreshold,
	}, bus, store)
	arch := architect.New(bus, mutex, llmClient)
	cod := coder.New(bus, mutex, llmClient, v, store, cfg.MutationsDir)
	patch := patcher.New(bus, mutex, v, ld, registry, store)

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(sigCtx)
	group.Go(func() error { engine.Run(groupCtx); return nil })
	group.Go(func() error { return w.Run(groupCtx) })
	group.Go(func() error { return arch.Run(groupCtx) })
	group.Go(func() error { return cod.Run(groupCtx) })
	group.Go(func() error { return patch.Run(groupCtx) })
	group.Go(func() error { return gk.Run(groupCtx) })
	group.Go(func() error { return apiServer.PumpFeed(groupCtx) })
	group.Go(func() error { return apiServer.PumpAgentEvents(groupCtx) })
	group.Go(func() error { return apiServer.Serve(groupCtx) })

	log.Printf("molsim: listening on %s", *httpAddr)
	err = group.Wait()
	if err != nil && err != context.Canceled {
		return err
	}
	return nil
}

func buildStore(cfg *config.SimConfig) (kv.Store, *redis.Client) {
	if cfg.RedisAddr == "" {
		log.Println("molsim: no redis_addr configured, using in-memory store")
		return kv.NewMemoryStore(), nil
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	return kv.NewRedisStore(client), client
}

func buildBus(cfg *config.SimConfig, redisClient *redis.Client) *eventbus.Bus {
	if redisClient == nil {
		return eventbus.New(eventbus.NewLocalTransport(nil))
	}
	return eventbus.New(eventbus.NewRedisTransport(redisClient))
}

func cellSize(cfg *config.SimConfig) float64 {
	return (cfg.WorldWidth + cfg.WorldHeight) / 40
}

// seedWorld populates a fresh world with an initial molbot population
// and a scattering of food resources. Seeded entities start with no
// traits; behavior only accrues once the evolution cycle activates its
// first mutation, same as any canonical name the Patcher later registers.
func seedWorld(entities *world.EntityStore, env *world.EnvironmentStore, cfg *config.SimConfig) {
	for i := 0; i < cfg.MinPopulation; i++ {
		x := rand.Float64() * cfg.WorldWidth
		y := rand.Float64() * cfg.WorldHeight
		e := entity.New(uuid.NewString(), 0, "", 0, x, y, 3, 50, 100, 0.05, 3000, entity.Molbot)
		entities.Spawn(e)
	}
	resourceCount := cfg.MinPopulation * 3
	for i := 0; i < resourceCount; i++ {
		env.Spawn(&entity.Resource{
			ID:     uuid.NewString(),
			X:      rand.Float64() * cfg.WorldWidth,
			Y:      rand.Float64() * cfg.WorldHeight,
			Energy: 10,
			Type:   entity.Food,
		})
	}
}

func feedEvent(agent, action, message string) events.Feed {
	return events.Feed{Agent: agent, Action: action, Message: message, Timestamp: time.Now()}
}
