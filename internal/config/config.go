// Package config loads the simulation's tunables the same two-hop way
// reinforcement.FromYaml does: viper reads the YAML file into a generic
// wrapper, which is re-marshaled through yaml.v3 into the typed config
// struct. Every field also accepts an env override, checked after the
// file load so env always wins, matching tabular/main.go's flag-based
// override habit but extended to every tunable §6 lists.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// OuterConfig mirrors reinforcement.OuterConfig's kind/def indirection;
// kept even though molsim has only one config "kind" so the loading
// shape stays identical to the teacher's.
type OuterConfig struct {
	Kind string      `mapstructure:"kind"`
	Def  interface{} `mapstructure:"def"`
}

// SimConfig holds every configuration table entry from spec.md §6.
type SimConfig struct {
	TickRateMs                 int     `yaml:"tick_rate_ms" env:"MOLSIM_TICK_RATE_MS"`
	MinPopulation               int     `yaml:"min_population" env:"MOLSIM_MIN_POPULATION"`
	MaxEntities                 int     `yaml:"max_entities" env:"MOLSIM_MAX_ENTITIES"`
	WorldWidth                  float64 `yaml:"world_width" env:"MOLSIM_WORLD_WIDTH"`
	WorldHeight                 float64 `yaml:"world_height" env:"MOLSIM_WORLD_HEIGHT"`
	TraitTimeoutSec             float64 `yaml:"trait_timeout_sec" env:"MOLSIM_TRAIT_TIMEOUT_SEC"`
	TickTimeBudgetSec           float64 `yaml:"tick_time_budget_sec" env:"MOLSIM_TICK_TIME_BUDGET_SEC"`
	MaxActiveTraits             int     `yaml:"max_active_traits" env:"MOLSIM_MAX_ACTIVE_TRAITS"`
	MaxTraitVersionsKept        int     `yaml:"max_trait_versions_kept" env:"MOLSIM_MAX_TRAIT_VERSIONS_KEPT"`
	SnapshotIntervalTicks       int     `yaml:"snapshot_interval_ticks" env:"MOLSIM_SNAPSHOT_INTERVAL_TICKS"`
	EvolutionCooldownSec        float64 `yaml:"evolution_cooldown_sec" env:"MOLSIM_EVOLUTION_COOLDOWN_SEC"`
	FitnessRollbackThreshold    float64 `yaml:"fitness_rollback_threshold" env:"MOLSIM_FITNESS_ROLLBACK_THRESHOLD"`
	PeriodicEvolutionIntervalSec float64 `yaml:"periodic_evolution_interval_sec" env:"MOLSIM_PERIODIC_EVOLUTION_INTERVAL_SEC"`
	PredatorSpawnThreshold       int     `yaml:"predator_spawn_threshold" env:"MOLSIM_PREDATOR_SPAWN_THRESHOLD"`
	VirusSpawnThreshold          int     `yaml:"virus_spawn_threshold" env:"MOLSIM_VIRUS_SPAWN_THRESHOLD"`
	LLMTimeoutSec                float64 `yaml:"llm_timeout_sec" env:"MOLSIM_LLM_TIMEOUT_SEC"`
	MutationsDir                 string  `yaml:"mutations_dir" env:"MOLSIM_MUTATIONS_DIR"`
	CheckpointIntervalTicks      int     `yaml:"checkpoint_interval_ticks" env:"MOLSIM_CHECKPOINT_INTERVAL_TICKS"`
	RedisAddr                    string  `yaml:"redis_addr" env:"MOLSIM_REDIS_ADDR"`
	LLMEndpoint                  string  `yaml:"llm_endpoint" env:"MOLSIM_LLM_ENDPOINT"`
}

// TickPeriod returns TickRateMs as a time.Duration.
func (c *SimConfig) TickPeriod() time.Duration {
	return time.Duration(c.TickRateMs) * time.Millisecond
}

// TraitTimeout returns TraitTimeoutSec as a time.Duration.
func (c *SimConfig) TraitTimeout() time.Duration {
	return time.Duration(c.TraitTimeoutSec * float64(time.Second))
}

// TickTimeBudget returns TickTimeBudgetSec as a time.Duration.
func (c *SimConfig) TickTimeBudget() time.Duration {
	return time.Duration(c.TickTimeBudgetSec * float64(time.Second))
}

// EvolutionCooldown returns EvolutionCooldownSec as a time.Duration.
func (c *SimConfig) EvolutionCooldown() time.Duration {
	return time.Duration(c.EvolutionCooldownSec * float64(time.Second))
}

// PeriodicEvolutionInterval returns PeriodicEvolutionIntervalSec as a time.Duration.
func (c *SimConfig) PeriodicEvolutionInterval() time.Duration {
	return time.Duration(c.PeriodicEvolutionIntervalSec * float64(time.Second))
}

// LLMTimeout returns LLMTimeoutSec as a time.Duration.
func (c *SimConfig) LLMTimeout() time.Duration {
	return time.Duration(c.LLMTimeoutSec * float64(time.Second))
}

// Default returns the shipped default configuration, used when no YAML
// file is present (analogous to the teacher always having a config.yaml
// but not crashing hard if tunables are absent from it).
func Default() *SimConfig {
	return &SimConfig{
		TickRateMs:                   16,
		MinPopulation:                20,
		MaxEntities:                  500,
		WorldWidth:                   2000,
		WorldHeight:                  2000,
		TraitTimeoutSec:              0.005,
		TickTimeBudgetSec:            0.014,
		MaxActiveTraits:              8,
		MaxTraitVersionsKept:         3,
		SnapshotIntervalTicks:        300,
		EvolutionCooldownSec:         60,
		FitnessRollbackThreshold:     0.15,
		PeriodicEvolutionIntervalSec: 30,
		PredatorSpawnThreshold:       100,
		VirusSpawnThreshold:          100,
		LLMTimeoutSec:                10,
		MutationsDir:                 "./mutations",
		CheckpointIntervalTicks:      1800,
	}
}

// FromYaml loads path the same way reinforcement.FromYaml does: viper
// reads the raw file into OuterConfig, which is re-marshaled through
// yaml.v3 into SimConfig. Missing fields keep Default's values since
// unmarshal only overwrites what's present in the file.
func FromYaml(path string) (*SimConfig, error) {
	cfg := Default()

	vp := viper.New()
	vp.SetConfigFile(path)
	vp.SetConfigType("yaml")
	vp.AddConfigPath(filepath.Dir(path))
	if err := vp.ReadInConfig(); err != nil {
		return nil, err
	}

	outer := &OuterConfig{}
	if err := vp.Unmarshal(outer); err != nil {
		return nil, err
	}

	spec, err := yaml.Marshal(outer.Def)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(spec, cfg); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

// applyEnvOverrides checks os.LookupEnv for each field's env tag after
// the file load, so env always wins over the YAML value.
func applyEnvOverrides(cfg *SimConfig) {
	strField := func(dst *string, key string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	intField := func(dst *int, key string) {
		if v, ok := os.LookupEnv(key); ok {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	floatField := func(dst *float64, key string) {
		if v, ok := os.LookupEnv(key); ok {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				*dst = f
			}
		}
	}

	intField(&cfg.TickRateMs, "MOLSIM_TICK_RATE_MS")
	intField(&cfg.MinPopulation, "MOLSIM_MIN_POPULATION")
	intField(&cfg.MaxEntities, "MOLSIM_MAX_ENTITIES")
	floatField(&cfg.WorldWidth, "MOLSIM_WORLD_WIDTH")
	floatField(&cfg.WorldHeight, "MOLSIM_WORLD_HEIGHT")
	floatField(&cfg.TraitTimeoutSec, "MOLSIM_TRAIT_TIMEOUT_SEC")
	floatField(&cfg.TickTimeBudgetSec, "MOLSIM_TICK_TIME_BUDGET_SEC")
	intField(&cfg.MaxActiveTraits, "MOLSIM_MAX_ACTIVE_TRAITS")
	intField(&cfg.MaxTraitVersionsKept, "MOLSIM_MAX_TRAIT_VERSIONS_KEPT")
	intField(&cfg.SnapshotIntervalTicks, "MOLSIM_SNAPSHOT_INTERVAL_TICKS")
	floatField(&cfg.EvolutionCooldownSec, "MOLSIM_EVOLUTION_COOLDOWN_SEC")
	floatField(&cfg.FitnessRollbackThreshold, "MOLSIM_FITNESS_ROLLBACK_THRESHOLD")
	floatField(&cfg.PeriodicEvolutionIntervalSec, "MOLSIM_PERIODIC_EVOLUTION_INTERVAL_SEC")
	intField(&cfg.PredatorSpawnThreshold, "MOLSIM_PREDATOR_SPAWN_THRESHOLD")
	intField(&cfg.VirusSpawnThreshold, "MOLSIM_VIRUS_SPAWN_THRESHOLD")
	floatField(&cfg.LLMTimeoutSec, "MOLSIM_LLM_TIMEOUT_SEC")
	strField(&cfg.MutationsDir, "MOLSIM_MUTATIONS_DIR")
	intField(&cfg.CheckpointIntervalTicks, "MOLSIM_CHECKPOINT_INTERVAL_TICKS")
	strField(&cfg.RedisAddr, "MOLSIM_REDIS_ADDR")
	strField(&cfg.LLMEndpoint, "MOLSIM_LLM_ENDPOINT")
}
