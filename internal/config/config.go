// Package config provides configuration loading for the city simulation.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed defaults.yaml
var defaultsYAML []byte

// Config holds all simulation configuration parameters.
type Config struct {
	World       WorldConfig       `yaml:"world"`
	Spatial     SpatialConfig     `yaml:"spatial"`
	Tiers       TiersConfig       `yaml:"tiers"`
	Engine      EngineConfig      `yaml:"engine"`
	Memory      MemoryConfig      `yaml:"memory"`
	Aggregation AggregationConfig `yaml:"aggregation"`
	Transition  TransitionConfig  `yaml:"transition"`
	Lifecycle   LifecycleConfig   `yaml:"lifecycle"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	API         APIConfig         `yaml:"api"`
	City        CityConfig        `yaml:"city"`

	// Derived values computed after loading
	Derived DerivedConfig `yaml:"-"`
}

// WorldConfig holds map dimensions and time scale.
type WorldConfig struct {
	Width       float64 `yaml:"width"`         // World units
	Height      float64 `yaml:"height"`        // World units
	TicksPerDay uint64  `yaml:"ticks_per_day"` // Simulated day length
	TickRate    int     `yaml:"tick_rate"`     // Ticks per wall-clock second at speed 1
}

// SpatialConfig holds spatial hash parameters.
type SpatialConfig struct {
	CellSize    float64 `yaml:"cell_size"`
	CrowdedCell int     `yaml:"crowded_cell"` // Bucket length that triggers a growth warning
}

// TiersConfig holds tier classifier thresholds and cadence.
type TiersConfig struct {
	Near            float64 `yaml:"near"`
	Far             float64 `yaml:"far"`
	ReferenceRadius float64 `yaml:"reference_radius"`
	MinScale        float64 `yaml:"min_scale"`
	MaxScale        float64 `yaml:"max_scale"`
	Hysteresis      float64 `yaml:"hysteresis"`
	ClassifyEvery   uint64  `yaml:"classify_every"` // Ticks between passes
	MaxFull         int     `yaml:"max_full"`       // 0 = uncapped
	MaxSimplified   int     `yaml:"max_simplified"` // 0 = uncapped
}

// EngineConfig holds per-tier engine parameters.
type EngineConfig struct {
	Workers           int     `yaml:"workers"`            // 0 = GOMAXPROCS
	ParallelThreshold int     `yaml:"parallel_threshold"` // Below this, run single-threaded
	WalkSpeed         float64 `yaml:"walk_speed"`         // World units per tick
	NeedDecay         float32 `yaml:"need_decay"`         // Per tick
	NeedRecovery      float32 `yaml:"need_recovery"`      // Per tick in a satisfying activity
	CarryDecay        float32 `yaml:"carry_decay"`        // Fraction of carried mood lost per tick
	CrowdRadius       float64 `yaml:"crowd_radius"`
	CrowdThreshold    int     `yaml:"crowd_threshold"`
	SimpleMoodRate    float32 `yaml:"simple_mood_rate"` // Drift toward activity target per tick
	PathLatency       uint64  `yaml:"path_latency"`     // Ticks before a requested route resolves
	PathStep          float64 `yaml:"path_step"`
}

// MemoryConfig holds thought list parameters.
type MemoryConfig struct {
	MaxThoughts     int    `yaml:"max_thoughts"`
	ThoughtDuration uint32 `yaml:"thought_duration"` // Default ticks a thought lasts
}

// AggregationConfig holds statistical aggregator parameters.
type AggregationConfig struct {
	DistrictSize     float64 `yaml:"district_size"`
	ReaggregateEvery uint64  `yaml:"reaggregate_every"`
	AdvanceEvery     uint64  `yaml:"advance_every"`
	SampleSpread     float64 `yaml:"sample_spread"`
	MoodJitter       float64 `yaml:"mood_jitter"`
	DriftRate        float64 `yaml:"drift_rate"`
	PressureRate     float64 `yaml:"pressure_rate"`
	DistrictNoise    float64 `yaml:"district_noise"`
}

// TransitionConfig holds transition parameters.
type TransitionConfig struct {
	MoodEpsilon float64 `yaml:"mood_epsilon"`
	Segments    int     `yaml:"segments"` // Waypoints laid for a promoted agent's commute
}

// LifecycleConfig holds birth, death and migration rates. Rates are per
// inhabitant per simulated day.
type LifecycleConfig struct {
	Every         uint64  `yaml:"every"`
	BirthRate     float64 `yaml:"birth_rate"`
	DeathRate     float64 `yaml:"death_rate"`
	ImmigrantRate float64 `yaml:"immigrant_rate"`
	EmigrationMax float64 `yaml:"emigration_max"` // Daily emigration at full pressure
	MaxAgents     int     `yaml:"max_agents"`     // Materialized capacity
	Materialize   int     `yaml:"materialize"`    // Max virtual inhabitants materialized per pass
}

// PersistenceConfig holds save parameters.
type PersistenceConfig struct {
	DBPath        string `yaml:"db_path"`
	SnapshotDir   string `yaml:"snapshot_dir"`
	AutosaveEvery uint64 `yaml:"autosave_every"` // Ticks, 0 disables
	KeepSnapshots int    `yaml:"keep_snapshots"` // Snapshot files retained, 0 keeps all
}

// TelemetryConfig holds telemetry parameters.
type TelemetryConfig struct {
	Dir         string `yaml:"dir"` // Empty disables CSV output
	WindowTicks uint64 `yaml:"window_ticks"`
	PerfWindow  int    `yaml:"perf_window"`
}

// APIConfig holds HTTP server parameters.
type APIConfig struct {
	Addr        string  `yaml:"addr"` // Empty disables the server
	AdminToken  string  `yaml:"admin_token"`
	RateLimit   float64 `yaml:"rate_limit"` // Requests per second per client
	RateBurst   int     `yaml:"rate_burst"`
	StreamEvery uint64  `yaml:"stream_every"` // Ticks between websocket frames
}

// CityConfig holds generation parameters for a new city.
type CityConfig struct {
	Name          string  `yaml:"name"`
	Seed          int64   `yaml:"seed"`
	Agents        int     `yaml:"agents"`         // Initial materialized inhabitants
	ReportedTotal int64   `yaml:"reported_total"` // Initial reported population
	Places        int     `yaml:"places"`         // Homes plus workplaces
	NoiseScale    float64 `yaml:"noise_scale"`
	Districts     int     `yaml:"districts"` // Business district centers
	CameraRadius  float64 `yaml:"camera_radius"`
}

// DerivedConfig holds computed values derived from the loaded config.
type DerivedConfig struct {
	MaxGroups   int     // Aggregation districts × income classes × education levels
	DaysPerTick float64 // 1 / TicksPerDay
}

// Load loads configuration from a YAML file, merging with embedded defaults.
// If path is empty, only embedded defaults are used.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(defaultsYAML, cfg); err != nil {
		return nil, fmt.Errorf("parsing embedded defaults: %w", err)
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		// Only overwrites fields present in the file.
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.ComputeDerived()
	return cfg, nil
}

// Default returns the embedded defaults.
func Default() *Config {
	cfg, err := Load("")
	if err != nil {
		panic(fmt.Sprintf("config: embedded defaults invalid: %v", err))
	}
	return cfg
}

func (c *Config) validate() error {
	var errs []error
	if c.World.Width <= 0 || c.World.Height <= 0 {
		errs = append(errs, fmt.Errorf("world size must be positive, got %vx%v", c.World.Width, c.World.Height))
	}
	if c.World.TicksPerDay == 0 {
		errs = append(errs, errors.New("world.ticks_per_day must be positive"))
	}
	if c.Spatial.CellSize <= 0 {
		errs = append(errs, errors.New("spatial.cell_size must be positive"))
	}
	if c.Tiers.Near <= 0 || c.Tiers.Far < c.Tiers.Near {
		errs = append(errs, fmt.Errorf("tiers need 0 < near <= far, got near=%v far=%v", c.Tiers.Near, c.Tiers.Far))
	}
	if c.Tiers.Hysteresis < 0 || c.Tiers.Hysteresis >= 1 {
		errs = append(errs, fmt.Errorf("tiers.hysteresis must be in [0,1), got %v", c.Tiers.Hysteresis))
	}
	if c.Aggregation.DistrictSize <= 0 {
		errs = append(errs, errors.New("aggregation.district_size must be positive"))
	}
	if c.Transition.MoodEpsilon <= 0 {
		errs = append(errs, errors.New("transition.mood_epsilon must be positive"))
	}
	if c.Memory.MaxThoughts <= 0 {
		errs = append(errs, errors.New("memory.max_thoughts must be positive"))
	}
	return errors.Join(errs...)
}

// ComputeDerived recalculates values derived from the loaded config. Call it
// again after changing fields in code.
func (c *Config) ComputeDerived() {
	cols := int(c.World.Width/c.Aggregation.DistrictSize) + 1
	rows := int(c.World.Height/c.Aggregation.DistrictSize) + 1
	c.Derived.MaxGroups = cols * rows * 9
	c.Derived.DaysPerTick = 1 / float64(c.World.TicksPerDay)
}

// WriteYAML writes the configuration to a YAML file.
func (c *Config) WriteYAML(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}
