// ============================================================================
// Wheel-Sorter Configuration
// ============================================================================
//
// Package: internal/config
// File: config.go
// Purpose: Load, override and validate the sorter configuration
//
// Sources, later wins:
//   1. Built-in defaults (Default)
//   2. YAML file (configs/default.yaml)
//   3. Environment, optionally seeded from .env files:
//        SORTER_SAFETY_FACTOR        assignment.safety_factor
//        SORTER_DIVERTER_VENDOR      diverters.vendor
//        SORTER_UPSTREAM_TRANSPORT   upstream.transport
//        SORTER_UPSTREAM_TARGET      upstream.target
//        SORTER_JOURNAL_PATH         journal.path
//        SORTER_SNAPSHOT_PATH        snapshot.path
//        SORTER_KAFKA_BROKERS        kafka.brokers (comma separated, enables kafka)
//        SORTER_KAFKA_TOPIC          kafka.topic
//        SORTER_HTTP_ADDR            http.addr
//        SORTER_SENSOR_SOURCE        sensor.source
//        SORTER_LOG_LEVEL            log.level
//
// Validation:
//   Every problem is collected into one *ValidationError so an operator
//   fixes the whole file in one pass. A rejected file never replaces the
//   running configuration (see Store).
//
// ============================================================================

package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/wheel-sorter/internal/diverter"
	"github.com/ChuLiYu/wheel-sorter/internal/events"
	"github.com/ChuLiYu/wheel-sorter/internal/overload"
	"github.com/ChuLiYu/wheel-sorter/internal/sensor"
	"github.com/ChuLiYu/wheel-sorter/internal/throttle"
	"github.com/ChuLiYu/wheel-sorter/internal/topology"
	"github.com/ChuLiYu/wheel-sorter/internal/tracker"
	"github.com/ChuLiYu/wheel-sorter/internal/upstream"
)

// ============================================================================
// Error definitions
// ============================================================================

var (
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrReadConfig    = errors.New("cannot read configuration")

	// ErrIncompatibleConfig marks a valid configuration the running
	// hardware cannot adopt without a restart.
	ErrIncompatibleConfig = errors.New("configuration incompatible with running line")
)

// ValidationError aggregates every configuration problem.
type ValidationError struct {
	Source string
	Err    error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("configuration %s rejected (%d problems): %v", e.Source, len(multierr.Errors(e.Err)), e.Err)
}

func (e *ValidationError) Unwrap() []error { return []error{ErrInvalidConfig, e.Err} }

// Problems lists the individual failures.
func (e *ValidationError) Problems() []error { return multierr.Errors(e.Err) }

// ============================================================================
// Configuration sections
// ============================================================================

// Sensor sources.
const (
	SensorSimulator = "simulator"
	SensorExternal  = "external"
)

// Upstream transports.
const (
	TransportSimulator = "simulator"
	TransportGRPC      = "grpc"
	TransportWebSocket = "websocket"
)

// AssignmentConfig governs the single upstream request per parcel.
type AssignmentConfig struct {
	// SafetyFactor scales the entry-to-first-diverter transit time into the
	// assignment deadline. Must lie in [0.1, 1.0).
	SafetyFactor    float64       `yaml:"safety_factor"`
	FallbackTimeout time.Duration `yaml:"fallback_timeout"`
	// TerminalTTL is how long a terminal disposition is remembered.
	TerminalTTL time.Duration `yaml:"terminal_ttl"`
}

// DiverterConfig selects the vendor driver and tunes actuation.
type DiverterConfig struct {
	Vendor      string                     `yaml:"vendor"`
	Options     map[string]string          `yaml:"options"`
	Coordinator diverter.CoordinatorConfig `yaml:"coordinator"`
	Health      diverter.HealthConfig      `yaml:"health"`
}

// UpstreamConfig selects how chute assignments are obtained.
type UpstreamConfig struct {
	Transport string                   `yaml:"transport"`
	Target    string                   `yaml:"target"`
	Simulator upstream.SimulatorConfig `yaml:"simulator"`
}

// JournalConfig locates and tunes the parcel journal.
type JournalConfig struct {
	Path          string        `yaml:"path"`
	BufferSize    int           `yaml:"buffer_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// SnapshotConfig locates the last-good configuration snapshot.
type SnapshotConfig struct {
	Path        string `yaml:"path"`
	KeepBackups int    `yaml:"keep_backups"`
}

// KafkaConfig enables lifecycle publishing.
type KafkaConfig struct {
	Enabled            bool `yaml:"enabled"`
	events.KafkaConfig `yaml:",inline"`
}

// HTTPConfig configures the operations endpoint.
type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// SensorConfig selects where photo-eye triggers come from. External
// triggers arrive through the ops endpoint.
type SensorConfig struct {
	Source    string                 `yaml:"source"`
	Buffer    int                    `yaml:"buffer"`
	Simulator sensor.SimulatorConfig `yaml:"simulator"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level string `yaml:"level"`
}

// Config is the complete sorter configuration.
type Config struct {
	Topology   topology.Topology `yaml:"topology"`
	Assignment AssignmentConfig  `yaml:"assignment"`
	Throttle   throttle.Policy   `yaml:"throttle"`
	Overload   overload.Policy   `yaml:"overload"`
	Tracker    tracker.Config    `yaml:"tracker"`
	Diverters  DiverterConfig    `yaml:"diverters"`
	Upstream   UpstreamConfig    `yaml:"upstream"`
	Journal    JournalConfig     `yaml:"journal"`
	Snapshot   SnapshotConfig    `yaml:"snapshot"`
	Kafka      KafkaConfig       `yaml:"kafka"`
	HTTP       HTTPConfig        `yaml:"http"`
	Sensor     SensorConfig      `yaml:"sensor"`
	Log        LogConfig         `yaml:"log"`
}

// Default returns every section at its default. The topology is empty and
// must come from the file.
func Default() *Config {
	return &Config{
		Assignment: AssignmentConfig{
			SafetyFactor:    0.9,
			FallbackTimeout: topology.DefaultFallbackTimeout,
			TerminalTTL:     5 * time.Minute,
		},
		Throttle: throttle.DefaultPolicy(),
		Overload: overload.DefaultPolicy(),
		Tracker:  tracker.DefaultConfig(),
		Diverters: DiverterConfig{
			Vendor: "simulated",
			Coordinator: diverter.CoordinatorConfig{
				QueueSize:      64,
				CommandTimeout: 200 * time.Millisecond,
			},
			Health: diverter.DefaultHealthConfig(),
		},
		Upstream: UpstreamConfig{
			Transport: TransportSimulator,
			Simulator: upstream.SimulatorConfig{Strategy: upstream.StrategyRoundRobin},
		},
		Journal: JournalConfig{
			Path:          "data/parcels.journal",
			BufferSize:    256,
			FlushInterval: 200 * time.Millisecond,
		},
		Snapshot: SnapshotConfig{
			Path:        "data/config.snapshot.json",
			KeepBackups: 3,
		},
		Kafka: KafkaConfig{
			KafkaConfig: events.KafkaConfig{Topic: "sorter.parcel-lifecycle"},
		},
		HTTP: HTTPConfig{Addr: ":8080"},
		Sensor: SensorConfig{
			Source:    SensorExternal,
			Buffer:    1024,
			Simulator: sensor.DefaultSimulatorConfig(),
		},
		Log:  LogConfig{Level: "info"},
	}
}

// ============================================================================
// Loading
// ============================================================================

// Load reads path, applies environment overrides and validates the result.
//
// Returns:
//   - *Config: the validated configuration
//   - []byte: the raw file, for snapshotting
//   - error: ErrReadConfig or a *ValidationError
func Load(path string) (*Config, []byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %s: %v", ErrReadConfig, path, err)
	}
	cfg, err := Parse(path, raw)
	if err != nil {
		return nil, raw, err
	}
	return cfg, raw, nil
}

// Parse decodes a YAML document on top of the defaults, applies the
// environment and validates.
func Parse(source string, raw []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, &ValidationError{Source: source, Err: fmt.Errorf("yaml: %w", err)}
	}
	if err := ApplyEnv(cfg, os.LookupEnv); err != nil {
		return nil, &ValidationError{Source: source, Err: err}
	}
	if err := cfg.Validate(); err != nil {
		return nil, &ValidationError{Source: source, Err: err}
	}
	return cfg, nil
}

// LoadDotEnv seeds the process environment from .env files. Variables
// already set are kept. Missing files are ignored.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	var existing []string
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			existing = append(existing, f)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	return godotenv.Load(existing...)
}

// ApplyEnv overrides cfg from SORTER_* variables found by lookup.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	var errs error
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}

	if v, ok := lookup("SORTER_SAFETY_FACTOR"); ok && v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("SORTER_SAFETY_FACTOR: %w", err))
		} else {
			cfg.Assignment.SafetyFactor = f
		}
	}
	str("SORTER_DIVERTER_VENDOR", &cfg.Diverters.Vendor)
	str("SORTER_UPSTREAM_TRANSPORT", &cfg.Upstream.Transport)
	str("SORTER_UPSTREAM_TARGET", &cfg.Upstream.Target)
	str("SORTER_JOURNAL_PATH", &cfg.Journal.Path)
	str("SORTER_SNAPSHOT_PATH", &cfg.Snapshot.Path)
	str("SORTER_KAFKA_TOPIC", &cfg.Kafka.Topic)
	str("SORTER_HTTP_ADDR", &cfg.HTTP.Addr)
	str("SORTER_LOG_LEVEL", &cfg.Log.Level)
	str("SORTER_SENSOR_SOURCE", &cfg.Sensor.Source)
	if v, ok := lookup("SORTER_KAFKA_BROKERS"); ok && v != "" {
		cfg.Kafka.Brokers = nil
		for _, b := range strings.Split(v, ",") {
			if b = strings.TrimSpace(b); b != "" {
				cfg.Kafka.Brokers = append(cfg.Kafka.Brokers, b)
			}
		}
		cfg.Kafka.Enabled = len(cfg.Kafka.Brokers) > 0
	}
	return errs
}

// ============================================================================
// Validation
// ============================================================================

// Validate checks every section.
func (c *Config) Validate() error {
	var errs error

	if err := topology.Validate(c.Topology); err != nil {
		var ve *topology.ValidationError
		if errors.As(err, &ve) {
			errs = multierr.Append(errs, ve.Err)
		} else {
			errs = multierr.Append(errs, err)
		}
	}

	sf := c.Assignment.SafetyFactor
	if sf < topology.MinSafetyFactor || sf >= topology.MaxSafetyFactor {
		errs = multierr.Append(errs, fmt.Errorf("assignment.safety_factor %.2f must be in [%.1f, %.1f)",
			sf, topology.MinSafetyFactor, topology.MaxSafetyFactor))
	}
	if c.Assignment.FallbackTimeout <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("assignment.fallback_timeout must be positive"))
	}
	if c.Assignment.TerminalTTL <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("assignment.terminal_ttl must be positive"))
	}

	errs = multierr.Append(errs, c.Throttle.Validate())
	errs = multierr.Append(errs, c.Overload.Validate())

	if c.Tracker.WindowSize <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("tracker.window_size must be positive"))
	}
	if c.Tracker.ToleranceFactor < 1 {
		errs = multierr.Append(errs, fmt.Errorf("tracker.tolerance_factor must be at least 1"))
	}

	if c.Diverters.Vendor == "" {
		errs = multierr.Append(errs, fmt.Errorf("diverters.vendor is required"))
	}
	if c.Diverters.Coordinator.CommandTimeout < 0 {
		errs = multierr.Append(errs, fmt.Errorf("diverters.coordinator.command_timeout must not be negative"))
	}

	switch c.Upstream.Transport {
	case TransportSimulator:
	case TransportGRPC, TransportWebSocket:
		if c.Upstream.Target == "" {
			errs = multierr.Append(errs, fmt.Errorf("upstream.target is required for transport %q", c.Upstream.Transport))
		}
	default:
		errs = multierr.Append(errs, fmt.Errorf("upstream.transport %q is not one of simulator, grpc, websocket", c.Upstream.Transport))
	}

	switch c.Sensor.Source {
	case SensorExternal:
	case SensorSimulator:
		if c.Sensor.Simulator.Interval <= 0 {
			errs = multierr.Append(errs, fmt.Errorf("sensor.simulator.interval must be positive"))
		}
		if r := c.Sensor.Simulator.LossRate; r < 0 || r > 1 {
			errs = multierr.Append(errs, fmt.Errorf("sensor.simulator.loss_rate %.2f not in [0,1]", r))
		}
	default:
		errs = multierr.Append(errs, fmt.Errorf("sensor.source %q is not one of external, simulator", c.Sensor.Source))
	}

	if c.Journal.Path == "" {
		errs = multierr.Append(errs, fmt.Errorf("journal.path is required"))
	}
	if c.Kafka.Enabled && (len(c.Kafka.Brokers) == 0 || c.Kafka.Topic == "") {
		errs = multierr.Append(errs, fmt.Errorf("kafka requires brokers and topic when enabled"))
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		errs = multierr.Append(errs, err)
	}
	return errs
}
