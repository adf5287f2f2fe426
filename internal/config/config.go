// Package config loads dispatcher configuration from the environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/kelseyhightower/envconfig"
	"github.com/rs/zerolog/log"
)

// StoreDriver selects the task store backend.
type StoreDriver string

const (
	DriverPostgres StoreDriver = "postgres"
	DriverSQLite   StoreDriver = "sqlite"
)

// Config holds the dispatcher's runtime configuration. Environment
// variables are parsed with the DISPATCH prefix, e.g. DISPATCH_QUEUE_SIZE.
type Config struct {
	// Intake queue (spec §4.2, §6)
	QueueSize int `envconfig:"QUEUE_SIZE" default:"1000"`

	// Worker pool (spec §6)
	MaxWorkers int `envconfig:"MAX_WORKERS" default:"0"` // 0 => runtime.NumCPU()

	// Task store (spec §6)
	StoreDriver     StoreDriver `envconfig:"STORE_DRIVER" default:"sqlite"`
	StoreConnString string      `envconfig:"STORE_CONNECTION_STRING" default:""`
	TempStoreDir    string      `envconfig:"TEMP_STORE_DIR" default:""`

	// Worker child process (spec §6)
	ParserConfigPath string `envconfig:"PARSER_CONFIG_PATH" default:""`
	WorkerBinaryPath string `envconfig:"WORKER_BINARY_PATH" default:""`

	// Batched emitter (spec §6, §4.7)
	EmitWithinMs int   `envconfig:"EMIT_WITHIN_MS" default:"1000"`
	EmitMaxBytes int64 `envconfig:"EMIT_MAX_BYTES" default:"10000000"`

	// Retry / restart ceilings (spec §6, §4.5 — left open by the source)
	MaxRetries        int `envconfig:"MAX_RETRIES" default:"8"`
	MaxWorkerRestarts int `envconfig:"MAX_WORKER_RESTARTS" default:"0"` // 0 = unbounded

	// Default per-tuple exception policy when a producer does not set one (spec §6)
	DefaultOnParseException string `envconfig:"DEFAULT_ON_PARSE_EXCEPTION" default:"SKIP"`

	// Ambient diagnostics surface (SPEC_FULL §2.5); empty disables it.
	HealthAddr string `envconfig:"HEALTH_ADDR" default:""`

	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
}

// ResolveDefaults derives StoreConnString/TempStoreDir when the sqlite
// driver is selected and none was supplied, and validates StoreDriver.
func (c *Config) ResolveDefaults() error {
	switch c.StoreDriver {
	case DriverPostgres:
		if c.StoreConnString == "" {
			return fmt.Errorf("STORE_CONNECTION_STRING is required for postgres driver")
		}
	case DriverSQLite:
		if c.TempStoreDir == "" {
			// Mint a unique scratch directory rather than a fixed path so
			// two concurrent default-config processes never share a
			// sqlite file.
			c.TempStoreDir = filepath.Join(os.TempDir(), "docdispatch-"+uuid.NewString())
		}
		if c.StoreConnString == "" {
			c.StoreConnString = filepath.Join(c.TempStoreDir, "dispatch.db")
		}
	default:
		return fmt.Errorf("unsupported STORE_DRIVER: %s", c.StoreDriver)
	}
	if c.QueueSize <= 0 {
		return fmt.Errorf("QUEUE_SIZE must be positive")
	}
	return nil
}

// New loads Config from the environment and resolves defaults.
func New() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("DISPATCH", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment variables: %w", err)
	}
	if err := cfg.ResolveDefaults(); err != nil {
		return nil, err
	}

	log.Info().
		Str("store_driver", string(cfg.StoreDriver)).
		Int("queue_size", cfg.QueueSize).
		Int("max_workers", cfg.MaxWorkers).
		Int64("emit_max_bytes", cfg.EmitMaxBytes).
		Int("emit_within_ms", cfg.EmitWithinMs).
		Msg("configuration loaded")

	return &cfg, nil
}

// NewForTesting returns a Config suitable for unit tests: in-memory
// sized queue, sqlite driver pointed at a scratch directory.
func NewForTesting() *Config {
	return &Config{
		QueueSize:    100,
		MaxWorkers:   2,
		StoreDriver:  DriverSQLite,
		TempStoreDir: "",
		EmitWithinMs: 1000,
		EmitMaxBytes: 10_000_000,
		MaxRetries:   8,
		LogLevel:     "info",
	}
}
