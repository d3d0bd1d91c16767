// Package config holds the enumerated configuration surface of the drift
// core. Embedders construct a Config directly or load one from the process
// environment; nothing else in the core reads environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
)

// Config enumerates every knob the core recognizes. Numeric zero values are
// replaced by defaults in Validate, so `config.Config{ProjectRoot: root}` is a
// valid starting point; the boolean knobs keep their zero value (false).
type Config struct {
	// ProjectRoot is the directory being analyzed. Required.
	ProjectRoot string
	// WorkspaceLock serializes writers for the same root via a lock file.
	WorkspaceLock bool
	// BatchSize is the number of file extracts committed per transaction.
	BatchSize uint32
	// ResolverEnableFuzzy gates the name-similarity resolution tier.
	ResolverEnableFuzzy bool
	// SnapshotIntervalEvents is the event count between automatic snapshots.
	SnapshotIntervalEvents uint32
	// RetentionKOlderEvents is how many pre-snapshot events compaction keeps.
	RetentionKOlderEvents uint32
	// SyncDampeningFactor is the per-hop multiplier applied to corrections.
	SyncDampeningFactor float32
	// SyncDampeningCutoff stops propagation once strength falls below it.
	SyncDampeningCutoff float32
}

// Defaults returns a Config with every knob at its documented default.
func Defaults() Config {
	return Config{
		WorkspaceLock:          true,
		BatchSize:              100,
		ResolverEnableFuzzy:    true,
		SnapshotIntervalEvents: 50,
		RetentionKOlderEvents:  100,
		SyncDampeningFactor:    0.7,
		SyncDampeningCutoff:    0.05,
	}
}

// Load builds a Config for |root| from defaults, an optional `.env` file in
// the root, and DRIFT_* environment overrides, in that order.
func Load(root string) (Config, error) {
	// A missing .env is not an error; a malformed one is.
	if err := godotenv.Load(filepath.Join(root, ".env")); err != nil && !os.IsNotExist(err) {
		return Config{}, fmt.Errorf("loading .env: %w", err)
	}

	var c = Defaults()
	c.ProjectRoot = root

	var err error
	if err = envBool("DRIFT_WORKSPACE_LOCK", &c.WorkspaceLock); err != nil {
		return Config{}, err
	}
	if err = envUint32("DRIFT_BATCH_SIZE", &c.BatchSize); err != nil {
		return Config{}, err
	}
	if err = envBool("DRIFT_RESOLVER_ENABLE_FUZZY", &c.ResolverEnableFuzzy); err != nil {
		return Config{}, err
	}
	if err = envUint32("DRIFT_TEMPORAL_SNAPSHOT_INTERVAL_EVENTS", &c.SnapshotIntervalEvents); err != nil {
		return Config{}, err
	}
	if err = envUint32("DRIFT_TEMPORAL_RETENTION_K_OLDER_EVENTS", &c.RetentionKOlderEvents); err != nil {
		return Config{}, err
	}
	if err = envFloat32("DRIFT_SYNC_DAMPENING_FACTOR", &c.SyncDampeningFactor); err != nil {
		return Config{}, err
	}
	if err = envFloat32("DRIFT_SYNC_DAMPENING_CUTOFF", &c.SyncDampeningCutoff); err != nil {
		return Config{}, err
	}
	return c, c.Validate()
}

// Validate fills defaulted zero values and rejects nonsense combinations.
func (c *Config) Validate() error {
	if c.ProjectRoot == "" {
		return fmt.Errorf("config: project root is required")
	}
	if c.BatchSize == 0 {
		c.BatchSize = 100
	}
	if c.SnapshotIntervalEvents == 0 {
		c.SnapshotIntervalEvents = 50
	}
	if c.RetentionKOlderEvents == 0 {
		c.RetentionKOlderEvents = 100
	}
	if c.SyncDampeningFactor == 0 {
		c.SyncDampeningFactor = 0.7
	}
	if c.SyncDampeningCutoff == 0 {
		c.SyncDampeningCutoff = 0.05
	}
	if c.SyncDampeningFactor <= 0 || c.SyncDampeningFactor >= 1 {
		return fmt.Errorf("config: sync.dampening_factor %v is not in (0, 1)", c.SyncDampeningFactor)
	}
	return nil
}

// StorePath is the default store location beneath the project root.
func (c Config) StorePath() string {
	return filepath.Join(c.ProjectRoot, ".drift", "drift.db")
}

func envBool(key string, out *bool) error {
	if v, ok := os.LookupEnv(key); ok {
		var b, err = strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("parsing %s=%q: %w", key, v, err)
		}
		*out = b
	}
	return nil
}

func envUint32(key string, out *uint32) error {
	if v, ok := os.LookupEnv(key); ok {
		var n, err = strconv.ParseUint(v, 10, 32)
		if err != nil {
			return fmt.Errorf("parsing %s=%q: %w", key, v, err)
		}
		*out = uint32(n)
	}
	return nil
}

func envFloat32(key string, out *float32) error {
	if v, ok := os.LookupEnv(key); ok {
		var f, err = strconv.ParseFloat(v, 32)
		if err != nil {
			return fmt.Errorf("parsing %s=%q: %w", key, v, err)
		}
		*out = float32(f)
	}
	return nil
}
