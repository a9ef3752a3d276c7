// Package config provides YAML-based configuration loading for the GPS pipeline.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the top-level pipeline configuration, loaded from gpspipe.yaml.
type Config struct {
	StateDB   StateDBConfig   `yaml:"state_db"`
	Timescale TimescaleConfig `yaml:"timescale"`
	Ingest    IngestConfig    `yaml:"ingest"`
	Drain     DrainConfig     `yaml:"drain"`
	Backfill  BackfillConfig  `yaml:"backfill"`
	Legacy    LegacyConfig    `yaml:"legacy"`
	API       APIConfig       `yaml:"api"`
	Notify    NotifyConfig    `yaml:"notify"`
}

// StateDBConfig holds connection settings for the MySQL state store. The
// state store carries the raw-position buffer, job history, and the
// key-value namespace used by the slow-sync scheduler.
type StateDBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
}

// TimescaleConfig holds the TimescaleDB connection string for the
// time-series store.
type TimescaleConfig struct {
	URL string `yaml:"url"`
}

// IngestConfig controls the GPS batch ingestion endpoint.
type IngestConfig struct {
	APIKey       string  `yaml:"api_key"`
	MaxBatchSize int     `yaml:"max_batch_size"`
	RatePerSec   float64 `yaml:"rate_per_sec"`
	RateBurst    int     `yaml:"rate_burst"`
}

// DrainConfig controls the buffer processor.
type DrainConfig struct {
	IntervalSeconds         int `yaml:"interval_seconds"`
	BatchSize               int `yaml:"batch_size"`
	RetryLimit              int `yaml:"retry_limit"`
	WorkerGroups            int `yaml:"worker_groups"`
	CleanupProcessedMinutes int `yaml:"cleanup_processed_minutes"`
	CleanupFailedHours      int `yaml:"cleanup_failed_hours"`
	StuckThresholdMinutes   int `yaml:"stuck_threshold_minutes"`
}

// BackfillConfig controls the historical-sync worker pool.
type BackfillConfig struct {
	MaxWorkers           int `yaml:"max_workers"`
	WorkerTimeoutMinutes int `yaml:"worker_timeout_minutes"`
}

// LegacyConfig holds transport settings for the legacy GPS server. Database
// credentials live in the legacy_databases table, not here.
type LegacyConfig struct {
	SSHKeyPath string `yaml:"ssh_key_path"`
	SSHUser    string `yaml:"ssh_user"`
}

// APIConfig holds settings for the administrative HTTP surface.
type APIConfig struct {
	Port int `yaml:"port"`
}

// NotifyConfig holds optional Slack notification settings for scheduler
// terminal transitions. Both fields empty disables notifications.
type NotifyConfig struct {
	SlackToken   string `yaml:"slack_token"`
	SlackChannel string `yaml:"slack_channel"`
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.StateDB.Host == "" {
		c.StateDB.Host = "127.0.0.1"
	}
	if c.StateDB.Port == 0 {
		c.StateDB.Port = 3306
	}
	if c.StateDB.User == "" {
		c.StateDB.User = "root"
	}
	if c.Ingest.MaxBatchSize == 0 {
		c.Ingest.MaxBatchSize = 500
	}
	if c.Ingest.RatePerSec == 0 {
		c.Ingest.RatePerSec = 50
	}
	if c.Ingest.RateBurst == 0 {
		c.Ingest.RateBurst = 100
	}
	if c.Drain.IntervalSeconds == 0 {
		c.Drain.IntervalSeconds = 30
	}
	if c.Drain.BatchSize == 0 {
		c.Drain.BatchSize = 1000
	}
	if c.Drain.RetryLimit == 0 {
		c.Drain.RetryLimit = 3
	}
	if c.Drain.WorkerGroups == 0 {
		c.Drain.WorkerGroups = 8
	}
	if c.Drain.CleanupProcessedMinutes == 0 {
		c.Drain.CleanupProcessedMinutes = 5
	}
	if c.Drain.CleanupFailedHours == 0 {
		c.Drain.CleanupFailedHours = 2
	}
	if c.Drain.StuckThresholdMinutes == 0 {
		c.Drain.StuckThresholdMinutes = 10
	}
	if c.Backfill.MaxWorkers == 0 {
		c.Backfill.MaxWorkers = 3
	}
	if c.Backfill.WorkerTimeoutMinutes == 0 {
		c.Backfill.WorkerTimeoutMinutes = 10
	}
	if c.Legacy.SSHUser == "" {
		c.Legacy.SSHUser = "root"
	}
	if c.API.Port == 0 {
		c.API.Port = 8080
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	if c.StateDB.Database == "" {
		errs = append(errs, "state_db.database is required")
	}
	if c.Timescale.URL == "" {
		errs = append(errs, "timescale.url is required")
	}
	if c.Ingest.APIKey == "" {
		errs = append(errs, "ingest.api_key is required")
	}
	if c.Ingest.MaxBatchSize < 1 {
		errs = append(errs, "ingest.max_batch_size must be positive")
	}
	if c.Backfill.MaxWorkers < 1 {
		errs = append(errs, "backfill.max_workers must be positive")
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
