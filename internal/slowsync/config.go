// Package slowsync implements the rate-limited background scheduler that
// works through the whole fleet's historical data in small batches, only
// inside the configured night window, with TimescaleDB health checks
// between batches.
package slowsync

import (
	"fmt"
	"time"
)

// Config controls batch sizing and pacing. It is persisted in the
// key-value store so the admin surface and the daemon see the same values.
type Config struct {
	Preset           string `json:"preset"`
	VehiclesPerBatch int    `json:"vehicles_per_batch"`
	// WorkersPerBatch is recorded for the admin surface only. Batch
	// concurrency comes from the backfill pool's own worker setting.
	WorkersPerBatch   int    `json:"workers_per_batch"`
	BatchDelayMinutes int    `json:"batch_delay_minutes"`
	// Night window hours [start, end), wrapping midnight when start > end.
	NightStartHour  int `json:"night_start_hour"`
	NightEndHour    int `json:"night_end_hour"`
	MaxDailyBatches int `json:"max_daily_batches"`
	SyncDaysBack    int `json:"sync_days_back"`
	// Maintenance cadence, in completed batches.
	CompressEveryBatches int `json:"compress_every_batches"`
	VacuumEveryBatches   int `json:"vacuum_every_batches"`
	// ForceProcess ignores the night window. Meant for supervised runs.
	ForceProcess bool `json:"force_process"`
}

// Preset names.
const (
	PresetFast         = "fast"
	PresetBalanced     = "balanced"
	PresetConservative = "conservative"
	PresetCustom       = "custom"
)

// PresetConfig returns the named preset.
func PresetConfig(name string) (Config, error) {
	base := Config{
		Preset:               name,
		NightStartHour:       22,
		NightEndHour:         6,
		SyncDaysBack:         30,
		CompressEveryBatches: 5,
		VacuumEveryBatches:   20,
	}
	switch name {
	case PresetFast:
		base.VehiclesPerBatch = 20
		base.WorkersPerBatch = 4
		base.BatchDelayMinutes = 15
		base.MaxDailyBatches = 20
	case PresetBalanced:
		base.VehiclesPerBatch = 10
		base.WorkersPerBatch = 2
		base.BatchDelayMinutes = 30
		base.MaxDailyBatches = 12
	case PresetConservative:
		base.VehiclesPerBatch = 5
		base.WorkersPerBatch = 1
		base.BatchDelayMinutes = 60
		base.MaxDailyBatches = 6
	default:
		return Config{}, fmt.Errorf("slowsync: unknown preset %q", name)
	}
	return base, nil
}

// Validate checks field ranges. Custom configs go through here before they
// are accepted.
func (c Config) Validate() error {
	if c.VehiclesPerBatch < 1 {
		return fmt.Errorf("slowsync: vehicles_per_batch must be positive")
	}
	if c.WorkersPerBatch < 1 {
		return fmt.Errorf("slowsync: workers_per_batch must be positive")
	}
	if c.BatchDelayMinutes < 1 {
		return fmt.Errorf("slowsync: batch_delay_minutes must be positive")
	}
	if c.NightStartHour < 0 || c.NightStartHour > 23 || c.NightEndHour < 0 || c.NightEndHour > 23 {
		return fmt.Errorf("slowsync: night window hours must be in [0, 23]")
	}
	if c.MaxDailyBatches < 1 {
		return fmt.Errorf("slowsync: max_daily_batches must be positive")
	}
	if c.SyncDaysBack < 1 {
		return fmt.Errorf("slowsync: sync_days_back must be positive")
	}
	return nil
}

// InNightWindow reports whether t falls inside [NightStartHour,
// NightEndHour), wrapping midnight when the window does.
func (c Config) InNightWindow(t time.Time) bool {
	h := t.Hour()
	if c.NightStartHour == c.NightEndHour {
		// Degenerate window covers the whole day.
		return true
	}
	if c.NightStartHour < c.NightEndHour {
		return h >= c.NightStartHour && h < c.NightEndHour
	}
	return h >= c.NightStartHour || h < c.NightEndHour
}

// BatchDelay returns the inter-batch delay as a duration.
func (c Config) BatchDelay() time.Duration {
	return time.Duration(c.BatchDelayMinutes) * time.Minute
}
