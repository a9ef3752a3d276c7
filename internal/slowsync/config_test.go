package slowsync

import (
	"testing"
	"time"
)

func TestPresetConfig(t *testing.T) {
	for _, name := range []string{PresetFast, PresetBalanced, PresetConservative} {
		cfg, err := PresetConfig(name)
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if err := cfg.Validate(); err != nil {
			t.Errorf("%s preset does not validate: %v", name, err)
		}
		if cfg.Preset != name {
			t.Errorf("%s: preset field = %q", name, cfg.Preset)
		}
	}

	fast, _ := PresetConfig(PresetFast)
	conservative, _ := PresetConfig(PresetConservative)
	if fast.VehiclesPerBatch <= conservative.VehiclesPerBatch {
		t.Error("fast preset should batch more vehicles than conservative")
	}
	if fast.BatchDelayMinutes >= conservative.BatchDelayMinutes {
		t.Error("fast preset should wait less between batches")
	}

	if _, err := PresetConfig("turbo"); err == nil {
		t.Error("expected error for unknown preset")
	}
}

func TestConfigValidate(t *testing.T) {
	valid, _ := PresetConfig(PresetBalanced)

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero vehicles per batch", func(c *Config) { c.VehiclesPerBatch = 0 }},
		{"zero workers", func(c *Config) { c.WorkersPerBatch = 0 }},
		{"zero delay", func(c *Config) { c.BatchDelayMinutes = 0 }},
		{"bad night hour", func(c *Config) { c.NightStartHour = 24 }},
		{"zero daily batches", func(c *Config) { c.MaxDailyBatches = 0 }},
		{"zero days back", func(c *Config) { c.SyncDaysBack = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestInNightWindowWrapsMidnight(t *testing.T) {
	cfg := Config{NightStartHour: 22, NightEndHour: 6}

	at := func(h int) time.Time {
		return time.Date(2026, 8, 1, h, 30, 0, 0, time.UTC)
	}
	cases := []struct {
		hour int
		want bool
	}{
		{21, false},
		{22, true},
		{23, true},
		{0, true},
		{3, true},
		{5, true},
		{6, false},
		{12, false},
	}
	for _, tc := range cases {
		if got := cfg.InNightWindow(at(tc.hour)); got != tc.want {
			t.Errorf("hour %d: in window = %v, want %v", tc.hour, got, tc.want)
		}
	}
}

func TestInNightWindowNonWrapping(t *testing.T) {
	cfg := Config{NightStartHour: 1, NightEndHour: 5}
	if cfg.InNightWindow(time.Date(2026, 8, 1, 0, 30, 0, 0, time.UTC)) {
		t.Error("00:30 should be outside [1, 5)")
	}
	if !cfg.InNightWindow(time.Date(2026, 8, 1, 3, 0, 0, 0, time.UTC)) {
		t.Error("03:00 should be inside [1, 5)")
	}
}

func TestInNightWindowDegenerate(t *testing.T) {
	cfg := Config{NightStartHour: 4, NightEndHour: 4}
	if !cfg.InNightWindow(time.Date(2026, 8, 1, 15, 0, 0, 0, time.UTC)) {
		t.Error("equal start and end should cover the whole day")
	}
}

func TestCheckpointPruning(t *testing.T) {
	var cps []Checkpoint
	for i := 1; i <= 130; i++ {
		cps = pruneCheckpoints(append(cps, Checkpoint{Batch: i}))
	}
	if len(cps) != maxCheckpoints {
		t.Fatalf("kept %d checkpoints, want %d", len(cps), maxCheckpoints)
	}
	if cps[0].Batch != 31 || cps[len(cps)-1].Batch != 130 {
		t.Errorf("kept range %d..%d, want 31..130", cps[0].Batch, cps[len(cps)-1].Batch)
	}
}

func TestCountOnDay(t *testing.T) {
	day := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	cps := []Checkpoint{
		{At: day.Add(2 * time.Hour)},
		{At: day.Add(23 * time.Hour)},
		{At: day.AddDate(0, 0, -1)},
	}
	if got := countOnDay(cps, day.Add(12*time.Hour)); got != 2 {
		t.Errorf("count = %d, want 2", got)
	}
}
