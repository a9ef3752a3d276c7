// Package rangefix re-runs a day's worth of GPS data through the stored
// migration procedure, split into parallel time ranges. The procedure is
// idempotent, so ranges can be retried freely; completion is judged from
// migration_log, never by recounting the hypertable.
package rangefix

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"time"
)

// completeThreshold is the migrated/expected ratio at which a range counts
// as done. Row counts drift slightly while vehicles still report into the
// day, so 100% is not required.
const completeThreshold = 0.999

// TimeRange is one slice of a day.
type TimeRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

func (r TimeRange) key() string {
	return r.Start.UTC().Format(time.RFC3339) + "/" + r.End.UTC().Format(time.RFC3339)
}

// DayRanges splits the UTC day containing day into parts equal ranges.
func DayRanges(day time.Time, parts int) []TimeRange {
	if parts < 1 {
		parts = 1
	}
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	step := 24 * time.Hour / time.Duration(parts)

	out := make([]TimeRange, parts)
	for i := range out {
		out[i] = TimeRange{
			Start: start.Add(time.Duration(i) * step),
			End:   start.Add(time.Duration(i+1) * step),
		}
	}
	// Guard against rounding on odd part counts.
	out[parts-1].End = start.Add(24 * time.Hour)
	return out
}

// Migrator executes the stored migration over one range. Satisfied by
// PGExecutor in production.
type Migrator interface {
	MigrateRange(ctx context.Context, r TimeRange, batchSize int) (int64, error)
}

// LogReader reads migration_log entries for a day.
type LogReader interface {
	RangeLog(ctx context.Context, day time.Time) ([]LogEntry, error)
}

// LogEntry mirrors one migration_log row.
type LogEntry struct {
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
	Expected int64     `json:"expected"`
	Migrated int64     `json:"migrated"`
	Status   string    `json:"status"`
}

// Percent returns migrated/expected as a percentage, capped at 100.
func (e LogEntry) Percent() float64 {
	if e.Expected == 0 {
		return 100
	}
	p := float64(e.Migrated) / float64(e.Expected) * 100
	if p > 100 {
		p = 100
	}
	return p
}

// RangeResult is the outcome of migrating one range.
type RangeResult struct {
	Range    TimeRange
	Migrated int64
	Err      error
	Duration time.Duration
}

// Runner coordinates parallel range migrations for single days.
type Runner struct {
	migrator Migrator
	logs     LogReader
	out      io.Writer

	mu     sync.Mutex
	active map[string]bool
}

// NewRunner returns a Runner.
func NewRunner(migrator Migrator, logs LogReader, out io.Writer) (*Runner, error) {
	if migrator == nil {
		return nil, fmt.Errorf("rangefix: migrator is required")
	}
	if logs == nil {
		return nil, fmt.Errorf("rangefix: log reader is required")
	}
	if out == nil {
		out = io.Discard
	}
	return &Runner{migrator: migrator, logs: logs, out: out, active: make(map[string]bool)}, nil
}

// Run migrates the day in parts ranges, at most maxConcurrent at a time.
// Each group of ranges settles fully before the next group starts. A
// failed range is recorded in its result and does not stop the others;
// ranges already being migrated by another caller are skipped.
func (r *Runner) Run(ctx context.Context, day time.Time, parts, maxConcurrent, batchSize int) ([]RangeResult, error) {
	if maxConcurrent < 1 {
		return nil, fmt.Errorf("rangefix: max_concurrent must be positive")
	}
	if batchSize < 1 {
		return nil, fmt.Errorf("rangefix: batch_size must be positive")
	}

	ranges := DayRanges(day, parts)
	results := make([]RangeResult, len(ranges))

	fmt.Fprintf(r.out, "Range fix %s: %d ranges, %d at a time\n",
		day.Format("2006-01-02"), len(ranges), maxConcurrent)

	for groupStart := 0; groupStart < len(ranges); groupStart += maxConcurrent {
		groupEnd := groupStart + maxConcurrent
		if groupEnd > len(ranges) {
			groupEnd = len(ranges)
		}

		var wg sync.WaitGroup
		for i := groupStart; i < groupEnd; i++ {
			tr := ranges[i]
			if !r.claim(tr) {
				results[i] = RangeResult{Range: tr, Err: fmt.Errorf("rangefix: range already in progress")}
				continue
			}

			wg.Add(1)
			go func(i int, tr TimeRange) {
				defer wg.Done()
				defer r.release(tr)

				started := time.Now()
				migrated, err := r.migrator.MigrateRange(ctx, tr, batchSize)
				results[i] = RangeResult{Range: tr, Migrated: migrated, Err: err, Duration: time.Since(started)}
				if err != nil {
					log.Printf("rangefix: range %s-%s: %v",
						tr.Start.Format("15:04"), tr.End.Format("15:04"), err)
				}
			}(i, tr)
		}
		wg.Wait()
	}

	var migrated int64
	failed := 0
	for _, res := range results {
		migrated += res.Migrated
		if res.Err != nil {
			failed++
		}
	}
	fmt.Fprintf(r.out, "Range fix %s done: %d rows migrated, %d ranges failed\n",
		day.Format("2006-01-02"), migrated, failed)
	return results, nil
}

func (r *Runner) claim(tr TimeRange) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active[tr.key()] {
		return false
	}
	r.active[tr.key()] = true
	return true
}

func (r *Runner) release(tr TimeRange) {
	r.mu.Lock()
	delete(r.active, tr.key())
	r.mu.Unlock()
}

// DayProgress is the migration state of one day, derived from
// migration_log only.
type DayProgress struct {
	Day      time.Time  `json:"day"`
	Ranges   []LogEntry `json:"ranges"`
	Complete bool       `json:"complete"`
}

// Progress reports per-range progress for the day. The day is complete
// when every logged range is at or above the completion threshold and at
// least one range is logged.
func (r *Runner) Progress(ctx context.Context, day time.Time) (DayProgress, error) {
	entries, err := r.logs.RangeLog(ctx, day)
	if err != nil {
		return DayProgress{}, err
	}

	p := DayProgress{Day: day, Ranges: entries, Complete: len(entries) > 0}
	for _, e := range entries {
		if e.Percent() < completeThreshold*100 {
			p.Complete = false
			break
		}
	}
	return p, nil
}
