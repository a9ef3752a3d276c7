package rangefix

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PGExecutor runs the stored migration procedure and reads migration_log
// on TimescaleDB.
type PGExecutor struct {
	pool *pgxpool.Pool
}

// NewPGExecutor returns a PGExecutor.
func NewPGExecutor(pool *pgxpool.Pool) (*PGExecutor, error) {
	if pool == nil {
		return nil, fmt.Errorf("rangefix: pool is required")
	}
	return &PGExecutor{pool: pool}, nil
}

// MigrateRange calls migrate_time_range_smart for the range. The procedure
// skips rows it has already migrated, so repeated calls are safe.
func (e *PGExecutor) MigrateRange(ctx context.Context, r TimeRange, batchSize int) (int64, error) {
	var migrated int64
	err := e.pool.QueryRow(ctx,
		"SELECT migrate_time_range_smart($1, $2, $3)",
		r.Start.UTC(), r.End.UTC(), batchSize).Scan(&migrated)
	if err != nil {
		return 0, fmt.Errorf("rangefix: migrate range %s: %w", r.Start.Format(time.RFC3339), err)
	}
	return migrated, nil
}

// RangeLog returns the migration_log rows covering the UTC day.
func (e *PGExecutor) RangeLog(ctx context.Context, day time.Time) ([]LogEntry, error) {
	dayStart := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	dayEnd := dayStart.Add(24 * time.Hour)

	rows, err := e.pool.Query(ctx,
		`SELECT range_start, range_end, expected_count, migrated_count, status
		 FROM migration_log
		 WHERE range_start >= $1 AND range_end <= $2
		 ORDER BY range_start`,
		dayStart, dayEnd)
	if err != nil {
		return nil, fmt.Errorf("rangefix: read migration log: %w", err)
	}
	defer rows.Close()

	var out []LogEntry
	for rows.Next() {
		var entry LogEntry
		if err := rows.Scan(&entry.Start, &entry.End, &entry.Expected, &entry.Migrated, &entry.Status); err != nil {
			return nil, fmt.Errorf("rangefix: scan migration log: %w", err)
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rangefix: read migration log: %w", err)
	}
	return out, nil
}
