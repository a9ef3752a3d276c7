package timeseries

import (
	"context"
	"fmt"
	"time"
)

// CompressChunks compresses hypertable chunks older than the cutoff and
// returns how many were compressed.
func (s *Store) CompressChunks(ctx context.Context, olderThan time.Duration) (int, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT compress_chunk(c, if_not_compressed => true)
		 FROM show_chunks('gps_data', older_than => $1::interval) c`,
		fmt.Sprintf("%d seconds", int(olderThan.Seconds())))
	if err != nil {
		return 0, fmt.Errorf("timeseries: compress chunks: %w", err)
	}
	defer rows.Close()

	n := 0
	for rows.Next() {
		n++
	}
	if err := rows.Err(); err != nil {
		return n, fmt.Errorf("timeseries: compress chunks: %w", err)
	}
	return n, nil
}

// VacuumAnalyze runs VACUUM ANALYZE on gps_data. Postgres forbids VACUUM
// inside a transaction, so this goes straight through the pool.
func (s *Store) VacuumAnalyze(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, "VACUUM ANALYZE gps_data"); err != nil {
		return fmt.Errorf("timeseries: vacuum analyze: %w", err)
	}
	return nil
}
