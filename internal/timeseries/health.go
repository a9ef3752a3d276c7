package timeseries

import (
	"context"
	"fmt"
)

// Health is a point-in-time snapshot of TimescaleDB load, used by the
// slow-sync scheduler to decide whether to delay the next batch.
type Health struct {
	Connections   int
	ActiveQueries int
	DatabaseBytes int64
	TableBytes    int64
}

// Load thresholds above which the scheduler backs off.
const (
	MaxHealthyConnections   = 90
	MaxHealthyActiveQueries = 10
)

// Overloaded reports whether the snapshot breaches a load threshold.
func (h Health) Overloaded() bool {
	return h.Connections > MaxHealthyConnections || h.ActiveQueries > MaxHealthyActiveQueries
}

// CheckHealth samples connection count, active query count and storage
// sizes from the server.
func (s *Store) CheckHealth(ctx context.Context) (Health, error) {
	var h Health

	err := s.pool.QueryRow(ctx,
		"SELECT count(*) FROM pg_stat_activity").Scan(&h.Connections)
	if err != nil {
		return Health{}, fmt.Errorf("timeseries: count connections: %w", err)
	}

	err = s.pool.QueryRow(ctx,
		"SELECT count(*) FROM pg_stat_activity WHERE state = 'active' AND query NOT ILIKE '%pg_stat_activity%'").
		Scan(&h.ActiveQueries)
	if err != nil {
		return Health{}, fmt.Errorf("timeseries: count active queries: %w", err)
	}

	err = s.pool.QueryRow(ctx,
		"SELECT pg_database_size(current_database())").Scan(&h.DatabaseBytes)
	if err != nil {
		return Health{}, fmt.Errorf("timeseries: database size: %w", err)
	}

	err = s.pool.QueryRow(ctx,
		"SELECT pg_total_relation_size('gps_data')").Scan(&h.TableBytes)
	if err != nil {
		return Health{}, fmt.Errorf("timeseries: table size: %w", err)
	}

	return h, nil
}
