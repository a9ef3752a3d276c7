// Package timeseries writes GPS positions into the TimescaleDB hypertable
// and runs the maintenance that keeps it queryable: continuous-aggregate
// refreshes, event detection, chunk compression and vacuum.
package timeseries

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// insertChunkSize caps the rows per INSERT so a single bad batch cannot
// produce an oversized statement.
const insertChunkSize = 1000

// Position is one GPS sample destined for the gps_data hypertable.
type Position struct {
	Time      time.Time
	VehicleID int64
	GarageNo  string
	Lat       float64
	Lng       float64
	Speed     int
	Course    int
	Altitude  int
	State     int
	InRoute   int
	Source    string
}

// Store wraps the TimescaleDB pool.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore returns a Store over the given pool.
func NewStore(pool *pgxpool.Pool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("timeseries: pool is required")
	}
	return &Store{pool: pool}, nil
}

// InsertPositions upserts positions into gps_data in chunks, inside one
// transaction. On conflict the newer write wins for the mutable columns.
// Returns the number of rows sent.
func (s *Store) InsertPositions(ctx context.Context, positions []Position) (int, error) {
	if len(positions) == 0 {
		return 0, nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("timeseries: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	total := 0
	for start := 0; start < len(positions); start += insertChunkSize {
		end := start + insertChunkSize
		if end > len(positions) {
			end = len(positions)
		}
		chunk := positions[start:end]
		sql, args := buildInsert(chunk)
		if _, err := tx.Exec(ctx, sql, args...); err != nil {
			return 0, fmt.Errorf("timeseries: insert chunk of %d: %w", len(chunk), err)
		}
		total += len(chunk)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("timeseries: commit: %w", err)
	}
	return total, nil
}

// buildInsert renders a multi-row upsert for one chunk. The location column
// is derived from lng/lat so geospatial queries need no separate write path.
func buildInsert(chunk []Position) (string, []any) {
	var b strings.Builder
	b.WriteString("INSERT INTO gps_data (time, vehicle_id, garage_no, lat, lng, location, speed, course, alt, state, in_route, source) VALUES ")

	args := make([]any, 0, len(chunk)*11)
	for i, p := range chunk {
		if i > 0 {
			b.WriteString(", ")
		}
		base := i * 11
		fmt.Fprintf(&b, "($%d, $%d, $%d, $%d, $%d, ST_SetSRID(ST_MakePoint($%d, $%d), 4326), $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+5, base+4, base+6, base+7, base+8, base+9, base+10, base+11)
		args = append(args, p.Time, p.VehicleID, p.GarageNo, p.Lat, p.Lng,
			p.Speed, p.Course, p.Altitude, p.State, p.InRoute, p.Source)
	}

	b.WriteString(" ON CONFLICT (vehicle_id, time) DO UPDATE SET" +
		" lat = EXCLUDED.lat, lng = EXCLUDED.lng, location = EXCLUDED.location," +
		" speed = EXCLUDED.speed, course = EXCLUDED.course, alt = EXCLUDED.alt," +
		" state = EXCLUDED.state, in_route = EXCLUDED.in_route, source = EXCLUDED.source")
	return b.String(), args
}

// CountInRange returns the number of stored samples for a vehicle inside
// [from, to).
func (s *Store) CountInRange(ctx context.Context, vehicleID int64, from, to time.Time) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		"SELECT count(*) FROM gps_data WHERE vehicle_id = $1 AND time >= $2 AND time < $3",
		vehicleID, from, to).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("timeseries: count vehicle %d: %w", vehicleID, err)
	}
	return n, nil
}

// RefreshAggregates refreshes the continuous aggregates that roll gps_data
// up for dashboards. Errors are joined so one failing view does not hide
// the others.
func (s *Store) RefreshAggregates(ctx context.Context, from, to time.Time) error {
	views := []string{"gps_data_5_minute_no_postgis", "vehicle_hourly_stats", "daily_vehicle_stats"}
	var failed []string
	for _, v := range views {
		_, err := s.pool.Exec(ctx,
			fmt.Sprintf("CALL refresh_continuous_aggregate('%s', $1, $2)", v), from, to)
		if err != nil {
			failed = append(failed, fmt.Sprintf("%s: %v", v, err))
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("timeseries: refresh aggregates: %s", strings.Join(failed, "; "))
	}
	return nil
}

// DetectAggressiveEvents runs the stored detector over a vehicle's window
// and returns the number of events found.
func (s *Store) DetectAggressiveEvents(ctx context.Context, vehicleID int64, from, to time.Time) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		"SELECT detect_aggressive_driving_batch($1, $2, $3)", vehicleID, from, to).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("timeseries: detect events vehicle %d: %w", vehicleID, err)
	}
	return n, nil
}
