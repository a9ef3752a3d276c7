package legacy

import (
	"context"
	"time"
)

// ImportStats summarizes one imported dump.
type ImportStats struct {
	Processed int
	Inserted  int
}

// HistoricalDataSource is one legacy server's worth of historical GPS data.
// The backfill pipeline runs Count, Export, Import and Cleanup in that
// order for each vehicle.
type HistoricalDataSource interface {
	// Count returns how many samples the legacy table holds for the
	// vehicle inside [from, to].
	Count(ctx context.Context, garageNo string, from, to time.Time) (int64, error)
	// Export dumps the vehicle's window on the legacy server, transfers
	// the dump here, and returns the local path.
	Export(ctx context.Context, garageNo string, from, to time.Time) (string, error)
	// Import parses a transferred dump and writes its samples to the
	// time-series store under the given registry vehicle.
	Import(ctx context.Context, dumpPath string, vehicleID int64, garageNo string) (ImportStats, error)
	// Cleanup removes the local and remote dump artifacts. Best effort.
	Cleanup(ctx context.Context, dumpPath string)
}
