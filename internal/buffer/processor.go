package buffer

import (
	"context"
	"fmt"
	"io"
	"log"
	"sort"
	"sync/atomic"
	"time"

	"github.com/buslogic/smart-city-sub000/internal/config"
	"github.com/buslogic/smart-city-sub000/internal/models"
	"github.com/buslogic/smart-city-sub000/internal/timeseries"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// PositionSink receives drained positions. Satisfied by timeseries.Store.
type PositionSink interface {
	InsertPositions(ctx context.Context, positions []timeseries.Position) (int, error)
}

// Processor drains the staging buffer into the time-series store.
type Processor struct {
	db   *gorm.DB
	sink PositionSink
	cfg  config.DrainConfig
	out  io.Writer

	draining atomic.Bool
	now      func() time.Time
}

// NewProcessor returns a Processor. out receives progress logging.
func NewProcessor(db *gorm.DB, sink PositionSink, cfg config.DrainConfig, out io.Writer) (*Processor, error) {
	if db == nil {
		return nil, fmt.Errorf("buffer: db is required")
	}
	if sink == nil {
		return nil, fmt.Errorf("buffer: sink is required")
	}
	if out == nil {
		out = io.Discard
	}
	return &Processor{db: db, sink: sink, cfg: cfg, out: out, now: time.Now}, nil
}

// DrainStats summarizes one drain pass.
type DrainStats struct {
	Skipped    bool
	Claimed    int
	Duplicates int
	Inserted   int
	Failed     int
}

// Drain claims a batch of pending rows, deduplicates them, writes them to
// the sink and deletes them once the write commits. Overlapping calls are
// collapsed: if a pass is already running the new call returns immediately
// with Skipped set.
func (p *Processor) Drain(ctx context.Context) (DrainStats, error) {
	if !p.draining.CompareAndSwap(false, true) {
		return DrainStats{Skipped: true}, nil
	}
	defer p.draining.Store(false)

	claimed, err := p.claim()
	if err != nil {
		return DrainStats{}, err
	}
	if len(claimed) == 0 {
		return DrainStats{}, nil
	}

	kept, dupIDs := dedupe(claimed)
	if len(dupIDs) > 0 {
		if err := p.db.Delete(&models.RawPosition{}, dupIDs).Error; err != nil {
			return DrainStats{}, fmt.Errorf("buffer: delete %d duplicates: %w", len(dupIDs), err)
		}
	}

	stats := DrainStats{Claimed: len(claimed), Duplicates: len(dupIDs)}

	positions := make([]timeseries.Position, len(kept))
	ids := make([]uint64, len(kept))
	for i, r := range kept {
		positions[i] = timeseries.Position{
			Time:      r.Timestamp,
			VehicleID: r.VehicleID,
			GarageNo:  r.GarageNo,
			Lat:       r.Lat,
			Lng:       r.Lng,
			Speed:     r.Speed,
			Course:    r.Course,
			Altitude:  r.Altitude,
			State:     r.State,
			InRoute:   r.InRoute,
			Source:    "buffer",
		}
		ids[i] = r.ID
	}

	if _, err := p.sink.InsertPositions(ctx, positions); err != nil {
		stats.Failed = len(kept)
		if rerr := p.release(kept, err); rerr != nil {
			return stats, rerr
		}
		log.Printf("buffer: drain failed for %d rows: %v", len(kept), err)
		return stats, nil
	}

	if err := p.db.Delete(&models.RawPosition{}, ids).Error; err != nil {
		return stats, fmt.Errorf("buffer: delete %d drained rows: %w", len(ids), err)
	}
	stats.Inserted = len(kept)

	fmt.Fprintf(p.out, "Drained %d rows (%d duplicates dropped)\n", stats.Inserted, stats.Duplicates)
	return stats, nil
}

// claim selects the oldest pending rows and marks them processing, in one
// transaction. On MySQL the select takes FOR UPDATE SKIP LOCKED so parallel
// drains on other nodes skip rows this one is claiming.
func (p *Processor) claim() ([]models.RawPosition, error) {
	var claimed []models.RawPosition
	err := p.db.Transaction(func(tx *gorm.DB) error {
		q := tx.Where("process_status = ?", StatusPending).
			Where("retry_count < ?", p.cfg.RetryLimit).
			Order("received_at ASC").
			Limit(p.cfg.BatchSize)
		if tx.Dialector.Name() == "mysql" {
			q = q.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}
		if err := q.Find(&claimed).Error; err != nil {
			return fmt.Errorf("select pending: %w", err)
		}
		if len(claimed) == 0 {
			return nil
		}

		ids := make([]uint64, len(claimed))
		for i, r := range claimed {
			ids[i] = r.ID
		}
		res := tx.Model(&models.RawPosition{}).
			Where("id IN ?", ids).
			Update("process_status", StatusProcessing)
		if res.Error != nil {
			return fmt.Errorf("mark processing: %w", res.Error)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("buffer: claim batch: %w", err)
	}
	return claimed, nil
}

// release returns failed rows to the buffer: retry_count is bumped and rows
// under the limit go back to pending, the rest are marked failed.
func (p *Processor) release(rows []models.RawPosition, cause error) error {
	msg := cause.Error()
	if len(msg) > 500 {
		msg = msg[:500]
	}

	var retryIDs, failedIDs []uint64
	for _, r := range rows {
		if r.RetryCount+1 >= p.cfg.RetryLimit {
			failedIDs = append(failedIDs, r.ID)
		} else {
			retryIDs = append(retryIDs, r.ID)
		}
	}

	if len(retryIDs) > 0 {
		err := p.db.Model(&models.RawPosition{}).
			Where("id IN ?", retryIDs).
			Updates(map[string]any{
				"process_status": StatusPending,
				"retry_count":    gorm.Expr("retry_count + 1"),
				"error_message":  msg,
			}).Error
		if err != nil {
			return fmt.Errorf("buffer: release %d rows for retry: %w", len(retryIDs), err)
		}
	}
	if len(failedIDs) > 0 {
		now := p.now().UTC()
		err := p.db.Model(&models.RawPosition{}).
			Where("id IN ?", failedIDs).
			Updates(map[string]any{
				"process_status": StatusFailed,
				"retry_count":    gorm.Expr("retry_count + 1"),
				"error_message":  msg,
				"processed_at":   now,
			}).Error
		if err != nil {
			return fmt.Errorf("buffer: mark %d rows failed: %w", len(failedIDs), err)
		}
	}
	return nil
}

// dedupe keeps the first-received row per (vehicle, timestamp) and returns
// the IDs of the rest.
func dedupe(rows []models.RawPosition) (kept []models.RawPosition, dupIDs []uint64) {
	sorted := make([]models.RawPosition, len(rows))
	copy(sorted, rows)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].ReceivedAt.Before(sorted[j].ReceivedAt)
	})

	type key struct {
		vehicle int64
		ts      int64
	}
	seen := make(map[key]bool, len(sorted))
	for _, r := range sorted {
		k := key{r.VehicleID, r.Timestamp.UnixNano()}
		if seen[k] {
			dupIDs = append(dupIDs, r.ID)
			continue
		}
		seen[k] = true
		kept = append(kept, r)
	}
	return kept, dupIDs
}
