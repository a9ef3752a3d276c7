package backfill

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/buslogic/smart-city-sub000/internal/config"
	"github.com/buslogic/smart-city-sub000/internal/legacy"
	"github.com/buslogic/smart-city-sub000/internal/models"
	"gorm.io/gorm"
)

// Maintainer runs post-import maintenance on the time-series store.
// Satisfied by timeseries.Store.
type Maintainer interface {
	DetectAggressiveEvents(ctx context.Context, vehicleID int64, from, to time.Time) (int64, error)
	RefreshAggregates(ctx context.Context, from, to time.Time) error
}

// Result is the outcome of one vehicle's sync.
type Result struct {
	VehicleID int64
	GarageNo  string
	Points    int64
	Inserted  int
	Events    int64
	Err       error
	Duration  time.Duration
}

// Options tweak one Run.
type Options struct {
	// RefreshAggregates refreshes continuous aggregates over the synced
	// window after all workers settle.
	RefreshAggregates bool
	// DetectEvents runs aggressive-driving detection per vehicle.
	DetectEvents bool
}

// Pool coordinates a bounded set of workers over a vehicle list.
type Pool struct {
	db         *gorm.DB
	source     legacy.HistoricalDataSource
	maintainer Maintainer
	cfg        config.BackfillConfig
	board      *StatusBoard
	out        io.Writer
}

// NewPool returns a Pool. maintainer may be nil when the run never needs
// event detection or aggregate refresh.
func NewPool(db *gorm.DB, source legacy.HistoricalDataSource, maintainer Maintainer, cfg config.BackfillConfig, board *StatusBoard, out io.Writer) (*Pool, error) {
	if db == nil {
		return nil, fmt.Errorf("backfill: db is required")
	}
	if source == nil {
		return nil, fmt.Errorf("backfill: source is required")
	}
	if cfg.MaxWorkers < 1 {
		return nil, fmt.Errorf("backfill: max_workers must be positive")
	}
	if board == nil {
		board = NewStatusBoard()
	}
	if out == nil {
		out = io.Discard
	}
	return &Pool{db: db, source: source, maintainer: maintainer, cfg: cfg, board: board, out: out}, nil
}

// Board exposes the live worker view.
func (p *Pool) Board() *StatusBoard { return p.board }

// Run syncs the window [from, to] for every vehicle, spreading them over
// at most MaxWorkers workers. It blocks until every worker settles and
// returns per-vehicle results; a vehicle failure never aborts its worker,
// and a worker panic never aborts the run.
func (p *Pool) Run(ctx context.Context, vehicles []models.Vehicle, from, to time.Time, jobID string, opts Options) (map[int64]Result, error) {
	if len(vehicles) == 0 {
		return map[int64]Result{}, nil
	}
	if opts.DetectEvents && p.maintainer == nil {
		return nil, fmt.Errorf("backfill: detect events requested without maintainer")
	}

	if err := p.createJob(jobID, vehicles, from, to); err != nil {
		return nil, err
	}
	p.board.Reset()

	chunks := chunkVehicles(vehicles, p.cfg.MaxWorkers)
	fmt.Fprintf(p.out, "Backfill %s: %d vehicles across %d workers (%s to %s)\n",
		jobID, len(vehicles), len(chunks),
		from.Format("2006-01-02"), to.Format("2006-01-02"))

	var (
		mu      sync.Mutex
		results = make(map[int64]Result, len(vehicles))
		wg      sync.WaitGroup
	)

	for workerID, chunk := range chunks {
		wg.Add(1)
		go func(workerID int, chunk []models.Vehicle) {
			defer wg.Done()
			var current models.Vehicle
			defer func() {
				if r := recover(); r != nil {
					log.Printf("backfill: worker %d panic on %s: %v", workerID, current.GarageNo, r)
					mu.Lock()
					results[current.ID] = Result{VehicleID: current.ID, GarageNo: current.GarageNo,
						Err: fmt.Errorf("backfill: worker panic: %v", r)}
					mu.Unlock()
					p.board.set(WorkerStatus{WorkerID: workerID, GarageNo: current.GarageNo,
						Stage: StageFailed, Total: len(chunk)})
				}
			}()

			for done, v := range chunk {
				current = v
				res := p.syncVehicle(ctx, workerID, v, from, to, done, len(chunk), opts)
				mu.Lock()
				results[v.ID] = res
				mu.Unlock()
				if res.Err != nil {
					log.Printf("backfill: worker %d: %s failed: %v", workerID, v.GarageNo, res.Err)
				}
			}
			p.board.set(WorkerStatus{WorkerID: workerID, Stage: StageDone,
				Completed: len(chunk), Total: len(chunk)})
		}(workerID, chunk)
	}
	wg.Wait()

	if opts.RefreshAggregates && p.maintainer != nil {
		if err := p.maintainer.RefreshAggregates(ctx, from, to); err != nil {
			log.Printf("backfill: refresh aggregates: %v", err)
		}
	}

	if err := p.finishJob(jobID, results); err != nil {
		return results, err
	}
	return results, nil
}

// syncVehicle runs the count/export/import/detect pipeline for one
// vehicle under the per-worker timeout.
func (p *Pool) syncVehicle(ctx context.Context, workerID int, v models.Vehicle, from, to time.Time, done, total int, opts Options) Result {
	started := time.Now()
	res := Result{VehicleID: v.ID, GarageNo: v.GarageNo}

	vctx, cancel := context.WithTimeout(ctx, time.Duration(p.cfg.WorkerTimeoutMinutes)*time.Minute)
	defer cancel()

	stage := func(s string) {
		p.board.set(WorkerStatus{WorkerID: workerID, GarageNo: v.GarageNo,
			Stage: s, Completed: done, Total: total})
	}

	stage(StageCounting)
	count, err := p.source.Count(vctx, v.GarageNo, from, to)
	if err != nil {
		res.Err = err
		res.Duration = time.Since(started)
		return res
	}
	res.Points = count
	if count == 0 {
		res.Duration = time.Since(started)
		return res
	}

	stage(StageExporting)
	dumpPath, err := p.source.Export(vctx, v.GarageNo, from, to)
	if err != nil {
		res.Err = err
		res.Duration = time.Since(started)
		return res
	}
	defer func() {
		stage(StageCleanup)
		p.source.Cleanup(context.WithoutCancel(vctx), dumpPath)
	}()

	stage(StageImporting)
	stats, err := p.source.Import(vctx, dumpPath, v.ID, v.GarageNo)
	if err != nil {
		res.Err = err
		res.Duration = time.Since(started)
		return res
	}
	res.Inserted = stats.Inserted

	if opts.DetectEvents {
		stage(StageDetecting)
		events, err := p.maintainer.DetectAggressiveEvents(vctx, v.ID, from, to)
		if err != nil {
			// Imported data is already committed; a detector failure
			// downgrades to a log line.
			log.Printf("backfill: detect events %s: %v", v.GarageNo, err)
		} else {
			res.Events = events
		}
	}

	if err := p.db.Model(&models.Vehicle{}).Where("id = ?", v.ID).
		Update("last_synced_at", time.Now().UTC()).Error; err != nil {
		log.Printf("backfill: mark synced %s: %v", v.GarageNo, err)
	}

	res.Duration = time.Since(started)
	return res
}

// chunkVehicles splits vehicles into contiguous chunks of ⌈n/maxWorkers⌉,
// yielding at most maxWorkers chunks.
func chunkVehicles(vehicles []models.Vehicle, maxWorkers int) [][]models.Vehicle {
	if len(vehicles) == 0 {
		return nil
	}
	size := (len(vehicles) + maxWorkers - 1) / maxWorkers
	var chunks [][]models.Vehicle
	for start := 0; start < len(vehicles); start += size {
		end := start + size
		if end > len(vehicles) {
			end = len(vehicles)
		}
		chunks = append(chunks, vehicles[start:end])
	}
	return chunks
}

func (p *Pool) createJob(jobID string, vehicles []models.Vehicle, from, to time.Time) error {
	ids := make([]int64, len(vehicles))
	for i, v := range vehicles {
		ids[i] = v.ID
	}
	idsJSON, err := json.Marshal(ids)
	if err != nil {
		return fmt.Errorf("backfill: marshal vehicle ids: %w", err)
	}
	job := models.BackfillJob{
		ID:         jobID,
		VehicleIDs: string(idsJSON),
		SyncFrom:   from,
		SyncTo:     to,
		Status:     "running",
		StartedAt:  time.Now().UTC(),
	}
	if err := p.db.Create(&job).Error; err != nil {
		return fmt.Errorf("backfill: create job %s: %w", jobID, err)
	}
	return nil
}

func (p *Pool) finishJob(jobID string, results map[int64]Result) error {
	var processed, inserted int64
	var errCount int
	details := make(map[string]string, len(results))
	for _, r := range results {
		processed += r.Points
		inserted += int64(r.Inserted)
		if r.Err != nil {
			errCount++
			details[r.GarageNo] = r.Err.Error()
		}
	}

	status := "completed"
	if errCount == len(results) && errCount > 0 {
		status = "failed"
	}
	detailsJSON, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("backfill: marshal worker details: %w", err)
	}

	now := time.Now().UTC()
	err = p.db.Model(&models.BackfillJob{}).Where("id = ?", jobID).
		Updates(map[string]any{
			"status":           status,
			"processed_points": processed,
			"inserted_points":  inserted,
			"error_count":      errCount,
			"worker_details":   string(detailsJSON),
			"completed_at":     now,
		}).Error
	if err != nil {
		return fmt.Errorf("backfill: finish job %s: %w", jobID, err)
	}
	return nil
}
