package slowsync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/buslogic/smart-city-sub000/internal/backfill"
	"github.com/buslogic/smart-city-sub000/internal/keyvalue"
	"github.com/buslogic/smart-city-sub000/internal/models"
	"github.com/buslogic/smart-city-sub000/internal/timeseries"
	"gorm.io/gorm"
)

// Persisted state keys.
const (
	kvCategory       = "smart_slow_sync"
	keyConfig        = "smart_slow_sync.config"
	keyProgress      = "smart_slow_sync.progress"
	keyQueue         = "smart_slow_sync.queue"
	keyCheckpoints   = "smart_slow_sync.checkpoints"
	compressOlderThan = 7 * 24 * time.Hour
)

// VehicleLister supplies the fleet in sync-priority order. Satisfied by
// vehicles.Resolver.
type VehicleLister interface {
	ActiveForSync() ([]models.Vehicle, error)
}

// BatchRunner executes one batch of vehicles. Satisfied by backfill.Pool.
type BatchRunner interface {
	Run(ctx context.Context, vehicles []models.Vehicle, from, to time.Time, jobID string, opts backfill.Options) (map[int64]backfill.Result, error)
}

// StoreOps is the slice of timeseries.Store the scheduler needs: the
// health gate and periodic maintenance.
type StoreOps interface {
	CheckHealth(ctx context.Context) (timeseries.Health, error)
	CompressChunks(ctx context.Context, olderThan time.Duration) (int, error)
	VacuumAnalyze(ctx context.Context) error
}

// Notifier posts terminal-transition notifications. notify.Notifier
// satisfies this; a nil *notify.Notifier is a valid no-op.
type Notifier interface {
	Post(ctx context.Context, title, body, color string) error
}

// Scheduler owns all slow-sync state explicitly: configuration, progress,
// the vehicle queue and checkpoints, all persisted through the key-value
// store. There are no package-level flags; everything is reachable from
// the struct and every dependency is injected.
type Scheduler struct {
	db       *gorm.DB
	kv       *keyvalue.Store
	lister   VehicleLister
	runner   BatchRunner
	store    StoreOps
	notifier Notifier
	out      io.Writer

	mu          sync.Mutex
	ticking     atomic.Bool
	cfg         Config
	progress    Progress
	queue       []int64
	checkpoints []Checkpoint

	now func() time.Time
}

// NewScheduler builds a Scheduler and restores any persisted state, so a
// daemon restart resumes where the previous process stopped.
func NewScheduler(db *gorm.DB, kv *keyvalue.Store, lister VehicleLister, runner BatchRunner, store StoreOps, notifier Notifier, out io.Writer) (*Scheduler, error) {
	if db == nil {
		return nil, fmt.Errorf("slowsync: db is required")
	}
	if kv == nil {
		return nil, fmt.Errorf("slowsync: keyvalue store is required")
	}
	if lister == nil {
		return nil, fmt.Errorf("slowsync: vehicle lister is required")
	}
	if runner == nil {
		return nil, fmt.Errorf("slowsync: batch runner is required")
	}
	if store == nil {
		return nil, fmt.Errorf("slowsync: store ops are required")
	}
	if out == nil {
		out = io.Discard
	}

	s := &Scheduler{
		db:       db,
		kv:       kv,
		lister:   lister,
		runner:   runner,
		store:    store,
		notifier: notifier,
		out:      out,
		now:      time.Now,
	}

	cfg, err := PresetConfig(PresetBalanced)
	if err != nil {
		return nil, err
	}
	s.cfg = cfg
	s.progress = Progress{Status: StatusIdle}

	if err := s.restore(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Scheduler) restore() error {
	for key, dst := range map[string]any{
		keyConfig:      &s.cfg,
		keyProgress:    &s.progress,
		keyQueue:       &s.queue,
		keyCheckpoints: &s.checkpoints,
	} {
		if err := s.kv.Get(key, dst); err != nil && !errors.Is(err, keyvalue.ErrNotFound) {
			return fmt.Errorf("slowsync: restore %s: %w", key, err)
		}
	}
	return nil
}

// Config returns the current configuration.
func (s *Scheduler) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Progress returns a copy of the current progress.
func (s *Scheduler) Progress() Progress {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.progress
	p.Errors = append([]string(nil), s.progress.Errors...)
	p.CurrentVehicles = append([]string(nil), s.progress.CurrentVehicles...)
	return p
}

// UpdateConfig replaces the configuration. Rejected while a run is active
// unless it is paused.
func (s *Scheduler) UpdateConfig(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.progress.Status {
	case StatusRunning, StatusWaiting:
		return fmt.Errorf("slowsync: cannot change config while %s; pause first", s.progress.Status)
	}
	s.cfg = cfg
	return s.kv.Set(keyConfig, kvCategory, s.cfg)
}

// Start builds a fresh queue from the registry and begins a run. The queue
// is recomputed here, not incrementally maintained, so vehicles disabled
// since the last run drop out.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.progress.Status {
	case StatusRunning, StatusWaiting, StatusPaused:
		return fmt.Errorf("slowsync: already active (%s)", s.progress.Status)
	}

	fleet, err := s.lister.ActiveForSync()
	if err != nil {
		return fmt.Errorf("slowsync: build queue: %w", err)
	}
	if len(fleet) == 0 {
		return fmt.Errorf("slowsync: no active vehicles to sync")
	}

	s.queue = make([]int64, len(fleet))
	for i, v := range fleet {
		s.queue[i] = v.ID
	}

	now := s.now().UTC()
	s.progress = Progress{
		Status:       StatusRunning,
		TotalBatches: (len(fleet) + s.cfg.VehiclesPerBatch - 1) / s.cfg.VehiclesPerBatch,
		StartedAt:    &now,
		UpdatedAt:    now,
	}
	s.checkpoints = nil

	fmt.Fprintf(s.out, "Slow sync started: %d vehicles in %d batches\n", len(fleet), s.progress.TotalBatches)
	return s.persistAll()
}

// Pause halts batch scheduling without losing position.
func (s *Scheduler) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.progress.Status {
	case StatusRunning, StatusWaiting:
	default:
		return fmt.Errorf("slowsync: cannot pause from %s", s.progress.Status)
	}
	s.progress.Status = StatusPaused
	s.touch()
	return s.saveProgress()
}

// Resume continues a paused run.
func (s *Scheduler) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.progress.Status != StatusPaused {
		return fmt.Errorf("slowsync: cannot resume from %s", s.progress.Status)
	}
	s.progress.Status = StatusRunning
	s.touch()
	return s.saveProgress()
}

// Stop aborts the run and returns to idle. Progress counters survive for
// inspection; the queue is dropped.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progress.Status = StatusIdle
	s.progress.CurrentVehicles = nil
	s.progress.NextBatchAt = nil
	s.queue = nil
	s.touch()
	return s.persistAll()
}

// ResetProgress clears all run state. Rejected while a run is active.
func (s *Scheduler) ResetProgress() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.progress.Status {
	case StatusRunning, StatusWaiting, StatusPaused:
		return fmt.Errorf("slowsync: cannot reset while %s", s.progress.Status)
	}
	s.progress = Progress{Status: StatusIdle, UpdatedAt: s.now().UTC()}
	s.queue = nil
	s.checkpoints = nil
	return s.persistAll()
}

// Tick advances the scheduler. It is safe to call on a fixed interval
// regardless of state: every gate that is not satisfied simply defers work
// to a later tick. Overlapping ticks collapse to one.
func (s *Scheduler) Tick(ctx context.Context) error {
	if !s.ticking.CompareAndSwap(false, true) {
		return nil
	}
	defer s.ticking.Store(false)

	s.mu.Lock()
	// Gates are judged on the server-local clock so the night window and
	// daily cap follow the operator's wall time; persisted timestamps stay UTC.
	now := s.now()

	switch s.progress.Status {
	case StatusRunning:
	case StatusWaiting:
		if s.progress.NextBatchAt != nil && now.Before(*s.progress.NextBatchAt) {
			s.mu.Unlock()
			return nil
		}
	default:
		s.mu.Unlock()
		return nil
	}

	if !s.cfg.ForceProcess && !s.cfg.InNightWindow(now) {
		s.mu.Unlock()
		return nil
	}
	if countOnDay(s.checkpoints, now) >= s.cfg.MaxDailyBatches {
		s.mu.Unlock()
		return nil
	}

	if len(s.queue) == 0 {
		s.complete(now.UTC())
		err := s.persistAll()
		s.mu.Unlock()
		return err
	}

	cfg := s.cfg
	s.mu.Unlock()

	health, err := s.store.CheckHealth(ctx)
	if err != nil {
		log.Printf("slowsync: health check: %v", err)
		return nil
	}
	s.mu.Lock()
	s.progress.Stats.DiskSpaceUsed = health.DatabaseBytes
	s.mu.Unlock()
	if health.Overloaded() {
		fmt.Fprintf(s.out, "Slow sync: database busy (%d conns, %d active queries), deferring batch\n",
			health.Connections, health.ActiveQueries)
		return nil
	}

	return s.runBatch(ctx, cfg, now.UTC())
}

// runBatch takes the next slice of the queue and runs it through the
// worker pool. The queue is only shortened after the batch succeeds; on
// failure the vehicles return to the front so the next tick retries them.
func (s *Scheduler) runBatch(ctx context.Context, cfg Config, now time.Time) error {
	s.mu.Lock()
	n := cfg.VehiclesPerBatch
	if n > len(s.queue) {
		n = len(s.queue)
	}
	ids := append([]int64(nil), s.queue[:n]...)
	s.queue = s.queue[n:]
	batch := s.progress.CurrentBatch + 1
	s.mu.Unlock()

	vehicles, err := s.loadVehicles(ids)
	if err != nil {
		s.requeue(ids, err)
		return nil
	}
	if len(vehicles) == 0 {
		// Every vehicle in the slice was deactivated mid-run; move on.
		return nil
	}

	garages := make([]string, len(vehicles))
	for i, v := range vehicles {
		garages[i] = v.GarageNo
	}

	s.mu.Lock()
	s.progress.Status = StatusRunning
	s.progress.CurrentBatch = batch
	s.progress.CurrentVehicles = garages
	s.touch()
	if err := s.saveProgress(); err != nil {
		log.Printf("slowsync: persist progress: %v", err)
	}
	s.mu.Unlock()

	from := now.AddDate(0, 0, -cfg.SyncDaysBack)
	jobID := fmt.Sprintf("slowsync-%d-%d", batch, now.Unix())
	started := time.Now()

	results, err := s.runner.Run(ctx, vehicles, from, now, jobID, backfill.Options{DetectEvents: true})
	if err != nil {
		s.requeue(ids, err)
		return nil
	}

	duration := time.Since(started)
	s.recordBatch(batch, now, vehicles, results, duration)

	s.maintenance(ctx, batch, cfg)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.progress.Status != StatusRunning {
		// Pause or Stop landed while the batch was in flight. Keep the
		// operator's state, just drop the stale batch bookkeeping.
		s.progress.CurrentVehicles = nil
		s.touch()
		return s.persistAll()
	}
	if len(s.queue) == 0 {
		s.complete(s.now().UTC())
	} else {
		next := s.now().UTC().Add(cfg.BatchDelay())
		s.progress.Status = StatusWaiting
		s.progress.NextBatchAt = &next
		s.progress.CurrentVehicles = nil
		s.touch()
	}
	return s.persistAll()
}

func (s *Scheduler) loadVehicles(ids []int64) ([]models.Vehicle, error) {
	var rows []models.Vehicle
	if err := s.db.Where("id IN ? AND active = ?", ids, true).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("slowsync: load batch vehicles: %w", err)
	}
	// Preserve queue order.
	byID := make(map[int64]models.Vehicle, len(rows))
	for _, v := range rows {
		byID[v.ID] = v
	}
	out := make([]models.Vehicle, 0, len(rows))
	for _, id := range ids {
		if v, ok := byID[id]; ok {
			out = append(out, v)
		}
	}
	return out, nil
}

// requeue pushes a failed batch back to the queue front and records the
// error. The run stays active; the next tick retries.
func (s *Scheduler) requeue(ids []int64, cause error) {
	log.Printf("slowsync: batch failed, requeueing %d vehicles: %v", len(ids), cause)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.progress.Status != StatusIdle {
		s.queue = append(append([]int64(nil), ids...), s.queue...)
	}
	s.progress.CurrentVehicles = nil
	s.progress.recordError(cause.Error())
	s.progress.ConsecutiveFailures++
	if s.progress.ConsecutiveFailures >= maxConsecutiveFailures {
		s.progress.Status = StatusError
		log.Printf("slowsync: %d consecutive batch failures, stopping", s.progress.ConsecutiveFailures)
		if s.notifier != nil {
			if err := s.notifier.Post(context.Background(), "Slow sync stopped on errors", cause.Error(), "danger"); err != nil {
				log.Printf("slowsync: notify: %v", err)
			}
		}
	} else if s.progress.Status == StatusRunning || s.progress.Status == StatusWaiting {
		s.progress.Status = StatusRunning
	}
	s.touch()
	if err := s.persistAll(); err != nil {
		log.Printf("slowsync: persist after requeue: %v", err)
	}
}

// recordBatch writes per-vehicle history rows, updates stats and appends
// the checkpoint.
func (s *Scheduler) recordBatch(batch int, now time.Time, vehicles []models.Vehicle, results map[int64]backfill.Result, duration time.Duration) {
	var points int64
	failures := 0
	history := make([]models.SyncHistory, 0, len(vehicles))
	for _, v := range vehicles {
		r := results[v.ID]
		row := models.SyncHistory{
			VehicleID:   v.ID,
			GarageNo:    v.GarageNo,
			BatchNumber: batch,
			Status:      "success",
			Points:      r.Points,
			DurationMs:  r.Duration.Milliseconds(),
			SyncedAt:    now,
		}
		if r.Err != nil {
			row.Status = "failed"
			row.Error = r.Err.Error()
			failures++
		} else {
			points += r.Points
		}
		history = append(history, row)
	}
	if err := s.db.Create(&history).Error; err != nil {
		log.Printf("slowsync: write sync history: %v", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.progress.ConsecutiveFailures = 0
	s.progress.Stats.TotalPoints += points
	s.progress.Stats.VehiclesAttempted += len(vehicles)
	s.progress.Stats.VehiclesSucceeded += len(vehicles) - failures
	if s.progress.Stats.VehiclesAttempted > 0 {
		s.progress.Stats.SuccessRate = float64(s.progress.Stats.VehiclesSucceeded) / float64(s.progress.Stats.VehiclesAttempted)
	}

	s.checkpoints = pruneCheckpoints(append(s.checkpoints, Checkpoint{
		Batch:      batch,
		At:         now,
		Vehicles:   len(vehicles),
		Points:     points,
		DurationMs: duration.Milliseconds(),
		Failures:   failures,
	}))
	s.progress.Stats.AvgBatchMinutes = avgDurationMinutes(s.checkpoints)

	fmt.Fprintf(s.out, "Slow sync batch %d/%d done: %d vehicles, %d points, %d failures\n",
		batch, s.progress.TotalBatches, len(vehicles), points, failures)
}

// maintenance runs compression and vacuum on their batch cadence. Both are
// best-effort.
func (s *Scheduler) maintenance(ctx context.Context, batch int, cfg Config) {
	if cfg.CompressEveryBatches > 0 && batch%cfg.CompressEveryBatches == 0 {
		if n, err := s.store.CompressChunks(ctx, compressOlderThan); err != nil {
			log.Printf("slowsync: compress chunks: %v", err)
		} else if n > 0 {
			fmt.Fprintf(s.out, "Slow sync: compressed %d chunks\n", n)
		}
	}
	if cfg.VacuumEveryBatches > 0 && batch%cfg.VacuumEveryBatches == 0 {
		if err := s.store.VacuumAnalyze(ctx); err != nil {
			log.Printf("slowsync: vacuum analyze: %v", err)
		}
	}
}

// complete must be called with the lock held.
func (s *Scheduler) complete(now time.Time) {
	s.progress.Status = StatusCompleted
	s.progress.CurrentVehicles = nil
	s.progress.NextBatchAt = nil
	s.progress.UpdatedAt = now

	fmt.Fprintf(s.out, "Slow sync completed: %d points across %d vehicles\n",
		s.progress.Stats.TotalPoints, s.progress.Stats.VehiclesAttempted)
	if s.notifier != nil {
		body := fmt.Sprintf("%d vehicles synced, %d points, success rate %.0f%%",
			s.progress.Stats.VehiclesAttempted, s.progress.Stats.TotalPoints, s.progress.Stats.SuccessRate*100)
		if err := s.notifier.Post(context.Background(), "Slow sync completed", body, "good"); err != nil {
			log.Printf("slowsync: notify: %v", err)
		}
	}
}

func (s *Scheduler) touch() {
	s.progress.UpdatedAt = s.now().UTC()
}

// saveProgress must be called with the lock held.
func (s *Scheduler) saveProgress() error {
	return s.kv.Set(keyProgress, kvCategory, s.progress)
}

// persistAll must be called with the lock held.
func (s *Scheduler) persistAll() error {
	if err := s.kv.Set(keyConfig, kvCategory, s.cfg); err != nil {
		return err
	}
	if err := s.saveProgress(); err != nil {
		return err
	}
	if err := s.kv.Set(keyQueue, kvCategory, s.queue); err != nil {
		return err
	}
	return s.kv.Set(keyCheckpoints, kvCategory, s.checkpoints)
}
