package backfill

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/buslogic/smart-city-sub000/internal/config"
	"github.com/buslogic/smart-city-sub000/internal/legacy"
	"github.com/buslogic/smart-city-sub000/internal/models"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := db.AutoMigrate(&models.Vehicle{}, &models.BackfillJob{}); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	return db
}

// fakeSource records the pipeline calls per garage and can be told to
// fail or panic on specific vehicles.
type fakeSource struct {
	mu       sync.Mutex
	counts   map[string]int64
	failOn   map[string]error
	panicOn  map[string]bool
	calls    map[string][]string
	cleanups int
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		counts:  make(map[string]int64),
		failOn:  make(map[string]error),
		panicOn: make(map[string]bool),
		calls:   make(map[string][]string),
	}
}

func (f *fakeSource) record(garage, op string) {
	f.mu.Lock()
	f.calls[garage] = append(f.calls[garage], op)
	f.mu.Unlock()
}

func (f *fakeSource) Count(_ context.Context, garageNo string, _, _ time.Time) (int64, error) {
	f.record(garageNo, "count")
	if f.panicOn[garageNo] {
		panic("legacy server exploded")
	}
	if err := f.failOn[garageNo]; err != nil {
		return 0, err
	}
	if n, ok := f.counts[garageNo]; ok {
		return n, nil
	}
	return 100, nil
}

func (f *fakeSource) Export(_ context.Context, garageNo string, _, _ time.Time) (string, error) {
	f.record(garageNo, "export")
	return "/tmp/" + garageNo + ".sql.gz", nil
}

func (f *fakeSource) Import(_ context.Context, _ string, _ int64, garageNo string) (legacy.ImportStats, error) {
	f.record(garageNo, "import")
	return legacy.ImportStats{Processed: 100, Inserted: 100}, nil
}

func (f *fakeSource) Cleanup(_ context.Context, _ string) {
	f.mu.Lock()
	f.cleanups++
	f.mu.Unlock()
}

type fakeMaintainer struct {
	mu        sync.Mutex
	detected  []int64
	refreshed int
}

func (m *fakeMaintainer) DetectAggressiveEvents(_ context.Context, vehicleID int64, _, _ time.Time) (int64, error) {
	m.mu.Lock()
	m.detected = append(m.detected, vehicleID)
	m.mu.Unlock()
	return 2, nil
}

func (m *fakeMaintainer) RefreshAggregates(_ context.Context, _, _ time.Time) error {
	m.mu.Lock()
	m.refreshed++
	m.mu.Unlock()
	return nil
}

func seedVehicles(t *testing.T, db *gorm.DB, garages ...string) []models.Vehicle {
	t.Helper()
	out := make([]models.Vehicle, len(garages))
	for i, g := range garages {
		v := models.Vehicle{GarageNo: g, Active: true}
		if err := db.Create(&v).Error; err != nil {
			t.Fatalf("seed %s: %v", g, err)
		}
		out[i] = v
	}
	return out
}

func newTestPool(t *testing.T, db *gorm.DB, source legacy.HistoricalDataSource, maint Maintainer, workers int) *Pool {
	t.Helper()
	cfg := config.BackfillConfig{MaxWorkers: workers, WorkerTimeoutMinutes: 10}
	p, err := NewPool(db, source, maint, cfg, NewStatusBoard(), io.Discard)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	return p
}

func syncWindow() (time.Time, time.Time) {
	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return from, from.AddDate(0, 0, 30)
}

func TestChunkVehicles(t *testing.T) {
	mk := func(n int) []models.Vehicle {
		out := make([]models.Vehicle, n)
		for i := range out {
			out[i] = models.Vehicle{ID: int64(i + 1)}
		}
		return out
	}

	cases := []struct {
		n, workers int
		wantSizes  []int
	}{
		{5, 2, []int{3, 2}},
		{10, 3, []int{4, 4, 2}},
		{2, 8, []int{1, 1}},
		{6, 3, []int{2, 2, 2}},
		{1, 1, []int{1}},
	}
	for _, tc := range cases {
		chunks := chunkVehicles(mk(tc.n), tc.workers)
		if len(chunks) != len(tc.wantSizes) {
			t.Errorf("%d/%d: got %d chunks, want %d", tc.n, tc.workers, len(chunks), len(tc.wantSizes))
			continue
		}
		total := 0
		for i, c := range chunks {
			if len(c) != tc.wantSizes[i] {
				t.Errorf("%d/%d: chunk %d has %d vehicles, want %d", tc.n, tc.workers, i, len(c), tc.wantSizes[i])
			}
			total += len(c)
		}
		if total != tc.n {
			t.Errorf("%d/%d: chunks cover %d vehicles", tc.n, tc.workers, total)
		}
	}
}

func TestRunSyncsAllVehicles(t *testing.T) {
	db := testDB(t)
	vehicles := seedVehicles(t, db, "A", "B", "C", "D", "E")
	source := newFakeSource()
	maint := &fakeMaintainer{}
	pool := newTestPool(t, db, source, maint, 2)

	from, to := syncWindow()
	results, err := pool.Run(context.Background(), vehicles, from, to, "job-1",
		Options{RefreshAggregates: true, DetectEvents: true})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if len(results) != 5 {
		t.Fatalf("got %d results, want 5", len(results))
	}
	for _, v := range vehicles {
		r := results[v.ID]
		if r.Err != nil {
			t.Errorf("%s: unexpected error %v", v.GarageNo, r.Err)
		}
		if r.Inserted != 100 || r.Events != 2 {
			t.Errorf("%s: result %+v", v.GarageNo, r)
		}
	}
	if source.cleanups != 5 {
		t.Errorf("cleanups = %d, want 5", source.cleanups)
	}
	if maint.refreshed != 1 {
		t.Errorf("aggregate refreshes = %d, want 1", maint.refreshed)
	}

	var job models.BackfillJob
	if err := db.First(&job, "id = ?", "job-1").Error; err != nil {
		t.Fatalf("load job: %v", err)
	}
	if job.Status != "completed" {
		t.Errorf("job status = %s, want completed", job.Status)
	}
	if job.InsertedPoints != 500 {
		t.Errorf("inserted points = %d, want 500", job.InsertedPoints)
	}
	if job.CompletedAt == nil {
		t.Error("completed_at not set")
	}

	var synced int64
	db.Model(&models.Vehicle{}).Where("last_synced_at IS NOT NULL").Count(&synced)
	if synced != 5 {
		t.Errorf("%d vehicles marked synced, want 5", synced)
	}
}

func TestRunIsolatesVehicleFailure(t *testing.T) {
	db := testDB(t)
	vehicles := seedVehicles(t, db, "A", "B", "C")
	source := newFakeSource()
	source.failOn["B"] = errors.New("legacy table missing")
	pool := newTestPool(t, db, source, nil, 1)

	from, to := syncWindow()
	results, err := pool.Run(context.Background(), vehicles, from, to, "job-2", Options{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if results[vehicles[1].ID].Err == nil {
		t.Error("B should have failed")
	}
	// C comes after B on the same worker and must still have run.
	if r := results[vehicles[2].ID]; r.Err != nil || r.Inserted != 100 {
		t.Errorf("C result %+v, want success", r)
	}

	var job models.BackfillJob
	db.First(&job, "id = ?", "job-2")
	if job.Status != "completed" || job.ErrorCount != 1 {
		t.Errorf("job %s/%d, want completed with 1 error", job.Status, job.ErrorCount)
	}
}

func TestRunSurvivesWorkerPanic(t *testing.T) {
	db := testDB(t)
	vehicles := seedVehicles(t, db, "A", "B")
	source := newFakeSource()
	source.panicOn["A"] = true
	pool := newTestPool(t, db, source, nil, 2)

	from, to := syncWindow()
	done := make(chan map[int64]Result, 1)
	go func() {
		results, err := pool.Run(context.Background(), vehicles, from, to, "job-3", Options{})
		if err != nil {
			t.Errorf("run: %v", err)
		}
		done <- results
	}()

	select {
	case results := <-done:
		if results[vehicles[0].ID].Err == nil {
			t.Error("panicked vehicle should report an error")
		}
		if r := results[vehicles[1].ID]; r.Err != nil {
			t.Errorf("other worker affected by panic: %v", r.Err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not settle after worker panic")
	}
}

func TestRunSkipsExportWhenEmpty(t *testing.T) {
	db := testDB(t)
	vehicles := seedVehicles(t, db, "A")
	source := newFakeSource()
	source.counts["A"] = 0
	pool := newTestPool(t, db, source, nil, 1)

	from, to := syncWindow()
	results, err := pool.Run(context.Background(), vehicles, from, to, "job-4", Options{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if r := results[vehicles[0].ID]; r.Err != nil || r.Points != 0 {
		t.Errorf("result %+v, want clean zero", r)
	}

	ops := source.calls["A"]
	if len(ops) != 1 || ops[0] != "count" {
		t.Errorf("ops = %v, want only count", ops)
	}
}

func TestRunAllFailedMarksJobFailed(t *testing.T) {
	db := testDB(t)
	vehicles := seedVehicles(t, db, "A")
	source := newFakeSource()
	source.failOn["A"] = errors.New("down")
	pool := newTestPool(t, db, source, nil, 1)

	from, to := syncWindow()
	if _, err := pool.Run(context.Background(), vehicles, from, to, "job-5", Options{}); err != nil {
		t.Fatalf("run: %v", err)
	}

	var job models.BackfillJob
	db.First(&job, "id = ?", "job-5")
	if job.Status != "failed" {
		t.Errorf("job status = %s, want failed", job.Status)
	}
}

func TestWorkerStatusPercent(t *testing.T) {
	if got := (WorkerStatus{Completed: 3, Total: 4}).Percent(); got != 75 {
		t.Errorf("percent = %d, want 75", got)
	}
	if got := (WorkerStatus{}).Percent(); got != 0 {
		t.Errorf("empty percent = %d, want 0", got)
	}
}

func TestStatusBoardSnapshotOrder(t *testing.T) {
	b := NewStatusBoard()
	b.set(WorkerStatus{WorkerID: 2, Stage: StageImporting})
	b.set(WorkerStatus{WorkerID: 0, Stage: StageCounting})
	b.set(WorkerStatus{WorkerID: 1, Stage: StageExporting})

	snap := b.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("got %d workers", len(snap))
	}
	for i, s := range snap {
		if s.WorkerID != i {
			t.Errorf("position %d has worker %d", i, s.WorkerID)
		}
	}

	b.Reset()
	if len(b.Snapshot()) != 0 {
		t.Error("reset left workers behind")
	}
}
