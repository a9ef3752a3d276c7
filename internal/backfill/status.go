// Package backfill runs bounded worker-pool historical syncs: each worker
// walks its share of the vehicle list through the legacy export/import
// pipeline, and failures stay isolated to the vehicle they happened on.
package backfill

import (
	"sort"
	"sync"
	"time"
)

// Worker stages, in pipeline order.
const (
	StageCounting  = "counting"
	StageExporting = "exporting"
	StageImporting = "importing"
	StageDetecting = "detecting_events"
	StageCleanup   = "cleanup"
	StageDone      = "done"
	StageFailed    = "failed"
)

// WorkerStatus is the live view of one worker. It is in-memory only and
// resets when the process restarts; durable history lives in backfill_jobs.
type WorkerStatus struct {
	WorkerID  int       `json:"worker_id"`
	GarageNo  string    `json:"garage_no"`
	Stage     string    `json:"stage"`
	Completed int       `json:"completed"`
	Total     int       `json:"total"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Percent returns worker progress over its assigned vehicles.
func (w WorkerStatus) Percent() int {
	if w.Total == 0 {
		return 0
	}
	return w.Completed * 100 / w.Total
}

// StatusBoard tracks live worker state for the status endpoint.
type StatusBoard struct {
	mu      sync.Mutex
	workers map[int]WorkerStatus
}

// NewStatusBoard returns an empty board.
func NewStatusBoard() *StatusBoard {
	return &StatusBoard{workers: make(map[int]WorkerStatus)}
}

func (b *StatusBoard) set(s WorkerStatus) {
	s.UpdatedAt = time.Now().UTC()
	b.mu.Lock()
	b.workers[s.WorkerID] = s
	b.mu.Unlock()
}

// Snapshot returns a copy of all worker states, ordered by worker ID.
func (b *StatusBoard) Snapshot() []WorkerStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]WorkerStatus, 0, len(b.workers))
	for _, s := range b.workers {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkerID < out[j].WorkerID })
	return out
}

// Reset clears the board before a new run.
func (b *StatusBoard) Reset() {
	b.mu.Lock()
	b.workers = make(map[int]WorkerStatus)
	b.mu.Unlock()
}
