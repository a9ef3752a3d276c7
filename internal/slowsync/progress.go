package slowsync

import "time"

// Scheduler states.
const (
	StatusIdle      = "idle"
	StatusRunning   = "running"
	StatusPaused    = "paused"
	StatusWaiting   = "waiting_for_next_batch"
	StatusCompleted = "completed"
	StatusError     = "error"
)

// Stats accumulates over a run.
type Stats struct {
	TotalPoints       int64   `json:"total_points"`
	VehiclesAttempted int     `json:"vehicles_attempted"`
	VehiclesSucceeded int     `json:"vehicles_succeeded"`
	AvgBatchMinutes   float64 `json:"avg_batch_minutes"`
	SuccessRate       float64 `json:"success_rate"`
	DiskSpaceUsed     int64   `json:"disk_space_used"`
}

// Progress is the scheduler's persisted state. Everything the admin
// surface shows, and everything a restart must not lose, lives here.
type Progress struct {
	Status          string     `json:"status"`
	CurrentBatch    int        `json:"current_batch"`
	TotalBatches    int        `json:"total_batches"`
	CurrentVehicles []string   `json:"current_vehicles,omitempty"`
	NextBatchAt     *time.Time `json:"next_batch_at,omitempty"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	UpdatedAt       time.Time  `json:"updated_at"`
	LastError       string     `json:"last_error,omitempty"`
	Errors          []string   `json:"errors,omitempty"`
	// ConsecutiveFailures counts batch-level failures since the last
	// success; the scheduler gives up after maxConsecutiveFailures.
	ConsecutiveFailures int   `json:"consecutive_failures,omitempty"`
	Stats               Stats `json:"stats"`
}

// maxConsecutiveFailures is how many batch failures in a row move the
// scheduler to the error state instead of retrying forever.
const maxConsecutiveFailures = 5

// maxRecordedErrors bounds the persisted error log.
const maxRecordedErrors = 50

func (p *Progress) recordError(msg string) {
	p.LastError = msg
	p.Errors = append(p.Errors, msg)
	if len(p.Errors) > maxRecordedErrors {
		p.Errors = p.Errors[len(p.Errors)-maxRecordedErrors:]
	}
}

// Checkpoint records one completed batch. The checkpoint list doubles as
// the daily batch counter and the duration sample set for stats.
type Checkpoint struct {
	Batch      int       `json:"batch"`
	At         time.Time `json:"at"`
	Vehicles   int       `json:"vehicles"`
	Points     int64     `json:"points"`
	DurationMs int64     `json:"duration_ms"`
	Failures   int       `json:"failures"`
}

// maxCheckpoints bounds the persisted checkpoint list.
const maxCheckpoints = 100

func pruneCheckpoints(cps []Checkpoint) []Checkpoint {
	if len(cps) <= maxCheckpoints {
		return cps
	}
	return cps[len(cps)-maxCheckpoints:]
}

func countOnDay(cps []Checkpoint, day time.Time) int {
	y, m, d := day.Date()
	n := 0
	for _, cp := range cps {
		// Checkpoints are stored in UTC; compare in the caller's zone so
		// the daily cap follows the same wall clock as the night window.
		cy, cm, cd := cp.At.In(day.Location()).Date()
		if cy == y && cm == m && cd == d {
			n++
		}
	}
	return n
}

func avgDurationMinutes(cps []Checkpoint) float64 {
	if len(cps) == 0 {
		return 0
	}
	var total int64
	for _, cp := range cps {
		total += cp.DurationMs
	}
	return float64(total) / float64(len(cps)) / 1000 / 60
}
