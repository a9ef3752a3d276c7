package models

import "time"

// BackfillJob is the durable record of one worker-pool historical sync:
// which vehicles, which window, and the aggregate outcome. The live
// per-worker stage/percent view is in-memory only (backfill.StatusBoard).
type BackfillJob struct {
	ID              string    `gorm:"primaryKey;size:64"`
	VehicleIDs      string    `gorm:"type:json"`
	SyncFrom        time.Time `gorm:"not null"`
	SyncTo          time.Time `gorm:"not null"`
	Status          string    `gorm:"size:16;default:pending;index"`
	ProcessedPoints int64     `gorm:"default:0"`
	InsertedPoints  int64     `gorm:"default:0"`
	UpdatedPoints   int64     `gorm:"default:0"`
	ErrorCount      int       `gorm:"default:0"`
	WorkerDetails   string    `gorm:"type:json"`
	Error           string    `gorm:"type:text"`
	StartedAt       time.Time
	CompletedAt     *time.Time
	CreatedAt       time.Time
}

func (BackfillJob) TableName() string { return "backfill_jobs" }
