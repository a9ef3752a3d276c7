package models

import "time"

// SyncHistory is one per-vehicle outcome row written by the slow-sync
// scheduler after each batch, forming the durable audit trail behind the
// status/history endpoints.
type SyncHistory struct {
	ID          uint64    `gorm:"primaryKey;autoIncrement"`
	VehicleID   int64     `gorm:"not null;index"`
	GarageNo    string    `gorm:"size:20"`
	BatchNumber int       `gorm:"index"`
	Status      string    `gorm:"size:16;not null"`
	Points      int64     `gorm:"default:0"`
	DurationMs  int64     `gorm:"default:0"`
	Error       string    `gorm:"type:text"`
	SyncedAt    time.Time `gorm:"not null;index"`
}

func (SyncHistory) TableName() string { return "gps_sync_history" }
