package models

import "time"

// RawPosition is one staged GPS report in the ingestion buffer. Rows are
// written by the ingest endpoint, drained by the buffer processor, and
// deleted once the corresponding time-series write has committed.
type RawPosition struct {
	ID           uint64    `gorm:"primaryKey;autoIncrement"`
	VehicleID    int64     `gorm:"not null;index"`
	GarageNo     string    `gorm:"size:20"`
	Timestamp    time.Time `gorm:"not null"`
	Lat          float64   `gorm:"not null"`
	Lng          float64   `gorm:"not null"`
	Speed        int       `gorm:"default:0"`
	Course       int       `gorm:"default:0"`
	Altitude     int       `gorm:"default:0"`
	State        int       `gorm:"default:0"`
	InRoute      int       `gorm:"default:0"`
	ReceivedAt   time.Time `gorm:"not null;index:idx_worker_processing,priority:4"`
	ProcessStatus string   `gorm:"size:16;default:pending;index:idx_worker_processing,priority:2"`
	RetryCount   int       `gorm:"default:0;index:idx_worker_processing,priority:3"`
	WorkerGroup  *int      `gorm:"index:idx_worker_processing,priority:1"`
	ProcessedAt  *time.Time
	ErrorMessage string `gorm:"type:text"`
	UpdatedAt    time.Time
}

// TableName keeps the buffer table name shared with the legacy ingest path.
func (RawPosition) TableName() string { return "gps_raw_buffer" }
