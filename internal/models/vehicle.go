package models

import "time"

// Vehicle is the fleet registry row. CRUD is owned by the administration
// module; the pipeline only reads it (identity resolution, sync queue) and
// updates LastSyncedAt after a successful historical sync.
type Vehicle struct {
	ID           int64  `gorm:"primaryKey;autoIncrement"`
	GarageNo     string `gorm:"size:20;uniqueIndex;not null"`
	LegacyID     *int64
	Registration string `gorm:"size:20"`
	// No column default: gorm skips zero-valued fields that carry one, which
	// would silently store deactivated vehicles as active.
	Active       bool   `gorm:"index"`
	SyncPriority int    `gorm:"default:0"`
	LastSyncedAt *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (Vehicle) TableName() string { return "bus_vehicles" }
