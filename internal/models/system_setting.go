package models

import "time"

// SystemSetting is one row of the JSON key-value namespace shared with the
// admin surface. The slow-sync scheduler persists its config, progress and
// checkpoints here under the smart_slow_sync category.
type SystemSetting struct {
	Key         string `gorm:"primaryKey;size:128"`
	Value       string `gorm:"type:text;not null"`
	Type        string `gorm:"size:16;default:json"`
	Category    string `gorm:"size:64;index"`
	Description string `gorm:"size:255"`
	UpdatedAt   time.Time
}

func (SystemSetting) TableName() string { return "system_settings" }
