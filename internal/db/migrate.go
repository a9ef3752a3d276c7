package db

import (
	"fmt"

	"github.com/buslogic/smart-city-sub000/internal/models"
	"gorm.io/gorm"
)

// AutoMigrate creates or updates all state-database tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(models.AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}
