// Package keyvalue stores JSON documents in the shared system_settings
// table. The slow-sync scheduler keeps its config, progress and checkpoints
// here so they survive restarts and stay visible to the admin surface.
package keyvalue

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/buslogic/smart-city-sub000/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrNotFound is returned by Get when no row exists for the key.
var ErrNotFound = errors.New("keyvalue: key not found")

// Store reads and writes JSON values keyed by setting name.
type Store struct {
	db *gorm.DB
}

// NewStore returns a Store backed by the given state database.
func NewStore(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("keyvalue: db is required")
	}
	return &Store{db: db}, nil
}

// Get unmarshals the value stored under key into out.
func (s *Store) Get(key string, out any) error {
	var row models.SystemSetting
	err := s.db.Where("`key` = ?", key).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("keyvalue: get %s: %w", key, err)
	}
	if err := json.Unmarshal([]byte(row.Value), out); err != nil {
		return fmt.Errorf("keyvalue: decode %s: %w", key, err)
	}
	return nil
}

// Set upserts value under key as JSON, tagged with the given category.
func (s *Store) Set(key, category string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("keyvalue: encode %s: %w", key, err)
	}
	row := models.SystemSetting{
		Key:       key,
		Value:     string(data),
		Type:      "json",
		Category:  category,
		UpdatedAt: time.Now().UTC(),
	}
	err = s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "type", "category", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("keyvalue: set %s: %w", key, err)
	}
	return nil
}

// Delete removes the row for key. Deleting a missing key is not an error.
func (s *Store) Delete(key string) error {
	if err := s.db.Where("`key` = ?", key).Delete(&models.SystemSetting{}).Error; err != nil {
		return fmt.Errorf("keyvalue: delete %s: %w", key, err)
	}
	return nil
}

// Keys returns all keys in a category, ordered by key.
func (s *Store) Keys(category string) ([]string, error) {
	var keys []string
	err := s.db.Model(&models.SystemSetting{}).
		Where("category = ?", category).
		Order("`key`").
		Pluck("`key`", &keys).Error
	if err != nil {
		return nil, fmt.Errorf("keyvalue: list category %s: %w", category, err)
	}
	return keys, nil
}
