// Package vehicles resolves garage numbers and legacy IDs to vehicle rows,
// with a short-lived in-memory cache in front of the registry table.
package vehicles

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/buslogic/smart-city-sub000/internal/models"
	"gorm.io/gorm"
)

// ErrUnknownVehicle is returned when no registry row matches the lookup.
var ErrUnknownVehicle = errors.New("vehicles: unknown vehicle")

const cacheTTL = 5 * time.Minute

type cacheEntry struct {
	vehicle models.Vehicle
	loaded  time.Time
}

// Resolver maps garage numbers and legacy IDs onto registry rows. Lookups
// hit the cache first; entries expire after five minutes so registry edits
// show up without a restart. Invalidate drops an entry immediately.
type Resolver struct {
	db *gorm.DB

	mu       sync.Mutex
	byGarage map[string]cacheEntry
	byLegacy map[int64]cacheEntry

	now func() time.Time
}

// NewResolver returns a Resolver over the given state database.
func NewResolver(db *gorm.DB) (*Resolver, error) {
	if db == nil {
		return nil, fmt.Errorf("vehicles: db is required")
	}
	return &Resolver{
		db:       db,
		byGarage: make(map[string]cacheEntry),
		byLegacy: make(map[int64]cacheEntry),
		now:      time.Now,
	}, nil
}

// ByGarageNo resolves a garage number to its vehicle row.
func (r *Resolver) ByGarageNo(garageNo string) (models.Vehicle, error) {
	r.mu.Lock()
	if e, ok := r.byGarage[garageNo]; ok && r.now().Sub(e.loaded) < cacheTTL {
		r.mu.Unlock()
		return e.vehicle, nil
	}
	r.mu.Unlock()

	var v models.Vehicle
	err := r.db.Where("garage_no = ?", garageNo).First(&v).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.Vehicle{}, fmt.Errorf("%w: garage %s", ErrUnknownVehicle, garageNo)
	}
	if err != nil {
		return models.Vehicle{}, fmt.Errorf("vehicles: lookup garage %s: %w", garageNo, err)
	}

	r.store(v)
	return v, nil
}

// ByLegacyID resolves a legacy-system vehicle ID to its vehicle row.
func (r *Resolver) ByLegacyID(legacyID int64) (models.Vehicle, error) {
	r.mu.Lock()
	if e, ok := r.byLegacy[legacyID]; ok && r.now().Sub(e.loaded) < cacheTTL {
		r.mu.Unlock()
		return e.vehicle, nil
	}
	r.mu.Unlock()

	var v models.Vehicle
	err := r.db.Where("legacy_id = ?", legacyID).First(&v).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.Vehicle{}, fmt.Errorf("%w: legacy id %d", ErrUnknownVehicle, legacyID)
	}
	if err != nil {
		return models.Vehicle{}, fmt.Errorf("vehicles: lookup legacy id %d: %w", legacyID, err)
	}

	r.store(v)
	return v, nil
}

// ActiveForSync returns active vehicles ordered by sync priority (highest
// first), then by least-recently-synced. This is the slow-sync queue order.
func (r *Resolver) ActiveForSync() ([]models.Vehicle, error) {
	var out []models.Vehicle
	err := r.db.Where("active = ?", true).
		Order("sync_priority DESC").
		Order("last_synced_at IS NOT NULL, last_synced_at ASC").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("vehicles: list active: %w", err)
	}
	return out, nil
}

// MarkSynced stamps the vehicle's last_synced_at and refreshes the cache.
func (r *Resolver) MarkSynced(vehicleID int64, at time.Time) error {
	err := r.db.Model(&models.Vehicle{}).
		Where("id = ?", vehicleID).
		Update("last_synced_at", at).Error
	if err != nil {
		return fmt.Errorf("vehicles: mark synced %d: %w", vehicleID, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for k, e := range r.byGarage {
		if e.vehicle.ID == vehicleID {
			delete(r.byGarage, k)
		}
	}
	for k, e := range r.byLegacy {
		if e.vehicle.ID == vehicleID {
			delete(r.byLegacy, k)
		}
	}
	return nil
}

// Invalidate drops any cached entries for the garage number.
func (r *Resolver) Invalidate(garageNo string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.byGarage[garageNo]; ok {
		if e.vehicle.LegacyID != nil {
			delete(r.byLegacy, *e.vehicle.LegacyID)
		}
		delete(r.byGarage, garageNo)
	}
}

func (r *Resolver) store(v models.Vehicle) {
	e := cacheEntry{vehicle: v, loaded: r.now()}
	r.mu.Lock()
	r.byGarage[v.GarageNo] = e
	if v.LegacyID != nil {
		r.byLegacy[*v.LegacyID] = e
	}
	r.mu.Unlock()
}
