package vehicles

import (
	"errors"
	"testing"
	"time"

	"github.com/buslogic/smart-city-sub000/internal/models"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := db.AutoMigrate(&models.Vehicle{}); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	return db
}

func seedVehicle(t *testing.T, db *gorm.DB, garageNo string, legacyID int64) models.Vehicle {
	t.Helper()
	v := models.Vehicle{GarageNo: garageNo, LegacyID: &legacyID, Active: true}
	if err := db.Create(&v).Error; err != nil {
		t.Fatalf("seed vehicle %s: %v", garageNo, err)
	}
	return v
}

func TestByGarageNoCachesWithinTTL(t *testing.T) {
	db := testDB(t)
	seedVehicle(t, db, "P93597", 460)

	r, err := NewResolver(db)
	if err != nil {
		t.Fatalf("new resolver: %v", err)
	}

	base := time.Now()
	r.now = func() time.Time { return base }

	v1, err := r.ByGarageNo("P93597")
	if err != nil {
		t.Fatalf("first lookup: %v", err)
	}

	// Change the row behind the cache. Within the TTL the stale cached
	// value must still be served.
	if err := db.Model(&models.Vehicle{}).Where("id = ?", v1.ID).Update("registration", "BG-123").Error; err != nil {
		t.Fatalf("update vehicle: %v", err)
	}

	r.now = func() time.Time { return base.Add(4 * time.Minute) }
	v2, err := r.ByGarageNo("P93597")
	if err != nil {
		t.Fatalf("cached lookup: %v", err)
	}
	if v2.Registration != "" {
		t.Errorf("expected cached row, got registration %q", v2.Registration)
	}

	r.now = func() time.Time { return base.Add(6 * time.Minute) }
	v3, err := r.ByGarageNo("P93597")
	if err != nil {
		t.Fatalf("expired lookup: %v", err)
	}
	if v3.Registration != "BG-123" {
		t.Errorf("expected reload after TTL, got registration %q", v3.Registration)
	}
}

func TestByGarageNoUnknown(t *testing.T) {
	r, _ := NewResolver(testDB(t))
	if _, err := r.ByGarageNo("NOPE"); !errors.Is(err, ErrUnknownVehicle) {
		t.Errorf("got %v, want ErrUnknownVehicle", err)
	}
}

func TestByLegacyID(t *testing.T) {
	db := testDB(t)
	want := seedVehicle(t, db, "P93598", 461)

	r, _ := NewResolver(db)
	got, err := r.ByLegacyID(461)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got.ID != want.ID || got.GarageNo != "P93598" {
		t.Errorf("got %+v, want id=%d garage=P93598", got, want.ID)
	}
}

func TestInvalidateDropsCache(t *testing.T) {
	db := testDB(t)
	seedVehicle(t, db, "P93599", 462)

	r, _ := NewResolver(db)
	if _, err := r.ByGarageNo("P93599"); err != nil {
		t.Fatalf("prime cache: %v", err)
	}

	if err := db.Model(&models.Vehicle{}).Where("garage_no = ?", "P93599").Update("registration", "BG-999").Error; err != nil {
		t.Fatalf("update vehicle: %v", err)
	}

	r.Invalidate("P93599")
	got, err := r.ByGarageNo("P93599")
	if err != nil {
		t.Fatalf("lookup after invalidate: %v", err)
	}
	if got.Registration != "BG-999" {
		t.Errorf("expected fresh row after invalidate, got %q", got.Registration)
	}
}

func TestActiveForSyncOrder(t *testing.T) {
	db := testDB(t)

	old := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	newer := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

	legacy := int64(1)
	mk := func(garage string, prio int, synced *time.Time, active bool) {
		legacy++
		id := legacy
		v := models.Vehicle{GarageNo: garage, LegacyID: &id, Active: active, SyncPriority: prio, LastSyncedAt: synced}
		if err := db.Create(&v).Error; err != nil {
			t.Fatalf("seed %s: %v", garage, err)
		}
	}

	mk("LOW-NEW", 0, &newer, true)
	mk("LOW-OLD", 0, &old, true)
	mk("LOW-NEVER", 0, nil, true)
	mk("HIGH", 5, &newer, true)
	mk("INACTIVE", 9, nil, false)

	r, _ := NewResolver(db)
	got, err := r.ActiveForSync()
	if err != nil {
		t.Fatalf("active for sync: %v", err)
	}

	var order []string
	for _, v := range got {
		order = append(order, v.GarageNo)
	}
	want := []string{"HIGH", "LOW-NEVER", "LOW-OLD", "LOW-NEW"}
	if len(order) != len(want) {
		t.Fatalf("got %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("got %v, want %v", order, want)
		}
	}
}

func TestMarkSyncedInvalidates(t *testing.T) {
	db := testDB(t)
	v := seedVehicle(t, db, "P93600", 470)

	r, _ := NewResolver(db)
	if _, err := r.ByGarageNo("P93600"); err != nil {
		t.Fatalf("prime cache: %v", err)
	}

	at := time.Date(2026, 8, 1, 3, 0, 0, 0, time.UTC)
	if err := r.MarkSynced(v.ID, at); err != nil {
		t.Fatalf("mark synced: %v", err)
	}

	got, err := r.ByGarageNo("P93600")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got.LastSyncedAt == nil || !got.LastSyncedAt.Equal(at) {
		t.Errorf("got last_synced_at %v, want %v", got.LastSyncedAt, at)
	}
}
