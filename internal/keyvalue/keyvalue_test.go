package keyvalue

import (
	"errors"
	"testing"

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
	if err := db.AutoMigrate(&models.SystemSetting{}); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	return db
}

func TestNewStoreRequiresDB(t *testing.T) {
	if _, err := NewStore(nil); err == nil {
		t.Fatal("expected error for nil db")
	}
}

func TestSetGetRoundTrip(t *testing.T) {
	store, err := NewStore(testDB(t))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	type doc struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}

	if err := store.Set("sync.progress", "smart_slow_sync", doc{Name: "run-1", Count: 7}); err != nil {
		t.Fatalf("set: %v", err)
	}

	var got doc
	if err := store.Get("sync.progress", &got); err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Name != "run-1" || got.Count != 7 {
		t.Errorf("got %+v, want {run-1 7}", got)
	}
}

func TestSetOverwrites(t *testing.T) {
	store, _ := NewStore(testDB(t))

	if err := store.Set("k", "c", 1); err != nil {
		t.Fatalf("first set: %v", err)
	}
	if err := store.Set("k", "c", 2); err != nil {
		t.Fatalf("second set: %v", err)
	}

	var got int
	if err := store.Get("k", &got); err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != 2 {
		t.Errorf("got %d, want 2", got)
	}
}

func TestGetMissingKey(t *testing.T) {
	store, _ := NewStore(testDB(t))

	var out int
	if err := store.Get("absent", &out); !errors.Is(err, ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	store, _ := NewStore(testDB(t))

	if err := store.Set("k", "c", "v"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := store.Delete("k"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := store.Delete("k"); err != nil {
		t.Fatalf("second delete: %v", err)
	}

	var out string
	if err := store.Get("k", &out); !errors.Is(err, ErrNotFound) {
		t.Errorf("got %v after delete, want ErrNotFound", err)
	}
}

func TestKeysFiltersByCategory(t *testing.T) {
	store, _ := NewStore(testDB(t))

	store.Set("b.two", "smart_slow_sync", 2)
	store.Set("a.one", "smart_slow_sync", 1)
	store.Set("other", "general", 3)

	keys, err := store.Keys("smart_slow_sync")
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	if len(keys) != 2 || keys[0] != "a.one" || keys[1] != "b.two" {
		t.Errorf("got %v, want [a.one b.two]", keys)
	}
}
