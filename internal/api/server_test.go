package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/buslogic/smart-city-sub000/internal/buffer"
	"github.com/buslogic/smart-city-sub000/internal/config"
	"github.com/buslogic/smart-city-sub000/internal/models"
	"github.com/buslogic/smart-city-sub000/internal/timeseries"
	"github.com/buslogic/smart-city-sub000/internal/vehicles"
	"github.com/gin-gonic/gin"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type nullSink struct{}

func (nullSink) InsertPositions(_ context.Context, positions []timeseries.Position) (int, error) {
	return len(positions), nil
}

func testRouter(t *testing.T, ingest config.IngestConfig) (*gin.Engine, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := db.AutoMigrate(&models.Vehicle{}, &models.RawPosition{}, &models.BackfillJob{}); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}

	legacyID := int64(460)
	if err := db.Create(&models.Vehicle{GarageNo: "P93597", LegacyID: &legacyID, Active: true}).Error; err != nil {
		t.Fatalf("seed vehicle: %v", err)
	}

	drainCfg := config.DrainConfig{
		IntervalSeconds: 30, BatchSize: 1000, RetryLimit: 3, WorkerGroups: 8,
		CleanupProcessedMinutes: 5, CleanupFailedHours: 2, StuckThresholdMinutes: 10,
	}
	processor, err := buffer.NewProcessor(db, nullSink{}, drainCfg, io.Discard)
	if err != nil {
		t.Fatalf("new processor: %v", err)
	}
	resolver, err := vehicles.NewResolver(db)
	if err != nil {
		t.Fatalf("new resolver: %v", err)
	}

	router, err := newRouter(StartOpts{
		DB:        db,
		Processor: processor,
		Resolver:  resolver,
		Ingest:    ingest,
		Drain:     drainCfg,
		Port:      8080,
	})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	return router, db
}

func defaultIngest() config.IngestConfig {
	return config.IngestConfig{APIKey: "secret-key", MaxBatchSize: 500, RatePerSec: 1000, RateBurst: 1000}
}

func postBatch(router *gin.Engine, key string, body any) *httptest.ResponseRecorder {
	data, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, "/gps-ingest/batch", bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("X-API-Key", key)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func point(garage string) map[string]any {
	return map[string]any{
		"garageNo":  garage,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"lat":       44.8125,
		"lng":       20.4612,
		"speed":     42,
	}
}

func TestIngestRejectsBadKey(t *testing.T) {
	router, _ := testRouter(t, defaultIngest())

	w := postBatch(router, "wrong", map[string]any{"data": []any{point("P93597")}})
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}

	w = postBatch(router, "", map[string]any{"data": []any{point("P93597")}})
	if w.Code != http.StatusUnauthorized {
		t.Errorf("missing key status = %d, want 401", w.Code)
	}
}

func TestIngestRejectsEmptyBatch(t *testing.T) {
	router, _ := testRouter(t, defaultIngest())
	w := postBatch(router, "secret-key", map[string]any{"data": []any{}})
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestIngestRejectsOversizedBatch(t *testing.T) {
	cfg := defaultIngest()
	cfg.MaxBatchSize = 2
	router, _ := testRouter(t, cfg)

	w := postBatch(router, "secret-key", map[string]any{
		"data": []any{point("P93597"), point("P93597"), point("P93597")},
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestIngestStagesResolvedPoints(t *testing.T) {
	router, db := testRouter(t, defaultIngest())

	w := postBatch(router, "secret-key", map[string]any{
		"data": []any{point("P93597"), point("P93597"), point("UNKNOWN")},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}

	var resp struct {
		Accepted int `json:"accepted"`
		Skipped  int `json:"skipped"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Accepted != 2 || resp.Skipped != 1 {
		t.Errorf("accepted/skipped = %d/%d, want 2/1", resp.Accepted, resp.Skipped)
	}

	// Staging is asynchronous; wait for the rows to land.
	deadline := time.Now().Add(2 * time.Second)
	for {
		var n int64
		db.Model(&models.RawPosition{}).Count(&n)
		if n == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("buffer has %d rows, want 2", n)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestIngestAcceptsZeroCoordinates(t *testing.T) {
	router, _ := testRouter(t, defaultIngest())

	// A GPS fix at 0,0 is unusual but valid; only absent coordinates are
	// malformed.
	p := point("P93597")
	p["lat"] = 0.0
	p["lng"] = 0.0
	w := postBatch(router, "secret-key", map[string]any{"data": []any{p}})
	if w.Code != http.StatusOK {
		t.Errorf("zero coordinates status = %d, want 200: %s", w.Code, w.Body.String())
	}

	p = point("P93597")
	delete(p, "lat")
	w = postBatch(router, "secret-key", map[string]any{"data": []any{p}})
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing lat status = %d, want 400", w.Code)
	}
}

func TestIngestRateLimit(t *testing.T) {
	cfg := defaultIngest()
	cfg.RatePerSec = 1
	cfg.RateBurst = 1
	router, _ := testRouter(t, cfg)

	if w := postBatch(router, "secret-key", map[string]any{"data": []any{point("P93597")}}); w.Code != http.StatusOK {
		t.Fatalf("first request status = %d", w.Code)
	}
	if w := postBatch(router, "secret-key", map[string]any{"data": []any{point("P93597")}}); w.Code != http.StatusTooManyRequests {
		t.Errorf("second request status = %d, want 429", w.Code)
	}
}

func TestBufferStatusEndpoint(t *testing.T) {
	router, db := testRouter(t, defaultIngest())

	group := 4
	rows := []models.RawPosition{
		{VehicleID: 460, Timestamp: time.Now(), ReceivedAt: time.Now(), ProcessStatus: buffer.StatusPending, WorkerGroup: &group},
		{VehicleID: 460, Timestamp: time.Now(), ReceivedAt: time.Now(), ProcessStatus: buffer.StatusFailed, WorkerGroup: &group},
	}
	if err := db.Create(&rows).Error; err != nil {
		t.Fatalf("seed buffer: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/buffer/status", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var status buffer.Status
	if err := json.Unmarshal(w.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if status.Pending != 1 || status.Failed != 1 {
		t.Errorf("status %+v, want 1 pending and 1 failed", status)
	}
}

func TestManualDrainEndpoint(t *testing.T) {
	router, db := testRouter(t, defaultIngest())

	group := 4
	row := models.RawPosition{
		VehicleID: 460, GarageNo: "P93597", Timestamp: time.Now().UTC(),
		ReceivedAt: time.Now().UTC(), ProcessStatus: buffer.StatusPending, WorkerGroup: &group,
	}
	if err := db.Create(&row).Error; err != nil {
		t.Fatalf("seed buffer: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/buffer/drain", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var stats buffer.DrainStats
	if err := json.Unmarshal(w.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if stats.Inserted != 1 {
		t.Errorf("drained %d rows, want 1", stats.Inserted)
	}
}

func TestHealthEndpoint(t *testing.T) {
	router, _ := testRouter(t, defaultIngest())

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !bytes.Contains(w.Body.Bytes(), []byte("buffer")) {
		t.Errorf("unexpected health body: %s", w.Body.String())
	}
}

func TestNewRouterValidation(t *testing.T) {
	if _, err := newRouter(StartOpts{}); err == nil {
		t.Error("expected error with no dependencies")
	}
}
