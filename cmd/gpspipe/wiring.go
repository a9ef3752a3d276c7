package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/buslogic/smart-city-sub000/internal/backfill"
	"github.com/buslogic/smart-city-sub000/internal/buffer"
	"github.com/buslogic/smart-city-sub000/internal/config"
	"github.com/buslogic/smart-city-sub000/internal/db"
	"github.com/buslogic/smart-city-sub000/internal/legacy"
	"github.com/buslogic/smart-city-sub000/internal/timeseries"
	"github.com/jackc/pgx/v5/pgxpool"
	"gorm.io/gorm"
)

// legacySubtype selects which legacy_databases row feeds the historical
// sync. There is one legacy GPS server family today.
const legacySubtype = "city_gps_ticketing_database"

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// stateDB connects to the MySQL state store from config.
func stateDB(cfg *config.Config) (*gorm.DB, error) {
	gormDB, err := db.Connect(cfg.StateDB)
	if err != nil {
		return nil, fmt.Errorf("connect to state db at %s:%d: %w", cfg.StateDB.Host, cfg.StateDB.Port, err)
	}
	return gormDB, nil
}

// timescaleStore connects to TimescaleDB and wraps the pool in a Store.
func timescaleStore(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, *timeseries.Store, error) {
	pool, err := db.ConnectTimescale(ctx, cfg.Timescale.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to timescale: %w", err)
	}
	store, err := timeseries.NewStore(pool)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	return pool, store, nil
}

// newBackfillPool assembles the historical-sync pool: active legacy
// credential, SSH source writing into the store, bounded worker pool.
func newBackfillPool(gormDB *gorm.DB, store *timeseries.Store, cfg *config.Config, out io.Writer) (*backfill.Pool, error) {
	cred, err := legacy.ActiveCredential(gormDB, legacySubtype)
	if err != nil {
		return nil, err
	}
	source, err := legacy.NewSSHSource(cred, cfg.Legacy, store)
	if err != nil {
		return nil, err
	}
	return backfill.NewPool(gormDB, source, store, cfg.Backfill, nil, out)
}

func newProcessor(gormDB *gorm.DB, store *timeseries.Store, cfg *config.Config, out io.Writer) (*buffer.Processor, error) {
	return buffer.NewProcessor(gormDB, store, cfg.Drain, out)
}

// Admin API client helpers. The slow-sync scheduler lives inside the
// daemon process, so its verbs go over the daemon's HTTP surface rather
// than mutating persisted state behind its back.

func apiBase(cfg *config.Config) string {
	return fmt.Sprintf("http://127.0.0.1:%d", cfg.API.Port)
}

func adminGet(cfg *config.Config, path string) ([]byte, error) {
	return adminDo(cfg, http.MethodGet, path, nil)
}

func adminPost(cfg *config.Config, path string, body any) ([]byte, error) {
	return adminDo(cfg, http.MethodPost, path, body)
}

func adminPut(cfg *config.Config, path string, body any) ([]byte, error) {
	return adminDo(cfg, http.MethodPut, path, body)
}

func adminDo(cfg *config.Config, method, path string, body any) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, apiBase(cfg)+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call daemon at %s: %w (is the daemon running?)", apiBase(cfg), err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("daemon returned %d: %s", resp.StatusCode, data)
	}
	return data, nil
}

// printJSON re-indents a JSON response for the terminal.
func printJSON(out io.Writer, data []byte) {
	var buf bytes.Buffer
	if err := json.Indent(&buf, data, "", "  "); err != nil {
		fmt.Fprintln(out, string(data))
		return
	}
	fmt.Fprintln(out, buf.String())
}
