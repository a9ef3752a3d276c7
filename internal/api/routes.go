package api

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/buslogic/smart-city-sub000/internal/backfill"
	"github.com/buslogic/smart-city-sub000/internal/buffer"
	"github.com/buslogic/smart-city-sub000/internal/config"
	"github.com/buslogic/smart-city-sub000/internal/models"
	"github.com/buslogic/smart-city-sub000/internal/rangefix"
	"github.com/buslogic/smart-city-sub000/internal/slowsync"
	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

// registerRoutes sets up the ingest endpoint and the admin API.
func registerRoutes(router *gin.Engine, opts StartOpts, limiter *rate.Limiter) {
	router.GET("/health", handleHealth(opts.DB, opts.Drain))

	router.POST("/gps-ingest/batch", handleIngestBatch(
		opts.DB, opts.Resolver, limiter, opts.Ingest.APIKey,
		opts.Ingest.MaxBatchSize, opts.Drain.WorkerGroups))

	adm := router.Group("/api")
	{
		adm.GET("/buffer/status", handleBufferStatus(opts.DB))
		adm.POST("/buffer/drain", handleBufferDrain(opts.Processor))
		adm.POST("/buffer/cleanup", handleBufferCleanup(opts.Processor))
		adm.POST("/buffer/recover", handleBufferRecover(opts.Processor))

		if opts.Pool != nil {
			adm.POST("/backfill/start", handleBackfillStart(opts.DB, opts.Pool))
			adm.POST("/backfill/stop", handleBackfillStop())
			adm.GET("/backfill/status", handleBackfillStatus(opts.Pool))
			adm.GET("/backfill/history", handleBackfillHistory(opts.DB))
		}

		if opts.Scheduler != nil {
			adm.POST("/slowsync/start", schedulerAction(opts.Scheduler.Start))
			adm.POST("/slowsync/pause", schedulerAction(opts.Scheduler.Pause))
			adm.POST("/slowsync/resume", schedulerAction(opts.Scheduler.Resume))
			adm.POST("/slowsync/stop", schedulerAction(opts.Scheduler.Stop))
			adm.POST("/slowsync/reset", schedulerAction(opts.Scheduler.ResetProgress))
			adm.GET("/slowsync/progress", handleSlowSyncProgress(opts.Scheduler))
			adm.GET("/slowsync/config", handleSlowSyncGetConfig(opts.Scheduler))
			adm.PUT("/slowsync/config", handleSlowSyncPutConfig(opts.Scheduler))
		}

		if opts.RangeFix != nil {
			adm.POST("/rangefix/run", handleRangeFixRun(opts.RangeFix))
			adm.GET("/rangefix/progress", handleRangeFixProgress(opts.RangeFix))
		}
	}
}

func handleHealth(db *gorm.DB, drain config.DrainConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), statusTimeout)
		defer cancel()

		status, err := buffer.CurrentStatus(db.WithContext(ctx))
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		interval := time.Duration(drain.IntervalSeconds) * time.Second
		c.JSON(http.StatusOK, gin.H{
			"buffer":     status,
			"backlogged": status.Backlogged(interval, time.Now().UTC()),
		})
	}
}

func handleBufferStatus(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), statusTimeout)
		defer cancel()

		status, err := buffer.CurrentStatus(db.WithContext(ctx))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, status)
	}
}

func handleBufferDrain(p *buffer.Processor) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), triggerTimeout)
		defer cancel()

		stats, err := p.Drain(ctx)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, stats)
	}
}

func handleBufferCleanup(p *buffer.Processor) gin.HandlerFunc {
	return func(c *gin.Context) {
		stats, err := p.Cleanup()
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, stats)
	}
}

func handleBufferRecover(p *buffer.Processor) gin.HandlerFunc {
	return func(c *gin.Context) {
		recovered, err := p.RecoverStuck()
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		assigned, err := p.AssignWorkerGroups()
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"recovered": recovered, "groups_assigned": assigned})
	}
}

type backfillRequest struct {
	GarageNos []string `json:"garageNos" binding:"required"`
	From      string   `json:"from" binding:"required"` // 2006-01-02
	To        string   `json:"to" binding:"required"`
}

// backfillActive guards against overlapping manual backfill runs;
// backfillCancel aborts the active one.
var (
	backfillActive atomic.Bool
	backfillMu     sync.Mutex
	backfillCancel context.CancelFunc
)

func handleBackfillStart(db *gorm.DB, pool *backfill.Pool) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req backfillRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		from, err := time.ParseInLocation("2006-01-02", req.From, time.UTC)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "bad from date: " + err.Error()})
			return
		}
		to, err := time.ParseInLocation("2006-01-02", req.To, time.UTC)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "bad to date: " + err.Error()})
			return
		}
		if !to.After(from) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "to must be after from"})
			return
		}

		var fleet []models.Vehicle
		if err := db.Where("garage_no IN ? AND active = ?", req.GarageNos, true).Find(&fleet).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if len(fleet) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "no matching active vehicles"})
			return
		}

		if !backfillActive.CompareAndSwap(false, true) {
			c.JSON(http.StatusConflict, gin.H{"error": "backfill already running"})
			return
		}

		runCtx, cancel := context.WithCancel(context.Background())
		backfillMu.Lock()
		backfillCancel = cancel
		backfillMu.Unlock()

		jobID := fmt.Sprintf("backfill-%d", time.Now().Unix())
		go func() {
			defer func() {
				cancel()
				backfillActive.Store(false)
			}()
			_, err := pool.Run(runCtx, fleet, from, to, jobID,
				backfill.Options{RefreshAggregates: true, DetectEvents: true})
			if err != nil {
				log.Printf("api: backfill %s: %v", jobID, err)
			}
		}()

		c.JSON(http.StatusAccepted, gin.H{"job_id": jobID, "vehicles": len(fleet)})
	}
}

func handleBackfillStop() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !backfillActive.Load() {
			c.JSON(http.StatusConflict, gin.H{"error": "no backfill running"})
			return
		}
		backfillMu.Lock()
		if backfillCancel != nil {
			backfillCancel()
		}
		backfillMu.Unlock()
		c.JSON(http.StatusOK, gin.H{"stopping": true})
	}
}

func handleBackfillStatus(pool *backfill.Pool) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"running": backfillActive.Load(),
			"workers": pool.Board().Snapshot(),
		})
	}
}

func handleBackfillHistory(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), statusTimeout)
		defer cancel()

		var jobs []models.BackfillJob
		err := db.WithContext(ctx).Order("started_at DESC").Limit(50).Find(&jobs).Error
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, jobs)
	}
}

// schedulerAction adapts the scheduler's state transitions to handlers.
func schedulerAction(fn func() error) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := fn(); err != nil {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true})
	}
}

func handleSlowSyncProgress(s *slowsync.Scheduler) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, s.Progress())
	}
}

func handleSlowSyncGetConfig(s *slowsync.Scheduler) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, s.Config())
	}
}

func handleSlowSyncPutConfig(s *slowsync.Scheduler) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body struct {
			Preset string          `json:"preset"`
			Config *slowsync.Config `json:"config"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		var cfg slowsync.Config
		switch {
		case body.Config != nil:
			cfg = *body.Config
			cfg.Preset = slowsync.PresetCustom
		case body.Preset != "":
			preset, err := slowsync.PresetConfig(body.Preset)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			cfg = preset
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": "preset or config required"})
			return
		}

		if err := s.UpdateConfig(cfg); err != nil {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, s.Config())
	}
}

type rangeFixRequest struct {
	Date          string `json:"date" binding:"required"` // 2006-01-02
	Parts         int    `json:"parts"`
	MaxConcurrent int    `json:"maxConcurrent"`
	BatchSize     int    `json:"batchSize"`
}

func handleRangeFixRun(r *rangefix.Runner) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req rangeFixRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		day, err := time.ParseInLocation("2006-01-02", req.Date, time.UTC)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "bad date: " + err.Error()})
			return
		}
		if req.Parts == 0 {
			req.Parts = 4
		}
		if req.MaxConcurrent == 0 {
			req.MaxConcurrent = 2
		}
		if req.BatchSize == 0 {
			req.BatchSize = 10000
		}

		go func() {
			if _, err := r.Run(context.Background(), day, req.Parts, req.MaxConcurrent, req.BatchSize); err != nil {
				log.Printf("api: rangefix %s: %v", req.Date, err)
			}
		}()
		c.JSON(http.StatusAccepted, gin.H{"date": req.Date, "parts": req.Parts})
	}
}

func handleRangeFixProgress(r *rangefix.Runner) gin.HandlerFunc {
	return func(c *gin.Context) {
		day, err := time.ParseInLocation("2006-01-02", c.Query("date"), time.UTC)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "date query parameter required as YYYY-MM-DD"})
			return
		}
		ctx, cancel := context.WithTimeout(c.Request.Context(), statusTimeout)
		defer cancel()

		p, err := r.Progress(ctx, day)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, p)
	}
}
