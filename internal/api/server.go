// Package api is the HTTP surface of the pipeline: the GPS batch ingest
// endpoint and the admin endpoints that drive the buffer, backfill,
// slow-sync and range-fix components.
package api

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/buslogic/smart-city-sub000/internal/backfill"
	"github.com/buslogic/smart-city-sub000/internal/buffer"
	"github.com/buslogic/smart-city-sub000/internal/config"
	"github.com/buslogic/smart-city-sub000/internal/rangefix"
	"github.com/buslogic/smart-city-sub000/internal/slowsync"
	"github.com/buslogic/smart-city-sub000/internal/vehicles"
	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

// Handler timeouts: reads are quick, triggers may touch the databases.
const (
	statusTimeout  = 10 * time.Second
	triggerTimeout = 30 * time.Second
)

// StartOpts holds the server's dependencies.
type StartOpts struct {
	DB        *gorm.DB
	Processor *buffer.Processor
	Resolver  *vehicles.Resolver
	Pool      *backfill.Pool
	Scheduler *slowsync.Scheduler
	RangeFix  *rangefix.Runner
	Ingest    config.IngestConfig
	Backfill  config.BackfillConfig
	Drain     config.DrainConfig
	Port      int
	Out       io.Writer
}

// Start launches the HTTP server. It blocks until ctx is cancelled, then
// shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	router, err := newRouter(opts)
	if err != nil {
		return err
	}

	addr := fmt.Sprintf(":%d", opts.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "API listening on %s\n", addr)
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api: %w", err)
	}
	return nil
}

// newRouter wires all routes. Split from Start so tests can drive the
// router without a listener.
func newRouter(opts StartOpts) (*gin.Engine, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("api: db is required")
	}
	if opts.Processor == nil {
		return nil, fmt.Errorf("api: buffer processor is required")
	}
	if opts.Resolver == nil {
		return nil, fmt.Errorf("api: vehicle resolver is required")
	}
	if opts.Ingest.APIKey == "" {
		return nil, fmt.Errorf("api: ingest api key is required")
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	limiter := rate.NewLimiter(rate.Limit(opts.Ingest.RatePerSec), opts.Ingest.RateBurst)
	registerRoutes(router, opts, limiter)
	return router, nil
}
