package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/buslogic/smart-city-sub000/internal/api"
	"github.com/buslogic/smart-city-sub000/internal/buffer"
	"github.com/buslogic/smart-city-sub000/internal/config"
	"github.com/buslogic/smart-city-sub000/internal/keyvalue"
	"github.com/buslogic/smart-city-sub000/internal/models"
	"github.com/buslogic/smart-city-sub000/internal/notify"
	"github.com/buslogic/smart-city-sub000/internal/rangefix"
	"github.com/buslogic/smart-city-sub000/internal/slowsync"
	"github.com/buslogic/smart-city-sub000/internal/vehicles"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"gorm.io/gorm"
)

// syncHistoryRetention bounds the gps_sync_history audit trail.
const syncHistoryRetention = 90 * 24 * time.Hour

func newDaemonCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the pipeline daemon",
		Long:  "Starts the ingest API and the background schedules: buffer drain, cleanup, stuck-row recovery, slow-sync ticks and history pruning. Runs until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "gpspipe.yaml", "path to gpspipe config file")
	return cmd
}

func runDaemon(cmd *cobra.Command, configPath string) error {
	out := cmd.OutOrStdout()

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gormDB, err := stateDB(cfg)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Connected to state db %s at %s:%d\n", cfg.StateDB.Database, cfg.StateDB.Host, cfg.StateDB.Port)

	pool, store, err := timescaleStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer pool.Close()
	fmt.Fprintln(out, "Connected to TimescaleDB")

	processor, err := newProcessor(gormDB, store, cfg, out)
	if err != nil {
		return err
	}
	resolver, err := vehicles.NewResolver(gormDB)
	if err != nil {
		return err
	}

	// The historical-sync side needs an active legacy credential. Without
	// one the live ingest path still runs; backfill and slow sync stay off
	// until a credential is added.
	bfPool, err := newBackfillPool(gormDB, store, cfg, out)
	if err != nil {
		log.Printf("daemon: backfill disabled: %v", err)
		bfPool = nil
	}

	var scheduler *slowsync.Scheduler
	if bfPool != nil {
		kv, err := keyvalue.NewStore(gormDB)
		if err != nil {
			return err
		}
		notifier, err := notify.New(cfg.Notify.SlackToken, cfg.Notify.SlackChannel)
		if err != nil {
			return err
		}
		scheduler, err = slowsync.NewScheduler(gormDB, kv, resolver, bfPool, store, notifier, out)
		if err != nil {
			return err
		}
	}

	pgexec, err := rangefix.NewPGExecutor(pool)
	if err != nil {
		return err
	}
	fixer, err := rangefix.NewRunner(pgexec, pgexec, out)
	if err != nil {
		return err
	}

	if err := startSchedules(ctx, cfg, processor, scheduler, gormDB, out); err != nil {
		return err
	}

	return api.Start(ctx, api.StartOpts{
		DB:        gormDB,
		Processor: processor,
		Resolver:  resolver,
		Pool:      bfPool,
		Scheduler: scheduler,
		RangeFix:  fixer,
		Ingest:    cfg.Ingest,
		Backfill:  cfg.Backfill,
		Drain:     cfg.Drain,
		Port:      cfg.API.Port,
		Out:       out,
	})
}

// startSchedules registers all background jobs and starts the cron runner.
// The runner stops when ctx is cancelled.
func startSchedules(ctx context.Context, cfg *config.Config, processor *buffer.Processor, scheduler *slowsync.Scheduler, gormDB *gorm.DB, out io.Writer) error {
	c := cron.New(cron.WithSeconds())

	jobs := []struct {
		spec string
		name string
		fn   func() error
	}{
		{fmt.Sprintf("*/%d * * * * *", cfg.Drain.IntervalSeconds), "drain", func() error {
			_, err := processor.Drain(ctx)
			return err
		}},
		{"0 */2 * * * *", "cleanup", func() error {
			_, err := processor.Cleanup()
			return err
		}},
		{"0 */5 * * * *", "stuck recovery", func() error {
			n, err := processor.RecoverStuck()
			if n > 0 {
				fmt.Fprintf(out, "Recovered %d stuck rows\n", n)
			}
			return err
		}},
		{"0 * * * * *", "worker-group assignment", func() error {
			_, err := processor.AssignWorkerGroups()
			return err
		}},
		{"0 0 4 * * *", "history pruning", func() error {
			cutoff := time.Now().UTC().Add(-syncHistoryRetention)
			return gormDB.Where("synced_at < ?", cutoff).Delete(&models.SyncHistory{}).Error
		}},
	}
	if scheduler != nil {
		jobs = append(jobs, struct {
			spec string
			name string
			fn   func() error
		}{"0 */2 * * * *", "slow-sync tick", func() error {
			return scheduler.Tick(ctx)
		}})
	}

	for _, job := range jobs {
		job := job
		_, err := c.AddFunc(job.spec, func() {
			if err := job.fn(); err != nil {
				log.Printf("daemon: %s: %v", job.name, err)
			}
		})
		if err != nil {
			return fmt.Errorf("schedule %s: %w", job.name, err)
		}
	}

	c.Start()
	go func() {
		<-ctx.Done()
		c.Stop()
	}()
	return nil
}
