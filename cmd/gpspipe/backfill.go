package main

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/buslogic/smart-city-sub000/internal/backfill"
	"github.com/buslogic/smart-city-sub000/internal/models"
	"github.com/spf13/cobra"
)

func newBackfillCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Historical data sync from legacy GPS servers",
	}

	cmd.AddCommand(newBackfillRunCmd())
	cmd.AddCommand(newBackfillStatusCmd())
	cmd.AddCommand(newBackfillHistoryCmd())
	return cmd
}

func newBackfillRunCmd() *cobra.Command {
	var (
		configPath string
		garages    []string
		from       string
		to         string
		detect     bool
		refresh    bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Backfill a date range for selected vehicles",
		Long:  "Counts, exports, transfers and imports historical GPS data for each vehicle over a bounded worker pool. Blocks until every vehicle settles.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBackfillRun(cmd, configPath, garages, from, to, backfill.Options{
				DetectEvents:      detect,
				RefreshAggregates: refresh,
			})
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "gpspipe.yaml", "path to gpspipe config file")
	cmd.Flags().StringSliceVar(&garages, "garages", nil, "garage numbers to sync (comma-separated)")
	cmd.Flags().StringVar(&from, "from", "", "start date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&to, "to", "", "end date (YYYY-MM-DD, exclusive)")
	cmd.Flags().BoolVar(&detect, "detect-events", true, "run aggressive-driving detection per vehicle")
	cmd.Flags().BoolVar(&refresh, "refresh-aggregates", true, "refresh continuous aggregates after the run")
	cmd.MarkFlagRequired("garages")
	cmd.MarkFlagRequired("from")
	cmd.MarkFlagRequired("to")
	return cmd
}

func runBackfillRun(cmd *cobra.Command, configPath string, garages []string, fromStr, toStr string, opts backfill.Options) error {
	out := cmd.OutOrStdout()

	from, err := time.ParseInLocation("2006-01-02", fromStr, time.UTC)
	if err != nil {
		return fmt.Errorf("bad --from date: %w", err)
	}
	to, err := time.ParseInLocation("2006-01-02", toStr, time.UTC)
	if err != nil {
		return fmt.Errorf("bad --to date: %w", err)
	}
	if !to.After(from) {
		return fmt.Errorf("--to must be after --from")
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	gormDB, err := stateDB(cfg)
	if err != nil {
		return err
	}
	tsPool, store, err := timescaleStore(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer tsPool.Close()

	var fleet []models.Vehicle
	if err := gormDB.Where("garage_no IN ? AND active = ?", garages, true).Find(&fleet).Error; err != nil {
		return fmt.Errorf("load vehicles: %w", err)
	}
	if len(fleet) == 0 {
		return fmt.Errorf("no active vehicles match %s", strings.Join(garages, ", "))
	}

	pool, err := newBackfillPool(gormDB, store, cfg, out)
	if err != nil {
		return err
	}

	jobID := fmt.Sprintf("backfill-%d", time.Now().Unix())
	results, err := pool.Run(cmd.Context(), fleet, from, to, jobID, opts)
	if err != nil {
		return err
	}

	ids := make([]int64, 0, len(results))
	for id := range results {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	failed := 0
	for _, id := range ids {
		r := results[id]
		if r.Err != nil {
			failed++
			fmt.Fprintf(out, "%s: FAILED after %s: %v\n", r.GarageNo, r.Duration.Round(time.Second), r.Err)
			continue
		}
		fmt.Fprintf(out, "%s: %d points, %d inserted, %d events in %s\n",
			r.GarageNo, r.Points, r.Inserted, r.Events, r.Duration.Round(time.Second))
	}
	fmt.Fprintf(out, "\nJob %s: %d ok, %d failed\n", jobID, len(results)-failed, failed)
	if failed == len(results) {
		return fmt.Errorf("all vehicles failed")
	}
	return nil
}

func newBackfillStatusCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the daemon's live backfill worker view",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			data, err := adminGet(cfg, "/api/backfill/status")
			if err != nil {
				return err
			}
			printJSON(cmd.OutOrStdout(), data)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "gpspipe.yaml", "path to gpspipe config file")
	return cmd
}

func newBackfillHistoryCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent backfill jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBackfillHistory(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "gpspipe.yaml", "path to gpspipe config file")
	return cmd
}

func runBackfillHistory(cmd *cobra.Command, configPath string) error {
	out := cmd.OutOrStdout()

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	gormDB, err := stateDB(cfg)
	if err != nil {
		return err
	}

	var jobs []models.BackfillJob
	if err := gormDB.Order("started_at DESC").Limit(20).Find(&jobs).Error; err != nil {
		return fmt.Errorf("load jobs: %w", err)
	}
	if len(jobs) == 0 {
		fmt.Fprintln(out, "No backfill jobs recorded.")
		return nil
	}

	for _, j := range jobs {
		line := fmt.Sprintf("%s  %-9s  %d points, %d inserted, %d errors",
			j.StartedAt.Format("2006-01-02 15:04"), j.Status, j.ProcessedPoints, j.InsertedPoints, j.ErrorCount)
		if j.CompletedAt != nil {
			line += fmt.Sprintf("  (%s)", j.CompletedAt.Sub(j.StartedAt).Round(time.Second))
		}
		fmt.Fprintf(out, "%s  [%s]\n", line, j.ID)
	}
	return nil
}
