package main

import (
	"fmt"
	"time"

	"github.com/buslogic/smart-city-sub000/internal/buffer"
	"github.com/spf13/cobra"
)

func newBufferCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "buffer",
		Short: "Inspect and drive the raw-position staging buffer",
	}

	cmd.AddCommand(newBufferStatusCmd())
	cmd.AddCommand(newBufferDrainCmd())
	cmd.AddCommand(newBufferCleanupCmd())
	cmd.AddCommand(newBufferRecoverCmd())
	return cmd
}

func newBufferStatusCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show buffer depth by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBufferStatus(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "gpspipe.yaml", "path to gpspipe config file")
	return cmd
}

func runBufferStatus(cmd *cobra.Command, configPath string) error {
	out := cmd.OutOrStdout()

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	gormDB, err := stateDB(cfg)
	if err != nil {
		return err
	}

	status, err := buffer.CurrentStatus(gormDB)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "Pending:    %d\n", status.Pending)
	fmt.Fprintf(out, "Processing: %d\n", status.Processing)
	fmt.Fprintf(out, "Failed:     %d\n", status.Failed)
	if status.OldestAt != nil {
		fmt.Fprintf(out, "Oldest:     %s (%s ago)\n",
			status.OldestAt.Format(time.RFC3339), time.Since(*status.OldestAt).Round(time.Second))
	}
	interval := time.Duration(cfg.Drain.IntervalSeconds) * time.Second
	if status.Backlogged(interval, time.Now().UTC()) {
		fmt.Fprintln(out, "WARNING: buffer is backlogged — drain is not keeping up")
	}
	return nil
}

func newBufferDrainCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "drain",
		Short: "Run one drain pass now",
		Long:  "Claims a batch of pending rows, writes them to TimescaleDB and deletes them. Safe to run alongside the daemon; overlapping passes are skipped.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBufferDrain(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "gpspipe.yaml", "path to gpspipe config file")
	return cmd
}

func runBufferDrain(cmd *cobra.Command, configPath string) error {
	out := cmd.OutOrStdout()

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	gormDB, err := stateDB(cfg)
	if err != nil {
		return err
	}
	pool, store, err := timescaleStore(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer pool.Close()

	processor, err := newProcessor(gormDB, store, cfg, out)
	if err != nil {
		return err
	}

	stats, err := processor.Drain(cmd.Context())
	if err != nil {
		return err
	}
	if stats.Skipped {
		fmt.Fprintln(out, "Another drain pass is running — skipped")
		return nil
	}
	fmt.Fprintf(out, "Claimed %d, deduplicated %d, inserted %d, failed %d\n",
		stats.Claimed, stats.Duplicates, stats.Inserted, stats.Failed)
	return nil
}

func newBufferCleanupCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Purge aged failed and stray rows",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBufferCleanup(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "gpspipe.yaml", "path to gpspipe config file")
	return cmd
}

func runBufferCleanup(cmd *cobra.Command, configPath string) error {
	out := cmd.OutOrStdout()

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	gormDB, err := stateDB(cfg)
	if err != nil {
		return err
	}
	pool, store, err := timescaleStore(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer pool.Close()

	processor, err := newProcessor(gormDB, store, cfg, out)
	if err != nil {
		return err
	}

	stats, err := processor.Cleanup()
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Removed %d failed and %d stray processed rows\n", stats.Failed, stats.Processed)
	return nil
}

func newBufferRecoverCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Reset stuck rows and assign missing worker groups",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBufferRecover(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "gpspipe.yaml", "path to gpspipe config file")
	return cmd
}

func runBufferRecover(cmd *cobra.Command, configPath string) error {
	out := cmd.OutOrStdout()

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	gormDB, err := stateDB(cfg)
	if err != nil {
		return err
	}
	pool, store, err := timescaleStore(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer pool.Close()

	processor, err := newProcessor(gormDB, store, cfg, out)
	if err != nil {
		return err
	}

	recovered, err := processor.RecoverStuck()
	if err != nil {
		return err
	}
	assigned, err := processor.AssignWorkerGroups()
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Recovered %d stuck rows, assigned %d worker groups\n", recovered, assigned)
	return nil
}
