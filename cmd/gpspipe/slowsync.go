package main

import (
	"fmt"

	"github.com/buslogic/smart-city-sub000/internal/slowsync"
	"github.com/spf13/cobra"
)

func newSlowSyncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "slowsync",
		Short: "Drive the rate-limited historical sync scheduler",
		Long:  "The scheduler runs inside the daemon; these verbs talk to its HTTP API. Batches run only inside the configured night window unless force_process is set.",
	}

	cmd.AddCommand(newSlowSyncActionCmd("start", "Build a fresh queue and start syncing", "/api/slowsync/start"))
	cmd.AddCommand(newSlowSyncActionCmd("pause", "Pause after the current batch", "/api/slowsync/pause"))
	cmd.AddCommand(newSlowSyncActionCmd("resume", "Resume a paused sync", "/api/slowsync/resume"))
	cmd.AddCommand(newSlowSyncActionCmd("stop", "Stop and drop the queue", "/api/slowsync/stop"))
	cmd.AddCommand(newSlowSyncActionCmd("reset", "Reset progress counters", "/api/slowsync/reset"))
	cmd.AddCommand(newSlowSyncStatusCmd())
	cmd.AddCommand(newSlowSyncConfigCmd())
	return cmd
}

func newSlowSyncActionCmd(verb, short, path string) *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   verb,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			if _, err := adminPost(cfg, path, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "slowsync %s: ok\n", verb)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "gpspipe.yaml", "path to gpspipe config file")
	return cmd
}

func newSlowSyncStatusCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show scheduler progress",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			data, err := adminGet(cfg, "/api/slowsync/progress")
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

func newSlowSyncConfigCmd() *cobra.Command {
	var (
		configPath string
		preset     string
	)

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or change the scheduler configuration",
		Long:  fmt.Sprintf("Without flags, prints the active configuration. With --preset, applies one of: %s, %s, %s.", slowsync.PresetFast, slowsync.PresetBalanced, slowsync.PresetConservative),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}

			if preset == "" {
				data, err := adminGet(cfg, "/api/slowsync/config")
				if err != nil {
					return err
				}
				printJSON(cmd.OutOrStdout(), data)
				return nil
			}

			data, err := adminPut(cfg, "/api/slowsync/config", map[string]string{"preset": preset})
			if err != nil {
				return err
			}
			printJSON(cmd.OutOrStdout(), data)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "gpspipe.yaml", "path to gpspipe config file")
	cmd.Flags().StringVar(&preset, "preset", "", "apply a named preset")
	return cmd
}
