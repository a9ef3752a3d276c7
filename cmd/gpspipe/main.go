package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version info set via ldflags at build time.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gpspipe",
		Short: "GPS telemetry ingestion and backfill pipeline",
		Long:  "gpspipe ingests live GPS positions into TimescaleDB through a durable buffer and backfills historical data from legacy GPS servers.",
	}

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newDaemonCmd())
	cmd.AddCommand(newDBCmd())
	cmd.AddCommand(newBufferCmd())
	cmd.AddCommand(newBackfillCmd())
	cmd.AddCommand(newSlowSyncCmd())
	cmd.AddCommand(newRangeFixCmd())
	cmd.AddCommand(newCredentialsCmd())
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "gpspipe %s (commit: %s, built: %s)\n", Version, Commit, Date)
		},
	}
}

func execute(cmd *cobra.Command) int {
	if err := cmd.Execute(); err != nil {
		return 1
	}
	return 0
}

func main() {
	os.Exit(execute(newRootCmd()))
}
