package main

import (
	"fmt"

	"github.com/buslogic/smart-city-sub000/internal/db"
	"github.com/buslogic/smart-city-sub000/internal/models"
	"github.com/spf13/cobra"
)

func newDBCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "State database management",
	}

	cmd.AddCommand(newDBMigrateCmd())
	return cmd
}

func newDBMigrateCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create or update all state-database tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDBMigrate(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "gpspipe.yaml", "path to gpspipe config file")
	return cmd
}

func runDBMigrate(cmd *cobra.Command, configPath string) error {
	out := cmd.OutOrStdout()

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	gormDB, err := stateDB(cfg)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Connected to %s at %s:%d\n", cfg.StateDB.Database, cfg.StateDB.Host, cfg.StateDB.Port)

	if err := db.AutoMigrate(gormDB); err != nil {
		return err
	}
	fmt.Fprintf(out, "Migrated %d tables\n", len(models.AllModels()))
	return nil
}
