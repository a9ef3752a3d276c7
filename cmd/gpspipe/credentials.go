package main

import (
	"errors"
	"fmt"
	"os"
	"syscall"

	"github.com/buslogic/smart-city-sub000/internal/legacy"
	"github.com/buslogic/smart-city-sub000/internal/models"
	"github.com/spf13/cobra"
	"golang.org/x/term"
	"gorm.io/gorm"
)

func newCredentialsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credentials",
		Short: "Manage legacy database credentials",
	}

	cmd.AddCommand(newCredentialsSetCmd())
	cmd.AddCommand(newCredentialsListCmd())
	return cmd
}

func newCredentialsSetCmd() *cobra.Command {
	var (
		configPath string
		name       string
		subtype    string
		host       string
		port       int
		user       string
		database   string
	)

	cmd := &cobra.Command{
		Use:   "set",
		Short: "Add or update a legacy database credential",
		Long:  "Prompts for the database password, encrypts it with the key from GPSPIPE_ENCRYPTION_KEY and upserts the legacy_databases row. An existing row with the same name and subtype is updated in place.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCredentialsSet(cmd, configPath, models.LegacyCredential{
				Name:     name,
				Subtype:  subtype,
				Host:     host,
				Port:     port,
				Username: user,
				Database: database,
				Active:   true,
			})
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "gpspipe.yaml", "path to gpspipe config file")
	cmd.Flags().StringVar(&name, "name", "", "credential name")
	cmd.Flags().StringVar(&subtype, "subtype", legacySubtype, "credential subtype")
	cmd.Flags().StringVar(&host, "host", "", "legacy server host")
	cmd.Flags().IntVar(&port, "port", 3306, "legacy mysql port")
	cmd.Flags().StringVar(&user, "user", "", "mysql username")
	cmd.Flags().StringVar(&database, "database", "", "mysql database name")
	cmd.MarkFlagRequired("name")
	cmd.MarkFlagRequired("host")
	cmd.MarkFlagRequired("user")
	cmd.MarkFlagRequired("database")
	return cmd
}

func runCredentialsSet(cmd *cobra.Command, configPath string, cred models.LegacyCredential) error {
	out := cmd.OutOrStdout()

	secret := os.Getenv(legacy.EncryptionKeyEnv)
	if secret == "" {
		return fmt.Errorf("%s is not set", legacy.EncryptionKeyEnv)
	}

	fmt.Fprintf(out, "Password for %s@%s: ", cred.Username, cred.Host)
	raw, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(out)
	if err != nil {
		return fmt.Errorf("read password: %w", err)
	}
	if len(raw) == 0 {
		return fmt.Errorf("password must not be empty")
	}

	encrypted, err := legacy.EncryptPassword(string(raw), secret)
	if err != nil {
		return err
	}
	cred.Password = encrypted

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	gormDB, err := stateDB(cfg)
	if err != nil {
		return err
	}

	var existing models.LegacyCredential
	err = gormDB.Where("name = ? AND subtype = ?", cred.Name, cred.Subtype).First(&existing).Error
	switch {
	case err == nil:
		cred.ID = existing.ID
		if err := gormDB.Save(&cred).Error; err != nil {
			return fmt.Errorf("update credential: %w", err)
		}
		fmt.Fprintf(out, "Updated credential %q (%s)\n", cred.Name, cred.Subtype)
	case errors.Is(err, gorm.ErrRecordNotFound):
		if err := gormDB.Create(&cred).Error; err != nil {
			return fmt.Errorf("create credential: %w", err)
		}
		fmt.Fprintf(out, "Created credential %q (%s)\n", cred.Name, cred.Subtype)
	default:
		return fmt.Errorf("look up credential: %w", err)
	}
	return nil
}

func newCredentialsListCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List legacy database credentials",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCredentialsList(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "gpspipe.yaml", "path to gpspipe config file")
	return cmd
}

func runCredentialsList(cmd *cobra.Command, configPath string) error {
	out := cmd.OutOrStdout()

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	gormDB, err := stateDB(cfg)
	if err != nil {
		return err
	}

	var creds []models.LegacyCredential
	if err := gormDB.Order("subtype, name").Find(&creds).Error; err != nil {
		return fmt.Errorf("load credentials: %w", err)
	}
	if len(creds) == 0 {
		fmt.Fprintln(out, "No credentials stored.")
		return nil
	}

	for _, c := range creds {
		state := "inactive"
		if c.Active {
			state = "active"
		}
		fmt.Fprintf(out, "%-20s  %-30s  %s@%s:%d/%s  %s\n",
			c.Name, c.Subtype, c.Username, c.Host, c.Port, c.Database, state)
	}
	return nil
}
