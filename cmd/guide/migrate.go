package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"github.com/zulandar/guidepost/internal/config"
	"github.com/zulandar/guidepost/internal/db"
)

func newMigrateCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the guidepost database schema",
		Long: `Creates the database (mysql only) and migrates the conversation,
status audit and key-value tables.

Safe to run multiple times (idempotent).`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(cmd.OutOrStdout(), configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to guidepost config file")
	return cmd
}

func runMigrate(out io.Writer, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	fmt.Fprintf(out, "Loaded config for guide %q from %s\n", cfg.Guide.Slug, configPath)

	if cfg.Database.Driver == "mysql" {
		d := cfg.Database
		adminDB, err := db.ConnectAdmin(d.User, d.Host, d.Port)
		if err != nil {
			return fmt.Errorf("connect to mysql at %s:%d: %w", d.Host, d.Port, err)
		}
		if err := db.CreateDatabase(adminDB, d.Database); err != nil {
			return err
		}
		fmt.Fprintf(out, "Database %s ready\n", d.Database)
	}

	gormDB, err := db.Open(cfg.Database)
	if err != nil {
		return fmt.Errorf("connect to %s database: %w", cfg.Database.Driver, err)
	}
	if err := db.AutoMigrate(gormDB); err != nil {
		return err
	}
	fmt.Fprintf(out, "Migrated %d tables\n", len(db.AllModels()))
	return nil
}
