package main

import (
	"fmt"

	"github.com/rongwang/titleforge/internal/config"
	"github.com/spf13/cobra"
)

// migrateCmd creates the database schema
var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create database tables and indexes",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := config.SetupDatabase(cfg, logger)
		if err != nil {
			return fmt.Errorf("failed to set up database: %w", err)
		}
		defer db.Close()

		logger.Info().Str("database", cfg.Database.DBName).Msg("schema is up to date")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
