package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"parking-gate-service/internal/config"
	"parking-gate-service/internal/db"
	"parking-gate-service/internal/logger"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		log := logger.New(cfg.Log.Level, cfg.Log.Console)

		database, err := db.Connect(db.Options{DSN: cfg.DB.DSN, SlowThreshold: cfg.DB.SlowThreshold}, log)
		if err != nil {
			return err
		}
		defer db.Close(database)

		if err := db.Migrate(database); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		log.Info().Msg("migrations applied")
		return nil
	},
}
