package cmd

import (
	"fmt"

	dbadapter "github.com/pongchat/server/db"
	"github.com/pongchat/server/model"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger, err := newLogger(cfg)
		if err != nil {
			return fmt.Errorf("logger: %w", err)
		}
		defer logger.Sync()

		db, err := dbadapter.Open(cfg.Database, logger)
		if err != nil {
			return fmt.Errorf("db: %w", err)
		}
		if sqlDB, err := db.DB(); err == nil {
			defer sqlDB.Close()
		}
		if err := model.AutoMigrate(db); err != nil {
			return fmt.Errorf("db migrate: %w", err)
		}
		logger.Info("schema migrated", zap.String("mode", cfg.Database.Mode))
		return nil
	},
}
