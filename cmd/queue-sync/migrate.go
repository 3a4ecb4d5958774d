package main

import (
	"context"

	"qms/queue-sync/internal/config"
	"qms/queue-sync/internal/logging"

	"github.com/spf13/cobra"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the schema for the configured store",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger := logging.New(cfg.LogLevel, cfg.LogFormat)
			if cfg.DBDriver == config.DriverMemory {
				logger.Info().Msg("memory store has no schema")
				return nil
			}
			_, closeStore, err := openStore(context.Background(), cfg, logger)
			if err != nil {
				return err
			}
			closeStore()
			logger.Info().Str("driver", cfg.DBDriver).Msg("schema applied")
			return nil
		},
	}
}
