package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"nvcstack.local/facilitator/internal/session"
)

func newMigrateCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := root.load()
			if err != nil {
				return err
			}
			store, err := session.NewGormStore(logger, cfg.DB.Driver, cfg.DB.DSN)
			if err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			logger.Info().Str("db_driver", cfg.DB.Driver).Msg("schema up to date")
			return store.Close()
		},
	}
}
