package main

import (
	"github.com/draftea/order-saga/order-service/config"
	"github.com/draftea/order-saga/order-service/infrastructure"
	"github.com/draftea/order-saga/shared/telemetry"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending saga store migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.ReadConfig()
			if err != nil {
				return errors.Wrap(err, "failed to load config")
			}
			if cfg.Database.Driver != config.DatabaseDriverPostgres {
				return errors.Errorf("migrate needs the postgres store, configured %q", cfg.Database.Driver)
			}

			logger := telemetry.NewLogger(cfg.ServiceName, cfg.Logging)

			db, err := config.OpenDatabase(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := infrastructure.Migrate(db.DB); err != nil {
				return err
			}

			logger.Info().Msg("migrations applied")
			return nil
		},
	}
}
