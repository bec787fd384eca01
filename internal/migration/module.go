package migration

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/elskow/binder-build/internal/config"
)

// Module brings the schema up to date on start when database.auto_migrate
// is set.
func Module() fx.Option {
	return fx.Options(
		fx.Provide(
			fx.Annotate(
				func(config *config.AppConfig) (*Migrator, error) {
					return NewMigrator(&config.Database)
				},
			),
		),
		fx.Invoke(registerHooks),
	)
}

func registerHooks(
	lifecycle fx.Lifecycle,
	config *config.AppConfig,
	migrator *Migrator,
	logger *zap.Logger,
) {
	lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if !config.Database.AutoMigrate {
				logger.Info("Skipping database migration", zap.String("dir", migrator.Dir()))
				return nil
			}

			from, to, err := migrator.Sync()
			if err != nil {
				return err
			}

			logger.Info("Database schema ready",
				zap.Int64("from_version", from),
				zap.Int64("to_version", to))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return migrator.Close()
		},
	})
}
