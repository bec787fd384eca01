package app

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/elskow/binder-build/internal/api"
	"github.com/elskow/binder-build/internal/auth"
	"github.com/elskow/binder-build/internal/config"
	"github.com/elskow/binder-build/internal/database"
	"github.com/elskow/binder-build/internal/migration"
	"github.com/elskow/binder-build/internal/pipeline"
	pipelineconfig "github.com/elskow/binder-build/internal/pipeline/config"
	"github.com/elskow/binder-build/internal/registry"
	"github.com/elskow/binder-build/internal/server"
	"github.com/elskow/binder-build/internal/store"
)

// Module combines all application modules for cfg.
func Module(cfg *config.AppConfig) fx.Option {
	return fx.Options(
		// Configuration
		fx.Supply(cfg),
		fx.Provide(func(cfg *config.AppConfig) *pipelineconfig.PipelineConfig {
			return &cfg.Pipeline
		}),

		// Logger
		fx.Provide(newLogger),

		// Metrics
		fx.Provide(newMetricsRegistry),

		// Persistence
		storageModule(cfg.Database.Driver),
		store.Module(cfg.Database.Driver),
		registry.Module(cfg.Database.Driver),

		auth.NewModule(),
		pipeline.Module(),
		api.Module(),

		// Server
		fx.Provide(server.NewServer),

		// Start the server
		fx.Invoke(registerHooks),
	)
}

func storageModule(driver string) fx.Option {
	switch driver {
	case config.DriverPostgres:
		return fx.Options(database.Module(), migration.Module())
	case config.DriverRedis:
		return database.RedisModule()
	default:
		return fx.Options()
	}
}

func newLogger(cfg *config.AppConfig) (*zap.Logger, error) {
	return server.NewLogger(server.Environment(), cfg.LogLevel)
}

func newMetricsRegistry() (prometheus.Registerer, prometheus.Gatherer) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg, reg
}

func registerHooks(
	lifecycle fx.Lifecycle,
	srv *server.Server,
	log *zap.Logger,
) {
	lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return srv.Start()
		},
		OnStop: func(ctx context.Context) error {
			log.Info("shutting down server...")
			return srv.Stop(ctx)
		},
	})
}
