package pipeline

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/elskow/binder-build/internal/pipeline/builder"
	"github.com/elskow/binder-build/internal/pipeline/config"
	"github.com/elskow/binder-build/internal/pipeline/events"
	"github.com/elskow/binder-build/internal/pipeline/source"
	"github.com/elskow/binder-build/internal/pipeline/validator"
	"github.com/elskow/binder-build/internal/registry"
	"github.com/elskow/binder-build/internal/store"
)

func Module() fx.Option {
	return fx.Options(
		fx.Provide(
			fx.Annotate(
				func(config *config.PipelineConfig, logger *zap.Logger) *source.Resolver {
					return source.NewDefaultResolver(&config.Sources, logger)
				},
			),
			fx.Annotate(
				func(config *config.PipelineConfig, logger *zap.Logger) (builder.ImageBuilder, error) {
					return builder.NewImageBuilder(&config.Builder, logger)
				},
			),
			fx.Annotate(
				func() validator.Validator {
					return validator.NewWorkspaceValidator()
				},
			),
			events.NewHub,
			fx.Annotate(
				func(reg prometheus.Registerer) *MetricsCollector {
					return NewMetricsCollector(reg)
				},
			),
			fx.Annotate(
				func(
					config *config.PipelineConfig,
					resolver *source.Resolver,
					imageBuilder builder.ImageBuilder,
					validator validator.Validator,
					buildStore store.BuildStore,
					templates registry.Registry,
					hub *events.Hub,
					metrics *MetricsCollector,
					logger *zap.Logger,
				) *Pipeline {
					return NewPipeline(config, resolver, imageBuilder, validator, buildStore, templates, hub, metrics, logger)
				},
			),
		),
		fx.Invoke(registerHooks),
	)
}

func registerHooks(lifecycle fx.Lifecycle, p *Pipeline, imageBuilder builder.ImageBuilder, logger *zap.Logger) {
	lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return p.Start(ctx)
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("stopping pipeline")
			err := p.Stop(ctx)
			if closer, ok := imageBuilder.(interface{ Close() error }); ok {
				if cerr := closer.Close(); cerr != nil {
					logger.Warn("failed to close image builder", zap.Error(cerr))
				}
			}
			return err
		},
	})
}
