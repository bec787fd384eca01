package api

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/elskow/binder-build/internal/auth"
	"github.com/elskow/binder-build/internal/config"
	"github.com/elskow/binder-build/internal/pipeline"
	"github.com/elskow/binder-build/internal/registry"
	"github.com/elskow/binder-build/internal/store"
)

func Module() fx.Option {
	return fx.Options(
		fx.Provide(
			fx.Annotate(
				func(p *pipeline.Pipeline, buildStore store.BuildStore, templates registry.Registry, logger *zap.Logger) *Handler {
					return NewHandler(p, buildStore, templates, logger)
				},
			),
			fx.Annotate(
				func(
					cfg *config.AppConfig,
					handler *Handler,
					authMiddleware *auth.AuthMiddleware,
					reg prometheus.Registerer,
					gatherer prometheus.Gatherer,
					logger *zap.Logger,
				) http.Handler {
					return NewRouter(RouterParams{
						Handler:        handler,
						AuthMiddleware: authMiddleware,
						Registerer:     reg,
						Gatherer:       gatherer,
						RequestTimeout: cfg.Server.RequestTimeout,
						AllowedOrigins: cfg.Server.AllowedOrigins,
						Logger:         logger,
					})
				},
			),
		),
	)
}
