package auth

import (
	"github.com/elskow/binder-build/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// NewModule returns the auth module options
func NewModule() fx.Option {
	return fx.Options(
		fx.Provide(
			fx.Annotate(
				func(config *config.AppConfig, log *zap.Logger) *Service {
					return NewService(&config.Auth, log)
				},
			),
			fx.Annotate(
				func(svc *Service, log *zap.Logger) *AuthMiddleware {
					return NewAuthMiddleware(svc, log)
				},
			),
		),
	)
}
