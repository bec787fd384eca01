package database

import (
	"context"

	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/elskow/binder-build/internal/config"
)

// Module provides the postgres connection as *Manager and *gorm.DB.
func Module() fx.Option {
	return fx.Options(
		fx.Provide(
			fx.Annotate(
				func(config *config.AppConfig, logger *zap.Logger) (*Manager, error) {
					return NewManager(&config.Database, logger)
				},
			),
			func(manager *Manager) *gorm.DB {
				return manager.DB()
			},
		),
		fx.Invoke(registerHooks),
	)
}

// RedisModule provides a *redis.Client for the redis driver.
func RedisModule() fx.Option {
	return fx.Options(
		fx.Provide(func(config *config.AppConfig) (*redis.Client, error) {
			return NewRedisClient(&config.Redis)
		}),
		fx.Invoke(registerRedisHooks),
	)
}

func registerHooks(
	lifecycle fx.Lifecycle,
	manager *Manager,
	logger *zap.Logger,
) {
	lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return manager.Ping(ctx)
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("Closing database connections")
			return manager.Close()
		},
	})
}

func registerRedisHooks(
	lifecycle fx.Lifecycle,
	rdb *redis.Client,
	logger *zap.Logger,
) {
	lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return pingRedis(ctx, rdb)
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("Closing redis connection")
			return rdb.Close()
		},
	})
}
