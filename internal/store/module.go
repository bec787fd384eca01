package store

import (
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"gorm.io/gorm"

	"github.com/elskow/binder-build/internal/config"
)

// Module provides the BuildStore for the configured database driver. The
// postgres and redis drivers expect a *gorm.DB or *redis.Client in the
// graph.
func Module(driver string) fx.Option {
	switch driver {
	case config.DriverPostgres:
		return fx.Provide(func(db *gorm.DB) BuildStore {
			return NewGormStore(db)
		})
	case config.DriverRedis:
		return fx.Provide(func(rdb *redis.Client, cfg *config.AppConfig) BuildStore {
			return NewRedisStore(rdb, cfg.Redis.KeyPrefix)
		})
	case config.DriverMemory, "":
		return fx.Provide(func() BuildStore {
			return NewMemoryStore()
		})
	default:
		return fx.Error(fmt.Errorf("unknown database driver %q", driver))
	}
}
