package registry

import (
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"gorm.io/gorm"

	"github.com/elskow/binder-build/internal/config"
)

func Module(driver string) fx.Option {
	switch driver {
	case config.DriverPostgres:
		return fx.Provide(func(db *gorm.DB) Registry {
			return NewGormRegistry(db)
		})
	case config.DriverRedis:
		return fx.Provide(func(rdb *redis.Client, cfg *config.AppConfig) Registry {
			return NewRedisRegistry(rdb, cfg.Redis.KeyPrefix)
		})
	case config.DriverMemory, "":
		return fx.Provide(func() Registry {
			return NewMemoryRegistry()
		})
	default:
		return fx.Error(fmt.Errorf("unknown database driver %q", driver))
	}
}
