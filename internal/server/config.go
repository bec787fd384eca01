package server

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/elskow/binder-build/internal/config"
	pipelineconfig "github.com/elskow/binder-build/internal/pipeline/config"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
	EnvTesting     = "testing"
)

const defaultConfigDir = "./config/server"

// Environment returns APP_ENV, defaulting to development.
func Environment() string {
	env := os.Getenv("APP_ENV")
	if env == "" {
		env = EnvDevelopment
	}
	return env
}

// LoadConfig reads config.toml from BINDER_CONFIG_DIR (or ./config/server)
// for the current environment.
func LoadConfig() (*config.AppConfig, error) {
	dir := os.Getenv("BINDER_CONFIG_DIR")
	if dir == "" {
		dir = defaultConfigDir
	}
	return LoadConfigFrom(dir, Environment())
}

func LoadConfigFrom(dir, env string) (*config.AppConfig, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(dir)

	setDefaults(v)

	v.SetEnvPrefix("BINDER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var cfg config.AppConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// environment specific gRPC settings override the shared table
	if envSettings := v.GetStringMap(fmt.Sprintf("grpc.%s", env)); len(envSettings) > 0 {
		if err := v.UnmarshalKey(fmt.Sprintf("grpc.%s", env), &cfg.GRPC); err != nil {
			return nil, fmt.Errorf("error unmarshaling env config: %w", err)
		}
	}

	if err := validateConfig(&cfg, env); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", "8585")
	v.SetDefault("server.request_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("server.pid_file", "")
	v.SetDefault("server.allowed_origins", []string{})

	v.SetDefault("grpc.enabled", true)
	v.SetDefault("grpc.port", "8586")
	v.SetDefault("grpc.enable_reflection", false)
	v.SetDefault("grpc.max_receive_message_size", 4<<20)
	v.SetDefault("grpc.max_send_message_size", 4<<20)

	v.SetDefault("auth.api_key", "")
	v.SetDefault("auth.api_key_hash", "")
	v.SetDefault("auth.token_expiration", 24*time.Hour)

	v.SetDefault("database.driver", config.DriverMemory)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "")
	v.SetDefault("database.name", "binder")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.migrations_dir", "")
	v.SetDefault("database.auto_migrate", true)
	v.SetDefault("database.log_queries", false)

	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("redis.key_prefix", "binder")

	v.SetDefault("pipeline.workspace_dir", "/tmp/binder/workspaces")
	v.SetDefault("pipeline.default_timeout", 1800)
	v.SetDefault("pipeline.recover_interrupted", true)
	v.SetDefault("pipeline.workspace_max_age", 24*time.Hour)
	v.SetDefault("pipeline.cleanup_interval", time.Hour)
	v.SetDefault("pipeline.sources.github.archive_url", "https://github.com")
	v.SetDefault("pipeline.sources.github.default_ref", "HEAD")
	v.SetDefault("pipeline.sources.github.token", "")
	v.SetDefault("pipeline.sources.github.request_timeout", 5*time.Minute)
	v.SetDefault("pipeline.sources.git.enabled", true)
	v.SetDefault("pipeline.sources.git.depth", 1)
	v.SetDefault("pipeline.sources.local.enabled", false)
	v.SetDefault("pipeline.builder.platform", pipelineconfig.PlatformDocker)
	v.SetDefault("pipeline.builder.registry", "binder")
	v.SetDefault("pipeline.builder.push", false)
	v.SetDefault("pipeline.builder.dockerfile", "Dockerfile")
	v.SetDefault("pipeline.builder.docker.host", "")
	v.SetDefault("pipeline.builder.docker.build_image", "jupyter/base-notebook:latest")
	v.SetDefault("pipeline.builder.docker.no_cache", false)
	v.SetDefault("pipeline.builder.kaniko.namespace", "binder")
	v.SetDefault("pipeline.builder.kaniko.image", "gcr.io/kaniko-project/executor:latest")
	v.SetDefault("pipeline.builder.kaniko.kubeconfig", "")
	v.SetDefault("pipeline.builder.kaniko.workspace_claim", "")
	v.SetDefault("pipeline.builder.kaniko.poll_interval", 2*time.Second)
	v.SetDefault("pipeline.builder.kaniko.push_secret", "")

	v.SetDefault("log_level", "")
}

func validateConfig(cfg *config.AppConfig, env string) error {
	if env != EnvTesting && cfg.Auth.APIKey == "" && cfg.Auth.APIKeyHash == "" {
		return fmt.Errorf("invalid config: auth.api_key or auth.api_key_hash is required")
	}

	switch cfg.Database.Driver {
	case config.DriverMemory, config.DriverPostgres, config.DriverRedis:
	default:
		return fmt.Errorf("invalid config: unknown database driver %q", cfg.Database.Driver)
	}

	switch cfg.Pipeline.Builder.Platform {
	case pipelineconfig.PlatformDocker, pipelineconfig.PlatformKubernetes:
	default:
		return fmt.Errorf("invalid config: unknown builder platform %q", cfg.Pipeline.Builder.Platform)
	}

	if cfg.Pipeline.WorkspaceDir == "" {
		return fmt.Errorf("invalid config: pipeline.workspace_dir is required")
	}

	return nil
}
