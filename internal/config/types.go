package config

import (
	"time"

	pipelineconfig "github.com/elskow/binder-build/internal/pipeline/config"
)

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            string        `mapstructure:"port"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	PIDFile         string        `mapstructure:"pid_file"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
}

type GRPCConfig struct {
	Enabled               bool   `mapstructure:"enabled"`
	Port                  string `mapstructure:"port"`
	EnableReflection      bool   `mapstructure:"enable_reflection"`
	MaxReceiveMessageSize int    `mapstructure:"max_receive_message_size"`
	MaxSendMessageSize    int    `mapstructure:"max_send_message_size"`
}

type AuthConfig struct {
	// APIKey is the shared key clients send in the Authorization header.
	APIKey string `mapstructure:"api_key"`
	// APIKeyHash is a bcrypt hash of the key, used instead of APIKey when set.
	APIKeyHash      string        `mapstructure:"api_key_hash"`
	TokenExpiration time.Duration `mapstructure:"token_expiration"`
}

type DatabaseConfig struct {
	Driver        string `mapstructure:"driver"` // "memory", "postgres" or "redis"
	Host          string `mapstructure:"host"`
	Port          int    `mapstructure:"port"`
	User          string `mapstructure:"user"`
	Password      string `mapstructure:"password"`
	Name          string `mapstructure:"name"`
	SSLMode       string `mapstructure:"sslmode"`
	MigrationsDir string `mapstructure:"migrations_dir"`
	AutoMigrate   bool   `mapstructure:"auto_migrate"`
	LogQueries    bool   `mapstructure:"log_queries"`
}

type RedisConfig struct {
	URL       string `mapstructure:"url"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

type AppConfig struct {
	Server   ServerConfig                  `mapstructure:"server"`
	GRPC     GRPCConfig                    `mapstructure:"grpc"`
	Auth     AuthConfig                    `mapstructure:"auth"`
	Database DatabaseConfig                `mapstructure:"database"`
	Redis    RedisConfig                   `mapstructure:"redis"`
	Pipeline pipelineconfig.PipelineConfig `mapstructure:"pipeline"`
	LogLevel string                        `mapstructure:"log_level"`
}

const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)
