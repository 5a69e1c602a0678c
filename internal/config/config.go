// Package config loads runtime configuration from environment variables.
package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config holds all runtime configuration, grouped by backing service.
type Config struct {
	Redis    RedisConfig    `mapstructure:"redis" validate:"required"`
	Database DatabaseConfig `mapstructure:"database" validate:"required"`
	Server   ServerConfig   `mapstructure:"server" validate:"required"`
}

// RedisConfig locates the broker.
type RedisConfig struct {
	Host string `mapstructure:"host" validate:"required"`
	Port int    `mapstructure:"port" validate:"required,gt=0,lt=65536"`
	DB   int    `mapstructure:"db" validate:"gte=0"`
}

// Addr returns host:port for the Redis client.
func (r RedisConfig) Addr() string { return fmt.Sprintf("%s:%d", r.Host, r.Port) }

// DatabaseConfig locates the metadata store.
type DatabaseConfig struct {
	Host     string `mapstructure:"host" validate:"required"`
	Port     int    `mapstructure:"port" validate:"required,gt=0,lt=65536"`
	Name     string `mapstructure:"name" validate:"required"`
	User     string `mapstructure:"user" validate:"required"`
	Password string `mapstructure:"password"`
	SSLMode  string `mapstructure:"sslmode" validate:"omitempty,oneof=disable require verify-ca verify-full"`
}

// ConnString returns a lib/pq connection string.
func (d DatabaseConfig) ConnString() string {
	sslmode := d.SSLMode
	if sslmode == "" {
		sslmode = "disable"
	}
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		d.Host, d.Port, d.Name, d.User, d.Password, sslmode)
}

// ServerConfig covers the HTTP API binary.
type ServerConfig struct {
	Port     int    `mapstructure:"port" validate:"required,gt=0,lt=65536"`
	LogLevel string `mapstructure:"log_level" validate:"required,oneof=DEBUG INFO WARNING ERROR"`
}

// Load reads the recognized environment variables, applies defaults and
// validates the result. Recognized variables: REDIS_HOST, REDIS_PORT,
// REDIS_DB, POSTGRES_HOST, POSTGRES_PORT, POSTGRES_DB, POSTGRES_USER,
// POSTGRES_PASSWORD, POSTGRES_SSLMODE, SERVER_PORT, LOG_LEVEL.
func Load() (*Config, error) {
	v := viper.New()
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "relayq")
	v.SetDefault("database.user", "relayq")
	v.SetDefault("database.password", "")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.log_level", "INFO")

	bindings := map[string]string{
		"redis.host":        "REDIS_HOST",
		"redis.port":        "REDIS_PORT",
		"redis.db":          "REDIS_DB",
		"database.host":     "POSTGRES_HOST",
		"database.port":     "POSTGRES_PORT",
		"database.name":     "POSTGRES_DB",
		"database.user":     "POSTGRES_USER",
		"database.password": "POSTGRES_PASSWORD",
		"database.sslmode":  "POSTGRES_SSLMODE",
		"server.port":       "SERVER_PORT",
		"server.log_level":  "LOG_LEVEL",
	}
	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind %s: %w", env, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}
