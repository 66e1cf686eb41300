// Package config loads service settings from the environment and an
// optional config file.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the service settings, loaded from defaults, an optional
// config file and the environment.
type Config struct {
	HTTPAddr          string        `mapstructure:"http_addr"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	CORSAllowedOrigin string        `mapstructure:"cors_allowed_origin"`

	DatabaseURL      string `mapstructure:"database_url"`
	DatabaseMaxConns int32  `mapstructure:"database_max_conns"`
	MigrateOnStart   bool   `mapstructure:"migrate_on_start"`

	RedisURL string        `mapstructure:"redis_url"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`

	NATSURL           string `mapstructure:"nats_url"`
	NATSSubjectPrefix string `mapstructure:"nats_subject_prefix"`

	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
}

// Load reads configuration. Environment variables use the upper-cased key
// (HTTP_ADDR, DATABASE_URL, ...) and override values from the file named by
// CONFIG_FILE, if set.
func Load() (Config, error) {
	return load(os.Getenv("CONFIG_FILE"))
}

func load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("http_addr", ":8080")
	v.SetDefault("request_timeout", "30s")
	v.SetDefault("cors_allowed_origin", "*")
	v.SetDefault("database_url", "")
	v.SetDefault("database_max_conns", 10)
	v.SetDefault("migrate_on_start", true)
	v.SetDefault("redis_url", "")
	v.SetDefault("cache_ttl", "30s")
	v.SetDefault("nats_url", "")
	v.SetDefault("nats_subject_prefix", "friendsbets")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the service cannot start with.
func (c Config) Validate() error {
	if c.HTTPAddr == "" {
		return fmt.Errorf("http_addr must not be empty")
	}
	if c.DatabaseMaxConns < 1 {
		return fmt.Errorf("database_max_conns must be at least 1, got %d", c.DatabaseMaxConns)
	}
	if c.CacheTTL <= 0 {
		return fmt.Errorf("cache_ttl must be positive, got %s", c.CacheTTL)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request_timeout must be positive, got %s", c.RequestTimeout)
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	switch c.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("log_format must be json or text, got %q", c.LogFormat)
	}
	return nil
}

// Level parses LogLevel.
func (c Config) Level() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("log_level: %w", err)
	}
	return l, nil
}
