package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the complete application configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Tracker   TrackerConfig   `mapstructure:"tracker"`
	Reminders ReminderConfig  `mapstructure:"reminders"`
}

// ServerConfig defines listen addresses
type ServerConfig struct {
	ListenAddr  string `mapstructure:"listen_addr"`
	MetricsAddr string `mapstructure:"metrics_addr"`
}

// StorageConfig defines storage backend settings
type StorageConfig struct {
	Type  string      `mapstructure:"type"` // "bolt" or "redis"
	Path  string      `mapstructure:"path"`
	Redis RedisConfig `mapstructure:"redis"`
}

// RedisConfig defines Redis connection settings
type RedisConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	PoolSize     int    `mapstructure:"pool_size"`
	MinIdleConns int    `mapstructure:"min_idle_conns"`
	DialTimeout  string `mapstructure:"dial_timeout"`
	ReadTimeout  string `mapstructure:"read_timeout"`
	WriteTimeout string `mapstructure:"write_timeout"`
}

// LoggingConfig defines logging behavior
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// TrackerConfig defines accumulation engine settings
type TrackerConfig struct {
	PollInterval     string `mapstructure:"poll_interval"`
	IdleTimeout      string `mapstructure:"idle_timeout"`
	FlushInterval    string `mapstructure:"flush_interval"`
	HistoryCacheSize int    `mapstructure:"history_cache_size"`
	RetentionDays    int    `mapstructure:"retention_days"`
}

// ReminderConfig defines usage reminder settings
type ReminderConfig struct {
	Enabled            bool     `mapstructure:"enabled"`
	GracePeriod        string   `mapstructure:"grace_period"`
	CheckInterval      string   `mapstructure:"check_interval"`
	DurationThresholds []string `mapstructure:"duration_thresholds"` // e.g. "1h", "2h30m"
	FixedTimes         []string `mapstructure:"fixed_times"`         // e.g. "22:00"
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigFile(configPath)
	v.SetEnvPrefix("CHATWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
		// Config file not found, use defaults and environment variables
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.listen_addr", "127.0.0.1:8972")
	v.SetDefault("server.metrics_addr", "127.0.0.1:9472")

	// Storage defaults
	v.SetDefault("storage.type", "bolt")
	v.SetDefault("storage.path", "/var/lib/chatwatch/chatwatch.bolt")
	v.SetDefault("storage.redis.host", "127.0.0.1")
	v.SetDefault("storage.redis.port", 6379)
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.pool_size", 10)
	v.SetDefault("storage.redis.min_idle_conns", 2)
	v.SetDefault("storage.redis.dial_timeout", "5s")
	v.SetDefault("storage.redis.read_timeout", "3s")
	v.SetDefault("storage.redis.write_timeout", "3s")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Tracker defaults
	v.SetDefault("tracker.poll_interval", "5s")
	v.SetDefault("tracker.idle_timeout", "60s")
	v.SetDefault("tracker.flush_interval", "30s")
	v.SetDefault("tracker.history_cache_size", 32)
	v.SetDefault("tracker.retention_days", 90)

	// Reminder defaults
	v.SetDefault("reminders.enabled", true)
	v.SetDefault("reminders.grace_period", "5m")
	v.SetDefault("reminders.check_interval", "15s")
	v.SetDefault("reminders.duration_thresholds", []string{"1h", "2h"})
	v.SetDefault("reminders.fixed_times", []string{})
}

// validate validates the configuration
func validate(cfg *Config) error {
	if cfg.Server.ListenAddr == "" {
		return fmt.Errorf("server listen address is required")
	}

	switch cfg.Storage.Type {
	case "", "bolt":
		cfg.Storage.Type = "bolt"
		if cfg.Storage.Path == "" {
			return fmt.Errorf("storage path is required for bolt storage")
		}
		storageDir := filepath.Dir(cfg.Storage.Path)
		if err := os.MkdirAll(storageDir, 0755); err != nil {
			return fmt.Errorf("failed to create storage directory: %w", err)
		}
	case "redis":
		if cfg.Storage.Redis.Host == "" {
			return fmt.Errorf("redis host is required for redis storage")
		}
	default:
		return fmt.Errorf("unknown storage type: %s", cfg.Storage.Type)
	}

	for _, field := range []struct {
		name  string
		value string
	}{
		{"tracker.poll_interval", cfg.Tracker.PollInterval},
		{"tracker.idle_timeout", cfg.Tracker.IdleTimeout},
		{"tracker.flush_interval", cfg.Tracker.FlushInterval},
		{"reminders.grace_period", cfg.Reminders.GracePeriod},
		{"reminders.check_interval", cfg.Reminders.CheckInterval},
	} {
		if _, err := time.ParseDuration(field.value); err != nil {
			return fmt.Errorf("invalid %s: %w", field.name, err)
		}
	}

	for _, threshold := range cfg.Reminders.DurationThresholds {
		if _, err := time.ParseDuration(threshold); err != nil {
			return fmt.Errorf("invalid reminder duration threshold %q: %w", threshold, err)
		}
	}
	for _, at := range cfg.Reminders.FixedTimes {
		if _, err := time.Parse("15:04", at); err != nil {
			return fmt.Errorf("invalid reminder fixed time %q: %w", at, err)
		}
	}

	if cfg.Tracker.RetentionDays < 0 {
		return fmt.Errorf("retention days must not be negative")
	}

	return nil
}
