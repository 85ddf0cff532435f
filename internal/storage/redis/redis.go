package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/chatwatch/chatwatch/internal/config"
	"github.com/chatwatch/chatwatch/internal/storage"
	"github.com/redis/go-redis/v9"
)

const (
	keyPrefixDaily   = "chatwatch:daily:"
	keyDateIndex     = "chatwatch:dates"
	keyReminderState = "chatwatch:reminder:state"
)

// Store implements the storage.Store interface using Redis.
type Store struct {
	client *redis.Client
}

// Open creates a new Redis-backed storage instance.
func Open(cfg config.RedisConfig) (*Store, error) {
	dialTimeout, err := time.ParseDuration(cfg.DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid dial_timeout: %w", err)
	}

	readTimeout, err := time.ParseDuration(cfg.ReadTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid read_timeout: %w", err)
	}

	writeTimeout, err := time.ParseDuration(cfg.WriteTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid write_timeout: %w", err)
	}

	addr := cfg.Host
	if cfg.Port > 0 {
		addr = fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	}

	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  dialTimeout,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Store{client: client}, nil
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Stats returns the daily stats store.
func (s *Store) Stats() storage.StatsStore { return &statsStore{client: s.client} }

// Reminders returns the reminder state store.
func (s *Store) Reminders() storage.ReminderStore { return &reminderStore{client: s.client} }

func dailyKey(date string) string {
	return keyPrefixDaily + date
}
