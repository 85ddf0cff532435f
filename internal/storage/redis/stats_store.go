package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/chatwatch/chatwatch/internal/storage"
	"github.com/redis/go-redis/v9"
)

type statsStore struct {
	client *redis.Client
}

func (s *statsStore) GetDay(ctx context.Context, date string) (map[string]storage.EntityStat, error) {
	data, err := s.client.Get(ctx, dailyKey(date)).Result()
	if err == redis.Nil {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get daily stats: %w", err)
	}

	var record storage.DailyRecord
	if err := json.Unmarshal([]byte(data), &record); err != nil {
		return nil, fmt.Errorf("unmarshal daily stats: %w", err)
	}
	if record.Stats == nil {
		record.Stats = make(map[string]storage.EntityStat)
	}
	return record.Stats, nil
}

func (s *statsStore) PutDay(ctx context.Context, date string, stats map[string]storage.EntityStat) error {
	data, err := json.Marshal(storage.DailyRecord{Date: date, Stats: stats})
	if err != nil {
		return fmt.Errorf("marshal daily stats: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, dailyKey(date), data, 0)
	pipe.SAdd(ctx, keyDateIndex, date)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("put daily stats: %w", err)
	}
	return nil
}

func (s *statsStore) ListDates(ctx context.Context) ([]string, error) {
	dates, err := s.client.SMembers(ctx, keyDateIndex).Result()
	if err != nil {
		return nil, fmt.Errorf("list dates: %w", err)
	}
	sort.Strings(dates)
	return dates, nil
}

func (s *statsStore) DeleteDaysBefore(ctx context.Context, cutoffDate string) (int, error) {
	cutoff, err := time.Parse(storage.DateLayout, cutoffDate)
	if err != nil {
		return 0, fmt.Errorf("invalid cutoff date: %w", err)
	}

	dates, err := s.client.SMembers(ctx, keyDateIndex).Result()
	if err != nil {
		return 0, fmt.Errorf("list dates: %w", err)
	}

	deleted := 0
	for _, date := range dates {
		dateValue, err := time.Parse(storage.DateLayout, date)
		if err != nil {
			continue
		}
		if !dateValue.Before(cutoff) {
			continue
		}
		pipe := s.client.TxPipeline()
		pipe.Del(ctx, dailyKey(date))
		pipe.SRem(ctx, keyDateIndex, date)
		if _, err := pipe.Exec(ctx); err != nil {
			return deleted, fmt.Errorf("delete daily stats %s: %w", date, err)
		}
		deleted++
	}
	return deleted, nil
}
