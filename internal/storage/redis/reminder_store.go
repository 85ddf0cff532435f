package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/chatwatch/chatwatch/internal/storage"
	"github.com/redis/go-redis/v9"
)

type reminderStore struct {
	client *redis.Client
}

func (s *reminderStore) Get(ctx context.Context) (*storage.ReminderState, error) {
	data, err := s.client.Get(ctx, keyReminderState).Result()
	if err == redis.Nil {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get reminder state: %w", err)
	}

	var state storage.ReminderState
	if err := json.Unmarshal([]byte(data), &state); err != nil {
		return nil, fmt.Errorf("unmarshal reminder state: %w", err)
	}
	return &state, nil
}

func (s *reminderStore) Put(ctx context.Context, state storage.ReminderState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal reminder state: %w", err)
	}
	if err := s.client.Set(ctx, keyReminderState, data, 0).Err(); err != nil {
		return fmt.Errorf("put reminder state: %w", err)
	}
	return nil
}
