package bolt

import (
	"context"
	"fmt"

	"github.com/chatwatch/chatwatch/internal/storage"
	"go.etcd.io/bbolt"
)

type reminderStore struct {
	db *bbolt.DB
}

func (s *reminderStore) Get(ctx context.Context) (*storage.ReminderState, error) {
	var state storage.ReminderState
	err := s.db.View(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b := tx.Bucket([]byte(bucketReminder))
		if b == nil {
			return storage.ErrNotFound
		}
		value := b.Get([]byte(reminderStateKey))
		if value == nil {
			return storage.ErrNotFound
		}
		return unmarshal(value, &state)
	})
	if err != nil {
		return nil, err
	}
	return &state, nil
}

func (s *reminderStore) Put(ctx context.Context, state storage.ReminderState) error {
	data, err := marshal(state)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b := tx.Bucket([]byte(bucketReminder))
		if b == nil {
			return fmt.Errorf("reminder bucket missing")
		}
		return b.Put([]byte(reminderStateKey), data)
	})
}
