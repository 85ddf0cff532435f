package bolt

import (
	"context"
	"fmt"
	"time"

	"github.com/chatwatch/chatwatch/internal/storage"
	"go.etcd.io/bbolt"
)

type statsStore struct {
	db *bbolt.DB
}

func (s *statsStore) GetDay(ctx context.Context, date string) (map[string]storage.EntityStat, error) {
	var record storage.DailyRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b := tx.Bucket([]byte(bucketDailyStats))
		if b == nil {
			return storage.ErrNotFound
		}
		value := b.Get([]byte(date))
		if value == nil {
			return storage.ErrNotFound
		}
		return unmarshal(value, &record)
	})
	if err != nil {
		return nil, err
	}
	if record.Stats == nil {
		record.Stats = make(map[string]storage.EntityStat)
	}
	return record.Stats, nil
}

func (s *statsStore) PutDay(ctx context.Context, date string, stats map[string]storage.EntityStat) error {
	data, err := marshal(storage.DailyRecord{Date: date, Stats: stats})
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b := tx.Bucket([]byte(bucketDailyStats))
		if b == nil {
			return fmt.Errorf("daily stats bucket missing")
		}
		return b.Put([]byte(date), data)
	})
}

func (s *statsStore) ListDates(ctx context.Context) ([]string, error) {
	dates := make([]string, 0)
	return dates, s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketDailyStats))
		if b == nil {
			return nil
		}
		// Keys are YYYY-MM-DD strings, so bolt's byte order is date order.
		return b.ForEach(func(k, _ []byte) error {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			dates = append(dates, string(k))
			return nil
		})
	})
}

func (s *statsStore) DeleteDaysBefore(ctx context.Context, cutoffDate string) (int, error) {
	cutoff, err := time.Parse(storage.DateLayout, cutoffDate)
	if err != nil {
		return 0, fmt.Errorf("invalid cutoff date: %w", err)
	}
	deleted := 0
	return deleted, s.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b := tx.Bucket([]byte(bucketDailyStats))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			dateValue, err := time.Parse(storage.DateLayout, string(k))
			if err != nil {
				continue
			}
			if dateValue.Before(cutoff) {
				if err := c.Delete(); err != nil {
					return err
				}
				deleted++
			}
		}
		return nil
	})
}
