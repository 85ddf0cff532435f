package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a record is missing from storage.
var ErrNotFound = errors.New("storage: record not found")

// Store represents the root storage interface.
type Store interface {
	Close() error
	Stats() StatsStore
	Reminders() ReminderStore
}

// StatsStore persists per-day usage aggregates. A day is written wholesale:
// PutDay replaces the full mapping for that date, there is no partial merge.
type StatsStore interface {
	// GetDay returns the stats mapping for a date, or ErrNotFound if the
	// date has never been written.
	GetDay(ctx context.Context, date string) (map[string]EntityStat, error)
	// PutDay upserts the full stats mapping for a date.
	PutDay(ctx context.Context, date string, stats map[string]EntityStat) error
	// ListDates returns all dates with stored stats in ascending order.
	ListDates(ctx context.Context) ([]string, error)
	// DeleteDaysBefore removes stored days older than the cutoff date and
	// returns how many were deleted.
	DeleteDaysBefore(ctx context.Context, cutoffDate string) (int, error)
}

// ReminderStore persists reminder session continuity state so a restart
// within the grace period resumes the running session.
type ReminderStore interface {
	Get(ctx context.Context) (*ReminderState, error)
	Put(ctx context.Context, state ReminderState) error
}
