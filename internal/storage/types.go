package storage

import (
	"encoding/json"
	"strings"
	"time"
)

// DateLayout is the calendar-day key format used throughout storage.
const DateLayout = "2006-01-02"

// EntityType classifies a tracked chat entity.
type EntityType string

const (
	EntityCharacter EntityType = "character"
	EntityGroup     EntityType = "group"
	EntityUnknown   EntityType = "unknown"
)

// UnmarshalJSON implements json.Unmarshaler to normalize the type to
// lowercase. Unrecognized values fall back to "unknown" rather than failing,
// since entity events from older hosts may carry types we never learned.
func (t *EntityType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	normalized := EntityType(strings.ToLower(s))

	switch normalized {
	case EntityCharacter, EntityGroup, EntityUnknown:
		*t = normalized
	default:
		*t = EntityUnknown
	}
	return nil
}

// Normalize maps an arbitrary type string onto a known EntityType.
func (t EntityType) Normalize() EntityType {
	switch EntityType(strings.ToLower(string(t))) {
	case EntityCharacter:
		return EntityCharacter
	case EntityGroup:
		return EntityGroup
	default:
		return EntityUnknown
	}
}

// EntityStat is one tracked entity's tally for one day. All counters are
// monotonically non-decreasing within a day; they reset only when the day
// rolls over.
type EntityStat struct {
	Name             string     `json:"name"`
	Type             EntityType `json:"type"`
	OnlineSeconds    int64      `json:"online_seconds"`
	MessagesSent     int64      `json:"messages_sent"`
	MessagesReceived int64      `json:"messages_received"`
	TokensUsed       int64      `json:"tokens_used"`
}

// DailyRecord is the persisted unit: one date and the full stats mapping
// for that date, keyed uniquely by Date.
type DailyRecord struct {
	Date  string                `json:"date"`
	Stats map[string]EntityStat `json:"stats"`
}

// ReminderState carries the reminder scheduler's persisted continuity state.
type ReminderState struct {
	SessionStart        time.Time `json:"session_start"`
	LastActive          time.Time `json:"last_active"`
	TriggeredDurations  []string  `json:"triggered_durations"`
	FixedTimesDate      string    `json:"fixed_times_date"`
	TriggeredFixedTimes []string  `json:"triggered_fixed_times"`
}

// CloneStats returns a deep copy of a stats mapping. Callers hand copies
// across goroutine boundaries, never the live aggregate.
func CloneStats(stats map[string]EntityStat) map[string]EntityStat {
	out := make(map[string]EntityStat, len(stats))
	for id, stat := range stats {
		out[id] = stat
	}
	return out
}
