package reminder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chatwatch/chatwatch/internal/metrics"
	"github.com/chatwatch/chatwatch/internal/storage"
	"github.com/chatwatch/chatwatch/internal/tracker"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

const (
	// KindDuration marks a reminder fired after continuous session time.
	KindDuration = "duration"
	// KindFixed marks a reminder fired at a configured wall-clock time.
	KindFixed = "fixed"

	fixedTimeLayout = "15:04"
)

// Notification is a reminder delivered to the host.
type Notification struct {
	Kind    string        `json:"kind"`
	Message string        `json:"message"`
	Elapsed time.Duration `json:"elapsed,omitempty"`
	At      string        `json:"at,omitempty"`
}

// Notifier delivers reminder notifications.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// LogNotifier writes reminders to the log. It is the fallback sink when no
// richer delivery channel is configured.
type LogNotifier struct {
	Logger zerolog.Logger
}

func (l LogNotifier) Notify(_ context.Context, n Notification) error {
	l.Logger.Info().
		Str("kind", n.Kind).
		Str("message", n.Message).
		Msg("Usage reminder")
	return nil
}

// Config holds parsed reminder settings. Validation of the raw string forms
// happens at config load; by the time a Scheduler is built everything here
// is well-formed.
type Config struct {
	GracePeriod        time.Duration
	CheckInterval      time.Duration
	DurationThresholds []time.Duration
	FixedTimes         []string
}

// Scheduler fires usage reminders: once per session when continuous usage
// crosses a configured duration, and once per day at configured wall-clock
// times. Session continuity survives restarts through the reminder store as
// long as the gap stays within the grace period.
type Scheduler struct {
	store    storage.ReminderStore
	notifier Notifier
	clock    tracker.Clock
	cfg      Config
	logger   zerolog.Logger

	mu    sync.Mutex
	state storage.ReminderState
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock replaces the wall clock, for tests.
func WithClock(clock tracker.Clock) Option {
	return func(s *Scheduler) { s.clock = clock }
}

// New creates a reminder scheduler.
func New(store storage.ReminderStore, notifier Notifier, cfg Config, logger zerolog.Logger, opts ...Option) (*Scheduler, error) {
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = 5 * time.Minute
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 15 * time.Second
	}
	for _, at := range cfg.FixedTimes {
		if _, err := time.Parse(fixedTimeLayout, at); err != nil {
			return nil, fmt.Errorf("invalid fixed reminder time %q: %w", at, err)
		}
	}

	s := &Scheduler{
		store:    store,
		notifier: notifier,
		clock:    tracker.RealClock{},
		cfg:      cfg,
		logger:   logger.With().Str("component", "reminder").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Run restores persisted session state, then checks thresholds on a fixed
// interval and fires configured wall-clock reminders until the context is
// cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	now := s.clock.Now()
	s.restore(ctx, now)

	c := cron.New()
	for _, at := range s.cfg.FixedTimes {
		parsed, err := time.Parse(fixedTimeLayout, at)
		if err != nil {
			return fmt.Errorf("invalid fixed reminder time %q: %w", at, err)
		}
		if _, err := c.AddFunc(fmt.Sprintf("%d %d * * *", parsed.Minute(), parsed.Hour()), func() {
			s.fireFixed(ctx, s.clock.Now(), at)
		}); err != nil {
			return fmt.Errorf("schedule fixed reminder %q: %w", at, err)
		}
	}
	c.Start()
	defer func() { <-c.Stop().Done() }()

	s.logger.Info().
		Dur("grace_period", s.cfg.GracePeriod).
		Dur("check_interval", s.cfg.CheckInterval).
		Int("duration_thresholds", len(s.cfg.DurationThresholds)).
		Int("fixed_times", len(s.cfg.FixedTimes)).
		Msg("Reminder scheduler started")

	ticker := time.NewTicker(s.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.persist(context.Background())
			s.logger.Info().Msg("Reminder scheduler stopped")
			return nil
		case <-ticker.C:
			s.checkTick(ctx, s.clock.Now())
		}
	}
}

// Touch records host activity. A gap longer than the grace period starts a
// fresh session with a clean duration-threshold slate. The tracker invokes
// this from its own loop, so it must stay cheap and non-blocking.
func (s *Scheduler) Touch(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.SessionStart.IsZero() || now.Sub(s.state.LastActive) > s.cfg.GracePeriod {
		s.logger.Debug().
			Time("previous_activity", s.state.LastActive).
			Msg("Starting new reminder session")
		s.state.SessionStart = now
		s.state.TriggeredDurations = nil
	}
	s.state.LastActive = now
}

// restore loads persisted state and decides session continuity: a restart
// within the grace period resumes the old session, anything longer starts
// fresh.
func (s *Scheduler) restore(ctx context.Context, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.store.Get(ctx)
	switch {
	case err == nil:
		s.state = *state
	case errors.Is(err, storage.ErrNotFound):
	default:
		s.logger.Error().Err(err).Msg("Failed to load reminder state, starting fresh")
	}

	if s.state.SessionStart.IsZero() || now.Sub(s.state.LastActive) > s.cfg.GracePeriod {
		s.state.SessionStart = now
		s.state.TriggeredDurations = nil
	} else {
		s.logger.Info().
			Time("session_start", s.state.SessionStart).
			Msg("Resuming reminder session within grace period")
	}
	s.state.LastActive = now
	s.rolloverFixedLocked(now)
}

// checkTick is one evaluation step: duration thresholds against the live
// session, plus catch-up for fixed times that passed while nothing was
// scheduled to fire them.
func (s *Scheduler) checkTick(ctx context.Context, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.rolloverFixedLocked(now)

	// A session beyond its grace period is dormant: nothing fires until the
	// next Touch starts a new one.
	if now.Sub(s.state.LastActive) <= s.cfg.GracePeriod {
		elapsed := now.Sub(s.state.SessionStart)
		for _, threshold := range s.cfg.DurationThresholds {
			if elapsed < threshold || s.durationTriggeredLocked(threshold) {
				continue
			}
			s.state.TriggeredDurations = append(s.state.TriggeredDurations, threshold.String())
			s.deliverLocked(ctx, Notification{
				Kind:    KindDuration,
				Message: fmt.Sprintf("You have been chatting for %s.", threshold),
				Elapsed: elapsed,
			})
		}
	}

	// Catch up fixed times missed within the grace period, e.g. when the
	// process was suspended across the scheduled moment.
	for _, at := range s.cfg.FixedTimes {
		target, err := s.fixedTarget(now, at)
		if err != nil {
			continue
		}
		if now.Before(target) || now.Sub(target) > s.cfg.GracePeriod || s.fixedTriggeredLocked(at) {
			continue
		}
		s.fireFixedLocked(ctx, at)
	}

	s.persistLocked(ctx)
}

// fireFixed fires one wall-clock reminder, invoked by the cron entry at its
// scheduled moment.
func (s *Scheduler) fireFixed(ctx context.Context, now time.Time, at string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.rolloverFixedLocked(now)
	if s.fixedTriggeredLocked(at) {
		return
	}
	s.fireFixedLocked(ctx, at)
	s.persistLocked(ctx)
}

func (s *Scheduler) fireFixedLocked(ctx context.Context, at string) {
	s.state.TriggeredFixedTimes = append(s.state.TriggeredFixedTimes, at)
	s.deliverLocked(ctx, Notification{
		Kind:    KindFixed,
		Message: fmt.Sprintf("Scheduled reminder for %s.", at),
		At:      at,
	})
}

func (s *Scheduler) deliverLocked(ctx context.Context, n Notification) {
	metrics.RemindersFired.WithLabelValues(n.Kind).Inc()
	if err := s.notifier.Notify(ctx, n); err != nil {
		s.logger.Error().Err(err).Str("kind", n.Kind).Msg("Failed to deliver reminder")
	}
	s.logger.Info().Str("kind", n.Kind).Str("message", n.Message).Msg("Reminder fired")
}

// rolloverFixedLocked clears the per-day fixed-time slate when the date
// changes.
func (s *Scheduler) rolloverFixedLocked(now time.Time) {
	today := now.Format(storage.DateLayout)
	if s.state.FixedTimesDate != today {
		s.state.FixedTimesDate = today
		s.state.TriggeredFixedTimes = nil
	}
}

func (s *Scheduler) durationTriggeredLocked(threshold time.Duration) bool {
	key := threshold.String()
	for _, fired := range s.state.TriggeredDurations {
		if fired == key {
			return true
		}
	}
	return false
}

func (s *Scheduler) fixedTriggeredLocked(at string) bool {
	for _, fired := range s.state.TriggeredFixedTimes {
		if fired == at {
			return true
		}
	}
	return false
}

// fixedTarget resolves "HH:MM" to today's wall-clock instant.
func (s *Scheduler) fixedTarget(now time.Time, at string) (time.Time, error) {
	parsed, err := time.Parse(fixedTimeLayout, at)
	if err != nil {
		return time.Time{}, err
	}
	return time.Date(now.Year(), now.Month(), now.Day(), parsed.Hour(), parsed.Minute(), 0, 0, now.Location()), nil
}

func (s *Scheduler) persist(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.persistLocked(ctx)
}

func (s *Scheduler) persistLocked(ctx context.Context) {
	if err := s.store.Put(ctx, s.state); err != nil {
		s.logger.Error().Err(err).Msg("Failed to persist reminder state")
	}
}
