package tracker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/chatwatch/chatwatch/internal/metrics"
	"github.com/chatwatch/chatwatch/internal/storage"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
)

const (
	// DefaultPollInterval is how often accrued time is credited while accruing.
	DefaultPollInterval = 5 * time.Second

	// DefaultIdleTimeout is the duration without activity after which the
	// user is considered inactive.
	DefaultIdleTimeout = 60 * time.Second

	// DefaultFlushInterval is how often the aggregate is persisted while dirty.
	DefaultFlushInterval = 30 * time.Second

	defaultHistoryCacheSize = 32
)

// TokenCounter estimates the token count of a piece of text. It is injected
// by the host; the worker only awaits it and never retries.
type TokenCounter func(ctx context.Context, text string) (int, error)

// Config holds worker configuration.
type Config struct {
	PollInterval     time.Duration
	IdleTimeout      time.Duration
	FlushInterval    time.Duration
	HistoryCacheSize int
}

// StatsUpdate is the outbound notification pushed whenever the aggregate for
// a requested or current date changes.
type StatsUpdate struct {
	Date  string                        `json:"date"`
	Stats map[string]storage.EntityStat `json:"stats"`
}

// Worker is the usage-accumulation engine. All aggregate state is owned by
// the Run goroutine; commands arrive over a channel, so every mutation is
// atomic with respect to every other mutation.
type Worker struct {
	store      storage.StatsStore
	counter    TokenCounter
	clock      Clock
	cfg        Config
	logger     zerolog.Logger
	onActivity func(time.Time)

	commands chan command

	// State below is owned by the run loop (or by tests driving apply/tick
	// directly; never both).
	date  string
	stats map[string]storage.EntityStat
	dirty bool

	activeEntityID   string
	activeEntityType storage.EntityType
	tabVisible       bool
	userActive       bool
	lastActivityAt   time.Time

	running bool
	poll    *time.Ticker
	pollC   <-chan time.Time
	flusher *time.Ticker
	flushC  <-chan time.Time

	history *lru.Cache[string, map[string]storage.EntityStat]

	subMu sync.Mutex
	subs  map[chan StatsUpdate]struct{}
}

// Option configures a Worker.
type Option func(*Worker)

// WithClock replaces the wall clock, for tests.
func WithClock(clock Clock) Option {
	return func(w *Worker) { w.clock = clock }
}

// WithTokenCounter injects the host's async text-to-token-count function.
func WithTokenCounter(counter TokenCounter) Option {
	return func(w *Worker) { w.counter = counter }
}

// WithActivityListener registers a hook invoked on every activity signal the
// worker observes (pings, chat switches, accruing ticks). The reminder
// scheduler uses it for session continuity.
func WithActivityListener(fn func(time.Time)) Option {
	return func(w *Worker) { w.onActivity = fn }
}

// NewWorker creates a usage-accumulation worker.
func NewWorker(store storage.StatsStore, cfg Config, logger zerolog.Logger, opts ...Option) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	if cfg.HistoryCacheSize <= 0 {
		cfg.HistoryCacheSize = defaultHistoryCacheSize
	}

	history, _ := lru.New[string, map[string]storage.EntityStat](cfg.HistoryCacheSize)

	w := &Worker{
		store:    store,
		clock:    RealClock{},
		cfg:      cfg,
		logger:   logger.With().Str("component", "tracker").Logger(),
		commands: make(chan command, 64),
		stats:    make(map[string]storage.EntityStat),
		history:  history,
		subs:     make(map[chan StatsUpdate]struct{}),

		// The host is assumed present and active until told otherwise,
		// matching how a freshly started page behaves.
		tabVisible: true,
		userActive: true,
	}
	for _, opt := range opts {
		opt(w)
	}
	w.lastActivityAt = w.clock.Now()
	return w
}

// Run processes commands and timers until the context is cancelled, then
// performs a final best-effort flush.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info().
		Dur("poll_interval", w.cfg.PollInterval).
		Dur("idle_timeout", w.cfg.IdleTimeout).
		Dur("flush_interval", w.cfg.FlushInterval).
		Msg("Worker started")

	for {
		select {
		case <-ctx.Done():
			w.shutdown()
			return nil
		case cmd := <-w.commands:
			w.apply(ctx, cmd)
		case <-w.pollC:
			w.pollTick(ctx)
		case <-w.flushC:
			if w.dirty {
				w.flush(ctx)
			}
		}
	}
}

// Subscribe registers a stats notification channel. The returned cancel
// function unregisters and closes it. Slow subscribers drop updates rather
// than stalling the worker.
func (w *Worker) Subscribe() (<-chan StatsUpdate, func()) {
	ch := make(chan StatsUpdate, 8)
	w.subMu.Lock()
	w.subs[ch] = struct{}{}
	w.subMu.Unlock()

	cancel := func() {
		w.subMu.Lock()
		if _, ok := w.subs[ch]; ok {
			delete(w.subs, ch)
			close(ch)
		}
		w.subMu.Unlock()
	}
	return ch, cancel
}

func (w *Worker) apply(ctx context.Context, cmd command) {
	metrics.CommandsTotal.WithLabelValues(commandName(cmd.kind)).Inc()

	switch cmd.kind {
	case cmdInit:
		w.handleInit(ctx, cmd.visible)
	case cmdChatChanged:
		w.handleChatChanged(ctx, cmd.entityID, cmd.entityName, cmd.entityType)
	case cmdVisibilityChanged:
		w.handleVisibility(ctx, cmd.visible)
	case cmdUserActivity:
		w.handleUserActivity(ctx)
	case cmdMessageSent:
		w.handleMessage(ctx, cmd, true)
	case cmdMessageReceived:
		w.handleMessage(ctx, cmd, false)
	case cmdTokenCount:
		w.handleTokenCount(ctx, cmd)
	case cmdAddTokens:
		w.addTokens(ctx, cmd)
	case cmdRequestStats:
		w.handleRequestStats(ctx, cmd.date)
	case cmdForceSave:
		w.flush(ctx)
	case cmdStatsQuery:
		stats, err := w.fetchStats(ctx, cmd.date)
		cmd.reply <- statsReply{stats: stats, err: err}
	}
}

func (w *Worker) handleInit(ctx context.Context, tabVisible bool) {
	now := w.clock.Now()
	w.tabVisible = tabVisible
	w.date = now.Format(storage.DateLayout)

	loaded, err := w.store.GetDay(ctx, w.date)
	switch {
	case err == nil:
		w.stats = storage.CloneStats(loaded)
		w.logger.Info().Str("date", w.date).Int("entities", len(loaded)).Msg("Loaded persisted daily stats")
	case errors.Is(err, storage.ErrNotFound):
		w.stats = make(map[string]storage.EntityStat)
	default:
		// In-memory state stays authoritative; the next flush retries.
		w.logger.Error().Err(err).Str("date", w.date).Msg("Failed to load daily stats, starting empty")
		w.stats = make(map[string]storage.EntityStat)
	}
	w.dirty = false

	if w.flusher == nil {
		w.flusher = time.NewTicker(w.cfg.FlushInterval)
		w.flushC = w.flusher.C
	}

	w.touchActivity(now)
	w.publish(w.date)
	w.reevaluate(ctx, now)
}

func (w *Worker) handleChatChanged(ctx context.Context, entityID, entityName string, entityType storage.EntityType) {
	now := w.clock.Now()

	// Stop accrual for the outgoing entity before switching. The ordering
	// guarantees no tick ever credits time to the wrong entity.
	if w.running {
		w.stopPolling()
		w.flush(ctx)
	}

	w.activeEntityID = entityID
	w.activeEntityType = entityType.Normalize()
	if entityID == "" {
		w.activeEntityType = ""
	} else {
		w.ensureEntity(entityID, entityName, entityType)
	}

	// A chat switch counts as activity.
	w.userActive = true
	w.touchActivity(now)

	w.logger.Debug().
		Str("entity_id", entityID).
		Str("entity_type", string(w.activeEntityType)).
		Msg("Active entity changed")

	w.reevaluate(ctx, now)
	// Push the refreshed aggregate so the new entity appears immediately,
	// even with zero accrued time.
	w.publish(w.date)
}

func (w *Worker) handleVisibility(ctx context.Context, visible bool) {
	now := w.clock.Now()
	w.tabVisible = visible

	if !visible {
		// Hidden tabs never accrue, not even within the idle timeout.
		w.userActive = false
		w.reevaluate(ctx, now)
		if w.dirty {
			w.flush(ctx)
		}
		return
	}

	w.userActive = true
	w.touchActivity(now)
	w.reevaluate(ctx, now)
}

func (w *Worker) handleUserActivity(ctx context.Context) {
	now := w.clock.Now()
	w.userActive = true
	w.touchActivity(now)
	w.reevaluate(ctx, now)
}

func (w *Worker) handleMessage(ctx context.Context, cmd command, sent bool) {
	now := w.clock.Now()
	w.checkDate(ctx, now)

	if cmd.entityID == "" {
		w.logger.Debug().Msg("Dropping message event with no entity id")
		return
	}

	stat := w.ensureEntity(cmd.entityID, cmd.entityName, cmd.entityType)
	direction := "received"
	if sent {
		stat.MessagesSent++
		direction = "sent"
	} else {
		stat.MessagesReceived++
	}
	w.stats[cmd.entityID] = stat
	w.dirty = true

	metrics.MessagesTotal.WithLabelValues(cmd.entityID, direction).Inc()
	w.publish(w.date)
}

func (w *Worker) handleTokenCount(ctx context.Context, cmd command) {
	now := w.clock.Now()
	w.checkDate(ctx, now)

	if cmd.entityID == "" {
		w.logger.Debug().Msg("Dropping token count with no entity id")
		return
	}

	if cmd.text != "" && cmd.count == 0 {
		if w.counter == nil {
			w.logger.Warn().Str("entity_id", cmd.entityID).Msg("Token count requested for text but no counter is configured")
			return
		}
		// Counting may suspend; run it off-loop and re-enter as a command
		// so further mutations stay serialized.
		go w.countTokens(ctx, cmd)
		return
	}

	if cmd.count < 0 {
		w.logger.Warn().
			Str("entity_id", cmd.entityID).
			Int64("count", cmd.count).
			Msg("Rejecting negative token count")
		return
	}

	cmd.kind = cmdAddTokens
	w.addTokens(ctx, cmd)
}

func (w *Worker) countTokens(ctx context.Context, cmd command) {
	count, err := w.counter(ctx, cmd.text)
	if err != nil {
		// Skipping the increment is the whole failure handling; message
		// counters were already applied independently.
		w.logger.Error().Err(err).Str("entity_id", cmd.entityID).Msg("Token counting failed, skipping increment")
		return
	}
	result := cmd
	result.kind = cmdAddTokens
	result.count = int64(count)
	result.text = ""
	if err := w.enqueue(ctx, result); err != nil {
		w.logger.Debug().Err(err).Msg("Dropping token count result, worker stopping")
	}
}

func (w *Worker) addTokens(ctx context.Context, cmd command) {
	now := w.clock.Now()
	w.checkDate(ctx, now)

	if cmd.count < 0 {
		w.logger.Warn().
			Str("entity_id", cmd.entityID).
			Int64("count", cmd.count).
			Msg("Rejecting negative token count")
		return
	}

	stat := w.ensureEntity(cmd.entityID, cmd.entityName, cmd.entityType)
	stat.TokensUsed += cmd.count
	w.stats[cmd.entityID] = stat
	w.dirty = true

	metrics.TokensTotal.WithLabelValues(cmd.entityID).Add(float64(cmd.count))
	w.publish(w.date)
}

func (w *Worker) handleRequestStats(ctx context.Context, date string) {
	stats, err := w.fetchStats(ctx, date)
	if err != nil {
		// Degrade the way the reply contract promises: an empty mapping,
		// never a stalled request.
		w.logger.Error().Err(err).Str("date", date).Msg("Failed to read stats for request")
		stats = make(map[string]storage.EntityStat)
	}
	if date == "" {
		date = w.date
	}
	w.notify(StatsUpdate{Date: date, Stats: stats})
}

// fetchStats reads a day's stats: today from the live aggregate, other dates
// through the history cache and the store.
func (w *Worker) fetchStats(ctx context.Context, date string) (map[string]storage.EntityStat, error) {
	now := w.clock.Now()
	w.checkDate(ctx, now)

	if date == "" || date == w.date {
		return storage.CloneStats(w.stats), nil
	}

	if cached, ok := w.history.Get(date); ok {
		return storage.CloneStats(cached), nil
	}

	stats, err := w.store.GetDay(ctx, date)
	if errors.Is(err, storage.ErrNotFound) {
		stats = make(map[string]storage.EntityStat)
	} else if err != nil {
		return nil, err
	}
	w.history.Add(date, storage.CloneStats(stats))
	return stats, nil
}

// pollTick is one accrual step: rollover check, fixed-increment time credit,
// idle detection. It runs only while the scheduler is RUNNING.
func (w *Worker) pollTick(ctx context.Context) {
	now := w.clock.Now()
	w.checkDate(ctx, now)

	if w.activeEntityID != "" && w.tabVisible && w.userActive {
		seconds := int64(w.cfg.PollInterval / time.Second)
		stat := w.ensureEntity(w.activeEntityID, "", w.activeEntityType)
		stat.OnlineSeconds += seconds
		w.stats[w.activeEntityID] = stat
		w.dirty = true

		metrics.OnlineSecondsTotal.
			WithLabelValues(w.activeEntityID, string(stat.Type)).
			Add(float64(seconds))
		// The tick signals host presence to the reminder scheduler, but it
		// is not user activity: lastActivityAt moves only on real pings,
		// otherwise the idle timeout could never fire.
		if w.onActivity != nil {
			w.onActivity(now)
		}
		w.publish(w.date)
	}

	// Compare against the stored lastActivityAt, never a captured snapshot:
	// a ping that arrived after this tick was scheduled must win.
	if w.userActive && now.Sub(w.lastActivityAt) >= w.cfg.IdleTimeout {
		w.logger.Debug().Time("last_activity", w.lastActivityAt).Msg("User idle, stopping accrual")
		w.userActive = false
		w.reevaluate(ctx, now)
	}
}

// reevaluate starts or stops the accrual scheduler after any signal change.
// Start/stop is the state transition itself, not a guard inside the tick.
func (w *Worker) reevaluate(ctx context.Context, now time.Time) {
	should := w.activeEntityID != "" && w.tabVisible && w.userActive

	switch {
	case should && !w.running:
		w.checkDate(ctx, now)
		w.startPolling()
	case !should && w.running:
		w.stopPolling()
		w.flush(ctx)
	}
}

func (w *Worker) startPolling() {
	if w.poll == nil {
		w.poll = time.NewTicker(w.cfg.PollInterval)
	} else {
		w.poll.Reset(w.cfg.PollInterval)
	}
	w.pollC = w.poll.C
	w.running = true
	w.logger.Debug().Str("entity_id", w.activeEntityID).Msg("Accrual started")
}

func (w *Worker) stopPolling() {
	w.poll.Stop()
	w.pollC = nil
	w.running = false
	w.logger.Debug().Str("entity_id", w.activeEntityID).Msg("Accrual stopped")
}

// checkDate performs the opportunistic day rollover: flush the outgoing
// aggregate first, then replace it, then load whatever another instance may
// already have written for the new date.
func (w *Worker) checkDate(ctx context.Context, now time.Time) {
	today := now.Format(storage.DateLayout)
	if w.date == "" {
		w.date = today
		return
	}
	if today == w.date {
		return
	}

	w.logger.Info().Str("from", w.date).Str("to", today).Msg("Date changed, rolling over daily stats")

	if len(w.stats) > 0 {
		w.flush(ctx)
	}
	metrics.DateRollovers.Inc()

	oldDate := w.date
	w.date = today
	w.stats = make(map[string]storage.EntityStat)
	w.dirty = false
	w.history.Remove(oldDate)

	loaded, err := w.store.GetDay(ctx, today)
	switch {
	case err == nil:
		w.stats = storage.CloneStats(loaded)
	case errors.Is(err, storage.ErrNotFound):
		// Fresh day.
	default:
		w.logger.Error().Err(err).Str("date", today).Msg("Failed to load stats for new date")
	}

	w.publish(w.date)
}

// flush writes the full aggregate for the current date. Failures are
// transient: in-memory state stays authoritative and the next scheduled
// flush retries.
func (w *Worker) flush(ctx context.Context) {
	if w.date == "" {
		return
	}
	metrics.FlushesTotal.Inc()
	if err := w.store.PutDay(ctx, w.date, storage.CloneStats(w.stats)); err != nil {
		metrics.FlushErrors.Inc()
		w.logger.Error().Err(err).Str("date", w.date).Msg("Failed to flush daily stats")
		return
	}
	w.dirty = false
}

func (w *Worker) ensureEntity(id, name string, entityType storage.EntityType) storage.EntityStat {
	stat, ok := w.stats[id]
	if !ok {
		stat = storage.EntityStat{Name: id, Type: storage.EntityUnknown}
		if name != "" {
			stat.Name = name
		}
		if entityType != "" {
			stat.Type = entityType.Normalize()
		}
		w.stats[id] = stat
		w.dirty = true
		return stat
	}

	// A supplied name or type refreshes the stored identity without
	// resetting counters.
	if name != "" && stat.Name != name {
		stat.Name = name
		w.dirty = true
	}
	if entityType != "" {
		if normalized := entityType.Normalize(); stat.Type != normalized {
			stat.Type = normalized
			w.dirty = true
		}
	}
	w.stats[id] = stat
	return stat
}

func (w *Worker) touchActivity(now time.Time) {
	w.lastActivityAt = now
	if w.onActivity != nil {
		w.onActivity(now)
	}
}

func (w *Worker) publish(date string) {
	w.notify(StatsUpdate{Date: date, Stats: storage.CloneStats(w.stats)})
}

func (w *Worker) notify(update StatsUpdate) {
	w.subMu.Lock()
	defer w.subMu.Unlock()
	for ch := range w.subs {
		select {
		case ch <- update:
		default:
			w.logger.Debug().Str("date", update.Date).Msg("Dropping stats update for slow subscriber")
		}
	}
}

func (w *Worker) shutdown() {
	if w.running {
		w.stopPolling()
	}
	if w.flusher != nil {
		w.flusher.Stop()
	}
	// Best-effort final save, same contract as forceSave on page unload.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	w.flush(ctx)
	w.logger.Info().Msg("Worker stopped")
}

func commandName(kind commandKind) string {
	switch kind {
	case cmdInit:
		return TypeInit
	case cmdChatChanged:
		return TypeChatChanged
	case cmdVisibilityChanged:
		return TypeVisibilityChanged
	case cmdUserActivity:
		return TypeUserActivity
	case cmdMessageSent:
		return TypeMessageSent
	case cmdMessageReceived:
		return TypeMessageReceived
	case cmdTokenCount, cmdAddTokens:
		return TypeTokenCount
	case cmdRequestStats:
		return TypeRequestStats
	case cmdForceSave:
		return TypeForceSave
	case cmdStatsQuery:
		return "statsQuery"
	default:
		return "unknown"
	}
}
