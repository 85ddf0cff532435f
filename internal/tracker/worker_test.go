package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/chatwatch/chatwatch/internal/storage"
	"github.com/rs/zerolog"
)

// memStore is an in-memory StatsStore with call counting and failure
// injection for flush-retry tests.
type memStore struct {
	mu       sync.Mutex
	days     map[string]map[string]storage.EntityStat
	puts     int
	gets     int
	failPuts bool
}

func newMemStore() *memStore {
	return &memStore{days: make(map[string]map[string]storage.EntityStat)}
}

func (m *memStore) GetDay(_ context.Context, date string) (map[string]storage.EntityStat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gets++
	stats, ok := m.days[date]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return storage.CloneStats(stats), nil
}

func (m *memStore) PutDay(_ context.Context, date string, stats map[string]storage.EntityStat) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.puts++
	if m.failPuts {
		return fmt.Errorf("injected put failure")
	}
	m.days[date] = storage.CloneStats(stats)
	return nil
}

func (m *memStore) ListDates(_ context.Context) ([]string, error) {
	return nil, nil
}

func (m *memStore) DeleteDaysBefore(_ context.Context, _ string) (int, error) {
	return 0, nil
}

func (m *memStore) putCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.puts
}

func (m *memStore) getCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gets
}

func (m *memStore) day(date string) map[string]storage.EntityStat {
	m.mu.Lock()
	defer m.mu.Unlock()
	return storage.CloneStats(m.days[date])
}

func newTestWorker(t *testing.T, store storage.StatsStore, clock Clock) *Worker {
	t.Helper()

	w := NewWorker(store, Config{}, zerolog.Nop(), WithClock(clock))
	t.Cleanup(func() {
		if w.poll != nil {
			w.poll.Stop()
		}
		if w.flusher != nil {
			w.flusher.Stop()
		}
	})
	return w
}

func testClockAt(hour, min int) *TestClock {
	return &TestClock{CurrentTime: time.Date(2026, 8, 30, hour, min, 0, 0, time.Local)}
}

func TestAccrualCreditsFixedIncrements(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	clock := testClockAt(12, 0)
	w := newTestWorker(t, store, clock)

	w.apply(ctx, command{kind: cmdInit, visible: true})
	w.apply(ctx, command{kind: cmdChatChanged, entityID: "char1", entityName: "Alice", entityType: storage.EntityCharacter})

	if !w.running {
		t.Fatal("expected accrual to be running after entity change")
	}

	// Three poll ticks at 5s each credit exactly 15 seconds.
	for i := 0; i < 3; i++ {
		clock.CurrentTime = clock.CurrentTime.Add(5 * time.Second)
		w.pollTick(ctx)
	}

	stat := w.stats["char1"]
	if stat.OnlineSeconds != 15 {
		t.Errorf("expected 15 online seconds, got %d", stat.OnlineSeconds)
	}
	if stat.MessagesSent != 0 {
		t.Errorf("expected 0 messages sent, got %d", stat.MessagesSent)
	}
	if stat.Name != "Alice" || stat.Type != storage.EntityCharacter {
		t.Errorf("unexpected identity: %+v", stat)
	}
}

func TestNoAccrualWithoutEntity(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	clock := testClockAt(12, 0)
	w := newTestWorker(t, store, clock)

	w.apply(ctx, command{kind: cmdInit, visible: true})
	if w.running {
		t.Fatal("expected no accrual without an active entity")
	}
}

func TestHideStopsAccrualAndFlushes(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	clock := testClockAt(12, 0)
	w := newTestWorker(t, store, clock)

	w.apply(ctx, command{kind: cmdInit, visible: true})
	w.apply(ctx, command{kind: cmdChatChanged, entityID: "char1", entityName: "Alice", entityType: storage.EntityCharacter})

	clock.CurrentTime = clock.CurrentTime.Add(5 * time.Second)
	w.pollTick(ctx)

	putsBefore := store.putCount()
	w.apply(ctx, command{kind: cmdVisibilityChanged, visible: false})

	if w.running {
		t.Fatal("expected accrual stopped while hidden")
	}
	if store.putCount() <= putsBefore {
		t.Error("expected an immediate flush on hide")
	}
	if got := store.day(w.date)["char1"].OnlineSeconds; got != 5 {
		t.Errorf("expected flushed tally of 5 seconds, got %d", got)
	}

	// Hidden tabs never accrue; only show + fresh activity restarts.
	frozen := w.stats["char1"].OnlineSeconds
	w.apply(ctx, command{kind: cmdUserActivity})
	if w.running {
		t.Fatal("activity alone must not restart accrual while hidden")
	}
	if w.stats["char1"].OnlineSeconds != frozen {
		t.Error("online seconds changed while hidden")
	}

	w.apply(ctx, command{kind: cmdVisibilityChanged, visible: true})
	if !w.running {
		t.Fatal("expected accrual to restart once visible again")
	}
}

func TestIdleTimeoutStopsAccrual(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	clock := testClockAt(12, 0)
	w := newTestWorker(t, store, clock)

	w.apply(ctx, command{kind: cmdInit, visible: true})
	w.apply(ctx, command{kind: cmdChatChanged, entityID: "char1", entityName: "Alice", entityType: storage.EntityCharacter})

	clock.CurrentTime = clock.CurrentTime.Add(5 * time.Second)
	w.pollTick(ctx)

	// No activity for longer than the idle timeout: the next tick still
	// credits its interval, then flips the user inactive and stops.
	clock.CurrentTime = clock.CurrentTime.Add(DefaultIdleTimeout + time.Second)
	w.pollTick(ctx)

	if w.userActive {
		t.Fatal("expected user to be marked idle")
	}
	if w.running {
		t.Fatal("expected accrual stopped after idle timeout")
	}
	if got := w.stats["char1"].OnlineSeconds; got != 10 {
		t.Errorf("expected 10 online seconds, got %d", got)
	}

	// A fresh ping restarts accrual.
	w.apply(ctx, command{kind: cmdUserActivity})
	if !w.running {
		t.Fatal("expected accrual to restart on activity")
	}
}

func TestLateActivityPingWinsOverIdleCheck(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	clock := testClockAt(12, 0)
	w := newTestWorker(t, store, clock)

	w.apply(ctx, command{kind: cmdInit, visible: true})
	w.apply(ctx, command{kind: cmdChatChanged, entityID: "char1", entityName: "Alice", entityType: storage.EntityCharacter})

	// A ping lands just before the idle deadline elapses; the idle check
	// compares against the refreshed lastActivityAt and must not regress.
	clock.CurrentTime = clock.CurrentTime.Add(DefaultIdleTimeout - time.Second)
	w.apply(ctx, command{kind: cmdUserActivity})

	clock.CurrentTime = clock.CurrentTime.Add(5 * time.Second)
	w.pollTick(ctx)

	if !w.userActive || !w.running {
		t.Fatal("expected accrual to continue after a late ping")
	}
}

func TestEntitySwitchFreezesOutgoing(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	clock := testClockAt(12, 0)
	w := newTestWorker(t, store, clock)

	w.apply(ctx, command{kind: cmdInit, visible: true})
	w.apply(ctx, command{kind: cmdChatChanged, entityID: "char1", entityName: "Alice", entityType: storage.EntityCharacter})

	for i := 0; i < 2; i++ {
		clock.CurrentTime = clock.CurrentTime.Add(5 * time.Second)
		w.pollTick(ctx)
	}

	putsBefore := store.putCount()
	w.apply(ctx, command{kind: cmdChatChanged, entityID: "char2", entityName: "Bob", entityType: storage.EntityCharacter})

	if store.putCount() <= putsBefore {
		t.Error("expected a flush before the incoming entity starts accruing")
	}
	if got := store.day(w.date)["char1"].OnlineSeconds; got != 10 {
		t.Errorf("expected char1 flushed at 10 seconds, got %d", got)
	}
	if _, ok := w.stats["char2"]; !ok {
		t.Fatal("expected char2 to be created eagerly")
	}

	clock.CurrentTime = clock.CurrentTime.Add(5 * time.Second)
	w.pollTick(ctx)

	if got := w.stats["char1"].OnlineSeconds; got != 10 {
		t.Errorf("expected char1 frozen at 10 seconds, got %d", got)
	}
	if got := w.stats["char2"].OnlineSeconds; got != 5 {
		t.Errorf("expected char2 at 5 seconds, got %d", got)
	}
}

func TestSwitchWhileHiddenReassignsImmediately(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	clock := testClockAt(12, 0)
	w := newTestWorker(t, store, clock)

	w.apply(ctx, command{kind: cmdInit, visible: false})
	w.apply(ctx, command{kind: cmdChatChanged, entityID: "char1", entityName: "Alice", entityType: storage.EntityCharacter})

	if w.activeEntityID != "char1" {
		t.Fatal("expected the switch to win over visibility")
	}
	if w.running {
		t.Fatal("expected no accrual while hidden")
	}
}

func TestCountersIndependentOfAccrual(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	clock := testClockAt(12, 0)
	w := newTestWorker(t, store, clock)

	w.apply(ctx, command{kind: cmdInit, visible: false})

	w.apply(ctx, command{kind: cmdMessageSent, entityID: "char1", entityName: "Alice", entityType: storage.EntityCharacter})
	w.apply(ctx, command{kind: cmdTokenCount, entityID: "char1", entityName: "Alice", entityType: storage.EntityCharacter, count: 42})

	stat := w.stats["char1"]
	if stat.MessagesSent != 1 {
		t.Errorf("expected 1 message sent, got %d", stat.MessagesSent)
	}
	if stat.TokensUsed != 42 {
		t.Errorf("expected 42 tokens used, got %d", stat.TokensUsed)
	}
	if stat.OnlineSeconds != 0 {
		t.Errorf("expected no accrued time, got %d", stat.OnlineSeconds)
	}
}

func TestMessageForInactiveEntity(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	clock := testClockAt(12, 0)
	w := newTestWorker(t, store, clock)

	w.apply(ctx, command{kind: cmdInit, visible: true})
	w.apply(ctx, command{kind: cmdChatChanged, entityID: "char1", entityName: "Alice", entityType: storage.EntityCharacter})

	// Background group messages attribute to their own entity.
	w.apply(ctx, command{kind: cmdMessageReceived, entityID: "grp1", entityName: "Tavern", entityType: storage.EntityGroup})

	if got := w.stats["grp1"].MessagesReceived; got != 1 {
		t.Errorf("expected 1 received message for grp1, got %d", got)
	}
	if w.activeEntityID != "char1" {
		t.Error("counter event must not change the active entity")
	}
}

func TestMessageWithoutEntityIsDropped(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	clock := testClockAt(12, 0)
	w := newTestWorker(t, store, clock)

	w.apply(ctx, command{kind: cmdInit, visible: true})
	w.apply(ctx, command{kind: cmdMessageSent})

	if len(w.stats) != 0 {
		t.Errorf("expected no stats entries, got %d", len(w.stats))
	}
}

func TestNegativeTokenCountRejected(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	clock := testClockAt(12, 0)
	w := newTestWorker(t, store, clock)

	w.apply(ctx, command{kind: cmdInit, visible: true})
	w.apply(ctx, command{kind: cmdTokenCount, entityID: "char1", entityName: "Alice", count: -5})

	if got := w.stats["char1"].TokensUsed; got != 0 {
		t.Errorf("expected 0 tokens after negative count, got %d", got)
	}
}

func TestEnsureEntityIdempotent(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	clock := testClockAt(12, 0)
	w := newTestWorker(t, store, clock)
	w.apply(ctx, command{kind: cmdInit, visible: true})

	first := w.ensureEntity("char1", "Alice", storage.EntityCharacter)
	second := w.ensureEntity("char1", "", "")
	if first != second {
		t.Errorf("expected unchanged record, got %+v then %+v", first, second)
	}

	// A supplied rename refreshes identity without resetting counters.
	w.apply(ctx, command{kind: cmdMessageSent, entityID: "char1"})
	renamed := w.ensureEntity("char1", "Alicia", storage.EntityCharacter)
	if renamed.Name != "Alicia" {
		t.Errorf("expected refreshed name, got %q", renamed.Name)
	}
	if renamed.MessagesSent != 1 {
		t.Errorf("expected counters preserved across rename, got %d", renamed.MessagesSent)
	}
}

func TestDayRollover(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	clock := &TestClock{CurrentTime: time.Date(2026, 8, 30, 23, 58, 0, 0, time.Local)}
	w := newTestWorker(t, store, clock)

	w.apply(ctx, command{kind: cmdInit, visible: true})
	w.apply(ctx, command{kind: cmdChatChanged, entityID: "char1", entityName: "Alice", entityType: storage.EntityCharacter})

	oldDate := w.date
	w.stats["char1"] = storage.EntityStat{Name: "Alice", Type: storage.EntityCharacter, OnlineSeconds: 120}
	w.dirty = true

	// Any tracked operation past midnight rolls the date over.
	clock.CurrentTime = clock.CurrentTime.Add(3 * time.Minute)
	w.pollTick(ctx)

	newDate := clock.CurrentTime.Format(storage.DateLayout)
	if w.date != newDate {
		t.Fatalf("expected date %s, got %s", newDate, w.date)
	}
	if got := store.day(oldDate)["char1"].OnlineSeconds; got != 120 {
		t.Errorf("expected final tally 120 persisted for %s, got %d", oldDate, got)
	}
	// The new day's aggregate starts fresh; this tick accrued its 5s
	// increment into the new date after the reset.
	if got := w.stats["char1"].OnlineSeconds; got != 5 {
		t.Errorf("expected 5 seconds accrued into the new day, got %d", got)
	}
}

func TestRolloverLoadsExistingRecordForNewDate(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	clock := &TestClock{CurrentTime: time.Date(2026, 8, 30, 23, 59, 0, 0, time.Local)}
	w := newTestWorker(t, store, clock)

	w.apply(ctx, command{kind: cmdInit, visible: false})

	// Another instance already wrote stats for the new date.
	next := clock.CurrentTime.Add(2 * time.Minute).Format(storage.DateLayout)
	store.days[next] = map[string]storage.EntityStat{
		"char9": {Name: "Nine", Type: storage.EntityCharacter, MessagesSent: 3},
	}

	clock.CurrentTime = clock.CurrentTime.Add(2 * time.Minute)
	w.apply(ctx, command{kind: cmdMessageSent, entityID: "char1", entityName: "Alice", entityType: storage.EntityCharacter})

	if got := w.stats["char9"].MessagesSent; got != 3 {
		t.Errorf("expected existing record loaded after rollover, got %+v", w.stats)
	}
	if got := w.stats["char1"].MessagesSent; got != 1 {
		t.Errorf("expected the triggering message counted in the new day, got %d", got)
	}
}

func TestFlushFailureKeepsStateAndRetries(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	clock := testClockAt(12, 0)
	w := newTestWorker(t, store, clock)

	w.apply(ctx, command{kind: cmdInit, visible: true})
	w.apply(ctx, command{kind: cmdMessageSent, entityID: "char1", entityName: "Alice", entityType: storage.EntityCharacter})

	store.failPuts = true
	w.flush(ctx)
	if !w.dirty {
		t.Fatal("expected aggregate to stay dirty after failed flush")
	}
	if got := w.stats["char1"].MessagesSent; got != 1 {
		t.Fatal("in-memory state must stay authoritative after failed flush")
	}

	store.failPuts = false
	w.flush(ctx)
	if w.dirty {
		t.Fatal("expected clean aggregate after successful retry")
	}
	if got := store.day(w.date)["char1"].MessagesSent; got != 1 {
		t.Errorf("expected retried flush to persist, got %d", got)
	}
}

func TestStatsForReadsThroughWithCache(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	clock := testClockAt(12, 0)
	w := newTestWorker(t, store, clock)

	store.days["2026-08-01"] = map[string]storage.EntityStat{
		"char1": {Name: "Alice", OnlineSeconds: 900},
	}

	w.apply(ctx, command{kind: cmdInit, visible: true})

	stats, err := w.fetchStats(ctx, "2026-08-01")
	if err != nil {
		t.Fatalf("fetch stats: %v", err)
	}
	if stats["char1"].OnlineSeconds != 900 {
		t.Errorf("expected 900 seconds from store, got %d", stats["char1"].OnlineSeconds)
	}

	getsBefore := store.getCount()
	if _, err := w.fetchStats(ctx, "2026-08-01"); err != nil {
		t.Fatalf("fetch stats again: %v", err)
	}
	if store.getCount() != getsBefore {
		t.Error("expected second read served from the history cache")
	}

	// Today always comes from the live aggregate, never the store.
	w.stats["live"] = storage.EntityStat{Name: "Live"}
	today, err := w.fetchStats(ctx, w.date)
	if err != nil {
		t.Fatalf("fetch today: %v", err)
	}
	if _, ok := today["live"]; !ok {
		t.Error("expected today's stats from the live aggregate")
	}
}

func TestSubscribePublishesUpdates(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	clock := testClockAt(12, 0)
	w := newTestWorker(t, store, clock)

	updates, cancel := w.Subscribe()
	defer cancel()

	w.apply(ctx, command{kind: cmdInit, visible: true})

	select {
	case update := <-updates:
		if update.Date != w.date {
			t.Errorf("expected update for %s, got %s", w.date, update.Date)
		}
	default:
		t.Fatal("expected a statsUpdated notification after init")
	}
}

func TestTokenCounterEstimatesText(t *testing.T) {
	store := newMemStore()
	counted := make(chan struct{})
	counter := func(_ context.Context, text string) (int, error) {
		defer close(counted)
		return len(text), nil
	}

	w := NewWorker(store, Config{}, zerolog.Nop(), WithTokenCounter(counter))
	ctx, cancelRun := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()

	if err := w.Init(ctx, true); err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := w.TokenCount(ctx, "char1", "Alice", storage.EntityCharacter, 0, "hello"); err != nil {
		t.Fatalf("token count: %v", err)
	}

	select {
	case <-counted:
	case <-time.After(5 * time.Second):
		t.Fatal("token counter was never invoked")
	}

	deadline := time.After(5 * time.Second)
	for {
		stats, err := w.StatsFor(ctx, "")
		if err != nil {
			t.Fatalf("stats for today: %v", err)
		}
		if stats["char1"].TokensUsed == 5 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("expected 5 tokens, got %d", stats["char1"].TokensUsed)
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancelRun()
	<-done
}

func TestTokenCounterFailureSkipsIncrement(t *testing.T) {
	store := newMemStore()
	counted := make(chan struct{})
	counter := func(_ context.Context, _ string) (int, error) {
		defer close(counted)
		return 0, errors.New("estimator offline")
	}

	w := NewWorker(store, Config{}, zerolog.Nop(), WithTokenCounter(counter))
	ctx, cancelRun := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()

	if err := w.Init(ctx, true); err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := w.MessageSent(ctx, "char1", "Alice", storage.EntityCharacter); err != nil {
		t.Fatalf("message sent: %v", err)
	}
	if err := w.TokenCount(ctx, "char1", "Alice", storage.EntityCharacter, 0, "hello"); err != nil {
		t.Fatalf("token count: %v", err)
	}

	select {
	case <-counted:
	case <-time.After(5 * time.Second):
		t.Fatal("token counter was never invoked")
	}

	stats, err := w.StatsFor(ctx, "")
	if err != nil {
		t.Fatalf("stats for today: %v", err)
	}
	if stats["char1"].TokensUsed != 0 {
		t.Errorf("expected skipped increment, got %d tokens", stats["char1"].TokensUsed)
	}
	if stats["char1"].MessagesSent != 1 {
		t.Errorf("expected independent message count 1, got %d", stats["char1"].MessagesSent)
	}

	cancelRun()
	<-done
}

func TestDispatchEnvelopes(t *testing.T) {
	store := newMemStore()
	w := NewWorker(store, Config{}, zerolog.Nop())
	ctx := context.Background()

	// Unknown types are ignored without error.
	if err := w.Dispatch(ctx, Envelope{Type: "selfDestruct"}); err != nil {
		t.Errorf("unknown type should be dropped silently, got %v", err)
	}

	// Malformed payloads are reported.
	if err := w.Dispatch(ctx, Envelope{Type: TypeChatChanged, Payload: json.RawMessage(`"nope"`)}); err == nil {
		t.Error("expected error for malformed payload")
	}

	valid := Envelope{Type: TypeChatChanged, Payload: json.RawMessage(`{"entityId":"char1","entityName":"Alice","entityType":"CHARACTER"}`)}
	if err := w.Dispatch(ctx, valid); err != nil {
		t.Fatalf("dispatch valid envelope: %v", err)
	}

	cmd := <-w.commands
	if cmd.kind != cmdChatChanged || cmd.entityID != "char1" {
		t.Errorf("unexpected decoded command: %+v", cmd)
	}
	if cmd.entityType != storage.EntityCharacter {
		t.Errorf("expected normalized entity type, got %q", cmd.entityType)
	}
}
