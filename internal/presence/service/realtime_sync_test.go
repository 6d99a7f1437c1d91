package service_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/lestiti/presence-guardian-04-sub000/internal/presence/feed"
	"github.com/lestiti/presence-guardian-04-sub000/internal/presence/history"
	"github.com/lestiti/presence-guardian-04-sub000/internal/presence/service"
	"github.com/lestiti/presence-guardian-04-sub000/internal/presence/store"
	"github.com/lestiti/presence-guardian-04-sub000/internal/presence/store/memory"
	"github.com/lestiti/presence-guardian-04-sub000/internal/presence/types"
)

// countingFeed counts Subscribe calls, successful or not.
type countingFeed struct {
	store.ChangeFeed
	n atomic.Int32
}

func (c *countingFeed) Subscribe(ctx context.Context, sessionID string, onChange func(types.ChangeEvent), onStatus func(types.FeedStatus)) (store.Subscription, error) {
	c.n.Add(1)
	return c.ChangeFeed.Subscribe(ctx, sessionID, onChange, onStatus)
}

func (c *countingFeed) calls() int { return int(c.n.Load()) }

type syncEnv struct {
	sync  *service.RealtimeSync
	hub   *feed.Hub
	feed  *countingFeed
	store *memory.ScanStore
	cache *history.Cache
	clock *clockwork.FakeClock
	sink  *recordingSink
}

func newSyncEnv(t *testing.T) *syncEnv {
	t.Helper()
	clock := clockwork.NewFakeClockAt(t0)
	hub := feed.NewHub(silentLogger())
	env := &syncEnv{
		hub:   hub,
		feed:  &countingFeed{ChangeFeed: hub},
		store: memory.NewScanStore(clock),
		cache: history.NewCache(),
		clock: clock,
		sink:  &recordingSink{},
	}
	env.sync = service.NewRealtimeSync("sess-1", env.store, env.feed, env.cache, env.sink, clock, service.SyncConfig{}, silentLogger())
	if err := env.sync.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(env.sync.Stop)
	eventually(t, func() bool { return hub.Subscribers() == 1 })
	return env
}

// advanceThrough checks that nothing happens until exactly d has elapsed on
// the pending backoff timer, then fires it.
func (e *syncEnv) advanceThrough(t *testing.T, d time.Duration) {
	t.Helper()
	e.clock.BlockUntil(1)
	before := e.feed.calls()

	e.clock.Advance(d - time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	if got := e.feed.calls(); got != before {
		t.Fatalf("resubscribed before %v elapsed", d)
	}

	e.clock.Advance(time.Millisecond)
	eventually(t, func() bool { return e.feed.calls() == before+1 })
}

func TestBackoff(t *testing.T) {
	base, max := time.Second, 10*time.Second
	want := []time.Duration{1, 2, 4, 8, 10, 10}
	for i, w := range want {
		if got := service.Backoff(base, max, i+1); got != w*time.Second {
			t.Errorf("attempt %d: expected %v, got %v", i+1, w*time.Second, got)
		}
	}
	if got := service.Backoff(base, max, 0); got != base {
		t.Errorf("attempt 0: expected base, got %v", got)
	}
	if got := service.Backoff(base, max, 200); got != max {
		t.Errorf("large attempt must cap at max, got %v", got)
	}
}

func TestRealtimeSync_BackoffGrowsThenFailsOnce(t *testing.T) {
	env := newSyncEnv(t)

	env.hub.FailSubscribe(service.DefaultSyncMaxRetries)
	env.hub.Disconnect(errors.New("socket closed"))

	// 1s, 2s, 4s, 8s, then capped at 10s; each strictly longer until the cap
	var prev time.Duration
	for n := 1; n <= service.DefaultSyncMaxRetries; n++ {
		d := service.Backoff(service.DefaultBackoffBase, service.DefaultBackoffMax, n)
		if n <= 4 && d <= prev {
			t.Fatalf("delay %d (%v) not greater than previous (%v)", n, d, prev)
		}
		if d > service.DefaultBackoffMax {
			t.Fatalf("delay %d (%v) exceeds cap", n, d)
		}
		env.advanceThrough(t, d)
		prev = d
	}

	eventually(t, func() bool { return len(env.sink.Failures()) == 1 })
	if err := env.sync.Err(); !errors.Is(err, service.ErrSyncExhausted) {
		t.Fatalf("expected ErrSyncExhausted, got %v", err)
	}

	// no further attempts and no second failure signal
	calls := env.feed.calls()
	env.clock.Advance(time.Minute)
	time.Sleep(20 * time.Millisecond)
	if env.feed.calls() != calls {
		t.Error("sync kept reconnecting after giving up")
	}
	if n := len(env.sink.Failures()); n != 1 {
		t.Errorf("expected exactly one failure signal, got %d", n)
	}
}

func TestRealtimeSync_SuccessfulReconnectResetsCounter(t *testing.T) {
	env := newSyncEnv(t)

	for i := 0; i < 3; i++ {
		env.hub.Disconnect(errors.New("blip"))
		// every disconnect is followed by a good reconnect, so the delay
		// never grows past the base
		env.advanceThrough(t, service.DefaultBackoffBase)
		eventually(t, func() bool { return env.hub.Subscribers() == 1 })
	}
	if n := len(env.sink.Failures()); n != 0 {
		t.Errorf("expected no failure, got %d", n)
	}
}

func TestRealtimeSync_MergesFeedIdempotently(t *testing.T) {
	env := newSyncEnv(t)
	rec := types.ScanRecord{ID: "r1", Seq: 1, SessionID: "sess-1", SubjectID: "X", Direction: types.DirectionIn, CommittedAt: t0}

	env.hub.Publish(types.ChangeEvent{Kind: types.ChangeInsert, Record: rec})
	env.hub.Publish(types.ChangeEvent{Kind: types.ChangeInsert, Record: rec})

	if n := len(env.cache.Records("sess-1")); n != 1 {
		t.Fatalf("expected 1 record, got %d", n)
	}
	if !env.cache.Status("sess-1", "X").CheckedIn {
		t.Error("expected X checked in")
	}
}

func TestRealtimeSync_ReconnectReconcilesMissedChanges(t *testing.T) {
	env := newSyncEnv(t)
	ctx := context.Background()

	env.hub.Disconnect(errors.New("blip"))

	// written while we were not listening; the hub never sees it
	missed, err := env.store.Insert(ctx, types.ScanAttempt{SubjectID: "Y", SessionID: "sess-1", Source: types.SourceKeyed, Direction: types.DirectionIn})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}

	env.advanceThrough(t, service.DefaultBackoffBase)
	eventually(t, func() bool {
		for _, r := range env.cache.Records("sess-1") {
			if r.ID == missed.ID {
				return true
			}
		}
		return false
	})
}

func TestRealtimeSync_StopCancelsPendingBackoff(t *testing.T) {
	env := newSyncEnv(t)

	env.hub.Disconnect(errors.New("blip"))
	env.clock.BlockUntil(1)
	calls := env.feed.calls()

	env.sync.Stop()
	env.clock.Advance(time.Minute)
	time.Sleep(20 * time.Millisecond)

	if env.feed.calls() != calls {
		t.Error("stopped sync reconnected")
	}
	if len(env.sink.Failures()) != 0 {
		t.Error("stop must not surface a failure")
	}
}

func TestRealtimeSync_StartFailsWhenListFails(t *testing.T) {
	clock := clockwork.NewFakeClock()
	rs := service.NewRealtimeSync("sess-1", failingLister{}, feed.NewHub(silentLogger()), history.NewCache(), nil, clock, service.SyncConfig{}, silentLogger())
	if err := rs.Start(context.Background()); err == nil {
		t.Fatal("expected seed error")
	}
	rs.Stop()
}

type failingLister struct{ store.ScanStore }

func (failingLister) List(context.Context, string) ([]types.ScanRecord, error) {
	return nil, errors.New("store offline")
}

func TestAttendanceService_RefreshAfterSyncFailure(t *testing.T) {
	env := newTestEnv(t, ungated(), true)
	ctx := context.Background()
	if err := env.svc.Follow(ctx, "sess-1"); err != nil {
		t.Fatalf("Follow: %v", err)
	}

	env.hub.FailSubscribe(100)
	env.hub.Disconnect(errors.New("down"))
	for n := 1; n <= service.DefaultSyncMaxRetries; n++ {
		env.clock.BlockUntil(1)
		env.clock.Advance(service.DefaultBackoffMax)
	}
	eventually(t, func() bool { return env.svc.SyncErr("sess-1") != nil })
	if n := len(env.sink.Failures()); n != 1 {
		t.Fatalf("expected one failure, got %d", n)
	}

	env.hub.FailSubscribe(0)
	if err := env.svc.Refresh(ctx, "sess-1"); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if err := env.svc.SyncErr("sess-1"); err != nil {
		t.Errorf("expected healthy sync after refresh, got %v", err)
	}
	eventually(t, func() bool { return env.hub.Subscribers() == 1 })
}
