package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/lestiti/presence-guardian-04-sub000/internal/presence/history"
	"github.com/lestiti/presence-guardian-04-sub000/internal/presence/store"
	"github.com/lestiti/presence-guardian-04-sub000/internal/presence/types"
)

const (
	DefaultBackoffBase    = time.Second
	DefaultBackoffMax     = 10 * time.Second
	DefaultSyncMaxRetries = 5
)

var ErrSyncExhausted = errors.New("realtime sync: retries exhausted")

type SyncConfig struct {
	BackoffBase time.Duration
	BackoffMax  time.Duration
	// MaxRetries bounds consecutive failed reconnects before giving up.
	MaxRetries int
}

func (c SyncConfig) withDefaults() SyncConfig {
	if c.BackoffBase <= 0 {
		c.BackoffBase = DefaultBackoffBase
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = DefaultBackoffMax
	}
	if c.BackoffMax < c.BackoffBase {
		c.BackoffMax = c.BackoffBase
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultSyncMaxRetries
	}
	return c
}

// Backoff returns the delay before reconnect attempt n (1-based):
// base doubled n-1 times, capped at max.
func Backoff(base, max time.Duration, n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := base
	for i := 1; i < n; i++ {
		if d >= max/2 {
			return max
		}
		d *= 2
	}
	if d > max {
		return max
	}
	return d
}

// RealtimeSync keeps one session's history in the cache consistent with the
// store's change feed. It runs as a background goroutine between Start and
// Stop.
type RealtimeSync struct {
	sessionID string
	lister    store.ScanStore
	feed      store.ChangeFeed
	cache     *history.Cache
	sink      Sink
	clock     clockwork.Clock
	cfg       SyncConfig
	logger    *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	failed error
}

func NewRealtimeSync(sessionID string, lister store.ScanStore, feed store.ChangeFeed, cache *history.Cache, sink Sink, clock clockwork.Clock, cfg SyncConfig, logger *slog.Logger) *RealtimeSync {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &RealtimeSync{
		sessionID: sessionID,
		lister:    lister,
		feed:      feed,
		cache:     cache,
		sink:      sink,
		clock:     clock,
		cfg:       cfg.withDefaults(),
		logger:    logger.With("module", "realtime_sync", "session_id", sessionID),
		done:      make(chan struct{}),
	}
}

// Start seeds the session from the store, then follows the change feed until
// ctx is cancelled or Stop is called. A failed seed is returned and nothing
// is started.
func (s *RealtimeSync) Start(ctx context.Context) error {
	if err := s.seed(ctx); err != nil {
		close(s.done)
		return err
	}

	ctx, s.cancel = context.WithCancel(ctx)
	go s.loop(ctx)

	s.logger.Info("realtime sync started")
	return nil
}

// Stop cancels the subscription and any pending backoff timer, and waits for
// the loop to exit. Safe to call more than once.
func (s *RealtimeSync) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	<-s.done
}

// Err returns the terminal error once retries are exhausted.
func (s *RealtimeSync) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failed
}

func (s *RealtimeSync) seed(ctx context.Context) error {
	recs, err := s.lister.List(ctx, s.sessionID)
	if err != nil {
		return fmt.Errorf("list session %s: %w", s.sessionID, err)
	}
	s.cache.Seed(s.sessionID, recs)
	s.logger.Debug("session seeded", "records", len(recs))
	return nil
}

func (s *RealtimeSync) loop(ctx context.Context) {
	defer close(s.done)

	attempt := 0
	for {
		err := s.follow(ctx, func() {
			if attempt > 0 {
				s.logger.Info("realtime feed reconnected", "after_attempts", attempt)
			}
			attempt = 0
		})
		if ctx.Err() != nil {
			return
		}

		attempt++
		if attempt > s.cfg.MaxRetries {
			s.giveUp(err)
			return
		}

		delay := Backoff(s.cfg.BackoffBase, s.cfg.BackoffMax, attempt)
		s.logger.Warn("realtime feed lost; reconnecting", "attempt", attempt, "delay", delay, "err", err)

		timer := s.clock.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.Chan():
		}
	}
}

// follow holds one subscription until it breaks or ctx ends. Every
// Connected status resets the retry counter and reconciles the session
// against a fresh listing, covering changes made while unsubscribed.
func (s *RealtimeSync) follow(ctx context.Context, connected func()) error {
	status := make(chan types.FeedStatus, 4)
	sub, err := s.feed.Subscribe(ctx, s.sessionID, s.cache.Apply, func(st types.FeedStatus) {
		select {
		case status <- st:
		default:
		}
	})
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case st := <-status:
			if !st.Connected {
				if st.Err == nil {
					return errors.New("realtime feed closed")
				}
				return st.Err
			}
			connected()
			if err := s.seed(ctx); err != nil {
				s.logger.Warn("reconcile after connect failed", "err", err)
			}
		}
	}
}

func (s *RealtimeSync) giveUp(last error) {
	err := fmt.Errorf("%w after %d attempts: %v", ErrSyncExhausted, s.cfg.MaxRetries, last)

	s.mu.Lock()
	s.failed = err
	s.mu.Unlock()

	s.logger.Error("realtime sync failed", "err", err)
	if s.sink != nil {
		s.sink.SyncFailed(s.sessionID, err)
	}
}
