// Package feed provides the in-process change feed and the store decorator
// that publishes to it.
package feed

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/lestiti/presence-guardian-04-sub000/internal/presence/store"
	"github.com/lestiti/presence-guardian-04-sub000/internal/presence/types"
)

var (
	ErrSubscribeFailed = errors.New("feed: subscribe failed")
	ErrDisconnected    = errors.New("feed: disconnected")
)

// Hub fans change events out to subscribers in the same process. It is the
// default ChangeFeed for the memory and sqlite stores, and the source the
// gRPC feed server streams from.
//
// Callbacks run on the publisher's goroutine and must not block.
type Hub struct {
	logger *slog.Logger

	mu         sync.Mutex
	subs       map[uint64]*subscription
	next       uint64
	failBudget int
}

type subscription struct {
	hub      *Hub
	id       uint64
	session  string
	onChange func(types.ChangeEvent)
	onStatus func(types.FeedStatus)
	closed   atomic.Bool
}

var _ store.ChangeFeed = (*Hub)(nil)

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger: logger.With("module", "feed"),
		subs:   make(map[uint64]*subscription),
	}
}

func (h *Hub) Subscribe(ctx context.Context, sessionID string, onChange func(types.ChangeEvent), onStatus func(types.FeedStatus)) (store.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	h.mu.Lock()
	if h.failBudget > 0 {
		h.failBudget--
		h.mu.Unlock()
		return nil, ErrSubscribeFailed
	}
	h.next++
	sub := &subscription{
		hub:      h,
		id:       h.next,
		session:  sessionID,
		onChange: onChange,
		onStatus: onStatus,
	}
	h.subs[sub.id] = sub
	h.mu.Unlock()

	h.logger.Debug("subscribed", "session_id", sessionID, "sub", sub.id)
	sub.status(types.FeedStatus{Connected: true})
	return sub, nil
}

// Publish delivers ev to every subscriber following its session.
func (h *Hub) Publish(ev types.ChangeEvent) {
	h.mu.Lock()
	targets := make([]*subscription, 0, len(h.subs))
	for _, s := range h.subs {
		if s.session == "" || s.session == ev.Record.SessionID {
			targets = append(targets, s)
		}
	}
	h.mu.Unlock()

	h.logger.Debug("publish", "kind", ev.Kind, "id", ev.Record.ID, "session_id", ev.Record.SessionID, "subscribers", len(targets))
	for _, s := range targets {
		if !s.closed.Load() && s.onChange != nil {
			s.onChange(ev)
		}
	}
}

// Disconnect breaks every live subscription with err, as a dropped network
// channel would. Subscribers must subscribe again.
func (h *Hub) Disconnect(err error) {
	if err == nil {
		err = ErrDisconnected
	}
	h.mu.Lock()
	broken := make([]*subscription, 0, len(h.subs))
	for id, s := range h.subs {
		broken = append(broken, s)
		delete(h.subs, id)
	}
	h.mu.Unlock()

	h.logger.Warn("feed disconnected", "subscribers", len(broken), "err", err)
	for _, s := range broken {
		s.status(types.FeedStatus{Connected: false, Err: err})
		s.closed.Store(true)
	}
}

// FailSubscribe makes the next n Subscribe calls fail.
func (h *Hub) FailSubscribe(n int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failBudget = n
}

// Subscribers returns the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (s *subscription) status(st types.FeedStatus) {
	if !s.closed.Load() && s.onStatus != nil {
		s.onStatus(st)
	}
}

func (s *subscription) Unsubscribe() {
	if s.closed.Swap(true) {
		return
	}
	s.hub.mu.Lock()
	delete(s.hub.subs, s.id)
	s.hub.mu.Unlock()
}
