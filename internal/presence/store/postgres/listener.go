package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lestiti/presence-guardian-04-sub000/internal/presence/store"
	"github.com/lestiti/presence-guardian-04-sub000/internal/presence/types"
)

// Channel is the NOTIFY channel the scan_records trigger publishes on.
const Channel = "scan_records_changes"

type notification struct {
	Kind   string           `json:"kind"`
	Record types.ScanRecord `json:"record"`
}

// Listener is a ChangeFeed over LISTEN/NOTIFY. Every subscription holds one
// pooled connection for as long as it lives.
type Listener struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

var _ store.ChangeFeed = (*Listener)(nil)

// Connect opens the pgx pool the listener draws its connections from.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	cfg.MaxConns = 8
	cfg.MaxConnIdleTime = 5 * time.Minute
	return pgxpool.NewWithConfig(ctx, cfg)
}

func NewListener(pool *pgxpool.Pool, logger *slog.Logger) *Listener {
	return &Listener{pool: pool, logger: logger.With("module", "pg_listener")}
}

func (l *Listener) Subscribe(ctx context.Context, sessionID string, onChange func(types.ChangeEvent), onStatus func(types.FeedStatus)) (store.Subscription, error) {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire listen conn: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+Channel); err != nil {
		conn.Release()
		return nil, fmt.Errorf("listen: %w", err)
	}

	subCtx, cancel := context.WithCancel(context.Background())
	sub := &listenSub{
		conn:   conn,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go l.run(subCtx, sub, sessionID, onChange, onStatus)
	return sub, nil
}

func (l *Listener) run(ctx context.Context, sub *listenSub, sessionID string, onChange func(types.ChangeEvent), onStatus func(types.FeedStatus)) {
	defer close(sub.done)

	if onStatus != nil {
		onStatus(types.FeedStatus{Connected: true})
	}

	for {
		n, err := sub.conn.Conn().WaitForNotification(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			sub.broken = true
			l.logger.Warn("listen connection lost", "err", err)
			if onStatus != nil {
				onStatus(types.FeedStatus{Connected: false, Err: err})
			}
			return
		}

		var msg notification
		if err := json.Unmarshal([]byte(n.Payload), &msg); err != nil {
			l.logger.Warn("bad notification payload", "err", err)
			continue
		}
		kind, err := types.ParseChangeKind(msg.Kind)
		if err != nil {
			l.logger.Warn("bad notification kind", "kind", msg.Kind)
			continue
		}
		if sessionID != "" && msg.Record.SessionID != sessionID {
			continue
		}
		if onChange != nil {
			onChange(types.ChangeEvent{Kind: kind, Record: msg.Record})
		}
	}
}

type listenSub struct {
	conn   *pgxpool.Conn
	cancel context.CancelFunc
	done   chan struct{}
	broken bool
	once   sync.Once
}

// Unsubscribe stops delivery and returns the connection to the pool, or
// closes it when it can no longer be trusted.
func (s *listenSub) Unsubscribe() {
	s.once.Do(func() {
		s.cancel()
		<-s.done

		ctx, cancel := context.WithTimeout(context.Background(), _defaultTimeout)
		defer cancel()
		if s.broken {
			_ = s.conn.Conn().Close(ctx)
		} else if _, err := s.conn.Exec(ctx, "UNLISTEN "+Channel); err != nil {
			_ = s.conn.Conn().Close(ctx)
		}
		s.conn.Release()
	})
}
