package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/lestiti/presence-guardian-04-sub000/internal/presence/history"
	"github.com/lestiti/presence-guardian-04-sub000/internal/presence/store"
	"github.com/lestiti/presence-guardian-04-sub000/internal/presence/types"
)

const DefaultCommitTimeout = 5 * time.Second

// Committer writes accepted attempts. There is exactly one Insert per call
// and never a retry: a retried insert whose first try actually landed would
// record the same physical scan twice.
type Committer struct {
	store   store.ScanStore
	cache   *history.Cache
	timeout time.Duration
	logger  *slog.Logger
}

func NewCommitter(st store.ScanStore, cache *history.Cache, timeout time.Duration, logger *slog.Logger) *Committer {
	if timeout <= 0 {
		timeout = DefaultCommitTimeout
	}
	return &Committer{store: st, cache: cache, timeout: timeout, logger: logger}
}

// Commit persists a and returns Accepted, Rejected(PERSISTENCE_FAILED), or
// the transition rejection the store's own re-check produced.
// The record is in the cache before Commit returns, so the next attempt
// validates against it even if the change feed is late.
func (c *Committer) Commit(ctx context.Context, a types.ScanAttempt) types.Outcome {
	// The caller going away must not abort a write that may already have
	// landed; the write gets its own deadline instead.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
	defer cancel()

	rec, err := c.store.Insert(ctx, a)
	if reason, ok := sequenceReason(err); ok {
		// another writer committed for this subject after we validated
		c.logger.Info("commit refused by store", "subject_id", a.SubjectID, "session_id", a.SessionID, "direction", a.Direction, "reason", reason)
		return types.Rejected(a, reason, rejectionDetail(reason, a))
	}
	if err != nil {
		c.logger.Warn("commit failed", "subject_id", a.SubjectID, "session_id", a.SessionID, "direction", a.Direction, "err", err)
		return types.Rejected(a, types.ReasonPersistenceFailed, err.Error())
	}

	c.cache.Append(rec)
	c.logger.Debug("committed", "id", rec.ID, "seq", rec.Seq, "subject_id", rec.SubjectID, "session_id", rec.SessionID, "direction", rec.Direction)
	return types.Accepted(rec)
}

func sequenceReason(err error) (types.Reason, bool) {
	switch {
	case errors.Is(err, store.ErrAlreadyCheckedIn):
		return types.ReasonAlreadyCheckedIn, true
	case errors.Is(err, store.ErrNotCheckedIn):
		return types.ReasonNotCheckedInYet, true
	}
	return "", false
}
