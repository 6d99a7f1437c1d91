package service

import (
	"log/slog"

	"github.com/lestiti/presence-guardian-04-sub000/internal/presence/types"
)

// Sink receives every outcome a station produces and the terminal failure
// of a session's realtime sync. Implementations must not block.
type Sink interface {
	Outcome(stationID string, o types.Outcome)
	SyncFailed(sessionID string, err error)
}

// Sinks fans out to several sinks in order.
type Sinks []Sink

func (ss Sinks) Outcome(stationID string, o types.Outcome) {
	for _, s := range ss {
		s.Outcome(stationID, o)
	}
}

func (ss Sinks) SyncFailed(sessionID string, err error) {
	for _, s := range ss {
		s.SyncFailed(sessionID, err)
	}
}

// LogSink writes outcomes to a structured logger. Drops are noise and only
// appear at debug level.
type LogSink struct {
	Logger *slog.Logger
}

func (l LogSink) Outcome(stationID string, o types.Outcome) {
	attrs := []any{"station_id", stationID, "kind", o.Kind}
	if o.Reason != "" {
		attrs = append(attrs, "reason", o.Reason)
	}
	if o.Attempt != nil {
		attrs = append(attrs, "subject_id", o.Attempt.SubjectID, "session_id", o.Attempt.SessionID, "direction", o.Attempt.Direction)
	}

	switch o.Kind {
	case types.OutcomeAccepted:
		l.Logger.Info(o.Summary, attrs...)
	case types.OutcomeRejected:
		if o.Detail != "" {
			attrs = append(attrs, "detail", o.Detail)
		}
		l.Logger.Warn("scan rejected", attrs...)
	default:
		l.Logger.Debug("scan dropped", attrs...)
	}
}

func (l LogSink) SyncFailed(sessionID string, err error) {
	l.Logger.Error("realtime sync gave up; manual refresh required", "session_id", sessionID, "err", err)
}
