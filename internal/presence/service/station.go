package service

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/lestiti/presence-guardian-04-sub000/internal/presence/input"
	"github.com/lestiti/presence-guardian-04-sub000/internal/presence/types"
)

const DefaultKeyQueueSize = 16

// Mode is the operator's current context: which session is being scanned
// against and whether scans check subjects in or out.
type Mode struct {
	SessionID string          `json:"session_id"`
	Direction types.Direction `json:"direction"`
}

func normalizeMode(m Mode) (Mode, error) {
	m.SessionID = strings.TrimSpace(m.SessionID)
	if m.SessionID == "" {
		return Mode{}, ErrInvalidSessionID
	}
	dir, err := types.ParseDirection(string(m.Direction))
	if err != nil {
		return Mode{}, err
	}
	m.Direction = dir
	return m, nil
}

type StationConfig struct {
	Framer    input.FramerConfig
	Gate      GateConfig
	QueueSize int
}

type framed struct {
	capture input.Capture
	mode    Mode
}

// Station is one operator's scanning context. It owns a Framer for the
// keyboard wedge and a RateGate, and feeds framed payloads to SubmitScan
// from a single dispatcher goroutine.
type Station struct {
	id     string
	svc    *AttendanceService
	framer *input.Framer
	gate   *RateGate
	norm   input.Normalizer
	logger *slog.Logger

	mu   sync.RWMutex
	mode Mode

	queue  chan framed
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func newStation(ctx context.Context, id string, mode Mode, svc *AttendanceService, clock clockwork.Clock, cfg StationConfig, logger *slog.Logger) *Station {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultKeyQueueSize
	}
	ctx, cancel := context.WithCancel(ctx)
	st := &Station{
		id:     id,
		svc:    svc,
		gate:   NewRateGate(clock, cfg.Gate),
		norm:   input.Normalizer{MinPayloadLen: cfg.Framer.MinPayloadLen},
		logger: logger.With("module", "station", "station_id", id),
		mode:   mode,
		queue:  make(chan framed, cfg.QueueSize),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	st.framer = input.NewFramer(clock, cfg.Framer, st.enqueue)
	go st.dispatch()
	return st
}

func (s *Station) ID() string { return s.id }

func (s *Station) Mode() Mode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mode
}

// SetMode switches session or direction. A partially typed payload is
// discarded when the session changes; payloads already framed keep the mode
// they were typed under.
func (s *Station) SetMode(m Mode) error {
	m, err := normalizeMode(m)
	if err != nil {
		return err
	}

	s.mu.Lock()
	changed := s.mode.SessionID != m.SessionID
	s.mode = m
	s.mu.Unlock()

	if changed {
		s.framer.Reset()
	}
	s.logger.Debug("mode set", "session_id", m.SessionID, "direction", m.Direction)
	return nil
}

// Busy reports whether an attempt currently holds the station's gate.
func (s *Station) Busy() bool {
	return s.gate.Processing()
}

// HandleKey feeds one keyboard-wedge key press into the framer.
func (s *Station) HandleKey(ev input.KeyEvent) {
	s.framer.Key(ev)
}

// SubmitScan runs one capture through normalization, the rate gate, the
// IN/OUT validator and the commit, and reports the outcome to the sink.
func (s *Station) SubmitScan(ctx context.Context, sessionID string, dir types.Direction, c input.Capture) types.Outcome {
	o := s.submit(ctx, sessionID, dir, c)
	s.svc.sink.Outcome(s.id, o)
	return o
}

func (s *Station) submit(ctx context.Context, sessionID string, dir types.Direction, c input.Capture) types.Outcome {
	if c.At.IsZero() {
		c.At = s.svc.clock.Now()
	}
	a, ok := s.norm.Normalize(c, strings.TrimSpace(sessionID), dir)
	if !ok {
		s.logger.Debug("payload dropped as noise", "source", c.Source)
		return types.Dropped(types.ReasonNoise)
	}
	if a.SessionID == "" {
		return types.Rejected(a, types.ReasonInvalidAttempt, ErrInvalidSessionID.Error())
	}
	if _, err := types.ParseDirection(string(a.Direction)); err != nil {
		return types.Rejected(a, types.ReasonInvalidAttempt, err.Error())
	}

	if reason, ok := s.gate.TryAcquire(a.CapturedAt); !ok {
		s.logger.Debug("scan dropped by rate gate", "reason", reason, "subject_id", a.SubjectID)
		return types.Dropped(reason)
	}
	defer s.gate.Release()

	return s.svc.decideAndCommit(ctx, a)
}

func (s *Station) enqueue(payload string, at time.Time) {
	f := framed{capture: input.Keyed(payload, at), mode: s.Mode()}
	select {
	case s.queue <- f:
	case <-s.ctx.Done():
	default:
		s.logger.Warn("key queue full; payload dropped", "subject_id", payload)
	}
}

func (s *Station) dispatch() {
	defer close(s.done)
	for {
		select {
		case <-s.ctx.Done():
			return
		case f := <-s.queue:
			s.SubmitScan(s.ctx, f.mode.SessionID, f.mode.Direction, f.capture)
		}
	}
}

// Close discards the framer buffer, queued payloads and any pending gate
// timer, and waits for the dispatcher to exit.
func (s *Station) Close() {
	s.once.Do(func() {
		s.framer.Cancel()
		s.cancel()
		<-s.done
		for len(s.queue) > 0 {
			<-s.queue
		}
		s.gate.Close()
		s.logger.Debug("station closed")
	})
}
