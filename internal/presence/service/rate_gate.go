package service

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	"github.com/lestiti/presence-guardian-04-sub000/internal/presence/types"
)

const (
	DefaultMinScanInterval = time.Second
	DefaultGateClearDelay  = 750 * time.Millisecond
)

type GateConfig struct {
	// MinInterval is the minimum spacing between accepted attempts,
	// measured on capture timestamps.
	MinInterval time.Duration
	// ClearDelay keeps the gate closed after a commit settles so device
	// echo is not read as a new scan.
	ClearDelay time.Duration
}

// RateGate admits at most one in-flight attempt and enforces a minimum gap
// between accepted attempts.
type RateGate struct {
	clock      clockwork.Clock
	clearDelay time.Duration

	mu         sync.Mutex
	limiter    *rate.Limiter
	processing bool
	clearTimer clockwork.Timer
	gen        uint64
	closed     bool
}

func NewRateGate(clock clockwork.Clock, cfg GateConfig) *RateGate {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if cfg.MinInterval < 0 {
		cfg.MinInterval = 0
	}
	if cfg.ClearDelay < 0 {
		cfg.ClearDelay = 0
	}

	limit := rate.Inf
	if cfg.MinInterval > 0 {
		limit = rate.Every(cfg.MinInterval)
	}
	return &RateGate{
		clock:      clock,
		clearDelay: cfg.ClearDelay,
		limiter:    rate.NewLimiter(limit, 1),
	}
}

// TryAcquire admits an attempt captured at capturedAt. On success the gate
// is held until Release; otherwise the returned reason is BUSY or TOO_SOON.
func (g *RateGate) TryAcquire(capturedAt time.Time) (types.Reason, bool) {
	if capturedAt.IsZero() {
		capturedAt = g.clock.Now()
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.processing {
		return types.ReasonBusy, false
	}
	if !g.limiter.AllowN(capturedAt, 1) {
		return types.ReasonTooSoon, false
	}
	g.processing = true
	return "", true
}

// Release reopens the gate after the clear delay. Call it exactly once per
// successful TryAcquire, when the commit has settled either way. After
// Close it does nothing.
func (g *RateGate) Release() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return
	}
	g.stopLocked()
	if g.clearDelay == 0 {
		g.processing = false
		return
	}
	gen := g.gen
	g.clearTimer = g.clock.AfterFunc(g.clearDelay, func() {
		g.mu.Lock()
		defer g.mu.Unlock()
		if gen == g.gen {
			g.processing = false
			g.clearTimer = nil
		}
	})
}

// Processing reports whether an attempt holds the gate.
func (g *RateGate) Processing() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.processing
}

// Close cancels a pending clear and disarms Release, so a commit settling
// after its station closed cannot start a new timer. The gate stays in
// whatever state it was.
func (g *RateGate) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = true
	g.stopLocked()
}

func (g *RateGate) stopLocked() {
	g.gen++
	if g.clearTimer != nil {
		g.clearTimer.Stop()
		g.clearTimer = nil
	}
}
