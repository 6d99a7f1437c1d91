// Package input turns raw device events into scan attempts.
//
// Keyboard-wedge scanners type their payload as a burst of keystrokes with no
// framing, so the Framer rebuilds payload boundaries from inter-keystroke
// timing. Optical decoder output is already framed and only goes through the
// Normalizer.
package input

import (
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/jonboulle/clockwork"
)

const (
	DefaultInterCharTimeout = 30 * time.Millisecond
	DefaultMinPayloadLen    = 3
)

// KeyEvent is a single key press from a keyboard-wedge device.
type KeyEvent struct {
	Char       rune
	Terminator bool // Enter; flushes the buffer and is never appended
	PressedAt  time.Time
}

type FramerConfig struct {
	InterCharTimeout time.Duration
	MinPayloadLen    int
}

// EmitFunc receives a complete payload and the time of its last keystroke.
type EmitFunc func(payload string, at time.Time)

// Framer accumulates keystrokes into payloads. It is safe for concurrent use;
// emit is always called without the internal lock held.
type Framer struct {
	clock   clockwork.Clock
	timeout time.Duration
	minLen  int
	emit    EmitFunc

	mu     sync.Mutex
	buf    []rune
	last   time.Time
	timer  clockwork.Timer
	gen    uint64
	closed bool
}

func NewFramer(clock clockwork.Clock, cfg FramerConfig, emit EmitFunc) *Framer {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if cfg.InterCharTimeout <= 0 {
		cfg.InterCharTimeout = DefaultInterCharTimeout
	}
	if cfg.MinPayloadLen <= 0 {
		cfg.MinPayloadLen = DefaultMinPayloadLen
	}
	return &Framer{
		clock:   clock,
		timeout: cfg.InterCharTimeout,
		minLen:  cfg.MinPayloadLen,
		emit:    emit,
	}
}

// Key feeds one key press into the framer.
func (f *Framer) Key(ev KeyEvent) {
	if ev.PressedAt.IsZero() {
		ev.PressedAt = f.clock.Now()
	}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}

	if ev.Terminator || ev.Char == '\r' || ev.Char == '\n' {
		payload, at := f.takeLocked()
		f.mu.Unlock()
		f.deliver(payload, at)
		return
	}

	var (
		payload string
		at      time.Time
	)
	if len(f.buf) > 0 && ev.PressedAt.Sub(f.last) > f.timeout {
		payload, at = f.takeLocked()
	}

	f.buf = append(f.buf, ev.Char)
	f.last = ev.PressedAt
	f.armLocked()
	f.mu.Unlock()

	f.deliver(payload, at)
}

// Flush emits whatever is buffered right now.
func (f *Framer) Flush() {
	f.mu.Lock()
	payload, at := f.takeLocked()
	f.mu.Unlock()
	f.deliver(payload, at)
}

// Cancel discards the buffer and stops the idle timer. The framer ignores
// every key pressed afterwards.
func (f *Framer) Cancel() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.buf = nil
	f.stopLocked()
}

// Reset discards the buffer without closing the framer, so a partial
// payload typed under one mode never completes under the next.
func (f *Framer) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.buf = nil
	f.stopLocked()
}

// Pending reports the number of buffered characters.
func (f *Framer) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.buf)
}

func (f *Framer) takeLocked() (string, time.Time) {
	f.stopLocked()
	if len(f.buf) == 0 {
		return "", time.Time{}
	}
	payload, at := string(f.buf), f.last
	f.buf = f.buf[:0]
	return payload, at
}

func (f *Framer) armLocked() {
	f.stopLocked()
	gen := f.gen
	f.timer = f.clock.AfterFunc(f.timeout, func() { f.expire(gen) })
}

func (f *Framer) stopLocked() {
	f.gen++
	if f.timer != nil {
		f.timer.Stop()
		f.timer = nil
	}
}

// expire runs on the idle timer; a stale generation means a newer key or a
// flush already took the buffer.
func (f *Framer) expire(gen uint64) {
	f.mu.Lock()
	if f.closed || gen != f.gen {
		f.mu.Unlock()
		return
	}
	payload, at := f.takeLocked()
	f.mu.Unlock()
	f.deliver(payload, at)
}

func (f *Framer) deliver(payload string, at time.Time) {
	if p, ok := AcceptPayload(payload, f.minLen); ok && f.emit != nil {
		f.emit(p, at)
	}
}

// AcceptPayload trims s and reports whether it is long enough to be a real
// scan rather than scanner noise.
func AcceptPayload(s string, minLen int) (string, bool) {
	s = strings.TrimSpace(s)
	if s == "" || utf8.RuneCountInString(s) < minLen {
		return "", false
	}
	return s, true
}
