package input_test

import (
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/lestiti/presence-guardian-04-sub000/internal/presence/input"
)

type emitted struct {
	payload string
	at      time.Time
}

// recorder collects framer output. The idle timer may deliver from its own
// goroutine, so access is locked.
type recorder struct {
	mu  sync.Mutex
	out []emitted
}

func (r *recorder) emit(payload string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.out = append(r.out, emitted{payload, at})
}

func (r *recorder) payloads() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ps []string
	for _, e := range r.out {
		ps = append(ps, e.payload)
	}
	return ps
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func newTestFramer() (*input.Framer, *recorder, *clockwork.FakeClock) {
	clock := clockwork.NewFakeClock()
	rec := &recorder{}
	f := input.NewFramer(clock, input.FramerConfig{}, rec.emit)
	return f, rec, clock
}

func typeString(f *input.Framer, s string, start time.Time, gap time.Duration) time.Time {
	at := start
	for i, r := range s {
		if i > 0 {
			at = at.Add(gap)
		}
		f.Key(input.KeyEvent{Char: r, PressedAt: at})
	}
	return at
}

// ── Framing ─────────────────────────────────────────────────────────────────

func TestFramer_BurstThenEnter_EmitsOnePayload(t *testing.T) {
	f, rec, clock := newTestFramer()
	defer f.Cancel()

	last := typeString(f, "ABC", clock.Now(), 5*time.Millisecond)
	f.Key(input.KeyEvent{Terminator: true, PressedAt: last.Add(5 * time.Millisecond)})

	got := rec.payloads()
	if len(got) != 1 || got[0] != "ABC" {
		t.Fatalf("expected [ABC], got %v", got)
	}
	if !rec.out[0].at.Equal(last) {
		t.Errorf("expected payload time %v (last keystroke), got %v", last, rec.out[0].at)
	}
}

func TestFramer_GapAboveTimeout_SplitsPayloads(t *testing.T) {
	f, rec, clock := newTestFramer()
	defer f.Cancel()

	start := clock.Now()
	last := typeString(f, "ABC", start, 5*time.Millisecond)
	last = typeString(f, "DEF", last.Add(50*time.Millisecond), 5*time.Millisecond)
	f.Key(input.KeyEvent{Terminator: true, PressedAt: last})

	got := rec.payloads()
	if len(got) != 2 || got[0] != "ABC" || got[1] != "DEF" {
		t.Fatalf("expected [ABC DEF], got %v", got)
	}
}

func TestFramer_EverySpacedKeystroke_IsNoise(t *testing.T) {
	f, rec, clock := newTestFramer()
	defer f.Cancel()

	last := typeString(f, "ABCDEF", clock.Now(), 40*time.Millisecond)
	f.Key(input.KeyEvent{Terminator: true, PressedAt: last})

	if got := rec.payloads(); len(got) != 0 {
		t.Fatalf("single-character payloads must be suppressed, got %v", got)
	}
}

func TestFramer_ShortPayload_Suppressed(t *testing.T) {
	f, rec, clock := newTestFramer()
	defer f.Cancel()

	for _, s := range []string{"AB", "  AB  ", " ", "X"} {
		last := typeString(f, s, clock.Now(), time.Millisecond)
		f.Key(input.KeyEvent{Terminator: true, PressedAt: last})
	}

	if got := rec.payloads(); len(got) != 0 {
		t.Fatalf("expected nothing forwarded, got %v", got)
	}
}

func TestFramer_PayloadIsTrimmed(t *testing.T) {
	f, rec, clock := newTestFramer()
	defer f.Cancel()

	last := typeString(f, "  M-042 ", clock.Now(), time.Millisecond)
	f.Key(input.KeyEvent{Terminator: true, PressedAt: last})

	got := rec.payloads()
	if len(got) != 1 || got[0] != "M-042" {
		t.Fatalf("expected [M-042], got %v", got)
	}
}

func TestFramer_EnterOnEmptyBuffer_EmitsNothing(t *testing.T) {
	f, rec, _ := newTestFramer()
	defer f.Cancel()

	f.Key(input.KeyEvent{Terminator: true})
	f.Key(input.KeyEvent{Char: '\r'})
	f.Flush()

	if got := rec.payloads(); len(got) != 0 {
		t.Fatalf("expected nothing, got %v", got)
	}
}

func TestFramer_CarriageReturn_ActsAsTerminator(t *testing.T) {
	f, rec, clock := newTestFramer()
	defer f.Cancel()

	typeString(f, "QRS\r", clock.Now(), time.Millisecond)

	got := rec.payloads()
	if len(got) != 1 || got[0] != "QRS" {
		t.Fatalf("expected [QRS], got %v", got)
	}
}

// ── Idle timer ──────────────────────────────────────────────────────────────

func TestFramer_IdleTimer_FlushesWithoutTerminator(t *testing.T) {
	f, rec, clock := newTestFramer()
	defer f.Cancel()

	typeString(f, "XYZ", clock.Now(), 0)
	if got := rec.payloads(); len(got) != 0 {
		t.Fatalf("nothing should be emitted before the timeout, got %v", got)
	}

	clock.BlockUntil(1)
	clock.Advance(input.DefaultInterCharTimeout)

	eventually(t, func() bool { return len(rec.payloads()) == 1 })
	if got := rec.payloads(); got[0] != "XYZ" {
		t.Fatalf("expected XYZ, got %v", got)
	}
	if f.Pending() != 0 {
		t.Errorf("expected empty buffer, got %d pending", f.Pending())
	}
}

func TestFramer_IdleTimer_DoesNotDoubleEmitAfterEnter(t *testing.T) {
	f, rec, clock := newTestFramer()
	defer f.Cancel()

	last := typeString(f, "ABC", clock.Now(), 0)
	f.Key(input.KeyEvent{Terminator: true, PressedAt: last})
	clock.Advance(time.Second)

	// give a stray timer goroutine the chance to run
	time.Sleep(20 * time.Millisecond)
	if got := rec.payloads(); len(got) != 1 {
		t.Fatalf("expected exactly one payload, got %v", got)
	}
}

// ── Teardown ────────────────────────────────────────────────────────────────

func TestFramer_Cancel_DiscardsBuffer(t *testing.T) {
	f, rec, clock := newTestFramer()

	typeString(f, "LEAK", clock.Now(), 0)
	f.Cancel()
	clock.Advance(time.Second)
	f.Key(input.KeyEvent{Char: 'Z'})
	f.Key(input.KeyEvent{Terminator: true})

	time.Sleep(20 * time.Millisecond)
	if got := rec.payloads(); len(got) != 0 {
		t.Fatalf("cancelled framer must not emit, got %v", got)
	}
	if f.Pending() != 0 {
		t.Errorf("expected empty buffer after cancel, got %d", f.Pending())
	}
}

func TestAcceptPayload(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"ABC", "ABC", true},
		{" AB ", "", false},
		{"", "", false},
		{"\tM1\n", "", false},
		{" éèà ", "éèà", true},
	}
	for _, c := range cases {
		got, ok := input.AcceptPayload(c.in, input.DefaultMinPayloadLen)
		if got != c.want || ok != c.ok {
			t.Errorf("AcceptPayload(%q) = %q,%v; want %q,%v", c.in, got, ok, c.want, c.ok)
		}
	}
}

func TestFramer_Reset_KeepsFramerUsable(t *testing.T) {
	f, rec, clock := newTestFramer()
	defer f.Cancel()

	typeString(f, "OLD", clock.Now(), 0)
	f.Reset()
	last := typeString(f, "NEW", clock.Now(), 0)
	f.Key(input.KeyEvent{Terminator: true, PressedAt: last})

	got := rec.payloads()
	if len(got) != 1 || got[0] != "NEW" {
		t.Fatalf("expected [NEW], got %v", got)
	}
}
