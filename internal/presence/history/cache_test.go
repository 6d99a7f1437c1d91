package history_test

import (
	"sync"
	"testing"
	"time"

	"github.com/lestiti/presence-guardian-04-sub000/internal/presence/history"
	"github.com/lestiti/presence-guardian-04-sub000/internal/presence/types"
)

func TestCache_AppendThenFeedEcho_NoDuplicate(t *testing.T) {
	c := history.NewCache()
	r := rec("a", 1, "X", types.DirectionIn, t0)

	c.Append(r)
	c.Apply(insert(r))

	if n := len(c.Records("sess-1")); n != 1 {
		t.Fatalf("expected 1 record, got %d", n)
	}
	if st := c.Status("sess-1", "X"); !st.CheckedIn {
		t.Errorf("expected X checked in, got %+v", st)
	}
}

func TestCache_SeedMarksSession(t *testing.T) {
	c := history.NewCache()
	if c.Seeded("sess-1") {
		t.Fatal("new cache must not report seeded sessions")
	}
	c.Seed("sess-1", []types.ScanRecord{rec("a", 1, "X", types.DirectionIn, t0)})
	if !c.Seeded("sess-1") {
		t.Fatal("expected sess-1 seeded")
	}
	if c.Seeded("sess-2") {
		t.Fatal("sess-2 was never seeded")
	}
}

func TestCache_SessionsAreIsolated(t *testing.T) {
	c := history.NewCache()
	other := rec("b", 2, "X", types.DirectionIn, t0)
	other.SessionID = "sess-2"

	c.Append(rec("a", 1, "X", types.DirectionIn, t0))
	c.Append(other)

	if n := len(c.Records("sess-1")); n != 1 {
		t.Errorf("sess-1: expected 1 record, got %d", n)
	}
	if n := len(c.Records("sess-2")); n != 1 {
		t.Errorf("sess-2: expected 1 record, got %d", n)
	}
}

func TestCache_ConcurrentApply(t *testing.T) {
	c := history.NewCache()
	r := rec("a", 1, "X", types.DirectionIn, t0)

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c.Apply(insert(r))
			c.Status("sess-1", "X")
			c.Append(rec(string(rune('b'+i%20)), int64(i+2), "Y", types.DirectionIn, t0.Add(time.Duration(i))))
		}(i)
	}
	wg.Wait()

	if n := len(c.Records("sess-1")); n != 21 {
		t.Fatalf("expected 21 distinct records, got %d", n)
	}
}

func TestCache_SeedMissingRecordThenListingRestores(t *testing.T) {
	c := history.NewCache()
	r10 := rec("r10", 10, "X", types.DirectionIn, t0)
	r11 := rec("r11", 11, "Y", types.DirectionIn, t0)

	c.Apply(insert(r10))
	c.Seed("sess-1", []types.ScanRecord{r11})
	c.Apply(insert(r10))
	c.Seed("sess-1", []types.ScanRecord{r10, r11})

	if st := c.Status("sess-1", "X"); !st.CheckedIn {
		t.Fatalf("expected X checked in, got %+v", st)
	}
	if n := len(c.Records("sess-1")); n != 2 {
		t.Fatalf("expected 2 records, got %d", n)
	}
}
