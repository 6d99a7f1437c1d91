package history_test

import (
	"testing"
	"time"

	"github.com/lestiti/presence-guardian-04-sub000/internal/presence/history"
	"github.com/lestiti/presence-guardian-04-sub000/internal/presence/types"
)

var t0 = time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)

func rec(id string, seq int64, subject string, dir types.Direction, committed time.Time) types.ScanRecord {
	return types.ScanRecord{
		ID:          id,
		Seq:         seq,
		SubjectID:   subject,
		SessionID:   "sess-1",
		Source:      types.SourceOptical,
		Direction:   dir,
		CapturedAt:  committed,
		CommittedAt: committed,
	}
}

func insert(r types.ScanRecord) types.ChangeEvent {
	return types.ChangeEvent{Kind: types.ChangeInsert, Record: r}
}

func del(r types.ScanRecord) types.ChangeEvent {
	return types.ChangeEvent{Kind: types.ChangeDelete, Record: r}
}

// ── Merge ───────────────────────────────────────────────────────────────────

func TestMerge_ReplayedInsertIsIdempotent(t *testing.T) {
	r := rec("a", 1, "X", types.DirectionIn, t0)

	h := history.Merge(history.History{}, insert(r))
	h = history.Merge(h, insert(r))

	if h.Len() != 1 {
		t.Fatalf("expected 1 entry after replay, got %d", h.Len())
	}
}

func TestMerge_UpdateKeepsArrivalOrder(t *testing.T) {
	a := rec("a", 1, "X", types.DirectionIn, t0)
	b := rec("b", 2, "Y", types.DirectionIn, t0.Add(time.Second))

	h := history.Merge(history.History{}, insert(a))
	h = history.Merge(h, insert(b))

	moved := a
	moved.Source = types.SourceKeyed
	h = history.Merge(h, types.ChangeEvent{Kind: types.ChangeUpdate, Record: moved})

	recs := h.Records()
	if len(recs) != 2 || recs[0].ID != "a" || recs[1].ID != "b" {
		t.Fatalf("unexpected order: %+v", recs)
	}
	if recs[0].Source != types.SourceKeyed {
		t.Errorf("expected updated source, got %s", recs[0].Source)
	}
}

func TestMerge_DoesNotMutateInput(t *testing.T) {
	a := rec("a", 1, "X", types.DirectionIn, t0)
	before := history.Merge(history.History{}, insert(a))

	_ = history.Merge(before, del(a))
	_ = history.Merge(before, insert(rec("b", 2, "X", types.DirectionOut, t0)))

	if before.Len() != 1 || before.Deleted("a") {
		t.Fatal("Merge modified its input history")
	}
}

func TestMerge_InsertAfterDeleteIsIgnored(t *testing.T) {
	a := rec("a", 1, "X", types.DirectionIn, t0)

	// delete delivered before its insert, as can happen across a reconnect
	h := history.Merge(history.History{}, del(a))
	h = history.Merge(h, insert(a))

	if h.Len() != 0 {
		t.Fatalf("deleted record resurrected: %+v", h.Records())
	}
	if !h.Deleted("a") {
		t.Error("expected tombstone for a")
	}
}

func TestMerge_DeleteRemovesRecord(t *testing.T) {
	a := rec("a", 1, "X", types.DirectionIn, t0)
	b := rec("b", 2, "X", types.DirectionOut, t0.Add(time.Minute))

	h := history.Merge(history.History{}, insert(a))
	h = history.Merge(h, insert(b))
	h = history.Merge(h, del(b))
	h = history.Merge(h, del(b))

	recs := h.Records()
	if len(recs) != 1 || recs[0].ID != "a" {
		t.Fatalf("expected only a, got %+v", recs)
	}
}

func TestMerge_IgnoresEventWithoutID(t *testing.T) {
	h := history.Merge(history.History{}, insert(types.ScanRecord{SubjectID: "X"}))
	if h.Len() != 0 {
		t.Fatal("record without id must be ignored")
	}
}

// ── Status ──────────────────────────────────────────────────────────────────

func TestStatusOf_NoRecords(t *testing.T) {
	st := history.StatusOf(history.History{}, "sess-1", "X")
	if st.LastRecord != nil || st.CheckedIn || st.CanCheckOut {
		t.Fatalf("expected NOT_CHECKED_IN, got %+v", st)
	}
}

func TestStatusOf_LatestByCommittedAt(t *testing.T) {
	h := history.Merge(history.History{}, insert(rec("b", 2, "X", types.DirectionOut, t0.Add(time.Minute))))
	h = history.Merge(h, insert(rec("a", 1, "X", types.DirectionIn, t0)))

	st := history.StatusOf(h, "sess-1", "X")
	if st.LastRecord == nil || st.LastRecord.ID != "b" {
		t.Fatalf("expected b as latest, got %+v", st.LastRecord)
	}
	if st.CheckedIn {
		t.Error("expected checked out")
	}
}

func TestStatusOf_TieBrokenBySeqNotTimestamp(t *testing.T) {
	// same committed_at; seq decides even when arrival order disagrees
	h := history.Merge(history.History{}, insert(rec("out", 8, "X", types.DirectionOut, t0)))
	h = history.Merge(h, insert(rec("in", 7, "X", types.DirectionIn, t0)))

	st := history.StatusOf(h, "sess-1", "X")
	if st.LastRecord.ID != "out" {
		t.Fatalf("expected seq 8 to win, got %s", st.LastRecord.ID)
	}
}

func TestStatusOf_TieBrokenByArrivalWithoutSeq(t *testing.T) {
	h := history.Merge(history.History{}, insert(rec("in", 0, "X", types.DirectionIn, t0)))
	h = history.Merge(h, insert(rec("out", 0, "X", types.DirectionOut, t0)))

	st := history.StatusOf(h, "sess-1", "X")
	if st.LastRecord.ID != "out" {
		t.Fatalf("expected later arrival to win, got %s", st.LastRecord.ID)
	}
	if st.CheckedIn || st.CanCheckOut {
		t.Errorf("unexpected status %+v", st)
	}
}

// ── Reconcile ───────────────────────────────────────────────────────────────

func TestReconcile_DropsRecordsDeletedWhileOffline(t *testing.T) {
	a := rec("a", 1, "X", types.DirectionIn, t0)
	b := rec("b", 2, "Y", types.DirectionIn, t0)
	c := rec("c", 3, "Z", types.DirectionIn, t0)
	late := rec("late", 9, "W", types.DirectionIn, t0)

	h := history.Merge(history.History{}, insert(a))
	h = history.Merge(h, insert(b))
	h = history.Merge(h, insert(late))

	// b was deleted while disconnected; late is newer than the listing
	h = history.Reconcile(h, []types.ScanRecord{a, c})

	got := map[string]bool{}
	for _, r := range h.Records() {
		got[r.ID] = true
	}
	if !got["a"] || !got["c"] || !got["late"] || got["b"] {
		t.Fatalf("unexpected records after reconcile: %v", got)
	}
}

func TestReconcile_MissingRecordComesBackLater(t *testing.T) {
	// seq 11 became visible to a listing before seq 10 did
	r10 := rec("r10", 10, "X", types.DirectionIn, t0)
	r11 := rec("r11", 11, "Y", types.DirectionIn, t0.Add(time.Second))

	h := history.Merge(history.History{}, insert(r10))
	h = history.Reconcile(h, []types.ScanRecord{r11})
	if h.Deleted("r10") {
		t.Fatal("a record missing from a listing must not be tombstoned")
	}

	again := history.Merge(h, insert(r10))
	if !history.StatusOf(again, "sess-1", "X").CheckedIn {
		t.Fatal("a later insert must restore the record")
	}

	h = history.Reconcile(h, []types.ScanRecord{r10, r11})
	if h.Len() != 2 || !history.StatusOf(h, "sess-1", "X").CheckedIn {
		t.Fatalf("a later listing must restore the record, got %d records", h.Len())
	}
}

func TestReconcile_KeepsTombstonesFromDeleteEvents(t *testing.T) {
	a := rec("a", 1, "X", types.DirectionIn, t0)

	h := history.Merge(history.History{}, insert(a))
	h = history.Merge(h, del(a))
	h = history.Reconcile(h, []types.ScanRecord{a})

	if h.Len() != 0 || !h.Deleted("a") {
		t.Fatalf("an explicit delete must win over a stale listing, got %d records", h.Len())
	}
}
