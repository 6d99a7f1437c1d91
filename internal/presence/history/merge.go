// Package history holds the per-session scan history every validation reads.
//
// All mutation goes through Merge, a pure reducer over change events, so
// the optimistic append after a commit, the realtime feed and the reconnect
// reconciliation can all replay the same record in any order without
// producing duplicates.
package history

import (
	"github.com/lestiti/presence-guardian-04-sub000/internal/presence/types"
)

// Entry is a record plus its local arrival order, used as the last tie-break
// when two records share committed_at and seq.
type Entry struct {
	Record types.ScanRecord
	Order  uint64
}

// History is one session's records in arrival order. The zero value is an
// empty history. Values are never modified in place; Merge returns a copy.
type History struct {
	entries    []Entry
	tombstones map[string]struct{}
	next       uint64
}

func (h History) Len() int { return len(h.entries) }

// Entries returns a copy of the entries in arrival order.
func (h History) Entries() []Entry {
	out := make([]Entry, len(h.entries))
	copy(out, h.entries)
	return out
}

func (h History) Records() []types.ScanRecord {
	out := make([]types.ScanRecord, len(h.entries))
	for i, e := range h.entries {
		out[i] = e.Record
	}
	return out
}

// Deleted reports whether id was removed by a delete event.
func (h History) Deleted(id string) bool {
	_, ok := h.tombstones[id]
	return ok
}

func (h History) index(id string) int {
	for i, e := range h.entries {
		if e.Record.ID == id {
			return i
		}
	}
	return -1
}

func (h History) clone() History {
	out := History{
		entries:    make([]Entry, len(h.entries), len(h.entries)+1),
		tombstones: make(map[string]struct{}, len(h.tombstones)),
		next:       h.next,
	}
	copy(out.entries, h.entries)
	for id := range h.tombstones {
		out.tombstones[id] = struct{}{}
	}
	return out
}

// without returns a copy of h lacking id. Unlike a delete event it leaves
// no tombstone.
func (h History) without(id string) History {
	out := h.clone()
	if i := out.index(id); i >= 0 {
		out.entries = append(out.entries[:i], out.entries[i+1:]...)
	}
	return out
}

// Merge applies one change event.
//
// Insert and update are upserts keyed by record id: a known id is replaced
// in place, keeping its arrival order. Delete removes the record and leaves
// a tombstone, so an insert delivered after its delete is ignored. Events
// without an id are ignored.
func Merge(h History, ev types.ChangeEvent) History {
	id := ev.Record.ID
	if id == "" {
		return h
	}

	switch ev.Kind {
	case types.ChangeInsert, types.ChangeUpdate:
		if h.Deleted(id) {
			return h
		}
		out := h.clone()
		if i := out.index(id); i >= 0 {
			out.entries[i].Record = ev.Record
			return out
		}
		out.entries = append(out.entries, Entry{Record: ev.Record, Order: out.next})
		out.next++
		return out

	case types.ChangeDelete:
		if h.Deleted(id) {
			return h
		}
		out := h.without(id)
		out.tombstones[id] = struct{}{}
		return out
	}
	return h
}

// Reconcile folds an authoritative listing into h. Every listed record is
// upserted. A cached record missing from the listing whose seq is not newer
// than the newest listed seq is dropped, but without a tombstone: a listing
// can miss a row whose commit was not yet visible, and a later insert event
// or listing must be able to bring it back.
func Reconcile(h History, listed []types.ScanRecord) History {
	var maxSeq int64
	present := make(map[string]struct{}, len(listed))
	for _, r := range listed {
		present[r.ID] = struct{}{}
		if r.Seq > maxSeq {
			maxSeq = r.Seq
		}
		h = Merge(h, types.ChangeEvent{Kind: types.ChangeInsert, Record: r})
	}
	for _, e := range h.Entries() {
		if _, ok := present[e.Record.ID]; ok {
			continue
		}
		if e.Record.Seq > 0 && e.Record.Seq <= maxSeq {
			h = h.without(e.Record.ID)
		}
	}
	return h
}

// after reports whether a was committed after b: committed_at first, then
// the store's sequence, then local arrival order.
func after(a, b Entry) bool {
	if !a.Record.CommittedAt.Equal(b.Record.CommittedAt) {
		return a.Record.CommittedAt.After(b.Record.CommittedAt)
	}
	if a.Record.Seq != b.Record.Seq {
		return a.Record.Seq > b.Record.Seq
	}
	return a.Order > b.Order
}

// Latest returns the most recently committed record for subjectID.
func Latest(h History, subjectID string) (types.ScanRecord, bool) {
	var (
		best  Entry
		found bool
	)
	for _, e := range h.entries {
		if e.Record.SubjectID != subjectID {
			continue
		}
		if !found || after(e, best) {
			best, found = e, true
		}
	}
	return best.Record, found
}

// StatusOf derives the subject's status from h.
func StatusOf(h History, sessionID, subjectID string) types.SubjectStatus {
	st := types.SubjectStatus{SubjectID: subjectID, SessionID: sessionID}
	rec, ok := Latest(h, subjectID)
	if !ok {
		return st
	}
	st.LastRecord = &rec
	st.CheckedIn = rec.Direction == types.DirectionIn
	st.CanCheckOut = st.CheckedIn
	return st
}
