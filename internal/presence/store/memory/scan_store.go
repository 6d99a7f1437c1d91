package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/lestiti/presence-guardian-04-sub000/internal/presence/store"
	"github.com/lestiti/presence-guardian-04-sub000/internal/presence/types"
)

// ScanStore is an in-memory ScanStore for tests and dev environments.
type ScanStore struct {
	clock clockwork.Clock

	mu      sync.Mutex
	records []types.ScanRecord
	seq     int64
	failErr error
	inserts int
	gate    chan struct{}
}

func NewScanStore(clock clockwork.Clock) *ScanStore {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &ScanStore{clock: clock}
}

func (s *ScanStore) Insert(ctx context.Context, a types.ScanAttempt) (types.ScanRecord, error) {
	s.mu.Lock()
	gate := s.gate
	s.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return types.ScanRecord{}, ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.inserts++
	if s.failErr != nil {
		err := s.failErr
		s.failErr = nil
		return types.ScanRecord{}, fmt.Errorf("insert scan: %w", err)
	}
	last, found := s.lastDirection(a.SessionID, a.SubjectID)
	if err := store.CheckSequence(last, found, a.Direction); err != nil {
		return types.ScanRecord{}, err
	}

	s.seq++
	rec := types.ScanRecord{
		ID:          uuid.NewString(),
		Seq:         s.seq,
		SubjectID:   a.SubjectID,
		SessionID:   a.SessionID,
		Source:      a.Source,
		Direction:   a.Direction,
		CapturedAt:  a.CapturedAt,
		CommittedAt: s.clock.Now().UTC(),
	}
	s.records = append(s.records, rec)
	return rec, nil
}

func (s *ScanStore) lastDirection(sessionID, subjectID string) (types.Direction, bool) {
	for i := len(s.records) - 1; i >= 0; i-- {
		r := s.records[i]
		if r.SessionID == sessionID && r.SubjectID == subjectID {
			return r.Direction, true
		}
	}
	return "", false
}

func (s *ScanStore) List(_ context.Context, sessionID string) ([]types.ScanRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.ScanRecord
	for _, r := range s.records {
		if r.SessionID == sessionID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *ScanStore) Delete(_ context.Context, id string) (types.ScanRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, r := range s.records {
		if r.ID == id {
			s.records = append(s.records[:i], s.records[i+1:]...)
			return r, nil
		}
	}
	return types.ScanRecord{}, store.ErrNotFound
}

// FailNextInsert makes the next Insert return err. Test-only helper.
func (s *ScanStore) FailNextInsert(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failErr = err
}

// Hold blocks every Insert until the returned release func is called.
// Test-only helper for observing an in-flight commit.
func (s *ScanStore) Hold() (release func()) {
	ch := make(chan struct{})
	s.mu.Lock()
	s.gate = ch
	s.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			s.gate = nil
			s.mu.Unlock()
			close(ch)
		})
	}
}

// Inserts returns how many Insert calls reached the store. Test-only helper.
func (s *ScanStore) Inserts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inserts
}
