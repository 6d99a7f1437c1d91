package service

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/lestiti/presence-guardian-04-sub000/internal/presence/history"
	"github.com/lestiti/presence-guardian-04-sub000/internal/presence/input"
	"github.com/lestiti/presence-guardian-04-sub000/internal/presence/store"
	"github.com/lestiti/presence-guardian-04-sub000/internal/presence/types"
)

var (
	ErrInvalidSessionID = errors.New("session_id is required")
	ErrInvalidSubjectID = errors.New("subject_id is required")
	ErrInvalidStationID = errors.New("station_id is required")
	ErrInvalidScanID    = errors.New("scan id is required")
	ErrUnknownStation   = errors.New("unknown station")
	ErrServiceClosed    = errors.New("attendance service closed")
)

// Config tunes the engine. A zero GateConfig disables spacing and the clear
// delay; use DefaultConfig for production values.
type Config struct {
	Station       StationConfig
	Sync          SyncConfig
	CommitTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Station: StationConfig{
			Framer: input.FramerConfig{
				InterCharTimeout: input.DefaultInterCharTimeout,
				MinPayloadLen:    input.DefaultMinPayloadLen,
			},
			Gate: GateConfig{
				MinInterval: DefaultMinScanInterval,
				ClearDelay:  DefaultGateClearDelay,
			},
			QueueSize: DefaultKeyQueueSize,
		},
		Sync: SyncConfig{
			BackoffBase: DefaultBackoffBase,
			BackoffMax:  DefaultBackoffMax,
			MaxRetries:  DefaultSyncMaxRetries,
		},
		CommitTimeout: DefaultCommitTimeout,
	}
}

// Deps are the collaborators of an AttendanceService. Store is required;
// without a Feed, sessions are loaded once from the store and then only see
// this process's own commits.
type Deps struct {
	Store  store.ScanStore
	Feed   store.ChangeFeed
	Sink   Sink
	Cache  *history.Cache
	Clock  clockwork.Clock
	Logger *slog.Logger
}

// AttendanceService is the process-wide half of the engine: the shared
// session history, the commit pipeline, one realtime sync per followed
// session and the registry of operator stations.
type AttendanceService struct {
	store     store.ScanStore
	feed      store.ChangeFeed
	sink      Sink
	cache     *history.Cache
	committer *Committer
	clock     clockwork.Clock
	cfg       Config
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	stations map[string]*Station
	locks    map[string]*sync.Mutex
	closed   bool

	followMu sync.Mutex
	syncs    map[string]*RealtimeSync
}

func NewAttendanceService(d Deps, cfg Config) *AttendanceService {
	if d.Cache == nil {
		d.Cache = history.NewCache()
	}
	if d.Clock == nil {
		d.Clock = clockwork.NewRealClock()
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Sink == nil {
		d.Sink = Sinks(nil)
	}

	ctx, cancel := context.WithCancel(context.Background())
	logger := d.Logger.With("module", "attendance")
	return &AttendanceService{
		store:     d.Store,
		feed:      d.Feed,
		sink:      d.Sink,
		cache:     d.Cache,
		committer: NewCommitter(d.Store, d.Cache, cfg.CommitTimeout, logger),
		clock:     d.Clock,
		cfg:       cfg,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		stations:  make(map[string]*Station),
		locks:     make(map[string]*sync.Mutex),
		syncs:     make(map[string]*RealtimeSync),
	}
}

// ── Stations ────────────────────────────────────────────────────────────────

// OpenStation returns the station with the given id, creating it if needed,
// and sets its mode.
func (s *AttendanceService) OpenStation(id string, m Mode) (*Station, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, ErrInvalidStationID
	}
	m, err := normalizeMode(m)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrServiceClosed
	}
	st, ok := s.stations[id]
	if !ok {
		st = newStation(s.ctx, id, m, s, s.clock, s.cfg.Station, s.logger)
		s.stations[id] = st
	}
	s.mu.Unlock()

	if ok {
		if err := st.SetMode(m); err != nil {
			return nil, err
		}
	} else {
		s.logger.Info("station opened", "station_id", id, "session_id", m.SessionID, "direction", m.Direction)
	}
	return st, nil
}

func (s *AttendanceService) Station(id string) (*Station, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.stations[strings.TrimSpace(id)]
	if !ok {
		return nil, ErrUnknownStation
	}
	return st, nil
}

// Stations returns the ids of all open stations, sorted.
func (s *AttendanceService) Stations() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.stations))
	for id := range s.stations {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *AttendanceService) CloseStation(id string) error {
	s.mu.Lock()
	st, ok := s.stations[strings.TrimSpace(id)]
	delete(s.stations, strings.TrimSpace(id))
	s.mu.Unlock()

	if !ok {
		return ErrUnknownStation
	}
	st.Close()
	s.logger.Info("station closed", "station_id", st.id)
	return nil
}

// ── Sessions ────────────────────────────────────────────────────────────────

// Follow loads a session's history and keeps it current. It is a no-op for
// a session already followed.
func (s *AttendanceService) Follow(ctx context.Context, sessionID string) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return ErrInvalidSessionID
	}

	s.followMu.Lock()
	defer s.followMu.Unlock()

	if s.isClosed() {
		return ErrServiceClosed
	}
	if _, ok := s.syncs[sessionID]; ok {
		return nil
	}

	if s.feed == nil {
		if s.cache.Seeded(sessionID) {
			return nil
		}
		recs, err := s.store.List(ctx, sessionID)
		if err != nil {
			return err
		}
		s.cache.Seed(sessionID, recs)
		return nil
	}

	rs := NewRealtimeSync(sessionID, s.store, s.feed, s.cache, s.sink, s.clock, s.cfg.Sync, s.logger)
	if err := rs.Start(s.ctx); err != nil {
		return err
	}
	s.syncs[sessionID] = rs
	return nil
}

// Refresh drops a session's sync, including one that gave up, and follows
// the session again from a fresh listing.
func (s *AttendanceService) Refresh(ctx context.Context, sessionID string) error {
	sessionID = strings.TrimSpace(sessionID)

	s.followMu.Lock()
	rs, ok := s.syncs[sessionID]
	delete(s.syncs, sessionID)
	s.followMu.Unlock()
	if ok {
		rs.Stop()
	}

	if s.feed == nil {
		recs, err := s.store.List(ctx, sessionID)
		if err != nil {
			return err
		}
		s.cache.Seed(sessionID, recs)
		return nil
	}
	return s.Follow(ctx, sessionID)
}

// SyncErr returns the terminal error of a session's realtime sync, if any.
func (s *AttendanceService) SyncErr(sessionID string) error {
	s.followMu.Lock()
	rs, ok := s.syncs[sessionID]
	s.followMu.Unlock()
	if !ok {
		return nil
	}
	return rs.Err()
}

func (s *AttendanceService) Status(ctx context.Context, sessionID, subjectID string) (types.SubjectStatus, error) {
	subjectID = strings.TrimSpace(subjectID)
	if subjectID == "" {
		return types.SubjectStatus{}, ErrInvalidSubjectID
	}
	if err := s.Follow(ctx, sessionID); err != nil {
		return types.SubjectStatus{}, err
	}
	return s.cache.Status(strings.TrimSpace(sessionID), subjectID), nil
}

// History returns the session's records in the order they reached the cache.
func (s *AttendanceService) History(ctx context.Context, sessionID string) ([]types.ScanRecord, error) {
	if err := s.Follow(ctx, sessionID); err != nil {
		return nil, err
	}
	return s.cache.Records(strings.TrimSpace(sessionID)), nil
}

// DeleteScan removes a committed record, for operator corrections.
func (s *AttendanceService) DeleteScan(ctx context.Context, id string) (types.ScanRecord, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return types.ScanRecord{}, ErrInvalidScanID
	}
	rec, err := s.store.Delete(ctx, id)
	if err != nil {
		return types.ScanRecord{}, err
	}
	s.cache.Apply(types.ChangeEvent{Kind: types.ChangeDelete, Record: rec})
	s.logger.Info("scan deleted", "id", rec.ID, "session_id", rec.SessionID, "subject_id", rec.SubjectID)
	return rec, nil
}

// decideAndCommit validates and commits one attempt that already holds its
// station's gate. Attempts for the same session are serialized across
// stations so two stations never validate against the same snapshot.
func (s *AttendanceService) decideAndCommit(ctx context.Context, a types.ScanAttempt) types.Outcome {
	if err := s.Follow(ctx, a.SessionID); err != nil {
		s.logger.Warn("session history unavailable", "session_id", a.SessionID, "err", err)
		return types.Rejected(a, types.ReasonPersistenceFailed, "session history unavailable: "+err.Error())
	}

	lock := s.sessionLock(a.SessionID)
	lock.Lock()
	defer lock.Unlock()

	st := s.cache.Status(a.SessionID, a.SubjectID)
	if reason, ok := Decide(st, a.Direction); !ok {
		s.logger.Info("scan rejected", "reason", reason, "subject_id", a.SubjectID, "session_id", a.SessionID, "direction", a.Direction)
		return types.Rejected(a, reason, rejectionDetail(reason, a))
	}
	return s.committer.Commit(ctx, a)
}

func (s *AttendanceService) sessionLock(sessionID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[sessionID] = l
	}
	return l
}

func (s *AttendanceService) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close tears down every station and sync. The service is unusable after.
func (s *AttendanceService) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	stations := s.stations
	s.stations = make(map[string]*Station)
	s.mu.Unlock()

	for _, st := range stations {
		st.Close()
	}

	s.followMu.Lock()
	syncs := s.syncs
	s.syncs = make(map[string]*RealtimeSync)
	s.followMu.Unlock()

	for _, rs := range syncs {
		rs.Stop()
	}
	s.cancel()
}
