package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jonboulle/clockwork"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/lestiti/presence-guardian-04-sub000/internal/presence/input"
	"github.com/lestiti/presence-guardian-04-sub000/internal/presence/service"
	"github.com/lestiti/presence-guardian-04-sub000/internal/presence/store"
	"github.com/lestiti/presence-guardian-04-sub000/internal/presence/types"
)

type Dependencies struct {
	Logger  *slog.Logger
	Addr    string
	Service *service.AttendanceService
	// Events is optional; without it /v1/events is not routed.
	Events *EventHub
	Clock  clockwork.Clock
	// AllowedOrigins restricts CORS; empty allows all.
	AllowedOrigins []string
}

type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	router     chi.Router
	svc        *service.AttendanceService
	events     *EventHub
	clock      clockwork.Clock
}

func NewServer(d Dependencies) *Server {
	if d.Clock == nil {
		d.Clock = clockwork.NewRealClock()
	}
	logger := d.Logger.With("module", "http")

	s := &Server{
		logger: logger,
		router: chi.NewRouter(),
		svc:    d.Service,
		events: d.Events,
		clock:  d.Clock,
	}

	r := s.router
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "no such route")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	})

	r.Use(traceIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(corsMiddleware(d.AllowedOrigins))

	r.Get("/v1/status", s.handleStatus)

	r.Get("/v1/stations", s.handleListStations)
	r.Put("/v1/stations/{stationID}", s.handlePutStation)
	r.Delete("/v1/stations/{stationID}", s.handleDeleteStation)
	r.Post("/v1/stations/{stationID}/scans", s.handleScan)
	r.Post("/v1/stations/{stationID}/keys", s.handleKeys)

	r.Get("/v1/sessions/{sessionID}/scans", s.handleSessionScans)
	r.Post("/v1/sessions/{sessionID}/refresh", s.handleRefresh)
	r.Get("/v1/sessions/{sessionID}/subjects/{subjectID}/status", s.handleSubjectStatus)

	r.Delete("/v1/scans/{scanID}", s.handleDeleteScan)

	if d.Events != nil {
		r.Get("/v1/events", d.Events.ServeHTTP)
	}

	routes := make([]string, 0, len(s.router.Routes()))
	for _, rt := range s.router.Routes() {
		routes = append(routes, rt.Pattern)
	}
	logger.Debug("routes configured", "routes", routes)

	s.httpServer = &http.Server{
		Addr:              d.Addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return s
}

func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.events != nil {
		s.events.Close()
	}
	return s.httpServer.Shutdown(ctx)
}

// ── Stations ────────────────────────────────────────────────────────────────

type stationResponse struct {
	StationID string       `json:"station_id"`
	Mode      service.Mode `json:"mode"`
	Busy      bool         `json:"busy"`
}

func stationView(st *service.Station) stationResponse {
	return stationResponse{StationID: st.ID(), Mode: st.Mode(), Busy: st.Busy()}
}

func (s *Server) handleListStations(w http.ResponseWriter, _ *http.Request) {
	out := []stationResponse{}
	for _, id := range s.svc.Stations() {
		st, err := s.svc.Station(id)
		if err != nil {
			continue // closed meanwhile
		}
		out = append(out, stationView(st))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handlePutStation(w http.ResponseWriter, r *http.Request) {
	var mode service.Mode
	if err := decodeJSON(w, r, &mode); err != nil {
		writeError(w, http.StatusBadRequest, "bad_json", "invalid JSON body")
		return
	}

	st, err := s.svc.OpenStation(chi.URLParam(r, "stationID"), mode)
	if err != nil {
		s.serviceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stationView(st))
}

func (s *Server) handleDeleteStation(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.CloseStation(chi.URLParam(r, "stationID")); err != nil {
		s.serviceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleScan submits one optical decode and answers with its outcome.
// Accepted, rejected and dropped scans are all 200: the outcome is the
// result, not a transport failure.
func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	proto := isProtobuf(r)

	var req scanRequest
	if proto {
		msg := new(structpb.Struct)
		if err := readProto(r, msg); err != nil {
			writeError(w, http.StatusBadRequest, "bad_protobuf", "invalid protobuf body")
			return
		}
		var err error
		if req, err = scanRequestFromProto(msg); err != nil {
			writeError(w, http.StatusBadRequest, "bad_protobuf", err.Error())
			return
		}
	} else if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_json", "invalid JSON body")
		return
	}

	st, err := s.svc.Station(chi.URLParam(r, "stationID"))
	if err != nil {
		s.serviceError(w, r, err)
		return
	}

	mode := st.Mode()
	if req.SessionID == "" {
		req.SessionID = mode.SessionID
	}
	if req.Direction == "" {
		req.Direction = mode.Direction
	}

	o := st.SubmitScan(r.Context(), req.SessionID, req.Direction, req.capture(s.clock.Now()))

	if proto {
		msg, err := outcomeToProto(o)
		if err != nil {
			s.logger.Error("encode outcome", "err", err, "trace_id", TraceID(r.Context()))
			writeError(w, http.StatusInternalServerError, "internal_error", "unexpected server error")
			return
		}
		writeProto(w, http.StatusOK, msg)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// handleKeys feeds a keystroke batch from a keyboard-wedge bridge into the
// station's framer. Framed payloads are submitted asynchronously; their
// outcomes arrive on /v1/events.
func (s *Server) handleKeys(w http.ResponseWriter, r *http.Request) {
	var req keysRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_json", "invalid JSON body")
		return
	}

	st, err := s.svc.Station(chi.URLParam(r, "stationID"))
	if err != nil {
		s.serviceError(w, r, err)
		return
	}

	now := s.clock.Now()
	events := make([]input.KeyEvent, 0, len(req.Keys))
	for _, k := range req.Keys {
		ev, err := k.event(now)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_key", err.Error())
			return
		}
		events = append(events, ev)
	}
	for _, ev := range events {
		st.HandleKey(ev)
	}

	writeJSON(w, http.StatusAccepted, map[string]int{"accepted": len(req.Keys)})
}

// ── Sessions ────────────────────────────────────────────────────────────────

func (s *Server) handleSessionScans(w http.ResponseWriter, r *http.Request) {
	recs, err := s.svc.History(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		s.serviceError(w, r, err)
		return
	}
	if recs == nil {
		recs = []types.ScanRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if err := s.svc.Refresh(r.Context(), sessionID); err != nil {
		s.serviceError(w, r, err)
		return
	}
	recs, err := s.svc.History(r.Context(), sessionID)
	if err != nil {
		s.serviceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session_id": sessionID, "records": len(recs)})
}

func (s *Server) handleSubjectStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.svc.Status(r.Context(), chi.URLParam(r, "sessionID"), chi.URLParam(r, "subjectID"))
	if err != nil {
		s.serviceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleDeleteScan(w http.ResponseWriter, r *http.Request) {
	rec, err := s.svc.DeleteScan(r.Context(), chi.URLParam(r, "scanID"))
	if err != nil {
		s.serviceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	body := map[string]any{
		"status":   "ok",
		"stations": len(s.svc.Stations()),
	}
	if s.events != nil {
		body["event_clients"] = s.events.Clients()
	}
	writeJSON(w, http.StatusOK, body)
}

// serviceError maps engine errors onto the JSON error body.
func (s *Server) serviceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidStationID):
		writeError(w, http.StatusBadRequest, "invalid_station_id", err.Error())
	case errors.Is(err, service.ErrInvalidSessionID):
		writeError(w, http.StatusBadRequest, "invalid_session_id", err.Error())
	case errors.Is(err, service.ErrInvalidSubjectID):
		writeError(w, http.StatusBadRequest, "invalid_subject_id", err.Error())
	case errors.Is(err, service.ErrInvalidScanID):
		writeError(w, http.StatusBadRequest, "invalid_scan_id", err.Error())
	case errors.Is(err, types.ErrInvalidDirection):
		writeError(w, http.StatusBadRequest, "invalid_direction", err.Error())
	case errors.Is(err, service.ErrUnknownStation):
		writeError(w, http.StatusNotFound, "unknown_station", err.Error())
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, service.ErrServiceClosed):
		writeError(w, http.StatusServiceUnavailable, "shutting_down", err.Error())
	default:
		s.logger.Error("request failed", "path", r.URL.Path, "err", err, "trace_id", TraceID(r.Context()))
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", "session history unavailable")
	}
}
