package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/BrandonDHaskell/Silenus/server/internal/silenus/ledger"
	"github.com/BrandonDHaskell/Silenus/server/internal/silenus/service"
	"github.com/BrandonDHaskell/Silenus/server/internal/silenus/store"
	"github.com/BrandonDHaskell/Silenus/server/internal/silenus/types"
	"github.com/BrandonDHaskell/Silenus/server/internal/telemetry/metrics"
)

// Dispenser is the slice of a running engine the API exposes.
type Dispenser interface {
	Snapshot() types.DispenserStatus
	RequestClose(reason store.CloseReason) bool
}

type Dependencies struct {
	Logger  *slog.Logger
	Addr    string
	APIKey  string
	Metrics *metrics.Registry

	AuthorizeService *service.AuthorizeService
	EventService     *service.EventService
	Ledger           ledger.Debiter
	// Dispensers are the engines running in this process, by id.
	Dispensers map[string]Dispenser
}

type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	mux        *http.ServeMux

	authorizeService *service.AuthorizeService
	eventService     *service.EventService
	ledger           ledger.Debiter
	dispensers       map[string]Dispenser
}

func NewServer(d Dependencies) *Server {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	mux := http.NewServeMux()

	s := &Server{
		logger:           d.Logger,
		mux:              mux,
		authorizeService: d.AuthorizeService,
		eventService:     d.EventService,
		ledger:           d.Ledger,
		dispensers:       d.Dispensers,
	}

	mux.HandleFunc("GET /v1/authorize", s.handleAuthorize)
	mux.HandleFunc("POST /v1/debit", s.handleDebit)
	mux.HandleFunc("POST /v1/events", s.handleEvents)
	mux.HandleFunc("GET /v1/dispensers/{id}/status", s.handleStatus)
	mux.HandleFunc("GET /v1/dispensers/{id}/events", s.handleRecentEvents)
	mux.HandleFunc("POST /v1/dispensers/{id}/valve/close", s.handleValveClose)
	mux.Handle("GET /metrics", d.Metrics.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	})

	handler := loggingMiddleware(d.Logger, d.Metrics, apiKeyMiddleware(d.APIKey, mux))

	s.httpServer = &http.Server{
		Addr:              d.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return s
}

func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	if s.authorizeService == nil {
		writeError(w, http.StatusNotImplemented, "not_enabled", "authorization is not served here")
		return
	}
	q := r.URL.Query()
	req := types.AuthorizeRequest{UID: q.Get("uid"), DispenserID: q.Get("dispenser")}

	resp, err := s.authorizeService.Decide(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidUID):
			writeError(w, http.StatusBadRequest, "invalid_uid", err.Error())
		case errors.Is(err, service.ErrInvalidDispenserID):
			writeError(w, http.StatusBadRequest, "invalid_dispenser_id", err.Error())
		default:
			s.logger.Error("authorize error", "error", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "unexpected server error")
		}
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDebit(w http.ResponseWriter, r *http.Request) {
	if s.ledger == nil {
		writeError(w, http.StatusNotImplemented, "not_enabled", "ledger is not served here")
		return
	}
	var req ledger.DebitRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_json", "invalid JSON body")
		return
	}

	res, err := s.ledger.Debit(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrNoAccount), errors.Is(err, ledger.ErrNoSession), errors.Is(err, ledger.ErrInvalidUnit):
			writeError(w, http.StatusBadRequest, "invalid_debit", err.Error())
		case errors.Is(err, store.ErrAccountNotFound):
			writeError(w, http.StatusNotFound, "account_not_found", err.Error())
		default:
			s.logger.Error("debit error", "session_id", req.SessionID, "error", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "unexpected server error")
		}
		return
	}

	writeJSON(w, http.StatusOK, res)
}

type ingestResponse struct {
	Accepted  bool   `json:"accepted"`
	Duplicate bool   `json:"duplicate"`
	EventID   string `json:"event_id"`
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.eventService == nil {
		writeError(w, http.StatusNotImplemented, "not_enabled", "event ingest is not served here")
		return
	}
	ev, err := readEvent(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_body", err.Error())
		return
	}

	inserted, err := s.eventService.Ingest(r.Context(), ev, sourceOf(r))
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidEventID),
			errors.Is(err, service.ErrInvalidDispenserID),
			errors.Is(err, service.ErrInvalidEventType):
			writeError(w, http.StatusBadRequest, "invalid_event", err.Error())
		default:
			s.logger.Error("event ingest error", "event_id", ev.ID, "error", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "unexpected server error")
		}
		return
	}

	writeJSON(w, http.StatusAccepted, ingestResponse{Accepted: true, Duplicate: !inserted, EventID: ev.ID})
}

const maxRecentEvents = 500

type recentEvent struct {
	types.Event
	Source     string    `json:"source"`
	ReceivedAt time.Time `json:"received_at"`
}

type recentEventsResponse struct {
	DispenserID string        `json:"dispenser_id"`
	Events      []recentEvent `json:"events"`
}

// handleRecentEvents lists the event log for any dispenser reporting here,
// newest first.
func (s *Server) handleRecentEvents(w http.ResponseWriter, r *http.Request) {
	if s.eventService == nil {
		writeError(w, http.StatusNotImplemented, "not_enabled", "event history is not served here")
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = min(n, maxRecentEvents)
	}

	id := r.PathValue("id")
	recs, err := s.eventService.Recent(r.Context(), id, limit)
	if err != nil {
		s.logger.Error("recent events error", "dispenser_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "unexpected server error")
		return
	}

	out := recentEventsResponse{DispenserID: id, Events: make([]recentEvent, 0, len(recs))}
	for _, rec := range recs {
		out.Events = append(out.Events, recentEvent{Event: rec.Event, Source: rec.Source, ReceivedAt: rec.ReceivedAt.UTC()})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	d, ok := s.dispensers[r.PathValue("id")]
	if !ok {
		writeError(w, http.StatusNotFound, "unknown_dispenser", "no such dispenser in this process")
		return
	}
	st := d.Snapshot()

	if wantsProtobuf(r) {
		msg, err := statusToStruct(st)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal_error", "encode status")
			return
		}
		writeProto(w, http.StatusOK, msg)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type valveCloseResponse struct {
	DispenserID    string `json:"dispenser_id"`
	SessionClosing bool   `json:"session_closing"`
	ValveOpen      bool   `json:"valve_open"`
}

// handleValveClose ends the current session through the engine. The API
// never opens a valve.
func (s *Server) handleValveClose(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	d, ok := s.dispensers[id]
	if !ok {
		writeError(w, http.StatusNotFound, "unknown_dispenser", "no such dispenser in this process")
		return
	}
	closing := d.RequestClose(store.CloseManual)
	s.logger.Info("manual valve close", "dispenser_id", id, "session_open", closing)
	writeJSON(w, http.StatusOK, valveCloseResponse{
		DispenserID:    id,
		SessionClosing: closing,
		ValveOpen:      d.Snapshot().ValveOpen,
	})
}

// sourceOf labels ingested events with the caller's address.
func sourceOf(r *http.Request) string {
	if agent := r.Header.Get("X-Dispenser-Agent"); agent != "" {
		return agent
	}
	return "http:" + r.RemoteAddr
}
