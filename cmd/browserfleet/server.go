package main

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/odvcencio/browserfleet/pkg/browser"
	"github.com/odvcencio/browserfleet/pkg/driver"
	fleeterrors "github.com/odvcencio/browserfleet/pkg/errors"
	"github.com/odvcencio/browserfleet/pkg/logging"
	"github.com/odvcencio/browserfleet/pkg/session"
)

const (
	headerRequestID = "X-Request-ID"
	maxBodyBytes    = 64 << 10
)

type server struct {
	mgr *session.Manager
	log logrus.FieldLogger
}

type driversResponse struct {
	Version   uint64             `json:"version"`
	Endpoints []browser.Endpoint `json:"endpoints"`
	Processes []driver.Process   `json:"processes"`
}

type sessionResponse struct {
	ID              string         `json:"id"`
	Family          browser.Family `json:"family"`
	Endpoint        string         `json:"endpoint"`
	ProtocolSession string         `json:"protocol_session"`
}

// newRouter builds the ops HTTP surface: metrics, driver administration and
// session listing.
func newRouter(mgr *session.Manager, gatherer prometheus.Gatherer, log logrus.FieldLogger) http.Handler {
	s := &server{mgr: mgr, log: logging.For(log, logging.ComponentHTTP)}

	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(s.accessLog)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Route("/drivers", func(r chi.Router) {
		r.Get("/", s.handleDrivers)
		r.Post("/refresh", s.handleRefresh)
		r.Post("/{family}/start", s.handleStartDriver)
		r.Post("/{family}/stop", s.handleStopDriver)
	})
	r.Route("/sessions", func(r chi.Router) {
		r.Get("/", s.handleListSessions)
		r.Post("/", s.handleCreateSession)
		r.Delete("/{sessionID}", s.handleEndSession)
	})
	r.Get("/pool", s.handlePool)
	return r
}

func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(headerRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(headerRequestID, id)
		next.ServeHTTP(w, r)
	})
}

func (s *server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.WithFields(logrus.Fields{
			"request_id": ww.Header().Get(headerRequestID),
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     ww.Status(),
			"duration":   time.Since(start).String(),
		}).Debug("request")
	})
}

func (s *server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	snap := s.mgr.Drivers()
	status := http.StatusOK
	if len(snap.Endpoints) == 0 {
		status = http.StatusServiceUnavailable
	}
	respondStatus(w, status, map[string]any{"healthy_drivers": len(snap.Endpoints)})
}

func (s *server) handleDrivers(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, toDriversResponse(s.mgr.Drivers()))
}

func (s *server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, toDriversResponse(s.mgr.RefreshHealth(r.Context())))
}

func (s *server) handleStartDriver(w http.ResponseWriter, r *http.Request) {
	f, ok := s.family(w, r)
	if !ok {
		return
	}
	p, err := s.mgr.StartDriver(r.Context(), f)
	if err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, p)
}

func (s *server) handleStopDriver(w http.ResponseWriter, r *http.Request) {
	f, ok := s.family(w, r)
	if !ok {
		return
	}
	if err := s.mgr.StopDriver(r.Context(), f); err != nil {
		s.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, s.mgr.Sessions())
}

// handleCreateSession binds a session. The body is optional:
// {"id": "...", "family": "..."}; without an id one is generated from
// the family (or "session").
func (s *server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		s.respondError(w, fleeterrors.Wrap(err, fleeterrors.ErrCodeInvalidInput, "read request body"))
		return
	}
	if len(body) > 0 && !gjson.ValidBytes(body) {
		s.respondError(w, fleeterrors.New(fleeterrors.ErrCodeInvalidInput, "request body is not valid JSON"))
		return
	}
	id := gjson.GetBytes(body, "id").String()
	hint := gjson.GetBytes(body, "family").String()
	if id == "" {
		base := hint
		if base == "" || base == "auto" {
			base = "session"
		}
		id = session.GenerateSessionID(base)
	}

	h, err := s.mgr.GetOrCreate(r.Context(), id, hint)
	if err != nil {
		s.respondError(w, err)
		return
	}
	respondStatus(w, http.StatusCreated, sessionResponse{
		ID:              h.SessionID(),
		Family:          h.Family(),
		Endpoint:        h.Endpoint(),
		ProtocolSession: h.ProtocolSession(),
	})
}

func (s *server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	if err := s.mgr.End(r.Context(), chi.URLParam(r, "sessionID")); err != nil {
		s.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handlePool(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, s.mgr.PoolStats())
}

func (s *server) family(w http.ResponseWriter, r *http.Request) (browser.Family, bool) {
	f, err := browser.ParseFamily(chi.URLParam(r, "family"))
	if err != nil {
		s.respondError(w, fleeterrors.Wrap(err, fleeterrors.ErrCodeInvalidInput, "unknown browser family"))
		return 0, false
	}
	return f, true
}

func toDriversResponse(snap driver.Snapshot) driversResponse {
	resp := driversResponse{
		Version:   snap.Version,
		Endpoints: snap.Endpoints,
		Processes: snap.Processes,
	}
	if resp.Endpoints == nil {
		resp.Endpoints = []browser.Endpoint{}
	}
	if resp.Processes == nil {
		resp.Processes = []driver.Process{}
	}
	return resp
}

func respondJSON(w http.ResponseWriter, payload any) {
	respondStatus(w, http.StatusOK, payload)
}

func respondStatus(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(payload)
}

type errorResponse struct {
	Status      int            `json:"status"`
	Code        string         `json:"code"`
	Message     string         `json:"message"`
	UserMessage string         `json:"user_message,omitempty"`
	Context     map[string]any `json:"context,omitempty"`
	Remediation []string       `json:"remediation,omitempty"`
	Retryable   bool           `json:"retryable,omitempty"`
}

func (s *server) respondError(w http.ResponseWriter, err error) {
	resp := errorResponse{
		Status:  http.StatusInternalServerError,
		Code:    string(fleeterrors.ErrCodeInternal),
		Message: err.Error(),
	}
	if e, ok := fleeterrors.As(err); ok {
		resp.Status = statusForCode(e.Code)
		resp.Code = string(e.Code)
		resp.UserMessage = e.UserMessage
		resp.Context = e.Context
		resp.Remediation = e.Remediation
		resp.Retryable = e.Retryable
	}
	if resp.Status >= http.StatusInternalServerError {
		s.log.WithError(err).WithField("code", resp.Code).Warn("request failed")
	}
	respondStatus(w, resp.Status, resp)
}

func statusForCode(code fleeterrors.ErrorCode) int {
	switch code {
	case fleeterrors.ErrCodeInvalidInput:
		return http.StatusBadRequest
	case fleeterrors.ErrCodeSessionNotFound:
		return http.StatusNotFound
	case fleeterrors.ErrCodeNoHealthyDriver, fleeterrors.ErrCodeDriverStopping:
		return http.StatusServiceUnavailable
	case fleeterrors.ErrCodePoolExhausted, fleeterrors.ErrCodeAcquireTimeout:
		return http.StatusTooManyRequests
	case fleeterrors.ErrCodeStartTimeout:
		return http.StatusGatewayTimeout
	case fleeterrors.ErrCodeStartFailed, fleeterrors.ErrCodeBinaryNotFound, fleeterrors.ErrCodePortUnavailable,
		fleeterrors.ErrCodeCapabilityMismatch, fleeterrors.ErrCodeSessionCreation, fleeterrors.ErrCodeHealthCheck:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
