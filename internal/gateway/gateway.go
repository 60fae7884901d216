// Package gateway serves the administrative HTTP API: task CRUD and
// lifecycle calls, health, and a websocket stream of bus events.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/clawtasks/internal/audit"
	"github.com/basket/clawtasks/internal/bus"
	"github.com/basket/clawtasks/internal/otel"
	"github.com/basket/clawtasks/internal/shared"
	"github.com/basket/clawtasks/internal/tasks"
)

const (
	defaultMaxBodyBytes = 1 << 20
	traceHeader         = "X-Trace-Id"
)

type Config struct {
	Service *tasks.Service
	Bus     *bus.Bus
	Audit   *audit.Recorder
	Logger  *slog.Logger
	Tracer  trace.Tracer
	Metrics *otel.Metrics

	// AuthToken enables bearer authentication on every route except
	// /healthz. Empty leaves the API open.
	AuthToken string

	// AllowOrigins lists origin patterns accepted on /ws.
	AllowOrigins []string

	// RateLimit is the per-client request rate. Zero disables limiting.
	RateLimit float64
	RateBurst int

	MaxBodyBytes int64

	// Fingerprint reports the active config fingerprint for /healthz.
	Fingerprint func() string
}

type Server struct {
	cfg     Config
	logger  *slog.Logger
	tracer  trace.Tracer
	limiter *RateLimiter
	started time.Time
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(otel.TracerName)
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	s := &Server{
		cfg:     cfg,
		logger:  logger,
		tracer:  tracer,
		started: time.Now(),
	}
	if cfg.RateLimit > 0 {
		s.limiter = NewRateLimiter(cfg.RateLimit, cfg.RateBurst, cfg.Metrics)
	}
	return s
}

// Limiter exposes the per-client limiter so the daemon can run eviction.
// Nil when rate limiting is disabled.
func (s *Server) Limiter() *RateLimiter {
	return s.limiter
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /ws", s.handleWS)

	s.route(mux, "GET /api/tasks", s.handleListTasks)
	s.route(mux, "POST /api/tasks", s.handleCreateTask)
	s.route(mux, "DELETE /api/tasks", s.handleDeleteAll)
	s.route(mux, "POST /api/tasks/clear", s.handleClearCompleted)
	s.route(mux, "GET /api/tasks/{id}", s.handleGetTask)
	s.route(mux, "DELETE /api/tasks/{id}", s.handleDeleteTask)
	s.route(mux, "GET /api/tasks/{id}/history", s.handleHistory)
	s.route(mux, "POST /api/tasks/{id}/run", s.handleRun)
	s.route(mux, "POST /api/tasks/{id}/stop", s.handleStop)
	s.route(mux, "POST /api/tasks/{id}/resume", s.handleResume)
	s.route(mux, "POST /api/tasks/{id}/restart", s.handleRestart)

	var h http.Handler = mux
	if s.limiter != nil {
		h = s.limiter.Wrap(h)
	}
	h = AuthMiddleware(s.cfg.AuthToken, h)
	return h
}

// apiHandler returns the value to encode on success, or an error mapped to
// a status code by writeError.
type apiHandler func(w http.ResponseWriter, r *http.Request) (int, any, error)

func (s *Server) route(mux *http.ServeMux, pattern string, h apiHandler) {
	mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx, traceID := shared.EnsureTraceID(r.Context())
		ctx, span := otel.StartServerSpan(ctx, s.tracer, "http "+pattern, otel.AttrRoute.String(pattern))
		w.Header().Set(traceHeader, traceID)
		r = r.WithContext(ctx)
		r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)

		status, body, err := h(w, r)
		if err != nil {
			status = s.writeError(w, r, err)
		} else {
			writeJSON(w, status, body)
		}
		otel.EndSpan(span, err)
		s.cfg.Metrics.RecordRequest(ctx, pattern, time.Since(start))
		s.logger.Debug("api request", "route", pattern, "status", status,
			"duration_ms", time.Since(start).Milliseconds(), "trace_id", traceID)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	dbOK := true
	counts := map[string]int{}
	if c, err := s.cfg.Service.Counts(ctx); err != nil {
		dbOK = false
		s.logger.Warn("healthz: count tasks failed", "error", err)
	} else {
		for st, n := range c {
			counts[string(st)] = n
		}
	}
	fingerprint := ""
	if s.cfg.Fingerprint != nil {
		fingerprint = s.cfg.Fingerprint()
	}
	var dropped int64
	if s.cfg.Bus != nil {
		dropped = s.cfg.Bus.Dropped()
	}
	payload := map[string]any{
		"healthy":            dbOK,
		"db_ok":              dbOK,
		"tasks":              counts,
		"config_fingerprint": fingerprint,
		"uptime_seconds":     int64(time.Since(s.started).Seconds()),
		"audit_denials":      s.cfg.Audit.DenyCount(),
		"bus_dropped_events": dropped,
	}
	status := http.StatusOK
	if !dbOK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, payload)
}

// ErrorBody is the JSON shape of every non-2xx API response.
type ErrorBody struct {
	Error   string   `json:"error"`
	Field   string   `json:"field,omitempty"`
	Stage   string   `json:"stage,omitempty"`
	Reasons []string `json:"reasons,omitempty"`
}

// StatusFor maps the task service error taxonomy onto HTTP status codes.
func StatusFor(err error) int {
	var (
		verr  *tasks.ValidationError
		serr  *tasks.SecurityRejection
		mberr *http.MaxBytesError
	)
	switch {
	case errors.As(err, &verr), errors.As(err, &mberr):
		return http.StatusBadRequest
	case errors.As(err, &serr), errors.Is(err, tasks.ErrProtectedResource):
		return http.StatusForbidden
	case errors.Is(err, tasks.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, tasks.ErrAlreadyRunningOrPaused):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) int {
	status := StatusFor(err)
	body := ErrorBody{Error: err.Error()}
	var (
		verr *tasks.ValidationError
		serr *tasks.SecurityRejection
	)
	if errors.As(err, &verr) {
		body.Field = verr.Field
	}
	if errors.As(err, &serr) {
		body.Stage = serr.Stage
		body.Reasons = serr.Reasons
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("api request failed", "path", r.URL.Path, "error", err,
			"trace_id", shared.TraceID(r.Context()))
		body.Error = "internal error"
	}
	writeJSON(w, status, body)
	return status
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(v)
}
