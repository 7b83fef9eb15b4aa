// Package api exposes the HTTP interface for the scrape relay.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-relay/internal/auth"
	"github.com/JakeFAU/scrape-relay/internal/config"
	"github.com/JakeFAU/scrape-relay/internal/metrics"
	"github.com/JakeFAU/scrape-relay/internal/scrape"
	"github.com/JakeFAU/scrape-relay/internal/telemetry"
)

// TaskService is the scrape orchestration surface the handlers drive.
type TaskService interface {
	RequestScrape(ctx context.Context, ownerID, rawURL string, forceRefresh bool) (scrape.Submission, error)
	RequestScrapeAndWait(ctx context.Context, ownerID, rawURL string, forceRefresh bool) (scrape.FetchOutcome, error)
	ClaimNext(ctx context.Context, ownerID string) (*scrape.TaskView, error)
	Report(ctx context.Context, ownerID, taskID string, in scrape.ReportInput) (scrape.TaskView, error)
	Get(ctx context.Context, ownerID, taskID string) (scrape.TaskView, error)
	List(ctx context.Context, ownerID string, filter scrape.ListFilter) ([]scrape.TaskView, error)
	Delete(ctx context.Context, ownerID, taskID string) error
	Wait(ctx context.Context, ownerID, taskID string, timeout time.Duration) (scrape.TaskView, error)
}

// ReadinessCheck reports whether downstream dependencies can serve traffic.
type ReadinessCheck func(ctx context.Context) error

const maxListLimit = 500

// Server wires HTTP handlers to the scrape service and the WebSocket handler.
type Server struct {
	router   chi.Router
	service  TaskService
	ready    ReadinessCheck
	cfg      config.Config
	validate *validator.Validate
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes. wsHandler and
// ready may be nil.
func NewServer(
	service TaskService,
	wsHandler http.Handler,
	ready ReadinessCheck,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		service:  service,
		ready:    ready,
		cfg:      cfg,
		validate: newValidator(),
		logger:   logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(traceContextMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(auth.RequireAPIKey(cfg.Auth.APIKey))
		}
		r.Use(auth.RequireOwner)

		if wsHandler != nil {
			r.Method(http.MethodGet, "/ws", wsHandler)
		}
		r.Route("/scrape", func(r chi.Router) {
			// Long-running routes carry their own bounds.
			r.Post("/fetch", s.fetch)
			r.Get("/tasks/{task_id}/wait", s.waitTask)

			r.Group(func(r chi.Router) {
				r.Use(timeoutMiddleware(cfg.Server.RequestTimeout))
				r.Post("/tasks", s.createTask)
				r.Get("/tasks", s.getTasks)
				r.Get("/tasks/{task_id}", s.getTask)
				r.Put("/tasks/{task_id}", s.reportTask)
				r.Delete("/tasks/{task_id}", s.deleteTask)
			})
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "not ready")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type createTaskRequest struct {
	URL string `json:"url" validate:"required,max=4096"`
}

type reportTaskRequest struct {
	Status       string `json:"status" validate:"required,oneof=completed failed"`
	Result       string `json:"result"`
	HTML         string `json:"html"`
	ErrorMessage string `json:"errorMessage" validate:"max=4096"`
}

type fetchRequest struct {
	URL          string `json:"url" validate:"required,max=4096"`
	ForceRefresh bool   `json:"forceRefresh"`
}

type claimResponse struct {
	Task *scrape.TaskView `json:"task"`
}

type listResponse struct {
	Tasks []scrape.TaskView `json:"tasks"`
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if !s.decode(w, r, &req) {
		return
	}
	force, err := parseBoolParam(r, "forceRefresh")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	sub, err := s.service.RequestScrape(r.Context(), auth.OwnerFromContext(r.Context()), req.URL, force)
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	status := http.StatusOK
	if sub.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, sub.Task)
}

// getTasks claims the next pending task when claim=true, otherwise lists.
func (s *Server) getTasks(w http.ResponseWriter, r *http.Request) {
	owner := auth.OwnerFromContext(r.Context())
	claim, err := parseBoolParam(r, "claim")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if claim {
		view, err := s.service.ClaimNext(r.Context(), owner)
		if err != nil {
			s.handleError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, claimResponse{Task: view})
		return
	}

	filter, err := parseListFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	views, err := s.service.List(r.Context(), owner, filter)
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse{Tasks: views})
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	view, err := s.service.Get(r.Context(), auth.OwnerFromContext(r.Context()), chi.URLParam(r, "task_id"))
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) reportTask(w http.ResponseWriter, r *http.Request) {
	var req reportTaskRequest
	if !s.decode(w, r, &req) {
		return
	}
	view, err := s.service.Report(r.Context(), auth.OwnerFromContext(r.Context()), chi.URLParam(r, "task_id"),
		scrape.ReportInput{
			Status:       scrape.Status(req.Status),
			Result:       req.Result,
			HTML:         req.HTML,
			ErrorMessage: req.ErrorMessage,
		})
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) deleteTask(w http.ResponseWriter, r *http.Request) {
	if err := s.service.Delete(r.Context(), auth.OwnerFromContext(r.Context()), chi.URLParam(r, "task_id")); err != nil {
		s.handleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) waitTask(w http.ResponseWriter, r *http.Request) {
	timeout, err := s.waitTimeout(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	view, err := s.service.Wait(r.Context(), auth.OwnerFromContext(r.Context()), chi.URLParam(r, "task_id"), timeout)
	if errors.Is(err, scrape.ErrTaskWaitTimeout) {
		writeJSON(w, http.StatusRequestTimeout, view)
		return
	}
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) fetch(w http.ResponseWriter, r *http.Request) {
	var req fetchRequest
	if !s.decode(w, r, &req) {
		return
	}
	outcome, err := s.service.RequestScrapeAndWait(r.Context(), auth.OwnerFromContext(r.Context()), req.URL, req.ForceRefresh)
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

// waitTimeout reads timeout_ms, defaulting and capping it by configuration.
func (s *Server) waitTimeout(r *http.Request) (time.Duration, error) {
	limit := s.cfg.Scrape.MaxWait
	timeout := s.cfg.Scrape.DefaultWaitTimeout
	if raw := r.URL.Query().Get("timeout_ms"); raw != "" {
		ms, err := strconv.Atoi(raw)
		if err != nil || ms <= 0 {
			return 0, errors.New("timeout_ms must be a positive integer")
		}
		timeout = time.Duration(ms) * time.Millisecond
	}
	if timeout <= 0 {
		timeout = limit
	}
	if limit > 0 && timeout > limit {
		timeout = limit
	}
	return timeout, nil
}

// handleError maps service errors onto HTTP statuses.
func (s *Server) handleError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, scrape.ErrTaskNotFound):
		writeError(w, http.StatusNotFound, "task not found")
	case scrape.IsValidation(err):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, context.Canceled):
		// Client went away; nothing useful can be written.
		s.logger.Debug("request canceled", zap.String("path", r.URL.Path))
	default:
		s.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("request_id", requestIDFrom(r.Context())),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

// decode reads a JSON body into dst and validates it. It writes a 400 and
// returns false on failure.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if s.cfg.Server.MaxBodyBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.cfg.Server.MaxBodyBytes)
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return false
	}
	return true
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "invalid request"
	}
	fe := verrs[0]
	switch fe.Tag() {
	case "required":
		return fe.Field() + " is required"
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", fe.Field(), strings.ReplaceAll(fe.Param(), " ", ", "))
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", fe.Field(), fe.Param())
	default:
		return fe.Field() + " is invalid"
	}
}

func parseBoolParam(r *http.Request, name string) (bool, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("%s must be a boolean", name)
	}
	return v, nil
}

func parseListFilter(r *http.Request) (scrape.ListFilter, error) {
	var filter scrape.ListFilter
	q := r.URL.Query()
	if raw := q.Get("status"); raw != "" {
		status := scrape.Status(raw)
		if !status.Valid() {
			return filter, fmt.Errorf("unknown status %q", raw)
		}
		filter.Status = &status
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			return filter, errors.New("limit must be a positive integer")
		}
		filter.Limit = min(limit, maxListLimit)
	}
	return filter, nil
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// traceContextMiddleware adopts the caller's W3C trace context so events
// published while serving the request carry it.
func traceContextMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r.WithContext(telemetry.ExtractHeaders(r.Context(), r.Header)))
	})
}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
				zap.String("request_id", requestIDFrom(r.Context())),
				zap.String("trace_id", telemetry.TraceID(r.Context())),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					if rec == http.ErrAbortHandler {
						panic(rec)
					}
					logger.Error("panic recovered",
						zap.Any("error", rec),
						zap.String("path", r.URL.Path),
						zap.Stack("stack"),
					)
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if d <= 0 {
			return next
		}
		return http.TimeoutHandler(next, d, `{"error":"request timed out"}`)
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		rw.status = http.StatusSwitchingProtocols
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
