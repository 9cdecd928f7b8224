// Package api provides the HTTP control API of a running namespace.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/artpar/stackd/internal/core/domain"
	"github.com/artpar/stackd/internal/shell/api/middleware"
	"github.com/artpar/stackd/internal/shell/store"
	"github.com/artpar/stackd/internal/shell/supervisor"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// =============================================================================
// Interfaces
// =============================================================================

// Controller is the namespace the API operates on.
// *orchestrator.Orchestrator implements it.
type Controller interface {
	Statuses() []supervisor.Status
	Status(name string) (supervisor.Status, error)
	Reload(name string) error
	Stop(ctx context.Context, name string) error
}

// =============================================================================
// Handler
// =============================================================================

// Config contains the handler's collaborators.
type Config struct {
	Controller Controller
	Store      store.Store         // optional; enables the events route
	RunID      func() string       // current run for the events route
	Gatherer   prometheus.Gatherer // optional; enables /metrics
	Instance   string
	Profile    string
	Token      string // guards the mutating routes when set
	Logger     *slog.Logger
}

// Handler provides HTTP handlers for the API.
type Handler struct {
	ctrl     Controller
	store    store.Store
	runID    func() string
	gatherer prometheus.Gatherer
	instance string
	profile  string
	token    string
	logger   *slog.Logger
}

// NewHandler creates a new API handler.
func NewHandler(cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	runID := cfg.RunID
	if runID == nil {
		runID = func() string { return "" }
	}
	return &Handler{
		ctrl:     cfg.Controller,
		store:    cfg.Store,
		runID:    runID,
		gatherer: cfg.Gatherer,
		instance: cfg.Instance,
		profile:  cfg.Profile,
		token:    cfg.Token,
		logger:   logger.With("component", "api"),
	}
}

// Routes returns the router with all routes configured.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(h.requestIDHeader)

	r.Get("/health", h.handleHealth)
	if h.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1/services", func(r chi.Router) {
		r.Use(h.jsonContentType)
		r.Get("/", h.handleListServices)
		r.Get("/{name}", h.handleGetService)
		r.Get("/{name}/events", h.handleListEvents)

		r.Group(func(r chi.Router) {
			r.Use(middleware.NewTokenMiddleware(middleware.TokenConfig{
				Token:  h.token,
				Logger: h.logger,
			}).Handler)
			r.Post("/{name}/reload", h.handleReloadService)
			r.Post("/{name}/stop", h.handleStopService)
		})
	})

	return r
}

// =============================================================================
// Middleware
// =============================================================================

// jsonContentType sets Content-Type header to application/json.
func (h *Handler) jsonContentType(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// requestIDHeader copies the request ID to the response header.
func (h *Handler) requestIDHeader(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if reqID := chimw.GetReqID(r.Context()); reqID != "" {
			w.Header().Set("X-Request-ID", reqID)
		}
		next.ServeHTTP(w, r)
	})
}

// =============================================================================
// Health Handlers
// =============================================================================

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	h.writeJSON(w, http.StatusOK, HealthResponse{Status: "healthy"})
}

// =============================================================================
// Service Handlers
// =============================================================================

func (h *Handler) handleListServices(w http.ResponseWriter, r *http.Request) {
	statuses := h.ctrl.Statuses()
	resp := ServiceListResponse{
		Instance: h.instance,
		Profile:  h.profile,
		Services: make([]ServiceResponse, 0, len(statuses)),
	}
	for _, s := range statuses {
		resp.Services = append(resp.Services, toServiceResponse(s))
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleGetService(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	status, err := h.ctrl.Status(name)
	if err != nil {
		h.writeServiceError(w, name, "get", err)
		return
	}
	h.writeJSON(w, http.StatusOK, toServiceResponse(status))
}

func (h *Handler) handleListEvents(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	if _, err := h.ctrl.Status(name); err != nil {
		h.writeServiceError(w, name, "events", err)
		return
	}
	runID := h.runID()
	if h.store == nil || runID == "" {
		h.writeError(w, http.StatusNotFound, "no run history recorded", "history_unavailable")
		return
	}

	opts := store.DefaultListOptions()
	opts.Service = name
	if limit := r.URL.Query().Get("limit"); limit != "" {
		if l, err := strconv.Atoi(limit); err == nil {
			opts.Limit = l
		}
	}
	if offset := r.URL.Query().Get("offset"); offset != "" {
		if o, err := strconv.Atoi(offset); err == nil {
			opts.Offset = o
		}
	}

	events, err := h.store.ListEvents(r.Context(), runID, opts)
	if err != nil {
		h.logger.Error("failed to list events", "service", name, "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to list events", "internal_error")
		return
	}
	h.writeJSON(w, http.StatusOK, EventListResponse{RunID: runID, Events: events})
}

func (h *Handler) handleReloadService(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	if err := h.ctrl.Reload(name); err != nil {
		h.writeServiceError(w, name, "reload", err)
		return
	}
	h.writeAction(w, name, "reload")
}

func (h *Handler) handleStopService(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	if err := h.ctrl.Stop(r.Context(), name); err != nil {
		h.writeServiceError(w, name, "stop", err)
		return
	}
	h.writeAction(w, name, "stop")
}

// =============================================================================
// Helpers
// =============================================================================

func (h *Handler) writeAction(w http.ResponseWriter, name, action string) {
	resp := ActionResponse{Service: name, Action: action}
	if status, err := h.ctrl.Status(name); err == nil {
		resp.State = status.State
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// writeServiceError maps controller errors onto HTTP statuses.
func (h *Handler) writeServiceError(w http.ResponseWriter, name, op string, err error) {
	switch {
	case errors.Is(err, domain.ErrServiceNotFound):
		h.writeError(w, http.StatusNotFound, "service not found", "service_not_found")
	case errors.Is(err, domain.ErrInvalidTransition):
		h.writeError(w, http.StatusConflict, err.Error(), "invalid_state")
	case errors.Is(err, domain.ErrProcessGone):
		h.writeError(w, http.StatusConflict, err.Error(), "process_gone")
	default:
		h.logger.Error("service operation failed", "service", name, "op", op, "error", err)
		h.writeError(w, http.StatusInternalServerError, err.Error(), "internal_error")
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode JSON", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message, code string) {
	h.writeJSON(w, status, ErrorResponse{
		Error: message,
		Code:  code,
	})
}
