// Package httpapi exposes runs over HTTP: submission and inspection as JSON,
// live events as SSE or WebSocket.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/aideator/aideator-sub000/internal/delivery"
	"github.com/aideator/aideator-sub000/internal/orchestrator"
	"github.com/aideator/aideator-sub000/pkg/model"
	"github.com/aideator/aideator-sub000/pkg/store"
)

// Runner starts and cancels runs.
type Runner interface {
	Submit(ctx context.Context, req orchestrator.Request) (*model.Run, error)
	Cancel(ctx context.Context, runID string) error
}

// Server is the aideator HTTP API.
type Server struct {
	runs     Runner
	store    store.RunStore
	hub      *delivery.Hub
	identity IdentityResolver
	log      *zap.Logger
	router   chi.Router
	webhooks map[string]http.Handler

	// WriteTimeout bounds a single WebSocket frame write.
	WriteTimeout time.Duration
}

// Option customises a Server.
type Option func(*Server)

// WithWebhook mounts h at POST /webhooks/{name}. Webhooks authenticate their
// own payloads and bypass identity resolution.
func WithWebhook(name string, h http.Handler) Option {
	return func(s *Server) {
		if s.webhooks == nil {
			s.webhooks = make(map[string]http.Handler)
		}
		s.webhooks[name] = h
	}
}

// New creates a Server.
func New(runs Runner, st store.RunStore, hub *delivery.Hub, identity IdentityResolver, log *zap.Logger, opts ...Option) *Server {
	s := &Server{
		runs:         runs,
		store:        st,
		hub:          hub,
		identity:     identity,
		log:          log.Named("http"),
		WriteTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.buildRouter()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.log))
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})

	for name, h := range s.webhooks {
		r.With(middleware.Timeout(30*time.Second)).Method(http.MethodPost, "/webhooks/"+name, h)
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(s.identify)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			r.Post("/runs", s.handleCreateRun)
			r.Get("/runs", s.handleListRuns)
			r.Get("/runs/{id}", s.handleGetRun)
			r.Post("/runs/{id}/cancel", s.handleCancelRun)
		})

		// Streams are long lived and stay outside the timeout group.
		r.Get("/runs/{id}/stream", s.handleSSE)
		r.Get("/runs/{id}/ws", s.handleWebSocket)

		r.Handle("/mcp", newMCPTools(s.runs, s.store, s.log).handler())
	})

	return r
}

// --- Request/Response types ---

type createRunRequest struct {
	Repo       string            `json:"repo"`
	Branch     string            `json:"branch,omitempty"`
	Prompt     string            `json:"prompt"`
	Variations int               `json:"variations"`
	Config     map[string]string `json:"config,omitempty"`
}

type createRunResponse struct {
	RunID     string          `json:"run_id"`
	Status    model.RunStatus `json:"status"`
	Branch    string          `json:"branch,omitempty"`
	StreamURL string          `json:"stream_url"`
	WSURL     string          `json:"ws_url"`
}

type runResponse struct {
	*model.Run
	VariationStates []*model.Variation `json:"variation_states"`
}

type errorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

const maxBodyBytes = 1 << 20

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	run, err := s.runs.Submit(r.Context(), orchestrator.Request{
		RequesterID: UserFrom(r.Context()),
		Repo:        req.Repo,
		Branch:      req.Branch,
		Prompt:      req.Prompt,
		Variations:  req.Variations,
		Config:      req.Config,
	})
	var verr *orchestrator.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: verr.Error(), Field: verr.Field})
		return
	case err != nil:
		s.log.Error("submitting run", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to start run")
		return
	}

	writeJSON(w, http.StatusAccepted, createRunResponse{
		RunID:     run.ID,
		Status:    run.Status,
		Branch:    run.Branch,
		StreamURL: "/api/runs/" + run.ID + "/stream",
		WSURL:     "/api/runs/" + run.ID + "/ws",
	})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, 500)
	}
	runs, err := s.store.ListRuns(r.Context(), limit)
	if err != nil {
		s.log.Error("listing runs", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	if runs == nil {
		runs = []*model.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, ok := s.lookupRun(w, r)
	if !ok {
		return
	}
	vars, err := s.store.ListVariations(r.Context(), run.ID)
	if err != nil {
		s.log.Error("listing variations", zap.String("run_id", run.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load variations")
		return
	}
	writeJSON(w, http.StatusOK, runResponse{Run: run, VariationStates: vars})
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := s.runs.Cancel(r.Context(), id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "run not found")
		return
	case err != nil:
		s.log.Error("cancelling run", zap.String("run_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to cancel run")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": id, "status": "cancelling"})
}

// lookupRun loads the {id} run, writing 404 when it does not exist.
func (s *Server) lookupRun(w http.ResponseWriter, r *http.Request) (*model.Run, bool) {
	id := chi.URLParam(r, "id")
	run, err := s.store.GetRun(r.Context(), id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "run not found")
		return nil, false
	case err != nil:
		s.log.Error("loading run", zap.String("run_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load run")
		return nil, false
	}
	return run, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
