// Package api exposes the orchestrator over HTTP: plan and group
// management, execution lifecycle, capacity reporting, and account
// validation.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/drwave/drwave/internal/capacity"
	"github.com/drwave/drwave/internal/core/domain"
	"github.com/drwave/drwave/internal/engine"
	"github.com/drwave/drwave/internal/infra/account"
	"github.com/drwave/drwave/internal/infra/storage"
)

// Deps are the API's collaborators.
type Deps struct {
	Engine     *engine.Engine
	Groups     storage.GroupRepository
	Plans      storage.PlanRepository
	Executions storage.ExecutionRepository
	Aggregator *capacity.Aggregator
	Accounts   []domain.Account
	Resolver   *account.Resolver
	Health     func(ctx context.Context) error
}

// Server serves the orchestrator HTTP API.
type Server struct {
	deps   Deps
	server *http.Server
	log    *slog.Logger
}

// NewServer builds the route table and wraps it in an http.Server.
func NewServer(deps Deps, port int) *Server {
	mux := http.NewServeMux()
	s := &Server{
		deps: deps,
		server: &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: mux,
		},
		log: slog.Default(),
	}

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("PUT /groups/{id}", s.handleSaveGroup)
	mux.HandleFunc("GET /groups/{id}", s.handleGetGroup)
	mux.HandleFunc("GET /groups", s.handleListGroups)

	mux.HandleFunc("PUT /plans/{id}", s.handleSavePlan)
	mux.HandleFunc("GET /plans/{id}", s.handleGetPlan)
	mux.HandleFunc("GET /plans", s.handleListPlans)

	mux.HandleFunc("POST /executions", s.handleSubmit)
	mux.HandleFunc("GET /executions", s.handleListExecutions)
	mux.HandleFunc("GET /executions/{id}", s.handleGetExecution)
	mux.HandleFunc("POST /executions/{id}/cancel", s.handleCancel)
	mux.HandleFunc("POST /executions/{id}/pause", s.handlePause)
	mux.HandleFunc("POST /executions/{id}/resume", s.handleResume)
	mux.HandleFunc("POST /executions/{id}/terminate", s.handleTerminateDrill)

	mux.HandleFunc("GET /capacity", s.handleCapacity)
	mux.HandleFunc("POST /accounts/validate", s.handleValidateAccount)

	return s
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	return s.server.ListenAndServe()
}

// Stop stops the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]string{"status": "healthy"}
	code := http.StatusOK
	if s.deps.Health != nil {
		if err := s.deps.Health(r.Context()); err != nil {
			status["status"] = "critical"
			status["error"] = err.Error()
			code = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, code, status)
}

func (s *Server) handleSaveGroup(w http.ResponseWriter, r *http.Request) {
	var g domain.ProtectionGroup
	if err := json.NewDecoder(r.Body).Decode(&g); err != nil {
		writeError(w, &domain.ValidationError{Field: "body", Reason: err.Error()})
		return
	}
	g.ID = r.PathValue("id")
	if err := g.Validate(); err != nil {
		writeError(w, err)
		return
	}
	if err := s.deps.Groups.Save(r.Context(), &g); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, &g)
}

func (s *Server) handleGetGroup(w http.ResponseWriter, r *http.Request) {
	g, err := s.deps.Groups.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (s *Server) handleListGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := s.deps.Groups.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, groups)
}

func (s *Server) handleSavePlan(w http.ResponseWriter, r *http.Request) {
	var p domain.RecoveryPlan
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, &domain.ValidationError{Field: "body", Reason: err.Error()})
		return
	}
	p.ID = r.PathValue("id")
	if err := p.Validate(); err != nil {
		writeError(w, err)
		return
	}
	if err := s.deps.Plans.Save(r.Context(), &p); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, &p)
}

func (s *Server) handleGetPlan(w http.ResponseWriter, r *http.Request) {
	p, err := s.deps.Plans.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleListPlans(w http.ResponseWriter, r *http.Request) {
	plans, err := s.deps.Plans.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, plans)
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req engine.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, &domain.ValidationError{Field: "body", Reason: err.Error()})
		return
	}
	e, err := s.deps.Engine.Submit(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, e)
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	var (
		execs []*domain.Execution
		err   error
	)
	if planID := r.URL.Query().Get("plan_id"); planID != "" {
		execs, err = s.deps.Executions.ListActiveByPlan(r.Context(), planID)
	} else {
		execs, err = s.deps.Executions.ListActive(r.Context())
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, execs)
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	realtime := r.URL.Query().Get("realtime") == "true"
	e, err := s.deps.Engine.GetStatus(r.Context(), r.PathValue("id"), realtime)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Engine.Cancel(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Engine.Pause(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "pausing"})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Engine.Resume(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "resumed"})
}

func (s *Server) handleTerminateDrill(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Engine.TerminateDrill(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "terminating"})
}

func (s *Server) handleCapacity(w http.ResponseWriter, r *http.Request) {
	accounts := s.deps.Accounts
	if id := r.URL.Query().Get("account"); id != "" {
		accounts = nil
		for _, a := range s.deps.Accounts {
			if a.ID == id {
				accounts = append(accounts, a)
			}
		}
		if len(accounts) == 0 {
			writeError(w, storage.ErrNotFound)
			return
		}
	}
	snapshots, err := s.deps.Aggregator.Aggregate(r.Context(), accounts)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshots)
}

func (s *Server) handleValidateAccount(w http.ResponseWriter, r *http.Request) {
	var acct domain.AccountContext
	if err := json.NewDecoder(r.Body).Decode(&acct); err != nil {
		writeError(w, &domain.ValidationError{Field: "body", Reason: err.Error()})
		return
	}
	result := s.deps.Resolver.Validate(r.Context(), acct)
	writeJSON(w, http.StatusOK, result)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// writeError maps domain errors to HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError

	var (
		validation *domain.ValidationError
		conflict   *domain.ConflictError
		timeout    *domain.CapacityTimeoutError
		auth       *domain.AuthorizationError
	)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, storage.ErrVersionConflict):
		code = http.StatusConflict
	case errors.As(err, &validation):
		code = http.StatusBadRequest
	case errors.As(err, &conflict):
		code = http.StatusConflict
	case errors.As(err, &timeout):
		code = http.StatusServiceUnavailable
	case errors.As(err, &auth):
		code = http.StatusForbidden
	}

	writeJSON(w, code, map[string]string{"error": err.Error()})
}
