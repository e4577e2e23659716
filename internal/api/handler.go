// Package api exposes the workflow engine over REST.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/nidhogg/flowline/internal/engine"
	"github.com/nidhogg/flowline/internal/invoke"
	"github.com/nidhogg/flowline/internal/store"
	"github.com/nidhogg/flowline/internal/workflow"
	"go.uber.org/zap"
)

// Ledger is the budget surface the API exposes.
type Ledger interface {
	Balance(ctx context.Context) (float64, error)
	Deposit(ctx context.Context, amount float64) (float64, error)
}

// Handler holds dependencies for HTTP handlers. The store is optional;
// without it workflows live only in memory.
type Handler struct {
	registry *invoke.Registry
	runner   *engine.Runner
	db       *store.Store
	ledger   Ledger
	logger   *zap.Logger

	workflows map[string]*workflow.Spec
	wfMu      sync.RWMutex
}

// NewHandler creates a new API handler.
func NewHandler(registry *invoke.Registry, runner *engine.Runner, db *store.Store, logger *zap.Logger) *Handler {
	return &Handler{
		registry:  registry,
		runner:    runner,
		db:        db,
		logger:    logger,
		workflows: make(map[string]*workflow.Spec),
	}
}

// SetLedger attaches the budget surface. Optional.
func (h *Handler) SetLedger(l Ledger) { h.ledger = l }

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)

		r.Get("/agents", h.listAgents)
		r.Post("/agents", h.registerAgent)
		r.Get("/agents/{ref}", h.getAgent)
		r.Delete("/agents/{ref}", h.removeAgent)

		r.Get("/workflows", h.listWorkflows)
		r.Post("/workflows", h.createWorkflow)
		r.Post("/workflows/validate", h.validateWorkflow)
		r.Get("/workflows/{id}", h.getWorkflow)
		r.Delete("/workflows/{id}", h.deleteWorkflow)

		r.Post("/workflows/{id}/runs", h.startRun)
		r.Get("/workflows/{id}/runs", h.listRuns)
		r.Get("/runs/{runID}", h.runProgress)
		r.Get("/runs/{runID}/record", h.runRecord)
		r.Post("/runs/{runID}/cancel", h.cancelRun)

		r.Get("/budget", h.budgetBalance)
		r.Post("/budget/deposit", h.budgetDeposit)
	})

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "flowline"})
}

func (h *Handler) listAgents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.registry.List())
}

func (h *Handler) registerAgent(w http.ResponseWriter, r *http.Request) {
	var d invoke.Descriptor
	if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if d.Ref == "" || d.Endpoint == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "ref and endpoint are required"})
		return
	}
	h.registry.Register(&d)
	if h.db != nil {
		if err := h.db.SaveAgent(r.Context(), &d); err != nil {
			h.logger.Warn("agent persistence failed", zap.String("ref", d.Ref), zap.Error(err))
		}
	}
	writeJSON(w, http.StatusCreated, d)
}

func (h *Handler) getAgent(w http.ResponseWriter, r *http.Request) {
	ref := chi.URLParam(r, "ref")
	d, ok := h.registry.Resolve(ref)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "agent not found"})
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (h *Handler) removeAgent(w http.ResponseWriter, r *http.Request) {
	ref := chi.URLParam(r, "ref")
	if !h.registry.Remove(ref) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "agent not found"})
		return
	}
	if h.db != nil {
		if err := h.db.DeleteAgent(r.Context(), ref); err != nil && !errors.Is(err, store.ErrNotFound) {
			h.logger.Warn("agent delete persistence failed", zap.String("ref", ref), zap.Error(err))
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

func (h *Handler) createWorkflow(w http.ResponseWriter, r *http.Request) {
	var spec workflow.Spec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	spec.Normalize()
	if res := workflow.Validate(&spec); !res.Valid {
		writeJSON(w, http.StatusUnprocessableEntity, res)
		return
	}
	if spec.ID == "" {
		spec.ID = spec.Name
	}

	h.wfMu.Lock()
	h.workflows[spec.ID] = &spec
	h.wfMu.Unlock()

	if h.db != nil {
		if err := h.db.SaveWorkflow(r.Context(), &spec); err != nil {
			h.logger.Warn("workflow persistence failed", zap.String("workflow", spec.ID), zap.Error(err))
		}
	}
	writeJSON(w, http.StatusCreated, spec)
}

func (h *Handler) validateWorkflow(w http.ResponseWriter, r *http.Request) {
	var spec workflow.Spec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	spec.Normalize()
	writeJSON(w, http.StatusOK, workflow.Validate(&spec))
}

func (h *Handler) listWorkflows(w http.ResponseWriter, r *http.Request) {
	h.wfMu.RLock()
	specs := make([]*workflow.Spec, 0, len(h.workflows))
	for _, s := range h.workflows {
		specs = append(specs, s)
	}
	h.wfMu.RUnlock()
	writeJSON(w, http.StatusOK, specs)
}

func (h *Handler) getWorkflow(w http.ResponseWriter, r *http.Request) {
	spec, ok := h.lookupWorkflow(r, chi.URLParam(r, "id"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "workflow not found"})
		return
	}
	writeJSON(w, http.StatusOK, spec)
}

func (h *Handler) deleteWorkflow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	h.wfMu.Lock()
	_, ok := h.workflows[id]
	delete(h.workflows, id)
	h.wfMu.Unlock()

	if h.db != nil {
		if err := h.db.DeleteWorkflow(r.Context(), id); err == nil {
			ok = true
		} else if !errors.Is(err, store.ErrNotFound) {
			h.logger.Warn("workflow delete persistence failed", zap.String("workflow", id), zap.Error(err))
		}
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "workflow not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

type startRunRequest struct {
	Inputs map[string]any `json:"inputs"`
}

func (h *Handler) startRun(w http.ResponseWriter, r *http.Request) {
	spec, ok := h.lookupWorkflow(r, chi.URLParam(r, "id"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "workflow not found"})
		return
	}

	var req startRunRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
	}

	run, err := h.runner.Start(r.Context(), spec, req.Inputs)
	if err != nil {
		var serr *engine.StructuralError
		if errors.As(err, &serr) {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"errors": serr.Errors})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, run)
}

func (h *Handler) runProgress(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	p, ok := h.runner.Progress(runID)
	if ok {
		writeJSON(w, http.StatusOK, p)
		return
	}
	if h.db != nil {
		if run, err := h.db.GetRun(r.Context(), runID); err == nil {
			writeJSON(w, http.StatusOK, &engine.Progress{
				RunID:   run.ID,
				Status:  run.Status,
				Outputs: run.Outputs,
				Cost:    run.Cost,
				Error:   run.Error,
			})
			return
		}
	}
	writeJSON(w, http.StatusNotFound, map[string]string{"error": "run not found"})
}

func (h *Handler) runRecord(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	if run, ok := h.runner.Get(runID); ok {
		writeJSON(w, http.StatusOK, run)
		return
	}
	if h.db != nil {
		if run, err := h.db.GetRun(r.Context(), runID); err == nil {
			writeJSON(w, http.StatusOK, run)
			return
		}
	}
	writeJSON(w, http.StatusNotFound, map[string]string{"error": "run not found"})
}

func (h *Handler) cancelRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	if err := h.runner.Cancel(runID); err != nil {
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelling"})
}

func (h *Handler) listRuns(w http.ResponseWriter, r *http.Request) {
	if h.db == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "run history requires persistence"})
		return
	}
	runs, err := h.db.ListRuns(r.Context(), chi.URLParam(r, "id"), 50)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (h *Handler) budgetBalance(w http.ResponseWriter, r *http.Request) {
	if h.ledger == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "budget not configured"})
		return
	}
	balance, err := h.ledger.Balance(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]float64{"balance": balance})
}

type depositRequest struct {
	Amount float64 `json:"amount"`
}

func (h *Handler) budgetDeposit(w http.ResponseWriter, r *http.Request) {
	if h.ledger == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "budget not configured"})
		return
	}
	var req depositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.Amount <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "amount must be positive"})
		return
	}
	balance, err := h.ledger.Deposit(r.Context(), req.Amount)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]float64{"balance": balance})
}

// lookupWorkflow checks the in-memory set first, then persistence.
func (h *Handler) lookupWorkflow(r *http.Request, id string) (*workflow.Spec, bool) {
	h.wfMu.RLock()
	spec, ok := h.workflows[id]
	h.wfMu.RUnlock()
	if ok {
		return spec, true
	}
	if h.db == nil {
		return nil, false
	}
	spec, err := h.db.GetWorkflow(r.Context(), id)
	if err != nil {
		return nil, false
	}
	h.wfMu.Lock()
	h.workflows[id] = spec
	h.wfMu.Unlock()
	return spec, true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
