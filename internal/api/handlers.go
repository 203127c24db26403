package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/Glacestorm/automation-engine/internal/config"
	"github.com/Glacestorm/automation-engine/internal/definition"
	"github.com/Glacestorm/automation-engine/internal/engine"
	"github.com/Glacestorm/automation-engine/internal/events"
	"github.com/Glacestorm/automation-engine/internal/orchestrator"
	"github.com/Glacestorm/automation-engine/internal/scheduler"
	"github.com/Glacestorm/automation-engine/internal/store"
	"github.com/Glacestorm/automation-engine/pkg/types"
)

// Handlers contains all HTTP handlers and their dependencies.
type Handlers struct {
	store     store.Store
	engine    *engine.Engine
	tasks     *orchestrator.Orchestrator
	events    *events.Processor
	scheduler *scheduler.Service
	config    *config.Config
	logger    *slog.Logger

	// defSchema checks raw definition documents before decoding, so
	// shape errors carry JSON paths. Nil disables the pre-check.
	defSchema *definition.SchemaValidator
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(st store.Store, eng *engine.Engine, tasks *orchestrator.Orchestrator, proc *events.Processor, sched *scheduler.Service, cfg *config.Config, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	defSchema, err := definition.NewSchemaValidator()
	if err != nil {
		logger.Error("failed to compile definition schema", "error", err)
	}
	return &Handlers{
		store:     st,
		engine:    eng,
		tasks:     tasks,
		events:    proc,
		scheduler: sched,
		config:    cfg,
		logger:    logger,
		defSchema: defSchema,
	}
}

// --- Health Endpoints ---

// Health handles the /health and /healthz endpoints.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// Ready handles the /ready endpoint, checking dependencies.
func (h *Handlers) Ready(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	info, err := h.store.AdapterInfo(ctx)
	if err != nil {
		h.respondError(w, r, http.StatusServiceUnavailable, "store unhealthy", err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]any{
		"status": "ready",
		"store":  info,
	})
}

// --- Store Diagnostics ---

// StoreInfo handles GET /api/v1/store/info
func (h *Handlers) StoreInfo(w http.ResponseWriter, r *http.Request) {
	info, err := h.store.AdapterInfo(r.Context())
	if err != nil {
		h.respondError(w, r, http.StatusInternalServerError, "failed to get store info", err)
		return
	}
	h.respondJSON(w, http.StatusOK, info)
}

// StoreSelfCheck handles GET /api/v1/store/selfcheck
//
// Round-trips a throwaway execution through the store: create, append
// a log entry, read the log back, delete.
func (h *Handlers) StoreSelfCheck(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	start := time.Now()

	started := start.UTC()
	exec := &types.WorkflowExecution{
		ID:           "_selfcheck-" + started.Format("20060102150405.000000000"),
		DefinitionID: "_selfcheck",
		Status:       types.ExecutionStatusCompleted,
		StartedAt:    &started,
	}
	if err := h.store.CreateExecution(ctx, exec); err != nil {
		h.respondError(w, r, http.StatusInternalServerError, "selfcheck failed: create", err)
		return
	}
	defer h.store.DeleteExecution(ctx, exec.ID)

	if _, err := h.store.AppendExecutionLog(ctx, exec.ID, &types.ExecutionLogEntry{
		NodeID:    "selfcheck",
		Status:    "completed",
		Timestamp: time.Now().UTC(),
		Message:   "selfcheck",
	}); err != nil {
		h.respondError(w, r, http.StatusInternalServerError, "selfcheck failed: append", err)
		return
	}

	entries, err := h.store.GetExecutionLog(ctx, exec.ID, 0)
	if err != nil {
		h.respondError(w, r, http.StatusInternalServerError, "selfcheck failed: read", err)
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"latency_ms":  time.Since(start).Milliseconds(),
		"entry_count": len(entries),
	})
}

// --- Helper Methods ---

func (h *Handlers) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

// intQuery parses a query parameter, falling back on empty or garbage.
func intQuery(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
