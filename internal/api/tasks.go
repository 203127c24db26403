package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/Glacestorm/automation-engine/pkg/types"
)

// CreateTaskRequest is the request body for submitting a task.
type CreateTaskRequest struct {
	Name           string             `json:"task_name"`
	Type           types.TaskType     `json:"type,omitempty"`
	Queue          string             `json:"queue_name,omitempty"`
	Priority       types.TaskPriority `json:"priority,omitempty"`
	Dependencies   []string           `json:"dependencies,omitempty"`
	MaxRetries     *int               `json:"max_retries,omitempty"`
	TimeoutMs      int64              `json:"timeout_ms,omitempty"`
	InputData      map[string]any     `json:"input_data,omitempty"`
	Tags           map[string]string  `json:"tags,omitempty"`
	IdempotencyKey string             `json:"idempotency_key,omitempty"`
}

// CreateTask handles POST /api/v1/tasks
//
// A repeated idempotency key returns the existing task with 200
// instead of creating a duplicate.
func (h *Handlers) CreateTask(w http.ResponseWriter, r *http.Request) {
	var req CreateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, r, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.Name == "" {
		h.respondError(w, r, http.StatusBadRequest, "task_name is required", nil)
		return
	}
	if req.Priority != "" && !req.Priority.Valid() {
		h.respondError(w, r, http.StatusBadRequest, "unknown priority", nil)
		return
	}

	task := &types.OrchestratedTask{
		Name:           req.Name,
		Type:           req.Type,
		Queue:          req.Queue,
		Priority:       req.Priority,
		Dependencies:   req.Dependencies,
		Timeout:        time.Duration(req.TimeoutMs) * time.Millisecond,
		InputData:      req.InputData,
		Tags:           req.Tags,
		IdempotencyKey: req.IdempotencyKey,
	}
	if req.MaxRetries != nil {
		task.MaxRetries = *req.MaxRetries
	}

	created, err := h.tasks.CreateTask(r.Context(), task)
	if err != nil {
		h.respondDomainError(w, r, "failed to create task", err)
		return
	}

	// A dedupe hit returns the original task, not the one we built.
	status := http.StatusCreated
	if created != task {
		status = http.StatusOK
	}
	h.respondJSON(w, status, created)
}

// GetTask handles GET /api/v1/tasks/{id}
func (h *Handlers) GetTask(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	task, err := h.store.GetTask(r.Context(), id)
	if err != nil {
		h.respondDomainError(w, r, "failed to get task", err)
		return
	}
	h.respondJSON(w, http.StatusOK, task)
}

// CancelTask handles POST /api/v1/tasks/{id}/cancel
func (h *Handlers) CancelTask(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	task, err := h.tasks.CancelTask(r.Context(), id)
	if err != nil {
		h.respondDomainError(w, r, "failed to cancel task", err)
		return
	}
	h.respondJSON(w, http.StatusOK, task)
}

// RetryTask handles POST /api/v1/tasks/{id}/retry
func (h *Handlers) RetryTask(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	task, err := h.tasks.RetryTask(r.Context(), id)
	if err != nil {
		h.respondDomainError(w, r, "failed to retry task", err)
		return
	}
	h.respondJSON(w, http.StatusOK, task)
}

// PrioritizeRequest sets a task's new priority.
type PrioritizeRequest struct {
	Priority types.TaskPriority `json:"priority"`
}

// PrioritizeTask handles POST /api/v1/tasks/{id}/priority
func (h *Handlers) PrioritizeTask(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req PrioritizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, r, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if !req.Priority.Valid() {
		h.respondError(w, r, http.StatusBadRequest, "unknown priority", nil)
		return
	}

	task, err := h.tasks.Prioritize(r.Context(), id, req.Priority)
	if err != nil {
		h.respondDomainError(w, r, "failed to set priority", err)
		return
	}
	h.respondJSON(w, http.StatusOK, task)
}

// ListQueues handles GET /api/v1/queues
func (h *Handlers) ListQueues(w http.ResponseWriter, r *http.Request) {
	stats, err := h.tasks.QueueStats(r.Context())
	if err != nil {
		h.respondError(w, r, http.StatusInternalServerError, "failed to collect queue stats", err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]any{"queues": stats})
}
