package api

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
)

// ListExecutions handles GET /api/v1/executions?definition=
func (h *Handlers) ListExecutions(w http.ResponseWriter, r *http.Request) {
	definitionID := r.URL.Query().Get("definition")

	execs, err := h.store.ListExecutions(r.Context(), definitionID)
	if err != nil {
		h.respondError(w, r, http.StatusInternalServerError, "failed to list executions", err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]any{"executions": execs})
}

// GetExecution handles GET /api/v1/executions/{id}
func (h *Handlers) GetExecution(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	exec, err := h.store.GetExecution(r.Context(), id)
	if err != nil {
		h.respondDomainError(w, r, "failed to get execution", err)
		return
	}
	h.respondJSON(w, http.StatusOK, exec)
}

// CancelExecutionRequest carries the optional cancellation reason.
type CancelExecutionRequest struct {
	Reason string `json:"reason,omitempty"`
}

// CancelExecution handles POST /api/v1/executions/{id}/cancel
func (h *Handlers) CancelExecution(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req CancelExecutionRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.respondError(w, r, http.StatusBadRequest, "invalid request body", err)
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "cancelled via API"
	}

	exec, err := h.engine.Cancel(r.Context(), id, req.Reason)
	if err != nil {
		h.respondDomainError(w, r, "failed to cancel execution", err)
		return
	}
	h.respondJSON(w, http.StatusOK, exec)
}

// CompleteStepRequest carries the output of a manually completed step.
type CompleteStepRequest struct {
	Output map[string]any `json:"output,omitempty"`
}

// CompleteStep handles POST /api/v1/executions/{id}/nodes/{nodeId}/complete
//
// Resumes an execution paused at a task node with auto-advance
// disabled. 409 if the node is not waiting.
func (h *Handlers) CompleteStep(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	var req CompleteStepRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.respondError(w, r, http.StatusBadRequest, "invalid request body", err)
			return
		}
	}

	exec, err := h.engine.CompleteStep(r.Context(), vars["id"], vars["nodeId"], req.Output)
	if err != nil {
		h.respondDomainError(w, r, "failed to complete step", err)
		return
	}
	h.respondJSON(w, http.StatusOK, exec)
}
