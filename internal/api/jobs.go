package api

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/Glacestorm/automation-engine/pkg/types"
)

// CreateJob handles POST /api/v1/jobs
func (h *Handlers) CreateJob(w http.ResponseWriter, r *http.Request) {
	var job types.ScheduledJob
	if err := json.NewDecoder(r.Body).Decode(&job); err != nil {
		h.respondError(w, r, http.StatusBadRequest, "invalid request body", err)
		return
	}

	created, err := h.scheduler.CreateJob(r.Context(), &job)
	if err != nil {
		h.respondError(w, r, http.StatusBadRequest, "failed to create job", err)
		return
	}
	h.respondJSON(w, http.StatusCreated, created)
}

// ListJobs handles GET /api/v1/jobs and GET /api/v1/jobs?attention=true
func (h *Handlers) ListJobs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if r.URL.Query().Get("attention") == "true" {
		jobs, err := h.scheduler.NeedingAttention(ctx)
		if err != nil {
			h.respondError(w, r, http.StatusInternalServerError, "failed to list jobs", err)
			return
		}
		h.respondJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
		return
	}

	jobs, err := h.store.ListJobs(ctx)
	if err != nil {
		h.respondError(w, r, http.StatusInternalServerError, "failed to list jobs", err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

// GetJob handles GET /api/v1/jobs/{id}
func (h *Handlers) GetJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	job, err := h.store.GetJob(r.Context(), id)
	if err != nil {
		h.respondDomainError(w, r, "failed to get job", err)
		return
	}
	h.respondJSON(w, http.StatusOK, job)
}

// UpdateJob handles PUT /api/v1/jobs/{id}
func (h *Handlers) UpdateJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var upd types.ScheduledJob
	if err := json.NewDecoder(r.Body).Decode(&upd); err != nil {
		h.respondError(w, r, http.StatusBadRequest, "invalid request body", err)
		return
	}

	job, err := h.scheduler.UpdateJob(r.Context(), id, &upd)
	if err != nil {
		h.respondDomainError(w, r, "failed to update job", err)
		return
	}
	h.respondJSON(w, http.StatusOK, job)
}

// DeleteJob handles DELETE /api/v1/jobs/{id}
func (h *Handlers) DeleteJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if err := h.scheduler.DeleteJob(r.Context(), id); err != nil {
		h.respondDomainError(w, r, "failed to delete job", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ToggleJob handles POST /api/v1/jobs/{id}/toggle
//
// Pauses an active job; resumes a paused one. Resuming clears the
// attention flag and failure streak.
func (h *Handlers) ToggleJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := mux.Vars(r)["id"]

	job, err := h.store.GetJob(ctx, id)
	if err != nil {
		h.respondDomainError(w, r, "failed to get job", err)
		return
	}

	if job.IsActive {
		job, err = h.scheduler.PauseJob(ctx, id)
	} else {
		job, err = h.scheduler.ResumeJob(ctx, id)
	}
	if err != nil {
		h.respondDomainError(w, r, "failed to toggle job", err)
		return
	}
	h.respondJSON(w, http.StatusOK, job)
}

// RunJob handles POST /api/v1/jobs/{id}/run
func (h *Handlers) RunJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	// Body is optional; a retried request carrying the same
	// idempotency key resolves to the original execution.
	var req struct {
		IdempotencyKey string `json:"idempotency_key"`
	}
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.respondError(w, r, http.StatusBadRequest, "invalid request body", err)
			return
		}
	}

	exec, reused, err := h.scheduler.TriggerNow(r.Context(), id, req.IdempotencyKey)
	if err != nil {
		h.respondDomainError(w, r, "failed to trigger job", err)
		return
	}
	if reused {
		h.respondJSON(w, http.StatusOK, exec)
		return
	}
	h.respondJSON(w, http.StatusAccepted, exec)
}

// JobHistory handles GET /api/v1/jobs/{id}/history?limit=
func (h *Handlers) JobHistory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := mux.Vars(r)["id"]
	limit := intQuery(r.URL.Query().Get("limit"), 50)

	if _, err := h.store.GetJob(ctx, id); err != nil {
		h.respondDomainError(w, r, "failed to get job", err)
		return
	}

	execs, err := h.store.ListJobExecutions(ctx, id, limit)
	if err != nil {
		h.respondError(w, r, http.StatusInternalServerError, "failed to list job history", err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]any{"executions": execs})
}
