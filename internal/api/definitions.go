package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/Glacestorm/automation-engine/internal/definition"
	"github.com/Glacestorm/automation-engine/pkg/types"
)

const maxDefinitionBytes = 1 << 20

// CreateDefinition handles POST /api/v1/definitions
//
// The body is a process definition document. It is validated before
// anything is stored; validation errors come back as 400 with the full
// issue list. The stored version becomes the active one.
func (h *Handlers) CreateDefinition(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxDefinitionBytes))
	if err != nil {
		h.respondError(w, r, http.StatusBadRequest, "failed to read request body", err)
		return
	}

	if h.defSchema != nil {
		if result := h.defSchema.ValidateDocument(body); !result.Valid {
			h.respondJSON(w, http.StatusBadRequest, result)
			return
		}
	}

	var def types.ProcessDefinition
	if err := json.Unmarshal(body, &def); err != nil {
		h.respondError(w, r, http.StatusBadRequest, "invalid request body", err)
		return
	}

	result := definition.Validate(&def)
	if !result.Valid {
		h.respondJSON(w, http.StatusBadRequest, result)
		return
	}

	def.IsActive = true
	if err := h.store.CreateDefinition(ctx, &def); err != nil {
		h.respondDomainError(w, r, "failed to create definition", err)
		return
	}

	h.respondJSON(w, http.StatusCreated, &def)
}

// ListDefinitions handles GET /api/v1/definitions
func (h *Handlers) ListDefinitions(w http.ResponseWriter, r *http.Request) {
	defs, err := h.store.ListDefinitions(r.Context())
	if err != nil {
		h.respondError(w, r, http.StatusInternalServerError, "failed to list definitions", err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]any{"definitions": defs})
}

// GetDefinition handles GET /api/v1/definitions/{id}
func (h *Handlers) GetDefinition(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	def, err := h.store.GetDefinition(r.Context(), id)
	if err != nil {
		h.respondDomainError(w, r, "failed to get definition", err)
		return
	}
	h.respondJSON(w, http.StatusOK, def)
}

// GetDefinitionVersion handles GET /api/v1/definitions/{id}/versions/{version}
func (h *Handlers) GetDefinitionVersion(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	version, err := strconv.Atoi(vars["version"])
	if err != nil {
		h.respondError(w, r, http.StatusBadRequest, "invalid version", err)
		return
	}

	def, err := h.store.GetDefinitionVersion(r.Context(), vars["id"], version)
	if err != nil {
		h.respondDomainError(w, r, "failed to get definition version", err)
		return
	}
	h.respondJSON(w, http.StatusOK, def)
}

// ActivateDefinitionRequest selects the version to activate.
type ActivateDefinitionRequest struct {
	Version int `json:"version"`
}

// ActivateDefinition handles POST /api/v1/definitions/{id}/activate
func (h *Handlers) ActivateDefinition(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req ActivateDefinitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, r, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.Version <= 0 {
		h.respondError(w, r, http.StatusBadRequest, "version must be positive", nil)
		return
	}

	def, err := h.store.ActivateDefinition(r.Context(), id, req.Version)
	if err != nil {
		h.respondDomainError(w, r, "failed to activate definition", err)
		return
	}
	h.respondJSON(w, http.StatusOK, def)
}

// ValidateDefinition handles POST /api/v1/definitions/validate
//
// Dry-run validation; nothing is stored. Always responds 200 with the
// validation result so callers can distinguish "invalid document" from
// transport failures.
func (h *Handlers) ValidateDefinition(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxDefinitionBytes))
	if err != nil {
		h.respondError(w, r, http.StatusBadRequest, "failed to read request body", err)
		return
	}

	if h.defSchema != nil {
		if result := h.defSchema.ValidateDocument(body); !result.Valid {
			h.respondJSON(w, http.StatusOK, result)
			return
		}
	}

	var def types.ProcessDefinition
	if err := json.Unmarshal(body, &def); err != nil {
		h.respondError(w, r, http.StatusBadRequest, "invalid request body", err)
		return
	}

	h.respondJSON(w, http.StatusOK, definition.Validate(&def))
}

// ExecuteRequest is the request body for starting an execution.
type ExecuteRequest struct {
	Variables map[string]any `json:"variables,omitempty"`
}

// ExecuteDefinition handles POST /api/v1/definitions/{id}/execute
func (h *Handlers) ExecuteDefinition(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req ExecuteRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.respondError(w, r, http.StatusBadRequest, "invalid request body", err)
			return
		}
	}

	exec, err := h.engine.Execute(r.Context(), id, req.Variables)
	if err != nil {
		h.respondDomainError(w, r, "failed to start execution", err)
		return
	}

	h.respondJSON(w, http.StatusCreated, exec)
}
