package api

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/Glacestorm/automation-engine/internal/store"
	"github.com/Glacestorm/automation-engine/pkg/types"
)

// PublishEventRequest is the request body for publishing an event.
type PublishEventRequest struct {
	Name           string         `json:"event_name"`
	Payload        map[string]any `json:"payload,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
}

// PublishEvent handles POST /api/v1/events
//
// Publishing an unregistered event is a 404; a payload that fails the
// registered schema is a 400 carrying the recorded event (status
// failed) so the caller can inspect what was rejected.
func (h *Handlers) PublishEvent(w http.ResponseWriter, r *http.Request) {
	var req PublishEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, r, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.Name == "" {
		h.respondError(w, r, http.StatusBadRequest, "event_name is required", nil)
		return
	}

	ev, err := h.events.Publish(r.Context(), req.Name, req.Payload, req.IdempotencyKey)
	if err != nil {
		if ev != nil {
			h.respondJSON(w, statusFor(err), ev)
			return
		}
		h.respondDomainError(w, r, "failed to publish event", err)
		return
	}
	h.respondJSON(w, http.StatusAccepted, ev)
}

// ListEvents handles GET /api/v1/events?name=&status=&limit=
func (h *Handlers) ListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.EventFilter{
		Name:   q.Get("name"),
		Status: types.EventStatus(q.Get("status")),
		Limit:  intQuery(q.Get("limit"), 100),
	}

	evs, err := h.store.ListProcessedEvents(r.Context(), filter)
	if err != nil {
		h.respondError(w, r, http.StatusInternalServerError, "failed to list events", err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]any{"events": evs})
}

// GetEvent handles GET /api/v1/events/{id}
func (h *Handlers) GetEvent(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	ev, err := h.store.GetProcessedEvent(r.Context(), id)
	if err != nil {
		h.respondDomainError(w, r, "failed to get event", err)
		return
	}
	h.respondJSON(w, http.StatusOK, ev)
}

// RegisterEventDefinition handles POST /api/v1/events/definitions
func (h *Handlers) RegisterEventDefinition(w http.ResponseWriter, r *http.Request) {
	var def types.EventDefinition
	if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
		h.respondError(w, r, http.StatusBadRequest, "invalid request body", err)
		return
	}

	registered, err := h.events.Register(r.Context(), &def)
	if err != nil {
		h.respondDomainError(w, r, "failed to register event definition", err)
		return
	}
	h.respondJSON(w, http.StatusCreated, registered)
}

// ListEventDefinitions handles GET /api/v1/events/definitions
func (h *Handlers) ListEventDefinitions(w http.ResponseWriter, r *http.Request) {
	defs, err := h.store.ListEventDefinitions(r.Context())
	if err != nil {
		h.respondError(w, r, http.StatusInternalServerError, "failed to list event definitions", err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]any{"definitions": defs})
}

// ReprocessEvent handles POST /api/v1/events/{id}/reprocess
//
// Only dead-lettered events can be reprocessed; anything else is a
// 409 (events.ErrNotReprocessable).
func (h *Handlers) ReprocessEvent(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	ev, err := h.events.ReprocessDeadLetter(r.Context(), id)
	if err != nil {
		h.respondDomainError(w, r, "failed to reprocess event", err)
		return
	}
	h.respondJSON(w, http.StatusAccepted, ev)
}
