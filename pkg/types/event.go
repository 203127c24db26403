package types

import (
	"encoding/json"
	"time"
)

// HandlerType identifies what a registered event handler does.
type HandlerType string

const (
	HandlerTypeFunction     HandlerType = "function"
	HandlerTypeWorkflow     HandlerType = "workflow"
	HandlerTypeNotification HandlerType = "notification"
	HandlerTypeWebhook      HandlerType = "webhook"
	HandlerTypeAggregation  HandlerType = "aggregation"
)

// Valid reports whether the handler type is a known value.
func (t HandlerType) Valid() bool {
	switch t {
	case HandlerTypeFunction, HandlerTypeWorkflow, HandlerTypeNotification,
		HandlerTypeWebhook, HandlerTypeAggregation:
		return true
	}
	return false
}

// RetryPolicy bounds handler retries.
type RetryPolicy struct {
	MaxRetries int `json:"max_retries"`
	BackoffMs  int `json:"backoff_ms"`
}

// EventDefinition registers a named event with its payload schema and
// the handlers dispatched on publish.
type EventDefinition struct {
	ID     string `json:"id"`
	Name   string `json:"event_name"`
	Source string `json:"source,omitempty"`

	// PayloadSchema is a JSON schema document; publishes with a
	// non-conforming payload are rejected synchronously.
	PayloadSchema json.RawMessage `json:"payload_schema,omitempty"`

	Handlers []EventHandler `json:"handlers,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// EventHandler is one registered reaction to an event.
type EventHandler struct {
	ID      string      `json:"id"`
	Type    HandlerType `json:"handler_type"`
	Action  string      `json:"action"` // registered action handler name
	IsAsync bool        `json:"is_async"`

	TimeoutMs int         `json:"timeout_ms,omitempty"`
	Retry     RetryPolicy `json:"retry_policy"`

	// Filter is an optional boolean expression over the payload; a
	// false result skips this handler for the publish.
	Filter string `json:"filter,omitempty"`

	// Optional handlers do not gate the event's terminal status.
	Optional bool `json:"optional,omitempty"`

	// DependsOn names a sibling handler id whose task must complete
	// before this handler's task is dispatched.
	DependsOn string `json:"depends_on,omitempty"`
}

// EventStatus represents the lifecycle state of a processed event.
type EventStatus string

const (
	EventStatusReceived   EventStatus = "received"
	EventStatusProcessing EventStatus = "processing"
	EventStatusProcessed  EventStatus = "processed"
	EventStatusFailed     EventStatus = "failed"
	EventStatusDeadLetter EventStatus = "dead_letter"
)

// Terminal reports whether the status admits no further transitions
// short of a manual reprocess.
func (s EventStatus) Terminal() bool {
	switch s {
	case EventStatusProcessed, EventStatusFailed, EventStatusDeadLetter:
		return true
	}
	return false
}

// ProcessedEvent records one publish and the fan-out to handler tasks.
// Dead-lettered events are retained for manual replay, never dropped.
type ProcessedEvent struct {
	ID      string         `json:"event_id"`
	Name    string         `json:"event_name"`
	Payload map[string]any `json:"payload,omitempty"`
	Status  EventStatus    `json:"status"`

	// HandlerTasks maps handler id -> task id for this publish.
	HandlerTasks map[string]string `json:"handler_tasks,omitempty"`

	ProcessingTimeMs int64  `json:"processing_time_ms,omitempty"`
	ErrorMessage     string `json:"error_message,omitempty"`

	IdempotencyKey string `json:"idempotency_key,omitempty"`

	ReceivedAt  time.Time  `json:"received_at"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`

	StoreVersion int64 `json:"store_version"`
}
