// Package api provides HTTP handlers and routing for the automation engine.
package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server holds the HTTP handlers and dependencies.
type Server struct {
	router   *mux.Router
	handlers *Handlers
}

// NewServer creates a new API server with the given handlers. Extra
// middleware (auth, rate limiting) wraps the whole router, outermost
// first.
func NewServer(h *Handlers, extra ...mux.MiddlewareFunc) *Server {
	s := &Server{
		router:   mux.NewRouter(),
		handlers: h,
	}
	s.setupRoutes(extra...)
	return s
}

// Router returns the configured router for use with http.Server.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) setupRoutes(extra ...mux.MiddlewareFunc) {
	// Health and telemetry endpoints
	s.router.HandleFunc("/health", s.handlers.Health).Methods("GET")
	s.router.HandleFunc("/healthz", s.handlers.Health).Methods("GET")
	s.router.HandleFunc("/ready", s.handlers.Ready).Methods("GET")
	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// API routes
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Process definitions
	api.HandleFunc("/definitions", s.handlers.CreateDefinition).Methods("POST")
	api.HandleFunc("/definitions", s.handlers.ListDefinitions).Methods("GET")
	api.HandleFunc("/definitions/validate", s.handlers.ValidateDefinition).Methods("POST")
	api.HandleFunc("/definitions/{id}", s.handlers.GetDefinition).Methods("GET")
	api.HandleFunc("/definitions/{id}/versions/{version}", s.handlers.GetDefinitionVersion).Methods("GET")
	api.HandleFunc("/definitions/{id}/activate", s.handlers.ActivateDefinition).Methods("POST")
	api.HandleFunc("/definitions/{id}/execute", s.handlers.ExecuteDefinition).Methods("POST")

	// Workflow executions
	api.HandleFunc("/executions", s.handlers.ListExecutions).Methods("GET")
	api.HandleFunc("/executions/{id}", s.handlers.GetExecution).Methods("GET")
	api.HandleFunc("/executions/{id}/cancel", s.handlers.CancelExecution).Methods("POST")
	api.HandleFunc("/executions/{id}/nodes/{nodeId}/complete", s.handlers.CompleteStep).Methods("POST")
	api.HandleFunc("/executions/{id}/events", s.handlers.StreamExecutionLog).Methods("GET")

	// Orchestrated tasks
	api.HandleFunc("/tasks", s.handlers.CreateTask).Methods("POST")
	api.HandleFunc("/tasks/{id}", s.handlers.GetTask).Methods("GET")
	api.HandleFunc("/tasks/{id}/cancel", s.handlers.CancelTask).Methods("POST")
	api.HandleFunc("/tasks/{id}/retry", s.handlers.RetryTask).Methods("POST")
	api.HandleFunc("/tasks/{id}/priority", s.handlers.PrioritizeTask).Methods("POST")
	api.HandleFunc("/queues", s.handlers.ListQueues).Methods("GET")

	// Events
	api.HandleFunc("/events", s.handlers.PublishEvent).Methods("POST")
	api.HandleFunc("/events", s.handlers.ListEvents).Methods("GET")
	api.HandleFunc("/events/definitions", s.handlers.RegisterEventDefinition).Methods("POST")
	api.HandleFunc("/events/definitions", s.handlers.ListEventDefinitions).Methods("GET")
	api.HandleFunc("/events/{id}", s.handlers.GetEvent).Methods("GET")
	api.HandleFunc("/events/{id}/reprocess", s.handlers.ReprocessEvent).Methods("POST")

	// Scheduled jobs
	api.HandleFunc("/jobs", s.handlers.CreateJob).Methods("POST")
	api.HandleFunc("/jobs", s.handlers.ListJobs).Methods("GET")
	api.HandleFunc("/jobs/{id}", s.handlers.GetJob).Methods("GET")
	api.HandleFunc("/jobs/{id}", s.handlers.UpdateJob).Methods("PUT")
	api.HandleFunc("/jobs/{id}", s.handlers.DeleteJob).Methods("DELETE")
	api.HandleFunc("/jobs/{id}/toggle", s.handlers.ToggleJob).Methods("POST")
	api.HandleFunc("/jobs/{id}/run", s.handlers.RunJob).Methods("POST")
	api.HandleFunc("/jobs/{id}/history", s.handlers.JobHistory).Methods("GET")

	// Store diagnostics
	api.HandleFunc("/store/info", s.handlers.StoreInfo).Methods("GET")
	api.HandleFunc("/store/selfcheck", s.handlers.StoreSelfCheck).Methods("GET")

	// Apply middleware
	s.router.Use(s.handlers.CORSMiddleware)
	s.router.Use(s.handlers.LoggingMiddleware)
	s.router.Use(s.handlers.TracingMiddleware)
	for _, mw := range extra {
		s.router.Use(mw)
	}
	s.router.Use(s.handlers.RecoveryMiddleware)
}
