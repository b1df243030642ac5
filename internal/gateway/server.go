// Package gateway is the HTTP surface of the engine: workflow CRUD,
// execution control, the node discovery API, credentials, webhooks, and the
// websocket event stream.
package gateway

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/flowgrid/flowgrid/internal/credential"
	"github.com/flowgrid/flowgrid/internal/engine"
	"github.com/flowgrid/flowgrid/internal/platform/config"
	"github.com/flowgrid/flowgrid/internal/platform/health"
	"github.com/flowgrid/flowgrid/internal/platform/logger"
	"github.com/flowgrid/flowgrid/internal/platform/metrics"
	"github.com/flowgrid/flowgrid/internal/trigger"
	"github.com/flowgrid/flowgrid/internal/workflow/store"
)

// Server wires the HTTP API over the engine and its stores.
type Server struct {
	cfg       *config.Config
	log       logger.Logger
	engine    *engine.Engine
	workflows store.Store
	vault     *credential.Vault
	metrics   *metrics.Metrics
	health    *health.Handler
	hub       *Hub

	httpServer *http.Server
}

// New builds the server and its router. Start and Shutdown control the
// listener.
func New(cfg *config.Config, eng *engine.Engine, workflows store.Store, vault *credential.Vault, m *metrics.Metrics, log logger.Logger) *Server {
	s := &Server{
		cfg:       cfg,
		log:       log,
		engine:    eng,
		workflows: workflows,
		vault:     vault,
		metrics:   m,
		health:    health.NewHandler(cfg.Service.Name, cfg.Version),
		hub:       NewHub(eng.Events(), log),
	}

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      s.router(),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}
	return s
}

// Health exposes the health handler so main can register store checks.
func (s *Server) Health() *health.Handler {
	return s.health
}

func (s *Server) router() http.Handler {
	r := mux.NewRouter()
	r.Use(logger.HTTPMiddleware(s.log))
	if s.metrics != nil {
		r.Use(s.metrics.HTTPMiddleware)
	}
	r.Use(corsMiddleware)

	// Unauthenticated surface.
	r.HandleFunc("/health/live", s.health.LivenessHandler()).Methods(http.MethodGet)
	r.HandleFunc("/health/ready", s.health.ReadinessHandler()).Methods(http.MethodGet)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	}
	if s.cfg.Triggers.WebhookEnabled {
		r.PathPrefix("/hooks/").Handler(trigger.NewWebhooks(s.engine, s.workflows, s.log).Handler())
	}
	r.HandleFunc("/ws", s.hub.ServeHTTP).Methods(http.MethodGet)

	// API surface, JWT-protected.
	api := r.PathPrefix("/api/v1").Subrouter()
	api.Use(jwtMiddleware(s.cfg.Auth.JWTSecret))

	api.HandleFunc("/workflows", s.listWorkflows).Methods(http.MethodGet)
	api.HandleFunc("/workflows", s.createWorkflow).Methods(http.MethodPost)
	api.HandleFunc("/workflows/import", s.importWorkflow).Methods(http.MethodPost)
	api.HandleFunc("/workflows/{id}", s.getWorkflow).Methods(http.MethodGet)
	api.HandleFunc("/workflows/{id}", s.updateWorkflow).Methods(http.MethodPut)
	api.HandleFunc("/workflows/{id}", s.deleteWorkflow).Methods(http.MethodDelete)
	api.HandleFunc("/workflows/{id}/activate", s.setWorkflowActive(true)).Methods(http.MethodPost)
	api.HandleFunc("/workflows/{id}/deactivate", s.setWorkflowActive(false)).Methods(http.MethodPost)
	api.HandleFunc("/workflows/{id}/export", s.exportWorkflow).Methods(http.MethodGet)
	api.HandleFunc("/workflows/{id}/run", s.runWorkflow).Methods(http.MethodPost)

	api.HandleFunc("/executions", s.listExecutions).Methods(http.MethodGet)
	api.HandleFunc("/executions/{id}", s.getExecution).Methods(http.MethodGet)
	api.HandleFunc("/executions/{id}/cancel", s.cancelExecution).Methods(http.MethodPost)
	api.HandleFunc("/executions/{id}/step/continue", s.stepContinue).Methods(http.MethodPost)
	api.HandleFunc("/executions/{id}/step/reset", s.stepReset).Methods(http.MethodPost)
	api.HandleFunc("/executions/{id}/debug", s.debugBundle).Methods(http.MethodGet)

	api.HandleFunc("/node-types", s.listNodeTypes).Methods(http.MethodGet)

	api.HandleFunc("/credentials", s.listCredentials).Methods(http.MethodGet)
	api.HandleFunc("/credentials/{name}", s.putCredential).Methods(http.MethodPut)
	api.HandleFunc("/credentials/{name}", s.deleteCredential).Methods(http.MethodDelete)

	return r
}

// Start begins serving and the websocket hub's broadcast loop. It blocks
// until the listener closes.
func (s *Server) Start() error {
	s.hub.Run()
	s.log.Info("gateway listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains connections and stops the hub.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	s.hub.Stop()
	return err
}
