// Package api exposes the operation surface over HTTP for the outer
// protocol server: query execution, transactions, schema inspection,
// engine management and RBAC administration.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/opensource-db/kestrel/internal/dispatch"
	"github.com/opensource-db/kestrel/internal/domain"
	"github.com/opensource-db/kestrel/internal/security"
)

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server.
func NewServer(cfg domain.ServerConfig, d *dispatch.Dispatcher, sec *security.Layer, version string) *Server {
	handler := NewHandler(d, sec, version)
	router := chi.NewRouter()

	// Global middleware stack
	router.Use(RecoverMiddleware)
	router.Use(TracingMiddleware)
	router.Use(LoggingMiddleware)
	router.Use(middleware.RealIP)
	router.Use(middleware.Compress(5))

	// Health endpoints (no caller required)
	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)

	// Operation surface (caller required)
	router.Route("/", func(r chi.Router) {
		r.Use(CallerMiddleware)

		r.Post("/query", handler.Query)
		r.Post("/execute", handler.Execute)

		r.Get("/engines", handler.ListEngines)
		r.Post("/engines/{id}/activate", handler.SwitchEngine)
		r.Get("/engines/{id}/schema", handler.GetSchema)

		r.Post("/transactions", handler.BeginTransaction)
		r.Post("/transactions/{id}/query", handler.TxQuery)
		r.Post("/transactions/{id}/execute", handler.TxExecute)
		r.Post("/transactions/{id}/savepoints", handler.Savepoint)
		r.Post("/transactions/{id}/savepoints/{name}/rollback", handler.RollbackToSavepoint)
		r.Delete("/transactions/{id}/savepoints/{name}", handler.ReleaseSavepoint)
		r.Post("/transactions/{id}/commit", handler.Commit)
		r.Post("/transactions/{id}/rollback", handler.Rollback)

		r.Get("/rbac/users/{user}/roles", handler.GetUserRoles)
		r.Post("/rbac/users/{user}/roles", handler.AssignRole)
		r.Delete("/rbac/users/{user}/roles/{role}", handler.RevokeRole)
		r.Put("/rbac/config", handler.UpdateRBACConfig)

		r.Get("/audit/events", handler.AuditEvents)
		r.Post("/tokens/resolve", handler.ResolveToken)
	})

	return &Server{
		router:  router,
		handler: handler,
		config:  cfg,
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.config.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.config.WriteTimeout) * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}
