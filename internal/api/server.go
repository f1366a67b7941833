// Package api exposes the HTTP surface: campaign and A/B test management
// plus the gateway webhook receivers.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/textpulse/internal/abtest"
	"github.com/ignite/textpulse/internal/campaign"
	"github.com/ignite/textpulse/internal/config"
	"github.com/ignite/textpulse/internal/reconcile"
)

// Server represents the API server
type Server struct {
	config  config.ServerConfig
	handler http.Handler
	server  *http.Server
	router  *chi.Mux
}

// NewServer creates a new API server
func NewServer(
	cfg config.ServerConfig,
	engine *abtest.Engine,
	testStore *abtest.SQLStore,
	campaignStore *campaign.Store,
	orchestrator *campaign.Orchestrator,
	reconciler *reconcile.Reconciler,
) *Server {
	h := &Handlers{
		engine:        engine,
		testStore:     testStore,
		campaignStore: campaignStore,
		orchestrator:  orchestrator,
		reconciler:    reconciler,
	}
	router := SetupRoutes(h)

	return &Server{
		config:  cfg,
		handler: router,
		router:  router,
	}
}

// ListenAndServe starts the HTTP server
func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Handler returns the HTTP handler for testing
func (s *Server) Handler() http.Handler {
	return s.handler
}
