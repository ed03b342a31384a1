// Package rest exposes the ops HTTP surface: health, engine status,
// Prometheus metrics, a send endpoint and journal queries.
package rest

import (
	"context"
	"fmt"
	"net/http"

	"github.com/commatea/APNS-Bridge/pkg/core"
	"github.com/commatea/APNS-Bridge/pkg/logger"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server represents the REST API server.
type Server struct {
	manager *core.Manager
	srv     *http.Server
	config  ServerConfig
	log     *logger.Logger
}

// ServerConfig holds API server configuration.
type ServerConfig struct {
	Port int
}

// NewServer creates a new REST API server.
func NewServer(manager *core.Manager, config ServerConfig, log *logger.Logger) *Server {
	if log == nil {
		log = logger.Global()
	}
	return &Server{
		manager: manager,
		config:  config,
		log:     log.WithComponent("api"),
	}
}

// Handler returns the routed handler. Exposed for tests.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	s.registerRoutes(r)
	return r
}

// Start starts the API server.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.config.Port)
	if s.config.Port == 0 {
		addr = ":8080"
	}

	s.srv = &http.Server{
		Addr:    addr,
		Handler: s.Handler(),
	}

	s.log.Info("API server listening", "addr", addr)

	// Run server in goroutine
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Stop stops the API server.
func (s *Server) Stop(ctx context.Context) error {
	if s.srv != nil {
		return s.srv.Shutdown(ctx)
	}
	return nil
}

func (s *Server) registerRoutes(r *mux.Router) {
	// System
	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// API v1
	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/status", s.handleStatus).Methods("GET")
	v1.HandleFunc("/send", s.handleSend).Methods("POST")
	v1.HandleFunc("/journal/failures", s.handleFailures).Methods("GET")
	v1.HandleFunc("/journal/stale-devices", s.handleStaleDevices).Methods("GET")
}
