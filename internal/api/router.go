// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package api exposes the canopy session runtime over HTTP and
// WebSocket.
package api

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/wingedpig/canopy/internal/api/handlers"
	"github.com/wingedpig/canopy/internal/api/middleware"
	"github.com/wingedpig/canopy/internal/events"
	"github.com/wingedpig/canopy/internal/session"
)

// ServerConfig holds configuration for the API server.
type ServerConfig struct {
	Host    string
	Port    int
	TLSCert string // Path to TLS certificate file
	TLSKey  string // Path to TLS private key file
}

// Dependencies holds all dependencies for API handlers.
type Dependencies struct {
	SessionManager *session.Manager
	EventBus       events.EventBus
}

// NewRouter creates a new API router.
func NewRouter(deps Dependencies) *mux.Router {
	r := mux.NewRouter()

	r.Use(middleware.Logging)
	r.Use(middleware.Recovery)
	r.Use(middleware.CORS)

	api := r.PathPrefix("/api/v1").Subrouter()

	// Session handlers
	sessionHandler := handlers.NewSessionHandler(deps.SessionManager)
	api.HandleFunc("/sessions", sessionHandler.List).Methods("GET")
	api.HandleFunc("/sessions", sessionHandler.Create).Methods("POST")
	api.HandleFunc("/sessions/{session}", sessionHandler.Get).Methods("GET")
	api.HandleFunc("/sessions/{session}", sessionHandler.Remove).Methods("DELETE")
	api.HandleFunc("/sessions/{session}", sessionHandler.Rename).Methods("PATCH")
	api.HandleFunc("/sessions/{session}/messages", sessionHandler.SendMessage).Methods("POST")
	api.HandleFunc("/sessions/{session}/permission", sessionHandler.Permission).Methods("POST")
	api.HandleFunc("/sessions/{session}/cancel", sessionHandler.Cancel).Methods("POST")

	// Chat WebSocket
	chatHandler := handlers.NewChatHandler(deps.SessionManager, deps.EventBus)
	api.HandleFunc("/sessions/{session}/ws", chatHandler.WebSocket).Methods("GET")

	// Event handlers
	eventHandler := handlers.NewEventHandler(deps.EventBus)
	api.HandleFunc("/events", eventHandler.History).Methods("GET")
	api.HandleFunc("/events/ws", eventHandler.WebSocket).Methods("GET")

	return r
}

// Server represents the API server.
type Server struct {
	router *mux.Router
	cfg    ServerConfig
	server *http.Server
}

// NewServer creates a new API server.
func NewServer(cfg ServerConfig, deps Dependencies) *Server {
	return &Server{
		router: NewRouter(deps),
		cfg:    cfg,
	}
}

// Router returns the underlying router.
func (s *Server) Router() *mux.Router {
	return s.router
}

// ListenAndServe starts the server. If TLS is configured (tls_cert and
// tls_key), uses HTTPS.
func (s *Server) ListenAndServe() error {
	addr := s.cfg.Host + ":" + strconv.Itoa(s.cfg.Port)
	s.server = &http.Server{
		Addr:    addr,
		Handler: s.router,
	}

	tlsEnabled, err := CheckTLSConfig(s.cfg.TLSCert, s.cfg.TLSKey)
	if err != nil {
		return fmt.Errorf("TLS configuration error: %w", err)
	}

	if tlsEnabled {
		certPath := expandPath(s.cfg.TLSCert)
		keyPath := expandPath(s.cfg.TLSKey)
		log.Printf("API server listening on https://%s (TLS enabled)", addr)
		return s.server.ListenAndServeTLS(certPath, keyPath)
	}

	log.Printf("API server listening on http://%s", addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}

	log.Println("Shutting down API server...")

	shutdownCtx := ctx
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		shutdownCtx, cancel = context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
	}

	return s.server.Shutdown(shutdownCtx)
}
