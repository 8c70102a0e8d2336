// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package app wires the canopy components together and owns their
// lifecycle.
package app

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/wingedpig/canopy/internal/api"
	"github.com/wingedpig/canopy/internal/config"
	"github.com/wingedpig/canopy/internal/events"
	"github.com/wingedpig/canopy/internal/session"
	"github.com/wingedpig/canopy/internal/watcher"
)

// Options configure app creation.
type Options struct {
	ConfigPath string
	Host       string // overrides config when non-empty
	Port       int    // overrides config when non-zero
	Version    string
}

// App is the main application container.
type App struct {
	config          *config.Config
	eventBus        *events.MemoryEventBus
	sessionManager  *session.Manager
	worktreeWatcher *watcher.WorktreeWatcher
	apiServer       *api.Server

	done     chan struct{}
	stopOnce sync.Once
}

// New loads configuration and wires all components.
func New(opts Options) (*App, error) {
	loader := config.NewLoader()
	cfg, err := loader.LoadWithDefaults(context.Background(), opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	if opts.Host != "" {
		cfg.Server.Host = opts.Host
	}
	if opts.Port != 0 {
		cfg.Server.Port = opts.Port
	}
	if err := config.NewValidator().Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	bus := events.NewMemoryEventBus(events.MemoryBusConfig{
		HistoryMaxEvents: cfg.Events.History.MaxEvents,
		HistoryMaxAge:    cfg.Events.History.MaxAgeDuration(),
	})

	store := session.NewStore(filepath.Join(cfg.Sessions.StateDir, "sessions.json"))
	manager := session.NewManager(cfg.Claude.Command, cfg.Claude.Model, store, bus)

	wtWatcher, err := watcher.NewWorktreeWatcher(bus, cfg.Watch.DebounceDuration())
	if err != nil {
		bus.Close()
		return nil, err
	}

	app := &App{
		config:          cfg,
		eventBus:        bus,
		sessionManager:  manager,
		worktreeWatcher: wtWatcher,
		done:            make(chan struct{}),
	}

	// Watch the working directories of restored sessions
	for _, s := range manager.Sessions() {
		if err := wtWatcher.Watch(s.WorkDir); err != nil {
			log.Printf("app: cannot watch %s: %v", s.WorkDir, err)
		}
	}

	// New sessions bring new directories under watch
	if _, err := bus.Subscribe(events.EventSessionCreated, func(_ context.Context, e events.Event) error {
		if dir, ok := e.Payload["work_dir"].(string); ok && dir != "" {
			if err := wtWatcher.Watch(dir); err != nil {
				log.Printf("app: cannot watch %s: %v", dir, err)
			}
		}
		return nil
	}); err != nil {
		return nil, err
	}

	// A deleted working directory retires its sessions
	if _, err := bus.Subscribe(events.EventWorktreeRemoved, func(_ context.Context, e events.Event) error {
		if dir, ok := e.Payload["work_dir"].(string); ok && dir != "" {
			log.Printf("app: working directory %s removed, terminating its sessions", dir)
			manager.TerminateSessionsForDir(dir)
		}
		return nil
	}); err != nil {
		return nil, err
	}

	app.apiServer = api.NewServer(api.ServerConfig{
		Host:    cfg.Server.Host,
		Port:    cfg.Server.Port,
		TLSCert: cfg.Server.TLSCert,
		TLSKey:  cfg.Server.TLSKey,
	}, api.Dependencies{
		SessionManager: manager,
		EventBus:       bus,
	})

	return app, nil
}

// SessionManager exposes the session manager, mainly for tests.
func (app *App) SessionManager() *session.Manager {
	return app.sessionManager
}

// Run starts the app and blocks until shutdown.
func (app *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Printf("Starting API server on %s:%d", app.config.Server.Host, app.config.Server.Port)
		if err := app.apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigCh)

		select {
		case sig := <-sigCh:
			log.Printf("Received signal %v, shutting down...", sig)
		case <-ctx.Done():
			log.Printf("Context cancelled, shutting down...")
		case <-app.done:
			log.Printf("Shutdown requested...")
		}
		return app.Shutdown(context.Background())
	})

	return g.Wait()
}

// Shutdown gracefully shuts down all components.
func (app *App) Shutdown(ctx context.Context) error {
	log.Println("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	// Stop accepting requests first
	if app.apiServer != nil {
		if err := app.apiServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("Error shutting down API server: %v", err)
		}
	}

	if app.worktreeWatcher != nil {
		app.worktreeWatcher.Close()
	}

	// Cancels in-flight turns and persists final state
	app.sessionManager.Shutdown()

	if app.eventBus != nil {
		app.eventBus.Close()
	}

	log.Println("Shutdown complete")
	return nil
}

// Stop signals the app to shut down. Safe to call multiple times.
func (app *App) Stop() {
	app.stopOnce.Do(func() { close(app.done) })
}
