// SPDX-License-Identifier: MIT

// Package daemon owns the process lifecycle: the control API and
// metrics listeners, and ordered teardown of the supervisors.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/camdeck/camdeck/internal/config"
	"github.com/camdeck/camdeck/internal/log"
)

// ShutdownHook performs one cleanup step during graceful shutdown.
// Hooks run in reverse registration order (LIFO).
type ShutdownHook func(ctx context.Context) error

type namedHook struct {
	name string
	hook ShutdownHook
}

// Deps carries the handlers the manager serves.
type Deps struct {
	APIHandler     http.Handler
	MetricsHandler http.Handler
}

// Validate reports missing required dependencies.
func (d Deps) Validate() error {
	if d.APIHandler == nil {
		return errors.New("api handler is required")
	}
	return nil
}

// Manager runs the HTTP listeners and coordinates shutdown.
type Manager struct {
	cfg  config.ServerConfig
	deps Deps

	apiServer     *http.Server
	metricsServer *http.Server

	mu       sync.Mutex
	started  bool
	stopping bool
	hooks    []namedHook

	logger zerolog.Logger
}

// ErrNotStarted is returned by Shutdown before Start was called.
var ErrNotStarted = errors.New("daemon manager not started")

// NewManager creates the lifecycle manager.
func NewManager(cfg config.ServerConfig, deps Deps) (*Manager, error) {
	if err := deps.Validate(); err != nil {
		return nil, fmt.Errorf("invalid dependencies: %w", err)
	}
	return &Manager{
		cfg:    cfg,
		deps:   deps,
		logger: log.WithComponent("daemon"),
	}, nil
}

// RegisterShutdownHook registers a cleanup step, run LIFO on shutdown.
func (m *Manager) RegisterShutdownHook(name string, hook ShutdownHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, namedHook{name: name, hook: hook})
}

// Start brings up the listeners and blocks until ctx is cancelled or a
// server fails, then shuts everything down.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return errors.New("daemon manager already started")
	}
	m.started = true
	m.mu.Unlock()

	m.logger.Info().
		Str("listen", m.cfg.Listen).
		Str("metrics_listen", m.cfg.MetricsListen).
		Msg("starting daemon")

	errChan := make(chan error, 2)

	if m.cfg.MetricsListen != "" && m.deps.MetricsHandler != nil {
		m.startMetricsServer(errChan)
	}
	m.startAPIServer(errChan)

	select {
	case err := <-errChan:
		m.logger.Error().Err(err).Msg("server failed, shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx),
			m.cfg.ShutdownTimeout.Duration())
		defer cancel()
		if shutdownErr := m.Shutdown(shutdownCtx); shutdownErr != nil {
			return errors.Join(err, shutdownErr)
		}
		return err
	case <-ctx.Done():
		m.logger.Info().Msg("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx),
			m.cfg.ShutdownTimeout.Duration())
		defer cancel()
		return m.Shutdown(shutdownCtx)
	}
}

func (m *Manager) startAPIServer(errChan chan<- error) {
	m.apiServer = &http.Server{
		Addr:              m.cfg.Listen,
		Handler:           m.deps.APIHandler,
		ReadTimeout:       m.cfg.ReadTimeout.Duration(),
		ReadHeaderTimeout: m.cfg.ReadTimeout.Duration() / 2,
		// No WriteTimeout: the websocket event feed holds its
		// connection open indefinitely.
	}
	go func() {
		m.logger.Info().Str("addr", m.cfg.Listen).Msg("api server listening")
		if err := m.apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("api server: %w", err)
		}
	}()
}

func (m *Manager) startMetricsServer(errChan chan<- error) {
	m.metricsServer = &http.Server{
		Addr:              m.cfg.MetricsListen,
		Handler:           m.deps.MetricsHandler,
		ReadHeaderTimeout: m.cfg.ReadTimeout.Duration() / 2,
	}
	go func() {
		m.logger.Info().Str("addr", m.cfg.MetricsListen).Msg("metrics server listening")
		if err := m.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("metrics server: %w", err)
		}
	}()
}

// Shutdown stops the listeners and runs the hooks LIFO. It is
// idempotent; concurrent calls after the first return nil.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.stopping {
		m.mu.Unlock()
		return nil
	}
	if !m.started {
		m.mu.Unlock()
		return ErrNotStarted
	}
	m.stopping = true
	hooks := make([]namedHook, len(m.hooks))
	copy(hooks, m.hooks)
	m.mu.Unlock()

	m.logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx),
		m.cfg.ShutdownTimeout.Duration())
	defer cancel()

	var errs []error
	if m.apiServer != nil {
		if err := m.apiServer.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("api server shutdown: %w", err))
		}
	}
	if m.metricsServer != nil {
		if err := m.metricsServer.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("metrics server shutdown: %w", err))
		}
	}

	for i := len(hooks) - 1; i >= 0; i-- {
		h := hooks[i]
		start := time.Now()
		if err := h.hook(shutdownCtx); err != nil {
			m.logger.Error().Err(err).
				Str("hook", h.name).
				Dur("duration", time.Since(start)).
				Msg("shutdown hook failed")
			errs = append(errs, fmt.Errorf("hook %s: %w", h.name, err))
			continue
		}
		m.logger.Debug().
			Str("hook", h.name).
			Dur("duration", time.Since(start)).
			Msg("shutdown hook completed")
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown: %w", errors.Join(errs...))
	}
	m.logger.Info().Msg("stopped cleanly")
	return nil
}
