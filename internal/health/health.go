// SPDX-License-Identifier: MIT

// Package health provides liveness and readiness checks for container
// healthchecks and the on-device watchdog.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/camdeck/camdeck/internal/log"
)

// Status represents the overall health/readiness status.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// CheckResult represents the result of a component health check.
type CheckResult struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// HealthResponse represents the full health check response.
type HealthResponse struct {
	Status    Status                 `json:"status"`
	Version   string                 `json:"version,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
}

// ReadinessResponse represents the readiness check response.
type ReadinessResponse struct {
	Ready     bool                   `json:"ready"`
	Status    Status                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
}

// Checker defines the interface for health checks.
type Checker interface {
	Name() string
	Check(ctx context.Context) CheckResult
}

// Manager manages health and readiness checks.
type Manager struct {
	version  string
	checkers []Checker
}

// NewManager creates a new health check manager.
func NewManager(version string) *Manager {
	return &Manager{version: version}
}

// RegisterChecker adds a health checker to the manager.
func (m *Manager) RegisterChecker(checker Checker) {
	m.checkers = append(m.checkers, checker)
}

// Health performs a liveness check. It reports 200 as long as the
// process is alive; component detail is added when verbose.
func (m *Manager) Health(ctx context.Context, verbose bool) HealthResponse {
	resp := HealthResponse{
		Status:    StatusHealthy,
		Version:   m.version,
		Timestamp: time.Now(),
	}
	if verbose && len(m.checkers) > 0 {
		resp.Checks, resp.Status = m.runChecks(ctx)
	}
	return resp
}

// Ready performs a readiness check: ready only when no component is
// unhealthy.
func (m *Manager) Ready(ctx context.Context) ReadinessResponse {
	resp := ReadinessResponse{
		Ready:     true,
		Status:    StatusHealthy,
		Timestamp: time.Now(),
	}
	if len(m.checkers) == 0 {
		return resp
	}
	resp.Checks, resp.Status = m.runChecks(ctx)
	if resp.Status == StatusUnhealthy {
		resp.Ready = false
	}
	return resp
}

func (m *Manager) runChecks(ctx context.Context) (map[string]CheckResult, Status) {
	checks := make(map[string]CheckResult, len(m.checkers))
	status := StatusHealthy
	for _, checker := range m.checkers {
		result := checker.Check(ctx)
		checks[checker.Name()] = result
		switch result.Status {
		case StatusUnhealthy:
			status = StatusUnhealthy
		case StatusDegraded:
			if status == StatusHealthy {
				status = StatusDegraded
			}
		}
	}
	return checks, status
}

// ServeHealth handles HTTP liveness requests.
func (m *Manager) ServeHealth(w http.ResponseWriter, r *http.Request) {
	verbose := r.URL.Query().Get("verbose") == "true"
	resp := m.Health(r.Context(), verbose)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logger := log.WithComponent("health")
		logger.Error().Err(err).Msg("failed to encode health response")
	}
}

// ServeReady handles HTTP readiness requests.
func (m *Manager) ServeReady(w http.ResponseWriter, r *http.Request) {
	resp := m.Ready(r.Context())

	w.Header().Set("Content-Type", "application/json")
	if resp.Ready {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logger := log.WithComponent("health")
		logger.Error().Err(err).Msg("failed to encode readiness response")
	}
}

// WritableDirChecker verifies a directory exists and accepts writes.
// Used for the recording and session roots; a read-only SD card is the
// most common field failure on these devices.
type WritableDirChecker struct {
	name string
	dir  string
}

// NewWritableDirChecker creates a checker for dir.
func NewWritableDirChecker(name, dir string) *WritableDirChecker {
	return &WritableDirChecker{name: name, dir: dir}
}

func (c *WritableDirChecker) Name() string { return c.name }

func (c *WritableDirChecker) Check(ctx context.Context) CheckResult {
	info, err := os.Stat(c.dir)
	if err != nil {
		return CheckResult{Status: StatusUnhealthy, Error: err.Error()}
	}
	if !info.IsDir() {
		return CheckResult{Status: StatusUnhealthy, Error: "not a directory", Message: c.dir}
	}
	probe := filepath.Join(c.dir, ".health_probe")
	if err := os.WriteFile(probe, []byte("ok"), 0o640); err != nil {
		return CheckResult{Status: StatusUnhealthy, Error: err.Error(), Message: "not writable"}
	}
	_ = os.Remove(probe)
	return CheckResult{Status: StatusHealthy, Message: "writable"}
}

// DiskSpaceChecker degrades when free space falls below the warning
// threshold and goes unhealthy below the critical one.
type DiskSpaceChecker struct {
	name       string
	path       string
	warnGB     uint64
	criticalGB uint64
	free       func(path string) (uint64, error)
}

// NewDiskSpaceChecker creates a disk space checker. free reports free
// bytes for a path.
func NewDiskSpaceChecker(name, path string, warnGB, criticalGB uint64,
	free func(path string) (uint64, error)) *DiskSpaceChecker {
	return &DiskSpaceChecker{name: name, path: path, warnGB: warnGB, criticalGB: criticalGB, free: free}
}

func (c *DiskSpaceChecker) Name() string { return c.name }

func (c *DiskSpaceChecker) Check(ctx context.Context) CheckResult {
	free, err := c.free(c.path)
	if err != nil {
		return CheckResult{Status: StatusUnhealthy, Error: err.Error()}
	}
	const gib = 1 << 30
	msg := fmt.Sprintf("%.1f GiB free", float64(free)/gib)
	switch {
	case free < c.criticalGB*gib:
		return CheckResult{Status: StatusUnhealthy, Message: msg}
	case free < c.warnGB*gib:
		return CheckResult{Status: StatusDegraded, Message: msg}
	default:
		return CheckResult{Status: StatusHealthy, Message: msg}
	}
}

// FuncChecker adapts a closure to the Checker interface; the daemon
// uses it for registry reachability and mode degradation.
type FuncChecker struct {
	name string
	fn   func(ctx context.Context) CheckResult
}

// NewFuncChecker creates a checker from fn.
func NewFuncChecker(name string, fn func(ctx context.Context) CheckResult) *FuncChecker {
	return &FuncChecker{name: name, fn: fn}
}

func (c *FuncChecker) Name() string { return c.name }

func (c *FuncChecker) Check(ctx context.Context) CheckResult { return c.fn(ctx) }
