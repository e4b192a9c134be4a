// SPDX-License-Identifier: MIT

package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadyAggregatesWorstStatus(t *testing.T) {
	m := NewManager("test")
	m.RegisterChecker(NewFuncChecker("ok", func(ctx context.Context) CheckResult {
		return CheckResult{Status: StatusHealthy}
	}))
	m.RegisterChecker(NewFuncChecker("warn", func(ctx context.Context) CheckResult {
		return CheckResult{Status: StatusDegraded}
	}))

	resp := m.Ready(context.Background())
	assert.True(t, resp.Ready)
	assert.Equal(t, StatusDegraded, resp.Status)

	m.RegisterChecker(NewFuncChecker("dead", func(ctx context.Context) CheckResult {
		return CheckResult{Status: StatusUnhealthy}
	}))
	resp = m.Ready(context.Background())
	assert.False(t, resp.Ready)
	assert.Equal(t, StatusUnhealthy, resp.Status)
}

func TestServeReadyStatusCodes(t *testing.T) {
	m := NewManager("test")
	rec := httptest.NewRecorder()
	m.ServeReady(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	m.RegisterChecker(NewFuncChecker("dead", func(ctx context.Context) CheckResult {
		return CheckResult{Status: StatusUnhealthy, Error: "down"}
	}))
	rec = httptest.NewRecorder()
	m.ServeReady(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServeHealthAlways200(t *testing.T) {
	m := NewManager("test")
	m.RegisterChecker(NewFuncChecker("dead", func(ctx context.Context) CheckResult {
		return CheckResult{Status: StatusUnhealthy}
	}))
	rec := httptest.NewRecorder()
	m.ServeHealth(rec, httptest.NewRequest(http.MethodGet, "/healthz?verbose=true", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "unhealthy")
}

func TestWritableDirChecker(t *testing.T) {
	c := NewWritableDirChecker("sessions", t.TempDir())
	res := c.Check(context.Background())
	assert.Equal(t, StatusHealthy, res.Status)

	c = NewWritableDirChecker("sessions", "/nonexistent/path")
	res = c.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, res.Status)
}

func TestDiskSpaceChecker(t *testing.T) {
	const gib = 1 << 30
	free := uint64(20 * gib)
	c := NewDiskSpaceChecker("disk", "/data", 10, 5, func(path string) (uint64, error) {
		return free, nil
	})

	assert.Equal(t, StatusHealthy, c.Check(context.Background()).Status)

	free = 7 * gib
	assert.Equal(t, StatusDegraded, c.Check(context.Background()).Status)

	free = 2 * gib
	assert.Equal(t, StatusUnhealthy, c.Check(context.Background()).Status)
}

func TestDiskSpaceCheckerError(t *testing.T) {
	c := NewDiskSpaceChecker("disk", "/data", 10, 5, func(path string) (uint64, error) {
		return 0, errors.New("statfs failed")
	})
	res := c.Check(context.Background())
	require.Equal(t, StatusUnhealthy, res.Status)
	assert.Equal(t, "statfs failed", res.Error)
}
