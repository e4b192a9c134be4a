// SPDX-License-Identifier: MIT

package daemon

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/camdeck/camdeck/internal/config"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testServerConfig() config.ServerConfig {
	return config.ServerConfig{
		Listen:          "127.0.0.1:0",
		ReadTimeout:     config.Duration(time.Second),
		WriteTimeout:    config.Duration(time.Second),
		ShutdownTimeout: config.Duration(2 * time.Second),
	}
}

func noopHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestNewManagerRequiresAPIHandler(t *testing.T) {
	_, err := NewManager(testServerConfig(), Deps{})
	require.Error(t, err)
}

func TestStartAndCancelRunsHooksLIFO(t *testing.T) {
	m, err := NewManager(testServerConfig(), Deps{APIHandler: noopHandler()})
	require.NoError(t, err)

	var mu sync.Mutex
	var order []string
	m.RegisterShutdownHook("first", func(ctx context.Context) error {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, "first")
		return nil
	})
	m.RegisterShutdownHook("second", func(ctx context.Context) error {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, "second")
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Start(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("manager did not stop")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"second", "first"}, order)
}

func TestHookFailureReported(t *testing.T) {
	m, err := NewManager(testServerConfig(), Deps{APIHandler: noopHandler()})
	require.NoError(t, err)

	m.RegisterShutdownHook("broken", func(ctx context.Context) error {
		return errors.New("cleanup failed")
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Start(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	err = <-done
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken")
}

func TestShutdownBeforeStart(t *testing.T) {
	m, err := NewManager(testServerConfig(), Deps{APIHandler: noopHandler()})
	require.NoError(t, err)
	assert.ErrorIs(t, m.Shutdown(context.Background()), ErrNotStarted)
}

func TestListenFailurePropagates(t *testing.T) {
	cfg := testServerConfig()
	cfg.Listen = "127.0.0.1:99999"
	m, err := NewManager(cfg, Deps{APIHandler: noopHandler()})
	require.NoError(t, err)

	err = m.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "api server")
}

func TestShutdownIdempotent(t *testing.T) {
	m, err := NewManager(testServerConfig(), Deps{APIHandler: noopHandler()})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Start(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	// A second shutdown is a no-op.
	require.NoError(t, m.Shutdown(context.Background()))
}
