// SPDX-License-Identifier: MIT

//go:build unix

package procgroup

import (
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startWaiting(t *testing.T, cmd *exec.Cmd) <-chan error {
	t.Helper()
	Set(cmd)
	require.NoError(t, cmd.Start())
	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()
	return waitCh
}

func TestTerminateNilCommand(t *testing.T) {
	assert.NoError(t, Terminate(nil, nil, time.Second))
}

func TestTerminateGraceful(t *testing.T) {
	cmd := exec.Command("sleep", "30")
	waitCh := startWaiting(t, cmd)

	start := time.Now()
	err := Terminate(cmd, waitCh, 5*time.Second)
	// sleep exits on SIGTERM with a non-zero status; the point is that it
	// exits well before the grace window.
	assert.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestTerminateEscalatesToKill(t *testing.T) {
	cmd := exec.Command("sh", "-c", "trap '' TERM; while true; do sleep 1; done")
	waitCh := startWaiting(t, cmd)

	err := Terminate(cmd, waitCh, 500*time.Millisecond)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrKillFailed)
}

func TestTerminateAlreadyExited(t *testing.T) {
	cmd := exec.Command("true")
	waitCh := startWaiting(t, cmd)
	time.Sleep(100 * time.Millisecond)

	assert.NoError(t, Terminate(cmd, waitCh, time.Second))
}
