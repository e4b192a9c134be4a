// SPDX-License-Identifier: MIT

// Package procgroup spawns media child processes in their own process
// group and tears the whole tree down. gst-launch forks helpers for some
// hardware elements; killing only the leader would leak the encoder.
package procgroup

import (
	"errors"
	"os/exec"
	"time"
)

// ErrKillFailed reports that a process group survived SIGKILL within the
// allotted window.
var ErrKillFailed = errors.New("process group kill failed")

// Set configures the command to start in a new process group. Mandatory
// for Terminate to act as a group reaper.
func Set(cmd *exec.Cmd) {
	set(cmd)
}

// Terminate gracefully stops a process group: SIGTERM, wait for the exit
// delivered on waitCh, SIGKILL after grace. It consumes and returns the
// error from waitCh. Safe to call on nil commands.
func Terminate(cmd *exec.Cmd, waitCh <-chan error, grace time.Duration) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}

	_ = signalGroup(cmd, false)

	select {
	case err := <-waitCh:
		return err
	case <-time.After(grace):
	}

	_ = signalGroup(cmd, true)

	// The wait channel must always be drained so the exec.Cmd is reaped.
	select {
	case err := <-waitCh:
		return err
	case <-time.After(grace):
		return ErrKillFailed
	}
}
