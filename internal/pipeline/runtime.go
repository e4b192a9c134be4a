// SPDX-License-Identifier: MIT

package pipeline

import (
	"bufio"
	"context"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/camdeck/camdeck/internal/camerr"
	"github.com/camdeck/camdeck/internal/log"
	"github.com/camdeck/camdeck/internal/procgroup"
)

var (
	startTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "camdeck_pipeline_start_total",
		Help: "Total number of pipeline child process starts.",
	}, []string{"kind", "result"})

	exitTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "camdeck_pipeline_exit_total",
		Help: "Total number of pipeline child process exits.",
	}, []string{"kind", "reason"})

	transientTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "camdeck_pipeline_transient_total",
		Help: "Total number of transient bus errors swallowed.",
	}, []string{"kind"})
)

// State is the observable pipeline lifecycle.
type State string

const (
	StateNull    State = "null"
	StateReady   State = "ready"
	StatePaused  State = "paused"
	StatePlaying State = "playing"
	StateError   State = "error"
)

// Snapshot is a value copy of a pipeline instance's state.
type Snapshot struct {
	Name          string
	Kind          Kind
	State         State
	ErrorKind     camerr.Kind
	StartTime     time.Time
	BytesProduced int64
}

// Runtime owns one pipeline instance: a supervised gst-launch child. All
// mutation is serialized behind the mutex; observers get value snapshots.
// The runtime never retries on its own — retry policy belongs to the
// supervisors.
type Runtime struct {
	desc         *Description
	launchBin    string
	startTimeout time.Duration
	stopGrace    time.Duration
	testCommand  []string
	logger       zerolog.Logger

	mu         sync.Mutex
	state      State
	errKind    camerr.Kind
	startTime  time.Time
	stopping   bool
	cmd        *exec.Cmd
	waitCh     chan error
	playingCh  chan struct{}
	sawPlaying bool
	events     []Event
	ring       *lineRing
}

// RuntimeOption configures a Runtime.
type RuntimeOption func(*Runtime)

// WithStartTimeout bounds how long Start waits for the playing state.
func WithStartTimeout(d time.Duration) RuntimeOption {
	return func(r *Runtime) { r.startTimeout = d }
}

// WithStopGrace sets the SIGTERM grace before SIGKILL on stop.
func WithStopGrace(d time.Duration) RuntimeOption {
	return func(r *Runtime) { r.stopGrace = d }
}

// WithTestCommand replaces the gst-launch invocation entirely; tests use
// shell scripts that emit the state markers.
func WithTestCommand(bin string, args ...string) RuntimeOption {
	return func(r *Runtime) { r.testCommand = append([]string{bin}, args...) }
}

// NewRuntime creates a runtime for the given description. The description
// is owned by the runtime from here on.
func NewRuntime(desc *Description, opts ...RuntimeOption) *Runtime {
	r := &Runtime{
		desc:         desc,
		launchBin:    "gst-launch-1.0",
		startTimeout: 10 * time.Second,
		stopGrace:    5 * time.Second,
		state:        StateNull,
		ring:         newLineRing(256),
		logger: log.WithComponent("pipeline").With().
			Str(log.FieldPipeline, desc.Name).Logger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start launches the child and blocks until the pipeline reports the
// playing state, the deadline expires, or ctx is cancelled. On timeout or
// cancellation the child is torn down and the state returns to null.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.state != StateNull {
		r.mu.Unlock()
		return camerr.Newf(camerr.KindBusy, "pipeline %s already started", r.desc.Name)
	}

	argv := r.desc.Argv()
	bin := r.launchBin
	if len(r.testCommand) > 0 {
		bin = r.testCommand[0]
		argv = r.testCommand[1:]
	}

	// The child is intentionally not bound to ctx: cancellation must run
	// the orderly stop path so hardware is released before Start returns.
	cmd := exec.Command(bin, argv...) // #nosec G204 -- argv built by the pipeline builder
	procgroup.Set(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		r.mu.Unlock()
		return camerr.Wrap(camerr.KindPipelineFatal, "stdout pipe", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		r.mu.Unlock()
		return camerr.Wrap(camerr.KindPipelineFatal, "stderr pipe", err)
	}

	if err := cmd.Start(); err != nil {
		r.mu.Unlock()
		startTotal.WithLabelValues(string(r.desc.Kind), "error").Inc()
		return camerr.Wrap(camerr.KindPipelineFatal, "spawn", err)
	}

	r.cmd = cmd
	r.state = StateReady
	r.errKind = ""
	r.stopping = false
	r.startTime = time.Now()
	r.waitCh = make(chan error, 1)
	r.playingCh = make(chan struct{})
	r.sawPlaying = false
	playingCh := r.playingCh
	waitCh := r.waitCh

	var ioWg sync.WaitGroup
	ioWg.Add(2)
	go r.scan(stdout, &ioWg)
	go r.scan(stderr, &ioWg)

	go func() {
		err := cmd.Wait()
		ioWg.Wait()
		r.onExit(err)
		waitCh <- err
	}()

	r.mu.Unlock()
	r.logger.Info().Str(log.FieldEvent, "pipeline.start").Msg("pipeline child started")
	startTotal.WithLabelValues(string(r.desc.Kind), "ok").Inc()

	timer := time.NewTimer(r.startTimeout)
	defer timer.Stop()

	select {
	case <-playingCh:
		return nil
	case <-timer.C:
		_ = r.Stop(context.WithoutCancel(ctx))
		return camerr.Newf(camerr.KindStartTimeout,
			"pipeline %s did not reach playing within %s", r.desc.Name, r.startTimeout)
	case <-ctx.Done():
		_ = r.Stop(context.WithoutCancel(ctx))
		return ctx.Err()
	}
}

// scan consumes child output: state markers, bus event classification and
// the post-mortem ring.
func (r *Runtime) scan(pipe interface{ Read([]byte) (int, error) }, wg *sync.WaitGroup) {
	defer wg.Done()
	scanner := bufio.NewScanner(pipe)
	for scanner.Scan() {
		line := scanner.Text()
		_, _ = r.ring.Write([]byte(line + "\n"))
		r.observe(line)
	}
}

func (r *Runtime) observe(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch {
	case strings.Contains(line, "Setting pipeline to PLAYING"),
		strings.Contains(line, "New clock:"):
		if r.state == StateReady || r.state == StatePaused {
			r.setStateLocked(StatePlaying)
			if !r.sawPlaying {
				r.sawPlaying = true
				close(r.playingCh)
			}
		}
	case strings.Contains(line, "Setting pipeline to PAUSED"):
		if r.state == StateReady {
			r.setStateLocked(StatePaused)
		}
	}

	ev, ok := classify(line)
	if !ok {
		return
	}
	r.events = append(r.events, ev)
	if ev.Fatal && r.state != StateError && !r.stopping {
		r.errKind = camerr.KindPipelineFatal
		r.setStateLocked(StateError)
	}
	if !ev.Fatal {
		transientTotal.WithLabelValues(string(r.desc.Kind)).Inc()
	}
}

func (r *Runtime) onExit(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	reason := "clean"
	if r.stopping {
		reason = "stopped"
	} else if err != nil || r.state == StateError {
		reason = "error"
		if r.state != StateError {
			r.errKind = camerr.KindPipelineFatal
			r.setStateLocked(StateError)
		}
		r.logger.Error().
			Strs("stderr", r.ring.LastN(15)).
			Str(log.FieldEvent, "pipeline.exit").
			Msg("pipeline child exited with error")
	}
	exitTotal.WithLabelValues(string(r.desc.Kind), reason).Inc()
}

func (r *Runtime) setStateLocked(s State) {
	if r.state == s {
		return
	}
	r.logger.Debug().
		Str(log.FieldOldState, string(r.state)).
		Str(log.FieldNewState, string(s)).
		Msg("pipeline state change")
	r.state = s
}

// Stop tears the child down and returns once the process tree is gone.
// Idempotent; hardware resources are released before it returns.
func (r *Runtime) Stop(ctx context.Context) error {
	r.mu.Lock()
	if r.cmd == nil || r.state == StateNull {
		r.state = StateNull
		r.mu.Unlock()
		return nil
	}
	r.stopping = true
	cmd := r.cmd
	waitCh := r.waitCh
	r.mu.Unlock()

	err := procgroup.Terminate(cmd, waitCh, r.stopGrace)

	r.mu.Lock()
	r.cmd = nil
	r.setStateLocked(StateNull)
	r.errKind = ""
	r.mu.Unlock()

	if err != nil && err == procgroup.ErrKillFailed {
		return camerr.Wrap(camerr.KindPipelineFatal, "stop "+r.desc.Name, err)
	}
	// A non-zero exit during teardown is expected; the stop succeeded.
	return nil
}

// Snapshot returns a value copy of the instance state.
func (r *Runtime) Snapshot() Snapshot {
	r.mu.Lock()
	snap := Snapshot{
		Name:      r.desc.Name,
		Kind:      r.desc.Kind,
		State:     r.state,
		ErrorKind: r.errKind,
		StartTime: r.startTime,
	}
	r.mu.Unlock()

	if r.desc.OutputFile != "" {
		if info, err := os.Stat(r.desc.OutputFile); err == nil {
			snap.BytesProduced = info.Size()
		}
	}
	return snap
}

// DrainEvents returns the bus events accumulated since the last call.
func (r *Runtime) DrainEvents() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.events
	r.events = nil
	return out
}

// LastLogLines returns the last n lines of child output.
func (r *Runtime) LastLogLines(n int) []string {
	return r.ring.LastN(n)
}

// Description returns the description this runtime executes.
func (r *Runtime) Description() *Description {
	return r.desc
}
