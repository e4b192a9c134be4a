// SPDX-License-Identifier: MIT

// Package mode arbitrates the two mutually exclusive operating regimes:
// recorder (local capture, recording, mixing) and peer_webrtc (devices
// handed to the external conferencing stack). Capture hardware can only
// be held by one regime, so switching stops everything, verifies the
// devices are actually released and only then starts the target.
package mode

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/google/renameio/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/camdeck/camdeck/internal/camerr"
	"github.com/camdeck/camdeck/internal/config"
	"github.com/camdeck/camdeck/internal/events"
	"github.com/camdeck/camdeck/internal/log"
	"github.com/camdeck/camdeck/internal/platform"
)

var switchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "camdeck_mode_switch_total",
	Help: "Total number of mode switch attempts by result.",
}, []string{"target", "result"})

// Service is one unit of work owned by a mode. The arbiter starts and
// stops services in registration order and reverse order respectively.
type Service interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// ProbeBusyFunc verifies a capture device can be opened. Injected so
// tests avoid real device nodes.
type ProbeBusyFunc func(ctx context.Context, device string, timeout time.Duration) error

// persistedState is the mode_state.json document.
type persistedState struct {
	Mode      config.Mode `json:"mode"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// Status is the arbiter snapshot.
type Status struct {
	// Mode is empty while degraded: nothing is running then.
	Mode     config.Mode `json:"mode,omitempty"`
	Degraded bool        `json:"degraded"`
}

// Arbiter owns the current operating mode. Switches are strictly
// serialized; a switch arriving while one runs fails fast with
// KindBusy instead of queueing.
type Arbiter struct {
	services  map[config.Mode][]Service
	devices   []string
	statePath string
	persist   bool
	bus       *events.Bus
	probeBusy ProbeBusyFunc
	logger    zerolog.Logger

	stopTimeout    time.Duration
	releaseTimeout time.Duration
	startTimeout   time.Duration

	switchMu sync.Mutex

	mu       sync.Mutex
	current  config.Mode
	degraded bool
}

// Option configures the Arbiter.
type Option func(*Arbiter)

// WithProbeBusy injects the device release check.
func WithProbeBusy(fn ProbeBusyFunc) Option {
	return func(a *Arbiter) { a.probeBusy = fn }
}

// WithTimeouts overrides the per-service stop, device release and
// per-service start budgets.
func WithTimeouts(stop, release, start time.Duration) Option {
	return func(a *Arbiter) {
		a.stopTimeout = stop
		a.releaseTimeout = release
		a.startTimeout = start
	}
}

// New creates an arbiter over the given per-mode service sets.
func New(services map[config.Mode][]Service, devices []string,
	statePath string, persist bool, bus *events.Bus, opts ...Option) *Arbiter {

	a := &Arbiter{
		services:       services,
		devices:        devices,
		statePath:      statePath,
		persist:        persist,
		bus:            bus,
		probeBusy:      platform.ProbeBusy,
		logger:         log.WithComponent("mode"),
		stopTimeout:    5 * time.Second,
		releaseTimeout: 3 * time.Second,
		startTimeout:   10 * time.Second,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Startup enters the initial mode: the persisted one when enabled and
// readable, the configured default otherwise.
func (a *Arbiter) Startup(ctx context.Context, def config.Mode) error {
	target := def
	if a.persist {
		if st, err := a.loadState(); err == nil {
			if _, ok := a.services[st.Mode]; ok {
				target = st.Mode
			}
		}
	}
	return a.SwitchTo(ctx, target)
}

// Status returns the current mode.
func (a *Arbiter) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Status{Mode: a.current, Degraded: a.degraded}
}

// SwitchTo moves the system to the target mode. Switching to the
// current mode is a no-op unless the system is degraded, in which case
// it retries the full entry sequence.
func (a *Arbiter) SwitchTo(ctx context.Context, target config.Mode) error {
	if !a.switchMu.TryLock() {
		return camerr.New(camerr.KindBusy, "mode switch already in progress")
	}
	defer a.switchMu.Unlock()

	if _, ok := a.services[target]; !ok {
		return camerr.Newf(camerr.KindConfigInvalid, "unknown mode %q", target)
	}

	a.mu.Lock()
	current := a.current
	degraded := a.degraded
	a.mu.Unlock()

	if current == target && !degraded {
		return nil
	}

	a.logger.Info().Str(log.FieldMode, string(target)).
		Str("from", string(current)).Msg("mode switch started")

	// Leave the current mode completely before touching the target.
	if current != "" && !degraded {
		a.stopServices(ctx, a.services[current])
	}

	if err := a.verifyDevicesReleased(ctx); err != nil {
		// Devices still held: re-enter the old mode rather than leave
		// the system dead between modes.
		switchTotal.WithLabelValues(string(target), "device_busy").Inc()
		if current != "" {
			if rerr := a.startServices(ctx, a.services[current]); rerr != nil {
				a.enterDegraded(rerr)
				return err
			}
		}
		return err
	}

	if err := a.startServices(ctx, a.services[target]); err != nil {
		switchTotal.WithLabelValues(string(target), "start_failed").Inc()
		a.stopServices(context.WithoutCancel(ctx), a.services[target])
		if current != "" {
			if rerr := a.startServices(ctx, a.services[current]); rerr == nil {
				a.logger.Warn().Err(err).Msg("mode switch failed, previous mode restored")
				return err
			}
		}
		a.enterDegraded(err)
		return err
	}

	a.mu.Lock()
	a.current = target
	a.degraded = false
	a.mu.Unlock()

	if a.persist {
		if err := a.saveState(target); err != nil {
			a.logger.Warn().Err(err).Msg("mode state not persisted")
		}
	}
	switchTotal.WithLabelValues(string(target), "ok").Inc()
	a.publish()
	a.logger.Info().Str(log.FieldMode, string(target)).Msg("mode switch complete")
	return nil
}

// Shutdown stops the active mode's services.
func (a *Arbiter) Shutdown(ctx context.Context) {
	a.switchMu.Lock()
	defer a.switchMu.Unlock()

	a.mu.Lock()
	current := a.current
	degraded := a.degraded
	a.current = ""
	a.mu.Unlock()

	if current != "" && !degraded {
		a.stopServices(ctx, a.services[current])
	}
}

// stopServices stops in reverse registration order, bounding each stop.
// A hanging service is logged and skipped; the switch must proceed.
func (a *Arbiter) stopServices(ctx context.Context, svcs []Service) {
	for i := len(svcs) - 1; i >= 0; i-- {
		svc := svcs[i]
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.stopTimeout)
		if err := svc.Stop(stopCtx); err != nil {
			a.logger.Error().Err(err).Str("service", svc.Name()).
				Msg("service did not stop cleanly")
		}
		cancel()
	}
}

// startServices starts in order; the first failure stops the already
// started prefix and aborts.
func (a *Arbiter) startServices(ctx context.Context, svcs []Service) error {
	for i, svc := range svcs {
		startCtx, cancel := context.WithTimeout(ctx, a.startTimeout)
		err := svc.Start(startCtx)
		cancel()
		if err != nil {
			a.stopServices(ctx, svcs[:i])
			return camerr.Wrap(camerr.KindPipelineFatal, "start "+svc.Name(), err)
		}
	}
	return nil
}

func (a *Arbiter) verifyDevicesReleased(ctx context.Context) error {
	for _, dev := range a.devices {
		if err := a.probeBusy(ctx, dev, a.releaseTimeout); err != nil {
			return camerr.Wrap(camerr.KindDeviceBusy, "device "+dev+" not released", err)
		}
	}
	return nil
}

// enterDegraded parks the system with nothing running. No mode is
// current while degraded; only another SwitchTo can leave this state.
func (a *Arbiter) enterDegraded(err error) {
	a.mu.Lock()
	a.degraded = true
	a.current = ""
	a.mu.Unlock()
	a.logger.Error().Err(err).Msg("entering degraded state, no mode active")
	a.publish()
}

func (a *Arbiter) publish() {
	if a.bus == nil {
		return
	}
	a.bus.Publish(events.TopicMode, a.Status())
}

func (a *Arbiter) loadState() (persistedState, error) {
	var st persistedState
	data, err := os.ReadFile(a.statePath) // #nosec G304 -- operator-supplied path
	if err != nil {
		return st, err
	}
	if err := json.Unmarshal(data, &st); err != nil {
		return st, err
	}
	return st, nil
}

func (a *Arbiter) saveState(mode config.Mode) error {
	data, err := json.MarshalIndent(persistedState{Mode: mode, UpdatedAt: time.Now()}, "", "  ")
	if err != nil {
		return err
	}
	return renameio.WriteFile(a.statePath, data, 0o640)
}
