// SPDX-License-Identifier: MIT

// Package ingest supervises the per-camera capture pipelines. Each
// enabled camera gets its own control loop that samples the incoming
// HDMI signal, starts and restarts the encode pipeline, debounces
// source resolution changes and gates on the stream registry before
// declaring the camera streaming.
package ingest

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/camdeck/camdeck/internal/camerr"
	"github.com/camdeck/camdeck/internal/config"
	"github.com/camdeck/camdeck/internal/events"
	"github.com/camdeck/camdeck/internal/log"
	"github.com/camdeck/camdeck/internal/pipeline"
	"github.com/camdeck/camdeck/internal/platform"
	"github.com/camdeck/camdeck/internal/registry"
)

var (
	restartTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "camdeck_ingest_restart_total",
		Help: "Total number of ingest pipeline restart attempts.",
	}, []string{"camera"})

	noSignalTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "camdeck_ingest_no_signal_total",
		Help: "Total number of no-signal transitions per camera.",
	}, []string{"camera"})

	cameraUp = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "camdeck_ingest_camera_up",
		Help: "Whether the camera ingest pipeline is streaming (1) or not (0).",
	}, []string{"camera"})
)

// Status is the externally visible camera state.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusStarting  Status = "starting"
	StatusStreaming Status = "streaming"
	StatusRecording Status = "recording"
	StatusNoSignal  Status = "no_signal"
	StatusError     Status = "error"
)

// CameraState is the published runtime state of one camera.
type CameraState struct {
	CameraID         string            `json:"camera_id"`
	Status           Status            `json:"status"`
	HasSignal        bool              `json:"has_signal"`
	SourceResolution config.Resolution `json:"actual_resolution"`
	RestartCount     int               `json:"restart_count"`
	LastError        string            `json:"last_error,omitempty"`
	ErrorKind        camerr.Kind       `json:"error_kind,omitempty"`
	AudioDisabled    bool              `json:"audio_disabled,omitempty"`
	StartedAt        time.Time         `json:"started_at,omitzero"`
}

// Runtime abstracts one supervised pipeline child. Satisfied by
// *pipeline.Runtime; tests substitute fakes.
type Runtime interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Snapshot() pipeline.Snapshot
	DrainEvents() []pipeline.Event
}

// RuntimeFactory builds a Runtime for a pipeline description.
type RuntimeFactory func(desc *pipeline.Description) Runtime

// SignalProber samples the incoming signal of a capture device.
type SignalProber interface {
	QueryTimings(ctx context.Context, device string) (config.Resolution, error)
}

// EncoderResolver picks the encoder profile for a codec.
type EncoderResolver interface {
	Resolve(ctx context.Context, codec config.Codec, bitrateKbps, framerate int, is4K bool) (platform.EncoderProfile, error)
}

// PathChecker answers whether a registry path has a live publisher.
type PathChecker interface {
	GetPath(ctx context.Context, name string) (registry.StreamPath, error)
}

// backoffSteps is the restart schedule. The last step repeats forever;
// a camera is never given up on.
var backoffSteps = []time.Duration{
	1 * time.Second,
	2 * time.Second,
	5 * time.Second,
	10 * time.Second,
	30 * time.Second,
}

// Supervisor owns the per-camera control loops.
type Supervisor struct {
	cfg         config.IngestConfig
	publishBase string
	prober      SignalProber
	resolver    EncoderResolver
	paths       PathChecker
	bus         *events.Bus
	factory     RuntimeFactory
	publishPoll time.Duration
	logger      zerolog.Logger

	mu   sync.Mutex
	cams map[string]*camera
	// idle holds cameras that were supervised and then stopped. They
	// stay visible in status output until dropped from the config.
	idle map[string]CameraState
}

// Option configures the Supervisor.
type Option func(*Supervisor)

// WithPublishPoll overrides the registry poll interval of the
// publication gate. Tests shrink it.
func WithPublishPoll(d time.Duration) Option {
	return func(s *Supervisor) { s.publishPoll = d }
}

// NewSupervisor wires a supervisor. factory may be nil, in which case
// real gst-launch runtimes are spawned.
func NewSupervisor(cfg config.IngestConfig, publishBase string, prober SignalProber,
	resolver EncoderResolver, paths PathChecker, bus *events.Bus,
	factory RuntimeFactory, opts ...Option) *Supervisor {

	s := &Supervisor{
		cfg:         cfg,
		publishBase: publishBase,
		prober:      prober,
		resolver:    resolver,
		paths:       paths,
		bus:         bus,
		factory:     factory,
		publishPoll: 500 * time.Millisecond,
		logger:      log.WithComponent("ingest"),
		cams:        make(map[string]*camera),
		idle:        make(map[string]CameraState),
	}
	if s.factory == nil {
		s.factory = func(desc *pipeline.Description) Runtime {
			return pipeline.NewRuntime(desc,
				pipeline.WithStartTimeout(cfg.StartTimeout.Duration()))
		}
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// EnsureRunning starts the control loop for a camera. Idempotent: an
// already supervised camera is left alone.
func (s *Supervisor) EnsureRunning(cam config.CameraConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.cams[cam.ID]; ok {
		return
	}
	delete(s.idle, cam.ID)
	c := newCamera(s, cam)
	s.cams[cam.ID] = c
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go c.run(ctx)
	s.logger.Info().Str(log.FieldCameraID, cam.ID).Msg("camera supervision started")
}

// Stop halts one camera's loop and pipeline. The camera stays listed
// as idle. Stopping an already idle camera is a no-op returning true;
// never-supervised cameras return false.
func (s *Supervisor) Stop(ctx context.Context, camID string) bool {
	s.mu.Lock()
	c, ok := s.cams[camID]
	if ok {
		delete(s.cams, camID)
	}
	_, wasIdle := s.idle[camID]
	s.mu.Unlock()
	if !ok {
		return wasIdle
	}
	c.shutdown(ctx)
	s.parkIdle(c)
	s.logger.Info().Str(log.FieldCameraID, camID).Msg("camera supervision stopped")
	return true
}

// StopAll halts every camera loop.
func (s *Supervisor) StopAll(ctx context.Context) {
	s.mu.Lock()
	cams := make([]*camera, 0, len(s.cams))
	for id, c := range s.cams {
		cams = append(cams, c)
		delete(s.cams, id)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, c := range cams {
		wg.Add(1)
		go func(c *camera) {
			defer wg.Done()
			c.shutdown(ctx)
		}(c)
	}
	wg.Wait()

	for _, c := range cams {
		s.parkIdle(c)
	}
}

// parkIdle records a stopped camera so status output keeps listing it.
// The restart count survives the stop; everything else resets.
func (s *Supervisor) parkIdle(c *camera) {
	st := c.State()
	s.mu.Lock()
	s.idle[c.cfg.ID] = CameraState{
		CameraID:     c.cfg.ID,
		Status:       StatusIdle,
		RestartCount: st.RestartCount,
	}
	s.mu.Unlock()
}

// Reconcile aligns supervision with a new camera list after a config
// reload. Removed or disabled cameras stop; new enabled ones start;
// cameras with changed settings restart.
func (s *Supervisor) Reconcile(ctx context.Context, cams []config.CameraConfig) {
	want := make(map[string]config.CameraConfig, len(cams))
	for _, cam := range cams {
		if cam.Enabled {
			want[cam.ID] = cam
		}
	}

	s.mu.Lock()
	var stop []string
	for id, c := range s.cams {
		cfg, ok := want[id]
		if !ok || cfg != c.cfg {
			stop = append(stop, id)
		} else {
			delete(want, id)
		}
	}
	s.mu.Unlock()

	for _, id := range stop {
		s.Stop(ctx, id)
	}

	// Idle cameras that left the config stop being listed.
	s.mu.Lock()
	for id := range s.idle {
		if _, ok := want[id]; !ok {
			delete(s.idle, id)
		}
	}
	s.mu.Unlock()
	for _, cam := range want {
		s.EnsureRunning(cam)
	}
}

// States returns the state of every known camera, sorted by ID.
// Stopped cameras report idle until removed from the config.
func (s *Supervisor) States() []CameraState {
	s.mu.Lock()
	cams := make([]*camera, 0, len(s.cams))
	for _, c := range s.cams {
		cams = append(cams, c)
	}
	parked := make([]CameraState, 0, len(s.idle))
	for _, st := range s.idle {
		parked = append(parked, st)
	}
	s.mu.Unlock()

	out := make([]CameraState, 0, len(cams)+len(parked))
	for _, c := range cams {
		out = append(out, c.State())
	}
	out = append(out, parked...)
	sort.Slice(out, func(i, j int) bool { return out[i].CameraID < out[j].CameraID })
	return out
}

// State returns one camera's state.
func (s *Supervisor) State(camID string) (CameraState, bool) {
	s.mu.Lock()
	c, ok := s.cams[camID]
	if !ok {
		st, parked := s.idle[camID]
		s.mu.Unlock()
		return st, parked
	}
	s.mu.Unlock()
	return c.State(), true
}

// MarkRecording flips a streaming camera to the recording status and
// back. Called by the recording supervisor.
func (s *Supervisor) MarkRecording(camID string, recording bool) {
	s.mu.Lock()
	c, ok := s.cams[camID]
	s.mu.Unlock()
	if !ok {
		return
	}
	c.setRecording(recording)
}

// camera is one supervised capture input.
type camera struct {
	sup    *Supervisor
	cfg    config.CameraConfig
	cancel context.CancelFunc
	done   chan struct{}
	logger zerolog.Logger

	mu            sync.Mutex
	state         CameraState
	rt            Runtime
	preview       Runtime
	audioDisabled bool
	recording     bool
}

func newCamera(sup *Supervisor, cfg config.CameraConfig) *camera {
	return &camera{
		sup:  sup,
		cfg:  cfg,
		done: make(chan struct{}),
		state: CameraState{
			CameraID: cfg.ID,
			Status:   StatusIdle,
		},
		logger: sup.logger.With().Str(log.FieldCameraID, cfg.ID).Logger(),
	}
}

// run is the camera control loop. It owns all pipeline lifecycle
// decisions for this camera; nothing else starts or stops its runtime.
func (c *camera) run(ctx context.Context) {
	defer close(c.done)

	interval := c.sup.cfg.SampleInterval.Duration()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var (
		noSignalSamples int
		backoffIdx      int
		nextAttempt     time.Time
		pendingRes      config.Resolution
		pendingSince    time.Time
		lastChange      time.Time
	)

	for {
		select {
		case <-ctx.Done():
			c.teardown()
			return
		case <-ticker.C:
		}

		res, err := c.sup.prober.QueryTimings(ctx, c.cfg.Device)
		if err != nil {
			noSignalSamples++
			// Two consecutive failed samples before the camera is
			// declared signal-less; a single glitch is ignored.
			if noSignalSamples < 2 {
				continue
			}
			hadRuntime := c.runtime() != nil
			if hadRuntime {
				c.stopPipelines(ctx)
				restartTotal.WithLabelValues(c.cfg.ID).Inc()
			}
			if c.publishState(func(st *CameraState) {
				st.Status = StatusNoSignal
				st.HasSignal = false
				st.SourceResolution = config.Resolution{}
				// A torn-down pipeline counts as one restart no matter
				// what triggered the teardown.
				if hadRuntime {
					st.RestartCount++
				}
			}) {
				noSignalTotal.WithLabelValues(c.cfg.ID).Inc()
			}
			pendingRes = config.Resolution{}
			backoffIdx = 0
			nextAttempt = time.Time{}
			continue
		}
		noSignalSamples = 0

		rt := c.runtime()
		now := time.Now()

		if rt == nil {
			if now.Before(nextAttempt) {
				continue
			}
			c.publishState(func(st *CameraState) {
				st.Status = StatusStarting
				st.HasSignal = true
				st.SourceResolution = res
			})
			if err := c.startPipelines(ctx, res); err != nil {
				delay := backoffSteps[backoffIdx]
				if max := c.sup.cfg.BackoffMax.Duration(); delay > max {
					delay = max
				}
				if backoffIdx < len(backoffSteps)-1 {
					backoffIdx++
				}
				nextAttempt = now.Add(delay)
				restartTotal.WithLabelValues(c.cfg.ID).Inc()
				c.publishState(func(st *CameraState) {
					st.Status = StatusError
					st.LastError = err.Error()
					st.ErrorKind = camerr.KindOf(err)
					st.RestartCount++
				})
				c.logger.Warn().Err(err).Dur("retry_in", delay).Msg("ingest start failed")
				continue
			}
			backoffIdx = 0
			nextAttempt = time.Time{}
			c.mu.Lock()
			recording := c.recording
			audioOff := c.audioDisabled
			c.mu.Unlock()
			c.publishState(func(st *CameraState) {
				st.Status = StatusStreaming
				if recording {
					st.Status = StatusRecording
				}
				st.HasSignal = true
				st.SourceResolution = res
				st.LastError = ""
				st.ErrorKind = ""
				st.AudioDisabled = audioOff
				st.StartedAt = time.Now()
			})
			continue
		}

		snap := rt.Snapshot()
		if snap.State == pipeline.StateError {
			c.inspectFailure(rt)
			c.stopPipelines(ctx)
			restartTotal.WithLabelValues(c.cfg.ID).Inc()
			c.publishState(func(st *CameraState) {
				st.Status = StatusError
				st.LastError = "pipeline failed"
				st.ErrorKind = camerr.KindPipelineFatal
				st.RestartCount++
			})
			// Restart goes through the normal backoff gate next tick.
			delay := backoffSteps[0]
			nextAttempt = now.Add(delay)
			backoffIdx = 1
			continue
		}

		current := c.State().SourceResolution
		if res != current {
			if pendingRes != res {
				pendingRes = res
				pendingSince = now
				// Repeated flapping within the window earns the long
				// debounce; an isolated change restarts quickly.
				if !lastChange.IsZero() && now.Sub(lastChange) < c.sup.cfg.DebounceWindow.Duration() {
					pendingSince = now.Add(c.sup.cfg.DebounceMax.Duration() - c.sup.cfg.DebounceMin.Duration())
				}
				lastChange = now
			}
			if now.Sub(pendingSince) >= c.sup.cfg.DebounceMin.Duration() {
				c.logger.Info().
					Str(log.FieldResolution, res.String()).
					Msg("source resolution changed, restarting ingest")
				c.stopPipelines(ctx)
				restartTotal.WithLabelValues(c.cfg.ID).Inc()
				c.publishState(func(st *CameraState) {
					st.RestartCount++
				})
				pendingRes = config.Resolution{}
				// Next tick re-enters the start path with the new timings.
			}
			continue
		}
		pendingRes = config.Resolution{}
	}
}

// startPipelines resolves the encoder, spawns the ingest pipeline and
// holds it at the publication gate until the registry reports a live
// publisher.
func (c *camera) startPipelines(ctx context.Context, source config.Resolution) error {
	out := c.cfg.Resolution
	if !source.IsZero() && (source.Width < out.Width || out.IsZero()) {
		out = source
	}
	profile, err := c.sup.resolver.Resolve(ctx, c.cfg.Codec, c.cfg.BitrateKbps, c.cfg.Framerate, out.Is4K())
	if err != nil {
		return err
	}

	cam := c.cfg
	c.mu.Lock()
	if c.audioDisabled {
		cam.AudioEnabled = false
	}
	c.mu.Unlock()

	in := pipeline.BuildInput{
		Camera:      cam,
		Source:      source,
		Profile:     profile,
		PublishBase: c.sup.publishBase,
	}
	rt := c.sup.factory(pipeline.BuildIngest(in))
	if err := rt.Start(ctx); err != nil {
		return err
	}

	if err := c.awaitPublication(ctx); err != nil {
		_ = rt.Stop(context.WithoutCancel(ctx))
		return err
	}

	c.mu.Lock()
	c.rt = rt
	c.mu.Unlock()
	cameraUp.WithLabelValues(c.cfg.ID).Set(1)

	if cam.Preview {
		pv := c.sup.factory(pipeline.BuildPreview(in))
		if err := pv.Start(ctx); err != nil {
			// Preview is best effort; the camera still streams.
			c.logger.Warn().Err(err).Msg("preview pipeline failed to start")
		} else {
			c.mu.Lock()
			c.preview = pv
			c.mu.Unlock()
		}
	}
	return nil
}

// awaitPublication polls the registry until the camera path has a live
// publisher or the gate times out.
func (c *camera) awaitPublication(ctx context.Context) error {
	deadline := time.Now().Add(c.sup.cfg.PublishTimeout.Duration())
	ticker := time.NewTicker(c.sup.publishPoll)
	defer ticker.Stop()

	for {
		sp, err := c.sup.paths.GetPath(ctx, c.cfg.ID)
		if err == nil && sp.Ready {
			return nil
		}
		if time.Now().After(deadline) {
			if err != nil {
				return err
			}
			return camerr.Newf(camerr.KindNoPublishers,
				"path %s never became ready", c.cfg.ID)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// inspectFailure drains the failed runtime's events and disables the
// audio branch when the failure came from the audio capture, so the
// next start keeps video alive.
func (c *camera) inspectFailure(rt Runtime) {
	for _, ev := range rt.DrainEvents() {
		if !ev.Fatal {
			continue
		}
		msg := strings.ToLower(ev.Message)
		if strings.Contains(msg, "alsasrc") || strings.Contains(msg, "audio") {
			c.mu.Lock()
			if !c.audioDisabled && c.cfg.AudioEnabled {
				c.audioDisabled = true
				c.logger.Warn().Str(log.FieldDevice, c.cfg.AudioDevice).
					Msg("audio capture failed, continuing without audio")
			}
			c.mu.Unlock()
		}
	}
}

func (c *camera) stopPipelines(ctx context.Context) {
	c.mu.Lock()
	rt, pv := c.rt, c.preview
	c.rt, c.preview = nil, nil
	c.mu.Unlock()

	if pv != nil {
		_ = pv.Stop(ctx)
	}
	if rt != nil {
		_ = rt.Stop(ctx)
	}
	cameraUp.WithLabelValues(c.cfg.ID).Set(0)
}

func (c *camera) teardown() {
	c.stopPipelines(context.Background())
	c.publishState(func(st *CameraState) {
		st.Status = StatusIdle
		st.HasSignal = false
	})
}

func (c *camera) shutdown(ctx context.Context) {
	c.cancel()
	select {
	case <-c.done:
	case <-ctx.Done():
	}
}

func (c *camera) runtime() Runtime {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rt
}

func (c *camera) setRecording(recording bool) {
	c.mu.Lock()
	c.recording = recording
	c.mu.Unlock()
	c.publishState(func(st *CameraState) {
		if recording && st.Status == StatusStreaming {
			st.Status = StatusRecording
		}
		if !recording && st.Status == StatusRecording {
			st.Status = StatusStreaming
		}
	})
}

// State returns a copy of the camera's published state.
func (c *camera) State() CameraState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// publishState applies mutate to the state and broadcasts it if it
// actually changed. Returns whether a change was published.
func (c *camera) publishState(mutate func(*CameraState)) bool {
	c.mu.Lock()
	next := c.state
	mutate(&next)
	changed := next != c.state
	if changed {
		old := c.state.Status
		c.state = next
		if old != next.Status {
			c.logger.Info().
				Str(log.FieldOldState, string(old)).
				Str(log.FieldNewState, string(next.Status)).
				Msg("camera status change")
		}
	}
	c.mu.Unlock()

	if changed && c.sup.bus != nil {
		c.sup.bus.Publish(events.TopicCamera, next)
	}
	return changed
}
