// SPDX-License-Identifier: MIT

// Package recording runs multi-camera recording sessions. Each session
// spawns one remux pipeline per camera that pulls the already-encoded
// stream back from the registry and writes fragmented MP4, so a crash
// mid-session loses at most the last fragment. Disk and stall watchdogs
// guard every active session.
package recording

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v4/disk"
	"golang.org/x/sync/errgroup"

	"github.com/camdeck/camdeck/internal/camerr"
	"github.com/camdeck/camdeck/internal/config"
	"github.com/camdeck/camdeck/internal/events"
	"github.com/camdeck/camdeck/internal/ingest"
	"github.com/camdeck/camdeck/internal/log"
	"github.com/camdeck/camdeck/internal/pipeline"
)

const gib = 1 << 30

var (
	sessionTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "camdeck_recording_session_total",
		Help: "Total number of recording sessions by final status.",
	}, []string{"status"})

	stallRestartTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "camdeck_recording_stall_restart_total",
		Help: "Total number of recording pipelines restarted after a write stall.",
	}, []string{"camera"})

	diskFreeBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "camdeck_recording_disk_free_bytes",
		Help: "Free bytes on the recording volume, sampled while recording.",
	})
)

// Runtime abstracts one supervised pipeline child.
type Runtime interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Snapshot() pipeline.Snapshot
}

// RuntimeFactory builds a Runtime for a pipeline description.
type RuntimeFactory func(desc *pipeline.Description) Runtime

// CameraMarker is the slice of the ingest supervisor the recorder needs:
// publisher state per camera and the recording status flip.
type CameraMarker interface {
	State(camID string) (ingest.CameraState, bool)
	MarkRecording(camID string, recording bool)
}

// DiskUsageFunc reports free bytes on the volume holding path.
type DiskUsageFunc func(path string) (uint64, error)

// GopsutilDiskUsage is the production DiskUsageFunc.
func GopsutilDiskUsage(path string) (uint64, error) {
	usage, err := disk.Usage(path)
	if err != nil {
		return 0, err
	}
	return usage.Free, nil
}

// Snapshot is the externally visible recorder state.
type Snapshot struct {
	Active    bool     `json:"active"`
	Session   *Session `json:"session,omitempty"`
	FreeBytes uint64   `json:"free_bytes"`
}

// Supervisor owns at most one active recording session.
type Supervisor struct {
	cfg      config.RecordingConfig
	readBase string
	cameras  map[string]config.CameraConfig
	factory  RuntimeFactory
	marker   CameraMarker
	bus      *events.Bus
	diskFree DiskUsageFunc
	store    *store
	logger   zerolog.Logger

	mu      sync.Mutex
	current *activeSession
}

type activeSession struct {
	session Session
	recs    map[string]*rec
	cancel  context.CancelFunc
	done    chan struct{}

	stopOnce sync.Once
	stopped  Session
	stopErr  error
}

type rec struct {
	camID     string
	codec     config.Codec
	rt        Runtime
	seq       int
	lastBytes int64
	stalled   bool
}

// NewSupervisor wires a recorder. factory may be nil for real
// gst-launch runtimes.
func NewSupervisor(cfg config.RecordingConfig, readBase, sessionsDir string,
	cameras []config.CameraConfig, marker CameraMarker, bus *events.Bus,
	factory RuntimeFactory, diskFree DiskUsageFunc) (*Supervisor, error) {

	st, err := newStore(sessionsDir)
	if err != nil {
		return nil, err
	}
	s := &Supervisor{
		cfg:      cfg,
		readBase: readBase,
		cameras:  make(map[string]config.CameraConfig, len(cameras)),
		factory:  factory,
		marker:   marker,
		bus:      bus,
		diskFree: diskFree,
		store:    st,
		logger:   log.WithComponent("recording"),
	}
	for _, cam := range cameras {
		s.cameras[cam.ID] = cam
	}
	if s.factory == nil {
		s.factory = func(desc *pipeline.Description) Runtime {
			return pipeline.NewRuntime(desc)
		}
	}
	if s.diskFree == nil {
		s.diskFree = GopsutilDiskUsage
	}
	return s, nil
}

// Replay marks sessions left active by a previous process as failed.
// Called once at startup before any new session starts.
func (s *Supervisor) Replay() error {
	sessions, err := s.store.list()
	if err != nil {
		return err
	}
	for _, sess := range sessions {
		if sess.Status != SessionActive {
			continue
		}
		sess.Status = SessionFailed
		sess.Annotate("interrupted")
		if sess.EndedAt.IsZero() {
			sess.EndedAt = time.Now()
		}
		if err := s.store.save(sess); err != nil {
			return err
		}
		s.logger.Warn().Str(log.FieldSessionID, sess.SessionID).
			Msg("marked interrupted session failed")
	}
	return nil
}

// Start begins a session recording the given cameras. Fails fast with
// KindBusy when a session is active, KindInsufficientDisk below the
// start gate and KindNoPublishers when a camera is not streaming.
func (s *Supervisor) Start(ctx context.Context, camIDs []string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current != nil {
		return nil, camerr.Newf(camerr.KindBusy,
			"session %s already active", s.current.session.SessionID)
	}
	if len(camIDs) == 0 {
		return nil, camerr.New(camerr.KindConfigInvalid, "no cameras requested")
	}

	// Exactly at the floor is still too little to start.
	free, err := s.diskFree(s.cfg.BasePath)
	if err == nil && free <= uint64(s.cfg.MinFreeGBStart)*gib {
		return nil, camerr.Newf(camerr.KindInsufficientDisk,
			"%.1f GiB free, %d GiB required to start", float64(free)/gib, s.cfg.MinFreeGBStart)
	}

	for _, id := range camIDs {
		st, ok := s.marker.State(id)
		if !ok {
			return nil, camerr.Newf(camerr.KindNoPublishers, "camera %s is not supervised", id)
		}
		if st.Status != ingest.StatusStreaming && st.Status != ingest.StatusRecording {
			return nil, camerr.Newf(camerr.KindNoPublishers,
				"camera %s is %s, not streaming", id, st.Status)
		}
	}

	now := time.Now()
	sess := Session{
		SessionID: newSessionID(now),
		CreatedAt: now,
		Cameras:   append([]string(nil), camIDs...),
		Files:     make(map[string][]string, len(camIDs)),
		Status:    SessionActive,
	}
	sessionDir := filepath.Join(s.cfg.BasePath, sess.SessionID)
	if err := os.MkdirAll(sessionDir, 0o750); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}

	active := &activeSession{
		session: sess,
		recs:    make(map[string]*rec, len(camIDs)),
		done:    make(chan struct{}),
	}

	for _, id := range camIDs {
		cam := s.cameras[id]
		r := &rec{camID: id, codec: cam.Codec, seq: 1}
		rt, file, err := s.startRec(ctx, &active.session, r)
		if err != nil {
			for _, started := range active.recs {
				_ = started.rt.Stop(context.WithoutCancel(ctx))
			}
			return nil, err
		}
		r.rt = rt
		active.session.Files[id] = append(active.session.Files[id], file)
		active.recs[id] = r
	}

	if err := s.store.save(&active.session); err != nil {
		for _, started := range active.recs {
			_ = started.rt.Stop(context.WithoutCancel(ctx))
		}
		return nil, err
	}

	wctx, cancel := context.WithCancel(context.Background())
	active.cancel = cancel
	s.current = active
	go s.watch(wctx, active)

	for _, id := range camIDs {
		s.marker.MarkRecording(id, true)
	}
	s.publishSession(&active.session, "session_started")
	s.logger.Info().Str(log.FieldSessionID, sess.SessionID).
		Strs("cameras", camIDs).Msg("recording session started")

	out := active.session
	return &out, nil
}

// startRec builds and starts one camera's recording pipeline segment.
func (s *Supervisor) startRec(ctx context.Context, sess *Session, r *rec) (Runtime, string, error) {
	file := filepath.Join(s.cfg.BasePath, sess.SessionID,
		fmt.Sprintf("%s_%03d.mp4", r.camID, r.seq))
	desc := pipeline.BuildRecording(pipeline.RecordingInput{
		CameraID:       r.camID,
		Codec:          r.codec,
		ReadBase:       s.readBase,
		OutputFile:     file,
		SegmentSeconds: s.cfg.SegmentSeconds,
	})
	rt := s.factory(desc)
	if err := rt.Start(ctx); err != nil {
		return nil, "", camerr.Wrap(camerr.KindPipelineFatal,
			"start recording for "+r.camID, err)
	}
	return rt, file, nil
}

// Stop ends the active session. All pipelines stop in parallel under
// the configured deadline; a pipeline that does not stop in time earns
// the session an unclean annotation.
func (s *Supervisor) Stop(ctx context.Context) (*Session, error) {
	s.mu.Lock()
	active := s.current
	s.mu.Unlock()
	if active == nil {
		return nil, camerr.New(camerr.KindBusy, "no active session")
	}
	return s.stop(ctx, active, SessionCompleted, "")
}

// stop is safe to call from both the API and the disk watchdog; the
// first caller wins and later callers get the same result.
func (s *Supervisor) stop(ctx context.Context, active *activeSession,
	status SessionStatus, note string) (*Session, error) {

	active.stopOnce.Do(func() {
		active.stopped, active.stopErr = s.doStop(ctx, active, status, note)
	})
	out := active.stopped
	return &out, active.stopErr
}

func (s *Supervisor) doStop(ctx context.Context, active *activeSession,
	status SessionStatus, note string) (Session, error) {

	// Halt the watchdog first so it cannot race the teardown, then
	// unpublish the session so Status stops observing it mid-mutation.
	active.cancel()
	<-active.done

	s.mu.Lock()
	if s.current == active {
		s.current = nil
	}
	s.mu.Unlock()

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx),
		s.cfg.StopTimeout.Duration())
	defer cancel()

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(stopCtx)
	for _, r := range active.recs {
		r := r
		g.Go(func() error {
			if err := r.rt.Stop(gctx); err != nil {
				mu.Lock()
				active.session.Annotate("unclean_shutdown")
				mu.Unlock()
				s.logger.Error().Err(err).Str(log.FieldCameraID, r.camID).
					Msg("recording pipeline did not stop cleanly")
			}
			return nil
		})
	}
	_ = g.Wait()
	if stopCtx.Err() != nil {
		active.session.Annotate("unclean_shutdown")
	}

	active.session.Status = status
	active.session.EndedAt = time.Now()
	if note != "" {
		active.session.Annotate(note)
	}
	err := s.store.save(&active.session)

	for _, id := range active.session.Cameras {
		s.marker.MarkRecording(id, false)
	}
	sessionTotal.WithLabelValues(string(active.session.Status)).Inc()
	s.publishSession(&active.session, "session_stopped")
	s.logger.Info().Str(log.FieldSessionID, active.session.SessionID).
		Str("status", string(active.session.Status)).Msg("recording session ended")

	return active.session, err
}

// watch runs the disk and stall watchdogs for one session.
func (s *Supervisor) watch(ctx context.Context, active *activeSession) {
	defer close(active.done)

	diskTicker := time.NewTicker(s.cfg.DiskInterval.Duration())
	defer diskTicker.Stop()
	stallTicker := time.NewTicker(s.cfg.StallInterval.Duration())
	defer stallTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-diskTicker.C:
			free, err := s.diskFree(s.cfg.BasePath)
			if err != nil {
				continue
			}
			diskFreeBytes.Set(float64(free))
			if free < uint64(s.cfg.MinFreeGBStop)*gib {
				s.logger.Error().Uint64("free_bytes", free).
					Msg("disk below stop floor, ending session")
				if s.bus != nil {
					s.bus.Publish(events.TopicDisk, map[string]any{
						"event":      "disk_low",
						"free_bytes": free,
					})
				}
				// stop joins the watchdog; do it from a fresh goroutine.
				go func() {
					_, _ = s.stop(context.Background(), active, SessionCompleted, "disk_low")
				}()
				return
			}
		case <-stallTicker.C:
			s.checkStalls(ctx, active)
		}
	}
}

// checkStalls restarts any pipeline whose output file stopped growing
// for two consecutive samples. The replacement writes a new adjacent
// segment so the stalled file's contents survive.
func (s *Supervisor) checkStalls(ctx context.Context, active *activeSession) {
	for _, r := range active.recs {
		snap := r.rt.Snapshot()
		if snap.State != pipeline.StatePlaying && snap.State != pipeline.StateError {
			continue
		}
		grew := snap.BytesProduced > r.lastBytes
		failed := snap.State == pipeline.StateError
		if grew && !failed {
			r.lastBytes = snap.BytesProduced
			r.stalled = false
			continue
		}
		if !r.stalled && !failed {
			// First flat sample; give it one more interval.
			r.stalled = true
			continue
		}

		s.logger.Warn().Str(log.FieldCameraID, r.camID).
			Int64("bytes", snap.BytesProduced).
			Msg("recording stalled, restarting pipeline")
		stallRestartTotal.WithLabelValues(r.camID).Inc()
		_ = r.rt.Stop(context.WithoutCancel(ctx))

		r.seq++
		r.stalled = false
		r.lastBytes = 0
		rt, file, err := s.startRec(ctx, &active.session, r)
		if err != nil {
			s.logger.Error().Err(err).Str(log.FieldCameraID, r.camID).
				Msg("stall restart failed")
			continue
		}
		r.rt = rt

		s.mu.Lock()
		active.session.Files[r.camID] = append(active.session.Files[r.camID], file)
		active.session.Annotate("segment_restart")
		_ = s.store.save(&active.session)
		s.mu.Unlock()
	}
}

// Status returns the recorder snapshot.
func (s *Supervisor) Status() Snapshot {
	s.mu.Lock()
	active := s.current
	s.mu.Unlock()

	snap := Snapshot{}
	if free, err := s.diskFree(s.cfg.BasePath); err == nil {
		snap.FreeBytes = free
	}
	if active != nil {
		snap.Active = true
		s.mu.Lock()
		sess := active.session
		s.mu.Unlock()
		snap.Session = &sess
	}
	return snap
}

// Sessions lists persisted session manifests, newest first.
func (s *Supervisor) Sessions() ([]*Session, error) {
	return s.store.list()
}

func (s *Supervisor) publishSession(sess *Session, event string) {
	if s.bus == nil {
		return
	}
	copySess := *sess
	s.bus.Publish(events.TopicSession, map[string]any{
		"event":   event,
		"session": copySess,
	})
}
