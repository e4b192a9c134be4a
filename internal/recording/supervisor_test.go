// SPDX-License-Identifier: MIT

package recording

import (
	"context"
	"path/filepath"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/camdeck/camdeck/internal/camerr"
	"github.com/camdeck/camdeck/internal/config"
	"github.com/camdeck/camdeck/internal/events"
	"github.com/camdeck/camdeck/internal/ingest"
	"github.com/camdeck/camdeck/internal/pipeline"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeMarker struct {
	mu      sync.Mutex
	states  map[string]ingest.Status
	marked  map[string]bool
}

func newFakeMarker(streaming ...string) *fakeMarker {
	m := &fakeMarker{
		states: make(map[string]ingest.Status),
		marked: make(map[string]bool),
	}
	for _, id := range streaming {
		m.states[id] = ingest.StatusStreaming
	}
	return m
}

func (m *fakeMarker) State(camID string) (ingest.CameraState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[camID]
	if !ok {
		return ingest.CameraState{}, false
	}
	return ingest.CameraState{CameraID: camID, Status: st}, true
}

func (m *fakeMarker) MarkRecording(camID string, recording bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.marked[camID] = recording
}

func (m *fakeMarker) isMarked(camID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.marked[camID]
}

type fakeDisk struct {
	mu   sync.Mutex
	free uint64
}

func (d *fakeDisk) set(free uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.free = free
}

func (d *fakeDisk) usage(path string) (uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.free, nil
}

type fakeRec struct {
	desc *pipeline.Description

	mu    sync.Mutex
	state pipeline.State
	bytes int64
	stops int
}

func (f *fakeRec) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = pipeline.StatePlaying
	return nil
}

func (f *fakeRec) Stop(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = pipeline.StateNull
	f.stops++
	return nil
}

func (f *fakeRec) setBytes(n int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bytes = n
}

func (f *fakeRec) Snapshot() pipeline.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return pipeline.Snapshot{
		Name:          f.desc.Name,
		Kind:          f.desc.Kind,
		State:         f.state,
		BytesProduced: f.bytes,
	}
}

type fakeRecFactory struct {
	mu    sync.Mutex
	built []*fakeRec
}

func (f *fakeRecFactory) New(desc *pipeline.Description) Runtime {
	f.mu.Lock()
	defer f.mu.Unlock()
	rt := &fakeRec{desc: desc}
	f.built = append(f.built, rt)
	return rt
}

func (f *fakeRecFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.built)
}

func testRecConfig(base string) config.RecordingConfig {
	return config.RecordingConfig{
		BasePath:       base,
		MinFreeGBStart: 10,
		MinFreeGBStop:  5,
		SegmentSeconds: 1,
		DiskInterval:   config.Duration(20 * time.Millisecond),
		StallInterval:  config.Duration(20 * time.Millisecond),
		StopTimeout:    config.Duration(2 * time.Second),
	}
}

func cams() []config.CameraConfig {
	return []config.CameraConfig{
		{ID: "cam0", Codec: config.CodecH264},
		{ID: "cam1", Codec: config.CodecH265},
	}
}

func newTestSupervisor(t *testing.T, marker *fakeMarker, diskFree *fakeDisk) (*Supervisor, *fakeRecFactory) {
	t.Helper()
	dir := t.TempDir()
	factory := &fakeRecFactory{}
	s, err := NewSupervisor(testRecConfig(filepath.Join(dir, "rec")),
		"rtsp://127.0.0.1:8554", filepath.Join(dir, "sessions"),
		cams(), marker, events.NewBus(64), factory.New, diskFree.usage)
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = s.Stop(context.Background())
	})
	return s, factory
}

func TestSessionIDFormat(t *testing.T) {
	id := newSessionID(time.Date(2026, 8, 24, 15, 30, 12, 0, time.UTC))
	assert.Regexp(t, regexp.MustCompile(`^20260824_153012_[a-z0-9]{6}$`), id)
}

func TestStartRequiresStreamingCameras(t *testing.T) {
	marker := newFakeMarker("cam0")
	marker.states["cam1"] = ingest.StatusNoSignal
	diskFree := &fakeDisk{free: 100 * gib}
	s, _ := newTestSupervisor(t, marker, diskFree)

	_, err := s.Start(context.Background(), []string{"cam0", "cam1"})
	require.Error(t, err)
	assert.True(t, camerr.IsKind(err, camerr.KindNoPublishers))
}

func TestStartRejectsLowDisk(t *testing.T) {
	marker := newFakeMarker("cam0")
	diskFree := &fakeDisk{free: 2 * gib}
	s, _ := newTestSupervisor(t, marker, diskFree)

	_, err := s.Start(context.Background(), []string{"cam0"})
	require.Error(t, err)
	assert.True(t, camerr.IsKind(err, camerr.KindInsufficientDisk))
}

func TestStartRejectsDiskExactlyAtFloor(t *testing.T) {
	marker := newFakeMarker("cam0")
	diskFree := &fakeDisk{free: 10 * gib}
	s, _ := newTestSupervisor(t, marker, diskFree)

	_, err := s.Start(context.Background(), []string{"cam0"})
	require.Error(t, err)
	assert.True(t, camerr.IsKind(err, camerr.KindInsufficientDisk))

	// One byte above the floor is enough.
	diskFree.set(10*gib + 1)
	sess, err := s.Start(context.Background(), []string{"cam0"})
	require.NoError(t, err)
	assert.Equal(t, SessionActive, sess.Status)
	_, err = s.Stop(context.Background())
	require.NoError(t, err)
}

func TestStartStopLifecycle(t *testing.T) {
	marker := newFakeMarker("cam0", "cam1")
	diskFree := &fakeDisk{free: 100 * gib}
	s, factory := newTestSupervisor(t, marker, diskFree)

	sess, err := s.Start(context.Background(), []string{"cam0", "cam1"})
	require.NoError(t, err)
	assert.Equal(t, SessionActive, sess.Status)
	assert.Equal(t, 2, factory.count())
	assert.True(t, marker.isMarked("cam0"))
	assert.True(t, marker.isMarked("cam1"))
	assert.Len(t, sess.Files["cam0"], 1)
	assert.Contains(t, sess.Files["cam0"][0], "cam0_001.mp4")

	snap := s.Status()
	assert.True(t, snap.Active)

	done, err := s.Stop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SessionCompleted, done.Status)
	assert.False(t, done.EndedAt.IsZero())
	assert.False(t, marker.isMarked("cam0"))
	assert.False(t, s.Status().Active)

	// Manifest survives on disk.
	persisted, err := s.Sessions()
	require.NoError(t, err)
	require.Len(t, persisted, 1)
	assert.Equal(t, SessionCompleted, persisted[0].Status)
}

func TestSecondStartIsBusy(t *testing.T) {
	marker := newFakeMarker("cam0")
	diskFree := &fakeDisk{free: 100 * gib}
	s, _ := newTestSupervisor(t, marker, diskFree)

	_, err := s.Start(context.Background(), []string{"cam0"})
	require.NoError(t, err)

	_, err = s.Start(context.Background(), []string{"cam0"})
	require.Error(t, err)
	assert.True(t, camerr.IsKind(err, camerr.KindBusy))
}

func TestStopWithoutSessionFails(t *testing.T) {
	marker := newFakeMarker("cam0")
	diskFree := &fakeDisk{free: 100 * gib}
	s, _ := newTestSupervisor(t, marker, diskFree)

	_, err := s.Stop(context.Background())
	require.Error(t, err)
	assert.True(t, camerr.IsKind(err, camerr.KindBusy))
}

func TestDiskWatchdogStopsSession(t *testing.T) {
	marker := newFakeMarker("cam0")
	diskFree := &fakeDisk{free: 100 * gib}
	s, _ := newTestSupervisor(t, marker, diskFree)

	_, err := s.Start(context.Background(), []string{"cam0"})
	require.NoError(t, err)

	diskFree.set(1 * gib)

	require.Eventually(t, func() bool {
		persisted, err := s.Sessions()
		return err == nil && len(persisted) == 1 &&
			persisted[0].Status == SessionCompleted
	}, 3*time.Second, 20*time.Millisecond)

	assert.False(t, s.Status().Active)
	persisted, err := s.Sessions()
	require.NoError(t, err)
	assert.Contains(t, persisted[0].Annotations, "disk_low")
}

func TestStallWatchdogRestartsSegment(t *testing.T) {
	marker := newFakeMarker("cam0")
	diskFree := &fakeDisk{free: 100 * gib}
	s, factory := newTestSupervisor(t, marker, diskFree)

	_, err := s.Start(context.Background(), []string{"cam0"})
	require.NoError(t, err)

	// Bytes never grow past the first sample; two flat samples trigger
	// the restart with an adjacent segment file.
	factory.built[0].setBytes(1024)

	require.Eventually(t, func() bool {
		return factory.count() >= 2
	}, 3*time.Second, 20*time.Millisecond)

	done, err := s.Stop(context.Background())
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(done.Files["cam0"]), 2)
	assert.Contains(t, done.Files["cam0"][0], "cam0_001.mp4")
	assert.Contains(t, done.Files["cam0"][1], "cam0_002.mp4")
	assert.Contains(t, done.Annotations, "segment_restart")
}

func TestReplayMarksInterruptedSessions(t *testing.T) {
	dir := t.TempDir()
	st, err := newStore(dir)
	require.NoError(t, err)
	require.NoError(t, st.save(&Session{
		SessionID: "20260824_120000_abc123",
		CreatedAt: time.Now().Add(-time.Hour),
		Cameras:   []string{"cam0"},
		Files:     map[string][]string{},
		Status:    SessionActive,
	}))
	require.NoError(t, st.save(&Session{
		SessionID: "20260824_110000_def456",
		CreatedAt: time.Now().Add(-2 * time.Hour),
		Cameras:   []string{"cam0"},
		Files:     map[string][]string{},
		Status:    SessionCompleted,
	}))

	marker := newFakeMarker("cam0")
	diskFree := &fakeDisk{free: 100 * gib}
	factory := &fakeRecFactory{}
	s, err := NewSupervisor(testRecConfig(filepath.Join(dir, "rec")),
		"rtsp://127.0.0.1:8554", dir, cams(), marker,
		events.NewBus(64), factory.New, diskFree.usage)
	require.NoError(t, err)

	require.NoError(t, s.Replay())

	interrupted, err := s.store.load("20260824_120000_abc123")
	require.NoError(t, err)
	assert.Equal(t, SessionFailed, interrupted.Status)
	assert.Contains(t, interrupted.Annotations, "interrupted")
	assert.False(t, interrupted.EndedAt.IsZero())

	completed, err := s.store.load("20260824_110000_def456")
	require.NoError(t, err)
	assert.Equal(t, SessionCompleted, completed.Status)
}
