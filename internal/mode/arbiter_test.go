// SPDX-License-Identifier: MIT

package mode

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/camdeck/camdeck/internal/camerr"
	"github.com/camdeck/camdeck/internal/config"
	"github.com/camdeck/camdeck/internal/events"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeService struct {
	name     string
	startErr error

	mu      sync.Mutex
	started bool
	journal *[]string
}

func (f *fakeService) Name() string { return f.name }

func (f *fakeService) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.started = true
	if f.journal != nil {
		*f.journal = append(*f.journal, "start:"+f.name)
	}
	return nil
}

func (f *fakeService) Stop(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = false
	if f.journal != nil {
		*f.journal = append(*f.journal, "stop:"+f.name)
	}
	return nil
}

func (f *fakeService) isStarted() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.started
}

func releasedProbe(ctx context.Context, device string, timeout time.Duration) error {
	return nil
}

func newTestArbiter(t *testing.T, recorder, peer []Service, probe ProbeBusyFunc) *Arbiter {
	t.Helper()
	if probe == nil {
		probe = releasedProbe
	}
	return New(map[config.Mode][]Service{
		config.ModeRecorder:   recorder,
		config.ModePeerWebRTC: peer,
	}, []string{"/dev/video0"}, filepath.Join(t.TempDir(), "mode_state.json"),
		true, events.NewBus(16),
		WithProbeBusy(probe),
		WithTimeouts(time.Second, 200*time.Millisecond, time.Second))
}

func TestSwitchStartsTargetServices(t *testing.T) {
	var journal []string
	ingest := &fakeService{name: "ingest", journal: &journal}
	rec := &fakeService{name: "recording", journal: &journal}
	peer := &fakeService{name: "peer", journal: &journal}
	a := newTestArbiter(t, []Service{ingest, rec}, []Service{peer}, nil)

	require.NoError(t, a.SwitchTo(context.Background(), config.ModeRecorder))
	assert.Equal(t, []string{"start:ingest", "start:recording"}, journal)
	assert.Equal(t, config.ModeRecorder, a.Status().Mode)
	assert.False(t, a.Status().Degraded)

	journal = journal[:0]
	require.NoError(t, a.SwitchTo(context.Background(), config.ModePeerWebRTC))
	// Stops run in reverse registration order before the target starts.
	assert.Equal(t, []string{"stop:recording", "stop:ingest", "start:peer"}, journal)
	assert.False(t, ingest.isStarted())
	assert.True(t, peer.isStarted())
}

func TestSwitchToSameModeIsNoOp(t *testing.T) {
	var journal []string
	ingest := &fakeService{name: "ingest", journal: &journal}
	a := newTestArbiter(t, []Service{ingest}, nil, nil)

	require.NoError(t, a.SwitchTo(context.Background(), config.ModeRecorder))
	require.NoError(t, a.SwitchTo(context.Background(), config.ModeRecorder))
	assert.Equal(t, []string{"start:ingest"}, journal)
}

func TestSwitchUnknownMode(t *testing.T) {
	a := newTestArbiter(t, nil, nil, nil)
	err := a.SwitchTo(context.Background(), config.Mode("vr"))
	require.Error(t, err)
	assert.True(t, camerr.IsKind(err, camerr.KindConfigInvalid))
}

func TestDeviceBusyRestoresPreviousMode(t *testing.T) {
	ingest := &fakeService{name: "ingest"}
	peer := &fakeService{name: "peer"}
	busy := func(ctx context.Context, device string, timeout time.Duration) error {
		return camerr.Newf(camerr.KindDeviceBusy, "device %s still busy", device)
	}
	a := newTestArbiter(t, []Service{ingest}, []Service{peer}, releasedProbe)
	require.NoError(t, a.SwitchTo(context.Background(), config.ModeRecorder))

	a.probeBusy = busy
	err := a.SwitchTo(context.Background(), config.ModePeerWebRTC)
	require.Error(t, err)
	assert.True(t, camerr.IsKind(err, camerr.KindDeviceBusy))

	// Old mode was restored, target never started.
	assert.Equal(t, config.ModeRecorder, a.Status().Mode)
	assert.True(t, ingest.isStarted())
	assert.False(t, peer.isStarted())
}

func TestStartFailureRollsBack(t *testing.T) {
	ingest := &fakeService{name: "ingest"}
	peer := &fakeService{name: "peer", startErr: errors.New("agent down")}
	a := newTestArbiter(t, []Service{ingest}, []Service{peer}, nil)
	require.NoError(t, a.SwitchTo(context.Background(), config.ModeRecorder))

	err := a.SwitchTo(context.Background(), config.ModePeerWebRTC)
	require.Error(t, err)
	assert.Equal(t, config.ModeRecorder, a.Status().Mode)
	assert.False(t, a.Status().Degraded)
	assert.True(t, ingest.isStarted())
}

func TestDoubleFailureDegradesAndRecovers(t *testing.T) {
	ingest := &fakeService{name: "ingest", startErr: errors.New("encoder gone")}
	peer := &fakeService{name: "peer", startErr: errors.New("agent down")}
	a := newTestArbiter(t, []Service{ingest}, []Service{peer}, nil)

	// Initial entry fails and there is nothing to roll back to.
	err := a.SwitchTo(context.Background(), config.ModeRecorder)
	require.Error(t, err)
	assert.True(t, a.Status().Degraded)

	// A later switch leaves the degraded state once services recover.
	ingest.startErr = nil
	require.NoError(t, a.SwitchTo(context.Background(), config.ModeRecorder))
	assert.False(t, a.Status().Degraded)
	assert.True(t, ingest.isStarted())
}

func TestDegradedReportsNoCurrentMode(t *testing.T) {
	ingest := &fakeService{name: "ingest", startErr: errors.New("encoder gone")}
	a := newTestArbiter(t, []Service{ingest}, nil, nil)

	require.Error(t, a.SwitchTo(context.Background(), config.ModeRecorder))

	st := a.Status()
	assert.True(t, st.Degraded)
	assert.Empty(t, st.Mode)

	ingest.startErr = nil
	require.NoError(t, a.SwitchTo(context.Background(), config.ModeRecorder))
	assert.Equal(t, config.ModeRecorder, a.Status().Mode)
}

func TestConcurrentSwitchIsBusy(t *testing.T) {
	block := make(chan struct{})
	slow := FuncService{
		ServiceName: "slow",
		StartFunc: func(ctx context.Context) error {
			<-block
			return nil
		},
	}
	a := newTestArbiter(t, []Service{slow}, nil, nil)

	done := make(chan error, 1)
	go func() { done <- a.SwitchTo(context.Background(), config.ModeRecorder) }()

	require.Eventually(t, func() bool {
		err := a.SwitchTo(context.Background(), config.ModePeerWebRTC)
		return err != nil && camerr.IsKind(err, camerr.KindBusy)
	}, time.Second, 10*time.Millisecond)

	close(block)
	require.NoError(t, <-done)
}

func TestStartupUsesPersistedMode(t *testing.T) {
	dir := t.TempDir()
	statePath := filepath.Join(dir, "mode_state.json")

	ingest := &fakeService{name: "ingest"}
	peer := &fakeService{name: "peer"}
	services := map[config.Mode][]Service{
		config.ModeRecorder:   {ingest},
		config.ModePeerWebRTC: {peer},
	}

	a := New(services, nil, statePath, true, nil,
		WithProbeBusy(releasedProbe),
		WithTimeouts(time.Second, 100*time.Millisecond, time.Second))
	require.NoError(t, a.SwitchTo(context.Background(), config.ModePeerWebRTC))
	a.Shutdown(context.Background())

	// A fresh arbiter resumes the persisted mode, not the default.
	b := New(services, nil, statePath, true, nil,
		WithProbeBusy(releasedProbe),
		WithTimeouts(time.Second, 100*time.Millisecond, time.Second))
	require.NoError(t, b.Startup(context.Background(), config.ModeRecorder))
	assert.Equal(t, config.ModePeerWebRTC, b.Status().Mode)
	assert.True(t, peer.isStarted())
}

func TestShutdownStopsServices(t *testing.T) {
	ingest := &fakeService{name: "ingest"}
	a := newTestArbiter(t, []Service{ingest}, nil, nil)
	require.NoError(t, a.SwitchTo(context.Background(), config.ModeRecorder))

	a.Shutdown(context.Background())
	assert.False(t, ingest.isStarted())
}
