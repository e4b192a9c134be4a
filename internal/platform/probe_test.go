// SPDX-License-Identifier: MIT

package platform

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camdeck/camdeck/internal/camerr"
	"github.com/camdeck/camdeck/internal/config"
)

// fakeRunner answers --exists probes from a set of installed elements.
func fakeRunner(installed ...string) runnerFunc {
	set := make(map[string]bool, len(installed))
	for _, e := range installed {
		set[e] = true
	}
	return func(_ context.Context, name string, args ...string) ([]byte, error) {
		if len(args) == 2 && args[0] == "--exists" {
			if set[args[1]] {
				return nil, nil
			}
			return nil, errors.New("exit status 1")
		}
		return nil, errors.New("unexpected probe command")
	}
}

func TestResolvePrefersHardware(t *testing.T) {
	p := New(WithRunner(fakeRunner("mpph264enc", "x264enc")), WithSoCModel("rockchip rk3588"))

	profile, err := p.Resolve(context.Background(), config.CodecH264, 4000, 30, false)
	require.NoError(t, err)
	assert.Equal(t, "mpph264enc", profile.Element)
	assert.Equal(t, "h264parse", profile.Parser)
	assert.True(t, profile.Hardware)

	props := map[string]string{}
	for _, pr := range profile.Props {
		props[pr.Name] = pr.Value
	}
	assert.Equal(t, "cbr", props["rc-mode"])
	assert.Equal(t, "4000000", props["bps"])
	assert.Equal(t, "30", props["gop"])
	assert.Equal(t, "0", props["bframes"])
}

func TestResolveRockchipSkipsV4L2H264(t *testing.T) {
	// Only the v4l2 element is installed; on Rockchip the h264 v4l2 path
	// is skipped, so resolution falls through to software.
	p := New(WithRunner(fakeRunner("v4l2h264enc", "x264enc")), WithSoCModel("rockchip rk3588"))

	profile, err := p.Resolve(context.Background(), config.CodecH264, 4000, 30, false)
	require.NoError(t, err)
	assert.Equal(t, "x264enc", profile.Element)
	assert.False(t, profile.Hardware)
}

func TestResolveSoftwareFallback4K(t *testing.T) {
	p := New(WithRunner(fakeRunner("x264enc")), WithSoCModel(""))

	profile, err := p.Resolve(context.Background(), config.CodecH264, 8000, 30, true)
	require.NoError(t, err)
	assert.False(t, profile.Hardware)

	props := map[string]string{}
	for _, pr := range profile.Props {
		props[pr.Name] = pr.Value
	}
	assert.Equal(t, "ultrafast", props["speed-preset"])
	assert.Equal(t, "zerolatency", props["tune"])
	assert.Equal(t, "true", props["sliced-threads"])
}

func TestResolveNoEncoder(t *testing.T) {
	p := New(WithRunner(fakeRunner()), WithSoCModel(""))

	_, err := p.Resolve(context.Background(), config.CodecH265, 4000, 30, false)
	require.Error(t, err)
	assert.True(t, camerr.IsKind(err, camerr.KindNoEncoder))
}

func TestHasElementCaches(t *testing.T) {
	calls := 0
	p := New(WithRunner(func(_ context.Context, _ string, _ ...string) ([]byte, error) {
		calls++
		return nil, nil
	}))

	assert.True(t, p.HasElement(context.Background(), "videotestsrc"))
	assert.True(t, p.HasElement(context.Background(), "videotestsrc"))
	assert.Equal(t, 1, calls)
}

const formatsOutput = `
ioctl: VIDIOC_ENUM_FMT
	Type: Video Capture

	[0]: 'NV12' (Y/UV 4:2:0)
		Size: Discrete 3840x2160
			Interval: Discrete 0.033s (30.000 fps)
		Size: Discrete 1920x1080
			Interval: Discrete 0.017s (60.000 fps)
			Interval: Discrete 0.033s (30.000 fps)
	[1]: 'BGR3' (24-bit BGR 8-8-8)
		Size: Discrete 1920x1080
			Interval: Discrete 0.033s (30.000 fps)
`

func TestParseFormats(t *testing.T) {
	caps := parseFormats(formatsOutput)
	assert.Equal(t, []string{"NV12", "BGR3"}, caps.PixelFormats)
	assert.Equal(t, []config.Resolution{
		{Width: 3840, Height: 2160},
		{Width: 1920, Height: 1080},
	}, caps.Resolutions)
	assert.Equal(t, []int{30, 60}, caps.Framerates)
	assert.False(t, caps.Empty())
}

func TestProbeCaptureDisconnected(t *testing.T) {
	p := New(WithRunner(func(_ context.Context, _ string, _ ...string) ([]byte, error) {
		return nil, errors.New("Cannot open device")
	}))
	caps, err := p.ProbeCapture(context.Background(), "/dev/video9")
	require.NoError(t, err)
	assert.True(t, caps.Empty())
}

const timingsOutput = `
	Active width: 1920
	Active height: 1080
	Total width: 2200
	Total height: 1125
`

func TestQueryTimings(t *testing.T) {
	p := New(WithRunner(func(_ context.Context, _ string, _ ...string) ([]byte, error) {
		return []byte(timingsOutput), nil
	}))
	res, err := p.QueryTimings(context.Background(), "/dev/video0")
	require.NoError(t, err)
	assert.Equal(t, config.Resolution{Width: 1920, Height: 1080}, res)
}

func TestQueryTimingsNoSignal(t *testing.T) {
	p := New(WithRunner(func(_ context.Context, _ string, _ ...string) ([]byte, error) {
		return []byte("VIDIOC_QUERY_DV_TIMINGS: failed: no signal"), errors.New("exit status 1")
	}))
	_, err := p.QueryTimings(context.Background(), "/dev/video0")
	require.Error(t, err)
	assert.True(t, camerr.IsKind(err, camerr.KindNoSignal))
}
