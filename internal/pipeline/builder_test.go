// SPDX-License-Identifier: MIT

package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camdeck/camdeck/internal/config"
	"github.com/camdeck/camdeck/internal/platform"
)

func testProfile() platform.EncoderProfile {
	return platform.EncoderProfile{
		Codec:    config.CodecH264,
		Element:  "mpph264enc",
		Parser:   "h264parse",
		Hardware: true,
		Props: []platform.Prop{
			{Name: "rc-mode", Value: "cbr"},
			{Name: "bps", Value: "4000000"},
			{Name: "gop", Value: "30"},
		},
	}
}

func testCamera() config.CameraConfig {
	return config.CameraConfig{
		ID:          "cam0",
		Device:      "/dev/video0",
		Enabled:     true,
		Resolution:  config.Resolution{Width: 1920, Height: 1080},
		Framerate:   30,
		BitrateKbps: 4000,
		Codec:       config.CodecH264,
	}
}

func TestBuildIngest(t *testing.T) {
	d := BuildIngest(BuildInput{
		Camera:      testCamera(),
		Source:      config.Resolution{Width: 1920, Height: 1080},
		Profile:     testProfile(),
		PublishBase: "rtsp://127.0.0.1:8554",
	})

	require.Equal(t, KindIngest, d.Kind)
	assert.Equal(t, "cam0", d.StreamPath)

	s := d.LaunchString()
	assert.Contains(t, s, "v4l2src name=src device=/dev/video0")
	assert.Contains(t, s, "video/x-raw,width=1920,height=1080,framerate=30/1")
	assert.Contains(t, s, "mpph264enc rc-mode=cbr bps=4000000 gop=30")
	assert.Contains(t, s, "h264parse config-interval=-1")
	assert.Contains(t, s, "rtspclientsink name=pub location=rtsp://127.0.0.1:8554/cam0")
	// 1080p source at 1080p output: no scaler.
	assert.NotContains(t, s, "videoscale")
}

func TestBuildIngestScalesDown4K(t *testing.T) {
	d := BuildIngest(BuildInput{
		Camera:  testCamera(),
		Source:  config.Resolution{Width: 3840, Height: 2160},
		Profile: testProfile(),
	})

	s := d.LaunchString()
	assert.Contains(t, s, "width=3840,height=2160")
	assert.Contains(t, s, "videoscale")
	assert.Contains(t, s, "width=1920,height=1080")
}

func TestBuildIngestSourceWinsWhenSmaller(t *testing.T) {
	cam := testCamera()
	cam.Resolution = config.Resolution{Width: 3840, Height: 2160}
	d := BuildIngest(BuildInput{
		Camera:  cam,
		Source:  config.Resolution{Width: 1280, Height: 720},
		Profile: testProfile(),
	})

	s := d.LaunchString()
	assert.NotContains(t, s, "videoscale")
	assert.Contains(t, s, "width=1280,height=720")
}

func TestBuildIngestAudioBranch(t *testing.T) {
	cam := testCamera()
	cam.AudioEnabled = true
	cam.AudioDevice = "hw:1"
	d := BuildIngest(BuildInput{Camera: cam, Profile: testProfile()})

	require.Len(t, d.Chains, 2)
	s := d.LaunchString()
	assert.Contains(t, s, "alsasrc device=hw:1")
	assert.Contains(t, s, "voaacenc")
	assert.Contains(t, s, "pub.")
}

func TestBuildRecording(t *testing.T) {
	d := BuildRecording(RecordingInput{
		CameraID:       "cam0",
		Codec:          config.CodecH265,
		ReadBase:       "rtsp://127.0.0.1:8554",
		OutputFile:     "/data/recordings/cam0/recording_20260824_120000.mp4",
		SegmentSeconds: 1,
	})

	require.Equal(t, KindRecording, d.Kind)
	assert.Equal(t, "/data/recordings/cam0/recording_20260824_120000.mp4", d.OutputFile)

	s := d.LaunchString()
	assert.Contains(t, s, "rtspsrc name=src location=rtsp://127.0.0.1:8554/cam0")
	assert.Contains(t, s, "rtph265depay")
	assert.Contains(t, s, "h265parse")
	assert.Contains(t, s, "mp4mux fragment-duration=1000 streamable=true")
	assert.Contains(t, s, "filesink location=/data/recordings/cam0/recording_20260824_120000.mp4")
	// Recording never re-encodes.
	assert.NotContains(t, s, "enc")
}

func TestBuildPreview(t *testing.T) {
	d := BuildPreview(BuildInput{Camera: testCamera(), Profile: testProfile()})
	assert.Equal(t, "cam0_preview", d.StreamPath)
	assert.Contains(t, d.LaunchString(), "width=640,height=360")
}

func TestBuildMixerProgram(t *testing.T) {
	d := BuildMixerProgram(MixerProgramInput{
		Resolution:  config.Resolution{Width: 1920, Height: 1080},
		Framerate:   30,
		Profile:     testProfile(),
		PublishBase: "rtsp://127.0.0.1:8554",
	})

	s := d.LaunchString()
	assert.Contains(t, s, "compositor name=comp background=black")
	assert.Contains(t, s, "audiomixer name=amix")
	assert.Contains(t, s, "audiotestsrc name=silence wave=silence is-live=true")
	assert.Contains(t, s, "rtspclientsink name=pub location=rtsp://127.0.0.1:8554/mixer_program")
	assert.NotContains(t, s, "mp4mux")
}

func TestBuildMixerProgramWithRecording(t *testing.T) {
	d := BuildMixerProgram(MixerProgramInput{
		Resolution:     config.Resolution{Width: 1920, Height: 1080},
		Framerate:      30,
		Profile:        testProfile(),
		RecordFile:     "/data/recordings/program/recording_x.mp4",
		SegmentSeconds: 1,
	})

	s := d.LaunchString()
	assert.Contains(t, s, "progtee.")
	assert.Contains(t, s, "mp4mux fragment-duration=1000")
	assert.Equal(t, "/data/recordings/program/recording_x.mp4", d.OutputFile)
}

func TestBuildMixerBranch(t *testing.T) {
	d := BuildMixerBranch(MixerBranchInput{
		SourcePath: "cam1",
		Codec:      config.CodecH264,
		Decoder:    "mppvideodec",
		ReadBase:   "rtsp://127.0.0.1:8554",
		Audio:      true,
	})

	s := d.LaunchString()
	assert.Contains(t, s, "rtspsrc name=src_cam1")
	assert.Contains(t, s, "mppvideodec")
	assert.Contains(t, s, "queue name=out_cam1")
	assert.Contains(t, s, "volume name=vol_cam1")
}

func TestArgvMatchesLaunchString(t *testing.T) {
	d := BuildIngest(BuildInput{Camera: testCamera(), Profile: testProfile()})
	argv := d.Argv()
	require.NotEmpty(t, argv)
	assert.Equal(t, "v4l2src", argv[0])
	assert.Contains(t, argv, "!")
}
