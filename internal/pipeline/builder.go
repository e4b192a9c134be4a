// SPDX-License-Identifier: MIT

package pipeline

import (
	"fmt"
	"path"

	"github.com/camdeck/camdeck/internal/config"
	"github.com/camdeck/camdeck/internal/platform"
)

// BuildInput carries everything the builder needs for camera-fed kinds.
// The builder is a pure function over this input; it never touches the OS.
type BuildInput struct {
	Camera  config.CameraConfig
	Source  config.Resolution // resolution the source currently imposes
	Profile platform.EncoderProfile

	// PublishBase is the RTSP base URL of the local stream server.
	PublishBase string
}

func encoderElement(profile platform.EncoderProfile) Element {
	el := Element{Factory: profile.Element}
	for _, p := range profile.Props {
		el.Props = append(el.Props, Prop{Name: p.Name, Value: p.Value})
	}
	return el
}

func rawCaps(res config.Resolution, framerate int) string {
	return fmt.Sprintf("video/x-raw,width=%d,height=%d,framerate=%d/1", res.Width, res.Height, framerate)
}

// outputResolution applies the scaling contract: a configured resolution
// smaller than the source gets a scaler; a larger one is advisory and the
// source wins.
func outputResolution(source, configured config.Resolution) (config.Resolution, bool) {
	if source.IsZero() {
		return configured, false
	}
	if configured.Width < source.Width || configured.Height < source.Height {
		return configured, true
	}
	return source, false
}

// BuildIngest produces the capture → encode → publish pipeline for one
// camera. The audio branch, when enabled, publishes alongside video on
// the same stream path.
func BuildIngest(in BuildInput) *Description {
	cam := in.Camera
	out, scaled := outputResolution(in.Source, cam.Resolution)
	source := in.Source
	if source.IsZero() {
		source = out
	}

	video := Chain{
		{Factory: "v4l2src", Name: "src", Props: []Prop{
			{Name: "device", Value: cam.Device},
			{Name: "io-mode", Value: "dmabuf"},
		}, Caps: rawCaps(source, cam.Framerate)},
		El("videoconvert"),
	}
	if scaled {
		video = append(video, Element{Factory: "videoscale", Caps: rawCaps(out, cam.Framerate)})
	}
	video = append(video,
		encoderElement(in.Profile),
		Element{Factory: in.Profile.Parser, Props: []Prop{{Name: "config-interval", Value: "-1"}}},
		Element{Factory: "rtspclientsink", Name: "pub", Props: []Prop{
			{Name: "location", Value: publishURL(in.PublishBase, cam.ID)},
			{Name: "protocols", Value: "tcp"},
			{Name: "latency", Value: "0"},
		}},
	)

	d := &Description{
		Kind:       KindIngest,
		Name:       "ingest-" + cam.ID,
		StreamPath: cam.ID,
		Chains:     []Chain{video},
	}

	if cam.AudioEnabled && cam.AudioDevice != "" {
		d.Chains = append(d.Chains, Chain{
			{Factory: "alsasrc", Props: []Prop{{Name: "device", Value: cam.AudioDevice}}},
			El("audioconvert"),
			El("audioresample"),
			El("voaacenc", P("bitrate", "128000")),
			El("aacparse"),
			El("pub."),
		})
	}
	return d
}

// BuildPreview produces the low-resolution secondary encode published on
// "<camera>_preview" for UI consumption.
func BuildPreview(in BuildInput) *Description {
	cam := in.Camera
	source := in.Source
	if source.IsZero() {
		source = cam.Resolution
	}
	preview := config.Resolution{Width: 640, Height: 360}

	video := Chain{
		{Factory: "v4l2src", Name: "src", Props: []Prop{
			{Name: "device", Value: cam.Device},
		}, Caps: rawCaps(source, cam.Framerate)},
		El("videoconvert"),
		Element{Factory: "videoscale", Caps: rawCaps(preview, cam.Framerate)},
		encoderElement(in.Profile),
		Element{Factory: in.Profile.Parser, Props: []Prop{{Name: "config-interval", Value: "-1"}}},
		Element{Factory: "rtspclientsink", Name: "pub", Props: []Prop{
			{Name: "location", Value: publishURL(in.PublishBase, cam.ID+"_preview")},
			{Name: "protocols", Value: "tcp"},
			{Name: "latency", Value: "0"},
		}},
	}

	return &Description{
		Kind:       KindPreview,
		Name:       "preview-" + cam.ID,
		StreamPath: cam.ID + "_preview",
		Chains:     []Chain{video},
	}
}

// RecordingInput parameterises a per-camera recording pipeline.
type RecordingInput struct {
	CameraID       string
	Codec          config.Codec
	ReadBase       string // RTSP base URL of the local stream server
	OutputFile     string
	SegmentSeconds int
}

// BuildRecording subscribes to the camera's stream path and writes a
// fragmented MP4. No re-encode happens here; key frames arrive on the
// encoder's one second cadence, which bounds data loss on crash.
func BuildRecording(in RecordingInput) *Description {
	depay, parser := depayFor(in.Codec)
	frag := in.SegmentSeconds * 1000
	if frag <= 0 {
		frag = 1000
	}

	chain := Chain{
		{Factory: "rtspsrc", Name: "src", Props: []Prop{
			{Name: "location", Value: publishURL(in.ReadBase, in.CameraID)},
			{Name: "protocols", Value: "tcp"},
			{Name: "latency", Value: "200"},
		}},
		El(depay),
		El(parser),
		El("mp4mux", P("fragment-duration", fmt.Sprintf("%d", frag)), P("streamable", "true")),
		El("filesink", P("location", in.OutputFile), P("sync", "false")),
	}

	return &Description{
		Kind:       KindRecording,
		Name:       "recording-" + in.CameraID,
		OutputFile: in.OutputFile,
		Chains:     []Chain{chain},
	}
}

// MixerBranchInput parameterises one composition input branch.
type MixerBranchInput struct {
	SourcePath string // stream path to subscribe ("cam0", "guest1")
	Codec      config.Codec
	Decoder    string // decoder element, chosen by the engine from the probe
	ReadBase   string
	Audio      bool
}

// BuildMixerBranch subscribes a source and decodes it onto a composition
// input. The trailing queue is the attachment point for the compositor
// request pad.
func BuildMixerBranch(in MixerBranchInput) *Description {
	depay, parser := depayFor(in.Codec)
	decoder := in.Decoder
	if decoder == "" {
		decoder = "decodebin"
	}

	video := Chain{
		{Factory: "rtspsrc", Name: "src_" + in.SourcePath, Props: []Prop{
			{Name: "location", Value: publishURL(in.ReadBase, in.SourcePath)},
			{Name: "protocols", Value: "tcp"},
			{Name: "latency", Value: "150"},
		}},
		El(depay),
		El(parser),
		El(decoder),
		El("videoconvert"),
		El("videoscale"),
		Element{Factory: "queue", Name: "out_" + in.SourcePath, Caps: "video/x-raw,format=NV12"},
	}

	d := &Description{
		Kind:   KindMixerBranch,
		Name:   "branch-" + in.SourcePath,
		Chains: []Chain{video},
	}

	if in.Audio {
		d.Chains = append(d.Chains, Chain{
			{Factory: "rtspsrc", Name: "asrc_" + in.SourcePath, Props: []Prop{
				{Name: "location", Value: publishURL(in.ReadBase, in.SourcePath)},
				{Name: "protocols", Value: "tcp"},
				{Name: "latency", Value: "150"},
			}},
			El("rtpmp4gdepay"),
			El("aacparse"),
			El("avdec_aac"),
			El("audioconvert"),
			El("audioresample"),
			Element{Factory: "volume", Name: "vol_" + in.SourcePath, Props: []Prop{{Name: "volume", Value: "1.0"}}},
		})
	}
	return d
}

// MixerProgramInput parameterises the program output skeleton.
type MixerProgramInput struct {
	Resolution  config.Resolution
	Framerate   int
	Profile     platform.EncoderProfile
	PublishBase string

	// RecordFile, when set, adds a fragmented MP4 recording branch off
	// the program encoder.
	RecordFile     string
	SegmentSeconds int
}

// BuildMixerProgram produces the composition skeleton: compositor and
// audio mixer feeding the program encoder and publisher. Input branches
// are attached dynamically by the mixer engine.
func BuildMixerProgram(in MixerProgramInput) *Description {
	caps := fmt.Sprintf("video/x-raw,width=%d,height=%d,framerate=%d/1,format=NV12",
		in.Resolution.Width, in.Resolution.Height, in.Framerate)

	video := Chain{
		{Factory: "compositor", Name: "comp", Props: []Prop{
			{Name: "background", Value: "black"},
		}, Caps: caps},
		El("queue"),
		encoderElement(in.Profile),
		Element{Factory: in.Profile.Parser, Props: []Prop{{Name: "config-interval", Value: "-1"}}},
		Element{Factory: "tee", Name: "progtee"},
		El("queue"),
		Element{Factory: "rtspclientsink", Name: "pub", Props: []Prop{
			{Name: "location", Value: publishURL(in.PublishBase, "mixer_program")},
			{Name: "protocols", Value: "tcp"},
			{Name: "latency", Value: "0"},
		}},
	}

	audio := Chain{
		{Factory: "audiomixer", Name: "amix"},
		El("audioconvert"),
		El("audioresample"),
		El("voaacenc", P("bitrate", "128000")),
		El("aacparse"),
		El("pub."),
	}

	// A live silence source keeps the audio mixer and downstream muxing
	// running when no input carries audio.
	silence := Chain{
		{Factory: "audiotestsrc", Name: "silence", Props: []Prop{
			{Name: "wave", Value: "silence"},
			{Name: "is-live", Value: "true"},
		}, Caps: "audio/x-raw,rate=48000,channels=2"},
		El("amix."),
	}

	d := &Description{
		Kind:       KindMixerProgram,
		Name:       "mixer-program",
		StreamPath: "mixer_program",
		Chains:     []Chain{video, audio, silence},
	}

	if in.RecordFile != "" {
		frag := in.SegmentSeconds * 1000
		if frag <= 0 {
			frag = 1000
		}
		d.OutputFile = in.RecordFile
		d.Chains = append(d.Chains, Chain{
			El("progtee."),
			El("queue"),
			El("mp4mux", P("fragment-duration", fmt.Sprintf("%d", frag)), P("streamable", "true")),
			El("filesink", P("location", in.RecordFile), P("sync", "false")),
		})
	}
	return d
}

func depayFor(codec config.Codec) (depay, parser string) {
	if codec == config.CodecH265 {
		return "rtph265depay", "h265parse"
	}
	return "rtph264depay", "h264parse"
}

func publishURL(base, streamPath string) string {
	if base == "" {
		base = "rtsp://127.0.0.1:8554"
	}
	return base + "/" + path.Clean(streamPath)
}
