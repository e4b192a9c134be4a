// SPDX-License-Identifier: MIT

// Package platform detects the hardware encoder and capture capabilities
// of the device camdeck runs on. Encoder choice materially affects CPU
// load and stability, so it is resolved in one place and the rest of the
// system stays codec-agnostic.
package platform

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/camdeck/camdeck/internal/camerr"
	"github.com/camdeck/camdeck/internal/config"
	"github.com/camdeck/camdeck/internal/log"
)

// Prop is one encoder element property. Order matters for argv rendering.
type Prop struct {
	Name  string
	Value string
}

// EncoderProfile describes the encoder element to use for one stream.
type EncoderProfile struct {
	Codec    config.Codec
	Element  string
	Parser   string // h264parse / h265parse
	Hardware bool
	Props    []Prop
}

// runnerFunc executes a probing command and returns combined output.
// Injected in tests.
type runnerFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

// Probe inspects the platform once and answers encoder/capture queries.
type Probe struct {
	inspectBin string
	v4l2Bin    string
	timeout    time.Duration
	runner     runnerFunc

	mu       sync.Mutex
	elements map[string]bool // gst element availability cache
	socModel string
}

// Option configures a Probe.
type Option func(*Probe)

// WithRunner overrides command execution, for tests.
func WithRunner(r runnerFunc) Option {
	return func(p *Probe) { p.runner = r }
}

// WithSoCModel overrides SoC detection, for tests.
func WithSoCModel(model string) Option {
	return func(p *Probe) { p.socModel = model }
}

// New creates a platform probe.
func New(opts ...Option) *Probe {
	p := &Probe{
		inspectBin: "gst-inspect-1.0",
		v4l2Bin:    "v4l2-ctl",
		timeout:    3 * time.Second,
		elements:   make(map[string]bool),
		socModel:   readSoCModel(),
	}
	p.runner = p.run
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func readSoCModel() string {
	data, err := os.ReadFile("/proc/device-tree/model")
	if err != nil {
		return ""
	}
	return strings.ToLower(strings.TrimRight(string(data), "\x00\n"))
}

func (p *Probe) run(ctx context.Context, name string, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	return exec.CommandContext(ctx, name, args...).CombinedOutput() // #nosec G204 -- fixed binaries
}

// HasElement reports whether the GStreamer element is installed. Results
// are cached for the process lifetime.
func (p *Probe) HasElement(ctx context.Context, element string) bool {
	p.mu.Lock()
	if known, ok := p.elements[element]; ok {
		p.mu.Unlock()
		return known
	}
	p.mu.Unlock()

	_, err := p.runner(ctx, p.inspectBin, "--exists", element)
	exists := err == nil

	p.mu.Lock()
	p.elements[element] = exists
	p.mu.Unlock()
	return exists
}

// hardware encoder candidates per codec, tried in order. On Rockchip the
// MPP elements are preferred; the V4L2 stateful encoders are the generic
// fallback on other SoCs.
var hwCandidates = map[config.Codec][]string{
	config.CodecH264: {"mpph264enc", "v4l2h264enc"},
	config.CodecH265: {"mpph265enc", "v4l2h265enc"},
}

var swEncoder = map[config.Codec]string{
	config.CodecH264: "x264enc",
	config.CodecH265: "x265enc",
}

var parserFor = map[config.Codec]string{
	config.CodecH264: "h264parse",
	config.CodecH265: "h265parse",
}

// Resolve returns the encoder profile for the requested codec. Hardware
// encoders are tried first; the software fallback is tuned for
// low-latency. Fails with KindNoEncoder when neither path is available.
func (p *Probe) Resolve(ctx context.Context, codec config.Codec, bitrateKbps, framerate int, is4K bool) (EncoderProfile, error) {
	parser, ok := parserFor[codec]
	if !ok {
		return EncoderProfile{}, camerr.Newf(camerr.KindNoEncoder, "unknown codec %q", codec)
	}
	if framerate <= 0 {
		framerate = 30
	}

	for _, element := range p.candidates(codec) {
		if !p.HasElement(ctx, element) {
			continue
		}
		profile := EncoderProfile{
			Codec:    codec,
			Element:  element,
			Parser:   parser,
			Hardware: true,
			Props:    hwProps(element, bitrateKbps, framerate),
		}
		logger := log.WithComponent("platform")
		logger.Info().
			Str(log.FieldEncoder, element).
			Str(log.FieldCodec, string(codec)).
			Bool("hardware", true).
			Msg("resolved encoder")
		return profile, nil
	}

	element := swEncoder[codec]
	if !p.HasElement(ctx, element) {
		return EncoderProfile{}, camerr.Newf(camerr.KindNoEncoder,
			"no hardware or software encoder available for %s", codec)
	}

	profile := EncoderProfile{
		Codec:    codec,
		Element:  element,
		Parser:   parser,
		Hardware: false,
		Props:    swProps(element, bitrateKbps, framerate, is4K),
	}
	logger := log.WithComponent("platform")
	logger.Warn().
		Str(log.FieldEncoder, element).
		Str(log.FieldCodec, string(codec)).
		Bool("hardware", false).
		Msg("falling back to software encoder")
	return profile, nil
}

// candidates orders the hardware elements for this SoC. The V4L2 H.264
// stateful path is known unstable on some Rockchip kernels, so MPP stays
// first there and the V4L2 element is skipped entirely.
func (p *Probe) candidates(codec config.Codec) []string {
	list := hwCandidates[codec]
	if strings.Contains(p.socModel, "rockchip") || strings.Contains(p.socModel, "rk35") {
		if codec == config.CodecH264 {
			return []string{"mpph264enc"}
		}
	}
	return list
}

// hwProps enforces CBR at the configured rate, a one second GOP and no
// B-frames. The one second GOP is what makes recording fragments and
// stream joins land on key frame boundaries.
func hwProps(element string, bitrateKbps, framerate int) []Prop {
	switch {
	case strings.HasPrefix(element, "mpp"):
		return []Prop{
			{Name: "rc-mode", Value: "cbr"},
			{Name: "bps", Value: fmt.Sprintf("%d", bitrateKbps*1000)},
			{Name: "gop", Value: fmt.Sprintf("%d", framerate)},
			{Name: "bframes", Value: "0"},
		}
	default: // v4l2 stateful encoders
		return []Prop{
			{Name: "extra-controls", Value: fmt.Sprintf(
				"controls,video_bitrate_mode=1,video_bitrate=%d,h264_i_frame_period=%d,h264_b_frames=0",
				bitrateKbps*1000, framerate)},
		}
	}
}

func swProps(element string, bitrateKbps, framerate int, is4K bool) []Prop {
	preset := "veryfast"
	if is4K {
		preset = "ultrafast"
	}
	switch element {
	case "x264enc":
		props := []Prop{
			{Name: "bitrate", Value: fmt.Sprintf("%d", bitrateKbps)},
			{Name: "pass", Value: "cbr"},
			{Name: "key-int-max", Value: fmt.Sprintf("%d", framerate)},
			{Name: "bframes", Value: "0"},
			{Name: "tune", Value: "zerolatency"},
			{Name: "sliced-threads", Value: "true"},
			{Name: "speed-preset", Value: preset},
		}
		return props
	default: // x265enc
		return []Prop{
			{Name: "bitrate", Value: fmt.Sprintf("%d", bitrateKbps)},
			{Name: "key-int-max", Value: fmt.Sprintf("%d", framerate)},
			{Name: "tune", Value: "zerolatency"},
			{Name: "speed-preset", Value: preset},
		}
	}
}
