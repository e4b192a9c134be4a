// SPDX-License-Identifier: MIT

// Package config loads and validates the camdeck YAML configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Codec identifies a video codec for encoder selection.
type Codec string

const (
	CodecH264 Codec = "h264"
	CodecH265 Codec = "h265"
)

// Mode names the two mutually exclusive operating regimes.
type Mode string

const (
	ModeRecorder   Mode = "recorder"
	ModePeerWebRTC Mode = "peer_webrtc"
)

// Resolution is a WxH pair parsed from "1920x1080" notation.
type Resolution struct {
	Width  int
	Height int
}

func (r Resolution) String() string {
	return fmt.Sprintf("%dx%d", r.Width, r.Height)
}

// IsZero reports whether the resolution is unset.
func (r Resolution) IsZero() bool { return r.Width == 0 && r.Height == 0 }

// Is4K reports whether the resolution is UHD-class.
func (r Resolution) Is4K() bool { return r.Width >= 3840 }

// UnmarshalYAML parses "WxH" notation.
func (r *Resolution) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := ParseResolution(s)
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// MarshalYAML renders "WxH" notation.
func (r Resolution) MarshalYAML() (any, error) {
	return r.String(), nil
}

// ParseResolution parses "1920x1080" into a Resolution.
func ParseResolution(s string) (Resolution, error) {
	var r Resolution
	if _, err := fmt.Sscanf(s, "%dx%d", &r.Width, &r.Height); err != nil {
		return Resolution{}, fmt.Errorf("invalid resolution %q: %w", s, err)
	}
	if r.Width <= 0 || r.Height <= 0 {
		return Resolution{}, fmt.Errorf("invalid resolution %q: dimensions must be positive", s)
	}
	return r, nil
}

// CameraConfig describes one HDMI capture input.
type CameraConfig struct {
	ID           string     `yaml:"id"`
	Device       string     `yaml:"device"`
	Enabled      bool       `yaml:"enabled"`
	Resolution   Resolution `yaml:"resolution"`
	Framerate    int        `yaml:"framerate"`
	BitrateKbps  int        `yaml:"bitrate"`
	Codec        Codec      `yaml:"codec"`
	AudioDevice  string     `yaml:"audio_device"`
	AudioEnabled bool       `yaml:"audio_enabled"`
	Preview      bool       `yaml:"preview"`
}

// IngestConfig holds the supervisor tuning knobs. The defaults were
// carried over from field tuning; all of them are overridable.
type IngestConfig struct {
	SampleInterval Duration `yaml:"sample_interval"`
	DebounceMin    Duration `yaml:"debounce_min"`
	DebounceMax    Duration `yaml:"debounce_max"`
	DebounceWindow Duration `yaml:"debounce_window"`
	BackoffMax     Duration `yaml:"backoff_max"`
	PublishTimeout Duration `yaml:"publish_timeout"`
	StartTimeout   Duration `yaml:"start_timeout"`
}

// RecordingConfig controls session recording and the disk guards.
type RecordingConfig struct {
	BasePath       string   `yaml:"base_path"`
	MinFreeGBStart int      `yaml:"min_free_gb_start"`
	MinFreeGBStop  int      `yaml:"min_free_gb_stop"`
	SegmentSeconds int      `yaml:"segment_seconds"`
	DiskInterval   Duration `yaml:"disk_interval"`
	StallInterval  Duration `yaml:"stall_interval"`
	StopTimeout    Duration `yaml:"stop_timeout"`
}

// MixerConfig controls the program output.
type MixerConfig struct {
	OutputResolution Resolution `yaml:"output_resolution"`
	OutputBitrate    int        `yaml:"output_bitrate"`
	OutputCodec      Codec      `yaml:"output_codec"`
	Framerate        int        `yaml:"framerate"`
	PlaceholderPoll  Duration   `yaml:"placeholder_poll"`
	RecordProgram    bool       `yaml:"record_program"`
	// GraphicsURL is the local overlay renderer's control endpoint.
	GraphicsURL string `yaml:"graphics_url"`
}

// ModeConfig controls arbiter startup behaviour.
type ModeConfig struct {
	Default      Mode   `yaml:"default"`
	PersistState bool   `yaml:"persist_state"`
	PeerAgentURL string `yaml:"peer_agent_url"`
}

// RegistryConfig points at the embedded stream server's control API.
type RegistryConfig struct {
	URL     string   `yaml:"url"`
	Timeout Duration `yaml:"timeout"`
	// RTSP publish base used by ingest/mixer pipelines.
	PublishBase string `yaml:"publish_base"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Listen          string   `yaml:"listen"`
	MetricsListen   string   `yaml:"metrics_listen"`
	ReadTimeout     Duration `yaml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
	RateLimitRPS    int      `yaml:"rate_limit_rps"`
}

// PathsConfig holds the persisted-state roots.
type PathsConfig struct {
	Sessions string `yaml:"sessions"`
	Scenes   string `yaml:"scenes"`
	State    string `yaml:"state"`
}

// LogConfig holds logging options.
type LogConfig struct {
	Level string `yaml:"level"`
}

// AppConfig is the root configuration document.
type AppConfig struct {
	Cameras   []CameraConfig  `yaml:"cameras"`
	Ingest    IngestConfig    `yaml:"ingest"`
	Recording RecordingConfig `yaml:"recording"`
	Mixer     MixerConfig     `yaml:"mixer"`
	Mode      ModeConfig      `yaml:"mode"`
	Registry  RegistryConfig  `yaml:"registry"`
	Server    ServerConfig    `yaml:"server"`
	Paths     PathsConfig     `yaml:"paths"`
	Log       LogConfig       `yaml:"log"`
}

// Load reads, defaults and validates the configuration at path.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- operator-supplied path
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML document, applies defaults and validates.
func Parse(data []byte) (*AppConfig, error) {
	var cfg AppConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *AppConfig) applyDefaults() {
	if c.Ingest.SampleInterval <= 0 {
		c.Ingest.SampleInterval = Duration(2 * time.Second)
	}
	if c.Ingest.DebounceMin <= 0 {
		c.Ingest.DebounceMin = Duration(1 * time.Second)
	}
	if c.Ingest.DebounceMax <= 0 {
		c.Ingest.DebounceMax = Duration(5 * time.Second)
	}
	if c.Ingest.DebounceWindow <= 0 {
		c.Ingest.DebounceWindow = Duration(30 * time.Second)
	}
	if c.Ingest.BackoffMax <= 0 {
		c.Ingest.BackoffMax = Duration(30 * time.Second)
	}
	if c.Ingest.PublishTimeout <= 0 {
		c.Ingest.PublishTimeout = Duration(15 * time.Second)
	}
	if c.Ingest.StartTimeout <= 0 {
		c.Ingest.StartTimeout = Duration(10 * time.Second)
	}

	if c.Recording.BasePath == "" {
		c.Recording.BasePath = "recordings"
	}
	if c.Recording.MinFreeGBStart <= 0 {
		c.Recording.MinFreeGBStart = 10
	}
	if c.Recording.MinFreeGBStop <= 0 {
		c.Recording.MinFreeGBStop = 5
	}
	if c.Recording.SegmentSeconds <= 0 {
		c.Recording.SegmentSeconds = 1
	}
	if c.Recording.DiskInterval <= 0 {
		c.Recording.DiskInterval = Duration(5 * time.Second)
	}
	if c.Recording.StallInterval <= 0 {
		c.Recording.StallInterval = Duration(10 * time.Second)
	}
	if c.Recording.StopTimeout <= 0 {
		c.Recording.StopTimeout = Duration(30 * time.Second)
	}

	if c.Mixer.OutputResolution.IsZero() {
		c.Mixer.OutputResolution = Resolution{Width: 1920, Height: 1080}
	}
	if c.Mixer.OutputBitrate <= 0 {
		c.Mixer.OutputBitrate = 6000
	}
	if c.Mixer.OutputCodec == "" {
		c.Mixer.OutputCodec = CodecH264
	}
	if c.Mixer.Framerate <= 0 {
		c.Mixer.Framerate = 30
	}
	if c.Mixer.PlaceholderPoll <= 0 {
		c.Mixer.PlaceholderPoll = Duration(1 * time.Second)
	}
	if c.Mixer.GraphicsURL == "" {
		c.Mixer.GraphicsURL = "http://127.0.0.1:8900"
	}

	if c.Mode.Default == "" {
		c.Mode.Default = ModeRecorder
	}
	if c.Mode.PeerAgentURL == "" {
		c.Mode.PeerAgentURL = "http://127.0.0.1:8890"
	}

	if c.Registry.URL == "" {
		c.Registry.URL = "http://127.0.0.1:9997"
	}
	if c.Registry.Timeout <= 0 {
		c.Registry.Timeout = Duration(2 * time.Second)
	}
	if c.Registry.PublishBase == "" {
		c.Registry.PublishBase = "rtsp://127.0.0.1:8554"
	}

	if c.Server.Listen == "" {
		c.Server.Listen = ":8080"
	}
	if c.Server.ReadTimeout <= 0 {
		c.Server.ReadTimeout = Duration(10 * time.Second)
	}
	if c.Server.WriteTimeout <= 0 {
		c.Server.WriteTimeout = Duration(30 * time.Second)
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = Duration(15 * time.Second)
	}
	if c.Server.RateLimitRPS <= 0 {
		c.Server.RateLimitRPS = 50
	}

	if c.Paths.Sessions == "" {
		c.Paths.Sessions = "sessions"
	}
	if c.Paths.Scenes == "" {
		c.Paths.Scenes = "scenes"
	}
	if c.Paths.State == "" {
		c.Paths.State = "state"
	}

	for i := range c.Cameras {
		cam := &c.Cameras[i]
		if cam.Resolution.IsZero() {
			cam.Resolution = Resolution{Width: 1920, Height: 1080}
		}
		if cam.Framerate <= 0 {
			cam.Framerate = 30
		}
		if cam.BitrateKbps <= 0 {
			cam.BitrateKbps = 4000
		}
		if cam.Codec == "" {
			cam.Codec = CodecH264
		}
	}
}

// Camera returns the configuration for id, or nil if not configured.
func (c *AppConfig) Camera(id string) *CameraConfig {
	for i := range c.Cameras {
		if c.Cameras[i].ID == id {
			return &c.Cameras[i]
		}
	}
	return nil
}
