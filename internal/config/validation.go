// SPDX-License-Identifier: MIT

package config

import (
	"fmt"

	"github.com/camdeck/camdeck/internal/camerr"
)

// Validate checks the configuration for internal consistency. It returns
// a camerr.KindConfigInvalid error naming the first offending key.
func (c *AppConfig) Validate() error {
	seen := make(map[string]struct{}, len(c.Cameras))
	devices := make(map[string]string, len(c.Cameras))
	for i := range c.Cameras {
		cam := &c.Cameras[i]
		if cam.ID == "" {
			return camerr.Newf(camerr.KindConfigInvalid, "cameras[%d].id is required", i)
		}
		if _, dup := seen[cam.ID]; dup {
			return camerr.Newf(camerr.KindConfigInvalid, "duplicate camera id %q", cam.ID)
		}
		seen[cam.ID] = struct{}{}

		if cam.Device == "" {
			return camerr.Newf(camerr.KindConfigInvalid, "cameras[%s].device is required", cam.ID)
		}
		if other, dup := devices[cam.Device]; dup && cam.Enabled {
			return camerr.Newf(camerr.KindConfigInvalid,
				"cameras %s and %s share capture device %s", other, cam.ID, cam.Device)
		}
		if cam.Enabled {
			devices[cam.Device] = cam.ID
		}

		if err := validCodec(cam.Codec); err != nil {
			return camerr.Wrap(camerr.KindConfigInvalid, fmt.Sprintf("cameras[%s].codec", cam.ID), err)
		}
		if cam.AudioEnabled && cam.AudioDevice == "" {
			return camerr.Newf(camerr.KindConfigInvalid,
				"cameras[%s].audio_enabled requires audio_device", cam.ID)
		}
	}

	if err := validCodec(c.Mixer.OutputCodec); err != nil {
		return camerr.Wrap(camerr.KindConfigInvalid, "mixer.output_codec", err)
	}
	if c.Recording.MinFreeGBStop >= c.Recording.MinFreeGBStart {
		return camerr.Newf(camerr.KindConfigInvalid,
			"recording.min_free_gb_stop (%d) must be below min_free_gb_start (%d)",
			c.Recording.MinFreeGBStop, c.Recording.MinFreeGBStart)
	}
	if c.Mode.Default != ModeRecorder && c.Mode.Default != ModePeerWebRTC {
		return camerr.Newf(camerr.KindConfigInvalid, "mode.default %q is not a known mode", c.Mode.Default)
	}
	return nil
}

func validCodec(codec Codec) error {
	switch codec {
	case CodecH264, CodecH265:
		return nil
	default:
		return fmt.Errorf("unknown codec %q (want h264 or h265)", codec)
	}
}
