// SPDX-License-Identifier: MIT

// Package mixer composes the live program output. Scenes describe the
// layout declaratively; the engine reconciles the running compositor
// graph against the active scene and animates transitions between them.
package mixer

import (
	"fmt"

	"github.com/camdeck/camdeck/internal/camerr"
)

// SourceKind classifies what a scene slot shows.
type SourceKind string

const (
	SourceCamera       SourceKind = "camera"
	SourceGraphics     SourceKind = "graphics"
	SourcePresentation SourceKind = "presentation"
	SourceGuest        SourceKind = "guest"
)

// Source references the feed behind a slot. Ref is the camera ID for
// camera slots and the registry path (or overlay ID for graphics) for
// the rest.
type Source struct {
	Kind SourceKind `json:"kind"`
	Ref  string     `json:"ref"`
}

// StreamPath is the registry path the slot's branch subscribes to.
func (s Source) StreamPath() string {
	switch s.Kind {
	case SourceGraphics:
		return "graphics_" + s.Ref
	default:
		return s.Ref
	}
}

// Crop trims pixels off the decoded frame before scaling.
type Crop struct {
	Left   int `json:"left"`
	Top    int `json:"top"`
	Right  int `json:"right"`
	Bottom int `json:"bottom"`
}

// Slot places one source in the output frame. Geometry is normalized
// to the output resolution so scenes survive resolution changes.
type Slot struct {
	Source  Source  `json:"source"`
	X       float64 `json:"x"`
	Y       float64 `json:"y"`
	W       float64 `json:"w"`
	H       float64 `json:"h"`
	Z       int     `json:"z"`
	Opacity float64 `json:"opacity"`
	Crop    *Crop   `json:"crop,omitempty"`

	// AudioGain is linear; 0 mutes the slot, 1 passes through.
	AudioGain    float64 `json:"audio_gain"`
	AudioDelayMs int     `json:"audio_delay_ms"`
}

// Scene is one declarative program layout.
type Scene struct {
	SceneID string `json:"scene_id"`
	Name    string `json:"name,omitempty"`
	Slots   []Slot `json:"slots"`
}

var validKinds = map[SourceKind]struct{}{
	SourceCamera:       {},
	SourceGraphics:     {},
	SourcePresentation: {},
	SourceGuest:        {},
}

// Validate rejects scenes the engine could not render.
func (s *Scene) Validate() error {
	if s.SceneID == "" {
		return camerr.New(camerr.KindConfigInvalid, "scene is missing scene_id")
	}
	if len(s.Slots) == 0 {
		return camerr.Newf(camerr.KindConfigInvalid, "scene %s has no slots", s.SceneID)
	}
	seen := make(map[string]struct{}, len(s.Slots))
	for i := range s.Slots {
		sl := &s.Slots[i]
		if _, ok := validKinds[sl.Source.Kind]; !ok {
			return camerr.Newf(camerr.KindConfigInvalid,
				"scene %s slot %d: unknown source kind %q", s.SceneID, i, sl.Source.Kind)
		}
		if sl.Source.Ref == "" {
			return camerr.Newf(camerr.KindConfigInvalid,
				"scene %s slot %d: missing source ref", s.SceneID, i)
		}
		if err := checkUnit(sl.X, "x"); err != nil {
			return slotErr(s.SceneID, i, err)
		}
		if err := checkUnit(sl.Y, "y"); err != nil {
			return slotErr(s.SceneID, i, err)
		}
		if sl.W <= 0 || sl.W > 1 {
			return slotErr(s.SceneID, i, fmt.Errorf("w %v outside (0,1]", sl.W))
		}
		if sl.H <= 0 || sl.H > 1 {
			return slotErr(s.SceneID, i, fmt.Errorf("h %v outside (0,1]", sl.H))
		}
		if sl.Opacity < 0 || sl.Opacity > 1 {
			return slotErr(s.SceneID, i, fmt.Errorf("opacity %v outside [0,1]", sl.Opacity))
		}
		if sl.Opacity == 0 {
			sl.Opacity = 1
		}
		if sl.AudioGain < 0 {
			return slotErr(s.SceneID, i, fmt.Errorf("audio_gain %v negative", sl.AudioGain))
		}
		if sl.AudioDelayMs < 0 {
			return slotErr(s.SceneID, i, fmt.Errorf("audio_delay_ms %d negative", sl.AudioDelayMs))
		}
		path := sl.Source.StreamPath()
		if _, dup := seen[path]; dup {
			return camerr.Newf(camerr.KindConfigInvalid,
				"scene %s references %s twice", s.SceneID, path)
		}
		seen[path] = struct{}{}
	}
	return nil
}

func checkUnit(v float64, name string) error {
	if v < 0 || v > 1 {
		return fmt.Errorf("%s %v outside [0,1]", name, v)
	}
	return nil
}

func slotErr(sceneID string, i int, err error) error {
	return camerr.Newf(camerr.KindConfigInvalid, "scene %s slot %d: %v", sceneID, i, err)
}
