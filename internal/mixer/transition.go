// SPDX-License-Identifier: MIT

package mixer

import (
	"time"

	"github.com/camdeck/camdeck/internal/camerr"
)

// TransitionKind selects how the program moves between scenes.
type TransitionKind string

const (
	TransitionCut  TransitionKind = "cut"
	TransitionFade TransitionKind = "fade"
	TransitionWipe TransitionKind = "wipe"
)

// Transition is a scene change request.
type Transition struct {
	Kind     TransitionKind `json:"kind"`
	Duration time.Duration  `json:"duration"`
}

// DefaultTransitionDuration applies when a fade or wipe carries none.
const DefaultTransitionDuration = 500 * time.Millisecond

// ParseTransition normalizes a transition request. Empty kind means cut.
func ParseTransition(kind string, duration time.Duration) (Transition, error) {
	t := Transition{Kind: TransitionKind(kind), Duration: duration}
	switch t.Kind {
	case "", TransitionCut:
		t.Kind = TransitionCut
		t.Duration = 0
	case TransitionFade, TransitionWipe:
		if t.Duration <= 0 {
			t.Duration = DefaultTransitionDuration
		}
	default:
		return Transition{}, camerr.Newf(camerr.KindConfigInvalid,
			"unknown transition %q", kind)
	}
	return t, nil
}

// frame holds per-slot pad properties at one animation step.
type frame struct {
	alpha float64
	xpos  int
	ypos  int
}

// fadeFrame computes the incoming slot's pad state at progress p in
// [0,1]. The slot fades in toward its target opacity.
func fadeFrame(target Slot, outW, outH int, p float64) frame {
	return frame{
		alpha: target.Opacity * clamp01(p),
		xpos:  int(target.X * float64(outW)),
		ypos:  int(target.Y * float64(outH)),
	}
}

// wipeFrame slides the incoming slot in from the left edge, landing on
// its target position at progress 1.
func wipeFrame(target Slot, outW, outH int, p float64) frame {
	p = clamp01(p)
	fromX := -int(target.W * float64(outW))
	toX := int(target.X * float64(outW))
	return frame{
		alpha: target.Opacity,
		xpos:  fromX + int(float64(toX-fromX)*p),
		ypos:  int(target.Y * float64(outH)),
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
