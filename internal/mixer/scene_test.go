// SPDX-License-Identifier: MIT

package mixer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camdeck/camdeck/internal/camerr"
)

func validScene() *Scene {
	return &Scene{
		SceneID: "side_by_side",
		Slots: []Slot{
			{
				Source: Source{Kind: SourceCamera, Ref: "cam0"},
				X:      0, Y: 0.25, W: 0.5, H: 0.5,
				Z: 1, Opacity: 1, AudioGain: 1,
			},
			{
				Source: Source{Kind: SourceCamera, Ref: "cam1"},
				X:      0.5, Y: 0.25, W: 0.5, H: 0.5,
				Z: 1, Opacity: 1,
			},
		},
	}
}

func TestSceneValidate(t *testing.T) {
	require.NoError(t, validScene().Validate())
}

func TestSceneValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Scene)
	}{
		{"missing id", func(s *Scene) { s.SceneID = "" }},
		{"no slots", func(s *Scene) { s.Slots = nil }},
		{"bad kind", func(s *Scene) { s.Slots[0].Source.Kind = "hologram" }},
		{"missing ref", func(s *Scene) { s.Slots[0].Source.Ref = "" }},
		{"x out of range", func(s *Scene) { s.Slots[0].X = 1.5 }},
		{"zero width", func(s *Scene) { s.Slots[0].W = 0 }},
		{"opacity out of range", func(s *Scene) { s.Slots[0].Opacity = 2 }},
		{"negative gain", func(s *Scene) { s.Slots[0].AudioGain = -1 }},
		{"negative delay", func(s *Scene) { s.Slots[0].AudioDelayMs = -5 }},
		{"duplicate source", func(s *Scene) { s.Slots[1].Source.Ref = "cam0" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := validScene()
			tt.mutate(s)
			err := s.Validate()
			require.Error(t, err)
			assert.True(t, camerr.IsKind(err, camerr.KindConfigInvalid))
		})
	}
}

func TestSceneDefaultsOpacity(t *testing.T) {
	s := validScene()
	s.Slots[0].Opacity = 0
	require.NoError(t, s.Validate())
	assert.Equal(t, 1.0, s.Slots[0].Opacity)
}

func TestSourceStreamPath(t *testing.T) {
	assert.Equal(t, "cam0", Source{Kind: SourceCamera, Ref: "cam0"}.StreamPath())
	assert.Equal(t, "graphics_scorebug", Source{Kind: SourceGraphics, Ref: "scorebug"}.StreamPath())
	assert.Equal(t, "guest1", Source{Kind: SourceGuest, Ref: "guest1"}.StreamPath())
}

func TestParseTransition(t *testing.T) {
	tr, err := ParseTransition("", 0)
	require.NoError(t, err)
	assert.Equal(t, TransitionCut, tr.Kind)
	assert.Zero(t, tr.Duration)

	tr, err = ParseTransition("fade", 0)
	require.NoError(t, err)
	assert.Equal(t, DefaultTransitionDuration, tr.Duration)

	tr, err = ParseTransition("wipe", 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, tr.Duration)

	_, err = ParseTransition("dissolve", 0)
	require.Error(t, err)
	assert.True(t, camerr.IsKind(err, camerr.KindConfigInvalid))
}

func TestFadeFrame(t *testing.T) {
	slot := Slot{X: 0.5, Y: 0, W: 0.5, H: 0.5, Opacity: 0.8}

	f := fadeFrame(slot, 1920, 1080, 0)
	assert.Zero(t, f.alpha)
	assert.Equal(t, 960, f.xpos)

	f = fadeFrame(slot, 1920, 1080, 0.5)
	assert.InDelta(t, 0.4, f.alpha, 1e-9)

	f = fadeFrame(slot, 1920, 1080, 1)
	assert.InDelta(t, 0.8, f.alpha, 1e-9)
	// Progress past 1 clamps.
	f = fadeFrame(slot, 1920, 1080, 1.7)
	assert.InDelta(t, 0.8, f.alpha, 1e-9)
}

func TestWipeFrame(t *testing.T) {
	slot := Slot{X: 0.25, Y: 0.25, W: 0.5, H: 0.5, Opacity: 1}

	f := wipeFrame(slot, 1920, 1080, 0)
	assert.Equal(t, -960, f.xpos, "starts fully off screen")
	assert.Equal(t, 1.0, f.alpha)

	f = wipeFrame(slot, 1920, 1080, 1)
	assert.Equal(t, 480, f.xpos, "lands on target position")
	assert.Equal(t, 270, f.ypos)
}

func TestPlanBranches(t *testing.T) {
	attached := map[string]struct{}{
		"cam0": {},
		"cam2": {},
	}
	scene := &Scene{
		SceneID: "s",
		Slots: []Slot{
			{Source: Source{Kind: SourceCamera, Ref: "cam0"}, W: 1, H: 1, Opacity: 1},
			{Source: Source{Kind: SourceCamera, Ref: "cam1"}, W: 1, H: 1, Opacity: 1},
			{Source: Source{Kind: SourceGraphics, Ref: "bug"}, W: 1, H: 1, Opacity: 1},
		},
	}

	plan := planBranches(attached, scene)
	require.Len(t, plan.Keep, 1)
	assert.Equal(t, "cam0", plan.Keep[0].Source.Ref)
	require.Len(t, plan.Add, 2)
	assert.Equal(t, "cam1", plan.Add[0].Source.StreamPath())
	assert.Equal(t, "graphics_bug", plan.Add[1].Source.StreamPath())
	assert.Equal(t, []string{"cam2"}, plan.Remove)
}

func TestPlanBranchesEmptyTarget(t *testing.T) {
	plan := planBranches(map[string]struct{}{"cam0": {}}, &Scene{SceneID: "blank", Slots: []Slot{
		{Source: Source{Kind: SourceGraphics, Ref: "card"}, W: 1, H: 1, Opacity: 1},
	}})
	assert.Equal(t, []string{"cam0"}, plan.Remove)
	assert.Len(t, plan.Add, 1)
	assert.Empty(t, plan.Keep)
}
