// SPDX-License-Identifier: MIT

package mixer

import "time"

// OutputState is the lifecycle of the program output.
type OutputState string

const (
	OutputStopped  OutputState = "stopped"
	OutputStarting OutputState = "starting"
	OutputLive     OutputState = "live"
	OutputError    OutputState = "error"
)

// TransitionStatus reports an in-flight transition.
type TransitionStatus struct {
	Kind      TransitionKind `json:"kind"`
	Remaining time.Duration  `json:"remaining"`
}

// State is the externally visible mixer snapshot.
type State struct {
	OutputState   OutputState       `json:"output_state"`
	CurrentScene  string            `json:"current_scene,omitempty"`
	PreviousScene string            `json:"previous_scene,omitempty"`
	Transition    *TransitionStatus `json:"transition,omitempty"`
	Placeholders  []string          `json:"placeholders,omitempty"`
	Overlays      []string          `json:"graphics_overlay_set,omitempty"`
	LastError     string            `json:"last_error,omitempty"`
}
