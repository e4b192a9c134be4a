// SPDX-License-Identifier: MIT

// Package pipeline builds and runs the hardware media pipelines. A
// Description is an abstract element graph; the builder produces one per
// pipeline kind and the Runtime executes it as a supervised gst-launch
// child process.
package pipeline

import (
	"fmt"
	"strings"
)

// Kind selects the pipeline shape the builder produces.
type Kind string

const (
	KindIngest       Kind = "ingest"
	KindRecording    Kind = "recording"
	KindPreview      Kind = "preview"
	KindMixerBranch  Kind = "mixer_branch"
	KindMixerProgram Kind = "mixer_program"
)

// Prop is one element property, rendered in order.
type Prop struct {
	Name  string
	Value string
}

// Element is one node in the graph. A Factory containing a '.' is a pad
// reference to a named element ("mux." or "comp.sink_0"), which is how
// branches attach in gst-launch syntax.
type Element struct {
	Factory string
	Name    string // optional element name for pad references
	Props   []Prop
	Caps    string // optional caps filter appended after the element
}

// Chain is a linked sequence of elements.
type Chain []Element

// Description is the abstract pipeline graph. It is constructed fresh
// before each launch and discarded on teardown.
type Description struct {
	Kind   Kind
	Name   string // pipeline name, used for logging
	Chains []Chain

	// OutputFile is set for recording kinds; the runtime samples its
	// size as the produced-bytes counter.
	OutputFile string

	// StreamPath is the registry path this pipeline publishes, if any.
	StreamPath string
}

// El is a convenience constructor for an element.
func El(factory string, props ...Prop) Element {
	return Element{Factory: factory, Props: props}
}

// P is a convenience constructor for a property.
func P(name, value string) Prop {
	return Prop{Name: name, Value: value}
}

func (e Element) tokens() []string {
	out := make([]string, 0, 1+len(e.Props))
	out = append(out, e.Factory)
	if e.Name != "" {
		out = append(out, "name="+e.Name)
	}
	for _, p := range e.Props {
		out = append(out, fmt.Sprintf("%s=%s", p.Name, p.Value))
	}
	return out
}

// Argv renders the graph as gst-launch-1.0 arguments. The rendering is
// deterministic: chains in order, properties in declaration order.
func (d *Description) Argv() []string {
	var argv []string
	for _, chain := range d.Chains {
		for ei, el := range chain {
			if ei > 0 {
				argv = append(argv, "!")
			}
			argv = append(argv, el.tokens()...)
			if el.Caps != "" {
				argv = append(argv, "!", el.Caps)
			}
		}
	}
	return argv
}

// LaunchString renders the graph in gst_parse_launch syntax, usable both
// for logging and for in-process parsing by the mixer engine.
func (d *Description) LaunchString() string {
	parts := make([]string, 0, len(d.Chains))
	for _, chain := range d.Chains {
		var sb strings.Builder
		for ei, el := range chain {
			if ei > 0 {
				sb.WriteString(" ! ")
			}
			sb.WriteString(strings.Join(el.tokens(), " "))
			if el.Caps != "" {
				sb.WriteString(" ! ")
				sb.WriteString(el.Caps)
			}
		}
		parts = append(parts, sb.String())
	}
	return strings.Join(parts, "  ")
}
