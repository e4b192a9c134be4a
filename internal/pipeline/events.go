// SPDX-License-Identifier: MIT

package pipeline

import (
	"strings"
	"time"
)

// EventKind classifies a bus message from the media graph.
type EventKind string

const (
	EventError   EventKind = "error"
	EventWarning EventKind = "warning"
	EventEOS     EventKind = "eos"
)

// Event is one bus message drained from a running pipeline.
type Event struct {
	Kind    EventKind
	Fatal   bool
	Message string
	At      time.Time
}

// transientPatterns are errors counted and swallowed: startup negotiation
// glitches and single-frame decode hiccups resolve on their own.
var transientPatterns = []string{
	"not-negotiated",
	"could not negotiate",
	"decode_slice_header error",
	"no frame!",
	"non-existing PPS",
	"non-existing SPS",
	"corrupted frame",
}

// fatalPatterns end the pipeline: the device is gone, the encoder hung or
// the stream reached EOS.
var fatalPatterns = []string{
	"Cannot identify device",
	"No such device",
	"Device is busy",
	"could not open device",
	"Internal data stream error",
	"Failed to allocate required memory",
	"Got EOS from element",
}

// classify maps one output line to an Event. The second return is false
// for lines that are not bus messages.
func classify(line string) (Event, bool) {
	now := time.Now()

	for _, pat := range transientPatterns {
		if strings.Contains(line, pat) {
			return Event{Kind: EventWarning, Message: line, At: now}, true
		}
	}
	if strings.Contains(line, "Got EOS from element") {
		return Event{Kind: EventEOS, Fatal: true, Message: line, At: now}, true
	}
	for _, pat := range fatalPatterns {
		if strings.Contains(line, pat) {
			return Event{Kind: EventError, Fatal: true, Message: line, At: now}, true
		}
	}
	if strings.HasPrefix(line, "ERROR:") || strings.Contains(line, "ERROR: from element") {
		return Event{Kind: EventError, Fatal: true, Message: line, At: now}, true
	}
	if strings.HasPrefix(line, "WARNING:") {
		return Event{Kind: EventWarning, Message: line, At: now}, true
	}
	return Event{}, false
}
