// SPDX-License-Identifier: MIT

// Package camerr defines the error kinds shared across the pipeline
// supervisors. Kinds classify failures for control-plane responses and
// state transitions; they are matched with errors.Is, never by string.
package camerr

import (
	"errors"
	"fmt"
)

// Kind is a compact failure classification. Keep these stable: metrics,
// HTTP status mapping and client UX depend on them.
type Kind string

const (
	KindNoEncoder           Kind = "no_encoder"
	KindStartTimeout        Kind = "start_timeout"
	KindDeviceBusy          Kind = "device_busy"
	KindNoSignal            Kind = "no_signal"
	KindInsufficientDisk    Kind = "insufficient_disk"
	KindBusy                Kind = "busy"
	KindNoPublishers        Kind = "no_publishers"
	KindRegistryUnavailable Kind = "registry_unavailable"
	KindPipelineFatal       Kind = "pipeline_fatal"
	KindConfigInvalid       Kind = "config_invalid"
)

// Error carries a Kind plus an optional wrapped cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is makes errors.Is(err, camerr.New(kind)) match on Kind alone.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Kind == t.Kind
}

// New returns an error of the given kind.
func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Msg: msg}
}

// Newf returns an error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying error.
func Wrap(kind Kind, msg string, err error) error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf extracts the Kind from err, or "" if err carries none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
