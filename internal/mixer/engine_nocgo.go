// SPDX-License-Identifier: MIT

//go:build !cgo

package mixer

import (
	"context"
	"errors"

	"github.com/camdeck/camdeck/internal/config"
	"github.com/camdeck/camdeck/internal/events"
	"github.com/camdeck/camdeck/internal/platform"
	"github.com/camdeck/camdeck/internal/registry"
)

// ErrCGORequired is returned when the mixer is used in a binary built
// without cgo; the in-process mix graph needs the GStreamer bindings.
var ErrCGORequired = errors.New("mixer requires a cgo build with GStreamer")

// EncoderResolver picks the encoder profile for the program output.
type EncoderResolver interface {
	Resolve(ctx context.Context, codec config.Codec, bitrateKbps, framerate int, is4K bool) (platform.EncoderProfile, error)
}

// PathChecker answers whether a registry path has a live publisher.
type PathChecker interface {
	GetPath(ctx context.Context, name string) (registry.StreamPath, error)
}

// Engine is a stub that reports the missing cgo build.
type Engine struct{}

// NewEngine fails without cgo.
func NewEngine(cfg config.MixerConfig, readBase, publishBase string,
	resolver EncoderResolver, paths PathChecker, store *Store, bus *events.Bus,
	overlays *OverlayManager) (*Engine, error) {
	return nil, ErrCGORequired
}

// Start fails without cgo.
func (e *Engine) Start(ctx context.Context, publishBase string, recordFile string) error {
	return ErrCGORequired
}

// Stop is a no-op without cgo.
func (e *Engine) Stop(ctx context.Context) error { return nil }

// SetScene fails without cgo.
func (e *Engine) SetScene(ctx context.Context, sceneID string, tr Transition) error {
	return ErrCGORequired
}

// State reports a stopped mixer without cgo.
func (e *Engine) State() State {
	return State{OutputState: OutputStopped, LastError: ErrCGORequired.Error()}
}
