// SPDX-License-Identifier: MIT

package mixer

import (
	"context"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/camdeck/camdeck/internal/log"
)

// graphicsRenderer is the renderer surface the manager pushes to.
// Satisfied by GraphicsClient; tests inject fakes.
type graphicsRenderer interface {
	Upsert(ctx context.Context, ov Overlay) error
	SetVisible(ctx context.Context, id string, visible bool) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]Overlay, error)
}

// OverlayManager keeps the desired overlay set on this side of the
// renderer boundary. The renderer is a separate process that loses its
// state on restart, so every mutation is recorded here first and the
// whole set is pushed again once the renderer answers after an outage.
type OverlayManager struct {
	renderer graphicsRenderer
	logger   zerolog.Logger

	mu       sync.Mutex
	overlays map[string]Overlay
	down     bool
}

// NewOverlayManager wraps the renderer client with desired-state
// tracking.
func NewOverlayManager(renderer graphicsRenderer) *OverlayManager {
	return &OverlayManager{
		renderer: renderer,
		logger:   log.WithComponent("graphics"),
		overlays: make(map[string]Overlay),
	}
}

// Upsert records the overlay and pushes it to the renderer. The local
// record is kept even when the push fails so recovery can replay it.
func (m *OverlayManager) Upsert(ctx context.Context, ov Overlay) error {
	m.mu.Lock()
	m.overlays[ov.ID] = ov
	m.mu.Unlock()

	err := m.renderer.Upsert(ctx, ov)
	m.observe(ctx, err)
	return err
}

// SetVisible toggles a tracked overlay and forwards the change.
func (m *OverlayManager) SetVisible(ctx context.Context, id string, visible bool) error {
	m.mu.Lock()
	if ov, ok := m.overlays[id]; ok {
		ov.Visible = visible
		m.overlays[id] = ov
	}
	m.mu.Unlock()

	err := m.renderer.SetVisible(ctx, id, visible)
	m.observe(ctx, err)
	return err
}

// Delete drops the overlay locally and on the renderer.
func (m *OverlayManager) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	delete(m.overlays, id)
	m.mu.Unlock()

	err := m.renderer.Delete(ctx, id)
	m.observe(ctx, err)
	return err
}

// List returns the renderer's view of the overlays.
func (m *OverlayManager) List(ctx context.Context) ([]Overlay, error) {
	out, err := m.renderer.List(ctx)
	m.observe(ctx, err)
	return out, err
}

// VisibleIDs returns the IDs of the overlays currently toggled on,
// sorted for stable output.
func (m *OverlayManager) VisibleIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ids []string
	for id, ov := range m.overlays {
		if ov.Visible {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// EnsureSynced probes a renderer previously marked unreachable and
// replays the overlay set when it answers again. A no-op while the
// renderer is believed healthy.
func (m *OverlayManager) EnsureSynced(ctx context.Context) error {
	m.mu.Lock()
	down := m.down
	m.mu.Unlock()
	if !down {
		return nil
	}
	if _, err := m.renderer.List(ctx); err != nil {
		return err
	}
	return m.resync(ctx)
}

// observe updates the renderer health from a call result. The first
// successful call after an outage replays the full overlay set.
func (m *OverlayManager) observe(ctx context.Context, err error) {
	m.mu.Lock()
	wasDown := m.down
	if err != nil {
		m.down = true
	}
	m.mu.Unlock()

	if err != nil {
		if !wasDown {
			m.logger.Warn().Err(err).Msg("graphics renderer unreachable, overlay set retained")
		}
		return
	}
	if wasDown {
		if rerr := m.resync(ctx); rerr != nil {
			m.logger.Warn().Err(rerr).Msg("overlay replay failed")
		}
	}
}

// resync pushes every tracked overlay back to the renderer.
func (m *OverlayManager) resync(ctx context.Context) error {
	m.mu.Lock()
	set := make([]Overlay, 0, len(m.overlays))
	for _, ov := range m.overlays {
		set = append(set, ov)
	}
	m.mu.Unlock()

	for _, ov := range set {
		if err := m.renderer.Upsert(ctx, ov); err != nil {
			return err
		}
	}

	m.mu.Lock()
	m.down = false
	m.mu.Unlock()
	m.logger.Info().Int("overlays", len(set)).Msg("graphics renderer recovered, overlay set re-applied")
	return nil
}
