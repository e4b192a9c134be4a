// SPDX-License-Identifier: MIT

package mode

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// FuncService adapts start/stop closures to the Service interface. The
// daemon wires supervisors into modes with it.
type FuncService struct {
	ServiceName string
	StartFunc   func(ctx context.Context) error
	StopFunc    func(ctx context.Context) error
}

func (f FuncService) Name() string { return f.ServiceName }

func (f FuncService) Start(ctx context.Context) error {
	if f.StartFunc == nil {
		return nil
	}
	return f.StartFunc(ctx)
}

func (f FuncService) Stop(ctx context.Context) error {
	if f.StopFunc == nil {
		return nil
	}
	return f.StopFunc(ctx)
}

// PeerService hands the capture devices to the external WebRTC peer
// agent over its local control API. The agent owns its own media stack;
// this side only tells it when to claim and release the hardware.
type PeerService struct {
	baseURL string
	http    *http.Client
}

// NewPeerService creates the adapter for the agent at baseURL.
func NewPeerService(baseURL string) *PeerService {
	return &PeerService{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 5 * time.Second},
	}
}

func (p *PeerService) Name() string { return "peer_webrtc_agent" }

// Start asks the agent to claim the devices and begin its session.
func (p *PeerService) Start(ctx context.Context) error {
	return p.post(ctx, "/v1/session/start")
}

// Stop asks the agent to end its session and release the devices.
func (p *PeerService) Stop(ctx context.Context) error {
	return p.post(ctx, "/v1/session/stop")
}

func (p *PeerService) post(ctx context.Context, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.baseURL+path, bytes.NewReader(nil))
	if err != nil {
		return err
	}
	resp, err := p.http.Do(req)
	if err != nil {
		return fmt.Errorf("peer agent %s: %w", path, err)
	}
	defer resp.Body.Close() // #nosec G307
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("peer agent %s returned %d", path, resp.StatusCode)
	}
	return nil
}
