// SPDX-License-Identifier: MIT

package mixer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Overlay is one graphics element rendered by the local graphics
// service (lower thirds, scoreboards, logos). The renderer publishes
// its composited output as a registry stream that graphics slots
// subscribe to.
type Overlay struct {
	ID      string         `json:"id"`
	Kind    string         `json:"kind"`
	Visible bool           `json:"visible"`
	Data    map[string]any `json:"data,omitempty"`
}

// GraphicsClient drives the graphics renderer over its local HTTP API.
type GraphicsClient struct {
	baseURL string
	http    *http.Client
}

// NewGraphicsClient creates a client for the renderer at baseURL.
func NewGraphicsClient(baseURL string, timeout time.Duration) *GraphicsClient {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &GraphicsClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

// Upsert creates or replaces an overlay definition.
func (c *GraphicsClient) Upsert(ctx context.Context, ov Overlay) error {
	return c.do(ctx, http.MethodPut, "/overlays/"+url.PathEscape(ov.ID), ov)
}

// SetVisible shows or hides an overlay without touching its content.
func (c *GraphicsClient) SetVisible(ctx context.Context, id string, visible bool) error {
	return c.do(ctx, http.MethodPost, "/overlays/"+url.PathEscape(id)+"/visibility",
		map[string]bool{"visible": visible})
}

// Delete removes an overlay.
func (c *GraphicsClient) Delete(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/overlays/"+url.PathEscape(id), nil)
}

// List returns all overlays the renderer knows.
func (c *GraphicsClient) List(ctx context.Context) ([]Overlay, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/overlays", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() // #nosec G307
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("graphics renderer returned %d", resp.StatusCode)
	}
	var out []Overlay
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode overlays: %w", err)
	}
	return out, nil
}

func (c *GraphicsClient) do(ctx context.Context, method, path string, body any) error {
	var reqBody io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close() // #nosec G307
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("graphics renderer returned %d for %s %s", resp.StatusCode, method, path)
	}
	return nil
}
