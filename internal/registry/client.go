// SPDX-License-Identifier: MIT

// Package registry talks to the on-device stream registry over its HTTP
// control API. The registry owns the RTSP paths every pipeline publishes
// to and reads from; supervisors poll it to learn whether a path has a
// live publisher before they attach readers.
package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/camdeck/camdeck/internal/camerr"
	"github.com/camdeck/camdeck/internal/log"
	"github.com/camdeck/camdeck/internal/resilience"
)

var requestTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "camdeck_registry_request_total",
	Help: "Total number of stream registry API requests.",
}, []string{"op", "result"})

// Track is one media track on a registry path.
type Track struct {
	Codec string `json:"codec"`
}

// StreamPath is the registry's view of one RTSP path.
type StreamPath struct {
	Name       string   `json:"name"`
	Ready      bool     `json:"ready"`
	Tracks     []string `json:"tracks"`
	Readers    int      `json:"readers"`
	BytesSent  int64    `json:"bytesSent"`
	SourceType string   `json:"sourceType"`
}

// pathResponse mirrors the registry's /v3/paths/get payload.
type pathResponse struct {
	Name   string   `json:"name"`
	Ready  bool     `json:"ready"`
	Tracks []string `json:"tracks"`
	Source *struct {
		Type string `json:"type"`
	} `json:"source"`
	Readers []struct {
		Type string `json:"type"`
		ID   string `json:"id"`
	} `json:"readers"`
	BytesSent int64 `json:"bytesSent"`
}

type pathListResponse struct {
	ItemCount int            `json:"itemCount"`
	PageCount int            `json:"pageCount"`
	Items     []pathResponse `json:"items"`
}

// Client queries and configures the stream registry. All calls are
// bounded by the configured timeout and pass through a circuit breaker;
// when the registry is unreachable callers get KindRegistryUnavailable
// quickly instead of piling up blocked ticks.
type Client struct {
	baseURL string
	http    *http.Client
	breaker *resilience.CircuitBreaker
	logger  zerolog.Logger
}

// NewClient creates a registry client for the given API base URL, e.g.
// "http://127.0.0.1:9997".
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		breaker: resilience.NewCircuitBreaker("registry", 3, 10*time.Second),
		logger:  log.WithComponent("registry"),
	}
}

// GetPath returns the registry state of one path. A path unknown to the
// registry returns ready=false, not an error.
func (c *Client) GetPath(ctx context.Context, name string) (StreamPath, error) {
	var out StreamPath
	err := c.call("get_path", func() error {
		var resp pathResponse
		status, err := c.doJSON(ctx, http.MethodGet,
			"/v3/paths/get/"+url.PathEscape(name), nil, &resp)
		if err != nil {
			return err
		}
		if status == http.StatusNotFound {
			out = StreamPath{Name: name}
			return nil
		}
		if status != http.StatusOK {
			return fmt.Errorf("registry returned %d for path %s", status, name)
		}
		out = toStreamPath(resp)
		return nil
	})
	return out, err
}

// ListPaths returns all paths the registry currently knows about.
func (c *Client) ListPaths(ctx context.Context) ([]StreamPath, error) {
	var out []StreamPath
	err := c.call("list_paths", func() error {
		var resp pathListResponse
		status, err := c.doJSON(ctx, http.MethodGet, "/v3/paths/list", nil, &resp)
		if err != nil {
			return err
		}
		if status != http.StatusOK {
			return fmt.Errorf("registry returned %d for path list", status)
		}
		out = make([]StreamPath, 0, len(resp.Items))
		for _, item := range resp.Items {
			out = append(out, toStreamPath(item))
		}
		return nil
	})
	return out, err
}

// EnsurePath registers a path configuration if it is not already present.
// sourceURL is empty for publisher paths and an RTSP URL for relay paths.
func (c *Client) EnsurePath(ctx context.Context, name, sourceURL string) error {
	body := map[string]string{}
	if sourceURL == "" {
		body["source"] = "publisher"
	} else {
		body["source"] = sourceURL
	}

	return c.call("ensure_path", func() error {
		status, err := c.doJSON(ctx, http.MethodPost,
			"/v3/config/paths/add/"+url.PathEscape(name), body, nil)
		if err != nil {
			return err
		}
		// Already-configured paths answer with a conflict; that is fine.
		if status != http.StatusOK && status != http.StatusBadRequest && status != http.StatusConflict {
			return fmt.Errorf("registry returned %d adding path %s", status, name)
		}
		return nil
	})
}

// RemovePath deletes a path configuration. Unknown paths are not an error.
func (c *Client) RemovePath(ctx context.Context, name string) error {
	return c.call("remove_path", func() error {
		status, err := c.doJSON(ctx, http.MethodDelete,
			"/v3/config/paths/delete/"+url.PathEscape(name), nil, nil)
		if err != nil {
			return err
		}
		if status != http.StatusOK && status != http.StatusNotFound && status != http.StatusBadRequest {
			return fmt.Errorf("registry returned %d deleting path %s", status, name)
		}
		return nil
	})
}

// call wraps one operation in the breaker and maps failures to
// KindRegistryUnavailable.
func (c *Client) call(op string, fn func() error) error {
	err := c.breaker.Execute(fn)
	if err == nil {
		requestTotal.WithLabelValues(op, "ok").Inc()
		return nil
	}
	requestTotal.WithLabelValues(op, "error").Inc()
	if err == resilience.ErrCircuitOpen {
		return camerr.Wrap(camerr.KindRegistryUnavailable, "registry breaker open", err)
	}
	c.logger.Warn().Err(err).Str("op", op).Msg("registry request failed")
	return camerr.Wrap(camerr.KindRegistryUnavailable, "registry "+op, err)
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) (int, error) {
	var reqBody io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		reqBody = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return 0, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close() // #nosec G307

	if out != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode registry response: %w", err)
		}
		return resp.StatusCode, nil
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	return resp.StatusCode, nil
}

func toStreamPath(p pathResponse) StreamPath {
	sp := StreamPath{
		Name:      p.Name,
		Ready:     p.Ready,
		Tracks:    p.Tracks,
		Readers:   len(p.Readers),
		BytesSent: p.BytesSent,
	}
	if p.Source != nil {
		sp.SourceType = p.Source.Type
	}
	return sp
}
