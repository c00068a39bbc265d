package status

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Client polls a running Server's HTTP API from the companion monitor
// process, the same shape as guiperry-HASHER's API client helpers that
// wrap a remote endpoint behind small typed methods with a shared
// per-call timeout.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient builds a Client against baseURL (e.g. "http://127.0.0.1:8765").
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 5 * time.Second},
	}
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("status: build request for %s: %w", path, err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("status: GET %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status: GET %s: unexpected status %s", path, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// State fetches the run's current progress snapshot.
func (c *Client) State(ctx context.Context) (State, error) {
	var s State
	err := c.get(ctx, "/state", &s)
	return s, err
}

// Host fetches the host's CPU/memory sample.
func (c *Client) Host(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	err := c.get(ctx, "/host", &out)
	return out, err
}

// LogTail fetches the most recent log lines.
func (c *Client) LogTail(ctx context.Context) ([]string, error) {
	var out struct {
		Lines []string `json:"lines"`
	}
	if err := c.get(ctx, "/log/tail", &out); err != nil {
		return nil, err
	}
	return out.Lines, nil
}
