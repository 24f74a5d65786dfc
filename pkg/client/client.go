package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cuemby/kioskd/pkg/api"
	"github.com/cuemby/kioskd/pkg/types"
)

// Client queries the status server of a running agent
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for the status server at addr. addr may be a
// host:port, a bare :port or a full URL.
func NewClient(addr string) *Client {
	base := addr
	if strings.HasPrefix(base, ":") {
		base = "localhost" + base
	}
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return &Client{
		baseURL: strings.TrimRight(base, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// Health returns the liveness answer of the agent
func (c *Client) Health() (*api.HealthResponse, error) {
	var resp api.HealthResponse
	if err := c.get("/health", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Ready returns the readiness checks of the agent. A not-ready agent is not
// an error; inspect Status.
func (c *Client) Ready() (*api.ReadyResponse, error) {
	var resp api.ReadyResponse
	if err := c.get("/ready", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Events returns the agent's buffered log history, most recent first
func (c *Client) Events() ([]types.LogEvent, error) {
	var events []types.LogEvent
	if err := c.get("/events", &events); err != nil {
		return nil, err
	}
	return events, nil
}

func (c *Client) get(path string, out interface{}) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("agent not reachable at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	// /ready answers 503 with a regular body
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusServiceUnavailable {
		return fmt.Errorf("GET %s: unexpected status %d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("GET %s: invalid response: %w", path, err)
	}
	return nil
}
