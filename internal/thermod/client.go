// Package thermod provides a client for the Thermod daemon's control
// socket. Thermod exposes a small HTTP API (default port 4344) with
// the current heating status, a version endpoint, and a long-poll
// monitor endpoint that blocks until the status changes.
package thermod

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/droscy/thermod-monitor-mqtt/internal/httpkit"
)

// ErrNotFound is returned when the daemon answers 404 — notably for
// /monitor on daemon versions that predate long-poll support.
var ErrNotFound = errors.New("endpoint not found")

// Client is a Thermod control socket client.
type Client struct {
	baseURL string
	// httpClient serves short requests (/status, /version) with a
	// bounded timeout.
	httpClient *http.Client
	// pollClient serves /monitor long-polls. It has no overall timeout;
	// each call is bounded by a per-request context deadline instead.
	pollClient  *http.Client
	pollTimeout time.Duration
	watcher     readyChecker // set via SetWatcher for health status
}

// readyChecker is satisfied by connwatch.Watcher. Defined here to avoid
// importing connwatch directly, keeping the dependency one-directional.
type readyChecker interface {
	IsReady() bool
}

// SetWatcher sets the connection watcher for health status queries.
func (c *Client) SetWatcher(w readyChecker) {
	c.watcher = w
}

// IsReady reports whether the daemon is currently reachable.
// Returns true if no watcher is configured.
func (c *Client) IsReady() bool {
	if c.watcher == nil {
		return true
	}
	return c.watcher.IsReady()
}

// NewClient creates a new Thermod client. pollTimeout bounds how long a
// single /monitor long-poll may block before the client gives up and
// re-issues the request.
func NewClient(baseURL string, pollTimeout time.Duration, logger *slog.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(30*time.Second),
			httpkit.WithRetry(3, 2*time.Second),
			httpkit.WithLogger(logger),
		),
		pollClient: httpkit.NewClient(
			httpkit.WithTimeout(0),
			httpkit.WithLogger(logger),
		),
		pollTimeout: pollTimeout,
	}
}

// Version is the daemon's /version response.
type Version struct {
	Version string `json:"version"`
}

// GetStatus retrieves the current daemon status.
func (c *Client) GetStatus(ctx context.Context) (*Status, error) {
	var st Status
	if err := c.get(ctx, c.httpClient, "/status", nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// GetVersion retrieves the daemon version.
func (c *Client) GetVersion(ctx context.Context) (string, error) {
	var v Version
	if err := c.get(ctx, c.httpClient, "/version", nil, &v); err != nil {
		return "", err
	}
	return v.Version, nil
}

// Ping checks if the daemon is reachable.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.GetVersion(ctx)
	return err
}

// Monitor long-polls the daemon until the status changes, then returns
// the new status. name identifies this monitor to the daemon, which
// keeps a per-client change cursor so no transition is missed between
// consecutive calls.
//
// The call blocks up to the configured poll timeout. A timeout is
// returned as an error wrapping ctx's deadline error; callers should
// treat it as "no change yet" and re-issue the poll.
func (c *Client) Monitor(ctx context.Context, name string) (*Status, error) {
	pollCtx, cancel := context.WithTimeout(ctx, c.pollTimeout)
	defer cancel()

	q := url.Values{"name": []string{name}}

	var st Status
	if err := c.get(pollCtx, c.pollClient, "/monitor", q, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// get performs a GET request against the daemon and decodes the JSON
// response into out.
func (c *Client) get(ctx context.Context, client *http.Client, path string, query url.Values, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("build request %s: %w", path, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("GET %s: %w", path, ErrNotFound)
	}
	if resp.StatusCode != http.StatusOK {
		body := httpkit.ReadErrorBody(resp.Body, 512)
		return fmt.Errorf("GET %s: unexpected status %d: %s", path, resp.StatusCode, body)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
