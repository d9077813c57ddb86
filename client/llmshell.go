// Package llmshell is the Go SDK for the llmshelld HTTP API.
//
// The client always negotiates JSON responses; callers who want the
// plain-text renderings can hit the API directly with any HTTP client.
package llmshell

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
)

// Client talks to a llmshelld instance.
type Client struct {
	// BaseURL is prepended to all request paths
	// (e.g. "http://127.0.0.1:8776"). Must not have a trailing slash.
	BaseURL string

	// HTTP is the underlying http.Client. If nil, http.DefaultClient is
	// used.
	HTTP *http.Client
}

// New creates a Client for the given base URL.
func New(baseURL string) *Client {
	return &Client{BaseURL: baseURL}
}

// NewFromEnv creates a Client for the daemon named by the LLM_SHELL_ADDR
// environment variable, falling back to the default local address.
func NewFromEnv() *Client {
	addr := os.Getenv("LLM_SHELL_ADDR")
	if addr == "" {
		addr = "http://127.0.0.1:8776"
	}
	return New(addr)
}

// APIError is a non-2xx response from the daemon.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("llmshell: server returned %d: %s", e.StatusCode, e.Message)
}

// Status is the daemon's view of the managed process. Pointer fields are
// null when the daemon could not collect them or they do not apply.
type Status struct {
	Status      string   `json:"status"`
	PID         int      `json:"pid"`
	Uptime      *string  `json:"uptime"`
	Command     string   `json:"command"`
	User        *string  `json:"user"`
	Ports       []int    `json:"ports"`
	CPU         *float64 `json:"cpu"`
	MemMB       *float64 `json:"mem_mb"`
	Threads     *int     `json:"threads"`
	OpenFiles   *int     `json:"open_files"`
	Connections *int     `json:"connections"`
	Children    *int     `json:"children"`
	EnvCount    *int     `json:"env_count"`
	CreatedAt   string   `json:"created_at"`
	LogFile     string   `json:"log_file"`
	StoppedAt   *string  `json:"stopped_at"`
	ExitCode    *int     `json:"exit_code"`
	KillType    *string  `json:"kill_type"`
	LogTail     *string  `json:"log_tail"`
}

// Running reports whether the managed process is live.
func (s Status) Running() bool { return s.Status == "running" }

// KillResult is the acknowledgement of a kill request.
type KillResult struct {
	Status    string  `json:"status"`
	Type      *string `json:"type"`
	ExitCode  *int    `json:"exit_code"`
	StoppedAt *string `json:"stopped_at"`
}

// Start launches command under the daemon's shell and returns the status
// after the settle window. A command that dies inside the window comes back
// with a terminal status and its log tail attached.
func (c *Client) Start(ctx context.Context, command string) (Status, error) {
	body, err := json.Marshal(map[string]string{"command": command})
	if err != nil {
		return Status{}, err
	}

	var st Status
	err = c.do(ctx, http.MethodPost, "/start", nil, bytes.NewReader(body), &st)
	return st, err
}

// Status fetches the current (or last) process status.
func (c *Client) Status(ctx context.Context) (Status, error) {
	var st Status
	err := c.do(ctx, http.MethodGet, "/status", nil, nil, &st)
	return st, err
}

// Kill terminates the running process. signal is "SIGTERM" (graceful, with
// escalation) or "SIGKILL"; empty means SIGTERM.
func (c *Client) Kill(ctx context.Context, signal string) (KillResult, error) {
	q := url.Values{}
	if signal != "" {
		q.Set("type", signal)
	}

	var kr KillResult
	err := c.do(ctx, http.MethodPost, "/kill", q, nil, &kr)
	return kr, err
}

// Restart stops the process (if running) and relaunches its command.
// timeoutSecs is the graceful SIGTERM phase in seconds; negative means the
// daemon's default.
func (c *Client) Restart(ctx context.Context, timeoutSecs int) (Status, error) {
	q := url.Values{}
	if timeoutSecs >= 0 {
		q.Set("timeout", strconv.Itoa(timeoutSecs))
	}

	var st Status
	err := c.do(ctx, http.MethodPost, "/restart", q, nil, &st)
	return st, err
}

// LogOptions filters a Logs call. At most one of Lines or Seconds may be
// set; zero values mean "everything".
type LogOptions struct {
	Lines   int // last N lines
	Seconds int // lines from the last N seconds
}

// Logs fetches the current process's captured output as plain text.
func (c *Client) Logs(ctx context.Context, opts LogOptions) (string, error) {
	q := url.Values{}
	if opts.Lines > 0 {
		q.Set("lines", strconv.Itoa(opts.Lines))
	}
	if opts.Seconds > 0 {
		q.Set("seconds", strconv.Itoa(opts.Seconds))
	}

	resp, err := c.request(ctx, http.MethodGet, "/logs", q, nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", apiError(resp.StatusCode, body)
	}
	return string(body), nil
}

// Health reports whether the daemon is reachable and healthy.
func (c *Client) Health(ctx context.Context) error {
	var payload struct {
		Status string `json:"status"`
	}
	if err := c.do(ctx, http.MethodGet, "/health", nil, nil, &payload); err != nil {
		return err
	}
	if payload.Status != "healthy" {
		return fmt.Errorf("llmshell: unexpected health status %q", payload.Status)
	}
	return nil
}

func (c *Client) httpClient() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return http.DefaultClient
}

// request sends one HTTP request with format=json forced onto the query.
func (c *Client) request(ctx context.Context, method, path string, q url.Values, body io.Reader) (*http.Response, error) {
	if q == nil {
		q = url.Values{}
	}
	q.Set("format", "json")

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path+"?"+q.Encode(), body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.httpClient().Do(req)
}

// do performs a request and decodes a JSON response into out.
func (c *Client) do(ctx context.Context, method, path string, q url.Values, body io.Reader, out any) error {
	resp, err := c.request(ctx, method, path, q, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return apiError(resp.StatusCode, raw)
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("llmshell: decode response: %w", err)
		}
	}
	return nil
}

// apiError turns an error response body into an *APIError, falling back to
// the raw body when it is not the expected JSON shape.
func apiError(status int, body []byte) error {
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Error != "" {
		return &APIError{StatusCode: status, Message: payload.Error}
	}
	return &APIError{StatusCode: status, Message: string(body)}
}
