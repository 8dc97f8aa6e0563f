// Package agent is the HTTP + SSE client for the upstream agent server. It
// owns session creation, prompt streaming, permission replies, and workspace
// file access; the stream reader in this package turns the server's SSE feed
// into typed events.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// DefaultBaseURL is the agent server used when no override is configured.
const DefaultBaseURL = "http://localhost:8000"

// Authoritative operation timeouts.
const (
	HealthTimeout        = 5 * time.Second
	CreateSessionTimeout = 30 * time.Second
	PromptStreamTimeout  = 300 * time.Second
	DownloadTimeout      = 30 * time.Second
	FileStatusTimeout    = 10 * time.Second
	PermissionTimeout    = 10 * time.Second
)

// Client talks to one agent server base URL. Safe for concurrent use.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithToken sets a bearer token attached to every request.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithHTTPClient overrides the underlying HTTP client (tests).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// NewClient creates a Client for the given base URL. An empty URL uses
// DefaultBaseURL.
func NewClient(baseURL string, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		// No global timeout: the SSE stream outlives any sane value. Each
		// call scopes its own deadline via context.
		http: &http.Client{},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// BaseURL returns the configured agent server base URL.
func (c *Client) BaseURL() string { return c.baseURL }

// IsReady probes the agent server health endpoint.
func (c *Client) IsReady(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, HealthTimeout)
	defer cancel()

	resp, err := c.do(ctx, http.MethodGet, "/global/health", nil)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// CreateSession asks the agent server for a new session, optionally bound to
// a named agent. Returns the session id.
func (c *Client) CreateSession(ctx context.Context, agentName string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, CreateSessionTimeout)
	defer cancel()

	body := map[string]string{}
	if agentName != "" {
		body["agent"] = agentName
	}

	resp, err := c.do(ctx, http.MethodPost, "/session", body)
	if err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("create session: status %d", resp.StatusCode)
	}

	// Permissive shape: {id}, {sessionID}, or {session:{id}}.
	var out struct {
		ID        string `json:"id"`
		SessionID string `json:"sessionID"`
		Session   struct {
			ID string `json:"id"`
		} `json:"session"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("create session: decode response: %w", err)
	}
	id := firstNonEmpty(out.ID, out.SessionID, out.Session.ID)
	if id == "" {
		return "", fmt.Errorf("create session: response carried no session id")
	}
	return id, nil
}

// ReplyPermission answers a pending agent permission. Failures are logged
// and swallowed: by the time the user answered, the agent may have moved on.
func (c *Client) ReplyPermission(ctx context.Context, id string, approved bool) {
	ctx, cancel := context.WithTimeout(ctx, PermissionTimeout)
	defer cancel()

	resp, err := c.do(ctx, http.MethodPost, "/permission/"+id+"/reply", map[string]bool{"approved": approved})
	if err != nil {
		slog.Warn("permission reply failed", "id", id, "error", err)
		return
	}
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		slog.Warn("permission reply rejected", "id", id, "status", resp.StatusCode)
	}
}

// ProviderInfo describes one model provider known to the agent server.
type ProviderInfo struct {
	ID     string   `json:"id"`
	Name   string   `json:"name"`
	Models []string `json:"models"`
}

// ListProviders enumerates the agent server's providers and their models.
func (c *Client) ListProviders(ctx context.Context) ([]ProviderInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, FileStatusTimeout)
	defer cancel()

	resp, err := c.do(ctx, http.MethodGet, "/global/providers", nil)
	if err != nil {
		return nil, fmt.Errorf("list providers: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("list providers: %w", err)
	}

	// Either a bare array or {providers: [...]}.
	var providers []ProviderInfo
	if err := json.Unmarshal(raw, &providers); err == nil {
		return providers, nil
	}
	var wrapped struct {
		Providers []ProviderInfo `json:"providers"`
	}
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		return nil, fmt.Errorf("list providers: decode response: %w", err)
	}
	return wrapped.Providers, nil
}

// ListAgents enumerates the agent names available on the server.
func (c *Client) ListAgents(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, FileStatusTimeout)
	defer cancel()

	resp, err := c.do(ctx, http.MethodGet, "/global/agents", nil)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}

	var names []string
	if err := json.Unmarshal(raw, &names); err == nil {
		return names, nil
	}
	var objs []struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(raw, &objs); err != nil {
		return nil, fmt.Errorf("list agents: decode response: %w", err)
	}
	for _, o := range objs {
		if o.Name != "" {
			names = append(names, o.Name)
		}
	}
	return names, nil
}

// GetSessionDiff fetches the workspace diff for a session as unified text.
func (c *Client) GetSessionDiff(ctx context.Context, sessionID string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, FileStatusTimeout)
	defer cancel()

	resp, err := c.do(ctx, http.MethodGet, "/session/"+sessionID+"/diff", nil)
	if err != nil {
		return "", fmt.Errorf("session diff: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("session diff: %w", err)
	}
	var out struct {
		Diff string `json:"diff"`
	}
	if err := json.Unmarshal(raw, &out); err == nil && out.Diff != "" {
		return out.Diff, nil
	}
	return string(raw), nil
}

// ShareSession asks the server for a shareable link to a session transcript.
func (c *Client) ShareSession(ctx context.Context, sessionID string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, FileStatusTimeout)
	defer cancel()

	resp, err := c.do(ctx, http.MethodPost, "/session/"+sessionID+"/share", nil)
	if err != nil {
		return "", fmt.Errorf("share session: %w", err)
	}
	defer resp.Body.Close()

	var out struct {
		URL   string `json:"url"`
		Share struct {
			URL string `json:"url"`
		} `json:"share"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("share session: decode response: %w", err)
	}
	return firstNonEmpty(out.URL, out.Share.URL), nil
}

// Abort cancels any prompt running on a session.
func (c *Client) Abort(ctx context.Context, sessionID string) error {
	ctx, cancel := context.WithTimeout(ctx, FileStatusTimeout)
	defer cancel()

	resp, err := c.do(ctx, http.MethodPost, "/session/"+sessionID+"/abort", nil)
	if err != nil {
		return fmt.Errorf("abort session: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("abort session: status %d", resp.StatusCode)
	}
	return nil
}

// do issues a request against the agent server with auth applied. A nil body
// sends no payload; otherwise body is JSON-encoded.
func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return c.http.Do(req)
}
