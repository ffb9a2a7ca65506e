// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tombee/sandboxd/pkg/lifecycle"
)

// Client is a client for the sandboxd daemon API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

// New creates a new daemon client with the given options.
func New(opts ...Option) (*Client, error) {
	c := &Client{
		baseURL: "http://localhost", // Default for Unix socket
	}

	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}

	if c.httpClient == nil {
		c.httpClient = &http.Client{Transport: DefaultTransport()}
	}

	return c, nil
}

// Option configures a Client.
type Option func(*Client) error

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) error {
		c.httpClient = client
		return nil
	}
}

// WithTransport sets a custom transport.
func WithTransport(transport http.RoundTripper) Option {
	return func(c *Client) error {
		c.httpClient = &http.Client{Transport: transport}
		return nil
	}
}

// WithSocket connects the client over a Unix socket.
func WithSocket(socketPath string) Option {
	return func(c *Client) error {
		c.httpClient = &http.Client{Transport: NewUnixTransport(socketPath)}
		return nil
	}
}

// WithTCP connects the client over TCP to the given address.
func WithTCP(addr string) Option {
	return func(c *Client) error {
		c.httpClient = &http.Client{Transport: NewTCPTransport(addr)}
		c.baseURL = "http://" + addr
		return nil
	}
}

// WithBaseURL overrides the base URL used for requests.
func WithBaseURL(baseURL string) Option {
	return func(c *Client) error {
		c.baseURL = baseURL
		return nil
	}
}

// WithAPIKey sets the API key for authentication.
func WithAPIKey(apiKey string) Option {
	return func(c *Client) error {
		c.apiKey = apiKey
		return nil
	}
}

// HealthResponse is the response from /v1/health.
type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Uptime    string `json:"uptime,omitempty"`
}

// VersionResponse is the response from /v1/version.
type VersionResponse struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
	OS        string `json:"os"`
	Arch      string `json:"arch"`
}

// Sandbox is the daemon's view of a tracked sandbox.
type Sandbox struct {
	ID        string    `json:"id"`
	Phase     string    `json:"phase"`
	Progress  string    `json:"progress,omitempty"`
	URL       string    `json:"url,omitempty"`
	Message   string    `json:"message,omitempty"`
	LastTouch time.Time `json:"last_touch"`
}

// Transition is a single entry from a sandbox's provisioning history.
type Transition struct {
	ID        int64     `json:"id"`
	SandboxID string    `json:"sandbox_id"`
	Phase     string    `json:"phase"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Health returns the daemon health status.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	resp, err := c.get(ctx, "/v1/health")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var health HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return nil, fmt.Errorf("failed to decode health response: %w", err)
	}

	return &health, nil
}

// Version returns the daemon version information.
func (c *Client) Version(ctx context.Context) (*VersionResponse, error) {
	resp, err := c.get(ctx, "/v1/version")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var version VersionResponse
	if err := json.NewDecoder(resp.Body).Decode(&version); err != nil {
		return nil, fmt.Errorf("failed to decode version response: %w", err)
	}

	return &version, nil
}

// Ping checks if the daemon is reachable.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.Health(ctx)
	return err
}

// StartSandbox requests that the daemon converge the sandbox with the
// given id onto the named playbook. The call is idempotent: repeating it
// for the same id reports the current state without re-provisioning.
func (c *Client) StartSandbox(ctx context.Context, id, playbookName string) (*lifecycle.StartResult, error) {
	body, err := json.Marshal(map[string]string{"playbook": playbookName})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	resp, err := c.post(ctx, "/v1/sandboxes/"+id+"/start", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var result lifecycle.StartResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode start response: %w", err)
	}

	return &result, nil
}

// GetSandbox returns the daemon's current view of a sandbox.
func (c *Client) GetSandbox(ctx context.Context, id string) (*Sandbox, error) {
	resp, err := c.get(ctx, "/v1/sandboxes/"+id)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var sb Sandbox
	if err := json.NewDecoder(resp.Body).Decode(&sb); err != nil {
		return nil, fmt.Errorf("failed to decode sandbox response: %w", err)
	}

	return &sb, nil
}

// DestroySandbox tears down a sandbox and forgets its lifecycle entry.
func (c *Client) DestroySandbox(ctx context.Context, id string) error {
	return c.Delete(ctx, "/v1/sandboxes/"+id)
}

// History returns the recorded phase transitions for a sandbox.
func (c *Client) History(ctx context.Context, id string) ([]Transition, error) {
	resp, err := c.get(ctx, "/v1/sandboxes/"+id+"/history")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var transitions []Transition
	if err := json.NewDecoder(resp.Body).Decode(&transitions); err != nil {
		return nil, fmt.Errorf("failed to decode history response: %w", err)
	}

	return transitions, nil
}

// GetStream performs a GET request with the specified Accept header and returns the response.
func (c *Client) GetStream(ctx context.Context, path, accept string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", accept)
	c.addAuth(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("daemon returned error %d: %s", resp.StatusCode, string(body))
	}

	return resp, nil
}

// Delete performs a DELETE request.
func (c *Client) Delete(ctx context.Context, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	c.addAuth(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("daemon returned error %d: %s", resp.StatusCode, string(body))
	}

	return nil
}

// get performs a GET request to the daemon API.
func (c *Client) get(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	c.addAuth(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("daemon returned error %d: %s", resp.StatusCode, string(body))
	}

	return resp, nil
}

// post performs a POST request to the daemon API.
func (c *Client) post(ctx context.Context, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.addAuth(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	if resp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("daemon returned error %d: %s", resp.StatusCode, string(respBody))
	}

	return resp, nil
}

// addAuth adds authentication headers to the request if configured.
func (c *Client) addAuth(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}
