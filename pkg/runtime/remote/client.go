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

// Package remote implements runtime.Runtime against an HTTP runtime
// agent. Response shapes are normalized at this boundary: some agent
// versions return a bare JSON array for port listings, others wrap it
// in {"ports": [...]}; both decode to the same typed result here so the
// ambiguity never reaches the coordinator.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tombee/sandboxd/pkg/errors"
	"github.com/tombee/sandboxd/pkg/runtime"
)

// Config contains runtime agent connection settings.
type Config struct {
	// BaseURL is the agent's base URL (e.g., "http://127.0.0.1:7070").
	BaseURL string

	// Token authenticates requests to the agent (optional).
	Token string

	// RequestTimeout bounds individual agent calls. Zero means 60s;
	// setup commands can legitimately take that long.
	RequestTimeout time.Duration
}

// Client is an HTTP client for a sandbox runtime agent.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// New creates a runtime agent client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("runtime agent base URL is required")
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		baseURL: cfg.BaseURL,
		token:   cfg.Token,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// CreateSandbox implements runtime.Runtime.
func (c *Client) CreateSandbox(ctx context.Context, id string, opts runtime.CreateOptions) error {
	return c.post(ctx, fmt.Sprintf("/v1/sandboxes/%s", id), opts, nil)
}

// Exec implements runtime.Runtime.
func (c *Client) Exec(ctx context.Context, id, command string) (*runtime.CommandResult, error) {
	body := map[string]string{"command": command}
	var result runtime.CommandResult
	if err := c.post(ctx, fmt.Sprintf("/v1/sandboxes/%s/exec", id), body, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// WriteFile implements runtime.Runtime.
func (c *Client) WriteFile(ctx context.Context, id, path string, contents []byte) error {
	body := map[string]any{"path": path, "contents": contents}
	return c.post(ctx, fmt.Sprintf("/v1/sandboxes/%s/files", id), body, nil)
}

// StartProcess implements runtime.Runtime.
func (c *Client) StartProcess(ctx context.Context, id, command string) (*runtime.Process, error) {
	body := map[string]string{"command": command}
	var proc runtime.Process
	if err := c.post(ctx, fmt.Sprintf("/v1/sandboxes/%s/processes", id), body, &proc); err != nil {
		return nil, err
	}
	return &proc, nil
}

// ExposePort implements runtime.Runtime. An agent-side 409 becomes an
// EndpointConflictError so callers can converge on the existing URL.
func (c *Client) ExposePort(ctx context.Context, id string, port int, token string) (string, error) {
	body := map[string]any{"port": port, "token": token}
	var result struct {
		URL string `json:"url"`
	}
	err := c.post(ctx, fmt.Sprintf("/v1/sandboxes/%s/ports", id), body, &result)
	if err != nil {
		var httpErr *agentError
		if errors.As(err, &httpErr) && httpErr.Status == http.StatusConflict {
			return "", &errors.EndpointConflictError{Port: port, URL: httpErr.URL}
		}
		return "", err
	}
	return result.URL, nil
}

// ListExposedPorts implements runtime.Runtime. Missing sandboxes and
// transport failures classify as RuntimeUnavailableError: the caller
// treats both as "no endpoints yet."
func (c *Client) ListExposedPorts(ctx context.Context, id string) ([]runtime.ExposedPort, error) {
	raw, err := c.get(ctx, fmt.Sprintf("/v1/sandboxes/%s/ports", id))
	if err != nil {
		var httpErr *agentError
		if errors.As(err, &httpErr) && httpErr.Status == http.StatusNotFound {
			return nil, &errors.RuntimeUnavailableError{Op: "list exposed ports", Cause: err}
		}
		if !errors.As(err, &httpErr) {
			// Transport-level failure, not an HTTP status.
			return nil, &errors.RuntimeUnavailableError{Op: "list exposed ports", Cause: err}
		}
		return nil, err
	}
	return normalizePortList(raw)
}

// Destroy implements runtime.Runtime.
func (c *Client) Destroy(ctx context.Context, id string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+fmt.Sprintf("/v1/sandboxes/%s", id), nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	c.addAuth(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	// Destroying a missing sandbox is a no-op per the contract.
	if resp.StatusCode == http.StatusNotFound {
		return nil
	}
	if resp.StatusCode >= 400 {
		return readAgentError(resp)
	}
	return nil
}

// normalizePortList accepts either a bare JSON array of ports or a
// {"ports": [...]} wrapper and returns one typed slice.
func normalizePortList(raw []byte) ([]runtime.ExposedPort, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || string(trimmed) == "null" {
		return nil, nil
	}

	if trimmed[0] == '[' {
		var ports []runtime.ExposedPort
		if err := json.Unmarshal(trimmed, &ports); err != nil {
			return nil, fmt.Errorf("failed to decode port list: %w", err)
		}
		return ports, nil
	}

	var wrapper struct {
		Ports []runtime.ExposedPort `json:"ports"`
	}
	if err := json.Unmarshal(trimmed, &wrapper); err != nil {
		return nil, fmt.Errorf("failed to decode port list: %w", err)
	}
	return wrapper.Ports, nil
}

// agentError is a non-2xx response from the runtime agent.
type agentError struct {
	Status  int
	Message string
	URL     string
}

func (e *agentError) Error() string {
	return fmt.Sprintf("runtime agent returned %d: %s", e.Status, e.Message)
}

func readAgentError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	agentErr := &agentError{Status: resp.StatusCode, Message: string(body)}

	// Conflict responses may carry the existing endpoint URL.
	var payload struct {
		Error string `json:"error"`
		URL   string `json:"url"`
	}
	if json.Unmarshal(body, &payload) == nil {
		if payload.Error != "" {
			agentErr.Message = payload.Error
		}
		agentErr.URL = payload.URL
	}
	return agentErr
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal body: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.addAuth(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return readAgentError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.addAuth(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, readAgentError(resp)
	}
	return io.ReadAll(resp.Body)
}

func (c *Client) addAuth(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}
