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

// Package api implements the sandboxd control plane HTTP API.
package api

import (
	"log/slog"
	"net/http"
	"runtime"
	"time"

	"github.com/tombee/sandboxd/internal/daemon/httputil"
)

// RouterConfig carries build metadata for /v1/version.
type RouterConfig struct {
	Version   string
	Commit    string
	BuildDate string
}

// Router is the control plane HTTP handler.
type Router struct {
	mux       *http.ServeMux
	config    RouterConfig
	logger    *slog.Logger
	startTime time.Time
}

// NewRouter creates a router with the version and health endpoints
// registered. Sandbox routes are added by SetSandboxesHandler.
func NewRouter(cfg RouterConfig, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		mux:       http.NewServeMux(),
		config:    cfg,
		logger:    logger.With("component", "api"),
		startTime: time.Now(),
	}

	r.mux.HandleFunc("GET /v1/health", r.handleHealth)
	r.mux.HandleFunc("GET /v1/version", r.handleVersion)
	r.mux.HandleFunc("GET /", r.handleRoot)

	return r
}

// SetSandboxesHandler registers the sandbox lifecycle routes.
func (r *Router) SetSandboxesHandler(h *SandboxesHandler) {
	r.mux.HandleFunc("POST /v1/sandboxes/{id}/start", h.handleStart)
	r.mux.HandleFunc("GET /v1/sandboxes/{id}", h.handleGet)
	r.mux.HandleFunc("GET /v1/sandboxes/{id}/events", h.handleEvents)
	r.mux.HandleFunc("GET /v1/sandboxes/{id}/history", h.handleHistory)
	r.mux.HandleFunc("DELETE /v1/sandboxes/{id}", h.handleDestroy)
}

// SetMetricsHandler registers the Prometheus scrape endpoint.
func (r *Router) SetMetricsHandler(handler http.Handler) {
	if handler != nil {
		r.mux.Handle("GET /metrics", handler)
	}
}

// ServeHTTP implements http.Handler with request logging.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	start := time.Now()
	r.mux.ServeHTTP(w, req)
	r.logger.Info("request completed",
		slog.String("method", req.Method),
		slog.String("path", req.URL.Path),
		slog.Int64("duration_ms", time.Since(start).Milliseconds()),
	)
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

func (r *Router) handleHealth(w http.ResponseWriter, _ *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, HealthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Uptime:    time.Since(r.startTime).Round(time.Second).String(),
	})
}

func (r *Router) handleVersion(w http.ResponseWriter, _ *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, VersionResponse{
		Version:   r.config.Version,
		Commit:    r.config.Commit,
		BuildDate: r.config.BuildDate,
		GoVersion: runtime.Version(),
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
	})
}

func (r *Router) handleRoot(w http.ResponseWriter, req *http.Request) {
	if req.URL.Path != "/" {
		httputil.WriteError(w, http.StatusNotFound, "not found")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{
		"service": "sandboxd",
		"version": r.config.Version,
	})
}
