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

// Package auth provides API key authentication and per-client rate
// limiting for the control plane. Sandbox endpoint access itself is
// not authenticated here; only the daemon API is.
package auth

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	"github.com/tombee/sandboxd/internal/config"
	"github.com/tombee/sandboxd/internal/daemon/httputil"
)

// Middleware authenticates control plane requests.
type Middleware struct {
	cfg     config.AuthConfig
	limiter *RateLimiter
	logger  *slog.Logger
}

// NewMiddleware creates auth middleware from daemon configuration.
func NewMiddleware(cfg config.AuthConfig, logger *slog.Logger) *Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	var limiter *RateLimiter
	if cfg.RequestsPerSecond > 0 {
		limiter = NewRateLimiter(cfg.RequestsPerSecond, cfg.Burst)
	}
	return &Middleware{
		cfg:     cfg,
		limiter: limiter,
		logger:  logger.With("component", "auth"),
	}
}

// Wrap enforces authentication and rate limits on next.
func (m *Middleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.limiter != nil && !m.limiter.Allow(clientKey(r)) {
			httputil.WriteError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}

		if !m.cfg.Enabled {
			next.ServeHTTP(w, r)
			return
		}

		// Requests arriving over the unix socket have no network
		// address; the socket's file permissions are the auth boundary.
		if m.cfg.AllowUnixSocket && isUnixSocket(r) {
			next.ServeHTTP(w, r)
			return
		}

		key := extractKey(r)
		if key == "" || !m.validKey(key) {
			m.logger.Warn("rejected unauthenticated request", "path", r.URL.Path, "remote", r.RemoteAddr)
			httputil.WriteError(w, http.StatusUnauthorized, "invalid or missing API key")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (m *Middleware) validKey(key string) bool {
	for _, candidate := range m.cfg.APIKeys {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(key)) == 1 {
			return true
		}
	}
	return false
}

// extractKey reads the API key from the Authorization bearer header or
// the X-API-Key header.
func extractKey(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if key, ok := strings.CutPrefix(h, "Bearer "); ok {
			return key
		}
	}
	return r.Header.Get("X-API-Key")
}

// isUnixSocket reports whether the request arrived over a unix socket
// listener, which presents an empty or socket-path remote address.
func isUnixSocket(r *http.Request) bool {
	return r.RemoteAddr == "" || r.RemoteAddr == "@" || strings.HasPrefix(r.RemoteAddr, "/")
}

// clientKey buckets requests for rate limiting: by API key when one is
// presented, otherwise by remote host.
func clientKey(r *http.Request) string {
	if key := extractKey(r); key != "" {
		return "key:" + key
	}
	host := r.RemoteAddr
	if i := strings.LastIndex(host, ":"); i > 0 {
		host = host[:i]
	}
	return "addr:" + host
}
