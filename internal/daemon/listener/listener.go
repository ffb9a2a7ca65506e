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

// Package listener provides Unix socket and TCP listener abstractions.
package listener

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/tombee/sandboxd/internal/config"
)

// New creates a listener based on configuration.
// Priority: TCP (if configured) > Unix socket (default).
func New(cfg config.ListenConfig) (net.Listener, error) {
	if cfg.TCPAddr != "" {
		return newTCPListener(cfg)
	}
	return newUnixListener(cfg.SocketPath)
}

// newUnixListener creates a Unix socket listener with owner-only
// permissions.
func newUnixListener(socketPath string) (net.Listener, error) {
	dir := filepath.Dir(socketPath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create socket directory: %w", err)
	}

	// Remove existing socket file if present
	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to remove existing socket: %w", err)
	}

	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on Unix socket: %w", err)
	}

	if err := os.Chmod(socketPath, 0600); err != nil {
		ln.Close()
		return nil, fmt.Errorf("failed to set socket permissions: %w", err)
	}

	return ln, nil
}

// newTCPListener creates a TCP listener, refusing non-localhost binds
// unless explicitly allowed.
func newTCPListener(cfg config.ListenConfig) (net.Listener, error) {
	if !cfg.AllowRemote && isRemoteAddr(cfg.TCPAddr) {
		return nil, fmt.Errorf(
			"binding to %s exposes the daemon to the network.\n"+
				"This allows anyone with network access to provision sandboxes.\n\n"+
				"If you understand the risks, set listen.allow_remote",
			cfg.TCPAddr,
		)
	}

	ln, err := net.Listen("tcp", cfg.TCPAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on TCP: %w", err)
	}
	return ln, nil
}

// isRemoteAddr returns true if the address binds to non-localhost interfaces.
func isRemoteAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		// addr might be just a port like ":7410"
		host = addr
		if strings.HasPrefix(addr, ":") {
			host = ""
		}
	}

	// Empty host or 0.0.0.0 means all interfaces
	if host == "" || host == "0.0.0.0" || host == "::" {
		return true
	}
	if host == "localhost" || host == "127.0.0.1" || host == "::1" {
		return false
	}
	return true
}

// ParseHost parses a SANDBOXD_HOST value into listener config.
// Supports:
//   - unix:///path/to/socket
//   - tcp://host:port
func ParseHost(host string) (*config.ListenConfig, error) {
	if host == "" {
		return nil, nil
	}

	cfg := &config.ListenConfig{}
	switch {
	case strings.HasPrefix(host, "unix://"):
		cfg.SocketPath = strings.TrimPrefix(host, "unix://")
	case strings.HasPrefix(host, "tcp://"):
		cfg.TCPAddr = strings.TrimPrefix(host, "tcp://")
	default:
		return nil, fmt.Errorf("invalid SANDBOXD_HOST format: %s (must start with unix:// or tcp://)", host)
	}
	return cfg, nil
}
