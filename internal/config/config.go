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

// Package config provides sandboxd configuration loading.
//
// Configuration comes from a YAML file with environment variable
// overrides for connection settings. Every lifecycle tunable has a
// default; a zero-value Config is usable after Normalize.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the full sandboxd configuration.
type Config struct {
	// Daemon configures the control plane process.
	Daemon DaemonConfig `yaml:"daemon"`

	// Runtime configures the sandbox runtime agent connection.
	Runtime RuntimeConfig `yaml:"runtime"`

	// Lifecycle configures provisioning and reclaim behavior.
	Lifecycle LifecycleConfig `yaml:"lifecycle"`

	// Watch configures the client-side lifecycle watcher.
	Watch WatchConfig `yaml:"watch"`
}

// DaemonConfig configures the sandboxd process.
type DaemonConfig struct {
	// Listen configures how the daemon accepts connections.
	Listen ListenConfig `yaml:"listen,omitempty"`

	// PIDFile is where the daemon writes its process ID (optional).
	PIDFile string `yaml:"pid_file,omitempty"`

	// DataDir holds the lifecycle journal and other daemon state.
	DataDir string `yaml:"data_dir,omitempty"`

	// PlaybooksDir is the directory of sandbox playbook YAML files.
	PlaybooksDir string `yaml:"playbooks_dir,omitempty"`

	// ShutdownTimeout bounds graceful HTTP shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout,omitempty"`

	// DrainTimeout bounds the wait for in-flight provisioning runs
	// during shutdown.
	DrainTimeout time.Duration `yaml:"drain_timeout,omitempty"`

	// Auth configures control plane authentication.
	Auth AuthConfig `yaml:"auth,omitempty"`

	// Observability configures metrics.
	Observability ObservabilityConfig `yaml:"observability,omitempty"`
}

// ListenConfig configures how the daemon listens for connections.
type ListenConfig struct {
	// SocketPath is the Unix socket path. Takes precedence over TCPAddr.
	SocketPath string `yaml:"socket_path,omitempty"`

	// TCPAddr is the TCP listen address (e.g., "127.0.0.1:7410").
	TCPAddr string `yaml:"tcp_addr,omitempty"`

	// AllowRemote permits binding to non-localhost interfaces.
	AllowRemote bool `yaml:"allow_remote,omitempty"`
}

// AuthConfig configures control plane authentication.
type AuthConfig struct {
	// Enabled controls whether API key authentication is required.
	Enabled bool `yaml:"enabled"`

	// APIKeys is the list of valid API keys.
	APIKeys []string `yaml:"api_keys,omitempty"`

	// AllowUnixSocket allows unauthenticated access via Unix socket.
	AllowUnixSocket bool `yaml:"allow_unix_socket"`

	// RequestsPerSecond limits request rate per client. Zero disables.
	RequestsPerSecond float64 `yaml:"requests_per_second,omitempty"`

	// Burst is the rate limiter burst size.
	Burst int `yaml:"burst,omitempty"`
}

// ObservabilityConfig configures metrics export.
type ObservabilityConfig struct {
	// Enabled controls whether the /metrics endpoint is served.
	Enabled bool `yaml:"enabled"`

	// ServiceName overrides the reported service name.
	ServiceName string `yaml:"service_name,omitempty"`
}

// RuntimeConfig configures the sandbox runtime agent connection.
type RuntimeConfig struct {
	// AgentURL is the runtime agent's base URL.
	AgentURL string `yaml:"agent_url,omitempty"`

	// Token authenticates against the runtime agent.
	Token string `yaml:"token,omitempty"`

	// RequestTimeout bounds individual runtime calls.
	RequestTimeout time.Duration `yaml:"request_timeout,omitempty"`
}

// LifecycleConfig configures provisioning and reclaim behavior.
// These are the server-side halves of the coordination protocol.
type LifecycleConfig struct {
	// ReclaimWindow is the inactivity window after which a sandbox is
	// destroyed and its registry entry removed. Default: 5m.
	ReclaimWindow time.Duration `yaml:"reclaim_window,omitempty"`

	// HealthCheckAttempts bounds the post-setup health check loop.
	// Default: 20.
	HealthCheckAttempts int `yaml:"health_check_attempts,omitempty"`

	// HealthCheckInterval is the delay between health check attempts.
	// Default: 500ms.
	HealthCheckInterval time.Duration `yaml:"health_check_interval,omitempty"`
}

// WatchConfig configures the client-side lifecycle watcher.
// These are the client-side halves of the coordination protocol.
type WatchConfig struct {
	// PollFallbackDelay is how long the watcher gives the push channel
	// before escalating to pull polling. Default: 5s.
	PollFallbackDelay time.Duration `yaml:"poll_fallback_delay,omitempty"`

	// PollInterval is the pull probe interval once escalated. Default: 5s.
	PollInterval time.Duration `yaml:"poll_interval,omitempty"`

	// ReconnectBackoff is the fixed delay before reopening a dropped
	// push subscription. Default: 2s.
	ReconnectBackoff time.Duration `yaml:"reconnect_backoff,omitempty"`

	// MaxWait is the hard deadline after which the watcher settles with
	// an error regardless of channel activity. Default: 120s.
	MaxWait time.Duration `yaml:"max_wait,omitempty"`
}

// Environment variable names for overrides.
const (
	EnvHost         = "SANDBOXD_HOST"
	EnvAPIKey       = "SANDBOXD_API_KEY"
	EnvRuntimeURL   = "SANDBOXD_RUNTIME_URL"
	EnvRuntimeToken = "SANDBOXD_RUNTIME_TOKEN"
)

// Default returns a configuration with all defaults applied.
func Default() *Config {
	cfg := &Config{}
	cfg.Normalize()
	return cfg
}

// Normalize fills in defaults for unset fields.
func (c *Config) Normalize() {
	if c.Daemon.Listen.SocketPath == "" && c.Daemon.Listen.TCPAddr == "" {
		c.Daemon.Listen.SocketPath = DefaultSocketPath()
	}
	if c.Daemon.DataDir == "" {
		c.Daemon.DataDir = defaultDataDir()
	}
	if c.Daemon.PlaybooksDir == "" {
		c.Daemon.PlaybooksDir = filepath.Join(c.Daemon.DataDir, "playbooks")
	}
	if c.Daemon.ShutdownTimeout <= 0 {
		c.Daemon.ShutdownTimeout = 10 * time.Second
	}
	if c.Daemon.DrainTimeout <= 0 {
		c.Daemon.DrainTimeout = 30 * time.Second
	}
	if c.Daemon.Auth.RequestsPerSecond < 0 {
		c.Daemon.Auth.RequestsPerSecond = 0
	}
	if c.Daemon.Auth.Burst <= 0 {
		c.Daemon.Auth.Burst = 20
	}
	if c.Runtime.RequestTimeout <= 0 {
		c.Runtime.RequestTimeout = 60 * time.Second
	}
	if c.Lifecycle.ReclaimWindow <= 0 {
		c.Lifecycle.ReclaimWindow = 5 * time.Minute
	}
	if c.Lifecycle.HealthCheckAttempts <= 0 {
		c.Lifecycle.HealthCheckAttempts = 20
	}
	if c.Lifecycle.HealthCheckInterval <= 0 {
		c.Lifecycle.HealthCheckInterval = 500 * time.Millisecond
	}
	if c.Watch.PollFallbackDelay <= 0 {
		c.Watch.PollFallbackDelay = 5 * time.Second
	}
	if c.Watch.PollInterval <= 0 {
		c.Watch.PollInterval = 5 * time.Second
	}
	if c.Watch.ReconnectBackoff <= 0 {
		c.Watch.ReconnectBackoff = 2 * time.Second
	}
	if c.Watch.MaxWait <= 0 {
		c.Watch.MaxWait = 120 * time.Second
	}
}

// Load reads configuration from the given path, applying defaults and
// environment overrides. An empty path loads defaults only.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnv()
	cfg.Normalize()
	return cfg, nil
}

// applyEnv applies environment variable overrides.
func (c *Config) applyEnv() {
	if url := os.Getenv(EnvRuntimeURL); url != "" {
		c.Runtime.AgentURL = url
	}
	if token := os.Getenv(EnvRuntimeToken); token != "" {
		c.Runtime.Token = token
	}
}

// DefaultSocketPath returns the default Unix socket path for the daemon.
func DefaultSocketPath() string {
	if runtimeDir := os.Getenv("XDG_RUNTIME_DIR"); runtimeDir != "" {
		return filepath.Join(runtimeDir, "sandboxd", "sandboxd.sock")
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "sandboxd.sock")
	}
	return filepath.Join(homeDir, ".sandboxd", "sandboxd.sock")
}

func defaultDataDir() string {
	if dataHome := os.Getenv("XDG_DATA_HOME"); dataHome != "" {
		return filepath.Join(dataHome, "sandboxd")
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "sandboxd")
	}
	return filepath.Join(homeDir, ".sandboxd", "data")
}
