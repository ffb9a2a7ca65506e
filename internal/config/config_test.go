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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_LifecycleTunables(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 5*time.Minute, cfg.Lifecycle.ReclaimWindow)
	assert.Equal(t, 20, cfg.Lifecycle.HealthCheckAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.Lifecycle.HealthCheckInterval)
	assert.Equal(t, 5*time.Second, cfg.Watch.PollFallbackDelay)
	assert.Equal(t, 5*time.Second, cfg.Watch.PollInterval)
	assert.Equal(t, 2*time.Second, cfg.Watch.ReconnectBackoff)
	assert.Equal(t, 120*time.Second, cfg.Watch.MaxWait)
}

func TestLoad_FromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
daemon:
  listen:
    tcp_addr: "127.0.0.1:7410"
  playbooks_dir: /etc/sandboxd/playbooks
runtime:
  agent_url: http://127.0.0.1:7070
lifecycle:
  reclaim_window: 10m
watch:
  poll_fallback_delay: 2s
  max_wait: 30s
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:7410", cfg.Daemon.Listen.TCPAddr)
	assert.Equal(t, "/etc/sandboxd/playbooks", cfg.Daemon.PlaybooksDir)
	assert.Equal(t, "http://127.0.0.1:7070", cfg.Runtime.AgentURL)
	assert.Equal(t, 10*time.Minute, cfg.Lifecycle.ReclaimWindow)
	assert.Equal(t, 2*time.Second, cfg.Watch.PollFallbackDelay)
	assert.Equal(t, 30*time.Second, cfg.Watch.MaxWait)

	// Unset fields still get defaults.
	assert.Equal(t, 5*time.Second, cfg.Watch.PollInterval)
	assert.Equal(t, 20, cfg.Lifecycle.HealthCheckAttempts)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv(EnvRuntimeURL, "http://10.0.0.5:7070")
	t.Setenv(EnvRuntimeToken, "env-token")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "http://10.0.0.5:7070", cfg.Runtime.AgentURL)
	assert.Equal(t, "env-token", cfg.Runtime.Token)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	assert.Error(t, err)
}

func TestLoad_InvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("daemon: [not a map"), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestNormalize_DefaultsListenToSocket(t *testing.T) {
	cfg := &Config{}
	cfg.Normalize()

	assert.NotEmpty(t, cfg.Daemon.Listen.SocketPath)
	assert.Empty(t, cfg.Daemon.Listen.TCPAddr)
}
