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

package daemon

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tombee/sandboxd/internal/client"
	"github.com/tombee/sandboxd/internal/config"
	"github.com/tombee/sandboxd/internal/watch"
	"github.com/tombee/sandboxd/pkg/lifecycle"
	"github.com/tombee/sandboxd/pkg/runtime/runtimetest"
)

const testPlaybook = `name: node-dev
image: node:22
port: 3000
steps:
  - name: install deps
    exec: npm install
  - name: start server
    start: npm run dev
`

func newTestDaemon(t *testing.T) (*Daemon, *client.Client, *runtimetest.Fake) {
	t.Helper()

	dir := t.TempDir()
	playbooksDir := filepath.Join(dir, "playbooks")
	if err := os.MkdirAll(playbooksDir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(playbooksDir, "node-dev.yaml"), []byte(testPlaybook), 0644); err != nil {
		t.Fatal(err)
	}

	socketPath := filepath.Join(dir, "sandboxd.sock")
	cfg := &config.Config{}
	cfg.Daemon.Listen.SocketPath = socketPath
	cfg.Daemon.DataDir = filepath.Join(dir, "data")
	cfg.Daemon.PlaybooksDir = playbooksDir

	fake := runtimetest.New()
	logger := slog.New(slog.DiscardHandler)

	d, err := New(cfg, BuildInfo{Version: "test"}, logger, WithRuntime(fake))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := d.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		cancel()
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer stopCancel()
		d.Stop(stopCtx)
	})

	c, err := client.New(client.WithSocket(socketPath))
	if err != nil {
		t.Fatalf("client.New: %v", err)
	}

	return d, c, fake
}

func TestDaemonEndToEnd(t *testing.T) {
	_, c, fake := newTestDaemon(t)
	ctx := context.Background()

	health, err := c.Health(ctx)
	if err != nil {
		t.Fatalf("Health: %v", err)
	}
	if health.Status != "ok" {
		t.Errorf("unexpected health status %q", health.Status)
	}

	ver, err := c.Version(ctx)
	if err != nil {
		t.Fatalf("Version: %v", err)
	}
	if ver.Version != "test" {
		t.Errorf("unexpected version %q", ver.Version)
	}

	// Provision through the full stack: HTTP start, SSE events, watch.
	w := watch.New(watch.ClientSource(c), config.WatchConfig{
		PollFallbackDelay: time.Second,
		PollInterval:      time.Second,
		ReconnectBackoff:  100 * time.Millisecond,
		MaxWait:           10 * time.Second,
	}, slog.New(slog.DiscardHandler))

	var steps []string
	ev, err := w.Await(ctx, "web-1", "node-dev", func(ev lifecycle.Event) {
		steps = append(steps, ev.Step)
	})
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if ev.URL == "" {
		t.Error("expected a URL on the ready event")
	}
	if !fake.Exists("web-1") {
		t.Error("sandbox not created in runtime")
	}

	sb, err := c.GetSandbox(ctx, "web-1")
	if err != nil {
		t.Fatalf("GetSandbox: %v", err)
	}
	if sb.Phase != string(lifecycle.PhaseReady) {
		t.Errorf("expected ready phase, got %q", sb.Phase)
	}
	if sb.URL != ev.URL {
		t.Errorf("status URL %q does not match watch URL %q", sb.URL, ev.URL)
	}

	history, err := c.History(ctx, "web-1")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) == 0 {
		t.Error("expected recorded transitions")
	}

	if err := c.DestroySandbox(ctx, "web-1"); err != nil {
		t.Fatalf("DestroySandbox: %v", err)
	}
	if fake.Exists("web-1") {
		t.Error("sandbox still present in runtime after destroy")
	}

	if _, err := c.GetSandbox(ctx, "web-1"); err == nil {
		t.Error("expected not-found after destroy")
	}
}

func TestDaemonRepeatStartIsIdempotent(t *testing.T) {
	_, c, fake := newTestDaemon(t)
	ctx := context.Background()

	w := watch.New(watch.ClientSource(c), config.WatchConfig{
		PollFallbackDelay: time.Second,
		PollInterval:      time.Second,
		ReconnectBackoff:  100 * time.Millisecond,
		MaxWait:           10 * time.Second,
	}, slog.New(slog.DiscardHandler))

	first, err := w.Await(ctx, "web-1", "node-dev", nil)
	if err != nil {
		t.Fatalf("Await: %v", err)
	}

	// A second open of the same id reports the existing sandbox.
	result, err := c.StartSandbox(ctx, "web-1", "node-dev")
	if err != nil {
		t.Fatalf("StartSandbox: %v", err)
	}
	if result.Phase != lifecycle.PhaseReady {
		t.Errorf("expected ready, got %q", result.Phase)
	}
	if result.URL != first.URL {
		t.Errorf("repeat start URL %q does not match %q", result.URL, first.URL)
	}
	if n := len(fake.CallsFor("create")); n != 1 {
		t.Errorf("expected exactly 1 create, got %d", n)
	}
}

func TestDaemonUnknownPlaybookIs404(t *testing.T) {
	_, c, _ := newTestDaemon(t)

	_, err := c.StartSandbox(context.Background(), "web-1", "no-such-playbook")
	if err == nil {
		t.Fatal("expected an error for unknown playbook")
	}
}
