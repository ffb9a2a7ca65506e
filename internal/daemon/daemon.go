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

// Package daemon wires the sandboxd control plane together: registry,
// broadcaster, coordinator, playbook store, journal, metrics, and the
// HTTP server.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/tombee/sandboxd/internal/config"
	"github.com/tombee/sandboxd/internal/daemon/api"
	"github.com/tombee/sandboxd/internal/daemon/auth"
	"github.com/tombee/sandboxd/internal/daemon/broadcast"
	"github.com/tombee/sandboxd/internal/daemon/coordinator"
	"github.com/tombee/sandboxd/internal/daemon/journal"
	"github.com/tombee/sandboxd/internal/daemon/listener"
	"github.com/tombee/sandboxd/internal/daemon/metrics"
	"github.com/tombee/sandboxd/internal/daemon/playbook"
	"github.com/tombee/sandboxd/internal/daemon/registry"
	internallog "github.com/tombee/sandboxd/internal/log"
	"github.com/tombee/sandboxd/pkg/runtime"
	"github.com/tombee/sandboxd/pkg/runtime/remote"
)

// BuildInfo carries version metadata into /v1/version.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildDate string
}

// Daemon is the sandboxd process.
type Daemon struct {
	cfg    *config.Config
	build  BuildInfo
	logger *slog.Logger

	runtime     runtime.Runtime
	registry    *registry.Registry
	broadcaster *broadcast.Broadcaster
	coordinator *coordinator.Coordinator
	playbooks   *playbook.Store
	journal     *journal.Journal
	collector   *metrics.Collector

	ln          net.Listener
	server      *http.Server
	watchCancel context.CancelFunc
}

// Option customizes daemon construction.
type Option func(*Daemon)

// WithRuntime injects a sandbox runtime, replacing the remote agent
// client built from configuration. Used by tests.
func WithRuntime(rt runtime.Runtime) Option {
	return func(d *Daemon) {
		d.runtime = rt
	}
}

// New constructs a daemon from configuration.
func New(cfg *config.Config, build BuildInfo, logger *slog.Logger, opts ...Option) (*Daemon, error) {
	if logger == nil {
		logger = internallog.New(internallog.FromEnv())
	}
	cfg.Normalize()

	d := &Daemon{
		cfg:    cfg,
		build:  build,
		logger: logger.With("component", "daemon"),
	}
	for _, opt := range opts {
		opt(d)
	}

	if d.runtime == nil {
		if cfg.Runtime.AgentURL == "" {
			return nil, fmt.Errorf("runtime.agent_url is required (or set %s)", config.EnvRuntimeURL)
		}
		rt, err := remote.New(remote.Config{
			BaseURL:        cfg.Runtime.AgentURL,
			Token:          cfg.Runtime.Token,
			RequestTimeout: cfg.Runtime.RequestTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create runtime client: %w", err)
		}
		d.runtime = rt
	}

	if err := os.MkdirAll(cfg.Daemon.DataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	jnl, err := journal.Open(filepath.Join(cfg.Daemon.DataDir, "journal.db"))
	if err != nil {
		return nil, err
	}
	d.journal = jnl

	if cfg.Daemon.Observability.Enabled {
		name := cfg.Daemon.Observability.ServiceName
		if name == "" {
			name = "sandboxd"
		}
		collector, err := metrics.New(name)
		if err != nil {
			jnl.Close()
			return nil, fmt.Errorf("failed to create metrics collector: %w", err)
		}
		d.collector = collector
	}

	d.playbooks = playbook.NewStore(cfg.Daemon.PlaybooksDir, logger)
	if err := d.playbooks.Load(); err != nil {
		jnl.Close()
		return nil, err
	}

	d.registry = registry.New(cfg.Lifecycle.ReclaimWindow, logger)
	d.broadcaster = broadcast.New(d.registry.Get)
	d.coordinator = coordinator.New(
		d.registry, d.broadcaster, d.runtime, d.playbooks,
		d.journal, d.collector, cfg.Lifecycle, logger,
	)

	return d, nil
}

// Coordinator exposes the lifecycle coordinator, mainly for tests.
func (d *Daemon) Coordinator() *coordinator.Coordinator {
	return d.coordinator
}

// Addr returns the listener address once Start has been called.
func (d *Daemon) Addr() net.Addr {
	if d.ln == nil {
		return nil
	}
	return d.ln.Addr()
}

// Start begins serving the control plane. It does not block; use Wait
// or Stop to manage the lifetime.
func (d *Daemon) Start(ctx context.Context) error {
	router := api.NewRouter(api.RouterConfig{
		Version:   d.build.Version,
		Commit:    d.build.Commit,
		BuildDate: d.build.BuildDate,
	}, d.logger)
	router.SetSandboxesHandler(api.NewSandboxesHandler(d.coordinator, d.journal, d.logger))
	if d.collector != nil {
		router.SetMetricsHandler(d.collector.Handler())
	}

	middleware := auth.NewMiddleware(d.cfg.Daemon.Auth, d.logger)

	ln, err := listener.New(d.cfg.Daemon.Listen)
	if err != nil {
		return err
	}
	d.ln = ln

	if err := d.writePIDFile(); err != nil {
		ln.Close()
		return err
	}

	watchCtx, cancel := context.WithCancel(context.Background())
	d.watchCancel = cancel
	go func() {
		if err := d.playbooks.Watch(watchCtx); err != nil && watchCtx.Err() == nil {
			d.logger.Error("playbook watch stopped", internallog.Error(err))
		}
	}()

	d.server = &http.Server{
		Handler:           middleware.Wrap(router),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := d.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			d.logger.Error("server error", internallog.Error(err))
		}
	}()

	d.logger.Info("daemon started",
		"addr", ln.Addr().String(),
		"playbooks", len(d.playbooks.Names()),
	)
	return nil
}

// Run starts the daemon and blocks until ctx is cancelled, then shuts
// down gracefully.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return d.Stop(context.Background())
}

// Stop shuts the daemon down: stop accepting requests, drain in-flight
// provisioning runs, then release resources.
func (d *Daemon) Stop(ctx context.Context) error {
	d.logger.Info("daemon stopping")

	if d.watchCancel != nil {
		d.watchCancel()
	}

	if d.server != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, d.cfg.Daemon.ShutdownTimeout)
		defer cancel()
		if err := d.server.Shutdown(shutdownCtx); err != nil {
			d.logger.Error("HTTP server shutdown error", internallog.Error(err))
		}
	}

	drainCtx, cancel := context.WithTimeout(ctx, d.cfg.Daemon.DrainTimeout)
	defer cancel()
	if err := d.coordinator.Drain(drainCtx); err != nil {
		d.logger.Warn("drain incomplete", internallog.Error(err))
	}

	d.registry.Close()

	if d.collector != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := d.collector.Shutdown(shutdownCtx); err != nil {
			d.logger.Error("metrics shutdown error", internallog.Error(err))
		}
	}

	if d.journal != nil {
		if err := d.journal.Close(); err != nil {
			d.logger.Error("failed to close journal", internallog.Error(err))
		}
	}

	if d.cfg.Daemon.PIDFile != "" {
		if err := os.Remove(d.cfg.Daemon.PIDFile); err != nil && !os.IsNotExist(err) {
			d.logger.Error("failed to remove PID file", internallog.Error(err))
		}
	}
	if d.cfg.Daemon.Listen.SocketPath != "" {
		if err := os.Remove(d.cfg.Daemon.Listen.SocketPath); err != nil && !os.IsNotExist(err) {
			d.logger.Error("failed to remove socket file", internallog.Error(err))
		}
	}

	d.logger.Info("daemon stopped")
	return nil
}

func (d *Daemon) writePIDFile() error {
	if d.cfg.Daemon.PIDFile == "" {
		return nil
	}
	dir := filepath.Dir(d.cfg.Daemon.PIDFile)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create PID file directory: %w", err)
	}
	pid := fmt.Sprintf("%d\n", os.Getpid())
	if err := os.WriteFile(d.cfg.Daemon.PIDFile, []byte(pid), 0600); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}
	return nil
}
