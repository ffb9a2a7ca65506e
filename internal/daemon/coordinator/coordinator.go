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

// Package coordinator orchestrates sandbox provisioning: the
// idempotent start probe, the detached provisioning run, and reclaim
// teardown.
//
// The coordinator's bookkeeping is volatile while the sandboxes it
// provisions are durable, so every run starts with a recovery probe
// for already-exposed endpoints and treats "already exposed" from the
// runtime as convergence rather than failure. That is what makes
// provisioning safe across daemon restarts without cross-process
// locking.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/sandboxd/internal/config"
	"github.com/tombee/sandboxd/internal/daemon/broadcast"
	"github.com/tombee/sandboxd/internal/daemon/journal"
	"github.com/tombee/sandboxd/internal/daemon/metrics"
	"github.com/tombee/sandboxd/internal/daemon/playbook"
	"github.com/tombee/sandboxd/internal/daemon/registry"
	sderrors "github.com/tombee/sandboxd/pkg/errors"
	"github.com/tombee/sandboxd/pkg/lifecycle"
	"github.com/tombee/sandboxd/pkg/runtime"
)

// PlaybookSource resolves playbooks by name. Implemented by
// playbook.Store.
type PlaybookSource interface {
	Get(name string) (*playbook.Playbook, error)
}

// Coordinator owns the provisioning state machine for every sandbox
// id.
type Coordinator struct {
	registry  *registry.Registry
	broadcast *broadcast.Broadcaster
	runtime   runtime.Runtime
	playbooks PlaybookSource
	journal   *journal.Journal
	metrics   *metrics.Collector
	cfg       config.LifecycleConfig
	logger    *slog.Logger

	// runs tracks in-flight provisioning goroutines for drain.
	runs sync.WaitGroup
}

// New wires a coordinator and installs its reclaim hook on the
// registry. journal and metrics may be nil.
func New(
	reg *registry.Registry,
	bc *broadcast.Broadcaster,
	rt runtime.Runtime,
	playbooks PlaybookSource,
	jnl *journal.Journal,
	collector *metrics.Collector,
	cfg config.LifecycleConfig,
	logger *slog.Logger,
) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Coordinator{
		registry:  reg,
		broadcast: bc,
		runtime:   rt,
		playbooks: playbooks,
		journal:   jnl,
		metrics:   collector,
		cfg:       cfg,
		logger:    logger.With("component", "coordinator"),
	}
	reg.OnReclaim(c.handleReclaim)
	return c
}

// EventsPath returns the subscription address for a sandbox id.
func EventsPath(id string) string {
	return "/v1/sandboxes/" + id + "/events"
}

// Start is the sole provisioning entry point, safe to call repeatedly;
// it doubles as the pull probe. Ready ids are touched and return their
// URL, initializing ids return the subscription address without a
// second run, failed ids return their message verbatim, and idle ids
// flip to initializing and launch a detached provisioning run.
func (c *Coordinator) Start(ctx context.Context, id, playbookName string) (*lifecycle.StartResult, error) {
	c.metrics.RecordStart(ctx, playbookName)

	// Known ids dispatch on phase alone. The playbook is only needed to
	// begin a run, and repeat probes must keep answering even if the
	// playbook was removed from the store mid-watch.
	if snap, ok := c.registry.Get(id); ok && snap.Phase != lifecycle.PhaseIdle {
		return c.dispatch(id, snap), nil
	}

	pb, err := c.playbooks.Get(playbookName)
	if err != nil {
		return nil, err
	}

	snap, begun := c.registry.Claim(id)
	switch {
	case begun:
		c.metrics.RecordEntryCreated(ctx)
		c.record(id, lifecycle.PhaseInitializing, "playbook "+pb.Name)
		c.runs.Add(1)
		// The run must outlive the triggering request.
		go func() {
			defer c.runs.Done()
			c.provision(context.Background(), id, pb)
		}()
		return &lifecycle.StartResult{
			SandboxID:  id,
			Phase:      lifecycle.PhaseInitializing,
			EventsPath: EventsPath(id),
		}, nil

	default:
		// Another caller won the claim between Get and Claim.
		return c.dispatch(id, snap), nil
	}
}

// dispatch reports the state of an existing entry: ready ids are
// touched and return their URL, failed ids return their message
// verbatim, in-flight ids return the subscription address.
func (c *Coordinator) dispatch(id string, snap registry.Snapshot) *lifecycle.StartResult {
	switch snap.Phase {
	case lifecycle.PhaseReady:
		c.registry.Touch(id)
		return &lifecycle.StartResult{
			SandboxID: id,
			Phase:     lifecycle.PhaseReady,
			URL:       snap.URL,
		}

	case lifecycle.PhaseFailed:
		return &lifecycle.StartResult{
			SandboxID: id,
			Phase:     lifecycle.PhaseFailed,
			Message:   snap.Message,
		}

	default:
		return &lifecycle.StartResult{
			SandboxID:  id,
			Phase:      lifecycle.PhaseInitializing,
			EventsPath: EventsPath(id),
		}
	}
}

// Subscribe attaches a push subscriber for id, replaying the current
// snapshot.
func (c *Coordinator) Subscribe(id string) (<-chan lifecycle.Event, func()) {
	return c.broadcast.Subscribe(id)
}

// Status returns the current snapshot for id.
func (c *Coordinator) Status(id string) (registry.Snapshot, bool) {
	return c.registry.Get(id)
}

// Destroy reclaims id immediately, regardless of its reclaim timer.
func (c *Coordinator) Destroy(id string) {
	c.registry.Reclaim(id)
}

// Drain waits for in-flight provisioning runs to finish, up to ctx.
func (c *Coordinator) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.runs.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("provisioning runs still in flight: %w", ctx.Err())
	}
}

// provision executes the single run for id. It runs detached from any
// request and is never retried; a failed id stays failed until a
// caller provisions a fresh id.
func (c *Coordinator) provision(ctx context.Context, id string, pb *playbook.Playbook) {
	logger := c.logger.With("sandbox_id", id, "playbook", pb.Name)
	started := time.Now()

	// Recovery probe, before any setup work. If the endpoint already
	// exists the in-memory table was lost while the sandbox survived;
	// skip setup entirely. Transient probe failures mean "not found".
	if url, ok := c.probeExisting(ctx, id, pb.Port, logger); ok {
		logger.Info("recovered already-exposed endpoint", "url", url)
		c.registry.Bind(id)
		c.finishReady(ctx, id, pb, url, started, true, logger)
		return
	}

	if err := c.runtime.CreateSandbox(ctx, id, runtime.CreateOptions{
		Image:      pb.Image,
		Env:        pb.Env,
		WorkingDir: pb.WorkingDir,
	}); err != nil {
		c.finishFailed(ctx, id, pb, fmt.Sprintf("failed to create sandbox: %v", err), logger)
		return
	}
	c.registry.Bind(id)

	for _, step := range pb.Steps {
		c.registry.SetProgress(id, step.Name)
		c.broadcast.Publish(id, lifecycle.Progress(id, step.Name))
		logger.Info("running setup step", "step", step.Name)

		if err := c.runStep(ctx, id, step); err != nil {
			stepErr := &sderrors.SetupStepError{Step: step.Name, Cause: err}
			c.finishFailed(ctx, id, pb, stepErr.Error(), logger)
			return
		}
	}

	url, err := c.exposeEndpoint(ctx, id, pb.Port, logger)
	if err != nil {
		c.finishFailed(ctx, id, pb, fmt.Sprintf("failed to expose port %d: %v", pb.Port, err), logger)
		return
	}

	if pb.Health != "" {
		if err := c.waitHealthy(ctx, id, pb.Health); err != nil {
			c.finishFailed(ctx, id, pb, err.Error(), logger)
			return
		}
	}

	c.finishReady(ctx, id, pb, url, started, false, logger)
}

// probeExisting asks the runtime for already-exposed endpoints on id.
func (c *Coordinator) probeExisting(ctx context.Context, id string, port int, logger *slog.Logger) (string, bool) {
	ports, err := c.runtime.ListExposedPorts(ctx, id)
	if err != nil {
		if !sderrors.IsUnavailable(err) {
			logger.Warn("recovery probe failed, proceeding with provisioning", "error", err)
		}
		return "", false
	}
	ep, ok := runtime.FindPort(ports, port)
	if !ok {
		return "", false
	}
	return ep.URL, true
}

// exposeEndpoint requests the public endpoint, treating an endpoint
// conflict as convergence: another run (possibly in a previous daemon
// process) already exposed it, so recover its URL instead of failing.
func (c *Coordinator) exposeEndpoint(ctx context.Context, id string, port int, logger *slog.Logger) (string, error) {
	url, err := c.runtime.ExposePort(ctx, id, port, uuid.NewString())
	if err == nil {
		return url, nil
	}

	conflict, ok := sderrors.AsConflict(err)
	if !ok {
		return "", err
	}
	logger.Info("endpoint already exposed, recovering url", "port", port)
	if conflict.URL != "" {
		return conflict.URL, nil
	}
	ports, listErr := c.runtime.ListExposedPorts(ctx, id)
	if listErr != nil {
		return "", fmt.Errorf("endpoint conflict on port %d but lookup failed: %w", port, listErr)
	}
	ep, found := runtime.FindPort(ports, port)
	if !found {
		return "", fmt.Errorf("endpoint conflict on port %d but no endpoint listed", port)
	}
	return ep.URL, nil
}

// waitHealthy runs the playbook's health command until it exits zero,
// bounded by the configured attempt limit.
func (c *Coordinator) waitHealthy(ctx context.Context, id, command string) error {
	var lastErr error
	for attempt := 0; attempt < c.cfg.HealthCheckAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.cfg.HealthCheckInterval):
			}
		}
		res, err := c.runtime.Exec(ctx, id, command)
		if err != nil {
			lastErr = err
			continue
		}
		if res.ExitCode == 0 {
			return nil
		}
		lastErr = fmt.Errorf("health check exited %d", res.ExitCode)
	}
	return &sderrors.TimeoutError{
		Operation: "health check",
		Duration:  time.Duration(c.cfg.HealthCheckAttempts) * c.cfg.HealthCheckInterval,
		Cause:     lastErr,
	}
}

func (c *Coordinator) runStep(ctx context.Context, id string, step playbook.Step) error {
	switch {
	case step.Exec != "":
		res, err := c.runtime.Exec(ctx, id, step.Exec)
		if err != nil {
			return err
		}
		if res.ExitCode != 0 {
			return fmt.Errorf("command exited %d: %s", res.ExitCode, res.Stderr)
		}
		return nil
	case step.Write != nil:
		return c.runtime.WriteFile(ctx, id, step.Write.Path, []byte(step.Write.Contents))
	case step.Start != "":
		_, err := c.runtime.StartProcess(ctx, id, step.Start)
		return err
	default:
		return fmt.Errorf("step %q has no action", step.Name)
	}
}

func (c *Coordinator) finishReady(ctx context.Context, id string, pb *playbook.Playbook, url string, started time.Time, recovered bool, logger *slog.Logger) {
	c.registry.SetReady(id, url)
	c.broadcast.Publish(id, lifecycle.Ready(id, url))
	c.record(id, lifecycle.PhaseReady, url)
	c.metrics.RecordProvisioned(ctx, pb.Name, time.Since(started), recovered)
	logger.Info("sandbox ready", "url", url, "duration_ms", time.Since(started).Milliseconds())
}

func (c *Coordinator) finishFailed(ctx context.Context, id string, pb *playbook.Playbook, message string, logger *slog.Logger) {
	c.registry.SetFailed(id, message)
	c.broadcast.Publish(id, lifecycle.Error(id, message))
	c.record(id, lifecycle.PhaseFailed, message)
	c.metrics.RecordFailed(ctx, pb.Name)
	logger.Error("provisioning failed", "error", message)
}

// handleReclaim tears down subscribers and, for ids that were actually
// provisioned, the underlying sandbox. Destroy is best-effort: a
// failure is logged, never retried, and never blocks removal.
func (c *Coordinator) handleReclaim(snap registry.Snapshot) {
	c.broadcast.CloseTopic(snap.ID)
	if snap.Bound {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := c.runtime.Destroy(ctx, snap.ID); err != nil {
			c.logger.Error("failed to destroy sandbox on reclaim", "sandbox_id", snap.ID, "error", err)
		}
	}
	c.record(snap.ID, "reclaimed", "")
	c.metrics.RecordReclaimed(context.Background())
}

// record appends to the journal when one is configured.
func (c *Coordinator) record(id string, phase lifecycle.Phase, detail string) {
	if c.journal == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.journal.Record(ctx, id, phase, detail); err != nil {
		c.logger.Warn("journal write failed", "sandbox_id", id, "error", err)
	}
}
