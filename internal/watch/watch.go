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

// Package watch tracks a sandbox to settlement over two channels: a push
// subscription to the daemon's event stream, and pull probes against the
// idempotent start operation. Push is preferred for latency; pull is the
// liveness guarantee when the push channel goes quiet. Either channel can
// settle the watch, and settlement happens exactly once.
package watch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tombee/sandboxd/internal/client"
	"github.com/tombee/sandboxd/internal/config"
	"github.com/tombee/sandboxd/pkg/lifecycle"
)

const eventBuffer = 16

// Stream is a single push subscription to a sandbox's event stream.
type Stream interface {
	// Next blocks for the next event. It returns client.ErrStreamDone
	// when the stream completed normally, or another error when the
	// connection dropped.
	Next() (lifecycle.Event, error)

	Close() error
}

// Source is the daemon surface the watcher needs: the idempotent start
// operation (used both to kick off provisioning and as the pull probe)
// and the push event stream.
type Source interface {
	Start(ctx context.Context, id, playbook string) (*lifecycle.StartResult, error)
	Stream(ctx context.Context, id string) (Stream, error)
}

type clientSource struct {
	c *client.Client
}

// ClientSource adapts a daemon API client to the watcher's Source.
func ClientSource(c *client.Client) Source {
	return clientSource{c: c}
}

func (s clientSource) Start(ctx context.Context, id, playbook string) (*lifecycle.StartResult, error) {
	return s.c.StartSandbox(ctx, id, playbook)
}

func (s clientSource) Stream(ctx context.Context, id string) (Stream, error) {
	return s.c.Events(ctx, id)
}

// Watcher drives a sandbox to settlement.
type Watcher struct {
	source Source
	cfg    config.WatchConfig
	logger *slog.Logger
}

// New creates a watcher. Zero-valued config fields fall back to the
// documented defaults.
func New(source Source, cfg config.WatchConfig, logger *slog.Logger) *Watcher {
	if cfg.PollFallbackDelay <= 0 {
		cfg.PollFallbackDelay = 5 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.ReconnectBackoff <= 0 {
		cfg.ReconnectBackoff = 2 * time.Second
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = 120 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{source: source, cfg: cfg, logger: logger}
}

// Watch starts (or re-joins) provisioning for the sandbox and returns a
// channel of lifecycle events. The channel carries zero or more progress
// events followed by exactly one terminal event, then closes. If the
// context is cancelled before settlement the channel closes without a
// terminal event.
func (w *Watcher) Watch(ctx context.Context, id, playbook string) (<-chan lifecycle.Event, error) {
	result, err := w.source.Start(ctx, id, playbook)
	if err != nil {
		return nil, err
	}

	out := make(chan lifecycle.Event, eventBuffer)

	// Repeat starts against a settled sandbox report the outcome
	// directly; there is nothing to watch.
	if result.Phase.Terminal() {
		out <- terminalEvent(id, result)
		close(out)
		return out, nil
	}

	go w.run(ctx, id, playbook, out)
	return out, nil
}

// Await is Watch reduced to its settlement: it blocks until the sandbox
// is ready or failed, reporting progress through onProgress if non-nil.
// A failed sandbox settles with the daemon's failure message as an error.
func (w *Watcher) Await(ctx context.Context, id, playbook string, onProgress func(lifecycle.Event)) (lifecycle.Event, error) {
	events, err := w.Watch(ctx, id, playbook)
	if err != nil {
		return lifecycle.Event{}, err
	}

	for ev := range events {
		if ev.Terminal() {
			if ev.Type == lifecycle.EventError {
				return ev, errors.New(ev.Message)
			}
			return ev, nil
		}
		if onProgress != nil {
			onProgress(ev)
		}
	}

	if ctx.Err() != nil {
		return lifecycle.Event{}, ctx.Err()
	}
	return lifecycle.Event{}, errors.New("watch ended without settlement")
}

func (w *Watcher) run(ctx context.Context, id, playbook string, out chan<- lifecycle.Event) {
	defer close(out)

	// Settlement cancels this context, which tears down the push loop
	// and any in-flight probe.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	pushed := make(chan lifecycle.Event, eventBuffer)
	go w.pushLoop(ctx, id, pushed)

	escalate := time.NewTimer(w.cfg.PollFallbackDelay)
	defer escalate.Stop()

	deadline := time.NewTimer(w.cfg.MaxWait)
	defer deadline.Stop()

	var (
		poll     *time.Ticker
		pollC    <-chan time.Time
		lastPush time.Time
	)
	defer func() {
		if poll != nil {
			poll.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case ev := <-pushed:
			lastPush = time.Now()
			if !emit(ctx, out, ev) {
				return
			}
			if ev.Terminal() {
				return
			}

		case <-escalate.C:
			// A substantive push event inside the window means the
			// push channel is alive; give it the remainder before
			// falling back.
			if since := time.Since(lastPush); !lastPush.IsZero() && since < w.cfg.PollFallbackDelay {
				escalate.Reset(w.cfg.PollFallbackDelay - since)
				continue
			}

			w.logger.Debug("push channel quiet, escalating to pull polling",
				slog.String("sandbox_id", id))
			poll = time.NewTicker(w.cfg.PollInterval)
			pollC = poll.C
			if ev, settled := w.probe(ctx, id, playbook); settled {
				emit(ctx, out, ev)
				return
			}

		case <-pollC:
			if ev, settled := w.probe(ctx, id, playbook); settled {
				emit(ctx, out, ev)
				return
			}

		case <-deadline.C:
			emit(ctx, out, lifecycle.Error(id, fmt.Sprintf("no ready or failed signal within %s", w.cfg.MaxWait)))
			return
		}
	}
}

// emit delivers ev unless the watch is cancelled first; a stalled
// consumer must not pin the run loop past its context.
func emit(ctx context.Context, out chan<- lifecycle.Event, ev lifecycle.Event) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// pushLoop maintains the push subscription, reconnecting with a fixed
// backoff until the stream completes or the watch settles. Connect
// failures are routine while the daemon is busy; they are logged at
// debug and retried.
func (w *Watcher) pushLoop(ctx context.Context, id string, events chan<- lifecycle.Event) {
	for {
		if ctx.Err() != nil {
			return
		}

		stream, err := w.source.Stream(ctx, id)
		if err != nil {
			w.logger.Debug("event stream connect failed",
				slog.String("sandbox_id", id),
				slog.Any("error", err))
			if !sleepCtx(ctx, w.cfg.ReconnectBackoff) {
				return
			}
			continue
		}

		err = w.readStream(ctx, stream, events)
		stream.Close()
		if err == nil || ctx.Err() != nil {
			return
		}

		w.logger.Debug("event stream dropped, reconnecting",
			slog.String("sandbox_id", id),
			slog.Any("error", err))
		if !sleepCtx(ctx, w.cfg.ReconnectBackoff) {
			return
		}
	}
}

// readStream forwards events until the stream ends. A nil return means
// the stream completed normally and must not be reopened.
func (w *Watcher) readStream(ctx context.Context, stream Stream, events chan<- lifecycle.Event) error {
	for {
		ev, err := stream.Next()
		if err != nil {
			if errors.Is(err, client.ErrStreamDone) {
				return nil
			}
			return err
		}

		select {
		case events <- ev:
		case <-ctx.Done():
			return nil
		}

		if ev.Terminal() {
			return nil
		}
	}
}

// probe asks the daemon for the sandbox's current state via the
// idempotent start operation. Transient errors are swallowed: the next
// tick, the push channel, or the deadline will make progress.
func (w *Watcher) probe(ctx context.Context, id, playbook string) (lifecycle.Event, bool) {
	probeCtx, cancel := context.WithTimeout(ctx, w.cfg.PollInterval)
	defer cancel()

	result, err := w.source.Start(probeCtx, id, playbook)
	if err != nil {
		w.logger.Debug("poll probe failed",
			slog.String("sandbox_id", id),
			slog.Any("error", err))
		return lifecycle.Event{}, false
	}

	if result.Phase.Terminal() {
		return terminalEvent(id, result), true
	}
	return lifecycle.Event{}, false
}

func terminalEvent(id string, result *lifecycle.StartResult) lifecycle.Event {
	if result.Phase == lifecycle.PhaseReady {
		return lifecycle.Ready(id, result.URL)
	}
	return lifecycle.Error(id, result.Message)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
