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

// Package registry holds the in-memory per-sandbox lifecycle table.
//
// The registry is pure bookkeeping: its operations cannot fail. Each
// entry carries a reclaim timer rescheduled on every touch; when the
// timer fires the entry is removed and the configured reclaim hook
// runs (subscriber teardown and best-effort runtime destroy live in
// the hook, not here).
package registry

import (
	"log/slog"
	"sync"
	"time"

	"github.com/tombee/sandboxd/pkg/lifecycle"
)

// Snapshot is a read-only copy of one sandbox's lifecycle state.
type Snapshot struct {
	ID        string
	Phase     lifecycle.Phase
	Progress  string
	URL       string
	Message   string
	LastTouch time.Time

	// Bound reports whether a runtime sandbox was actually created
	// (or recovered) for this id. Reclaim only destroys bound ids.
	Bound bool
}

// ReclaimFunc runs after an entry is removed from the table. It
// receives the final snapshot so it can tear down subscribers and,
// for bound ids, the underlying sandbox.
type ReclaimFunc func(snap Snapshot)

type entry struct {
	id        string
	phase     lifecycle.Phase
	progress  string
	url       string
	message   string
	lastTouch time.Time
	bound     bool
	timer     *time.Timer
}

func (e *entry) snapshot() Snapshot {
	return Snapshot{
		ID:        e.id,
		Phase:     e.phase,
		Progress:  e.progress,
		URL:       e.url,
		Message:   e.message,
		LastTouch: e.lastTouch,
		Bound:     e.bound,
	}
}

// Registry is the in-memory lifecycle table. All methods are safe for
// concurrent use.
type Registry struct {
	mu        sync.Mutex
	entries   map[string]*entry
	window    time.Duration
	onReclaim ReclaimFunc
	logger    *slog.Logger
	closed    bool
}

// New creates a registry whose entries are reclaimed after window of
// inactivity.
func New(window time.Duration, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		entries: make(map[string]*entry),
		window:  window,
		logger:  logger.With("component", "registry"),
	}
}

// OnReclaim installs the hook invoked after an entry is reclaimed.
// Must be called before the first entry is created.
func (r *Registry) OnReclaim(fn ReclaimFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onReclaim = fn
}

// GetOrCreate returns the entry for id, inserting a fresh Idle entry
// if none exists. The second result reports whether an insert
// happened. Never fails.
func (r *Registry) GetOrCreate(id string) (Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[id]; ok {
		return e.snapshot(), false
	}
	e := r.insertLocked(id)
	return e.snapshot(), true
}

// Get returns the entry for id, if present.
func (r *Registry) Get(id string) (Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return Snapshot{}, false
	}
	return e.snapshot(), true
}

// Claim is the dispatch primitive behind the idempotent start probe.
// It returns the current snapshot for id (inserting an Idle entry if
// needed); when the phase was Idle it atomically flips the entry to
// Initializing and returns true, granting the caller the single
// provisioning run for this id. All other phases return false.
func (r *Registry) Claim(id string) (Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		e = r.insertLocked(id)
	}
	if e.phase != lifecycle.PhaseIdle {
		return e.snapshot(), false
	}
	e.phase = lifecycle.PhaseInitializing
	return e.snapshot(), true
}

// Touch records caller interest and reschedules the reclaim timer.
// Touching a missing id is a no-op.
func (r *Registry) Touch(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return
	}
	e.lastTouch = time.Now()
	e.timer.Reset(r.window)
}

// Bind marks the id as backed by a real runtime sandbox, making it
// eligible for destruction on reclaim.
func (r *Registry) Bind(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[id]; ok {
		e.bound = true
	}
}

// SetProgress updates the current step label while initializing.
// Ignored in any other phase.
func (r *Registry) SetProgress(id, step string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok || e.phase != lifecycle.PhaseInitializing {
		return
	}
	e.progress = step
}

// SetReady transitions the id to Ready with its public URL and
// reschedules the reclaim timer. A terminal entry is never mutated.
func (r *Registry) SetReady(id, url string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return
	}
	if e.phase.Terminal() {
		r.logger.Warn("ignoring transition on terminal entry",
			"sandbox_id", id, "phase", string(e.phase), "attempted", string(lifecycle.PhaseReady))
		return
	}
	e.phase = lifecycle.PhaseReady
	e.url = url
	e.progress = ""
	e.lastTouch = time.Now()
	e.timer.Reset(r.window)
}

// SetFailed transitions the id to Failed with a user-visible message.
// A terminal entry is never mutated.
func (r *Registry) SetFailed(id, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return
	}
	if e.phase.Terminal() {
		r.logger.Warn("ignoring transition on terminal entry",
			"sandbox_id", id, "phase", string(e.phase), "attempted", string(lifecycle.PhaseFailed))
		return
	}
	e.phase = lifecycle.PhaseFailed
	e.message = message
	e.progress = ""
}

// Reclaim removes the entry for id and runs the reclaim hook with its
// final snapshot. Idempotent: reclaiming a missing id is a no-op.
func (r *Registry) Reclaim(id string) {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	e.timer.Stop()
	delete(r.entries, id)
	snap := e.snapshot()
	hook := r.onReclaim
	r.mu.Unlock()

	r.logger.Info("reclaimed sandbox", "sandbox_id", id, "phase", string(snap.Phase), "bound", snap.Bound)
	if hook != nil {
		hook(snap)
	}
}

// Len returns the number of live entries.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// IDs returns the ids of all live entries.
func (r *Registry) IDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	return ids
}

// Close stops all reclaim timers without running reclaim hooks. Used
// on daemon shutdown; entries are in-memory only and vanish with the
// process regardless.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true
	for _, e := range r.entries {
		e.timer.Stop()
	}
}

// insertLocked creates a fresh Idle entry with its reclaim timer.
// Caller holds r.mu.
func (r *Registry) insertLocked(id string) *entry {
	e := &entry{
		id:        id,
		phase:     lifecycle.PhaseIdle,
		lastTouch: time.Now(),
	}
	e.timer = time.AfterFunc(r.window, func() {
		r.mu.Lock()
		closed := r.closed
		r.mu.Unlock()
		if closed {
			return
		}
		r.Reclaim(id)
	})
	r.entries[id] = e
	return e
}
