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

// Package broadcast fans lifecycle events out to per-sandbox
// subscribers. Delivery is best-effort: a subscriber that cannot keep
// up is dropped rather than blocking the publisher.
package broadcast

import (
	"sync"

	"github.com/tombee/sandboxd/internal/daemon/registry"
	"github.com/tombee/sandboxd/pkg/lifecycle"
)

const subscriberBuffer = 64

// SnapshotFunc resolves the current lifecycle snapshot for an id, used
// to replay state to late joiners. Typically registry.Get.
type SnapshotFunc func(id string) (registry.Snapshot, bool)

// Broadcaster routes lifecycle events to subscribers by sandbox id.
type Broadcaster struct {
	mu       sync.Mutex
	subs     map[string][]chan lifecycle.Event
	snapshot SnapshotFunc
}

// New creates a Broadcaster. snapshot may be nil, in which case late
// joiners receive no replay.
func New(snapshot SnapshotFunc) *Broadcaster {
	return &Broadcaster{
		subs:     make(map[string][]chan lifecycle.Event),
		snapshot: snapshot,
	}
}

// Subscribe registers a new subscriber for id and returns its event
// channel plus an unsubscribe function. The current snapshot is
// replayed into the channel before any subsequent publish: ready and
// failed ids get their terminal event, an initializing id with a
// progress label gets one progress event, and a bare idle or
// initializing id gets nothing. The channel is closed on unsubscribe,
// on a full-buffer drop, and on CloseTopic.
func (b *Broadcaster) Subscribe(id string) (<-chan lifecycle.Event, func()) {
	ch := make(chan lifecycle.Event, subscriberBuffer)

	b.mu.Lock()
	if ev, ok := b.replayEvent(id); ok {
		ch <- ev
	}
	b.subs[id] = append(b.subs[id], ch)
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			b.removeLocked(id, ch)
		})
	}
	return ch, unsub
}

// Publish delivers an event to every subscriber for id, in publish
// order. A subscriber whose buffer is full is dropped and its channel
// closed.
func (b *Broadcaster) Publish(id string, ev lifecycle.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[id]
	kept := subs[:0]
	for _, ch := range subs {
		select {
		case ch <- ev:
			kept = append(kept, ch)
		default:
			close(ch)
		}
	}
	if len(kept) == 0 {
		delete(b.subs, id)
		return
	}
	b.subs[id] = kept
}

// CloseTopic closes and removes every subscriber for id. Called on
// reclaim.
func (b *Broadcaster) CloseTopic(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subs[id] {
		close(ch)
	}
	delete(b.subs, id)
}

// SubscriberCount returns the number of live subscribers for id.
func (b *Broadcaster) SubscriberCount(id string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[id])
}

// replayEvent maps the current snapshot to the event a late joiner
// should see. A bare initializing or idle snapshot yields nothing: an
// uninformative acknowledgment would wrongly suppress the caller's
// pull fallback, so silence is the contract. Caller holds b.mu.
func (b *Broadcaster) replayEvent(id string) (lifecycle.Event, bool) {
	if b.snapshot == nil {
		return lifecycle.Event{}, false
	}
	snap, ok := b.snapshot(id)
	if !ok {
		return lifecycle.Event{}, false
	}
	switch snap.Phase {
	case lifecycle.PhaseReady:
		return lifecycle.Ready(id, snap.URL), true
	case lifecycle.PhaseFailed:
		return lifecycle.Error(id, snap.Message), true
	case lifecycle.PhaseInitializing:
		if snap.Progress != "" {
			return lifecycle.Progress(id, snap.Progress), true
		}
	}
	return lifecycle.Event{}, false
}

// removeLocked drops ch from id's subscriber list and closes it.
// Caller holds b.mu.
func (b *Broadcaster) removeLocked(id string, ch chan lifecycle.Event) {
	subs := b.subs[id]
	for i, sub := range subs {
		if sub == ch {
			b.subs[id] = append(subs[:i], subs[i+1:]...)
			close(ch)
			break
		}
	}
	if len(b.subs[id]) == 0 {
		delete(b.subs, id)
	}
}
