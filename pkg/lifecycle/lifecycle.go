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

// Package lifecycle holds the sandbox lifecycle vocabulary shared by
// the daemon and its clients: phases, events, and start results.
package lifecycle

import "time"

// Phase is the lifecycle phase of a sandbox id.
type Phase string

const (
	PhaseIdle         Phase = "idle"
	PhaseInitializing Phase = "initializing"
	PhaseReady        Phase = "ready"
	PhaseFailed       Phase = "failed"
)

// Terminal reports whether the phase admits no further transitions.
func (p Phase) Terminal() bool {
	return p == PhaseReady || p == PhaseFailed
}

// EventType classifies a lifecycle event.
type EventType string

const (
	// EventProgress reports a completed setup step by name.
	EventProgress EventType = "progress"

	// EventReady carries the sandbox's public URL. Emitted exactly
	// once per id.
	EventReady EventType = "ready"

	// EventError carries a terminal failure message. Emitted exactly
	// once per id.
	EventError EventType = "error"
)

// Event is a single lifecycle notification for a sandbox id.
type Event struct {
	Type      EventType `json:"type"`
	SandboxID string    `json:"sandbox_id"`
	Step      string    `json:"step,omitempty"`
	URL       string    `json:"url,omitempty"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Terminal reports whether the event settles a watch.
func (e Event) Terminal() bool {
	return e.Type == EventReady || e.Type == EventError
}

// Progress returns a progress event for the named step.
func Progress(id, step string) Event {
	return Event{Type: EventProgress, SandboxID: id, Step: step, Timestamp: time.Now().UTC()}
}

// Ready returns the terminal ready event carrying the public URL.
func Ready(id, url string) Event {
	return Event{Type: EventReady, SandboxID: id, URL: url, Timestamp: time.Now().UTC()}
}

// Error returns the terminal error event carrying the failure message.
func Error(id, message string) Event {
	return Event{Type: EventError, SandboxID: id, Message: message, Timestamp: time.Now().UTC()}
}

// StartResult is the outcome of the idempotent start probe. Exactly
// one of URL and Message is set once Phase is terminal; EventsPath is
// the subscription address while initializing.
type StartResult struct {
	SandboxID  string `json:"sandbox_id"`
	Phase      Phase  `json:"phase"`
	URL        string `json:"url,omitempty"`
	Message    string `json:"message,omitempty"`
	EventsPath string `json:"events_path,omitempty"`
}
