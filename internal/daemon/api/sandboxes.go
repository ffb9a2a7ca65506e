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

package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/tombee/sandboxd/internal/daemon/httputil"
	"github.com/tombee/sandboxd/internal/daemon/journal"
	"github.com/tombee/sandboxd/internal/daemon/registry"
	"github.com/tombee/sandboxd/pkg/lifecycle"
)

// Coordinator is the lifecycle surface the API exposes.
type Coordinator interface {
	Start(ctx context.Context, id, playbook string) (*lifecycle.StartResult, error)
	Subscribe(id string) (<-chan lifecycle.Event, func())
	Status(id string) (registry.Snapshot, bool)
	Destroy(id string)
}

// HistorySource reads the lifecycle journal. May be nil when no
// journal is configured.
type HistorySource interface {
	History(ctx context.Context, sandboxID string) ([]journal.Transition, error)
}

// SandboxesHandler serves the /v1/sandboxes routes.
type SandboxesHandler struct {
	coordinator Coordinator
	history     HistorySource
	logger      *slog.Logger
}

// NewSandboxesHandler creates the sandbox lifecycle handler.
func NewSandboxesHandler(coord Coordinator, history HistorySource, logger *slog.Logger) *SandboxesHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &SandboxesHandler{
		coordinator: coord,
		history:     history,
		logger:      logger.With("component", "api"),
	}
}

// StartRequest is the body of POST /v1/sandboxes/{id}/start.
type StartRequest struct {
	Playbook string `json:"playbook"`
}

// SandboxResponse is the JSON view of a registry snapshot.
type SandboxResponse struct {
	ID        string          `json:"id"`
	Phase     lifecycle.Phase `json:"phase"`
	Progress  string          `json:"progress,omitempty"`
	URL       string          `json:"url,omitempty"`
	Message   string          `json:"message,omitempty"`
	LastTouch time.Time       `json:"last_touch"`
}

// handleStart handles POST /v1/sandboxes/{id}/start. It is the pull
// probe: safe to call repeatedly, never starts a second run.
func (h *SandboxesHandler) handleStart(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		httputil.WriteError(w, http.StatusBadRequest, "sandbox ID required")
		return
	}

	var req StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if req.Playbook == "" {
		httputil.WriteError(w, http.StatusBadRequest, "playbook required")
		return
	}

	res, err := h.coordinator.Start(r.Context(), id, req.Playbook)
	if err != nil {
		httputil.WriteErr(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, res)
}

// handleGet handles GET /v1/sandboxes/{id}.
func (h *SandboxesHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	snap, ok := h.coordinator.Status(id)
	if !ok {
		httputil.WriteError(w, http.StatusNotFound, fmt.Sprintf("sandbox %s not found", id))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, SandboxResponse{
		ID:        snap.ID,
		Phase:     snap.Phase,
		Progress:  snap.Progress,
		URL:       snap.URL,
		Message:   snap.Message,
		LastTouch: snap.LastTouch,
	})
}

// handleDestroy handles DELETE /v1/sandboxes/{id}. Reclaims the
// sandbox immediately regardless of its inactivity timer.
func (h *SandboxesHandler) handleDestroy(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	h.coordinator.Destroy(id)
	w.WriteHeader(http.StatusNoContent)
}

// handleHistory handles GET /v1/sandboxes/{id}/history.
func (h *SandboxesHandler) handleHistory(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		httputil.WriteError(w, http.StatusNotImplemented, "journal not configured")
		return
	}
	id := r.PathValue("id")
	transitions, err := h.history.History(r.Context(), id)
	if err != nil {
		httputil.WriteErr(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"sandbox_id":  id,
		"transitions": transitions,
	})
}

// handleEvents handles GET /v1/sandboxes/{id}/events: the push
// channel, served as SSE. The current snapshot is replayed on attach;
// the stream ends after the terminal event with an "event: done"
// frame. Delivery is best-effort; clients reconcile with the pull
// probe.
func (h *SandboxesHandler) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		httputil.WriteError(w, http.StatusBadRequest, "sandbox ID required")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		httputil.WriteError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	events, unsub := h.coordinator.Subscribe(id)
	defer unsub()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				// Subscriber dropped or sandbox reclaimed.
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				h.logger.Error("failed to marshal event", "sandbox_id", id, "error", err)
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
			flusher.Flush()

			if ev.Terminal() {
				fmt.Fprintf(w, "event: done\ndata: {\"phase\":%q}\n\n", phaseFor(ev))
				flusher.Flush()
				return
			}
		}
	}
}

func phaseFor(ev lifecycle.Event) lifecycle.Phase {
	if ev.Type == lifecycle.EventReady {
		return lifecycle.PhaseReady
	}
	return lifecycle.PhaseFailed
}
