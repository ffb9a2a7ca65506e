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

package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tombee/sandboxd/pkg/lifecycle"
)

// ErrStreamDone is returned by EventStream.Next after the daemon signals
// the end of a sandbox's event stream. It means the stream completed
// normally, not that the connection dropped.
var ErrStreamDone = errors.New("event stream done")

// EventStream reads lifecycle events from a single SSE connection to the
// daemon. It does not reconnect; callers that want resilience reopen the
// stream themselves.
type EventStream struct {
	resp   *http.Response
	reader *bufio.Reader
}

// Events opens the SSE event stream for a sandbox.
func (c *Client) Events(ctx context.Context, id string) (*EventStream, error) {
	resp, err := c.GetStream(ctx, "/v1/sandboxes/"+id+"/events", "text/event-stream")
	if err != nil {
		return nil, fmt.Errorf("failed to connect to event stream: %w", err)
	}

	return &EventStream{
		resp:   resp,
		reader: bufio.NewReader(resp.Body),
	}, nil
}

// Next blocks until the next lifecycle event arrives. It returns
// ErrStreamDone when the daemon ends the stream, and io.EOF or a read
// error when the connection drops.
func (s *EventStream) Next() (lifecycle.Event, error) {
	var (
		eventType string
		data      string
	)

	for {
		line, err := s.reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				return lifecycle.Event{}, io.EOF
			}
			return lifecycle.Event{}, fmt.Errorf("read error: %w", err)
		}

		line = strings.TrimSpace(line)

		// Empty line indicates end of event
		if line == "" {
			if eventType == "" && data == "" {
				continue
			}
			if eventType == "done" {
				return lifecycle.Event{}, ErrStreamDone
			}

			var ev lifecycle.Event
			if err := json.Unmarshal([]byte(data), &ev); err != nil {
				return lifecycle.Event{}, fmt.Errorf("failed to parse event data: %w", err)
			}
			if ev.Type == "" {
				ev.Type = lifecycle.EventType(eventType)
			}
			return ev, nil
		}

		// Parse SSE field
		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			continue
		}

		field := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		switch field {
		case "event":
			eventType = value
		case "data":
			data = value
		}
	}
}

// Close terminates the stream's underlying connection.
func (s *EventStream) Close() error {
	return s.resp.Body.Close()
}
