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

// Package errors defines the structured error taxonomy for sandbox
// lifecycle coordination. Provisioning code classifies runtime failures
// with these types rather than matching on error message text.
package errors

import (
	"fmt"
	"time"
)

// SetupStepError represents the failure of a named provisioning step.
// It is fatal to the provisioning run: the sandbox transitions to the
// failed phase and is never retried under the same id.
type SetupStepError struct {
	// Step is the name of the playbook step that failed.
	Step string

	// Cause is the underlying error.
	Cause error
}

// Error implements the error interface.
func (e *SetupStepError) Error() string {
	return fmt.Sprintf("setup step %q failed: %v", e.Step, e.Cause)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *SetupStepError) Unwrap() error {
	return e.Cause
}

// EndpointConflictError reports that a port was already exposed when the
// coordinator asked the runtime to expose it. This is a convergence
// signal, not a failure: another provisioning run (possibly in a
// previous process) got there first and the existing endpoint is valid.
type EndpointConflictError struct {
	// Port is the sandbox port that was already exposed.
	Port int

	// URL is the existing endpoint URL, when the runtime reports it.
	URL string
}

// Error implements the error interface.
func (e *EndpointConflictError) Error() string {
	return fmt.Sprintf("port %d is already exposed", e.Port)
}

// RuntimeUnavailableError represents a transient runtime failure before
// any sandbox exists (probe against a missing sandbox, transport error
// during recovery). Callers treat it as "not found, proceed with full
// provisioning."
type RuntimeUnavailableError struct {
	// Op describes the runtime operation that failed.
	Op string

	// Cause is the underlying error.
	Cause error
}

// Error implements the error interface.
func (e *RuntimeUnavailableError) Error() string {
	return fmt.Sprintf("runtime unavailable during %s: %v", e.Op, e.Cause)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *RuntimeUnavailableError) Unwrap() error {
	return e.Cause
}

// TimeoutError represents operation timeouts: a health-check loop that
// exhausted its retries, or a watcher's hard deadline firing.
type TimeoutError struct {
	// Operation describes what timed out (e.g., "health check", "lifecycle watch").
	Operation string

	// Duration is how long the operation ran before timing out.
	Duration time.Duration

	// Cause is the underlying error (if any).
	Cause error
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %v", e.Operation, e.Duration)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *TimeoutError) Unwrap() error {
	return e.Cause
}

// NotFoundError represents a resource not found error.
type NotFoundError struct {
	// Resource is the type of resource (e.g., "sandbox", "playbook")
	Resource string

	// ID is the identifier that was not found
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}
