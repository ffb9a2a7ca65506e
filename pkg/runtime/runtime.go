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

// Package runtime defines the contract with the external sandbox
// runtime. The coordinator only depends on this interface; concrete
// implementations (a remote runtime agent, the in-memory fake) live in
// subpackages.
//
// All operations are asynchronous at the runtime side and may take
// seconds; every method accepts a context and may fail transiently.
package runtime

import (
	"context"
	"time"
)

// ExposedPort describes a publicly reachable sandbox endpoint.
type ExposedPort struct {
	// Port is the sandbox-internal port the endpoint forwards to.
	Port int `json:"port"`

	// URL is the public URL serving the endpoint.
	URL string `json:"url"`
}

// CommandResult is the outcome of a finished command inside a sandbox.
type CommandResult struct {
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout,omitempty"`
	Stderr   string `json:"stderr,omitempty"`
}

// Process identifies a long-running process started inside a sandbox.
type Process struct {
	ID        string    `json:"id"`
	Command   string    `json:"command"`
	StartedAt time.Time `json:"started_at"`
}

// CreateOptions configures sandbox creation.
type CreateOptions struct {
	// Image is the base image for the sandbox filesystem.
	Image string `json:"image,omitempty"`

	// Env is the environment applied to every command and process.
	Env map[string]string `json:"env,omitempty"`

	// WorkingDir is the default working directory.
	WorkingDir string `json:"working_dir,omitempty"`
}

// Runtime is the sandbox runtime collaborator.
//
// Error classification is part of the contract: implementations report
// "port already exposed" as a *errors.EndpointConflictError and
// transient transport or missing-sandbox failures on read paths as
// *errors.RuntimeUnavailableError, so that callers never have to match
// on message text.
type Runtime interface {
	// CreateSandbox provisions a fresh sandbox for id. Creating an id
	// that already exists is not an error; the existing sandbox is kept.
	CreateSandbox(ctx context.Context, id string, opts CreateOptions) error

	// Exec runs a command to completion inside the sandbox.
	Exec(ctx context.Context, id, command string) (*CommandResult, error)

	// WriteFile writes a file into the sandbox filesystem, creating
	// parent directories as needed.
	WriteFile(ctx context.Context, id, path string, contents []byte) error

	// StartProcess starts a long-running process inside the sandbox and
	// returns without waiting for it to exit.
	StartProcess(ctx context.Context, id, command string) (*Process, error)

	// ExposePort makes a sandbox port publicly reachable and returns
	// its URL. Exposing a port that is already exposed fails with an
	// EndpointConflictError; callers treat that as convergence, not
	// failure.
	ExposePort(ctx context.Context, id string, port int, token string) (string, error)

	// ListExposedPorts returns the sandbox's currently exposed
	// endpoints. A missing sandbox reports RuntimeUnavailableError,
	// which callers treat as "no endpoints yet."
	ListExposedPorts(ctx context.Context, id string) ([]ExposedPort, error)

	// Destroy tears down the sandbox and all its endpoints. Destroying
	// a missing sandbox is a no-op.
	Destroy(ctx context.Context, id string) error
}

// FindPort returns the exposed endpoint for the given port, if present.
func FindPort(ports []ExposedPort, port int) (ExposedPort, bool) {
	for _, p := range ports {
		if p.Port == port {
			return p, true
		}
	}
	return ExposedPort{}, false
}
