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

// Package runtimetest provides an in-memory sandbox runtime for tests.
// It records every call for assertions and supports failure injection
// per operation.
package runtimetest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/tombee/sandboxd/pkg/errors"
	"github.com/tombee/sandboxd/pkg/runtime"
)

// Call records a single runtime invocation.
type Call struct {
	Op        string
	SandboxID string
	Detail    string
}

// Fake implements runtime.Runtime in memory.
type Fake struct {
	mu sync.Mutex

	sandboxes map[string]*fakeSandbox
	calls     []Call

	// FailExec, when set, is returned by Exec for commands containing
	// the configured substring.
	failExecSubstr string
	failExecErr    error

	// failOps maps operation names ("create", "exec", "write", "start",
	// "expose", "list", "destroy") to injected errors.
	failOps map[string]error

	// execDelay is applied to every Exec call, to simulate slow setup.
	execDelay time.Duration
}

type fakeSandbox struct {
	exposed   []runtime.ExposedPort
	files     map[string][]byte
	processes []runtime.Process
}

// New creates an empty fake runtime.
func New() *Fake {
	return &Fake{
		sandboxes: make(map[string]*fakeSandbox),
		failOps:   make(map[string]error),
	}
}

// FailOp makes every call to the named operation return err.
// Pass a nil err to clear the injection.
func (f *Fake) FailOp(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.failOps, op)
		return
	}
	f.failOps[op] = err
}

// FailExecMatching makes Exec fail for commands containing substr.
func (f *Fake) FailExecMatching(substr string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failExecSubstr = substr
	f.failExecErr = err
}

// SetExecDelay delays every Exec call, simulating slow setup work.
func (f *Fake) SetExecDelay(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execDelay = d
}

// PreExpose seeds an already-exposed endpoint, as if a previous process
// provisioned the sandbox. The sandbox is created if missing.
func (f *Fake) PreExpose(id string, port int, url string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sb := f.ensureLocked(id)
	sb.exposed = append(sb.exposed, runtime.ExposedPort{Port: port, URL: url})
}

// Calls returns a copy of all recorded calls.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Call, len(f.calls))
	copy(out, f.calls)
	return out
}

// CallsFor returns the recorded calls for one operation.
func (f *Fake) CallsFor(op string) []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Call
	for _, c := range f.calls {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

// Exists reports whether the sandbox exists.
func (f *Fake) Exists(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.sandboxes[id]
	return ok
}

// FileContents returns the contents written for path, if any.
func (f *Fake) FileContents(id, path string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sb, ok := f.sandboxes[id]
	if !ok {
		return nil, false
	}
	contents, ok := sb.files[path]
	return contents, ok
}

func (f *Fake) ensureLocked(id string) *fakeSandbox {
	sb, ok := f.sandboxes[id]
	if !ok {
		sb = &fakeSandbox{files: make(map[string][]byte)}
		f.sandboxes[id] = sb
	}
	return sb
}

func (f *Fake) record(op, id, detail string) {
	f.calls = append(f.calls, Call{Op: op, SandboxID: id, Detail: detail})
}

// CreateSandbox implements runtime.Runtime.
func (f *Fake) CreateSandbox(ctx context.Context, id string, opts runtime.CreateOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("create", id, opts.Image)
	if err := f.failOps["create"]; err != nil {
		return err
	}
	f.ensureLocked(id)
	return nil
}

// Exec implements runtime.Runtime.
func (f *Fake) Exec(ctx context.Context, id, command string) (*runtime.CommandResult, error) {
	f.mu.Lock()
	f.record("exec", id, command)
	err := f.failOps["exec"]
	if err == nil && f.failExecErr != nil && f.failExecSubstr != "" && strings.Contains(command, f.failExecSubstr) {
		err = f.failExecErr
	}
	delay := f.execDelay
	_, exists := f.sandboxes[id]
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, &errors.RuntimeUnavailableError{Op: "exec", Cause: fmt.Errorf("sandbox %s does not exist", id)}
	}
	return &runtime.CommandResult{ExitCode: 0}, nil
}

// WriteFile implements runtime.Runtime.
func (f *Fake) WriteFile(ctx context.Context, id, path string, contents []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("write", id, path)
	if err := f.failOps["write"]; err != nil {
		return err
	}
	sb, ok := f.sandboxes[id]
	if !ok {
		return &errors.RuntimeUnavailableError{Op: "write file", Cause: fmt.Errorf("sandbox %s does not exist", id)}
	}
	buf := make([]byte, len(contents))
	copy(buf, contents)
	sb.files[path] = buf
	return nil
}

// StartProcess implements runtime.Runtime.
func (f *Fake) StartProcess(ctx context.Context, id, command string) (*runtime.Process, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("start", id, command)
	if err := f.failOps["start"]; err != nil {
		return nil, err
	}
	sb, ok := f.sandboxes[id]
	if !ok {
		return nil, &errors.RuntimeUnavailableError{Op: "start process", Cause: fmt.Errorf("sandbox %s does not exist", id)}
	}
	proc := runtime.Process{
		ID:        fmt.Sprintf("proc-%d", len(sb.processes)+1),
		Command:   command,
		StartedAt: time.Now(),
	}
	sb.processes = append(sb.processes, proc)
	return &proc, nil
}

// ExposePort implements runtime.Runtime. Exposing the same port twice
// reports an EndpointConflictError carrying the existing URL, matching
// the behavior the coordinator must converge on.
func (f *Fake) ExposePort(ctx context.Context, id string, port int, token string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("expose", id, fmt.Sprintf("port=%d", port))
	if err := f.failOps["expose"]; err != nil {
		return "", err
	}
	sb := f.ensureLocked(id)
	if existing, ok := runtime.FindPort(sb.exposed, port); ok {
		return "", &errors.EndpointConflictError{Port: port, URL: existing.URL}
	}
	url := fmt.Sprintf("https://%s-%d.sandbox.test", id, port)
	sb.exposed = append(sb.exposed, runtime.ExposedPort{Port: port, URL: url})
	return url, nil
}

// ListExposedPorts implements runtime.Runtime.
func (f *Fake) ListExposedPorts(ctx context.Context, id string) ([]runtime.ExposedPort, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("list", id, "")
	if err := f.failOps["list"]; err != nil {
		return nil, err
	}
	sb, ok := f.sandboxes[id]
	if !ok {
		return nil, &errors.RuntimeUnavailableError{Op: "list exposed ports", Cause: fmt.Errorf("sandbox %s does not exist", id)}
	}
	out := make([]runtime.ExposedPort, len(sb.exposed))
	copy(out, sb.exposed)
	return out, nil
}

// Destroy implements runtime.Runtime.
func (f *Fake) Destroy(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("destroy", id, "")
	if err := f.failOps["destroy"]; err != nil {
		return err
	}
	delete(f.sandboxes, id)
	return nil
}

