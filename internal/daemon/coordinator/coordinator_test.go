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

package coordinator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tombee/sandboxd/internal/config"
	"github.com/tombee/sandboxd/internal/daemon/broadcast"
	"github.com/tombee/sandboxd/internal/daemon/playbook"
	"github.com/tombee/sandboxd/internal/daemon/registry"
	sderrors "github.com/tombee/sandboxd/pkg/errors"
	"github.com/tombee/sandboxd/pkg/lifecycle"
	"github.com/tombee/sandboxd/pkg/runtime/runtimetest"
)

type staticSource map[string]*playbook.Playbook

func (s staticSource) Get(name string) (*playbook.Playbook, error) {
	pb, ok := s[name]
	if !ok {
		return nil, &sderrors.NotFoundError{Resource: "playbook", ID: name}
	}
	return pb, nil
}

func devPlaybook() *playbook.Playbook {
	return &playbook.Playbook{
		Name:   "node-dev",
		Image:  "node:22",
		Port:   3000,
		Health: "curl -fsS http://localhost:3000/",
		Steps: []playbook.Step{
			{Name: "write-server", Write: &playbook.WriteFile{Path: "/app/server.js", Contents: "serve()"}},
			{Name: "install", Exec: "cd /app && npm install"},
			{Name: "serve", Start: "node /app/server.js"},
		},
	}
}

type env struct {
	fake  *runtimetest.Fake
	reg   *registry.Registry
	bc    *broadcast.Broadcaster
	coord *Coordinator
}

func newEnv(t *testing.T) *env {
	t.Helper()
	fake := runtimetest.New()
	reg := registry.New(time.Minute, nil)
	t.Cleanup(reg.Close)
	bc := broadcast.New(reg.Get)
	cfg := config.LifecycleConfig{
		ReclaimWindow:       time.Minute,
		HealthCheckAttempts: 3,
		HealthCheckInterval: time.Millisecond,
	}
	coord := New(reg, bc, fake, staticSource{"node-dev": devPlaybook()}, nil, nil, cfg, nil)
	return &env{fake: fake, reg: reg, bc: bc, coord: coord}
}

func waitTerminal(t *testing.T, ch <-chan lifecycle.Event) lifecycle.Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				t.Fatal("event channel closed before terminal event")
			}
			if ev.Terminal() {
				return ev
			}
		case <-deadline:
			t.Fatal("timed out waiting for terminal event")
		}
	}
}

func TestStart_ProvisionsToReady(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	ch, unsub := e.coord.Subscribe("web-1")
	defer unsub()

	res, err := e.coord.Start(ctx, "web-1", "node-dev")
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if res.Phase != lifecycle.PhaseInitializing {
		t.Fatalf("expected initializing, got %s", res.Phase)
	}
	if res.EventsPath != "/v1/sandboxes/web-1/events" {
		t.Errorf("unexpected events path %q", res.EventsPath)
	}

	ev := waitTerminal(t, ch)
	if ev.Type != lifecycle.EventReady {
		t.Fatalf("expected ready, got %+v", ev)
	}
	if ev.URL != "https://web-1-3000.sandbox.test" {
		t.Errorf("unexpected url %q", ev.URL)
	}

	// Setup ran in playbook order.
	var ops []string
	for _, call := range e.fake.Calls() {
		if call.Op != "exec" || !strings.Contains(call.Detail, "curl") {
			ops = append(ops, call.Op)
		}
	}
	want := []string{"list", "create", "write", "exec", "start", "expose"}
	if len(ops) != len(want) {
		t.Fatalf("expected ops %v, got %v", want, ops)
	}
	for i := range want {
		if ops[i] != want[i] {
			t.Fatalf("expected ops %v, got %v", want, ops)
		}
	}

	contents, ok := e.fake.FileContents("web-1", "/app/server.js")
	if !ok || string(contents) != "serve()" {
		t.Errorf("expected written file, got %q (%v)", contents, ok)
	}
}

func TestStart_IdempotentOnReady(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	ch, unsub := e.coord.Subscribe("web-1")
	defer unsub()
	e.coord.Start(ctx, "web-1", "node-dev")
	first := waitTerminal(t, ch)

	for i := 0; i < 5; i++ {
		res, err := e.coord.Start(ctx, "web-1", "node-dev")
		if err != nil {
			t.Fatalf("probe %d failed: %v", i, err)
		}
		if res.Phase != lifecycle.PhaseReady || res.URL != first.URL {
			t.Fatalf("probe %d: expected ready %q, got %+v", i, first.URL, res)
		}
	}

	if n := len(e.fake.CallsFor("create")); n != 1 {
		t.Errorf("expected exactly one create, got %d", n)
	}
}

func TestStart_ConcurrentSingleflight(t *testing.T) {
	e := newEnv(t)
	e.fake.SetExecDelay(10 * time.Millisecond)
	ctx := context.Background()

	const callers = 16
	var wg sync.WaitGroup
	results := make([]*lifecycle.StartResult, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := e.coord.Start(ctx, "web-1", "node-dev")
			if err != nil {
				t.Errorf("caller %d: %v", i, err)
				return
			}
			results[i] = res
		}(i)
	}
	wg.Wait()

	ch, unsub := e.coord.Subscribe("web-1")
	defer unsub()
	terminal := waitTerminal(t, ch)
	if terminal.Type != lifecycle.EventReady {
		t.Fatalf("expected ready, got %+v", terminal)
	}

	if n := len(e.fake.CallsFor("create")); n != 1 {
		t.Errorf("expected exactly one provisioning run, got %d creates", n)
	}
	for i, res := range results {
		if res == nil || res.Phase == lifecycle.PhaseFailed {
			t.Errorf("caller %d observed unexpected result %+v", i, res)
		}
	}
}

func TestStart_FailedReturnedVerbatim(t *testing.T) {
	e := newEnv(t)
	e.fake.FailExecMatching("npm install", fmt.Errorf("npm: registry unreachable"))
	ctx := context.Background()

	ch, unsub := e.coord.Subscribe("web-1")
	defer unsub()
	e.coord.Start(ctx, "web-1", "node-dev")

	ev := waitTerminal(t, ch)
	if ev.Type != lifecycle.EventError {
		t.Fatalf("expected error, got %+v", ev)
	}
	if !strings.Contains(ev.Message, "install") {
		t.Errorf("expected failing step in message, got %q", ev.Message)
	}

	// Subsequent probes return the stored message and never retry.
	for i := 0; i < 3; i++ {
		res, err := e.coord.Start(ctx, "web-1", "node-dev")
		if err != nil {
			t.Fatalf("probe failed: %v", err)
		}
		if res.Phase != lifecycle.PhaseFailed || res.Message != ev.Message {
			t.Fatalf("expected stored failure, got %+v", res)
		}
	}
	if n := len(e.fake.CallsFor("create")); n != 1 {
		t.Errorf("failed id must never be retried, got %d creates", n)
	}
}

func TestStart_UnknownPlaybook(t *testing.T) {
	e := newEnv(t)

	_, err := e.coord.Start(context.Background(), "web-1", "missing")
	if !sderrors.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, ok := e.reg.Get("web-1"); ok {
		t.Error("no registry entry may be created for an unknown playbook")
	}
}

func TestRecoveryProbe_SkipsSetup(t *testing.T) {
	e := newEnv(t)
	// Simulate a daemon restart: the sandbox and its endpoint survive,
	// the registry entry did not.
	e.fake.PreExpose("web-1", 3000, "https://web-1-3000.sandbox.test")
	ctx := context.Background()

	ch, unsub := e.coord.Subscribe("web-1")
	defer unsub()
	e.coord.Start(ctx, "web-1", "node-dev")

	ev := waitTerminal(t, ch)
	if ev.Type != lifecycle.EventReady || ev.URL != "https://web-1-3000.sandbox.test" {
		t.Fatalf("expected recovered ready, got %+v", ev)
	}
	if n := len(e.fake.CallsFor("create")); n != 0 {
		t.Errorf("recovery must not re-create the sandbox, got %d creates", n)
	}
	if n := len(e.fake.CallsFor("exec")); n != 0 {
		t.Errorf("recovery must not re-run setup steps, got %d execs", n)
	}
}

func TestExpose_ConflictIsConvergence(t *testing.T) {
	e := newEnv(t)
	// The endpoint exists but the recovery probe cannot see it, so the
	// run does full setup and hits the conflict at expose time.
	e.fake.PreExpose("web-1", 3000, "https://web-1-3000.sandbox.test")
	e.fake.FailOp("list", &sderrors.RuntimeUnavailableError{Op: "list", Cause: fmt.Errorf("agent restarting")})
	ctx := context.Background()

	ch, unsub := e.coord.Subscribe("web-1")
	defer unsub()
	e.coord.Start(ctx, "web-1", "node-dev")

	ev := waitTerminal(t, ch)
	if ev.Type != lifecycle.EventReady {
		t.Fatalf("conflict must converge to ready, got %+v", ev)
	}
	if ev.URL != "https://web-1-3000.sandbox.test" {
		t.Errorf("expected recovered url, got %q", ev.URL)
	}
}

func TestHealthCheck_ExhaustionFails(t *testing.T) {
	e := newEnv(t)
	e.fake.FailExecMatching("curl", fmt.Errorf("connection refused"))
	ctx := context.Background()

	ch, unsub := e.coord.Subscribe("web-1")
	defer unsub()
	e.coord.Start(ctx, "web-1", "node-dev")

	ev := waitTerminal(t, ch)
	if ev.Type != lifecycle.EventError {
		t.Fatalf("expected error after health exhaustion, got %+v", ev)
	}
	if !strings.Contains(ev.Message, "health check") {
		t.Errorf("unexpected message %q", ev.Message)
	}
	// One initial attempt plus two retries.
	healthCalls := 0
	for _, call := range e.fake.CallsFor("exec") {
		if strings.Contains(call.Detail, "curl") {
			healthCalls++
		}
	}
	if healthCalls != 3 {
		t.Errorf("expected 3 health attempts, got %d", healthCalls)
	}
}

func TestSubscribers_ExactlyOneReadyEach(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	before, unsubBefore := e.coord.Subscribe("web-1")
	defer unsubBefore()
	e.coord.Start(ctx, "web-1", "node-dev")
	first := waitTerminal(t, before)

	// A late joiner after settlement sees the same single ready.
	after, unsubAfter := e.coord.Subscribe("web-1")
	defer unsubAfter()
	late := waitTerminal(t, after)
	if late.Type != lifecycle.EventReady || late.URL != first.URL {
		t.Fatalf("late joiner got %+v, want ready %q", late, first.URL)
	}

	for _, ch := range []<-chan lifecycle.Event{before, after} {
		select {
		case ev := <-ch:
			if ev.Terminal() {
				t.Errorf("duplicate terminal event %+v", ev)
			}
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestDestroy_TearsDownBoundSandbox(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	ch, unsub := e.coord.Subscribe("web-1")
	defer unsub()
	e.coord.Start(ctx, "web-1", "node-dev")
	waitTerminal(t, ch)

	e.coord.Destroy("web-1")

	if n := len(e.fake.CallsFor("destroy")); n != 1 {
		t.Errorf("expected one destroy, got %d", n)
	}
	if _, ok := e.reg.Get("web-1"); ok {
		t.Error("registry entry must be removed on destroy")
	}

	// The id is free again; the next start provisions from scratch.
	res, err := e.coord.Start(ctx, "web-1", "node-dev")
	if err != nil {
		t.Fatalf("restart failed: %v", err)
	}
	if res.Phase != lifecycle.PhaseInitializing {
		t.Fatalf("expected fresh initializing entry, got %+v", res)
	}
	ch2, unsub2 := e.coord.Subscribe("web-1")
	defer unsub2()
	waitTerminal(t, ch2)
	if n := len(e.fake.CallsFor("create")); n != 2 {
		t.Errorf("expected a second provisioning run, got %d creates", n)
	}
}

func TestDestroy_NeverProvisionedSkipsRuntime(t *testing.T) {
	e := newEnv(t)
	e.fake.FailOp("create", fmt.Errorf("quota exceeded"))
	ctx := context.Background()

	ch, unsub := e.coord.Subscribe("web-1")
	defer unsub()
	e.coord.Start(ctx, "web-1", "node-dev")
	ev := waitTerminal(t, ch)
	if ev.Type != lifecycle.EventError {
		t.Fatalf("expected failure, got %+v", ev)
	}

	e.coord.Destroy("web-1")
	if n := len(e.fake.CallsFor("destroy")); n != 0 {
		t.Errorf("unbound id must not be destroyed at the runtime, got %d calls", n)
	}
}

func TestDrain_WaitsForRuns(t *testing.T) {
	e := newEnv(t)
	e.fake.SetExecDelay(30 * time.Millisecond)
	ctx := context.Background()

	e.coord.Start(ctx, "web-1", "node-dev")

	drainCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := e.coord.Drain(drainCtx); err != nil {
		t.Fatalf("drain failed: %v", err)
	}

	snap, ok := e.reg.Get("web-1")
	if !ok || !snap.Phase.Terminal() {
		t.Errorf("expected terminal phase after drain, got %+v", snap)
	}
}

func TestStart_ProbeSurvivesPlaybookRemoval(t *testing.T) {
	fake := runtimetest.New()
	reg := registry.New(time.Minute, nil)
	t.Cleanup(reg.Close)
	bc := broadcast.New(reg.Get)
	cfg := config.LifecycleConfig{
		ReclaimWindow:       time.Minute,
		HealthCheckAttempts: 3,
		HealthCheckInterval: time.Millisecond,
	}
	source := staticSource{"node-dev": devPlaybook()}
	coord := New(reg, bc, fake, source, nil, nil, cfg, nil)
	ctx := context.Background()

	ch, unsub := coord.Subscribe("web-1")
	defer unsub()
	if _, err := coord.Start(ctx, "web-1", "node-dev"); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	ev := waitTerminal(t, ch)
	if ev.Type != lifecycle.EventReady {
		t.Fatalf("expected ready, got %+v", ev)
	}

	// Hot reload dropped the playbook file. Probes for the known id
	// must keep answering from the registry.
	delete(source, "node-dev")

	res, err := coord.Start(ctx, "web-1", "node-dev")
	if err != nil {
		t.Fatalf("probe after playbook removal failed: %v", err)
	}
	if res.Phase != lifecycle.PhaseReady {
		t.Errorf("expected ready, got %s", res.Phase)
	}
	if res.URL != ev.URL {
		t.Errorf("probe URL %q does not match %q", res.URL, ev.URL)
	}

	// A brand-new id still needs the playbook.
	if _, err := coord.Start(ctx, "web-2", "node-dev"); !sderrors.IsNotFound(err) {
		t.Errorf("expected not-found for fresh id, got %v", err)
	}
}
