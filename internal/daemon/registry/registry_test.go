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

package registry

import (
	"sync"
	"testing"
	"time"

	"github.com/tombee/sandboxd/pkg/lifecycle"
)

func TestGetOrCreate(t *testing.T) {
	r := New(time.Minute, nil)
	defer r.Close()

	snap, created := r.GetOrCreate("web-1")
	if !created {
		t.Fatal("expected insert on first call")
	}
	if snap.Phase != lifecycle.PhaseIdle {
		t.Errorf("expected idle, got %s", snap.Phase)
	}

	_, created = r.GetOrCreate("web-1")
	if created {
		t.Error("expected existing entry on second call")
	}
	if r.Len() != 1 {
		t.Errorf("expected 1 entry, got %d", r.Len())
	}
}

func TestClaim_SingleWinner(t *testing.T) {
	r := New(time.Minute, nil)
	defer r.Close()

	const callers = 32
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, begun := r.Claim("web-1")
			if begun {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if winners != 1 {
		t.Errorf("expected exactly one claim winner, got %d", winners)
	}
	snap, _ := r.Get("web-1")
	if snap.Phase != lifecycle.PhaseInitializing {
		t.Errorf("expected initializing, got %s", snap.Phase)
	}
}

func TestClaim_NotGrantedOnTerminal(t *testing.T) {
	r := New(time.Minute, nil)
	defer r.Close()

	r.GetOrCreate("web-1")
	if _, begun := r.Claim("web-1"); !begun {
		t.Fatal("expected claim on idle entry")
	}
	r.SetReady("web-1", "https://web-1.example.test")

	snap, begun := r.Claim("web-1")
	if begun {
		t.Error("claim must not be granted on a ready entry")
	}
	if snap.URL != "https://web-1.example.test" {
		t.Errorf("unexpected url %q", snap.URL)
	}
}

func TestTerminalEntriesNeverMutated(t *testing.T) {
	r := New(time.Minute, nil)
	defer r.Close()

	r.Claim("web-1")
	r.SetFailed("web-1", "setup step install failed")
	r.SetReady("web-1", "https://web-1.example.test")

	snap, _ := r.Get("web-1")
	if snap.Phase != lifecycle.PhaseFailed {
		t.Errorf("expected failed to stick, got %s", snap.Phase)
	}
	if snap.Message != "setup step install failed" {
		t.Errorf("unexpected message %q", snap.Message)
	}
	if snap.URL != "" {
		t.Errorf("url must stay empty on failed entry, got %q", snap.URL)
	}
}

func TestProgressOnlyWhileInitializing(t *testing.T) {
	r := New(time.Minute, nil)
	defer r.Close()

	r.GetOrCreate("web-1")
	r.SetProgress("web-1", "install")
	snap, _ := r.Get("web-1")
	if snap.Progress != "" {
		t.Errorf("progress must be ignored while idle, got %q", snap.Progress)
	}

	r.Claim("web-1")
	r.SetProgress("web-1", "install")
	snap, _ = r.Get("web-1")
	if snap.Progress != "install" {
		t.Errorf("expected progress install, got %q", snap.Progress)
	}
}

func TestReclaim_FiresAfterWindow(t *testing.T) {
	r := New(25*time.Millisecond, nil)
	defer r.Close()

	done := make(chan Snapshot, 1)
	r.OnReclaim(func(snap Snapshot) { done <- snap })

	r.Claim("web-1")
	r.Bind("web-1")
	r.SetReady("web-1", "https://web-1.example.test")

	select {
	case snap := <-done:
		if !snap.Bound {
			t.Error("expected bound snapshot in reclaim hook")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("reclaim never fired")
	}
	if r.Len() != 0 {
		t.Errorf("expected empty registry after reclaim, got %d entries", r.Len())
	}
}

func TestTouch_PostponesReclaim(t *testing.T) {
	r := New(60*time.Millisecond, nil)
	defer r.Close()

	reclaimed := make(chan Snapshot, 1)
	r.OnReclaim(func(snap Snapshot) { reclaimed <- snap })

	r.GetOrCreate("web-1")
	for i := 0; i < 4; i++ {
		time.Sleep(30 * time.Millisecond)
		r.Touch("web-1")
	}

	select {
	case <-reclaimed:
		t.Fatal("entry reclaimed despite touches")
	default:
	}

	select {
	case <-reclaimed:
	case <-time.After(2 * time.Second):
		t.Fatal("reclaim never fired after touches stopped")
	}
}

func TestReclaim_ThenFreshEntry(t *testing.T) {
	r := New(time.Minute, nil)
	defer r.Close()

	r.Claim("web-1")
	r.SetReady("web-1", "https://web-1.example.test")
	r.Reclaim("web-1")

	snap, created := r.GetOrCreate("web-1")
	if !created {
		t.Fatal("expected fresh entry after reclaim")
	}
	if snap.Phase != lifecycle.PhaseIdle || snap.URL != "" {
		t.Errorf("fresh entry must start idle and empty, got %+v", snap)
	}
}

func TestReclaim_MissingIDNoop(t *testing.T) {
	r := New(time.Minute, nil)
	defer r.Close()

	r.OnReclaim(func(Snapshot) { t.Error("hook must not run for missing id") })
	r.Reclaim("never-seen")
}
