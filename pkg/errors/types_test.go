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

package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestSetupStepError(t *testing.T) {
	cause := stderrors.New("npm install exited with code 1")
	err := &SetupStepError{Step: "install dependencies", Cause: cause}

	if !strings.Contains(err.Error(), "install dependencies") {
		t.Errorf("Error() = %q, want step name included", err.Error())
	}
	if !stderrors.Is(err, cause) {
		t.Error("expected Unwrap to surface the cause")
	}
}

func TestEndpointConflictError(t *testing.T) {
	err := &EndpointConflictError{Port: 3000, URL: "https://sb-1.example.dev"}

	if !strings.Contains(err.Error(), "3000") {
		t.Errorf("Error() = %q, want port included", err.Error())
	}
	if !IsConflict(err) {
		t.Error("IsConflict should match a bare conflict error")
	}

	wrapped := fmt.Errorf("exposing endpoint: %w", err)
	conflict, ok := AsConflict(wrapped)
	if !ok {
		t.Fatal("AsConflict should match a wrapped conflict error")
	}
	if conflict.URL != "https://sb-1.example.dev" {
		t.Errorf("URL = %q, want original value preserved", conflict.URL)
	}
}

func TestRuntimeUnavailableError(t *testing.T) {
	cause := stderrors.New("connection refused")
	err := &RuntimeUnavailableError{Op: "list exposed ports", Cause: cause}

	if !IsUnavailable(err) {
		t.Error("IsUnavailable should match")
	}
	if !IsUnavailable(fmt.Errorf("recovery probe: %w", err)) {
		t.Error("IsUnavailable should match through wrapping")
	}
	if IsUnavailable(cause) {
		t.Error("IsUnavailable should not match the bare cause")
	}
}

func TestTimeoutError(t *testing.T) {
	err := &TimeoutError{Operation: "health check", Duration: 10 * time.Second}

	if !strings.Contains(err.Error(), "health check") {
		t.Errorf("Error() = %q, want operation included", err.Error())
	}
	if !IsTimeout(err) {
		t.Error("IsTimeout should match")
	}
	if IsTimeout(stderrors.New("other")) {
		t.Error("IsTimeout should not match unrelated errors")
	}
}

func TestNotFoundError(t *testing.T) {
	err := &NotFoundError{Resource: "sandbox", ID: "sb-42"}

	if err.Error() != "sandbox not found: sb-42" {
		t.Errorf("Error() = %q", err.Error())
	}
	if !IsNotFound(Wrap(err, "registry lookup")) {
		t.Error("IsNotFound should match through wrapping")
	}
}

func TestWrap_NilPassthrough(t *testing.T) {
	if Wrap(nil, "context") != nil {
		t.Error("Wrap(nil) should return nil")
	}
	if Wrapf(nil, "context %d", 1) != nil {
		t.Error("Wrapf(nil) should return nil")
	}
}

func TestConflictIsNotTimeout(t *testing.T) {
	// The taxonomy keeps recoverable and fatal classes disjoint.
	conflict := &EndpointConflictError{Port: 8080}
	if IsTimeout(conflict) {
		t.Error("conflict should not classify as timeout")
	}
	if IsUnavailable(conflict) {
		t.Error("conflict should not classify as unavailable")
	}
}
