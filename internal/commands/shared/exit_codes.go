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

package shared

import (
	"errors"
	"fmt"
	"os"
)

// Exit codes for sandboxctl commands
const (
	ExitSuccess           = 0
	ExitProvisionFailed   = 1
	ExitInvalidArguments  = 2
	ExitDaemonUnreachable = 4
	ExitTimedOut          = 5
)

// ExitError is an error that carries an exit code
type ExitError struct {
	Code    int
	Message string
	Cause   error
}

func (e *ExitError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Cause
}

// NewProvisionError creates an error for sandbox provisioning failures
func NewProvisionError(msg string, cause error) *ExitError {
	return &ExitError{
		Code:    ExitProvisionFailed,
		Message: msg,
		Cause:   cause,
	}
}

// NewDaemonError creates an error for daemon connectivity failures
func NewDaemonError(msg string, cause error) *ExitError {
	return &ExitError{
		Code:    ExitDaemonUnreachable,
		Message: msg,
		Cause:   cause,
	}
}

// NewTimeoutError creates an error for watches that hit their deadline
func NewTimeoutError(msg string, cause error) *ExitError {
	return &ExitError{
		Code:    ExitTimedOut,
		Message: msg,
		Cause:   cause,
	}
}

// HandleExitError prints the error and exits with its code.
func HandleExitError(err error) {
	if err == nil {
		os.Exit(ExitSuccess)
	}

	fmt.Fprintf(os.Stderr, "Error: %v\n", err)

	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		os.Exit(exitErr.Code)
	}
	os.Exit(ExitProvisionFailed)
}
