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
	"errors"
	"fmt"
)

// Wrap creates a new error that wraps the given error with additional context.
// If err is nil, returns nil.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf creates a new error that wraps the given error with formatted context.
// If err is nil, returns nil.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	message := fmt.Sprintf(format, args...)
	return fmt.Errorf("%s: %w", message, err)
}

// IsConflict reports whether err carries an EndpointConflictError
// anywhere in its tree. Conflicts are recoverable: the provisioning run
// converges on the endpoint that already exists.
func IsConflict(err error) bool {
	var conflict *EndpointConflictError
	return errors.As(err, &conflict)
}

// AsConflict extracts the EndpointConflictError from err's tree, if present.
func AsConflict(err error) (*EndpointConflictError, bool) {
	var conflict *EndpointConflictError
	ok := errors.As(err, &conflict)
	return conflict, ok
}

// IsUnavailable reports whether err represents a transient runtime
// failure that should be treated as "not found, proceed."
func IsUnavailable(err error) bool {
	var unavailable *RuntimeUnavailableError
	return errors.As(err, &unavailable)
}

// IsTimeout reports whether err carries a TimeoutError anywhere in its tree.
func IsTimeout(err error) bool {
	var timeout *TimeoutError
	return errors.As(err, &timeout)
}

// IsNotFound reports whether err carries a NotFoundError anywhere in its tree.
func IsNotFound(err error) bool {
	var notFound *NotFoundError
	return errors.As(err, &notFound)
}

// Is reports whether any error in err's tree matches target.
// This is a convenience wrapper around errors.Is from the standard library.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's tree that matches target type,
// and if one is found, sets target to that error value and returns true.
// This is a convenience wrapper around errors.As from the standard library.
func As(err error, target any) bool {
	return errors.As(err, target)
}

// New creates a new error with the given message.
// This is a convenience wrapper around errors.New from the standard library.
func New(message string) error {
	return errors.New(message)
}
