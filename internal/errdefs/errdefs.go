// Copyright 2025 The Paasd Authors
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

// Package errdefs defines the error kinds shared by every orchestration
// component. Concrete error types live next to the component that raises
// them and report their kind through an Is method, so callers classify
// failures with errors.Is(err, errdefs.ErrConflict) and never parse text.
package errdefs

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrValidation marks malformed or forbidden input. Never retried.
	ErrValidation = errors.New("validation failed")
	// ErrAlreadyExists marks a create against an existing resource.
	ErrAlreadyExists = errors.New("already exists")
	// ErrNotFound marks a lookup of a resource that does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict marks a concurrent mutation; the caller should retry later.
	ErrConflict = errors.New("conflict")
	// ErrRemoteTimeout marks a remote call that did not answer in time.
	// The remote state is unknown.
	ErrRemoteTimeout = errors.New("remote timeout")
	// ErrRemoteFailure marks a definite failure reported by a remote system.
	ErrRemoteFailure = errors.New("remote failure")
	// ErrPartialFailure marks a multi-step operation that succeeded partway.
	ErrPartialFailure = errors.New("partial failure")
)

// Kinds lists every sentinel in the order the HTTP layer checks them.
var Kinds = []error{
	ErrValidation,
	ErrAlreadyExists,
	ErrNotFound,
	ErrConflict,
	ErrPartialFailure,
	ErrRemoteTimeout,
	ErrRemoteFailure,
}

// KindOf returns the first sentinel kind err matches, or nil.
func KindOf(err error) error {
	for _, k := range Kinds {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

// Validation returns an error of kind ErrValidation.
func Validation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// NotFound returns an error of kind ErrNotFound for the named resource.
func NotFound(resource, name string) error {
	return fmt.Errorf("%s %q: %w", resource, name, ErrNotFound)
}

// AlreadyExists returns an error of kind ErrAlreadyExists for the named resource.
func AlreadyExists(resource, name string) error {
	return fmt.Errorf("%s %q: %w", resource, name, ErrAlreadyExists)
}

// Conflict returns an error of kind ErrConflict.
func Conflict(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConflict, fmt.Sprintf(format, args...))
}

// PartialFailureError reports a multi-step operation that stopped after some
// sub-steps succeeded remotely. Nothing is rolled back implicitly; the
// succeeded sub-steps stay in place and Resource names what to retry against.
type PartialFailureError struct {
	Op        string
	Resource  string
	Succeeded []string
	Failed    string
	Err       error
}

func (e *PartialFailureError) Error() string {
	return fmt.Sprintf("%s %s: %s failed after [%s] succeeded: %v",
		e.Op, e.Resource, e.Failed, strings.Join(e.Succeeded, ", "), e.Err)
}

func (e *PartialFailureError) Unwrap() error { return e.Err }

func (e *PartialFailureError) Is(target error) bool { return target == ErrPartialFailure }
