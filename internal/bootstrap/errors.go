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

package bootstrap

import (
	"fmt"
	"time"

	"github.com/woowtech/paasd/internal/errdefs"
)

// ReadinessTimeoutError reports a release that did not become ready in time.
type ReadinessTimeoutError struct {
	Namespace string
	Release   string
	Waited    time.Duration
	// Last is the last reason the release was not ready.
	Last string
}

func (e *ReadinessTimeoutError) Error() string {
	msg := fmt.Sprintf("release %s/%s not ready after %s", e.Namespace, e.Release, e.Waited.Round(time.Second))
	if e.Last != "" {
		msg += ": " + e.Last
	}
	return msg
}

func (e *ReadinessTimeoutError) Is(target error) bool { return target == errdefs.ErrRemoteTimeout }

// OwnerCreationError reports that the owner account could neither be
// created nor logged into.
type OwnerCreationError struct {
	Email  string
	Reason string
	Err    error
}

func (e *OwnerCreationError) Error() string {
	return fmt.Sprintf("failed to create owner %s: %s", e.Email, e.Reason)
}

func (e *OwnerCreationError) Unwrap() error { return e.Err }

func (e *OwnerCreationError) Is(target error) bool { return target == errdefs.ErrRemoteFailure }

// CredentialIssuanceError reports that no API credential could be minted.
type CredentialIssuanceError struct {
	Reason string
	Err    error
}

func (e *CredentialIssuanceError) Error() string {
	return "failed to issue API credential: " + e.Reason
}

func (e *CredentialIssuanceError) Unwrap() error { return e.Err }

func (e *CredentialIssuanceError) Is(target error) bool { return target == errdefs.ErrRemoteFailure }

// PersistCredentialError names the sub-target a credential could not be
// written to: "secret/<name>" or "pod/<name>".
type PersistCredentialError struct {
	Target string
	Err    error
}

func (e *PersistCredentialError) Error() string {
	return fmt.Sprintf("failed to persist credential to %s: %v", e.Target, e.Err)
}

func (e *PersistCredentialError) Unwrap() error { return e.Err }

func (e *PersistCredentialError) Is(target error) bool { return target == errdefs.ErrRemoteFailure }
