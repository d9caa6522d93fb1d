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

package helm

import (
	"fmt"
	"strings"
)

// ReleaseError is the single error type every Manager failure surfaces as.
// Kind is one of the errdefs sentinels. State is StatusUnknown when the
// outcome could not be observed, and the caller must poll Status.
type ReleaseError struct {
	Op         string
	Namespace  string
	Release    string
	Kind       error
	State      Status
	Diagnostic string
	Err        error
}

func (e *ReleaseError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "helm %s %s/%s: %v", e.Op, e.Namespace, e.Release, e.Kind)
	if e.State != "" {
		fmt.Fprintf(&b, " (release state %s)", e.State)
	}
	if e.Diagnostic != "" {
		fmt.Fprintf(&b, ": %s", e.Diagnostic)
	} else if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *ReleaseError) Unwrap() []error {
	errs := []error{e.Kind}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}
