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

package errdefs

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	cause := errors.New("quota rejected")

	tests := []struct {
		name string
		err  error
		want error
	}{
		{name: "nil", err: nil, want: nil},
		{name: "plain error", err: errors.New("boom"), want: nil},
		{name: "validation", err: Validation("bad name %q", "x"), want: ErrValidation},
		{name: "wrapped conflict", err: fmt.Errorf("upgrade: %w", Conflict("held")), want: ErrConflict},
		{name: "not found", err: NotFound("namespace", "paas-a"), want: ErrNotFound},
		{
			name: "partial failure wins over its cause",
			err: &PartialFailureError{
				Op:        "create namespace",
				Resource:  "paas-a",
				Succeeded: []string{"namespace"},
				Failed:    "quota",
				Err:       fmt.Errorf("%w: %w", ErrRemoteFailure, cause),
			},
			want: ErrPartialFailure,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPartialFailureError_UnwrapsCause(t *testing.T) {
	cause := errors.New("quota rejected")
	err := &PartialFailureError{Op: "create namespace", Resource: "paas-a", Failed: "quota", Err: cause}

	if !errors.Is(err, cause) {
		t.Error("expected partial failure to unwrap to its cause")
	}
	if !errors.Is(err, ErrPartialFailure) {
		t.Error("expected partial failure to match ErrPartialFailure")
	}
}
