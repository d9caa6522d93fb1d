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

package v1alpha1

import (
	"fmt"
	"time"
)

// StepStatus is the state of one bootstrap step.
type StepStatus string

const (
	StepNotStarted StepStatus = "not-started"
	StepInProgress StepStatus = "in-progress"
	StepSucceeded  StepStatus = "succeeded"
	StepFailed     StepStatus = "failed"
)

// RunPhase summarizes an InitializationRun.
type RunPhase string

const (
	RunPending   RunPhase = "pending"
	RunRunning   RunPhase = "running"
	RunSucceeded RunPhase = "succeeded"
	RunFailed    RunPhase = "failed"
)

// RunKey identifies an InitializationRun.
type RunKey struct {
	Namespace string `json:"namespace"`
	Release   string `json:"release"`
	Kind      string `json:"kind"`
}

func (k RunKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.Namespace, k.Release, k.Kind)
}

// StepRecord is the persisted state of one step.
type StepRecord struct {
	Name     string     `json:"name"`
	Status   StepStatus `json:"status"`
	Attempts int        `json:"attempts,omitempty"`

	// Error holds the last failure message
	// +optional
	Error string `json:"error,omitempty"`

	// Outputs are values captured for later steps, e.g. an issued credential
	// +optional
	Outputs map[string]string `json:"outputs,omitempty"`

	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// InitializationRun records one bootstrap attempt of one release. It is the
// unit of idempotency: a succeeded step is never executed again.
type InitializationRun struct {
	ID    string       `json:"id"`
	Key   RunKey       `json:"key"`
	Phase RunPhase     `json:"phase"`
	Steps []StepRecord `json:"steps"`

	// OwnerEmail is the account the run bootstraps
	OwnerEmail string `json:"owner_email,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Version is maintained by the run store for optimistic concurrency.
	Version string `json:"-"`
}

// Step returns the record of the named step, or nil.
func (r *InitializationRun) Step(name string) *StepRecord {
	for i := range r.Steps {
		if r.Steps[i].Name == name {
			return &r.Steps[i]
		}
	}
	return nil
}

// FirstIncomplete returns the index of the first step that has not
// succeeded, or len(Steps) when every step succeeded.
func (r *InitializationRun) FirstIncomplete() int {
	for i := range r.Steps {
		if r.Steps[i].Status != StepSucceeded {
			return i
		}
	}
	return len(r.Steps)
}

// Output looks up a captured output across all steps.
func (r *InitializationRun) Output(key string) string {
	for i := range r.Steps {
		if v, ok := r.Steps[i].Outputs[key]; ok {
			return v
		}
	}
	return ""
}

// Redacted returns a copy with captured outputs removed, for display.
func (r *InitializationRun) Redacted() *InitializationRun {
	out := r.DeepCopy()
	for i := range out.Steps {
		out.Steps[i].Outputs = nil
	}
	return out
}

// DeepCopy returns an independent copy of the run.
func (r *InitializationRun) DeepCopy() *InitializationRun {
	if r == nil {
		return nil
	}
	out := *r
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		out.CompletedAt = &t
	}
	if r.Steps != nil {
		out.Steps = make([]StepRecord, len(r.Steps))
		for i := range r.Steps {
			out.Steps[i] = *r.Steps[i].DeepCopy()
		}
	}
	return &out
}

// DeepCopy returns an independent copy of the step record.
func (s *StepRecord) DeepCopy() *StepRecord {
	out := *s
	if s.Outputs != nil {
		out.Outputs = make(map[string]string, len(s.Outputs))
		for k, v := range s.Outputs {
			out.Outputs[k] = v
		}
	}
	if s.StartedAt != nil {
		t := *s.StartedAt
		out.StartedAt = &t
	}
	if s.FinishedAt != nil {
		t := *s.FinishedAt
		out.FinishedAt = &t
	}
	return &out
}
