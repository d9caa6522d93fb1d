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

// Package v1alpha1 contains the wire types of the paasd HTTP API and the
// persisted InitializationRun record.
package v1alpha1

import "time"

// NamespaceRequest asks for a new tenant namespace.
type NamespaceRequest struct {
	// Name must start with the configured tenant prefix
	Name string `json:"name"`

	// CPULimit is a Kubernetes quantity, e.g. "2" or "500m"
	CPULimit string `json:"cpu_limit"`

	// MemoryLimit is a Kubernetes quantity, e.g. "4Gi"
	MemoryLimit string `json:"memory_limit"`

	// StorageLimit is a Kubernetes quantity, e.g. "20Gi"
	StorageLimit string `json:"storage_limit"`
}

// QuotaLimits are the resource ceilings enforced on a tenant namespace.
type QuotaLimits struct {
	CPU     string `json:"cpu"`
	Memory  string `json:"memory"`
	Storage string `json:"storage"`
}

// Limits returns the quota ceilings carried by the request.
func (r NamespaceRequest) Limits() QuotaLimits {
	return QuotaLimits{
		CPU:     r.CPULimit,
		Memory:  r.MemoryLimit,
		Storage: r.StorageLimit,
	}
}

// NamespaceDescriptor describes a provisioned tenant namespace.
type NamespaceDescriptor struct {
	Name   string            `json:"name"`
	Quota  QuotaLimits       `json:"quota"`
	Labels map[string]string `json:"labels,omitempty"`

	// Isolated is true when network policies were applied
	Isolated bool `json:"isolated"`

	// CostEstimate prices the quota ceiling
	// +optional
	CostEstimate *CostEstimate `json:"cost_estimate,omitempty"`

	// Usage prices the pods currently running in the namespace
	// +optional
	Usage *CostEstimate `json:"usage,omitempty"`
}

// CostEstimate is the estimated price of running a namespace at its quota ceiling.
type CostEstimate struct {
	// Currency is the cost currency (e.g., USD)
	Currency string `json:"currency"`

	// HourlyCost is the estimated hourly cost
	HourlyCost string `json:"hourly_cost"`

	// DailyCost is the estimated daily cost
	DailyCost string `json:"daily_cost"`

	// MonthlyCost assumes 730 hours per month
	MonthlyCost string `json:"monthly_cost"`
}

// DeployRequest is the body of a deploy call. The namespace and application
// slug come from the URL.
type DeployRequest struct {
	// Values is merged over the catalog defaults. Keys may be dotted paths.
	// +optional
	Values map[string]any `json:"values,omitempty"`

	// Subdomain overrides the public subdomain, which defaults to the slug.
	// +optional
	Subdomain string `json:"subdomain,omitempty"`
}

// DeploymentResult reports a successful deploy.
type DeploymentResult struct {
	Namespace string `json:"namespace"`
	AppSlug   string `json:"app_slug"`
	Release   string `json:"release"`
	Chart     string `json:"chart"`
	Revision  int    `json:"revision"`
	Status    string `json:"status"`

	// Upgraded is true when an existing release was upgraded
	Upgraded bool `json:"upgraded"`

	RouteName string `json:"route_name"`
	Hostname  string `json:"hostname"`
	Target    string `json:"target"`
	URL       string `json:"url"`

	// InitKind names the bootstrap kind the application needs, if any
	// +optional
	InitKind string `json:"init_kind,omitempty"`
}

// ReleaseStatus is the observed state of a release.
type ReleaseStatus struct {
	Namespace   string    `json:"namespace"`
	Name        string    `json:"name"`
	Chart       string    `json:"chart"`
	Revision    int       `json:"revision"`
	Status      string    `json:"status"`
	Description string    `json:"description,omitempty"`
	UpdatedAt   time.Time `json:"updated_at,omitempty"`
}

// InitRequest carries the owner account used to bootstrap an application.
type InitRequest struct {
	OwnerEmail    string `json:"owner_email"`
	OwnerPassword string `json:"owner_password"`
}

// InitResponse is returned with HTTP 200 whenever the request was handled,
// including when the bootstrap itself failed at a recognized step.
type InitResponse struct {
	Success    bool   `json:"success"`
	RunID      string `json:"run_id,omitempty"`
	APIKey     string `json:"api_key,omitempty"`
	OwnerEmail string `json:"owner_email,omitempty"`

	// FailedStep names the step that failed
	// +optional
	FailedStep string `json:"failed_step,omitempty"`

	// Error is a step-attributed message, never a raw remote trace
	// +optional
	Error string `json:"error,omitempty"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`

	// Kind is the error taxonomy kind, e.g. "conflict"
	Kind string `json:"kind,omitempty"`

	// Resource names the namespace or release a partial failure left behind
	// +optional
	Resource string `json:"resource,omitempty"`

	// Compensated reports whether a failed deploy was rolled back cleanly
	// +optional
	Compensated *bool `json:"compensated,omitempty"`

	// ManualReconciliation is set when the release is in an unknown state
	// +optional
	ManualReconciliation bool `json:"manual_reconciliation,omitempty"`
}
