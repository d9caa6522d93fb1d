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

package cluster

import (
	"context"
	"io"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
)

const (
	// ManagedByLabel marks every object paasd creates.
	ManagedByLabel = "paas.woow.tw/managed-by"
	// ManagedByValue is the value of ManagedByLabel.
	ManagedByValue = "paasd"

	// QuotaName is the name of the ResourceQuota in each tenant namespace.
	QuotaName = "tenant-quota"
)

// Quota holds the ceilings enforced on a tenant namespace.
type Quota struct {
	CPU     resource.Quantity
	Memory  resource.Quantity
	Storage resource.Quantity
}

// ExecResult is the captured output of a command run inside a container.
type ExecResult struct {
	Stdout string
	Stderr string
}

// Gateway is a typed client over the cluster control plane. It carries no
// business rules: callers decide names, labels and ordering.
type Gateway interface {
	// CreateNamespace fails with errdefs.ErrAlreadyExists if it exists.
	CreateNamespace(ctx context.Context, name string, labels map[string]string) error
	// GetNamespace fails with errdefs.ErrNotFound if it does not exist.
	GetNamespace(ctx context.Context, name string) (*corev1.Namespace, error)
	// DeleteNamespace tolerates a missing namespace.
	DeleteNamespace(ctx context.Context, name string) error

	// ApplyResourceQuota creates or updates the tenant quota object.
	ApplyResourceQuota(ctx context.Context, namespace string, quota Quota) error
	// GetResourceQuota reads the ceilings back from the cluster.
	GetResourceQuota(ctx context.Context, namespace string) (*Quota, error)
	// ApplyNetworkPolicies isolates namespace, admitting ingress only from
	// edgeNamespace.
	ApplyNetworkPolicies(ctx context.Context, namespace, edgeNamespace string) error

	// ReadSecret fails with errdefs.ErrNotFound if the secret is missing.
	ReadSecret(ctx context.Context, namespace, name string) (map[string][]byte, error)
	// MergeSecret writes data over the existing keys of the secret, creating
	// it when absent.
	MergeSecret(ctx context.Context, namespace, name string, data map[string][]byte) error

	// DeploymentsReady reports whether every Deployment matching selector
	// has all desired replicas updated and available. No matching
	// Deployment means not ready.
	DeploymentsReady(ctx context.Context, namespace string, selector map[string]string) (bool, error)
	// ListPods lists the pods matching selector.
	ListPods(ctx context.Context, namespace string, selector map[string]string) ([]corev1.Pod, error)
	// Exec runs command in a container and captures its output.
	Exec(ctx context.Context, namespace, pod, container string, command []string, stdin io.Reader) (*ExecResult, error)
}
