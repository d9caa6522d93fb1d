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

package namespace

import (
	"context"
	"errors"
	"fmt"
	"strings"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	"k8s.io/apimachinery/pkg/util/validation"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/woowtech/paasd/internal/cluster"
	"github.com/woowtech/paasd/internal/cost"
	"github.com/woowtech/paasd/internal/errdefs"
	"github.com/woowtech/paasd/internal/metrics"
)

// TenantLabel carries the namespace name without the tenant prefix.
const TenantLabel = "paas.woow.tw/tenant"

// Config holds the provisioning policy.
type Config struct {
	// Prefix every tenant namespace name must start with.
	Prefix string
	// Isolate applies network policies after the quota.
	Isolate bool
	// EdgeNamespace is the namespace of the edge connector admitted by the
	// isolation policies.
	EdgeNamespace string
}

// Limits are the requested quota ceilings as Kubernetes quantities.
type Limits struct {
	CPU     string `json:"cpu_limit"`
	Memory  string `json:"memory_limit"`
	Storage string `json:"storage_limit"`
}

// Descriptor describes a provisioned namespace.
type Descriptor struct {
	Name     string            `json:"name"`
	Labels   map[string]string `json:"labels,omitempty"`
	Limits   Limits            `json:"limits"`
	Isolated bool              `json:"isolated"`
	// Cost prices the quota ceiling.
	Cost *cost.Estimate `json:"cost,omitempty"`
	// Usage prices the requests of the pods running now. Only Describe
	// fills it.
	Usage *cost.Estimate `json:"usage,omitempty"`
}

// InvalidNameError reports a namespace name or quota the provisioner refuses.
type InvalidNameError struct {
	Name   string
	Reason string
}

func (e *InvalidNameError) Error() string {
	return fmt.Sprintf("invalid namespace %q: %s", e.Name, e.Reason)
}

func (e *InvalidNameError) Is(target error) bool { return target == errdefs.ErrValidation }

// Provisioner creates and inspects tenant namespaces.
type Provisioner struct {
	gateway   cluster.Gateway
	estimator *cost.Estimator
	cfg       Config
}

// NewProvisioner returns a provisioner. A nil estimator uses default prices.
func NewProvisioner(gw cluster.Gateway, estimator *cost.Estimator, cfg Config) *Provisioner {
	if estimator == nil {
		estimator = cost.NewEstimator(nil)
	}
	return &Provisioner{gateway: gw, estimator: estimator, cfg: cfg}
}

// ValidateName checks the tenant prefix and DNS-1123 label rules.
func (p *Provisioner) ValidateName(name string) error {
	if !strings.HasPrefix(name, p.cfg.Prefix) || len(name) == len(p.cfg.Prefix) {
		return &InvalidNameError{Name: name, Reason: fmt.Sprintf("must start with %q", p.cfg.Prefix)}
	}
	if errs := validation.IsDNS1123Label(name); len(errs) > 0 {
		return &InvalidNameError{Name: name, Reason: strings.Join(errs, "; ")}
	}
	return nil
}

// ParseLimits turns the requested limits into a quota.
func ParseLimits(name string, l Limits) (cluster.Quota, error) {
	var q cluster.Quota
	for _, f := range []struct {
		field string
		value string
		dst   *resource.Quantity
	}{
		{"cpu_limit", l.CPU, &q.CPU},
		{"memory_limit", l.Memory, &q.Memory},
		{"storage_limit", l.Storage, &q.Storage},
	} {
		v, err := resource.ParseQuantity(f.value)
		if err != nil {
			return cluster.Quota{}, &InvalidNameError{Name: name, Reason: fmt.Sprintf("%s %q is not a quantity", f.field, f.value)}
		}
		if v.Sign() <= 0 {
			return cluster.Quota{}, &InvalidNameError{Name: name, Reason: fmt.Sprintf("%s must be positive", f.field)}
		}
		*f.dst = v
	}
	return q, nil
}

func (p *Provisioner) labels(name string) map[string]string {
	return map[string]string{
		cluster.ManagedByLabel: cluster.ManagedByValue,
		TenantLabel:            strings.TrimPrefix(name, p.cfg.Prefix),
	}
}

// CreateNamespace creates the namespace, its quota and, when isolation is
// on, its network policies. A failure after the namespace exists returns
// *errdefs.PartialFailureError and leaves what succeeded in place.
func (p *Provisioner) CreateNamespace(ctx context.Context, name string, limits Limits) (desc *Descriptor, err error) {
	defer func() { metrics.RecordNamespaceProvisioned(err) }()
	logger := log.FromContext(ctx).WithValues("namespace", name)

	if err := p.ValidateName(name); err != nil {
		return nil, err
	}
	quota, err := ParseLimits(name, limits)
	if err != nil {
		return nil, err
	}

	if err := p.gateway.CreateNamespace(ctx, name, p.labels(name)); err != nil {
		return nil, fmt.Errorf("failed to create namespace %s: %w", name, err)
	}
	logger.Info("Created namespace")

	if err := p.finish(ctx, "create namespace", name, quota, []string{"namespace"}); err != nil {
		return nil, err
	}
	return p.descriptor(name, quota), nil
}

// EnsureQuota applies the quota, and the isolation policies when enabled,
// to an existing namespace. It is the retry path after a partial failure.
func (p *Provisioner) EnsureQuota(ctx context.Context, name string, limits Limits) (*Descriptor, error) {
	if err := p.ValidateName(name); err != nil {
		return nil, err
	}
	quota, err := ParseLimits(name, limits)
	if err != nil {
		return nil, err
	}
	if _, err := p.managedNamespace(ctx, name); err != nil {
		return nil, err
	}
	if err := p.finish(ctx, "ensure quota", name, quota, nil); err != nil {
		return nil, err
	}
	return p.descriptor(name, quota), nil
}

func (p *Provisioner) finish(ctx context.Context, op, name string, quota cluster.Quota, done []string) error {
	logger := log.FromContext(ctx).WithValues("namespace", name)

	if err := p.gateway.ApplyResourceQuota(ctx, name, quota); err != nil {
		logger.Error(err, "Failed to apply resource quota")
		return &errdefs.PartialFailureError{Op: op, Resource: name, Succeeded: done, Failed: "quota", Err: err}
	}
	done = append(done, "quota")
	logger.Info("Applied resource quota", "cpu", quota.CPU.String(), "memory", quota.Memory.String(), "storage", quota.Storage.String())

	if !p.cfg.Isolate {
		return nil
	}
	if err := p.gateway.ApplyNetworkPolicies(ctx, name, p.cfg.EdgeNamespace); err != nil {
		logger.Error(err, "Failed to apply network policies")
		return &errdefs.PartialFailureError{Op: op, Resource: name, Succeeded: done, Failed: "network-policies", Err: err}
	}
	logger.V(1).Info("Applied network policies", "edgeNamespace", p.cfg.EdgeNamespace)
	return nil
}

// Describe reads a managed namespace and its quota back from the cluster.
func (p *Provisioner) Describe(ctx context.Context, name string) (*Descriptor, error) {
	if err := p.ValidateName(name); err != nil {
		return nil, err
	}
	ns, err := p.managedNamespace(ctx, name)
	if err != nil {
		return nil, err
	}
	quota, err := p.gateway.GetResourceQuota(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("failed to describe namespace %s: %w", name, err)
	}

	desc := p.descriptor(name, *quota)
	desc.Labels = ns.Labels
	pods, err := p.gateway.ListPods(ctx, name, nil)
	if err != nil {
		log.FromContext(ctx).V(1).Info("Skipping usage estimate", "namespace", name, "error", err.Error())
	} else {
		desc.Usage = p.estimator.EstimatePods(pods)
	}
	return desc, nil
}

// Delete deletes a managed namespace and everything in it.
func (p *Provisioner) Delete(ctx context.Context, name string) error {
	if err := p.ValidateName(name); err != nil {
		return err
	}
	if _, err := p.managedNamespace(ctx, name); err != nil {
		if errors.Is(err, errdefs.ErrNotFound) {
			return nil
		}
		return err
	}
	if err := p.gateway.DeleteNamespace(ctx, name); err != nil {
		return fmt.Errorf("failed to delete namespace %s: %w", name, err)
	}
	log.FromContext(ctx).Info("Deleted namespace", "namespace", name)
	return nil
}

// managedNamespace returns the namespace, treating one paasd does not
// manage as missing.
func (p *Provisioner) managedNamespace(ctx context.Context, name string) (*corev1.Namespace, error) {
	ns, err := p.gateway.GetNamespace(ctx, name)
	if err != nil {
		return nil, err
	}
	if ns.Labels[cluster.ManagedByLabel] != cluster.ManagedByValue {
		return nil, errdefs.NotFound("managed namespace", name)
	}
	return ns, nil
}

func (p *Provisioner) descriptor(name string, q cluster.Quota) *Descriptor {
	return &Descriptor{
		Name:   name,
		Labels: p.labels(name),
		Limits: Limits{
			CPU:     q.CPU.String(),
			Memory:  q.Memory.String(),
			Storage: q.Storage.String(),
		},
		Isolated: p.cfg.Isolate,
		Cost:     p.estimator.EstimateQuota(q),
	}
}
