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
	"errors"
	"fmt"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/util/retry"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller/controllerutil"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/woowtech/paasd/internal/errdefs"
)

var _ Gateway = (*KubeGateway)(nil)

// KubeGateway implements Gateway against a live API server.
type KubeGateway struct {
	client     client.Client
	clientset  kubernetes.Interface
	restConfig *rest.Config
}

// NewKubeGateway creates a gateway. clientset and restConfig are only used
// by Exec and may be nil when exec is not needed.
func NewKubeGateway(c client.Client, clientset kubernetes.Interface, restConfig *rest.Config) *KubeGateway {
	return &KubeGateway{
		client:     c,
		clientset:  clientset,
		restConfig: restConfig,
	}
}

// wrap classifies an API error and attaches the operation and object.
func wrap(op, object string, err error) error {
	kind := errdefs.ErrRemoteFailure
	if apierrors.IsTimeout(err) || apierrors.IsServerTimeout(err) || errors.Is(err, context.DeadlineExceeded) {
		kind = errdefs.ErrRemoteTimeout
	}
	return fmt.Errorf("failed to %s %s: %w: %w", op, object, kind, err)
}

func managedLabels(extra map[string]string) map[string]string {
	labels := map[string]string{ManagedByLabel: ManagedByValue}
	for k, v := range extra {
		labels[k] = v
	}
	return labels
}

// CreateNamespace implements Gateway.
func (g *KubeGateway) CreateNamespace(ctx context.Context, name string, labels map[string]string) error {
	ns := &corev1.Namespace{
		ObjectMeta: metav1.ObjectMeta{
			Name:   name,
			Labels: managedLabels(labels),
		},
	}
	if err := g.client.Create(ctx, ns); err != nil {
		if apierrors.IsAlreadyExists(err) {
			return errdefs.AlreadyExists("namespace", name)
		}
		return wrap("create namespace", name, err)
	}
	log.FromContext(ctx).Info("Created namespace", "namespace", name)
	return nil
}

// GetNamespace implements Gateway.
func (g *KubeGateway) GetNamespace(ctx context.Context, name string) (*corev1.Namespace, error) {
	ns := &corev1.Namespace{}
	if err := g.client.Get(ctx, types.NamespacedName{Name: name}, ns); err != nil {
		if apierrors.IsNotFound(err) {
			return nil, errdefs.NotFound("namespace", name)
		}
		return nil, wrap("get namespace", name, err)
	}
	return ns, nil
}

// DeleteNamespace implements Gateway.
func (g *KubeGateway) DeleteNamespace(ctx context.Context, name string) error {
	ns := &corev1.Namespace{ObjectMeta: metav1.ObjectMeta{Name: name}}
	if err := g.client.Delete(ctx, ns); err != nil && !apierrors.IsNotFound(err) {
		return wrap("delete namespace", name, err)
	}
	return nil
}

// ApplyResourceQuota implements Gateway.
func (g *KubeGateway) ApplyResourceQuota(ctx context.Context, namespace string, quota Quota) error {
	rq := &corev1.ResourceQuota{
		ObjectMeta: metav1.ObjectMeta{
			Name:      QuotaName,
			Namespace: namespace,
		},
	}

	_, err := controllerutil.CreateOrUpdate(ctx, g.client, rq, func() error {
		// Public traffic goes through the edge, so no LoadBalancer services.
		rq.Spec.Hard = corev1.ResourceList{
			corev1.ResourceLimitsCPU:             quota.CPU,
			corev1.ResourceLimitsMemory:          quota.Memory,
			corev1.ResourceRequestsStorage:       quota.Storage,
			corev1.ResourceServicesLoadBalancers: resource.MustParse("0"),
		}
		rq.Labels = managedLabels(rq.Labels)
		return nil
	})
	if err != nil {
		return wrap("apply resource quota in", namespace, err)
	}
	return nil
}

// GetResourceQuota implements Gateway.
func (g *KubeGateway) GetResourceQuota(ctx context.Context, namespace string) (*Quota, error) {
	rq := &corev1.ResourceQuota{}
	err := g.client.Get(ctx, types.NamespacedName{Namespace: namespace, Name: QuotaName}, rq)
	if err != nil {
		if apierrors.IsNotFound(err) {
			return nil, errdefs.NotFound("resource quota", namespace+"/"+QuotaName)
		}
		return nil, wrap("get resource quota in", namespace, err)
	}
	return &Quota{
		CPU:     rq.Spec.Hard[corev1.ResourceLimitsCPU],
		Memory:  rq.Spec.Hard[corev1.ResourceLimitsMemory],
		Storage: rq.Spec.Hard[corev1.ResourceRequestsStorage],
	}, nil
}

// ReadSecret implements Gateway.
func (g *KubeGateway) ReadSecret(ctx context.Context, namespace, name string) (map[string][]byte, error) {
	secret := &corev1.Secret{}
	if err := g.client.Get(ctx, types.NamespacedName{Namespace: namespace, Name: name}, secret); err != nil {
		if apierrors.IsNotFound(err) {
			return nil, errdefs.NotFound("secret", namespace+"/"+name)
		}
		return nil, wrap("read secret", namespace+"/"+name, err)
	}
	return secret.Data, nil
}

// MergeSecret implements Gateway. Concurrent writers are resolved by
// retrying the read-merge-write on resourceVersion conflicts.
func (g *KubeGateway) MergeSecret(ctx context.Context, namespace, name string, data map[string][]byte) error {
	err := retry.RetryOnConflict(retry.DefaultRetry, func() error {
		secret := &corev1.Secret{}
		err := g.client.Get(ctx, types.NamespacedName{Namespace: namespace, Name: name}, secret)
		if apierrors.IsNotFound(err) {
			secret = &corev1.Secret{
				ObjectMeta: metav1.ObjectMeta{
					Name:      name,
					Namespace: namespace,
					Labels:    managedLabels(nil),
				},
				Type: corev1.SecretTypeOpaque,
				Data: data,
			}
			err := g.client.Create(ctx, secret)
			if apierrors.IsAlreadyExists(err) {
				return apierrors.NewConflict(schema.GroupResource{Resource: "secrets"}, name, err)
			}
			return err
		}
		if err != nil {
			return err
		}

		if secret.Data == nil {
			secret.Data = map[string][]byte{}
		}
		for k, v := range data {
			secret.Data[k] = v
		}
		return g.client.Update(ctx, secret)
	})
	if err != nil {
		return wrap("merge secret", namespace+"/"+name, err)
	}
	return nil
}

// DeploymentsReady implements Gateway.
func (g *KubeGateway) DeploymentsReady(ctx context.Context, namespace string, selector map[string]string) (bool, error) {
	var list appsv1.DeploymentList
	if err := g.client.List(ctx, &list, client.InNamespace(namespace), client.MatchingLabels(selector)); err != nil {
		return false, wrap("list deployments in", namespace, err)
	}
	if len(list.Items) == 0 {
		return false, nil
	}

	logger := log.FromContext(ctx)
	for i := range list.Items {
		d := &list.Items[i]
		desired := int32(1)
		if d.Spec.Replicas != nil {
			desired = *d.Spec.Replicas
		}
		if d.Status.ObservedGeneration < d.Generation ||
			d.Status.UpdatedReplicas < desired ||
			d.Status.AvailableReplicas < desired {
			logger.V(1).Info("Deployment not ready",
				"deployment", d.Name,
				"desired", desired,
				"updated", d.Status.UpdatedReplicas,
				"available", d.Status.AvailableReplicas)
			return false, nil
		}
	}
	return true, nil
}

// ListPods implements Gateway.
func (g *KubeGateway) ListPods(ctx context.Context, namespace string, selector map[string]string) ([]corev1.Pod, error) {
	var list corev1.PodList
	if err := g.client.List(ctx, &list, client.InNamespace(namespace), client.MatchingLabels(selector)); err != nil {
		return nil, wrap("list pods in", namespace, err)
	}
	return list.Items, nil
}
