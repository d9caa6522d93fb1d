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

package runstore

import (
	"context"
	"encoding/json"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"

	paasv1alpha1 "github.com/woowtech/paasd/api/v1alpha1"
	"github.com/woowtech/paasd/internal/errdefs"
)

const (
	runDataKey     = "run.json"
	managedByLabel = "paas.woow.tw/managed-by"
	managedByValue = "paasd"
	componentLabel = "paas.woow.tw/component"
	componentValue = "initialization-run"
	namespaceLabel = "paas.woow.tw/namespace"
	releaseLabel   = "paas.woow.tw/release"
	kindLabel      = "paas.woow.tw/kind"
	phaseLabel     = "paas.woow.tw/phase"
)

var _ Store = (*KubeStore)(nil)

// KubeStore keeps each run in a Secret in the paasd system namespace.
// Secrets are used rather than ConfigMaps because runs capture issued
// credentials. The Secret's resourceVersion is the run Version.
type KubeStore struct {
	client    client.Client
	namespace string
}

// NewKubeStore creates a store writing Secrets into namespace. The client
// must not be backed by an informer cache.
func NewKubeStore(c client.Client, namespace string) *KubeStore {
	return &KubeStore{client: c, namespace: namespace}
}

// SecretName maps a run key to the name of the Secret holding it.
func SecretName(key paasv1alpha1.RunKey) string {
	return fmt.Sprintf("paasd-run.%s.%s.%s", key.Namespace, key.Release, key.Kind)
}

// Get implements Store.
func (s *KubeStore) Get(ctx context.Context, key paasv1alpha1.RunKey) (*paasv1alpha1.InitializationRun, error) {
	secret := &corev1.Secret{}
	err := s.client.Get(ctx, types.NamespacedName{Namespace: s.namespace, Name: SecretName(key)}, secret)
	if apierrors.IsNotFound(err) {
		return nil, errdefs.NotFound("initialization run", key.String())
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get initialization run %s: %w", key, err)
	}
	return decode(secret)
}

// Create implements Store.
func (s *KubeStore) Create(ctx context.Context, run *paasv1alpha1.InitializationRun) error {
	secret := &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{
			Name:      SecretName(run.Key),
			Namespace: s.namespace,
		},
		Type: corev1.SecretTypeOpaque,
	}
	if err := encode(secret, run); err != nil {
		return err
	}

	if err := s.client.Create(ctx, secret); err != nil {
		if apierrors.IsAlreadyExists(err) {
			return errdefs.AlreadyExists("initialization run", run.Key.String())
		}
		return fmt.Errorf("failed to create initialization run %s: %w", run.Key, err)
	}
	run.Version = secret.ResourceVersion
	return nil
}

// Update implements Store.
func (s *KubeStore) Update(ctx context.Context, run *paasv1alpha1.InitializationRun) error {
	secret := &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{
			Name:            SecretName(run.Key),
			Namespace:       s.namespace,
			ResourceVersion: run.Version,
		},
		Type: corev1.SecretTypeOpaque,
	}
	if err := encode(secret, run); err != nil {
		return err
	}

	if err := s.client.Update(ctx, secret); err != nil {
		switch {
		case apierrors.IsConflict(err):
			return errdefs.Conflict("initialization run %s was modified concurrently", run.Key)
		case apierrors.IsNotFound(err):
			return errdefs.NotFound("initialization run", run.Key.String())
		}
		return fmt.Errorf("failed to update initialization run %s: %w", run.Key, err)
	}
	run.Version = secret.ResourceVersion
	return nil
}

// Delete implements Store.
func (s *KubeStore) Delete(ctx context.Context, key paasv1alpha1.RunKey) error {
	secret := &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{
			Name:      SecretName(key),
			Namespace: s.namespace,
		},
	}
	if err := s.client.Delete(ctx, secret); err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("failed to delete initialization run %s: %w", key, err)
	}
	return nil
}

// List implements Store.
func (s *KubeStore) List(ctx context.Context) ([]*paasv1alpha1.InitializationRun, error) {
	var list corev1.SecretList
	if err := s.client.List(ctx, &list,
		client.InNamespace(s.namespace),
		client.MatchingLabels{managedByLabel: managedByValue, componentLabel: componentValue},
	); err != nil {
		return nil, fmt.Errorf("failed to list initialization runs: %w", err)
	}

	runs := make([]*paasv1alpha1.InitializationRun, 0, len(list.Items))
	for i := range list.Items {
		run, err := decode(&list.Items[i])
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, nil
}

func encode(secret *corev1.Secret, run *paasv1alpha1.InitializationRun) error {
	raw, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to encode initialization run %s: %w", run.Key, err)
	}

	secret.Labels = map[string]string{
		managedByLabel: managedByValue,
		componentLabel: componentValue,
		namespaceLabel: run.Key.Namespace,
		releaseLabel:   run.Key.Release,
		kindLabel:      run.Key.Kind,
		phaseLabel:     string(run.Phase),
	}
	secret.Data = map[string][]byte{runDataKey: raw}
	return nil
}

func decode(secret *corev1.Secret) (*paasv1alpha1.InitializationRun, error) {
	run := &paasv1alpha1.InitializationRun{}
	if err := json.Unmarshal(secret.Data[runDataKey], run); err != nil {
		return nil, fmt.Errorf("failed to decode initialization run %s: %w", secret.Name, err)
	}
	run.Version = secret.ResourceVersion
	return run, nil
}
