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

package lease

import (
	"context"
	"fmt"
	"strings"
	"time"

	coordinationv1 "k8s.io/api/coordination/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/util/retry"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/woowtech/paasd/internal/errdefs"
)

const (
	managedByLabel = "paas.woow.tw/managed-by"
	managedByValue = "paasd"
	keyAnnotation  = "paas.woow.tw/lease-key"
)

var _ Store = (*KubeStore)(nil)

// KubeStore keeps leases as coordination.k8s.io/v1 Lease objects in one
// namespace. Optimistic concurrency on resourceVersion makes two replicas
// racing for the same key see exactly one winner.
type KubeStore struct {
	client    client.Client
	namespace string
	now       func() time.Time
}

// NewKubeStore creates a store writing Lease objects into namespace. The
// client must not be backed by an informer cache.
func NewKubeStore(c client.Client, namespace string) *KubeStore {
	return &KubeStore{client: c, namespace: namespace, now: time.Now}
}

// ObjectName maps a lease key to a Lease object name.
func ObjectName(key string) string {
	return "paasd." + strings.ReplaceAll(key, "/", ".")
}

// Acquire implements Store. A renewal racing another writer of the same
// object is retried against the fresh object.
func (s *KubeStore) Acquire(ctx context.Context, key, holder string, ttl time.Duration) (*Lease, error) {
	var out *Lease
	err := retry.RetryOnConflict(retry.DefaultRetry, func() error {
		var err error
		out, err = s.acquire(ctx, key, holder, ttl)
		return err
	})
	if apierrors.IsConflict(err) {
		return nil, &HeldError{Key: key, Holder: "another replica", ExpiresAt: s.now().Add(ttl)}
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *KubeStore) acquire(ctx context.Context, key, holder string, ttl time.Duration) (*Lease, error) {
	now := s.now()
	name := ObjectName(key)
	seconds := int32(ttl.Round(time.Second) / time.Second)
	if seconds < 1 {
		seconds = 1
	}

	obj := &coordinationv1.Lease{}
	err := s.client.Get(ctx, types.NamespacedName{Namespace: s.namespace, Name: name}, obj)
	if apierrors.IsNotFound(err) {
		obj = &coordinationv1.Lease{
			ObjectMeta: metav1.ObjectMeta{
				Name:        name,
				Namespace:   s.namespace,
				Labels:      map[string]string{managedByLabel: managedByValue},
				Annotations: map[string]string{keyAnnotation: key},
			},
			Spec: coordinationv1.LeaseSpec{
				HolderIdentity:       &holder,
				LeaseDurationSeconds: &seconds,
				AcquireTime:          &metav1.MicroTime{Time: now},
				RenewTime:            &metav1.MicroTime{Time: now},
			},
		}
		if err := s.client.Create(ctx, obj); err != nil {
			if apierrors.IsAlreadyExists(err) {
				return nil, &HeldError{Key: key, Holder: "another replica", ExpiresAt: now.Add(ttl)}
			}
			return nil, fmt.Errorf("failed to create lease %s: %w", key, err)
		}
		return fromObject(key, obj), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get lease %s: %w", key, err)
	}

	cur := fromObject(key, obj)
	if cur.Holder != holder && !cur.Expired(now) {
		return nil, &HeldError{Key: key, Holder: cur.Holder, ExpiresAt: cur.ExpiresAt()}
	}

	if cur.Holder != holder {
		obj.Spec.AcquireTime = &metav1.MicroTime{Time: now}
		transitions := int32(0)
		if obj.Spec.LeaseTransitions != nil {
			transitions = *obj.Spec.LeaseTransitions
		}
		transitions++
		obj.Spec.LeaseTransitions = &transitions
	}
	obj.Spec.HolderIdentity = &holder
	obj.Spec.LeaseDurationSeconds = &seconds
	obj.Spec.RenewTime = &metav1.MicroTime{Time: now}

	if err := s.client.Update(ctx, obj); err != nil {
		if apierrors.IsConflict(err) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to renew lease %s: %w", key, err)
	}
	return fromObject(key, obj), nil
}

// Release implements Store.
func (s *KubeStore) Release(ctx context.Context, key, holder string) error {
	obj := &coordinationv1.Lease{}
	err := s.client.Get(ctx, types.NamespacedName{Namespace: s.namespace, Name: ObjectName(key)}, obj)
	if apierrors.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to get lease %s: %w", key, err)
	}
	if obj.Spec.HolderIdentity == nil || *obj.Spec.HolderIdentity != holder {
		return nil
	}

	rv := obj.ResourceVersion
	err = s.client.Delete(ctx, obj, client.Preconditions{ResourceVersion: &rv})
	if err != nil && !apierrors.IsNotFound(err) && !apierrors.IsConflict(err) {
		return fmt.Errorf("failed to release lease %s: %w", key, err)
	}
	return nil
}

// Get implements Store.
func (s *KubeStore) Get(ctx context.Context, key string) (*Lease, error) {
	obj := &coordinationv1.Lease{}
	err := s.client.Get(ctx, types.NamespacedName{Namespace: s.namespace, Name: ObjectName(key)}, obj)
	if apierrors.IsNotFound(err) {
		return nil, errdefs.NotFound("lease", key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get lease %s: %w", key, err)
	}
	return fromObject(key, obj), nil
}

// PruneExpired implements Store.
func (s *KubeStore) PruneExpired(ctx context.Context, now time.Time) (int, error) {
	var list coordinationv1.LeaseList
	if err := s.client.List(ctx, &list,
		client.InNamespace(s.namespace),
		client.MatchingLabels{managedByLabel: managedByValue},
	); err != nil {
		return 0, fmt.Errorf("failed to list leases: %w", err)
	}

	n := 0
	for i := range list.Items {
		obj := &list.Items[i]
		if !fromObject(obj.Annotations[keyAnnotation], obj).Expired(now) {
			continue
		}
		rv := obj.ResourceVersion
		err := s.client.Delete(ctx, obj, client.Preconditions{ResourceVersion: &rv})
		if err != nil && !apierrors.IsNotFound(err) && !apierrors.IsConflict(err) {
			return n, fmt.Errorf("failed to delete lease %s: %w", obj.Name, err)
		}
		if err == nil {
			n++
		}
	}
	return n, nil
}

func fromObject(key string, obj *coordinationv1.Lease) *Lease {
	l := &Lease{Key: key}
	if obj.Spec.HolderIdentity != nil {
		l.Holder = *obj.Spec.HolderIdentity
	}
	if obj.Spec.AcquireTime != nil {
		l.AcquiredAt = obj.Spec.AcquireTime.Time
	}
	if obj.Spec.RenewTime != nil {
		l.RenewedAt = obj.Spec.RenewTime.Time
	}
	if obj.Spec.LeaseDurationSeconds != nil {
		l.Duration = time.Duration(*obj.Spec.LeaseDurationSeconds) * time.Second
	}
	return l
}
