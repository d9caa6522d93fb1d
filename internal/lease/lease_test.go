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
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	coordinationv1 "k8s.io/api/coordination/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/util/wait"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"

	"github.com/woowtech/paasd/internal/errdefs"
)

const systemNamespace = "paasd-system"

func newKubeStore(t *testing.T) *KubeStore {
	t.Helper()

	scheme := runtime.NewScheme()
	if err := coordinationv1.AddToScheme(scheme); err != nil {
		t.Fatalf("failed to add scheme: %v", err)
	}
	c := fake.NewClientBuilder().WithScheme(scheme).Build()
	return NewKubeStore(c, systemNamespace)
}

// storeFactories runs every contract test against both backends.
func storeFactories() map[string]func(t *testing.T) (Store, func(time.Time)) {
	return map[string]func(t *testing.T) (Store, func(time.Time)){
		"memory": func(t *testing.T) (Store, func(time.Time)) {
			s := NewMemoryStore()
			return s, func(now time.Time) { s.SetClock(func() time.Time { return now }) }
		},
		"kube": func(t *testing.T) (Store, func(time.Time)) {
			s := newKubeStore(t)
			return s, func(now time.Time) { s.now = func() time.Time { return now } }
		},
	}
}

func TestStore_Contract(t *testing.T) {
	key := ReleaseKey("paas-ws-demo", "n8n-1a2b3c4d")
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store, setNow := factory(t)
			setNow(start)

			if _, err := store.Acquire(ctx, key, "holder-a", time.Minute); err != nil {
				t.Fatalf("first acquire failed: %v", err)
			}

			// Same holder renews.
			if _, err := store.Acquire(ctx, key, "holder-a", time.Minute); err != nil {
				t.Fatalf("re-entrant acquire failed: %v", err)
			}

			// Another holder is rejected with a conflict.
			_, err := store.Acquire(ctx, key, "holder-b", time.Minute)
			if !errors.Is(err, errdefs.ErrConflict) {
				t.Fatalf("expected conflict for second holder, got %v", err)
			}
			var held *HeldError
			if !errors.As(err, &held) || held.Key != key {
				t.Errorf("expected HeldError for %s, got %v", key, err)
			}

			// Releasing by a non-owner leaves the lease in place.
			if err := store.Release(ctx, key, "holder-b"); err != nil {
				t.Fatalf("foreign release failed: %v", err)
			}
			if l, err := store.Get(ctx, key); err != nil || l.Holder != "holder-a" {
				t.Fatalf("lease should still belong to holder-a, got %+v, %v", l, err)
			}

			// An expired lease can be taken over.
			setNow(start.Add(2 * time.Minute))
			l, err := store.Acquire(ctx, key, "holder-b", time.Minute)
			if err != nil {
				t.Fatalf("takeover of expired lease failed: %v", err)
			}
			if l.Holder != "holder-b" {
				t.Errorf("holder = %s, want holder-b", l.Holder)
			}

			if err := store.Release(ctx, key, "holder-b"); err != nil {
				t.Fatalf("release failed: %v", err)
			}
			if _, err := store.Get(ctx, key); !errors.Is(err, errdefs.ErrNotFound) {
				t.Errorf("expected lease to be gone, got %v", err)
			}
		})
	}
}

func TestStore_PruneExpired(t *testing.T) {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store, setNow := factory(t)
			setNow(start)

			if _, err := store.Acquire(ctx, ReleaseKey("paas-a", "short"), "h", time.Minute); err != nil {
				t.Fatal(err)
			}
			if _, err := store.Acquire(ctx, ReleaseKey("paas-a", "long"), "h", time.Hour); err != nil {
				t.Fatal(err)
			}

			n, err := store.PruneExpired(ctx, start.Add(10*time.Minute))
			if err != nil {
				t.Fatalf("PruneExpired failed: %v", err)
			}
			if n != 1 {
				t.Errorf("pruned %d leases, want 1", n)
			}
			if _, err := store.Get(ctx, ReleaseKey("paas-a", "long")); err != nil {
				t.Errorf("unexpired lease was pruned: %v", err)
			}
		})
	}
}

func TestKubeStore_WritesLeaseObject(t *testing.T) {
	ctx := context.Background()
	store := newKubeStore(t)
	key := InitKey("paas-ws-demo", "n8n-1a2b3c4d", "n8n")

	if _, err := store.Acquire(ctx, key, "holder-a", 90*time.Second); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}

	obj := &coordinationv1.Lease{}
	if err := store.client.Get(ctx, types.NamespacedName{Namespace: systemNamespace, Name: ObjectName(key)}, obj); err != nil {
		t.Fatalf("lease object not found: %v", err)
	}
	if got := *obj.Spec.HolderIdentity; got != "holder-a" {
		t.Errorf("holderIdentity = %s, want holder-a", got)
	}
	if got := *obj.Spec.LeaseDurationSeconds; got != 90 {
		t.Errorf("leaseDurationSeconds = %d, want 90", got)
	}
	if obj.Annotations[keyAnnotation] != key {
		t.Errorf("key annotation = %s, want %s", obj.Annotations[keyAnnotation], key)
	}
	if obj.Labels[managedByLabel] != managedByValue {
		t.Errorf("managed-by label missing: %v", obj.Labels)
	}
}

func TestDo_SerializesConcurrentCallers(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			store, _ := factory(t)
			key := ReleaseKey("paas-ws-demo", "n8n-1a2b3c4d")

			release := make(chan struct{})
			entered := make(chan struct{})
			var ran, conflicts atomic.Int32

			var wg sync.WaitGroup
			wg.Add(1)
			go func() {
				defer wg.Done()
				_ = Do(context.Background(), store, key, time.Minute, func(ctx context.Context) error {
					ran.Add(1)
					close(entered)
					<-release
					return nil
				})
			}()

			<-entered
			err := Do(context.Background(), store, key, time.Minute, func(ctx context.Context) error {
				ran.Add(1)
				return nil
			})
			if errors.Is(err, errdefs.ErrConflict) {
				conflicts.Add(1)
			}
			close(release)
			wg.Wait()

			if ran.Load() != 1 || conflicts.Load() != 1 {
				t.Errorf("ran=%d conflicts=%d, want exactly one of each", ran.Load(), conflicts.Load())
			}

			// The lease is released afterwards.
			if err := Do(context.Background(), store, key, time.Minute, func(ctx context.Context) error { return nil }); err != nil {
				t.Errorf("lease not released after Do: %v", err)
			}
		})
	}
}

func TestDo_IsReentrantOnTheSameContext(t *testing.T) {
	store := NewMemoryStore()
	key := ReleaseKey("paas-ws-demo", "n8n-1a2b3c4d")

	err := Do(context.Background(), store, key, time.Minute, func(ctx context.Context) error {
		return Do(ctx, store, key, time.Minute, func(ctx context.Context) error {
			if _, err := store.Get(ctx, key); err != nil {
				t.Errorf("lease missing inside nested Do: %v", err)
			}
			return nil
		})
	})
	if err != nil {
		t.Fatalf("nested Do failed: %v", err)
	}
	if _, err := store.Get(context.Background(), key); !errors.Is(err, errdefs.ErrNotFound) {
		t.Errorf("outer Do should release the lease, got %v", err)
	}
}

func TestDo_ReleasesOnFailure(t *testing.T) {
	store := NewMemoryStore()
	key := ReleaseKey("paas-ws-demo", "n8n-1a2b3c4d")
	boom := errors.New("boom")

	if err := Do(context.Background(), store, key, time.Minute, func(ctx context.Context) error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("expected fn error, got %v", err)
	}
	if _, err := store.Get(context.Background(), key); !errors.Is(err, errdefs.ErrNotFound) {
		t.Errorf("lease should be released after failure, got %v", err)
	}
}

func TestDo_ReentryRenewsLease(t *testing.T) {
	store := NewMemoryStore()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store.SetClock(func() time.Time { return now })
	key := ReleaseKey("paas-ws-demo", "n8n-1")

	err := Do(context.Background(), store, key, 5*time.Minute, func(ctx context.Context) error {
		now = now.Add(4 * time.Minute)
		return Do(ctx, store, key, 5*time.Minute, func(ctx context.Context) error {
			now = now.Add(2 * time.Minute)
			if _, err := store.Acquire(context.Background(), key, "other-replica", time.Minute); !errors.Is(err, errdefs.ErrConflict) {
				t.Errorf("another holder acquired the lease during nested Do: %v", err)
			}
			return nil
		})
	})
	if err != nil {
		t.Fatalf("Do() unexpected error: %v", err)
	}
}

func TestDo_RenewsWhileRunning(t *testing.T) {
	store := NewMemoryStore()
	key := ReleaseKey("paas-ws-demo", "n8n-1")
	ttl := 60 * time.Millisecond

	err := Do(context.Background(), store, key, ttl, func(ctx context.Context) error {
		time.Sleep(3 * ttl)
		if _, err := store.Acquire(context.Background(), key, "other-replica", ttl); !errors.Is(err, errdefs.ErrConflict) {
			t.Errorf("lease lapsed while fn was still running: %v", err)
		}
		return ctx.Err()
	})
	if err != nil {
		t.Fatalf("Do() unexpected error: %v", err)
	}
}

func TestDo_CancelsWhenLeaseIsTakenOver(t *testing.T) {
	store := NewMemoryStore()
	key := ReleaseKey("paas-ws-demo", "n8n-1")
	ttl := 30 * time.Millisecond

	err := Do(context.Background(), store, key, ttl, func(ctx context.Context) error {
		holder, _ := HolderFrom(ctx)
		if err := store.Release(ctx, key, holder); err != nil {
			t.Fatalf("Release() unexpected error: %v", err)
		}
		if _, err := store.Acquire(ctx, key, "other-replica", time.Minute); err != nil {
			t.Fatalf("takeover failed: %v", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
			t.Error("context not cancelled after the lease was taken over")
			return nil
		}
	})
	var held *HeldError
	if !errors.As(err, &held) || held.Holder != "other-replica" {
		t.Errorf("Do() = %v, want HeldError naming other-replica", err)
	}
}

func TestDoWait(t *testing.T) {
	store := NewMemoryStore()
	key := TunnelKey("tun")
	backoff := wait.Backoff{Duration: 5 * time.Millisecond, Factor: 1, Steps: 200}

	if _, err := store.Acquire(context.Background(), key, "other-replica", time.Minute); err != nil {
		t.Fatalf("Acquire() unexpected error: %v", err)
	}
	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = store.Release(context.Background(), key, "other-replica")
	}()

	ran := false
	err := DoWait(context.Background(), store, key, time.Minute, backoff, func(ctx context.Context) error {
		ran = true
		return nil
	})
	if err != nil || !ran {
		t.Fatalf("DoWait() = %v, ran = %v; want it to wait for the release", err, ran)
	}

	if _, err := store.Acquire(context.Background(), key, "other-replica", time.Minute); err != nil {
		t.Fatalf("Acquire() unexpected error: %v", err)
	}
	short := wait.Backoff{Duration: time.Millisecond, Factor: 1, Steps: 3}
	err = DoWait(context.Background(), store, key, time.Minute, short, func(ctx context.Context) error {
		t.Error("fn ran while another holder owned the lease")
		return nil
	})
	if !errors.Is(err, errdefs.ErrConflict) {
		t.Errorf("DoWait() = %v, want ErrConflict once the backoff runs out", err)
	}
}
