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

// Package lease provides time-bounded mutual-exclusion tokens kept in a
// store shared by every paasd replica.
//
// A lease is identified by a key and owned by a holder. Acquiring a lease
// held by another holder fails with a *HeldError, which matches
// errdefs.ErrConflict. Acquiring a lease already owned by the same holder
// renews it, so a caller that holds a release lease for a whole deploy can
// call lower layers that acquire the same lease again.
//
// Holders travel on the context: Do creates a holder when the context has
// none, and nested Do calls for a key the context already holds renew the
// lease and run the function without releasing it afterwards. While the
// outermost Do runs, the lease is renewed in the background every third of
// its TTL; if another holder takes it over, the function's context is
// cancelled with the *HeldError as cause.
package lease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"k8s.io/apimachinery/pkg/util/wait"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/woowtech/paasd/internal/errdefs"
)

// DefaultTTL bounds how long a crashed holder can wedge a key.
const DefaultTTL = 10 * time.Minute

// Lease is a mutual-exclusion token on one key.
type Lease struct {
	Key        string
	Holder     string
	AcquiredAt time.Time
	RenewedAt  time.Time
	Duration   time.Duration
}

// ExpiresAt returns when the lease lapses unless renewed.
func (l *Lease) ExpiresAt() time.Time {
	return l.RenewedAt.Add(l.Duration)
}

// Expired reports whether the lease has lapsed at now.
func (l *Lease) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt())
}

// Store persists leases.
type Store interface {
	// Acquire takes the lease for holder, renewing it if holder already owns
	// it and taking it over if it expired. Returns *HeldError otherwise.
	Acquire(ctx context.Context, key, holder string, ttl time.Duration) (*Lease, error)
	// Release drops the lease if holder owns it. Releasing a lease owned by
	// someone else, or no lease at all, is a no-op.
	Release(ctx context.Context, key, holder string) error
	// Get returns the current lease on key, or an errdefs.ErrNotFound error.
	Get(ctx context.Context, key string) (*Lease, error)
	// PruneExpired deletes leases that lapsed before now.
	PruneExpired(ctx context.Context, now time.Time) (int, error)
}

// HeldError reports a key owned by another holder.
type HeldError struct {
	Key       string
	Holder    string
	ExpiresAt time.Time
}

func (e *HeldError) Error() string {
	return fmt.Sprintf("%s is held by %s until %s", e.Key, e.Holder, e.ExpiresAt.UTC().Format(time.RFC3339))
}

func (e *HeldError) Is(target error) bool { return target == errdefs.ErrConflict }

// ReleaseKey is the key serializing mutations of one release.
func ReleaseKey(namespace, release string) string {
	return fmt.Sprintf("release/%s/%s", namespace, release)
}

// InitKey is the key serializing one initialization run.
func InitKey(namespace, release, kind string) string {
	return fmt.Sprintf("init/%s/%s/%s", namespace, release, kind)
}

// TunnelKey is the key serializing writes to one Cloudflare tunnel
// configuration.
func TunnelKey(tunnelID string) string {
	return "edge/cloudflare/" + tunnelID
}

type holderKey struct{}

type holderState struct {
	id   string
	held map[string]bool
}

// NewHolder returns a fresh holder identity.
func NewHolder() string {
	return uuid.NewString()
}

// WithHolder returns a context carrying holder as the lease owner.
func WithHolder(ctx context.Context, holder string) context.Context {
	return context.WithValue(ctx, holderKey{}, &holderState{id: holder, held: map[string]bool{}})
}

// HolderFrom returns the holder carried by ctx.
func HolderFrom(ctx context.Context) (string, bool) {
	st, ok := ctx.Value(holderKey{}).(*holderState)
	if !ok {
		return "", false
	}
	return st.id, true
}

func heldBy(ctx context.Context, key string) bool {
	st, ok := ctx.Value(holderKey{}).(*holderState)
	return ok && st.held[key]
}

func withHeld(ctx context.Context, key string) context.Context {
	st, _ := ctx.Value(holderKey{}).(*holderState)
	held := make(map[string]bool, len(st.held)+1)
	for k := range st.held {
		held[k] = true
	}
	held[key] = true
	return context.WithValue(ctx, holderKey{}, &holderState{id: st.id, held: held})
}

// Do runs fn while holding the lease on key. The lease is released when fn
// returns, whatever the outcome, unless an outer Do on the same context
// already holds it. A lease held by another holder fails immediately.
func Do(ctx context.Context, store Store, key string, ttl time.Duration, fn func(ctx context.Context) error) error {
	return do(ctx, store, key, ttl, nil, fn)
}

// DoWait is Do but retries acquisition per backoff while another holder
// owns the lease. It returns the last *HeldError when the backoff runs out.
func DoWait(ctx context.Context, store Store, key string, ttl time.Duration, backoff wait.Backoff, fn func(ctx context.Context) error) error {
	return do(ctx, store, key, ttl, &backoff, fn)
}

func do(ctx context.Context, store Store, key string, ttl time.Duration, backoff *wait.Backoff, fn func(ctx context.Context) error) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	holder, ok := HolderFrom(ctx)
	if !ok {
		holder = NewHolder()
		ctx = WithHolder(ctx, holder)
	}

	if heldBy(ctx, key) {
		if _, err := store.Acquire(ctx, key, holder, ttl); err != nil {
			return err
		}
		return fn(ctx)
	}

	if err := acquire(ctx, store, key, holder, ttl, backoff); err != nil {
		return err
	}
	defer func() {
		// The caller's context may already be cancelled; the lease must
		// still go.
		_ = store.Release(context.WithoutCancel(ctx), key, holder)
	}()

	runCtx, cancel := context.WithCancelCause(withHeld(ctx, key))
	defer cancel(nil)
	stop := keepAlive(runCtx, store, key, holder, ttl, cancel)
	err := fn(runCtx)
	stop()

	var held *HeldError
	if err != nil && errors.As(context.Cause(runCtx), &held) {
		return fmt.Errorf("lease lost while running: %w", held)
	}
	return err
}

func acquire(ctx context.Context, store Store, key, holder string, ttl time.Duration, backoff *wait.Backoff) error {
	if backoff == nil {
		_, err := store.Acquire(ctx, key, holder, ttl)
		return err
	}
	var last error
	err := wait.ExponentialBackoffWithContext(ctx, *backoff, func(ctx context.Context) (bool, error) {
		_, last = store.Acquire(ctx, key, holder, ttl)
		var held *HeldError
		switch {
		case last == nil:
			return true, nil
		case errors.As(last, &held):
			return false, nil
		default:
			return false, last
		}
	})
	if wait.Interrupted(err) && last != nil {
		return last
	}
	return err
}

// keepAlive renews the lease every third of ttl until the returned stop
// function is called. Losing the lease to another holder cancels ctx.
func keepAlive(ctx context.Context, store Store, key, holder string, ttl time.Duration, lost context.CancelCauseFunc) (stop func()) {
	period := ttl / 3
	if period <= 0 {
		period = ttl
	}
	done := make(chan struct{})
	stopped := make(chan struct{})

	go func() {
		defer close(stopped)
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			_, err := store.Acquire(ctx, key, holder, ttl)
			var held *HeldError
			switch {
			case errors.As(err, &held):
				log.FromContext(ctx).Info("Lease taken over by another holder", "key", key, "holder", held.Holder)
				lost(err)
				return
			case err != nil && ctx.Err() == nil:
				log.FromContext(ctx).Error(err, "Failed to renew lease", "key", key)
			}
		}
	}()

	return func() {
		close(done)
		<-stopped
	}
}
