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

package helm

import (
	"context"
	"time"

	"github.com/woowtech/paasd/internal/lease"
)

var _ Manager = (*LockedManager)(nil)

// LockedManager serializes mutating calls per release through the lease
// store. A caller already holding the release lease on its context passes
// straight through.
type LockedManager struct {
	inner  Manager
	leases lease.Store
	ttl    time.Duration
}

// NewLockedManager wraps inner. ttl bounds how long a crashed replica keeps
// a release locked; zero means lease.DefaultTTL.
func NewLockedManager(inner Manager, leases lease.Store, ttl time.Duration) *LockedManager {
	return &LockedManager{inner: inner, leases: leases, ttl: ttl}
}

func (m *LockedManager) locked(ctx context.Context, namespace, release string, fn func(ctx context.Context) error) error {
	return lease.Do(ctx, m.leases, lease.ReleaseKey(namespace, release), m.ttl, fn)
}

// Install implements Manager.
func (m *LockedManager) Install(ctx context.Context, namespace, release string, chart Chart, values map[string]any, timeout time.Duration) (*Release, error) {
	var out *Release
	err := m.locked(ctx, namespace, release, func(ctx context.Context) error {
		var err error
		out, err = m.inner.Install(ctx, namespace, release, chart, values, timeout)
		return err
	})
	return out, err
}

// Upgrade implements Manager.
func (m *LockedManager) Upgrade(ctx context.Context, namespace, release string, chart Chart, values map[string]any, timeout time.Duration) (*Release, error) {
	var out *Release
	err := m.locked(ctx, namespace, release, func(ctx context.Context) error {
		var err error
		out, err = m.inner.Upgrade(ctx, namespace, release, chart, values, timeout)
		return err
	})
	return out, err
}

// Rollback implements Manager.
func (m *LockedManager) Rollback(ctx context.Context, namespace, release string, revision int, timeout time.Duration) error {
	return m.locked(ctx, namespace, release, func(ctx context.Context) error {
		return m.inner.Rollback(ctx, namespace, release, revision, timeout)
	})
}

// Uninstall implements Manager.
func (m *LockedManager) Uninstall(ctx context.Context, namespace, release string, timeout time.Duration) error {
	return m.locked(ctx, namespace, release, func(ctx context.Context) error {
		return m.inner.Uninstall(ctx, namespace, release, timeout)
	})
}

// Status implements Manager.
func (m *LockedManager) Status(ctx context.Context, namespace, release string) (*Release, error) {
	return m.inner.Status(ctx, namespace, release)
}

// History implements Manager.
func (m *LockedManager) History(ctx context.Context, namespace, release string) ([]Release, error) {
	return m.inner.History(ctx, namespace, release)
}
