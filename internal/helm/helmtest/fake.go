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

// Package helmtest provides an in-memory helm.Manager for tests.
package helmtest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/woowtech/paasd/internal/errdefs"
	"github.com/woowtech/paasd/internal/helm"
)

// Fake keeps releases in memory. Set the *Err fields to make the next calls
// of that operation fail.
type Fake struct {
	mu       sync.Mutex
	releases map[string][]helm.Release
	values   map[string]map[string]any

	InstallErr   error
	UpgradeErr   error
	RollbackErr  error
	UninstallErr error

	// Calls records every operation as "op namespace/release".
	Calls []string
}

var _ helm.Manager = (*Fake)(nil)

// NewFake returns an empty fake.
func NewFake() *Fake {
	return &Fake{
		releases: map[string][]helm.Release{},
		values:   map[string]map[string]any{},
	}
}

func key(namespace, release string) string { return namespace + "/" + release }

func (f *Fake) record(op, namespace, release string) {
	f.Calls = append(f.Calls, op+" "+key(namespace, release))
}

// Values returns the overlay last applied to a release.
func (f *Fake) Values(namespace, release string) map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.values[key(namespace, release)]
}

// SetStatus overwrites the status of the current revision.
func (f *Fake) SetStatus(namespace, release string, status helm.Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	revs := f.releases[key(namespace, release)]
	if len(revs) > 0 {
		revs[len(revs)-1].Status = status
	}
}

// Install implements helm.Manager.
func (f *Fake) Install(_ context.Context, namespace, release string, chart helm.Chart, values map[string]any, _ time.Duration) (*helm.Release, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("install", namespace, release)

	if f.InstallErr != nil {
		return nil, f.InstallErr
	}
	k := key(namespace, release)
	if len(f.releases[k]) > 0 {
		return nil, &helm.ReleaseError{Op: "install", Namespace: namespace, Release: release,
			Kind: errdefs.ErrRemoteFailure, Diagnostic: "cannot re-use a name that is still in use"}
	}
	rel := helm.Release{Name: release, Namespace: namespace, Chart: chart.Name + "-" + chart.Version,
		Revision: 1, Status: helm.StatusDeployed, Description: "Install complete", Updated: time.Now()}
	f.releases[k] = []helm.Release{rel}
	f.values[k] = values
	return &rel, nil
}

// Upgrade implements helm.Manager.
func (f *Fake) Upgrade(_ context.Context, namespace, release string, chart helm.Chart, values map[string]any, _ time.Duration) (*helm.Release, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("upgrade", namespace, release)

	k := key(namespace, release)
	revs := f.releases[k]
	if len(revs) == 0 {
		return nil, &helm.ReleaseError{Op: "upgrade", Namespace: namespace, Release: release, Kind: errdefs.ErrNotFound}
	}
	cur := revs[len(revs)-1]
	if !cur.Status.Upgradable() {
		return nil, &helm.ReleaseError{Op: "upgrade", Namespace: namespace, Release: release,
			Kind: errdefs.ErrConflict, State: cur.Status}
	}
	if f.UpgradeErr != nil {
		return nil, f.UpgradeErr
	}
	revs[len(revs)-1].Status = helm.StatusSuperseded
	rel := helm.Release{Name: release, Namespace: namespace, Chart: chart.Name + "-" + chart.Version,
		Revision: cur.Revision + 1, Status: helm.StatusDeployed, Description: "Upgrade complete", Updated: time.Now()}
	f.releases[k] = append(revs, rel)
	f.values[k] = values
	return &rel, nil
}

// Rollback implements helm.Manager.
func (f *Fake) Rollback(_ context.Context, namespace, release string, revision int, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("rollback", namespace, release)

	if f.RollbackErr != nil {
		return f.RollbackErr
	}
	k := key(namespace, release)
	revs := f.releases[k]
	if len(revs) < 2 {
		return &helm.ReleaseError{Op: "rollback", Namespace: namespace, Release: release,
			Kind: errdefs.ErrRemoteFailure, Diagnostic: "no previous revision"}
	}
	if revision == 0 {
		revision = revs[len(revs)-2].Revision
	}
	var target *helm.Release
	for i := range revs {
		if revs[i].Revision == revision {
			target = &revs[i]
		}
	}
	if target == nil {
		return &helm.ReleaseError{Op: "rollback", Namespace: namespace, Release: release,
			Kind: errdefs.ErrRemoteFailure, Diagnostic: fmt.Sprintf("revision %d not found", revision)}
	}
	revs[len(revs)-1].Status = helm.StatusSuperseded
	rel := *target
	rel.Revision = revs[len(revs)-1].Revision + 1
	rel.Status = helm.StatusDeployed
	rel.Description = fmt.Sprintf("Rollback to %d", revision)
	f.releases[k] = append(revs, rel)
	return nil
}

// Uninstall implements helm.Manager.
func (f *Fake) Uninstall(_ context.Context, namespace, release string, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("uninstall", namespace, release)

	if f.UninstallErr != nil {
		return f.UninstallErr
	}
	k := key(namespace, release)
	if len(f.releases[k]) == 0 {
		return &helm.ReleaseError{Op: "uninstall", Namespace: namespace, Release: release, Kind: errdefs.ErrNotFound}
	}
	delete(f.releases, k)
	delete(f.values, k)
	return nil
}

// Status implements helm.Manager.
func (f *Fake) Status(_ context.Context, namespace, release string) (*helm.Release, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	revs := f.releases[key(namespace, release)]
	if len(revs) == 0 {
		return nil, &helm.ReleaseError{Op: "status", Namespace: namespace, Release: release, Kind: errdefs.ErrNotFound}
	}
	rel := revs[len(revs)-1]
	return &rel, nil
}

// History implements helm.Manager.
func (f *Fake) History(_ context.Context, namespace, release string) ([]helm.Release, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	revs := f.releases[key(namespace, release)]
	if len(revs) == 0 {
		return nil, &helm.ReleaseError{Op: "history", Namespace: namespace, Release: release, Kind: errdefs.ErrNotFound}
	}
	return append([]helm.Release(nil), revs...), nil
}
