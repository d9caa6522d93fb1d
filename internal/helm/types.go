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
	"strings"
	"time"
)

// Status is the lifecycle state helm reports for a release revision.
type Status string

const (
	StatusUnknown         Status = "unknown"
	StatusDeployed        Status = "deployed"
	StatusUninstalled     Status = "uninstalled"
	StatusSuperseded      Status = "superseded"
	StatusFailed          Status = "failed"
	StatusUninstalling    Status = "uninstalling"
	StatusPendingInstall  Status = "pending-install"
	StatusPendingUpgrade  Status = "pending-upgrade"
	StatusPendingRollback Status = "pending-rollback"
)

// Pending reports whether another operation is in flight on the release.
func (s Status) Pending() bool {
	return strings.HasPrefix(string(s), "pending-")
}

// Upgradable reports whether an upgrade may start from this status.
func (s Status) Upgradable() bool {
	return s == StatusDeployed || s == StatusFailed
}

// Chart references a chart and the repository serving it.
type Chart struct {
	// Name is the chart name, or a full reference when Repository is empty.
	Name string `json:"name" yaml:"name"`
	// Repository is an https repository URL or an oci:// registry prefix.
	Repository string `json:"repository,omitempty" yaml:"repository,omitempty"`
	// Version pins the chart version. Empty means latest.
	Version string `json:"version,omitempty" yaml:"version,omitempty"`
}

// String returns a human-readable chart reference.
func (c Chart) String() string {
	ref := c.Name
	if c.Repository != "" {
		ref = strings.TrimSuffix(c.Repository, "/") + "/" + c.Name
	}
	if c.Version != "" {
		ref += "@" + c.Version
	}
	return ref
}

// Release is the observed state of one release revision.
type Release struct {
	Name        string
	Namespace   string
	Chart       string
	AppVersion  string
	Revision    int
	Status      Status
	Description string
	Updated     time.Time
}

// Manager drives releases of charts into namespaces.
type Manager interface {
	// Install creates a release. values is the full value overlay.
	Install(ctx context.Context, namespace, release string, chart Chart, values map[string]any, timeout time.Duration) (*Release, error)
	// Upgrade moves an existing release to chart and values. Releases with
	// an operation in flight are rejected with errdefs.ErrConflict.
	Upgrade(ctx context.Context, namespace, release string, chart Chart, values map[string]any, timeout time.Duration) (*Release, error)
	// Rollback returns the release to revision; 0 means the previous one.
	Rollback(ctx context.Context, namespace, release string, revision int, timeout time.Duration) error
	// Uninstall removes the release and its resources.
	Uninstall(ctx context.Context, namespace, release string, timeout time.Duration) error
	// Status returns the current revision or an errdefs.ErrNotFound error.
	Status(ctx context.Context, namespace, release string) (*Release, error)
	// History returns every stored revision, oldest first.
	History(ctx context.Context, namespace, release string) ([]Release, error)
}
