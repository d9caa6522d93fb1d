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

// Package deploy composes the release manager and the edge router into one
// deploy operation per application instance.
//
// There is no transaction spanning helm and the edge provider. When the
// route cannot be published after a successful install or upgrade, the
// release is rolled back (or uninstalled after a first install) and the
// returned *RoutingFailedError says whether that compensation worked.
package deploy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"k8s.io/apimachinery/pkg/util/validation"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/woowtech/paasd/internal/catalog"
	"github.com/woowtech/paasd/internal/edge"
	"github.com/woowtech/paasd/internal/errdefs"
	"github.com/woowtech/paasd/internal/helm"
	"github.com/woowtech/paasd/internal/lease"
	"github.com/woowtech/paasd/internal/metrics"
)

// maxReleaseNameLen is the longest release name helm accepts.
const maxReleaseNameLen = 53

// Config holds the orchestrator settings.
type Config struct {
	// Domain is the public domain routes are published under.
	Domain string
	// Timeout bounds each helm operation.
	Timeout time.Duration
	// LeaseTTL bounds how long a crashed replica keeps a release locked.
	LeaseTTL time.Duration
}

// Orchestrator deploys and tears down application instances.
type Orchestrator struct {
	catalog  catalog.Source
	releases helm.Manager
	router   edge.Router
	leases   lease.Store
	cfg      Config
}

// NewOrchestrator returns an orchestrator. releases should be a
// helm.LockedManager over the same lease store so that direct release
// calls are serialized with deploys.
func NewOrchestrator(src catalog.Source, releases helm.Manager, router edge.Router, leases lease.Store, cfg Config) *Orchestrator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = helm.DefaultTimeout
	}
	return &Orchestrator{catalog: src, releases: releases, router: router, leases: leases, cfg: cfg}
}

// Result describes a deployed application instance.
type Result struct {
	Namespace string      `json:"namespace"`
	App       string      `json:"app"`
	Release   string      `json:"release"`
	Revision  int         `json:"revision"`
	Status    helm.Status `json:"status"`
	Chart     string      `json:"chart"`
	Upgraded  bool        `json:"upgraded"`
	Route     edge.Route  `json:"route"`
	URL       string      `json:"url"`
	// InitKind names the bootstrap the instance needs, if any.
	InitKind string `json:"init_kind,omitempty"`
}

// Option tunes a single deploy.
type Option func(*options)

type options struct {
	subdomain string
}

// WithSubdomain publishes the instance under <subdomain>.<domain> instead
// of <app>.<domain>.
func WithSubdomain(subdomain string) Option {
	return func(o *options) { o.subdomain = subdomain }
}

// ReleaseName derives the release name of app in namespace.
func ReleaseName(namespace, app string) string {
	sum := sha256.Sum256([]byte(namespace))
	return app + "-" + hex.EncodeToString(sum[:])[:8]
}

// RouteName derives the route name of app in namespace.
func RouteName(namespace, app string) string {
	return namespace + "-" + app
}

// RoutingFailedError reports a release that deployed but could not be
// published, together with the outcome of the compensating action.
type RoutingFailedError struct {
	Namespace string
	Release   string
	Route     string
	// Compensation is "rollback" or "uninstall".
	Compensation string
	Compensated  bool
	// ManualReconciliationRequired is set when compensation failed and the
	// release is left deployed but unrouted.
	ManualReconciliationRequired bool

	RouteErr        error
	CompensationErr error
}

func (e *RoutingFailedError) Error() string {
	if e.Compensated {
		return fmt.Sprintf("routing release %s/%s failed: %v; %s succeeded",
			e.Namespace, e.Release, e.RouteErr, e.Compensation)
	}
	return fmt.Sprintf("routing release %s/%s failed: %v; %s failed: %v; manual reconciliation required",
		e.Namespace, e.Release, e.RouteErr, e.Compensation, e.CompensationErr)
}

func (e *RoutingFailedError) Unwrap() []error {
	errs := []error{e.RouteErr}
	if e.CompensationErr != nil {
		errs = append(errs, e.CompensationErr)
	}
	return errs
}

func (e *RoutingFailedError) Is(target error) bool { return target == errdefs.ErrRemoteFailure }

type plan struct {
	namespace string
	app       string
	release   string
	route     string
	hostname  string
	target    string
	template  *catalog.Template
	values    map[string]any
}

func (o *Orchestrator) plan(ctx context.Context, namespace, app string, overlay map[string]any, opts options) (*plan, error) {
	if errs := validation.IsDNS1123Label(namespace); len(errs) > 0 {
		return nil, errdefs.Validation("invalid namespace %q: %v", namespace, errs)
	}
	if err := catalog.ValidSlug(app); err != nil {
		return nil, err
	}
	p := &plan{
		namespace: namespace,
		app:       app,
		release:   ReleaseName(namespace, app),
		route:     RouteName(namespace, app),
	}
	if len(p.release) > maxReleaseNameLen {
		return nil, errdefs.Validation("release name %s is longer than %d characters", p.release, maxReleaseNameLen)
	}

	sub := opts.subdomain
	if sub == "" {
		sub = app
	}
	if errs := validation.IsDNS1123Label(sub); len(errs) > 0 {
		return nil, errdefs.Validation("invalid subdomain %q: %v", sub, errs)
	}
	p.hostname = sub + "." + o.cfg.Domain

	tmpl, err := o.catalog.Get(ctx, app)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve application %s: %w", app, err)
	}
	p.template = tmpl
	service, err := tmpl.ServiceName(p.release, namespace)
	if err != nil {
		return nil, err
	}
	p.target = edge.ServiceAddress(service, namespace, tmpl.Port)
	if err := edge.ValidateRoute(p.route, p.hostname, p.target); err != nil {
		return nil, err
	}
	p.values = helm.Merge(helm.ExpandDotted(tmpl.Values), helm.ExpandDotted(overlay))
	return p, nil
}

// DeployApplication installs or upgrades app in namespace and publishes it.
// It holds the release lease from the first helm call until compensation,
// if any, has finished.
func (o *Orchestrator) DeployApplication(ctx context.Context, namespace, app string, overlay map[string]any, opts ...Option) (*Result, error) {
	var dopts options
	for _, opt := range opts {
		opt(&dopts)
	}
	p, err := o.plan(ctx, namespace, app, overlay, dopts)
	if err != nil {
		metrics.RecordDeployment(app, "invalid")
		return nil, err
	}

	var res *Result
	err = lease.Do(ctx, o.leases, lease.ReleaseKey(namespace, p.release), o.cfg.LeaseTTL, func(ctx context.Context) error {
		var err error
		res, err = o.deploy(ctx, p)
		return err
	})
	metrics.RecordDeployment(app, outcome(err))
	return res, err
}

func (o *Orchestrator) deploy(ctx context.Context, p *plan) (*Result, error) {
	logger := log.FromContext(ctx).WithValues("namespace", p.namespace, "release", p.release)

	prev, err := o.releases.Status(ctx, p.namespace, p.release)
	if err != nil && !errors.Is(err, errdefs.ErrNotFound) {
		return nil, err
	}
	firstInstall := prev == nil

	var rel *helm.Release
	if firstInstall {
		logger.Info("Installing release", "chart", p.template.Chart.String())
		rel, err = o.releases.Install(ctx, p.namespace, p.release, p.template.Chart, p.values, o.cfg.Timeout)
	} else {
		logger.Info("Upgrading release", "chart", p.template.Chart.String(), "fromRevision", prev.Revision)
		rel, err = o.releases.Upgrade(ctx, p.namespace, p.release, p.template.Chart, p.values, o.cfg.Timeout)
	}
	if err != nil {
		return nil, err
	}

	cur, err := o.releases.Status(ctx, p.namespace, p.release)
	if err != nil {
		return nil, err
	}
	if cur.Status != helm.StatusDeployed {
		return nil, &helm.ReleaseError{
			Op: "status", Namespace: p.namespace, Release: p.release,
			Kind: errdefs.ErrRemoteFailure, State: cur.Status,
			Diagnostic: fmt.Sprintf("revision %d is not deployed", cur.Revision),
		}
	}

	route, err := o.router.UpsertRoute(ctx, p.route, p.hostname, p.target)
	if err != nil {
		logger.Error(err, "Failed to publish route, compensating")
		return nil, o.compensate(ctx, p, prev, err)
	}

	res := &Result{
		Namespace: p.namespace,
		App:       p.app,
		Release:   p.release,
		Revision:  rel.Revision,
		Status:    cur.Status,
		Chart:     p.template.Chart.String(),
		Upgraded:  !firstInstall,
		Route:     *route,
		URL:       "https://" + route.Hostname,
	}
	if p.template.Init != nil {
		res.InitKind = p.template.Init.Kind
	}
	logger.Info("Deployed application", "revision", res.Revision, "url", res.URL)
	return res, nil
}

// compensate undoes the release step after a routing failure: a first
// install is uninstalled, an upgrade is rolled back to the revision that was
// current before it.
func (o *Orchestrator) compensate(ctx context.Context, p *plan, prev *helm.Release, routeErr error) error {
	rf := &RoutingFailedError{Namespace: p.namespace, Release: p.release, Route: p.route, RouteErr: routeErr}
	var err error
	if prev == nil {
		rf.Compensation = "uninstall"
		err = o.releases.Uninstall(ctx, p.namespace, p.release, o.cfg.Timeout)
	} else {
		rf.Compensation = "rollback"
		err = o.releases.Rollback(ctx, p.namespace, p.release, prev.Revision, o.cfg.Timeout)
	}

	logger := log.FromContext(ctx).WithValues("namespace", p.namespace, "release", p.release, "compensation", rf.Compensation)
	if err != nil {
		rf.CompensationErr = err
		rf.ManualReconciliationRequired = true
		logger.Error(err, "Compensation failed, manual reconciliation required")
		return rf
	}
	rf.Compensated = true
	logger.Info("Compensated failed routing")
	return rf
}

// Teardown deletes the route of app and then uninstalls its release. The
// namespace is left alone.
func (o *Orchestrator) Teardown(ctx context.Context, namespace, app string) error {
	if err := catalog.ValidSlug(app); err != nil {
		return err
	}
	release := ReleaseName(namespace, app)
	return lease.Do(ctx, o.leases, lease.ReleaseKey(namespace, release), o.cfg.LeaseTTL, func(ctx context.Context) error {
		if err := o.router.DeleteRoute(ctx, RouteName(namespace, app)); err != nil {
			return fmt.Errorf("failed to delete route of %s/%s: %w", namespace, release, err)
		}
		err := o.releases.Uninstall(ctx, namespace, release, o.cfg.Timeout)
		if err != nil && !errors.Is(err, errdefs.ErrNotFound) {
			return err
		}
		log.FromContext(ctx).Info("Tore down application", "namespace", namespace, "release", release)
		return nil
	})
}

// ReleaseStatus returns the current revision of a release.
func (o *Orchestrator) ReleaseStatus(ctx context.Context, namespace, release string) (*helm.Release, error) {
	return o.releases.Status(ctx, namespace, release)
}

func outcome(err error) string {
	var rf *RoutingFailedError
	switch {
	case err == nil:
		return "deployed"
	case errors.As(err, &rf) && rf.Compensated:
		return "routing_failed_compensated"
	case errors.As(err, &rf):
		return "routing_failed_manual"
	}
	return metrics.Result(err)
}
