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

// Package edge publishes internal services under public hostnames.
//
// A route maps a hostname to an internal target ("service:port" or
// "service.namespace.svc.cluster.local:port") and is identified by a name
// the caller derives deterministically, so registering the same route twice
// is a no-op. A hostname belongs to at most one route name.
package edge

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"

	"k8s.io/apimachinery/pkg/util/validation"

	"github.com/woowtech/paasd/internal/errdefs"
)

// Route is the state of one published route.
type Route struct {
	Name     string `json:"name"`
	Hostname string `json:"hostname"`
	Target   string `json:"target"`
	Enabled  bool   `json:"enabled"`
}

// RouteResult describes a route after UpsertRoute.
type RouteResult = Route

// Router manages routes at the edge provider.
type Router interface {
	// UpsertRoute creates or updates the route. Identical calls leave the
	// provider untouched and return equal results. A hostname bound to
	// another route name fails with *RouteConflictError.
	UpsertRoute(ctx context.Context, name, hostname, target string) (*RouteResult, error)
	// DeleteRoute removes the route. Deleting a missing route succeeds.
	DeleteRoute(ctx context.Context, name string) error
	// GetRoute returns the route or an errdefs.ErrNotFound error.
	GetRoute(ctx context.Context, name string) (*Route, error)
}

// RouteConflictError reports a hostname already bound to another route.
type RouteConflictError struct {
	Hostname string
	Route    string
	// Owner is the route currently holding the hostname, empty when the
	// hostname is bound outside paasd.
	Owner string
}

func (e *RouteConflictError) Error() string {
	owner := e.Owner
	if owner == "" {
		owner = "an unmanaged record"
	}
	return fmt.Sprintf("hostname %s requested by route %s is bound to %s", e.Hostname, e.Route, owner)
}

func (e *RouteConflictError) Is(target error) bool { return target == errdefs.ErrConflict }

// Target is a parsed internal target address.
type Target struct {
	Service string
	// Namespace is empty when the target is a bare service name.
	Namespace string
	Port      int
}

// ParseTarget parses "service:port" or "service.namespace[.svc.cluster.local]:port".
func ParseTarget(target string) (Target, error) {
	host, portStr, err := net.SplitHostPort(target)
	if err != nil {
		return Target{}, errdefs.Validation("invalid route target %q: %v", target, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return Target{}, errdefs.Validation("invalid route target port %q", portStr)
	}
	labels := strings.Split(host, ".")
	for _, l := range labels {
		if errs := validation.IsDNS1123Label(l); len(errs) > 0 {
			return Target{}, errdefs.Validation("invalid route target host %q: %v", host, errs)
		}
	}
	t := Target{Service: labels[0], Port: port}
	if len(labels) > 1 {
		t.Namespace = labels[1]
	}
	return t, nil
}

// ServiceAddress returns the in-cluster address of a service port.
func ServiceAddress(service, namespace string, port int) string {
	return fmt.Sprintf("%s.%s.svc.cluster.local:%d", service, namespace, port)
}

// ValidateRoute checks the arguments of UpsertRoute.
func ValidateRoute(name, hostname, target string) error {
	if errs := validation.IsDNS1123Label(name); len(errs) > 0 {
		return errdefs.Validation("invalid route name %q: %v", name, errs)
	}
	if errs := validation.IsDNS1123Subdomain(hostname); len(errs) > 0 {
		return errdefs.Validation("invalid route hostname %q: %v", hostname, errs)
	}
	_, err := ParseTarget(target)
	return err
}
