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

// Package edgetest provides an in-memory edge.Router for tests.
package edgetest

import (
	"context"
	"sync"

	"github.com/woowtech/paasd/internal/edge"
	"github.com/woowtech/paasd/internal/errdefs"
)

// Fake keeps routes in memory and enforces hostname ownership like the
// real routers.
type Fake struct {
	mu     sync.Mutex
	routes map[string]edge.Route

	// UpsertErr and DeleteErr make the calls of that operation fail.
	UpsertErr error
	DeleteErr error

	// Calls records every operation as "op name".
	Calls []string
}

var _ edge.Router = (*Fake)(nil)

// NewFake returns a router without routes.
func NewFake() *Fake {
	return &Fake{routes: map[string]edge.Route{}}
}

// Routes returns a copy of the stored routes keyed by name.
func (f *Fake) Routes() map[string]edge.Route {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]edge.Route, len(f.routes))
	for k, v := range f.routes {
		out[k] = v
	}
	return out
}

func (f *Fake) UpsertRoute(_ context.Context, name, hostname, target string) (*edge.RouteResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, "upsert "+name)

	if f.UpsertErr != nil {
		return nil, f.UpsertErr
	}
	if err := edge.ValidateRoute(name, hostname, target); err != nil {
		return nil, err
	}
	for _, r := range f.routes {
		if r.Hostname == hostname && r.Name != name {
			return nil, &edge.RouteConflictError{Hostname: hostname, Route: name, Owner: r.Name}
		}
	}
	r := edge.Route{Name: name, Hostname: hostname, Target: target, Enabled: true}
	f.routes[name] = r
	return &r, nil
}

func (f *Fake) DeleteRoute(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, "delete "+name)

	if f.DeleteErr != nil {
		return f.DeleteErr
	}
	delete(f.routes, name)
	return nil
}

func (f *Fake) GetRoute(_ context.Context, name string) (*edge.Route, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.routes[name]
	if !ok {
		return nil, errdefs.NotFound("route", name)
	}
	return &r, nil
}
