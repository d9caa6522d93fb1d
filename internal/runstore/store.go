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

// Package runstore persists InitializationRun records so that a bootstrap
// interrupted by a failure or a process restart resumes where it stopped.
package runstore

import (
	"context"
	"strconv"
	"sync"

	paasv1alpha1 "github.com/woowtech/paasd/api/v1alpha1"
	"github.com/woowtech/paasd/internal/errdefs"
)

// Store persists initialization runs keyed by (namespace, release, kind).
type Store interface {
	// Get returns the run for key or an errdefs.ErrNotFound error.
	Get(ctx context.Context, key paasv1alpha1.RunKey) (*paasv1alpha1.InitializationRun, error)
	// Create stores a new run and sets its Version. Fails with
	// errdefs.ErrAlreadyExists when a run for the key exists.
	Create(ctx context.Context, run *paasv1alpha1.InitializationRun) error
	// Update overwrites the run if its Version is current and sets the new
	// Version. A stale Version fails with errdefs.ErrConflict.
	Update(ctx context.Context, run *paasv1alpha1.InitializationRun) error
	// Delete removes the run. Deleting a missing run is not an error.
	Delete(ctx context.Context, key paasv1alpha1.RunKey) error
	// List returns every stored run.
	List(ctx context.Context) ([]*paasv1alpha1.InitializationRun, error)
}

var _ Store = (*MemoryStore)(nil)

// MemoryStore keeps runs in process memory, for tests and development.
type MemoryStore struct {
	mu      sync.Mutex
	runs    map[paasv1alpha1.RunKey]*paasv1alpha1.InitializationRun
	version int
}

// NewMemoryStore creates an empty in-memory run store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{runs: map[paasv1alpha1.RunKey]*paasv1alpha1.InitializationRun{}}
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, key paasv1alpha1.RunKey) (*paasv1alpha1.InitializationRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[key]
	if !ok {
		return nil, errdefs.NotFound("initialization run", key.String())
	}
	return run.DeepCopy(), nil
}

// Create implements Store.
func (s *MemoryStore) Create(_ context.Context, run *paasv1alpha1.InitializationRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[run.Key]; ok {
		return errdefs.AlreadyExists("initialization run", run.Key.String())
	}
	s.store(run)
	return nil
}

// Update implements Store.
func (s *MemoryStore) Update(_ context.Context, run *paasv1alpha1.InitializationRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.runs[run.Key]
	if !ok {
		return errdefs.NotFound("initialization run", run.Key.String())
	}
	if cur.Version != run.Version {
		return errdefs.Conflict("initialization run %s was modified concurrently", run.Key)
	}
	s.store(run)
	return nil
}

func (s *MemoryStore) store(run *paasv1alpha1.InitializationRun) {
	s.version++
	run.Version = strconv.Itoa(s.version)
	s.runs[run.Key] = run.DeepCopy()
}

// Delete implements Store.
func (s *MemoryStore) Delete(_ context.Context, key paasv1alpha1.RunKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.runs, key)
	return nil
}

// List implements Store.
func (s *MemoryStore) List(_ context.Context) ([]*paasv1alpha1.InitializationRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*paasv1alpha1.InitializationRun, 0, len(s.runs))
	for _, run := range s.runs {
		out = append(out, run.DeepCopy())
	}
	return out, nil
}
