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
	"sync"
	"time"

	"github.com/woowtech/paasd/internal/errdefs"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore keeps leases in process memory. It only serializes callers
// sharing the process and is meant for tests and single-replica development.
type MemoryStore struct {
	mu     sync.Mutex
	leases map[string]Lease
	now    func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{leases: map[string]Lease{}, now: time.Now}
}

// SetClock replaces the time source.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Acquire implements Store.
func (s *MemoryStore) Acquire(_ context.Context, key, holder string, ttl time.Duration) (*Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	cur, ok := s.leases[key]
	switch {
	case !ok, cur.Expired(now):
		cur = Lease{Key: key, Holder: holder, AcquiredAt: now}
	case cur.Holder != holder:
		return nil, &HeldError{Key: key, Holder: cur.Holder, ExpiresAt: cur.ExpiresAt()}
	}
	cur.RenewedAt = now
	cur.Duration = ttl
	s.leases[key] = cur

	out := cur
	return &out, nil
}

// Release implements Store.
func (s *MemoryStore) Release(_ context.Context, key, holder string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.leases[key]; ok && cur.Holder == holder {
		delete(s.leases, key)
	}
	return nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, key string) (*Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.leases[key]
	if !ok {
		return nil, errdefs.NotFound("lease", key)
	}
	return &cur, nil
}

// PruneExpired implements Store.
func (s *MemoryStore) PruneExpired(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for k, l := range s.leases {
		if l.Expired(now) {
			delete(s.leases, k)
			n++
		}
	}
	return n, nil
}
