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

package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/woowtech/paasd/internal/errdefs"
	"github.com/woowtech/paasd/internal/lease"
)

var _ lease.Store = (*LeaseStore)(nil)

// LeaseStore implements lease.Store on the paasd_leases table. Every write
// is conditioned on the row version it read.
type LeaseStore struct {
	db  *gorm.DB
	now func() time.Time
}

// NewLeaseStore creates a lease store on db.
func NewLeaseStore(db *gorm.DB) *LeaseStore {
	return &LeaseStore{db: db, now: time.Now}
}

// SetClock replaces the time source.
func (s *LeaseStore) SetClock(now func() time.Time) { s.now = now }

// errStaleLease reports a row changed between read and versioned update.
var errStaleLease = errors.New("lease row changed concurrently")

// acquireAttempts bounds re-reads after a versioned update lost a race.
const acquireAttempts = 5

// Acquire implements lease.Store. A renewal racing another writer of the
// same row is retried against the fresh row.
func (s *LeaseStore) Acquire(ctx context.Context, key, holder string, ttl time.Duration) (*lease.Lease, error) {
	for range acquireAttempts {
		l, err := s.acquire(ctx, key, holder, ttl)
		if !errors.Is(err, errStaleLease) {
			return l, err
		}
	}
	return nil, &lease.HeldError{Key: key, Holder: "another replica", ExpiresAt: s.now().Add(ttl)}
}

func (s *LeaseStore) acquire(ctx context.Context, key, holder string, ttl time.Duration) (*lease.Lease, error) {
	now := s.now()
	seconds := int64(ttl.Round(time.Second) / time.Second)
	if seconds < 1 {
		seconds = 1
	}

	var m LeaseModel
	err := s.db.WithContext(ctx).First(&m, "lease_key = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		m = LeaseModel{
			LeaseKey:        key,
			Holder:          holder,
			AcquiredAt:      now,
			RenewedAt:       now,
			DurationSeconds: seconds,
			Version:         1,
		}
		if err := s.db.WithContext(ctx).Create(&m).Error; err != nil {
			if isUniqueConstraintError(err) {
				return nil, &lease.HeldError{Key: key, Holder: "another replica", ExpiresAt: now.Add(ttl)}
			}
			return nil, fmt.Errorf("failed to create lease %s: %w", key, err)
		}
		return toLease(&m), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get lease %s: %w", key, err)
	}

	cur := toLease(&m)
	if cur.Holder != holder && !cur.Expired(now) {
		return nil, &lease.HeldError{Key: key, Holder: cur.Holder, ExpiresAt: cur.ExpiresAt()}
	}

	updates := map[string]any{
		"holder":           holder,
		"renewed_at":       now,
		"duration_seconds": seconds,
		"version":          m.Version + 1,
	}
	if cur.Holder != holder {
		updates["acquired_at"] = now
	}
	res := s.db.WithContext(ctx).Model(&LeaseModel{}).
		Where("lease_key = ? AND version = ?", key, m.Version).
		Updates(updates)
	if res.Error != nil {
		return nil, fmt.Errorf("failed to renew lease %s: %w", key, res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, errStaleLease
	}

	if cur.Holder != holder {
		m.AcquiredAt = now
	}
	m.Holder = holder
	m.RenewedAt = now
	m.DurationSeconds = seconds
	m.Version++
	return toLease(&m), nil
}

// Release implements lease.Store.
func (s *LeaseStore) Release(ctx context.Context, key, holder string) error {
	err := s.db.WithContext(ctx).
		Where("lease_key = ? AND holder = ?", key, holder).
		Delete(&LeaseModel{}).Error
	if err != nil {
		return fmt.Errorf("failed to release lease %s: %w", key, err)
	}
	return nil
}

// Get implements lease.Store.
func (s *LeaseStore) Get(ctx context.Context, key string) (*lease.Lease, error) {
	var m LeaseModel
	err := s.db.WithContext(ctx).First(&m, "lease_key = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errdefs.NotFound("lease", key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get lease %s: %w", key, err)
	}
	return toLease(&m), nil
}

// PruneExpired implements lease.Store.
func (s *LeaseStore) PruneExpired(ctx context.Context, now time.Time) (int, error) {
	var models []LeaseModel
	if err := s.db.WithContext(ctx).Find(&models).Error; err != nil {
		return 0, fmt.Errorf("failed to list leases: %w", err)
	}

	n := 0
	for i := range models {
		if !toLease(&models[i]).Expired(now) {
			continue
		}
		res := s.db.WithContext(ctx).
			Where("lease_key = ? AND version = ?", models[i].LeaseKey, models[i].Version).
			Delete(&LeaseModel{})
		if res.Error != nil {
			return n, fmt.Errorf("failed to delete lease %s: %w", models[i].LeaseKey, res.Error)
		}
		n += int(res.RowsAffected)
	}
	return n, nil
}

func toLease(m *LeaseModel) *lease.Lease {
	return &lease.Lease{
		Key:        m.LeaseKey,
		Holder:     m.Holder,
		AcquiredAt: m.AcquiredAt,
		RenewedAt:  m.RenewedAt,
		Duration:   time.Duration(m.DurationSeconds) * time.Second,
	}
}
