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
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"gorm.io/gorm"

	paasv1alpha1 "github.com/woowtech/paasd/api/v1alpha1"
	"github.com/woowtech/paasd/internal/errdefs"
	"github.com/woowtech/paasd/internal/runstore"
)

var _ runstore.Store = (*RunStore)(nil)

// RunStore implements runstore.Store on the paasd_initialization_runs table.
type RunStore struct {
	db *gorm.DB
}

// NewRunStore creates a run store on db.
func NewRunStore(db *gorm.DB) *RunStore {
	return &RunStore{db: db}
}

func keyQuery(db *gorm.DB, key paasv1alpha1.RunKey) *gorm.DB {
	return db.Where("tenant_namespace = ? AND release_name = ? AND kind = ?", key.Namespace, key.Release, key.Kind)
}

// Get implements runstore.Store.
func (s *RunStore) Get(ctx context.Context, key paasv1alpha1.RunKey) (*paasv1alpha1.InitializationRun, error) {
	var m RunModel
	err := keyQuery(s.db.WithContext(ctx), key).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errdefs.NotFound("initialization run", key.String())
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get initialization run %s: %w", key, err)
	}
	return modelToRun(&m)
}

// Create implements runstore.Store.
func (s *RunStore) Create(ctx context.Context, run *paasv1alpha1.InitializationRun) error {
	m, err := runToModel(run)
	if err != nil {
		return err
	}
	m.Version = 1

	if err := s.db.WithContext(ctx).Create(m).Error; err != nil {
		if isUniqueConstraintError(err) {
			return errdefs.AlreadyExists("initialization run", run.Key.String())
		}
		return fmt.Errorf("failed to create initialization run %s: %w", run.Key, err)
	}
	run.Version = strconv.FormatInt(m.Version, 10)
	return nil
}

// Update implements runstore.Store.
func (s *RunStore) Update(ctx context.Context, run *paasv1alpha1.InitializationRun) error {
	version, err := strconv.ParseInt(run.Version, 10, 64)
	if err != nil {
		return errdefs.Conflict("initialization run %s has no stored version", run.Key)
	}
	m, err := runToModel(run)
	if err != nil {
		return err
	}

	res := keyQuery(s.db.WithContext(ctx).Model(&RunModel{}), run.Key).
		Where("version = ?", version).
		Updates(map[string]any{
			"phase":      m.Phase,
			"payload":    m.Payload,
			"version":    version + 1,
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return fmt.Errorf("failed to update initialization run %s: %w", run.Key, res.Error)
	}
	if res.RowsAffected == 0 {
		if _, err := s.Get(ctx, run.Key); err != nil {
			return err
		}
		return errdefs.Conflict("initialization run %s was modified concurrently", run.Key)
	}
	run.Version = strconv.FormatInt(version+1, 10)
	return nil
}

// Delete implements runstore.Store.
func (s *RunStore) Delete(ctx context.Context, key paasv1alpha1.RunKey) error {
	if err := keyQuery(s.db.WithContext(ctx), key).Delete(&RunModel{}).Error; err != nil {
		return fmt.Errorf("failed to delete initialization run %s: %w", key, err)
	}
	return nil
}

// List implements runstore.Store.
func (s *RunStore) List(ctx context.Context) ([]*paasv1alpha1.InitializationRun, error) {
	var models []RunModel
	if err := s.db.WithContext(ctx).Order("created_at").Find(&models).Error; err != nil {
		return nil, fmt.Errorf("failed to list initialization runs: %w", err)
	}
	runs := make([]*paasv1alpha1.InitializationRun, 0, len(models))
	for i := range models {
		run, err := modelToRun(&models[i])
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, nil
}

func runToModel(run *paasv1alpha1.InitializationRun) (*RunModel, error) {
	payload, err := json.Marshal(run)
	if err != nil {
		return nil, fmt.Errorf("failed to encode initialization run %s: %w", run.Key, err)
	}
	return &RunModel{
		TenantNamespace: run.Key.Namespace,
		ReleaseName:     run.Key.Release,
		Kind:            run.Key.Kind,
		ID:              run.ID,
		Phase:           string(run.Phase),
		Payload:         string(payload),
		CreatedAt:       run.CreatedAt,
		UpdatedAt:       run.UpdatedAt,
	}, nil
}

func modelToRun(m *RunModel) (*paasv1alpha1.InitializationRun, error) {
	run := &paasv1alpha1.InitializationRun{}
	if err := json.Unmarshal([]byte(m.Payload), run); err != nil {
		return nil, fmt.Errorf("failed to decode initialization run %s/%s/%s: %w", m.TenantNamespace, m.ReleaseName, m.Kind, err)
	}
	run.Version = strconv.FormatInt(m.Version, 10)
	return run, nil
}
