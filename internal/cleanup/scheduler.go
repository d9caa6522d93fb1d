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

package cleanup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"sigs.k8s.io/controller-runtime/pkg/log"

	paasv1alpha1 "github.com/woowtech/paasd/api/v1alpha1"
	"github.com/woowtech/paasd/internal/lease"
	"github.com/woowtech/paasd/internal/metrics"
	"github.com/woowtech/paasd/internal/runstore"
)

// Scheduler prunes expired leases and old initialization runs.
type Scheduler struct {
	leases    lease.Store
	runs      runstore.Store
	interval  time.Duration
	retention time.Duration
	now       func() time.Time
}

// NewScheduler returns a janitor that runs every interval and keeps
// succeeded runs for retention.
func NewScheduler(leases lease.Store, runs runstore.Store, interval, retention time.Duration) *Scheduler {
	return &Scheduler{
		leases:    leases,
		runs:      runs,
		interval:  interval,
		retention: retention,
		now:       time.Now,
	}
}

// NeedLeaderElection implements manager.LeaderElectionRunnable.
func (s *Scheduler) NeedLeaderElection() bool {
	return true
}

// Start runs a pass every interval until ctx is cancelled. A failed pass is
// logged and retried on the next tick.
func (s *Scheduler) Start(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	logger := log.FromContext(ctx).WithName("janitor")
	logger.Info("Starting janitor", "interval", s.interval, "retention", s.retention)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.cleanup(ctx); err != nil {
				logger.Error(err, "cleanup pass failed")
			}
		}
	}
}

// cleanup performs a single pass. Both prunes are attempted even when the
// first fails.
func (s *Scheduler) cleanup(ctx context.Context) error {
	logger := log.FromContext(ctx)
	now := s.now()

	var errs []error
	pruned, err := s.leases.PruneExpired(ctx, now)
	if err != nil {
		errs = append(errs, fmt.Errorf("failed to prune leases: %w", err))
	}
	metrics.RecordPruned("lease", pruned)

	deleted, err := s.pruneRuns(ctx, now)
	if err != nil {
		errs = append(errs, err)
	}
	metrics.RecordPruned("initialization_run", deleted)

	if pruned > 0 || deleted > 0 {
		logger.Info("Janitor pass finished", "leases", pruned, "runs", deleted)
	}
	return errors.Join(errs...)
}

func (s *Scheduler) pruneRuns(ctx context.Context, now time.Time) (int, error) {
	runs, err := s.runs.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list initialization runs: %w", err)
	}

	deleted := 0
	for _, run := range runs {
		if !expired(run, now, s.retention) {
			continue
		}
		if err := s.runs.Delete(ctx, run.Key); err != nil {
			return deleted, fmt.Errorf("failed to delete initialization run %s: %w", run.Key, err)
		}
		log.FromContext(ctx).V(1).Info("Deleted initialization run", "run", run.Key.String(), "completedAt", run.CompletedAt)
		deleted++
	}
	return deleted, nil
}

func expired(run *paasv1alpha1.InitializationRun, now time.Time, retention time.Duration) bool {
	if run.Phase != paasv1alpha1.RunSucceeded || run.CompletedAt == nil {
		return false
	}
	return run.CompletedAt.Add(retention).Before(now)
}
