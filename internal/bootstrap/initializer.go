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

// Package bootstrap runs the post-deploy initialization of an application:
// an ordered list of named steps, persisted after every transition so that
// a failed or interrupted run resumes at its first step that has not
// succeeded. A step that succeeded is never run again.
//
// Step sequences are supplied per application kind. The n8n kind waits for
// the release to become ready, creates the owner account, mints an API key
// and propagates it into the cluster.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"time"

	"github.com/google/uuid"
	"k8s.io/apimachinery/pkg/util/validation"
	"sigs.k8s.io/controller-runtime/pkg/log"

	paasv1alpha1 "github.com/woowtech/paasd/api/v1alpha1"
	"github.com/woowtech/paasd/internal/catalog"
	"github.com/woowtech/paasd/internal/edge"
	"github.com/woowtech/paasd/internal/errdefs"
	"github.com/woowtech/paasd/internal/lease"
	"github.com/woowtech/paasd/internal/metrics"
	"github.com/woowtech/paasd/internal/runstore"
)

// InstanceLabel selects the workloads of a helm release.
const InstanceLabel = "app.kubernetes.io/instance"

// Request asks for the bootstrap of one release.
type Request struct {
	Namespace string
	Release   string
	// App is the catalog slug of the application. Its template names the
	// step sequence to run.
	App string

	OwnerEmail    string
	OwnerPassword string
}

// Key returns the run key of the request.
func (r Request) Key() paasv1alpha1.RunKey {
	return paasv1alpha1.RunKey{Namespace: r.Namespace, Release: r.Release, Kind: r.App}
}

func (r Request) validate() error {
	if errs := validation.IsDNS1123Label(r.Namespace); len(errs) > 0 {
		return errdefs.Validation("invalid namespace %q: %v", r.Namespace, errs)
	}
	if errs := validation.IsDNS1123Label(r.Release); len(errs) > 0 {
		return errdefs.Validation("invalid release %q: %v", r.Release, errs)
	}
	if err := catalog.ValidSlug(r.App); err != nil {
		return err
	}
	if r.OwnerEmail == "" || r.OwnerPassword == "" {
		return errdefs.Validation("owner email and password are required")
	}
	// n8n accepts local addresses such as admin@demo, so only the syntax is checked.
	if _, err := mail.ParseAddress(r.OwnerEmail); err != nil {
		return errdefs.Validation("invalid owner email %q", r.OwnerEmail)
	}
	return nil
}

// Result is the outcome of Initialize. A step failure is reported here
// rather than as an error.
type Result struct {
	Success    bool
	RunID      string
	APIKey     string
	OwnerEmail string
	FailedStep string
	Error      string
}

// Env is what a step sees of the run it belongs to.
type Env struct {
	Request  Request
	Template *catalog.Template
	// BaseURL is the in-cluster address of the application service.
	BaseURL string

	run    *paasv1alpha1.InitializationRun
	step   string
	record func(ctx context.Context, key, value string) error
}

// Output returns a value captured by an earlier step.
func (e *Env) Output(key string) string {
	return e.run.Output(key)
}

// Done reports whether the current step already recorded key on an earlier
// attempt.
func (e *Env) Done(key string) bool {
	s := e.run.Step(e.step)
	_, ok := s.Outputs[key]
	return ok
}

// Record saves key on the current step immediately, so that a retry of a
// failed step can skip the work it already finished.
func (e *Env) Record(ctx context.Context, key, value string) error {
	return e.record(ctx, key, value)
}

// Step is one unit of a bootstrap sequence. Run returns outputs to capture
// on the run, for example an issued credential.
type Step struct {
	Name string
	Run  func(ctx context.Context, env *Env) (map[string]string, error)
}

// Kind is the step sequence of one kind of application.
type Kind struct {
	Name  string
	Steps []Step
}

// Config configures the Initializer.
type Config struct {
	// Timeout bounds a whole Initialize call.
	Timeout time.Duration
	// LeaseTTL bounds how long a crashed caller keeps the run locked.
	LeaseTTL time.Duration
	// ServiceURL returns the base URL of an application service. It
	// defaults to the cluster DNS name over plain HTTP.
	ServiceURL func(namespace, service string, port int) string
}

func defaultServiceURL(namespace, service string, port int) string {
	return "http://" + edge.ServiceAddress(service, namespace, port)
}

// Initializer drives bootstrap runs.
type Initializer struct {
	runs    runstore.Store
	leases  lease.Store
	catalog catalog.Source
	kinds   map[string]Kind
	cfg     Config
	now     func() time.Time
}

// NewInitializer returns an Initializer that knows the given kinds.
func NewInitializer(runs runstore.Store, leases lease.Store, src catalog.Source, cfg Config, kinds ...Kind) *Initializer {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Minute
	}
	if cfg.ServiceURL == nil {
		cfg.ServiceURL = defaultServiceURL
	}
	m := make(map[string]Kind, len(kinds))
	for _, k := range kinds {
		m[k.Name] = k
	}
	return &Initializer{runs: runs, leases: leases, catalog: src, kinds: m, cfg: cfg, now: time.Now}
}

// Initialize runs the bootstrap of a release, resuming a previous run of
// the same key. Errors are returned for invalid input, a run held by
// another caller and store failures; a failing step yields a Result with
// Success false.
func (i *Initializer) Initialize(ctx context.Context, req Request) (*Result, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	tmpl, err := i.catalog.Get(ctx, req.App)
	if err != nil {
		return nil, err
	}
	if tmpl.Init == nil {
		return nil, errdefs.Validation("application %s needs no initialization", req.App)
	}
	kind, ok := i.kinds[tmpl.Init.Kind]
	if !ok {
		return nil, errdefs.Validation("unknown initialization kind %q", tmpl.Init.Kind)
	}
	svc, err := tmpl.ServiceName(req.Release, req.Namespace)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, i.cfg.Timeout)
	defer cancel()

	env := &Env{Request: req, Template: tmpl, BaseURL: i.cfg.ServiceURL(req.Namespace, svc, tmpl.Port)}
	var res *Result
	err = lease.Do(ctx, i.leases, lease.InitKey(req.Namespace, req.Release, req.App), i.cfg.LeaseTTL, func(ctx context.Context) error {
		var err error
		res, err = i.run(ctx, kind, env)
		return err
	})
	return res, err
}

// Run returns the stored run of key.
func (i *Initializer) Run(ctx context.Context, key paasv1alpha1.RunKey) (*paasv1alpha1.InitializationRun, error) {
	return i.runs.Get(ctx, key)
}

func (i *Initializer) load(ctx context.Context, kind Kind, req Request) (*paasv1alpha1.InitializationRun, error) {
	run, err := i.runs.Get(ctx, req.Key())
	if errors.Is(err, errdefs.ErrNotFound) {
		now := i.now()
		run = &paasv1alpha1.InitializationRun{
			ID:         uuid.NewString(),
			Key:        req.Key(),
			Phase:      paasv1alpha1.RunPending,
			OwnerEmail: req.OwnerEmail,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		for _, s := range kind.Steps {
			run.Steps = append(run.Steps, paasv1alpha1.StepRecord{Name: s.Name, Status: paasv1alpha1.StepNotStarted})
		}
		if err := i.runs.Create(ctx, run); err != nil {
			return nil, fmt.Errorf("failed to create initialization run %s: %w", req.Key(), err)
		}
		return run, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load initialization run %s: %w", req.Key(), err)
	}

	// Steps added to the kind after the run was created are appended.
	for _, s := range kind.Steps {
		if run.Step(s.Name) == nil {
			run.Steps = append(run.Steps, paasv1alpha1.StepRecord{Name: s.Name, Status: paasv1alpha1.StepNotStarted})
		}
	}
	return run, nil
}

func (i *Initializer) save(ctx context.Context, run *paasv1alpha1.InitializationRun) error {
	run.UpdatedAt = i.now()
	// Progress must be recorded even when the caller gave up.
	if err := i.runs.Update(context.WithoutCancel(ctx), run); err != nil {
		return fmt.Errorf("failed to save initialization run %s: %w", run.Key, err)
	}
	return nil
}

func (i *Initializer) run(ctx context.Context, kind Kind, env *Env) (*Result, error) {
	req := env.Request
	logger := log.FromContext(ctx).WithValues("namespace", req.Namespace, "release", req.Release, "kind", kind.Name)

	run, err := i.load(ctx, kind, req)
	if err != nil {
		return nil, err
	}
	if run.Phase == paasv1alpha1.RunSucceeded {
		logger.V(1).Info("Initialization already succeeded", "run", run.ID)
		return resultOf(run), nil
	}
	if run.OwnerEmail != req.OwnerEmail {
		if s := run.Step(StepCreateOwner); s != nil && s.Status == paasv1alpha1.StepSucceeded {
			return nil, errdefs.Conflict("run %s already created owner %s", run.Key, run.OwnerEmail)
		}
		run.OwnerEmail = req.OwnerEmail
	}

	run.Phase = paasv1alpha1.RunRunning
	if err := i.save(ctx, run); err != nil {
		return nil, err
	}
	env.run = run

	steps := make(map[string]Step, len(kind.Steps))
	for _, s := range kind.Steps {
		steps[s.Name] = s
	}

	for idx := run.FirstIncomplete(); idx < len(run.Steps); idx = run.FirstIncomplete() {
		rec := &run.Steps[idx]
		step, ok := steps[rec.Name]
		if !ok {
			return nil, fmt.Errorf("initialization run %s has unknown step %q", run.Key, rec.Name)
		}

		started := i.now()
		rec.Status = paasv1alpha1.StepInProgress
		rec.Attempts++
		rec.StartedAt = &started
		rec.FinishedAt = nil
		rec.Error = ""
		if err := i.save(ctx, run); err != nil {
			return nil, err
		}

		env.step = rec.Name
		env.record = func(ctx context.Context, key, value string) error {
			r := run.Step(env.step)
			if r.Outputs == nil {
				r.Outputs = map[string]string{}
			}
			r.Outputs[key] = value
			return i.save(ctx, run)
		}

		logger.Info("Running initialization step", "step", rec.Name, "attempt", rec.Attempts)
		outputs, stepErr := step.Run(ctx, env)
		metrics.RecordInitStep(kind.Name, rec.Name, stepErr)

		// The record callback may have saved the run, so look the step up again.
		rec = run.Step(step.Name)
		finished := i.now()
		rec.FinishedAt = &finished
		if stepErr != nil {
			rec.Status = paasv1alpha1.StepFailed
			rec.Error = stepErr.Error()
			run.Phase = paasv1alpha1.RunFailed
			logger.Error(stepErr, "Initialization step failed", "step", rec.Name)
			if err := i.save(ctx, run); err != nil {
				return nil, err
			}
			return &Result{
				RunID:      run.ID,
				OwnerEmail: run.OwnerEmail,
				FailedStep: rec.Name,
				Error:      fmt.Sprintf("%s: %v", rec.Name, stepErr),
			}, nil
		}

		rec.Status = paasv1alpha1.StepSucceeded
		if len(outputs) > 0 && rec.Outputs == nil {
			rec.Outputs = make(map[string]string, len(outputs))
		}
		for k, v := range outputs {
			rec.Outputs[k] = v
		}
		if err := i.save(ctx, run); err != nil {
			return nil, err
		}
	}

	completed := i.now()
	run.Phase = paasv1alpha1.RunSucceeded
	run.CompletedAt = &completed
	if err := i.save(ctx, run); err != nil {
		return nil, err
	}
	logger.Info("Initialization succeeded", "run", run.ID)
	return resultOf(run), nil
}

func resultOf(run *paasv1alpha1.InitializationRun) *Result {
	return &Result{
		Success:    run.Phase == paasv1alpha1.RunSucceeded,
		RunID:      run.ID,
		APIKey:     run.Output(OutputAPIKey),
		OwnerEmail: run.OwnerEmail,
	}
}
