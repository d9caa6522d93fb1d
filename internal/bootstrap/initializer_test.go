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

package bootstrap

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"k8s.io/apimachinery/pkg/util/wait"

	paasv1alpha1 "github.com/woowtech/paasd/api/v1alpha1"
	"github.com/woowtech/paasd/internal/bootstrap/n8ntest"
	"github.com/woowtech/paasd/internal/catalog"
	"github.com/woowtech/paasd/internal/cluster"
	"github.com/woowtech/paasd/internal/cluster/clustertest"
	"github.com/woowtech/paasd/internal/errdefs"
	"github.com/woowtech/paasd/internal/lease"
	"github.com/woowtech/paasd/internal/runstore"
)

const (
	testNamespace = "paas-ws-demo"
	testRelease   = "n8n-fc274842"
	testPod       = "n8n-fc274842-7d9f-x2k4p"
)

var templates = map[string]string{
	"n8n": `chart:
  name: n8n
port: 80
init:
  kind: n8n
  secret: "{{ .Release }}-api"
  sidecar: credential-sync
`,
	"static": `chart:
  name: nginx
port: 8080
`,
	"mystery": `chart:
  name: mystery
port: 80
init:
  kind: mystery
`,
}

type fixture struct {
	init   *Initializer
	n8n    *n8ntest.Server
	gw     *clustertest.Fake
	runs   *runstore.MemoryStore
	leases *lease.MemoryStore
	urls   []string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	for slug, body := range templates {
		if err := os.WriteFile(filepath.Join(dir, slug+".yaml"), []byte(body), 0o600); err != nil {
			t.Fatalf("write template: %v", err)
		}
	}

	f := &fixture{
		n8n:    n8ntest.NewServer(),
		gw:     clustertest.NewFake(),
		runs:   runstore.NewMemoryStore(),
		leases: lease.NewMemoryStore(),
	}
	t.Cleanup(f.n8n.Close)
	f.gw.AddPod(testNamespace, testPod, map[string]string{InstanceLabel: testRelease}, "n8n", "credential-sync")

	cfg := Config{
		Timeout: 10 * time.Second,
		ServiceURL: func(namespace, service string, port int) string {
			f.urls = append(f.urls, defaultServiceURL(namespace, service, port))
			return f.n8n.URL
		},
	}
	kind := N8n(f.gw, N8nConfig{Backoff: wait.Backoff{Duration: time.Millisecond, Factor: 1, Steps: 5}})
	f.init = NewInitializer(f.runs, f.leases, catalog.NewFileSource(dir), cfg, kind)
	return f
}

func request() Request {
	return Request{
		Namespace:     testNamespace,
		Release:       testRelease,
		App:           "n8n",
		OwnerEmail:    "admin@demo",
		OwnerPassword: "secret123",
	}
}

func statuses(run *paasv1alpha1.InitializationRun) map[string]paasv1alpha1.StepStatus {
	out := map[string]paasv1alpha1.StepStatus{}
	for _, s := range run.Steps {
		out[s.Name] = s.Status
	}
	return out
}

func TestInitializeN8n(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.init.Initialize(ctx, request())
	if err != nil {
		t.Fatalf("Initialize() unexpected error: %v", err)
	}
	keys := f.n8n.Keys()
	if len(keys) != 1 {
		t.Fatalf("issued %d keys, want 1", len(keys))
	}
	want := &Result{Success: true, RunID: res.RunID, APIKey: keys[0], OwnerEmail: "admin@demo"}
	if diff := cmp.Diff(want, res); diff != "" {
		t.Errorf("Initialize() mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"http://n8n-fc274842.paas-ws-demo.svc.cluster.local:80"}, f.urls); diff != "" {
		t.Errorf("service URL mismatch (-want +got):\n%s", diff)
	}

	run, err := f.init.Run(ctx, request().Key())
	if err != nil {
		t.Fatalf("Run() unexpected error: %v", err)
	}
	wantSteps := map[string]paasv1alpha1.StepStatus{
		StepAwaitReady:        paasv1alpha1.StepSucceeded,
		StepCreateOwner:       paasv1alpha1.StepSucceeded,
		StepIssueCredential:   paasv1alpha1.StepSucceeded,
		StepPersistCredential: paasv1alpha1.StepSucceeded,
	}
	if diff := cmp.Diff(wantSteps, statuses(run)); diff != "" {
		t.Errorf("step statuses mismatch (-want +got):\n%s", diff)
	}
	if run.Phase != paasv1alpha1.RunSucceeded || run.CompletedAt == nil {
		t.Errorf("run phase = %s, completedAt = %v", run.Phase, run.CompletedAt)
	}

	if got := string(f.gw.Secret(testNamespace, "n8n-fc274842-api")["N8N_API_KEY"]); got != keys[0] {
		t.Errorf("secret key = %q, want %q", got, keys[0])
	}
	if len(f.gw.Execs) != 1 {
		t.Fatalf("made %d execs, want 1", len(f.gw.Execs))
	}
	exec := f.gw.Execs[0]
	if exec.Pod != testPod || exec.Container != "credential-sync" {
		t.Errorf("exec went to %s/%s", exec.Pod, exec.Container)
	}
	if exec.Stdin != "N8N_API_KEY="+keys[0]+"\n" {
		t.Errorf("exec stdin = %q", exec.Stdin)
	}
}

func TestInitializeSucceededRunMakesNoRemoteCalls(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.init.Initialize(ctx, request())
	if err != nil {
		t.Fatalf("Initialize() unexpected error: %v", err)
	}
	calls := f.gw.CallCount()
	logins := f.n8n.Requests("POST /rest/login")

	second, err := f.init.Initialize(ctx, request())
	if err != nil {
		t.Fatalf("second Initialize() unexpected error: %v", err)
	}
	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("second result differs (-first +second):\n%s", diff)
	}
	if got := f.gw.CallCount(); got != calls {
		t.Errorf("second call made %d gateway calls", got-calls)
	}
	if got := f.n8n.Requests("POST /rest/login"); got != logins {
		t.Errorf("second call logged in %d times", got-logins)
	}
	if got := len(f.n8n.Keys()); got != 1 {
		t.Errorf("issued %d keys, want 1", got)
	}
}

func TestInitializeResumesAtFirstIncompleteStep(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// The owner exists because an earlier run created it before failing.
	f.n8n.SetOwner("admin@demo", "secret123")
	done := time.Now().Add(-time.Minute)
	seed := &paasv1alpha1.InitializationRun{
		ID:         "3b0a5f5e-0d9c-4d55-8a57-0c7d1b0c1f00",
		Key:        request().Key(),
		Phase:      paasv1alpha1.RunFailed,
		OwnerEmail: "admin@demo",
		Steps: []paasv1alpha1.StepRecord{
			{Name: StepAwaitReady, Status: paasv1alpha1.StepSucceeded, Attempts: 1, FinishedAt: &done},
			{Name: StepCreateOwner, Status: paasv1alpha1.StepSucceeded, Attempts: 1, FinishedAt: &done},
			{Name: StepIssueCredential, Status: paasv1alpha1.StepFailed, Attempts: 1, Error: "issue-credential: HTTP 500"},
			{Name: StepPersistCredential, Status: paasv1alpha1.StepNotStarted},
		},
	}
	if err := f.runs.Create(ctx, seed); err != nil {
		t.Fatalf("seed run: %v", err)
	}

	res, err := f.init.Initialize(ctx, request())
	if err != nil {
		t.Fatalf("Initialize() unexpected error: %v", err)
	}
	if !res.Success || res.RunID != seed.ID {
		t.Fatalf("Initialize() = %+v, want success of run %s", res, seed.ID)
	}

	if got := f.gw.Count("DeploymentsReady"); got != 0 {
		t.Errorf("await-ready polled the cluster %d times", got)
	}
	if got := f.n8n.Requests("GET /healthz"); got != 0 {
		t.Errorf("await-ready probed health %d times", got)
	}
	if got := f.n8n.Requests("POST /rest/owner/setup"); got != 0 {
		t.Errorf("create-owner ran %d times", got)
	}
	if got := f.n8n.Requests("POST /rest/api-keys"); got != 1 {
		t.Errorf("issue-credential minted %d keys, want 1", got)
	}

	run, _ := f.init.Run(ctx, request().Key())
	if s := run.Step(StepIssueCredential); s.Attempts != 2 || s.Error != "" {
		t.Errorf("issue-credential record = %+v, want second clean attempt", s)
	}
	if s := run.Step(StepCreateOwner); s.Attempts != 1 {
		t.Errorf("create-owner attempts = %d, want 1", s.Attempts)
	}
}

func TestCreateOwner(t *testing.T) {
	tests := []struct {
		name       string
		owner      []string
		wantOK     bool
		wantOutput string
	}{
		{name: "fresh instance", wantOK: true, wantOutput: "created"},
		{name: "owner with matching credentials", owner: []string{"admin@demo", "secret123"}, wantOK: true, wantOutput: "existing"},
		{name: "owner with other credentials", owner: []string{"root@demo", "hunter22"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			if tt.owner != nil {
				f.n8n.SetOwner(tt.owner[0], tt.owner[1])
			}

			res, err := f.init.Initialize(context.Background(), request())
			if err != nil {
				t.Fatalf("Initialize() unexpected error: %v", err)
			}
			if res.Success != tt.wantOK {
				t.Fatalf("Initialize() success = %v, want %v (%s)", res.Success, tt.wantOK, res.Error)
			}
			run, _ := f.init.Run(context.Background(), request().Key())
			if tt.wantOK {
				if got := run.Step(StepCreateOwner).Outputs["owner"]; got != tt.wantOutput {
					t.Errorf("owner output = %q, want %q", got, tt.wantOutput)
				}
				return
			}
			if res.FailedStep != StepCreateOwner || !strings.HasPrefix(res.Error, "create-owner: ") {
				t.Errorf("failure = %q / %q, want create-owner", res.FailedStep, res.Error)
			}
			if got := run.Step(StepIssueCredential).Status; got != paasv1alpha1.StepNotStarted {
				t.Errorf("issue-credential status = %s, want not-started", got)
			}
			if len(f.n8n.Keys()) != 0 {
				t.Errorf("issued a key after owner creation failed")
			}
		})
	}
}

func TestIssueCredentialFailureIsStepAttributed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.n8n.FailWith("POST /rest/api-keys", 500)

	res, err := f.init.Initialize(ctx, request())
	if err != nil {
		t.Fatalf("Initialize() unexpected error: %v", err)
	}
	if res.Success || res.FailedStep != StepIssueCredential {
		t.Fatalf("Initialize() = %+v, want issue-credential failure", res)
	}
	if strings.Contains(res.Error, "node_modules") || strings.Contains(res.Error, "\n") {
		t.Errorf("error carries a remote trace: %q", res.Error)
	}
	run, _ := f.init.Run(ctx, request().Key())
	if run.Phase != paasv1alpha1.RunFailed {
		t.Errorf("run phase = %s, want failed", run.Phase)
	}

	f.n8n.FailWith("POST /rest/api-keys", 0)
	res, err = f.init.Initialize(ctx, request())
	if err != nil || !res.Success {
		t.Fatalf("retry = %+v, %v, want success", res, err)
	}
	if got := f.n8n.Requests("POST /rest/owner/setup"); got != 1 {
		t.Errorf("owner setup ran %d times, want 1", got)
	}
}

func TestPersistCredentialRetrySkipsFinishedTargets(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.gw.ExecFn = func(clustertest.ExecCall) (*cluster.ExecResult, error) {
		return nil, errors.New("container credential-sync is not running")
	}

	res, err := f.init.Initialize(ctx, request())
	if err != nil {
		t.Fatalf("Initialize() unexpected error: %v", err)
	}
	if res.Success || res.FailedStep != StepPersistCredential {
		t.Fatalf("Initialize() = %+v, want persist-credential failure", res)
	}
	if !strings.Contains(res.Error, "pod/"+testPod) {
		t.Errorf("error %q does not name the failed sub-target", res.Error)
	}
	if got := f.gw.Count("MergeSecret"); got != 1 {
		t.Fatalf("MergeSecret calls = %d, want 1", got)
	}

	f.gw.ExecFn = nil
	res, err = f.init.Initialize(ctx, request())
	if err != nil || !res.Success {
		t.Fatalf("retry = %+v, %v, want success", res, err)
	}
	if got := f.gw.Count("MergeSecret"); got != 1 {
		t.Errorf("retry rewrote the secret: MergeSecret calls = %d", got)
	}
	if got := f.gw.Count("Exec"); got != 2 {
		t.Errorf("Exec calls = %d, want 2", got)
	}
}

func TestAwaitReadyTimesOut(t *testing.T) {
	f := newFixture(t)
	f.gw.Ready = func(string, map[string]string) bool { return false }

	res, err := f.init.Initialize(context.Background(), request())
	if err != nil {
		t.Fatalf("Initialize() unexpected error: %v", err)
	}
	if res.Success || res.FailedStep != StepAwaitReady {
		t.Fatalf("Initialize() = %+v, want await-ready failure", res)
	}
	if !strings.Contains(res.Error, "not ready") {
		t.Errorf("error = %q", res.Error)
	}
	if got := f.gw.Count("DeploymentsReady"); got != 5 {
		t.Errorf("polled %d times, want 5", got)
	}
	if got := f.n8n.Requests("POST /rest/owner/setup"); got != 0 {
		t.Errorf("create-owner ran before the release was ready")
	}
}

func TestAwaitReadyWaitsForHealth(t *testing.T) {
	f := newFixture(t)
	f.n8n.UnhealthyFor(2)

	res, err := f.init.Initialize(context.Background(), request())
	if err != nil || !res.Success {
		t.Fatalf("Initialize() = %+v, %v, want success", res, err)
	}
	if got := f.n8n.Requests("GET /healthz"); got != 3 {
		t.Errorf("health probes = %d, want 3", got)
	}
}

func TestInitializeConflictsWithHeldLease(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	key := lease.InitKey(testNamespace, testRelease, "n8n")
	if _, err := f.leases.Acquire(ctx, key, "other-replica", time.Minute); err != nil {
		t.Fatalf("Acquire() unexpected error: %v", err)
	}

	_, err := f.init.Initialize(ctx, request())
	if !errors.Is(err, errdefs.ErrConflict) {
		t.Fatalf("Initialize() error = %v, want ErrConflict", err)
	}
	if f.gw.CallCount() != 0 {
		t.Errorf("made %d gateway calls while the run was held", f.gw.CallCount())
	}
}

func TestInitializeRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Request)
		want   error
	}{
		{name: "empty password", mutate: func(r *Request) { r.OwnerPassword = "" }, want: errdefs.ErrValidation},
		{name: "bad email", mutate: func(r *Request) { r.OwnerEmail = "admin" }, want: errdefs.ErrValidation},
		{name: "bad release", mutate: func(r *Request) { r.Release = "N8N" }, want: errdefs.ErrValidation},
		{name: "app without init", mutate: func(r *Request) { r.App = "static" }, want: errdefs.ErrValidation},
		{name: "unknown kind", mutate: func(r *Request) { r.App = "mystery" }, want: errdefs.ErrValidation},
		{name: "unknown app", mutate: func(r *Request) { r.App = "ghost" }, want: errdefs.ErrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			req := request()
			tt.mutate(&req)
			_, err := f.init.Initialize(context.Background(), req)
			if !errors.Is(err, tt.want) {
				t.Errorf("Initialize() error = %v, want %v", err, tt.want)
			}
			if f.gw.CallCount() != 0 {
				t.Errorf("made %d gateway calls", f.gw.CallCount())
			}
		})
	}
}

func TestInitializeRejectsOtherOwnerAfterCreation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.n8n.FailWith("POST /rest/api-keys", 500)
	if _, err := f.init.Initialize(ctx, request()); err != nil {
		t.Fatalf("Initialize() unexpected error: %v", err)
	}

	req := request()
	req.OwnerEmail = "someone@demo"
	if _, err := f.init.Initialize(ctx, req); !errors.Is(err, errdefs.ErrConflict) {
		t.Errorf("Initialize() with another owner error = %v, want ErrConflict", err)
	}
}
