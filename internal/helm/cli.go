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

package helm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/woowtech/paasd/internal/errdefs"
	"github.com/woowtech/paasd/internal/metrics"
)

// DefaultTimeout applies when a caller passes a zero timeout.
const DefaultTimeout = 5 * time.Minute

// Runner executes the helm binary. stdin may be nil.
type Runner interface {
	Run(ctx context.Context, stdin []byte, args ...string) (stdout, stderr []byte, err error)
}

// ExecRunner runs helm as a child process.
type ExecRunner struct {
	// Binary is the helm executable, "helm" when empty.
	Binary string
	// Env is appended to the inherited environment, e.g. KUBECONFIG.
	Env []string
}

// Run implements Runner.
func (r *ExecRunner) Run(ctx context.Context, stdin []byte, args ...string) ([]byte, []byte, error) {
	bin := r.Binary
	if bin == "" {
		bin = "helm"
	}
	cmd := exec.CommandContext(ctx, bin, args...)
	if len(r.Env) > 0 {
		cmd.Env = append(cmd.Environ(), r.Env...)
	}
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

var _ Manager = (*CLI)(nil)

// CLI implements Manager by driving the helm command line.
type CLI struct {
	runner Runner

	// QueryTimeout bounds status and history calls. Zero means DefaultTimeout.
	QueryTimeout time.Duration
}

// NewCLI creates a Manager over runner.
func NewCLI(runner Runner) *CLI {
	return &CLI{runner: runner, QueryTimeout: DefaultTimeout}
}

// releaseJSON is the subset of `helm ... -o json` output paasd reads.
type releaseJSON struct {
	Name      string `json:"name"`
	Namespace string `json:"namespace"`
	Version   int    `json:"version"`
	Info      struct {
		Status       string    `json:"status"`
		Description  string    `json:"description"`
		LastDeployed time.Time `json:"last_deployed"`
	} `json:"info"`
	Chart struct {
		Metadata struct {
			Name       string `json:"name"`
			Version    string `json:"version"`
			AppVersion string `json:"appVersion"`
		} `json:"metadata"`
	} `json:"chart"`
}

type historyJSON struct {
	Revision    int       `json:"revision"`
	Updated     time.Time `json:"updated"`
	Status      string    `json:"status"`
	Chart       string    `json:"chart"`
	AppVersion  string    `json:"app_version"`
	Description string    `json:"description"`
}

// call runs helm under the timeout and normalizes any failure.
func (c *CLI) call(ctx context.Context, op, namespace, release string, timeout time.Duration, stdin []byte, args ...string) ([]byte, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	logger := log.FromContext(ctx).WithValues("op", op, "namespace", namespace, "release", release)
	logger.V(1).Info("Running helm", "args", strings.Join(args, " "))
	start := time.Now()

	stdout, stderr, err := c.runner.Run(ctx, stdin, args...)
	metrics.RecordHelmOperation(op, time.Since(start), err)
	if err == nil {
		return stdout, nil
	}

	diag := strings.TrimSpace(string(stderr))
	rerr := &ReleaseError{Op: op, Namespace: namespace, Release: release, Diagnostic: diag, Err: err}
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded), isHelmTimeout(diag):
		rerr.Kind = errdefs.ErrRemoteTimeout
		rerr.State = StatusUnknown
	case isNotFound(diag):
		rerr.Kind = errdefs.ErrNotFound
	default:
		rerr.Kind = errdefs.ErrRemoteFailure
	}
	logger.Info("helm failed", "kind", rerr.Kind, "diagnostic", diag)
	return nil, rerr
}

func isNotFound(diag string) bool {
	return strings.Contains(diag, "release: not found") || strings.Contains(diag, "not found: release")
}

func isHelmTimeout(diag string) bool {
	return strings.Contains(diag, "timed out waiting for the condition") ||
		strings.Contains(diag, "context deadline exceeded")
}

func chartArgs(chart Chart) []string {
	var args []string
	switch {
	case strings.HasPrefix(chart.Repository, "oci://"):
		args = append(args, strings.TrimSuffix(chart.Repository, "/")+"/"+chart.Name)
	case chart.Repository != "":
		args = append(args, chart.Name, "--repo", chart.Repository)
	default:
		args = append(args, chart.Name)
	}
	if chart.Version != "" {
		args = append(args, "--version", chart.Version)
	}
	return args
}

func waitArgs(namespace string, timeout time.Duration) []string {
	return []string{"--namespace", namespace, "--wait", "--timeout", timeout.String()}
}

func orDefault(timeout time.Duration) time.Duration {
	if timeout <= 0 {
		return DefaultTimeout
	}
	return timeout
}

func (c *CLI) deploy(ctx context.Context, op, namespace, release string, chart Chart, values map[string]any, timeout time.Duration) (*Release, error) {
	timeout = orDefault(timeout)
	doc, err := Render(nil, values)
	if err != nil {
		return nil, &ReleaseError{Op: op, Namespace: namespace, Release: release, Kind: errdefs.ErrValidation, Err: err}
	}

	args := append([]string{op, release}, chartArgs(chart)...)
	args = append(args, waitArgs(namespace, timeout)...)
	args = append(args, "--values", "-", "--output", "json")

	out, err := c.call(ctx, op, namespace, release, timeout, doc, args...)
	if err != nil {
		return nil, err
	}
	return parseRelease(op, namespace, release, out)
}

// Install implements Manager.
func (c *CLI) Install(ctx context.Context, namespace, release string, chart Chart, values map[string]any, timeout time.Duration) (*Release, error) {
	return c.deploy(ctx, "install", namespace, release, chart, values, timeout)
}

// Upgrade implements Manager.
func (c *CLI) Upgrade(ctx context.Context, namespace, release string, chart Chart, values map[string]any, timeout time.Duration) (*Release, error) {
	cur, err := c.Status(ctx, namespace, release)
	if err != nil {
		return nil, err
	}
	if !cur.Status.Upgradable() {
		return nil, &ReleaseError{
			Op:        "upgrade",
			Namespace: namespace,
			Release:   release,
			Kind:      errdefs.ErrConflict,
			State:     cur.Status,
			Err:       fmt.Errorf("release is %s", cur.Status),
		}
	}
	return c.deploy(ctx, "upgrade", namespace, release, chart, values, timeout)
}

// Rollback implements Manager.
func (c *CLI) Rollback(ctx context.Context, namespace, release string, revision int, timeout time.Duration) error {
	timeout = orDefault(timeout)
	args := []string{"rollback", release}
	if revision > 0 {
		args = append(args, strconv.Itoa(revision))
	}
	args = append(args, waitArgs(namespace, timeout)...)
	_, err := c.call(ctx, "rollback", namespace, release, timeout, nil, args...)
	return err
}

// Uninstall implements Manager.
func (c *CLI) Uninstall(ctx context.Context, namespace, release string, timeout time.Duration) error {
	timeout = orDefault(timeout)
	args := append([]string{"uninstall", release}, waitArgs(namespace, timeout)...)
	_, err := c.call(ctx, "uninstall", namespace, release, timeout, nil, args...)
	return err
}

// Status implements Manager.
func (c *CLI) Status(ctx context.Context, namespace, release string) (*Release, error) {
	out, err := c.call(ctx, "status", namespace, release, orDefault(c.QueryTimeout), nil,
		"status", release, "--namespace", namespace, "--output", "json")
	if err != nil {
		return nil, err
	}
	return parseRelease("status", namespace, release, out)
}

// History implements Manager.
func (c *CLI) History(ctx context.Context, namespace, release string) ([]Release, error) {
	out, err := c.call(ctx, "history", namespace, release, orDefault(c.QueryTimeout), nil,
		"history", release, "--namespace", namespace, "--output", "json")
	if err != nil {
		return nil, err
	}

	var entries []historyJSON
	if err := json.Unmarshal(out, &entries); err != nil {
		return nil, malformed("history", namespace, release, out, err)
	}
	revs := make([]Release, 0, len(entries))
	for _, e := range entries {
		revs = append(revs, Release{
			Name:        release,
			Namespace:   namespace,
			Chart:       e.Chart,
			AppVersion:  e.AppVersion,
			Revision:    e.Revision,
			Status:      Status(e.Status),
			Description: e.Description,
			Updated:     e.Updated,
		})
	}
	return revs, nil
}

func parseRelease(op, namespace, release string, out []byte) (*Release, error) {
	var r releaseJSON
	if err := json.Unmarshal(out, &r); err != nil {
		return nil, malformed(op, namespace, release, out, err)
	}
	if r.Name == "" || r.Info.Status == "" {
		return nil, malformed(op, namespace, release, out, errors.New("missing name or status"))
	}
	chart := r.Chart.Metadata.Name
	if r.Chart.Metadata.Version != "" {
		chart += "-" + r.Chart.Metadata.Version
	}
	return &Release{
		Name:        r.Name,
		Namespace:   r.Namespace,
		Chart:       chart,
		AppVersion:  r.Chart.Metadata.AppVersion,
		Revision:    r.Version,
		Status:      Status(r.Info.Status),
		Description: r.Info.Description,
		Updated:     r.Info.LastDeployed,
	}, nil
}

func malformed(op, namespace, release string, out []byte, err error) error {
	diag := string(out)
	if len(diag) > 256 {
		cut := 256
		for cut > 0 && !utf8.RuneStart(diag[cut]) {
			cut--
		}
		diag = diag[:cut] + "..."
	}
	return &ReleaseError{
		Op:         op,
		Namespace:  namespace,
		Release:    release,
		Kind:       errdefs.ErrRemoteFailure,
		Diagnostic: "malformed output: " + diag,
		Err:        err,
	}
}
