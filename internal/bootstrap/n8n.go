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
	"fmt"
	"net/http"
	"strings"
	"time"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/util/wait"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/woowtech/paasd/internal/cluster"
)

// Step names of the n8n kind.
const (
	StepAwaitReady        = "await-ready"
	StepCreateOwner       = "create-owner"
	StepIssueCredential   = "issue-credential"
	StepPersistCredential = "persist-credential"
)

// OutputAPIKey is the run output holding the issued API key.
const OutputAPIKey = "api_key"

// N8nConfig configures the n8n kind.
type N8nConfig struct {
	// HTTPClient supplies the transport and timeout of API calls.
	HTTPClient *http.Client
	// Backoff paces the readiness poll. Steps bounds the number of polls.
	Backoff wait.Backoff
	// HealthPath is used when the template sets none.
	HealthPath string
	// APIKeyLabel names the minted key in the n8n UI.
	APIKeyLabel string
	// SecretKey is the key of the credential in the Secret.
	SecretKey string
	// EnvFile is the file the sidecar reads its credential from.
	EnvFile string
	// ReloadCommand makes the sidecar pick up EnvFile.
	ReloadCommand string
}

// DefaultN8nConfig returns the settings used in production.
func DefaultN8nConfig() N8nConfig {
	return N8nConfig{
		HTTPClient:    &http.Client{Timeout: 30 * time.Second},
		Backoff:       wait.Backoff{Duration: 2 * time.Second, Factor: 2, Jitter: 0.1, Steps: 10, Cap: 30 * time.Second},
		HealthPath:    "/healthz",
		APIKeyLabel:   "paasd",
		SecretKey:     "N8N_API_KEY",
		EnvFile:       "/run/paasd/credentials.env",
		ReloadCommand: "kill -HUP 1",
	}
}

type n8n struct {
	gw  cluster.Gateway
	cfg N8nConfig
}

// N8n returns the n8n step sequence.
func N8n(gw cluster.Gateway, cfg N8nConfig) Kind {
	def := DefaultN8nConfig()
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = def.HTTPClient
	}
	if cfg.Backoff.Steps == 0 {
		cfg.Backoff = def.Backoff
	}
	if cfg.HealthPath == "" {
		cfg.HealthPath = def.HealthPath
	}
	if cfg.APIKeyLabel == "" {
		cfg.APIKeyLabel = def.APIKeyLabel
	}
	if cfg.SecretKey == "" {
		cfg.SecretKey = def.SecretKey
	}
	if cfg.EnvFile == "" {
		cfg.EnvFile = def.EnvFile
	}
	if cfg.ReloadCommand == "" {
		cfg.ReloadCommand = def.ReloadCommand
	}
	k := &n8n{gw: gw, cfg: cfg}
	return Kind{
		Name: "n8n",
		Steps: []Step{
			{Name: StepAwaitReady, Run: k.awaitReady},
			{Name: StepCreateOwner, Run: k.createOwner},
			{Name: StepIssueCredential, Run: k.issueCredential},
			{Name: StepPersistCredential, Run: k.persistCredential},
		},
	}
}

func (k *n8n) session(env *Env) *n8nSession {
	return newN8nSession(env.BaseURL, k.cfg.HTTPClient)
}

func (k *n8n) awaitReady(ctx context.Context, env *Env) (map[string]string, error) {
	req := env.Request
	logger := log.FromContext(ctx)
	selector := map[string]string{InstanceLabel: req.Release}
	health := k.cfg.HealthPath
	if env.Template.Init.HealthPath != "" {
		health = env.Template.Init.HealthPath
	}
	s := k.session(env)

	start := time.Now()
	var last string
	err := wait.ExponentialBackoffWithContext(ctx, k.cfg.Backoff, func(ctx context.Context) (bool, error) {
		ready, err := k.gw.DeploymentsReady(ctx, req.Namespace, selector)
		switch {
		case err != nil:
			last = err.Error()
			return false, nil
		case !ready:
			last = "deployments are not available"
			return false, nil
		}
		if err := s.healthy(ctx, health); err != nil {
			last = "health check: " + err.Error()
			return false, nil
		}
		return true, nil
	})
	if err != nil {
		logger.V(1).Info("Release did not become ready", "reason", last, "error", err.Error())
		return nil, &ReadinessTimeoutError{Namespace: req.Namespace, Release: req.Release, Waited: time.Since(start), Last: last}
	}
	return nil, nil
}

// createOwner sets the instance owner up. An instance that already has an
// owner satisfies the step when the supplied credentials log in.
func (k *n8n) createOwner(ctx context.Context, env *Env) (map[string]string, error) {
	email, password := env.Request.OwnerEmail, env.Request.OwnerPassword
	s := k.session(env)

	err := s.setupOwner(ctx, email, password)
	if err == nil {
		return map[string]string{"owner": "created"}, nil
	}
	var ae *apiError
	if !errors.As(err, &ae) || ae.Status != http.StatusBadRequest || !strings.Contains(strings.ToLower(ae.Message), "already") {
		return nil, &OwnerCreationError{Email: email, Reason: err.Error(), Err: err}
	}

	log.FromContext(ctx).Info("Instance already has an owner, checking credentials", "email", email)
	if err := s.login(ctx, email, password); err != nil {
		return nil, &OwnerCreationError{Email: email, Reason: "an owner exists and rejected the supplied credentials", Err: err}
	}
	return map[string]string{"owner": "existing"}, nil
}

func (k *n8n) issueCredential(ctx context.Context, env *Env) (map[string]string, error) {
	s := k.session(env)
	if err := s.login(ctx, env.Request.OwnerEmail, env.Request.OwnerPassword); err != nil {
		return nil, &CredentialIssuanceError{Reason: "owner login: " + err.Error(), Err: err}
	}
	key, err := s.createAPIKey(ctx, k.cfg.APIKeyLabel)
	if err != nil {
		return nil, &CredentialIssuanceError{Reason: err.Error(), Err: err}
	}
	if key == "" {
		return nil, &CredentialIssuanceError{Reason: "empty API key in response"}
	}
	return map[string]string{OutputAPIKey: key}, nil
}

// persistCredential writes the key into the release Secret and into the
// sidecar of every running release pod. Each finished sub-target is
// recorded so that a retry only redoes the ones that failed.
func (k *n8n) persistCredential(ctx context.Context, env *Env) (map[string]string, error) {
	req := env.Request
	logger := log.FromContext(ctx)
	key := env.Output(OutputAPIKey)
	if key == "" {
		return nil, &PersistCredentialError{Target: "run", Err: errors.New("no API key was issued")}
	}

	secret, err := env.Template.SecretName(req.Release, req.Namespace)
	if err != nil {
		return nil, &PersistCredentialError{Target: "secret", Err: err}
	}
	target := "secret/" + secret
	if !env.Done(target) {
		if err := k.gw.MergeSecret(ctx, req.Namespace, secret, map[string][]byte{k.cfg.SecretKey: []byte(key)}); err != nil {
			return nil, &PersistCredentialError{Target: target, Err: err}
		}
		if err := env.Record(ctx, target, "done"); err != nil {
			return nil, err
		}
		logger.Info("Stored credential", "secret", secret)
	}

	sidecar := env.Template.Init.Sidecar
	if sidecar == "" {
		return nil, nil
	}
	pods, err := k.gw.ListPods(ctx, req.Namespace, map[string]string{InstanceLabel: req.Release})
	if err != nil {
		return nil, &PersistCredentialError{Target: "pods", Err: err}
	}
	pods = runningWith(pods, sidecar)
	if len(pods) == 0 {
		return nil, &PersistCredentialError{Target: "pods", Err: fmt.Errorf("no running pod has container %s", sidecar)}
	}

	script := fmt.Sprintf("umask 077 && mkdir -p \"$(dirname %[1]s)\" && cat > %[1]s && %[2]s", k.cfg.EnvFile, k.cfg.ReloadCommand)
	payload := fmt.Sprintf("%s=%s\n", k.cfg.SecretKey, key)
	for _, pod := range pods {
		target := "pod/" + pod.Name
		if env.Done(target) {
			continue
		}
		if _, err := k.gw.Exec(ctx, req.Namespace, pod.Name, sidecar, []string{"sh", "-c", script}, strings.NewReader(payload)); err != nil {
			return nil, &PersistCredentialError{Target: target, Err: err}
		}
		if err := env.Record(ctx, target, "done"); err != nil {
			return nil, err
		}
		logger.Info("Reloaded sidecar credential", "pod", pod.Name, "container", sidecar)
	}
	return nil, nil
}

func runningWith(pods []corev1.Pod, container string) []corev1.Pod {
	var out []corev1.Pod
	for _, p := range pods {
		if p.Status.Phase != corev1.PodRunning || p.DeletionTimestamp != nil {
			continue
		}
		for _, c := range p.Spec.Containers {
			if c.Name == container {
				out = append(out, p)
				break
			}
		}
	}
	return out
}
