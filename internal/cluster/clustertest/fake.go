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

// Package clustertest provides an in-memory cluster.Gateway for tests.
package clustertest

import (
	"context"
	"io"
	"maps"
	"sync"

	corev1 "k8s.io/api/core/v1"

	"github.com/woowtech/paasd/internal/cluster"
	"github.com/woowtech/paasd/internal/errdefs"
)

// ExecCall records one Exec invocation.
type ExecCall struct {
	Namespace string
	Pod       string
	Container string
	Command   []string
	Stdin     string
}

// Fake is an in-memory cluster.Gateway. Every method appends its name to
// Calls; an error set in Fail under that name is returned instead of
// running the call.
type Fake struct {
	mu sync.Mutex

	Namespaces map[string]map[string]string
	Quotas     map[string]cluster.Quota
	Policies   map[string]string
	Secrets    map[string]map[string][]byte
	Pods       map[string][]corev1.Pod

	// Ready answers DeploymentsReady. Nil means ready.
	Ready func(namespace string, selector map[string]string) bool
	// ExecFn answers Exec. Nil means an empty successful result.
	ExecFn func(call ExecCall) (*cluster.ExecResult, error)

	Fail  map[string]error
	Calls []string
	Execs []ExecCall
}

var _ cluster.Gateway = (*Fake)(nil)

// NewFake returns an empty cluster.
func NewFake() *Fake {
	return &Fake{
		Namespaces: map[string]map[string]string{},
		Quotas:     map[string]cluster.Quota{},
		Policies:   map[string]string{},
		Secrets:    map[string]map[string][]byte{},
		Pods:       map[string][]corev1.Pod{},
		Fail:       map[string]error{},
	}
}

// CallCount returns how many gateway calls were made.
func (f *Fake) CallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Calls)
}

// Count returns how many times the named method was called.
func (f *Fake) Count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.Calls {
		if c == op {
			n++
		}
	}
	return n
}

// Secret returns a copy of a stored secret.
func (f *Fake) Secret(namespace, name string) map[string][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return maps.Clone(f.Secrets[namespace+"/"+name])
}

func (f *Fake) record(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, op)
	return f.Fail[op]
}

func (f *Fake) CreateNamespace(_ context.Context, name string, labels map[string]string) error {
	if err := f.record("CreateNamespace"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.Namespaces[name]; ok {
		return errdefs.AlreadyExists("namespace", name)
	}
	f.Namespaces[name] = maps.Clone(labels)
	return nil
}

func (f *Fake) GetNamespace(_ context.Context, name string) (*corev1.Namespace, error) {
	if err := f.record("GetNamespace"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	labels, ok := f.Namespaces[name]
	if !ok {
		return nil, errdefs.NotFound("namespace", name)
	}
	ns := &corev1.Namespace{}
	ns.Name = name
	ns.Labels = maps.Clone(labels)
	return ns, nil
}

func (f *Fake) DeleteNamespace(_ context.Context, name string) error {
	if err := f.record("DeleteNamespace"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.Namespaces, name)
	delete(f.Quotas, name)
	delete(f.Policies, name)
	return nil
}

func (f *Fake) ApplyResourceQuota(_ context.Context, namespace string, quota cluster.Quota) error {
	if err := f.record("ApplyResourceQuota"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.Namespaces[namespace]; !ok {
		return errdefs.NotFound("namespace", namespace)
	}
	f.Quotas[namespace] = quota
	return nil
}

func (f *Fake) GetResourceQuota(_ context.Context, namespace string) (*cluster.Quota, error) {
	if err := f.record("GetResourceQuota"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	q, ok := f.Quotas[namespace]
	if !ok {
		return nil, errdefs.NotFound("resource quota", namespace+"/"+cluster.QuotaName)
	}
	return &q, nil
}

func (f *Fake) ApplyNetworkPolicies(_ context.Context, namespace, edgeNamespace string) error {
	if err := f.record("ApplyNetworkPolicies"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Policies[namespace] = edgeNamespace
	return nil
}

func (f *Fake) ReadSecret(_ context.Context, namespace, name string) (map[string][]byte, error) {
	if err := f.record("ReadSecret"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.Secrets[namespace+"/"+name]
	if !ok {
		return nil, errdefs.NotFound("secret", namespace+"/"+name)
	}
	return maps.Clone(data), nil
}

func (f *Fake) MergeSecret(_ context.Context, namespace, name string, data map[string][]byte) error {
	if err := f.record("MergeSecret"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	key := namespace + "/" + name
	if f.Secrets[key] == nil {
		f.Secrets[key] = map[string][]byte{}
	}
	maps.Copy(f.Secrets[key], data)
	return nil
}

func (f *Fake) DeploymentsReady(_ context.Context, namespace string, selector map[string]string) (bool, error) {
	if err := f.record("DeploymentsReady"); err != nil {
		return false, err
	}
	if f.Ready == nil {
		return true, nil
	}
	return f.Ready(namespace, selector), nil
}

func (f *Fake) ListPods(_ context.Context, namespace string, selector map[string]string) ([]corev1.Pod, error) {
	if err := f.record("ListPods"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var pods []corev1.Pod
	for _, pod := range f.Pods[namespace] {
		if matches(pod.Labels, selector) {
			pods = append(pods, pod)
		}
	}
	return pods, nil
}

func matches(labels, selector map[string]string) bool {
	for k, v := range selector {
		if labels[k] != v {
			return false
		}
	}
	return true
}

func (f *Fake) Exec(_ context.Context, namespace, pod, container string, command []string, stdin io.Reader) (*cluster.ExecResult, error) {
	if err := f.record("Exec"); err != nil {
		return nil, err
	}
	call := ExecCall{Namespace: namespace, Pod: pod, Container: container, Command: command}
	if stdin != nil {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return nil, err
		}
		call.Stdin = string(data)
	}
	f.mu.Lock()
	f.Execs = append(f.Execs, call)
	fn := f.ExecFn
	f.mu.Unlock()
	if fn == nil {
		return &cluster.ExecResult{}, nil
	}
	return fn(call)
}

// AddPod adds a running pod with the given labels and containers.
func (f *Fake) AddPod(namespace, name string, labels map[string]string, containers ...string) {
	pod := corev1.Pod{}
	pod.Name = name
	pod.Namespace = namespace
	pod.Labels = maps.Clone(labels)
	for _, c := range containers {
		pod.Spec.Containers = append(pod.Spec.Containers, corev1.Container{Name: c})
	}
	pod.Status.Phase = corev1.PodRunning
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Pods[namespace] = append(f.Pods[namespace], pod)
}
