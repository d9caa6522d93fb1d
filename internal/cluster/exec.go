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

package cluster

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/util/httpstream"
	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/tools/remotecommand"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/woowtech/paasd/internal/errdefs"
)

// Exec implements Gateway. It speaks the websocket exec protocol and falls
// back to SPDY against API servers that do not support it.
func (g *KubeGateway) Exec(ctx context.Context, namespace, pod, container string, command []string, stdin io.Reader) (*ExecResult, error) {
	if g.clientset == nil || g.restConfig == nil {
		return nil, fmt.Errorf("exec in %s/%s: gateway has no exec transport configured", namespace, pod)
	}
	if len(command) == 0 {
		return nil, errdefs.Validation("exec in %s/%s: empty command", namespace, pod)
	}
	target := fmt.Sprintf("%s/%s[%s]", namespace, pod, container)

	req := g.clientset.CoreV1().RESTClient().Post().
		Resource("pods").
		Name(pod).
		Namespace(namespace).
		SubResource("exec").
		VersionedParams(&corev1.PodExecOptions{
			Container: container,
			Command:   command,
			Stdin:     stdin != nil,
			Stdout:    true,
			Stderr:    true,
		}, scheme.ParameterCodec)

	spdy, err := remotecommand.NewSPDYExecutor(g.restConfig, "POST", req.URL())
	if err != nil {
		return nil, fmt.Errorf("failed to build exec transport for %s: %w", target, err)
	}
	ws, err := remotecommand.NewWebSocketExecutor(g.restConfig, "GET", req.URL().String())
	if err != nil {
		return nil, fmt.Errorf("failed to build exec transport for %s: %w", target, err)
	}
	executor, err := remotecommand.NewFallbackExecutor(ws, spdy, func(err error) bool {
		return httpstream.IsUpgradeFailure(err) || httpstream.IsHTTPSProxyError(err)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build exec transport for %s: %w", target, err)
	}

	var stdout, stderr bytes.Buffer
	log.FromContext(ctx).V(1).Info("Executing in container", "target", target, "command", command[0])
	err = executor.StreamWithContext(ctx, remotecommand.StreamOptions{
		Stdin:  stdin,
		Stdout: &stdout,
		Stderr: &stderr,
	})
	result := &ExecResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		return result, fmt.Errorf("exec %q in %s: %w: %w (stderr: %s)",
			strings.Join(command, " "), target, errdefs.ErrRemoteFailure, err, strings.TrimSpace(result.Stderr))
	}
	return result, nil
}
