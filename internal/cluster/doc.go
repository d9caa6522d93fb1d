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

// Package cluster is the typed gateway every paasd component uses to talk to
// the Kubernetes control plane.
//
// The Gateway interface covers the primitives the orchestration needs:
//
//   - Namespaces and their tenant ResourceQuota
//   - Isolation NetworkPolicies
//   - Secret read and read-merge-write
//   - Deployment readiness and pod listing
//   - Command execution inside a running container
//
// KubeGateway implements it with the controller-runtime client for object
// access and client-go remotecommand for exec.
//
// # Errors
//
// Missing and duplicate objects are reported with errdefs.ErrNotFound and
// errdefs.ErrAlreadyExists. Every other API failure is wrapped with the
// operation and object identity and classified as errdefs.ErrRemoteTimeout
// or errdefs.ErrRemoteFailure.
//
// # Network Policies
//
// ApplyNetworkPolicies installs three policies:
//
//  1. default-deny-all: denies all ingress and egress
//  2. allow-edge-ingress: admits traffic from the edge connector namespace
//  3. allow-egress: allows DNS (UDP 53), HTTPS (TCP 443) and intra-namespace traffic
package cluster
