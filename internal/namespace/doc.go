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

// Package namespace provisions tenant namespaces.
//
// A tenant namespace is created by a Provisioner in up to three steps, each a
// separate call to the cluster:
//
//  1. the Namespace itself, labelled paas.woow.tw/managed-by=paasd
//  2. the tenant-quota ResourceQuota with the requested ceilings
//  3. with isolation enabled, the network policies admitting traffic only
//     from the edge connector namespace
//
// Names must carry the configured tenant prefix and be DNS-1123 labels, and
// every quota value must parse as a Kubernetes quantity. Input is checked
// before the first call reaches the cluster.
//
// # Partial failure
//
// Nothing is rolled back. If step 2 or 3 fails the namespace stays and the
// returned *errdefs.PartialFailureError names it; EnsureQuota retries the
// remaining steps.
//
// # Usage Example
//
//	p := namespace.NewProvisioner(gateway, cost.NewEstimator(nil), namespace.Config{
//	    Prefix:        "paas-ws-",
//	    Isolate:       true,
//	    EdgeNamespace: "cloudflared",
//	})
//	desc, err := p.CreateNamespace(ctx, "paas-ws-demo", namespace.Limits{
//	    CPU: "2", Memory: "4Gi", Storage: "10Gi",
//	})
package namespace
