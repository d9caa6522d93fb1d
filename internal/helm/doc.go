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

// Package helm manages chart releases by driving the helm command line.
//
// CLI implements Manager over a Runner, which is a child process in
// production and a scripted fake in tests. Values are rendered to YAML and
// fed on stdin with --values -, and results are read with --output json.
//
// Every failure surfaces as a *ReleaseError whose Kind is an errdefs
// sentinel. A call that runs past its timeout has Kind
// errdefs.ErrRemoteTimeout and State StatusUnknown: helm may still be
// working, and the caller should poll Status before acting.
//
// LockedManager decorates any Manager with per-release leases:
//
//	mgr := helm.NewLockedManager(helm.NewCLI(&helm.ExecRunner{}), leases, 0)
//	rel, err := mgr.Install(ctx, "paas-ws-demo", "n8n-1a2b3c4d", chart, values, 5*time.Minute)
//	if errors.Is(err, errdefs.ErrConflict) {
//	    // another replica is mutating the release
//	}
package helm
