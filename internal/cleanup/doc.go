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

// Package cleanup runs the janitor: a periodic pass that deletes leases
// whose holders are gone and initialization runs that succeeded longer ago
// than the retention period.
//
// Failed runs are kept whatever their age, since a later Initialize call
// resumes them. The janitor must run on one replica only, so it asks the
// manager for leader election.
//
// Example usage:
//
//	janitor := cleanup.NewScheduler(leases, runs, 5*time.Minute, 7*24*time.Hour)
//	if err := mgr.Add(janitor); err != nil {
//		return err
//	}
package cleanup
