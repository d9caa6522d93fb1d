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

// Package cost estimates what a tenant namespace may cost.
//
// The estimate prices the quota ceiling, which is what a tenant can consume
// at most, and optionally the requests of the pods currently running:
//
//	CPU Cost = (CPU Cores) × (CPU Price Per Hour)
//	Memory Cost = (Memory GB) × (Memory Price Per Hour)
//	Storage Cost = (Storage GB) × (Storage Price Per GB-Month) / 730
//	Daily Cost = Hourly Cost × 24
//	Monthly Cost = Hourly Cost × 730 (average hours per month)
//
// Default Pricing:
//
//   - CPU: $0.04 per core per hour
//   - Memory: $0.005 per GB per hour
//   - Storage: $0.10 per GB per month
//
// Example usage:
//
//	estimator := cost.NewEstimator(nil)
//	estimate := estimator.EstimateQuota(cluster.Quota{
//	    CPU:     resource.MustParse("2"),
//	    Memory:  resource.MustParse("4Gi"),
//	    Storage: resource.MustParse("10Gi"),
//	})
//	fmt.Printf("Monthly ceiling: %s %s\n", estimate.MonthlyCost, estimate.Currency)
package cost
