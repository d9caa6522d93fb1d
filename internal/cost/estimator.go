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

package cost

import (
	"fmt"
	"sync"
	"time"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"

	"github.com/woowtech/paasd/internal/cluster"
)

// HoursPerMonth is the average number of hours in a month.
const HoursPerMonth = 730

const bytesPerGB = 1024 * 1024 * 1024

// Config defines the pricing configuration for cost estimation
type Config struct {
	Currency              string
	CPUCostPerHour        float64
	MemoryCostPerHour     float64
	StorageCostPerGBMonth float64
}

// DefaultConfig returns the default pricing configuration
func DefaultConfig() *Config {
	return &Config{
		CPUCostPerHour:        0.04,  // $0.04 per vCPU-hour
		MemoryCostPerHour:     0.005, // $0.005 per GB-hour
		StorageCostPerGBMonth: 0.10,  // $0.10 per GB-month
		Currency:              "USD",
	}
}

// Estimate is a cost estimate rendered for API responses.
type Estimate struct {
	Currency    string `json:"currency"`
	HourlyCost  string `json:"hourly_cost"`
	DailyCost   string `json:"daily_cost"`
	MonthlyCost string `json:"monthly_cost"`
}

// Estimator calculates costs from quotas and pod requests
type Estimator struct {
	config *Config
	mu     sync.RWMutex
}

// NewEstimator creates a new cost estimator with the given configuration.
// If config is nil, default configuration is used.
func NewEstimator(config *Config) *Estimator {
	if config == nil {
		config = DefaultConfig()
	}
	return &Estimator{
		config: config,
	}
}

// HourlyQuotaCost prices one hour at the full quota ceiling.
func (e *Estimator) HourlyQuotaCost(q cluster.Quota) float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cpu := ParseResourceQuantity(q.CPU, corev1.ResourceCPU)
	memoryGB := ParseResourceQuantity(q.Memory, corev1.ResourceMemory)
	storageGB := ParseResourceQuantity(q.Storage, corev1.ResourceStorage)

	return cpu*e.config.CPUCostPerHour +
		memoryGB*e.config.MemoryCostPerHour +
		storageGB*e.config.StorageCostPerGBMonth/HoursPerMonth
}

// EstimateQuota estimates the cost of a namespace running at its ceiling.
func (e *Estimator) EstimateQuota(q cluster.Quota) *Estimate {
	return e.estimate(e.HourlyQuotaCost(q))
}

// CalculatePodCost calculates the cost of running a pod for the specified duration.
func (e *Estimator) CalculatePodCost(pod *corev1.Pod, duration time.Duration) float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var totalCPU float64
	var totalMemoryGB float64

	for _, container := range pod.Spec.Containers {
		if cpu, ok := container.Resources.Requests[corev1.ResourceCPU]; ok {
			totalCPU += ParseResourceQuantity(cpu, corev1.ResourceCPU)
		}
		if memory, ok := container.Resources.Requests[corev1.ResourceMemory]; ok {
			totalMemoryGB += ParseResourceQuantity(memory, corev1.ResourceMemory)
		}
	}

	hours := duration.Hours()
	return totalCPU*e.config.CPUCostPerHour*hours + totalMemoryGB*e.config.MemoryCostPerHour*hours
}

// EstimatePods estimates the cost of the requests of running pods.
// Pods that already terminated are not counted.
func (e *Estimator) EstimatePods(pods []corev1.Pod) *Estimate {
	var hourly float64
	for i := range pods {
		if pods[i].Status.Phase == corev1.PodSucceeded || pods[i].Status.Phase == corev1.PodFailed {
			continue
		}
		hourly += e.CalculatePodCost(&pods[i], time.Hour)
	}
	return e.estimate(hourly)
}

func (e *Estimator) estimate(hourly float64) *Estimate {
	e.mu.RLock()
	currency := e.config.Currency
	e.mu.RUnlock()

	return &Estimate{
		Currency:    currency,
		HourlyCost:  formatCost(hourly),
		DailyCost:   formatCost(hourly * 24),
		MonthlyCost: formatCost(hourly * HoursPerMonth),
	}
}

// formatCost formats a cost value as a string with 4 decimal places for transparency
func formatCost(cost float64) string {
	return fmt.Sprintf("%.4f", cost)
}

// GetConfig returns the current pricing configuration
func (e *Estimator) GetConfig() *Config {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.config
}

// UpdateConfig updates the pricing configuration
func (e *Estimator) UpdateConfig(config *Config) {
	if config != nil {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.config = config
	}
}

// ParseResourceQuantity parses a Kubernetes resource quantity and returns the value in the base unit
func ParseResourceQuantity(quantity resource.Quantity, resourceType corev1.ResourceName) float64 {
	switch resourceType {
	case corev1.ResourceCPU:
		// millicores to cores
		return float64(quantity.MilliValue()) / 1000.0
	case corev1.ResourceMemory, corev1.ResourceStorage:
		return float64(quantity.Value()) / bytesPerGB
	default:
		return 0
	}
}
