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
	"math"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"

	"github.com/woowtech/paasd/internal/cluster"
)

func TestNewEstimator(t *testing.T) {
	tests := []struct {
		name   string
		config *Config
		want   *Config
	}{
		{
			name: "creates estimator with default config",
			want: &Config{
				CPUCostPerHour:        0.04,
				MemoryCostPerHour:     0.005,
				StorageCostPerGBMonth: 0.10,
				Currency:              "USD",
			},
		},
		{
			name:   "creates estimator with custom config",
			config: &Config{CPUCostPerHour: 0.08, MemoryCostPerHour: 0.01, Currency: "TWD"},
			want:   &Config{CPUCostPerHour: 0.08, MemoryCostPerHour: 0.01, Currency: "TWD"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NewEstimator(tt.config).GetConfig()
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("config mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestHourlyQuotaCost(t *testing.T) {
	tests := []struct {
		name  string
		quota cluster.Quota
		want  float64
	}{
		{
			name: "cpu and memory",
			quota: cluster.Quota{
				CPU:    resource.MustParse("2"),
				Memory: resource.MustParse("4Gi"),
			},
			want: 0.1, // (2 * 0.04) + (4 * 0.005)
		},
		{
			name: "storage is priced per month",
			quota: cluster.Quota{
				CPU:     resource.MustParse("500m"),
				Memory:  resource.MustParse("1Gi"),
				Storage: resource.MustParse("73Gi"),
			},
			want: 0.035, // (0.5 * 0.04) + (1 * 0.005) + (73 * 0.10 / 730)
		},
		{
			name: "empty quota",
			want: 0,
		},
	}

	e := NewEstimator(nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := e.HourlyQuotaCost(tt.quota); math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("HourlyQuotaCost() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEstimateQuota(t *testing.T) {
	e := NewEstimator(nil)
	got := e.EstimateQuota(cluster.Quota{CPU: resource.MustParse("2"), Memory: resource.MustParse("4Gi")})
	want := &Estimate{Currency: "USD", HourlyCost: "0.1000", DailyCost: "2.4000", MonthlyCost: "73.0000"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("EstimateQuota() mismatch (-want +got):\n%s", diff)
	}
}

func podWith(cpu, memory string, phase corev1.PodPhase) corev1.Pod {
	return corev1.Pod{
		Spec: corev1.PodSpec{
			Containers: []corev1.Container{
				{
					Name: "app",
					Resources: corev1.ResourceRequirements{
						Requests: corev1.ResourceList{
							corev1.ResourceCPU:    resource.MustParse(cpu),
							corev1.ResourceMemory: resource.MustParse(memory),
						},
					},
				},
			},
		},
		Status: corev1.PodStatus{Phase: phase},
	}
}

func TestCalculatePodCost(t *testing.T) {
	tests := []struct {
		name     string
		pod      corev1.Pod
		duration time.Duration
		want     float64
	}{
		{
			name:     "calculates cost for pod with CPU and memory",
			pod:      podWith("500m", "1Gi", corev1.PodRunning),
			duration: time.Hour,
			want:     0.025, // (0.5 * 0.04) + (1 * 0.005)
		},
		{
			name:     "calculates cost for 24 hours",
			pod:      podWith("2", "4Gi", corev1.PodRunning),
			duration: 24 * time.Hour,
			want:     2.40,
		},
		{
			name:     "pod without requests is free",
			pod:      corev1.Pod{Spec: corev1.PodSpec{Containers: []corev1.Container{{Name: "app"}}}},
			duration: time.Hour,
			want:     0,
		},
	}

	e := NewEstimator(nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := e.CalculatePodCost(&tt.pod, tt.duration); math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("CalculatePodCost() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEstimatePodsSkipsTerminated(t *testing.T) {
	e := NewEstimator(nil)
	got := e.EstimatePods([]corev1.Pod{
		podWith("500m", "1Gi", corev1.PodRunning),
		podWith("4", "8Gi", corev1.PodSucceeded),
		podWith("4", "8Gi", corev1.PodFailed),
	})
	if got.HourlyCost != "0.0250" {
		t.Errorf("HourlyCost = %s, want 0.0250", got.HourlyCost)
	}
}

func TestUpdateConfig(t *testing.T) {
	e := NewEstimator(nil)
	e.UpdateConfig(nil)
	if e.GetConfig().Currency != "USD" {
		t.Fatalf("nil config replaced the pricing")
	}
	e.UpdateConfig(&Config{CPUCostPerHour: 1, Currency: "EUR"})
	if got := e.EstimateQuota(cluster.Quota{CPU: resource.MustParse("1")}); got.HourlyCost != "1.0000" || got.Currency != "EUR" {
		t.Errorf("estimate after update = %+v", got)
	}
}
