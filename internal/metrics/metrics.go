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

// Package metrics holds the Prometheus collectors of paasd. They are
// registered in the controller-runtime registry and served by the manager's
// metrics endpoint.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"sigs.k8s.io/controller-runtime/pkg/metrics"

	"github.com/woowtech/paasd/internal/errdefs"
)

var (
	helmOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "paasd_helm_operations_total",
			Help: "Helm CLI invocations by operation and result.",
		},
		[]string{"operation", "result"},
	)

	helmOperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "paasd_helm_operation_duration_seconds",
			Help:    "Latency of helm CLI invocations in seconds.",
			Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"operation"},
	)

	deploymentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "paasd_deployments_total",
			Help: "Application deployments by outcome.",
		},
		[]string{"app", "outcome"},
	)

	routeOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "paasd_route_operations_total",
			Help: "Edge route mutations by backend, operation and result.",
		},
		[]string{"backend", "operation", "result"},
	)

	namespacesProvisionedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "paasd_namespaces_provisioned_total",
			Help: "Tenant namespace provisioning attempts by result.",
		},
		[]string{"result"},
	)

	initStepsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "paasd_init_steps_total",
			Help: "Post-deploy initialization step executions by kind, step and result.",
		},
		[]string{"kind", "step", "result"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "paasd_http_request_duration_seconds",
			Help:    "Latency of API requests in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "code"},
	)

	janitorPrunedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "paasd_janitor_pruned_total",
			Help: "Objects removed by the janitor.",
		},
		[]string{"resource"},
	)
)

func init() {
	metrics.Registry.MustRegister(Collectors()...)
}

// Collectors returns every paasd collector.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		helmOperationsTotal,
		helmOperationDuration,
		deploymentsTotal,
		routeOperationsTotal,
		namespacesProvisionedTotal,
		initStepsTotal,
		httpRequestDuration,
		janitorPrunedTotal,
	}
}

// Result reduces err to a low-cardinality label value.
func Result(err error) string {
	if err == nil {
		return "success"
	}
	switch {
	case errors.Is(err, errdefs.ErrConflict):
		return "conflict"
	case errors.Is(err, errdefs.ErrRemoteTimeout):
		return "timeout"
	case errors.Is(err, errdefs.ErrValidation):
		return "invalid"
	case errors.Is(err, errdefs.ErrNotFound):
		return "not_found"
	}
	return "error"
}

// RecordHelmOperation records one helm CLI invocation.
func RecordHelmOperation(op string, d time.Duration, err error) {
	helmOperationsTotal.WithLabelValues(op, Result(err)).Inc()
	helmOperationDuration.WithLabelValues(op).Observe(d.Seconds())
}

// RecordDeployment records the outcome of a DeployApplication call.
func RecordDeployment(app, outcome string) {
	deploymentsTotal.WithLabelValues(app, outcome).Inc()
}

// RecordRouteOperation records one edge route mutation.
func RecordRouteOperation(backend, op string, err error) {
	routeOperationsTotal.WithLabelValues(backend, op, Result(err)).Inc()
}

// RecordNamespaceProvisioned records one namespace creation attempt.
func RecordNamespaceProvisioned(err error) {
	result := Result(err)
	if errors.Is(err, errdefs.ErrPartialFailure) {
		result = "partial"
	}
	namespacesProvisionedTotal.WithLabelValues(result).Inc()
}

// RecordInitStep records one executed initialization step.
func RecordInitStep(kind, step string, err error) {
	initStepsTotal.WithLabelValues(kind, step, Result(err)).Inc()
}

// ObserveHTTPRequest records one served API request.
func ObserveHTTPRequest(method, route string, code int, d time.Duration) {
	httpRequestDuration.WithLabelValues(method, route, statusLabel(code)).Observe(d.Seconds())
}

// RecordPruned adds n to the count of objects the janitor removed.
func RecordPruned(resource string, n int) {
	if n > 0 {
		janitorPrunedTotal.WithLabelValues(resource).Add(float64(n))
	}
}

func statusLabel(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	}
	return "2xx"
}
