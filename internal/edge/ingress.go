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

package edge

import (
	"context"
	"fmt"

	networkingv1 "k8s.io/api/networking/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller/controllerutil"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/woowtech/paasd/internal/cluster"
	"github.com/woowtech/paasd/internal/errdefs"
	"github.com/woowtech/paasd/internal/metrics"
)

const (
	// RouteLabel carries the route name on every Ingress the router owns.
	RouteLabel = "paas.woow.tw/route"

	// CertManagerIssuerAnnotation is the annotation key for cert-manager cluster issuer
	CertManagerIssuerAnnotation = "cert-manager.io/cluster-issuer"

	// ExternalDNSHostnameAnnotation is the annotation key for external-dns hostname
	ExternalDNSHostnameAnnotation = "external-dns.alpha.kubernetes.io/hostname"

	// SSLRedirectAnnotation is the annotation key for nginx SSL redirect
	SSLRedirectAnnotation = "nginx.ingress.kubernetes.io/ssl-redirect"

	ingressBackend = "ingress"
)

// IngressConfig configures the Ingress objects the router writes.
type IngressConfig struct {
	// DefaultNamespace receives routes whose target names no namespace.
	DefaultNamespace string
	// ClassName sets spec.ingressClassName when not empty.
	ClassName string
	// CertIssuer enables TLS through the named cert-manager ClusterIssuer.
	CertIssuer string
}

// IngressRouter publishes each route as one networking.k8s.io/v1 Ingress
// named after the route, in the namespace of its target service.
type IngressRouter struct {
	client client.Client
	cfg    IngressConfig
}

var _ Router = (*IngressRouter)(nil)

// NewIngressRouter creates a new Ingress router
func NewIngressRouter(c client.Client, cfg IngressConfig) *IngressRouter {
	if cfg.DefaultNamespace == "" {
		cfg.DefaultNamespace = "default"
	}
	return &IngressRouter{client: c, cfg: cfg}
}

func (m *IngressRouter) managed(ctx context.Context, extra client.MatchingLabels) ([]networkingv1.Ingress, error) {
	labels := client.MatchingLabels{cluster.ManagedByLabel: cluster.ManagedByValue}
	for k, v := range extra {
		labels[k] = v
	}
	list := &networkingv1.IngressList{}
	if err := m.client.List(ctx, list, labels); err != nil {
		return nil, fmt.Errorf("failed to list ingresses: %w: %w", errdefs.ErrRemoteFailure, err)
	}
	return list.Items, nil
}

// UpsertRoute creates or updates the Ingress for the route. An Ingress for
// the same route in another namespace is removed once the new one exists.
func (m *IngressRouter) UpsertRoute(ctx context.Context, name, hostname, target string) (res *RouteResult, err error) {
	defer func() { metrics.RecordRouteOperation(ingressBackend, "upsert", err) }()
	if err := ValidateRoute(name, hostname, target); err != nil {
		return nil, err
	}
	t, _ := ParseTarget(target)
	namespace := t.Namespace
	if namespace == "" {
		namespace = m.cfg.DefaultNamespace
	}

	existing, err := m.managed(ctx, nil)
	if err != nil {
		return nil, err
	}
	var moved []networkingv1.Ingress
	for _, ing := range existing {
		owner := ing.Labels[RouteLabel]
		if owner != name && ingressHost(&ing) == hostname {
			return nil, &RouteConflictError{Hostname: hostname, Route: name, Owner: owner}
		}
		if owner == name && ing.Namespace != namespace {
			moved = append(moved, ing)
		}
	}

	ingress := &networkingv1.Ingress{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: namespace,
		},
	}
	op, err := controllerutil.CreateOrUpdate(ctx, m.client, ingress, func() error {
		if ingress.Labels == nil {
			ingress.Labels = make(map[string]string)
		}
		ingress.Labels[RouteLabel] = name
		ingress.Labels[cluster.ManagedByLabel] = cluster.ManagedByValue

		if ingress.Annotations == nil {
			ingress.Annotations = make(map[string]string)
		}
		ingress.Annotations[ExternalDNSHostnameAnnotation] = hostname
		if m.cfg.CertIssuer != "" {
			ingress.Annotations[CertManagerIssuerAnnotation] = m.cfg.CertIssuer
			ingress.Annotations[SSLRedirectAnnotation] = "true"
			ingress.Spec.TLS = []networkingv1.IngressTLS{
				{
					Hosts:      []string{hostname},
					SecretName: name + "-tls",
				},
			}
		}
		if m.cfg.ClassName != "" {
			className := m.cfg.ClassName
			ingress.Spec.IngressClassName = &className
		}

		pathType := networkingv1.PathTypePrefix
		ingress.Spec.Rules = []networkingv1.IngressRule{
			{
				Host: hostname,
				IngressRuleValue: networkingv1.IngressRuleValue{
					HTTP: &networkingv1.HTTPIngressRuleValue{
						Paths: []networkingv1.HTTPIngressPath{
							{
								Path:     "/",
								PathType: &pathType,
								Backend: networkingv1.IngressBackend{
									Service: &networkingv1.IngressServiceBackend{
										Name: t.Service,
										Port: networkingv1.ServiceBackendPort{Number: int32(t.Port)},
									},
								},
							},
						},
					},
				},
			},
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to ensure ingress %s/%s: %w: %w", namespace, name, errdefs.ErrRemoteFailure, err)
	}

	for i := range moved {
		if err := client.IgnoreNotFound(m.client.Delete(ctx, &moved[i])); err != nil {
			return nil, fmt.Errorf("failed to delete moved ingress %s/%s: %w: %w", moved[i].Namespace, name, errdefs.ErrRemoteFailure, err)
		}
	}

	logger := log.FromContext(ctx).WithValues("route", name, "hostname", hostname, "namespace", namespace)
	if op == controllerutil.OperationResultNone && len(moved) == 0 {
		logger.V(1).Info("Route already up to date")
	} else {
		logger.Info("Published route", "target", target, "operation", op)
	}
	return &RouteResult{Name: name, Hostname: hostname, Target: target, Enabled: true}, nil
}

// DeleteRoute deletes every Ingress labelled with the route name.
func (m *IngressRouter) DeleteRoute(ctx context.Context, name string) (err error) {
	defer func() { metrics.RecordRouteOperation(ingressBackend, "delete", err) }()

	items, err := m.managed(ctx, client.MatchingLabels{RouteLabel: name})
	if err != nil {
		return err
	}
	for i := range items {
		if err := m.client.Delete(ctx, &items[i]); err != nil && !apierrors.IsNotFound(err) {
			return fmt.Errorf("failed to delete ingress %s/%s: %w: %w", items[i].Namespace, items[i].Name, errdefs.ErrRemoteFailure, err)
		}
	}
	return nil
}

// GetRoute reads the route back from its Ingress.
func (m *IngressRouter) GetRoute(ctx context.Context, name string) (*Route, error) {
	items, err := m.managed(ctx, client.MatchingLabels{RouteLabel: name})
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, errdefs.NotFound("route", name)
	}
	ing := &items[0]
	route := &Route{Name: name, Hostname: ingressHost(ing)}
	if svc := ingressService(ing); svc != nil {
		route.Target = ServiceAddress(svc.Name, ing.Namespace, int(svc.Port.Number))
		route.Enabled = true
	}
	return route, nil
}

func ingressHost(ing *networkingv1.Ingress) string {
	if len(ing.Spec.Rules) == 0 {
		return ""
	}
	return ing.Spec.Rules[0].Host
}

func ingressService(ing *networkingv1.Ingress) *networkingv1.IngressServiceBackend {
	if len(ing.Spec.Rules) == 0 || ing.Spec.Rules[0].HTTP == nil || len(ing.Spec.Rules[0].HTTP.Paths) == 0 {
		return nil
	}
	return ing.Spec.Rules[0].HTTP.Paths[0].Backend.Service
}
