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
	"context"

	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	"sigs.k8s.io/controller-runtime/pkg/controller/controllerutil"
)

// Names of the isolation policies installed in each tenant namespace.
const (
	DefaultDenyPolicy  = "default-deny-all"
	EdgeIngressPolicy  = "allow-edge-ingress"
	EgressPolicy       = "allow-egress"
	namespaceNameLabel = "kubernetes.io/metadata.name"
)

// ApplyNetworkPolicies implements Gateway.
func (g *KubeGateway) ApplyNetworkPolicies(ctx context.Context, namespace, edgeNamespace string) error {
	if err := g.applyPolicy(ctx, namespace, DefaultDenyPolicy, defaultDenySpec); err != nil {
		return err
	}
	if err := g.applyPolicy(ctx, namespace, EdgeIngressPolicy, func(spec *networkingv1.NetworkPolicySpec) {
		edgeIngressSpec(spec, edgeNamespace)
	}); err != nil {
		return err
	}
	return g.applyPolicy(ctx, namespace, EgressPolicy, egressSpec)
}

func (g *KubeGateway) applyPolicy(ctx context.Context, namespace, name string, mutate func(*networkingv1.NetworkPolicySpec)) error {
	policy := &networkingv1.NetworkPolicy{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: namespace,
		},
	}

	_, err := controllerutil.CreateOrUpdate(ctx, g.client, policy, func() error {
		policy.Spec = networkingv1.NetworkPolicySpec{}
		mutate(&policy.Spec)
		policy.Labels = managedLabels(policy.Labels)
		return nil
	})
	if err != nil {
		return wrap("apply network policy "+name+" in", namespace, err)
	}
	return nil
}

// defaultDenySpec selects every pod with no rules, which denies all traffic.
func defaultDenySpec(spec *networkingv1.NetworkPolicySpec) {
	spec.PodSelector = metav1.LabelSelector{}
	spec.PolicyTypes = []networkingv1.PolicyType{
		networkingv1.PolicyTypeIngress,
		networkingv1.PolicyTypeEgress,
	}
	spec.Ingress = []networkingv1.NetworkPolicyIngressRule{}
	spec.Egress = []networkingv1.NetworkPolicyEgressRule{}
}

func edgeIngressSpec(spec *networkingv1.NetworkPolicySpec, edgeNamespace string) {
	spec.PodSelector = metav1.LabelSelector{}
	spec.PolicyTypes = []networkingv1.PolicyType{networkingv1.PolicyTypeIngress}
	spec.Ingress = []networkingv1.NetworkPolicyIngressRule{
		{
			From: []networkingv1.NetworkPolicyPeer{
				{
					NamespaceSelector: &metav1.LabelSelector{
						MatchLabels: map[string]string{namespaceNameLabel: edgeNamespace},
					},
				},
			},
		},
		// Pods of the same tenant may talk to each other.
		{
			From: []networkingv1.NetworkPolicyPeer{
				{PodSelector: &metav1.LabelSelector{}},
			},
		},
	}
}

func egressSpec(spec *networkingv1.NetworkPolicySpec) {
	tcp := corev1.ProtocolTCP
	udp := corev1.ProtocolUDP
	port53 := intstr.FromInt32(53)
	port443 := intstr.FromInt32(443)

	spec.PodSelector = metav1.LabelSelector{}
	spec.PolicyTypes = []networkingv1.PolicyType{networkingv1.PolicyTypeEgress}
	spec.Egress = []networkingv1.NetworkPolicyEgressRule{
		{
			To: []networkingv1.NetworkPolicyPeer{
				{
					NamespaceSelector: &metav1.LabelSelector{
						MatchLabels: map[string]string{namespaceNameLabel: "kube-system"},
					},
				},
			},
			Ports: []networkingv1.NetworkPolicyPort{
				{Protocol: &udp, Port: &port53},
				{Protocol: &tcp, Port: &port53},
			},
		},
		{
			Ports: []networkingv1.NetworkPolicyPort{
				{Protocol: &tcp, Port: &port443},
			},
		},
		{
			To: []networkingv1.NetworkPolicyPeer{
				{PodSelector: &metav1.LabelSelector{}},
			},
		},
	}
}
