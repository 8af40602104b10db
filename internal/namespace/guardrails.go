// Copyright 2025 The Previewd Authors
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

package namespace

import (
	corev1 "k8s.io/api/core/v1"
	rbacv1 "k8s.io/api/rbac/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/controller-runtime/pkg/client"
)

const (
	// ManagedByLabel marks every object created by nsgate.
	ManagedByLabel = "app.kubernetes.io/managed-by"
	managedByValue = "nsgate"

	// WorkspaceLabel marks namespaces handed out to end users.
	WorkspaceLabel = "nsgate.io/workspace"

	QuotaName             = "workspace-quota"
	LimitRangeName        = "workspace-limits"
	OwnerBindingName      = "workspace-owner"
	EventsBindingName     = "workspace-events"
	defaultServiceAccount = "default"
)

// GuardrailConfig holds the quota, limit and role settings applied to new
// workspace namespaces.
type GuardrailConfig struct {
	// Quota is the aggregate ceiling for the namespace.
	Quota corev1.ResourceList

	// DefaultRequest, DefaultLimit and Max bound each container.
	DefaultRequest corev1.ResourceList
	DefaultLimit   corev1.ResourceList
	Max            corev1.ResourceList

	// OwnerRole is the ClusterRole granted to the owning user.
	OwnerRole string

	// EventsRole is the ClusterRole granted to the default service account.
	EventsRole string
}

// DefaultGuardrailConfig returns the guardrails used when nothing else is configured.
func DefaultGuardrailConfig() GuardrailConfig {
	return GuardrailConfig{
		Quota: corev1.ResourceList{
			corev1.ResourceRequestsCPU:            resource.MustParse("2"),
			corev1.ResourceRequestsMemory:         resource.MustParse("4Gi"),
			corev1.ResourceLimitsCPU:              resource.MustParse("4"),
			corev1.ResourceLimitsMemory:           resource.MustParse("8Gi"),
			corev1.ResourcePersistentVolumeClaims: resource.MustParse("2"),
			corev1.ResourceServicesLoadBalancers:  resource.MustParse("0"),
		},
		DefaultRequest: corev1.ResourceList{
			corev1.ResourceCPU:    resource.MustParse("100m"),
			corev1.ResourceMemory: resource.MustParse("128Mi"),
		},
		DefaultLimit: corev1.ResourceList{
			corev1.ResourceCPU:    resource.MustParse("500m"),
			corev1.ResourceMemory: resource.MustParse("512Mi"),
		},
		Max: corev1.ResourceList{
			corev1.ResourceCPU:    resource.MustParse("2"),
			corev1.ResourceMemory: resource.MustParse("4Gi"),
		},
		OwnerRole:  "workshop-user",
		EventsRole: "event-viewer",
	}
}

// Labels returns the label set stamped on workspace namespaces.
func Labels() map[string]string {
	return map[string]string{
		ManagedByLabel: managedByValue,
		WorkspaceLabel: "true",
	}
}

// ManagedSelector matches namespaces created by nsgate.
func ManagedSelector() client.MatchingLabels {
	return client.MatchingLabels(Labels())
}

func guardrailLabels() map[string]string {
	return map[string]string{ManagedByLabel: managedByValue}
}

// Guardrails is the full set of objects created on first provisioning.
type Guardrails struct {
	Quota         *corev1.ResourceQuota
	LimitRange    *corev1.LimitRange
	OwnerBinding  *rbacv1.RoleBinding
	EventsBinding *rbacv1.RoleBinding
}

// BuildGuardrails returns the guardrail objects for namespace ns owned by identity.
func BuildGuardrails(ns, identity string, cfg GuardrailConfig) Guardrails {
	return Guardrails{
		Quota:         resourceQuota(ns, cfg),
		LimitRange:    limitRange(ns, cfg),
		OwnerBinding:  ownerBinding(ns, identity, cfg),
		EventsBinding: eventsBinding(ns, cfg),
	}
}

// Objects returns the guardrails as a slice, in creation order.
func (g Guardrails) Objects() []client.Object {
	return []client.Object{g.Quota, g.LimitRange, g.OwnerBinding, g.EventsBinding}
}

func resourceQuota(ns string, cfg GuardrailConfig) *corev1.ResourceQuota {
	return &corev1.ResourceQuota{
		ObjectMeta: metav1.ObjectMeta{
			Name:      QuotaName,
			Namespace: ns,
			Labels:    guardrailLabels(),
		},
		Spec: corev1.ResourceQuotaSpec{
			Hard: cfg.Quota.DeepCopy(),
		},
	}
}

func limitRange(ns string, cfg GuardrailConfig) *corev1.LimitRange {
	return &corev1.LimitRange{
		ObjectMeta: metav1.ObjectMeta{
			Name:      LimitRangeName,
			Namespace: ns,
			Labels:    guardrailLabels(),
		},
		Spec: corev1.LimitRangeSpec{
			Limits: []corev1.LimitRangeItem{
				{
					Type:           corev1.LimitTypeContainer,
					Default:        cfg.DefaultLimit.DeepCopy(),
					DefaultRequest: cfg.DefaultRequest.DeepCopy(),
					Max:            cfg.Max.DeepCopy(),
				},
			},
		},
	}
}

func ownerBinding(ns, identity string, cfg GuardrailConfig) *rbacv1.RoleBinding {
	return &rbacv1.RoleBinding{
		ObjectMeta: metav1.ObjectMeta{
			Name:      OwnerBindingName,
			Namespace: ns,
			Labels:    guardrailLabels(),
		},
		Subjects: []rbacv1.Subject{
			{
				Kind:     rbacv1.UserKind,
				APIGroup: rbacv1.GroupName,
				Name:     identity,
			},
		},
		RoleRef: rbacv1.RoleRef{
			APIGroup: rbacv1.GroupName,
			Kind:     "ClusterRole",
			Name:     cfg.OwnerRole,
		},
	}
}

func eventsBinding(ns string, cfg GuardrailConfig) *rbacv1.RoleBinding {
	return &rbacv1.RoleBinding{
		ObjectMeta: metav1.ObjectMeta{
			Name:      EventsBindingName,
			Namespace: ns,
			Labels:    guardrailLabels(),
		},
		Subjects: []rbacv1.Subject{
			{
				Kind:      rbacv1.ServiceAccountKind,
				Name:      defaultServiceAccount,
				Namespace: ns,
			},
		},
		RoleRef: rbacv1.RoleRef{
			APIGroup: rbacv1.GroupName,
			Kind:     "ClusterRole",
			Name:     cfg.EventsRole,
		},
	}
}

// OwnedBy reports whether any binding grants identity as a User subject.
// The comparison is exact and case-sensitive.
func OwnedBy(bindings []rbacv1.RoleBinding, identity string) bool {
	for i := range bindings {
		for _, s := range bindings[i].Subjects {
			if s.Kind == rbacv1.UserKind && s.Name == identity {
				return true
			}
		}
	}
	return false
}

// HasOwner reports whether any binding carries a User subject at all.
func HasOwner(bindings []rbacv1.RoleBinding) bool {
	for i := range bindings {
		for _, s := range bindings[i].Subjects {
			if s.Kind == rbacv1.UserKind {
				return true
			}
		}
	}
	return false
}
