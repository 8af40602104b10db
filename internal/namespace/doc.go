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

// Package namespace provides the naming and guardrail building blocks for
// self-service workspace namespaces.
//
// # Namespace Naming
//
// Namespaces are named after the local part of the owner's identity:
//
//	alice@example.com  -> alice
//	A.B-C@x.com        -> abc
//
// Everything outside [a-z0-9] is dropped. The result must be a valid DNS-1123
// label; identities that yield an empty or over-long name are rejected with
// ErrDerivation instead of being sent to the cluster.
//
// # Guardrails
//
// Every workspace namespace receives four objects, created together on first
// provisioning:
//
//   - workspace-quota: ResourceQuota capping aggregate CPU, memory, PVCs and
//     LoadBalancer services
//   - workspace-limits: LimitRange with per-container defaults and maximums
//   - workspace-owner: RoleBinding granting the owner's User the owner role
//   - workspace-events: RoleBinding granting the default ServiceAccount the
//     events role
//
// # Ownership
//
// A namespace belongs to the identity named as User subject in its role
// bindings. OwnedBy compares subject names exactly, so two identities sharing
// a local part (bob@a.com, bob@b.com) derive the same name but only the first
// one to provision owns it.
//
// # Usage Example
//
//	name, err := namespace.DeriveName(identity)
//	if err != nil {
//	    return err
//	}
//
//	g := namespace.BuildGuardrails(name, identity, namespace.DefaultGuardrailConfig())
//	for _, obj := range g.Objects() {
//	    // create obj
//	}
package namespace
