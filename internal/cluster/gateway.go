/*
Copyright (c) 2025 Mike Lane

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in all
copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
SOFTWARE.
*/

// Package cluster is the narrow view of the Kubernetes control plane that
// workspace provisioning needs. Every call is a single remote request whose
// outcome is returned as an explicit variant instead of an error to inspect.
package cluster

import (
	"context"
	"errors"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	rbacv1 "k8s.io/api/rbac/v1"
	"sigs.k8s.io/controller-runtime/pkg/client"
)

// Lookup is the result of reading a single object.
type Lookup int

const (
	NotFound Lookup = iota
	Found
)

func (l Lookup) String() string {
	if l == Found {
		return "Found"
	}
	return "NotFound"
}

// CreateOutcome is the result of a create call that reached the API server.
type CreateOutcome int

const (
	Created CreateOutcome = iota
	AlreadyExists
)

func (o CreateOutcome) String() string {
	if o == AlreadyExists {
		return "AlreadyExists"
	}
	return "Created"
}

// Gateway is the set of control-plane operations used by the provisioning
// engine. Expected conditions (not found, already exists) come back as
// Lookup/CreateOutcome values; anything else is a *TransportError.
type Gateway interface {
	GetNamespace(ctx context.Context, name string) (Lookup, error)
	CreateNamespace(ctx context.Context, name string, labels map[string]string) (CreateOutcome, error)
	ListRoleBindings(ctx context.Context, namespace string) ([]rbacv1.RoleBinding, error)
	CreateResourceQuota(ctx context.Context, quota *corev1.ResourceQuota) (CreateOutcome, error)
	CreateLimitRange(ctx context.Context, lr *corev1.LimitRange) (CreateOutcome, error)
	CreateRoleBinding(ctx context.Context, rb *rbacv1.RoleBinding) (CreateOutcome, error)

	// ListManagedNamespaces returns the namespaces matching the given labels.
	ListManagedNamespaces(ctx context.Context, labels client.MatchingLabels) ([]corev1.Namespace, error)
}

// ErrTransport is matched by every *TransportError.
var ErrTransport = errors.New("cluster request failed")

// TransportError wraps any failure other than not-found or already-exists,
// including timeouts and cancelled contexts.
type TransportError struct {
	Op   string
	Kind string
	Name string
	Err  error
}

func (e *TransportError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("%s %s %q: %v", e.Op, e.Kind, e.Name, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Kind, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Is matches ErrTransport.
func (e *TransportError) Is(target error) bool {
	return target == ErrTransport
}
