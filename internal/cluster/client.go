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

package cluster

import (
	"context"

	corev1 "k8s.io/api/core/v1"
	rbacv1 "k8s.io/api/rbac/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"
)

// Client implements Gateway on top of a controller-runtime client. The
// client should not be cache-backed: every read must reach the API server.
type Client struct {
	client client.Client
}

var _ Gateway = (*Client)(nil)

// NewClient creates a Gateway backed by c.
func NewClient(c client.Client) *Client {
	return &Client{client: c}
}

// GetNamespace reports whether the namespace exists.
func (c *Client) GetNamespace(ctx context.Context, name string) (Lookup, error) {
	ns := &corev1.Namespace{}
	err := c.client.Get(ctx, types.NamespacedName{Name: name}, ns)
	switch {
	case err == nil:
		return Found, nil
	case apierrors.IsNotFound(err):
		return NotFound, nil
	default:
		return NotFound, &TransportError{Op: "get", Kind: "namespace", Name: name, Err: err}
	}
}

// CreateNamespace creates a namespace carrying labels.
func (c *Client) CreateNamespace(ctx context.Context, name string, labels map[string]string) (CreateOutcome, error) {
	ns := &corev1.Namespace{
		ObjectMeta: metav1.ObjectMeta{
			Name:   name,
			Labels: labels,
		},
	}
	return c.create(ctx, ns)
}

// ListRoleBindings returns every role binding in namespace.
func (c *Client) ListRoleBindings(ctx context.Context, namespace string) ([]rbacv1.RoleBinding, error) {
	var list rbacv1.RoleBindingList
	if err := c.client.List(ctx, &list, client.InNamespace(namespace)); err != nil {
		return nil, &TransportError{Op: "list", Kind: "rolebindings", Name: namespace, Err: err}
	}
	return list.Items, nil
}

// CreateResourceQuota creates quota.
func (c *Client) CreateResourceQuota(ctx context.Context, quota *corev1.ResourceQuota) (CreateOutcome, error) {
	return c.create(ctx, quota)
}

// CreateLimitRange creates lr.
func (c *Client) CreateLimitRange(ctx context.Context, lr *corev1.LimitRange) (CreateOutcome, error) {
	return c.create(ctx, lr)
}

// CreateRoleBinding creates rb.
func (c *Client) CreateRoleBinding(ctx context.Context, rb *rbacv1.RoleBinding) (CreateOutcome, error) {
	return c.create(ctx, rb)
}

// ListManagedNamespaces lists namespaces carrying labels.
func (c *Client) ListManagedNamespaces(ctx context.Context, labels client.MatchingLabels) ([]corev1.Namespace, error) {
	var list corev1.NamespaceList
	if err := c.client.List(ctx, &list, labels); err != nil {
		return nil, &TransportError{Op: "list", Kind: "namespaces", Err: err}
	}
	return list.Items, nil
}

func (c *Client) create(ctx context.Context, obj client.Object) (CreateOutcome, error) {
	err := c.client.Create(ctx, obj)
	switch {
	case err == nil:
		return Created, nil
	case apierrors.IsAlreadyExists(err):
		return AlreadyExists, nil
	default:
		return Created, &TransportError{Op: "create", Kind: kindOf(obj), Name: obj.GetName(), Err: err}
	}
}

func kindOf(obj client.Object) string {
	switch obj.(type) {
	case *corev1.Namespace:
		return "namespace"
	case *corev1.ResourceQuota:
		return "resourcequota"
	case *corev1.LimitRange:
		return "limitrange"
	case *rbacv1.RoleBinding:
		return "rolebinding"
	default:
		return "object"
	}
}
