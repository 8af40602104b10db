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
	"errors"
	"time"

	corev1 "k8s.io/api/core/v1"
	rbacv1 "k8s.io/api/rbac/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	utilnet "k8s.io/apimachinery/pkg/util/net"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/util/retry"
	"sigs.k8s.io/controller-runtime/pkg/client"
)

// DefaultBackoff is used by WithRetry when no backoff is given.
var DefaultBackoff = wait.Backoff{
	Steps:    3,
	Duration: 100 * time.Millisecond,
	Factor:   2.0,
	Jitter:   0.2,
	Cap:      2 * time.Second,
}

// retrying decorates a Gateway with bounded retries on transient failures.
type retrying struct {
	next    Gateway
	backoff wait.Backoff
}

// WithRetry wraps next so that transient API server failures (timeouts,
// throttling, unavailable, dropped connections) are retried with backoff.
// Not-found and already-exists outcomes are returned as-is, and nothing is
// retried once ctx is done.
func WithRetry(next Gateway, backoff wait.Backoff) Gateway {
	if backoff.Steps == 0 {
		backoff = DefaultBackoff
	}
	return &retrying{next: next, backoff: backoff}
}

// do runs fn under the backoff. retry.OnError reports a non-retryable error
// that wraps a context error as nil, so the last attempt's error is kept and
// returned instead.
func (r *retrying) do(ctx context.Context, fn func() error) error {
	var last error
	err := retry.OnError(r.backoff, func(err error) bool {
		if ctx.Err() != nil {
			return false
		}
		return IsRetryable(err)
	}, func() error {
		last = fn()
		return last
	})
	if err == nil {
		return last
	}
	return err
}

// IsRetryable reports whether err is a transient failure worth another attempt.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return apierrors.IsServerTimeout(err) ||
		apierrors.IsTimeout(err) ||
		apierrors.IsTooManyRequests(err) ||
		apierrors.IsServiceUnavailable(err) ||
		apierrors.IsInternalError(err) ||
		utilnet.IsConnectionReset(err) ||
		utilnet.IsProbableEOF(err)
}

func (r *retrying) GetNamespace(ctx context.Context, name string) (Lookup, error) {
	var out Lookup
	err := r.do(ctx, func() error {
		var err error
		out, err = r.next.GetNamespace(ctx, name)
		return err
	})
	return out, err
}

func (r *retrying) CreateNamespace(ctx context.Context, name string, labels map[string]string) (CreateOutcome, error) {
	var out CreateOutcome
	err := r.do(ctx, func() error {
		var err error
		out, err = r.next.CreateNamespace(ctx, name, labels)
		return err
	})
	return out, err
}

func (r *retrying) ListRoleBindings(ctx context.Context, namespace string) ([]rbacv1.RoleBinding, error) {
	var out []rbacv1.RoleBinding
	err := r.do(ctx, func() error {
		var err error
		out, err = r.next.ListRoleBindings(ctx, namespace)
		return err
	})
	return out, err
}

func (r *retrying) CreateResourceQuota(ctx context.Context, quota *corev1.ResourceQuota) (CreateOutcome, error) {
	return r.create(ctx, func() (CreateOutcome, error) {
		return r.next.CreateResourceQuota(ctx, quota.DeepCopy())
	})
}

func (r *retrying) CreateLimitRange(ctx context.Context, lr *corev1.LimitRange) (CreateOutcome, error) {
	return r.create(ctx, func() (CreateOutcome, error) {
		return r.next.CreateLimitRange(ctx, lr.DeepCopy())
	})
}

func (r *retrying) CreateRoleBinding(ctx context.Context, rb *rbacv1.RoleBinding) (CreateOutcome, error) {
	return r.create(ctx, func() (CreateOutcome, error) {
		return r.next.CreateRoleBinding(ctx, rb.DeepCopy())
	})
}

func (r *retrying) ListManagedNamespaces(ctx context.Context, labels client.MatchingLabels) ([]corev1.Namespace, error) {
	var out []corev1.Namespace
	err := r.do(ctx, func() error {
		var err error
		out, err = r.next.ListManagedNamespaces(ctx, labels)
		return err
	})
	return out, err
}

// create retries with a fresh copy each attempt, since a failed Create may
// have mutated the object's metadata.
func (r *retrying) create(ctx context.Context, fn func() (CreateOutcome, error)) (CreateOutcome, error) {
	var out CreateOutcome
	err := r.do(ctx, func() error {
		var err error
		out, err = fn()
		return err
	})
	return out, err
}
