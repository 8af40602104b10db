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

package provision

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	rbacv1 "k8s.io/api/rbac/v1"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/mikelane/nsgate/internal/cluster"
	"github.com/mikelane/nsgate/internal/kubeconfig"
	"github.com/mikelane/nsgate/internal/logging"
	"github.com/mikelane/nsgate/internal/metrics"
	"github.com/mikelane/nsgate/internal/namespace"
)

// State is the position of a request in the provisioning state machine.
type State int

const (
	StateUnresolved State = iota
	StateChecked
	StateProvisioned
	StateOwnershipConflict
	StateProvisionFailed
	StateCredentialed
)

func (s State) String() string {
	switch s {
	case StateUnresolved:
		return "Unresolved"
	case StateChecked:
		return "Checked"
	case StateProvisioned:
		return "Provisioned"
	case StateOwnershipConflict:
		return "OwnershipConflict"
	case StateProvisionFailed:
		return "ProvisionFailed"
	case StateCredentialed:
		return "Credentialed"
	default:
		return "Unknown"
	}
}

// Result describes what Ensure did.
type Result struct {
	Namespace string
	State     State

	// FirstProvision is true when this request created the guardrail set.
	FirstProvision bool
}

// Bundler builds the credential document for a provisioned namespace.
type Bundler interface {
	Build(ctx context.Context, namespace string) (*kubeconfig.Bundle, error)
}

// Engine provisions workspace namespaces and enforces single ownership. It
// keeps no state between requests; the cluster is the only source of truth.
type Engine struct {
	gateway    cluster.Gateway
	bundler    Bundler
	guardrails namespace.GuardrailConfig
	tracer     trace.Tracer
}

// Option configures an Engine.
type Option func(*Engine)

// WithGuardrails overrides the default guardrail configuration.
func WithGuardrails(cfg namespace.GuardrailConfig) Option {
	return func(e *Engine) {
		e.guardrails = cfg
	}
}

// NewEngine creates an Engine.
func NewEngine(gw cluster.Gateway, bundler Bundler, opts ...Option) *Engine {
	e := &Engine{
		gateway:    gw,
		bundler:    bundler,
		guardrails: namespace.DefaultGuardrailConfig(),
		tracer:     otel.Tracer("github.com/mikelane/nsgate/internal/provision"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Outcome is the single answer returned for a provisioning request.
type Outcome struct {
	Kind      Kind
	Namespace string
	Result    Result

	// Bundle is set when Kind is KindCredentialed.
	Bundle *kubeconfig.Bundle

	// Err is set for every other Kind.
	Err *Error
}

// Provision runs the whole workflow for an already verified identity:
// derive the namespace name, ensure it, and build credentials for it.
func (e *Engine) Provision(ctx context.Context, identity string) Outcome {
	start := time.Now()
	out := e.provision(ctx, identity)
	metrics.ObserveProvision(out.Kind.String(), time.Since(start))

	log.FromContext(ctx).Info("Provisioning finished",
		logging.KeyNamespace, out.Namespace,
		logging.KeyUser, logging.UserHash(identity),
		logging.KeyOutcome, out.Kind.String(),
		logging.KeyDuration, time.Since(start).String())
	return out
}

func (e *Engine) provision(ctx context.Context, identity string) Outcome {
	name, err := namespace.DeriveName(identity)
	if err != nil {
		return Outcome{Kind: KindDerivationFailed, Err: failed(KindDerivationFailed, "", err)}
	}

	res, err := e.Ensure(ctx, name, identity)
	if err != nil {
		var perr *Error
		if !errors.As(err, &perr) {
			perr = failed(KindProvisionFailed, name, err)
		}
		return Outcome{Kind: perr.Kind, Namespace: name, Result: res, Err: perr}
	}

	bundle, err := e.bundler.Build(ctx, name)
	if err != nil {
		return Outcome{
			Kind:      KindBundleFailed,
			Namespace: name,
			Result:    res,
			Err:       failed(KindBundleFailed, name, err),
		}
	}

	res.State = StateCredentialed
	return Outcome{Kind: KindCredentialed, Namespace: name, Result: res, Bundle: bundle}
}

// Ensure makes sure namespace name exists with its guardrails and is owned
// by identity. Calling it again for the same pair changes nothing and
// succeeds. Failures are returned as *Error.
func (e *Engine) Ensure(ctx context.Context, name, identity string) (Result, error) {
	ctx, span := e.tracer.Start(ctx, "provision.Ensure",
		trace.WithAttributes(attribute.String("namespace", name)))
	defer span.End()

	logger := log.FromContext(ctx).WithValues(
		logging.KeyNamespace, name,
		logging.KeyUser, logging.UserHash(identity))
	ctx = log.IntoContext(ctx, logger)

	res := Result{Namespace: name, State: StateUnresolved}

	if err := e.ensureNamespace(ctx, name); err != nil {
		return e.fail(span, res, KindProvisionFailed, err)
	}
	res.State = StateChecked

	bindings, err := e.gateway.ListRoleBindings(ctx, name)
	if err != nil {
		return e.fail(span, res, KindProvisionFailed, err)
	}

	if namespace.HasOwner(bindings) {
		return e.checkOwnership(span, res, bindings, identity)
	}
	if len(bindings) > 0 {
		logger.Info("Namespace has guardrails but no owner, completing the set")
	}

	return e.createGuardrails(ctx, span, res, identity)
}

// ensureNamespace creates the namespace if it is missing. A failed create
// does not abort the request: the namespace may exist anyway, and if it does
// not the guardrail creates fail and report it.
func (e *Engine) ensureNamespace(ctx context.Context, name string) error {
	logger := log.FromContext(ctx)

	lookup, err := e.gateway.GetNamespace(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to look up namespace: %w", err)
	}

	switch lookup {
	case cluster.Found:
		return nil
	case cluster.NotFound:
		outcome, err := e.gateway.CreateNamespace(ctx, name, namespace.Labels())
		switch {
		case err != nil:
			logger.Error(err, "Failed to create namespace, continuing with guardrail check")
		case outcome == cluster.AlreadyExists:
			logger.V(1).Info("Namespace was created concurrently")
		default:
			logger.Info("Created namespace")
		}
		return nil
	default:
		return fmt.Errorf("unexpected namespace lookup result %v", lookup)
	}
}

func (e *Engine) checkOwnership(span trace.Span, res Result, bindings []rbacv1.RoleBinding, identity string) (Result, error) {
	if namespace.OwnedBy(bindings, identity) {
		res.State = StateProvisioned
		return res, nil
	}
	res.State = StateOwnershipConflict
	span.SetStatus(codes.Error, KindOwnershipConflict.String())
	return res, failed(KindOwnershipConflict, res.Namespace, nil)
}

type guardrailOutcome struct {
	outcome cluster.CreateOutcome
	err     error
}

// createGuardrails creates the quota, limit range and events binding
// concurrently, then the owner binding. The owner binding is the commit
// marker: it is only written once the rest of the set exists, and exactly one
// request can create it. A failure before that point leaves an unclaimed
// namespace which the next request completes; nothing is ever deleted.
func (e *Engine) createGuardrails(ctx context.Context, span trace.Span, res Result, identity string) (Result, error) {
	logger := log.FromContext(ctx)
	g := namespace.BuildGuardrails(res.Namespace, identity, e.guardrails)

	creates := []func(context.Context) (cluster.CreateOutcome, error){
		func(ctx context.Context) (cluster.CreateOutcome, error) {
			return e.gateway.CreateResourceQuota(ctx, g.Quota)
		},
		func(ctx context.Context) (cluster.CreateOutcome, error) {
			return e.gateway.CreateLimitRange(ctx, g.LimitRange)
		},
		func(ctx context.Context) (cluster.CreateOutcome, error) {
			return e.gateway.CreateRoleBinding(ctx, g.EventsBinding)
		},
	}
	outcomes := make([]guardrailOutcome, len(creates))

	// Each task reports through its own slot and never returns an error, so
	// one failure does not cancel the others.
	var eg errgroup.Group
	for i, create := range creates {
		eg.Go(func() error {
			out, err := create(ctx)
			outcomes[i] = guardrailOutcome{outcome: out, err: err}
			return nil
		})
	}
	_ = eg.Wait()

	var errs []error
	for _, o := range outcomes {
		if o.err != nil {
			errs = append(errs, o.err)
		}
	}
	if len(errs) > 0 {
		return e.fail(span, res, KindProvisionFailed,
			fmt.Errorf("failed to create guardrails: %w", errors.Join(errs...)))
	}

	outcome, err := e.gateway.CreateRoleBinding(ctx, g.OwnerBinding)
	if err != nil {
		return e.fail(span, res, KindProvisionFailed,
			fmt.Errorf("failed to create owner binding: %w", err))
	}
	if outcome == cluster.AlreadyExists {
		logger.Info("Owner binding was created concurrently, re-checking ownership")
		bindings, err := e.gateway.ListRoleBindings(ctx, res.Namespace)
		if err != nil {
			return e.fail(span, res, KindProvisionFailed, err)
		}
		return e.checkOwnership(span, res, bindings, identity)
	}

	metrics.GuardrailsCreatedTotal.Inc()
	logger.Info("Created guardrails")
	res.State = StateProvisioned
	res.FirstProvision = true
	return res, nil
}

func (e *Engine) fail(span trace.Span, res Result, kind Kind, err error) (Result, error) {
	res.State = StateProvisionFailed
	span.RecordError(err)
	span.SetStatus(codes.Error, kind.String())
	return res, failed(kind, res.Namespace, err)
}
