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
	"strings"
	"sync"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus/testutil"
	corev1 "k8s.io/api/core/v1"
	rbacv1 "k8s.io/api/rbac/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/util/wait"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"
	"sigs.k8s.io/controller-runtime/pkg/client/interceptor"

	"github.com/mikelane/nsgate/internal/cluster"
	"github.com/mikelane/nsgate/internal/kubeconfig"
	"github.com/mikelane/nsgate/internal/metrics"
	"github.com/mikelane/nsgate/internal/namespace"
)

const testCA = "-----BEGIN CERTIFICATE-----\nMIIBszCCAVmgAwIBAgIUFakeTestCertificate\n-----END CERTIFICATE-----\n"

var fastBackoff = wait.Backoff{Steps: 3, Duration: time.Millisecond, Factor: 1}

func testBundler() *kubeconfig.Bundler {
	return kubeconfig.NewBundler(kubeconfig.Options{
		Server: "https://203.0.113.10",
		CAData: []byte(testCA),
	})
}

// seededGuardrails returns the guardrail objects as if owner had already provisioned ns.
func seededGuardrails(ns, owner string) []client.Object {
	return namespace.BuildGuardrails(ns, owner, namespace.DefaultGuardrailConfig()).Objects()
}

func managedNamespace(name string) *corev1.Namespace {
	return &corev1.Namespace{
		ObjectMeta: metav1.ObjectMeta{Name: name, Labels: namespace.Labels()},
	}
}

var _ = Describe("Provisioning Engine", func() {
	var (
		ctx     context.Context
		creates atomic.Int32
		deletes atomic.Int32
		funcs   interceptor.Funcs
		objects []client.Object
	)

	// counting wraps funcs so every create and delete reaching the store is counted.
	counting := func(f interceptor.Funcs) interceptor.Funcs {
		create := f.Create
		f.Create = func(ctx context.Context, c client.WithWatch, obj client.Object, opts ...client.CreateOption) error {
			creates.Add(1)
			if create != nil {
				return create(ctx, c, obj, opts...)
			}
			return c.Create(ctx, obj, opts...)
		}
		del := f.Delete
		f.Delete = func(ctx context.Context, c client.WithWatch, obj client.Object, opts ...client.DeleteOption) error {
			deletes.Add(1)
			if del != nil {
				return del(ctx, c, obj, opts...)
			}
			return c.Delete(ctx, obj, opts...)
		}
		return f
	}

	newEngine := func() (*Engine, client.Client) {
		c := fake.NewClientBuilder().
			WithObjects(objects...).
			WithInterceptorFuncs(counting(funcs)).
			Build()
		gw := cluster.WithRetry(cluster.NewClient(c), fastBackoff)
		return NewEngine(gw, testBundler()), c
	}

	listBindings := func(c client.Client, ns string) []rbacv1.RoleBinding {
		var list rbacv1.RoleBindingList
		Expect(c.List(ctx, &list, client.InNamespace(ns))).To(Succeed())
		return list.Items
	}

	BeforeEach(func() {
		ctx = context.Background()
		creates.Store(0)
		deletes.Store(0)
		funcs = interceptor.Funcs{}
		objects = nil
	})

	Describe("Scenario: First provisioning", func() {
		It("should create the namespace and all four guardrails", func() {
			engine, c := newEngine()
			before := testutil.ToFloat64(metrics.GuardrailsCreatedTotal)

			By("provisioning a fresh identity")
			out := engine.Provision(ctx, "alice@example.com")
			Expect(out.Err).To(BeNil())
			Expect(out.Kind).To(Equal(KindCredentialed))
			Expect(out.Namespace).To(Equal("alice"))
			Expect(out.Result.FirstProvision).To(BeTrue())
			Expect(out.Result.State).To(Equal(StateCredentialed))
			Expect(out.Bundle).NotTo(BeNil())
			Expect(out.Bundle.Config.Contexts[0].Context.Namespace).To(Equal("alice"))

			By("checking the namespace carries the managed labels")
			ns := &corev1.Namespace{}
			Expect(c.Get(ctx, types.NamespacedName{Name: "alice"}, ns)).To(Succeed())
			Expect(ns.Labels).To(HaveKeyWithValue(namespace.ManagedByLabel, "nsgate"))
			Expect(ns.Labels).To(HaveKeyWithValue(namespace.WorkspaceLabel, "true"))

			By("checking the guardrails exist")
			Expect(c.Get(ctx, types.NamespacedName{Namespace: "alice", Name: namespace.QuotaName}, &corev1.ResourceQuota{})).To(Succeed())
			Expect(c.Get(ctx, types.NamespacedName{Namespace: "alice", Name: namespace.LimitRangeName}, &corev1.LimitRange{})).To(Succeed())
			bindings := listBindings(c, "alice")
			Expect(bindings).To(HaveLen(2))
			Expect(namespace.OwnedBy(bindings, "alice@example.com")).To(BeTrue())

			Expect(creates.Load()).To(Equal(int32(5)))
			Expect(testutil.ToFloat64(metrics.GuardrailsCreatedTotal)).To(Equal(before + 1))
		})
	})

	Describe("Scenario: Repeated provisioning by the owner", func() {
		BeforeEach(func() {
			objects = append([]client.Object{managedNamespace("alice")},
				seededGuardrails("alice", "alice@example.com")...)
		})

		It("should succeed without mutating the cluster", func() {
			engine, _ := newEngine()

			for range 3 {
				out := engine.Provision(ctx, "alice@example.com")
				Expect(out.Kind).To(Equal(KindCredentialed))
				Expect(out.Result.FirstProvision).To(BeFalse())
				Expect(out.Bundle).NotTo(BeNil())
			}
			Expect(creates.Load()).To(BeZero())
			Expect(deletes.Load()).To(BeZero())
		})

		It("should return identical bundles", func() {
			engine, _ := newEngine()

			first := engine.Provision(ctx, "alice@example.com")
			second := engine.Provision(ctx, "alice@example.com")
			a, err := first.Bundle.YAML()
			Expect(err).NotTo(HaveOccurred())
			b, err := second.Bundle.YAML()
			Expect(err).NotTo(HaveOccurred())
			Expect(b).To(Equal(a))
		})
	})

	Describe("Scenario: Another identity derives the same name", func() {
		BeforeEach(func() {
			objects = append([]client.Object{managedNamespace("bob")},
				seededGuardrails("bob", "bob@a.com")...)
		})

		It("should report an ownership conflict and leave the cluster untouched", func() {
			engine, c := newEngine()
			before := testutil.ToFloat64(metrics.ProvisionTotal.WithLabelValues("ownership_conflict"))

			out := engine.Provision(ctx, "bob@b.com")
			Expect(out.Kind).To(Equal(KindOwnershipConflict))
			Expect(out.Bundle).To(BeNil())
			Expect(out.Result.State).To(Equal(StateOwnershipConflict))
			Expect(errors.Is(out.Err, ErrOwnershipConflict)).To(BeTrue())

			By("not leaking the owner in the user-facing message")
			Expect(out.Err.UserFacingError()).NotTo(ContainSubstring("bob@a.com"))
			Expect(out.Err.UserFacingError()).NotTo(ContainSubstring("@"))

			Expect(creates.Load()).To(BeZero())
			Expect(namespace.OwnedBy(listBindings(c, "bob"), "bob@a.com")).To(BeTrue())
			Expect(testutil.ToFloat64(metrics.ProvisionTotal.WithLabelValues("ownership_conflict"))).To(Equal(before + 1))
		})

		It("should compare identities case-sensitively", func() {
			engine, _ := newEngine()

			out := engine.Provision(ctx, "Bob@a.com")
			Expect(out.Kind).To(Equal(KindOwnershipConflict))
		})
	})

	Describe("Scenario: Namespace exists without an owner", func() {
		BeforeEach(func() {
			objects = []client.Object{managedNamespace("carol")}
		})

		It("should claim it with a fresh guardrail set", func() {
			engine, c := newEngine()

			out := engine.Provision(ctx, "carol@example.com")
			Expect(out.Kind).To(Equal(KindCredentialed))
			Expect(out.Result.FirstProvision).To(BeTrue())
			Expect(creates.Load()).To(Equal(int32(4)))
			Expect(namespace.OwnedBy(listBindings(c, "carol"), "carol@example.com")).To(BeTrue())
		})
	})

	Describe("Scenario: Namespace created concurrently", func() {
		BeforeEach(func() {
			funcs.Create = func(ctx context.Context, c client.WithWatch, obj client.Object, opts ...client.CreateOption) error {
				if _, ok := obj.(*corev1.Namespace); ok {
					return apierrors.NewAlreadyExists(schema.GroupResource{Resource: "namespaces"}, obj.GetName())
				}
				return c.Create(ctx, obj, opts...)
			}
		})

		It("should treat the lost race as existence and continue", func() {
			engine, _ := newEngine()

			out := engine.Provision(ctx, "dave@example.com")
			Expect(out.Kind).To(Equal(KindCredentialed))
			Expect(out.Result.FirstProvision).To(BeTrue())
		})
	})

	Describe("Scenario: Namespace create fails", func() {
		BeforeEach(func() {
			// Behave like an API server: namespaced creates need the namespace.
			funcs.Create = func(ctx context.Context, c client.WithWatch, obj client.Object, opts ...client.CreateOption) error {
				if _, ok := obj.(*corev1.Namespace); ok {
					return apierrors.NewForbidden(schema.GroupResource{Resource: "namespaces"}, obj.GetName(), errors.New("denied"))
				}
				if err := c.Get(ctx, types.NamespacedName{Name: obj.GetNamespace()}, &corev1.Namespace{}); err != nil {
					return err
				}
				return c.Create(ctx, obj, opts...)
			}
		})

		It("should surface the failure through the guardrail step", func() {
			engine, _ := newEngine()

			out := engine.Provision(ctx, "dana@example.com")
			Expect(out.Kind).To(Equal(KindProvisionFailed))
			Expect(out.Result.State).To(Equal(StateProvisionFailed))
			Expect(deletes.Load()).To(BeZero())
		})

		It("should continue when the namespace exists anyway", func() {
			objects = []client.Object{managedNamespace("dana")}
			hidden := true
			funcs.Get = func(ctx context.Context, c client.WithWatch, key client.ObjectKey, obj client.Object, opts ...client.GetOption) error {
				if _, ok := obj.(*corev1.Namespace); ok && key.Name == "dana" && hidden {
					hidden = false
					return apierrors.NewNotFound(schema.GroupResource{Resource: "namespaces"}, key.Name)
				}
				return c.Get(ctx, key, obj, opts...)
			}
			engine, _ := newEngine()

			out := engine.Provision(ctx, "dana@example.com")
			Expect(out.Kind).To(Equal(KindCredentialed))
			Expect(out.Result.FirstProvision).To(BeTrue())
		})
	})

	Describe("Scenario: Guardrails created concurrently", func() {
		// The first listing sees nothing; the concurrent provisioner's
		// bindings become visible afterwards.
		hideFirstList := func() {
			var lists atomic.Int32
			funcs.List = func(ctx context.Context, c client.WithWatch, list client.ObjectList, opts ...client.ListOption) error {
				if _, ok := list.(*rbacv1.RoleBindingList); ok && lists.Add(1) == 1 {
					return nil
				}
				return c.List(ctx, list, opts...)
			}
		}

		It("should report a conflict when the other request won for a different identity", func() {
			objects = append([]client.Object{managedNamespace("erin")},
				seededGuardrails("erin", "erin@a.com")...)
			hideFirstList()
			engine, c := newEngine()

			out := engine.Provision(ctx, "erin@b.com")
			Expect(out.Kind).To(Equal(KindOwnershipConflict))
			Expect(deletes.Load()).To(BeZero())
			Expect(namespace.OwnedBy(listBindings(c, "erin"), "erin@a.com")).To(BeTrue())
		})

		It("should succeed when the other request was the same identity", func() {
			objects = append([]client.Object{managedNamespace("erin")},
				seededGuardrails("erin", "erin@a.com")...)
			hideFirstList()
			engine, _ := newEngine()

			out := engine.Provision(ctx, "erin@a.com")
			Expect(out.Kind).To(Equal(KindCredentialed))
			Expect(out.Result.FirstProvision).To(BeFalse())
		})
	})

	Describe("Scenario: A guardrail create fails", func() {
		var denyLimitRange atomic.Bool

		BeforeEach(func() {
			denyLimitRange.Store(true)
			funcs.Create = func(ctx context.Context, c client.WithWatch, obj client.Object, opts ...client.CreateOption) error {
				if _, ok := obj.(*corev1.LimitRange); ok && denyLimitRange.Load() {
					return apierrors.NewForbidden(schema.GroupResource{Resource: "limitranges"}, obj.GetName(), errors.New("denied"))
				}
				return c.Create(ctx, obj, opts...)
			}
		})

		It("should fail without claiming the namespace", func() {
			engine, c := newEngine()

			out := engine.Provision(ctx, "frank@example.com")
			Expect(out.Kind).To(Equal(KindProvisionFailed))
			Expect(out.Bundle).To(BeNil())
			Expect(errors.Is(out.Err, ErrProvisionFailed)).To(BeTrue())
			Expect(errors.Is(out.Err, cluster.ErrTransport)).To(BeTrue())

			By("never writing the owner binding")
			bindings := listBindings(c, "frank")
			Expect(namespace.HasOwner(bindings)).To(BeFalse())
			err := c.Get(ctx, types.NamespacedName{Namespace: "frank", Name: namespace.OwnerBindingName}, &rbacv1.RoleBinding{})
			Expect(apierrors.IsNotFound(err)).To(BeTrue())

			By("leaving what was created in place")
			Expect(c.Get(ctx, types.NamespacedName{Namespace: "frank", Name: namespace.QuotaName}, &corev1.ResourceQuota{})).To(Succeed())
			Expect(deletes.Load()).To(BeZero())
		})

		It("should complete the set on the next request", func() {
			engine, c := newEngine()

			Expect(engine.Provision(ctx, "frank@example.com").Kind).To(Equal(KindProvisionFailed))

			denyLimitRange.Store(false)
			out := engine.Provision(ctx, "frank@example.com")
			Expect(out.Kind).To(Equal(KindCredentialed))
			Expect(out.Result.FirstProvision).To(BeTrue())

			Expect(c.Get(ctx, types.NamespacedName{Namespace: "frank", Name: namespace.LimitRangeName}, &corev1.LimitRange{})).To(Succeed())
			bindings := listBindings(c, "frank")
			Expect(bindings).To(HaveLen(2))
			Expect(namespace.OwnedBy(bindings, "frank@example.com")).To(BeTrue())
			Expect(deletes.Load()).To(BeZero())
		})

		It("should let another identity claim the unfinished namespace", func() {
			engine, c := newEngine()

			Expect(engine.Provision(ctx, "frank@a.com").Kind).To(Equal(KindProvisionFailed))

			denyLimitRange.Store(false)
			out := engine.Provision(ctx, "frank@b.com")
			Expect(out.Kind).To(Equal(KindCredentialed))
			Expect(namespace.OwnedBy(listBindings(c, "frank"), "frank@b.com")).To(BeTrue())
			Expect(engine.Provision(ctx, "frank@a.com").Kind).To(Equal(KindOwnershipConflict))
		})

		It("should not expose cluster error text to the user", func() {
			engine, _ := newEngine()

			out := engine.Provision(ctx, "frank@example.com")
			Expect(out.Err.Error()).To(ContainSubstring("denied"))
			Expect(out.Err.UserFacingError()).To(Equal("failed to provision namespace"))
		})
	})

	Describe("Scenario: A concurrent request fails part way through", func() {
		It("should leave the winner's guardrails intact", func() {
			reached := make(chan struct{})
			release := make(chan struct{})
			var limitRanges atomic.Int32
			// The first limit range create stalls until released, then is denied.
			funcs.Create = func(ctx context.Context, c client.WithWatch, obj client.Object, opts ...client.CreateOption) error {
				if _, ok := obj.(*corev1.LimitRange); ok && limitRanges.Add(1) == 1 {
					close(reached)
					<-release
					return apierrors.NewForbidden(schema.GroupResource{Resource: "limitranges"}, obj.GetName(), errors.New("denied"))
				}
				return c.Create(ctx, obj, opts...)
			}
			engine, c := newEngine()

			By("starting a request that stalls mid-set")
			stalled := make(chan Outcome, 1)
			go func() {
				defer GinkgoRecover()
				stalled <- engine.Provision(ctx, "kate@a.com")
			}()
			Eventually(reached).Should(BeClosed())

			By("letting a colliding request finish meanwhile")
			winner := engine.Provision(ctx, "kate@b.com")
			Expect(winner.Kind).To(Equal(KindCredentialed))
			Expect(winner.Result.FirstProvision).To(BeTrue())

			By("failing the stalled request")
			close(release)
			var loser Outcome
			Eventually(stalled).Should(Receive(&loser))
			Expect(loser.Kind).To(Equal(KindProvisionFailed))
			Expect(loser.Bundle).To(BeNil())

			Expect(deletes.Load()).To(BeZero())
			Expect(c.Get(ctx, types.NamespacedName{Namespace: "kate", Name: namespace.QuotaName}, &corev1.ResourceQuota{})).To(Succeed())
			Expect(c.Get(ctx, types.NamespacedName{Namespace: "kate", Name: namespace.LimitRangeName}, &corev1.LimitRange{})).To(Succeed())
			bindings := listBindings(c, "kate")
			Expect(bindings).To(HaveLen(2))
			Expect(namespace.OwnedBy(bindings, "kate@b.com")).To(BeTrue())
			Expect(namespace.OwnedBy(bindings, "kate@a.com")).To(BeFalse())
		})
	})

	Describe("Scenario: Many requests race for one namespace", func() {
		It("should grant exactly one owner and create the guardrails once", func() {
			var created atomic.Int32
			funcs.Create = func(ctx context.Context, c client.WithWatch, obj client.Object, opts ...client.CreateOption) error {
				err := c.Create(ctx, obj, opts...)
				if _, ok := obj.(*corev1.Namespace); !ok && err == nil {
					created.Add(1)
				}
				return err
			}
			engine, c := newEngine()

			identities := []string{"liam@a.com", "liam@a.com", "liam@a.com", "liam@a.com",
				"liam@a.com", "liam@a.com", "liam@a.com", "liam@a.com", "liam@b.com"}
			outcomes := make([]Outcome, len(identities))
			start := make(chan struct{})
			var wg sync.WaitGroup
			for i, identity := range identities {
				wg.Add(1)
				go func() {
					defer GinkgoRecover()
					defer wg.Done()
					<-start
					outcomes[i] = engine.Provision(ctx, identity)
				}()
			}
			close(start)
			wg.Wait()

			var owners []string
			for _, rb := range listBindings(c, "liam") {
				if rb.Name != namespace.OwnerBindingName {
					continue
				}
				for _, s := range rb.Subjects {
					if s.Kind == rbacv1.UserKind {
						owners = append(owners, s.Name)
					}
				}
			}
			Expect(owners).To(HaveLen(1))
			owner := owners[0]
			Expect(owner).To(BeElementOf("liam@a.com", "liam@b.com"))

			firsts := 0
			for i, out := range outcomes {
				if identities[i] == owner {
					Expect(out.Kind).To(Equal(KindCredentialed), "request %d for %s", i, identities[i])
					if out.Result.FirstProvision {
						firsts++
					}
					continue
				}
				Expect(out.Kind).To(Equal(KindOwnershipConflict), "request %d for %s", i, identities[i])
			}
			Expect(firsts).To(Equal(1))
			Expect(created.Load()).To(Equal(int32(4)))
			Expect(deletes.Load()).To(BeZero())
		})
	})

	Describe("Scenario: Guardrails exist without an owner", func() {
		BeforeEach(func() {
			g := namespace.BuildGuardrails("mia", "", namespace.DefaultGuardrailConfig())
			objects = []client.Object{managedNamespace("mia"), g.Quota, g.EventsBinding}
		})

		It("should treat the namespace as unclaimed and finish the set", func() {
			engine, c := newEngine()

			out := engine.Provision(ctx, "mia@example.com")
			Expect(out.Kind).To(Equal(KindCredentialed))
			Expect(out.Result.FirstProvision).To(BeTrue())

			bindings := listBindings(c, "mia")
			Expect(bindings).To(HaveLen(2))
			Expect(namespace.OwnedBy(bindings, "mia@example.com")).To(BeTrue())
			Expect(c.Get(ctx, types.NamespacedName{Namespace: "mia", Name: namespace.LimitRangeName}, &corev1.LimitRange{})).To(Succeed())

			By("answering later requests from the completed set")
			Expect(engine.Provision(ctx, "mia@example.com").Result.FirstProvision).To(BeFalse())
			Expect(engine.Provision(ctx, "mia@other.com").Kind).To(Equal(KindOwnershipConflict))
		})
	})

	Describe("Scenario: Cluster unavailable", func() {
		It("should fail after retrying transient errors", func() {
			var gets atomic.Int32
			funcs.Get = func(ctx context.Context, c client.WithWatch, key client.ObjectKey, obj client.Object, opts ...client.GetOption) error {
				gets.Add(1)
				return apierrors.NewServiceUnavailable("apiserver restarting")
			}
			engine, _ := newEngine()

			out := engine.Provision(ctx, "grace@example.com")
			Expect(out.Kind).To(Equal(KindProvisionFailed))
			Expect(out.Result.State).To(Equal(StateProvisionFailed))
			Expect(gets.Load()).To(Equal(int32(fastBackoff.Steps)))
			Expect(creates.Load()).To(BeZero())
		})

		It("should fail when the request deadline passes", func() {
			funcs.Get = func(ctx context.Context, c client.WithWatch, key client.ObjectKey, obj client.Object, opts ...client.GetOption) error {
				return context.DeadlineExceeded
			}
			engine, _ := newEngine()

			out := engine.Provision(ctx, "grace@example.com")
			Expect(out.Kind).To(Equal(KindProvisionFailed))
			Expect(errors.Is(out.Err, context.DeadlineExceeded)).To(BeTrue())
		})

		It("should not hand out credentials for someone else's namespace once cancelled", func() {
			objects = append([]client.Object{managedNamespace("bob")},
				seededGuardrails("bob", "bob@a.com")...)
			funcs.Get = func(ctx context.Context, c client.WithWatch, key client.ObjectKey, obj client.Object, opts ...client.GetOption) error {
				if err := ctx.Err(); err != nil {
					return err
				}
				return c.Get(ctx, key, obj, opts...)
			}
			funcs.List = func(ctx context.Context, c client.WithWatch, list client.ObjectList, opts ...client.ListOption) error {
				if err := ctx.Err(); err != nil {
					return err
				}
				return c.List(ctx, list, opts...)
			}
			engine, _ := newEngine()

			cancelled, cancel := context.WithCancel(ctx)
			cancel()

			out := engine.Provision(cancelled, "bob@b.com")
			Expect(out.Kind).To(Equal(KindProvisionFailed))
			Expect(out.Bundle).To(BeNil())
			Expect(errors.Is(out.Err, context.Canceled)).To(BeTrue())
			Expect(creates.Load()).To(BeZero())
		})
	})

	Describe("Scenario: Identity without a usable local part", func() {
		It("should fail derivation before touching the cluster", func() {
			engine, _ := newEngine()

			out := engine.Provision(ctx, "@x.com")
			Expect(out.Kind).To(Equal(KindDerivationFailed))
			Expect(out.Namespace).To(BeEmpty())
			Expect(errors.Is(out.Err, ErrDerivationFailed)).To(BeTrue())
			Expect(errors.Is(out.Err, namespace.ErrDerivation)).To(BeTrue())
			Expect(creates.Load()).To(BeZero())
		})

		It("should reject names longer than a DNS label", func() {
			engine, _ := newEngine()

			out := engine.Provision(ctx, strings.Repeat("a", 64)+"@x.com")
			Expect(out.Kind).To(Equal(KindDerivationFailed))
		})
	})

	Describe("Scenario: Credentials cannot be built", func() {
		It("should report a bundle failure without a document", func() {
			c := fake.NewClientBuilder().Build()
			bundler := kubeconfig.NewBundler(kubeconfig.Options{Server: "https://203.0.113.10"})
			engine := NewEngine(cluster.NewClient(c), bundler)

			out := engine.Provision(ctx, "heidi@example.com")
			Expect(out.Kind).To(Equal(KindBundleFailed))
			Expect(out.Bundle).To(BeNil())
			Expect(errors.Is(out.Err, kubeconfig.ErrMissingCA)).To(BeTrue())
			Expect(out.Err.UserFacingError()).To(Equal("failed to build credentials"))

			By("keeping the provisioned namespace")
			Expect(out.Result.State).To(Equal(StateProvisioned))
			Expect(c.Get(ctx, types.NamespacedName{Name: "heidi"}, &corev1.Namespace{})).To(Succeed())
		})
	})

	Describe("Ensure", func() {
		It("should honour custom guardrail roles", func() {
			c := fake.NewClientBuilder().Build()
			cfg := namespace.DefaultGuardrailConfig()
			cfg.OwnerRole = "edit"
			engine := NewEngine(cluster.NewClient(c), testBundler(), WithGuardrails(cfg))

			res, err := engine.Ensure(ctx, "ivan", "ivan@example.com")
			Expect(err).NotTo(HaveOccurred())
			Expect(res.State).To(Equal(StateProvisioned))

			rb := &rbacv1.RoleBinding{}
			Expect(c.Get(ctx, types.NamespacedName{Namespace: "ivan", Name: namespace.OwnerBindingName}, rb)).To(Succeed())
			Expect(rb.RoleRef.Name).To(Equal("edit"))
		})
	})
})
