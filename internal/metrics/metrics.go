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

// Package metrics defines the Prometheus collectors exported by nsgate. They
// are registered with controller-runtime's registry and served by the
// manager's metrics endpoint.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	ctrlmetrics "sigs.k8s.io/controller-runtime/pkg/metrics"
)

var (
	// ProvisionTotal counts provisioning requests by outcome.
	ProvisionTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nsgate_provision_total",
			Help: "Total number of namespace provisioning requests by outcome",
		},
		[]string{"result"},
	)

	// ProvisionDuration observes end-to-end provisioning latency.
	ProvisionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nsgate_provision_duration_seconds",
			Help:    "Namespace provisioning duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"result"},
	)

	// GuardrailsCreatedTotal counts first-time guardrail set creations.
	GuardrailsCreatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nsgate_guardrails_created_total",
			Help: "Total number of namespaces that received their guardrail set",
		},
	)

	// UnclaimedNamespaces is the number of managed namespaces without an owner binding,
	// as of the last audit pass.
	UnclaimedNamespaces = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "nsgate_unclaimed_namespaces",
			Help: "Managed namespaces that have no owning user binding",
		},
	)
)

func init() {
	ctrlmetrics.Registry.MustRegister(
		ProvisionTotal,
		ProvisionDuration,
		GuardrailsCreatedTotal,
		UnclaimedNamespaces,
	)
}

// ObserveProvision records one provisioning request.
func ObserveProvision(result string, d time.Duration) {
	ProvisionTotal.WithLabelValues(result).Inc()
	ProvisionDuration.WithLabelValues(result).Observe(d.Seconds())
}
