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

// Package audit periodically reports workspace namespaces that carry no
// owner binding. It only reads; nothing is ever deleted or repaired.
package audit

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/mikelane/nsgate/internal/cluster"
	"github.com/mikelane/nsgate/internal/metrics"
	"github.com/mikelane/nsgate/internal/namespace"
)

// maxConcurrentLists caps role binding lists issued by one pass.
const maxConcurrentLists = 4

// Auditor counts managed namespaces without an owner on a fixed interval.
type Auditor struct {
	gateway  cluster.Gateway
	interval time.Duration
}

// NewAuditor creates an Auditor that runs every interval.
func NewAuditor(gw cluster.Gateway, interval time.Duration) *Auditor {
	return &Auditor{
		gateway:  gw,
		interval: interval,
	}
}

// Report is the result of one audit pass.
type Report struct {
	Managed   int
	Unclaimed []string
}

// Start runs audit passes until ctx is canceled. A failed pass is logged and
// the next tick tries again.
func (a *Auditor) Start(ctx context.Context) error {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	logger := log.FromContext(ctx).WithName("audit")
	ctx = log.IntoContext(ctx, logger)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := a.Run(ctx); err != nil {
				logger.Error(err, "Audit pass failed")
			}
		}
	}
}

// NeedLeaderElection reports that only the leader should audit.
func (a *Auditor) NeedLeaderElection() bool {
	return true
}

// Run performs a single pass and updates the unclaimed namespace gauge.
func (a *Auditor) Run(ctx context.Context) (Report, error) {
	logger := log.FromContext(ctx)

	namespaces, err := a.gateway.ListManagedNamespaces(ctx, namespace.ManagedSelector())
	if err != nil {
		return Report{}, fmt.Errorf("failed to list managed namespaces: %w", err)
	}

	unclaimed := make([]bool, len(namespaces))
	var count atomic.Int32

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentLists)
	for i := range namespaces {
		name := namespaces[i].Name
		g.Go(func() error {
			bindings, err := a.gateway.ListRoleBindings(gctx, name)
			if err != nil {
				return fmt.Errorf("failed to list role bindings in %s: %w", name, err)
			}
			if !namespace.HasOwner(bindings) {
				unclaimed[i] = true
				count.Add(1)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Report{}, err
	}

	report := Report{Managed: len(namespaces), Unclaimed: make([]string, 0, count.Load())}
	for i, u := range unclaimed {
		if u {
			report.Unclaimed = append(report.Unclaimed, namespaces[i].Name)
		}
	}

	metrics.UnclaimedNamespaces.Set(float64(len(report.Unclaimed)))
	if len(report.Unclaimed) > 0 {
		logger.Info("Found managed namespaces without an owner",
			"count", len(report.Unclaimed), "namespaces", report.Unclaimed)
	} else {
		logger.V(1).Info("Audit pass complete", "managed", report.Managed)
	}
	return report, nil
}
