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

package cmd

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap/zapcore"
	"k8s.io/apimachinery/pkg/runtime"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/healthz"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"

	"github.com/mikelane/nsgate/internal/audit"
	"github.com/mikelane/nsgate/internal/cluster"
	"github.com/mikelane/nsgate/internal/identity"
	"github.com/mikelane/nsgate/internal/kubeconfig"
	"github.com/mikelane/nsgate/internal/provision"
	"github.com/mikelane/nsgate/internal/server"
)

var scheme = runtime.NewScheme()

func init() {
	utilruntime.Must(clientgoscheme.AddToScheme(scheme))
}

func newServeCmd() *cobra.Command {
	cfg := defaultServeConfig()
	zapOpts := zap.Options{
		TimeEncoder: zapcore.ISO8601TimeEncoder,
	}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the provisioning server",
		Long: `Start the provisioning server.

The cluster connection is taken from --kubeconfig, KUBECONFIG or the
in-cluster service account. Flags left unset fall back to environment
variables; CLIENT_ID is required.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := cfg.applyEnv(cmd.Flags(), os.Getenv); err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			ctrl.SetLogger(zap.New(zap.UseFlagOptions(&zapOpts)))
			return runServe(ctrl.SetupSignalHandler(), cfg)
		},
	}

	cfg.bindFlags(cmd.Flags())

	goFlags := flag.NewFlagSet("zap", flag.ContinueOnError)
	zapOpts.BindFlags(goFlags)
	cmd.Flags().AddGoFlagSet(goFlags)

	// controller-runtime registers --kubeconfig on the standard flag set.
	if f := flag.CommandLine.Lookup("kubeconfig"); f != nil {
		cmd.Flags().AddGoFlag(f)
	}

	return cmd
}

func runServe(ctx context.Context, cfg ServeConfig) error {
	setupLog := ctrl.Log.WithName("setup")

	restCfg, err := ctrl.GetConfig()
	if err != nil {
		return fmt.Errorf("failed to load cluster config: %w", err)
	}

	// Reads must reach the API server, so the provisioning path uses an
	// uncached client rather than the manager's.
	c, err := client.New(restCfg, client.Options{Scheme: scheme})
	if err != nil {
		return fmt.Errorf("failed to create cluster client: %w", err)
	}
	gw := cluster.WithRetry(cluster.NewClient(c), cluster.DefaultBackoff)

	bundler := kubeconfig.NewBundler(cfg.bundlerOptions(restCfg))
	engine := provision.NewEngine(gw, bundler, provision.WithGuardrails(cfg.guardrails()))

	keys, err := identity.NewRemoteKeys(ctx, cfg.JWKSURL)
	if err != nil {
		return err
	}
	resolver, err := identity.NewJWTResolver(keys, cfg.jwtConfig())
	if err != nil {
		return fmt.Errorf("failed to create identity resolver: %w", err)
	}

	mgr, err := ctrl.NewManager(restCfg, ctrl.Options{
		Scheme:                 scheme,
		Metrics:                cfg.metricsOptions(),
		HealthProbeBindAddress: cfg.ProbeBindAddress,
	})
	if err != nil {
		return fmt.Errorf("failed to create manager: %w", err)
	}

	if err := mgr.AddHealthzCheck("healthz", healthz.Ping); err != nil {
		return fmt.Errorf("failed to set up health check: %w", err)
	}
	if err := mgr.AddReadyzCheck("readyz", healthz.Ping); err != nil {
		return fmt.Errorf("failed to set up ready check: %w", err)
	}

	srv := server.NewServer(cfg.BindAddress, cfg.Port, resolver, engine,
		server.WithRequestTimeout(cfg.RequestTimeout),
		server.WithRateLimiter(server.NewRateLimiter(cfg.RateLimit, time.Minute)))
	if err := mgr.Add(srv); err != nil {
		return fmt.Errorf("failed to add provisioning server: %w", err)
	}

	if cfg.AuditInterval > 0 {
		if err := mgr.Add(audit.NewAuditor(gw, cfg.AuditInterval)); err != nil {
			return fmt.Errorf("failed to add auditor: %w", err)
		}
	}

	setupLog.Info("Starting manager", "port", cfg.Port, "cluster", restCfg.Host)
	if err := mgr.Start(ctx); err != nil {
		return fmt.Errorf("manager exited: %w", err)
	}
	return nil
}
