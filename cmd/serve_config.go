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
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"k8s.io/client-go/rest"
	"sigs.k8s.io/controller-runtime/pkg/metrics/filters"
	metricsserver "sigs.k8s.io/controller-runtime/pkg/metrics/server"

	"github.com/mikelane/nsgate/internal/identity"
	"github.com/mikelane/nsgate/internal/kubeconfig"
	"github.com/mikelane/nsgate/internal/namespace"
)

// Environment variables consulted for flags left unset on the command line.
const (
	envClientID       = "CLIENT_ID"
	envPort           = "PORT"
	envJWKSURL        = "NSGATE_JWKS_URL"
	envIssuers        = "NSGATE_ISSUERS"
	envIdentityClaim  = "NSGATE_IDENTITY_CLAIM"
	envPublicEndpoint = "NSGATE_PUBLIC_ENDPOINT"
	envCAFile         = "NSGATE_CA_FILE"
	envExecCommand    = "NSGATE_EXEC_COMMAND"
	envOwnerRole      = "NSGATE_OWNER_ROLE"
	envEventsRole     = "NSGATE_EVENTS_ROLE"
)

// ServeConfig holds all configuration for the serve command.
type ServeConfig struct {
	// HTTP settings
	BindAddress    string
	Port           int
	RequestTimeout time.Duration
	RateLimit      int

	// Identity verification
	ClientID      string
	JWKSURL       string
	Issuers       []string
	IdentityClaim string

	// Credential bundle
	PublicEndpoint string
	ClusterName    string
	CAFile         string
	ExecCommand    string

	// Guardrails
	OwnerRole  string
	EventsRole string

	// Manager endpoints
	MetricsBindAddress string
	MetricsSecure      bool
	ProbeBindAddress   string
	AuditInterval      time.Duration
}

func defaultServeConfig() ServeConfig {
	g := namespace.DefaultGuardrailConfig()
	return ServeConfig{
		Port:               8080,
		RequestTimeout:     30 * time.Second,
		RateLimit:          5,
		JWKSURL:            identity.DefaultJWKSURL,
		Issuers:            slices.Clone(identity.DefaultIssuers),
		IdentityClaim:      identity.DefaultClaim,
		ClusterName:        kubeconfig.DefaultClusterName,
		ExecCommand:        kubeconfig.DefaultExecCommand,
		OwnerRole:          g.OwnerRole,
		EventsRole:         g.EventsRole,
		MetricsBindAddress: ":8443",
		MetricsSecure:      true,
		ProbeBindAddress:   ":8081",
		AuditInterval:      10 * time.Minute,
	}
}

// bindFlags registers cfg's fields on fs.
func (cfg *ServeConfig) bindFlags(fs *pflag.FlagSet) {
	fs.StringVar(&cfg.BindAddress, "bind-address", cfg.BindAddress, "Address the provisioning server listens on")
	fs.IntVar(&cfg.Port, "port", cfg.Port, "Port the provisioning server listens on (env "+envPort+")")
	fs.DurationVar(&cfg.RequestTimeout, "request-timeout", cfg.RequestTimeout, "Upper bound on one provisioning request")
	fs.IntVar(&cfg.RateLimit, "rate-limit", cfg.RateLimit, "Provisioning requests allowed per identity per minute")

	fs.StringVar(&cfg.ClientID, "client-id", cfg.ClientID, "OAuth client ID expected as token audience (env "+envClientID+")")
	fs.StringVar(&cfg.JWKSURL, "jwks-url", cfg.JWKSURL, "URL of the token signing key set (env "+envJWKSURL+")")
	fs.StringSliceVar(&cfg.Issuers, "issuer", cfg.Issuers, "Accepted token issuers (env "+envIssuers+", comma separated)")
	fs.StringVar(&cfg.IdentityClaim, "identity-claim", cfg.IdentityClaim, "Token claim used as identity (env "+envIdentityClaim+")")

	fs.StringVar(&cfg.PublicEndpoint, "public-endpoint", cfg.PublicEndpoint, "API server URL written into kubeconfigs; defaults to the in-use endpoint (env "+envPublicEndpoint+")")
	fs.StringVar(&cfg.ClusterName, "cluster-name", cfg.ClusterName, "Cluster entry name in kubeconfigs")
	fs.StringVar(&cfg.CAFile, "ca-file", cfg.CAFile, "CA bundle written into kubeconfigs; defaults to the in-use CA (env "+envCAFile+")")
	fs.StringVar(&cfg.ExecCommand, "exec-command", cfg.ExecCommand, "Credential helper invoked by kubectl (env "+envExecCommand+")")

	fs.StringVar(&cfg.OwnerRole, "owner-role", cfg.OwnerRole, "ClusterRole bound to the namespace owner (env "+envOwnerRole+")")
	fs.StringVar(&cfg.EventsRole, "events-role", cfg.EventsRole, "ClusterRole bound to the default service account (env "+envEventsRole+")")

	fs.StringVar(&cfg.MetricsBindAddress, "metrics-bind-address", cfg.MetricsBindAddress, "Address the metrics endpoint binds to; 0 disables it")
	fs.BoolVar(&cfg.MetricsSecure, "metrics-secure", cfg.MetricsSecure, "Serve metrics over HTTPS behind API server authentication and authorization")
	fs.StringVar(&cfg.ProbeBindAddress, "health-probe-bind-address", cfg.ProbeBindAddress, "Address the probe endpoint binds to")
	fs.DurationVar(&cfg.AuditInterval, "audit-interval", cfg.AuditInterval, "Interval between ownership audits; 0 disables them")
}

// metricsOptions configures the manager's metrics server. Secure serving uses
// a self-signed certificate and only admits callers the API server
// authorizes for the /metrics non-resource URL.
func (cfg *ServeConfig) metricsOptions() metricsserver.Options {
	opts := metricsserver.Options{
		BindAddress:   cfg.MetricsBindAddress,
		SecureServing: cfg.MetricsSecure,
	}
	if cfg.MetricsSecure {
		opts.FilterProvider = filters.WithAuthenticationAndAuthorization
	}
	return opts
}

// applyEnv fills flags the user did not set from the environment.
func (cfg *ServeConfig) applyEnv(fs *pflag.FlagSet, getenv func(string) string) error {
	unset := func(flag, env string) (string, bool) {
		if fs.Changed(flag) {
			return "", false
		}
		v := strings.TrimSpace(getenv(env))
		return v, v != ""
	}

	if v, ok := unset("client-id", envClientID); ok {
		cfg.ClientID = v
	}
	if v, ok := unset("port", envPort); ok {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s=%q: %w", envPort, v, err)
		}
		cfg.Port = port
	}
	if v, ok := unset("jwks-url", envJWKSURL); ok {
		cfg.JWKSURL = v
	}
	if v, ok := unset("issuer", envIssuers); ok {
		cfg.Issuers = splitList(v)
	}
	if v, ok := unset("identity-claim", envIdentityClaim); ok {
		cfg.IdentityClaim = v
	}
	if v, ok := unset("public-endpoint", envPublicEndpoint); ok {
		cfg.PublicEndpoint = v
	}
	if v, ok := unset("ca-file", envCAFile); ok {
		cfg.CAFile = v
	}
	if v, ok := unset("exec-command", envExecCommand); ok {
		cfg.ExecCommand = v
	}
	if v, ok := unset("owner-role", envOwnerRole); ok {
		cfg.OwnerRole = v
	}
	if v, ok := unset("events-role", envEventsRole); ok {
		cfg.EventsRole = v
	}
	return nil
}

// Validate reports configuration that would prevent serving.
func (cfg *ServeConfig) Validate() error {
	var errs []error
	if cfg.ClientID == "" {
		errs = append(errs, fmt.Errorf("client id is required (--client-id or %s)", envClientID))
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", cfg.Port))
	}
	if cfg.JWKSURL == "" {
		errs = append(errs, errors.New("jwks url must not be empty"))
	}
	if len(cfg.Issuers) == 0 {
		errs = append(errs, errors.New("at least one issuer is required"))
	}
	if cfg.IdentityClaim == "" {
		errs = append(errs, errors.New("identity claim must not be empty"))
	}
	if cfg.OwnerRole == "" || cfg.EventsRole == "" {
		errs = append(errs, errors.New("owner and events roles must not be empty"))
	}
	if cfg.RateLimit <= 0 {
		errs = append(errs, errors.New("rate limit must be positive"))
	}
	return errors.Join(errs...)
}

// guardrails returns the guardrail configuration with the configured roles.
func (cfg *ServeConfig) guardrails() namespace.GuardrailConfig {
	g := namespace.DefaultGuardrailConfig()
	g.OwnerRole = cfg.OwnerRole
	g.EventsRole = cfg.EventsRole
	return g
}

// bundlerOptions starts from the connection nsgate itself uses and applies
// the public endpoint and CA overrides.
func (cfg *ServeConfig) bundlerOptions(rc *rest.Config) kubeconfig.Options {
	opts := kubeconfig.OptionsFromRESTConfig(rc)
	opts.ClusterName = cfg.ClusterName
	if cfg.PublicEndpoint != "" {
		opts.Server = cfg.PublicEndpoint
	}
	if cfg.CAFile != "" {
		opts.CAData = nil
		opts.CAFile = cfg.CAFile
	}
	if cfg.ExecCommand != "" {
		opts.Exec = kubeconfig.DefaultExec(cfg.ExecCommand)
	}
	return opts
}

func (cfg *ServeConfig) jwtConfig() identity.JWTConfig {
	return identity.JWTConfig{
		Audience: cfg.ClientID,
		Issuers:  cfg.Issuers,
		Claim:    cfg.IdentityClaim,
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
