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

package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-logr/logr"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/mikelane/nsgate/internal/identity"
	"github.com/mikelane/nsgate/internal/logging"
	"github.com/mikelane/nsgate/internal/provision"
)

const (
	defaultRequestTimeout = 30 * time.Second
	defaultRateLimit      = 5
	defaultRateWindow     = time.Minute

	msgUnauthorized = "unable to verify identity"
	msgRateLimited  = "too many requests"
)

// Provisioner runs the provisioning workflow for a verified identity.
type Provisioner interface {
	Provision(ctx context.Context, identity string) provision.Outcome
}

// Server serves provisioning requests.
type Server struct {
	addr           string
	port           int
	resolver       identity.Resolver
	provisioner    Provisioner
	rateLimiter    *RateLimiter
	requestTimeout time.Duration
	logger         logr.Logger
	server         *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithRateLimiter replaces the default per-identity limiter.
func WithRateLimiter(rl *RateLimiter) Option {
	return func(s *Server) {
		s.rateLimiter = rl
	}
}

// WithRequestTimeout bounds the time spent provisioning one request.
func WithRequestTimeout(d time.Duration) Option {
	return func(s *Server) {
		s.requestTimeout = d
	}
}

// NewServer creates a new provisioning server.
func NewServer(addr string, port int, resolver identity.Resolver, provisioner Provisioner, opts ...Option) *Server {
	s := &Server{
		addr:           addr,
		port:           port,
		resolver:       resolver,
		provisioner:    provisioner,
		rateLimiter:    NewRateLimiter(defaultRateLimit, defaultRateWindow),
		requestTimeout: defaultRequestTimeout,
		logger:         log.Log.WithName("server"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the HTTP handler with all routes registered.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/provision", s.handleProvision)
	mux.HandleFunc("/signin", s.handleProvision)
	mux.HandleFunc("/healthz", s.handleHealth)
	return mux
}

// Start serves until ctx is done, then shuts down gracefully. It satisfies
// controller-runtime's manager.Runnable.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.addr, s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("Starting provisioning server", "addr", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	case err := <-errChan:
		return err
	}
}

// NeedLeaderElection reports that every replica serves requests.
func (s *Server) NeedLeaderElection() bool {
	return false
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	s.logger.Info("Shutting down provisioning server")
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (s *Server) handleProvision(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.requestTimeout)
	defer cancel()
	logger := s.logger.WithValues("path", r.URL.Path)
	ctx = log.IntoContext(ctx, logger)

	token, err := identity.BearerToken(r)
	if err != nil {
		logger.V(1).Info("Rejected request", "reason", err.Error())
		http.Error(w, msgUnauthorized, http.StatusUnauthorized)
		return
	}

	id, err := s.resolver.Resolve(ctx, token)
	if err != nil {
		logger.Info("Identity could not be verified")
		http.Error(w, msgUnauthorized, http.StatusUnauthorized)
		return
	}

	user := logging.UserHash(id.String())
	if !s.rateLimiter.Allow(user) {
		logger.Info("Rate limit exceeded", logging.KeyUser, user)
		http.Error(w, msgRateLimited, http.StatusTooManyRequests)
		return
	}

	out := s.provisioner.Provision(ctx, id.String())
	if out.Kind != provision.KindCredentialed {
		http.Error(w, userMessage(out), statusFor(out.Kind))
		return
	}

	body, err := out.Bundle.YAML()
	if err != nil {
		logger.Error(err, "Failed to render kubeconfig", logging.KeyNamespace, out.Namespace)
		perr := &provision.Error{Kind: provision.KindBundleFailed, Namespace: out.Namespace, Err: err}
		http.Error(w, perr.UserFacingError(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/yaml")
	w.Header().Set("X-Namespace", out.Namespace)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func userMessage(out provision.Outcome) string {
	if out.Err == nil {
		return http.StatusText(statusFor(out.Kind))
	}
	return out.Err.UserFacingError()
}

// statusFor maps a failed outcome to its HTTP status.
func statusFor(kind provision.Kind) int {
	switch kind {
	case provision.KindCredentialed:
		return http.StatusOK
	case provision.KindDerivationFailed:
		return http.StatusBadRequest
	case provision.KindOwnershipConflict:
		return http.StatusConflict
	case provision.KindBundleFailed:
		return http.StatusInternalServerError
	default:
		return http.StatusBadGateway
	}
}
