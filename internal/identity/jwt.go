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

package identity

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"sigs.k8s.io/controller-runtime/pkg/log"
)

const (
	// DefaultJWKSURL serves Google's OIDC signing keys.
	DefaultJWKSURL = "https://www.googleapis.com/oauth2/v3/certs"

	// DefaultClaim is the claim read as identity.
	DefaultClaim = "email"

	defaultSkew = 30 * time.Second
)

// DefaultIssuers are the issuer spellings Google uses in ID tokens.
var DefaultIssuers = []string{"accounts.google.com", "https://accounts.google.com"}

// KeySource supplies the key set used to verify token signatures.
type KeySource interface {
	KeySet(ctx context.Context) (jwk.Set, error)
}

// RemoteKeys fetches and caches a JWKS document.
type RemoteKeys struct {
	cache *jwk.Cache
	url   string
}

// NewRemoteKeys registers url with a refreshing cache. The cache lives until
// ctx is done.
func NewRemoteKeys(ctx context.Context, url string) (*RemoteKeys, error) {
	cache := jwk.NewCache(ctx, jwk.WithRefreshWindow(time.Hour))
	if err := cache.Register(url, jwk.WithMinRefreshInterval(15*time.Minute)); err != nil {
		return nil, fmt.Errorf("failed to register JWKS URL: %w", err)
	}
	return &RemoteKeys{cache: cache, url: url}, nil
}

// KeySet implements KeySource.
func (r *RemoteKeys) KeySet(ctx context.Context) (jwk.Set, error) {
	return r.cache.Get(ctx, r.url)
}

// StaticKeys is a fixed key set.
type StaticKeys struct {
	Set jwk.Set
}

// KeySet implements KeySource.
func (s StaticKeys) KeySet(context.Context) (jwk.Set, error) {
	return s.Set, nil
}

// JWTConfig configures a JWTResolver.
type JWTConfig struct {
	// Audience must appear in the token's aud claim. Required.
	Audience string

	// Issuers lists accepted iss values. Defaults to DefaultIssuers.
	Issuers []string

	// Claim names the claim holding the identity. Defaults to DefaultClaim.
	Claim string

	// Skew is the tolerated clock difference for exp, iat and nbf.
	Skew time.Duration

	// Clock overrides the current time. Used in tests.
	Clock jwt.Clock
}

// JWTResolver verifies signed ID tokens.
type JWTResolver struct {
	keys KeySource
	cfg  JWTConfig
}

var _ Resolver = (*JWTResolver)(nil)

// NewJWTResolver creates a JWTResolver.
func NewJWTResolver(keys KeySource, cfg JWTConfig) (*JWTResolver, error) {
	if keys == nil {
		return nil, errors.New("key source is required")
	}
	if cfg.Audience == "" {
		return nil, errors.New("audience is required")
	}
	if len(cfg.Issuers) == 0 {
		cfg.Issuers = DefaultIssuers
	}
	if cfg.Claim == "" {
		cfg.Claim = DefaultClaim
	}
	if cfg.Skew == 0 {
		cfg.Skew = defaultSkew
	}
	return &JWTResolver{keys: keys, cfg: cfg}, nil
}

// Resolve implements Resolver. Every failure wraps ErrUnresolved.
func (r *JWTResolver) Resolve(ctx context.Context, token string) (Identity, error) {
	logger := log.FromContext(ctx)

	set, err := r.keys.KeySet(ctx)
	if err != nil {
		logger.Error(err, "Failed to fetch signing keys")
		return "", fmt.Errorf("%w: %v", ErrUnresolved, err)
	}

	opts := []jwt.ParseOption{
		jwt.WithKeySet(set),
		jwt.WithValidate(true),
		jwt.WithAudience(r.cfg.Audience),
		jwt.WithRequiredClaim(jwt.ExpirationKey),
		jwt.WithAcceptableSkew(r.cfg.Skew),
	}
	if r.cfg.Clock != nil {
		opts = append(opts, jwt.WithClock(r.cfg.Clock))
	}

	tok, err := jwt.Parse([]byte(token), opts...)
	if err != nil {
		logger.V(1).Info("Rejected bearer token", "reason", err.Error())
		return "", fmt.Errorf("%w: %v", ErrUnresolved, err)
	}

	if !slices.Contains(r.cfg.Issuers, tok.Issuer()) {
		logger.V(1).Info("Rejected bearer token", "reason", "untrusted issuer", "issuer", tok.Issuer())
		return "", fmt.Errorf("%w: untrusted issuer %q", ErrUnresolved, tok.Issuer())
	}

	// Google marks unverified addresses explicitly; an absent claim is accepted.
	if r.cfg.Claim == DefaultClaim {
		if v, ok := tok.Get("email_verified"); ok {
			if verified, isBool := v.(bool); isBool && !verified {
				return "", fmt.Errorf("%w: email not verified", ErrUnresolved)
			}
		}
	}

	v, ok := tok.Get(r.cfg.Claim)
	if !ok {
		return "", fmt.Errorf("%w: claim %q missing", ErrUnresolved, r.cfg.Claim)
	}
	id, ok := v.(string)
	if !ok || id == "" {
		return "", fmt.Errorf("%w: claim %q is not a non-empty string", ErrUnresolved, r.cfg.Claim)
	}
	return Identity(id), nil
}
