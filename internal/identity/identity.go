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

// Package identity turns bearer tokens into verified user identities.
//
// The JWT resolver checks signature, audience, issuer and expiry before
// reading the identity from a single configured claim. Anything that fails
// verification is reported as ErrUnresolved; callers never learn why.
package identity

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Identity is the verified, stable user identifier, typically an email.
type Identity string

// String implements fmt.Stringer.
func (i Identity) String() string {
	return string(i)
}

// ErrUnresolved is returned when a token does not yield a verified identity.
var ErrUnresolved = errors.New("identity could not be resolved")

// Resolver verifies a bearer token and returns the identity it carries.
type Resolver interface {
	Resolve(ctx context.Context, token string) (Identity, error)
}

const bearerPrefix = "Bearer "

// BearerToken extracts the token from the Authorization header of r.
func BearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", fmt.Errorf("%w: authorization header not found", ErrUnresolved)
	}
	if len(header) < len(bearerPrefix) || !strings.EqualFold(header[:len(bearerPrefix)], bearerPrefix) {
		return "", fmt.Errorf("%w: invalid authorization header format", ErrUnresolved)
	}
	token := strings.TrimSpace(header[len(bearerPrefix):])
	if token == "" {
		return "", fmt.Errorf("%w: empty bearer token", ErrUnresolved)
	}
	return token, nil
}

// StaticResolver maps fixed tokens to identities. It is meant for local
// development and tests.
type StaticResolver map[string]Identity

// Resolve implements Resolver.
func (s StaticResolver) Resolve(_ context.Context, token string) (Identity, error) {
	id, ok := s[token]
	if !ok || id == "" {
		return "", ErrUnresolved
	}
	return id, nil
}
