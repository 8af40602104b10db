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
	"errors"
	"fmt"
)

// Sentinel errors, one per failure kind. *Error matches them with errors.Is.
var (
	ErrDerivationFailed  = errors.New("derivation failed")
	ErrOwnershipConflict = errors.New("namespace owned by another user")
	ErrProvisionFailed   = errors.New("provisioning failed")
	ErrBundleFailed      = errors.New("credential bundle failed")
)

// Kind classifies the outcome of a provisioning request.
type Kind int

const (
	KindCredentialed Kind = iota
	KindDerivationFailed
	KindOwnershipConflict
	KindProvisionFailed
	KindBundleFailed
)

func (k Kind) String() string {
	switch k {
	case KindCredentialed:
		return "credentialed"
	case KindDerivationFailed:
		return "derivation_failed"
	case KindOwnershipConflict:
		return "ownership_conflict"
	case KindProvisionFailed:
		return "provision_failed"
	case KindBundleFailed:
		return "bundle_failed"
	default:
		return "unknown"
	}
}

// User-facing messages. They never name the other owner or echo cluster
// error text.
const (
	msgDerivationFailed  = "identity does not map to a valid namespace name"
	msgOwnershipConflict = "namespace is owned by another user"
	msgProvisionFailed   = "failed to provision namespace"
	msgBundleFailed      = "failed to build credentials"
)

// Error is returned for every failed provisioning request.
type Error struct {
	Kind      Kind
	Namespace string
	Err       error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.sentinel().Error()
	if e.Namespace != "" {
		msg = fmt.Sprintf("%s for namespace %q", msg, e.Namespace)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel error for e.Kind.
func (e *Error) Is(target error) bool {
	return target == e.sentinel()
}

// UserFacingError returns a message that is safe to send to the caller.
func (e *Error) UserFacingError() string {
	switch e.Kind {
	case KindDerivationFailed:
		return msgDerivationFailed
	case KindOwnershipConflict:
		return msgOwnershipConflict
	case KindBundleFailed:
		return msgBundleFailed
	default:
		return msgProvisionFailed
	}
}

func (e *Error) sentinel() error {
	switch e.Kind {
	case KindDerivationFailed:
		return ErrDerivationFailed
	case KindOwnershipConflict:
		return ErrOwnershipConflict
	case KindBundleFailed:
		return ErrBundleFailed
	default:
		return ErrProvisionFailed
	}
}

func failed(kind Kind, ns string, err error) *Error {
	return &Error{Kind: kind, Namespace: ns, Err: err}
}
