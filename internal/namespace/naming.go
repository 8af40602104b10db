// Copyright 2025 The Previewd Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package namespace

import (
	"errors"
	"fmt"
	"strings"

	"k8s.io/apimachinery/pkg/util/validation"
)

var (
	// ErrEmptyIdentity is returned when DeriveName is called without an identity.
	ErrEmptyIdentity = errors.New("identity must not be empty")

	// ErrDerivation is returned when an identity does not yield a legal namespace name.
	ErrDerivation = errors.New("identity does not map to a valid namespace name")
)

// identitySeparator splits the local part of an identity from its domain.
const identitySeparator = "@"

// DeriveName maps an identity to a namespace name. It keeps the part before
// the first "@", lower-cases it and drops every character outside [a-z0-9].
// The same identity always yields the same name.
func DeriveName(identity string) (string, error) {
	if identity == "" {
		return "", ErrEmptyIdentity
	}

	local, _, _ := strings.Cut(identity, identitySeparator)
	local = strings.ToLower(local)

	var b strings.Builder
	b.Grow(len(local))
	for _, r := range local {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}

	name := b.String()
	if name == "" {
		return "", fmt.Errorf("%w: nothing left after filtering", ErrDerivation)
	}

	// Over-long names are rejected rather than truncated; truncation would
	// make distinct local parts collide silently.
	if errs := validation.IsDNS1123Label(name); len(errs) > 0 {
		return "", fmt.Errorf("%w: %s", ErrDerivation, strings.Join(errs, "; "))
	}

	return name, nil
}
