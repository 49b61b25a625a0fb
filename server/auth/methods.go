// Copyright 2024 The Authfleet Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package auth

import (
	"context"
	"net/http"

	"github.com/authfleet/authfleet/auth/identity"
	"github.com/authfleet/authfleet/common/errors"
)

// TrustedHeaderMethod authenticates requests based on an identity header
// set by a trusted transport.
//
// It must be used only when the transport itself vouches for the header:
// an internal load balancer or a service mesh that strips the header from
// external traffic and stamps a verified value on internal one. The Vouch
// callback encodes that judgment; if it is nil or returns false, the header
// is ignored no matter what it says.
type TrustedHeaderMethod struct {
	// Header is the name of the header carrying the peer identity.
	Header string

	// Vouch decides whether the transport of this particular request is
	// trusted to set the header.
	Vouch func(ctx context.Context, r *http.Request) bool
}

// Authenticate is part of the Method interface.
func (m *TrustedHeaderMethod) Authenticate(ctx context.Context, r *http.Request) (*User, error) {
	val := r.Header.Get(m.Header)
	if val == "" {
		return nil, nil // not applicable
	}
	if m.Vouch == nil || !m.Vouch(ctx, r) {
		// The header is present but the transport does not vouch for it.
		// Ignoring it silently would let a spoofed header demote the request
		// to anonymous, so this is loud.
		return nil, errors.Reason("auth: the transport does not vouch for %s", m.Header).Err()
	}
	ident := identity.Identity(val)
	if err := ident.Validate(); err != nil {
		return nil, errors.Annotate(err, "auth: bad identity in %s", m.Header).Err()
	}
	return &User{Identity: ident}, nil
}
