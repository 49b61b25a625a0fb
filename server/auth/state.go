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
	"net"

	"github.com/authfleet/authfleet/auth/identity"
	"github.com/authfleet/authfleet/common/errors"
	"github.com/authfleet/authfleet/server/auth/authdb"
)

// ErrNoAuthState is returned when a function requires State to be in the
// context, but it is not there.
var ErrNoAuthState = errors.New("auth: auth.State is not in the context")

// State is stored in the context when handling an incoming request.
//
// The DB snapshot in it is pinned: every authorization check made while
// handling one request sees the same consistent AuthDB revision even if
// the process cache refreshes mid-request.
type State interface {
	// DB is the authdb.DB snapshot to use when processing this request.
	DB() authdb.DB

	// Method returns the authentication method used for the current request
	// or nil if the request is anonymous.
	Method() Method

	// User holds the identity and profile of the current caller. Identity
	// usually matches PeerIdentity, but can differ if delegation or a
	// project header is used. Never nil.
	User() *User

	// PeerIdentity identifies whoever physically makes the request, as
	// extracted from its credentials, ignoring delegation.
	PeerIdentity() identity.Identity

	// PeerIP is the IP address of whoever makes the request.
	PeerIP() net.IP
}

type stateContextKey int

// WithState injects State into the context.
//
// Useful in tests. Production code should not call this, Authenticate sets
// the state itself.
func WithState(ctx context.Context, s State) context.Context {
	return context.WithValue(ctx, stateContextKey(0), s)
}

// GetState returns the State stored in the context or nil if it is not
// there.
func GetState(ctx context.Context) State {
	if s, ok := ctx.Value(stateContextKey(0)).(State); ok && s != nil {
		return s
	}
	return nil
}

// CurrentUser returns the current caller.
//
// Returns a user with AnonymousIdentity if the context has no State.
func CurrentUser(ctx context.Context) *User {
	if s := GetState(ctx); s != nil {
		return s.User()
	}
	return &User{Identity: identity.AnonymousIdentity}
}

// CurrentIdentity returns the identity of the current caller.
//
// Returns AnonymousIdentity if the context has no State.
func CurrentIdentity(ctx context.Context) identity.Identity {
	if s := GetState(ctx); s != nil {
		return s.User().Identity
	}
	return identity.AnonymousIdentity
}

// IsMember returns true if the current caller is in any of the given
// groups.
//
// Unknown groups are considered empty. Returns ErrNoAuthState if the
// context has no State.
func IsMember(ctx context.Context, groups ...string) (bool, error) {
	if s := GetState(ctx); s != nil {
		return s.DB().IsMemberOfAny(ctx, s.User().Identity, groups)
	}
	return false, ErrNoAuthState
}

// state implements State. Immutable once stored.
type state struct {
	db        authdb.DB
	method    Method
	user      *User
	peerIdent identity.Identity
	peerIP    net.IP
}

func (s *state) DB() authdb.DB                   { return s.db }
func (s *state) Method() Method                  { return s.method }
func (s *state) User() *User                     { return s.user }
func (s *state) PeerIdentity() identity.Identity { return s.peerIdent }
func (s *state) PeerIP() net.IP                  { return s.peerIP }
