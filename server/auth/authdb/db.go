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

package authdb

import (
	"context"
	"net"

	"github.com/authfleet/authfleet/auth/identity"
	"github.com/authfleet/authfleet/common/errors"
	"github.com/authfleet/authfleet/server/auth/signing"
	"github.com/authfleet/authfleet/server/secrets"
)

// ErrIPNotWhitelisted is returned by VerifyIPWhitelisted if the identity is
// pinned to an IP whitelist and the request comes from outside of it.
//
// It is an authorization failure: the credentials were fine, the source
// address was not.
var ErrIPNotWhitelisted = errors.New("auth: IP is not whitelisted")

// DB is an immutable snapshot of authorization related information.
//
// All methods are safe for concurrent use. Implementations may return errors
// if the underlying storage has issues.
type DB interface {
	// IsAllowedOAuthClientID returns true if the given OAuth2 client ID can be
	// used to authenticate access for the given email.
	IsAllowedOAuthClientID(ctx context.Context, email, clientID string) (bool, error)

	// IsMember returns true if the given identity belongs to the given group.
	//
	// The group "*" matches any identity. Unknown groups are considered empty.
	IsMember(ctx context.Context, id identity.Identity, group string) (bool, error)

	// IsMemberOfAny returns true if the identity belongs to any of the groups.
	IsMemberOfAny(ctx context.Context, id identity.Identity, groups []string) (bool, error)

	// SharedSecrets is a store with secrets distributed by the primary.
	SharedSecrets(ctx context.Context) (secrets.Store, error)

	// GetWhitelistForIdentity returns the name of the IP whitelist to use for
	// requests from the given identity, or "" if it is not IP restricted.
	GetWhitelistForIdentity(ctx context.Context, ident identity.Identity) (string, error)

	// IsInWhitelist returns true if the IP belongs to the given named IP
	// whitelist. Unknown whitelists are considered empty.
	IsInWhitelist(ctx context.Context, ip net.IP, whitelist string) (bool, error)

	// GetCertificates returns the certificate bundle of a trusted token
	// signer, or (nil, nil) if the identity is not a trusted signer.
	GetCertificates(ctx context.Context, signerID identity.Identity) (*signing.PublicCertificates, error)

	// GetAuthServiceCertificates returns the certificate bundle of the primary
	// auth service this DB came from.
	GetAuthServiceCertificates(ctx context.Context) (*signing.PublicCertificates, error)

	// GetTokenServerURL returns the URL of the delegation token server.
	GetTokenServerURL(ctx context.Context) (string, error)
}

// VerifyIPWhitelisted checks the request IP against the whitelist assigned
// to the identity, if any.
//
// Returns ErrIPNotWhitelisted if the identity has an assigned whitelist and
// the IP is not in it. Identities with no assignment are unconstrained.
func VerifyIPWhitelisted(ctx context.Context, db DB, id identity.Identity, ip net.IP) error {
	whitelist, err := db.GetWhitelistForIdentity(ctx, id)
	if err != nil {
		return errors.Annotate(err, "auth: failed to get IP whitelist for %q", id).Err()
	}
	if whitelist == "" {
		return nil
	}
	switch ok, err := db.IsInWhitelist(ctx, ip, whitelist); {
	case err != nil:
		return errors.Annotate(err, "auth: failed to check IP whitelist %q", whitelist).Err()
	case !ok:
		return ErrIPNotWhitelisted
	}
	return nil
}

// FindGroupCycle checks whether adding 'nested' as the nested-group list of
// 'group' would create a nesting cycle, given a callback resolving the
// current nested-group lists of all other groups.
//
// It is called by the primary before committing a group change: the group
// graph must stay acyclic. Returns the offending path as a list of group
// names ending with 'group' again, or nil if there is no cycle.
func FindGroupCycle(group string, nested []string, nestedOf func(name string) []string) []string {
	// DFS from 'group' through the proposed edges, then the existing ones.
	var path []string

	var visit func(name string) bool
	visit = func(name string) bool {
		path = append(path, name)
		var edges []string
		if name == group {
			edges = nested
		} else {
			edges = nestedOf(name)
		}
		for _, next := range edges {
			if next == group {
				path = append(path, group)
				return true
			}
			// A name already on the path is a cycle too, but not through
			// 'group'; it existed before this change and is someone else's
			// problem. Skip it to guarantee termination.
			onPath := false
			for _, p := range path {
				if p == next {
					onPath = true
					break
				}
			}
			if !onPath && visit(next) {
				return true
			}
		}
		path = path[:len(path)-1]
		return false
	}

	if visit(group) {
		return path
	}
	return nil
}
