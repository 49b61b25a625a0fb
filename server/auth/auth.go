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

// Package auth implements authentication of incoming requests against the
// replicated AuthDB.
package auth

import (
	"context"
	"net"
	"net/http"
	"strings"

	"github.com/authfleet/authfleet/auth/identity"
	"github.com/authfleet/authfleet/common/errors"
	"github.com/authfleet/authfleet/common/logging"
	"github.com/authfleet/authfleet/server/auth/authdb"
	"github.com/authfleet/authfleet/server/auth/delegation"
)

const (
	// ProjectHeaderName carries a project name when one service calls
	// another in a context of some project rather than as itself.
	ProjectHeaderName = "X-Project-Identity"

	// botWhitelistName is the IP whitelist consulted by the deprecated
	// AllowBotsFromIPWhitelists scheme.
	botWhitelistName = "bots"

	// trustedDelegatorsGroup is a group of services allowed to use the
	// project identity header.
	trustedDelegatorsGroup = "auth-trusted-services"
)

var (
	// ErrBadClientID is returned by Authenticate if the caller is using a
	// non-whitelisted OAuth2 client. More info is in the log.
	ErrBadClientID = errors.New("auth: OAuth client_id is not whitelisted")

	// ErrConflictingHeaders is returned if a request carries both a
	// delegation token header and a project identity header. They cannot be
	// combined, acting on behalf of a project via a delegated identity makes
	// no sense.
	ErrConflictingHeaders = errors.New("auth: delegation token and project headers can not be used together")

	// ErrProjectHeaderForbidden is returned if the project identity header
	// is used by a caller that is not a trusted service.
	ErrProjectHeaderForbidden = errors.New("auth: the caller is not allowed to use the project identity header")
)

// Method implements a particular low-level authentication mechanism.
type Method interface {
	// Authenticate extracts user information from the incoming request.
	//
	// Returns:
	//   - (*User, nil) on success.
	//   - (nil, nil) if the method is not applicable to the request.
	//   - (nil, error) if credentials are present but invalid.
	Authenticate(ctx context.Context, r *http.Request) (*User, error)
}

// User represents the identity and profile of a caller.
type User struct {
	// Identity is the identity string of the user. When User is returned by
	// Authenticate it is always present and valid, possibly
	// AnonymousIdentity.
	Identity identity.Identity

	// Email is the email of the user, if known.
	Email string

	// ClientID is the OAuth2 client used by the caller, if the method is
	// OAuth2-based. Checked against the AuthDB client allowlist.
	ClientID string
}

// Authenticator authenticates incoming requests. It is a stateless list of
// methods to try, in order.
type Authenticator struct {
	Methods []Method
}

// Authenticate authenticates the request and returns a new context with
// State stored in it.
//
// Returns an error if credentials are provided but invalid. A request with
// no recognized credentials finishes successfully as anonymous.
func (a *Authenticator) Authenticate(ctx context.Context, r *http.Request) (context.Context, error) {
	s := state{}

	// Pick the first authentication method that applies.
	for _, m := range a.Methods {
		var err error
		if s.user, err = m.Authenticate(ctx, r); err != nil {
			return nil, err
		}
		if s.user != nil {
			if err := s.user.Identity.Validate(); err != nil {
				return nil, err
			}
			s.method = m
			break
		}
	}
	if s.method == nil {
		s.user = &User{Identity: identity.AnonymousIdentity}
	}
	s.peerIdent = s.user.Identity

	var err error
	if s.peerIP, err = parseRemoteIP(r.RemoteAddr); err != nil {
		return nil, err
	}

	// Pin the DB snapshot: all checks during this request use one revision.
	if s.db, err = GetDB(ctx); err != nil {
		return nil, err
	}

	cfg := getConfig(ctx)

	// If using OAuth2, the client must be in the allowlist.
	if s.user.ClientID != "" {
		switch valid, err := s.db.IsAllowedOAuthClientID(ctx, s.user.Email, s.user.ClientID); {
		case err != nil:
			return nil, err
		case !valid:
			logging.Warningf(ctx, "auth: %q is using client_id %q not in the whitelist", s.user.Email, s.user.ClientID)
			return nil, ErrBadClientID
		}
	}

	// Deprecated scheme: an anonymous caller from the "bots" whitelist is
	// a bot identified by its IP.
	if cfg != nil && cfg.AllowBotsFromIPWhitelists && s.peerIdent == identity.AnonymousIdentity {
		switch whitelisted, err := s.db.IsInWhitelist(ctx, s.peerIP, botWhitelistName); {
		case err != nil:
			return nil, err
		case whitelisted:
			ident, err := identity.MakeIdentity("bot:" + botIDFromIP(s.peerIP))
			if err != nil {
				return nil, err
			}
			s.user = &User{Identity: ident}
			s.peerIdent = ident
		}
	}

	// The IP allow-list assigned to the peer (if any) binds the peer's
	// credentials, never the delegated identity. Delegation does not bypass
	// this check.
	if err := authdb.VerifyIPWhitelisted(ctx, s.db, s.peerIdent, s.peerIP); err != nil {
		return nil, err
	}

	delegationTok := r.Header.Get(delegation.HTTPHeaderName)
	projectHdr := r.Header.Get(ProjectHeaderName)
	if delegationTok != "" && projectHdr != "" {
		return nil, ErrConflictingHeaders
	}

	switch {
	case delegationTok != "":
		ownID := identity.AnonymousIdentity
		if cfg != nil {
			ownID = cfg.OwnServiceIdentity
		}
		ident, err := delegation.CheckToken(ctx, delegation.CheckTokenParams{
			Token:                delegationTok,
			PeerID:               s.peerIdent,
			CertificatesProvider: s.db,
			GroupsChecker:        s.db,
			OwnServiceIdentity:   ownID,
		})
		if err != nil {
			return nil, err
		}
		logging.Infof(ctx, "auth: %q is acting as %q via delegation", s.peerIdent, ident)
		s.user = &User{Identity: ident}

	case projectHdr != "":
		// Only trusted services may act in a context of a project.
		if s.peerIdent.Kind() != identity.Service {
			return nil, ErrProjectHeaderForbidden
		}
		switch ok, err := s.db.IsMember(ctx, s.peerIdent, trustedDelegatorsGroup); {
		case err != nil:
			return nil, err
		case !ok:
			logging.Warningf(ctx, "auth: %q is not allowed to use %s", s.peerIdent, ProjectHeaderName)
			return nil, ErrProjectHeaderForbidden
		}
		ident, err := identity.MakeIdentity("project:" + projectHdr)
		if err != nil {
			return nil, err
		}
		s.user = &User{Identity: ident}
	}

	return context.WithValue(ctx, stateContextKey(0), &s), nil
}

// parseRemoteIP extracts the peer IP from http.Request.RemoteAddr.
//
// RemoteAddr is usually "host:port", but not always: proxies may strip the
// port, and a bare IPv6 host contains colons itself. Unit tests have it
// empty, default to ::1 there.
func parseRemoteIP(remoteAddr string) (net.IP, error) {
	if remoteAddr == "" {
		remoteAddr = "::1"
	}
	if ip := net.ParseIP(remoteAddr); ip != nil {
		return ip, nil
	}
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		if ip := net.ParseIP(host); ip != nil {
			return ip, nil
		}
	}
	return nil, errors.Reason("auth: bad remote addr %q", remoteAddr).Err()
}

// botIDFromIP derives a bot identity name from its IP address.
func botIDFromIP(ip net.IP) string {
	return "whitelisted-ip-" + strings.NewReplacer(".", "-", ":", "-").Replace(ip.String())
}

