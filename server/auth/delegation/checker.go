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

// Package delegation contains low-level API for working with delegation
// tokens.
//
// Prefer the high-level server/auth API: delegation tokens presented in
// requests are checked there automatically.
package delegation

import (
	"context"
	"encoding/base64"

	"github.com/authfleet/authfleet/auth/identity"
	"github.com/authfleet/authfleet/common/clock"
	"github.com/authfleet/authfleet/common/errors"
	"github.com/authfleet/authfleet/common/logging"
	"github.com/authfleet/authfleet/common/retry/transient"
	"github.com/authfleet/authfleet/server/auth/service/protocol"
	"github.com/authfleet/authfleet/server/auth/signing"
)

const (
	// HTTPHeaderName is the request header that carries delegation tokens.
	HTTPHeaderName = "X-Delegation-Token-V1"

	// maxTokenSize is the maximum length of a base64 encoded token accepted
	// by CheckToken. Legitimate tokens are much smaller, anything bigger is
	// rejected before any parsing happens.
	maxTokenSize = 8192

	// allowedClockDriftSec is how many seconds of clock desynchronization
	// between us and the token server we tolerate when checking CreationTime.
	allowedClockDriftSec = int64(30)
)

var (
	// ErrMalformedDelegationToken is returned when the token cannot be
	// deserialized.
	ErrMalformedDelegationToken = errors.New("auth: malformed delegation token")

	// ErrUnsignedDelegationToken is returned if the token signature cannot
	// be verified.
	ErrUnsignedDelegationToken = errors.New("auth: unsigned delegation token")

	// ErrForbiddenDelegationToken is returned if the token is structurally
	// valid, but deny the use: it is expired, or the caller or the service
	// is not in the corresponding allowed set.
	ErrForbiddenDelegationToken = errors.New("auth: forbidden delegation token")
)

// CertificatesProvider knows the public certificates of the token server
// that signs delegation tokens.
//
// Implemented by authdb.DB.
type CertificatesProvider interface {
	// GetCertificates returns the certificates of the signer identified by
	// its identity, or (nil, nil) if the given identity is not a trusted
	// signer.
	GetCertificates(ctx context.Context, id identity.Identity) (*signing.PublicCertificates, error)
}

// GroupsChecker knows how to check group membership.
type GroupsChecker interface {
	// IsMember returns true if the given identity belongs to the given group.
	IsMember(ctx context.Context, id identity.Identity, group string) (bool, error)
}

// CheckTokenParams is passed to CheckToken.
type CheckTokenParams struct {
	Token                string               // the token as is, as extracted from the header
	PeerID               identity.Identity    // identity of the caller that presented the token
	CertificatesProvider CertificatesProvider // usually the AuthDB in the request context
	GroupsChecker        GroupsChecker        // usually the AuthDB in the request context
	OwnServiceIdentity   identity.Identity    // identity of the service that received the token
}

// CheckToken verifies the delegation token and returns the delegated
// identity on success.
//
// The error is either ErrMalformedDelegationToken,
// ErrUnsignedDelegationToken or ErrForbiddenDelegationToken, or is
// transient when the check itself could not be carried out.
func CheckToken(ctx context.Context, params CheckTokenParams) (identity.Identity, error) {
	// Too huge to even bother deserializing.
	if len(params.Token) > maxTokenSize {
		logging.Warningf(ctx, "auth: delegation token is too big (%d bytes)", len(params.Token))
		return "", ErrMalformedDelegationToken
	}

	tok, err := deserializeToken(params.Token)
	if err != nil {
		logging.Warningf(ctx, "auth: failed to deserialize delegation token - %s", err)
		return "", ErrMalformedDelegationToken
	}

	subtoken, err := unsealToken(ctx, tok, params.CertificatesProvider)
	if err != nil {
		if transient.Tag.In(err) {
			logging.Warningf(ctx, "auth: transient error when checking delegation token signature - %s", err)
			return "", err
		}
		logging.Warningf(ctx, "auth: failed to check delegation token signature - %s", err)
		return "", ErrUnsignedDelegationToken
	}

	if err := checkSubtoken(ctx, subtoken, &params); err != nil {
		if transient.Tag.In(err) {
			logging.Warningf(ctx, "auth: transient error when validating delegation token - %s", err)
			return "", err
		}
		logging.Warningf(ctx, "auth: delegation token is forbidden - %s", err)
		return "", ErrForbiddenDelegationToken
	}

	delegated := identity.Identity(subtoken.DelegatedIdentity)
	if err := delegated.Validate(); err != nil {
		logging.Warningf(ctx, "auth: delegation token has invalid delegated_identity - %s", err)
		return "", ErrMalformedDelegationToken
	}
	return delegated, nil
}

// deserializeToken decodes base64 and deserializes the token envelope.
func deserializeToken(token string) (*protocol.DelegationToken, error) {
	blob, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, err
	}
	tok := &protocol.DelegationToken{}
	if err := protocol.Unmarshal(blob, tok); err != nil {
		return nil, err
	}
	return tok, nil
}

// unsealToken verifies the token signature and deserializes the subtoken.
//
// A non-transient error means the token is not trustworthy: the signer is
// unknown, or the signature does not check out.
func unsealToken(ctx context.Context, tok *protocol.DelegationToken, certsProvider CertificatesProvider) (*protocol.Subtoken, error) {
	signerID := identity.Identity(tok.SignerID)
	if err := signerID.Validate(); err != nil {
		return nil, errors.Annotate(err, "bad signer_id %q", tok.SignerID).Err()
	}
	certs, err := certsProvider.GetCertificates(ctx, signerID)
	if err != nil {
		return nil, errors.Annotate(err, "failed to grab certificates of %q", signerID).Err()
	}
	if certs == nil {
		return nil, errors.Reason("the signer %q is not trusted", signerID).Err()
	}

	if err := certs.CheckSignature(tok.SigningKeyID, tok.SerializedSubtoken, tok.Pkcs1Sha256Sig); err != nil {
		return nil, err
	}

	subtoken := &protocol.Subtoken{}
	if err := protocol.Unmarshal(tok.SerializedSubtoken, subtoken); err != nil {
		return nil, errors.Annotate(err, "failed to deserialize the subtoken").Err()
	}
	return subtoken, nil
}

// checkSubtoken validates the deserialized token body against the request.
//
// Checks are ordered from cheap to expensive, group membership last.
func checkSubtoken(ctx context.Context, subtoken *protocol.Subtoken, params *CheckTokenParams) error {
	if subtoken.Kind != protocol.SubtokenKindBearerDelegation {
		return errors.Reason("invalid subtoken kind %d", subtoken.Kind).Err()
	}

	// A token without a creation time or with a non-positive validity
	// window is forged or hopelessly malformed.
	if subtoken.CreationTime <= 0 {
		return errors.Reason("invalid creation_time %d", subtoken.CreationTime).Err()
	}
	if subtoken.ValidityDuration <= 0 {
		return errors.Reason("invalid validity_duration %d", subtoken.ValidityDuration).Err()
	}

	// Do not accept tokens from the distant future, it means the token
	// server clock is broken (or the token is forged).
	now := clock.Now(ctx).Unix()
	if subtoken.CreationTime > now+allowedClockDriftSec {
		return errors.Reason("invalid creation_time %d (now is %d)", subtoken.CreationTime, now).Err()
	}
	if exp := subtoken.CreationTime + int64(subtoken.ValidityDuration); exp < now {
		return errors.Reason("the token expired %d sec ago", now-exp).Err()
	}

	if err := checkSubtokenServices(subtoken, params.OwnServiceIdentity); err != nil {
		return err
	}
	return checkSubtokenAudience(ctx, subtoken, params.PeerID, params.GroupsChecker)
}

// checkSubtokenServices checks that the receiving service is authorized to
// accept the token.
func checkSubtokenServices(subtoken *protocol.Subtoken, serviceID identity.Identity) error {
	if len(subtoken.Services) == 0 {
		return errors.Reason("the token's services list is empty").Err()
	}
	for _, s := range subtoken.Services {
		if s == "*" || s == string(serviceID) {
			return nil
		}
	}
	return errors.Reason("the token is not intended for %q", serviceID).Err()
}

// checkSubtokenAudience checks the caller is in the token's audience.
//
// Entries of the form "group:<name>" are checked via the groups checker,
// everything else is matched as a literal identity.
func checkSubtokenAudience(ctx context.Context, subtoken *protocol.Subtoken, caller identity.Identity, checker GroupsChecker) error {
	if len(subtoken.Audience) == 0 {
		return errors.Reason("the token's audience list is empty").Err()
	}
	var groups []string
	for _, aud := range subtoken.Audience {
		if aud == "*" || aud == string(caller) {
			return nil
		}
		if name, ok := trimPrefix(aud, "group:"); ok {
			groups = append(groups, name)
		}
	}
	for _, group := range groups {
		switch ok, err := checker.IsMember(ctx, caller, group); {
		case err != nil:
			return errors.Annotate(err, "failed to check membership in %q", group).Err()
		case ok:
			return nil
		}
	}
	return errors.Reason("%q is not in the token's audience", caller).Err()
}

func trimPrefix(s, prefix string) (string, bool) {
	if len(s) >= len(prefix) && s[:len(prefix)] == prefix {
		return s[len(prefix):], true
	}
	return "", false
}
