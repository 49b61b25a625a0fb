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

package delegation

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"time"

	"github.com/authfleet/authfleet/auth/identity"
	"github.com/authfleet/authfleet/common/clock"
	"github.com/authfleet/authfleet/common/errors"
	"github.com/authfleet/authfleet/server/auth/service/protocol"
	"github.com/authfleet/authfleet/server/auth/signing"
)

// MaxValidityDuration is the longest lifetime of a minted token.
const MaxValidityDuration = 24 * time.Hour

// MintParams describes a token to be minted by MintToken.
type MintParams struct {
	// DelegatedIdentity is whose authority the token carries.
	DelegatedIdentity identity.Identity
	// RequestorIdentity is who asked for the token, for the audit trail.
	RequestorIdentity identity.Identity
	// ValidityDuration is how long the token lives. Must be positive and no
	// longer than MaxValidityDuration.
	ValidityDuration time.Duration
	// Audience is who can present the token: identities, "group:<name>"
	// entries, or "*". Must not be empty.
	Audience []string
	// Services is who can accept the token: service identities or "*". Must
	// not be empty.
	Services []string
	// Tags are arbitrary key:value pairs stored in the token.
	Tags []string
}

func (p *MintParams) validate() error {
	if err := p.DelegatedIdentity.Validate(); err != nil {
		return errors.Annotate(err, "bad delegated identity").Err()
	}
	if err := p.RequestorIdentity.Validate(); err != nil {
		return errors.Annotate(err, "bad requestor identity").Err()
	}
	if p.ValidityDuration <= 0 || p.ValidityDuration > MaxValidityDuration {
		return errors.Reason("bad validity duration %s", p.ValidityDuration).Err()
	}
	if len(p.Audience) == 0 {
		return errors.Reason("the audience list must not be empty").Err()
	}
	if len(p.Services) == 0 {
		return errors.Reason("the services list must not be empty").Err()
	}
	return nil
}

// MintToken signs a new delegation token with the given signer.
//
// The signer's identity (as reported by its service info) becomes the
// token's signer_id, so replicas that trust that identity as their token
// server will accept the token.
func MintToken(ctx context.Context, signer signing.Signer, signerID identity.Identity, params MintParams) (string, error) {
	if err := params.validate(); err != nil {
		return "", err
	}

	subtoken := &protocol.Subtoken{
		Kind:              protocol.SubtokenKindBearerDelegation,
		SubtokenID:        newSubtokenID(),
		DelegatedIdentity: string(params.DelegatedIdentity),
		RequestorIdentity: string(params.RequestorIdentity),
		CreationTime:      clock.Now(ctx).Unix(),
		ValidityDuration:  int32(params.ValidityDuration / time.Second),
		Audience:          params.Audience,
		Services:          params.Services,
		Tags:              params.Tags,
	}

	serialized, err := protocol.Marshal(subtoken)
	if err != nil {
		return "", errors.Annotate(err, "failed to serialize the subtoken").Err()
	}
	keyID, sig, err := signer.SignBytes(ctx, serialized)
	if err != nil {
		return "", errors.Annotate(err, "failed to sign the subtoken").Err()
	}

	tok := &protocol.DelegationToken{
		SignerID:           string(signerID),
		SigningKeyID:       keyID,
		Pkcs1Sha256Sig:     sig,
		SerializedSubtoken: serialized,
	}
	blob, err := protocol.Marshal(tok)
	if err != nil {
		return "", errors.Annotate(err, "failed to serialize the token").Err()
	}
	return base64.RawURLEncoding.EncodeToString(blob), nil
}

// newSubtokenID generates a random token id for the audit trail.
func newSubtokenID() string {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		panic(err)
	}
	return hex.EncodeToString(buf[:])
}
