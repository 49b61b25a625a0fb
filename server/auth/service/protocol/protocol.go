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

// Package protocol defines wire messages exchanged between the primary auth
// service and its replicas, and the messages embedded in delegation tokens.
//
// Messages are encoded as deterministic CBOR: the same message always
// serializes to the same bytes, so serialized snapshots can be compared for
// equality and signed by digest.
package protocol

import (
	"github.com/fxamacker/cbor/v2"
)

// AuthDB is the full authorization dataset at some revision.
type AuthDB struct {
	// OAuthClientID is the primary OAuth client ID used by the fleet's UI.
	OAuthClientID string `cbor:"1,keyasint,omitempty"`
	// OAuthAdditionalClientIDs are other client IDs allowed to authenticate.
	OAuthAdditionalClientIDs []string `cbor:"2,keyasint,omitempty"`
	// TokenServerURL is the URL of the service that mints delegation tokens.
	TokenServerURL string `cbor:"3,keyasint,omitempty"`

	Groups                 []*AuthGroup                 `cbor:"4,keyasint,omitempty"`
	Secrets                []*AuthSecret                `cbor:"5,keyasint,omitempty"`
	IPWhitelists           []*AuthIPWhitelist           `cbor:"6,keyasint,omitempty"`
	IPWhitelistAssignments []*AuthIPWhitelistAssignment `cbor:"7,keyasint,omitempty"`
}

// AuthGlobalConfig is the global configuration subset of AuthDB, stored by
// replicas as a single record.
type AuthGlobalConfig struct {
	OAuthClientID            string   `cbor:"1,keyasint,omitempty"`
	OAuthAdditionalClientIDs []string `cbor:"2,keyasint,omitempty"`
	TokenServerURL           string   `cbor:"3,keyasint,omitempty"`
}

// AuthGroup is a named set of identities, globs and nested groups.
type AuthGroup struct {
	Name    string   `cbor:"1,keyasint"`
	Members []string `cbor:"2,keyasint,omitempty"` // identity strings
	Globs   []string `cbor:"3,keyasint,omitempty"` // identity glob strings
	Nested  []string `cbor:"4,keyasint,omitempty"` // names of nested groups

	Description string `cbor:"5,keyasint,omitempty"`
	Owners      string `cbor:"6,keyasint,omitempty"` // name of the owning group

	CreatedTS  int64  `cbor:"7,keyasint,omitempty"` // microseconds since epoch
	CreatedBy  string `cbor:"8,keyasint,omitempty"`
	ModifiedTS int64  `cbor:"9,keyasint,omitempty"`
	ModifiedBy string `cbor:"10,keyasint,omitempty"`
}

// AuthSecret is a named secret with its rotation history: the current value
// first, then still-accepted prior values.
type AuthSecret struct {
	Name   string   `cbor:"1,keyasint"`
	Values [][]byte `cbor:"2,keyasint,omitempty"`
}

// AuthIPWhitelist is a named set of IP subnets.
type AuthIPWhitelist struct {
	Name    string   `cbor:"1,keyasint"`
	Subnets []string `cbor:"2,keyasint,omitempty"` // CIDR strings

	Description string `cbor:"3,keyasint,omitempty"`

	CreatedTS  int64  `cbor:"4,keyasint,omitempty"`
	CreatedBy  string `cbor:"5,keyasint,omitempty"`
	ModifiedTS int64  `cbor:"6,keyasint,omitempty"`
	ModifiedBy string `cbor:"7,keyasint,omitempty"`
}

// AuthIPWhitelistAssignment pins an identity to an IP whitelist: requests
// authenticated as that identity must come from the whitelist's subnets.
type AuthIPWhitelistAssignment struct {
	Identity    string `cbor:"1,keyasint"`
	IPWhitelist string `cbor:"2,keyasint"`
	Comment     string `cbor:"3,keyasint,omitempty"`
}

// AuthDBRevision identifies a point-in-time state of the AuthDB.
//
// Revisions are comparable only within one primary: a change of PrimaryID
// resets comparability.
type AuthDBRevision struct {
	PrimaryID  string `cbor:"1,keyasint"`
	AuthDBRev  int64  `cbor:"2,keyasint"`
	ModifiedTS int64  `cbor:"3,keyasint,omitempty"` // microseconds since epoch
}

// ReplicationPushRequest carries a signed AuthDB snapshot from the primary
// to a replica.
type ReplicationPushRequest struct {
	Revision *AuthDBRevision `cbor:"1,keyasint"`
	// AuthDBBlob is a serialized AuthDB message.
	AuthDBBlob []byte `cbor:"2,keyasint"`
	// SigningKeyID names the primary's key that signed the blob digest.
	SigningKeyID string `cbor:"3,keyasint"`
	// Signature is an RSA-PKCS1v1.5-SHA256 signature of SHA-512(AuthDBBlob).
	Signature []byte `cbor:"4,keyasint"`
	// PrimaryURL is the root URL of the primary, to fetch its certificates.
	PrimaryURL string `cbor:"5,keyasint,omitempty"`
}

// ReplicationPushStatus is the outcome of a push as seen by the replica.
type ReplicationPushStatus int

const (
	// PushApplied means the replica stored the pushed snapshot.
	PushApplied ReplicationPushStatus = 0
	// PushSkipped means the replica was already at this revision or newer.
	PushSkipped ReplicationPushStatus = 1
	// PushFatalError means the push was rejected, see ErrorCode.
	PushFatalError ReplicationPushStatus = 2
)

// PushErrorCode explains a PushFatalError.
type PushErrorCode int

const (
	ErrorCodeNone             PushErrorCode = 0
	ErrorCodeNotAReplica      PushErrorCode = 1
	ErrorCodeWrongPrimary     PushErrorCode = 2
	ErrorCodeMissingSignature PushErrorCode = 3
	ErrorCodeBadSignature     PushErrorCode = 4
	ErrorCodeMalformedRequest PushErrorCode = 5
)

// ReplicationPushResponse reports the outcome of a push.
type ReplicationPushResponse struct {
	Status ReplicationPushStatus `cbor:"1,keyasint"`
	// CurrentRevision is the replica's stored revision after the push.
	CurrentRevision *AuthDBRevision `cbor:"2,keyasint,omitempty"`
	ErrorCode       PushErrorCode   `cbor:"3,keyasint,omitempty"`
}

// SubtokenKind describes what else a Subtoken can be used for.
type SubtokenKind int

const (
	// SubtokenKindUnknown is a zero value of SubtokenKind, it is rejected.
	SubtokenKindUnknown SubtokenKind = 0
	// SubtokenKindBearerDelegation is the only accepted kind: the bearer of
	// the token may act as the delegated identity.
	SubtokenKindBearerDelegation SubtokenKind = 1
)

// Subtoken is the signed payload of a delegation token.
type Subtoken struct {
	Kind SubtokenKind `cbor:"1,keyasint"`
	// SubtokenID is a unique ID of the token, used in audit logs.
	SubtokenID string `cbor:"2,keyasint,omitempty"`
	// DelegatedIdentity is who the bearer of the token can act as.
	DelegatedIdentity string `cbor:"3,keyasint"`
	// RequestorIdentity is who asked for the token to be minted.
	RequestorIdentity string `cbor:"4,keyasint,omitempty"`
	// CreationTime is seconds since epoch when the token was minted.
	CreationTime int64 `cbor:"5,keyasint"`
	// ValidityDuration is how long the token lives, in seconds.
	ValidityDuration int32 `cbor:"6,keyasint"`
	// Audience lists who may present the token: identities, "group:<name>"
	// references, or "*".
	Audience []string `cbor:"7,keyasint,omitempty"`
	// Services lists where the token may be presented: service identities,
	// a root URL, or "*".
	Services []string `cbor:"8,keyasint,omitempty"`
	// Tags are arbitrary key:value pairs for audit.
	Tags []string `cbor:"9,keyasint,omitempty"`
}

// DelegationToken is the outer envelope of a delegation token.
type DelegationToken struct {
	// SignerID is the identity of the service that signed the subtoken.
	SignerID string `cbor:"1,keyasint"`
	// SigningKeyID names the signer's key used to produce the signature.
	SigningKeyID string `cbor:"2,keyasint"`
	// Pkcs1Sha256Sig is an RSA-PKCS1v1.5-SHA256 signature of
	// SerializedSubtoken.
	Pkcs1Sha256Sig []byte `cbor:"3,keyasint"`
	// SerializedSubtoken is a serialized Subtoken message.
	SerializedSubtoken []byte `cbor:"4,keyasint"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	if encMode, err = cbor.CoreDetEncOptions().EncMode(); err != nil {
		panic(err)
	}
	if decMode, err = (cbor.DecOptions{}).DecMode(); err != nil {
		panic(err)
	}
}

// Marshal serializes a message to deterministic CBOR.
func Marshal(msg any) ([]byte, error) {
	return encMode.Marshal(msg)
}

// Unmarshal deserializes a message from CBOR.
func Unmarshal(blob []byte, msg any) error {
	return decMode.Unmarshal(blob, msg)
}
