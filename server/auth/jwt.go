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
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/authfleet/authfleet/auth/identity"
	"github.com/authfleet/authfleet/common/clock"
	"github.com/authfleet/authfleet/common/errors"
	"github.com/authfleet/authfleet/server/auth/signing"
)

// jwtClockSkew is how much clock desynchronization with the token issuer is
// tolerated on iat and exp claims.
const jwtClockSkew = 30 // seconds

// ErrBadJWT is returned for bearer tokens that look like JWTs but fail
// structural validation or the signature check.
var ErrBadJWT = errors.New("auth: bad JWT")

// JWTMethod authenticates requests that carry "Authorization: Bearer
// <jwt>", where the JWT is an RS256-signed token minted by a trusted
// issuer.
//
// Only RS256 is accepted: tokens that name any other algorithm, omit the
// key id, or are not typed as JWT are rejected outright, before any
// cryptography runs.
type JWTMethod struct {
	// Certs returns the certificate bundle of the trusted issuer. The
	// token's kid must name a key in it.
	Certs func(ctx context.Context) (*signing.PublicCertificates, error)

	// Audience, if not empty, must match the token's aud claim.
	Audience string
}

type jwtHeader struct {
	Alg string `json:"alg"`
	Typ string `json:"typ"`
	Kid string `json:"kid"`
}

type jwtClaims struct {
	Iss   string `json:"iss"`
	Sub   string `json:"sub"`
	Aud   string `json:"aud"`
	Email string `json:"email"`
	Iat   int64  `json:"iat"`
	Exp   int64  `json:"exp"`
}

// Authenticate is part of the Method interface.
func (m *JWTMethod) Authenticate(ctx context.Context, r *http.Request) (*User, error) {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return nil, nil // not applicable
	}
	token := strings.TrimPrefix(header, "Bearer ")
	if strings.Count(token, ".") != 2 {
		return nil, nil // a bearer token, but not a JWT: not for this method
	}

	claims, err := m.checkJWT(ctx, token)
	if err != nil {
		return nil, err
	}

	email := claims.Email
	if email == "" {
		email = claims.Sub
	}
	ident, err := identity.MakeIdentity("user:" + email)
	if err != nil {
		return nil, errors.Annotate(err, "auth: JWT sub/email is not a valid identity").Err()
	}
	return &User{Identity: ident, Email: email, ClientID: claims.Aud}, nil
}

// checkJWT validates the token structure, signature and time claims.
func (m *JWTMethod) checkJWT(ctx context.Context, token string) (*jwtClaims, error) {
	parts := strings.SplitN(token, ".", 3)

	headerBlob, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, ErrBadJWT
	}
	var hdr jwtHeader
	if err := json.Unmarshal(headerBlob, &hdr); err != nil {
		return nil, ErrBadJWT
	}
	switch {
	case hdr.Alg != "RS256":
		return nil, errors.Annotate(ErrBadJWT, "unsupported alg %q", hdr.Alg).Err()
	case hdr.Typ != "JWT":
		return nil, errors.Annotate(ErrBadJWT, "unsupported typ %q", hdr.Typ).Err()
	case hdr.Kid == "":
		return nil, errors.Annotate(ErrBadJWT, "no kid in the header").Err()
	}

	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, ErrBadJWT
	}
	certs, err := m.Certs(ctx)
	if err != nil {
		return nil, err
	}
	signedInput := []byte(parts[0] + "." + parts[1])
	if err := certs.CheckSignature(hdr.Kid, signedInput, sig); err != nil {
		return nil, errors.Annotate(ErrBadJWT, "signature check failed").Err()
	}

	claimsBlob, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, ErrBadJWT
	}
	var claims jwtClaims
	if err := json.Unmarshal(claimsBlob, &claims); err != nil {
		return nil, ErrBadJWT
	}

	now := clock.Now(ctx).Unix()
	switch {
	case claims.Iat > now+jwtClockSkew:
		return nil, errors.Annotate(ErrBadJWT, "issued in the future").Err()
	case claims.Exp+jwtClockSkew < now:
		return nil, errors.Annotate(ErrBadJWT, "expired").Err()
	}
	if m.Audience != "" && claims.Aud != m.Audience {
		return nil, errors.Annotate(ErrBadJWT, "wrong audience %q", claims.Aud).Err()
	}
	return &claims, nil
}
