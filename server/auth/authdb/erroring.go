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
	"github.com/authfleet/authfleet/common/logging"
	"github.com/authfleet/authfleet/server/auth/signing"
	"github.com/authfleet/authfleet/server/secrets"
)

// ErroringDB implements DB by forbidding all access and returning errors.
//
// It is installed when the real AuthDB is not available (e.g. the service is
// not linked to a primary yet), so that all authorization checks fail
// closed, loudly.
type ErroringDB struct {
	Error error // returned by all calls
}

var _ DB = ErroringDB{}

// IsAllowedOAuthClientID returns the stored error.
func (db ErroringDB) IsAllowedOAuthClientID(ctx context.Context, email, clientID string) (bool, error) {
	logging.Errorf(ctx, "%s", db.Error)
	return false, db.Error
}

// IsMember returns the stored error.
func (db ErroringDB) IsMember(ctx context.Context, id identity.Identity, group string) (bool, error) {
	logging.Errorf(ctx, "%s", db.Error)
	return false, db.Error
}

// IsMemberOfAny returns the stored error.
func (db ErroringDB) IsMemberOfAny(ctx context.Context, id identity.Identity, groups []string) (bool, error) {
	logging.Errorf(ctx, "%s", db.Error)
	return false, db.Error
}

// SharedSecrets returns the stored error.
func (db ErroringDB) SharedSecrets(ctx context.Context) (secrets.Store, error) {
	logging.Errorf(ctx, "%s", db.Error)
	return nil, db.Error
}

// GetWhitelistForIdentity returns the stored error.
func (db ErroringDB) GetWhitelistForIdentity(ctx context.Context, ident identity.Identity) (string, error) {
	logging.Errorf(ctx, "%s", db.Error)
	return "", db.Error
}

// IsInWhitelist returns the stored error.
func (db ErroringDB) IsInWhitelist(ctx context.Context, ip net.IP, whitelist string) (bool, error) {
	logging.Errorf(ctx, "%s", db.Error)
	return false, db.Error
}

// GetCertificates returns the stored error.
func (db ErroringDB) GetCertificates(ctx context.Context, signerID identity.Identity) (*signing.PublicCertificates, error) {
	logging.Errorf(ctx, "%s", db.Error)
	return nil, db.Error
}

// GetAuthServiceCertificates returns the stored error.
func (db ErroringDB) GetAuthServiceCertificates(ctx context.Context) (*signing.PublicCertificates, error) {
	logging.Errorf(ctx, "%s", db.Error)
	return nil, db.Error
}

// GetTokenServerURL returns the stored error.
func (db ErroringDB) GetTokenServerURL(ctx context.Context) (string, error) {
	logging.Errorf(ctx, "%s", db.Error)
	return "", db.Error
}
