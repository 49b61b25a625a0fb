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

	"github.com/authfleet/authfleet/auth/identity"
	"github.com/authfleet/authfleet/common/errors"
	"github.com/authfleet/authfleet/server/auth/authdb"
	"github.com/authfleet/authfleet/server/auth/signing"
)

var cfgContextKey = "auth.Config context key"

// ErrNotConfigured is returned when the auth library is used before
// Initialize is called.
var ErrNotConfigured = errors.New("auth: the library is not properly configured")

// DBProvider is a callback that returns the most recent DB snapshot.
type DBProvider func(ctx context.Context) (authdb.DB, error)

// Config contains global configuration of the auth library.
//
// It lives in the context and must be installed there by some root
// middleware via Initialize or ModifyConfig.
type Config struct {
	// DBProvider returns the most recent DB snapshot. Usually the Get method
	// of an authdb.DBCache fed by a replica store.
	DBProvider DBProvider

	// Signer holds the service's private key, used to sign delegation
	// subtokens and AuthDB pushes and to serve the certificates endpoint.
	Signer signing.Signer

	// OwnServiceIdentity is the "service:..." identity of this service, as
	// appears in Services lists of delegation tokens addressed to it.
	OwnServiceIdentity identity.Identity

	// AllowBotsFromIPWhitelists enables the deprecated scheme where an
	// anonymous caller whose IP belongs to the "bots" whitelist is treated
	// as a bot identity derived from that IP. Off by default, exists only
	// for fleets that still have unauthenticated bots.
	AllowBotsFromIPWhitelists bool
}

// Initialize inserts authentication configuration into the context.
//
// An initialized context is required by any other function in the package.
// Calling Initialize twice causes a panic.
func Initialize(ctx context.Context, cfg *Config) context.Context {
	if getConfig(ctx) != nil {
		panic("auth.Initialize is called twice on the same context")
	}
	return setConfig(ctx, cfg)
}

// ModifyConfig makes a context with a derived configuration.
//
// It grabs the current configuration from the context (if any), passes it
// to the callback, and puts whatever the callback returns into a derived
// context.
func ModifyConfig(ctx context.Context, cb func(Config) Config) context.Context {
	var cfg Config
	if cur := getConfig(ctx); cur != nil {
		cfg = *cur
	}
	cfg = cb(cfg)
	return setConfig(ctx, &cfg)
}

func setConfig(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, &cfgContextKey, cfg)
}

func getConfig(ctx context.Context) *Config {
	val, _ := ctx.Value(&cfgContextKey).(*Config)
	return val
}

// GetDB returns the most recent snapshot of the authorization database
// using the DBProvider installed in the context.
//
// If no provider is installed, returns a DB that forbids everything and
// logs errors. Good enough for unit tests that do not care about
// authorization, and fails closed if it leaks into production.
func GetDB(ctx context.Context) (authdb.DB, error) {
	if cfg := getConfig(ctx); cfg != nil && cfg.DBProvider != nil {
		return cfg.DBProvider(ctx)
	}
	return authdb.ErroringDB{Error: ErrNotConfigured}, nil
}

// GetSigner returns the signing.Signer instance representing the service,
// or nil if it is not configured.
func GetSigner(ctx context.Context) signing.Signer {
	if cfg := getConfig(ctx); cfg != nil {
		return cfg.Signer
	}
	return nil
}
