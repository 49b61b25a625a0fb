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

// Package secrets provides access to named secret values with rotation
// support.
package secrets

import (
	"github.com/authfleet/authfleet/common/errors"
)

// ErrNoSuchSecret is returned by stores that do not autogenerate secrets
// when the requested secret is not there.
var ErrNoSuchSecret = errors.New("secret not found")

// Key names a secret.
type Key string

// Secret is a named secret blob and the still-accepted values it rotated
// away from.
//
// Authorization code that checks a MAC or decrypts a blob must try Current
// first and fall back to Previous values, so that rotating a secret does not
// invalidate outstanding tokens.
type Secret struct {
	Current  []byte   // the value used for new tokens
	Previous [][]byte // values that are still accepted
}

// Blobs returns all values of the secret, current first.
func (s Secret) Blobs() [][]byte {
	out := make([][]byte, 0, 1+len(s.Previous))
	out = append(out, s.Current)
	out = append(out, s.Previous...)
	return out
}

// Store knows how to retrieve secrets by name.
type Store interface {
	// GetSecret returns a secret given its key.
	//
	// Depending on the store implementation, it may generate and persist the
	// secret on first access instead of failing.
	GetSecret(k Key) (Secret, error)
}

// StaticStore is a Store with a fixed set of secrets.
type StaticStore map[Key]Secret

// GetSecret returns a secret given its key.
func (s StaticStore) GetSecret(k Key) (Secret, error) {
	if secret, ok := s[k]; ok {
		return secret, nil
	}
	return Secret{}, ErrNoSuchSecret
}
