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

// Package identity defines Identity type and related types and constants.
//
// An identity is a unique pointer to a principal: an end user, a service,
// a bot, etc. It is a string of the form "<kind>:<name>".
package identity

import (
	"regexp"
	"strings"

	"github.com/authfleet/authfleet/common/errors"
)

// Kind is a prefix of an identity string that defines what sort of principal
// the identity points to.
type Kind string

const (
	// Anonymous kind means no identity information is provided.
	Anonymous Kind = "anonymous"
	// Bot is a kind of accounts used by machines.
	Bot Kind = "bot"
	// Project is a kind of identities used for inter-project communication.
	Project Kind = "project"
	// Service is a kind of accounts used by services of the fleet itself.
	Service Kind = "service"
	// User is a kind of regular user accounts (and service accounts).
	User Kind = "user"
)

// AnonymousIdentity represents an anonymous user.
const AnonymousIdentity Identity = "anonymous:anonymous"

// knownKinds maps an identity kind to a regexp matching valid names of such
// identities.
var knownKinds = map[Kind]*regexp.Regexp{
	Anonymous: regexp.MustCompile(`^anonymous$`),
	Bot:       regexp.MustCompile(`^[0-9a-zA-Z_\-\.@]+$`),
	Project:   regexp.MustCompile(`^[a-z0-9\-_]+$`),
	Service:   regexp.MustCompile(`^[0-9a-zA-Z_\-\:\.]+$`),
	User:      regexp.MustCompile(`^[0-9a-zA-Z_\-\.\+\%]+@[0-9a-zA-Z_\-\.]+$`),
}

// Identity represents a caller that makes requests. A string of the form
// "<kind>:<name>", where <kind> is one of the known identity kinds.
type Identity string

// MakeIdentity ensures 'identity' string looks like a valid identity and
// returns it as Identity value.
func MakeIdentity(identity string) (Identity, error) {
	id := Identity(identity)
	if err := id.Validate(); err != nil {
		return "", err
	}
	return id, nil
}

// Validate checks that the identity string is well formed.
func (id Identity) Validate() error {
	chunks := strings.SplitN(string(id), ":", 2)
	if len(chunks) != 2 {
		return errors.Reason("bad identity string %q", id).Err()
	}
	re := knownKinds[Kind(chunks[0])]
	if re == nil {
		return errors.Reason("bad identity kind %q in %q", chunks[0], id).Err()
	}
	if !re.MatchString(chunks[1]) {
		return errors.Reason("bad value %q for identity kind %q", chunks[1], chunks[0]).Err()
	}
	return nil
}

// Kind returns identity kind. If the identity string is invalid returns
// Anonymous.
func (id Identity) Kind() Kind {
	chunks := strings.SplitN(string(id), ":", 2)
	if len(chunks) != 2 {
		return Anonymous
	}
	return Kind(chunks[0])
}

// Value returns a valid identity value (e.g. an email for Kind == User).
// If the identity string is invalid returns "anonymous".
func (id Identity) Value() string {
	chunks := strings.SplitN(string(id), ":", 2)
	if len(chunks) != 2 {
		return "anonymous"
	}
	return chunks[1]
}

// Email returns user's email for identities with Kind == User or empty string
// for all other identity kinds. If the identity string is invalid returns
// empty string.
func (id Identity) Email() string {
	chunks := strings.SplitN(string(id), ":", 2)
	if len(chunks) != 2 {
		return ""
	}
	if Kind(chunks[0]) == User {
		return chunks[1]
	}
	return ""
}
