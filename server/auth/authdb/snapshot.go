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

// Package authdb contains the in-memory authorization database and its
// process-wide cache.
package authdb

import (
	"context"
	"net"
	"strings"
	"sync"

	"github.com/authfleet/authfleet/auth/identity"
	"github.com/authfleet/authfleet/common/data/stringset"
	"github.com/authfleet/authfleet/common/errors"
	"github.com/authfleet/authfleet/common/logging"
	"github.com/authfleet/authfleet/server/auth/authdb/internal/graph"
	"github.com/authfleet/authfleet/server/auth/service/protocol"
	"github.com/authfleet/authfleet/server/auth/signing"
	"github.com/authfleet/authfleet/server/secrets"
)

// SnapshotDB implements DB using an AuthDB message as the source.
//
// It is an immutable in-memory snapshot of all groups, secrets and IP
// whitelists at some revision of the primary. Once built it is never
// mutated, a newer snapshot entirely replaces the old one. It is safe to
// share one instance between any number of goroutines.
//
// Use NewSnapshotDB to create instances. Don't touch public fields of
// existing instances.
type SnapshotDB struct {
	// PrimaryID identifies the primary service this snapshot came from.
	PrimaryID string
	// PrimaryURL is the root URL of the primary service.
	PrimaryURL string
	// Rev is the snapshot's revision number, monotonic per PrimaryID.
	Rev int64

	tokenServerURL string

	clientIDs   map[string]struct{} // set of allowed OAuth client IDs
	groups      map[string]*group   // all known groups
	nestedNames map[string][]string // group name => names of nested groups
	rawGroups   []*protocol.AuthGroup

	secrets secrets.StaticStore

	assignments map[identity.Identity]string // identity => IP whitelist name
	whitelists  map[string][]net.IPNet       // IP whitelist name => subnets

	// The relations graph is expensive and is needed only by UI/audit
	// queries, so it is built lazily on first use, once.
	graphOnce sync.Once
	graph     *graph.Graph
	graphErr  error
}

// group is a node of the group graph. Nested groups are referenced directly
// via pointer.
type group struct {
	members map[identity.Identity]struct{}
	globs   []identity.Glob
	nested  []*group
}

var _ DB = (*SnapshotDB)(nil)

// GroupListing is a group's content as returned by ListGroup.
type GroupListing struct {
	Members []identity.Identity // direct (or transitive) members
	Globs   []identity.Glob     // identity globs
	Nested  []string            // names of nested groups
}

// NewSnapshotDB creates a new instance of SnapshotDB.
//
// It does some preprocessing to speed up subsequent checks. Returns an error
// if the AuthDB message is inconsistent.
func NewSnapshotDB(authDB *protocol.AuthDB, primaryID, primaryURL string, rev int64) (*SnapshotDB, error) {
	db := &SnapshotDB{
		PrimaryID:      primaryID,
		PrimaryURL:     primaryURL,
		Rev:            rev,
		tokenServerURL: authDB.TokenServerURL,
		rawGroups:      authDB.Groups,
	}

	db.clientIDs = make(map[string]struct{}, 1+len(authDB.OAuthAdditionalClientIDs))
	if authDB.OAuthClientID != "" {
		db.clientIDs[authDB.OAuthClientID] = struct{}{}
	}
	for _, cid := range authDB.OAuthAdditionalClientIDs {
		if cid != "" {
			db.clientIDs[cid] = struct{}{}
		}
	}

	// First pass: build all group nodes.
	db.groups = make(map[string]*group, len(authDB.Groups))
	db.nestedNames = make(map[string][]string, len(authDB.Groups))
	for _, g := range authDB.Groups {
		if db.groups[g.Name] != nil {
			return nil, errors.Reason("auth: bad AuthDB, group %q is listed twice", g.Name).Err()
		}
		gr := &group{}
		if len(g.Members) != 0 {
			gr.members = make(map[identity.Identity]struct{}, len(g.Members))
			for _, ident := range g.Members {
				gr.members[identity.Identity(ident)] = struct{}{}
			}
		}
		if len(g.Globs) != 0 {
			gr.globs = make([]identity.Glob, len(g.Globs))
			for i, glob := range g.Globs {
				gr.globs[i] = identity.Glob(glob)
			}
		}
		if len(g.Nested) != 0 {
			gr.nested = make([]*group, 0, len(g.Nested))
			db.nestedNames[g.Name] = g.Nested
		}
		db.groups[g.Name] = gr
	}

	// Second pass: fill in 'nested' with pointers, now that all nodes exist.
	// Unknown nested groups are skipped here and reported at query time.
	for _, g := range authDB.Groups {
		gr := db.groups[g.Name]
		for _, nestedName := range g.Nested {
			if nestedGroup := db.groups[nestedName]; nestedGroup != nil {
				gr.nested = append(gr.nested, nestedGroup)
			}
		}
	}

	// Load all shared secrets.
	db.secrets = make(secrets.StaticStore, len(authDB.Secrets))
	for _, s := range authDB.Secrets {
		if len(s.Values) == 0 {
			continue
		}
		db.secrets[secrets.Key(s.Name)] = secrets.Secret{
			Current:  s.Values[0], // most recent on top
			Previous: s.Values[1:],
		}
	}

	// Build the map of IP whitelist assignments.
	db.assignments = make(map[identity.Identity]string, len(authDB.IPWhitelistAssignments))
	for _, a := range authDB.IPWhitelistAssignments {
		db.assignments[identity.Identity(a.Identity)] = a.IPWhitelist
	}

	// Parse all subnets into IPNet objects.
	db.whitelists = make(map[string][]net.IPNet, len(authDB.IPWhitelists))
	for _, w := range authDB.IPWhitelists {
		if len(w.Subnets) == 0 {
			continue
		}
		nets := make([]net.IPNet, len(w.Subnets))
		for i, subnet := range w.Subnets {
			_, ipnet, err := net.ParseCIDR(subnet)
			if err != nil {
				return nil, errors.Annotate(err, "auth: bad subnet %q in IP list %q", subnet, w.Name).Err()
			}
			nets[i] = *ipnet
		}
		db.whitelists[w.Name] = nets
	}

	return db, nil
}

// serviceAccountSuffix is the email domain suffix of the fleet's own service
// accounts. Tokens of such accounts are identified by the account email
// alone, the client ID check does not apply to them.
const serviceAccountSuffix = ".serviceaccounts.fleet.internal"

// IsAllowedOAuthClientID returns true if the given OAuth2 client ID can be
// used to authenticate access for the given email.
func (db *SnapshotDB) IsAllowedOAuthClientID(ctx context.Context, email, clientID string) (bool, error) {
	if strings.HasSuffix(email, serviceAccountSuffix) {
		return true, nil
	}
	if clientID == "" {
		return false, nil
	}
	_, ok := db.clientIDs[clientID]
	return ok, nil
}

// IsMember returns true if the given identity belongs to the given group.
//
// The group "*" matches any identity, including anonymous. Unknown groups
// are considered empty.
func (db *SnapshotDB) IsMember(ctx context.Context, id identity.Identity, groupName string) (bool, error) {
	if groupName == "*" {
		return true, nil
	}

	gr := db.groups[groupName]
	if gr == nil {
		logging.Warningf(ctx, "auth: checking membership in unknown group %q", groupName)
		return false, nil
	}

	// Cycle detection uses a stack of groups currently being explored. Use a
	// stack-allocated array as the backing store to avoid dynamic allocation
	// in the common case of shallow nesting.
	var backingStore [8]*group
	current := backingStore[:0]

	// Set of groups fully explored without a match, to avoid rewalking shared
	// branches in diamond-shaped nesting.
	visited := make(map[*group]struct{}, 10)

	var isMember func(*group) bool
	isMember = func(gr *group) bool {
		if _, ok := gr.members[id]; ok {
			return true
		}
		for _, glob := range gr.globs {
			if glob.Match(id) {
				return true
			}
		}
		if len(gr.nested) == 0 {
			return false
		}

		current = append(current, gr) // popped before return

		found := false

	outerLoop:
		for _, nested := range gr.nested {
			// Cycles are rejected when groups are committed on the primary, so
			// hitting one here means the snapshot is corrupted. Skip the
			// offending branch, but keep searching the rest.
			for _, ancestor := range current {
				if ancestor == nested {
					logging.Errorf(ctx, "auth: unexpected group nesting cycle in group %q", groupName)
					continue outerLoop
				}
			}
			if _, seen := visited[nested]; seen {
				continue
			}
			if isMember(nested) {
				found = true
				break
			}
		}

		current = current[:len(current)-1]
		visited[gr] = struct{}{}

		return found
	}

	return isMember(gr), nil
}

// IsMemberOfAny returns true if the identity belongs to any of the groups.
func (db *SnapshotDB) IsMemberOfAny(ctx context.Context, id identity.Identity, groups []string) (bool, error) {
	for _, gr := range groups {
		switch ok, err := db.IsMember(ctx, id, gr); {
		case err != nil:
			return false, err
		case ok:
			return true, nil
		}
	}
	return false, nil
}

// ListGroup returns the contents of a group.
//
// In non-recursive mode it returns the group's own member set, globs and
// nested group names. In recursive mode it walks all nested groups
// (tolerating diamonds and, defensively, cycles) and returns the union.
// Ordering of the result is not specified.
//
// Unknown groups produce an empty listing. Unknown groups referenced from
// nested lists are logged and skipped.
func (db *SnapshotDB) ListGroup(ctx context.Context, groupName string, recursive bool) (GroupListing, error) {
	var listing GroupListing

	appendGroup := func(name string) {
		gr := db.groups[name]
		if gr == nil {
			logging.Warningf(ctx, "auth: unknown group %q referenced when listing %q", name, groupName)
			return
		}
		for ident := range gr.members {
			listing.Members = append(listing.Members, ident)
		}
		listing.Globs = append(listing.Globs, gr.globs...)
	}

	if db.groups[groupName] == nil {
		if groupName != "*" {
			logging.Warningf(ctx, "auth: listing unknown group %q", groupName)
		}
		return listing, nil
	}

	if !recursive {
		appendGroup(groupName)
		listing.Nested = append(listing.Nested, db.nestedNames[groupName]...)
		return listing, nil
	}

	// Iterative DFS. Cycles are impossible in a healthy snapshot, the queued
	// set handles them anyway (and dedups diamonds). The union sets dedup
	// members and globs shared by several groups in the subtree.
	memberSet := map[identity.Identity]struct{}{}
	globSet := map[identity.Glob]struct{}{}
	queued := stringset.NewFromSlice(groupName)
	queue := []string{groupName}
	for len(queue) != 0 {
		name := queue[len(queue)-1]
		queue = queue[:len(queue)-1]
		gr := db.groups[name]
		if gr == nil {
			logging.Warningf(ctx, "auth: unknown group %q referenced when listing %q", name, groupName)
			continue
		}
		for ident := range gr.members {
			memberSet[ident] = struct{}{}
		}
		for _, glob := range gr.globs {
			globSet[glob] = struct{}{}
		}
		for _, nested := range db.nestedNames[name] {
			if queued.Add(nested) {
				listing.Nested = append(listing.Nested, nested)
				queue = append(queue, nested)
			}
		}
	}
	for ident := range memberSet {
		listing.Members = append(listing.Members, ident)
	}
	for glob := range globSet {
		listing.Globs = append(listing.Globs, glob)
	}
	return listing, nil
}

// SharedSecrets is a secrets.Store with secrets distributed by the primary.
func (db *SnapshotDB) SharedSecrets(ctx context.Context) (secrets.Store, error) {
	return db.secrets, nil
}

// GetWhitelistForIdentity returns the name of the IP whitelist to use for
// requests from the given identity.
//
// Returns ("", nil) if the identity is not IP restricted.
func (db *SnapshotDB) GetWhitelistForIdentity(ctx context.Context, ident identity.Identity) (string, error) {
	return db.assignments[ident], nil
}

// IsInWhitelist returns true if the IP address belongs to the given named
// IP whitelist. Unknown whitelists are considered empty.
func (db *SnapshotDB) IsInWhitelist(ctx context.Context, ip net.IP, whitelist string) (bool, error) {
	for _, ipnet := range db.whitelists[whitelist] {
		if ipnet.Contains(ip) {
			return true, nil
		}
	}
	return false, nil
}

// GetCertificates returns the certificate bundle of a trusted token signer,
// or (nil, nil) if the given identity is not a trusted signer.
//
// Currently the only trusted signer is the token server configured in the
// AuthDB global config.
func (db *SnapshotDB) GetCertificates(ctx context.Context, signerID identity.Identity) (*signing.PublicCertificates, error) {
	if db.tokenServerURL == "" {
		return nil, nil
	}
	tokenServerID, err := signing.FetchServiceIdentity(ctx, db.tokenServerURL)
	if err != nil {
		return nil, errors.Annotate(err, "auth: failed to resolve token server identity").Err()
	}
	if tokenServerID != signerID {
		return nil, nil
	}
	return signing.FetchCertificates(ctx, db.tokenServerURL+"/auth/api/v1/server/certificates")
}

// GetAuthServiceCertificates returns the certificate bundle of the primary
// this snapshot came from, to verify replication messages it signed.
func (db *SnapshotDB) GetAuthServiceCertificates(ctx context.Context) (*signing.PublicCertificates, error) {
	// FetchCertificates caches internally.
	return signing.FetchCertificates(ctx, db.PrimaryURL+"/auth/api/v1/server/certificates")
}

// GetTokenServerURL returns the URL of the service that mints delegation
// tokens, as configured in the AuthDB global config.
func (db *SnapshotDB) GetTokenServerURL(ctx context.Context) (string, error) {
	return db.tokenServerURL, nil
}

// relationsGraph lazily builds (once) and returns the group relations graph.
func (db *SnapshotDB) relationsGraph() (*graph.Graph, error) {
	db.graphOnce.Do(func() {
		db.graph, db.graphErr = graph.NewGraph(db.rawGroups)
	})
	return db.graph, db.graphErr
}

// GetRelevantSubgraph returns the subgraph of groups and globs connected to
// the given principal, for UI and audit tooling.
//
// The queried principal is always node 0 of the result.
func (db *SnapshotDB) GetRelevantSubgraph(ctx context.Context, p graph.Principal) (*graph.Subgraph, error) {
	g, err := db.relationsGraph()
	if err != nil {
		return nil, errors.Annotate(err, "auth: failed to build the groups graph").Err()
	}
	return g.GetRelevantSubgraph(p)
}
