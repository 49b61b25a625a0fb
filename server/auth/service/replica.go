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

package service

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha512"
	"strings"

	"github.com/dgraph-io/badger/v3"

	"github.com/authfleet/authfleet/common/errors"
	"github.com/authfleet/authfleet/common/logging"
	"github.com/authfleet/authfleet/common/retry/transient"
	"github.com/authfleet/authfleet/server/auth/authdb"
	"github.com/authfleet/authfleet/server/auth/service/protocol"
	"github.com/authfleet/authfleet/server/auth/signing"
	"github.com/authfleet/authfleet/server/secrets"
)

// Storage keys in the replica's badger database. The pushed AuthDB is stored
// as individual entity records, one key per group, secret, whitelist and
// assignment, so an apply only rewrites records that actually changed.
var (
	keyAuthDBRevision = []byte("authdb/revision")    // serialized AuthDBRevision
	keyPrimaryURL     = []byte("authdb/primary_url") // root URL of the adopted primary, written once

	entityPrefix       = "entity/"        // all AuthDB entity records
	globalConfigKey    = "entity/config"  // serialized AuthGlobalConfig
	groupKeyPrefix     = "entity/group/"  // + group name
	secretKeyPrefixDB  = "entity/secret/" // + secret name
	whitelistKeyPrefix = "entity/ipwl/"   // + whitelist name
	assignKeyPrefix    = "entity/ipwla/"  // + identity

	bootstrapSecretPrefix = "secret/" // + secret name, replica-local secrets
)

// applyRetries is how many times ApplyPush retries a transaction conflict
// before giving up. Conflicts happen when several pushes land at once, only
// one of them needs to win.
const applyRetries = 5

// Replica stores pushed AuthDB snapshots locally and serves them to the
// rest of the process.
type Replica struct {
	// ExpectedPrimaryID, if set, is the only primary whose pushes are
	// accepted. If empty, the first primary to push is adopted and pinned.
	ExpectedPrimaryID string

	db *badger.DB
}

// NewReplica wraps an open badger database with the replica protocol.
func NewReplica(db *badger.DB) *Replica {
	return &Replica{db: db}
}

// GetReplicationState returns the stored revision, or nil if no snapshot
// has ever been pushed.
func (r *Replica) GetReplicationState(ctx context.Context) (*protocol.AuthDBRevision, error) {
	var rev *protocol.AuthDBRevision
	err := r.db.View(func(txn *badger.Txn) error {
		var err error
		rev, err = readRevision(txn)
		return err
	})
	if err != nil {
		return nil, errors.Annotate(err, "failed to read the replication state").Err()
	}
	return rev, nil
}

// ApplyPush validates a pushed snapshot and stores it if it is newer than
// what the replica already has.
//
// The snapshot is diffed against the stored entity records: records whose
// serialized content is unchanged are not rewritten, records absent from the
// new snapshot are deleted. The diff and the writes happen in one
// transaction that also re-checks the revision, so racing pushes converge on
// the newest snapshot instead of interleaving.
//
// Protocol violations (bad signature, wrong primary, malformed request) are
// reported in the response with PushFatalError status: the primary must not
// retry those. The returned error is set only for local storage failures,
// which the primary may retry.
func (r *Replica) ApplyPush(ctx context.Context, req *protocol.ReplicationPushRequest) (*protocol.ReplicationPushResponse, error) {
	stored, storedURL, err := r.readState(ctx)
	if err != nil {
		return nil, err
	}

	if code := r.validatePush(ctx, req, stored, storedURL); code != protocol.ErrorCodeNone {
		return &protocol.ReplicationPushResponse{
			Status:    protocol.PushFatalError,
			ErrorCode: code,
		}, nil
	}

	// Fast path: already at this revision or newer. Racing pushes are fine,
	// the transactional re-check below is the authoritative one.
	if !revNewer(stored, req.Revision) {
		return &protocol.ReplicationPushResponse{
			Status:          protocol.PushSkipped,
			CurrentRevision: stored,
		}, nil
	}

	msg := &protocol.AuthDB{}
	if err := protocol.Unmarshal(req.AuthDBBlob, msg); err != nil {
		logging.Errorf(ctx, "auth: pushed AuthDB blob does not deserialize - %s", err)
		return &protocol.ReplicationPushResponse{
			Status:    protocol.PushFatalError,
			ErrorCode: protocol.ErrorCodeMalformedRequest,
		}, nil
	}
	incoming, err := snapshotEntities(msg)
	if err != nil {
		return nil, errors.Annotate(err, "failed to serialize AuthDB entities").Err()
	}

	revBlob, err := protocol.Marshal(req.Revision)
	if err != nil {
		return nil, errors.Annotate(err, "failed to serialize the revision").Err()
	}

	applied := false
	var current *protocol.AuthDBRevision
	for attempt := 0; ; attempt++ {
		err := r.db.Update(func(txn *badger.Txn) error {
			// Re-check under the transaction: a concurrent push may have stored
			// something newer since the fast path check. Losing this race is
			// normal control flow, not an error.
			stored, err := readRevision(txn)
			if err != nil {
				return err
			}
			if !revNewer(stored, req.Revision) {
				applied, current = false, stored
				return nil
			}

			// Diff against the stored records: write changed and new ones,
			// remember the stored keys missing from the snapshot for deletion.
			var stale [][]byte
			it := txn.NewIterator(badger.IteratorOptions{Prefix: []byte(entityPrefix)})
			for it.Rewind(); it.Valid(); it.Next() {
				item := it.Item()
				key := string(item.Key())
				blob, ok := incoming[key]
				if !ok {
					stale = append(stale, item.KeyCopy(nil))
					continue
				}
				unchanged := false
				err := item.Value(func(val []byte) error {
					unchanged = bytes.Equal(val, blob)
					return nil
				})
				if err != nil {
					it.Close()
					return err
				}
				if unchanged {
					delete(incoming, key)
				}
			}
			it.Close()

			for key, blob := range incoming {
				if err := txn.Set([]byte(key), blob); err != nil {
					return err
				}
			}
			for _, key := range stale {
				if err := txn.Delete(key); err != nil {
					return err
				}
			}
			if err := txn.Set(keyAuthDBRevision, revBlob); err != nil {
				return err
			}
			// Adopt the primary's URL only on the very first apply. The URL
			// field of the request is not covered by the signature, so a
			// linked replica never lets a push move its certificate source.
			if stored == nil {
				if err := txn.Set(keyPrimaryURL, []byte(req.PrimaryURL)); err != nil {
					return err
				}
			}
			applied, current = true, req.Revision
			return nil
		})
		if err == badger.ErrConflict && attempt < applyRetries {
			// Redo the whole diff against the entity set that won the race.
			if incoming, err = snapshotEntities(msg); err != nil {
				return nil, errors.Annotate(err, "failed to serialize AuthDB entities").Err()
			}
			continue
		}
		if err != nil {
			return nil, transient.Tag.Apply(errors.Annotate(err, "failed to store the pushed AuthDB").Err())
		}
		break
	}

	status := protocol.PushApplied
	if !applied {
		status = protocol.PushSkipped
	} else {
		logging.Infof(ctx, "auth: applied AuthDB rev %d from %q", current.AuthDBRev, current.PrimaryID)
	}
	return &protocol.ReplicationPushResponse{
		Status:          status,
		CurrentRevision: current,
	}, nil
}

// validatePush checks the structure, origin and signature of a push.
//
// 'stored' and 'storedURL' describe the primary the replica is linked to
// (nil and empty if nothing has been pushed yet). The signature is always
// verified against the linked primary's certificates: the URL carried by the
// request itself is trusted only for the very first push, which adopts the
// primary.
func (r *Replica) validatePush(ctx context.Context, req *protocol.ReplicationPushRequest, stored *protocol.AuthDBRevision, storedURL string) protocol.PushErrorCode {
	if req.Revision == nil || req.Revision.PrimaryID == "" || len(req.AuthDBBlob) == 0 {
		return protocol.ErrorCodeMalformedRequest
	}
	if r.ExpectedPrimaryID != "" && req.Revision.PrimaryID != r.ExpectedPrimaryID {
		logging.Errorf(ctx, "auth: push from unexpected primary %q, want %q",
			req.Revision.PrimaryID, r.ExpectedPrimaryID)
		return protocol.ErrorCodeWrongPrimary
	}
	if stored != nil && req.Revision.PrimaryID != stored.PrimaryID {
		logging.Errorf(ctx, "auth: push from primary %q, but the replica is linked to %q",
			req.Revision.PrimaryID, stored.PrimaryID)
		return protocol.ErrorCodeWrongPrimary
	}
	if req.SigningKeyID == "" || len(req.Signature) == 0 {
		return protocol.ErrorCodeMissingSignature
	}

	certsURL := storedURL
	if stored == nil {
		if req.PrimaryURL == "" {
			return protocol.ErrorCodeMalformedRequest
		}
		certsURL = req.PrimaryURL
	}
	certs, err := signing.FetchCertificates(ctx, certsURL+"/auth/api/v1/server/certificates")
	if err != nil {
		logging.Errorf(ctx, "auth: failed to fetch certificates of %q - %s", certsURL, err)
		return protocol.ErrorCodeBadSignature
	}
	digest := sha512.Sum512(req.AuthDBBlob)
	if err := certs.CheckSignature(req.SigningKeyID, digest[:], req.Signature); err != nil {
		logging.Errorf(ctx, "auth: bad signature on a push from %q - %s", req.Revision.PrimaryID, err)
		return protocol.ErrorCodeBadSignature
	}
	return protocol.ErrorCodeNone
}

// snapshotEntities explodes an AuthDB message into entity records keyed by
// their storage keys, each serialized with the deterministic encoding so
// records can be content-compared as raw bytes.
func snapshotEntities(msg *protocol.AuthDB) (map[string][]byte, error) {
	out := make(map[string][]byte, 1+len(msg.Groups)+len(msg.Secrets)+len(msg.IPWhitelists)+len(msg.IPWhitelistAssignments))

	put := func(key string, record any) error {
		blob, err := protocol.Marshal(record)
		if err != nil {
			return errors.Annotate(err, "serializing %q", key).Err()
		}
		out[key] = blob
		return nil
	}

	err := put(globalConfigKey, &protocol.AuthGlobalConfig{
		OAuthClientID:            msg.OAuthClientID,
		OAuthAdditionalClientIDs: msg.OAuthAdditionalClientIDs,
		TokenServerURL:           msg.TokenServerURL,
	})
	if err != nil {
		return nil, err
	}
	for _, g := range msg.Groups {
		if err := put(groupKeyPrefix+g.Name, g); err != nil {
			return nil, err
		}
	}
	for _, s := range msg.Secrets {
		if err := put(secretKeyPrefixDB+s.Name, s); err != nil {
			return nil, err
		}
	}
	for _, w := range msg.IPWhitelists {
		if err := put(whitelistKeyPrefix+w.Name, w); err != nil {
			return nil, err
		}
	}
	for _, a := range msg.IPWhitelistAssignments {
		if err := put(assignKeyPrefix+a.Identity, a); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// readEntities is the inverse of snapshotEntities: it assembles an AuthDB
// message from the stored entity records.
func readEntities(ctx context.Context, txn *badger.Txn) (*protocol.AuthDB, error) {
	msg := &protocol.AuthDB{}

	it := txn.NewIterator(badger.IteratorOptions{Prefix: []byte(entityPrefix)})
	defer it.Close()
	for it.Rewind(); it.Valid(); it.Next() {
		item := it.Item()
		key := string(item.Key())
		err := item.Value(func(val []byte) error {
			switch {
			case key == globalConfigKey:
				cfg := &protocol.AuthGlobalConfig{}
				if err := protocol.Unmarshal(val, cfg); err != nil {
					return err
				}
				msg.OAuthClientID = cfg.OAuthClientID
				msg.OAuthAdditionalClientIDs = cfg.OAuthAdditionalClientIDs
				msg.TokenServerURL = cfg.TokenServerURL
			case strings.HasPrefix(key, groupKeyPrefix):
				g := &protocol.AuthGroup{}
				if err := protocol.Unmarshal(val, g); err != nil {
					return err
				}
				msg.Groups = append(msg.Groups, g)
			case strings.HasPrefix(key, secretKeyPrefixDB):
				s := &protocol.AuthSecret{}
				if err := protocol.Unmarshal(val, s); err != nil {
					return err
				}
				msg.Secrets = append(msg.Secrets, s)
			case strings.HasPrefix(key, whitelistKeyPrefix):
				w := &protocol.AuthIPWhitelist{}
				if err := protocol.Unmarshal(val, w); err != nil {
					return err
				}
				msg.IPWhitelists = append(msg.IPWhitelists, w)
			case strings.HasPrefix(key, assignKeyPrefix):
				a := &protocol.AuthIPWhitelistAssignment{}
				if err := protocol.Unmarshal(val, a); err != nil {
					return err
				}
				msg.IPWhitelistAssignments = append(msg.IPWhitelistAssignments, a)
			default:
				logging.Warningf(ctx, "auth: unrecognized entity record %q, skipping", key)
			}
			return nil
		})
		if err != nil {
			return nil, errors.Annotate(err, "reading entity %q", key).Err()
		}
	}
	return msg, nil
}

// LoadSnapshot materializes the stored snapshot as a queryable SnapshotDB.
//
// If 'prev' is the snapshot at the currently stored revision already, it is
// returned as is, skipping the expensive materialization. This makes
// LoadSnapshot usable directly as an authdb.Fetcher.
func (r *Replica) LoadSnapshot(ctx context.Context, prev authdb.DB) (authdb.DB, error) {
	var rev *protocol.AuthDBRevision
	var msg *protocol.AuthDB
	var primaryURL string
	err := r.db.View(func(txn *badger.Txn) error {
		var err error
		if rev, err = readRevision(txn); err != nil || rev == nil {
			return err
		}

		// Short-circuit before touching the entity records: reading them all
		// is the expensive part.
		if prevRev, ok := prev.(authdb.Revisioned); ok {
			if id, n := prevRev.SnapshotRevision(); id == rev.PrimaryID && n == rev.AuthDBRev {
				return nil
			}
		}

		item, err := txn.Get(keyPrimaryURL)
		if err != nil {
			return err
		}
		if err := item.Value(func(val []byte) error {
			primaryURL = string(val)
			return nil
		}); err != nil {
			return err
		}

		msg, err = readEntities(ctx, txn)
		return err
	})
	if err != nil {
		return nil, errors.Annotate(err, "failed to read the stored AuthDB").Err()
	}
	if rev == nil {
		return nil, errors.Reason("no AuthDB snapshot has been pushed yet").Err()
	}
	if msg == nil {
		return prev, nil // short-circuited, 'prev' is still current
	}
	return authdb.NewSnapshotDB(msg, rev.PrimaryID, primaryURL, rev.AuthDBRev)
}

// StoredSnapshot returns the stored AuthDB serialized back into a blob,
// with its revision, for serving snapshot dumps to other services.
func (r *Replica) StoredSnapshot(ctx context.Context) (*protocol.AuthDBRevision, []byte, error) {
	var rev *protocol.AuthDBRevision
	var blob []byte
	err := r.db.View(func(txn *badger.Txn) error {
		var err error
		if rev, err = readRevision(txn); err != nil || rev == nil {
			return err
		}
		msg, err := readEntities(ctx, txn)
		if err != nil {
			return err
		}
		blob, err = protocol.Marshal(msg)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	if rev == nil {
		return nil, nil, errors.Reason("no AuthDB snapshot has been pushed yet").Err()
	}
	return rev, blob, nil
}

// BootstrapSecret returns the named replica-local secret, generating it on
// first use.
//
// Generation is racy by design: several processes may generate a candidate
// at once, the first committed one wins and everyone re-reads it.
func (r *Replica) BootstrapSecret(ctx context.Context, name string, length int) (secrets.Secret, error) {
	key := []byte(bootstrapSecretPrefix + name)

	read := func() (secrets.Secret, bool, error) {
		var blob []byte
		err := r.db.View(func(txn *badger.Txn) error {
			item, err := txn.Get(key)
			if err != nil {
				return err
			}
			blob, err = item.ValueCopy(nil)
			return err
		})
		switch {
		case err == badger.ErrKeyNotFound:
			return secrets.Secret{}, false, nil
		case err != nil:
			return secrets.Secret{}, false, err
		}
		return secrets.Secret{Current: blob}, true, nil
	}

	if s, ok, err := read(); err != nil || ok {
		return s, err
	}

	candidate := make([]byte, length)
	if _, err := rand.Read(candidate); err != nil {
		return secrets.Secret{}, err
	}
	err := r.db.Update(func(txn *badger.Txn) error {
		// Lose the race gracefully: keep whatever got committed first.
		if _, err := txn.Get(key); err == nil {
			return nil
		} else if err != badger.ErrKeyNotFound {
			return err
		}
		return txn.Set(key, candidate)
	})
	if err != nil && err != badger.ErrConflict {
		return secrets.Secret{}, err
	}

	s, ok, err := read()
	if err == nil && !ok {
		return secrets.Secret{}, errors.Reason("the secret %q vanished during bootstrap", name).Err()
	}
	return s, err
}

// readState reads the stored revision and the URL of the linked primary,
// (nil, "") if nothing has been pushed yet.
func (r *Replica) readState(ctx context.Context) (*protocol.AuthDBRevision, string, error) {
	var rev *protocol.AuthDBRevision
	var url string
	err := r.db.View(func(txn *badger.Txn) error {
		var err error
		if rev, err = readRevision(txn); err != nil || rev == nil {
			return err
		}
		item, err := txn.Get(keyPrimaryURL)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			url = string(val)
			return nil
		})
	})
	if err != nil {
		return nil, "", transient.Tag.Apply(errors.Annotate(err, "failed to read the replication state").Err())
	}
	return rev, url, nil
}

// readRevision reads the stored revision inside a transaction, nil if the
// replica is empty.
func readRevision(txn *badger.Txn) (*protocol.AuthDBRevision, error) {
	item, err := txn.Get(keyAuthDBRevision)
	if err == badger.ErrKeyNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rev := &protocol.AuthDBRevision{}
	err = item.Value(func(val []byte) error {
		return protocol.Unmarshal(val, rev)
	})
	if err != nil {
		return nil, err
	}
	return rev, nil
}

// revNewer returns true if 'next' should replace 'stored'.
//
// The replica is pinned to the primary that pushed first: a push from a
// different primary never replaces the stored state, even at a higher
// revision (validatePush rejects such pushes loudly, this is the backstop
// for races around adoption). Within the pinned primary only a strictly
// larger revision wins.
func revNewer(stored, next *protocol.AuthDBRevision) bool {
	if stored == nil {
		return true
	}
	if stored.PrimaryID != next.PrimaryID {
		return false
	}
	return next.AuthDBRev > stored.AuthDBRev
}
