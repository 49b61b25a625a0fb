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

// Package service implements the AuthDB replication protocol: the primary
// side that signs and pushes snapshots, and the replica side that validates
// and stores them.
package service

import (
	"context"
	"crypto/sha512"

	"golang.org/x/sync/errgroup"

	"github.com/authfleet/authfleet/common/clock"
	"github.com/authfleet/authfleet/common/errors"
	"github.com/authfleet/authfleet/common/logging"
	"github.com/authfleet/authfleet/server/auth/internal"
	"github.com/authfleet/authfleet/server/auth/service/protocol"
	"github.com/authfleet/authfleet/server/auth/signing"
)

// pushConcurrency caps how many replicas are pushed to at the same time.
const pushConcurrency = 16

// Primary is the side of the replication protocol that owns the AuthDB.
type Primary struct {
	// ID is the id of this primary, stamped into pushed revisions.
	ID string
	// URL is the root URL of this primary, where replicas can fetch its
	// certificates from.
	URL string
	// Signer signs snapshot digests.
	Signer signing.Signer
}

// SignAuthDB serializes the AuthDB at the given revision and signs it,
// producing a push request ready to be sent to replicas.
//
// The signature covers the SHA-512 digest of the serialized blob, so the
// (potentially large) blob itself is hashed only once per snapshot no
// matter how many replicas it is pushed to.
func (p *Primary) SignAuthDB(ctx context.Context, authDB *protocol.AuthDB, rev int64) (*protocol.ReplicationPushRequest, error) {
	blob, err := protocol.Marshal(authDB)
	if err != nil {
		return nil, errors.Annotate(err, "failed to serialize AuthDB").Err()
	}
	digest := sha512.Sum512(blob)
	keyID, sig, err := p.Signer.SignBytes(ctx, digest[:])
	if err != nil {
		return nil, errors.Annotate(err, "failed to sign AuthDB digest").Err()
	}
	return &protocol.ReplicationPushRequest{
		Revision: &protocol.AuthDBRevision{
			PrimaryID:  p.ID,
			AuthDBRev:  rev,
			ModifiedTS: clock.Now(ctx).UnixMicro(),
		},
		AuthDBBlob:   blob,
		SigningKeyID: keyID,
		Signature:    sig[:],
		PrimaryURL:   p.URL,
	}, nil
}

// PushResult is the outcome of pushing one replica.
type PushResult struct {
	// ReplicaURL is the push endpoint of the replica.
	ReplicaURL string
	// Response is the replica's reply, nil if the push itself failed.
	Response *protocol.ReplicationPushResponse
	// Err is set if the push could not be delivered or was rejected.
	Err error
}

// PushToReplicas delivers the signed snapshot to all replica URLs in
// parallel.
//
// A replica that is already at this revision or newer reports PushSkipped,
// which is a success. A PushFatalError reply or an undeliverable push is
// recorded in the per-replica result, other replicas are not affected.
func (p *Primary) PushToReplicas(ctx context.Context, req *protocol.ReplicationPushRequest, replicaURLs []string) []PushResult {
	body, err := protocol.Marshal(req)
	if err != nil {
		results := make([]PushResult, len(replicaURLs))
		for i, url := range replicaURLs {
			results[i] = PushResult{ReplicaURL: url, Err: err}
		}
		return results
	}

	results := make([]PushResult, len(replicaURLs))
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(pushConcurrency)
	for i, url := range replicaURLs {
		i, url := i, url
		eg.Go(func() error {
			resp, err := pushOnce(ctx, url, body)
			results[i] = PushResult{ReplicaURL: url, Response: resp, Err: err}
			if err != nil {
				logging.Errorf(ctx, "auth: failed to push AuthDB rev %d to %q - %s",
					req.Revision.AuthDBRev, url, err)
			}
			return nil
		})
	}
	eg.Wait()
	return results
}

// pushOnce sends the serialized push request to one replica.
func pushOnce(ctx context.Context, replicaURL string, body []byte) (*protocol.ReplicationPushResponse, error) {
	var raw []byte
	r := internal.Request{
		Method: "POST",
		URL:    replicaURL + "/auth/api/v1/internal/replication",
		Headers: map[string]string{
			"Content-Type": "application/cbor",
		},
		Body:   body,
		RawOut: &raw,
	}
	if err := r.Do(ctx); err != nil {
		return nil, err
	}
	resp := &protocol.ReplicationPushResponse{}
	if err := protocol.Unmarshal(raw, resp); err != nil {
		return nil, errors.Annotate(err, "failed to deserialize the push response").Err()
	}
	if resp.Status == protocol.PushFatalError {
		return resp, errors.Reason("the replica rejected the push (error code %d)", resp.ErrorCode).Err()
	}
	return resp, nil
}
