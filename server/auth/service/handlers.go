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
	"io"
	"net/http"

	"github.com/authfleet/authfleet/common/logging"
	"github.com/authfleet/authfleet/server/auth/service/protocol"
)

// maxPushSize bounds the replication push request body. AuthDB blobs are a
// few MB even for large fleets.
const maxPushSize = 64 << 20

// InstallHandlers installs the replication push endpoint and the snapshot
// dump endpoint backed by the replica store.
//
// If 'replica' is nil the service is running as a primary and any push is
// answered with the not-a-replica fatal code.
func InstallHandlers(mux *http.ServeMux, replica *Replica) {
	mux.HandleFunc("/auth/api/v1/internal/replication", func(rw http.ResponseWriter, r *http.Request) {
		pushHandler(rw, r, replica)
	})
	mux.HandleFunc("/auth/api/v1/internal/authdb", func(rw http.ResponseWriter, r *http.Request) {
		dumpHandler(rw, r, replica)
	})
}

// dumpHandler serves the stored snapshot to other services that bootstrap
// their caches from this replica instead of the primary.
func dumpHandler(rw http.ResponseWriter, r *http.Request, replica *Replica) {
	if r.Method != "GET" {
		http.Error(rw, "expecting GET", http.StatusMethodNotAllowed)
		return
	}
	if replica == nil {
		http.Error(rw, "not a replica", http.StatusNotFound)
		return
	}
	rev, blob, err := replica.StoredSnapshot(r.Context())
	if err != nil {
		logging.Errorf(r.Context(), "auth: failed to read the stored AuthDB - %s", err)
		http.Error(rw, "no AuthDB snapshot yet", http.StatusNotFound)
		return
	}
	out, err := protocol.Marshal(&protocol.ReplicationPushRequest{
		Revision:   rev,
		AuthDBBlob: blob,
	})
	if err != nil {
		http.Error(rw, "failed to serialize the snapshot", http.StatusInternalServerError)
		return
	}
	rw.Header().Set("Content-Type", "application/cbor")
	rw.Write(out)
}

func pushHandler(rw http.ResponseWriter, r *http.Request, replica *Replica) {
	if r.Method != "POST" {
		http.Error(rw, "expecting POST", http.StatusMethodNotAllowed)
		return
	}
	ctx := r.Context()

	reply := func(resp *protocol.ReplicationPushResponse) {
		blob, err := protocol.Marshal(resp)
		if err != nil {
			http.Error(rw, "failed to serialize the response", http.StatusInternalServerError)
			return
		}
		rw.Header().Set("Content-Type", "application/cbor")
		rw.Write(blob)
	}

	if replica == nil {
		reply(&protocol.ReplicationPushResponse{
			Status:    protocol.PushFatalError,
			ErrorCode: protocol.ErrorCodeNotAReplica,
		})
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxPushSize))
	if err != nil {
		http.Error(rw, "failed to read the request body", http.StatusBadRequest)
		return
	}
	req := &protocol.ReplicationPushRequest{}
	if err := protocol.Unmarshal(body, req); err != nil {
		reply(&protocol.ReplicationPushResponse{
			Status:    protocol.PushFatalError,
			ErrorCode: protocol.ErrorCodeMalformedRequest,
		})
		return
	}

	resp, err := replica.ApplyPush(ctx, req)
	if err != nil {
		logging.Errorf(ctx, "auth: failed to apply an AuthDB push - %s", err)
		http.Error(rw, "failed to store the push", http.StatusInternalServerError)
		return
	}
	reply(resp)
}
