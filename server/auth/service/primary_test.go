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
	"context"
	"crypto/sha512"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/dgraph-io/badger/v3"

	"github.com/authfleet/authfleet/common/clock/testclock"
	"github.com/authfleet/authfleet/server/auth/internal"
	"github.com/authfleet/authfleet/server/auth/service/protocol"
	"github.com/authfleet/authfleet/server/auth/signing"
	"github.com/authfleet/authfleet/server/auth/signing/signingtest"

	. "github.com/smartystreets/goconvey/convey"
)

func TestSignAuthDB(t *testing.T) {
	Convey("SignAuthDB produces a verifiable push request", t, func() {
		ctx := context.Background()
		ctx, _ = testclock.UseTime(ctx, testclock.TestTimeUTC)

		signer := signingtest.NewSigner()
		primary := &Primary{
			ID:     "primary-id",
			URL:    "https://primary-sign.example.com",
			Signer: signer,
		}

		req, err := primary.SignAuthDB(ctx, &protocol.AuthDB{
			Groups: []*protocol.AuthGroup{{Name: "g"}},
		}, 42)
		So(err, ShouldBeNil)

		So(req.Revision.PrimaryID, ShouldEqual, "primary-id")
		So(req.Revision.AuthDBRev, ShouldEqual, 42)
		So(req.Revision.ModifiedTS, ShouldEqual, testclock.TestTimeUTC.UnixMicro())
		So(req.PrimaryURL, ShouldEqual, "https://primary-sign.example.com")
		So(req.SigningKeyID, ShouldNotBeEmpty)

		certs, err := signer.Certificates(ctx)
		So(err, ShouldBeNil)
		digest := sha512.Sum512(req.AuthDBBlob)
		So(certs.CheckSignature(req.SigningKeyID, digest[:], req.Signature), ShouldBeNil)

		Convey("And the blob round-trips", func() {
			db := &protocol.AuthDB{}
			So(protocol.Unmarshal(req.AuthDBBlob, db), ShouldBeNil)
			So(db.Groups[0].Name, ShouldEqual, "g")
		})
	})
}

func TestPushToReplicas(t *testing.T) {
	// Created once: the process-wide certificate cache is keyed by the primary
	// URL, so all pushes in this test must come from the same key.
	signer := signingtest.NewSigner()
	const primaryURL = "https://primary-push.example.com"

	Convey("With a primary and replicas behind a fake transport", t, func(c C) {
		ctx := context.Background()
		ctx, _ = testclock.UseTime(ctx, testclock.TestTimeUTC)

		primary := &Primary{ID: "primary-id", URL: primaryURL, Signer: signer}

		openReplica := func() *Replica {
			bdb, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
			So(err, ShouldBeNil)
			Reset(func() { bdb.Close() })
			return NewReplica(bdb)
		}
		goodReplica := openReplica()

		// Replicas are exposed through the real push handler. The primary-only
		// mux answers pushes with the not-a-replica code.
		goodMux := http.NewServeMux()
		InstallHandlers(goodMux, goodReplica)
		primaryMux := http.NewServeMux()
		InstallHandlers(primaryMux, nil)

		serve := func(mux *http.ServeMux, r *http.Request, body string) (int, string) {
			req, err := http.NewRequest(r.Method, r.URL.String(), strings.NewReader(body))
			c.So(err, ShouldBeNil)
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, req)
			return rec.Code, rec.Body.String()
		}

		ctx = internal.WithTestTransport(ctx, func(r *http.Request, body string) (int, string) {
			switch {
			case strings.HasPrefix(r.URL.String(), primaryURL):
				certs, err := signer.Certificates(ctx)
				c.So(err, ShouldBeNil)
				blob, err := json.Marshal(certs)
				c.So(err, ShouldBeNil)
				return 200, string(blob)
			case strings.HasPrefix(r.URL.String(), "https://good.example.com"):
				return serve(goodMux, r, body)
			case strings.HasPrefix(r.URL.String(), "https://primary-only.example.com"):
				return serve(primaryMux, r, body)
			default:
				return 500, "down"
			}
		})

		// Warm up the process-wide certificate cache. The test transport is
		// serialized, so the replica can't fetch certificates while it is
		// busy delivering the push to it.
		_, err := signing.FetchCertificates(ctx, primaryURL+"/auth/api/v1/server/certificates")
		So(err, ShouldBeNil)

		req, err := primary.SignAuthDB(ctx, &protocol.AuthDB{}, 7)
		So(err, ShouldBeNil)

		Convey("Pushes land, skips and rejections are per-replica", func() {
			results := primary.PushToReplicas(ctx, req, []string{
				"https://good.example.com",
				"https://primary-only.example.com",
				"https://unreachable.example.com",
			})
			So(len(results), ShouldEqual, 3)

			So(results[0].Err, ShouldBeNil)
			So(results[0].Response.Status, ShouldEqual, protocol.PushApplied)

			So(results[1].Err, ShouldNotBeNil)
			So(results[1].Response.Status, ShouldEqual, protocol.PushFatalError)
			So(results[1].Response.ErrorCode, ShouldEqual, protocol.ErrorCodeNotAReplica)

			So(results[2].Err, ShouldNotBeNil)
			So(results[2].Response, ShouldBeNil)

			Convey("A repeated push is a skip, still a success", func() {
				results := primary.PushToReplicas(ctx, req, []string{"https://good.example.com"})
				So(results[0].Err, ShouldBeNil)
				So(results[0].Response.Status, ShouldEqual, protocol.PushSkipped)
			})
		})

		Convey("Non-POST is rejected by the handler", func() {
			rec := httptest.NewRecorder()
			r, _ := http.NewRequest("GET", "/auth/api/v1/internal/replication", nil)
			goodMux.ServeHTTP(rec, r)
			So(rec.Code, ShouldEqual, http.StatusMethodNotAllowed)
		})

		Convey("Garbage body is a malformed request", func() {
			rec := httptest.NewRecorder()
			r, _ := http.NewRequest("POST", "/auth/api/v1/internal/replication", strings.NewReader("not cbor"))
			goodMux.ServeHTTP(rec, r)
			So(rec.Code, ShouldEqual, http.StatusOK)
			resp := &protocol.ReplicationPushResponse{}
			So(protocol.Unmarshal(rec.Body.Bytes(), resp), ShouldBeNil)
			So(resp.Status, ShouldEqual, protocol.PushFatalError)
			So(resp.ErrorCode, ShouldEqual, protocol.ErrorCodeMalformedRequest)
		})
	})
}
