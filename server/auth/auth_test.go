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
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/authfleet/authfleet/auth/identity"
	"github.com/authfleet/authfleet/common/clock/testclock"
	"github.com/authfleet/authfleet/common/errors"
	"github.com/authfleet/authfleet/server/auth/authdb"
	"github.com/authfleet/authfleet/server/auth/delegation"
	"github.com/authfleet/authfleet/server/auth/internal"
	"github.com/authfleet/authfleet/server/auth/service/protocol"
	"github.com/authfleet/authfleet/server/auth/signing"
	"github.com/authfleet/authfleet/server/auth/signing/signingtest"

	. "github.com/smartystreets/goconvey/convey"
)

// fakeMethod implements Method with canned results.
type fakeMethod struct {
	user *User
	err  error
}

func (m fakeMethod) Authenticate(ctx context.Context, r *http.Request) (*User, error) {
	return m.user, m.err
}

func TestAuthenticate(t *testing.T) {
	// The token server's signing key. Created once, the certificate and
	// service info caches in the signing package are process-wide.
	tokenSigner := signingtest.NewSigner()
	const tokenServerURL = "https://token-server-auth.example.com"

	Convey("With the auth library configured", t, func() {
		ctx := context.Background()
		ctx, _ = testclock.UseTime(ctx, testclock.TestTimeUTC)

		ctx = internal.WithTestTransport(ctx, func(r *http.Request, body string) (int, string) {
			switch r.URL.String() {
			case tokenServerURL + "/auth/api/v1/server/info":
				return 200, `{"app_id": "token-server"}`
			case tokenServerURL + "/auth/api/v1/server/certificates":
				certs, err := tokenSigner.Certificates(ctx)
				So(err, ShouldBeNil)
				blob, err := json.Marshal(certs)
				So(err, ShouldBeNil)
				return 200, string(blob)
			default:
				return 404, "not found"
			}
		})

		db, err := authdb.NewSnapshotDB(&protocol.AuthDB{
			OAuthClientID:  "primary-client",
			TokenServerURL: tokenServerURL,
			Groups: []*protocol.AuthGroup{
				{
					Name:    "auth-trusted-services",
					Members: []string{"service:trusted-svc"},
				},
			},
			IPWhitelists: []*protocol.AuthIPWhitelist{
				{Name: "bots", Subnets: []string{"127.0.0.0/8"}},
				{Name: "vms", Subnets: []string{"10.0.0.0/8"}},
			},
			IPWhitelistAssignments: []*protocol.AuthIPWhitelistAssignment{
				{Identity: "user:vm-account@example.com", IPWhitelist: "vms"},
			},
		}, "primary-id", "https://primary-auth.example.com", 1)
		So(err, ShouldBeNil)

		ctx = Initialize(ctx, &Config{
			DBProvider:         func(context.Context) (authdb.DB, error) { return db, nil },
			OwnServiceIdentity: "service:own-service",
		})

		call := func(ctx context.Context, r *http.Request, methods ...Method) (context.Context, error) {
			a := &Authenticator{Methods: methods}
			return a.Authenticate(ctx, r)
		}

		req := func(remoteAddr string) *http.Request {
			return &http.Request{RemoteAddr: remoteAddr, Header: http.Header{}}
		}

		asUser := fakeMethod{user: &User{
			Identity: "user:abc@example.com",
			Email:    "abc@example.com",
		}}

		Convey("No applicable method means anonymous", func() {
			rc, err := call(ctx, req(""), fakeMethod{})
			So(err, ShouldBeNil)
			So(CurrentIdentity(rc), ShouldEqual, identity.AnonymousIdentity)

			s := GetState(rc)
			So(s, ShouldNotBeNil)
			So(s.Method(), ShouldBeNil)
			So(s.PeerIP().String(), ShouldEqual, "::1")
			So(s.DB(), ShouldEqual, db)
		})

		Convey("The first applicable method wins", func() {
			rc, err := call(ctx, req(""), fakeMethod{}, asUser)
			So(err, ShouldBeNil)
			So(CurrentIdentity(rc), ShouldEqual, identity.Identity("user:abc@example.com"))
			So(GetState(rc).Method(), ShouldEqual, Method(asUser))
			So(GetState(rc).PeerIdentity(), ShouldEqual, identity.Identity("user:abc@example.com"))
		})

		Convey("Method errors abort authentication", func() {
			failing := fakeMethod{err: errBadCreds}
			_, err := call(ctx, req(""), failing, asUser)
			So(err, ShouldEqual, errBadCreds)
		})

		Convey("Methods can not return invalid identities", func() {
			broken := fakeMethod{user: &User{Identity: "not a valid identity"}}
			_, err := call(ctx, req(""), broken)
			So(err, ShouldNotBeNil)
		})

		Convey("OAuth client allowlist", func() {
			withClient := func(clientID string) fakeMethod {
				return fakeMethod{user: &User{
					Identity: "user:abc@example.com",
					Email:    "abc@example.com",
					ClientID: clientID,
				}}
			}

			Convey("Allowed client is accepted", func() {
				rc, err := call(ctx, req(""), withClient("primary-client"))
				So(err, ShouldBeNil)
				So(CurrentIdentity(rc), ShouldEqual, identity.Identity("user:abc@example.com"))
			})

			Convey("Unknown client is rejected", func() {
				_, err := call(ctx, req(""), withClient("spoofed-client"))
				So(err, ShouldEqual, ErrBadClientID)
			})
		})

		Convey("IP allow-list assignments bind the peer", func() {
			asVM := fakeMethod{user: &User{Identity: "user:vm-account@example.com"}}

			Convey("Request from an assigned subnet is fine", func() {
				rc, err := call(ctx, req("10.1.2.3:9999"), asVM)
				So(err, ShouldBeNil)
				So(CurrentIdentity(rc), ShouldEqual, identity.Identity("user:vm-account@example.com"))
			})

			Convey("Request from elsewhere is rejected", func() {
				_, err := call(ctx, req("192.168.0.1:9999"), asVM)
				So(err, ShouldNotBeNil)
			})
		})

		Convey("Bots from the IP whitelist", func() {
			botCtx := ModifyConfig(ctx, func(cfg Config) Config {
				cfg.AllowBotsFromIPWhitelists = true
				return cfg
			})

			Convey("Anonymous caller from the bots subnet becomes a bot", func() {
				rc, err := call(botCtx, req("127.0.0.42:1234"))
				So(err, ShouldBeNil)
				So(CurrentIdentity(rc), ShouldEqual, identity.Identity("bot:whitelisted-ip-127-0-0-42"))
				So(GetState(rc).PeerIdentity(), ShouldEqual, identity.Identity("bot:whitelisted-ip-127-0-0-42"))
			})

			Convey("Anonymous caller from elsewhere stays anonymous", func() {
				rc, err := call(botCtx, req("192.168.0.1:1234"))
				So(err, ShouldBeNil)
				So(CurrentIdentity(rc), ShouldEqual, identity.AnonymousIdentity)
			})

			Convey("The scheme is off by default", func() {
				rc, err := call(ctx, req("127.0.0.42:1234"))
				So(err, ShouldBeNil)
				So(CurrentIdentity(rc), ShouldEqual, identity.AnonymousIdentity)
			})
		})

		Convey("Delegation tokens", func() {
			mintToken := func(delegated identity.Identity, audience, services []string) string {
				tok, err := delegation.MintToken(ctx, tokenSigner, "service:token-server", delegation.MintParams{
					DelegatedIdentity: delegated,
					RequestorIdentity: "user:abc@example.com",
					ValidityDuration:  time.Hour,
					Audience:          audience,
					Services:          services,
				})
				So(err, ShouldBeNil)
				return tok
			}

			Convey("A valid token switches the current identity", func() {
				r := req("")
				r.Header.Set(delegation.HTTPHeaderName, mintToken(
					"user:delegated@example.com",
					[]string{"user:abc@example.com"},
					[]string{"service:own-service"},
				))
				rc, err := call(ctx, r, asUser)
				So(err, ShouldBeNil)
				So(CurrentIdentity(rc), ShouldEqual, identity.Identity("user:delegated@example.com"))
				So(GetState(rc).PeerIdentity(), ShouldEqual, identity.Identity("user:abc@example.com"))
			})

			Convey("A token for someone else is rejected", func() {
				r := req("")
				r.Header.Set(delegation.HTTPHeaderName, mintToken(
					"user:delegated@example.com",
					[]string{"user:someone-else@example.com"},
					[]string{"service:own-service"},
				))
				_, err := call(ctx, r, asUser)
				So(err, ShouldNotBeNil)
			})

			Convey("A token for another service is rejected", func() {
				r := req("")
				r.Header.Set(delegation.HTTPHeaderName, mintToken(
					"user:delegated@example.com",
					[]string{"user:abc@example.com"},
					[]string{"service:not-us"},
				))
				_, err := call(ctx, r, asUser)
				So(err, ShouldNotBeNil)
			})

			Convey("Garbage in the header is rejected", func() {
				r := req("")
				r.Header.Set(delegation.HTTPHeaderName, "not-a-token")
				_, err := call(ctx, r, asUser)
				So(err, ShouldNotBeNil)
			})
		})

		Convey("Project identity header", func() {
			asService := fakeMethod{user: &User{Identity: "service:trusted-svc"}}

			Convey("A trusted service can act in a project context", func() {
				r := req("")
				r.Header.Set(ProjectHeaderName, "some-project")
				rc, err := call(ctx, r, asService)
				So(err, ShouldBeNil)
				So(CurrentIdentity(rc), ShouldEqual, identity.Identity("project:some-project"))
				So(GetState(rc).PeerIdentity(), ShouldEqual, identity.Identity("service:trusted-svc"))
			})

			Convey("An untrusted service can not", func() {
				untrusted := fakeMethod{user: &User{Identity: "service:random-svc"}}
				r := req("")
				r.Header.Set(ProjectHeaderName, "some-project")
				_, err := call(ctx, r, untrusted)
				So(err, ShouldEqual, ErrProjectHeaderForbidden)
			})

			Convey("A user can not", func() {
				r := req("")
				r.Header.Set(ProjectHeaderName, "some-project")
				_, err := call(ctx, r, asUser)
				So(err, ShouldEqual, ErrProjectHeaderForbidden)
			})
		})

		Convey("Delegation and project headers are mutually exclusive", func() {
			r := req("")
			r.Header.Set(delegation.HTTPHeaderName, "tok")
			r.Header.Set(ProjectHeaderName, "some-project")
			_, err := call(ctx, r, asUser)
			So(err, ShouldEqual, ErrConflictingHeaders)
		})

		Convey("GetSigner returns the configured signer", func() {
			scx := ModifyConfig(ctx, func(cfg Config) Config {
				cfg.Signer = tokenSigner
				return cfg
			})
			So(GetSigner(scx), ShouldEqual, signing.Signer(tokenSigner))
			So(GetSigner(context.Background()), ShouldBeNil)
		})
	})

	Convey("Without configuration the DB fails closed", t, func() {
		ctx := context.Background()
		db, err := GetDB(ctx)
		So(err, ShouldBeNil)
		_, err = db.IsMember(ctx, "user:abc@example.com", "group")
		So(err, ShouldNotBeNil)
	})
}

var errBadCreds = errors.New("bad credentials")

func TestParseRemoteIP(t *testing.T) {
	Convey("parseRemoteIP works", t, func() {
		ip, err := parseRemoteIP("")
		So(err, ShouldBeNil)
		So(ip.String(), ShouldEqual, "::1")

		ip, err = parseRemoteIP("127.0.0.1:2345")
		So(err, ShouldBeNil)
		So(ip.String(), ShouldEqual, "127.0.0.1")

		ip, err = parseRemoteIP("192.168.0.1")
		So(err, ShouldBeNil)
		So(ip.String(), ShouldEqual, "192.168.0.1")

		ip, err = parseRemoteIP("[::2]:80")
		So(err, ShouldBeNil)
		So(ip.String(), ShouldEqual, "::2")

		_, err = parseRemoteIP("not an addr")
		So(err, ShouldNotBeNil)
	})
}
