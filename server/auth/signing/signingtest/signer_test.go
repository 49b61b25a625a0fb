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

package signingtest

import (
	"context"
	"testing"

	"github.com/authfleet/authfleet/common/errors"
	"github.com/authfleet/authfleet/server/auth/signing"

	. "github.com/smartystreets/goconvey/convey"
)

func TestSigner(t *testing.T) {
	Convey("With a test signer", t, func() {
		ctx := context.Background()
		signer := NewSigner()

		blob := []byte("some blob to sign")
		key, sig, err := signer.SignBytes(ctx, blob)
		So(err, ShouldBeNil)
		So(key, ShouldEqual, signer.KeyName())

		certs, err := signer.Certificates(ctx)
		So(err, ShouldBeNil)

		Convey("Signature verifies", func() {
			So(certs.CheckSignature(key, blob, sig), ShouldBeNil)
		})

		Convey("Tampered blob is detected", func() {
			So(certs.CheckSignature(key, []byte("some other blob"), sig), ShouldNotBeNil)
		})

		Convey("Tampered signature is detected", func() {
			sig[0] ^= 0xff
			So(certs.CheckSignature(key, blob, sig), ShouldNotBeNil)
		})

		Convey("Unknown key is rejected", func() {
			err := certs.CheckSignature("unknown-key", blob, sig)
			So(errors.Is(err, signing.ErrNoSuchKey), ShouldBeTrue)
		})

		Convey("Keys of different signers do not cross-verify", func() {
			other, err := NewSigner().Certificates(ctx)
			So(err, ShouldBeNil)
			So(other.CheckSignature(key, blob, sig), ShouldNotBeNil)
		})
	})
}
