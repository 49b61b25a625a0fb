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

package identity

import (
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

func TestGlob(t *testing.T) {
	Convey("MakeGlob works", t, func() {
		g, err := MakeGlob("user:*@example.com")
		So(err, ShouldBeNil)
		So(g, ShouldEqual, Glob("user:*@example.com"))

		_, err = MakeGlob("bad glob")
		So(err, ShouldNotBeNil)
	})

	Convey("Compiled patterns are reused", t, func() {
		re1, err := translate("*@example.com")
		So(err, ShouldBeNil)
		re2, err := translate("*@example.com")
		So(err, ShouldBeNil)
		So(re2, ShouldEqual, re1) // same compiled regexp

		So(Glob("user:*@example.com").Match("user:abc@example.com"), ShouldBeTrue)
		So(Glob("user:*@example.com").Match("user:abc@another.com"), ShouldBeFalse)
	})

	Convey("Validate works", t, func() {
		So(Glob("user:*@example.com").Validate(), ShouldBeNil)
		So(Glob("user:*").Validate(), ShouldBeNil)
		So(Glob("user:").Validate(), ShouldNotBeNil)
		So(Glob(":*").Validate(), ShouldNotBeNil)
		So(Glob("missing-kind").Validate(), ShouldNotBeNil)
		So(Glob("gopher:*").Validate(), ShouldNotBeNil)
	})

	Convey("Match works", t, func() {
		So(Glob("user:*@example.com").Match("user:abc@example.com"), ShouldBeTrue)
		So(Glob("user:*@example.com").Match("user:abc@another.com"), ShouldBeFalse)
		So(Glob("user:*").Match("user:abc@example.com"), ShouldBeTrue)

		// Kinds must match exactly.
		So(Glob("user:*").Match("service:abc"), ShouldBeFalse)

		// The glob matches the whole name, not a substring.
		So(Glob("user:abc@example.com*").Match("user:abc@example.com.evil.com"), ShouldBeTrue)
		So(Glob("user:abc@example.com").Match("user:xabc@example.com"), ShouldBeFalse)

		// Special regexp characters in the pattern are not special.
		So(Glob("user:a.c@example.com").Match("user:abc@example.com"), ShouldBeFalse)

		// Malformed identities or globs never match.
		So(Glob("user:*").Match("garbage"), ShouldBeFalse)
		So(Glob("garbage").Match("user:abc@example.com"), ShouldBeFalse)
	})
}
