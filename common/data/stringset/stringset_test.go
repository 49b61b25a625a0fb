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

package stringset

import (
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

func TestSet(t *testing.T) {
	Convey("Set basics", t, func() {
		s := New(0)
		So(s.Len(), ShouldEqual, 0)
		So(s.Has("a"), ShouldBeFalse)

		So(s.Add("a"), ShouldBeTrue)
		So(s.Add("a"), ShouldBeFalse)
		So(s.Has("a"), ShouldBeTrue)
		So(s.Len(), ShouldEqual, 1)

		So(s.Del("a"), ShouldBeTrue)
		So(s.Del("a"), ShouldBeFalse)
		So(s.Len(), ShouldEqual, 0)
	})

	Convey("NewFromSlice and AddAll dedup", t, func() {
		s := NewFromSlice("b", "a", "b")
		So(s.Len(), ShouldEqual, 2)
		s.AddAll([]string{"a", "c"})
		So(s.ToSortedSlice(), ShouldResemble, []string{"a", "b", "c"})
	})

	Convey("The zero set reads as empty", t, func() {
		var s Set
		So(s.Has("a"), ShouldBeFalse)
		So(s.Len(), ShouldEqual, 0)
		So(s.ToSlice(), ShouldResemble, []string{})
	})
}
