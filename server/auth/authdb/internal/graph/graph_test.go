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

package graph

import (
	"testing"

	"github.com/authfleet/authfleet/server/auth/service/protocol"

	. "github.com/smartystreets/goconvey/convey"
)

func TestGetRelevantSubgraph(t *testing.T) {
	groups := []*protocol.AuthGroup{
		{
			Name:    "direct",
			Members: []string{"user:abc@example.com"},
		},
		{
			Name:  "via-glob",
			Globs: []string{"user:*@example.com"},
		},
		{
			Name:   "parent",
			Nested: []string{"direct"},
		},
		{
			Name:   "grandparent",
			Nested: []string{"parent"},
		},
		{
			Name:   "owned-by-direct",
			Owners: "direct",
		},
	}

	Convey("With a graph", t, func() {
		g, err := NewGraph(groups)
		So(err, ShouldBeNil)

		names := func(s *Subgraph) []string {
			out := make([]string, len(s.Nodes))
			for i, n := range s.Nodes {
				out[i] = n.Value
			}
			return out
		}

		Convey("Identity principal", func() {
			s, err := g.GetRelevantSubgraph(IdentityPrincipal("user:abc@example.com"))
			So(err, ShouldBeNil)

			// The principal is always node 0, globs come before direct groups.
			So(s.RootID, ShouldEqual, 0)
			So(names(s), ShouldResemble, []string{
				"user:abc@example.com",
				"user:*@example.com",
				"via-glob",
				"direct",
				"parent",
				"grandparent",
				"owned-by-direct",
			})

			root := s.Nodes[0]
			So(root.Kind, ShouldEqual, IdentityNode)
			So(root.Edges[In], ShouldResemble, []int32{1, 3})

			// direct => its parents (IN) and the group it owns (OWNS).
			direct := s.Nodes[3]
			So(direct.Kind, ShouldEqual, GroupNode)
			So(direct.Edges[In], ShouldResemble, []int32{4})
			So(direct.Edges[Owns], ShouldResemble, []int32{6})

			// parent => grandparent.
			So(s.Nodes[4].Edges[In], ShouldResemble, []int32{5})

			Convey("is deterministic", func() {
				for i := 0; i < 5; i++ {
					again, err := g.GetRelevantSubgraph(IdentityPrincipal("user:abc@example.com"))
					So(err, ShouldBeNil)
					So(again, ShouldResemble, s)
				}
			})
		})

		Convey("Glob principal", func() {
			s, err := g.GetRelevantSubgraph(GlobPrincipal("user:*@example.com"))
			So(err, ShouldBeNil)
			So(s.RootID, ShouldEqual, 0)
			So(names(s), ShouldResemble, []string{"user:*@example.com", "via-glob"})
			So(s.Nodes[0].Edges[In], ShouldResemble, []int32{1})
		})

		Convey("Group principal", func() {
			s, err := g.GetRelevantSubgraph(GroupPrincipal("direct"))
			So(err, ShouldBeNil)
			So(s.RootID, ShouldEqual, 0)
			So(names(s), ShouldResemble, []string{
				"direct",
				"parent",
				"grandparent",
				"owned-by-direct",
			})
		})

		Convey("Unknown group is just a lone node", func() {
			s, err := g.GetRelevantSubgraph(GroupPrincipal("unknown"))
			So(err, ShouldBeNil)
			So(names(s), ShouldResemble, []string{"unknown"})
		})

		Convey("Identity not in any group", func() {
			s, err := g.GetRelevantSubgraph(IdentityPrincipal("user:stranger@else.com"))
			So(err, ShouldBeNil)
			So(names(s), ShouldResemble, []string{"user:stranger@else.com"})
			So(s.Nodes[0].Edges, ShouldBeNil)
		})
	})

	Convey("Nesting cycles do not hang the traversal", t, func() {
		g, err := NewGraph([]*protocol.AuthGroup{
			{Name: "a", Nested: []string{"b"}, Members: []string{"user:abc@example.com"}},
			{Name: "b", Nested: []string{"a"}},
		})
		So(err, ShouldBeNil)

		s, err := g.GetRelevantSubgraph(IdentityPrincipal("user:abc@example.com"))
		So(err, ShouldBeNil)
		So(len(s.Nodes), ShouldEqual, 3)
	})

	Convey("Duplicate groups are rejected", t, func() {
		_, err := NewGraph([]*protocol.AuthGroup{
			{Name: "dup"},
			{Name: "dup"},
		})
		So(err, ShouldNotBeNil)
	})
}
