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

// Package graph builds a graph of relations between groups, identities and
// identity globs, and extracts the subgraph relevant to a single principal.
//
// The graph is built once per AuthDB snapshot and queried by UI and audit
// tooling that answers "where does this principal appear and what does it
// own".
package graph

import (
	"sort"

	"github.com/authfleet/authfleet/auth/identity"
	"github.com/authfleet/authfleet/common/errors"
	"github.com/authfleet/authfleet/server/auth/service/protocol"
)

// Graph is a static graph of groups optimized for "included by" and
// "owned by" traversals. Safe for concurrent reads once built.
type Graph struct {
	groups map[string]*groupNode

	globs        []identity.Glob                 // all distinct globs, in first-seen order
	membersIndex map[identity.Identity][]string  // identity => groups listing it directly
	globsIndex   map[identity.Glob][]string      // glob => groups listing it directly
	ownedIndex   map[string][]string             // owner group => groups it owns
}

// groupNode is a node of the group nesting graph.
type groupNode struct {
	group *protocol.AuthGroup

	includes []*groupNode // groups nested inside this group
	included []*groupNode // groups that nest this group
}

// NewGraph builds the graph from a list of groups.
func NewGraph(groups []*protocol.AuthGroup) (*Graph, error) {
	g := &Graph{
		groups:       make(map[string]*groupNode, len(groups)),
		membersIndex: map[identity.Identity][]string{},
		globsIndex:   map[identity.Glob][]string{},
		ownedIndex:   map[string][]string{},
	}

	for _, gr := range groups {
		if _, ok := g.groups[gr.Name]; ok {
			return nil, errors.Reason("group %q is listed twice", gr.Name).Err()
		}
		g.groups[gr.Name] = &groupNode{group: gr}
	}

	// Connect nodes and build the indexes. Iterate over the original slice so
	// index ordering is deterministic.
	for _, gr := range groups {
		node := g.groups[gr.Name]
		for _, nested := range gr.Nested {
			if nestedNode := g.groups[nested]; nestedNode != nil {
				node.includes = append(node.includes, nestedNode)
				nestedNode.included = append(nestedNode.included, node)
			}
		}
		for _, m := range gr.Members {
			ident := identity.Identity(m)
			g.membersIndex[ident] = append(g.membersIndex[ident], gr.Name)
		}
		for _, glob := range gr.Globs {
			gl := identity.Glob(glob)
			if _, seen := g.globsIndex[gl]; !seen {
				g.globs = append(g.globs, gl)
			}
			g.globsIndex[gl] = append(g.globsIndex[gl], gr.Name)
		}
		if gr.Owners != "" {
			g.ownedIndex[gr.Owners] = append(g.ownedIndex[gr.Owners], gr.Name)
		}
	}

	return g, nil
}

// NodeKind tells what sort of principal a subgraph node represents.
type NodeKind int

const (
	// IdentityNode is a node representing a single identity.
	IdentityNode NodeKind = 1
	// GlobNode is a node representing an identity glob.
	GlobNode NodeKind = 2
	// GroupNode is a node representing a group.
	GroupNode NodeKind = 3
)

// EdgeLabel describes a relation between two subgraph nodes.
type EdgeLabel string

const (
	// In is an edge from a principal to a group that includes it (the source
	// is a subset of the target).
	In EdgeLabel = "IN"
	// Owns is an edge from a group to a group it owns.
	Owns EdgeLabel = "OWNS"
)

// SubgraphNode is one node of the extracted subgraph.
type SubgraphNode struct {
	Kind  NodeKind
	Value string // identity, glob or group name

	// Edges maps a label to the sorted set of target node IDs.
	Edges map[EdgeLabel][]int32
}

// Subgraph is a directed multigraph of principals relevant to one queried
// principal.
//
// Node IDs are assigned densely in first-seen order. The queried principal
// is always node 0.
type Subgraph struct {
	Nodes  []SubgraphNode
	RootID int32
}

// Principal is what a subgraph query starts from: an identity, a glob or
// a group. Exactly one constructor must be used.
type Principal struct {
	kind     NodeKind
	identity identity.Identity
	glob     identity.Glob
	group    string
}

// IdentityPrincipal queries the subgraph of a single identity.
func IdentityPrincipal(id identity.Identity) Principal {
	return Principal{kind: IdentityNode, identity: id}
}

// GlobPrincipal queries the subgraph of an identity glob.
func GlobPrincipal(g identity.Glob) Principal {
	return Principal{kind: GlobNode, glob: g}
}

// GroupPrincipal queries the subgraph of a group.
func GroupPrincipal(name string) Principal {
	return Principal{kind: GroupNode, group: name}
}

// subgraphBuilder accumulates subgraph nodes and edges during a traversal.
type subgraphBuilder struct {
	graph *Graph

	nodes    []SubgraphNode
	edges    []map[EdgeLabel]map[int32]struct{} // parallel to nodes
	groupIDs map[string]int32                   // visited groups => node ID
}

// GetRelevantSubgraph returns the subgraph of nodes the principal is
// connected to via "IN" and "OWNS" relations.
func (g *Graph) GetRelevantSubgraph(p Principal) (*Subgraph, error) {
	b := &subgraphBuilder{
		graph:    g,
		groupIDs: map[string]int32{},
	}

	// The queried principal is always node 0, whatever it is.
	switch p.kind {
	case IdentityNode:
		root := b.addNode(IdentityNode, string(p.identity))
		// The identity may be matched by some globs. Add them (and groups that
		// list them) before groups that list the identity directly, matching
		// the order the indexes are consulted in membership checks.
		for _, glob := range g.globs {
			if !glob.Match(p.identity) {
				continue
			}
			globID := b.addNode(GlobNode, string(glob))
			b.addEdge(root, In, globID)
			for _, group := range g.globsIndex[glob] {
				b.addEdge(globID, In, b.visitGroup(group))
			}
		}
		for _, group := range g.membersIndex[p.identity] {
			b.addEdge(root, In, b.visitGroup(group))
		}

	case GlobNode:
		root := b.addNode(GlobNode, string(p.glob))
		for _, group := range g.globsIndex[p.glob] {
			b.addEdge(root, In, b.visitGroup(group))
		}

	case GroupNode:
		if b.visitGroup(p.group) != 0 {
			panic("impossible, the first visited group gets ID 0")
		}

	default:
		return nil, errors.Reason("unrecognized principal kind %d", p.kind).Err()
	}

	return b.finish(), nil
}

// visitGroup adds the group node (if not added yet) along with everything
// reachable from it, returning its node ID.
func (b *subgraphBuilder) visitGroup(name string) int32 {
	if id, ok := b.groupIDs[name]; ok {
		return id
	}
	id := b.addNode(GroupNode, name)
	b.groupIDs[name] = id

	if node := b.graph.groups[name]; node != nil {
		for _, parent := range node.included {
			b.addEdge(id, In, b.visitGroup(parent.group.Name))
		}
	}
	for _, owned := range b.graph.ownedIndex[name] {
		b.addEdge(id, Owns, b.visitGroup(owned))
	}
	return id
}

func (b *subgraphBuilder) addNode(kind NodeKind, value string) int32 {
	b.nodes = append(b.nodes, SubgraphNode{Kind: kind, Value: value})
	b.edges = append(b.edges, nil)
	return int32(len(b.nodes) - 1)
}

func (b *subgraphBuilder) addEdge(from int32, label EdgeLabel, to int32) {
	perLabel := b.edges[from]
	if perLabel == nil {
		perLabel = map[EdgeLabel]map[int32]struct{}{}
		b.edges[from] = perLabel
	}
	targets := perLabel[label]
	if targets == nil {
		targets = map[int32]struct{}{}
		perLabel[label] = targets
	}
	targets[to] = struct{}{}
}

func (b *subgraphBuilder) finish() *Subgraph {
	for i, perLabel := range b.edges {
		if len(perLabel) == 0 {
			continue
		}
		edges := make(map[EdgeLabel][]int32, len(perLabel))
		for label, targets := range perLabel {
			ids := make([]int32, 0, len(targets))
			for id := range targets {
				ids = append(ids, id)
			}
			sort.Slice(ids, func(a, c int) bool { return ids[a] < ids[c] })
			edges[label] = ids
		}
		b.nodes[i].Edges = edges
	}
	return &Subgraph{Nodes: b.nodes, RootID: 0}
}
