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

// Package stringset implements a simple, non-thread-safe set of strings.
package stringset

import "sort"

// Set is a set of strings. The zero value is nil and behaves like an empty
// set for reads; use New to get a mutable instance.
type Set map[string]struct{}

// New returns a new string Set with the given capacity hint.
func New(sizeHint int) Set {
	return make(Set, sizeHint)
}

// NewFromSlice returns a new Set with the given elements.
func NewFromSlice(vals ...string) Set {
	s := make(Set, len(vals))
	for _, v := range vals {
		s.Add(v)
	}
	return s
}

// Has returns true if the value is in the set.
func (s Set) Has(value string) bool {
	_, ok := s[value]
	return ok
}

// Add adds the value to the set. Returns true if it was not there before.
func (s Set) Add(value string) bool {
	if s.Has(value) {
		return false
	}
	s[value] = struct{}{}
	return true
}

// Del removes the value from the set. Returns true if it was there.
func (s Set) Del(value string) bool {
	if !s.Has(value) {
		return false
	}
	delete(s, value)
	return true
}

// Len returns the number of elements.
func (s Set) Len() int {
	return len(s)
}

// AddAll adds all given values to the set.
func (s Set) AddAll(vals []string) {
	for _, v := range vals {
		s[v] = struct{}{}
	}
}

// ToSlice returns the elements as an unordered slice.
func (s Set) ToSlice() []string {
	out := make([]string, 0, len(s))
	for v := range s {
		out = append(out, v)
	}
	return out
}

// ToSortedSlice returns the elements as a sorted slice.
func (s Set) ToSortedSlice() []string {
	out := s.ToSlice()
	sort.Strings(out)
	return out
}
