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
	"regexp"
	"strings"
	"sync"

	"github.com/authfleet/authfleet/common/errors"
)

// Glob is glob like pattern that matches identity strings of some kind.
//
// It is a string of the form "<kind>:<pattern>" where <pattern> is allowed to
// contain '*', matching zero or more characters. There's no way to match '*'
// itself.
type Glob string

// MakeGlob ensures 'glob' string looks like a valid identity glob and
// returns it as Glob value.
func MakeGlob(glob string) (Glob, error) {
	g := Glob(glob)
	if err := g.Validate(); err != nil {
		return "", err
	}
	return g, nil
}

// Validate checks that the glob string is well formed.
func (g Glob) Validate() error {
	chunks := strings.SplitN(string(g), ":", 2)
	if len(chunks) != 2 {
		return errors.Reason("bad identity glob string %q", g).Err()
	}
	if knownKinds[Kind(chunks[0])] == nil {
		return errors.Reason("bad identity kind %q in glob %q", chunks[0], g).Err()
	}
	if chunks[1] == "" {
		return errors.Reason("bad identity glob %q, no pattern", g).Err()
	}
	if _, err := translate(chunks[1]); err != nil {
		return errors.Annotate(err, "bad identity glob %q", g).Err()
	}
	return nil
}

// Match returns true if glob matches an identity. If identity string
// or the glob itself are invalid, returns false.
func (g Glob) Match(id Identity) bool {
	globChunks := strings.SplitN(string(g), ":", 2)
	if len(globChunks) != 2 {
		return false
	}
	idChunks := strings.SplitN(string(id), ":", 2)
	if len(idChunks) != 2 || idChunks[0] != globChunks[0] {
		return false
	}
	re, err := translate(globChunks[1])
	if err != nil {
		return false
	}
	return re.MatchString(idChunks[1])
}

// translateCache memoizes compiled glob patterns. The set of distinct globs
// in a process is small (they all come from the AuthDB), and membership
// checks match the same globs over and over.
var translateCache sync.Map // pattern string => *regexp.Regexp

// translate converts a glob pattern into a regexp that matches whole strings.
func translate(pat string) (*regexp.Regexp, error) {
	if re, ok := translateCache.Load(pat); ok {
		return re.(*regexp.Regexp), nil
	}
	out := strings.Builder{}
	out.WriteRune('^')
	for _, runeVal := range pat {
		if runeVal == '*' {
			out.WriteString(`[0-9a-zA-Z_\-\.\+\%\:@]*`)
		} else {
			out.WriteString(regexp.QuoteMeta(string(runeVal)))
		}
	}
	out.WriteRune('$')
	re, err := regexp.Compile(out.String())
	if err != nil {
		return nil, err
	}
	translateCache.Store(pat, re)
	return re, nil
}
