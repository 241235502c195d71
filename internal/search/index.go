// Package search builds a handle to name index over the durable node table
// and answers name queries against it.
//
// The index only ever grows during a session. It is a candidate source,
// never the truth: callers re-check every candidate against the live node
// store because the index lags behind deletions and renames.
package search

import (
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
)

// Index maps handle to name. Safe for concurrent use.
type Index struct {
	mu    sync.RWMutex
	names map[string]string
}

func NewIndex() *Index {
	return &Index{names: make(map[string]string)}
}

// Add records name for handle, replacing any earlier name.
func (x *Index) Add(handle, name string) {
	x.mu.Lock()
	x.names[handle] = name
	x.mu.Unlock()
}

func (x *Index) Has(handle string) bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	_, ok := x.names[handle]
	return ok
}

func (x *Index) Name(handle string) (string, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	n, ok := x.names[handle]
	return n, ok
}

func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.names)
}

// Candidates returns the handles whose indexed name satisfies m, sorted.
func (x *Index) Candidates(m Matcher) []string {
	x.mu.RLock()
	var out []string
	for h, n := range x.names {
		if m.Match(n) {
			out = append(out, h)
		}
	}
	x.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Matcher is a compiled name predicate.
type Matcher struct {
	pattern string
	glob    bool
}

// Compile returns a case-insensitive matcher. Patterns containing any of
// "*?[" are globs matched against the whole name; anything else matches as
// a substring.
func Compile(pattern string) (Matcher, error) {
	p := strings.ToLower(strings.TrimSpace(pattern))
	if p == "" {
		return Matcher{}, fmt.Errorf("empty search pattern")
	}
	m := Matcher{pattern: p, glob: strings.ContainsAny(p, "*?[")}
	if m.glob {
		if _, err := path.Match(p, ""); err != nil {
			return Matcher{}, fmt.Errorf("pattern %q: %w", pattern, err)
		}
	}
	return m, nil
}

// Match reports whether name satisfies the pattern.
func (m Matcher) Match(name string) bool {
	if m.pattern == "" {
		return false
	}
	n := strings.ToLower(name)
	if m.glob {
		ok, _ := path.Match(m.pattern, n) // validated in Compile
		return ok
	}
	return strings.Contains(n, m.pattern)
}

func (m Matcher) String() string {
	return m.pattern
}
