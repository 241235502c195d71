package mirror

import (
	"fmt"
	"sort"
	"strings"

	"github.com/agentic-research/treemirror/internal/graph"
	"github.com/agentic-research/treemirror/internal/search"
)

// Comparator orders nodes in a view. It reports whether a sorts before b.
type Comparator func(a, b *graph.Node) bool

// Filter keeps the nodes for which it returns true.
type Filter func(n *graph.Node) bool

// ViewOptions shapes a materialized view. A nil Less keeps handle order.
type ViewOptions struct {
	Less    Comparator
	Filters []Filter
}

// ByName orders case-insensitively by name. Nodes with missing keys sort
// last.
func ByName(a, b *graph.Node) bool {
	if a.Named() != b.Named() {
		return a.Named()
	}
	return strings.ToLower(a.Name) < strings.ToLower(b.Name)
}

// BySize orders by file size; folders count as zero.
func BySize(a, b *graph.Node) bool { return a.Size() < b.Size() }

// ByTime orders by timestamp.
func ByTime(a, b *graph.Node) bool { return a.Timestamp < b.Timestamp }

// Reverse inverts c.
func Reverse(c Comparator) Comparator {
	return func(a, b *graph.Node) bool { return c(b, a) }
}

// FoldersFirst lists folders before files, each group ordered by c.
func FoldersFirst(c Comparator) Comparator {
	return func(a, b *graph.Node) bool {
		if a.IsFolder() != b.IsFolder() {
			return a.IsFolder()
		}
		return c(a, b)
	}
}

// ParseOrder resolves a comparator by name: "name", "size", "time", or ""
// and "handle" for handle order. Plain handle order needs no sort and
// yields nil.
func ParseOrder(name string, desc, foldersFirst bool) (Comparator, error) {
	var c Comparator
	switch strings.ToLower(name) {
	case "", "handle":
	case "name":
		c = ByName
	case "size":
		c = BySize
	case "time":
		c = ByTime
	default:
		return nil, fmt.Errorf("unknown sort order %q", name)
	}
	if c == nil {
		c = func(a, b *graph.Node) bool { return a.Handle < b.Handle }
		if !desc && !foldersFirst {
			return nil, nil
		}
	}
	if desc {
		c = Reverse(c)
	}
	if foldersFirst {
		c = FoldersFirst(c)
	}
	return c, nil
}

// Materialize computes the ordered node list for scope. Nodes are gathered
// in handle order and stable-sorted, so an unchanged scope yields the same
// sequence on every call. A scope naming a missing, versioned or taken-down
// node yields an empty list.
func (m *Mirror) Materialize(scope Scope, opts ViewOptions) []*graph.Node {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.materializeLocked(scope, opts)
}

func (m *Mirror) materializeLocked(scope Scope, opts ViewOptions) []*graph.Node {
	var base []*graph.Node
	switch scope.Kind {
	case ScopeFolder:
		base = m.folderLocked(scope.ID)
	case ScopeSearch:
		base = m.searchLocked(scope.ID)
	default:
		for _, h := range m.nodes.Members(scope.shareFlag()) {
			if n, ok := m.nodes.Get(h); ok && !n.Versioned() {
				base = append(base, n)
			}
		}
	}

	out := base[:0]
	for _, n := range base {
		if keep(n, opts.Filters) {
			out = append(out, n)
		}
	}
	if opts.Less != nil {
		sort.SliceStable(out, func(i, j int) bool { return opts.Less(out[i], out[j]) })
	}
	return out
}

func keep(n *graph.Node, filters []Filter) bool {
	for _, f := range filters {
		if !f(n) {
			return false
		}
	}
	return true
}

func (m *Mirror) folderLocked(handle string) []*graph.Node {
	root, ok := m.nodes.Get(handle)
	if !ok || root.Versioned() || root.Share.Has(graph.TakenDown) {
		return nil
	}
	var out []*graph.Node
	for _, h := range m.nodes.Children(handle) {
		n, ok := m.nodes.Get(h)
		if !ok || n.Parent != handle || n.Versioned() {
			continue
		}
		out = append(out, n)
	}
	return out
}

// searchLocked resolves index candidates and recently changed nodes back
// through the node store, matching on the current name.
func (m *Mirror) searchLocked(pattern string) []*graph.Node {
	matcher, err := search.Compile(pattern)
	if err != nil {
		return nil
	}
	set := make(map[string]struct{})
	for _, h := range m.index.Candidates(matcher) {
		set[h] = struct{}{}
	}
	for h := range m.recent {
		set[h] = struct{}{}
	}

	var out []*graph.Node
	for _, h := range setToSorted(set) {
		n, ok := m.nodes.Get(h)
		if !ok || !n.Named() || n.Versioned() || n.Share.Has(graph.TakenDown) {
			continue
		}
		if matcher.Match(n.Name) {
			out = append(out, n)
		}
	}
	return out
}
