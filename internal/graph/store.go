package graph

import (
	"fmt"
	"sort"
	"sync"

	"github.com/RoaringBitmap/roaring"
)

// Store is the in-memory node table plus the parent→children adjacency
// index and the share side indexes derived from it.
//
// Side indexes are roaring bitmaps over internal uint32 ids, one bitmap per
// virtual-scope flag. Ids are assigned on first Put and never reused, so a
// bitmap membership is always resolvable through intToHandle.
type Store struct {
	mu       sync.RWMutex
	nodes    map[string]*Node
	children map[string]map[string]struct{} // parent handle → child handles

	nodeIntID   map[string]uint32
	intToHandle []string
	nextIntID   uint32
	byShare     map[ShareState]*roaring.Bitmap
}

// indexedShares are the flags that back virtual scopes.
var indexedShares = []ShareState{Outbound, InboundRoot, PublicLink, FileRequest}

// NewStore returns an empty store with its share indexes allocated.
func NewStore() *Store {
	s := &Store{
		nodes:     make(map[string]*Node),
		children:  make(map[string]map[string]struct{}),
		nodeIntID: make(map[string]uint32),
		byShare:   make(map[ShareState]*roaring.Bitmap, len(indexedShares)),
	}
	for _, f := range indexedShares {
		s.byShare[f] = roaring.New()
	}
	return s
}

// Put inserts n or replaces the node stored under n.Handle. When the parent
// changed, the handle moves from the old parent's child set to the new one
// in the same critical section.
func (s *Store) Put(n *Node) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.nodes[n.Handle]; ok && prev.Parent != n.Parent {
		s.unlink(prev.Parent, n.Handle)
	}
	s.nodes[n.Handle] = n
	s.link(n.Parent, n.Handle)
	s.indexShares(n)
}

// Remove deletes a single node and unlinks it from its parent. Children of
// the removed node keep their adjacency entry; callers removing a subtree
// use Descendants first.
func (s *Store) Remove(handle string) (*Node, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[handle]
	if !ok {
		return nil, false
	}
	delete(s.nodes, handle)
	s.unlink(n.Parent, handle)
	if id, ok := s.nodeIntID[handle]; ok {
		for _, bm := range s.byShare {
			bm.Remove(id)
		}
	}
	if set, ok := s.children[handle]; ok && len(set) == 0 {
		delete(s.children, handle)
	}
	return n, true
}

// Get returns the node stored under handle.
func (s *Store) Get(handle string) (*Node, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[handle]
	return n, ok
}

// Has reports whether handle is known.
func (s *Store) Has(handle string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.nodes[handle]
	return ok
}

// Len returns the number of known nodes.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.nodes)
}

// Children returns the child handles of parent, sorted.
func (s *Store) Children(parent string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedKeys(s.children[parent])
}

// ChildCount returns the number of locally known children of parent.
func (s *Store) ChildCount(parent string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.children[parent])
}

// Roots returns the handles of nodes without a parent.
func (s *Store) Roots() []string {
	return s.Children(NoParent)
}

// Members returns the handles carrying the given indexed share flag, sorted.
func (s *Store) Members(flag ShareState) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	bm, ok := s.byShare[flag]
	if !ok {
		return nil
	}
	out := make([]string, 0, bm.GetCardinality())
	it := bm.Iterator()
	for it.HasNext() {
		id := it.Next()
		if int(id) < len(s.intToHandle) {
			if h := s.intToHandle[id]; h != "" {
				out = append(out, h)
			}
		}
	}
	sort.Strings(out)
	return out
}

// Descendants returns every locally known handle below root, excluding
// root itself, in breadth-first order.
func (s *Store) Descendants(root string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []string
	seen := map[string]struct{}{root: {}}
	queue := []string{root}
	for len(queue) > 0 {
		h := queue[0]
		queue = queue[1:]
		for _, c := range sortedKeys(s.children[h]) {
			if _, dup := seen[c]; dup {
				continue
			}
			seen[c] = struct{}{}
			out = append(out, c)
			queue = append(queue, c)
		}
	}
	return out
}

// Each calls fn for every node until fn returns false. The store is read
// locked for the duration, so fn must not mutate the store.
func (s *Store) Each(fn func(*Node) bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, n := range s.nodes {
		if !fn(n) {
			return
		}
	}
}

// Verify checks that every node whose parent is known appears in that
// parent's child set and that every child set entry points back at its
// parent. Returns the first violation.
func (s *Store) Verify() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for h, n := range s.nodes {
		if n.Parent == NoParent {
			continue
		}
		if _, known := s.nodes[n.Parent]; !known {
			continue
		}
		if _, ok := s.children[n.Parent][h]; !ok {
			return fmt.Errorf("node %s missing from children of %s", h, n.Parent)
		}
	}
	for p, set := range s.children {
		for c := range set {
			n, ok := s.nodes[c]
			if !ok {
				return fmt.Errorf("children of %s lists unknown node %s", p, c)
			}
			if n.Parent != p {
				return fmt.Errorf("children of %s lists %s whose parent is %s", p, c, n.Parent)
			}
		}
	}
	return nil
}

// link and unlink must be called with s.mu held.
func (s *Store) link(parent, child string) {
	set, ok := s.children[parent]
	if !ok {
		set = make(map[string]struct{})
		s.children[parent] = set
	}
	set[child] = struct{}{}
}

func (s *Store) unlink(parent, child string) {
	set, ok := s.children[parent]
	if !ok {
		return
	}
	delete(set, child)
	if len(set) == 0 {
		if _, known := s.nodes[parent]; !known {
			delete(s.children, parent)
		}
	}
}

// indexShares assigns an internal id to n and syncs its bitmap memberships.
// Must be called with s.mu held.
func (s *Store) indexShares(n *Node) {
	id, ok := s.nodeIntID[n.Handle]
	if !ok {
		id = s.nextIntID
		s.nextIntID++
		s.nodeIntID[n.Handle] = id
		for uint32(len(s.intToHandle)) <= id {
			s.intToHandle = append(s.intToHandle, "")
		}
		s.intToHandle[id] = n.Handle
	}
	for _, f := range indexedShares {
		if n.Share.Has(f) {
			s.byShare[f].Add(id)
		} else {
			s.byShare[f].Remove(id)
		}
	}
}

func sortedKeys(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
