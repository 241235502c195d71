package mirror

import (
	"sort"

	"github.com/agentic-research/treemirror/api"
)

// orphan is a delta waiting for its parent to become known.
type orphan struct {
	delta    api.NodeDelta
	attempts int // batches that ended with the parent still unknown
}

// orphanBuffer holds at most one pending delta per handle. Later deltas for
// the same handle are merged in field-wise so the buffered state is always
// the latest known.
type orphanBuffer struct {
	byHandle map[string]*orphan
}

func newOrphanBuffer() *orphanBuffer {
	return &orphanBuffer{byHandle: make(map[string]*orphan)}
}

func (b *orphanBuffer) put(d api.NodeDelta) {
	if o, ok := b.byHandle[d.Handle]; ok {
		o.delta = mergeDelta(o.delta, d)
		return
	}
	b.byHandle[d.Handle] = &orphan{delta: d}
}

// take removes and returns the buffered delta for handle.
func (b *orphanBuffer) take(handle string) (api.NodeDelta, bool) {
	o, ok := b.byHandle[handle]
	if !ok {
		return api.NodeDelta{}, false
	}
	delete(b.byHandle, handle)
	return o.delta, true
}

func (b *orphanBuffer) drop(handle string) bool {
	_, ok := b.byHandle[handle]
	delete(b.byHandle, handle)
	return ok
}

func (b *orphanBuffer) len() int { return len(b.byHandle) }

func (b *orphanBuffer) clear() {
	b.byHandle = make(map[string]*orphan)
}

// handles returns the buffered handles, sorted.
func (b *orphanBuffer) handles() []string {
	out := make([]string, 0, len(b.byHandle))
	for h := range b.byHandle {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}

// parents returns the distinct unknown parents the buffer waits on, sorted.
func (b *orphanBuffer) parents() []string {
	set := make(map[string]struct{})
	for _, o := range b.byHandle {
		if o.delta.Parent != nil {
			set[*o.delta.Parent] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// mergeDelta overlays the fields present in b onto a.
func mergeDelta(a, b api.NodeDelta) api.NodeDelta {
	out := a
	if b.Parent != nil {
		out.Parent = b.Parent
	}
	if b.Kind != nil {
		out.Kind = b.Kind
	}
	if b.Name != nil {
		out.Name = b.Name
	}
	if b.Timestamp != nil {
		out.Timestamp = b.Timestamp
	}
	if b.Size != nil {
		out.Size = b.Size
	}
	if b.Versioned != nil {
		out.Versioned = b.Versioned
	}
	if b.Share != nil {
		out.Share = b.Share
	}
	if b.Owner != nil {
		out.Owner = b.Owner
	}
	if b.ChildCount != nil {
		out.ChildCount = b.ChildCount
	}
	return out
}
