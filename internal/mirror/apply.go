package mirror

import (
	"context"
	"sort"

	"github.com/agentic-research/treemirror/api"
	"github.com/agentic-research/treemirror/internal/durable"
	"github.com/agentic-research/treemirror/internal/graph"
	"github.com/agentic-research/treemirror/internal/metrics"
	"github.com/agentic-research/treemirror/internal/retry"
	"go.uber.org/zap"
)

// Effects reports what one Apply changed, for the collaborators that react
// to it.
type Effects struct {
	// LiveDirty is set when the live scope's view must be re-materialized.
	LiveDirty bool `json:"live_dirty"`
	// RefetchLive is set when the live scope was empty before the batch and
	// became dirty: the local copy is likely incomplete, so the whole scope
	// is fetched rather than patched.
	RefetchLive bool `json:"refetch_live"`
	// NewExternalShare is set when a node became the root of a share from
	// another user.
	NewExternalShare bool `json:"new_external_share"`
	// NewContact is set when an inbound share came from an owner never seen
	// before.
	NewContact bool `json:"new_contact"`
	// TouchedParents are the parents of every created, updated or removed
	// folder, sorted.
	TouchedParents []string `json:"touched_parents,omitempty"`
	// MissingParents are the unknown parents orphaned deltas wait on.
	MissingParents []string `json:"missing_parents,omitempty"`

	Applied        int `json:"applied"`
	Skipped        int `json:"skipped"`
	Orphaned       int `json:"orphaned"`
	DroppedOrphans int `json:"dropped_orphans"`
}

// merge folds the effects of a follow-up batch into e. Missing parents are
// replaced since the later batch saw the newer orphan state.
func (e *Effects) merge(o Effects) {
	e.LiveDirty = e.LiveDirty || o.LiveDirty
	e.NewExternalShare = e.NewExternalShare || o.NewExternalShare
	e.NewContact = e.NewContact || o.NewContact
	e.TouchedParents = unionSorted(e.TouchedParents, o.TouchedParents)
	e.MissingParents = o.MissingParents
	e.Applied += o.Applied
	e.Skipped += o.Skipped
	e.Orphaned += o.Orphaned
	e.DroppedOrphans += o.DroppedOrphans
}

func unionSorted(a, b []string) []string {
	set := make(map[string]struct{}, len(a)+len(b))
	for _, s := range a {
		set[s] = struct{}{}
	}
	for _, s := range b {
		set[s] = struct{}{}
	}
	return setToSorted(set)
}

func setToSorted(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// applyTx accumulates the side effects of one batch.
type applyTx struct {
	eff         Effects
	live        Scope
	hasLive     bool
	liveRemoved bool

	changed map[string]*graph.Node
	removed map[string]struct{}
	touched map[string]struct{}
}

func (tx *applyTx) touch(parent string) {
	if parent != graph.NoParent {
		tx.touched[parent] = struct{}{}
	}
}

// applyBatch applies deltas in order, retries orphans, schedules the
// debounced rebuilds, and writes the changes through. countAttempt is set
// for feed batches: only those age the orphan buffer.
func (m *Mirror) applyBatch(ctx context.Context, deltas []api.NodeDelta, seq string, countAttempt bool) (Effects, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Effects{}, ErrClosed
	}

	tx := &applyTx{
		live:    m.live,
		hasLive: m.hasLive,
		changed: make(map[string]*graph.Node),
		removed: make(map[string]struct{}),
		touched: make(map[string]struct{}),
	}
	liveWasEmpty := tx.hasLive && tx.live.Kind != ScopeSearch &&
		len(m.materializeLocked(tx.live, ViewOptions{})) == 0

	for _, d := range deltas {
		switch {
		case d.Handle == "":
			m.skip(tx, d, "missing handle")
		case d.Tombstone:
			if m.removeLocked(tx, d.Handle, d.Reason) {
				tx.eff.Applied++
			}
		default:
			m.upsertLocked(tx, d)
		}
	}
	m.retryOrphansLocked(tx, countAttempt)

	tx.eff.TouchedParents = setToSorted(tx.touched)
	tx.eff.MissingParents = m.orphans.parents()
	if tx.eff.LiveDirty && liveWasEmpty && !tx.liveRemoved {
		tx.eff.RefetchLive = true
	}
	for _, p := range tx.eff.TouchedParents {
		m.rebuilds.Trigger(p)
	}

	m.persistLocked(ctx, tx)
	if seq != "" {
		err := retry.Do(ctx, m.cfg.Retry, func() error {
			return durable.SetJSON(ctx, m.store, SeqKey, seq)
		})
		if err != nil {
			m.log.Error("failed to store feed position", zap.String("seq", seq), zap.Error(err))
			metrics.RecordWriteFailure()
		}
	}

	metrics.SetNodes(m.nodes.Len())
	metrics.SetOrphans(m.orphans.len())
	m.log.Debug("applied delta batch",
		zap.Int("deltas", len(deltas)),
		zap.Int("applied", tx.eff.Applied),
		zap.Int("skipped", tx.eff.Skipped),
		zap.Int("orphaned", tx.eff.Orphaned),
		zap.Bool("live_dirty", tx.eff.LiveDirty),
	)
	return tx.eff, nil
}

func (m *Mirror) skip(tx *applyTx, d api.NodeDelta, reason string) {
	tx.eff.Skipped++
	metrics.RecordSkipped(1)
	m.log.Warn("skipping delta", zap.String("handle", d.Handle), zap.String("reason", reason))
}

func kindOf(k api.NodeKind) (graph.Kind, bool) {
	switch k {
	case api.KindFile:
		return graph.File, true
	case api.KindFolder:
		return graph.Folder, true
	default:
		return 0, false
	}
}

// applyFields overwrites the fields present in d. Variant fields that do
// not fit n's kind are ignored.
func applyFields(n *graph.Node, d api.NodeDelta) {
	if d.Parent != nil {
		n.Parent = *d.Parent
	}
	if d.Name != nil {
		n.Name = *d.Name
		n.MissingKeys = false
	}
	if d.Timestamp != nil {
		n.Timestamp = *d.Timestamp
	}
	if d.Share != nil {
		n.Share = graph.ShareState(*d.Share)
	}
	if d.Owner != nil {
		n.Owner = *d.Owner
	}
	if n.File != nil {
		if d.Size != nil {
			n.File.Size = *d.Size
		}
		if d.Versioned != nil {
			n.File.Versioned = *d.Versioned
		}
	}
	if n.Folder != nil && d.ChildCount != nil {
		n.Folder.ChildCount = *d.ChildCount
	}
}

// upsertLocked creates or updates the node d names, buffering d as an
// orphan when it points at an unknown parent.
func (m *Mirror) upsertLocked(tx *applyTx, d api.NodeDelta) {
	if o, ok := m.orphans.byHandle[d.Handle]; ok {
		d = mergeDelta(o.delta, d)
	}

	old, exists := m.nodes.Get(d.Handle)
	var n *graph.Node
	if exists {
		n = old.Clone()
	} else {
		if d.Kind == nil {
			m.orphans.drop(d.Handle)
			m.skip(tx, d, "new node without kind")
			return
		}
		n = &graph.Node{Handle: d.Handle, MissingKeys: true}
	}
	if d.Kind != nil {
		k, ok := kindOf(*d.Kind)
		if !ok {
			m.orphans.drop(d.Handle)
			m.skip(tx, d, "unknown kind")
			return
		}
		n.SetKind(k)
	}
	applyFields(n, d)

	moved := !exists || old.Parent != n.Parent
	if moved && n.Parent != graph.NoParent && !n.Share.Has(graph.InboundRoot) {
		if !m.nodes.Has(n.Parent) {
			m.orphans.put(d)
			tx.eff.Orphaned++
			return
		}
		if n.Parent == n.Handle || (n.IsFolder() && m.isDescendant(n.Parent, n.Handle)) {
			m.orphans.drop(d.Handle)
			m.skip(tx, d, "move into own subtree")
			return
		}
	}

	m.orphans.drop(d.Handle)
	m.nodes.Put(n)
	tx.changed[n.Handle] = n
	delete(tx.removed, n.Handle)
	tx.eff.Applied++

	var prev *graph.Node
	switch {
	case !exists:
		metrics.RecordDelta("create")
	case moved:
		prev = old
		metrics.RecordDelta("move")
	default:
		prev = old
		metrics.RecordDelta("update")
	}

	renamed := prev == nil || prev.Name != n.Name || prev.MissingKeys != n.MissingKeys
	if renamed && n.Named() {
		m.recent[n.Handle] = struct{}{}
	}

	if n.IsFolder() || (prev != nil && prev.IsFolder()) {
		tx.touch(n.Parent)
		if prev != nil && prev.Parent != n.Parent {
			tx.touch(prev.Parent)
		}
	}

	if n.Share.Has(graph.InboundRoot) && (prev == nil || !prev.Share.Has(graph.InboundRoot)) {
		tx.eff.NewExternalShare = true
	}
	if n.Owner != "" {
		if _, known := m.contacts[n.Owner]; !known {
			m.contacts[n.Owner] = struct{}{}
			if n.Share.Has(graph.InboundRoot) {
				tx.eff.NewContact = true
			}
		}
	}

	if tx.affectsLive(prev, n, renamed) {
		tx.eff.LiveDirty = true
	}
}

// isDescendant reports whether handle lies below root.
func (m *Mirror) isDescendant(handle, root string) bool {
	for _, h := range m.nodes.Descendants(root) {
		if h == handle {
			return true
		}
	}
	return false
}

// affectsLive decides whether an upsert from prev (nil on create) to n
// dirties the live scope.
func (tx *applyTx) affectsLive(prev, n *graph.Node, renamed bool) bool {
	if !tx.hasLive {
		return false
	}
	switch tx.live.Kind {
	case ScopeFolder:
		l := tx.live.ID
		if n.Parent == l || (prev != nil && prev.Parent == l) {
			return true
		}
		return n.Handle == l && prev != nil &&
			(renamed || n.Versioned() || n.Share.Has(graph.TakenDown) != prev.Share.Has(graph.TakenDown))
	case ScopeSearch:
		return renamed
	default:
		f := tx.live.shareFlag()
		return n.Share.Has(f) || (prev != nil && prev.Share.Has(f))
	}
}

// removeLocked drops handle and everything known below it. It reports
// whether there was anything to drop.
func (m *Mirror) removeLocked(tx *applyTx, handle, reason string) bool {
	buffered := m.orphans.drop(handle)
	if !m.nodes.Has(handle) {
		return buffered
	}

	desc := m.nodes.Descendants(handle)
	order := make([]string, 0, len(desc)+1)
	for i := len(desc) - 1; i >= 0; i-- {
		order = append(order, desc[i])
	}
	order = append(order, handle)

	for _, h := range order {
		n, ok := m.nodes.Remove(h)
		if !ok {
			continue
		}
		metrics.RecordDelta("remove")
		tx.removed[h] = struct{}{}
		delete(tx.changed, h)
		delete(m.recent, h)
		if n.IsFolder() {
			m.rebuilds.Cancel(h)
			delete(tx.touched, h)
			if _, gone := tx.removed[n.Parent]; !gone {
				tx.touch(n.Parent)
			}
		}
		if tx.removalAffectsLive(n) {
			tx.eff.LiveDirty = true
		}
	}
	m.log.Debug("removed node", zap.String("handle", handle), zap.Int("subtree", len(order)), zap.String("reason", reason))
	return true
}

func (tx *applyTx) removalAffectsLive(n *graph.Node) bool {
	if !tx.hasLive {
		return false
	}
	switch tx.live.Kind {
	case ScopeFolder:
		if n.Handle == tx.live.ID {
			tx.liveRemoved = true
			return true
		}
		return n.Parent == tx.live.ID
	case ScopeSearch:
		return true
	default:
		return n.Share.Has(tx.live.shareFlag())
	}
}

// retryOrphansLocked applies every buffered delta whose parent is now known,
// repeating until no more resolve, then ages the rest.
func (m *Mirror) retryOrphansLocked(tx *applyTx, countAttempt bool) {
	for {
		progress := false
		for _, h := range m.orphans.handles() {
			o, ok := m.orphans.byHandle[h]
			if !ok || o.delta.Parent == nil {
				continue
			}
			parent := *o.delta.Parent
			if _, gone := tx.removed[parent]; gone {
				m.orphans.drop(h)
				tx.eff.DroppedOrphans++
				m.log.Debug("dropping orphan of removed parent", zap.String("handle", h), zap.String("parent", parent))
				continue
			}
			if m.nodes.Has(parent) {
				d, _ := m.orphans.take(h)
				m.upsertLocked(tx, d)
				progress = true
			}
		}
		if !progress {
			break
		}
	}

	if !countAttempt {
		return
	}
	dropped := 0
	for _, h := range m.orphans.handles() {
		o := m.orphans.byHandle[h]
		o.attempts++
		if o.attempts >= m.cfg.OrphanMaxRetries {
			m.orphans.drop(h)
			dropped++
			m.log.Warn("dropping orphan delta after retries",
				zap.String("handle", h),
				zap.Stringp("parent", o.delta.Parent),
				zap.Int("attempts", o.attempts),
			)
		}
	}
	if dropped > 0 {
		tx.eff.DroppedOrphans += dropped
		metrics.RecordOrphansDropped(dropped)
	}
}

// persistLocked writes the batch's changes through to the durable store.
// Failures are logged; the in-memory mirror stays authoritative for the
// session.
func (m *Mirror) persistLocked(ctx context.Context, tx *applyTx) {
	if len(tx.changed) > 0 {
		handles := make([]string, 0, len(tx.changed))
		for h := range tx.changed {
			handles = append(handles, h)
		}
		sort.Strings(handles)
		recs := make([]durable.NodeRecord, 0, len(handles))
		for _, h := range handles {
			n := tx.changed[h]
			data, err := graph.Encode(n)
			if err != nil {
				m.log.Error("failed to encode node", zap.String("handle", h), zap.Error(err))
				continue
			}
			recs = append(recs, durable.NodeRecord{Handle: h, Timestamp: n.Timestamp, Value: data})
		}
		err := retry.Do(ctx, m.cfg.Retry, func() error { return m.store.PutNodes(ctx, recs) })
		if err != nil {
			m.log.Error("write-through failed", zap.Int("nodes", len(recs)), zap.Error(err))
			metrics.RecordWriteFailure()
		}
	}
	if len(tx.removed) > 0 {
		handles := setToSorted(tx.removed)
		err := retry.Do(ctx, m.cfg.Retry, func() error { return m.store.DeleteNodes(ctx, handles) })
		if err != nil {
			m.log.Error("write-through delete failed", zap.Int("nodes", len(handles)), zap.Error(err))
			metrics.RecordWriteFailure()
		}
	}
}
