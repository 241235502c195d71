package mirror

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentic-research/treemirror/api"
	"github.com/agentic-research/treemirror/internal/durable"
	"github.com/agentic-research/treemirror/internal/graph"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	timeout = 2 * time.Second
	tick    = 5 * time.Millisecond
)

func newTestMirror(t *testing.T, tweak ...func(*Options)) *Mirror {
	t.Helper()
	opts := Options{
		Store:  durable.NewFlatStore(durable.NewMemKV(), nil),
		Config: Config{DebounceWindow: 30 * time.Millisecond, OrphanMaxRetries: 3},
	}
	for _, fn := range tweak {
		fn(&opts)
	}
	m, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func folderDelta(h, parent, name string, ts int64) api.NodeDelta {
	return api.NodeDelta{
		Handle:    h,
		Parent:    api.Ptr(parent),
		Kind:      api.Ptr(api.KindFolder),
		Name:      api.Ptr(name),
		Timestamp: api.Ptr(ts),
	}
}

func fileDelta(h, parent, name string, ts int64) api.NodeDelta {
	return api.NodeDelta{
		Handle:    h,
		Parent:    api.Ptr(parent),
		Kind:      api.Ptr(api.KindFile),
		Name:      api.Ptr(name),
		Timestamp: api.Ptr(ts),
	}
}

func batch(ds ...api.NodeDelta) api.DeltaBatch {
	return api.DeltaBatch{Deltas: ds}
}

func apply(t *testing.T, m *Mirror, ds ...api.NodeDelta) Effects {
	t.Helper()
	eff, err := m.Apply(context.Background(), batch(ds...))
	require.NoError(t, err)
	require.NoError(t, m.Verify())
	return eff
}

func handlesOf(nodes []*graph.Node) []string {
	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i] = n.Handle
	}
	return out
}

// snapshot captures node contents and adjacency for comparison.
func snapshot(t *testing.T, m *Mirror) map[string]string {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	var nodes []*graph.Node
	m.nodes.Each(func(n *graph.Node) bool {
		nodes = append(nodes, n)
		return true
	})
	out := make(map[string]string)
	for _, n := range nodes {
		data, err := graph.Encode(n)
		require.NoError(t, err)
		out["node/"+n.Handle] = string(data)
		out["kids/"+n.Handle] = strings.Join(m.nodes.Children(n.Handle), ",")
	}
	return out
}

func seedMoveTree(t *testing.T, m *Mirror) {
	apply(t, m,
		folderDelta("AAAAAAAA", graph.NoParent, "root", 1),
		folderDelta("BBBBBBBB", "AAAAAAAA", "sub", 2),
		fileDelta("CCCCCCCC", "BBBBBBBB", "x.txt", 3),
	)
}

func TestApply_MoveDirtiesOldAndNewParent(t *testing.T) {
	for _, live := range []string{"AAAAAAAA", "BBBBBBBB"} {
		t.Run("live "+live, func(t *testing.T) {
			m := newTestMirror(t)
			seedMoveTree(t, m)
			_, err := m.Open(context.Background(), FolderScope(live), ViewOptions{})
			require.NoError(t, err)

			eff := apply(t, m, api.NodeDelta{Handle: "CCCCCCCC", Parent: api.Ptr("AAAAAAAA")})
			assert.True(t, eff.LiveDirty)
			assert.False(t, eff.RefetchLive)
			assert.Equal(t, 1, eff.Applied)

			assert.Subset(t, m.nodes.Children("AAAAAAAA"), []string{"BBBBBBBB", "CCCCCCCC"})
			assert.Empty(t, m.nodes.Children("BBBBBBBB"))

			c, err := m.Node("CCCCCCCC")
			require.NoError(t, err)
			assert.Equal(t, "x.txt", c.Name, "fields absent from the delta are kept")
		})
	}
}

func TestApply_UnrelatedLiveScopeStaysClean(t *testing.T) {
	m := newTestMirror(t)
	seedMoveTree(t, m)
	apply(t, m, folderDelta("DDDDDDDD", "AAAAAAAA", "other", 4))
	_, err := m.Open(context.Background(), FolderScope("DDDDDDDD"), ViewOptions{})
	require.NoError(t, err)

	eff := apply(t, m, api.NodeDelta{Handle: "CCCCCCCC", Name: api.Ptr("y.txt")})
	assert.False(t, eff.LiveDirty)
}

func TestApply_IsIdempotent(t *testing.T) {
	b := batch(
		folderDelta("R0000000", graph.NoParent, "root", 1),
		folderDelta("F1000000", "R0000000", "docs", 2),
		folderDelta("F2000000", "R0000000", "pics", 3),
		fileDelta("X1000000", "F1000000", "a.txt", 4),
		fileDelta("X2000000", "F2000000", "b.png", 5),
		fileDelta("X3000000", "UNKNOWN0", "orphan.txt", 6),
		api.NodeDelta{Handle: "X1000000", Parent: api.Ptr("F2000000")},
		api.NodeDelta{Handle: "X2000000", Tombstone: true, Reason: "deleted"},
		api.NodeDelta{Handle: "F1000000", Name: api.Ptr("documents"), ChildCount: api.Ptr(0)},
	)

	m := newTestMirror(t)
	_, err := m.Apply(context.Background(), b)
	require.NoError(t, err)
	require.NoError(t, m.Verify())
	once := snapshot(t, m)

	_, err = m.Apply(context.Background(), b)
	require.NoError(t, err)
	require.NoError(t, m.Verify())
	assert.Equal(t, once, snapshot(t, m))

	assert.Equal(t, []string{"X1000000"}, m.nodes.Children("F2000000"))
	assert.Empty(t, m.nodes.Children("F1000000"))
}

func TestApply_LastDeltaForHandleWins(t *testing.T) {
	m := newTestMirror(t)
	apply(t, m,
		folderDelta("R0000000", graph.NoParent, "root", 1),
		fileDelta("X0000000", "R0000000", "one", 2),
		api.NodeDelta{Handle: "X0000000", Name: api.Ptr("two"), Size: api.Ptr(int64(10))},
		api.NodeDelta{Handle: "X0000000", Name: api.Ptr("three")},
	)
	n, err := m.Node("X0000000")
	require.NoError(t, err)
	assert.Equal(t, "three", n.Name)
	assert.Equal(t, int64(10), n.Size())
}

func TestApply_OrphanResolvedByLaterBatch(t *testing.T) {
	m := newTestMirror(t)
	apply(t, m, folderDelta("R0000000", graph.NoParent, "root", 1))

	eff := apply(t, m, fileDelta("X0000000", "P0000000", "late.txt", 5))
	assert.Equal(t, 1, eff.Orphaned)
	assert.Equal(t, 0, eff.Applied)
	assert.Equal(t, []string{"P0000000"}, eff.MissingParents)
	_, err := m.Node("X0000000")
	assert.ErrorIs(t, err, graph.ErrNotFound)
	assert.Equal(t, 1, m.Stats().Orphans)

	eff = apply(t, m, folderDelta("P0000000", "R0000000", "parent", 4))
	assert.Equal(t, 2, eff.Applied)
	assert.Empty(t, eff.MissingParents)
	assert.Equal(t, []string{"X0000000"}, m.nodes.Children("P0000000"))
	assert.Equal(t, 0, m.Stats().Orphans)
}

func TestApply_OrphanResolvedWithinBatch(t *testing.T) {
	m := newTestMirror(t)
	eff := apply(t, m,
		fileDelta("X0000000", "P0000000", "child.txt", 3),
		folderDelta("P0000000", "R0000000", "parent", 2),
		folderDelta("R0000000", graph.NoParent, "root", 1),
	)
	assert.Equal(t, 3, eff.Applied)
	assert.Empty(t, eff.MissingParents)
	assert.Equal(t, []string{"X0000000"}, m.nodes.Children("P0000000"))
}

func TestApply_OrphanMergesLaterDeltas(t *testing.T) {
	m := newTestMirror(t)
	apply(t, m, fileDelta("X0000000", "P0000000", "a.txt", 3))
	apply(t, m, api.NodeDelta{Handle: "X0000000", Size: api.Ptr(int64(42))})
	assert.Equal(t, 1, m.Stats().Orphans)

	apply(t, m, folderDelta("P0000000", graph.NoParent, "parent", 2))
	n, err := m.Node("X0000000")
	require.NoError(t, err)
	assert.Equal(t, "a.txt", n.Name)
	assert.Equal(t, int64(42), n.Size())
}

func TestApply_OrphanDroppedAfterRetries(t *testing.T) {
	m := newTestMirror(t) // OrphanMaxRetries: 3
	eff := apply(t, m, fileDelta("X0000000", "P0000000", "a.txt", 3))
	assert.Equal(t, 0, eff.DroppedOrphans)

	eff = apply(t, m)
	assert.Equal(t, 0, eff.DroppedOrphans)
	eff = apply(t, m)
	assert.Equal(t, 1, eff.DroppedOrphans)
	assert.Empty(t, eff.MissingParents)
	assert.Equal(t, 0, m.Stats().Orphans)
}

func TestApply_OrphanOfRemovedParentDropped(t *testing.T) {
	m := newTestMirror(t)
	apply(t, m, fileDelta("X0000000", "P0000000", "a.txt", 3))
	eff := apply(t, m,
		folderDelta("P0000000", graph.NoParent, "parent", 2),
		api.NodeDelta{Handle: "P0000000", Tombstone: true},
	)
	// The parent arrived and left in the same batch, before orphans were retried.
	assert.Equal(t, 1, eff.DroppedOrphans)
	assert.Equal(t, 0, m.Stats().Orphans)
}

func TestApply_InboundShareRootIsNeverOrphaned(t *testing.T) {
	m := newTestMirror(t)
	root := folderDelta("S0000000", "FOREIGN0", "shared with me", 1)
	root.Share = api.Ptr(api.ShareInboundRoot)
	root.Owner = api.Ptr("USER0001")

	eff := apply(t, m, root)
	assert.Equal(t, 1, eff.Applied)
	assert.Equal(t, 0, eff.Orphaned)
	assert.True(t, eff.NewExternalShare)
	assert.True(t, eff.NewContact)
	assert.Equal(t, []string{"S0000000"}, handlesOf(m.Materialize(IncomingShares, ViewOptions{})))

	eff = apply(t, m, root)
	assert.False(t, eff.NewExternalShare)
	assert.False(t, eff.NewContact)

	other := folderDelta("S0000001", "FOREIGN1", "another", 2)
	other.Share = api.Ptr(api.ShareInboundRoot)
	other.Owner = api.Ptr("USER0001")
	eff = apply(t, m, other)
	assert.True(t, eff.NewExternalShare)
	assert.False(t, eff.NewContact, "owner already known")
}

func TestApply_ShareChangeDirtiesVirtualScope(t *testing.T) {
	m := newTestMirror(t)
	apply(t, m,
		folderDelta("R0000000", graph.NoParent, "root", 1),
		folderDelta("F0000000", "R0000000", "team", 2),
	)
	_, err := m.Open(context.Background(), OutgoingShares, ViewOptions{})
	require.NoError(t, err)

	eff := apply(t, m, api.NodeDelta{Handle: "F0000000", Share: api.Ptr(api.ShareOutbound)})
	assert.True(t, eff.LiveDirty)
	assert.True(t, eff.RefetchLive, "scope was empty before the batch")
	assert.Equal(t, []string{"F0000000"}, handlesOf(m.Materialize(OutgoingShares, ViewOptions{})))

	eff = apply(t, m, api.NodeDelta{Handle: "R0000000", Name: api.Ptr("renamed root")})
	assert.False(t, eff.LiveDirty)

	eff = apply(t, m, api.NodeDelta{Handle: "F0000000", Share: api.Ptr(uint8(0))})
	assert.True(t, eff.LiveDirty)
	assert.Empty(t, m.Materialize(OutgoingShares, ViewOptions{}))
}

func TestApply_TombstoneRemovesSubtree(t *testing.T) {
	m := newTestMirror(t)
	apply(t, m,
		folderDelta("A0000000", graph.NoParent, "root", 1),
		folderDelta("B0000000", "A0000000", "b", 2),
		fileDelta("C0000000", "B0000000", "c", 3),
		folderDelta("D0000000", "B0000000", "d", 4),
		fileDelta("E0000000", "D0000000", "e", 5),
	)
	_, err := m.Open(context.Background(), FolderScope("A0000000"), ViewOptions{})
	require.NoError(t, err)

	eff := apply(t, m, api.NodeDelta{Handle: "B0000000", Tombstone: true, Reason: "user"})
	assert.True(t, eff.LiveDirty)
	assert.Equal(t, []string{"A0000000"}, eff.TouchedParents)
	assert.Equal(t, 1, m.Stats().Nodes)

	recs, err := m.store.ScanNodes(context.Background(), durable.ScanRequest{})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "A0000000", recs[0].Handle)
}

func TestApply_TombstoneForUnknownHandleIsNotApplied(t *testing.T) {
	m := newTestMirror(t)
	apply(t, m, folderDelta("A0000000", graph.NoParent, "root", 1))

	eff := apply(t, m, api.NodeDelta{Handle: "Z0000000", Tombstone: true})
	assert.Equal(t, 0, eff.Applied)
	assert.Equal(t, 0, eff.Skipped)
	assert.False(t, eff.LiveDirty)
	assert.Empty(t, eff.TouchedParents)

	// Dropping a buffered orphan is a real change.
	apply(t, m, fileDelta("X0000000", "MISSING0", "a.txt", 2))
	require.Equal(t, 1, m.Stats().Orphans)
	eff = apply(t, m, api.NodeDelta{Handle: "X0000000", Tombstone: true})
	assert.Equal(t, 1, eff.Applied)
	assert.Equal(t, 0, m.Stats().Orphans)
}

func TestApply_RemovedLiveScope(t *testing.T) {
	m := newTestMirror(t)
	apply(t, m,
		folderDelta("A0000000", graph.NoParent, "root", 1),
		folderDelta("B0000000", "A0000000", "b", 2),
	)
	_, err := m.Open(context.Background(), FolderScope("B0000000"), ViewOptions{})
	require.NoError(t, err)

	eff := apply(t, m, api.NodeDelta{Handle: "B0000000", Tombstone: true})
	assert.True(t, eff.LiveDirty)
	assert.False(t, eff.RefetchLive)
	assert.Empty(t, m.Materialize(FolderScope("B0000000"), ViewOptions{}))
}

func TestApply_SkipsUnusableDeltas(t *testing.T) {
	m := newTestMirror(t)
	eff := apply(t, m,
		api.NodeDelta{Name: api.Ptr("no handle")},
		api.NodeDelta{Handle: "N0000000", Name: api.Ptr("no kind")},
		api.NodeDelta{Handle: "K0000000", Kind: api.Ptr(api.NodeKind(7))},
		folderDelta("R0000000", graph.NoParent, "root", 1),
	)
	assert.Equal(t, 3, eff.Skipped)
	assert.Equal(t, 1, eff.Applied)
}

func TestApply_RejectsMoveIntoOwnSubtree(t *testing.T) {
	m := newTestMirror(t)
	apply(t, m,
		folderDelta("A0000000", graph.NoParent, "root", 1),
		folderDelta("B0000000", "A0000000", "b", 2),
		folderDelta("C0000000", "B0000000", "c", 3),
	)
	eff := apply(t, m, api.NodeDelta{Handle: "B0000000", Parent: api.Ptr("C0000000")})
	assert.Equal(t, 1, eff.Skipped)
	n, err := m.Node("B0000000")
	require.NoError(t, err)
	assert.Equal(t, "A0000000", n.Parent)
}

func TestApply_NameWithheldUntilKeysArrive(t *testing.T) {
	m := newTestMirror(t)
	apply(t, m,
		folderDelta("R0000000", graph.NoParent, "root", 1),
		api.NodeDelta{Handle: "X0000000", Parent: api.Ptr("R0000000"), Kind: api.Ptr(api.KindFile)},
	)
	n, err := m.Node("X0000000")
	require.NoError(t, err)
	assert.True(t, n.MissingKeys)
	assert.False(t, n.Named())

	apply(t, m, api.NodeDelta{Handle: "X0000000", Name: api.Ptr("decrypted.txt")})
	n, err = m.Node("X0000000")
	require.NoError(t, err)
	assert.True(t, n.Named())
}

func TestApply_TouchedParentsDebounced(t *testing.T) {
	var mu sync.Mutex
	var fired []string
	m := newTestMirror(t, func(o *Options) {
		o.OnRebuild = func(parent string) {
			mu.Lock()
			fired = append(fired, parent)
			mu.Unlock()
		}
	})
	count := func() int {
		mu.Lock()
		defer mu.Unlock()
		return len(fired)
	}

	eff := apply(t, m,
		folderDelta("A0000000", graph.NoParent, "root", 1),
		folderDelta("F0000000", "A0000000", "f", 2),
	)
	assert.Equal(t, []string{"A0000000"}, eff.TouchedParents)
	apply(t, m, api.NodeDelta{Handle: "F0000000", Name: api.Ptr("g")})
	apply(t, m, api.NodeDelta{Handle: "F0000000", Name: api.Ptr("h")})

	eff = apply(t, m, fileDelta("X0000000", "F0000000", "file only", 3))
	assert.Empty(t, eff.TouchedParents, "files do not touch their parent")

	require.Eventually(t, func() bool { return count() == 1 }, timeout, tick)
	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, []string{"A0000000"}, fired)
	mu.Unlock()
}

func TestApply_WritesThroughAndStoresSeq(t *testing.T) {
	store := durable.NewFlatStore(durable.NewMemKV(), nil)
	m := newTestMirror(t, func(o *Options) { o.Store = store })
	ctx := context.Background()

	_, err := m.Apply(ctx, api.DeltaBatch{
		Seq: "sn-1",
		Deltas: []api.NodeDelta{
			folderDelta("R0000000", graph.NoParent, "root", 1),
			fileDelta("X0000000", "R0000000", "a.txt", 2),
			fileDelta("Y0000000", "R0000000", "b.txt", 3),
		},
	})
	require.NoError(t, err)
	seq, err := m.Seq(ctx)
	require.NoError(t, err)
	assert.Equal(t, "sn-1", seq)

	other := newTestMirror(t, func(o *Options) { o.Store = store })
	n, err := other.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []string{"X0000000", "Y0000000"}, other.nodes.Children("R0000000"))
	require.NoError(t, other.Verify())
}

func TestReset_DiscardsEverything(t *testing.T) {
	m := newTestMirror(t)
	ctx := context.Background()
	_, err := m.Apply(ctx, api.DeltaBatch{Seq: "sn-9", Deltas: []api.NodeDelta{
		folderDelta("R0000000", graph.NoParent, "root", 1),
		fileDelta("O0000000", "MISSING0", "orphan", 2),
	}})
	require.NoError(t, err)
	require.Equal(t, 1, m.Stats().Nodes)

	require.NoError(t, m.Reset(ctx))
	assert.Equal(t, Stats{}, m.Stats())
	seq, err := m.Seq(ctx)
	require.NoError(t, err)
	assert.Empty(t, seq)
	recs, err := m.store.ScanNodes(ctx, durable.ScanRequest{})
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestMirror_Closed(t *testing.T) {
	m := newTestMirror(t)
	require.NoError(t, m.Close())
	_, err := m.Apply(context.Background(), batch())
	assert.ErrorIs(t, err, ErrClosed)
	_, err = m.Open(context.Background(), FolderScope("X"), ViewOptions{})
	assert.ErrorIs(t, err, ErrClosed)
}

type recordingFetcher struct {
	mu     sync.Mutex
	calls  []Scope
	answer func(Scope) []api.NodeDelta
}

func (f *recordingFetcher) Fetch(_ context.Context, s Scope) ([]api.NodeDelta, error) {
	f.mu.Lock()
	f.calls = append(f.calls, s)
	f.mu.Unlock()
	if f.answer == nil {
		return nil, nil
	}
	return f.answer(s), nil
}

func (f *recordingFetcher) Calls() []Scope {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Scope(nil), f.calls...)
}

func TestApply_RefetchesLiveScopeThatWasEmpty(t *testing.T) {
	f := &recordingFetcher{answer: func(s Scope) []api.NodeDelta {
		if s.ID == "A0000000" {
			return []api.NodeDelta{
				folderDelta("A0000000", graph.NoParent, "root", 1),
				fileDelta("Z0000000", "A0000000", "fetched.txt", 9),
			}
		}
		return nil
	}}
	m := newTestMirror(t, func(o *Options) { o.Fetcher = f })
	apply(t, m, folderDelta("A0000000", graph.NoParent, "root", 1))
	m.mu.Lock()
	m.live, m.hasLive = FolderScope("A0000000"), true
	m.mu.Unlock()

	eff := apply(t, m, fileDelta("C0000000", "A0000000", "c.txt", 3))
	assert.True(t, eff.LiveDirty)
	assert.True(t, eff.RefetchLive)
	assert.Equal(t, []Scope{FolderScope("A0000000")}, f.Calls())
	assert.ElementsMatch(t, []string{"C0000000", "Z0000000"},
		handlesOf(m.Materialize(FolderScope("A0000000"), ViewOptions{})))

	// No longer empty: the next change is patched in place.
	eff = apply(t, m, fileDelta("D0000000", "A0000000", "d.txt", 4))
	assert.True(t, eff.LiveDirty)
	assert.False(t, eff.RefetchLive)
	assert.Len(t, f.Calls(), 1)
}

func TestApply_HydratesMissingParents(t *testing.T) {
	f := &recordingFetcher{answer: func(s Scope) []api.NodeDelta {
		if s.ID == "P0000000" {
			return []api.NodeDelta{folderDelta("P0000000", graph.NoParent, "parent", 1)}
		}
		return nil
	}}
	m := newTestMirror(t, func(o *Options) { o.Fetcher = f })

	eff := apply(t, m, fileDelta("X0000000", "P0000000", "child", 2))
	assert.Equal(t, 1, eff.Orphaned)
	assert.Empty(t, eff.MissingParents)
	assert.Equal(t, []Scope{FolderScope("P0000000")}, f.Calls())
	assert.Equal(t, []string{"X0000000"}, m.nodes.Children("P0000000"))
}

func TestHydrate_RequiresFetcher(t *testing.T) {
	m := newTestMirror(t)
	_, err := m.Hydrate(context.Background(), []string{"P0000000"})
	assert.Error(t, err)
}

func TestOpen_FetchesUnknownFolder(t *testing.T) {
	f := &recordingFetcher{answer: func(s Scope) []api.NodeDelta {
		return []api.NodeDelta{
			folderDelta(s.ID, graph.NoParent, "root", 1),
			fileDelta("K0000000", s.ID, "kid", 2),
		}
	}}
	m := newTestMirror(t, func(o *Options) { o.Fetcher = f })

	view, err := m.Open(context.Background(), FolderScope("A0000000"), ViewOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"K0000000"}, handlesOf(view))

	live, ok := m.Live()
	require.True(t, ok)
	assert.Equal(t, FolderScope("A0000000"), live)

	// Known and populated now: no second fetch.
	_, err = m.Open(context.Background(), FolderScope("A0000000"), ViewOptions{})
	require.NoError(t, err)
	assert.Len(t, f.Calls(), 1)
}

func TestOpen_LastRequestWins(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var slow atomic.Bool
	f := FetcherFunc(func(_ context.Context, s Scope) ([]api.NodeDelta, error) {
		if s.ID == "SLOW0000" && slow.CompareAndSwap(false, true) {
			close(entered)
			<-release
		}
		return []api.NodeDelta{folderDelta(s.ID, graph.NoParent, s.ID, 1)}, nil
	})
	m := newTestMirror(t, func(o *Options) { o.Fetcher = f })

	errc := make(chan error, 1)
	go func() {
		_, err := m.Open(context.Background(), FolderScope("SLOW0000"), ViewOptions{})
		errc <- err
	}()
	<-entered

	_, err := m.Open(context.Background(), FolderScope("FAST0000"), ViewOptions{})
	require.NoError(t, err)
	close(release)

	assert.ErrorIs(t, <-errc, ErrSuperseded)
	live, _ := m.Live()
	assert.Equal(t, FolderScope("FAST0000"), live)
	_, err = m.Node("SLOW0000")
	assert.NoError(t, err, "data fetched by the superseded open is kept")
}

func TestOpen_SearchScope(t *testing.T) {
	store := durable.NewFlatStore(durable.NewMemKV(), nil)
	writer := newTestMirror(t, func(o *Options) { o.Store = store })
	apply(t, writer,
		folderDelta("R0000000", graph.NoParent, "root", 1),
		fileDelta("A0000000", "R0000000", "Report Q1.pdf", 2),
		fileDelta("B0000000", "R0000000", "notes.txt", 3),
		fileDelta("C0000000", "R0000000", "report-final.doc", 4),
	)

	m := newTestMirror(t, func(o *Options) { o.Store = store })
	_, err := m.Load(context.Background())
	require.NoError(t, err)

	view, err := m.Open(context.Background(), SearchScope("report"), ViewOptions{Less: ByName})
	require.NoError(t, err)
	assert.Equal(t, []string{"A0000000", "C0000000"}, handlesOf(view))
	assert.Equal(t, 4, m.Stats().Indexed)

	apply(t, m,
		api.NodeDelta{Handle: "B0000000", Name: api.Ptr("report notes.txt")},
		api.NodeDelta{Handle: "A0000000", Name: api.Ptr("summary.pdf")},
	)
	view = m.Materialize(SearchScope("report"), ViewOptions{})
	assert.Equal(t, []string{"B0000000", "C0000000"}, handlesOf(view), "matches use the current name")

	apply(t, m, api.NodeDelta{Handle: "C0000000", Tombstone: true})
	view = m.Materialize(SearchScope("*.txt"), ViewOptions{})
	assert.Equal(t, []string{"B0000000"}, handlesOf(view))
	assert.Empty(t, m.Materialize(SearchScope("final"), ViewOptions{}))
}
