package mirror

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentic-research/treemirror/internal/durable"
	"github.com/agentic-research/treemirror/internal/graph"
	"github.com/agentic-research/treemirror/internal/retry"
	"github.com/agentic-research/treemirror/internal/search"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openShared(t *testing.T, path string) *Mirror {
	t.Helper()
	s, err := durable.OpenSQLite(context.Background(), path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return newTestMirror(t, func(o *Options) {
		o.Store = s
		o.Config.Search = search.Config{PageSize: 4, AscendingMaxIterations: 2, DescendingMaxIterations: 2}
	})
}

// buildUntilComplete calls BuildIndex until it reports Complete.
func buildUntilComplete(t *testing.T, m *Mirror) search.Result {
	t.Helper()
	var res search.Result
	for i := 0; i < 20; i++ {
		var err error
		res, err = m.BuildIndex(context.Background())
		require.NoError(t, err)
		if res.Status == search.Complete {
			return res
		}
	}
	t.Fatalf("index still %s after 20 builds", res.Status)
	return res
}

func TestSharedSQLite_WritersThenReader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shared.db")
	ctx := context.Background()
	a, b := openShared(t, path), openShared(t, path)

	var wg sync.WaitGroup
	write := func(m *Mirror, root, prefix string) {
		defer wg.Done()
		_, err := m.Apply(ctx, batch(folderDelta(root, graph.NoParent, root, 1)))
		assert.NoError(t, err)
		for i := 0; i < 10; i++ {
			h := fmt.Sprintf("%s%06d", prefix, i)
			_, err := m.Apply(ctx, batch(fileDelta(h, root, fmt.Sprintf("%s-%d.txt", prefix, i), int64(i+2))))
			assert.NoError(t, err)
		}
	}
	wg.Add(2)
	go write(a, "RA000000", "FA")
	go write(b, "RB000000", "FB")
	wg.Wait()

	// Mirrors share the file, not their in-memory state.
	assert.Equal(t, 11, a.Stats().Nodes)
	assert.Equal(t, 11, b.Stats().Nodes)

	c := openShared(t, path)
	n, err := c.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 22, n)
	require.NoError(t, c.Verify())
	assert.Len(t, c.Materialize(FolderScope("RA000000"), ViewOptions{}), 10)
	assert.Len(t, c.Materialize(FolderScope("RB000000"), ViewOptions{}), 10)

	res, err := c.BuildIndex(ctx)
	require.NoError(t, err)
	require.Equal(t, search.Incomplete, res.Status, "22 records do not fit the page caps of one build")

	// A record newer than anything the descending phase has seen lands
	// while coverage is still converging.
	_, err = a.Apply(ctx, batch(fileDelta("FA000099", "RA000000", "late.txt", 1000)))
	require.NoError(t, err)

	res = buildUntilComplete(t, c)
	assert.Equal(t, 23, res.Indexed)
	for _, h := range []string{"RA000000", "RB000000", "FA000000", "FB000009", "FA000099"} {
		_, ok := c.index.Name(h)
		assert.True(t, ok, h)
	}
}

// flakyScanStore fails every node scan with a transient error.
type flakyScanStore struct {
	durable.Store
	scans atomic.Int32
}

func (s *flakyScanStore) ScanNodes(context.Context, durable.ScanRequest) ([]durable.NodeRecord, error) {
	s.scans.Add(1)
	return nil, retry.Retryable(errors.New("database is locked"))
}

func TestBuildIndex_UsesMirrorRetryPolicy(t *testing.T) {
	fs := &flakyScanStore{Store: durable.NewFlatStore(durable.NewMemKV(), nil)}
	m := newTestMirror(t, func(o *Options) {
		o.Store = fs
		o.Config.Retry = retry.Policy{MaxAttempts: 3, InitialWait: time.Millisecond, MaxWait: time.Millisecond}
	})

	res, err := m.BuildIndex(context.Background())
	require.Error(t, err)
	assert.True(t, retry.IsRetryable(err))
	assert.Equal(t, search.Incomplete, res.Status)
	assert.Equal(t, int32(3), fs.scans.Load())
}
