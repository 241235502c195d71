// Package mirror keeps a local copy of a remote file/folder tree in step
// with the remote delta feed.
//
// A Mirror owns one node store with its adjacency and share indexes, the
// orphan buffer, the debounced subtree rebuild scheduler and the search
// index. Every change is written through to a durable.Store so the next
// session can Load instead of refetching. Mirrors share nothing with each
// other; several may use the same durable file.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentic-research/treemirror/api"
	"github.com/agentic-research/treemirror/internal/durable"
	"github.com/agentic-research/treemirror/internal/graph"
	"github.com/agentic-research/treemirror/internal/metrics"
	"github.com/agentic-research/treemirror/internal/retry"
	"github.com/agentic-research/treemirror/internal/search"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrSuperseded is returned by Open when a later Open replaced the live
	// scope before this one finished.
	ErrSuperseded = errors.New("mirror: superseded by a newer open")
	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("mirror: closed")
)

// SeqKey is the auxiliary record holding the last applied feed position.
const SeqKey = "mirror/seq"

// Config holds the mirror tunables.
type Config struct {
	DebounceWindow   time.Duration
	OrphanMaxRetries int
	Search           search.Config
	// Retry governs durable reads and writes, search index pages included.
	Retry retry.Policy
}

// DefaultConfig returns the tunables New falls back to for zero fields.
func DefaultConfig() Config {
	return Config{
		DebounceWindow:   2600 * time.Millisecond,
		OrphanMaxRetries: 5,
		Search:           search.DefaultConfig(),
		Retry:            retry.DefaultPolicy(),
	}
}

// Fetcher fulfils fetch requests. For a folder scope it returns deltas for
// the folder node and its direct children; for a virtual scope, deltas for
// the scope's members. Network access lives behind this interface.
type Fetcher interface {
	Fetch(ctx context.Context, scope Scope) ([]api.NodeDelta, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, scope Scope) ([]api.NodeDelta, error)

func (f FetcherFunc) Fetch(ctx context.Context, scope Scope) ([]api.NodeDelta, error) {
	return f(ctx, scope)
}

// Options configures New. Store is required.
type Options struct {
	Config  Config
	Store   durable.Store
	Fetcher Fetcher
	Logger  *zap.Logger
	// OnRebuild runs once per parent handle after its debounce window, on a
	// timer goroutine and outside the mirror lock.
	OnRebuild func(parent string)
}

// Mirror is safe for concurrent use. Operations are serialized by one
// mutex; fetches and search scans run without it.
type Mirror struct {
	mu     sync.Mutex
	cfg    Config
	log    *zap.Logger
	store  durable.Store
	fetch  Fetcher
	closed bool

	nodes    *graph.Store
	orphans  *orphanBuffer
	contacts map[string]struct{}
	// recent holds handles created or renamed this session. Search checks
	// them directly since the durable scan misses renames below its
	// watermark.
	recent map[string]struct{}

	live    Scope
	hasLive bool
	opens   atomic.Uint64

	index    *search.Index
	builder  *search.Builder
	rebuilds *Debouncer
	flights  singleflight.Group
}

// New returns an empty mirror. Call Load to hydrate it from the store.
func New(opts Options) (*Mirror, error) {
	if opts.Store == nil {
		return nil, errors.New("mirror: durable store required")
	}
	cfg := opts.Config
	def := DefaultConfig()
	if cfg.DebounceWindow <= 0 {
		cfg.DebounceWindow = def.DebounceWindow
	}
	if cfg.OrphanMaxRetries <= 0 {
		cfg.OrphanMaxRetries = def.OrphanMaxRetries
	}
	if cfg.Retry.MaxAttempts == 0 && cfg.Retry.InitialWait == 0 {
		cfg.Retry = def.Retry
	}
	cfg.Search.Retry = cfg.Retry
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	m := &Mirror{
		cfg:      cfg,
		log:      log,
		store:    opts.Store,
		fetch:    opts.Fetcher,
		nodes:    graph.NewStore(),
		orphans:  newOrphanBuffer(),
		contacts: make(map[string]struct{}),
		recent:   make(map[string]struct{}),
		index:    search.NewIndex(),
	}
	m.builder = search.NewBuilder(opts.Store, m.index, cfg.Search, log.Named("search"))

	onRebuild := opts.OnRebuild
	m.rebuilds = NewDebouncer(cfg.DebounceWindow, func(parent string) {
		metrics.RecordRebuild()
		log.Debug("subtree rebuild", zap.String("parent", parent))
		if onRebuild != nil {
			onRebuild(parent)
		}
	})
	return m, nil
}

// Load reads the persisted node table into memory, page by page in
// (timestamp, handle) order. Corrupt records are skipped. It returns the
// number of nodes loaded.
func (m *Mirror) Load(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}

	pageSize := m.cfg.Search.PageSize
	if pageSize <= 0 {
		pageSize = search.DefaultConfig().PageSize
	}
	loaded := 0
	var after *durable.Cursor
	for {
		page, err := retry.DoValue(ctx, m.cfg.Retry, func() ([]durable.NodeRecord, error) {
			return m.store.ScanNodes(ctx, durable.ScanRequest{After: after, Limit: pageSize})
		})
		if err != nil {
			return loaded, fmt.Errorf("load nodes: %w", err)
		}
		for _, rec := range page {
			n, err := graph.Decode(rec.Value)
			if err != nil {
				m.log.Warn("skipping corrupt cached node", zap.String("handle", rec.Handle), zap.Error(err))
				continue
			}
			m.nodes.Put(n)
			if n.Owner != "" {
				m.contacts[n.Owner] = struct{}{}
			}
			loaded++
		}
		if len(page) < pageSize {
			break
		}
		c := durable.CursorOf(page[len(page)-1])
		after = &c
	}
	metrics.SetNodes(m.nodes.Len())
	m.log.Info("mirror loaded from cache", zap.Int("nodes", loaded))
	return loaded, nil
}

// Apply applies one delta batch and reports what it affected. When the
// batch leaves the live scope needing a full refetch, or buffers orphans,
// and a Fetcher is configured, Apply requests the scope and the missing
// parents before returning; their effects are merged into the result.
func (m *Mirror) Apply(ctx context.Context, batch api.DeltaBatch) (Effects, error) {
	eff, err := m.applyBatch(ctx, batch.Deltas, batch.Seq, true)
	if err != nil || m.fetch == nil {
		return eff, err
	}

	if eff.RefetchLive {
		m.mu.Lock()
		live, ok := m.live, m.hasLive
		m.mu.Unlock()
		if ok {
			more, err := m.fetchAndApply(ctx, live)
			if err != nil {
				m.log.Warn("live scope refetch failed", zap.Stringer("scope", live), zap.Error(err))
			} else {
				eff.merge(more)
			}
		}
	}
	if len(eff.MissingParents) > 0 {
		more, err := m.Hydrate(ctx, eff.MissingParents)
		if err != nil {
			m.log.Warn("orphan parent hydration failed", zap.Strings("parents", eff.MissingParents), zap.Error(err))
		} else {
			eff.merge(more)
			eff.MissingParents = more.MissingParents
		}
	}
	return eff, nil
}

// Hydrate fetches the given folders through the Fetcher and applies the
// result, which retries any orphans waiting on them. Concurrent requests
// for the same handle share one fetch.
func (m *Mirror) Hydrate(ctx context.Context, parents []string) (Effects, error) {
	if m.fetch == nil {
		return Effects{}, errors.New("mirror: no fetcher configured")
	}
	var deltas []api.NodeDelta
	var errs []error
	for _, p := range parents {
		got, err := m.fetchScope(ctx, FolderScope(p))
		if err != nil {
			errs = append(errs, fmt.Errorf("hydrate %s: %w", p, err))
			continue
		}
		deltas = append(deltas, got...)
	}
	eff, err := m.applyBatch(ctx, deltas, "", false)
	if err != nil {
		return eff, err
	}
	return eff, errors.Join(errs...)
}

func (m *Mirror) fetchScope(ctx context.Context, scope Scope) ([]api.NodeDelta, error) {
	v, err, _ := m.flights.Do(scope.String(), func() (any, error) {
		return m.fetch.Fetch(ctx, scope)
	})
	if err != nil {
		return nil, err
	}
	return v.([]api.NodeDelta), nil
}

func (m *Mirror) fetchAndApply(ctx context.Context, scope Scope) (Effects, error) {
	deltas, err := m.fetchScope(ctx, scope)
	if err != nil {
		return Effects{}, err
	}
	return m.applyBatch(ctx, deltas, "", false)
}

// Open makes scope the live scope and returns its materialized view.
// Folder and virtual scopes are fetched first when local data looks
// insufficient; search scopes extend the search index instead. Opens are
// last-request-wins: if another Open starts before this one finishes, this
// one returns ErrSuperseded. Data it fetched is still applied.
func (m *Mirror) Open(ctx context.Context, scope Scope, opts ViewOptions) ([]*graph.Node, error) {
	seq := m.opens.Add(1)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	m.live, m.hasLive = scope, true
	needFetch := m.needsFetchLocked(scope)
	builder := m.builder
	m.mu.Unlock()

	switch {
	case scope.Kind == ScopeSearch:
		res, err := builder.Build(ctx)
		if err != nil && res.Status != search.Cancelled {
			m.log.Warn("search index build failed", zap.Error(err))
		}
		if res.Status == search.Incomplete {
			m.log.Info("search index incomplete, results may be partial", zap.Int("indexed", res.Indexed))
		}
	case needFetch && m.fetch != nil:
		if _, err := m.fetchAndApply(ctx, scope); err != nil {
			m.log.Warn("scope fetch failed, serving local data", zap.Stringer("scope", scope), zap.Error(err))
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m.opens.Load() != seq {
		return nil, ErrSuperseded
	}
	return m.Materialize(scope, opts), nil
}

// needsFetchLocked reports whether local data cannot be trusted to list
// scope. Must be called with m.mu held.
func (m *Mirror) needsFetchLocked(scope Scope) bool {
	switch scope.Kind {
	case ScopeSearch:
		return false
	case ScopeFolder:
		n, ok := m.nodes.Get(scope.ID)
		if !ok {
			return true
		}
		local := m.nodes.ChildCount(scope.ID)
		if local == 0 {
			return true
		}
		return n.Folder != nil && local < n.Folder.ChildCount
	default:
		return len(m.nodes.Members(scope.shareFlag())) == 0
	}
}

// Live returns the live scope, if any.
func (m *Mirror) Live() (Scope, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.live, m.hasLive
}

// Index returns the search index. It only grows until Reset.
func (m *Mirror) Index() *search.Index {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.index
}

// BuildIndex extends the search index without opening a search scope.
func (m *Mirror) BuildIndex(ctx context.Context) (search.Result, error) {
	m.mu.Lock()
	b := m.builder
	m.mu.Unlock()
	return b.Build(ctx)
}

// Node returns the node stored under handle.
func (m *Mirror) Node(handle string) (*graph.Node, error) {
	m.mu.Lock()
	n, ok := m.nodes.Get(handle)
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%s: %w", handle, graph.ErrNotFound)
	}
	return n, nil
}

// Verify checks the adjacency invariant.
func (m *Mirror) Verify() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nodes.Verify()
}

// Reset discards everything: in-memory nodes, orphans, pending rebuilds,
// the search index and the persisted node table and feed position.
func (m *Mirror) Reset(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	m.rebuilds.CancelAll()
	m.builder.Reset()
	m.nodes = graph.NewStore()
	m.orphans.clear()
	m.contacts = make(map[string]struct{})
	m.recent = make(map[string]struct{})
	m.hasLive = false
	m.live = Scope{}
	m.index = search.NewIndex()
	m.builder = search.NewBuilder(m.store, m.index, m.cfg.Search, m.log.Named("search"))
	metrics.SetNodes(0)
	metrics.SetOrphans(0)

	if err := m.store.ClearNodes(ctx); err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	if err := m.store.Delete(ctx, SeqKey); err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	m.log.Info("mirror reset")
	return nil
}

// Seq returns the feed position stored by the last batch that carried one,
// or "" when none was stored.
func (m *Mirror) Seq(ctx context.Context) (string, error) {
	var seq string
	err := durable.GetJSON(ctx, m.store, SeqKey, &seq)
	if errors.Is(err, durable.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read seq: %w", err)
	}
	return seq, nil
}

// Stats is a point-in-time summary of mirror state.
type Stats struct {
	Nodes           int    `json:"nodes"`
	Orphans         int    `json:"orphans"`
	PendingRebuilds int    `json:"pending_rebuilds"`
	Indexed         int    `json:"indexed"`
	Live            string `json:"live,omitempty"`
}

// Stats reports current counts. It does not touch the store.
func (m *Mirror) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Stats{
		Nodes:           m.nodes.Len(),
		Orphans:         m.orphans.len(),
		PendingRebuilds: len(m.rebuilds.Pending()),
		Indexed:         m.index.Len(),
	}
	if m.hasLive {
		s.Live = m.live.String()
	}
	return s
}

// Close stops pending rebuilds. The durable store stays open; it belongs
// to the caller.
func (m *Mirror) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	m.rebuilds.Stop()
	return nil
}
