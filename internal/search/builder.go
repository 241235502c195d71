package search

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/agentic-research/treemirror/internal/durable"
	"github.com/agentic-research/treemirror/internal/graph"
	"github.com/agentic-research/treemirror/internal/metrics"
	"github.com/agentic-research/treemirror/internal/retry"
	"go.uber.org/zap"
)

// Config bounds a build.
type Config struct {
	PageSize int
	// AscendingMaxIterations and DescendingMaxIterations cap the pages each
	// phase reads per Build. They are heuristics: skewed timestamp
	// distributions can exhaust them, in which case Build reports
	// Incomplete and the next call picks up where this one stopped.
	AscendingMaxIterations  int
	DescendingMaxIterations int
	// Retry governs page reads that fail with a transient store error.
	Retry retry.Policy
}

// DefaultConfig returns the page size and phase caps used when a field is
// left zero.
func DefaultConfig() Config {
	return Config{
		PageSize:                16384,
		AscendingMaxIterations:  128,
		DescendingMaxIterations: 32,
		Retry:                   retry.DefaultPolicy(),
	}
}

// Status is the outcome of one Build.
type Status int

const (
	Complete Status = iota
	Incomplete
	Cancelled
)

func (s Status) String() string {
	switch s {
	case Complete:
		return "complete"
	case Incomplete:
		return "incomplete"
	case Cancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Result summarizes one Build.
type Result struct {
	Status  Status
	Pages   int // pages read by this call
	Added   int // handles newly indexed by this call
	Indexed int // index size afterwards
}

// Builder fills an Index from the durable node table with a bidirectional
// scan. Coverage is tracked with two watermarks: the ascending phase has
// seen everything at or below low, the descending phase everything between
// high and top. Once the two meet, low moves up to top and an ascending scan
// picks up whatever was written above it; coverage is complete when that
// scan reaches the end of the table.
type Builder struct {
	store durable.Store
	index *Index
	cfg   Config
	log   *zap.Logger

	gen atomic.Uint64 // bumped by every Build; older builds yield
	mu  sync.Mutex    // one build touches the watermarks at a time

	low  *durable.Cursor
	high *durable.Cursor
	top  *durable.Cursor
}

// NewBuilder returns a builder over store with no coverage recorded. Zero
// fields of cfg take their DefaultConfig values.
func NewBuilder(store durable.Store, index *Index, cfg Config, log *zap.Logger) *Builder {
	def := DefaultConfig()
	if cfg.PageSize <= 0 {
		cfg.PageSize = def.PageSize
	}
	if cfg.AscendingMaxIterations <= 0 {
		cfg.AscendingMaxIterations = def.AscendingMaxIterations
	}
	if cfg.DescendingMaxIterations <= 0 {
		cfg.DescendingMaxIterations = def.DescendingMaxIterations
	}
	if cfg.Retry == (retry.Policy{}) {
		cfg.Retry = def.Retry
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Builder{
		store: store,
		index: index,
		cfg:   cfg,
		log:   log,
	}
}

// Index returns the index this builder fills.
func (b *Builder) Index() *Index { return b.index }

// Reset forgets coverage so the next Build rescans from both ends. The
// index itself is kept.
func (b *Builder) Reset() {
	b.gen.Add(1)
	b.mu.Lock()
	b.low, b.high, b.top = nil, nil, nil
	b.mu.Unlock()
}

// Build extends the index. It is safe to call repeatedly: every call
// resumes from the recorded watermarks, and a call on a fully covered table
// only reads records newer than the last one seen.
//
// A later Build supersedes an in-flight one, which stops at its next page
// boundary with Cancelled and a nil error. Context cancellation also yields
// Cancelled, with the context's error. Everything indexed before stopping
// is kept.
func (b *Builder) Build(ctx context.Context) (Result, error) {
	gen := b.gen.Add(1)
	b.mu.Lock()
	defer b.mu.Unlock()

	run := &buildRun{b: b, ctx: ctx, gen: gen}
	res, err := run.exec()
	res.Added = run.added
	res.Pages = run.pages
	res.Indexed = b.index.Len()

	metrics.RecordSearchBuild(res.Status.String())
	b.log.Debug("search index build",
		zap.Stringer("status", res.Status),
		zap.Int("pages", res.Pages),
		zap.Int("added", res.Added),
		zap.Int("indexed", res.Indexed),
	)
	return res, err
}

type buildRun struct {
	b     *Builder
	ctx   context.Context
	gen   uint64
	pages int
	added int
}

// stopped is the cooperative cancellation point, checked before every page.
func (r *buildRun) stopped() bool {
	return r.ctx.Err() != nil || r.b.gen.Load() != r.gen
}

func (r *buildRun) exec() (Result, error) {
	if res, done, err := r.ascend(false); done {
		return res, err
	}
	b := r.b

	for i := 0; i < b.cfg.DescendingMaxIterations; i++ {
		if r.stopped() {
			return Result{Status: Cancelled}, r.ctx.Err()
		}
		page, err := r.scan(durable.ScanRequest{After: b.high, Descending: true, Limit: b.cfg.PageSize})
		if err != nil {
			return Result{Status: Incomplete}, err
		}
		metrics.RecordSearchPage("desc")

		overlap, met := false, false
		for _, rec := range page {
			c := durable.CursorOf(rec)
			if b.low != nil && !b.low.Less(c) {
				met = true
				break
			}
			if b.top == nil {
				b.top = &c
			}
			if r.take(rec) {
				overlap = true
			}
			b.high = &c
		}
		if met || len(page) < b.cfg.PageSize {
			// Met ascending coverage or hit the bottom of the table. Records
			// written above top since this phase began are still unread.
			b.converge()
			res, _, err := r.ascend(true)
			return res, err
		}
		if overlap {
			break
		}
	}
	return Result{Status: Incomplete}, nil
}

// ascend scans upward from low and reports whether the build is over. Once
// coverage has converged it runs to the top of the table or the page cap,
// ignoring overlap.
func (r *buildRun) ascend(converged bool) (Result, bool, error) {
	b := r.b
	for i := 0; i < b.cfg.AscendingMaxIterations; i++ {
		if r.stopped() {
			return Result{Status: Cancelled}, true, r.ctx.Err()
		}
		page, err := r.scan(durable.ScanRequest{After: b.low, Limit: b.cfg.PageSize})
		if err != nil {
			return Result{Status: Incomplete}, true, err
		}
		metrics.RecordSearchPage("asc")

		overlap, met := false, false
		for _, rec := range page {
			c := durable.CursorOf(rec)
			if b.high != nil && !c.Less(*b.high) {
				met = true
				break
			}
			if r.take(rec) {
				overlap = true
			}
			b.low = &c
		}
		if met {
			// Everything up to top is covered; carry on above it.
			b.converge()
			converged = true
			continue
		}
		if len(page) < b.cfg.PageSize {
			b.high, b.top = nil, nil
			return Result{Status: Complete}, true, nil
		}
		if overlap && !converged {
			return Result{}, false, nil
		}
	}
	if converged {
		return Result{Status: Incomplete}, true, nil
	}
	return Result{}, false, nil
}

// converge merges descending coverage into the ascending watermark. It must
// only run once everything up to top has been read.
func (b *Builder) converge() {
	if b.top != nil {
		t := *b.top
		b.low = &t
	}
	b.high, b.top = nil, nil
}

func (r *buildRun) scan(req durable.ScanRequest) ([]durable.NodeRecord, error) {
	r.pages++
	return retry.DoValue(r.ctx, r.b.cfg.Retry, func() ([]durable.NodeRecord, error) {
		return r.b.store.ScanNodes(r.ctx, req)
	})
}

// take indexes rec when it is a live named node and reports whether the
// handle was already indexed.
func (r *buildRun) take(rec durable.NodeRecord) bool {
	seen := r.b.index.Has(rec.Handle)
	n, err := graph.Decode(rec.Value)
	if err != nil {
		r.b.log.Warn("skipping corrupt node record", zap.String("handle", rec.Handle), zap.Error(err))
		return seen
	}
	if n.Versioned() || !n.Named() {
		return seen
	}
	r.b.index.Add(n.Handle, n.Name)
	if !seen {
		r.added++
	}
	return seen
}
