package durable

import (
	"context"
	"fmt"

	"github.com/agentic-research/treemirror/internal/metrics"
	"github.com/agentic-research/treemirror/internal/retry"
	"go.uber.org/zap"
)

// Options configures Open.
type Options struct {
	// Path of the SQLite file. Empty selects the in-memory fallback.
	Path string
	// FallbackPath of the bbolt file used when Path cannot be opened.
	// Defaults to Path + ".kv".
	FallbackPath string
	Retry        retry.Policy
	Logger       *zap.Logger
}

// Open returns the primary backend when it can be opened, retrying
// transient failures, and the flat fallback otherwise. It only fails when
// neither backend is usable.
func Open(ctx context.Context, opts Options) (Store, error) {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	if opts.Path == "" {
		log.Info("durable store: using in-memory backend")
		return NewFlatStore(NewMemKV(), log), nil
	}

	primary, perr := retry.DoValue(ctx, opts.Retry, func() (*SQLiteStore, error) {
		return OpenSQLite(ctx, opts.Path)
	})
	if perr == nil {
		log.Debug("durable store: sqlite", zap.String("path", opts.Path))
		return primary, nil
	}

	fallback := opts.FallbackPath
	if fallback == "" {
		fallback = opts.Path + ".kv"
	}
	log.Warn("durable store: primary unavailable, falling back",
		zap.String("path", opts.Path),
		zap.String("fallback", fallback),
		zap.Error(perr),
	)
	metrics.RecordFallback()

	kv, ferr := OpenBolt(fallback)
	if ferr != nil {
		return nil, fmt.Errorf("%w: primary: %v; fallback: %v", ErrUnavailable, perr, ferr)
	}
	return NewFlatStore(kv, log), nil
}
