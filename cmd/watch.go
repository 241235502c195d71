package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/agentic-research/treemirror/internal/config"
	"github.com/agentic-research/treemirror/internal/feed"
	"github.com/agentic-research/treemirror/internal/metrics"
	"github.com/agentic-research/treemirror/internal/mirror"
)

func init() {
	watchCmd.Flags().String("feed-url", "", "Server-Sent Events endpoint streaming delta batches")
	watchCmd.Flags().String("metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
	if err := config.BindFlags(v, watchCmd.Flags()); err != nil {
		panic(err)
	}
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow the live delta feed and keep the mirror current",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.Feed.URL == "" {
			return errors.New("feed.url is not set")
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		s, err := openSession(ctx, mirror.Options{
			OnRebuild: func(parent string) {
				logger.Debug("folder settled", zap.String("parent", parent))
			},
		})
		if err != nil {
			return err
		}
		defer func() { _ = s.Close() }()

		if cfg.Metrics.Addr != "" {
			srv := serveMetrics(cfg.Metrics.Addr)
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = srv.Shutdown(shutdownCtx)
			}()
		}
		return follow(ctx, s.mirror, cfg.Feed.URL)
	},
}

// follow applies batches from the feed at url until ctx is done. The
// subscription resumes from the last persisted sequence.
func follow(ctx context.Context, m *mirror.Mirror, url string) error {
	sub := feed.NewSubscriber(url, nil, logger.Named("feed"))
	seq, err := m.Seq(ctx)
	if err != nil {
		return err
	}
	if seq != "" {
		sub.Resume(seq)
	}

	batches, errs := sub.Subscribe(ctx)
	for {
		select {
		case d, ok := <-batches:
			if !ok {
				return nil
			}
			reportRejected(d)
			eff, err := m.Apply(ctx, d.Batch)
			if err != nil {
				if errors.Is(err, mirror.ErrClosed) || ctx.Err() != nil {
					return nil
				}
				return err
			}
			logger.Debug("batch applied",
				zap.String("seq", d.Batch.Seq),
				zap.Int("applied", eff.Applied),
				zap.Bool("live_dirty", eff.LiveDirty),
				zap.Strings("touched", eff.TouchedParents))
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			logger.Debug("feed error", zap.Error(err))
		}
	}
}

func serveMetrics(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server stopped", zap.String("addr", addr), zap.Error(err))
		}
	}()
	logger.Info("serving metrics", zap.String("addr", fmt.Sprintf("http://%s/metrics", addr)))
	return srv
}
