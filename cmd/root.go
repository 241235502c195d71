package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/agentic-research/treemirror/internal/config"
	"github.com/agentic-research/treemirror/internal/durable"
	"github.com/agentic-research/treemirror/internal/logging"
	"github.com/agentic-research/treemirror/internal/mirror"
)

// Version is stamped at build time.
var Version = "dev"

var (
	configFile string
	v          = config.New()
	cfg        config.Config
	logger     = zap.NewNop()
)

var rootCmd = &cobra.Command{
	Use:           "treemirror",
	Short:         "Keep a local mirror of a remote file tree in step with its delta feed",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if cfg, err = config.Load(v, configFile); err != nil {
			return err
		}
		if logger, err = logging.New(cfg.LoggingConfig()); err != nil {
			return fmt.Errorf("build logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logger.Sync()
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&configFile, "config", "c", "", "Path to a config file (yaml, json or toml)")
	pf.String("store-path", "", "SQLite file holding the mirror (empty: in memory)")
	pf.String("store-fallback-path", "", "Fallback key-value file used when SQLite cannot be opened")
	pf.String("log-level", "", "Log level: debug, info, warn, error")
	pf.String("log-format", "", "Log format: json or console")
	pf.Int("search-page-size", 0, "Records read per search index page")
	pf.Int("search-ascending-max-iterations", 0, "Page cap of the ascending index phase")
	pf.Int("search-descending-max-iterations", 0, "Page cap of the descending index phase")
	pf.Duration("mirror-debounce-window", 0, "Quiet period before a touched folder is rebuilt")
	pf.Int("mirror-orphan-max-retries", 0, "Batches an orphan waits for its parent")
	if err := config.BindFlags(v, pf); err != nil {
		panic(err)
	}
}

// session is an opened store plus the mirror loaded from it.
type session struct {
	store  durable.Store
	mirror *mirror.Mirror
}

func openSession(ctx context.Context, opts mirror.Options) (*session, error) {
	so := cfg.StoreOptions()
	so.Logger = logger.Named("durable")
	store, err := durable.Open(ctx, so)
	if err != nil {
		return nil, err
	}

	opts.Config = cfg.MirrorSettings()
	opts.Store = store
	opts.Logger = logger.Named("mirror")
	m, err := mirror.New(opts)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	n, err := m.Load(ctx)
	if err != nil {
		_ = m.Close()
		_ = store.Close()
		return nil, fmt.Errorf("load mirror: %w", err)
	}
	logger.Debug("mirror loaded", zap.Int("nodes", n), zap.String("store", cfg.Store.Path))
	return &session{store: store, mirror: m}, nil
}

func (s *session) Close() error {
	_ = s.mirror.Close()
	return s.store.Close()
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
