package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/agentic-research/treemirror/internal/feed"
	"github.com/agentic-research/treemirror/internal/metrics"
	"github.com/agentic-research/treemirror/internal/mirror"
)

var replayReset bool

func init() {
	replayCmd.Flags().BoolVar(&replayReset, "reset", false, "Discard the mirror before replaying")
	rootCmd.AddCommand(replayCmd)
}

var replayCmd = &cobra.Command{
	Use:   "replay [batches.jsonl...]",
	Short: "Apply recorded delta batches (JSON Lines, one batch per line) to the mirror",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		s, err := openSession(ctx, mirror.Options{})
		if err != nil {
			return err
		}
		defer func() { _ = s.Close() }()

		if replayReset {
			if err := s.mirror.Reset(ctx); err != nil {
				return err
			}
		}

		var total mirror.Effects
		batches := 0
		for _, path := range args {
			f, err := os.Open(path)
			if err != nil {
				return fmt.Errorf("open %s: %w", path, err)
			}
			err = feed.ReadBatches(f, func(d feed.Decoded) error {
				reportRejected(d)
				if d.Unusable() {
					total.Skipped += len(d.Rejected)
					return nil
				}
				eff, err := s.mirror.Apply(ctx, d.Batch)
				if err != nil {
					return err
				}
				batches++
				total.Applied += eff.Applied
				total.Skipped += eff.Skipped + len(d.Rejected)
				total.DroppedOrphans += eff.DroppedOrphans
				return nil
			})
			_ = f.Close()
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
		}

		st := s.mirror.Stats()
		fmt.Fprintf(cmd.OutOrStdout(), "batches=%d applied=%d skipped=%d orphaned=%d dropped=%d nodes=%d\n",
			batches, total.Applied, total.Skipped, st.Orphans, total.DroppedOrphans, st.Nodes)
		return nil
	},
}

// reportRejected logs records the decoder could not use. They never reach
// the applier, so they are counted as skipped here.
func reportRejected(d feed.Decoded) {
	if len(d.Rejected) == 0 {
		return
	}
	metrics.RecordSkipped(len(d.Rejected))
	for _, r := range d.Rejected {
		logger.Warn("rejected delta record", zap.String("seq", d.Batch.Seq), zap.Int("index", r.Index), zap.Error(r.Err))
	}
}
