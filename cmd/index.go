package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/agentic-research/treemirror/internal/mirror"
	"github.com/agentic-research/treemirror/internal/search"
)

var indexRounds int

func init() {
	indexCmd.Flags().IntVar(&indexRounds, "rounds", 1, "Build calls to make while the result stays incomplete")
	rootCmd.AddCommand(indexCmd)
}

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Build the name search index from the durable node table",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd.Context(), mirror.Options{})
		if err != nil {
			return err
		}
		defer func() { _ = s.Close() }()

		var res search.Result
		for i := 0; i < max(indexRounds, 1); i++ {
			if res, err = s.mirror.BuildIndex(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "round=%d status=%s pages=%d added=%d indexed=%d\n",
				i+1, res.Status, res.Pages, res.Added, res.Indexed)
			if res.Status != search.Incomplete {
				break
			}
		}
		return nil
	},
}
