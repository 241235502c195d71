package cmd

import (
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/agentic-research/treemirror/internal/mcpserver"
	"github.com/agentic-research/treemirror/internal/mirror"
)

func init() {
	rootCmd.AddCommand(mcpCmd)
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the mirror as MCP tools over stdio",
	Long: `Serve list_scope, search, find_duplicates and stats over stdio.
When feed.url is configured the mirror follows the live feed meanwhile.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		s, err := openSession(ctx, mirror.Options{})
		if err != nil {
			return err
		}
		defer func() { _ = s.Close() }()

		if cfg.Feed.URL != "" {
			go func() {
				if err := follow(ctx, s.mirror, cfg.Feed.URL); err != nil {
					logger.Error("feed stopped", zap.Error(err))
				}
			}()
		}
		return server.ServeStdio(mcpserver.New(s.mirror, Version))
	},
}
