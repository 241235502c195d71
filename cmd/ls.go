package cmd

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/agentic-research/treemirror/internal/graph"
	"github.com/agentic-research/treemirror/internal/mcpserver"
	"github.com/agentic-research/treemirror/internal/mirror"
)

var (
	lsSort         string
	lsDesc         bool
	lsFoldersFirst bool
)

func init() {
	for _, c := range []*cobra.Command{lsCmd, searchCmd} {
		c.Flags().StringVar(&lsSort, "sort", "name", "Sort order: handle, name, size or time")
		c.Flags().BoolVar(&lsDesc, "desc", false, "Reverse the sort order")
		c.Flags().BoolVar(&lsFoldersFirst, "folders-first", false, "List folders before files")
	}
	rootCmd.AddCommand(lsCmd, searchCmd, dupsCmd)
}

var lsCmd = &cobra.Command{
	Use:   "ls [scope]",
	Short: "List a folder handle or a virtual scope (shares, out-shares, public-links, file-requests)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		scope, err := mirror.ParseScope(args[0])
		if err != nil {
			return err
		}
		return listScope(cmd, scope)
	},
}

var searchCmd = &cobra.Command{
	Use:   "search [pattern]",
	Short: "Find nodes by name; patterns with * ? [ are globs, anything else a substring",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return listScope(cmd, mirror.SearchScope(args[0]))
	},
}

func listScope(cmd *cobra.Command, scope mirror.Scope) error {
	less, err := mirror.ParseOrder(lsSort, lsDesc, lsFoldersFirst)
	if err != nil {
		return err
	}
	s, err := openSession(cmd.Context(), mirror.Options{})
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	nodes, err := s.mirror.Open(cmd.Context(), scope, mirror.ViewOptions{Less: less})
	if err != nil {
		return err
	}
	writeNodes(cmd.OutOrStdout(), nodes)
	return nil
}

func writeNodes(w io.Writer, nodes []*graph.Node) {
	for _, n := range nodes {
		fmt.Fprintln(w, mcpserver.FormatNode(n))
	}
}

var dupsCmd = &cobra.Command{
	Use:   "dups [scope]",
	Short: "Report siblings sharing a name within a scope",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		scope, err := mirror.ParseScope(args[0])
		if err != nil {
			return err
		}
		s, err := openSession(cmd.Context(), mirror.Options{})
		if err != nil {
			return err
		}
		defer func() { _ = s.Close() }()

		d := s.mirror.FindDuplicates(scope)
		out := cmd.OutOrStdout()
		if d.Empty() {
			fmt.Fprintln(out, "no duplicates")
			return nil
		}
		writeGroups(out, "file", d.Files)
		writeGroups(out, "folder", d.Folders)
		return nil
	},
}

func writeGroups(w io.Writer, kind string, groups map[string][]string) {
	names := make([]string, 0, len(groups))
	for name := range groups {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "%s\t%s\t%s\n", kind, name, strings.Join(groups[name], ","))
	}
}
