// Package mcpserver exposes a mirror's views as MCP tools.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/agentic-research/treemirror/internal/graph"
	"github.com/agentic-research/treemirror/internal/mirror"
)

// New returns an MCP server with every mirror tool registered.
func New(m *mirror.Mirror, version string) *server.MCPServer {
	s := server.NewMCPServer("treemirror", version, server.WithToolCapabilities(true))
	Register(s, m)
	return s
}

// Register adds the mirror tools to s.
func Register(s *server.MCPServer, m *mirror.Mirror) {
	s.AddTool(listTool(), listHandler(m))
	s.AddTool(searchTool(), searchHandler(m))
	s.AddTool(dupsTool(), dupsHandler(m))
	s.AddTool(statsTool(), statsHandler(m))
}

// --- list_scope ---

func listTool() mcp.Tool {
	return mcp.NewTool("list_scope",
		mcp.WithDescription("List the nodes of a scope: a folder handle, or one of shares, out-shares, public-links, file-requests."),
		mcp.WithString("scope",
			mcp.Description("Folder handle or virtual scope name"),
			mcp.Required(),
		),
		mcp.WithString("sort",
			mcp.Description("Sort order: handle, name, size or time"),
		),
		mcp.WithBoolean("desc",
			mcp.Description("Reverse the sort order"),
		),
		mcp.WithBoolean("folders_first",
			mcp.Description("List folders before files"),
		),
	)
}

func listHandler(m *mirror.Mirror) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		raw := req.GetString("scope", "")
		if raw == "" {
			return toolError(fmt.Errorf("scope is required"))
		}
		scope, err := mirror.ParseScope(raw)
		if err != nil {
			return toolError(err)
		}
		less, err := mirror.ParseOrder(req.GetString("sort", ""), req.GetBool("desc", false), req.GetBool("folders_first", false))
		if err != nil {
			return toolError(err)
		}
		nodes, err := m.Open(ctx, scope, mirror.ViewOptions{Less: less})
		if err != nil {
			return toolError(err)
		}
		return formatNodes(nodes)
	}
}

// --- search ---

func searchTool() mcp.Tool {
	return mcp.NewTool("search",
		mcp.WithDescription("Find nodes by name. A pattern containing * ? or [ is a glob, anything else a case-insensitive substring."),
		mcp.WithString("query",
			mcp.Description("Name pattern"),
			mcp.Required(),
		),
	)
}

func searchHandler(m *mirror.Mirror) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query := req.GetString("query", "")
		if strings.TrimSpace(query) == "" {
			return toolError(fmt.Errorf("query is required"))
		}
		nodes, err := m.Open(ctx, mirror.SearchScope(query), mirror.ViewOptions{Less: mirror.ByName})
		if err != nil {
			return toolError(err)
		}
		return formatNodes(nodes)
	}
}

// --- find_duplicates ---

func dupsTool() mcp.Tool {
	return mcp.NewTool("find_duplicates",
		mcp.WithDescription("Report siblings in a scope that share a name, files and folders separately."),
		mcp.WithString("scope",
			mcp.Description("Folder handle or virtual scope name"),
			mcp.Required(),
		),
	)
}

func dupsHandler(m *mirror.Mirror) server.ToolHandlerFunc {
	return func(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		scope, err := mirror.ParseScope(req.GetString("scope", ""))
		if err != nil {
			return toolError(err)
		}
		d := m.FindDuplicates(scope)
		if d.Empty() {
			return mcp.NewToolResultText("No duplicates found."), nil
		}
		var sb strings.Builder
		writeGroups(&sb, "file", d.Files)
		writeGroups(&sb, "folder", d.Folders)
		return mcp.NewToolResultText(sb.String()), nil
	}
}

func writeGroups(sb *strings.Builder, kind string, groups map[string][]string) {
	names := make([]string, 0, len(groups))
	for name := range groups {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(sb, "%s %q: %s\n", kind, name, strings.Join(groups[name], ", "))
	}
}

// --- stats ---

func statsTool() mcp.Tool {
	return mcp.NewTool("stats",
		mcp.WithDescription("Report node, orphan and index counts of the mirror."),
	)
}

func statsHandler(m *mirror.Mirror) server.ToolHandlerFunc {
	return func(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		data, err := json.MarshalIndent(m.Stats(), "", "  ")
		if err != nil {
			return toolError(err)
		}
		return mcp.NewToolResultText(string(data)), nil
	}
}

// --- helpers ---

func toolError(err error) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultError(err.Error()), nil
}

func formatNodes(nodes []*graph.Node) (*mcp.CallToolResult, error) {
	if len(nodes) == 0 {
		return mcp.NewToolResultText("No nodes found."), nil
	}
	var sb strings.Builder
	for _, n := range nodes {
		fmt.Fprintln(&sb, FormatNode(n))
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// FormatNode renders one listing line: handle, kind, size, timestamp, name.
func FormatNode(n *graph.Node) string {
	name := n.Name
	if !n.Named() {
		name = "[undecrypted]"
	}
	if n.IsFolder() {
		return fmt.Sprintf("%s  %-6s  %10s  %d  %s/", n.Handle, n.Kind(), "-", n.Timestamp, name)
	}
	return fmt.Sprintf("%s  %-6s  %10d  %d  %s", n.Handle, n.Kind(), n.Size(), n.Timestamp, name)
}
