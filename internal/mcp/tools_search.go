package mcp

import (
	"context"
	"fmt"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// ===== TOOL DISCOVERY =====

type toolSearchInput struct {
	Query    string `json:"query" jsonschema:"Substring or regular expression matched against tool names, descriptions and keywords"`
	Category string `json:"category,omitempty" jsonschema:"Restrict results to retrieval, ingest or discovery"`
	Limit    int    `json:"limit,omitempty" jsonschema:"Maximum results to return (default: 5)"`
}

type toolMatch struct {
	Name         string   `json:"name"`
	Description  string   `json:"description"`
	Category     string   `json:"category"`
	DeferLoading bool     `json:"defer_loading"`
	Keywords     []string `json:"keywords,omitempty"`
	Score        int      `json:"score"`
	MatchReason  string   `json:"match_reason"`
}

type toolSearchOutput struct {
	Query      string      `json:"query"`
	Results    []toolMatch `json:"results"`
	Count      int         `json:"count"`
	TotalTools int         `json:"total_tools"`
}

func (s *Server) registerSearchTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "tool_search",
		Description: "Search corpusd tools by name, description or keyword. Use it to find deferred tools such as delete_embeddings.",
		Meta:        s.toolMeta("tool_search"),
	}, instrumented(s, "tool_search", func(ctx context.Context, req *mcp.CallToolRequest, args toolSearchInput) (*mcp.CallToolResult, toolSearchOutput, error) {
		if args.Query == "" {
			return nil, toolSearchOutput{}, fmt.Errorf("%w: query is required", errInvalidArgument)
		}
		limit := args.Limit
		if limit <= 0 {
			limit = 5
		}

		matches := s.registry.Search(args.Query, ToolCategory(args.Category))
		if len(matches) > limit {
			matches = matches[:limit]
		}

		out := toolSearchOutput{
			Query:      args.Query,
			Results:    make([]toolMatch, 0, len(matches)),
			TotalTools: s.registry.Count(),
		}
		names := make([]string, 0, len(matches))
		for _, m := range matches {
			out.Results = append(out.Results, toolMatch{
				Name:         m.Tool.Name,
				Description:  m.Tool.Description,
				Category:     string(m.Tool.Category),
				DeferLoading: m.Tool.DeferLoading,
				Keywords:     m.Tool.Keywords,
				Score:        m.Score,
				MatchReason:  m.MatchReason,
			})
			names = append(names, m.Tool.Name)
		}
		out.Count = len(out.Results)

		text := fmt.Sprintf("No tools found matching: %s", args.Query)
		if len(names) > 0 {
			text = fmt.Sprintf("Found %d tool(s) for query '%s': %s", len(names), args.Query, strings.Join(names, ", "))
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: text}},
		}, out, nil
	}))
}
