package mcp

import (
	"cmp"
	"regexp"
	"slices"
	"strings"
	"sync"
)

// ToolCategory represents the functional category of a tool.
type ToolCategory string

const (
	// CategoryRetrieval is for search and answer tools.
	CategoryRetrieval ToolCategory = "retrieval"
	// CategoryIngest is for embedding and deletion tools.
	CategoryIngest ToolCategory = "ingest"
	// CategoryDiscovery is for tool discovery (tool_search itself).
	CategoryDiscovery ToolCategory = "discovery"
)

// ToolMetadata describes a registered MCP tool.
type ToolMetadata struct {
	Name        string       `json:"name"`
	Description string       `json:"description"`
	Category    ToolCategory `json:"category"`

	// DeferLoading hides the tool until a client finds it via tool_search.
	DeferLoading bool `json:"defer_loading"`

	Keywords []string `json:"keywords,omitempty"`
}

// builtinTools is the metadata for every tool NewServer registers.
func builtinTools(withBacklog bool) []*ToolMetadata {
	tools := []*ToolMetadata{
		{
			Name:        "search_knowledge",
			Description: "Answer a question from a tenant's knowledge base with cited sources and a confidence score",
			Category:    CategoryRetrieval,
			Keywords:    []string{"query", "answer", "rag", "citations"},
		},
		{
			Name:        "embed_documents",
			Description: "Embed a tenant's pending documents into the vector index",
			Category:    CategoryIngest,
			Keywords:    []string{"index", "backlog", "reembed"},
		},
		{
			Name:         "delete_embeddings",
			Description:  "Remove documents and their embeddings from a tenant's index",
			Category:     CategoryIngest,
			DeferLoading: true,
			Keywords:     []string{"remove", "purge", "forget"},
		},
		{
			Name:         "answer_gap",
			Description:  "Index an answer to a question the knowledge base could not answer",
			Category:     CategoryIngest,
			DeferLoading: true,
			Keywords:     []string{"faq", "knowledge gap", "answer"},
		},
		{
			Name:        "tool_search",
			Description: "Find corpusd tools by name, description or keyword",
			Category:    CategoryDiscovery,
		},
	}
	if withBacklog {
		tools = append(tools, &ToolMetadata{
			Name:         "backlog_status",
			Description:  "Count a tenant's documents still waiting to be embedded",
			Category:     CategoryIngest,
			DeferLoading: true,
			Keywords:     []string{"pending", "queue"},
		})
	}
	return tools
}

// ToolRegistry holds metadata for registered tools so clients can discover
// them by search rather than loading every definition up front.
type ToolRegistry struct {
	mu    sync.RWMutex
	tools map[string]*ToolMetadata
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{tools: make(map[string]*ToolMetadata)}
}

// Register adds a tool, replacing any tool with the same name.
func (r *ToolRegistry) Register(tool *ToolMetadata) {
	if tool == nil || tool.Name == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name] = tool
}

// RegisterAll adds multiple tools.
func (r *ToolRegistry) RegisterAll(tools []*ToolMetadata) {
	for _, tool := range tools {
		r.Register(tool)
	}
}

// Get returns the metadata for a tool.
func (r *ToolRegistry) Get(name string) (*ToolMetadata, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// List returns every tool in category, or all tools when category is
// empty, sorted by name.
func (r *ToolRegistry) List(category ToolCategory) []*ToolMetadata {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*ToolMetadata, 0, len(r.tools))
	for _, tool := range r.tools {
		if category == "" || tool.Category == category {
			out = append(out, tool)
		}
	}
	slices.SortFunc(out, func(a, b *ToolMetadata) int { return cmp.Compare(a.Name, b.Name) })
	return out
}

// Count returns the number of registered tools.
func (r *ToolRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// SearchResult is one tool matching a search.
type SearchResult struct {
	Tool *ToolMetadata `json:"tool"`

	// Score is 3 for an exact name, 2 for a name match and 1 for a
	// description or keyword match.
	Score       int    `json:"score"`
	MatchReason string `json:"match_reason"`
}

// Search matches query case-insensitively against names, descriptions and
// keywords. A query that compiles as a regular expression also matches as
// a pattern. Results are ordered by score, then name.
func (r *ToolRegistry) Search(query string, category ToolCategory) []*SearchResult {
	if query == "" {
		return nil
	}
	q := strings.ToLower(query)
	re, err := regexp.Compile("(?i)" + query)
	if err != nil {
		re = nil
	}
	matches := func(s string) bool {
		return strings.Contains(strings.ToLower(s), q) || (re != nil && re.MatchString(s))
	}

	var results []*SearchResult
	for _, tool := range r.List(category) {
		switch {
		case strings.ToLower(tool.Name) == q:
			results = append(results, &SearchResult{Tool: tool, Score: 3, MatchReason: "exact name match"})
		case matches(tool.Name):
			results = append(results, &SearchResult{Tool: tool, Score: 2, MatchReason: "name matches query"})
		case matches(tool.Description):
			results = append(results, &SearchResult{Tool: tool, Score: 1, MatchReason: "description matches query"})
		case slices.ContainsFunc(tool.Keywords, matches):
			results = append(results, &SearchResult{Tool: tool, Score: 1, MatchReason: "keyword matches query"})
		}
	}
	// List is name-ordered, so a stable sort keeps ties alphabetical.
	slices.SortStableFunc(results, func(a, b *SearchResult) int { return cmp.Compare(b.Score, a.Score) })
	return results
}
