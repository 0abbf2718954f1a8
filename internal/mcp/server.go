package mcp

import (
	"context"
	"errors"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/corpusd/internal/ingest"
	"github.com/fyrsmithlabs/corpusd/internal/search"
	"github.com/fyrsmithlabs/corpusd/internal/secrets"
	"github.com/fyrsmithlabs/corpusd/internal/tenant"
)

// BacklogCounter reports how many documents of a tenant await embedding.
type BacklogCounter interface {
	BacklogCount(ctx context.Context, tenantID tenant.ID) (int, error)
}

// Services are the corpusd services the tools call.
type Services struct {
	Ingest  *ingest.Service
	Search  search.Searcher
	Backlog BacklogCounter

	// Scrubber redacts tool output. Optional.
	Scrubber *secrets.Scrubber
}

// Server is an MCP server over the corpusd services.
type Server struct {
	mcp      *mcp.Server
	ingest   *ingest.Service
	search   search.Searcher
	backlog  BacklogCounter
	scrubber *secrets.Scrubber
	registry *ToolRegistry
	metrics  *Metrics
	logger   *zap.Logger
}

// Config configures the MCP server.
type Config struct {
	// Name is the server implementation name (default: "corpusd")
	Name string

	// Version is the server version (default: "dev")
	Version string

	// Logger for structured logging
	Logger *zap.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Name:    "corpusd",
		Version: "dev",
		Logger:  zap.NewNop(),
	}
}

// NewServer creates an MCP server and registers every tool.
func NewServer(cfg *Config, svc Services) (*Server, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Name == "" {
		cfg.Name = "corpusd"
	}
	if svc.Ingest == nil {
		return nil, errors.New("ingest service is required")
	}
	if svc.Search == nil {
		return nil, errors.New("search service is required")
	}
	if svc.Scrubber == nil {
		svc.Scrubber = secrets.Disabled()
	}

	s := &Server{
		mcp: mcp.NewServer(&mcp.Implementation{
			Name:    cfg.Name,
			Version: cfg.Version,
		}, nil),
		ingest:   svc.Ingest,
		search:   svc.Search,
		backlog:  svc.Backlog,
		scrubber: svc.Scrubber,
		registry: NewToolRegistry(),
		metrics:  NewMetrics(cfg.Logger),
		logger:   cfg.Logger,
	}
	s.registry.RegisterAll(builtinTools(svc.Backlog != nil))
	s.registerTools()
	return s, nil
}

// Run starts the MCP server on the stdio transport.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("starting MCP server on stdio transport",
		zap.Int("tools", s.registry.Count()))
	if err := s.mcp.Run(ctx, &mcp.StdioTransport{}); err != nil {
		return fmt.Errorf("server run failed: %w", err)
	}
	return nil
}

// Connect serves one session over t, for transports other than stdio.
func (s *Server) Connect(ctx context.Context, t mcp.Transport) (*mcp.ServerSession, error) {
	return s.mcp.Connect(ctx, t, nil)
}

// toolMeta marks tools the registry lists as deferred so clients can hide
// them until discovered through tool_search.
func (s *Server) toolMeta(name string) mcp.Meta {
	tool, ok := s.registry.Get(name)
	if !ok {
		return nil
	}
	return mcp.Meta{
		"category":      string(tool.Category),
		"defer_loading": tool.DeferLoading,
	}
}

// scrub redacts secrets. Output is withheld entirely when the scrubber
// cannot run.
func (s *Server) scrub(text string) string {
	out, err := s.scrubber.ScrubString(text)
	if err != nil {
		s.logger.Warn("scrubbing tool output failed", zap.Error(err))
		return "[REDACTED]"
	}
	return out
}
