package mcp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/corpusd/internal/ingest"
	"github.com/fyrsmithlabs/corpusd/internal/search"
	"github.com/fyrsmithlabs/corpusd/internal/synthesis"
	"github.com/fyrsmithlabs/corpusd/internal/tenant"
)

const maxDeleteBatch = 1000

var errInvalidArgument = errors.New("invalid argument")

// instrumented wraps a tool handler with invocation metrics and a log line.
func instrumented[In, Out any](s *Server, name string, h mcp.ToolHandlerFor[In, Out]) mcp.ToolHandlerFor[In, Out] {
	return func(ctx context.Context, req *mcp.CallToolRequest, args In) (*mcp.CallToolResult, Out, error) {
		start := time.Now()
		s.metrics.IncrementActive(ctx, name)
		res, out, err := h(ctx, req, args)
		s.metrics.DecrementActive(ctx, name)
		s.metrics.RecordInvocation(ctx, name, time.Since(start), err)
		if err != nil {
			s.logger.Debug("tool failed", zap.String("tool", name), zap.Error(err))
		}
		return res, out, err
	}
}

func (s *Server) registerTools() {
	s.registerRetrievalTools()
	s.registerIngestTools()
	s.registerSearchTools()
}

// ===== RETRIEVAL TOOLS =====

type searchKnowledgeInput struct {
	TenantID string `json:"tenant_id" jsonschema:"Tenant whose knowledge base is searched"`
	Query    string `json:"query" jsonschema:"Natural language question"`
	TopK     int    `json:"top_k,omitempty" jsonschema:"Number of sources to return (default 5, max 50)"`
	Validate *bool  `json:"validate,omitempty" jsonschema:"Verify answer claims against sources (default true)"`
}

type sourceOutput struct {
	Citation       int     `json:"citation,omitempty" jsonschema:"Number used as [n] in the answer"`
	DocumentID     string  `json:"document_id"`
	ChunkID        string  `json:"chunk_id"`
	Title          string  `json:"title"`
	SourceType     string  `json:"source_type,omitempty"`
	Text           string  `json:"text"`
	RawScore       float64 `json:"raw_score"`
	FreshnessScore float64 `json:"freshness_score"`
	RerankScore    float64 `json:"rerank_score"`
	FinalRank      int     `json:"final_rank"`
	UpdatedAt      string  `json:"updated_at,omitempty" jsonschema:"RFC 3339 timestamp of the last document update"`
}

type searchKnowledgeOutput struct {
	Answer     string            `json:"answer"`
	Status     string            `json:"status" jsonschema:"verified, partial, unsupported, unverified, not_validated or no_matches"`
	Confidence float64           `json:"confidence" jsonschema:"Fraction of answer claims supported by cited sources"`
	NoMatches  bool              `json:"no_matches"`
	Degraded   []string          `json:"degraded,omitempty" jsonschema:"Pipeline stages that fell back"`
	Sources    []sourceOutput    `json:"sources"`
	Claims     []synthesis.Claim `json:"claims,omitempty"`
	Latency    search.Latency    `json:"latency_breakdown"`
}

func (s *Server) registerRetrievalTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "search_knowledge",
		Description: "Answer a question from a tenant's knowledge base. Returns an answer with [n] citations, the ranked sources, a confidence score and a per-stage latency breakdown.",
		Meta:        s.toolMeta("search_knowledge"),
	}, instrumented(s, "search_knowledge", func(ctx context.Context, req *mcp.CallToolRequest, args searchKnowledgeInput) (*mcp.CallToolResult, searchKnowledgeOutput, error) {
		tid, err := tenant.Parse(args.TenantID)
		if err != nil {
			return nil, searchKnowledgeOutput{}, err
		}
		validate := true
		if args.Validate != nil {
			validate = *args.Validate
		}

		resp, err := s.search.Search(ctx, search.Request{
			TenantID: tid,
			Query:    args.Query,
			TopK:     args.TopK,
			Validate: validate,
		})
		if err != nil {
			return nil, searchKnowledgeOutput{}, fmt.Errorf("search failed: %w", err)
		}

		out := searchKnowledgeOutput{
			Answer:     s.scrub(resp.Answer),
			Status:     resp.Status,
			Confidence: resp.Confidence,
			NoMatches:  resp.NoMatches,
			Degraded:   resp.Degraded,
			Sources:    make([]sourceOutput, 0, len(resp.Sources)),
			Claims:     resp.Claims,
			Latency:    resp.Latency,
		}
		for _, r := range resp.Sources {
			src := sourceOutput{
				Citation:       r.Citation,
				DocumentID:     r.DocumentID,
				ChunkID:        r.ChunkID,
				Title:          s.scrub(r.Title),
				SourceType:     r.SourceType,
				Text:           s.scrub(r.Text),
				RawScore:       r.RawScore,
				FreshnessScore: r.FreshnessScore,
				RerankScore:    r.RerankScore,
				FinalRank:      r.FinalRank,
			}
			if !r.UpdatedAt.IsZero() {
				src.UpdatedAt = r.UpdatedAt.UTC().Format(time.RFC3339)
			}
			out.Sources = append(out.Sources, src)
		}
		for i := range out.Claims {
			out.Claims[i].Text = s.scrub(out.Claims[i].Text)
		}

		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: formatAnswer(out)}},
		}, out, nil
	}))
}

// formatAnswer renders the answer followed by its cited sources.
func formatAnswer(out searchKnowledgeOutput) string {
	if out.NoMatches {
		return "No matching documents."
	}
	var b strings.Builder
	b.WriteString(out.Answer)
	fmt.Fprintf(&b, "\n\nconfidence: %.2f (%s)", out.Confidence, out.Status)
	for _, src := range out.Sources {
		if src.Citation == 0 {
			continue
		}
		fmt.Fprintf(&b, "\n[%d] %s (%s)", src.Citation, src.Title, src.DocumentID)
	}
	return b.String()
}

// ===== INGEST TOOLS =====

type embedDocumentsInput struct {
	TenantID     string `json:"tenant_id" jsonschema:"Tenant whose documents are embedded"`
	ForceReembed bool   `json:"force_reembed,omitempty" jsonschema:"Re-embed every live document, not only the backlog"`
}

type deleteEmbeddingsInput struct {
	TenantID    string   `json:"tenant_id" jsonschema:"Tenant owning the documents"`
	DocumentIDs []string `json:"document_ids" jsonschema:"Documents to remove (at most 1000)"`
}

type answerGapInput struct {
	TenantID   string `json:"tenant_id" jsonschema:"Tenant the answer belongs to"`
	QuestionID string `json:"question_id" jsonschema:"Stable identifier of the unanswered question"`
	Question   string `json:"question" jsonschema:"The question as asked"`
	Answer     string `json:"answer" jsonschema:"The expert answer to index"`
}

type backlogStatusInput struct {
	TenantID string `json:"tenant_id" jsonschema:"Tenant to inspect"`
}

type backlogStatusOutput struct {
	TenantID string `json:"tenant_id"`
	Backlog  int    `json:"backlog" jsonschema:"Documents waiting to be embedded"`
}

func reportText(verb string, r ingest.Report) string {
	return fmt.Sprintf("%s: embedded=%d skipped=%d failed=%d (job %s)", verb, r.Embedded, r.Skipped, r.Failed, r.JobID)
}

func (s *Server) registerIngestTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "embed_documents",
		Description: "Embed a tenant's pending documents into the vector index. Unchanged documents are skipped unless force_reembed is set. Per-document failures are reported without aborting the run.",
		Meta:        s.toolMeta("embed_documents"),
	}, instrumented(s, "embed_documents", func(ctx context.Context, req *mcp.CallToolRequest, args embedDocumentsInput) (*mcp.CallToolResult, ingest.Report, error) {
		tid, err := tenant.Parse(args.TenantID)
		if err != nil {
			return nil, ingest.Report{}, err
		}
		report, err := s.ingest.EmbedTenantDocuments(ctx, tid, args.ForceReembed)
		if err != nil {
			return nil, ingest.Report{}, fmt.Errorf("embedding failed: %w", err)
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: reportText("Embedding finished", report)}},
		}, report, nil
	}))

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "delete_embeddings",
		Description: "Delete documents from a tenant's corpus and remove their embeddings. Deleted documents never appear in later searches.",
		Meta:        s.toolMeta("delete_embeddings"),
	}, instrumented(s, "delete_embeddings", func(ctx context.Context, req *mcp.CallToolRequest, args deleteEmbeddingsInput) (*mcp.CallToolResult, ingest.DeleteReport, error) {
		tid, err := tenant.Parse(args.TenantID)
		if err != nil {
			return nil, ingest.DeleteReport{}, err
		}
		if len(args.DocumentIDs) > maxDeleteBatch {
			return nil, ingest.DeleteReport{}, fmt.Errorf("%w: at most %d document_ids per call", errInvalidArgument, maxDeleteBatch)
		}
		report, err := s.ingest.DeleteDocumentEmbeddings(ctx, tid, args.DocumentIDs)
		if err != nil {
			return nil, ingest.DeleteReport{}, fmt.Errorf("delete failed: %w", err)
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("Deleted %d document(s)", report.DeletedCount)}},
		}, report, nil
	}))

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "answer_gap",
		Description: "Store an expert answer to a question the knowledge base could not answer and embed it immediately.",
		Meta:        s.toolMeta("answer_gap"),
	}, instrumented(s, "answer_gap", func(ctx context.Context, req *mcp.CallToolRequest, args answerGapInput) (*mcp.CallToolResult, ingest.Report, error) {
		tid, err := tenant.Parse(args.TenantID)
		if err != nil {
			return nil, ingest.Report{}, err
		}
		report, err := s.ingest.IndexGapAnswer(ctx, ingest.GapAnswer{
			TenantID:   tid,
			QuestionID: args.QuestionID,
			Question:   args.Question,
			Answer:     args.Answer,
		})
		if err != nil {
			return nil, ingest.Report{}, fmt.Errorf("indexing gap answer failed: %w", err)
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: reportText("Gap answer indexed", report)}},
		}, report, nil
	}))

	if s.backlog == nil {
		return
	}
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "backlog_status",
		Description: "Count a tenant's documents that are stored but not yet embedded.",
		Meta:        s.toolMeta("backlog_status"),
	}, instrumented(s, "backlog_status", func(ctx context.Context, req *mcp.CallToolRequest, args backlogStatusInput) (*mcp.CallToolResult, backlogStatusOutput, error) {
		tid, err := tenant.Parse(args.TenantID)
		if err != nil {
			return nil, backlogStatusOutput{}, err
		}
		n, err := s.backlog.BacklogCount(ctx, tid)
		if err != nil {
			return nil, backlogStatusOutput{}, fmt.Errorf("counting backlog: %w", err)
		}
		out := backlogStatusOutput{TenantID: string(tid), Backlog: n}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("%d document(s) pending", n)}},
		}, out, nil
	}))
}
