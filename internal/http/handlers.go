package http

import (
	"net/http"
	"strconv"

	"github.com/fyrsmithlabs/corpusd/internal/graph"
	"github.com/fyrsmithlabs/corpusd/internal/ingest"
	"github.com/fyrsmithlabs/corpusd/internal/search"
	"github.com/fyrsmithlabs/corpusd/internal/tenant"
	"github.com/labstack/echo/v4"
)

// maxDeleteBatch bounds document IDs per delete request.
const maxDeleteBatch = 1000

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// EmbedRequest is the body of POST /tenants/:tenant/embed.
type EmbedRequest struct {
	ForceReembed bool `json:"force_reembed"`
}

// DeleteRequest is the body of POST /tenants/:tenant/embeddings/delete.
type DeleteRequest struct {
	DocumentIDs []string `json:"document_ids"`
}

// SearchRequest is the body of POST /tenants/:tenant/search. Validate
// defaults to true.
type SearchRequest struct {
	Query    string `json:"query"`
	TopK     int    `json:"top_k"`
	Validate *bool  `json:"validate"`
}

// GapAnswerRequest is the body of POST /tenants/:tenant/gap-answers.
type GapAnswerRequest struct {
	QuestionID string `json:"question_id"`
	Question   string `json:"question"`
	Answer     string `json:"answer"`
}

// BacklogResponse is the response of GET /tenants/:tenant/backlog.
type BacklogResponse struct {
	TenantID tenant.ID `json:"tenant_id"`
	Backlog  int       `json:"backlog"`
}

func tenantParam(c echo.Context) (tenant.ID, error) {
	return tenant.Parse(c.Param("tenant"))
}

func bind(c echo.Context, v any) error {
	if err := c.Bind(v); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	return nil
}

func (s *Server) handleHealth(c echo.Context) error {
	if s.svc.Ready != nil {
		if err := s.svc.Ready(c.Request().Context()); err != nil {
			return c.JSON(http.StatusServiceUnavailable, HealthResponse{Status: "unavailable", Error: err.Error()})
		}
	}
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) handleEmbed(c echo.Context) error {
	tid, err := tenantParam(c)
	if err != nil {
		return err
	}
	var req EmbedRequest
	if c.Request().ContentLength != 0 {
		if err := bind(c, &req); err != nil {
			return err
		}
	}
	report, err := s.svc.Ingest.EmbedTenantDocuments(c.Request().Context(), tid, req.ForceReembed)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, report)
}

func (s *Server) handleDelete(c echo.Context) error {
	tid, err := tenantParam(c)
	if err != nil {
		return err
	}
	var req DeleteRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	if len(req.DocumentIDs) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "document_ids is required")
	}
	if len(req.DocumentIDs) > maxDeleteBatch {
		return echo.NewHTTPError(http.StatusBadRequest, "at most "+strconv.Itoa(maxDeleteBatch)+" document_ids per request")
	}
	report, err := s.svc.Ingest.DeleteDocumentEmbeddings(c.Request().Context(), tid, req.DocumentIDs)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, report)
}

func (s *Server) handleSearch(c echo.Context) error {
	tid, err := tenantParam(c)
	if err != nil {
		return err
	}
	var req SearchRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	validate := true
	if req.Validate != nil {
		validate = *req.Validate
	}
	resp, err := s.svc.Search.Search(c.Request().Context(), search.Request{
		TenantID: tid,
		Query:    req.Query,
		TopK:     req.TopK,
		Validate: validate,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleGapAnswer(c echo.Context) error {
	tid, err := tenantParam(c)
	if err != nil {
		return err
	}
	var req GapAnswerRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	report, err := s.svc.Ingest.IndexGapAnswer(c.Request().Context(), ingest.GapAnswer{
		TenantID:   tid,
		QuestionID: req.QuestionID,
		Question:   req.Question,
		Answer:     req.Answer,
		AnsweredAt: s.now().UTC(),
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, report)
}

func (s *Server) handleBacklog(c echo.Context) error {
	tid, err := tenantParam(c)
	if err != nil {
		return err
	}
	n, err := s.svc.Backlog.BacklogCount(c.Request().Context(), tid)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, BacklogResponse{TenantID: tid, Backlog: n})
}

func (s *Server) handleJob(c echo.Context) error {
	tid, err := tenantParam(c)
	if err != nil {
		return err
	}
	if s.svc.Progress == nil {
		return echo.NewHTTPError(http.StatusNotFound, "job tracking is not enabled")
	}
	p, err := s.svc.Progress.Get(c.Request().Context(), tid, c.Param("job"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, p)
}

func (s *Server) graphStore() (*graph.Store, error) {
	if s.svc.Graph == nil {
		return nil, echo.NewHTTPError(http.StatusNotFound, "knowledge graph is not enabled")
	}
	return s.svc.Graph, nil
}

func (s *Server) handleGraphMerge(c echo.Context) error {
	tid, err := tenantParam(c)
	if err != nil {
		return err
	}
	g, err := s.graphStore()
	if err != nil {
		return err
	}
	var update graph.Update
	if err := bind(c, &update); err != nil {
		return err
	}
	res, err := g.Merge(c.Request().Context(), tid, update)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

func (s *Server) handleGraphEntities(c echo.Context) error {
	tid, err := tenantParam(c)
	if err != nil {
		return err
	}
	g, err := s.graphStore()
	if err != nil {
		return err
	}
	limit := 50
	if v := c.QueryParam("limit"); v != "" {
		limit, err = strconv.Atoi(v)
		if err != nil || limit <= 0 || limit > 1000 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be 1-1000")
		}
	}
	entities, err := g.TopEntities(c.Request().Context(), tid, limit)
	if err != nil {
		return err
	}
	if entities == nil {
		entities = []graph.Entity{}
	}
	return c.JSON(http.StatusOK, entities)
}

func (s *Server) handleGraphRelations(c echo.Context) error {
	tid, err := tenantParam(c)
	if err != nil {
		return err
	}
	g, err := s.graphStore()
	if err != nil {
		return err
	}
	rels, err := g.Relations(c.Request().Context(), tid, c.Param("name"))
	if err != nil {
		return err
	}
	if rels == nil {
		rels = []graph.Relation{}
	}
	return c.JSON(http.StatusOK, rels)
}
