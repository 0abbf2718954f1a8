package http

import (
	"context"
	"errors"
	"net/http"

	"github.com/fyrsmithlabs/corpusd/internal/embeddings"
	"github.com/fyrsmithlabs/corpusd/internal/graph"
	"github.com/fyrsmithlabs/corpusd/internal/ingest"
	"github.com/fyrsmithlabs/corpusd/internal/retrieval"
	"github.com/fyrsmithlabs/corpusd/internal/search"
	"github.com/fyrsmithlabs/corpusd/internal/statestore"
	"github.com/fyrsmithlabs/corpusd/internal/synthesis"
	"github.com/fyrsmithlabs/corpusd/internal/tenant"
	"github.com/fyrsmithlabs/corpusd/internal/vectorindex"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// Stable error codes returned in ErrorBody.
const (
	CodeInvalidTenant       = "invalid_tenant"
	CodeInvalidRequest      = "invalid_request"
	CodeNotFound            = "not_found"
	CodeProviderUnavailable = "provider_unavailable"
	CodeIndexUnavailable    = "index_unavailable"
	CodeTimeout             = "timeout"
	CodeInternal            = "internal"
)

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail describes one error.
type ErrorDetail struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// classify maps a service error to a status and code. Index failures are
// checked before provider failures because a failed retrieval wraps both.
func classify(err error) (int, string) {
	var he *echo.HTTPError
	switch {
	case errors.As(err, &he):
		code := CodeInternal
		switch {
		case he.Code == http.StatusNotFound:
			code = CodeNotFound
		case he.Code < 500:
			code = CodeInvalidRequest
		}
		return he.Code, code
	case errors.Is(err, tenant.ErrMissingTenant), errors.Is(err, tenant.ErrInvalidTenant):
		return http.StatusBadRequest, CodeInvalidTenant
	case errors.Is(err, search.ErrEmptyQuery),
		errors.Is(err, ingest.ErrInvalidGapAnswer),
		errors.Is(err, graph.ErrEmptyEntity),
		errors.Is(err, graph.ErrEmptyRelation):
		return http.StatusBadRequest, CodeInvalidRequest
	case errors.Is(err, statestore.ErrNotFound):
		return http.StatusNotFound, CodeNotFound
	case errors.Is(err, vectorindex.ErrIndex), errors.Is(err, retrieval.ErrRetrieval):
		return http.StatusServiceUnavailable, CodeIndexUnavailable
	case errors.Is(err, embeddings.ErrProvider), errors.Is(err, synthesis.ErrGeneration):
		return http.StatusBadGateway, CodeProviderUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, CodeTimeout
	default:
		return http.StatusInternalServerError, CodeInternal
	}
}

// handleError is the echo error handler. Internal error text is logged,
// never returned.
func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	status, code := classify(err)

	msg := http.StatusText(status)
	var he *echo.HTTPError
	switch {
	case errors.As(err, &he):
		if m, ok := he.Message.(string); ok {
			msg = m
		}
	case status < 500:
		msg = err.Error()
	}

	ctx := c.Request().Context()
	if status >= 500 {
		s.logger.Error(ctx, "request failed", zap.String("code", code), zap.Error(err))
	} else {
		s.logger.Debug(ctx, "request rejected", zap.String("code", code), zap.Error(err))
	}

	body := ErrorBody{Error: ErrorDetail{
		Code:      code,
		Message:   msg,
		RequestID: c.Response().Header().Get(echo.HeaderXRequestID),
	}}
	if c.Request().Method == http.MethodHead {
		err = c.NoContent(status)
	} else {
		err = c.JSON(status, body)
	}
	if err != nil {
		s.logger.Warn(ctx, "writing error response", zap.Error(err))
	}
}
