package http

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const httpInstrumentationName = "github.com/fyrsmithlabs/corpusd/internal/http"

// Operation labels. Tenant IDs and other path values never become labels.
const (
	opEmbed          = "embed"
	opDelete         = "delete_embeddings"
	opSearch         = "search"
	opGapAnswer      = "gap_answer"
	opBacklog        = "backlog"
	opJob            = "job_status"
	opGraphMerge     = "graph_merge"
	opGraphEntities  = "graph_entities"
	opGraphRelations = "graph_relations"
	opHandshake      = "oauth_handshake"
	opOAuthCallback  = "oauth_callback"
	opHealth         = "health"
	opUnmatched      = "unmatched"
)

// operations maps route templates to operation labels.
var operations = map[string]string{
	"/health":                                                 opHealth,
	"/api/v1/tenants/:tenant/embed":                           opEmbed,
	"/api/v1/tenants/:tenant/embeddings/delete":               opDelete,
	"/api/v1/tenants/:tenant/search":                          opSearch,
	"/api/v1/tenants/:tenant/gap-answers":                     opGapAnswer,
	"/api/v1/tenants/:tenant/backlog":                         opBacklog,
	"/api/v1/tenants/:tenant/jobs/:job":                       opJob,
	"/api/v1/tenants/:tenant/graph":                           opGraphMerge,
	"/api/v1/tenants/:tenant/graph/entities":                  opGraphEntities,
	"/api/v1/tenants/:tenant/graph/entities/:name/relations":  opGraphRelations,
	"/api/v1/tenants/:tenant/connectors/:connector/handshake": opHandshake,
	"/api/v1/oauth/callback":                                  opOAuthCallback,
}

// operationFor returns the label for a route template. Unknown and
// unrouted requests share one label.
func operationFor(route string) string {
	if op, ok := operations[route]; ok {
		return op
	}
	return opUnmatched
}

// statusClass returns the hundreds class of status, such as 4xx.
func statusClass(status int) string {
	if status < 100 || status > 599 {
		return "unknown"
	}
	return strconv.Itoa(status/100) + "xx"
}

// HTTPMetrics records per-operation API metrics through OpenTelemetry.
type HTTPMetrics struct {
	meter    metric.Meter
	logger   *zap.Logger
	requests metric.Int64Counter
	duration metric.Float64Histogram
	inFlight metric.Int64UpDownCounter
}

// NewHTTPMetrics creates the instruments on the global meter provider.
func NewHTTPMetrics(logger *zap.Logger) *HTTPMetrics {
	return newHTTPMetrics(otel.Meter(httpInstrumentationName), logger)
}

func newHTTPMetrics(meter metric.Meter, logger *zap.Logger) *HTTPMetrics {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &HTTPMetrics{meter: meter, logger: logger}

	var err error
	m.requests, err = meter.Int64Counter(
		"corpusd.api.requests",
		metric.WithDescription("API requests by operation, method and status class"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		logger.Warn("failed to create requests counter", zap.Error(err))
	}

	m.duration, err = meter.Float64Histogram(
		"corpusd.api.duration",
		metric.WithDescription("API request duration by operation and status class"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.025, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60),
	)
	if err != nil {
		logger.Warn("failed to create duration histogram", zap.Error(err))
	}

	m.inFlight, err = meter.Int64UpDownCounter(
		"corpusd.api.in_flight",
		metric.WithDescription("API requests currently being served by operation"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		logger.Warn("failed to create in-flight counter", zap.Error(err))
	}
	return m
}

// MetricsMiddleware records every API request except Prometheus scrapes.
func (m *HTTPMetrics) MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			route := c.Path()
			if route == "/metrics" {
				return next(c)
			}
			op := operationFor(route)
			ctx := c.Request().Context()
			opAttr := metric.WithAttributes(attribute.String("operation", op))

			if m.inFlight != nil {
				m.inFlight.Add(ctx, 1, opAttr)
				defer m.inFlight.Add(ctx, -1, opAttr)
			}

			start := time.Now()
			err := next(c)
			if err != nil && !c.Response().Committed {
				c.Error(err)
				err = nil
			}

			class := statusClass(c.Response().Status)
			if m.requests != nil {
				m.requests.Add(ctx, 1, metric.WithAttributes(
					attribute.String("operation", op),
					attribute.String("method", c.Request().Method),
					attribute.String("status_class", class),
				))
			}
			if m.duration != nil {
				m.duration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(
					attribute.String("operation", op),
					attribute.String("status_class", class),
				))
			}
			return err
		}
	}
}
