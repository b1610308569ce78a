package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"mra/internal/aggregator"
	"mra/internal/metrics"
	"mra/internal/query"
)

const (
	HeaderTraceID = "X-Trace-Id"
	traceIDKey    = "traceId"
)

type Applier interface {
	ApplyRaw(ctx context.Context, payload []byte) (aggregator.Result, error)
}

type Querier interface {
	Query(ctx context.Context, req query.Request) (query.Response, error)
}

// Deps are the collaborators of the HTTP surface. Applier may be nil for a
// read-only deployment.
type Deps struct {
	Logger  *zap.Logger
	Metrics *metrics.Registry
	Applier Applier
	Querier Querier
	// Ready reports backend health for /healthz; nil means always ready.
	Ready func(ctx context.Context) error
}

// NewRouter builds the gin engine with every route registered.
func NewRouter(d Deps) *gin.Engine {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Metrics == nil {
		d.Metrics = metrics.NewRegistry()
	}
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", health(d.Ready))
	r.GET("/metrics", gin.WrapH(d.Metrics.Handler()))

	api := r.Group("/v1")
	api.Use(TraceID(), Metrics(d.Metrics))
	h := &handler{log: d.Logger, applier: d.Applier, querier: d.Querier}
	api.GET("/merchants/:merchantId/metrics", h.getMetrics)
	if d.Applier != nil {
		api.POST("/events", h.postEvent)
	}
	return r
}

// TraceID propagates or assigns a per-request trace id.
func TraceID() gin.HandlerFunc {
	return func(c *gin.Context) {
		traceID := c.Request.Header.Get(HeaderTraceID)
		if traceID == "" {
			traceID = uuid.New().String()
		}
		c.Set(traceIDKey, traceID)
		c.Writer.Header().Set(HeaderTraceID, traceID)
		c.Next()
	}
}

// Metrics records request counts and latency by route pattern.
func Metrics(reg *metrics.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := strconv.Itoa(c.Writer.Status())
		reg.HTTPDurationSec.WithLabelValues(c.Request.Method, c.FullPath(), status).Observe(time.Since(start).Seconds())
		reg.HTTPRequests.WithLabelValues(c.Request.Method, c.FullPath(), status).Inc()
	}
}

func health(ready func(ctx context.Context) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		if ready != nil {
			if err := ready(c.Request.Context()); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}
