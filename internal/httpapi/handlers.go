package httpapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"mra/internal/aggregator"
	"mra/internal/bucket"
	"mra/internal/model"
	"mra/internal/query"
	"mra/internal/state"
)

// ErrorCode is the stable machine-readable code of an error response.
type ErrorCode string

const (
	ErrInvalidInput       ErrorCode = "ERR_001"
	ErrServerError        ErrorCode = "ERR_002"
	ErrConflict           ErrorCode = "ERR_003"
	ErrServiceUnavailable ErrorCode = "ERR_004"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Field   string    `json:"field,omitempty"`
	Details []string  `json:"details,omitempty"`
	TraceID string    `json:"traceId"`
}

// BucketView reports one bucket outcome of an ingested event.
type BucketView struct {
	Key     string `json:"key"`
	Status  string `json:"status"`
	Version uint64 `json:"version,omitempty"`
	Error   string `json:"error,omitempty"`
}

// EventResponse is the body returned by POST /v1/events.
type EventResponse struct {
	TraceID string       `json:"traceId"`
	Changed bool         `json:"changed"`
	Buckets []BucketView `json:"buckets"`
}

// maxEventBytes caps POST /v1/events bodies.
const maxEventBytes = 1 << 20

type handler struct {
	log     *zap.Logger
	applier Applier
	querier Querier
}

func traceID(c *gin.Context) string { return c.GetString(traceIDKey) }

func (h *handler) getMetrics(c *gin.Context) {
	req, err := parseQuery(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Code: ErrInvalidInput, Message: err.Error(), TraceID: traceID(c)})
		return
	}
	resp, err := h.querier.Query(c.Request.Context(), req)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, resp)
	case errors.Is(err, query.ErrInvalidRange):
		c.JSON(http.StatusBadRequest, ErrorResponse{Code: ErrInvalidInput, Message: err.Error(), TraceID: traceID(c)})
	case errors.Is(err, state.ErrStoreUnavailable):
		h.log.Error("query_failed", zap.String("trace_id", traceID(c)), zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Code: ErrServiceUnavailable, Message: "store unavailable", TraceID: traceID(c)})
	default:
		h.log.Error("query_failed", zap.String("trace_id", traceID(c)), zap.Error(err))
		c.JSON(http.StatusInternalServerError, ErrorResponse{Code: ErrServerError, Message: "query failed", TraceID: traceID(c)})
	}
}

// parseQuery reads granularity (default hourly), start and end (RFC 3339,
// default the last 24 buckets up to now) and zeroFill.
func parseQuery(c *gin.Context) (query.Request, error) {
	req := query.Request{
		MerchantID:  c.Param("merchantId"),
		Granularity: bucket.Granularity(c.DefaultQuery("granularity", string(bucket.Hourly))),
		End:         time.Now().UTC(),
	}
	if !req.Granularity.Valid() {
		return req, errors.New("unknown granularity " + strconv.Quote(string(req.Granularity)))
	}
	if s := c.Query("end"); s != "" {
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return req, errors.New("end must be an RFC 3339 timestamp")
		}
		req.End = t
	}
	if s := c.Query("start"); s != "" {
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return req, errors.New("start must be an RFC 3339 timestamp")
		}
		req.Start = t
	} else {
		req.Start = defaultStart(req.Granularity, req.End)
	}
	if s := c.Query("zeroFill"); s != "" {
		b, err := strconv.ParseBool(s)
		if err != nil {
			return req, errors.New("zeroFill must be a boolean")
		}
		req.ZeroFill = b
	}
	return req, nil
}

func defaultStart(g bucket.Granularity, end time.Time) time.Time {
	if g == bucket.Daily {
		return end.AddDate(0, 0, -30)
	}
	return end.Add(-24 * time.Hour)
}

func (h *handler) postEvent(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxEventBytes+1))
	if err != nil || len(body) > maxEventBytes {
		c.JSON(http.StatusBadRequest, ErrorResponse{Code: ErrInvalidInput, Message: "unreadable or oversized body", TraceID: traceID(c)})
		return
	}

	res, err := h.applier.ApplyRaw(c.Request.Context(), body)
	views := bucketViews(res)
	var ve *model.ValidationError
	var pf *aggregator.PartialFailureError
	switch {
	case err == nil:
		c.JSON(http.StatusOK, EventResponse{TraceID: traceID(c), Changed: res.Changed(), Buckets: views})
	case errors.As(err, &ve):
		c.JSON(http.StatusBadRequest, ErrorResponse{Code: ErrInvalidInput, Message: ve.Error(), Field: ve.Field, TraceID: traceID(c)})
	case errors.Is(err, aggregator.ErrInvalidEvent):
		c.JSON(http.StatusBadRequest, ErrorResponse{Code: ErrInvalidInput, Message: err.Error(), TraceID: traceID(c)})
	case errors.As(err, &pf):
		h.log.Warn("event_partially_applied", zap.String("trace_id", traceID(c)), zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Code: ErrServiceUnavailable, Message: "some buckets were not updated; resubmit the event", Details: failedKeys(pf), TraceID: traceID(c)})
	case errors.Is(err, aggregator.ErrConcurrencyExhausted):
		c.JSON(http.StatusConflict, ErrorResponse{Code: ErrConflict, Message: err.Error(), TraceID: traceID(c)})
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, state.ErrStoreUnavailable):
		h.log.Error("event_failed", zap.String("trace_id", traceID(c)), zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Code: ErrServiceUnavailable, Message: "store unavailable", TraceID: traceID(c)})
	default:
		h.log.Error("event_failed", zap.String("trace_id", traceID(c)), zap.Error(err))
		c.JSON(http.StatusInternalServerError, ErrorResponse{Code: ErrServerError, Message: "failed to apply event", TraceID: traceID(c)})
	}
}

func bucketViews(res aggregator.Result) []BucketView {
	out := make([]BucketView, 0, len(res.Buckets))
	for _, b := range res.Buckets {
		v := BucketView{Key: b.Key.String(), Status: string(b.Status), Version: uint64(b.Version)}
		if b.Err != nil {
			v.Error = b.Err.Error()
		}
		out = append(out, v)
	}
	return out
}

func failedKeys(pf *aggregator.PartialFailureError) []string {
	keys := make([]string, 0, len(pf.Failed))
	for _, f := range pf.Failed {
		keys = append(keys, f.Key.String())
	}
	return keys
}
