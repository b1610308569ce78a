package query

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"mra/internal/bucket"
	"mra/internal/rollup"
	"mra/internal/state"
)

// ErrInvalidRange rejects a malformed or oversized query.
var ErrInvalidRange = errors.New("invalid query range")

// MaxZeroFillPoints bounds the number of synthesized empty points.
const MaxZeroFillPoints = 10000

// Request selects one merchant's buckets at one granularity.
type Request struct {
	MerchantID  string
	Granularity bucket.Granularity
	Start       time.Time
	End         time.Time
	ZeroFill    bool
}

// Volume counts orders by outcome.
type Volume struct {
	Total      int64 `json:"total"`
	Successful int64 `json:"successful"`
	Failed     int64 `json:"failed"`
}

// AOV holds average order values over successful orders.
type AOV struct {
	Overall       decimal.Decimal            `json:"overall"`
	ByPaymentPlan map[string]decimal.Decimal `json:"byPaymentPlan"`
}

// Counts holds order counts per payment plan and per product.
type Counts struct {
	ByPaymentPlan map[string]int64 `json:"byPaymentPlan"`
	ByProduct     map[string]int64 `json:"byProduct"`
}

// Metrics is the derived view of one bucket.
type Metrics struct {
	Volume Volume `json:"volume"`
	AOV    AOV    `json:"aov"`
	Counts Counts `json:"counts"`
}

// TimePoint is one bucket start with its metrics.
type TimePoint struct {
	Timestamp time.Time `json:"timestamp"`
	Metrics   Metrics   `json:"metrics"`
}

// Response is the result of Query.
type Response struct {
	MerchantID  string             `json:"merchantId"`
	Granularity bucket.Granularity `json:"granularity"`
	TimePoints  []TimePoint        `json:"timePoints"`
}

// Accessor serves read-only views of aggregate records.
type Accessor struct {
	store state.Store
}

// NewAccessor returns an Accessor reading from st.
func NewAccessor(st state.Store) *Accessor { return &Accessor{store: st} }

// Query returns the time points of [Start, End], both truncated to the
// granularity, in ascending order. Buckets never written are omitted unless
// ZeroFill is set.
func (a *Accessor) Query(ctx context.Context, req Request) (Response, error) {
	if req.MerchantID == "" {
		return Response{}, fmt.Errorf("%w: merchantId is required", ErrInvalidRange)
	}
	from, err := req.Granularity.Truncate(req.Start)
	if err != nil {
		return Response{}, fmt.Errorf("%w: %w", ErrInvalidRange, err)
	}
	to, _ := req.Granularity.Truncate(req.End)
	if to.Before(from) {
		return Response{}, fmt.Errorf("%w: end %s before start %s", ErrInvalidRange,
			req.End.UTC().Format(time.RFC3339), req.Start.UTC().Format(time.RFC3339))
	}

	resp := Response{MerchantID: req.MerchantID, Granularity: req.Granularity, TimePoints: []TimePoint{}}
	err = a.store.Scan(ctx, req.MerchantID, req.Granularity, from, to, func(e state.Entry) error {
		resp.TimePoints = append(resp.TimePoints, Point(e.Key.Start, e.Record))
		return nil
	})
	if err != nil {
		return Response{}, err
	}
	if req.ZeroFill {
		resp.TimePoints, err = zeroFill(resp.TimePoints, req.Granularity, from, to)
		if err != nil {
			return Response{}, err
		}
	}
	return resp, nil
}

// Point derives the display metrics of one record.
func Point(start time.Time, r rollup.Record) TimePoint {
	m := Metrics{
		Volume: Volume{Total: r.TotalCount, Successful: r.SuccessCount, Failed: r.FailureCount},
		AOV: AOV{
			Overall:       r.AverageOrderValue(),
			ByPaymentPlan: r.AverageOrderValueByPlan(),
		},
		Counts: Counts{
			ByPaymentPlan: make(map[string]int64, len(r.PerPlan)),
			ByProduct:     make(map[string]int64, len(r.PerProduct)),
		},
	}
	for id, p := range r.PerPlan {
		m.Counts.ByPaymentPlan[id] = p.OrderCount
	}
	for id, n := range r.PerProduct {
		m.Counts.ByProduct[id] = n
	}
	return TimePoint{Timestamp: start.UTC(), Metrics: m}
}

func zeroFill(points []TimePoint, g bucket.Granularity, from, to time.Time) ([]TimePoint, error) {
	out := make([]TimePoint, 0, len(points))
	i := 0
	for t := from; !t.After(to); {
		if len(out) >= MaxZeroFillPoints {
			return nil, fmt.Errorf("%w: zero-filled range exceeds %d points", ErrInvalidRange, MaxZeroFillPoints)
		}
		if i < len(points) && points[i].Timestamp.Equal(t) {
			out = append(out, points[i])
			i++
		} else {
			out = append(out, Point(t, rollup.NewRecord()))
		}
		next, err := g.Next(t)
		if err != nil {
			return nil, err
		}
		t = next
	}
	return out, nil
}
