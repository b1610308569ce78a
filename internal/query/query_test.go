package query

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"mra/internal/bucket"
	"mra/internal/model"
	"mra/internal/rollup"
	"mra/internal/state"
)

func seed(t *testing.T, st state.Store, hour int, events ...model.OrderEvent) {
	t.Helper()
	var rec *rollup.Record
	for _, ev := range events {
		next, _, _ := rollup.Merge(rec, nil, ev)
		rec = &next
	}
	k := bucket.Key{MerchantID: "M1", Granularity: bucket.Hourly, Start: time.Date(2025, 3, 19, hour, 0, 0, 0, time.UTC)}
	if _, err := st.PutIfAbsent(context.Background(), k, *rec); err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func ev(id, plan, product, amount string, status model.Status) model.OrderEvent {
	return model.OrderEvent{
		MerchantID:    "M1",
		OrderID:       id,
		Amount:        decimal.RequireFromString(amount),
		PaymentPlanID: plan,
		ProductID:     product,
		Status:        status,
	}
}

func TestQuery_DerivesMetricsInOrder(t *testing.T) {
	st := state.NewInMemoryStore()
	seed(t, st, 12, ev("o5", "P1", "a", "10", model.StatusSuccess))
	seed(t, st, 10,
		ev("o1", "P1", "a", "100", model.StatusSuccess),
		ev("o2", "P1", "b", "200", model.StatusSuccess),
		ev("o3", "P1", "a", "300", model.StatusSuccess),
		ev("o4", "P2", "b", "50", model.StatusFailure),
	)

	resp, err := NewAccessor(st).Query(context.Background(), Request{
		MerchantID:  "M1",
		Granularity: bucket.Hourly,
		Start:       time.Date(2025, 3, 19, 10, 30, 0, 0, time.UTC),
		End:         time.Date(2025, 3, 19, 13, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(resp.TimePoints) != 2 {
		t.Fatalf("want 2 points, got %d", len(resp.TimePoints))
	}
	if resp.TimePoints[0].Timestamp.Hour() != 10 || resp.TimePoints[1].Timestamp.Hour() != 12 {
		t.Fatalf("order: %v, %v", resp.TimePoints[0].Timestamp, resp.TimePoints[1].Timestamp)
	}

	m := resp.TimePoints[0].Metrics
	if m.Volume != (Volume{Total: 4, Successful: 3, Failed: 1}) {
		t.Fatalf("volume: %+v", m.Volume)
	}
	if !m.AOV.Overall.Equal(decimal.NewFromInt(200)) {
		t.Fatalf("aov overall: %s", m.AOV.Overall)
	}
	if !m.AOV.ByPaymentPlan["P1"].Equal(decimal.NewFromInt(200)) || !m.AOV.ByPaymentPlan["P2"].IsZero() {
		t.Fatalf("aov by plan: %v", m.AOV.ByPaymentPlan)
	}
	if m.Counts.ByPaymentPlan["P1"] != 3 || m.Counts.ByPaymentPlan["P2"] != 1 {
		t.Fatalf("counts by plan: %v", m.Counts.ByPaymentPlan)
	}
	if m.Counts.ByProduct["a"] != 2 || m.Counts.ByProduct["b"] != 2 {
		t.Fatalf("counts by product: %v", m.Counts.ByProduct)
	}
}

func TestQuery_ZeroFill(t *testing.T) {
	st := state.NewInMemoryStore()
	seed(t, st, 11, ev("o1", "P1", "a", "5", model.StatusSuccess))

	resp, err := NewAccessor(st).Query(context.Background(), Request{
		MerchantID:  "M1",
		Granularity: bucket.Hourly,
		Start:       time.Date(2025, 3, 19, 9, 0, 0, 0, time.UTC),
		End:         time.Date(2025, 3, 19, 12, 59, 0, 0, time.UTC),
		ZeroFill:    true,
	})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(resp.TimePoints) != 4 {
		t.Fatalf("want 4 points, got %d", len(resp.TimePoints))
	}
	for i, p := range resp.TimePoints {
		if p.Timestamp.Hour() != 9+i {
			t.Fatalf("point %d at %v", i, p.Timestamp)
		}
		want := int64(0)
		if i == 2 {
			want = 1
		}
		if p.Metrics.Volume.Total != want {
			t.Fatalf("point %d total=%d", i, p.Metrics.Volume.Total)
		}
	}
	if !resp.TimePoints[0].Metrics.AOV.Overall.IsZero() {
		t.Fatalf("empty bucket AOV should be zero")
	}
}

func TestQuery_EmptyRangeWithoutZeroFill(t *testing.T) {
	resp, err := NewAccessor(state.NewInMemoryStore()).Query(context.Background(), Request{
		MerchantID:  "M1",
		Granularity: bucket.Daily,
		Start:       time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
		End:         time.Date(2025, 3, 31, 0, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if resp.TimePoints == nil || len(resp.TimePoints) != 0 {
		t.Fatalf("want empty non-nil slice, got %#v", resp.TimePoints)
	}
}

func TestQuery_Rejects(t *testing.T) {
	a := NewAccessor(state.NewInMemoryStore())
	base := time.Date(2025, 3, 19, 10, 0, 0, 0, time.UTC)
	for i, req := range []Request{
		{MerchantID: "M1", Granularity: bucket.Hourly, Start: base, End: base.Add(-time.Hour)},
		{MerchantID: "M1", Granularity: "weekly", Start: base, End: base},
		{Granularity: bucket.Hourly, Start: base, End: base},
		{MerchantID: "M1", Granularity: bucket.Hourly, Start: base, End: base.AddDate(5, 0, 0), ZeroFill: true},
	} {
		t.Run(fmt.Sprint(i), func(t *testing.T) {
			if _, err := a.Query(context.Background(), req); !errors.Is(err, ErrInvalidRange) {
				t.Fatalf("want ErrInvalidRange, got %v", err)
			}
		})
	}
}
