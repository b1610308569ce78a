package state

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"mra/internal/bucket"
	"mra/internal/model"
	"mra/internal/rollup"
)

type factory struct {
	name string
	open func(t *testing.T) Store
}

func backends() []factory {
	return []factory{
		{"memory", func(t *testing.T) Store { return NewInMemoryStore() }},
		{"pebble", func(t *testing.T) Store {
			st, err := NewPebbleStore(t.TempDir())
			if err != nil {
				t.Fatalf("pebble open: %v", err)
			}
			t.Cleanup(func() { _ = st.Close() })
			return st
		}},
		{"badger", func(t *testing.T) Store {
			st, err := NewBadgerStore(t.TempDir())
			if err != nil {
				t.Fatalf("badger open: %v", err)
			}
			t.Cleanup(func() { _ = st.Close() })
			return st
		}},
		{"redis", func(t *testing.T) Store {
			mr := miniredis.RunT(t)
			st := NewRedisStore(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "test:")
			t.Cleanup(func() { _ = st.Close() })
			return st
		}},
	}
}

func hourKey(merchant string, hour int) bucket.Key {
	return bucket.Key{MerchantID: merchant, Granularity: bucket.Hourly, Start: time.Date(2025, 3, 19, hour, 0, 0, 0, time.UTC)}
}

func record(orderID string, amount int64) rollup.Record {
	rec, _ := contribution(orderID, amount)
	return rec
}

func contribution(orderID string, amount int64) (rollup.Record, Order) {
	rec, c, _ := rollup.Merge(nil, nil, model.OrderEvent{
		MerchantID:    "M1",
		OrderID:       orderID,
		Amount:        decimal.NewFromInt(amount),
		PaymentPlanID: "P1",
		ProductID:     "p1",
		Status:        model.StatusSuccess,
		ChangeKind:    model.ChangeCreated,
	})
	return rec, Order{ID: orderID, Contribution: c}
}

func TestStore_ConditionalWrites(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			st := b.open(t)
			k := hourKey("M1", 10)

			if _, _, err := st.Get(ctx, k); !errors.Is(err, ErrNotFound) {
				t.Fatalf("want ErrNotFound, got %v", err)
			}
			if _, err := st.PutIfVersion(ctx, k, record("o1", 10), 1); !errors.Is(err, ErrVersionConflict) {
				t.Fatalf("PutIfVersion on missing key: want conflict, got %v", err)
			}

			v, err := st.PutIfAbsent(ctx, k, record("o1", 10))
			if err != nil || v != 1 {
				t.Fatalf("PutIfAbsent: v=%d err=%v", v, err)
			}
			if _, err := st.PutIfAbsent(ctx, k, record("o2", 20)); !errors.Is(err, ErrAlreadyExists) {
				t.Fatalf("second PutIfAbsent: want ErrAlreadyExists, got %v", err)
			}

			rec, v, err := st.Get(ctx, k)
			if err != nil || v != 1 || !rec.AmountSum.Equal(decimal.NewFromInt(10)) {
				t.Fatalf("Get: v=%d rec=%+v err=%v", v, rec, err)
			}

			v, err = st.PutIfVersion(ctx, k, record("o2", 20), 1)
			if err != nil || v != 2 {
				t.Fatalf("PutIfVersion: v=%d err=%v", v, err)
			}
			// stale writer loses
			if _, err := st.PutIfVersion(ctx, k, record("o3", 30), 1); !errors.Is(err, ErrVersionConflict) {
				t.Fatalf("stale PutIfVersion: want conflict, got %v", err)
			}
			rec, v, _ = st.Get(ctx, k)
			if v != 2 || !rec.AmountSum.Equal(decimal.NewFromInt(20)) {
				t.Fatalf("after stale write: v=%d rec=%+v", v, rec)
			}
		})
	}
}

func TestStore_InstallVersionRules(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			st := b.open(t)
			k := hourKey("M1", 11)

			ok, err := st.Install(ctx, k, record("o1", 10), 3)
			if err != nil || !ok {
				t.Fatalf("first install: ok=%v err=%v", ok, err)
			}
			// same or older version => skipped
			ok, err = st.Install(ctx, k, record("o2", 99), 3)
			if err != nil || ok {
				t.Fatalf("same version should skip: ok=%v err=%v", ok, err)
			}
			ok, _ = st.Install(ctx, k, record("o2", 99), 2)
			if ok {
				t.Fatalf("older version should skip")
			}
			// gap allowed
			ok, err = st.Install(ctx, k, record("o4", 40), 7)
			if err != nil || !ok {
				t.Fatalf("newer install: ok=%v err=%v", ok, err)
			}
			rec, v, _ := st.Get(ctx, k)
			if v != 7 || !rec.AmountSum.Equal(decimal.NewFromInt(40)) {
				t.Fatalf("after installs: v=%d rec=%+v", v, rec)
			}
			// conditional writes continue from the installed version
			if v, err := st.PutIfVersion(ctx, k, rec, 7); err != nil || v != 8 {
				t.Fatalf("PutIfVersion after install: v=%d err=%v", v, err)
			}
		})
	}
}

func TestStore_ScanAndRange(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			st := b.open(t)
			for _, h := range []int{12, 9, 10, 15} {
				if _, err := st.PutIfAbsent(ctx, hourKey("M1", h), record("o", int64(h))); err != nil {
					t.Fatalf("put: %v", err)
				}
			}
			_, _ = st.PutIfAbsent(ctx, hourKey("M2", 10), record("o", 1))
			daily := bucket.Key{MerchantID: "M1", Granularity: bucket.Daily, Start: time.Date(2025, 3, 19, 0, 0, 0, 0, time.UTC)}
			_, _ = st.PutIfAbsent(ctx, daily, record("o", 1))

			var got []int
			err := st.Scan(ctx, "M1", bucket.Hourly,
				time.Date(2025, 3, 19, 10, 0, 0, 0, time.UTC),
				time.Date(2025, 3, 19, 15, 0, 0, 0, time.UTC),
				func(e Entry) error {
					got = append(got, e.Key.Start.Hour())
					return nil
				})
			if err != nil {
				t.Fatalf("scan: %v", err)
			}
			if len(got) != 3 || got[0] != 10 || got[1] != 12 || got[2] != 15 {
				t.Fatalf("scan order/bounds: %v", got)
			}

			count := 0
			if err := st.Range(ctx, func(Entry) error { count++; return nil }); err != nil {
				t.Fatalf("range: %v", err)
			}
			if count != 6 {
				t.Fatalf("range count=%d want=6", count)
			}
		})
	}
}

func TestStore_AppliedIndex(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			st := b.open(t)
			k := hourKey("M1", 10)

			if _, _, _, err := st.GetOrder(ctx, k, "o1"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("want ErrNotFound, got %v", err)
			}
			rec, o1 := contribution("o1", 10)
			if _, err := st.PutIfAbsent(ctx, k, rec, o1); err != nil {
				t.Fatalf("PutIfAbsent: %v", err)
			}
			_, v, prior, err := st.GetOrder(ctx, k, "o1")
			if err != nil || v != 1 || prior == nil || !prior.Amount.Equal(decimal.NewFromInt(10)) {
				t.Fatalf("GetOrder o1: v=%d prior=%+v err=%v", v, prior, err)
			}
			if _, _, prior, err := st.GetOrder(ctx, k, "o2"); err != nil || prior != nil {
				t.Fatalf("GetOrder o2: prior=%+v err=%v", prior, err)
			}

			rec2, o2 := contribution("o2", 20)
			if _, err := st.PutIfVersion(ctx, k, rec2, 1, o2); err != nil {
				t.Fatalf("PutIfVersion: %v", err)
			}
			// a lost write leaves no index entry behind
			rec3, o3 := contribution("o3", 30)
			if _, err := st.PutIfVersion(ctx, k, rec3, 1, o3); !errors.Is(err, ErrVersionConflict) {
				t.Fatalf("stale PutIfVersion: want conflict, got %v", err)
			}
			if _, _, prior, _ := st.GetOrder(ctx, k, "o3"); prior != nil {
				t.Fatalf("conflicting write leaked an index entry: %+v", prior)
			}

			var got []Applied
			if err := st.RangeApplied(ctx, func(a Applied) error { got = append(got, a); return nil }); err != nil {
				t.Fatalf("RangeApplied: %v", err)
			}
			sort.Slice(got, func(i, j int) bool { return got[i].ID < got[j].ID })
			if len(got) != 2 || got[0].ID != "o1" || got[0].Version != 1 || got[1].ID != "o2" || got[1].Version != 2 || got[1].Key != k {
				t.Fatalf("RangeApplied: %+v", got)
			}
			records := 0
			if err := st.Range(ctx, func(Entry) error { records++; return nil }); err != nil || records != 1 {
				t.Fatalf("Range should only visit records: n=%d err=%v", records, err)
			}
		})
	}
}

func TestStore_InstallAppliedVersionRules(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			st := b.open(t)
			k := hourKey("M1", 12)
			rec, o1 := contribution("o1", 10)

			if ok, err := st.Install(ctx, k, rec, 5, o1); err != nil || !ok {
				t.Fatalf("install: ok=%v err=%v", ok, err)
			}
			// older record is skipped, its unseen order still lands
			_, o9 := contribution("o9", 90)
			if ok, err := st.Install(ctx, k, rec, 4, o9); err != nil || ok {
				t.Fatalf("older install: ok=%v err=%v", ok, err)
			}
			if _, _, prior, _ := st.GetOrder(ctx, k, "o9"); prior == nil {
				t.Fatalf("o9 should be installed")
			}
			// same version keeps the stored entry
			_, stale := contribution("o1", 99)
			if _, err := st.Install(ctx, k, rec, 5, stale); err != nil {
				t.Fatalf("install: %v", err)
			}
			if _, _, prior, _ := st.GetOrder(ctx, k, "o1"); prior == nil || !prior.Amount.Equal(decimal.NewFromInt(10)) {
				t.Fatalf("o1 overwritten: %+v", prior)
			}

			_, newer := contribution("o1", 70)
			a := Applied{Key: k, Version: 7, Order: newer}
			if ok, err := st.InstallApplied(ctx, a); err != nil || !ok {
				t.Fatalf("InstallApplied: ok=%v err=%v", ok, err)
			}
			if ok, _ := st.InstallApplied(ctx, a); ok {
				t.Fatalf("same version should skip")
			}
			a.Version = 6
			if ok, _ := st.InstallApplied(ctx, a); ok {
				t.Fatalf("older version should skip")
			}
			if _, _, prior, _ := st.GetOrder(ctx, k, "o1"); prior == nil || !prior.Amount.Equal(decimal.NewFromInt(70)) {
				t.Fatalf("o1 after InstallApplied: %+v", prior)
			}
		})
	}
}
