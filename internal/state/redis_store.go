package state

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"mra/internal/bucket"
	"mra/internal/rollup"
)

// RedisStore implements Store on Redis. Each record is a JSON document under
// <ns>doc:<key> and its applied index a hash under <ns>ord:<key>, one field per
// order. A sorted set per merchant and granularity, scored by bucket start,
// serves range scans. Conditional writes use WATCH/MULTI over document and
// hash.
type RedisStore struct {
	client *redis.Client
	ns     string
}

// NewRedisStore wraps a connected client. ns namespaces every key.
func NewRedisStore(client *redis.Client, ns string) *RedisStore {
	return &RedisStore{client: client, ns: ns}
}

func (s *RedisStore) Close() error { return s.client.Close() }

func (s *RedisStore) docKey(k string) string { return s.ns + "doc:" + k }

func (s *RedisStore) ordersKey(k string) string { return s.ns + "ord:" + k }

func (s *RedisStore) indexKey(merchantID string, g bucket.Granularity) string {
	return s.ns + "idx:" + bucket.Prefix(merchantID, g)
}

func getRedisDoc(ctx context.Context, c redis.Cmdable, dk string) (document, bool, error) {
	b, err := c.Get(ctx, dk).Bytes()
	if errors.Is(err, redis.Nil) {
		return document{}, false, nil
	}
	if err != nil {
		return document{}, false, unavailable("redis get", err)
	}
	d, err := decodeDoc(b)
	if err != nil {
		return document{}, false, fmt.Errorf("decode %s: %w", dk, err)
	}
	return d, true, nil
}

func getRedisOrder(ctx context.Context, c redis.Cmdable, hk, orderID string) (orderDoc, bool, error) {
	b, err := c.HGet(ctx, hk, orderID).Bytes()
	if errors.Is(err, redis.Nil) {
		return orderDoc{}, false, nil
	}
	if err != nil {
		return orderDoc{}, false, unavailable("redis hget", err)
	}
	d, err := decodeOrder(b)
	if err != nil {
		return orderDoc{}, false, fmt.Errorf("decode %s[%s]: %w", hk, orderID, err)
	}
	return d, true, nil
}

func (s *RedisStore) Get(ctx context.Context, key bucket.Key) (rollup.Record, Version, error) {
	d, ok, err := getRedisDoc(ctx, s.client, s.docKey(key.String()))
	if err != nil {
		return rollup.Record{}, 0, err
	}
	if !ok {
		return rollup.Record{}, 0, ErrNotFound
	}
	return d.Record, d.Version, nil
}

// GetOrder reads document and index field in one MULTI.
func (s *RedisStore) GetOrder(ctx context.Context, key bucket.Key, orderID string) (rollup.Record, Version, *rollup.Contribution, error) {
	k := key.String()
	var doc, ord *redis.StringCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		doc = pipe.Get(ctx, s.docKey(k))
		ord = pipe.HGet(ctx, s.ordersKey(k), orderID)
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return rollup.Record{}, 0, nil, unavailable("redis multi", err)
	}
	b, err := doc.Bytes()
	if errors.Is(err, redis.Nil) {
		return rollup.Record{}, 0, nil, ErrNotFound
	}
	if err != nil {
		return rollup.Record{}, 0, nil, unavailable("redis get", err)
	}
	d, err := decodeDoc(b)
	if err != nil {
		return rollup.Record{}, 0, nil, fmt.Errorf("decode %s: %w", k, err)
	}
	b, err = ord.Bytes()
	if errors.Is(err, redis.Nil) {
		return d.Record, d.Version, nil, nil
	}
	if err != nil {
		return rollup.Record{}, 0, nil, unavailable("redis hget", err)
	}
	o, err := decodeOrder(b)
	if err != nil {
		return rollup.Record{}, 0, nil, fmt.Errorf("decode %s[%s]: %w", k, orderID, err)
	}
	return d.Record, d.Version, &o.Contribution, nil
}

// watch runs txf under WATCH on keys and maps a lost race to
// ErrVersionConflict.
func (s *RedisStore) watch(ctx context.Context, txf func(tx *redis.Tx) error, keys ...string) error {
	err := s.client.Watch(ctx, txf, keys...)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, redis.TxFailedErr):
		return ErrVersionConflict
	case errors.Is(err, ErrVersionConflict), errors.Is(err, ErrAlreadyExists), errors.Is(err, ErrStoreUnavailable):
		return err
	default:
		return unavailable("redis watch", err)
	}
}

// commit queues the record (when rec is non-nil) and the orders into one
// MULTI.
func (s *RedisStore) commit(ctx context.Context, tx *redis.Tx, key bucket.Key, ver Version, rec *rollup.Record, orders []Order) error {
	k := key.String()
	var doc []byte
	if rec != nil {
		b, err := encodeDoc(ver, *rec)
		if err != nil {
			return err
		}
		doc = b
	}
	fields := make([]any, 0, 2*len(orders))
	for _, o := range orders {
		b, err := encodeOrder(ver, o.Contribution)
		if err != nil {
			return err
		}
		fields = append(fields, o.ID, b)
	}
	_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if doc != nil {
			pipe.Set(ctx, s.docKey(k), doc, 0)
			pipe.ZAdd(ctx, s.indexKey(key.MerchantID, key.Granularity), redis.Z{Score: float64(key.Start.Unix()), Member: k})
		}
		if len(fields) > 0 {
			pipe.HSet(ctx, s.ordersKey(k), fields...)
		}
		return nil
	})
	return err
}

// cas watches the document, lets decide pick the version to write (or fail),
// and writes document, index entry and orders in one MULTI.
func (s *RedisStore) cas(ctx context.Context, key bucket.Key, rec rollup.Record, orders []Order, decide func(cur document, exists bool) (Version, error)) (Version, error) {
	k := key.String()
	dk := s.docKey(k)
	var written Version
	txf := func(tx *redis.Tx) error {
		cur, ok, err := getRedisDoc(ctx, tx, dk)
		if err != nil {
			return err
		}
		next, err := decide(cur, ok)
		if err != nil {
			return err
		}
		if err := s.commit(ctx, tx, key, next, &rec, orders); err != nil {
			return err
		}
		written = next
		return nil
	}
	if err := s.watch(ctx, txf, dk, s.ordersKey(k)); err != nil {
		return 0, err
	}
	return written, nil
}

func (s *RedisStore) PutIfAbsent(ctx context.Context, key bucket.Key, rec rollup.Record, orders ...Order) (Version, error) {
	return s.cas(ctx, key, rec, orders, func(_ document, exists bool) (Version, error) {
		if exists {
			return 0, ErrAlreadyExists
		}
		return 1, nil
	})
}

func (s *RedisStore) PutIfVersion(ctx context.Context, key bucket.Key, rec rollup.Record, expected Version, orders ...Order) (Version, error) {
	return s.cas(ctx, key, rec, orders, func(cur document, exists bool) (Version, error) {
		if !exists || cur.Version != expected {
			return 0, ErrVersionConflict
		}
		return expected + 1, nil
	})
}

// newerOrders keeps the orders whose stored entry is older than ver or missing.
func (s *RedisStore) newerOrders(ctx context.Context, tx *redis.Tx, hk string, ver Version, orders []Order) ([]Order, error) {
	var out []Order
	for _, o := range orders {
		cur, ok, err := getRedisOrder(ctx, tx, hk, o.ID)
		if err != nil {
			return nil, err
		}
		if !ok || cur.Version < ver {
			out = append(out, o)
		}
	}
	return out, nil
}

func (s *RedisStore) Install(ctx context.Context, key bucket.Key, rec rollup.Record, ver Version, orders ...Order) (bool, error) {
	k := key.String()
	dk, hk := s.docKey(k), s.ordersKey(k)
	var wrote bool
	txf := func(tx *redis.Tx) error {
		cur, ok, err := getRedisDoc(ctx, tx, dk)
		if err != nil {
			return err
		}
		fresh, err := s.newerOrders(ctx, tx, hk, ver, orders)
		if err != nil {
			return err
		}
		wrote = !ok || cur.Version < ver
		var doc *rollup.Record
		if wrote {
			doc = &rec
		} else if len(fresh) == 0 {
			return nil
		}
		return s.commit(ctx, tx, key, ver, doc, fresh)
	}
	if err := s.watch(ctx, txf, dk, hk); err != nil {
		return false, err
	}
	return wrote, nil
}

func (s *RedisStore) InstallApplied(ctx context.Context, a Applied) (bool, error) {
	hk := s.ordersKey(a.Key.String())
	var wrote bool
	txf := func(tx *redis.Tx) error {
		fresh, err := s.newerOrders(ctx, tx, hk, a.Version, []Order{a.Order})
		if err != nil || len(fresh) == 0 {
			wrote = false
			return err
		}
		wrote = true
		return s.commit(ctx, tx, a.Key, a.Version, nil, fresh)
	}
	if err := s.watch(ctx, txf, hk); err != nil {
		return false, err
	}
	return wrote, nil
}

func (s *RedisStore) Scan(ctx context.Context, merchantID string, g bucket.Granularity, from, to time.Time, fn func(Entry) error) error {
	members, err := s.client.ZRangeByScore(ctx, s.indexKey(merchantID, g), &redis.ZRangeBy{
		Min: strconv.FormatInt(from.Unix(), 10),
		Max: strconv.FormatInt(to.Unix(), 10),
	}).Result()
	if err != nil {
		return unavailable("redis zrangebyscore", err)
	}
	for _, m := range members {
		if err := s.visit(ctx, m, fn); err != nil {
			return err
		}
	}
	return nil
}

func (s *RedisStore) Range(ctx context.Context, fn func(Entry) error) error {
	prefix := s.docKey("")
	iter := s.client.Scan(ctx, 0, prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		if err := s.visit(ctx, strings.TrimPrefix(iter.Val(), prefix), fn); err != nil {
			return err
		}
	}
	if err := iter.Err(); err != nil {
		return unavailable("redis scan", err)
	}
	return nil
}

func (s *RedisStore) RangeApplied(ctx context.Context, fn func(Applied) error) error {
	prefix := s.ordersKey("")
	iter := s.client.Scan(ctx, 0, prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		hk := iter.Val()
		key, err := bucket.ParseKey(strings.TrimPrefix(hk, prefix))
		if err != nil {
			return err
		}
		// HSCAN yields field and value alternately
		fields := s.client.HScan(ctx, hk, 0, "", 100).Iterator()
		for fields.Next(ctx) {
			orderID := fields.Val()
			if !fields.Next(ctx) {
				break
			}
			d, err := decodeOrder([]byte(fields.Val()))
			if err != nil {
				return fmt.Errorf("decode %s[%s]: %w", hk, orderID, err)
			}
			if err := fn(Applied{Key: key, Version: d.Version, Order: Order{ID: orderID, Contribution: d.Contribution}}); err != nil {
				return err
			}
		}
		if err := fields.Err(); err != nil {
			return unavailable("redis hscan", err)
		}
	}
	if err := iter.Err(); err != nil {
		return unavailable("redis scan", err)
	}
	return nil
}

func (s *RedisStore) visit(ctx context.Context, k string, fn func(Entry) error) error {
	key, err := bucket.ParseKey(k)
	if err != nil {
		return err
	}
	d, ok, err := getRedisDoc(ctx, s.client, s.docKey(k))
	if err != nil {
		return err
	}
	if !ok {
		// document removed outside the store; stale index entry
		return nil
	}
	return fn(Entry{Key: key, Version: d.Version, Record: d.Record})
}
