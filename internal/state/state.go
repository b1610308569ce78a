package state

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"mra/internal/bucket"
	"mra/internal/rollup"
)

var (
	ErrNotFound         = errors.New("record not found")
	ErrVersionConflict  = errors.New("version conflict")
	ErrAlreadyExists    = errors.New("record already exists")
	ErrStoreUnavailable = errors.New("store unavailable")
)

// Version is the optimistic concurrency token of a stored record. The first
// write of a key produces version 1 and every conditional write increments it.
type Version uint64

// Entry is one stored record with its key and version.
type Entry struct {
	Key     bucket.Key    `json:"key"`
	Version Version       `json:"version"`
	Record  rollup.Record `json:"record"`
}

// Order is what one order contributed to a record, as kept in the record's
// applied index.
type Order struct {
	ID           string              `json:"orderId"`
	Contribution rollup.Contribution `json:"contribution"`
}

// Applied is one stored applied-index entry. Version is the record version
// whose write produced it.
type Applied struct {
	Key     bucket.Key `json:"key"`
	Version Version    `json:"version"`
	Order
}

// Store abstracts the aggregate state backend. Every record has an applied
// index holding one Order per order that touched it; index entries are
// written in the same atomic operation as the record.
type Store interface {
	// Get returns ErrNotFound when the key was never written.
	Get(ctx context.Context, key bucket.Key) (rollup.Record, Version, error)
	// GetOrder is Get plus the applied-index entry of orderID, read from the
	// same state. The contribution is nil when the order never touched key.
	GetOrder(ctx context.Context, key bucket.Key, orderID string) (rollup.Record, Version, *rollup.Contribution, error)
	// PutIfAbsent writes version 1 or fails with ErrAlreadyExists.
	PutIfAbsent(ctx context.Context, key bucket.Key, rec rollup.Record, orders ...Order) (Version, error)
	// PutIfVersion writes expected+1 or fails with ErrVersionConflict.
	PutIfVersion(ctx context.Context, key bucket.Key, rec rollup.Record, expected Version, orders ...Order) (Version, error)
	// Install writes rec at exactly ver when the stored version is older or
	// missing. It is the restore primitive and reports whether it wrote the
	// record. Each order is installed under the same rule against its own
	// entry.
	Install(ctx context.Context, key bucket.Key, rec rollup.Record, ver Version, orders ...Order) (bool, error)
	// InstallApplied writes one applied-index entry when the stored entry is
	// older or missing.
	InstallApplied(ctx context.Context, a Applied) (bool, error)
	// Scan visits the buckets of one merchant and granularity whose start lies
	// in [from, to], in ascending start order.
	Scan(ctx context.Context, merchantID string, g bucket.Granularity, from, to time.Time, fn func(Entry) error) error
	// Range visits every stored entry.
	Range(ctx context.Context, fn func(Entry) error) error
	// RangeApplied visits every applied-index entry.
	RangeApplied(ctx context.Context, fn func(Applied) error) error
	Close() error
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStoreUnavailable, op, err)
}

// scanBounds returns the inclusive key range of a Scan.
func scanBounds(merchantID string, g bucket.Granularity, from, to time.Time) (lo, hi string) {
	lo = bucket.Key{MerchantID: merchantID, Granularity: g, Start: from}.String()
	hi = bucket.Key{MerchantID: merchantID, Granularity: g, Start: to}.String()
	return lo, hi
}

type memDoc struct {
	version Version
	record  rollup.Record
}

type memOrder struct {
	version Version
	c       rollup.Contribution
}

// InMemoryStore is a simple thread-safe map store.
type InMemoryStore struct {
	mu      sync.RWMutex
	data    map[string]memDoc
	applied map[string]map[string]memOrder
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{data: make(map[string]memDoc), applied: make(map[string]map[string]memOrder)}
}

// putOrder must be called with s.mu held. With newer set, an entry at ver or
// later is kept.
func (s *InMemoryStore) putOrder(k string, ver Version, o Order, newer bool) bool {
	idx := s.applied[k]
	if idx == nil {
		idx = make(map[string]memOrder)
		s.applied[k] = idx
	}
	if cur, ok := idx[o.ID]; newer && ok && cur.version >= ver {
		return false
	}
	idx[o.ID] = memOrder{version: ver, c: o.Contribution}
	return true
}

func (s *InMemoryStore) GetOrder(_ context.Context, key bucket.Key, orderID string) (rollup.Record, Version, *rollup.Contribution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k := key.String()
	d, ok := s.data[k]
	if !ok {
		return rollup.Record{}, 0, nil, ErrNotFound
	}
	var prior *rollup.Contribution
	if o, ok := s.applied[k][orderID]; ok {
		c := o.c
		prior = &c
	}
	return d.record.Clone(), d.version, prior, nil
}

func (s *InMemoryStore) Get(_ context.Context, key bucket.Key) (rollup.Record, Version, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.data[key.String()]
	if !ok {
		return rollup.Record{}, 0, ErrNotFound
	}
	return d.record.Clone(), d.version, nil
}

func (s *InMemoryStore) PutIfAbsent(_ context.Context, key bucket.Key, rec rollup.Record, orders ...Order) (Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key.String()
	if _, ok := s.data[k]; ok {
		return 0, ErrAlreadyExists
	}
	s.data[k] = memDoc{version: 1, record: rec.Clone()}
	for _, o := range orders {
		s.putOrder(k, 1, o, false)
	}
	return 1, nil
}

func (s *InMemoryStore) PutIfVersion(_ context.Context, key bucket.Key, rec rollup.Record, expected Version, orders ...Order) (Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key.String()
	cur, ok := s.data[k]
	if !ok || cur.version != expected {
		return 0, ErrVersionConflict
	}
	next := expected + 1
	s.data[k] = memDoc{version: next, record: rec.Clone()}
	for _, o := range orders {
		s.putOrder(k, next, o, false)
	}
	return next, nil
}

func (s *InMemoryStore) Install(_ context.Context, key bucket.Key, rec rollup.Record, ver Version, orders ...Order) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key.String()
	for _, o := range orders {
		s.putOrder(k, ver, o, true)
	}
	if cur, ok := s.data[k]; ok && cur.version >= ver {
		return false, nil
	}
	s.data[k] = memDoc{version: ver, record: rec.Clone()}
	return true, nil
}

func (s *InMemoryStore) InstallApplied(_ context.Context, a Applied) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.putOrder(a.Key.String(), a.Version, a.Order, true), nil
}

func (s *InMemoryStore) Scan(_ context.Context, merchantID string, g bucket.Granularity, from, to time.Time, fn func(Entry) error) error {
	lo, hi := scanBounds(merchantID, g, from, to)
	s.mu.RLock()
	var keys []string
	for k := range s.data {
		if k >= lo && k <= hi {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	entries := make([]Entry, 0, len(keys))
	for _, k := range keys {
		e, err := s.entry(k)
		if err != nil {
			s.mu.RUnlock()
			return err
		}
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	for _, e := range entries {
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

// Range visits entries in key order, like the on-disk backends.
func (s *InMemoryStore) Range(_ context.Context, fn func(Entry) error) error {
	s.mu.RLock()
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	entries := make([]Entry, 0, len(keys))
	for _, k := range keys {
		e, err := s.entry(k)
		if err != nil {
			s.mu.RUnlock()
			return err
		}
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	for _, e := range entries {
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

// RangeApplied visits entries in key then order id order.
func (s *InMemoryStore) RangeApplied(_ context.Context, fn func(Applied) error) error {
	s.mu.RLock()
	keys := make([]string, 0, len(s.applied))
	for k := range s.applied {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var out []Applied
	for _, k := range keys {
		key, err := bucket.ParseKey(k)
		if err != nil {
			s.mu.RUnlock()
			return err
		}
		idx := s.applied[k]
		ids := make([]string, 0, len(idx))
		for id := range idx {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			o := idx[id]
			out = append(out, Applied{Key: key, Version: o.version, Order: Order{ID: id, Contribution: o.c}})
		}
	}
	s.mu.RUnlock()

	for _, a := range out {
		if err := fn(a); err != nil {
			return err
		}
	}
	return nil
}

func (s *InMemoryStore) Close() error { return nil }

// entry must be called with s.mu held.
func (s *InMemoryStore) entry(k string) (Entry, error) {
	key, err := bucket.ParseKey(k)
	if err != nil {
		return Entry{}, err
	}
	d := s.data[k]
	return Entry{Key: key, Version: d.version, Record: d.record.Clone()}, nil
}
