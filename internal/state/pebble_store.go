package state

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	"mra/internal/bucket"
	"mra/internal/rollup"
)

// PebbleStore implements Store using PebbleDB. Pebble has no compare-and-set,
// so conditional writes are serialized by a process-local mutex; the database
// must not be shared between processes. A record and its applied-index
// entries are committed in one batch.
type PebbleStore struct {
	db *pebble.DB
	mu sync.Mutex
}

func NewPebbleStore(dir string) (*PebbleStore, error) {
	opts := &pebble.Options{
		MemTableSize:             64 << 20,
		MaxConcurrentCompactions: func() int { return 4 },
		L0CompactionThreshold:    4,
		L0StopWritesThreshold:    8,
		WALBytesPerSync:          1 << 20,
		WALMinSyncInterval:       func() time.Duration { return 0 },
	}
	d, err := pebble.Open(filepath.Clean(dir), opts)
	if err != nil {
		return nil, fmt.Errorf("pebble open: %w", err)
	}
	return &PebbleStore{db: d}, nil
}

func (p *PebbleStore) Close() error { return p.db.Close() }

// getter is the read side shared by *pebble.DB and *pebble.Snapshot.
type getter interface {
	Get(key []byte) ([]byte, io.Closer, error)
}

func load(r getter, k []byte) (document, bool, error) {
	v, closer, err := r.Get(k)
	if errors.Is(err, pebble.ErrNotFound) {
		return document{}, false, nil
	}
	if err != nil {
		return document{}, false, unavailable("pebble get", err)
	}
	defer closer.Close()
	d, err := decodeDoc(v)
	if err != nil {
		return document{}, false, fmt.Errorf("decode %s: %w", k, err)
	}
	return d, true, nil
}

func loadOrder(r getter, k []byte) (orderDoc, bool, error) {
	v, closer, err := r.Get(k)
	if errors.Is(err, pebble.ErrNotFound) {
		return orderDoc{}, false, nil
	}
	if err != nil {
		return orderDoc{}, false, unavailable("pebble get", err)
	}
	defer closer.Close()
	d, err := decodeOrder(v)
	if err != nil {
		return orderDoc{}, false, fmt.Errorf("decode %s: %w", k, err)
	}
	return d, true, nil
}

// write commits the record (when rec is non-nil) and the orders in one batch.
func (p *PebbleStore) write(k string, ver Version, rec *rollup.Record, orders []Order) error {
	b := p.db.NewBatch()
	defer b.Close()
	if rec != nil {
		v, err := encodeDoc(ver, *rec)
		if err != nil {
			return err
		}
		if err := b.Set(recordKey(k), v, nil); err != nil {
			return unavailable("pebble batch", err)
		}
	}
	for _, o := range orders {
		v, err := encodeOrder(ver, o.Contribution)
		if err != nil {
			return err
		}
		if err := b.Set(appliedKey(k, o.ID), v, nil); err != nil {
			return unavailable("pebble batch", err)
		}
	}
	if err := b.Commit(pebble.NoSync); err != nil {
		return unavailable("pebble commit", err)
	}
	return nil
}

// newerOrders keeps the orders whose stored entry is older than ver or
// missing. Must be called with p.mu held.
func (p *PebbleStore) newerOrders(k string, ver Version, orders []Order) ([]Order, error) {
	var out []Order
	for _, o := range orders {
		cur, ok, err := loadOrder(p.db, appliedKey(k, o.ID))
		if err != nil {
			return nil, err
		}
		if !ok || cur.Version < ver {
			out = append(out, o)
		}
	}
	return out, nil
}

func (p *PebbleStore) Get(_ context.Context, key bucket.Key) (rollup.Record, Version, error) {
	d, ok, err := load(p.db, recordKey(key.String()))
	if err != nil {
		return rollup.Record{}, 0, err
	}
	if !ok {
		return rollup.Record{}, 0, ErrNotFound
	}
	return d.Record, d.Version, nil
}

// GetOrder reads record and index entry from one snapshot of the database.
func (p *PebbleStore) GetOrder(_ context.Context, key bucket.Key, orderID string) (rollup.Record, Version, *rollup.Contribution, error) {
	snap := p.db.NewSnapshot()
	defer snap.Close()
	k := key.String()
	d, ok, err := load(snap, recordKey(k))
	if err != nil {
		return rollup.Record{}, 0, nil, err
	}
	if !ok {
		return rollup.Record{}, 0, nil, ErrNotFound
	}
	o, ok, err := loadOrder(snap, appliedKey(k, orderID))
	if err != nil {
		return rollup.Record{}, 0, nil, err
	}
	if !ok {
		return d.Record, d.Version, nil, nil
	}
	return d.Record, d.Version, &o.Contribution, nil
}

func (p *PebbleStore) PutIfAbsent(_ context.Context, key bucket.Key, rec rollup.Record, orders ...Order) (Version, error) {
	k := key.String()
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok, err := load(p.db, recordKey(k))
	if err != nil {
		return 0, err
	}
	if ok {
		return 0, ErrAlreadyExists
	}
	if err := p.write(k, 1, &rec, orders); err != nil {
		return 0, err
	}
	return 1, nil
}

func (p *PebbleStore) PutIfVersion(_ context.Context, key bucket.Key, rec rollup.Record, expected Version, orders ...Order) (Version, error) {
	k := key.String()
	p.mu.Lock()
	defer p.mu.Unlock()
	cur, ok, err := load(p.db, recordKey(k))
	if err != nil {
		return 0, err
	}
	if !ok || cur.Version != expected {
		return 0, ErrVersionConflict
	}
	if err := p.write(k, expected+1, &rec, orders); err != nil {
		return 0, err
	}
	return expected + 1, nil
}

func (p *PebbleStore) Install(_ context.Context, key bucket.Key, rec rollup.Record, ver Version, orders ...Order) (bool, error) {
	k := key.String()
	p.mu.Lock()
	defer p.mu.Unlock()
	cur, ok, err := load(p.db, recordKey(k))
	if err != nil {
		return false, err
	}
	fresh, err := p.newerOrders(k, ver, orders)
	if err != nil {
		return false, err
	}
	if ok && cur.Version >= ver {
		if len(fresh) == 0 {
			return false, nil
		}
		return false, p.write(k, ver, nil, fresh)
	}
	if err := p.write(k, ver, &rec, fresh); err != nil {
		return false, err
	}
	return true, nil
}

func (p *PebbleStore) InstallApplied(_ context.Context, a Applied) (bool, error) {
	k := a.Key.String()
	p.mu.Lock()
	defer p.mu.Unlock()
	fresh, err := p.newerOrders(k, a.Version, []Order{a.Order})
	if err != nil || len(fresh) == 0 {
		return false, err
	}
	if err := p.write(k, a.Version, nil, fresh); err != nil {
		return false, err
	}
	return true, nil
}

func (p *PebbleStore) Scan(_ context.Context, merchantID string, g bucket.Granularity, from, to time.Time, fn func(Entry) error) error {
	lo, hi := scanBounds(merchantID, g, from, to)
	return p.iterate(&pebble.IterOptions{
		LowerBound: recordKey(lo),
		UpperBound: append(recordKey(hi), 0),
	}, fn)
}

func (p *PebbleStore) Range(_ context.Context, fn func(Entry) error) error {
	return p.iterate(&pebble.IterOptions{
		LowerBound: []byte(recordPrefix),
		UpperBound: upperBound(recordPrefix),
	}, fn)
}

func (p *PebbleStore) iterate(opts *pebble.IterOptions, fn func(Entry) error) error {
	it, err := p.db.NewIter(opts)
	if err != nil {
		return unavailable("pebble iter", err)
	}
	defer it.Close()
	for it.First(); it.Valid(); it.Next() {
		key, err := bucket.ParseKey(strings.TrimPrefix(string(it.Key()), recordPrefix))
		if err != nil {
			return err
		}
		d, err := decodeDoc(it.Value())
		if err != nil {
			return fmt.Errorf("decode %s: %w", key, err)
		}
		if err := fn(Entry{Key: key, Version: d.Version, Record: d.Record}); err != nil {
			return err
		}
	}
	return it.Error()
}

func (p *PebbleStore) RangeApplied(_ context.Context, fn func(Applied) error) error {
	it, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(appliedPrefix),
		UpperBound: upperBound(appliedPrefix),
	})
	if err != nil {
		return unavailable("pebble iter", err)
	}
	defer it.Close()
	for it.First(); it.Valid(); it.Next() {
		key, orderID, err := parseAppliedKey(string(it.Key()))
		if err != nil {
			return err
		}
		d, err := decodeOrder(it.Value())
		if err != nil {
			return fmt.Errorf("decode %s: %w", it.Key(), err)
		}
		if err := fn(Applied{Key: key, Version: d.Version, Order: Order{ID: orderID, Contribution: d.Contribution}}); err != nil {
			return err
		}
	}
	return it.Error()
}
