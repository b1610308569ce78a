package state

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"mra/internal/bucket"
	"mra/internal/rollup"
)

// BadgerStore implements Store using BadgerDB. Conditional writes run inside
// optimistic transactions; a transaction that lost a race surfaces as
// ErrVersionConflict. A record and its applied-index entries share one
// transaction.
type BadgerStore struct {
	db *badger.DB
}

func NewBadgerStore(dir string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(filepath.Clean(dir)).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("badger open: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func (b *BadgerStore) Close() error { return b.db.Close() }

func getDoc(txn *badger.Txn, k []byte) (document, bool, error) {
	item, err := txn.Get(k)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return document{}, false, nil
	}
	if err != nil {
		return document{}, false, unavailable("badger get", err)
	}
	v, err := item.ValueCopy(nil)
	if err != nil {
		return document{}, false, unavailable("badger value", err)
	}
	d, err := decodeDoc(v)
	if err != nil {
		return document{}, false, fmt.Errorf("decode %s: %w", k, err)
	}
	return d, true, nil
}

func getOrderDoc(txn *badger.Txn, k []byte) (orderDoc, bool, error) {
	item, err := txn.Get(k)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return orderDoc{}, false, nil
	}
	if err != nil {
		return orderDoc{}, false, unavailable("badger get", err)
	}
	v, err := item.ValueCopy(nil)
	if err != nil {
		return orderDoc{}, false, unavailable("badger value", err)
	}
	d, err := decodeOrder(v)
	if err != nil {
		return orderDoc{}, false, fmt.Errorf("decode %s: %w", k, err)
	}
	return d, true, nil
}

func setDoc(txn *badger.Txn, k string, ver Version, rec rollup.Record) error {
	v, err := encodeDoc(ver, rec)
	if err != nil {
		return err
	}
	return txn.Set(recordKey(k), v)
}

// setOrders writes index entries at ver. With newer set, entries already at
// ver or later are kept.
func setOrders(txn *badger.Txn, k string, ver Version, orders []Order, newer bool) (int, error) {
	n := 0
	for _, o := range orders {
		ak := appliedKey(k, o.ID)
		if newer {
			cur, ok, err := getOrderDoc(txn, ak)
			if err != nil {
				return n, err
			}
			if ok && cur.Version >= ver {
				continue
			}
		}
		v, err := encodeOrder(ver, o.Contribution)
		if err != nil {
			return n, err
		}
		if err := txn.Set(ak, v); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// update runs fn in a read-write transaction and maps commit conflicts.
func (b *BadgerStore) update(fn func(txn *badger.Txn) error) error {
	err := b.db.Update(fn)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, badger.ErrConflict):
		return ErrVersionConflict
	case errors.Is(err, ErrVersionConflict), errors.Is(err, ErrAlreadyExists), errors.Is(err, ErrStoreUnavailable):
		return err
	default:
		return unavailable("badger update", err)
	}
}

func (b *BadgerStore) Get(_ context.Context, key bucket.Key) (rollup.Record, Version, error) {
	var d document
	var ok bool
	err := b.db.View(func(txn *badger.Txn) error {
		var e error
		d, ok, e = getDoc(txn, recordKey(key.String()))
		return e
	})
	if err != nil {
		return rollup.Record{}, 0, err
	}
	if !ok {
		return rollup.Record{}, 0, ErrNotFound
	}
	return d.Record, d.Version, nil
}

func (b *BadgerStore) GetOrder(_ context.Context, key bucket.Key, orderID string) (rollup.Record, Version, *rollup.Contribution, error) {
	k := key.String()
	var d document
	var prior *rollup.Contribution
	var ok bool
	err := b.db.View(func(txn *badger.Txn) error {
		var e error
		d, ok, e = getDoc(txn, recordKey(k))
		if e != nil || !ok {
			return e
		}
		o, found, e := getOrderDoc(txn, appliedKey(k, orderID))
		if found {
			prior = &o.Contribution
		}
		return e
	})
	if err != nil {
		return rollup.Record{}, 0, nil, err
	}
	if !ok {
		return rollup.Record{}, 0, nil, ErrNotFound
	}
	return d.Record, d.Version, prior, nil
}

func (b *BadgerStore) PutIfAbsent(_ context.Context, key bucket.Key, rec rollup.Record, orders ...Order) (Version, error) {
	k := key.String()
	err := b.update(func(txn *badger.Txn) error {
		_, ok, err := getDoc(txn, recordKey(k))
		if err != nil {
			return err
		}
		if ok {
			return ErrAlreadyExists
		}
		if err := setDoc(txn, k, 1, rec); err != nil {
			return err
		}
		_, err = setOrders(txn, k, 1, orders, false)
		return err
	})
	if err != nil {
		return 0, err
	}
	return 1, nil
}

func (b *BadgerStore) PutIfVersion(_ context.Context, key bucket.Key, rec rollup.Record, expected Version, orders ...Order) (Version, error) {
	k := key.String()
	err := b.update(func(txn *badger.Txn) error {
		cur, ok, err := getDoc(txn, recordKey(k))
		if err != nil {
			return err
		}
		if !ok || cur.Version != expected {
			return ErrVersionConflict
		}
		if err := setDoc(txn, k, expected+1, rec); err != nil {
			return err
		}
		_, err = setOrders(txn, k, expected+1, orders, false)
		return err
	})
	if err != nil {
		return 0, err
	}
	return expected + 1, nil
}

func (b *BadgerStore) Install(_ context.Context, key bucket.Key, rec rollup.Record, ver Version, orders ...Order) (bool, error) {
	k := key.String()
	var wrote bool
	err := b.update(func(txn *badger.Txn) error {
		wrote = false
		if _, err := setOrders(txn, k, ver, orders, true); err != nil {
			return err
		}
		cur, ok, err := getDoc(txn, recordKey(k))
		if err != nil {
			return err
		}
		if ok && cur.Version >= ver {
			return nil
		}
		wrote = true
		return setDoc(txn, k, ver, rec)
	})
	if err != nil {
		return false, err
	}
	return wrote, nil
}

func (b *BadgerStore) InstallApplied(_ context.Context, a Applied) (bool, error) {
	var n int
	err := b.update(func(txn *badger.Txn) error {
		var err error
		n, err = setOrders(txn, a.Key.String(), a.Version, []Order{a.Order}, true)
		return err
	})
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (b *BadgerStore) Scan(_ context.Context, merchantID string, g bucket.Granularity, from, to time.Time, fn func(Entry) error) error {
	lo, hi := scanBounds(merchantID, g, from, to)
	return b.iterate(recordKey(bucket.Prefix(merchantID, g)), recordKey(lo), string(recordKey(hi)), fn)
}

func (b *BadgerStore) Range(_ context.Context, fn func(Entry) error) error {
	return b.iterate([]byte(recordPrefix), nil, "", fn)
}

// iterate visits record keys under prefix starting at seek and stopping after
// hi (no upper bound when hi is empty).
func (b *BadgerStore) iterate(prefix, seek []byte, hi string, fn func(Entry) error) error {
	return b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		if seek == nil {
			it.Rewind()
		} else {
			it.Seek(seek)
		}
		for ; it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			k := string(item.KeyCopy(nil))
			if hi != "" && k > hi {
				break
			}
			key, err := bucket.ParseKey(strings.TrimPrefix(k, recordPrefix))
			if err != nil {
				return err
			}
			v, err := item.ValueCopy(nil)
			if err != nil {
				return unavailable("badger value", err)
			}
			d, err := decodeDoc(v)
			if err != nil {
				return fmt.Errorf("decode %s: %w", k, err)
			}
			if err := fn(Entry{Key: key, Version: d.Version, Record: d.Record}); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *BadgerStore) RangeApplied(_ context.Context, fn func(Applied) error) error {
	return b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(appliedPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			key, orderID, err := parseAppliedKey(string(item.KeyCopy(nil)))
			if err != nil {
				return err
			}
			v, err := item.ValueCopy(nil)
			if err != nil {
				return unavailable("badger value", err)
			}
			d, err := decodeOrder(v)
			if err != nil {
				return fmt.Errorf("decode %s: %w", item.Key(), err)
			}
			if err := fn(Applied{Key: key, Version: d.Version, Order: Order{ID: orderID, Contribution: d.Contribution}}); err != nil {
				return err
			}
		}
		return nil
	})
}
