package bucket

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"mra/internal/model"
)

// Granularity names a bucket width.
type Granularity string

const (
	Hourly Granularity = "hourly"
	Daily  Granularity = "daily"
)

type unit struct {
	truncate func(time.Time) time.Time
	next     func(time.Time) time.Time
}

var (
	mu    sync.RWMutex
	units = map[Granularity]unit{
		Hourly: {
			truncate: func(t time.Time) time.Time { return t.UTC().Truncate(time.Hour) },
			next:     func(t time.Time) time.Time { return t.Add(time.Hour) },
		},
		Daily: {
			truncate: func(t time.Time) time.Time {
				t = t.UTC()
				return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
			},
			next: func(t time.Time) time.Time { return t.AddDate(0, 0, 1) },
		},
	}
)

// Register adds a granularity. truncate must map any instant to the UTC start of
// its bucket and next must return the start of the following bucket.
func Register(g Granularity, truncate, next func(time.Time) time.Time) {
	mu.Lock()
	defer mu.Unlock()
	units[g] = unit{truncate: truncate, next: next}
}

// Known lists registered granularities in name order.
func Known() []Granularity {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]Granularity, 0, len(units))
	for g := range units {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func lookup(g Granularity) (unit, error) {
	mu.RLock()
	defer mu.RUnlock()
	u, ok := units[g]
	if !ok {
		return unit{}, fmt.Errorf("unknown granularity %q", g)
	}
	return u, nil
}

// Valid reports whether g is registered.
func (g Granularity) Valid() bool {
	_, err := lookup(g)
	return err == nil
}

// Truncate returns the start of the bucket containing t.
func (g Granularity) Truncate(t time.Time) (time.Time, error) {
	u, err := lookup(g)
	if err != nil {
		return time.Time{}, err
	}
	return u.truncate(t), nil
}

// Next returns the start of the bucket following the one starting at start.
func (g Granularity) Next(start time.Time) (time.Time, error) {
	u, err := lookup(g)
	if err != nil {
		return time.Time{}, err
	}
	return u.next(start), nil
}

// Key identifies one aggregate record.
type Key struct {
	MerchantID  string
	Granularity Granularity
	Start       time.Time
}

// TimeLayout is the bucket start encoding used in keys and documents.
const TimeLayout = time.RFC3339

// String returns merchantId/granularity/bucketStart. Within one merchant and
// granularity the strings sort chronologically.
func (k Key) String() string {
	return Prefix(k.MerchantID, k.Granularity) + k.Start.UTC().Format(TimeLayout)
}

// Prefix is the common key prefix of all buckets of a merchant at a granularity.
func Prefix(merchantID string, g Granularity) string {
	return merchantID + "/" + string(g) + "/"
}

// ParseKey is the inverse of Key.String.
func ParseKey(s string) (Key, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 3 || parts[0] == "" {
		return Key{}, fmt.Errorf("malformed key %q", s)
	}
	start, err := time.Parse(TimeLayout, parts[2])
	if err != nil {
		return Key{}, fmt.Errorf("malformed key %q: %w", s, err)
	}
	return Key{MerchantID: parts[0], Granularity: Granularity(parts[1]), Start: start.UTC()}, nil
}

// Resolver maps events to the keys they affect.
type Resolver struct {
	grans []Granularity
}

// NewResolver returns a resolver over the given granularities, hourly and daily
// when none are given.
func NewResolver(grans ...Granularity) (*Resolver, error) {
	if len(grans) == 0 {
		grans = []Granularity{Hourly, Daily}
	}
	seen := make(map[Granularity]bool, len(grans))
	out := make([]Granularity, 0, len(grans))
	for _, g := range grans {
		if !g.Valid() {
			return nil, fmt.Errorf("unknown granularity %q", g)
		}
		if seen[g] {
			continue
		}
		seen[g] = true
		out = append(out, g)
	}
	return &Resolver{grans: out}, nil
}

// Granularities returns the configured granularities.
func (r *Resolver) Granularities() []Granularity {
	return append([]Granularity(nil), r.grans...)
}

// Resolve returns one key per configured granularity.
func (r *Resolver) Resolve(ev model.OrderEvent) []Key {
	keys := make([]Key, 0, len(r.grans))
	for _, g := range r.grans {
		start, err := g.Truncate(ev.Timestamp)
		if err != nil {
			// granularities are checked in NewResolver
			continue
		}
		keys = append(keys, Key{MerchantID: ev.MerchantID, Granularity: g, Start: start})
	}
	return keys
}

// MarshalText encodes the key as its string form.
func (k Key) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// UnmarshalText decodes a key produced by MarshalText.
func (k *Key) UnmarshalText(b []byte) error {
	parsed, err := ParseKey(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}
