package aggregator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"mra/internal/bucket"
	"mra/internal/changelog"
	"mra/internal/metrics"
	"mra/internal/model"
	"mra/internal/rollup"
	"mra/internal/state"
)

// Options tunes the optimistic retry loop and the per-event deadline.
type Options struct {
	MaxAttempts  int
	BaseBackoff  time.Duration
	MaxBackoff   time.Duration
	EventTimeout time.Duration
}

// DefaultOptions returns the options New falls back to for unset fields.
func DefaultOptions() Options {
	return Options{
		MaxAttempts:  8,
		BaseBackoff:  5 * time.Millisecond,
		MaxBackoff:   250 * time.Millisecond,
		EventTimeout: 10 * time.Second,
	}
}

// BucketStatus is the outcome of one event on one aggregate key.
type BucketStatus string

const (
	BucketCreated   BucketStatus = "created"
	BucketUpdated   BucketStatus = "updated"
	BucketUnchanged BucketStatus = "unchanged"
	BucketFailed    BucketStatus = "failed"
)

// BucketOutcome is what happened to one aggregate key for one event.
type BucketOutcome struct {
	Key      bucket.Key
	Status   BucketStatus
	Version  state.Version
	Record   rollup.Record
	// Order is the applied-index entry written with Record.
	Order    state.Order
	Attempts int
	Err      error
}

// Result collects the bucket outcomes of one event.
type Result struct {
	Event   model.OrderEvent
	Buckets []BucketOutcome
}

// Changed reports whether any bucket was written.
func (r Result) Changed() bool {
	for _, b := range r.Buckets {
		if b.Status == BucketCreated || b.Status == BucketUpdated {
			return true
		}
	}
	return false
}

// Err is nil when every bucket committed, the single bucket error when all
// failed, and a *PartialFailureError otherwise.
func (r Result) Err() error {
	var failed []BucketOutcome
	for _, b := range r.Buckets {
		if b.Status == BucketFailed {
			failed = append(failed, b)
		}
	}
	switch {
	case len(failed) == 0:
		return nil
	case len(failed) == len(r.Buckets):
		return failed[0].Err
	default:
		return &PartialFailureError{Failed: failed, Total: len(r.Buckets)}
	}
}

// Config wires a Coordinator. Only Store is required.
type Config struct {
	Store     state.Store
	Resolver  *bucket.Resolver
	Changelog changelog.Writer
	Logger    *zap.Logger
	Metrics   *metrics.Registry
	Options   Options
}

// Coordinator runs the load, merge and conditional-write cycle for every
// bucket an event touches.
type Coordinator struct {
	store     state.Store
	resolver  *bucket.Resolver
	changelog changelog.Writer
	log       *zap.Logger
	metrics   *metrics.Registry
	opts      Options
	now       func() time.Time
}

// New builds a Coordinator, defaulting the resolver to every registered
// granularity and filling unset options from DefaultOptions.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Store == nil {
		return nil, errors.New("aggregator: store is required")
	}
	c := &Coordinator{
		store:     cfg.Store,
		resolver:  cfg.Resolver,
		changelog: cfg.Changelog,
		log:       cfg.Logger,
		metrics:   cfg.Metrics,
		opts:      cfg.Options,
		now:       time.Now,
	}
	if c.resolver == nil {
		r, err := bucket.NewResolver()
		if err != nil {
			return nil, err
		}
		c.resolver = r
	}
	if c.log == nil {
		c.log = zap.NewNop()
	}
	if c.metrics == nil {
		c.metrics = metrics.NewRegistry()
	}
	def := DefaultOptions()
	if c.opts.MaxAttempts <= 0 {
		c.opts.MaxAttempts = def.MaxAttempts
	}
	if c.opts.BaseBackoff <= 0 {
		c.opts.BaseBackoff = def.BaseBackoff
	}
	if c.opts.MaxBackoff < c.opts.BaseBackoff {
		c.opts.MaxBackoff = c.opts.BaseBackoff
	}
	return c, nil
}

// ApplyRaw decodes and normalizes payload, then applies it.
func (c *Coordinator) ApplyRaw(ctx context.Context, payload []byte) (Result, error) {
	ev, err := model.Parse(payload)
	if err != nil {
		c.metrics.Events.WithLabelValues(metrics.OutcomeInvalid).Inc()
		return Result{}, fmt.Errorf("%w: %w", ErrInvalidEvent, err)
	}
	return c.Apply(ctx, ev)
}

// Apply folds one normalized event into every bucket it resolves to. Buckets
// are independent: a failure on one does not undo another.
func (c *Coordinator) Apply(ctx context.Context, ev model.OrderEvent) (Result, error) {
	if err := check(ev); err != nil {
		c.metrics.Events.WithLabelValues(metrics.OutcomeInvalid).Inc()
		return Result{}, err
	}
	start := time.Now()
	if c.opts.EventTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.EventTimeout)
		defer cancel()
	}

	res := Result{Event: ev}
	for _, key := range c.resolver.Resolve(ev) {
		res.Buckets = append(res.Buckets, c.ApplyBucket(ctx, ev, key))
	}
	c.metrics.ApplyLatencySec.Observe(time.Since(start).Seconds())

	err := res.Err()
	var pf *PartialFailureError
	switch {
	case err == nil && res.Changed():
		c.metrics.Events.WithLabelValues(metrics.OutcomeApplied).Inc()
	case err == nil:
		c.metrics.Events.WithLabelValues(metrics.OutcomeUnchanged).Inc()
		c.log.Debug("event_unchanged", zap.String("merchant_id", ev.MerchantID), zap.String("order_id", ev.OrderID))
	case errors.As(err, &pf):
		c.metrics.Events.WithLabelValues(metrics.OutcomePartial).Inc()
		c.log.Warn("event_partially_applied",
			zap.String("merchant_id", ev.MerchantID),
			zap.String("order_id", ev.OrderID),
			zap.Error(err))
	default:
		c.metrics.Events.WithLabelValues(metrics.OutcomeFailed).Inc()
		c.log.Warn("event_failed",
			zap.String("merchant_id", ev.MerchantID),
			zap.String("order_id", ev.OrderID),
			zap.Error(err))
	}
	return res, err
}

// ApplyBucket runs the optimistic cycle for a single key, retrying lost races
// with jittered exponential backoff.
func (c *Coordinator) ApplyBucket(ctx context.Context, ev model.OrderEvent, key bucket.Key) BucketOutcome {
	out := BucketOutcome{Key: key}
	op := func() error {
		out.Attempts++
		cur, ver, prior, err := c.store.GetOrder(ctx, key, ev.OrderID)
		var existing *rollup.Record
		switch {
		case errors.Is(err, state.ErrNotFound):
		case err != nil:
			return backoff.Permanent(err)
		default:
			existing = &cur
		}

		next, contrib, changed := rollup.Merge(existing, prior, ev)
		ord := state.Order{ID: ev.OrderID, Contribution: contrib}
		if !changed {
			out.Status, out.Version, out.Record, out.Order = BucketUnchanged, ver, cur, ord
			return nil
		}

		var written state.Version
		status := BucketUpdated
		if existing == nil {
			status = BucketCreated
			written, err = c.store.PutIfAbsent(ctx, key, next, ord)
		} else {
			written, err = c.store.PutIfVersion(ctx, key, next, ver, ord)
		}
		if errors.Is(err, state.ErrVersionConflict) || errors.Is(err, state.ErrAlreadyExists) {
			c.metrics.Conflicts.Inc()
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		out.Status, out.Version, out.Record, out.Order = status, written, next, ord
		return nil
	}

	err := backoff.Retry(op, backoff.WithContext(
		backoff.WithMaxRetries(c.newBackOff(), uint64(c.opts.MaxAttempts-1)), ctx))
	if err != nil {
		out.Status = BucketFailed
		out.Record = rollup.Record{}
		out.Order = state.Order{}
		if errors.Is(err, state.ErrVersionConflict) || errors.Is(err, state.ErrAlreadyExists) {
			err = fmt.Errorf("%w: %s after %d attempts", ErrConcurrencyExhausted, key, out.Attempts)
		} else {
			err = fmt.Errorf("bucket %s: %w", key, err)
		}
		out.Err = err
		return out
	}

	if out.Status != BucketUnchanged {
		c.metrics.BucketWrites.WithLabelValues(string(key.Granularity), opLabel(out.Status)).Inc()
		c.appendChangelog(ctx, out)
	}
	return out
}

func (c *Coordinator) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.BaseBackoff
	b.MaxInterval = c.opts.MaxBackoff
	b.RandomizationFactor = 0.5
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// appendChangelog publishes the post-write image. The store is the source of
// truth, so a failed append is logged and counted only.
func (c *Coordinator) appendChangelog(ctx context.Context, out BucketOutcome) {
	if c.changelog == nil {
		return
	}
	contrib := out.Order.Contribution
	u := changelog.Update{
		Key:          out.Key.String(),
		Version:      uint64(out.Version),
		Record:       out.Record,
		OrderID:      out.Order.ID,
		Contribution: &contrib,
		TS:           c.now().UnixMilli(),
	}
	if err := c.changelog.Append(ctx, u); err != nil {
		c.metrics.ChangelogFailed.Inc()
		c.log.Warn("changelog_append_failed", zap.String("key", u.Key), zap.Uint64("version", u.Version), zap.Error(err))
		return
	}
	c.metrics.ChangelogAppended.Inc()
}

func opLabel(s BucketStatus) string {
	if s == BucketCreated {
		return "create"
	}
	return "update"
}

// check guards Apply against events that did not come through the
// normalizer.
func check(ev model.OrderEvent) error {
	if err := model.Validate(ev); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidEvent, err)
	}
	return nil
}
