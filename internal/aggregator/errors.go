package aggregator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"mra/internal/state"
)

var (
	// ErrInvalidEvent marks events rejected before any bucket is touched.
	ErrInvalidEvent         = errors.New("invalid event")
	// ErrConcurrencyExhausted marks a bucket that kept losing write races.
	ErrConcurrencyExhausted = errors.New("concurrency retries exhausted")
)

// PartialFailureError reports an event whose buckets did not all commit.
// The committed buckets stay committed; redelivering the event is safe.
type PartialFailureError struct {
	Failed []BucketOutcome
	Total  int
}

func (e *PartialFailureError) Error() string {
	keys := make([]string, 0, len(e.Failed))
	for _, f := range e.Failed {
		keys = append(keys, f.Key.String())
	}
	return fmt.Sprintf("%d of %d buckets failed: %s", len(e.Failed), e.Total, strings.Join(keys, ", "))
}

func (e *PartialFailureError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failed))
	for _, f := range e.Failed {
		errs = append(errs, f.Err)
	}
	return errs
}

// Retryable reports whether redelivering the event may succeed.
func Retryable(err error) bool {
	if err == nil || errors.Is(err, ErrInvalidEvent) {
		return false
	}
	return errors.Is(err, ErrConcurrencyExhausted) ||
		errors.Is(err, state.ErrStoreUnavailable) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled)
}
