package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"

	"mra/internal/aggregator"
)

type rawApplier interface {
	ApplyRaw(ctx context.Context, payload []byte) (aggregator.Result, error)
}

type replayStats struct {
	Lines     int
	Changed   int
	Unchanged int
	Invalid   int
	Failed    int
}

// replayEvents applies every non-empty line of r. Invalid lines are counted
// and skipped; any other failure is counted and the first one is returned
// once the input is exhausted, so a rerun picks up what was missed.
func replayEvents(ctx context.Context, r io.Reader, a rawApplier) (replayStats, error) {
	var (
		st    replayStats
		first error
	)
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for s.Scan() {
		line := s.Bytes()
		if len(line) == 0 {
			continue
		}
		st.Lines++
		res, err := a.ApplyRaw(ctx, line)
		switch {
		case err == nil && res.Changed():
			st.Changed++
		case err == nil:
			st.Unchanged++
		case errors.Is(err, aggregator.ErrInvalidEvent):
			st.Invalid++
		default:
			st.Failed++
			if first == nil {
				first = fmt.Errorf("line %d: %w", st.Lines, err)
			}
		}
		if ctx.Err() != nil {
			return st, ctx.Err()
		}
	}
	if err := s.Err(); err != nil {
		return st, fmt.Errorf("scan: %w", err)
	}
	return st, first
}
