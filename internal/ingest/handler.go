package ingest

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"mra/internal/aggregator"
	"mra/internal/metrics"
)

// Disposition tells the transport what to do with a message after handling.
type Disposition int

const (
	// Commit: the event is fully reflected in the store (or was a duplicate).
	Commit Disposition = iota
	// DeadLetter: the event can never succeed, or ran out of requeues.
	DeadLetter
	// Requeue: the event should be delivered again later.
	Requeue
)

func (d Disposition) String() string {
	switch d {
	case Commit:
		return "commit"
	case DeadLetter:
		return "dead_letter"
	case Requeue:
		return "requeue"
	}
	return "unknown"
}

// Applier is the part of the coordinator the handler needs.
type Applier interface {
	ApplyRaw(ctx context.Context, payload []byte) (aggregator.Result, error)
}

// Handler maps coordinator results onto transport dispositions. It is
// independent of Kafka so every path is testable.
type Handler struct {
	applier     Applier
	log         *zap.Logger
	metrics     *metrics.Registry
	maxRequeues int
}

func NewHandler(a Applier, log *zap.Logger, reg *metrics.Registry, maxRequeues int) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	if reg == nil {
		reg = metrics.NewRegistry()
	}
	return &Handler{applier: a, log: log, metrics: reg, maxRequeues: maxRequeues}
}

// Handle applies one payload. attempt counts prior requeues of the message.
func (h *Handler) Handle(ctx context.Context, payload []byte, attempt int) (Disposition, error) {
	_, err := h.applier.ApplyRaw(ctx, payload)
	switch {
	case err == nil:
		return Commit, nil
	case errors.Is(err, aggregator.ErrInvalidEvent):
		h.metrics.DeadLettered.Inc()
		h.log.Warn("invalid_event_dead_lettered", zap.Error(err))
		return DeadLetter, err
	case aggregator.Retryable(err) && attempt < h.maxRequeues:
		h.metrics.Requeued.Inc()
		h.log.Info("event_requeued", zap.Int("attempt", attempt+1), zap.Error(err))
		return Requeue, err
	default:
		h.metrics.DeadLettered.Inc()
		h.log.Error("event_dead_lettered", zap.Int("attempt", attempt), zap.Error(err))
		return DeadLetter, err
	}
}
