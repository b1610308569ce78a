package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mra/internal/aggregator"
	"mra/internal/state"
)

type fakeApplier struct{ err error }

func (f fakeApplier) ApplyRaw(context.Context, []byte) (aggregator.Result, error) {
	return aggregator.Result{}, f.err
}

func TestHandler_Dispositions(t *testing.T) {
	cases := []struct {
		name    string
		err     error
		attempt int
		want    Disposition
	}{
		{"applied", nil, 0, Commit},
		{"invalid", fmt.Errorf("%w: bad amount", aggregator.ErrInvalidEvent), 0, DeadLetter},
		{"conflicts", fmt.Errorf("%w: k", aggregator.ErrConcurrencyExhausted), 0, Requeue},
		{"store down", fmt.Errorf("bucket k: %w", state.ErrStoreUnavailable), 2, Requeue},
		{"requeues exhausted", fmt.Errorf("bucket k: %w", state.ErrStoreUnavailable), 3, DeadLetter},
		{"timeout", context.DeadlineExceeded, 0, Requeue},
		{"unknown", errors.New("decode k: bad json"), 0, DeadLetter},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := NewHandler(fakeApplier{err: tc.err}, zap.NewNop(), nil, 3)
			got, err := h.Handle(context.Background(), []byte(`{}`), tc.attempt)
			assert.Equal(t, tc.want, got, got.String())
			if tc.err == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tc.err)
			}
		})
	}
}

type fakeCommitter struct {
	mu      sync.Mutex
	commits []kafka.TopicPartition
	fail    bool
}

func (f *fakeCommitter) CommitOffsets(offsets []kafka.TopicPartition) ([]kafka.TopicPartition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return nil, errors.New("coordinator unavailable")
	}
	f.commits = append(f.commits, offsets...)
	return offsets, nil
}

func msgAt(offset int64) *kafka.Message {
	topic := "orders"
	return &kafka.Message{TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: 0, Offset: kafka.Offset(offset)}}
}

func TestCommitManager_CommitsContiguousRunsOnly(t *testing.T) {
	fc := &fakeCommitter{}
	m := NewCommitManager(fc, zap.NewNop())
	for o := int64(0); o < 4; o++ {
		m.Track(msgAt(o))
	}

	m.Ack(msgAt(2))
	m.Ack(msgAt(1))
	require.Empty(t, fc.commits, "offset 0 still in flight")

	m.Ack(msgAt(0))
	require.Len(t, fc.commits, 1)
	assert.Equal(t, kafka.Offset(3), fc.commits[0].Offset, "commit is next offset to read")
	assert.Equal(t, int64(2), m.Committed("orders", 0))

	m.Ack(msgAt(3))
	require.Len(t, fc.commits, 2)
	assert.Equal(t, kafka.Offset(4), fc.commits[1].Offset)
}

func TestCommitManager_RetriesAfterFailedCommit(t *testing.T) {
	fc := &fakeCommitter{fail: true}
	m := NewCommitManager(fc, zap.NewNop())
	m.Track(msgAt(10))
	m.Ack(msgAt(10))
	assert.Equal(t, int64(9), m.Committed("orders", 0))

	fc.fail = false
	m.Track(msgAt(11))
	m.Ack(msgAt(11))
	require.Len(t, fc.commits, 1)
	assert.Equal(t, kafka.Offset(12), fc.commits[0].Offset)
	assert.Equal(t, int64(-1), m.Committed("other", 0))
}

func TestHeaders(t *testing.T) {
	msg := &kafka.Message{Headers: []kafka.Header{{Key: "trace", Value: []byte("x")}}}
	assert.Equal(t, 0, attemptOf(msg))

	msg.Headers = withHeader(msg.Headers, AttemptHeader, "2")
	assert.Equal(t, 2, attemptOf(msg))
	msg.Headers = withHeader(msg.Headers, AttemptHeader, "3")
	assert.Equal(t, 3, attemptOf(msg))
	assert.Len(t, msg.Headers, 2)
}
