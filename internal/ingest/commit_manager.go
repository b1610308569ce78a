package ingest

import (
	"sync"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"go.uber.org/zap"
)

type tp struct {
	topic     string
	partition int32
}

// committer is the slice of *kafka.Consumer the commit manager uses.
type committer interface {
	CommitOffsets(offsets []kafka.TopicPartition) ([]kafka.TopicPartition, error)
}

// CommitManager commits offsets only once every lower offset of the
// partition has been acked, so concurrent workers never skip a message.
type CommitManager struct {
	mu       sync.Mutex
	high     map[tp]int64              // highest contiguous acked offset per partition
	done     map[tp]map[int64]struct{} // acked offsets above high
	consumer committer
	log      *zap.Logger
}

func NewCommitManager(c committer, l *zap.Logger) *CommitManager {
	return &CommitManager{
		high:     make(map[tp]int64),
		done:     make(map[tp]map[int64]struct{}),
		consumer: c,
		log:      l,
	}
}

// Track registers the first offset seen for a partition; acks below it are
// ignored and the contiguous run starts there.
func (m *CommitManager) Track(msg *kafka.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := tp{topic: topicOf(msg), partition: msg.TopicPartition.Partition}
	if _, ok := m.high[key]; !ok {
		m.high[key] = int64(msg.TopicPartition.Offset) - 1
	}
}

func (m *CommitManager) Ack(msg *kafka.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := tp{topic: topicOf(msg), partition: msg.TopicPartition.Partition}
	off := int64(msg.TopicPartition.Offset)
	if _, ok := m.high[key]; !ok {
		m.high[key] = off - 1
	}
	if off <= m.high[key] {
		return
	}

	if m.done[key] == nil {
		m.done[key] = map[int64]struct{}{}
	}
	m.done[key][off] = struct{}{}

	next := m.high[key]
	for {
		if _, ok := m.done[key][next+1]; ok {
			next++
			delete(m.done[key], next)
		} else {
			break
		}
	}

	if next > m.high[key] {
		tpToCommit := kafka.TopicPartition{Topic: &key.topic, Partition: key.partition, Offset: kafka.Offset(next + 1)}
		if _, err := m.consumer.CommitOffsets([]kafka.TopicPartition{tpToCommit}); err != nil {
			m.log.Error("offset_commit_failed",
				zap.String("topic", key.topic),
				zap.Int32("partition", key.partition),
				zap.Int64("attempted_offset", next), zap.Error(err))
			// keep the acked run; the next ack retries the commit
			for o := m.high[key] + 1; o <= next; o++ {
				m.done[key][o] = struct{}{}
			}
			return
		}
		m.high[key] = next
		m.log.Debug("offset_committed",
			zap.String("topic", key.topic),
			zap.Int32("partition", key.partition),
			zap.Int64("offset", next))
	}
}

// Committed returns the highest offset up to which the partition is fully
// acked, -1 for an unknown partition.
func (m *CommitManager) Committed(topic string, partition int32) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.high[tp{topic: topic, partition: partition}]; ok {
		return h
	}
	return -1
}

func topicOf(msg *kafka.Message) string {
	if msg.TopicPartition.Topic == nil {
		return ""
	}
	return *msg.TopicPartition.Topic
}
