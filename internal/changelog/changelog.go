package changelog

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/segmentio/kafka-go"

	"mra/internal/rollup"
)

// Update is the full post-write image of one aggregate record plus the
// applied-index entry of the order that caused the write. Replaying updates
// in any order converges because a record or entry is only installed when its
// version is newer than the stored one.
type Update struct {
	Key          string               `json:"key"`
	Version      uint64               `json:"version"`
	Record       rollup.Record        `json:"record"`
	OrderID      string               `json:"orderId,omitempty"`
	Contribution *rollup.Contribution `json:"contribution,omitempty"`
	TS           int64                `json:"ts"`
}

// MaxLineBytes bounds one JSONL line.
const MaxLineBytes = 1 << 20

// Writer publishes updates after the store commit.
type Writer interface {
	Append(ctx context.Context, u Update) error
}

// MultiWriter fans out writes to multiple underlying writers.
type MultiWriter struct {
	writers []Writer
}

func NewMultiWriter(ws ...Writer) *MultiWriter {
	return &MultiWriter{writers: ws}
}

func (m *MultiWriter) Append(ctx context.Context, u Update) error {
	for _, w := range m.writers {
		if err := w.Append(ctx, u); err != nil {
			return err
		}
	}
	return nil
}

// FileWriter appends updates as JSON lines. Safe for concurrent use.
type FileWriter struct {
	path string
	mu   sync.Mutex
}

func NewFileWriter(dir string, filename string) (*FileWriter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir: %w", err)
	}
	return &FileWriter{path: filepath.Join(dir, filename)}, nil
}

func (w *FileWriter) Path() string { return w.path }

func (w *FileWriter) Append(_ context.Context, u Update) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	if err := enc.Encode(&u); err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	return nil
}

// KafkaWriter publishes updates to a compacted Kafka topic keyed by aggregate
// key (segmentio/kafka-go).
type KafkaWriter struct {
	writer kafkaMessageWriter
}

// kafkaMessageWriter abstracts kafka.Writer for testability.
type kafkaMessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// SplitBrokers parses a comma-separated list of host:port.
func SplitBrokers(bootstrap string) []string {
	var brokers []string
	for _, a := range strings.Split(bootstrap, ",") {
		a = strings.TrimSpace(a)
		if a != "" {
			brokers = append(brokers, a)
		}
	}
	return brokers
}

// NewKafkaWriter creates a Kafka writer.
func NewKafkaWriter(bootstrap string, topic string) *KafkaWriter {
	return &KafkaWriter{writer: &kafka.Writer{
		Addr:         kafka.TCP(SplitBrokers(bootstrap)...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Async:        false,
	}}
}

func (k *KafkaWriter) Append(ctx context.Context, u Update) error {
	b, err := json.Marshal(&u)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(u.Key), Value: b})
}

// NewKafkaWriterWith is only for tests to inject a fake writer.
func NewKafkaWriterWith(w kafkaMessageWriter) *KafkaWriter {
	return &KafkaWriter{writer: w}
}

// CountLines returns the number of updates in a changelog file, 0 when the
// file does not exist. Taken before a snapshot, it is the offset replay
// resumes from.
func CountLines(path string) (int64, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("open: %w", err)
	}
	defer f.Close()
	var n int64
	s := bufio.NewScanner(f)
	s.Buffer(make([]byte, 0, 64*1024), MaxLineBytes)
	for s.Scan() {
		if len(s.Bytes()) > 0 {
			n++
		}
	}
	if err := s.Err(); err != nil {
		return 0, fmt.Errorf("scan: %w", err)
	}
	return n, nil
}
