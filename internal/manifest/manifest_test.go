package manifest

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
)

func TestPublishAndReadLatest(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	m := NewFilesystemManifest(dir)
	if _, err := m.ReadLatest(ctx); !errors.Is(err, ErrNoManifest) {
		t.Fatalf("want ErrNoManifest before publish, got %v", err)
	}
	if err := m.PublishLatest(ctx, "sid-123", 42, 7); err != nil {
		t.Fatalf("PublishLatest error: %v", err)
	}
	got, err := m.ReadLatest(ctx)
	if err != nil {
		t.Fatalf("ReadLatest error: %v", err)
	}
	if got.SnapshotID != "sid-123" || got.LastChangelogOffset != 42 || got.Entries != 7 || got.CreatedAtEpochSecond == 0 {
		t.Fatalf("unexpected manifest: %+v", got)
	}
	if age := got.Age(time.Now()); age < 0 || age > time.Minute {
		t.Fatalf("age out of range: %v", age)
	}
}

// fakeKafkaWriter implements kafkaMessageWriter for tests
type fakeKafkaWriter struct {
	msgs []kafka.Message
	fail bool
}

func (f *fakeKafkaWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if f.fail {
		return errors.New("fail")
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func TestKafkaManifest_PublishLatest_Success(t *testing.T) {
	fk := &fakeKafkaWriter{}
	km := NewKafkaManifestWith(fk, DefaultKafkaKey)
	if err := km.PublishLatest(context.Background(), "sid-abc", 99, 3); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(fk.msgs) != 1 {
		t.Fatalf("want 1 msg, got %d", len(fk.msgs))
	}
	if string(fk.msgs[0].Key) != DefaultKafkaKey {
		t.Fatalf("bad key: %s", string(fk.msgs[0].Key))
	}
	var m Manifest
	if err := json.Unmarshal(fk.msgs[0].Value, &m); err != nil || m.SnapshotID != "sid-abc" || m.LastChangelogOffset != 99 {
		t.Fatalf("bad value: %+v err=%v", m, err)
	}
}

func TestKafkaManifest_PublishLatest_Fail(t *testing.T) {
	fk := &fakeKafkaWriter{fail: true}
	km := NewKafkaManifestWith(fk, DefaultKafkaKey)
	if err := km.PublishLatest(context.Background(), "sid-abc", 99, 0); err == nil {
		t.Fatalf("expected error")
	}
}

func TestMultiPublisher(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	fk := &fakeKafkaWriter{}
	p := MultiPublisher(NewFilesystemManifest(dir), NewKafkaManifestWith(fk, DefaultKafkaKey))
	if err := p.PublishLatest(ctx, "sid-1", 5, 1); err != nil {
		t.Fatalf("publish: %v", err)
	}
	got, err := NewFilesystemManifest(dir).ReadLatest(ctx)
	if err != nil || got.SnapshotID != "sid-1" {
		t.Fatalf("file side: %+v err=%v", got, err)
	}
	if len(fk.msgs) != 1 {
		t.Fatalf("kafka side: %d msgs", len(fk.msgs))
	}
}
