package restore

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"mra/internal/bucket"
	"mra/internal/changelog"
	"mra/internal/manifest"
	"mra/internal/metrics"
	"mra/internal/snapshot"
	"mra/internal/state"
)

// KafkaReader reads the latest manifest record from a compacted Kafka topic.
type KafkaReader struct {
	brokers []string
	topic   string
	key     []byte
	timeout time.Duration
}

func NewKafkaReader(brokers []string, topic string, key string) *KafkaReader {
	return &KafkaReader{brokers: brokers, topic: topic, key: []byte(key), timeout: 10 * time.Second}
}

// ReadLatest scans partition 0 from the beginning and keeps the last record
// for the key; fine for a compacted topic.
func (k *KafkaReader) ReadLatest(ctx context.Context) (manifest.Manifest, error) {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:   k.brokers,
		Topic:     k.topic,
		Partition: 0,
		MinBytes:  1,
		MaxBytes:  10e6,
	})
	defer r.Close()

	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()

	var last manifest.Manifest
	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			return manifest.Manifest{}, fmt.Errorf("read kafka: %w", err)
		}
		if string(m.Key) != string(k.key) {
			continue
		}
		var man manifest.Manifest
		if err := json.Unmarshal(m.Value, &man); err != nil {
			return manifest.Manifest{}, fmt.Errorf("unmarshal kafka manifest: %w", err)
		}
		last = man
	}
	if last.SnapshotID == "" {
		return manifest.Manifest{}, manifest.ErrNoManifest
	}
	return last, nil
}

// Restorer rebuilds a store from the latest snapshot and the changelog.
type Restorer struct {
	store           state.Store
	manifestReader  manifest.Reader
	snapshotBaseDir string
	changelogPath   string
	log             *zap.Logger
	metrics         *metrics.Registry
}

func NewRestorer(st state.Store, mr manifest.Reader, snapshotBaseDir, changelogPath string, log *zap.Logger, reg *metrics.Registry) *Restorer {
	if log == nil {
		log = zap.NewNop()
	}
	if reg == nil {
		reg = metrics.NewRegistry()
	}
	return &Restorer{
		store:           st,
		manifestReader:  mr,
		snapshotBaseDir: snapshotBaseDir,
		changelogPath:   changelogPath,
		log:             log,
		metrics:         reg,
	}
}

// RestoreResult counts installed and skipped records. Skipped records were
// not newer than what the store already held.
type RestoreResult struct {
	Applied int
	Skipped int
	Error   error
}

func (r *RestoreResult) add(o RestoreResult) {
	r.Applied += o.Applied
	r.Skipped += o.Skipped
	if r.Error == nil {
		r.Error = o.Error
	}
}

// ordersOf returns the applied-index entry an update carries, if any.
func ordersOf(u changelog.Update) []state.Order {
	if u.OrderID == "" || u.Contribution == nil {
		return nil
	}
	return []state.Order{{ID: u.OrderID, Contribution: *u.Contribution}}
}

func (r *Restorer) install(ctx context.Context, key bucket.Key, u changelog.Update, res *RestoreResult) error {
	ok, err := r.store.Install(ctx, key, u.Record, state.Version(u.Version), ordersOf(u)...)
	if err != nil {
		return err
	}
	if ok {
		res.Applied++
		r.metrics.Applied.Inc()
	} else {
		res.Skipped++
		r.metrics.Skipped.Inc()
	}
	return nil
}

// RestoreFromSnapshot installs every entry of a snapshot, then its applied
// index. A missing snapshot is skipped.
func (r *Restorer) RestoreFromSnapshot(ctx context.Context, snapshotID string) (RestoreResult, error) {
	if snapshotID == "" {
		return RestoreResult{}, nil
	}
	entries, err := snapshot.Load(r.snapshotBaseDir, snapshotID)
	if errors.Is(err, os.ErrNotExist) {
		r.log.Warn("snapshot_not_found", zap.String("snapshot_id", snapshotID), zap.String("dir", r.snapshotBaseDir))
		return RestoreResult{}, nil
	}
	if err != nil {
		return RestoreResult{}, err
	}
	var res RestoreResult
	for _, e := range entries {
		u := changelog.Update{Key: e.Key.String(), Version: uint64(e.Version), Record: e.Record}
		if err := r.install(ctx, e.Key, u, &res); err != nil {
			return res, fmt.Errorf("install %s: %w", e.Key, err)
		}
	}
	orders := 0
	err = snapshot.LoadApplied(r.snapshotBaseDir, snapshotID, func(a state.Applied) error {
		if _, err := r.store.InstallApplied(ctx, a); err != nil {
			return fmt.Errorf("install %s order %s: %w", a.Key, a.ID, err)
		}
		orders++
		return nil
	})
	if err != nil {
		return res, err
	}
	r.log.Info("snapshot_restored",
		zap.String("snapshot_id", snapshotID),
		zap.Int("entries", len(entries)),
		zap.Int("applied", res.Applied),
		zap.Int("orders", orders))
	return res, nil
}

// ReplayChangelog installs the updates of a JSONL changelog after the first
// fromOffset lines. Replay is idempotent: an update only lands when its
// version is newer than the stored one.
func (r *Restorer) ReplayChangelog(ctx context.Context, changelogPath string, fromOffset int64) RestoreResult {
	file, err := os.Open(changelogPath)
	if err != nil {
		return RestoreResult{Error: fmt.Errorf("open changelog: %w", err)}
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), changelog.MaxLineBytes)
	var res RestoreResult
	lineNum := int64(0)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		lineNum++
		if lineNum <= fromOffset {
			continue
		}
		r.metrics.ReplayBytes.Add(float64(len(line) + 1))

		var u changelog.Update
		if err := json.Unmarshal(line, &u); err != nil {
			res.Error = fmt.Errorf("unmarshal line %d: %w", lineNum, err)
			return res
		}
		key, err := bucket.ParseKey(u.Key)
		if err != nil {
			res.Error = fmt.Errorf("line %d: %w", lineNum, err)
			return res
		}
		if err := r.install(ctx, key, u, &res); err != nil {
			res.Error = fmt.Errorf("apply line %d: %w", lineNum, err)
			return res
		}
	}
	if err := scanner.Err(); err != nil {
		res.Error = fmt.Errorf("scan changelog: %w", err)
	}
	return res
}

// ReplayChangelogKafka consumes updates from a Kafka topic (partition 0) and
// installs them. fromOffset is the Kafka offset to start at; the read ends
// once the partition is idle for idle.
func (r *Restorer) ReplayChangelogKafka(ctx context.Context, brokers []string, topic string, fromOffset int64, idle time.Duration) RestoreResult {
	rd := kafka.NewReader(kafka.ReaderConfig{
		Brokers:   brokers,
		Topic:     topic,
		Partition: 0,
		MinBytes:  1,
		MaxBytes:  10e6,
	})
	defer rd.Close()
	if err := rd.SetOffset(fromOffset); err != nil {
		return RestoreResult{Error: fmt.Errorf("seek: %w", err)}
	}

	var res RestoreResult
	for {
		readCtx, cancel := context.WithTimeout(ctx, idle)
		m, err := rd.ReadMessage(readCtx)
		cancel()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				break
			}
			res.Error = fmt.Errorf("read kafka: %w", err)
			return res
		}
		r.metrics.ReplayBytes.Add(float64(len(m.Value)))
		r.metrics.Lag.Set(float64(rd.Lag()))

		var u changelog.Update
		if err := json.Unmarshal(m.Value, &u); err != nil {
			res.Error = fmt.Errorf("unmarshal update at %d: %w", m.Offset, err)
			return res
		}
		key, err := bucket.ParseKey(u.Key)
		if err != nil {
			res.Error = fmt.Errorf("update at %d: %w", m.Offset, err)
			return res
		}
		if err := r.install(ctx, key, u, &res); err != nil {
			res.Error = fmt.Errorf("apply: %w", err)
			return res
		}
	}
	r.metrics.Lag.Set(0)
	return res
}

// RestoreAndReplay restores the latest snapshot and replays the file
// changelog after the manifest's offset. Without a manifest the whole
// changelog is replayed.
func (r *Restorer) RestoreAndReplay(ctx context.Context) (RestoreResult, error) {
	start := time.Now()
	m, err := r.manifestReader.ReadLatest(ctx)
	switch {
	case errors.Is(err, manifest.ErrNoManifest):
		r.log.Warn("no_manifest_full_replay")
	case err != nil:
		return RestoreResult{}, fmt.Errorf("read manifest: %w", err)
	default:
		r.metrics.LastManifestAgeSec.Set(m.Age(time.Now()).Seconds())
	}

	res, err := r.RestoreFromSnapshot(ctx, m.SnapshotID)
	if err != nil {
		return res, fmt.Errorf("restore snapshot: %w", err)
	}

	if r.changelogPath != "" {
		if _, statErr := os.Stat(r.changelogPath); statErr == nil {
			res.add(r.ReplayChangelog(ctx, r.changelogPath, m.LastChangelogOffset))
		} else {
			r.log.Warn("changelog_not_found", zap.String("path", r.changelogPath))
		}
	}
	r.metrics.TTRSec.Set(time.Since(start).Seconds())
	r.log.Info("restore_completed",
		zap.String("snapshot_id", m.SnapshotID),
		zap.Int64("from_offset", m.LastChangelogOffset),
		zap.Int("applied", res.Applied),
		zap.Int("skipped", res.Skipped),
		zap.Duration("ttr", time.Since(start)))
	return res, res.Error
}
