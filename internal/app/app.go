// Package app assembles the store, coordinator and recovery pieces from a
// Config. rollupd and rollupctl share it.
package app

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"mra/internal/aggregator"
	"mra/internal/bucket"
	"mra/internal/changelog"
	"mra/internal/config"
	"mra/internal/ingest"
	"mra/internal/manifest"
	"mra/internal/metrics"
	"mra/internal/query"
	"mra/internal/restore"
	"mra/internal/snapshot"
	"mra/internal/state"
)

type App struct {
	Config      *config.Config
	Log         *zap.Logger
	Metrics     *metrics.Registry
	Store       state.Store
	Changelog   changelog.Writer
	Coordinator *aggregator.Coordinator
	Query       *query.Accessor

	changelogPath string
}

func New(ctx context.Context, cfg *config.Config, log *zap.Logger) (*App, error) {
	grans, err := cfg.GranularityList()
	if err != nil {
		return nil, err
	}
	resolver, err := bucket.NewResolver(grans...)
	if err != nil {
		return nil, err
	}
	st, err := state.Open(ctx, cfg.StateOptions())
	if err != nil {
		return nil, fmt.Errorf("open state: %w", err)
	}

	a := &App{Config: cfg, Log: log, Metrics: metrics.NewRegistry(), Store: st, Query: query.NewAccessor(st)}

	var writers []changelog.Writer
	if cfg.ChangelogDir != "" {
		fw, err := changelog.NewFileWriter(cfg.ChangelogDir, cfg.ChangelogFile)
		if err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("init changelog file: %w", err)
		}
		a.changelogPath = fw.Path()
		writers = append(writers, fw)
	}
	if cfg.ChangelogTopic != "" && cfg.KafkaBrokers != "" {
		writers = append(writers, changelog.NewKafkaWriter(cfg.KafkaBrokers, cfg.ChangelogTopic))
	}
	switch len(writers) {
	case 0:
	case 1:
		a.Changelog = writers[0]
	default:
		a.Changelog = changelog.NewMultiWriter(writers...)
	}

	a.Coordinator, err = aggregator.New(aggregator.Config{
		Store:     st,
		Resolver:  resolver,
		Changelog: a.Changelog,
		Logger:    log,
		Metrics:   a.Metrics,
		Options:   cfg.AggregatorOptions(),
	})
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) Close() error { return a.Store.Close() }

// ChangelogPath is the JSONL changelog file, empty when only Kafka is used.
func (a *App) ChangelogPath() string { return a.changelogPath }

// Ready probes the store for /healthz.
func (a *App) Ready(ctx context.Context) error {
	probe := bucket.Key{MerchantID: "_healthz", Granularity: bucket.Hourly, Start: time.Unix(0, 0).UTC()}
	_, _, err := a.Store.Get(ctx, probe)
	if err == nil || errors.Is(err, state.ErrNotFound) {
		return nil
	}
	return err
}

// Topics lists the Kafka topics rollupd expects to exist.
func (a *App) Topics() []ingest.TopicConfig {
	c := a.Config
	topics := []ingest.TopicConfig{
		{Topic: c.KafkaInputTopic, NumPartitions: c.KafkaPartitions, ReplicationFactor: 1},
		{Topic: c.KafkaDLQTopic, NumPartitions: 1, ReplicationFactor: 1},
	}
	if c.ChangelogTopic != "" {
		topics = append(topics, ingest.CompactedTopic(c.ChangelogTopic, 1))
	}
	if c.ManifestTopic != "" {
		topics = append(topics, ingest.CompactedTopic(c.ManifestTopic, 1))
	}
	return topics
}

func (a *App) ManifestPublisher() manifest.Publisher {
	fs := manifest.NewFilesystemManifest(a.Config.ManifestDir)
	if a.Config.ManifestTopic == "" || a.Config.KafkaBrokers == "" {
		return fs
	}
	return manifest.MultiPublisher(fs, manifest.NewKafkaManifest(a.Config.KafkaBrokers, a.Config.ManifestTopic, manifest.DefaultKafkaKey))
}

// ManifestReader prefers the compacted topic when one is configured.
func (a *App) ManifestReader() manifest.Reader {
	if a.Config.ManifestTopic != "" && a.Config.KafkaBrokers != "" {
		return restore.NewKafkaReader(changelog.SplitBrokers(a.Config.KafkaBrokers), a.Config.ManifestTopic, manifest.DefaultKafkaKey)
	}
	return manifest.NewFilesystemManifest(a.Config.ManifestDir)
}

func (a *App) Restorer() *restore.Restorer {
	return restore.NewRestorer(a.Store, a.ManifestReader(), a.Config.SnapshotDir, a.changelogPath, a.Log, a.Metrics)
}

// SnapshotResult describes a published snapshot.
type SnapshotResult struct {
	ID      string
	Offset  int64
	Entries int
}

// Snapshot dumps the store and publishes a manifest pointing at it. The
// changelog offset is read before the dump so replay from it covers every
// write the dump may have missed.
func (a *App) Snapshot(ctx context.Context) (SnapshotResult, error) {
	var res SnapshotResult
	if a.changelogPath != "" {
		n, err := changelog.CountLines(a.changelogPath)
		if err != nil {
			return res, fmt.Errorf("changelog offset: %w", err)
		}
		res.Offset = n
	}
	res.ID = NewSnapshotID(time.Now())
	n, err := snapshot.NewFilesystemSnapshotter(a.Config.SnapshotDir).WriteSnapshot(ctx, res.ID, a.Store)
	if err != nil {
		return res, fmt.Errorf("write snapshot: %w", err)
	}
	res.Entries = n
	if err := a.ManifestPublisher().PublishLatest(ctx, res.ID, res.Offset, n); err != nil {
		return res, fmt.Errorf("publish manifest: %w", err)
	}
	a.Log.Info("snapshot_published",
		zap.String("snapshot_id", res.ID),
		zap.Int64("changelog_offset", res.Offset),
		zap.Int("entries", n),
		zap.String("dir", filepath.Join(a.Config.SnapshotDir, res.ID)))
	return res, nil
}

// NewSnapshotID returns a sortable, unique snapshot id.
func NewSnapshotID(now time.Time) string {
	return now.UTC().Format("20060102T150405Z") + "-" + uuid.NewString()[:8]
}
