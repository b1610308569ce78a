package app

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mra/internal/bucket"
	"mra/internal/config"
	"mra/internal/manifest"
	"mra/internal/query"
)

func testConfig(t *testing.T, backend string) *config.Config {
	base := t.TempDir()
	return &config.Config{
		Env:                "test",
		HTTPAddr:           ":0",
		StateBackend:       backend,
		StateDir:           filepath.Join(base, "state"),
		Granularities:      "hourly,daily",
		MaxAttempts:        4,
		BaseBackoff:        time.Millisecond,
		MaxBackoff:         5 * time.Millisecond,
		EventTimeout:       time.Second,
		KafkaInputTopic:    "orders",
		KafkaDLQTopic:      "orders.dlq",
		KafkaConsumerGroup: "rollupd",
		KafkaPartitions:    3,
		MaxConcurrentJobs:  2,
		ChangelogDir:       filepath.Join(base, "changelog"),
		ChangelogFile:      "changelog.jsonl",
		SnapshotDir:        filepath.Join(base, "snapshots"),
		ManifestDir:        filepath.Join(base, "snapshots"),
	}
}

func raw(id string, amount string) []byte {
	return []byte(`{"merchantId":"M1","orderId":"` + id + `","timestamp":"2025-03-19T10:15:00Z","amount":` + amount +
		`,"paymentPlanId":"P1","productId":"p1","status":"success"}`)
}

func TestSnapshotThenRestoreIntoFreshStore(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t, "pebble")
	a, err := New(ctx, cfg, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, a.Ready(ctx))

	_, err = a.Coordinator.ApplyRaw(ctx, raw("o1", "100"))
	require.NoError(t, err)
	snap, err := a.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), snap.Offset)
	assert.Equal(t, 2, snap.Entries)

	_, err = a.Coordinator.ApplyRaw(ctx, raw("o2", "50"))
	require.NoError(t, err)

	m, err := manifest.NewFilesystemManifest(cfg.ManifestDir).ReadLatest(ctx)
	require.NoError(t, err)
	assert.Equal(t, snap.ID, m.SnapshotID)
	require.NoError(t, a.Close())

	// Same files, empty in-memory store.
	cfg2 := *cfg
	cfg2.StateBackend = "memory"
	b, err := New(ctx, &cfg2, zap.NewNop())
	require.NoError(t, err)
	defer b.Close()
	res, err := b.Restorer().RestoreAndReplay(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, res.Applied)

	start := time.Date(2025, 3, 19, 0, 0, 0, 0, time.UTC)
	resp, err := b.Query.Query(ctx, query.Request{MerchantID: "M1", Granularity: bucket.Daily, Start: start, End: start})
	require.NoError(t, err)
	require.Len(t, resp.TimePoints, 1)
	assert.Equal(t, int64(2), resp.TimePoints[0].Metrics.Volume.Total)
	assert.Equal(t, "75", resp.TimePoints[0].Metrics.AOV.Overall.String())
}

func TestTopics(t *testing.T) {
	cfg := testConfig(t, "memory")
	cfg.ChangelogTopic = "rollup.changelog"
	cfg.ManifestTopic = "rollup.manifest"
	a, err := New(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	defer a.Close()

	topics := a.Topics()
	require.Len(t, topics, 4)
	assert.Equal(t, 3, topics[0].NumPartitions)
	assert.Equal(t, "compact", topics[2].Config["cleanup.policy"])
	assert.Equal(t, "rollup.manifest", topics[3].Topic)
}

func TestNewSnapshotID(t *testing.T) {
	now := time.Date(2025, 3, 19, 10, 0, 0, 0, time.UTC)
	a, b := NewSnapshotID(now), NewSnapshotID(now)
	assert.True(t, strings.HasPrefix(a, "20250319T100000Z-"))
	assert.NotEqual(t, a, b)
}
