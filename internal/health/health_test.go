package health

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/datamesh-net/core/internal/addressor"
	"github.com/datamesh-net/core/internal/config"
	"github.com/datamesh-net/core/internal/dhtnet"
	"github.com/datamesh-net/core/internal/index"
	"github.com/datamesh-net/core/internal/pipeline"
	"github.com/datamesh-net/core/internal/telemetry"
	"github.com/datamesh-net/core/internal/vault"
)

func newTestSetup(t *testing.T) (*pipeline.Pipeline, *Checker, *dhtnet.MemTransport, *index.Index) {
	t.Helper()
	cfg := config.Default()
	cfg.DataShards = 4
	cfg.ParityShards = 2
	cfg.StoreThresholdExtra = 1
	cfg.MaxRetries = 1
	cfg.BackoffBase = time.Millisecond
	cfg.BackoffCap = 2 * time.Millisecond
	cfg.ProbeTimeout = time.Second
	cfg.ProbeConcurrency = 4

	km, err := vault.New("health-node")
	require.NoError(t, err)

	dir := t.TempDir()
	idx, err := index.Open(filepath.Join(dir, "index.db"), telemetry.Noop())
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })

	tr := dhtnet.NewMemTransport(5)
	p := pipeline.New(km, idx, tr, cfg, telemetry.Noop())
	c := New(idx, tr, cfg, telemetry.Noop())
	return p, c, tr, idx
}

func manifestFor(t *testing.T, idx *index.Index, fileKey string) addressor.Manifest {
	t.Helper()
	rec, err := idx.GetByKey(fileKey)
	require.NoError(t, err)
	m, err := addressor.Unmarshal(rec.ManifestJSON)
	require.NoError(t, err)
	return m
}

func TestProbeReportsFullyHealthyFile(t *testing.T) {
	p, c, _, _ := newTestSetup(t)
	res, err := p.Store(context.Background(), "healthy.bin", "", []byte("some file contents to protect"), nil)
	require.NoError(t, err)

	report, err := c.Probe(context.Background(), res.FileKey)
	require.NoError(t, err)
	require.Equal(t, report.TotalShards, report.HealthyShards)
	require.Empty(t, report.Missing)
	require.False(t, report.Unrecoverable)
}

func TestProbeReportsMissingShardWithoutRepairing(t *testing.T) {
	p, c, tr, idx := newTestSetup(t)
	res, err := p.Store(context.Background(), "observed.bin", "", []byte("contents observed but not touched"), nil)
	require.NoError(t, err)

	manifest := manifestFor(t, idx, res.FileKey)
	tr.Evict(manifest.Shards[0].Key)

	report, err := c.Probe(context.Background(), res.FileKey)
	require.NoError(t, err)
	require.Len(t, report.Missing, 1)
	require.Equal(t, report.TotalShards-1, report.HealthyShards)

	// Probe must not have republished anything.
	_, err = tr.GetRecord(context.Background(), manifest.Shards[0].Key)
	require.Error(t, err)

	// The index's counters reflect what the probe saw.
	rec, err := idx.GetByKey(res.FileKey)
	require.NoError(t, err)
	require.Equal(t, report.HealthyShards, rec.HealthyShards)
}

func TestRepairRepublishesMissingShards(t *testing.T) {
	p, c, tr, idx := newTestSetup(t)
	res, err := p.Store(context.Background(), "repair-me.bin", "", []byte("contents that need repairing after loss"), nil)
	require.NoError(t, err)

	manifest := manifestFor(t, idx, res.FileKey)
	tr.Evict(manifest.Shards[0].Key)
	tr.Evict(manifest.Shards[5].Key)

	repaired, err := c.Repair(context.Background(), res.FileKey)
	require.NoError(t, err)
	require.Equal(t, 2, repaired)

	report, err := c.Probe(context.Background(), res.FileKey)
	require.NoError(t, err)
	require.Equal(t, report.TotalShards, report.HealthyShards)

	// The repaired file is still retrievable.
	got, err := p.Retrieve(context.Background(), res.Name)
	require.NoError(t, err)
	require.Equal(t, "contents that need repairing after loss", string(got))
}

func TestRepairIsIdempotent(t *testing.T) {
	p, c, tr, idx := newTestSetup(t)
	res, err := p.Store(context.Background(), "twice.bin", "", []byte("repair me once, shame on loss"), nil)
	require.NoError(t, err)

	manifest := manifestFor(t, idx, res.FileKey)
	tr.Evict(manifest.Shards[1].Key)

	first, err := c.Repair(context.Background(), res.FileKey)
	require.NoError(t, err)
	require.Equal(t, 1, first)

	second, err := c.Repair(context.Background(), res.FileKey)
	require.NoError(t, err)
	require.Equal(t, 0, second)

	rec, err := idx.GetByKey(res.FileKey)
	require.NoError(t, err)
	require.Equal(t, rec.TotalShards, rec.HealthyShards)
}

func TestRepairFailsUnrecoverable(t *testing.T) {
	p, c, tr, idx := newTestSetup(t)
	res, err := p.Store(context.Background(), "fragile.bin", "", []byte("fragile contents here"), nil)
	require.NoError(t, err)

	manifest := manifestFor(t, idx, res.FileKey)
	// DataShards=4: drop enough shards that fewer than 4 of the 6 survive.
	for i := 0; i < 3; i++ {
		tr.DropAfter(manifest.Shards[i].Key)
	}

	_, err = c.Repair(context.Background(), res.FileKey)
	require.Error(t, err)

	report, err := c.Probe(context.Background(), res.FileKey)
	require.NoError(t, err)
	require.True(t, report.Unrecoverable)
}

func TestProbeAllCoversEveryFile(t *testing.T) {
	p, c, _, _ := newTestSetup(t)
	_, err := p.Store(context.Background(), "a.bin", "", []byte("file a contents"), nil)
	require.NoError(t, err)
	_, err = p.Store(context.Background(), "b.bin", "", []byte("file b contents"), nil)
	require.NoError(t, err)

	reports, err := c.ProbeAll(context.Background())
	require.NoError(t, err)
	require.Len(t, reports, 2)
	for _, r := range reports {
		require.Empty(t, r.Missing)
	}
}
