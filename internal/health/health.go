// Package health implements Health/Repair: shard presence probing and
// republication of missing shards, with at-most-one-in-flight pass per
// file_key via singleflight so concurrent duplicate work collapses onto
// one execution.
package health

import (
	"context"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/datamesh-net/core/internal/addressor"
	"github.com/datamesh-net/core/internal/codec"
	"github.com/datamesh-net/core/internal/config"
	"github.com/datamesh-net/core/internal/dhtnet"
	"github.com/datamesh-net/core/internal/errs"
	"github.com/datamesh-net/core/internal/index"
	"github.com/datamesh-net/core/internal/scheduler"
	"github.com/datamesh-net/core/internal/telemetry"
)

// Checker probes stored files for shard health and republishes missing
// shards recoverable from the survivors.
type Checker struct {
	idx *index.Index
	sch *scheduler.Scheduler
	tr  dhtnet.Transport
	cfg config.Config
	tel *telemetry.Telemetry

	inflight singleflight.Group
}

// New constructs a Checker over the given index and transport.
func New(idx *index.Index, transport dhtnet.Transport, cfg config.Config, tel *telemetry.Telemetry) *Checker {
	return &Checker{idx: idx, sch: scheduler.New(transport, cfg, tel), tr: transport, cfg: cfg, tel: tel}
}

// Report is the outcome of probing one file: which shard keys answered and
// which did not.
type Report struct {
	FileKey       string
	Present       []addressor.ShardKey
	Missing       []addressor.ShardKey
	HealthyShards int
	TotalShards   int
	Unrecoverable bool
}

// Probe checks every shard of the file identified by fileKey for presence
// and records the result in the index's health counters. It never
// republishes anything; use Repair for that. Concurrent callers on the same
// fileKey are deduplicated via singleflight — a second caller while a probe
// is in flight receives the first caller's result instead of launching a
// redundant pass.
func (c *Checker) Probe(ctx context.Context, fileKey string) (Report, error) {
	v, err, _ := c.inflight.Do("probe:"+fileKey, func() (any, error) {
		return c.probeOnce(ctx, fileKey)
	})
	if err != nil {
		return Report{}, err
	}
	return v.(Report), nil
}

func (c *Checker) probeOnce(ctx context.Context, fileKey string) (Report, error) {
	rec, err := c.idx.GetByKey(fileKey)
	if err != nil {
		return Report{}, err
	}
	manifest, err := addressor.Unmarshal(rec.ManifestJSON)
	if err != nil {
		return Report{}, err
	}

	report := Report{FileKey: fileKey, TotalShards: len(manifest.Shards)}
	for _, ref := range manifest.Shards {
		probeCtx, cancel := context.WithTimeout(ctx, c.cfg.ProbeTimeout)
		data, err := c.tr.GetRecord(probeCtx, ref.Key)
		cancel()
		if err == nil && addressor.Verify(data, ref.Key) {
			report.Present = append(report.Present, ref.Key)
		} else {
			report.Missing = append(report.Missing, ref.Key)
		}
	}
	report.HealthyShards = len(report.Present)
	report.Unrecoverable = report.HealthyShards < manifest.DataShards

	_ = c.idx.UpdateHealth(fileKey, report.HealthyShards, report.TotalShards, time.Now())
	return report, nil
}

// Repair probes the file and republishes every missing shard reconstructible
// from the survivors, returning how many were republished. Repair is
// idempotent: with no concurrent failures a second call finds nothing
// missing and returns 0. Fails ErrUnrecoverable when fewer than DataShards
// shards survive. At most one repair per fileKey is in flight at a time.
func (c *Checker) Repair(ctx context.Context, fileKey string) (int, error) {
	v, err, _ := c.inflight.Do("repair:"+fileKey, func() (any, error) {
		return c.repairOnce(ctx, fileKey)
	})
	if err != nil {
		return 0, err
	}
	return v.(int), nil
}

func (c *Checker) repairOnce(ctx context.Context, fileKey string) (int, error) {
	report, err := c.probeOnce(ctx, fileKey)
	if err != nil {
		return 0, err
	}
	if report.Unrecoverable {
		return 0, errs.New("health.Repair", errs.CategoryRepair, errs.ErrUnrecoverable)
	}
	if len(report.Missing) == 0 {
		return 0, nil
	}

	rec, err := c.idx.GetByKey(fileKey)
	if err != nil {
		return 0, err
	}
	manifest, err := addressor.Unmarshal(rec.ManifestJSON)
	if err != nil {
		return 0, err
	}

	repaired, err := c.republish(ctx, manifest, report.Missing)
	if err != nil {
		return repaired, err
	}
	c.tel.IncRepair(repaired)

	_ = c.idx.UpdateHealth(fileKey, report.HealthyShards+repaired, report.TotalShards, time.Now())
	return repaired, nil
}

// republish reconstructs the file's ciphertext from its surviving shards and
// republishes every shard whose key appears in missing.
func (c *Checker) republish(ctx context.Context, manifest addressor.Manifest, missing []addressor.ShardKey) (int, error) {
	keys := make([]addressor.ShardKey, len(manifest.Shards))
	for i, ref := range manifest.Shards {
		keys[i] = ref.Key
	}

	res, err := c.sch.Retrieve(ctx, keys, manifest.DataShards, nil)
	if err != nil {
		return 0, err
	}

	layout := codec.Layout{
		DataShards:   manifest.DataShards,
		ParityShards: manifest.ParityShards,
		OriginalSize: manifest.EncryptedSize,
		ShardSize:    manifest.ShardSize,
	}

	// Recompute every shard (including the missing ones) from the surviving
	// data, so we never have to trust which ones need repair.
	ciphertext, err := codec.Reconstruct(res.Shards, layout)
	if err != nil {
		return 0, err
	}
	_, freshShards, err := codec.Encode(ciphertext, manifest.DataShards, manifest.ParityShards)
	if err != nil {
		return 0, err
	}

	wanted := make(map[addressor.ShardKey]bool, len(missing))
	for _, k := range missing {
		wanted[k] = true
	}

	repaired := 0
	for _, ref := range manifest.Shards {
		if !wanted[ref.Key] || ref.Index >= len(freshShards) {
			continue
		}
		putCtx, cancel := context.WithTimeout(ctx, c.cfg.UploadTimeout)
		err := c.tr.PutRecord(putCtx, ref.Key, freshShards[ref.Index])
		cancel()
		if err == nil {
			repaired++
		}
	}
	return repaired, nil
}

// ProbeAll runs Probe across every file tracked by the index, bounded by
// cfg.ProbeConcurrency, returning one Report per file. It only observes;
// the caller decides which files to Repair.
func (c *Checker) ProbeAll(ctx context.Context) ([]Report, error) {
	recs, err := c.idx.List("")
	if err != nil {
		return nil, err
	}

	sem := make(chan struct{}, c.cfg.ProbeConcurrency)
	results := make([]Report, len(recs))
	done := make(chan int, len(recs))

	for i, rec := range recs {
		i, rec := i, rec
		sem <- struct{}{}
		go func() {
			defer func() { <-sem }()
			report, err := c.Probe(ctx, rec.FileKey)
			if err != nil {
				report.FileKey = rec.FileKey
			}
			results[i] = report
			done <- i
		}()
	}
	for range recs {
		<-done
	}
	return results, nil
}
