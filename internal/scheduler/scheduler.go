// Package scheduler implements the Chunk Scheduler: bounded-parallelism
// shard store/retrieve with per-shard timeout, full-jitter retry, and
// early-stop semantics, built on errgroup for structured cancellation and
// a weighted semaphore for the in-flight bound.
package scheduler

import (
	"context"
	"math/rand"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/datamesh-net/core/internal/addressor"
	"github.com/datamesh-net/core/internal/config"
	"github.com/datamesh-net/core/internal/dhtnet"
	"github.com/datamesh-net/core/internal/errs"
	"github.com/datamesh-net/core/internal/telemetry"
)

// ShardState is a single shard's terminal outcome from a store or retrieve
// pass, reported to progress observers.
type ShardState struct {
	Index   int
	Key     addressor.ShardKey
	OK      bool
	Retries int
	Err     error
}

// ProgressFunc receives one ShardState as each shard operation completes.
// Implementations must not block; the scheduler calls it synchronously from
// worker goroutines during Store and from the calling goroutine during
// Retrieve.
type ProgressFunc func(ShardState)

// Scheduler runs bounded-parallelism shard operations against a
// dhtnet.Transport.
type Scheduler struct {
	transport dhtnet.Transport
	cfg       config.Config
	tel       *telemetry.Telemetry
	inflight  atomic.Int64
}

// New constructs a Scheduler over the given transport.
func New(transport dhtnet.Transport, cfg config.Config, tel *telemetry.Telemetry) *Scheduler {
	return &Scheduler{transport: transport, cfg: cfg, tel: tel}
}

// StoreResult summarizes a Store pass: which shards published, and whether
// the partial-failure threshold was met.
type StoreResult struct {
	Published    int
	Total        int
	MetThreshold bool
}

// Store publishes every shard, retrying each up to cfg.MaxRetries times with
// full-jitter backoff, capped at cfg.MaxUploadInFlight concurrent shard
// operations. It does not stop early: every shard gets a chance to publish,
// so a slow straggler doesn't get starved by an early success signal. A
// store is declared successful once at least cfg.StoreThreshold() shards
// have published; the remaining in-flight publishes are allowed to finish
// but their outcome no longer changes the result.
func (s *Scheduler) Store(ctx context.Context, shards [][]byte, keys []addressor.ShardKey, progress ProgressFunc) (StoreResult, error) {
	if len(shards) != len(keys) {
		return StoreResult{}, errs.New("scheduler.Store", errs.CategoryInput, errs.ErrEmpty)
	}

	sem := semaphore.NewWeighted(int64(s.cfg.MaxUploadInFlight))
	g, gctx := errgroup.WithContext(ctx)

	results := make([]ShardState, len(shards))

	for i := range shards {
		i := i
		if err := sem.Acquire(ctx, 1); err != nil {
			return StoreResult{}, errs.New("scheduler.Store", errs.CategoryNetwork, err)
		}
		g.Go(func() error {
			defer sem.Release(1)
			s.tel.SetInFlight(int(s.inflight.Add(1)))
			defer func() { s.tel.SetInFlight(int(s.inflight.Add(-1))) }()
			st := s.storeOne(gctx, i, keys[i], shards[i])
			results[i] = st
			if progress != nil {
				progress(st)
			}
			return nil
		})
	}
	_ = g.Wait()

	published := 0
	for _, r := range results {
		if r.OK {
			published++
		}
	}

	threshold := s.cfg.StoreThreshold()
	res := StoreResult{Published: published, Total: len(shards), MetThreshold: published >= threshold}
	if !res.MetThreshold {
		return res, errs.New("scheduler.Store", errs.CategoryStore, errs.ErrInsufficientReplicas)
	}
	return res, nil
}

func (s *Scheduler) storeOne(ctx context.Context, index int, key addressor.ShardKey, data []byte) ShardState {
	var lastErr error
	for attempt := 0; attempt <= s.cfg.MaxRetries; attempt++ {
		opCtx, cancel := context.WithTimeout(ctx, s.cfg.UploadTimeout)
		err := s.transport.PutRecord(opCtx, key, data)
		cancel()
		if err == nil {
			return ShardState{Index: index, Key: key, OK: true, Retries: attempt}
		}
		lastErr = err
		s.tel.IncRetry()
		if attempt < s.cfg.MaxRetries {
			sleep(ctx, fullJitter(attempt, s.cfg.BackoffBase, s.cfg.BackoffCap))
		}
	}
	return ShardState{Index: index, Key: key, OK: false, Retries: s.cfg.MaxRetries, Err: lastErr}
}

// RetrieveResult is the outcome of a Retrieve pass: the recovered shards
// (nil entries mean missing) indexed by their systematic position.
type RetrieveResult struct {
	Shards   [][]byte
	Verified int
}

// Retrieve fetches shards in parallel, stopping early once dataShards of
// them have verified against their expected content key —
// codec.Reconstruct needs no more than that, so the tail of slow replicas
// is cancelled instead of awaited.
func (s *Scheduler) Retrieve(ctx context.Context, keys []addressor.ShardKey, dataShards int, progress ProgressFunc) (RetrieveResult, error) {
	sem := semaphore.NewWeighted(int64(s.cfg.MaxDownloadInFlight))
	gctx, cancel := context.WithCancel(ctx)
	defer cancel()

	out := make([][]byte, len(keys))
	done := make(chan ShardState, len(keys))

	g, egctx := errgroup.WithContext(gctx)
	for i := range keys {
		i := i
		if err := sem.Acquire(gctx, 1); err != nil {
			break
		}
		g.Go(func() error {
			defer sem.Release(1)
			s.tel.SetInFlight(int(s.inflight.Add(1)))
			defer func() { s.tel.SetInFlight(int(s.inflight.Add(-1))) }()
			st, data := s.retrieveOne(egctx, i, keys[i])
			if st.OK {
				out[i] = data
			}
			select {
			case done <- st:
			case <-gctx.Done():
			}
			return nil
		})
	}

	go func() {
		_ = g.Wait()
		close(done)
	}()

	verified := 0
	for st := range done {
		if progress != nil {
			progress(st)
		}
		if st.OK {
			verified++
			if verified >= dataShards {
				cancel() // early-stop: enough shards to reconstruct
			}
		}
	}

	if verified < dataShards {
		return RetrieveResult{Shards: out, Verified: verified}, errs.New("scheduler.Retrieve", errs.CategoryErasure, errs.ErrUnrecoverable)
	}
	return RetrieveResult{Shards: out, Verified: verified}, nil
}

func (s *Scheduler) retrieveOne(ctx context.Context, index int, key addressor.ShardKey) (ShardState, []byte) {
	var lastErr error
	for attempt := 0; attempt <= s.cfg.MaxRetries; attempt++ {
		if ctx.Err() != nil {
			return ShardState{Index: index, Key: key, OK: false, Retries: attempt, Err: ctx.Err()}, nil
		}
		opCtx, cancel := context.WithTimeout(ctx, s.cfg.DownloadTimeout)
		data, err := s.transport.GetRecord(opCtx, key)
		cancel()
		if err == nil {
			if !addressor.Verify(data, key) {
				lastErr = errs.New("scheduler.retrieveOne", errs.CategoryIntegrity, errs.ErrIntegrityMismatch)
			} else {
				return ShardState{Index: index, Key: key, OK: true, Retries: attempt}, data
			}
		} else {
			lastErr = err
		}
		s.tel.IncRetry()
		if attempt < s.cfg.MaxRetries {
			sleep(ctx, fullJitter(attempt, s.cfg.BackoffBase, s.cfg.BackoffCap))
		}
	}
	return ShardState{Index: index, Key: key, OK: false, Retries: s.cfg.MaxRetries, Err: lastErr}, nil
}

// fullJitter implements the AWS-style full-jitter backoff: a uniformly
// random delay between 0 and min(cap, base*2^attempt).
func fullJitter(attempt int, base, cap time.Duration) time.Duration {
	d := base << attempt
	if d <= 0 || d > cap {
		d = cap
	}
	if d <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(d)))
}

func sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
