// Package workerpool bounds CPU-heavy work (erasure coding, encryption)
// onto a fixed-size pool of goroutines, separate from the
// goroutines driving network and disk I/O, so large-payload codec and
// crypto work cannot stall the I/O path. Same semaphore-gated fan-out
// idiom internal/scheduler uses for network concurrency, applied here to
// CPU work instead.
package workerpool

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Pool bounds concurrent CPU-heavy jobs to a fixed size.
type Pool struct {
	sem *semaphore.Weighted
}

// New constructs a Pool that runs at most size jobs concurrently. size < 1
// is treated as 1.
func New(size int) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{sem: semaphore.NewWeighted(int64(size))}
}

type result[T any] struct {
	v   T
	err error
}

// Run executes fn on a pool-bounded goroutine and blocks until it completes
// or ctx is cancelled. A cancelled ctx returns ctx.Err() without waiting for
// fn, but fn is still left running to completion in the background — callers
// must not assume its side effects are undone.
func Run[T any](ctx context.Context, p *Pool, fn func() (T, error)) (T, error) {
	var zero T
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return zero, err
	}

	ch := make(chan result[T], 1)
	go func() {
		defer p.sem.Release(1)
		v, err := fn()
		ch <- result[T]{v, err}
	}()

	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}
