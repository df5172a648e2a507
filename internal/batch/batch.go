// Package batch chunks long sweeps over in-memory items so a single caller
// never monopolizes its goroutine. The runner processes items in order,
// yields control between chunks using Config.BatchSize and
// Config.MaxBlockTime to decide when, and reports progress at every yield
// point. Process drives the sweep on the calling goroutine; ProcessAsync
// drives it through deferred continuations on the injected clock.
package batch

import (
	"context"
	"fmt"
	"math"
	"runtime"
	"sync"
	"time"

	"github.com/yinz628/email-filter-sub004/internal/clock"
)

// Config carries the construction parameters for a Runner.
type Config struct {
	// BatchSize is the number of items processed between yields. Must be
	// positive.
	BatchSize int
	// MaxBlockTime bounds wall time between yields: once it elapses the
	// runner yields at the next item boundary even mid-chunk. Must be
	// positive.
	MaxBlockTime time.Duration
	// Clock defaults to the system clock.
	Clock clock.Clock
	// OnProgress, when set, receives a snapshot at every yield point and a
	// final Done snapshot at completion.
	OnProgress func(Progress)
	// Yield, when set, replaces the default yield between chunks. The
	// default checks ctx and calls runtime.Gosched. Returning an error
	// aborts the sweep.
	Yield func(ctx context.Context) error
}

// Progress is a snapshot reported at yield points and at completion.
// Percent is rounded to the nearest whole number.
type Progress struct {
	Processed int  `json:"processed"`
	Total     int  `json:"total"`
	Percent   int  `json:"percent"`
	Done      bool `json:"done"`
}

// Report summarizes a finished or aborted sweep.
type Report struct {
	Processed int
	Total     int
	Yields    int
}

// Runner holds validated chunking parameters. Construct with New; a Runner
// is safe to reuse across sweeps.
type Runner struct {
	batchSize    int
	maxBlockTime time.Duration
	clk          clock.Clock
	onProgress   func(Progress)
	yield        func(ctx context.Context) error
}

// New validates cfg and returns a Runner. Non-positive BatchSize or
// MaxBlockTime are rejected.
func New(cfg Config) (*Runner, error) {
	if cfg.BatchSize <= 0 {
		return nil, fmt.Errorf("batch: batch size must be positive, got %d", cfg.BatchSize)
	}
	if cfg.MaxBlockTime <= 0 {
		return nil, fmt.Errorf("batch: max block time must be positive, got %s", cfg.MaxBlockTime)
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.System()
	}
	yield := cfg.Yield
	if yield == nil {
		yield = func(ctx context.Context) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			runtime.Gosched()
			return nil
		}
	}
	return &Runner{
		batchSize:    cfg.BatchSize,
		maxBlockTime: cfg.MaxBlockTime,
		clk:          clk,
		onProgress:   cfg.OnProgress,
		yield:        yield,
	}, nil
}

// Process sweeps items in order on the calling goroutine, yielding between
// chunks. It stops at the first item error, wrapping it with the item
// index; the report carries the number of items that finished. An empty
// input reports one Done snapshot and returns immediately.
func Process[T any](ctx context.Context, r *Runner, items []T, fn func(context.Context, T) error) (Report, error) {
	rep := Report{Total: len(items)}
	if len(items) == 0 {
		r.report(progressFor(0, 0, true))
		return rep, nil
	}

	start := 0
	for {
		next, done, err := runChunk(ctx, r, items, fn, &rep, start)
		if err != nil {
			return rep, err
		}
		if done {
			r.report(progressFor(rep.Processed, rep.Total, true))
			return rep, nil
		}
		r.report(progressFor(rep.Processed, rep.Total, false))
		if err := r.yield(ctx); err != nil {
			return rep, fmt.Errorf("batch: yield: %w", err)
		}
		rep.Yields++
		start = next
	}
}

// Handle tracks an asynchronous sweep started by ProcessAsync.
type Handle struct {
	done chan struct{}

	mu  sync.Mutex
	rep Report
	err error
}

// Wait blocks until the sweep finishes or ctx is cancelled.
func (h *Handle) Wait(ctx context.Context) (Report, error) {
	select {
	case <-h.done:
	case <-ctx.Done():
		return Report{}, ctx.Err()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rep, h.err
}

func (h *Handle) complete(rep Report, err error) {
	h.mu.Lock()
	h.rep = rep
	h.err = err
	h.mu.Unlock()
	close(h.done)
}

// ProcessAsync runs the same sweep as Process but off the caller: each
// chunk is a deferred continuation scheduled through the runner's clock, so
// the caller regains control immediately and other deferred work
// interleaves between chunks.
func ProcessAsync[T any](ctx context.Context, r *Runner, items []T, fn func(context.Context, T) error) *Handle {
	h := &Handle{done: make(chan struct{})}
	rep := Report{Total: len(items)}

	if len(items) == 0 {
		r.clk.AfterFunc(0, func() {
			r.report(progressFor(0, 0, true))
			h.complete(rep, nil)
		})
		return h
	}

	var step func(start int)
	step = func(start int) {
		next, done, err := runChunk(ctx, r, items, fn, &rep, start)
		if err != nil {
			h.complete(rep, err)
			return
		}
		if done {
			r.report(progressFor(rep.Processed, rep.Total, true))
			h.complete(rep, nil)
			return
		}
		r.report(progressFor(rep.Processed, rep.Total, false))
		rep.Yields++
		r.clk.AfterFunc(0, func() { step(next) })
	}
	r.clk.AfterFunc(0, func() { step(0) })
	return h
}

// runChunk processes items[start:] until a yield point, the end of input,
// or an error. It returns the index the next chunk starts at and whether
// the whole input is finished. The final item never triggers a trailing
// yield: finishing the input reports done directly.
func runChunk[T any](ctx context.Context, r *Runner, items []T, fn func(context.Context, T) error, rep *Report, start int) (next int, done bool, err error) {
	chunkStart := r.clk.Now()
	processed := 0
	for i := start; i < len(items); i++ {
		if err := ctx.Err(); err != nil {
			return i, false, fmt.Errorf("batch: item %d: %w", i, err)
		}
		if err := fn(ctx, items[i]); err != nil {
			return i, false, fmt.Errorf("batch: item %d: %w", i, err)
		}
		rep.Processed++
		processed++
		if i == len(items)-1 {
			return len(items), true, nil
		}
		if processed >= r.batchSize || r.clk.Now().Sub(chunkStart) >= r.maxBlockTime {
			return i + 1, false, nil
		}
	}
	return len(items), true, nil
}

func (r *Runner) report(p Progress) {
	if r.onProgress != nil {
		r.onProgress(p)
	}
}

func progressFor(processed, total int, done bool) Progress {
	percent := 100
	if total > 0 {
		percent = int(math.Round(float64(processed) / float64(total) * 100))
	}
	return Progress{Processed: processed, Total: total, Percent: percent, Done: done}
}
