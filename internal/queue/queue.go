// Package queue buffers categorized side-effect tasks between the filter
// pipeline and their handlers. Enqueueing never blocks and never runs a
// handler on the caller's stack: work is delivered by flushes, which drain
// the queue atomically and dispatch tasks to per-category handlers in
// bounded batches. Failed batches retry per task with exponential backoff;
// a bounded buffer drops the oldest task on overflow.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/yinz628/email-filter-sub004/internal/clock"
	"github.com/yinz628/email-filter-sub004/internal/metrics"
)

// ErrClosed is returned by operations on a closed queue.
var ErrClosed = errors.New("queue: closed")

// Config carries the construction parameters for a Queue.
type Config struct {
	// MaxQueueSize caps the number of pending tasks. Enqueueing into a full
	// queue drops the oldest pending task. Must be positive.
	MaxQueueSize int
	// FlushBatchSize caps how many tasks a handler receives per call. Must
	// be positive.
	FlushBatchSize int
	// MaxRetries is the number of additional delivery attempts after the
	// first failure. 0 means failed tasks are dropped immediately.
	MaxRetries int
	// RetryBaseDelay is the delay before the first retry; each subsequent
	// retry doubles it. Required when MaxRetries > 0.
	RetryBaseDelay time.Duration
	// RetryMaxDelay caps the backoff growth. Required when MaxRetries > 0.
	RetryMaxDelay time.Duration
	// Clock defaults to the system clock.
	Clock clock.Clock
	// Logger defaults to slog.Default.
	Logger *slog.Logger
	// Metrics may be nil.
	Metrics *metrics.Recorder
}

// Status is a point-in-time snapshot of queue state and lifetime counters.
type Status struct {
	Pending           int              `json:"pending"`
	Flushing          bool             `json:"flushing"`
	PeriodicActive    bool             `json:"periodicActive"`
	TotalEnqueued     uint64           `json:"totalEnqueued"`
	TotalProcessed    uint64           `json:"totalProcessed"`
	TotalFailed       uint64           `json:"totalFailed"`
	TotalDropped      uint64           `json:"totalDropped"`
	PendingByCategory map[Category]int `json:"pendingByCategory"`
}

// FlushReport summarizes one Flush call.
type FlushReport struct {
	// AlreadyRunning is set when another flush held the queue; nothing was
	// drained.
	AlreadyRunning bool
	Drained        int
	Processed      int
	Failed         int
	Retried        int
}

// Queue is a bounded in-memory task buffer with per-category handler
// dispatch. All methods are safe for concurrent use.
type Queue struct {
	maxSize    int
	batchSize  int
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	clk        clock.Clock
	log        *slog.Logger
	met        *metrics.Recorder

	mu           sync.Mutex
	pending      []Task
	handlers     map[Category]Handler
	flushing     bool
	flushPending bool
	periodicOn   bool
	periodicGen  uint64
	periodicIvl  time.Duration
	closed       bool

	totalEnqueued  uint64
	totalProcessed uint64
	totalFailed    uint64
	totalDropped   uint64

	closeOnce sync.Once
}

// New validates cfg and returns an empty queue with no registered handlers
// and no periodic flush running. Invalid sizes and delays are rejected, not
// clamped.
func New(cfg Config) (*Queue, error) {
	if cfg.MaxQueueSize <= 0 {
		return nil, fmt.Errorf("queue: max queue size must be positive, got %d", cfg.MaxQueueSize)
	}
	if cfg.FlushBatchSize <= 0 {
		return nil, fmt.Errorf("queue: flush batch size must be positive, got %d", cfg.FlushBatchSize)
	}
	if cfg.MaxRetries < 0 {
		return nil, fmt.Errorf("queue: max retries must not be negative, got %d", cfg.MaxRetries)
	}
	if cfg.MaxRetries > 0 {
		if cfg.RetryBaseDelay <= 0 {
			return nil, fmt.Errorf("queue: retry base delay must be positive, got %s", cfg.RetryBaseDelay)
		}
		if cfg.RetryMaxDelay < cfg.RetryBaseDelay {
			return nil, fmt.Errorf("queue: retry max delay %s is below base delay %s", cfg.RetryMaxDelay, cfg.RetryBaseDelay)
		}
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.System()
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Queue{
		maxSize:    cfg.MaxQueueSize,
		batchSize:  cfg.FlushBatchSize,
		maxRetries: cfg.MaxRetries,
		baseDelay:  cfg.RetryBaseDelay,
		maxDelay:   cfg.RetryMaxDelay,
		clk:        clk,
		log:        log,
		met:        cfg.Metrics,
		handlers:   make(map[Category]Handler),
	}, nil
}

// Register installs the handler for a category, replacing any previous one.
// Categories without a handler still accept tasks; their batches are
// discarded as processed at flush time.
func (q *Queue) Register(cat Category, h Handler) error {
	if _, err := ParseCategory(string(cat)); err != nil {
		return err
	}
	if h == nil {
		return fmt.Errorf("queue: nil handler for category %q", cat)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[cat] = h
	return nil
}

// Enqueue appends one task for cat with its own copy of payload. It never
// blocks and never invokes a handler: delivery happens on a later flush,
// and the first enqueue after an idle period schedules one automatically.
// A full queue drops its oldest pending task to make room.
func (q *Queue) Enqueue(cat Category, payload map[string]any) (Task, error) {
	if _, err := ParseCategory(string(cat)); err != nil {
		return Task{}, err
	}
	now := q.clk.Now()
	id, err := newTaskID(now)
	if err != nil {
		return Task{}, err
	}
	t := Task{ID: id, Category: cat, Payload: clonePayload(payload), EnqueuedAt: now}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return Task{}, ErrClosed
	}
	q.appendLocked(t)
	q.totalEnqueued++
	schedule := q.markFlushPendingLocked()
	q.mu.Unlock()

	q.met.RecordTaskEnqueued(string(cat))
	if schedule {
		q.clk.AfterFunc(0, q.autoFlush)
	}
	return t, nil
}

// EnqueueBatch fans payload out into one task per known category, each with
// an independent payload copy. Failures (a closed queue) are logged and
// skipped; the returned slice holds the tasks that were accepted.
func (q *Queue) EnqueueBatch(payload map[string]any) []Task {
	tasks := make([]Task, 0, len(categories))
	for _, cat := range categories {
		t, err := q.Enqueue(cat, payload)
		if err != nil {
			q.log.Warn("enqueue skipped",
				slog.String("category", string(cat)),
				slog.String("error", err.Error()))
			continue
		}
		tasks = append(tasks, t)
	}
	return tasks
}

// Flush drains every pending task and delivers them to their category
// handlers. At most one flush runs at a time; a collision returns
// immediately with AlreadyRunning set. The drain is atomic: tasks enqueued
// while handlers run land in a fresh buffer and are picked up by a
// follow-up flush, never by this one.
//
// Drained tasks are grouped by category, preserving both the order in which
// categories first appear and FIFO order within each category, then
// delivered in chunks of at most FlushBatchSize. A handler error sends
// every task of the failed chunk into individual backoff retry; other
// chunks and categories are unaffected.
func (q *Queue) Flush(ctx context.Context) FlushReport {
	q.mu.Lock()
	if q.flushing {
		q.mu.Unlock()
		return FlushReport{AlreadyRunning: true}
	}
	if len(q.pending) == 0 {
		q.mu.Unlock()
		return FlushReport{}
	}
	q.flushing = true
	drained := q.pending
	q.pending = make([]Task, 0, q.batchSize)
	handlers := make(map[Category]Handler, len(q.handlers))
	maps.Copy(handlers, q.handlers)
	q.mu.Unlock()

	start := q.clk.Now()
	rep := FlushReport{Drained: len(drained)}

	for _, g := range groupByCategory(drained) {
		h := handlers[g.category]
		for i := 0; i < len(g.tasks); i += q.batchSize {
			chunk := g.tasks[i:min(i+q.batchSize, len(g.tasks))]
			if h == nil {
				q.log.Debug("no handler for category, discarding batch",
					slog.String("category", string(g.category)),
					slog.Int("count", len(chunk)))
				q.countProcessed(g.category, len(chunk), &rep)
				continue
			}
			if err := h(ctx, chunk); err != nil {
				q.log.Warn("task handler failed",
					slog.String("category", string(g.category)),
					slog.Int("count", len(chunk)),
					slog.String("error", err.Error()))
				q.retryChunk(chunk, &rep)
				continue
			}
			q.countProcessed(g.category, len(chunk), &rep)
		}
	}

	q.mu.Lock()
	q.flushing = false
	followUp := len(q.pending) > 0 && !q.closed && q.markFlushPendingLocked()
	q.mu.Unlock()
	if followUp {
		q.clk.AfterFunc(0, q.autoFlush)
	}

	q.met.ObserveFlush(q.clk.Now().Sub(start), rep.Drained)
	return rep
}

// StartPeriodicFlush arms a repeating flush every interval. A running loop
// is replaced. The loop stops on StopPeriodicFlush or Close.
func (q *Queue) StartPeriodicFlush(interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("queue: flush interval must be positive, got %s", interval)
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.periodicGen++
	gen := q.periodicGen
	q.periodicOn = true
	q.periodicIvl = interval
	q.mu.Unlock()

	q.clk.AfterFunc(interval, func() { q.periodicTick(gen) })
	q.log.Debug("periodic flush started", slog.Int64("interval_ms", interval.Milliseconds()))
	return nil
}

// StopPeriodicFlush disarms the periodic loop. Safe to call when none is
// running.
func (q *Queue) StopPeriodicFlush() {
	q.mu.Lock()
	q.periodicOn = false
	q.periodicGen++
	q.mu.Unlock()
}

// periodicTick runs one scheduled flush and re-arms itself unless its
// generation has been superseded.
func (q *Queue) periodicTick(gen uint64) {
	q.mu.Lock()
	if !q.periodicOn || gen != q.periodicGen || q.closed {
		q.mu.Unlock()
		return
	}
	interval := q.periodicIvl
	q.mu.Unlock()

	q.Flush(context.Background())

	q.mu.Lock()
	stale := !q.periodicOn || gen != q.periodicGen || q.closed
	q.mu.Unlock()
	if !stale {
		q.clk.AfterFunc(interval, func() { q.periodicTick(gen) })
	}
}

// Status returns a snapshot of queue state.
func (q *Queue) Status() Status {
	q.mu.Lock()
	defer q.mu.Unlock()
	byCat := make(map[Category]int, len(categories))
	for _, t := range q.pending {
		byCat[t.Category]++
	}
	return Status{
		Pending:           len(q.pending),
		Flushing:          q.flushing,
		PeriodicActive:    q.periodicOn,
		TotalEnqueued:     q.totalEnqueued,
		TotalProcessed:    q.totalProcessed,
		TotalFailed:       q.totalFailed,
		TotalDropped:      q.totalDropped,
		PendingByCategory: byCat,
	}
}

// Close stops the periodic loop and rejects further enqueues. Pending tasks
// are not flushed; callers that want them delivered flush before closing.
func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		q.mu.Lock()
		q.closed = true
		q.periodicOn = false
		q.periodicGen++
		pending := len(q.pending)
		q.mu.Unlock()
		if pending > 0 {
			q.log.Warn("queue closed with pending tasks", slog.Int("count", pending))
		}
	})
}

// appendLocked adds t to the buffer, dropping the oldest pending task first
// when the buffer is full. Caller holds mu.
func (q *Queue) appendLocked(t Task) {
	if len(q.pending) >= q.maxSize {
		dropped := q.pending[0]
		copy(q.pending, q.pending[1:])
		q.pending = q.pending[:len(q.pending)-1]
		q.totalDropped++
		q.met.RecordTaskDropped(string(dropped.Category), "overflow")
		q.log.Warn("queue full, dropped oldest task",
			slog.String("id", dropped.ID),
			slog.String("category", string(dropped.Category)))
	}
	q.pending = append(q.pending, t)
}

// markFlushPendingLocked claims the auto-flush slot. It returns true when
// the caller must schedule the flush; false when one is already pending or
// running. Caller holds mu.
func (q *Queue) markFlushPendingLocked() bool {
	if q.flushPending || q.flushing {
		return false
	}
	q.flushPending = true
	return true
}

func (q *Queue) autoFlush() {
	q.mu.Lock()
	q.flushPending = false
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return
	}
	q.Flush(context.Background())
}

func (q *Queue) countProcessed(cat Category, n int, rep *FlushReport) {
	q.mu.Lock()
	q.totalProcessed += uint64(n)
	q.mu.Unlock()
	rep.Processed += n
	q.met.RecordTasksProcessed(string(cat), n)
}

// retryChunk schedules an individual backoff retry for every task of a
// failed chunk. Tasks past their retry budget are dropped and counted as
// failed; a task therefore attempts at most MaxRetries+1 times.
func (q *Queue) retryChunk(chunk []Task, rep *FlushReport) {
	for _, t := range chunk {
		t.retryCount++
		if t.retryCount > q.maxRetries {
			q.mu.Lock()
			q.totalFailed++
			q.mu.Unlock()
			rep.Failed++
			q.met.RecordTaskDropped(string(t.Category), "retries_exhausted")
			q.log.Error("task dropped, retries exhausted",
				slog.String("id", t.ID),
				slog.String("category", string(t.Category)),
				slog.Int("attempts", t.retryCount))
			continue
		}
		delay := q.retryDelay(t.retryCount)
		rep.Retried++
		q.met.RecordTaskRetried(string(t.Category))
		q.log.Debug("task retry scheduled",
			slog.String("id", t.ID),
			slog.String("category", string(t.Category)),
			slog.Int("attempt", t.retryCount),
			slog.Int64("delay_ms", delay.Milliseconds()))
		task := t
		q.clk.AfterFunc(delay, func() { q.requeue(task) })
	}
}

// requeue re-enters a retried task through the bounded append, so a retry
// can itself be dropped by overflow. Retries against a closed queue are
// discarded.
func (q *Queue) requeue(t Task) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		q.log.Debug("retry discarded, queue closed", slog.String("id", t.ID))
		return
	}
	q.appendLocked(t)
	schedule := q.markFlushPendingLocked()
	q.mu.Unlock()
	if schedule {
		q.clk.AfterFunc(0, q.autoFlush)
	}
}

// retryDelay returns the backoff before retry attempt n (1-based):
// base, 2*base, 4*base, ... capped at RetryMaxDelay.
func (q *Queue) retryDelay(attempt int) time.Duration {
	d := q.baseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= q.maxDelay {
			return q.maxDelay
		}
	}
	return min(d, q.maxDelay)
}

type taskGroup struct {
	category Category
	tasks    []Task
}

// groupByCategory splits tasks into per-category groups, keeping the order
// in which categories first appear and FIFO order inside each group.
func groupByCategory(tasks []Task) []taskGroup {
	index := make(map[Category]int, len(categories))
	var groups []taskGroup
	for _, t := range tasks {
		i, ok := index[t.Category]
		if !ok {
			i = len(groups)
			index[t.Category] = i
			groups = append(groups, taskGroup{category: t.Category})
		}
		groups[i].tasks = append(groups[i].tasks, t)
	}
	return groups
}
