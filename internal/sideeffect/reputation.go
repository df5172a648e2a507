package sideeffect

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/yinz628/email-filter-sub004/internal/batch"
	"github.com/yinz628/email-filter-sub004/internal/clock"
	"github.com/yinz628/email-filter-sub004/internal/queue"
	"github.com/yinz628/email-filter-sub004/internal/rules"
)

// ReputationConfig carries the sweep chunking parameters.
type ReputationConfig struct {
	// BatchSize and MaxBlockTime bound how long one reputation sweep holds
	// its goroutine between yields. Both must be positive.
	BatchSize    int
	MaxBlockTime time.Duration
	// Clock defaults to the system clock.
	Clock clock.Clock
	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// ReputationTracker keeps in-memory per-sender scores adjusted by decision
// outcome: clean mail slowly repairs a sender's standing, blocks cost the
// most. Batches sweep through the cooperative runner so a large flush never
// monopolizes its goroutine.
type ReputationTracker struct {
	runner *batch.Runner
	log    *slog.Logger

	mu     sync.Mutex
	scores map[string]int
}

// NewReputationTracker validates cfg and returns a tracker with no scores.
func NewReputationTracker(cfg ReputationConfig) (*ReputationTracker, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("sink", "reputation"))

	runner, err := batch.New(batch.Config{
		BatchSize:    cfg.BatchSize,
		MaxBlockTime: cfg.MaxBlockTime,
		Clock:        cfg.Clock,
		OnProgress: func(p batch.Progress) {
			logger.Debug("reputation sweep progress",
				slog.Int("processed", p.Processed),
				slog.Int("total", p.Total),
				slog.Int("percent", p.Percent),
				slog.Bool("done", p.Done))
		},
	})
	if err != nil {
		return nil, fmt.Errorf("sideeffect: reputation runner: %w", err)
	}
	return &ReputationTracker{
		runner: runner,
		log:    logger,
		scores: make(map[string]int),
	}, nil
}

// Handler returns the queue handler that applies a batch of decisions to the
// score table.
func (r *ReputationTracker) Handler() queue.Handler {
	return func(ctx context.Context, tasks []queue.Task) error {
		_, err := batch.Process(ctx, r.runner, tasks, func(_ context.Context, t queue.Task) error {
			r.apply(t.Payload)
			return nil
		})
		if err != nil {
			return fmt.Errorf("sideeffect: reputation sweep: %w", err)
		}
		return nil
	}
}

// Score reports the current score for sender; unseen senders score zero.
func (r *ReputationTracker) Score(sender string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.scores[sender]
}

// Scores returns a copy of the score table.
func (r *ReputationTracker) Scores() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return maps.Clone(r.scores)
}

func (r *ReputationTracker) apply(payload map[string]any) {
	sender := stringField(payload, "sender")
	if sender == "" {
		return
	}
	delta := reputationDelta(stringField(payload, "action"))
	if delta == 0 {
		return
	}
	r.mu.Lock()
	r.scores[sender] += delta
	r.mu.Unlock()
}

func reputationDelta(action string) int {
	switch rules.Action(action) {
	case rules.ActionAllow:
		return 1
	case rules.ActionFlag:
		return -1
	case rules.ActionQuarantine:
		return -3
	case rules.ActionBlock:
		return -5
	default:
		return 0
	}
}
