// Package filter implements the two-phase webhook pipeline: a synchronous
// decision computed from cached per-scope rules, then deferred side-effect
// fan-out through the task queue. The decision is always released to the
// caller before any enqueue work runs, so side effects never sit on the
// response latency path.
package filter

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/yinz628/email-filter-sub004/internal/cache"
	"github.com/yinz628/email-filter-sub004/internal/clock"
	"github.com/yinz628/email-filter-sub004/internal/metrics"
	"github.com/yinz628/email-filter-sub004/internal/queue"
	"github.com/yinz628/email-filter-sub004/internal/rules"
)

// rulesKey is the cache key for a scope's rule set. The cache is already
// segmented by scope, so a single fixed key per scope suffices.
const rulesKey = "rules"

// loadFailedReason is the decision reason when a scope's rules cannot be
// loaded and the message is blocked fail-closed.
const loadFailedReason = "rule load failed"

// Config carries the pipeline's collaborators.
type Config struct {
	// Rules loads the rule set for a scope on cache miss.
	Rules rules.Source
	// Cache holds per-scope rule sets between loads.
	Cache *cache.Cache[[]rules.Rule]
	// Queue receives the side-effect fan-out after each decision.
	Queue *queue.Queue
	// Clock defaults to the system clock.
	Clock clock.Clock
	// Logger defaults to slog.Default.
	Logger *slog.Logger
	// Metrics may be nil.
	Metrics *metrics.Recorder
}

// Pipeline turns inbound messages into decisions. Safe for concurrent use.
type Pipeline struct {
	rules rules.Source
	cache *cache.Cache[[]rules.Rule]
	queue *queue.Queue
	clk   clock.Clock
	log   *slog.Logger
	met   *metrics.Recorder
}

// New validates cfg and returns a ready pipeline.
func New(cfg Config) (*Pipeline, error) {
	if cfg.Rules == nil {
		return nil, fmt.Errorf("filter: rules source required")
	}
	if cfg.Cache == nil {
		return nil, fmt.Errorf("filter: rule cache required")
	}
	if cfg.Queue == nil {
		return nil, fmt.Errorf("filter: task queue required")
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.System()
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{
		rules: cfg.Rules,
		cache: cfg.Cache,
		queue: cfg.Queue,
		clk:   clk,
		log:   log,
		met:   cfg.Metrics,
	}, nil
}

// Handle resolves the rule set for msg.Scope, evaluates it in priority order
// and returns the first match as the decision; no match allows the message.
// The side-effect fan-out is scheduled through the clock after the decision
// is computed, so the caller never waits on enqueue work and enqueue or
// flush failures stay invisible here.
//
// A scope whose rules cannot be loaded fails closed: the message is blocked
// and the load error returned alongside the decision.
func (p *Pipeline) Handle(ctx context.Context, msg Message) (Decision, error) {
	start := p.clk.Now()

	ruleSet, fromCache := p.cache.Get(msg.Scope, rulesKey)
	if !fromCache {
		loaded, err := p.rules.Load(ctx, msg.Scope)
		if err != nil {
			elapsed := p.clk.Now().Sub(start)
			d := Decision{Action: rules.ActionBlock, Reason: loadFailedReason, LatencyMS: elapsed.Milliseconds()}
			p.log.Error("rule load failed, blocking message",
				slog.String("message_id", msg.ID),
				slog.String("scope", msg.Scope),
				slog.String("error", err.Error()))
			p.met.RecordDecision(string(d.Action), false, elapsed)
			return d, fmt.Errorf("filter: load rules for scope %q: %w", msg.Scope, err)
		}
		p.cache.Set(msg.Scope, rulesKey, loaded)
		ruleSet = loaded
	}

	decision := p.evaluate(msg, ruleSet, start)
	decision.FromCache = fromCache
	elapsed := p.clk.Now().Sub(start)
	decision.LatencyMS = elapsed.Milliseconds()

	p.log.Info("message filtered",
		slog.String("message_id", msg.ID),
		slog.String("scope", msg.Scope),
		slog.String("action", string(decision.Action)),
		slog.String("rule", decision.RuleID),
		slog.Bool("from_cache", decision.FromCache),
		slog.Int64("latency_ms", decision.LatencyMS))
	p.met.RecordDecision(string(decision.Action), decision.FromCache, elapsed)

	payload := taskPayload(msg, decision)
	p.clk.AfterFunc(0, func() { p.queue.EnqueueBatch(payload) })

	return decision, nil
}

// evaluate walks the rule set in load order, which is already sorted by
// ascending priority. Disabled rules are skipped; a rule whose condition
// fails to evaluate is skipped with a warning rather than failing the
// request.
func (p *Pipeline) evaluate(msg Message, ruleSet []rules.Rule, now time.Time) Decision {
	activation := msg.activation(now)
	for _, rule := range ruleSet {
		if rule.Disabled {
			continue
		}
		matched, err := rule.Matches(activation)
		if err != nil {
			p.log.Warn("rule evaluation failed, skipping rule",
				slog.String("message_id", msg.ID),
				slog.String("scope", msg.Scope),
				slog.String("rule", rule.ID),
				slog.String("error", err.Error()))
			continue
		}
		if matched {
			return Decision{Action: rule.Action, RuleID: rule.ID, Reason: rule.Reason}
		}
	}
	return Decision{Action: rules.ActionAllow}
}
