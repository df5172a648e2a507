package sideeffect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	valkey "github.com/valkey-io/valkey-go"

	"github.com/yinz628/email-filter-sub004/internal/queue"
)

// AnalyticsConfig carries the connection settings for the analytics sink.
type AnalyticsConfig struct {
	Address   string
	KeyPrefix string
}

// AnalyticsSink keeps rolling per-scope action counters in a Valkey hash at
// <prefix><scope>, one field per action. Dashboards read the hashes
// directly; this process only increments.
type AnalyticsSink struct {
	client    valkey.Client
	keyPrefix string
	log       *slog.Logger
}

// NewAnalyticsSink connects and pings the store so a bad address surfaces at
// startup instead of on the first flush.
func NewAnalyticsSink(cfg AnalyticsConfig, logger *slog.Logger) (*AnalyticsSink, error) {
	if cfg.Address == "" {
		return nil, errors.New("sideeffect: analytics address required")
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "analytics:"
	}
	if logger == nil {
		logger = slog.Default()
	}

	client, err := valkey.NewClient(valkey.ClientOption{
		InitAddress:       []string{cfg.Address},
		AlwaysRESP2:       true,
		ForceSingleClient: true,
		DisableCache:      true,
	})
	if err != nil {
		return nil, fmt.Errorf("sideeffect: analytics client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("sideeffect: analytics ping: %w", err)
	}

	return &AnalyticsSink{
		client:    client,
		keyPrefix: cfg.KeyPrefix,
		log:       logger.With(slog.String("sink", "analytics")),
	}, nil
}

// Handler returns the queue handler that increments one hash field per task,
// pipelining the whole batch in a single round trip.
func (s *AnalyticsSink) Handler() queue.Handler {
	return func(ctx context.Context, tasks []queue.Task) error {
		cmds := make(valkey.Commands, 0, len(tasks))
		for _, t := range tasks {
			action := stringField(t.Payload, "action")
			if action == "" {
				continue
			}
			key := s.keyPrefix + stringField(t.Payload, "scope")
			cmds = append(cmds, s.client.B().Hincrby().Key(key).Field(action).Increment(1).Build())
		}
		if len(cmds) == 0 {
			return nil
		}
		for _, resp := range s.client.DoMulti(ctx, cmds...) {
			if err := resp.Error(); err != nil {
				return fmt.Errorf("sideeffect: analytics update: %w", err)
			}
		}
		s.log.Debug("analytics recorded", slog.Int("count", len(cmds)))
		return nil
	}
}

// Close releases the client connection.
func (s *AnalyticsSink) Close() {
	s.client.Close()
}
