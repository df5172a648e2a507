package sideeffect

import (
	"context"
	"log/slog"

	"github.com/yinz628/email-filter-sub004/internal/queue"
)

// NewActivityHandler returns the handler that writes one activity line per
// filtered message. It is the always-on audit trail operators grep first.
func NewActivityHandler(logger *slog.Logger) queue.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	log := logger.With(slog.String("sink", "activity"))
	return func(ctx context.Context, tasks []queue.Task) error {
		for _, t := range tasks {
			log.Info("message activity",
				slog.String("message_id", stringField(t.Payload, "messageId")),
				slog.String("scope", stringField(t.Payload, "scope")),
				slog.String("sender", stringField(t.Payload, "sender")),
				slog.String("action", stringField(t.Payload, "action")),
				slog.String("rule", stringField(t.Payload, "rule")))
		}
		log.Debug("activity batch recorded", slog.Int("count", len(tasks)))
		return nil
	}
}
