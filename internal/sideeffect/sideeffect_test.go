package sideeffect

import (
	"io"
	"log/slog"

	"github.com/yinz628/email-filter-sub004/internal/queue"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// decisionTask builds a task shaped like the pipeline's side-effect payload.
func decisionTask(id, action, sender, scope string) queue.Task {
	return queue.Task{
		ID:       id,
		Category: queue.CategoryStats,
		Payload: map[string]any{
			"messageId": id,
			"scope":     scope,
			"sender":    sender,
			"recipient": "alice@corp.example",
			"subject":   "hello",
			"action":    action,
			"rule":      "r-" + action,
		},
	}
}
