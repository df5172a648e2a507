package sideeffect

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/yinz628/email-filter-sub004/internal/queue"
	"github.com/yinz628/email-filter-sub004/internal/rules"
	"github.com/yinz628/email-filter-sub004/internal/templates"
)

// Sender delivers one rendered alert. Implementations must be safe for
// concurrent use; a returned error fails the batch so it retries.
type Sender func(ctx context.Context, subject, body string) error

// AlertingConfig carries the alert templates and the delivery hook.
type AlertingConfig struct {
	// SubjectTemplate and BodyTemplate are inline templates rendered with
	// the task payload. Both are required.
	SubjectTemplate string
	BodyTemplate    string
	// Sender defaults to logging the rendered alert.
	Sender Sender
	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// Alerter renders and delivers alerts for quarantined and blocked messages.
// Other decisions pass through without an alert.
type Alerter struct {
	subject *templates.Template
	body    *templates.Template
	send    Sender
	log     *slog.Logger
}

// NewAlerter compiles the configured templates against the renderer.
func NewAlerter(renderer *templates.Renderer, cfg AlertingConfig) (*Alerter, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("sink", "alerting"))

	subject, err := renderer.CompileInline("alert-subject", cfg.SubjectTemplate)
	if err != nil {
		return nil, fmt.Errorf("sideeffect: alert subject: %w", err)
	}
	if subject == nil {
		return nil, fmt.Errorf("sideeffect: alert subject template required")
	}
	body, err := renderer.CompileInline("alert-body", cfg.BodyTemplate)
	if err != nil {
		return nil, fmt.Errorf("sideeffect: alert body: %w", err)
	}
	if body == nil {
		return nil, fmt.Errorf("sideeffect: alert body template required")
	}

	send := cfg.Sender
	if send == nil {
		send = logSender(logger)
	}
	return &Alerter{subject: subject, body: body, send: send, log: logger}, nil
}

// Handler returns the queue handler that renders and sends one alert per
// quarantine or block task. Render and send failures fail the batch; the
// queue retries it, so senders must tolerate duplicate alerts.
func (a *Alerter) Handler() queue.Handler {
	return func(ctx context.Context, tasks []queue.Task) error {
		for _, t := range tasks {
			if !alertWorthy(stringField(t.Payload, "action")) {
				continue
			}
			subject, err := a.subject.Render(t.Payload)
			if err != nil {
				return fmt.Errorf("sideeffect: render alert subject: %w", err)
			}
			body, err := a.body.Render(t.Payload)
			if err != nil {
				return fmt.Errorf("sideeffect: render alert body: %w", err)
			}
			if err := a.send(ctx, subject, body); err != nil {
				return fmt.Errorf("sideeffect: send alert: %w", err)
			}
		}
		return nil
	}
}

func alertWorthy(action string) bool {
	switch rules.Action(action) {
	case rules.ActionQuarantine, rules.ActionBlock:
		return true
	default:
		return false
	}
}

func logSender(log *slog.Logger) Sender {
	return func(_ context.Context, subject, body string) error {
		log.Info("alert",
			slog.String("subject", subject),
			slog.String("body", body))
		return nil
	}
}
