package sideeffect

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/yinz628/email-filter-sub004/internal/queue"
	"github.com/yinz628/email-filter-sub004/internal/templates"
)

type recordingSender struct {
	mu       sync.Mutex
	subjects []string
	bodies   []string
	err      error
}

func (s *recordingSender) send(_ context.Context, subject, body string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.subjects = append(s.subjects, subject)
	s.bodies = append(s.bodies, body)
	return nil
}

func newAlerter(t *testing.T, subject, body string, sender Sender) *Alerter {
	t.Helper()
	a, err := NewAlerter(templates.NewRenderer(), AlertingConfig{
		SubjectTemplate: subject,
		BodyTemplate:    body,
		Sender:          sender,
		Logger:          discardLogger(),
	})
	require.NoError(t, err)
	return a
}

func TestAlertingHandlerSendsForQuarantineAndBlock(t *testing.T) {
	sender := &recordingSender{}
	a := newAlerter(t,
		`{{ .action | upper }}: {{ .messageId }}`,
		`Message {{ .messageId }} from {{ .sender }} was {{ .action }}{{ if .rule }} by rule {{ .rule }}{{ end }}.`,
		sender.send)

	err := a.Handler()(context.Background(), []queue.Task{
		decisionTask("msg-1", "allow", "a@x.example", "worker-1"),
		decisionTask("msg-2", "quarantine", "b@x.example", "worker-1"),
		decisionTask("msg-3", "block", "c@x.example", "worker-1"),
		decisionTask("msg-4", "flag", "d@x.example", "worker-1"),
	})
	require.NoError(t, err)

	require.Equal(t, []string{"QUARANTINE: msg-2", "BLOCK: msg-3"}, sender.subjects)
	require.Equal(t, []string{
		"Message msg-2 from b@x.example was quarantine by rule r-quarantine.",
		"Message msg-3 from c@x.example was block by rule r-block.",
	}, sender.bodies)
}

func TestAlertingHandlerSendFailureFailsBatch(t *testing.T) {
	sender := &recordingSender{err: errors.New("smtp down")}
	a := newAlerter(t, `{{ .messageId }}`, `{{ .action }}`, sender.send)

	err := a.Handler()(context.Background(), []queue.Task{
		decisionTask("msg-1", "block", "a@x.example", "worker-1"),
	})
	require.ErrorContains(t, err, "send alert")
	require.ErrorContains(t, err, "smtp down")
}

func TestAlertingHandlerRenderFailureFailsBatch(t *testing.T) {
	sender := &recordingSender{}
	a := newAlerter(t, `{{ fail "broken subject" }}`, `{{ .action }}`, sender.send)

	err := a.Handler()(context.Background(), []queue.Task{
		decisionTask("msg-1", "quarantine", "a@x.example", "worker-1"),
	})
	require.ErrorContains(t, err, "render alert subject")
	require.Empty(t, sender.subjects)
}

func TestAlertingDefaultSenderLogs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	a, err := NewAlerter(templates.NewRenderer(), AlertingConfig{
		SubjectTemplate: `{{ .action | upper }}`,
		BodyTemplate:    `{{ .messageId }}`,
		Logger:          logger,
	})
	require.NoError(t, err)

	err = a.Handler()(context.Background(), []queue.Task{
		decisionTask("msg-1", "block", "a@x.example", "worker-1"),
	})
	require.NoError(t, err)
	require.Contains(t, buf.String(), "subject=BLOCK")
	require.Contains(t, buf.String(), "body=msg-1")
}

func TestNewAlerterRequiresTemplates(t *testing.T) {
	renderer := templates.NewRenderer()

	_, err := NewAlerter(renderer, AlertingConfig{BodyTemplate: `{{ .action }}`})
	require.ErrorContains(t, err, "subject template required")

	_, err = NewAlerter(renderer, AlertingConfig{SubjectTemplate: `{{ .action }}`})
	require.ErrorContains(t, err, "body template required")

	_, err = NewAlerter(renderer, AlertingConfig{
		SubjectTemplate: `{{ .action `,
		BodyTemplate:    `{{ .action }}`,
	})
	require.ErrorContains(t, err, "alert subject")
}
