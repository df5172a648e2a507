package sideeffect

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/yinz628/email-filter-sub004/internal/queue"
)

func newTracker(t *testing.T, logger *slog.Logger) *ReputationTracker {
	t.Helper()
	if logger == nil {
		logger = discardLogger()
	}
	tracker, err := NewReputationTracker(ReputationConfig{
		BatchSize:    2,
		MaxBlockTime: 50 * time.Millisecond,
		Logger:       logger,
	})
	require.NoError(t, err)
	return tracker
}

func TestReputationTrackerAppliesDeltas(t *testing.T) {
	tracker := newTracker(t, nil)

	err := tracker.Handler()(context.Background(), []queue.Task{
		decisionTask("msg-1", "allow", "steady@x.example", "worker-1"),
		decisionTask("msg-2", "allow", "steady@x.example", "worker-1"),
		decisionTask("msg-3", "block", "steady@x.example", "worker-1"),
		decisionTask("msg-4", "flag", "noisy@x.example", "worker-1"),
		decisionTask("msg-5", "quarantine", "noisy@x.example", "worker-1"),
	})
	require.NoError(t, err)

	require.Equal(t, -3, tracker.Score("steady@x.example"))
	require.Equal(t, -4, tracker.Score("noisy@x.example"))
	require.Zero(t, tracker.Score("unseen@x.example"))
}

func TestReputationTrackerScoresReturnsCopy(t *testing.T) {
	tracker := newTracker(t, nil)
	err := tracker.Handler()(context.Background(), []queue.Task{
		decisionTask("msg-1", "allow", "a@x.example", "worker-1"),
	})
	require.NoError(t, err)

	scores := tracker.Scores()
	scores["a@x.example"] = 999
	require.Equal(t, 1, tracker.Score("a@x.example"))
}

func TestReputationTrackerIgnoresBlankSendersAndUnknownActions(t *testing.T) {
	tracker := newTracker(t, nil)
	err := tracker.Handler()(context.Background(), []queue.Task{
		{ID: "msg-1", Category: queue.CategoryReputation, Payload: map[string]any{"action": "allow"}},
		decisionTask("msg-2", "whatever", "a@x.example", "worker-1"),
	})
	require.NoError(t, err)
	require.Empty(t, tracker.Scores())
}

func TestReputationTrackerReportsSweepProgress(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	tracker := newTracker(t, logger)

	tasks := make([]queue.Task, 5)
	for i := range tasks {
		tasks[i] = decisionTask("msg", "allow", "a@x.example", "worker-1")
	}
	require.NoError(t, tracker.Handler()(context.Background(), tasks))

	out := buf.String()
	require.Equal(t, 3, strings.Count(out, "reputation sweep progress"))
	require.Contains(t, out, "percent=40")
	require.Contains(t, out, "percent=80")
	require.Contains(t, out, "percent=100")
	require.Contains(t, out, "done=true")
}

func TestReputationHandlerHonorsContext(t *testing.T) {
	tracker := newTracker(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := tracker.Handler()(ctx, []queue.Task{
		decisionTask("msg-1", "allow", "a@x.example", "worker-1"),
	})
	require.ErrorContains(t, err, "reputation sweep")
	require.ErrorIs(t, err, context.Canceled)
}

func TestNewReputationTrackerValidatesConfig(t *testing.T) {
	_, err := NewReputationTracker(ReputationConfig{MaxBlockTime: time.Second})
	require.ErrorContains(t, err, "batch size must be positive")
}
