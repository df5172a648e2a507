package sideeffect

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/yinz628/email-filter-sub004/internal/queue"
)

func startAnalyticsSink(t *testing.T) (*miniredis.Miniredis, *AnalyticsSink) {
	t.Helper()
	srv, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(srv.Close)

	sink, err := NewAnalyticsSink(AnalyticsConfig{Address: srv.Addr()}, discardLogger())
	require.NoError(t, err)
	t.Cleanup(sink.Close)
	return srv, sink
}

func TestAnalyticsHandlerIncrementsPerScopeCounters(t *testing.T) {
	srv, sink := startAnalyticsSink(t)

	err := sink.Handler()(context.Background(), []queue.Task{
		decisionTask("msg-1", "flag", "a@x.example", "worker-1"),
		decisionTask("msg-2", "flag", "b@x.example", "worker-1"),
		decisionTask("msg-3", "block", "c@x.example", "worker-2"),
		{ID: "msg-4", Category: queue.CategoryAnalytics, Payload: map[string]any{"scope": "worker-1"}},
	})
	require.NoError(t, err)

	require.Equal(t, "2", srv.HGet("analytics:worker-1", "flag"))
	require.Equal(t, "1", srv.HGet("analytics:worker-2", "block"))
}

func TestAnalyticsHandlerAccumulatesAcrossBatches(t *testing.T) {
	srv, sink := startAnalyticsSink(t)
	handler := sink.Handler()

	for i := 0; i < 3; i++ {
		err := handler(context.Background(), []queue.Task{
			decisionTask("msg-1", "quarantine", "a@x.example", "worker-1"),
		})
		require.NoError(t, err)
	}
	require.Equal(t, "3", srv.HGet("analytics:worker-1", "quarantine"))
}

func TestAnalyticsHandlerEmptyBatch(t *testing.T) {
	_, sink := startAnalyticsSink(t)
	require.NoError(t, sink.Handler()(context.Background(), nil))
}

func TestNewAnalyticsSinkValidation(t *testing.T) {
	_, err := NewAnalyticsSink(AnalyticsConfig{}, nil)
	require.ErrorContains(t, err, "analytics address required")

	_, err = NewAnalyticsSink(AnalyticsConfig{Address: "127.0.0.1:1"}, discardLogger())
	require.Error(t, err)
}
