package sideeffect

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/yinz628/email-filter-sub004/internal/clock"
	"github.com/yinz628/email-filter-sub004/internal/queue"
)

func TestStatsHandlerCountsActionsPerDay(t *testing.T) {
	clk := clock.NewManual(time.Date(2024, 5, 1, 23, 0, 0, 0, time.UTC))
	store, err := OpenStats(filepath.Join(t.TempDir(), "stats.db"), clk, discardLogger())
	require.NoError(t, err)
	defer store.Close()

	handler := store.Handler()
	err = handler(context.Background(), []queue.Task{
		decisionTask("msg-1", "allow", "a@x.example", "worker-1"),
		decisionTask("msg-2", "allow", "b@x.example", "worker-1"),
		decisionTask("msg-3", "block", "c@x.example", "worker-2"),
	})
	require.NoError(t, err)

	day1 := clk.Now()
	totals, err := store.Totals(day1)
	require.NoError(t, err)
	require.Equal(t, map[string]uint64{"allow": 2, "block": 1}, totals)

	// A second batch folds into the same day's counters.
	err = handler(context.Background(), []queue.Task{
		decisionTask("msg-4", "allow", "d@x.example", "worker-1"),
	})
	require.NoError(t, err)
	totals, err = store.Totals(day1)
	require.NoError(t, err)
	require.Equal(t, uint64(3), totals["allow"])

	// Crossing midnight opens a fresh bucket and leaves the old one alone.
	clk.Advance(2 * time.Hour)
	err = handler(context.Background(), []queue.Task{
		decisionTask("msg-5", "flag", "e@x.example", "worker-1"),
	})
	require.NoError(t, err)

	totals, err = store.Totals(clk.Now())
	require.NoError(t, err)
	require.Equal(t, map[string]uint64{"flag": 1}, totals)

	totals, err = store.Totals(day1)
	require.NoError(t, err)
	require.Equal(t, uint64(3), totals["allow"])
}

func TestStatsHandlerCountsMissingActionAsUnknown(t *testing.T) {
	clk := clock.NewManual(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	store, err := OpenStats(filepath.Join(t.TempDir(), "stats.db"), clk, discardLogger())
	require.NoError(t, err)
	defer store.Close()

	err = store.Handler()(context.Background(), []queue.Task{
		{ID: "msg-1", Category: queue.CategoryStats, Payload: map[string]any{"scope": "worker-1"}},
	})
	require.NoError(t, err)

	totals, err := store.Totals(clk.Now())
	require.NoError(t, err)
	require.Equal(t, map[string]uint64{"unknown": 1}, totals)
}

func TestStatsTotalsEmptyDay(t *testing.T) {
	store, err := OpenStats(filepath.Join(t.TempDir(), "stats.db"), nil, discardLogger())
	require.NoError(t, err)
	defer store.Close()

	totals, err := store.Totals(time.Date(2019, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Empty(t, totals)
}

func TestOpenStatsRequiresPath(t *testing.T) {
	_, err := OpenStats("", nil, nil)
	require.ErrorContains(t, err, "stats path required")
}
