package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSystemAfterFuncFires(t *testing.T) {
	fired := make(chan struct{})
	System().AfterFunc(10*time.Millisecond, func() { close(fired) })

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("system timer never fired")
	}
}

func TestManualAdvanceFiresDueCallbacks(t *testing.T) {
	m := NewManual(time.Unix(0, 0))

	var fired []string
	m.AfterFunc(10*time.Millisecond, func() { fired = append(fired, "first") })
	m.AfterFunc(20*time.Millisecond, func() { fired = append(fired, "second") })

	m.Advance(15 * time.Millisecond)
	require.Equal(t, []string{"first"}, fired)
	require.Equal(t, 1, m.Pending())

	m.Advance(5 * time.Millisecond)
	require.Equal(t, []string{"first", "second"}, fired)
	require.Equal(t, 0, m.Pending())
}

func TestManualSameDueTimeKeepsSchedulingOrder(t *testing.T) {
	m := NewManual(time.Unix(0, 0))

	var fired []int
	for i := 0; i < 4; i++ {
		i := i
		m.AfterFunc(time.Second, func() { fired = append(fired, i) })
	}

	m.Advance(time.Second)
	require.Equal(t, []int{0, 1, 2, 3}, fired)
}

func TestManualZeroDelayWaitsForAdvance(t *testing.T) {
	m := NewManual(time.Unix(0, 0))

	fired := false
	m.AfterFunc(0, func() { fired = true })
	require.False(t, fired, "callback must not run inside AfterFunc")

	m.Advance(0)
	require.True(t, fired)
}

func TestManualCascadingCallbacksFireInOneAdvance(t *testing.T) {
	m := NewManual(time.Unix(0, 0))

	var fired []string
	m.AfterFunc(10*time.Millisecond, func() {
		fired = append(fired, "outer")
		m.AfterFunc(0, func() { fired = append(fired, "inner") })
	})

	m.Advance(10 * time.Millisecond)
	require.Equal(t, []string{"outer", "inner"}, fired)
}

func TestManualAdvancePositionsClockAtDueTime(t *testing.T) {
	start := time.Unix(0, 0)
	m := NewManual(start)

	var seen time.Time
	m.AfterFunc(3*time.Second, func() { seen = m.Now() })

	m.Advance(10 * time.Second)
	require.Equal(t, start.Add(3*time.Second), seen)
	require.Equal(t, start.Add(10*time.Second), m.Now())
}
