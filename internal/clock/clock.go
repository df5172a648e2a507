// Package clock abstracts time for components that schedule deferred work.
// Production wiring uses System; tests drive scheduled callbacks
// deterministically with Manual.
package clock

import (
	"sync"
	"time"
)

// Clock supplies the current time and deferred execution. Components take a
// Clock instead of calling the time package directly so tests decide when
// scheduled callbacks fire.
type Clock interface {
	// Now reports the current time.
	Now() time.Time
	// AfterFunc schedules fn to run after d elapses. Callbacks are
	// fire-and-forget: there is no cancellation handle, callers guard
	// against staleness themselves.
	AfterFunc(d time.Duration, fn func())
}

type systemClock struct{}

// System returns the wall-clock implementation backed by the time package.
func System() Clock { return systemClock{} }

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) AfterFunc(d time.Duration, fn func()) {
	time.AfterFunc(d, fn)
}

// Manual is a deterministic Clock for tests. Time moves only when Advance is
// called; due callbacks run synchronously on the advancing goroutine.
type Manual struct {
	mu     sync.Mutex
	now    time.Time
	seq    int
	timers []*manualTimer
}

type manualTimer struct {
	when time.Time
	seq  int
	fn   func()
}

// NewManual returns a Manual clock positioned at start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

// Now reports the clock's current position.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// AfterFunc schedules fn to run once Advance moves the clock to or past the
// due time. A zero or negative d makes fn due immediately, but it still
// waits for the next Advance call; nothing runs inside AfterFunc itself.
func (m *Manual) AfterFunc(d time.Duration, fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	m.timers = append(m.timers, &manualTimer{when: m.now.Add(d), seq: m.seq, fn: fn})
}

// Pending reports how many scheduled callbacks have not fired yet.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}

// Advance moves the clock forward by d and fires every callback that comes
// due, including callbacks scheduled by other callbacks inside the same
// window. Callbacks fire in (due time, scheduling order) order with the
// clock positioned at their due time. Advance(0) fires callbacks that are
// already due without moving the clock.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	deadline := m.now.Add(d)
	for {
		t := m.popDue(deadline)
		if t == nil {
			break
		}
		if t.when.After(m.now) {
			m.now = t.when
		}
		m.mu.Unlock()
		t.fn()
		m.mu.Lock()
	}
	if deadline.After(m.now) {
		m.now = deadline
	}
	m.mu.Unlock()
}

// popDue removes and returns the earliest timer due at or before limit,
// or nil when none qualifies. Caller holds mu.
func (m *Manual) popDue(limit time.Time) *manualTimer {
	best := -1
	for i, t := range m.timers {
		if t.when.After(limit) {
			continue
		}
		if best == -1 || t.when.Before(m.timers[best].when) ||
			(t.when.Equal(m.timers[best].when) && t.seq < m.timers[best].seq) {
			best = i
		}
	}
	if best == -1 {
		return nil
	}
	t := m.timers[best]
	m.timers = append(m.timers[:best], m.timers[best+1:]...)
	return t
}
