// Package clock abstracts wall-clock time so that control loops can run against
// real time on the device and against a manually advanced clock in simulations.
package clock

import (
	"sort"
	"sync"
	"time"
)

// Clock provides the current time, sleeping and one-shot timers.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a pending AfterFunc call.
type Timer interface {
	// Stop prevents the timer from firing. It returns false if the timer
	// already fired or was stopped.
	Stop() bool
}

var (
	_ Clock = System{}
	_ Clock = (*Manual)(nil)
)

// System is the real wall clock.
type System struct{}

func (System) Now() time.Time { return time.Now() }

func (System) Sleep(d time.Duration) { time.Sleep(d) }

func (System) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// Manual is a clock that only moves when Advance or Sleep is called.
// Timers fire synchronously from Advance in deadline order.
type Manual struct {
	mu     sync.Mutex
	now    time.Time
	seq    uint64
	timers []*manualTimer
}

type manualTimer struct {
	m        *Manual
	deadline time.Time
	seq      uint64
	f        func()
	done     bool
}

// NewManual creates a manual clock starting at start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

// Now returns the current manual time.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Sleep advances the clock by d.
func (m *Manual) Sleep(d time.Duration) {
	m.Advance(d)
}

// AfterFunc schedules f to run once the clock has been advanced by d.
func (m *Manual) AfterFunc(d time.Duration, f func()) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	t := &manualTimer{m: m, deadline: m.now.Add(d), seq: m.seq, f: f}
	m.timers = append(m.timers, t)
	return t
}

// Advance moves the clock forward by d, firing every timer that falls due.
// Callbacks run without the clock lock held, so they may use the clock.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now.Add(d)
	m.mu.Unlock()

	for {
		m.mu.Lock()
		sort.SliceStable(m.timers, func(i, j int) bool {
			if m.timers[i].deadline.Equal(m.timers[j].deadline) {
				return m.timers[i].seq < m.timers[j].seq
			}
			return m.timers[i].deadline.Before(m.timers[j].deadline)
		})
		if len(m.timers) == 0 || m.timers[0].deadline.After(target) {
			m.now = target
			m.mu.Unlock()
			return
		}
		t := m.timers[0]
		m.timers = m.timers[1:]
		t.done = true
		if t.deadline.After(m.now) {
			m.now = t.deadline
		}
		m.mu.Unlock()

		t.f()
	}
}

// Pending returns the number of timers that have not fired yet.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}

func (t *manualTimer) Stop() bool {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	if t.done {
		return false
	}
	t.done = true
	for i, other := range t.m.timers {
		if other == t {
			t.m.timers = append(t.m.timers[:i], t.m.timers[i+1:]...)
			break
		}
	}
	return true
}
