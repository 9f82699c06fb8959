package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManual_AdvanceFiresTimersInOrder(t *testing.T) {
	start := time.Unix(1000, 0)
	m := NewManual(start)

	var fired []string
	var firedAt []time.Duration
	m.AfterFunc(30*time.Millisecond, func() {
		fired = append(fired, "b")
		firedAt = append(firedAt, m.Now().Sub(start))
	})
	m.AfterFunc(10*time.Millisecond, func() {
		fired = append(fired, "a")
		firedAt = append(firedAt, m.Now().Sub(start))
	})
	m.AfterFunc(100*time.Millisecond, func() {
		fired = append(fired, "c")
	})

	m.Advance(50 * time.Millisecond)

	assert.Equal(t, []string{"a", "b"}, fired)
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 30 * time.Millisecond}, firedAt)
	assert.Equal(t, 50*time.Millisecond, m.Now().Sub(start))
	assert.Equal(t, 1, m.Pending())
}

func TestManual_StopPreventsFiring(t *testing.T) {
	m := NewManual(time.Unix(0, 0))

	called := false
	timer := m.AfterFunc(10*time.Millisecond, func() { called = true })

	require.True(t, timer.Stop())
	assert.False(t, timer.Stop(), "second stop reports already stopped")

	m.Advance(time.Second)
	assert.False(t, called)
	assert.Equal(t, 0, m.Pending())
}

func TestManual_CallbackMaySchedule(t *testing.T) {
	m := NewManual(time.Unix(0, 0))

	count := 0
	var tick func()
	tick = func() {
		count++
		if count < 3 {
			m.AfterFunc(10*time.Millisecond, tick)
		}
	}
	m.AfterFunc(10*time.Millisecond, tick)

	m.Advance(100 * time.Millisecond)
	assert.Equal(t, 3, count)
}

func TestManual_SleepAdvances(t *testing.T) {
	start := time.Unix(0, 0)
	m := NewManual(start)
	m.Sleep(250 * time.Millisecond)
	assert.Equal(t, 250*time.Millisecond, m.Now().Sub(start))
}
