package grindlog

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogger_Lifecycle(t *testing.T) {
	l := NewLogger(2, 4)
	assert.False(t, l.Active())

	l.AddMeasurement(Measurement{Weight: 1})
	_, ok := l.Snapshot()
	assert.False(t, ok, "inactive logger records nothing")

	l.Begin(Session{ID: 7, TargetWeight: 18})
	require.True(t, l.Active())

	assert.True(t, l.AddEvent(PhaseEvent{Phase: 1}))
	assert.True(t, l.AddEvent(PhaseEvent{Phase: 2}))
	assert.False(t, l.AddEvent(PhaseEvent{Phase: 3}), "events are bounded")

	l.Update(func(s *Session) { s.StartWeight = 0.5 })

	s, ok := l.Finish()
	require.True(t, ok)
	assert.Equal(t, uint32(7), s.ID)
	assert.NotEqual(t, uuid.Nil, s.UUID)
	assert.Equal(t, float32(0.5), s.StartWeight)
	assert.Len(t, s.Events, 2)
	assert.False(t, l.Active())

	_, ok = l.Finish()
	assert.False(t, ok)
}

func TestLogger_MeasurementRing(t *testing.T) {
	tests := []struct {
		name  string
		count int
		want  []float32
	}{
		{"empty", 0, []float32{}},
		{"partial", 3, []float32{0, 1, 2}},
		{"exactly full", 4, []float32{0, 1, 2, 3}},
		{"wrapped", 6, []float32{2, 3, 4, 5}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := NewLogger(10, 4)
			l.Begin(Session{})
			for i := 0; i < tt.count; i++ {
				l.AddMeasurement(Measurement{Time: time.Duration(i) * time.Millisecond, Weight: float32(i)})
			}
			s, ok := l.Snapshot()
			require.True(t, ok)

			got := make([]float32, 0, len(s.Measurements))
			for _, m := range s.Measurements {
				got = append(got, m.Weight)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLogger_Discard(t *testing.T) {
	l := NewLogger(10, 10)
	l.Begin(Session{ID: 1})
	l.AddMeasurement(Measurement{Weight: 1})
	l.Discard()

	assert.False(t, l.Active())
	_, ok := l.Finish()
	assert.False(t, ok)
}
