package main

import (
	"bytes"
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itohio/grindscale/pkg/grind"
)

type fakeSession struct {
	q       *grind.EventQueue
	acked   int
	stopped int
}

func (f *fakeSession) Events() *grind.EventQueue { return f.q }
func (f *fakeSession) AcknowledgePhaseTransition() { f.acked++ }
func (f *fakeSession) Stop() error {
	f.stopped++
	return nil
}

func TestFormatEvent(t *testing.T) {
	tests := []struct {
		name string
		e    grind.Event
		want string
	}{
		{"phase", grind.Event{Kind: grind.EventPhaseChanged, Phase: grind.PhasePredictive, Text: "Grinding", Weight: 1.5}, "[PREDICTIVE] Grinding 1.50g"},
		{"completed", grind.Event{Kind: grind.EventCompleted, FinalWeight: 18.02, PulseCount: 2}, "done: 18.02g after 2 pulses"},
		{"timeout", grind.Event{Kind: grind.EventTimeout, TimeoutPhase: grind.PhasePredictive, TimeoutWeight: 0.1, Message: grind.MessageNoWeight}, "timeout in PREDICTIVE at 0.10g (0%): Err: no wt"},
		{"stopped", grind.Event{Kind: grind.EventStopped}, "stopped"},
		{"pulse", grind.Event{Kind: grind.EventPulseStarted, PulseCount: 1, PulseDuration: 120}, "  pulse #1 120ms"},
		{"motor", grind.Event{Kind: grind.EventBackgroundChange, BackgroundActive: true}, "  motor on"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, formatEvent(tt.e))
		})
	}
}

func TestPrinter_ThrottlesProgress(t *testing.T) {
	var buf bytes.Buffer
	p := newPrinter(&buf, time.Second)
	now := time.Unix(100, 0)
	p.now = func() time.Time { return now }

	p.print(grind.Event{Kind: grind.EventProgress, Weight: 1})
	p.print(grind.Event{Kind: grind.EventProgress, Weight: 2})
	p.print(grind.Event{Kind: grind.EventStopped})
	now = now.Add(time.Second)
	p.print(grind.Event{Kind: grind.EventProgress, Weight: 3})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], "1.00g")
	assert.Equal(t, "stopped", lines[1])
	assert.Contains(t, lines[2], "3.00g")
}

func TestFollow(t *testing.T) {
	s := &fakeSession{q: grind.NewEventQueue(10)}
	require.NoError(t, s.q.Push(grind.Event{Kind: grind.EventPhaseChanged, Phase: grind.PhaseInitializing}))
	require.NoError(t, s.q.Push(grind.Event{Kind: grind.EventPhaseChanged, Phase: grind.PhaseTaring}))

	go func() {
		time.Sleep(20 * time.Millisecond)
		s.q.Push(grind.Event{Kind: grind.EventCompleted, Phase: grind.PhaseCompleted, FinalWeight: 18})
	}()

	var buf bytes.Buffer
	final, err := follow(context.Background(), s, newPrinter(&buf, 0))
	require.NoError(t, err)
	assert.Equal(t, grind.EventCompleted, final.Kind)
	assert.Equal(t, float32(18), final.FinalWeight)
	assert.Equal(t, 1, s.acked)
	assert.Zero(t, s.stopped)
	assert.Contains(t, buf.String(), "[TARING]")
}

func TestFollow_Cancel(t *testing.T) {
	s := &fakeSession{q: grind.NewEventQueue(10)}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := follow(ctx, s, newPrinter(&bytes.Buffer{}, 0))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, s.stopped)
	assert.NoError(t, ignoreCancel(err))
}

type countingSnapshotter struct {
	calls atomic.Int32
}

func (c *countingSnapshotter) RequestSnapshot() error {
	c.calls.Add(1)
	return grind.ErrInvalidState
}

func TestRequestSnapshots(t *testing.T) {
	s := &countingSnapshotter{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		requestSnapshots(ctx, s, 5*time.Millisecond)
		close(done)
	}()

	require.Eventually(t, func() bool { return s.calls.Load() >= 3 }, time.Second, time.Millisecond,
		"errors do not stop the requests")
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("snapshot requests did not stop")
	}
}
