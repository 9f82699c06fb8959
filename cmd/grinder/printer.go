package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/itohio/grindscale/pkg/grind"
)

// printer renders controller events for a terminal. Progress lines are
// throttled; every other event is printed.
type printer struct {
	w     io.Writer
	every time.Duration
	now   func() time.Time
	last  time.Time
}

func newPrinter(w io.Writer, every time.Duration) *printer {
	return &printer{w: w, every: every, now: time.Now}
}

func (p *printer) print(e grind.Event) {
	if e.Kind == grind.EventProgress {
		now := p.now()
		if now.Sub(p.last) < p.every {
			return
		}
		p.last = now
	}
	fmt.Fprintln(p.w, formatEvent(e))
}

func formatEvent(e grind.Event) string {
	switch e.Kind {
	case grind.EventPhaseChanged:
		return fmt.Sprintf("[%s] %s %.2fg", e.Phase, e.Text, e.Weight)
	case grind.EventProgress:
		s := fmt.Sprintf("  %7.2fg %5.1f%% flow %.2fg/s", e.Weight, e.Progress, e.FlowRate)
		if e.Mechanical {
			s += " (mechanical instability)"
		}
		return s
	case grind.EventCompleted:
		return fmt.Sprintf("done: %.2fg after %d pulses", e.FinalWeight, e.PulseCount)
	case grind.EventTimeout:
		s := fmt.Sprintf("timeout in %s at %.2fg (%.0f%%)", e.TimeoutPhase, e.TimeoutWeight, e.TimeoutProgress)
		if e.Message != "" {
			s += ": " + e.Message
		}
		return s
	case grind.EventStopped:
		return "stopped"
	case grind.EventPulseStarted:
		return fmt.Sprintf("  pulse #%d %.0fms", e.PulseCount, e.PulseDuration)
	case grind.EventPulseCompleted:
		return fmt.Sprintf("  pulse #%d done", e.PulseCount)
	case grind.EventBackgroundChange:
		if e.BackgroundActive {
			return "  motor on"
		}
		return "  motor off"
	}
	return e.Kind.String()
}

// sessionEvents is the part of the controller a session follower needs.
type sessionEvents interface {
	Events() *grind.EventQueue
	AcknowledgePhaseTransition()
	Stop() error
}

// follow prints events until the session completes, times out or stops. The
// INITIALIZING phase is acknowledged as soon as it is seen. Cancelling ctx
// stops the session.
func follow(ctx context.Context, c sessionEvents, p *printer) (grind.Event, error) {
	q := c.Events()
	for {
		var final *grind.Event
		q.Drain(func(e grind.Event) {
			if e.Kind == grind.EventPhaseChanged && e.Phase == grind.PhaseInitializing {
				c.AcknowledgePhaseTransition()
			}
			p.print(e)
			switch e.Kind {
			case grind.EventCompleted, grind.EventTimeout, grind.EventStopped:
				if final == nil {
					final = &e
				}
			}
		})
		if final != nil {
			return *final, nil
		}

		select {
		case <-ctx.Done():
			if err := c.Stop(); err != nil {
				return grind.Event{}, err
			}
			return grind.Event{}, ctx.Err()
		case <-q.Ready():
		}
	}
}

type snapshotter interface {
	RequestSnapshot() error
}

// requestSnapshots asks for an in-progress session dump every interval until
// ctx is done.
func requestSnapshots(ctx context.Context, s snapshotter, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if err := s.RequestSnapshot(); err != nil {
			log.Printf("[grind] snapshot skipped: %v", err)
		}
	}
}
