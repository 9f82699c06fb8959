package grindlog

import (
	"fmt"
	"io"
	"sync"
)

// TextSink writes snapshots as line-oriented text, suitable for a serial
// diagnostic port.
type TextSink struct {
	mu sync.Mutex
	w  io.Writer
}

func NewTextSink(w io.Writer) *TextSink {
	return &TextSink{w: w}
}

func (t *TextSink) Snapshot(s *Session) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, err := fmt.Fprintf(t.w, "# session %d %s mode=%s target=%.2fg tol=%.3fg latency=%v\n",
		s.ID, s.UUID, s.Mode, s.TargetWeight, s.Tolerance, s.Latency); err != nil {
		return err
	}
	for _, e := range s.Events {
		if _, err := fmt.Fprintf(t.w, "E,%d,%d,%d,%.3f,%.3f,%.3f,%.3f,%d\n",
			e.Phase, e.Start.Milliseconds(), e.Duration.Milliseconds(),
			e.StartWeight, e.EndWeight, e.StopTarget, e.FlowRate, e.Attempt); err != nil {
			return err
		}
	}
	for _, m := range s.Measurements {
		motor := 0
		if m.MotorOn {
			motor = 1
		}
		if _, err := fmt.Fprintf(t.w, "M,%d,%.3f,%.3f,%.3f,%.3f,%d,%d\n",
			m.Time.Milliseconds(), m.Weight, m.Delta, m.FlowRate, m.StopTarget, motor, m.Phase); err != nil {
			return err
		}
	}
	return nil
}
