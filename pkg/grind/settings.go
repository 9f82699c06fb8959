package grind

import (
	"fmt"
	"log"
	"time"

	"github.com/itohio/grindscale/pkg/config"
	"github.com/itohio/grindscale/pkg/prefs"
)

// SetTolerance sets the accuracy tolerance in grams for future sessions.
func (c *Controller) SetTolerance(g float32) error {
	if !(g > 0) || g > 1 {
		return fmt.Errorf("%w: %v g", ErrInvalidTolerance, g)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tolerance = g
	return nil
}

func (c *Controller) Tolerance() float32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tolerance
}

// SetMotorResponseLatency sets the motor latency used by the predictive
// cutoff. It does not persist the value.
func (c *Controller) SetMotorResponseLatency(d time.Duration) error {
	if d < c.cfg.LatencyMin || d > c.cfg.LatencyMax {
		return fmt.Errorf("%w: %v not in [%v, %v]", ErrInvalidLatency, d, c.cfg.LatencyMin, c.cfg.LatencyMax)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.latency = d
	return nil
}

func (c *Controller) MotorResponseLatency() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.latency
}

// LoadMotorResponseLatency restores the persisted latency, falling back to
// the configured default when none is stored or it is out of range.
func (c *Controller) LoadMotorResponseLatency() time.Duration {
	v := c.store.Float(prefs.KeyMotorLatency, -1)
	d := time.Duration(float64(v) * float64(time.Millisecond))
	if v < 0 || c.SetMotorResponseLatency(d) != nil {
		if v >= 0 {
			log.Printf("[grind] stored motor latency %.1fms out of range, using %v", v, c.cfg.MotorLatency)
		}
		c.mu.Lock()
		c.latency = c.cfg.MotorLatency
		c.mu.Unlock()
		return c.cfg.MotorLatency
	}
	return d
}

// SaveMotorResponseLatency persists the current latency.
func (c *Controller) SaveMotorResponseLatency() error {
	d := c.MotorResponseLatency()
	if err := c.store.PutFloat(prefs.KeyMotorLatency, ms(d)); err != nil {
		return fmt.Errorf("failed to save motor latency: %w", err)
	}
	return nil
}

// SetProfileID selects a profile and persists the selection.
func (c *Controller) SetProfileID(id int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if id < 0 || id >= len(c.profiles) {
		return fmt.Errorf("%w: %d", ErrInvalidProfile, id)
	}
	c.profileID = id
	if err := c.store.PutInt(prefs.KeyProfileID, id); err != nil {
		return fmt.Errorf("failed to save profile: %w", err)
	}
	return nil
}

func (c *Controller) ProfileID() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.profileID
}

// Profile returns the selected profile.
func (c *Controller) Profile() (config.Profile, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.profileID >= len(c.profiles) {
		return config.Profile{}, false
	}
	return c.profiles[c.profileID], true
}

// Status is a point-in-time view of the controller.
type Status struct {
	Phase        string  `json:"phase"`
	Mode         string  `json:"mode"`
	Owner        string  `json:"owner,omitempty"`
	Weight       float32 `json:"weight"`
	Target       float32 `json:"target"`
	TargetTimeMs int64   `json:"target_time_ms,omitempty"`
	StopTarget   float32 `json:"stop_target"`
	FlowRate     float32 `json:"flow_rate"`
	PulseCount   int     `json:"pulse_count"`
	ElapsedMs    int64   `json:"elapsed_ms"`
	ToleranceG   float32 `json:"tolerance_g"`
	LatencyMs    float32 `json:"latency_ms"`
	ProfileID    int     `json:"profile_id"`
	Mechanical   bool    `json:"mechanical_instability"`
}

// Status returns a snapshot of the controller.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := Status{
		Phase:      c.phase.String(),
		Mode:       c.s.mode.String(),
		Owner:      c.owner,
		Target:     c.s.target,
		StopTarget: c.s.stopTarget,
		FlowRate:   c.s.flow,
		PulseCount: c.s.attempts,
		ToleranceG: c.tolerance,
		LatencyMs:  ms(c.latency),
		ProfileID:  c.profileID,
		Mechanical: c.s.mechFlagged,
	}
	if c.scale != nil {
		st.Weight = c.scale.Display()
	}
	if c.s.targetTime > 0 {
		st.TargetTimeMs = c.s.targetTime.Milliseconds()
	}
	if c.phase != PhaseIdle {
		st.ElapsedMs = c.clk.Now().Sub(c.s.start).Milliseconds()
	}
	return st
}
