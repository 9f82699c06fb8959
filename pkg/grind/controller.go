// Package grind implements the closed-loop grind controller: a phased state
// machine that tares the scale, grinds continuously up to a predicted cutoff
// and tops up with short corrective pulses.
package grind

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/itohio/grindscale/pkg/clock"
	"github.com/itohio/grindscale/pkg/config"
	"github.com/itohio/grindscale/pkg/grindlog"
	"github.com/itohio/grindscale/pkg/motor"
	"github.com/itohio/grindscale/pkg/prefs"
	"github.com/itohio/grindscale/pkg/sample"
)

var (
	ErrInvalidState        = errors.New("grind: invalid state")
	ErrMissingCollaborator = errors.New("grind: missing collaborator")
	ErrQueueFull           = errors.New("grind: event queue full")
	ErrInvalidTarget       = errors.New("grind: invalid target")
	ErrInvalidLatency      = errors.New("grind: motor latency out of range")
	ErrInvalidTolerance    = errors.New("grind: invalid tolerance")
	ErrInvalidProfile      = errors.New("grind: unknown profile")
	ErrBusy                = errors.New("grind: controller busy")
)

// Result strings recorded in the session log.
const (
	ResultComplete   = "COMPLETE"
	ResultOvershoot  = "OVERSHOOT"
	ResultMaxPulses  = "COMPLETE — MAX PULSES"
	ResultTimeout    = "TIMEOUT"
	MessageNoWeight  = "Err: no wt"
	terminationDone  = "completed"
	terminationTime  = "timeout"
	terminationFault = "failsafe"
)

// Scale provides the weight views the controller relies on.
// *sample.Pipeline satisfies it.
type Scale interface {
	Instant() float32
	LowLatency() float32
	HighLatencyOver(w time.Duration) float32
	Display() float32
	FlowRate(w time.Duration) float32
	FlowRate95(w time.Duration) float32
	Settled(w time.Duration) (bool, float32)
	BeginTare() error
	CancelTare()
	TareStatus() sample.TareStatus
}

var _ Scale = (*sample.Pipeline)(nil)

// Controller runs grind sessions. Update must be called on every control
// tick; every other method may be called from any goroutine.
type Controller struct {
	cfg   config.GrindConfig
	clk   clock.Clock
	scale Scale
	motor motor.Driver
	store prefs.Store

	events *EventQueue
	logger *grindlog.Logger
	flash  *grindlog.Queue

	// phaseMirror lets motor callbacks read the phase without c.mu.
	phaseMirror atomic.Uint32

	mu        sync.Mutex
	phase     Phase
	owner     string
	profiles  []config.Profile
	profileID int
	tolerance float32
	latency   time.Duration

	s session
}

// session is the per-session state, reset on start.
type session struct {
	mode       grindlog.Mode
	target     float32
	targetTime time.Duration
	acked      bool
	start      time.Time
	entry      time.Time
	ticks      int
	loops      uint32

	stopTarget   float32
	flow         float32
	flowSeen     bool
	flowAt       time.Time
	motorStart   time.Time
	motorOnTime  time.Duration
	pulseFlow    float32
	attempts     int
	lastPulse    time.Duration
	lastWeight   float32
	startWeight  float32
	mechEvents   int
	mechLast     time.Time
	mechFlagged  bool
	event        grindlog.PhaseEvent
	eventPending bool
	early        []grindlog.PhaseEvent
	lastMeasured float32
}

// NewController creates a controller. store persists the motor latency,
// profile selection and session ids; nil uses an in-memory store.
func NewController(cfg config.GrindConfig, clk clock.Clock, scale Scale, m motor.Driver, store prefs.Store) *Controller {
	if clk == nil {
		clk = clock.System{}
	}
	if store == nil {
		store = prefs.NewMemory()
	}
	c := &Controller{
		cfg:       cfg,
		clk:       clk,
		scale:     scale,
		motor:     m,
		store:     store,
		events:    NewEventQueue(cfg.EventQueueSize),
		tolerance: cfg.ToleranceG,
		latency:   cfg.MotorLatency,
	}
	if m != nil {
		m.OnBackgroundChange(c.backgroundChanged)
	}
	return c
}

// SetSessionLog attaches the session logger and the flash-op queue. Either
// may be nil to disable recording or persistence.
func (c *Controller) SetSessionLog(l *grindlog.Logger, q *grindlog.Queue) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logger = l
	c.flash = q
}

// SetProfiles installs the selectable grind profiles and restores the
// persisted selection.
func (c *Controller) SetProfiles(p []config.Profile) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.profiles = append([]config.Profile(nil), p...)
	id := c.store.Int(prefs.KeyProfileID, 0)
	if id < 0 || id >= len(c.profiles) {
		id = 0
	}
	c.profileID = id
}

// Events returns the UI event queue.
func (c *Controller) Events() *EventQueue {
	return c.events
}

func (c *Controller) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// Acquire reserves the controller for another owner, such as the auto-tuner.
// It fails unless the controller is idle and unowned.
func (c *Controller) Acquire(owner string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase != PhaseIdle || c.owner != "" {
		return fmt.Errorf("%w: phase %s owner %q", ErrBusy, c.phase, c.owner)
	}
	c.owner = owner
	return nil
}

// Release ends a reservation made by Acquire.
func (c *Controller) Release(owner string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.owner == owner {
		c.owner = ""
	}
}

// Start begins a weight-based session.
func (c *Controller) Start(targetG float32) error {
	if !(targetG > 0) {
		return fmt.Errorf("%w: %v g", ErrInvalidTarget, targetG)
	}
	return c.begin(grindlog.ModeWeight, targetG, 0)
}

// StartTime begins a time-based session.
func (c *Controller) StartTime(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("%w: %v", ErrInvalidTarget, d)
	}
	return c.begin(grindlog.ModeTime, 0, d)
}

// StartProfile begins a session with the selected profile's weight, or its
// grind time in time mode.
func (c *Controller) StartProfile(mode grindlog.Mode) error {
	c.mu.Lock()
	if c.profileID >= len(c.profiles) {
		c.mu.Unlock()
		return ErrInvalidProfile
	}
	p := c.profiles[c.profileID]
	c.mu.Unlock()

	if mode == grindlog.ModeTime {
		return c.StartTime(p.Time)
	}
	return c.Start(p.WeightG)
}

func (c *Controller) begin(mode grindlog.Mode, target float32, targetTime time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.scale == nil || c.motor == nil {
		return ErrMissingCollaborator
	}
	if c.phase != PhaseIdle || c.owner != "" {
		return fmt.Errorf("%w: cannot start in %s", ErrInvalidState, c.phase)
	}

	now := c.clk.Now()
	c.s = session{
		mode:       mode,
		target:     target,
		targetTime: targetTime,
		start:      now,
		entry:      now,
	}
	c.setPhaseLocked(PhaseInitializing)
	c.s.event = grindlog.PhaseEvent{Phase: uint8(PhaseInitializing), StartWeight: c.scale.LowLatency()}
	c.s.eventPending = true
	log.Printf("[grind] session start: mode=%s target=%.2fg time=%v tol=%.3fg latency=%v",
		mode, target, targetTime, c.tolerance, c.latency)
	c.emitPhaseLocked(0)
	return nil
}

// AcknowledgePhaseTransition lets the controller leave INITIALIZING.
func (c *Controller) AcknowledgePhaseTransition() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase == PhaseInitializing {
		c.s.acked = true
	}
}

// Stop aborts the session. The motor stops at once and the session is
// discarded without being persisted.
func (c *Controller) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.phase == PhaseIdle {
		return nil
	}
	err := c.motor.Stop()
	c.scale.CancelTare()
	if c.logger != nil {
		c.logger.Discard()
	}
	prev := c.phase
	c.setPhaseLocked(PhaseIdle)
	log.Printf("[grind] session stopped by user in %s", prev)
	c.pushLocked(Event{Kind: EventStopped, Phase: PhaseIdle, Text: "Stopped"})
	return err
}

// ReturnToIdle acknowledges a finished session.
func (c *Controller) ReturnToIdle() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.phase.Terminal() {
		return
	}
	c.setPhaseLocked(PhaseIdle)
	c.emitPhaseLocked(c.scale.Display())
}

// AdditionalPulse fires one extra fixed pulse after a completed time-mode
// session.
func (c *Controller) AdditionalPulse() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.phase != PhaseCompleted || c.s.mode != grindlog.ModeTime {
		return fmt.Errorf("%w: additional pulse in %s", ErrInvalidState, c.phase)
	}
	if err := c.motor.Pulse(c.cfg.TimePulse); err != nil {
		return err
	}
	c.s.attempts++
	c.s.lastPulse = c.cfg.TimePulse
	c.s.entry = c.clk.Now()
	c.setPhaseLocked(PhaseTimeAdditionalPulse)
	c.emitPhaseLocked(c.scale.Display())
	c.pushLocked(Event{
		Kind:          EventPulseStarted,
		Phase:         c.phase,
		PulseCount:    c.s.attempts,
		PulseDuration: ms(c.cfg.TimePulse),
	})
	return nil
}

// RequestSnapshot queues a copy of the session being recorded for the
// diagnostic sink.
func (c *Controller) RequestSnapshot() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.logger == nil || c.flash == nil {
		return ErrMissingCollaborator
	}
	rec, ok := c.logger.Snapshot()
	if !ok {
		return fmt.Errorf("%w: no session recorded in %s", ErrInvalidState, c.phase)
	}
	return c.flash.Enqueue(grindlog.Op{Kind: grindlog.OpSnapshot, Record: rec})
}

func (c *Controller) setPhaseLocked(p Phase) {
	c.phase = p
	c.phaseMirror.Store(uint32(p))
}

func (c *Controller) backgroundChanged(active bool) {
	c.events.Push(Event{
		Kind:             EventBackgroundChange,
		Phase:            Phase(c.phaseMirror.Load()),
		BackgroundActive: active,
	})
}

func (c *Controller) pushLocked(e Event) {
	if e.Text == "" {
		e.Text = e.Phase.Text()
	}
	c.events.Push(e)
}

func (c *Controller) emitPhaseLocked(w float32) {
	c.pushLocked(Event{
		Kind:       EventPhaseChanged,
		Phase:      c.phase,
		Weight:     w,
		ShowTaring: c.phase == PhaseTaring || c.phase == PhaseTareConfirm,
		PulseCount: c.s.attempts,
		CanPulse:   c.canPulseLocked(),
	})
}

func (c *Controller) canPulseLocked() bool {
	return c.phase == PhaseCompleted && c.s.mode == grindlog.ModeTime
}

func ms(d time.Duration) float32 {
	return float32(d) / float32(time.Millisecond)
}
