package grind

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/itohio/grindscale/pkg/adc"
	"github.com/itohio/grindscale/pkg/clock"
	"github.com/itohio/grindscale/pkg/config"
	"github.com/itohio/grindscale/pkg/grindlog"
	"github.com/itohio/grindscale/pkg/motor"
	"github.com/itohio/grindscale/pkg/prefs"
	"github.com/itohio/grindscale/pkg/sample"
)

const interval = 100 * time.Millisecond

// rig wires a controller to a simulated grinder on a manual clock.
type rig struct {
	clk    *clock.Manual
	sim    *adc.Simulated
	pipe   *sample.Pipeline
	relay  *motor.Relay
	ctrl   *Controller
	logger *grindlog.Logger
	flash  *grindlog.Queue
	store  *prefs.Memory
	cfg    config.GrindConfig

	events []Event
	phases []Phase
}

// happySim is a 1.5 g/s grinder with a 500ms start delay and 400ms of coast
// at full flow after stop.
func happySim(c *config.SimConfig) {
	c.FlowGPS = 1.5
	c.StartDelay = 500 * time.Millisecond
	c.StopDelay = 400 * time.Millisecond
	c.Ramp = 0
	c.MinEffectivePulse = 0
}

func happyGrind(c *config.GrindConfig) {
	c.ToleranceG = 0.1
	c.MotorLatency = 500 * time.Millisecond
	c.LatencyMax = time.Second
}

func newRig(t *testing.T, simMutate func(*config.SimConfig), grindMutate func(*config.GrindConfig)) *rig {
	t.Helper()

	cfg := config.Default()
	if simMutate != nil {
		simMutate(&cfg.Sim)
	}
	if grindMutate != nil {
		grindMutate(&cfg.Grind)
	}

	clk := clock.NewManual(time.Unix(1000, 0))
	sim := adc.NewSimulated(&cfg.Sim, clk, interval)
	store := prefs.NewMemory()
	pipe := sample.New(sim, clk, cfg.Sample, interval, store)
	t.Cleanup(pipe.Schedule())

	relay := motor.NewRelay(nil, clk, cfg.Motor)
	relay.Bind(sim)

	ctrl := NewController(cfg.Grind, clk, pipe, relay, store)
	ctrl.SetProfiles(cfg.Profiles)
	logger := grindlog.NewLogger(cfg.Logging.MaxEvents, 4096)
	flash := grindlog.NewQueue(cfg.Logging.QueueSize)
	ctrl.SetSessionLog(logger, flash)

	r := &rig{
		clk:    clk,
		sim:    sim,
		pipe:   pipe,
		relay:  relay,
		ctrl:   ctrl,
		logger: logger,
		flash:  flash,
		store:  store,
		cfg:    cfg.Grind,
	}
	clk.Advance(time.Second)
	return r
}

// tick advances one control period, runs the controller and plays the UI
// role of draining events and acknowledging INITIALIZING.
func (r *rig) tick() {
	r.clk.Advance(r.cfg.Tick)
	r.ctrl.Update()
	r.drain()
}

func (r *rig) drain() {
	r.ctrl.Events().Drain(func(e Event) {
		r.events = append(r.events, e)
		if e.Kind == EventPhaseChanged {
			r.phases = append(r.phases, e.Phase)
			if e.Phase == PhaseInitializing {
				r.ctrl.AcknowledgePhaseTransition()
			}
		}
	})
}

// runUntil ticks until cond holds or limit of simulated time passes.
func (r *rig) runUntil(t *testing.T, limit time.Duration, cond func() bool) {
	t.Helper()
	deadline := r.clk.Now().Add(limit)
	for !cond() {
		require.False(t, r.clk.Now().After(deadline), "condition not reached within %v, phase %s", limit, r.ctrl.Phase())
		r.tick()
	}
}

// land forces grams onto the cell and advances the clock without running the
// controller until a conversion reports it.
func (r *rig) land(t *testing.T, grams float32) {
	t.Helper()
	r.sim.ForceMass(grams)
	deadline := r.clk.Now().Add(time.Second)
	for r.pipe.Instant() > grams+0.5 {
		require.False(t, r.clk.Now().After(deadline), "forced mass never sampled")
		r.clk.Advance(time.Millisecond)
	}
}

func (r *rig) runToEnd(t *testing.T, limit time.Duration) {
	t.Helper()
	r.runUntil(t, limit, func() bool { return r.ctrl.Phase().Terminal() })
}

func (r *rig) last(kind EventKind) (Event, bool) {
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Kind == kind {
			return r.events[i], true
		}
	}
	return Event{}, false
}

func (r *rig) count(kind EventKind) int {
	n := 0
	for _, e := range r.events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

// persisted pops the single queued end-of-session operation.
func (r *rig) persisted(t *testing.T) grindlog.Op {
	t.Helper()
	require.Equal(t, 1, r.flash.Len())
	op, ok := r.flash.Pop()
	require.True(t, ok)
	require.Equal(t, grindlog.OpEndSession, op.Kind)
	return op
}
