package autotune

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itohio/grindscale/pkg/adc"
	"github.com/itohio/grindscale/pkg/clock"
	"github.com/itohio/grindscale/pkg/config"
	"github.com/itohio/grindscale/pkg/grind"
	"github.com/itohio/grindscale/pkg/motor"
	"github.com/itohio/grindscale/pkg/prefs"
	"github.com/itohio/grindscale/pkg/sample"
)

const interval = 100 * time.Millisecond

type rig struct {
	clk     *clock.Manual
	sim     *adc.Simulated
	relay   *motor.Relay
	ctrl    *grind.Controller
	tuner   *Tuner
	store   *prefs.Memory
	logPath string
}

func newRig(t *testing.T, mutate func(*config.SimConfig)) *rig {
	t.Helper()

	cfg := config.Default()
	cfg.Sim.FlowGPS = 1.9
	cfg.Sim.StartDelay = 500 * time.Millisecond
	cfg.Sim.StopDelay = 400 * time.Millisecond
	cfg.Sim.Ramp = 350 * time.Millisecond
	cfg.Sim.MinEffectivePulse = 45 * time.Millisecond
	if mutate != nil {
		mutate(&cfg.Sim)
	}
	cfg.Autotune.LogPath = filepath.Join(t.TempDir(), "autotune.log")

	clk := clock.NewManual(time.Unix(1000, 0))
	sim := adc.NewSimulated(&cfg.Sim, clk, interval)
	store := prefs.NewMemory()
	pipe := sample.New(sim, clk, cfg.Sample, interval, store)
	t.Cleanup(pipe.Schedule())

	relay := motor.NewRelay(nil, clk, cfg.Motor)
	relay.Bind(sim)
	ctrl := grind.NewController(cfg.Grind, clk, pipe, relay, store)

	r := &rig{
		clk:     clk,
		sim:     sim,
		relay:   relay,
		ctrl:    ctrl,
		tuner:   New(cfg.Autotune, cfg.Grind, clk, pipe, relay, ctrl),
		store:   store,
		logPath: cfg.Autotune.LogPath,
	}
	clk.Advance(time.Second)
	return r
}

func (r *rig) run(t *testing.T, limit time.Duration) {
	t.Helper()
	deadline := r.clk.Now().Add(limit)
	for r.tuner.Active() {
		require.False(t, r.clk.Now().After(deadline), "tuner still running: %+v", r.tuner.Progress())
		r.clk.Advance(10 * time.Millisecond)
		r.tuner.Update()
	}
}

func TestTuner_FindsMinimumEffectivePulse(t *testing.T) {
	r := newRig(t, nil)

	require.NoError(t, r.tuner.Start())
	assert.Equal(t, PhasePriming, r.tuner.Phase())
	r.run(t, 400*time.Second)

	require.Equal(t, PhaseCompleteSuccess, r.tuner.Phase())
	d, err := r.tuner.Result()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, d, 44*time.Millisecond)
	assert.LessOrEqual(t, d, 52*time.Millisecond)
	assert.Equal(t, d, d.Truncate(time.Millisecond), "candidate is a whole millisecond")

	assert.Equal(t, d, r.ctrl.MotorResponseLatency())
	assert.InDelta(t, float32(d.Milliseconds()), r.store.Float(prefs.KeyMotorLatency, 0), 1e-3)
	assert.False(t, r.relay.IsGrinding())

	p := r.tuner.Progress()
	assert.Equal(t, "COMPLETE_SUCCESS", p.Phase)
	assert.True(t, p.NewMessage)
	assert.Contains(t, p.Message, "Motor latency set to")
	assert.Greater(t, p.Iteration, 3)
	assert.GreaterOrEqual(t, p.SuccessCount, 4)

	data, err := os.ReadFile(r.logPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "Auto-tune started")
	assert.Contains(t, string(data), "Motor latency set to")

	require.NoError(t, r.ctrl.Start(18), "controller released after tuning")
}

func TestTuner_NoDetectableMass(t *testing.T) {
	r := newRig(t, func(c *config.SimConfig) { c.FlowGPS = 0 })
	before := r.ctrl.MotorResponseLatency()

	require.NoError(t, r.tuner.Start())
	r.run(t, 600*time.Second)

	require.Equal(t, PhaseCompleteFailure, r.tuner.Phase())
	_, err := r.tuner.Result()
	assert.ErrorIs(t, err, ErrFailed)
	assert.Equal(t, before, r.ctrl.MotorResponseLatency(), "previous latency kept")
}

func TestTuner_Cancel(t *testing.T) {
	r := newRig(t, nil)

	require.NoError(t, r.tuner.Start())
	for range 30 {
		r.clk.Advance(10 * time.Millisecond)
		r.tuner.Update()
	}
	r.tuner.ClearMessage()

	r.tuner.Cancel()
	assert.True(t, r.tuner.Active(), "cancellation applies on the next update")
	r.tuner.Update()

	assert.Equal(t, PhaseCompleteFailure, r.tuner.Phase())
	_, err := r.tuner.Result()
	assert.ErrorIs(t, err, ErrCancelled)
	assert.False(t, r.relay.IsGrinding())

	p := r.tuner.Progress()
	assert.Equal(t, "Cancelled by user", p.Message)
	assert.True(t, p.NewMessage)
	r.tuner.ClearMessage()
	assert.False(t, r.tuner.Progress().NewMessage)

	require.NoError(t, r.tuner.Start(), "restart after a terminal phase")
}

func TestTuner_MutualExclusion(t *testing.T) {
	r := newRig(t, nil)

	require.NoError(t, r.ctrl.Start(18))
	assert.ErrorIs(t, r.tuner.Start(), ErrBusy)
	require.NoError(t, r.ctrl.Stop())

	require.NoError(t, r.tuner.Start())
	assert.ErrorIs(t, r.tuner.Start(), ErrBusy)
	assert.ErrorIs(t, r.ctrl.Start(18), grind.ErrInvalidState)

	_, err := r.tuner.Result()
	assert.ErrorIs(t, err, ErrBusy)
}

func TestTuner_MissingCollaborators(t *testing.T) {
	tuner := New(config.Default().Autotune, config.Default().Grind, nil, nil, nil, nil)
	assert.ErrorIs(t, tuner.Start(), ErrFailed)
	assert.False(t, tuner.Active())
}
