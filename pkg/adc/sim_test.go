package adc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itohio/grindscale/pkg/clock"
	"github.com/itohio/grindscale/pkg/config"
)

func testSimConfig() *config.SimConfig {
	return &config.SimConfig{
		FlowGPS:           1.5,
		StartDelay:        500 * time.Millisecond,
		StopDelay:         500 * time.Millisecond,
		Ramp:              400 * time.Millisecond,
		MinEffectivePulse: 45 * time.Millisecond,
		IdleNoise:         0,
		GrindNoise:        0,
		BaselineRaw:       0x700000,
		Scale:             -7050,
		Seed:              1,
	}
}

func newTestSim(t *testing.T) (*Simulated, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(time.Unix(0, 0))
	return NewSimulated(testSimConfig(), clk, 100*time.Millisecond), clk
}

func TestSimulated_Cadence(t *testing.T) {
	sim, clk := newTestSim(t)

	assert.False(t, sim.IsReady())
	assert.ErrorIs(t, sim.Read(), ErrNotReady)

	clk.Advance(100 * time.Millisecond)
	require.True(t, sim.IsReady())
	require.NoError(t, sim.Read())
	assert.Equal(t, int32(0x700000), sim.Raw())

	assert.False(t, sim.IsReady(), "next conversion is one interval away")
	clk.Advance(99 * time.Millisecond)
	assert.False(t, sim.IsReady())
	clk.Advance(time.Millisecond)
	assert.True(t, sim.IsReady())
}

func TestSimulated_BeginAndValidate(t *testing.T) {
	sim, _ := newTestSim(t)

	require.NoError(t, sim.Begin(128))
	assert.True(t, sim.IsReady())
	assert.NoError(t, sim.Validate())
	assert.ErrorIs(t, sim.Begin(100), ErrInvalidGain)
}

func TestSimulated_PowerDownStopsConversions(t *testing.T) {
	sim, clk := newTestSim(t)

	require.NoError(t, sim.PowerDown())
	clk.Advance(time.Second)
	assert.False(t, sim.IsReady())
	assert.ErrorIs(t, sim.Validate(), ErrTimeout)

	require.NoError(t, sim.PowerUp())
	clk.Advance(100 * time.Millisecond)
	assert.True(t, sim.IsReady())
}

func TestSimulated_ContinuousFlow(t *testing.T) {
	sim, clk := newTestSim(t)

	sim.MotorStarted()
	clk.Advance(500 * time.Millisecond)
	assert.InDelta(t, 0, sim.Mass(), 1e-6, "nothing arrives during start delay")

	// Ramp 400ms averages half flow, then 600ms at full flow.
	clk.Advance(time.Second)
	assert.InDelta(t, 1.5*0.2+1.5*0.6, sim.Mass(), 0.01)

	sim.MotorStopped()
	before := sim.Mass()
	clk.Advance(500 * time.Millisecond)
	assert.InDelta(t, before+0.75, sim.Mass(), 0.01, "coast at full flow for the stop delay")

	clk.Advance(2 * time.Second)
	assert.InDelta(t, before+0.75+0.3, sim.Mass(), 0.01, "ramp down then nothing")
}

func TestSimulated_Pulses(t *testing.T) {
	tests := []struct {
		name     string
		duration time.Duration
		want     float32
	}{
		{"below minimum effective width", 40 * time.Millisecond, 0},
		{"at minimum effective width", 45 * time.Millisecond, 1.5 * 0.045},
		{"long pulse", 200 * time.Millisecond, 1.5 * 0.2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sim, clk := newTestSim(t)
			sim.MotorPulsed(tt.duration)
			clk.Advance(2 * time.Second)
			assert.InDelta(t, tt.want, sim.Mass(), 1e-3)
		})
	}
}

func TestSimulated_WeightAppearsInRaw(t *testing.T) {
	sim, clk := newTestSim(t)

	sim.ForceMass(2)
	clk.Advance(100 * time.Millisecond)
	require.NoError(t, sim.Read())
	assert.Equal(t, int32(0x700000-2*7050), sim.Raw())

	sim.ClearForcedMass()
	clk.Advance(100 * time.Millisecond)
	require.NoError(t, sim.Read())
	assert.Equal(t, int32(0x700000), sim.Raw())
}

func TestSimulated_InjectOutOfRange(t *testing.T) {
	sim, clk := newTestSim(t)

	clk.Advance(100 * time.Millisecond)
	require.NoError(t, sim.Read())
	good := sim.Raw()

	sim.Inject(MaxRaw + 1)
	clk.Advance(100 * time.Millisecond)
	assert.ErrorIs(t, sim.Read(), ErrOutOfRange)
	assert.Equal(t, uint64(1), sim.Dropped())
	assert.Equal(t, good, sim.Raw(), "dropped sample is not latched")

	sim.Inject(-5)
	clk.Advance(100 * time.Millisecond)
	assert.ErrorIs(t, sim.Read(), ErrOutOfRange)
	assert.Equal(t, uint64(2), sim.Dropped())
}

func TestSimulated_NoiseIsSeeded(t *testing.T) {
	cfg := testSimConfig()
	cfg.IdleNoise = 50

	read := func() []int32 {
		clk := clock.NewManual(time.Unix(0, 0))
		sim := NewSimulated(cfg, clk, 100*time.Millisecond)
		var out []int32
		for i := 0; i < 5; i++ {
			clk.Advance(100 * time.Millisecond)
			require.NoError(t, sim.Read())
			out = append(out, sim.Raw())
		}
		return out
	}

	a, b := read(), read()
	assert.Equal(t, a, b)
	assert.NotEqual(t, a[0], a[1])
}

func TestSimulated_Info(t *testing.T) {
	sim, _ := newTestSim(t)
	info := sim.Info()
	assert.Equal(t, VariantSimulated, info.Variant)
	assert.Equal(t, "simulated", info.Variant.String())
	assert.False(t, info.HasTemperature)
}
