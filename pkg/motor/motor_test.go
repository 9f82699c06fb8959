package motor

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpiotest"

	"github.com/itohio/grindscale/pkg/adc"
	"github.com/itohio/grindscale/pkg/clock"
	"github.com/itohio/grindscale/pkg/config"
)

type recordingOutput struct {
	mu     sync.Mutex
	states []bool
}

func (o *recordingOutput) Set(on bool) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.states = append(o.states, on)
	return nil
}

func (o *recordingOutput) history() []bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]bool(nil), o.states...)
}

type timedOutput struct {
	recordingOutput
	pulses []time.Duration
}

func (o *timedOutput) Pulse(d time.Duration) error {
	o.pulses = append(o.pulses, d)
	return nil
}

type recordingNotifier struct {
	events []string
	pulses []time.Duration
}

func (n *recordingNotifier) MotorStarted() { n.events = append(n.events, "start") }
func (n *recordingNotifier) MotorStopped() { n.events = append(n.events, "stop") }
func (n *recordingNotifier) MotorPulsed(d time.Duration) {
	n.events = append(n.events, "pulse")
	n.pulses = append(n.pulses, d)
}

func motorConfig() config.MotorConfig {
	return config.Default().Motor
}

func TestRelay_StartStop(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	out := &recordingOutput{}
	r := NewRelay(out, clk, motorConfig())
	n := &recordingNotifier{}
	r.SetNotifier(n)

	var changes []bool
	r.OnBackgroundChange(func(active bool) { changes = append(changes, active) })

	require.NoError(t, r.Start())
	require.NoError(t, r.Start(), "start is idempotent")
	assert.True(t, r.IsGrinding())
	assert.True(t, r.PulseComplete())

	require.NoError(t, r.Stop())
	require.NoError(t, r.Stop(), "stop is idempotent")
	assert.False(t, r.IsGrinding())

	assert.Equal(t, []bool{true, false}, out.history())
	assert.Equal(t, []string{"start", "stop"}, n.events)
	assert.Equal(t, []bool{true, false}, changes)
}

func TestRelay_MotorSettled(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	cfg := motorConfig()
	cfg.SettlingTime = 500 * time.Millisecond
	r := NewRelay(&recordingOutput{}, clk, cfg)

	assert.False(t, r.IsMotorSettled())
	require.NoError(t, r.Start())
	clk.Advance(499 * time.Millisecond)
	assert.False(t, r.IsMotorSettled())
	clk.Advance(time.Millisecond)
	assert.True(t, r.IsMotorSettled())
}

func TestRelay_Pulse(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	out := &recordingOutput{}
	r := NewRelay(out, clk, motorConfig())
	n := &recordingNotifier{}
	r.SetNotifier(n)

	require.NoError(t, r.Pulse(120*time.Millisecond))
	assert.False(t, r.PulseComplete())
	assert.True(t, r.IsGrinding())
	assert.ErrorIs(t, r.Pulse(100*time.Millisecond), ErrPulseInProgress)

	clk.Advance(119 * time.Millisecond)
	assert.False(t, r.PulseComplete())
	clk.Advance(time.Millisecond)
	assert.True(t, r.PulseComplete())
	assert.False(t, r.IsGrinding())

	assert.Equal(t, []bool{true, false}, out.history())
	assert.Equal(t, []time.Duration{120 * time.Millisecond}, n.pulses)
}

func TestRelay_PulseClamp(t *testing.T) {
	cfg := motorConfig()
	cfg.HardwareMinPulse = 10 * time.Millisecond
	cfg.MaxPulse = 1000 * time.Millisecond

	tests := []struct {
		name string
		in   time.Duration
		want time.Duration
	}{
		{"below minimum", time.Millisecond, 10 * time.Millisecond},
		{"zero", 0, 10 * time.Millisecond},
		{"in range", 250 * time.Millisecond, 250 * time.Millisecond},
		{"above maximum", 5 * time.Second, 1000 * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clk := clock.NewManual(time.Unix(0, 0))
			r := NewRelay(&recordingOutput{}, clk, cfg)
			n := &recordingNotifier{}
			r.SetNotifier(n)

			require.NoError(t, r.Pulse(tt.in))
			assert.Equal(t, []time.Duration{tt.want}, n.pulses)
			clk.Advance(tt.want)
			assert.True(t, r.PulseComplete())
		})
	}
}

func TestRelay_PulseWhileRunning(t *testing.T) {
	r := NewRelay(&recordingOutput{}, clock.NewManual(time.Unix(0, 0)), motorConfig())
	require.NoError(t, r.Start())
	assert.ErrorIs(t, r.Pulse(100*time.Millisecond), ErrRunning)
}

func TestRelay_StopAbortsPulse(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	out := &recordingOutput{}
	r := NewRelay(out, clk, motorConfig())

	require.NoError(t, r.Pulse(200*time.Millisecond))
	clk.Advance(50 * time.Millisecond)
	require.NoError(t, r.Stop())
	assert.True(t, r.PulseComplete())
	assert.Equal(t, 0, clk.Pending())
	assert.Equal(t, []bool{true, false}, out.history())
}

func TestRelay_TimedOutput(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	out := &timedOutput{}
	r := NewRelay(out, clk, motorConfig())

	require.NoError(t, r.Pulse(150*time.Millisecond))
	clk.Advance(150 * time.Millisecond)

	assert.True(t, r.PulseComplete())
	assert.Equal(t, []time.Duration{150 * time.Millisecond}, out.pulses)
	assert.Empty(t, out.history(), "timed output switches itself off")
}

func TestRelay_SimulatedInterlock(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	out := &recordingOutput{}
	r := NewRelay(out, clk, motorConfig())

	sim := adc.NewSimulated(nil, clk, 100*time.Millisecond)
	r.Bind(sim)

	require.NoError(t, r.Start())
	assert.True(t, r.IsGrinding())
	clk.Advance(3 * time.Second)
	assert.Greater(t, sim.Mass(), float32(0), "simulation still sees the motor")
	require.NoError(t, r.Stop())

	require.NoError(t, r.Pulse(100*time.Millisecond))
	clk.Advance(100 * time.Millisecond)

	assert.Empty(t, out.history(), "physical output never energised")
}

func TestGPIOOutput(t *testing.T) {
	pin := &gpiotest.Pin{N: "GPIO17", L: gpio.High}
	out, err := NewGPIOOutput(pin)
	require.NoError(t, err)
	assert.Equal(t, gpio.Low, pin.Read(), "output starts off")

	require.NoError(t, out.Set(true))
	assert.Equal(t, gpio.High, pin.Read())
	require.NoError(t, out.Set(false))
	assert.Equal(t, gpio.Low, pin.Read())
}
