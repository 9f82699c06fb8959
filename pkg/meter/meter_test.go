package meter

import (
	"testing"
	"time"

	"github.com/itohio/grindscale/pkg/config"
	"github.com/itohio/grindscale/pkg/sample"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() config.MeterConfig {
	return config.MeterConfig{
		Window:           10 * time.Second,
		FlowThresholdGPS: 0.5,
		MinBurst:         150 * time.Millisecond,
	}
}

// ramp builds samples 100 ms apart from the given weights.
func ramp(start time.Time, weights ...float32) []sample.WeightSample {
	out := make([]sample.WeightSample, len(weights))
	for i, w := range weights {
		out[i] = sample.WeightSample{Time: start.Add(time.Duration(i) * 100 * time.Millisecond), Weight: w}
	}
	return out
}

func TestNew(t *testing.T) {
	m := New(config.Default().Meter)

	assert.NotNil(t, m)
	assert.Empty(t, m.Samples())
	assert.Empty(t, m.Derivatives())
	assert.Empty(t, m.Bursts())
	assert.Zero(t, m.Flow())
}

func TestProcessSample_Basic(t *testing.T) {
	m := New(testConfig())

	s := sample.WeightSample{Time: time.Now(), Raw: 1234, Weight: 1.0}
	m.processSample(s)

	samples := m.Samples()
	require.Len(t, samples, 1)
	assert.Equal(t, s, samples[0])
	assert.Empty(t, m.Derivatives())
}

func TestProcessSample_Flow(t *testing.T) {
	m := New(testConfig())

	for _, s := range ramp(time.Now(), 1.0, 1.2) {
		m.processSample(s)
	}

	d := m.Derivatives()
	require.Len(t, d, 1)
	assert.InDelta(t, 2.0, d[0], 0.01)
	assert.InDelta(t, 2.0, m.Flow(), 0.01)
}

func TestProcessSample_SameTimestamp(t *testing.T) {
	m := New(testConfig())
	now := time.Now()

	m.processSample(sample.WeightSample{Time: now, Weight: 1})
	m.processSample(sample.WeightSample{Time: now, Weight: 2})

	assert.Len(t, m.Samples(), 2)
	assert.Equal(t, []float64{0}, m.Derivatives())
}

func TestProcessSample_WindowRemoval(t *testing.T) {
	cfg := testConfig()
	cfg.Window = time.Second
	m := New(cfg)

	now := time.Now()
	m.processSample(sample.WeightSample{Time: now, Weight: 1.0})
	m.processSample(sample.WeightSample{Time: now.Add(500 * time.Millisecond), Weight: 1.1})
	m.processSample(sample.WeightSample{Time: now.Add(1500 * time.Millisecond), Weight: 1.2})

	samples := m.Samples()
	require.Len(t, samples, 2)
	assert.Equal(t, float32(1.1), samples[0].Weight)
	assert.Len(t, m.Derivatives(), 1)
}

func TestBursts(t *testing.T) {
	tests := []struct {
		name    string
		weights []float32
		count   int
		mass    float32
	}{
		{"idle", []float32{0, 0.01, 0, 0.01, 0}, 0, 0},
		{"below threshold", []float32{0, 0.02, 0.04, 0.06, 0.08}, 0, 0},
		{"single burst", []float32{0, 0, 0.2, 0.4, 0.6, 0.8, 0.8, 0.8}, 1, 0.8},
		{"too short", []float32{0, 0, 0.2, 0.2, 0.2}, 0, 0},
		{"two bursts", []float32{0, 0.2, 0.4, 0.6, 0.6, 0.6, 0.8, 1.0, 1.2, 1.2}, 2, 0.6},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := New(testConfig())
			for _, s := range ramp(time.Now(), tt.weights...) {
				m.processSample(s)
			}

			bursts := m.Bursts()
			require.Len(t, bursts, tt.count)
			for _, b := range bursts {
				assert.InDelta(t, tt.mass, b.Mass, 0.001)
				assert.GreaterOrEqual(t, b.Duration(), 150*time.Millisecond)
				assert.Greater(t, b.PeakFlow, 0.5)
				assert.Less(t, b.StartIndex, b.EndIndex)
				assert.Less(t, b.EndIndex, len(m.Samples()))
			}
		})
	}
}

func TestBursts_ShiftWithWindow(t *testing.T) {
	cfg := testConfig()
	cfg.Window = time.Second
	m := New(cfg)

	weights := []float32{0, 0.2, 0.4, 0.6, 0.6}
	for i := 0; i < 3; i++ {
		weights = append(weights, 0.6)
	}
	for _, s := range ramp(time.Now(), weights...) {
		m.processSample(s)
	}
	bursts := m.Bursts()
	require.Len(t, bursts, 1)
	assert.Equal(t, 0, bursts[0].StartIndex)

	// Push the burst start out of the window.
	last := m.Samples()[len(m.Samples())-1].Time
	for i := 1; i <= 4; i++ {
		m.processSample(sample.WeightSample{Time: last.Add(time.Duration(i) * 100 * time.Millisecond), Weight: 0.6})
	}
	assert.Empty(t, m.Bursts())
}

func TestOnUpdate(t *testing.T) {
	m := New(testConfig())

	var got int
	var lastSamples []sample.WeightSample
	m.OnUpdate(func(samples []sample.WeightSample, derivatives []float64, bursts []Burst) {
		got++
		lastSamples = samples
	})
	m.OnUpdate(nil)

	for _, s := range ramp(time.Now(), 1, 2, 3) {
		m.processSample(s)
	}

	assert.Equal(t, 3, got)
	require.Len(t, lastSamples, 3)

	// Callbacks receive copies.
	lastSamples[0].Weight = 99
	assert.Equal(t, float32(1), m.Samples()[0].Weight)
}
