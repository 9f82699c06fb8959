package grind

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/itohio/grindscale/pkg/config"
)

func TestSmallErrorFactor(t *testing.T) {
	tests := []struct {
		e    float32
		want float32
	}{
		{0, 0.6},
		{0.025, 0.8},
		{0.05, 1},
		{1, 1},
		{-0.1, 0.6},
	}
	for _, tt := range tests {
		assert.InDelta(t, tt.want, SmallErrorFactor(tt.e), 1e-6, "e=%v", tt.e)
	}
}

func TestEffectiveFlow(t *testing.T) {
	cfg := config.Default().Grind

	assert.Equal(t, float32(1.5), EffectiveFlow(0.2, cfg), "below sane uses reference")
	assert.Equal(t, float32(3.0), EffectiveFlow(7, cfg), "above sane clamps")
	assert.Equal(t, float32(2.2), EffectiveFlow(2.2, cfg))
	assert.Equal(t, float32(1.0), EffectiveFlow(1.0, cfg))
}

func TestPulseDuration(t *testing.T) {
	cfg := config.Default().Grind

	tests := []struct {
		name string
		e, f float32
		want time.Duration
	}{
		{"nominal", 0.3, 2.0, 150 * time.Millisecond},
		{"clamped to minimum", 0.01, 2.0, 75 * time.Millisecond},
		{"clamped to maximum", 2.0, 2.0, 300 * time.Millisecond},
		{"unreliable flow uses reference", 0.3, 0.1, 200 * time.Millisecond},
		{"excessive flow clamps to max sane", 0.6, 10, 200 * time.Millisecond},
		{"small error shortened", 0.045, 0.4, 75 * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := PulseDuration(tt.e, tt.f, cfg)
			assert.InDelta(t, float64(tt.want), float64(got), float64(time.Millisecond))
			assert.GreaterOrEqual(t, got, cfg.MinPulse)
			assert.LessOrEqual(t, got, cfg.MaxPulse)
		})
	}
}

func TestStopTarget(t *testing.T) {
	assert.InDelta(t, 18-0.1-0.75-0.75, StopTarget(18, 0.1, 1.5, 500*time.Millisecond, 1), 1e-5)
	assert.InDelta(t, 17.0, StopTarget(18, 0.1, 1.5, 500*time.Millisecond, 0.2), 1e-5)
	assert.InDelta(t, 18-0.1-0.75, StopTarget(18, 0.1, 1.5, 500*time.Millisecond, 0), 1e-5)
	assert.InDelta(t, 18-0.1, StopTarget(18, 0.1, -2, 500*time.Millisecond, 1), 1e-5, "never above target minus tolerance")
}
