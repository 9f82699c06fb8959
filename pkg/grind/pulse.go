package grind

import (
	"time"

	"github.com/itohio/grindscale/pkg/config"
)

// smallErrorBand is the error below which pulses are shortened.
const smallErrorBand = 0.05

// SmallErrorFactor scales pulses for errors below 50 mg, from 0.6 at zero
// error to 1 at the band edge.
func SmallErrorFactor(e float32) float32 {
	if e >= smallErrorBand {
		return 1
	}
	return 0.6 + 0.4*max(e, 0)/smallErrorBand
}

// EffectiveFlow maps a measured flow rate into the sane range. Rates below
// the minimum are unreliable and replaced by the reference rate.
func EffectiveFlow(f float32, cfg config.GrindConfig) float32 {
	switch {
	case f < cfg.FlowMinSaneGPS:
		return cfg.FlowReferenceGPS
	case f > cfg.FlowMaxSaneGPS:
		return cfg.FlowMaxSaneGPS
	}
	return f
}

// PulseDuration returns the pulse needed to deliver e grams at flow rate f.
func PulseDuration(e, f float32, cfg config.GrindConfig) time.Duration {
	f = EffectiveFlow(f, cfg)
	ms := float64(e * SmallErrorFactor(e) / f * 1000)
	d := time.Duration(ms * float64(time.Millisecond))
	return min(max(d, cfg.MinPulse), cfg.MaxPulse)
}

// StopTarget computes the predictive cutoff weight for flow f and motor
// latency lat. The mass expected during the latency is reserved, plus a coast
// margin of ratio times that mass. The result is never above target − tol.
func StopTarget(target, tol, f float32, lat time.Duration, ratio float32) float32 {
	latency := f * float32(lat.Seconds())
	coast := latency * ratio
	return min(target-tol-latency-coast, target-tol)
}
