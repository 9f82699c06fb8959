package diag

import (
	"fmt"
	"math"

	"github.com/itohio/grindscale/pkg/sample"
)

// NoiseReport summarises load-cell noise over a window of raw samples.
type NoiseReport struct {
	Samples  int     `json:"samples"`
	Rate     float64 `json:"rate_hz"`
	MeanRaw  float64 `json:"mean_raw"`
	StdRaw   float64 `json:"std_raw"`
	P2PRaw   float64 `json:"p2p_raw"`
	MeanG    float64 `json:"mean_g"`
	StdG     float64 `json:"std_g"`
	P2PG     float64 `json:"p2p_g"`
	Settled  bool    `json:"settled"`
	MaxDrift float64 `json:"max_drift_g"` // Largest step between consecutive samples
}

// Noise computes the report for samples using cal. tolerance is the
// peak-to-peak bound, in grams, for the window to count as settled.
func Noise(samples []sample.RawSample, cal sample.Calibration, tolerance float64) (NoiseReport, error) {
	var r NoiseReport
	if len(samples) < 2 {
		return r, fmt.Errorf("need at least 2 samples, got %d", len(samples))
	}
	if !sample.ValidScale(cal.Scale) {
		return r, fmt.Errorf("%w: scale %v", sample.ErrCorruptedCalibration, cal.Scale)
	}

	r.Samples = len(samples)
	if span := samples[len(samples)-1].Time.Sub(samples[0].Time).Seconds(); span > 0 {
		r.Rate = float64(len(samples)-1) / span
	}

	lo, hi := math.Inf(1), math.Inf(-1)
	var sum, drift float64
	for i, s := range samples {
		v := float64(s.Raw)
		sum += v
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
		if i > 0 {
			drift = math.Max(drift, math.Abs(v-float64(samples[i-1].Raw)))
		}
	}
	r.MeanRaw = sum / float64(len(samples))

	var sq float64
	for _, s := range samples {
		d := float64(s.Raw) - r.MeanRaw
		sq += d * d
	}
	r.StdRaw = math.Sqrt(sq / float64(len(samples)-1))
	r.P2PRaw = hi - lo

	scale := math.Abs(cal.Scale)
	r.MeanG = float64(cal.Weight(r.MeanRaw))
	r.StdG = r.StdRaw / scale
	r.P2PG = r.P2PRaw / scale
	r.MaxDrift = drift / scale
	r.Settled = r.P2PG <= tolerance
	return r, nil
}

func (r NoiseReport) String() string {
	return fmt.Sprintf("n=%d rate=%.1fHz mean=%.0f (%.3fg) std=%.1f (%.4fg) p2p=%.0f (%.4fg) drift=%.4fg settled=%v",
		r.Samples, r.Rate, r.MeanRaw, r.MeanG, r.StdRaw, r.StdG, r.P2PRaw, r.P2PG, r.MaxDrift, r.Settled)
}
