package sample

import (
	"math"
	"slices"
	"time"

	"github.com/chewxy/math32"
)

const (
	// hampelK is the outlier threshold in scaled MADs.
	hampelK = 3.0
	// madScale makes the MAD a consistent estimator of the standard deviation.
	madScale = 1.4826

	subWindow       = 300 * time.Millisecond
	subWindowStep   = 100 * time.Millisecond
	subWindowMin    = 3
	maxSubWindows   = 32
	minSubWindows   = 4
	minFlow95Points = 10
)

// Mean returns the arithmetic mean of the raw counts.
func Mean(s []RawSample) float64 {
	if len(s) == 0 {
		return 0
	}
	var sum float64
	for _, x := range s {
		sum += float64(x.Raw)
	}
	return sum / float64(len(s))
}

// Median returns the median raw count.
func Median(s []RawSample) float64 {
	if len(s) == 0 {
		return 0
	}
	v := make([]float64, len(s))
	for i, x := range s {
		v[i] = float64(x.Raw)
	}
	return median(v)
}

func median(v []float64) float64 {
	slices.Sort(v)
	n := len(v)
	if n%2 == 1 {
		return v[n/2]
	}
	return (v[n/2-1] + v[n/2]) / 2
}

// HampelMean averages the samples after discarding values further than
// hampelK scaled MADs from the median. Falls back to the plain mean when the
// MAD is zero.
func HampelMean(s []RawSample) float64 {
	if len(s) == 0 {
		return 0
	}
	m := Median(s)

	dev := make([]float64, len(s))
	for i, x := range s {
		dev[i] = math.Abs(float64(x.Raw) - m)
	}
	mad := median(dev)
	if mad == 0 {
		return Mean(s)
	}

	limit := hampelK * madScale * mad
	var sum float64
	var n int
	for _, x := range s {
		if math.Abs(float64(x.Raw)-m) <= limit {
			sum += float64(x.Raw)
			n++
		}
	}
	if n == 0 {
		return Mean(s)
	}
	return sum / float64(n)
}

// TrimmedMean averages the samples, dropping the minimum and maximum once
// there are at least five.
func TrimmedMean(s []RawSample) float64 {
	if len(s) < 5 {
		return Mean(s)
	}
	v := make([]float64, len(s))
	for i, x := range s {
		v[i] = float64(x.Raw)
	}
	slices.Sort(v)
	var sum float64
	for _, x := range v[1 : len(v)-1] {
		sum += x
	}
	return sum / float64(len(v)-2)
}

// Slope returns the least-squares slope of raw counts against time in
// counts per second. Fewer than two samples yield zero.
func Slope(s []RawSample) float64 {
	n := len(s)
	if n < 2 {
		return 0
	}
	t0 := s[0].Time

	var tm, rm float64
	for _, x := range s {
		tm += x.Time.Sub(t0).Seconds()
		rm += float64(x.Raw)
	}
	tm /= float64(n)
	rm /= float64(n)

	var num, den float64
	for _, x := range s {
		dt := x.Time.Sub(t0).Seconds() - tm
		num += dt * (float64(x.Raw) - rm)
		den += dt * dt
	}
	if den == 0 {
		return 0
	}
	return num / den
}

// PeakToPeak returns the raw range of the samples.
func PeakToPeak(s []RawSample) float64 {
	if len(s) == 0 {
		return 0
	}
	lo, hi := s[0].Raw, s[0].Raw
	for _, x := range s[1:] {
		lo = min(lo, x.Raw)
		hi = max(hi, x.Raw)
	}
	return float64(hi - lo)
}

// Flow95 returns the 95th percentile of flow rates (g/s) measured over short
// sub-windows sliding back from the newest sample. It reports false when there are too few
// samples or sub-windows for a meaningful percentile.
func Flow95(s []RawSample, w time.Duration, cal Calibration) (float32, bool) {
	if len(s) < minFlow95Points {
		return 0, false
	}
	newest := s[len(s)-1].Time
	start := newest.Add(-w)

	var flows []float32
	for end := newest; !end.Add(-subWindow).Before(start) && len(flows) < maxSubWindows; end = end.Add(-subWindowStep) {
		from := end.Add(-subWindow)
		lo, _ := slices.BinarySearchFunc(s, from, func(x RawSample, t time.Time) int {
			return x.Time.Compare(t)
		})
		hi, found := slices.BinarySearchFunc(s, end, func(x RawSample, t time.Time) int {
			return x.Time.Compare(t)
		})
		if found {
			hi++
		}
		if hi-lo < subWindowMin {
			continue
		}
		flows = append(flows, cal.Grams(Slope(s[lo:hi])))
	}
	if len(flows) < minSubWindows {
		return 0, false
	}

	slices.Sort(flows)
	k := int(math32.Ceil(0.95*float32(len(flows)))) - 1
	return flows[max(k, 0)], true
}
