// Package meter is a live flow monitor over the converted weight stream. It
// keeps a time window of samples with their flow derivatives and detects
// dispensing bursts, such as the main grind or a corrective pulse.
package meter

import (
	"slices"
	"sync"
	"time"

	"github.com/itohio/grindscale/pkg/config"
	"github.com/itohio/grindscale/pkg/sample"
)

var _ FlowMeter = (*Meter)(nil)

// Burst is a span of sustained positive flow.
type Burst struct {
	StartIndex int // Sample index in the window
	EndIndex   int
	StartTime  time.Time
	EndTime    time.Time
	PeakFlow   float64 // g/s
	Mass       float64 // Weight gained from start to end, g
}

// Duration returns the burst length.
func (b Burst) Duration() time.Duration {
	return b.EndTime.Sub(b.StartTime)
}

// FlowMeter processes weight samples, maintains buffers and detects bursts.
type FlowMeter interface {
	ProcessSamples(input <-chan sample.WeightSample)
	Samples() []sample.WeightSample
	Derivatives() []float64 // Flow in g/s, n-1 values for n samples
	Bursts() []Burst
	OnUpdate(func(samples []sample.WeightSample, derivatives []float64, bursts []Burst))
}

// Meter implements FlowMeter.
//
// derivatives[i] is the flow from samples[i] to samples[i+1]. Samples older
// than the window are removed by timestamp and burst indices are shifted to
// match.
type Meter struct {
	samples     []sample.WeightSample
	derivatives []float64
	bursts      []Burst
	mu          sync.RWMutex

	callbacks []func(samples []sample.WeightSample, derivatives []float64, bursts []Burst)
	cbMu      sync.RWMutex

	window    time.Duration
	threshold float64
	minBurst  time.Duration

	// Set once the input channel closes; suppresses callbacks.
	shutdown bool
}

// New creates a meter.
func New(cfg config.MeterConfig) *Meter {
	return &Meter{
		window:    cfg.Window,
		threshold: cfg.FlowThresholdGPS,
		minBurst:  cfg.MinBurst,
	}
}

// ProcessSamples consumes input until it is closed.
func (m *Meter) ProcessSamples(input <-chan sample.WeightSample) {
	for s := range input {
		m.processSample(s)
	}
	m.mu.Lock()
	m.shutdown = true
	m.mu.Unlock()
}

func (m *Meter) processSample(s sample.WeightSample) {
	m.mu.Lock()

	m.samples = append(m.samples, s)

	cutoff := s.Time.Add(-m.window)
	drop := 0
	for drop < len(m.samples) && m.samples[drop].Time.Before(cutoff) {
		drop++
	}
	if drop > 0 {
		m.samples = m.samples[drop:]
		m.derivatives = m.derivatives[min(drop, len(m.derivatives)):]
		kept := m.bursts[:0]
		for _, b := range m.bursts {
			b.StartIndex -= drop
			b.EndIndex -= drop
			if b.StartIndex >= 0 {
				kept = append(kept, b)
			}
		}
		m.bursts = kept
	}

	if n := len(m.samples); n >= 2 {
		prev, curr := m.samples[n-2], m.samples[n-1]
		var flow float64
		if dt := curr.Time.Sub(prev.Time).Seconds(); dt > 0 {
			flow = float64(curr.Weight-prev.Weight) / dt
		}
		m.derivatives = append(m.derivatives, flow)
	}

	m.updateBursts()
	notify := !m.shutdown
	m.mu.Unlock()

	if notify {
		m.notifyCallbacks()
	}
}

// updateBursts extends the open burst or starts a new one. m.mu must be held.
func (m *Meter) updateBursts() {
	if len(m.derivatives) == 0 {
		return
	}
	last := len(m.samples) - 1
	flow := m.derivatives[len(m.derivatives)-1]
	if flow <= m.threshold {
		m.pruneShort()
		return
	}

	if k := len(m.bursts) - 1; k >= 0 && m.bursts[k].EndIndex == last-1 {
		b := &m.bursts[k]
		b.EndIndex = last
		b.EndTime = m.samples[last].Time
		b.PeakFlow = max(b.PeakFlow, flow)
		b.Mass = float64(m.samples[last].Weight - m.samples[b.StartIndex].Weight)
		return
	}

	start := max(last-1, 0)
	m.bursts = append(m.bursts, Burst{
		StartIndex: start,
		EndIndex:   last,
		StartTime:  m.samples[start].Time,
		EndTime:    m.samples[last].Time,
		PeakFlow:   flow,
		Mass:       float64(m.samples[last].Weight - m.samples[start].Weight),
	})
}

// pruneShort drops bursts shorter than the minimum once flow has fallen
// below the threshold. m.mu must be held.
func (m *Meter) pruneShort() {
	kept := m.bursts[:0]
	for _, b := range m.bursts {
		if b.Duration() >= m.minBurst {
			kept = append(kept, b)
		}
	}
	m.bursts = kept
}

// Samples returns a copy of the sample window.
func (m *Meter) Samples() []sample.WeightSample {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]sample.WeightSample(nil), m.samples...)
}

// Derivatives returns a copy of the flow values.
func (m *Meter) Derivatives() []float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]float64(nil), m.derivatives...)
}

// Bursts returns a copy of the detected bursts.
func (m *Meter) Bursts() []Burst {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Burst(nil), m.bursts...)
}

// Flow returns the most recent flow value.
func (m *Meter) Flow() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.derivatives) == 0 {
		return 0
	}
	return m.derivatives[len(m.derivatives)-1]
}

// OnUpdate registers a callback invoked after every sample. Callbacks
// receive copies and should return quickly.
func (m *Meter) OnUpdate(callback func(samples []sample.WeightSample, derivatives []float64, bursts []Burst)) {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	m.callbacks = append(m.callbacks, callback)
}

// ResetShutdown re-enables callbacks before reuse with a new channel.
func (m *Meter) ResetShutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shutdown = false
}

func (m *Meter) notifyCallbacks() {
	samples, derivatives, bursts := m.Samples(), m.Derivatives(), m.Bursts()

	m.cbMu.RLock()
	callbacks := slices.Clone(m.callbacks)
	m.cbMu.RUnlock()

	for _, cb := range callbacks {
		if cb != nil {
			cb(samples, derivatives, bursts)
		}
	}
}
