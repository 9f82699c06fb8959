// Package sample turns raw load cell conversions into weights, flow rates and
// settling decisions.
//
// The sampler side (Poll, Schedule, Run) is the only writer of the sample
// ring. Every view is computed from a copy of the requested window, so the
// control loop can read views at any time without blocking the sampler.
package sample

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chewxy/math32"

	"github.com/itohio/grindscale/pkg/adc"
	"github.com/itohio/grindscale/pkg/clock"
	"github.com/itohio/grindscale/pkg/config"
	"github.com/itohio/grindscale/pkg/prefs"
)

// TareStatus is the progress of a non-blocking tare.
type TareStatus int

const (
	TareIdle TareStatus = iota
	TarePending
	TareDone
	TareFailed
)

func (s TareStatus) String() string {
	switch s {
	case TareIdle:
		return "idle"
	case TarePending:
		return "pending"
	case TareDone:
		return "done"
	case TareFailed:
		return "failed"
	}
	return "unknown"
}

var ErrTarePending = errors.New("sample: tare already in progress")

// WeightSample is a converted sample published to subscribers.
type WeightSample struct {
	Time   time.Time
	Raw    int32
	Weight float32
}

// Pipeline owns the sample ring and computes derived views.
type Pipeline struct {
	drv      adc.Driver
	clk      clock.Clock
	cfg      config.SampleConfig
	interval time.Duration
	store    prefs.Store

	ring    *Ring
	cal     atomic.Pointer[Calibration]
	dropped atomic.Uint64

	tareMu    sync.Mutex
	tareState TareStatus
	tareStart time.Time
	tareAcc   []RawSample

	dispMu    sync.Mutex
	dispValue float32
	dispValid bool

	subMu sync.Mutex
	subs  map[chan WeightSample]struct{}
}

// New creates a pipeline reading from drv. The scale is loaded from store;
// an unusable stored scale is replaced by the configured default.
func New(drv adc.Driver, clk clock.Clock, cfg config.SampleConfig, interval time.Duration, store prefs.Store) *Pipeline {
	if clk == nil {
		clk = clock.System{}
	}
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	if store == nil {
		store = prefs.NewMemory()
	}

	p := &Pipeline{
		drv:      drv,
		clk:      clk,
		cfg:      cfg,
		interval: interval,
		store:    store,
		ring:     NewRing(cfg.RingCapacity),
		subs:     make(map[chan WeightSample]struct{}),
	}

	scale, err := LoadScale(store, cfg.DefaultScale)
	if err != nil {
		log.Printf("[sample] %v", err)
	}
	p.cal.Store(&Calibration{Scale: float64(scale)})
	return p
}

// Interval returns the ADC sample period.
func (p *Pipeline) Interval() time.Duration {
	return p.interval
}

// Ring exposes the underlying sample ring for read-only use.
func (p *Pipeline) Ring() *Ring {
	return p.ring
}

// Dropped returns the number of samples rejected at ingest.
func (p *Pipeline) Dropped() uint64 {
	return p.dropped.Load()
}

// Poll reads one conversion if available and ingests it. It reports whether
// a sample was taken.
func (p *Pipeline) Poll() bool {
	if !p.drv.IsReady() {
		return false
	}
	if err := p.drv.Read(); err != nil {
		if !errors.Is(err, adc.ErrNotReady) {
			p.dropped.Add(1)
			log.Printf("[sample] dropping sample: %v", err)
		}
		return false
	}
	p.ingest(RawSample{Raw: p.drv.Raw(), Time: p.clk.Now()})
	return true
}

func (p *Pipeline) pollPeriod() time.Duration {
	return max(p.interval/10, time.Millisecond)
}

// Schedule polls the driver on the pipeline clock until the returned stop
// function is called.
func (p *Pipeline) Schedule() (stop func()) {
	var (
		mu      sync.Mutex
		timer   clock.Timer
		stopped bool
		tick    func()
	)
	period := p.pollPeriod()
	tick = func() {
		p.Poll()
		mu.Lock()
		defer mu.Unlock()
		if !stopped {
			timer = p.clk.AfterFunc(period, tick)
		}
	}

	mu.Lock()
	timer = p.clk.AfterFunc(period, tick)
	mu.Unlock()

	return func() {
		mu.Lock()
		defer mu.Unlock()
		stopped = true
		timer.Stop()
	}
}

// Run samples until ctx is cancelled, then closes all subscriptions.
func (p *Pipeline) Run(ctx context.Context) error {
	stop := p.Schedule()
	<-ctx.Done()
	stop()

	p.subMu.Lock()
	for ch := range p.subs {
		delete(p.subs, ch)
		close(ch)
	}
	p.subMu.Unlock()
	return nil
}

func (p *Pipeline) ingest(s RawSample) {
	if p.collectTare(s) {
		return
	}

	if err := p.ring.Push(s); err != nil {
		p.dropped.Add(1)
		log.Printf("[sample] dropping sample: %v", err)
		return
	}
	p.publish(WeightSample{Time: s.Time, Raw: s.Raw, Weight: p.Calibration().Weight(float64(s.Raw))})
}

// Subscribe returns a channel receiving every ingested sample. Samples are
// dropped when the channel is full. Call cancel to unsubscribe.
func (p *Pipeline) Subscribe(size int) (samples <-chan WeightSample, cancel func()) {
	if size <= 0 {
		size = 100
	}
	ch := make(chan WeightSample, size)

	p.subMu.Lock()
	p.subs[ch] = struct{}{}
	p.subMu.Unlock()

	return ch, func() {
		p.subMu.Lock()
		defer p.subMu.Unlock()
		if _, ok := p.subs[ch]; ok {
			delete(p.subs, ch)
			close(ch)
		}
	}
}

func (p *Pipeline) publish(s WeightSample) {
	p.subMu.Lock()
	defer p.subMu.Unlock()
	for ch := range p.subs {
		select {
		case ch <- s:
		default:
			// Channel full, skip
		}
	}
}

// Calibration returns the current calibration.
func (p *Pipeline) Calibration() Calibration {
	return *p.cal.Load()
}

// SetScale replaces the scale factor, keeping the tare.
func (p *Pipeline) SetScale(scale float64) error {
	if !ValidScale(scale) {
		return ErrCorruptedCalibration
	}
	c := p.Calibration()
	c.Scale = scale
	p.cal.Store(&c)
	return nil
}

// RawToWeight converts a raw count to grams.
func (p *Pipeline) RawToWeight(raw float64) float32 {
	return p.Calibration().Weight(raw)
}

// WeightToRaw converts grams to a raw count.
func (p *Pipeline) WeightToRaw(grams float32) float64 {
	return p.Calibration().Raw(grams)
}

// BeginTare arms a tare over the next incoming samples.
func (p *Pipeline) BeginTare() error {
	p.tareMu.Lock()
	defer p.tareMu.Unlock()

	if p.tareState == TarePending && !p.tareExpired() {
		return ErrTarePending
	}
	p.tareState = TarePending
	p.tareStart = p.clk.Now()
	p.tareAcc = p.tareAcc[:0]
	return nil
}

// CancelTare abandons a pending tare.
func (p *Pipeline) CancelTare() {
	p.tareMu.Lock()
	defer p.tareMu.Unlock()
	if p.tareState == TarePending {
		p.tareState = TareIdle
	}
}

// TareStatus reports tare progress, failing a tare that exceeded its timeout.
func (p *Pipeline) TareStatus() TareStatus {
	p.tareMu.Lock()
	defer p.tareMu.Unlock()

	if p.tareState == TarePending && p.tareExpired() {
		p.tareState = TareFailed
		log.Printf("[sample] tare timed out after %v with %d samples", p.cfg.TareTimeout, len(p.tareAcc))
	}
	return p.tareState
}

// tareExpired reports whether the pending tare ran out of time. p.tareMu must be held.
func (p *Pipeline) tareExpired() bool {
	return p.clk.Now().Sub(p.tareStart) > p.cfg.TareTimeout
}

func (p *Pipeline) tareSamples() int {
	return max(int(p.cfg.TareWindow/p.interval), 1)
}

// collectTare feeds s into a pending tare. It reports whether s was consumed.
func (p *Pipeline) collectTare(s RawSample) bool {
	p.tareMu.Lock()
	defer p.tareMu.Unlock()

	if p.tareState != TarePending {
		return false
	}
	if p.tareExpired() {
		p.tareState = TareFailed
		return false
	}

	p.tareAcc = append(p.tareAcc, s)
	if len(p.tareAcc) < p.tareSamples() {
		return true
	}

	c := p.Calibration()
	c.Tare = TrimmedMean(p.tareAcc)
	p.cal.Store(&c)
	p.ring.Clear()
	p.resetDisplay()
	p.tareState = TareDone
	log.Printf("[sample] tare %.1f from %d samples", c.Tare, len(p.tareAcc))
	return true
}

func (p *Pipeline) window(w time.Duration) []RawSample {
	return p.ring.Window(nil, w)
}

// Window returns a copy of the samples in the trailing window w.
func (p *Pipeline) Window(w time.Duration) []RawSample {
	return p.window(w)
}

// Instant returns the weight of the newest sample.
func (p *Pipeline) Instant() float32 {
	s, ok := p.ring.Latest()
	if !ok {
		return 0
	}
	return p.RawToWeight(float64(s.Raw))
}

// LowLatency returns the outlier-rejected mean weight over the short window.
func (p *Pipeline) LowLatency() float32 {
	s := p.window(p.cfg.LowLatencyWindow)
	if len(s) == 0 {
		return 0
	}
	return p.RawToWeight(HampelMean(s))
}

// HighLatency returns the trimmed mean weight over the long window.
func (p *Pipeline) HighLatency() float32 {
	return p.HighLatencyOver(p.cfg.HighLatencyWindow)
}

// HighLatencyOver returns the trimmed mean weight over w.
func (p *Pipeline) HighLatencyOver(w time.Duration) float32 {
	s := p.window(w)
	if len(s) == 0 {
		return 0
	}
	return p.RawToWeight(TrimmedMean(s))
}

// Display returns a smoothed weight for presentation. Changes inside the
// deadband are ignored; increases are followed at once while decreases are
// filtered, so the number never jitters around a steady value.
func (p *Pipeline) Display() float32 {
	s := p.window(p.cfg.DisplayWindow)
	if len(s) == 0 {
		return 0
	}
	target := p.RawToWeight(TrimmedMean(s))

	p.dispMu.Lock()
	defer p.dispMu.Unlock()

	switch {
	case !p.dispValid:
		p.dispValue = target
		p.dispValid = true
	case math32.Abs(target-p.dispValue) < p.cfg.DisplayDeadbandG:
	case target > p.dispValue:
		p.dispValue = target
	default:
		a := p.cfg.DisplayDownAlpha
		p.dispValue = a*p.dispValue + (1-a)*target
	}
	return p.dispValue
}

func (p *Pipeline) resetDisplay() {
	p.dispMu.Lock()
	defer p.dispMu.Unlock()
	p.dispValid = false
}

// FlowRate returns the least-squares flow over w in grams per second.
func (p *Pipeline) FlowRate(w time.Duration) float32 {
	return p.Calibration().Grams(Slope(p.window(w)))
}

// FlowRate95 returns the 95th percentile of short-window flow rates over w,
// falling back to FlowRate when w holds too little data.
func (p *Pipeline) FlowRate95(w time.Duration) float32 {
	s := p.window(w)
	cal := p.Calibration()
	if f, ok := Flow95(s, w, cal); ok {
		return f
	}
	return cal.Grams(Slope(s))
}

func (p *Pipeline) expectedSamples(w time.Duration) int {
	return int(w/p.interval) + 1
}

// Settled reports whether the peak-to-peak weight over w is within the
// settling tolerance, and returns the mean weight over w.
func (p *Pipeline) Settled(w time.Duration) (bool, float32) {
	s := p.window(w)
	need := max(2, p.expectedSamples(w)/2)
	if len(s) < need {
		return false, 0
	}
	cal := p.Calibration()
	p2p := math32.Abs(cal.Grams(PeakToPeak(s)))
	return p2p <= p.cfg.SettlingToleranceG, cal.Weight(Mean(s))
}

// SettlingConfidence returns a value in [0,1] combining how full the window
// is and how far the peak-to-peak range lies below the tolerance.
func (p *Pipeline) SettlingConfidence(w time.Duration) float32 {
	s := p.window(w)
	if len(s) < 2 || p.cfg.SettlingToleranceG <= 0 {
		return 0
	}
	fill := math32.Min(1, float32(len(s))/float32(p.expectedSamples(w)))
	p2p := math32.Abs(p.Calibration().Grams(PeakToPeak(s)))
	margin := 1 - p2p/p.cfg.SettlingToleranceG
	if margin <= 0 {
		return 0
	}
	return fill * margin
}
