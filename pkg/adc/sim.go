package adc

import (
	"fmt"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/itohio/grindscale/pkg/clock"
	"github.com/itohio/grindscale/pkg/config"
)

// simPulse is a pulse in flight. Its mass is spread evenly over span.
type simPulse struct {
	at       time.Duration
	duration time.Duration
	span     time.Duration
	mass     float64
}

// Simulated models a load cell under a grinder. It integrates a flow model
// driven by motor notifications and adds Gaussian noise to each conversion.
type Simulated struct {
	cfg      config.SimConfig
	clk      clock.Clock
	interval time.Duration
	origin   time.Time

	mu       sync.Mutex
	rng      *rand.Rand
	mass     float64
	last     time.Duration // Mass integrated up to here
	nextDue  time.Duration
	powered  bool
	on       bool
	everOn   bool
	stopped  bool
	onAt     time.Duration
	offAt    time.Duration
	pulses   []simPulse
	forced   *float64
	injected *int32
	raw      int32
	dropped  atomic.Uint64
}

// NewSimulated creates a simulated ADC. A nil cfg uses the default simulation.
func NewSimulated(cfg *config.SimConfig, clk clock.Clock, interval time.Duration) *Simulated {
	if cfg == nil {
		def := config.Default().Sim
		cfg = &def
	}
	if clk == nil {
		clk = clock.System{}
	}
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	return &Simulated{
		cfg:      *cfg,
		clk:      clk,
		interval: interval,
		origin:   clk.Now(),
		rng:      rand.New(rand.NewSource(cfg.Seed)),
		nextDue:  interval,
		powered:  true,
		raw:      cfg.BaselineRaw,
	}
}

func (s *Simulated) now() time.Duration {
	return s.clk.Now().Sub(s.origin)
}

// Begin waits for the first simulated conversion.
func (s *Simulated) Begin(gain int) error {
	if _, err := gainPulses(gain); err != nil {
		return err
	}
	s.mu.Lock()
	s.powered = true
	s.mu.Unlock()
	return waitReady(s, s.clk, beginTimeout(s.interval))
}

func (s *Simulated) IsReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.powered && s.now() >= s.nextDue
}

func (s *Simulated) Read() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.now()
	if !s.powered || t < s.nextDue {
		return ErrNotReady
	}
	s.nextDue = t + s.interval
	s.advance(t)

	if s.injected != nil {
		v := *s.injected
		s.injected = nil
		if err := checkRange(v); err != nil {
			s.dropped.Add(1)
			return err
		}
		s.raw = v
		return nil
	}

	m := s.mass
	if s.forced != nil {
		m = *s.forced
	}

	sigma := float64(s.cfg.IdleNoise)
	switch {
	case s.pulseVibrating(t):
		sigma = 3 * float64(s.cfg.GrindNoise)
	case s.on:
		sigma = float64(s.cfg.GrindNoise)
	}

	v := float64(s.cfg.BaselineRaw) + m*float64(s.cfg.Scale) + s.rng.NormFloat64()*sigma
	v = math.Max(float64(MinRaw), math.Min(v, float64(MaxRaw)))
	s.raw = int32(v)
	return nil
}

func (s *Simulated) Raw() int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.raw
}

func (s *Simulated) PowerUp() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.powered = true
	s.nextDue = s.now() + s.interval
	return nil
}

func (s *Simulated) PowerDown() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.powered = false
	return nil
}

func (s *Simulated) Validate() error {
	return validate(s, s.clk, s.interval)
}

func (s *Simulated) Info() Info {
	return Info{
		Name:          "Simulated HX711",
		Variant:       VariantSimulated,
		MaxSampleRate: 80,
	}
}

func (s *Simulated) Dropped() uint64 {
	return s.dropped.Load()
}

// MotorStarted begins continuous grinding in the flow model.
func (s *Simulated) MotorStarted() {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.now()
	s.advance(t)
	if s.on {
		return
	}
	s.on = true
	s.everOn = true
	s.stopped = false
	s.onAt = t
}

// MotorStopped ends continuous grinding; flow continues for the stop delay
// and then ramps down.
func (s *Simulated) MotorStopped() {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.now()
	s.advance(t)
	if !s.on {
		return
	}
	s.on = false
	s.stopped = true
	s.offAt = t
}

// MotorPulsed injects the mass of a pulse of duration d. Pulses shorter than
// the minimum effective width only shake the cell.
func (s *Simulated) MotorPulsed(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.now()
	s.advance(t)

	p := simPulse{at: t, duration: d, span: time.Millisecond}
	if d >= s.cfg.MinEffectivePulse {
		p.span = s.cfg.MinEffectivePulse + d + s.cfg.StopDelay
		p.mass = float64(s.cfg.FlowGPS) * d.Seconds()
	}
	s.pulses = append(s.pulses, p)
}

// SetFlow changes the modelled flow rate in grams per second.
func (s *Simulated) SetFlow(gps float32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.advance(s.now())
	s.cfg.FlowGPS = gps
}

// ForceMass overrides the mass seen by the load cell.
func (s *Simulated) ForceMass(grams float32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := float64(grams)
	s.forced = &m
}

// ClearForcedMass returns to the modelled mass.
func (s *Simulated) ClearForcedMass() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forced = nil
}

// Inject makes the next conversion return raw verbatim.
func (s *Simulated) Inject(raw int32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.injected = &raw
}

// Mass returns the true mass delivered so far.
func (s *Simulated) Mass() float32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.advance(s.now())
	return float32(s.mass)
}

// String describes the simulation parameters.
func (s *Simulated) String() string {
	return fmt.Sprintf("sim(flow=%.2fg/s start=%v stop=%v ramp=%v min=%v)",
		s.cfg.FlowGPS, s.cfg.StartDelay, s.cfg.StopDelay, s.cfg.Ramp, s.cfg.MinEffectivePulse)
}

// advance integrates the flow model up to t in 1ms steps. s.mu must be held.
func (s *Simulated) advance(t time.Duration) {
	const dt = time.Millisecond

	for x := s.last; x < t; x += dt {
		s.mass += float64(s.cfg.FlowGPS) * s.factor(x) * dt.Seconds()
		for _, p := range s.pulses {
			if x >= p.at && x < p.at+p.span {
				s.mass += p.mass * float64(dt) / float64(p.span)
			}
		}
	}
	if t > s.last {
		s.last = t
	}

	live := s.pulses[:0]
	for _, p := range s.pulses {
		if p.at+p.span > s.last || p.at+p.duration > s.last {
			live = append(live, p)
		}
	}
	s.pulses = live
}

// factor returns the fraction of full flow at time x.
func (s *Simulated) factor(x time.Duration) float64 {
	if !s.everOn {
		return 0
	}
	if s.on {
		return s.runFactor(x)
	}
	if !s.stopped {
		return 0
	}

	held := s.runFactor(s.offAt)
	since := x - s.offAt
	if since < s.cfg.StopDelay {
		return held
	}
	if s.cfg.Ramp <= 0 {
		return 0
	}
	r := float64(since-s.cfg.StopDelay) / float64(s.cfg.Ramp)
	return math.Max(0, held*(1-r))
}

// runFactor is the flow fraction while running, given the last start.
func (s *Simulated) runFactor(x time.Duration) float64 {
	e := x - s.onAt - s.cfg.StartDelay
	if e < 0 {
		return 0
	}
	if s.cfg.Ramp <= 0 {
		return 1
	}
	return math.Min(1, float64(e)/float64(s.cfg.Ramp))
}

// pulseVibrating reports whether a pulse is energising the motor at t.
func (s *Simulated) pulseVibrating(t time.Duration) bool {
	for _, p := range s.pulses {
		if t >= p.at && t < p.at+p.duration {
			return true
		}
	}
	return false
}
