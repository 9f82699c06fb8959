// Package motor drives the grinder motor relay for continuous grinding and
// short timed pulses.
package motor

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"

	"github.com/itohio/grindscale/pkg/adc"
	"github.com/itohio/grindscale/pkg/clock"
	"github.com/itohio/grindscale/pkg/config"
)

var (
	ErrPulseInProgress = errors.New("motor: pulse in progress")
	ErrRunning         = errors.New("motor: running")
)

// Driver defines the interface for the grinder motor.
type Driver interface {
	// Start begins continuous grinding. It is idempotent.
	Start() error
	// Stop ends continuous grinding or an active pulse. It is idempotent.
	Stop() error
	// Pulse runs the motor for d, clamped to the configured bounds. It
	// returns immediately; use PulseComplete to observe the end.
	Pulse(d time.Duration) error
	PulseComplete() bool
	IsGrinding() bool
	// OnBackgroundChange registers f to be called on every on/off transition.
	OnBackgroundChange(f func(active bool))
}

// Output switches the physical motor relay.
type Output interface {
	Set(on bool) error
}

// PulseOutput is an Output that can time a pulse itself.
type PulseOutput interface {
	Output
	Pulse(d time.Duration) error
}

// Notifier observes motor commands. The simulated ADC uses it to model flow.
type Notifier interface {
	MotorStarted()
	MotorStopped()
	MotorPulsed(d time.Duration)
}

var (
	_ Driver      = (*Relay)(nil)
	_ Output      = (*GPIOOutput)(nil)
	_ Notifier    = (*adc.Simulated)(nil)
	_ PulseOutput = (*adc.Bridge)(nil)
)

// Relay is a Driver switching an Output. Pulses are timed on the clock.
//
// When the bound ADC is simulated the output is never energised; the relay
// still tracks state and informs the notifier so simulations run end to end.
type Relay struct {
	out Output
	clk clock.Clock
	cfg config.MotorConfig

	mu          sync.Mutex
	variant     adc.Variant
	notifier    Notifier
	running     bool
	pulsing     bool
	pulseTimer  clock.Timer
	pulseLength time.Duration
	startedAt   time.Time
	callbacks   []func(active bool)
}

// NewRelay creates a relay driver. A nil out is allowed for simulations.
func NewRelay(out Output, clk clock.Clock, cfg config.MotorConfig) *Relay {
	if clk == nil {
		clk = clock.System{}
	}
	return &Relay{
		out:     out,
		clk:     clk,
		cfg:     cfg,
		variant: adc.VariantHardware,
	}
}

// Bind records the ADC variant for the safety interlock and registers the
// driver as notifier when it models motor effects.
func (r *Relay) Bind(drv adc.Driver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.variant = drv.Info().Variant
	if n, ok := drv.(Notifier); ok {
		r.notifier = n
	}
}

// SetNotifier registers n to observe motor commands.
func (r *Relay) SetNotifier(n Notifier) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notifier = n
}

// interlocked reports whether the physical output must stay off. r.mu must be held.
func (r *Relay) interlocked() bool {
	return r.variant == adc.VariantSimulated || r.out == nil
}

// set switches the output unless interlocked. r.mu must be held.
func (r *Relay) set(on bool, what string) error {
	if r.interlocked() {
		if on {
			log.Printf("[motor] SAFETY: %s ignored, %s ADC bound", what, r.variant)
		}
		return nil
	}
	if err := r.out.Set(on); err != nil {
		return fmt.Errorf("failed to switch motor: %w", err)
	}
	return nil
}

func (r *Relay) Start() error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return nil
	}
	r.cancelPulseLocked()
	if err := r.set(true, "start"); err != nil {
		r.mu.Unlock()
		return err
	}
	r.running = true
	r.startedAt = r.clk.Now()
	n := r.notifier
	cbs := r.callbacks
	r.mu.Unlock()

	if n != nil {
		n.MotorStarted()
	}
	fire(cbs, true)
	return nil
}

func (r *Relay) Stop() error {
	r.mu.Lock()
	if !r.running && !r.pulsing {
		r.mu.Unlock()
		return nil
	}
	wasRunning := r.running
	r.cancelPulseLocked()
	r.running = false
	var err error
	if wasRunning {
		err = r.set(false, "stop")
	}
	n := r.notifier
	cbs := r.callbacks
	r.mu.Unlock()

	if wasRunning && n != nil {
		n.MotorStopped()
	}
	fire(cbs, false)
	return err
}

// cancelPulseLocked aborts an active pulse. r.mu must be held.
func (r *Relay) cancelPulseLocked() {
	if !r.pulsing {
		return
	}
	if r.pulseTimer != nil {
		r.pulseTimer.Stop()
	}
	r.pulsing = false
	if !r.interlocked() {
		if err := r.out.Set(false); err != nil {
			log.Printf("[motor] failed to end pulse: %v", err)
		}
	}
}

// Clamp bounds d to the hardware pulse limits.
func (r *Relay) Clamp(d time.Duration) time.Duration {
	return min(max(d, r.cfg.HardwareMinPulse), r.cfg.MaxPulse)
}

func (r *Relay) Pulse(d time.Duration) error {
	d = r.Clamp(d)

	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return ErrRunning
	}
	if r.pulsing {
		r.mu.Unlock()
		return ErrPulseInProgress
	}

	if !r.interlocked() {
		var err error
		if po, ok := r.out.(PulseOutput); ok {
			err = po.Pulse(d)
		} else {
			err = r.out.Set(true)
		}
		if err != nil {
			r.mu.Unlock()
			return fmt.Errorf("failed to start pulse: %w", err)
		}
	} else {
		log.Printf("[motor] SAFETY: pulse %v ignored, %s ADC bound", d, r.variant)
	}

	r.pulsing = true
	r.pulseLength = d
	r.pulseTimer = r.clk.AfterFunc(d, r.endPulse)
	n := r.notifier
	cbs := r.callbacks
	r.mu.Unlock()

	if n != nil {
		n.MotorPulsed(d)
	}
	fire(cbs, true)
	return nil
}

func (r *Relay) endPulse() {
	r.mu.Lock()
	if !r.pulsing {
		r.mu.Unlock()
		return
	}
	r.pulsing = false
	if !r.interlocked() {
		if _, timed := r.out.(PulseOutput); !timed {
			if err := r.out.Set(false); err != nil {
				log.Printf("[motor] failed to end pulse: %v", err)
			}
		}
	}
	cbs := r.callbacks
	r.mu.Unlock()

	fire(cbs, false)
}

func (r *Relay) PulseComplete() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.pulsing
}

func (r *Relay) IsGrinding() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running || r.pulsing
}

// IsMotorSettled reports whether the motor has run long enough for startup
// transients to die down.
func (r *Relay) IsMotorSettled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running && r.clk.Now().Sub(r.startedAt) >= r.cfg.SettlingTime
}

func (r *Relay) OnBackgroundChange(f func(active bool)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callbacks = append(r.callbacks, f)
}

func fire(cbs []func(bool), active bool) {
	for _, f := range cbs {
		f(active)
	}
}

// GPIOOutput drives the relay from a GPIO pin, active high.
type GPIOOutput struct {
	pin gpio.PinOut
}

// NewGPIOOutput wraps pin and switches it off.
func NewGPIOOutput(pin gpio.PinOut) (*GPIOOutput, error) {
	if err := pin.Out(gpio.Low); err != nil {
		return nil, fmt.Errorf("failed to configure motor pin %s: %w", pin, err)
	}
	return &GPIOOutput{pin: pin}, nil
}

// OpenGPIO resolves the relay pin by name. host.Init() must have been called.
func OpenGPIO(name string) (*GPIOOutput, error) {
	pin := gpioreg.ByName(name)
	if pin == nil {
		return nil, fmt.Errorf("failed to find motor pin %s", name)
	}
	return NewGPIOOutput(pin)
}

func (g *GPIOOutput) Set(on bool) error {
	return g.pin.Out(gpio.Level(on))
}
