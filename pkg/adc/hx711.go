package adc

import (
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"

	"github.com/itohio/grindscale/pkg/clock"
)

// powerDownHold must exceed the 60us the chip needs to enter power down.
const powerDownHold = 80 * time.Microsecond

// HX711 bit-bangs an HX711 24-bit load cell converter over two GPIO pins.
type HX711 struct {
	sck      gpio.PinOut
	dout     gpio.PinIn
	clk      clock.Clock
	interval time.Duration

	mu      sync.Mutex
	extra   int // Gain selection pulses after the 24 data bits
	raw     int32
	dropped atomic.Uint64
}

// NewHX711 creates a driver over already resolved pins.
func NewHX711(sck gpio.PinOut, dout gpio.PinIn, clk clock.Clock, interval time.Duration) *HX711 {
	if clk == nil {
		clk = clock.System{}
	}
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	return &HX711{
		sck:      sck,
		dout:     dout,
		clk:      clk,
		interval: interval,
		extra:    1,
	}
}

// OpenHX711 resolves pins by name through the periph.io registry.
// host.Init() must have been called.
func OpenHX711(sckName, doutName string, clk clock.Clock, interval time.Duration) (*HX711, error) {
	sck := gpioreg.ByName(sckName)
	if sck == nil {
		return nil, fmt.Errorf("failed to find SCK pin %s", sckName)
	}
	dout := gpioreg.ByName(doutName)
	if dout == nil {
		return nil, fmt.Errorf("failed to find DOUT pin %s", doutName)
	}
	return NewHX711(sck, dout, clk, interval), nil
}

func gainPulses(gain int) (int, error) {
	switch gain {
	case 128:
		return 1, nil
	case 64:
		return 3, nil
	case 32:
		return 2, nil
	}
	return 0, fmt.Errorf("%w: %d", ErrInvalidGain, gain)
}

// Begin configures the pins, selects the gain and waits for the first conversion.
func (h *HX711) Begin(gain int) error {
	extra, err := gainPulses(gain)
	if err != nil {
		return err
	}

	if err := h.dout.In(gpio.PullUp, gpio.NoEdge); err != nil {
		return fmt.Errorf("failed to configure DOUT: %w", err)
	}
	if err := h.sck.Out(gpio.Low); err != nil {
		return fmt.Errorf("failed to configure SCK: %w", err)
	}

	h.mu.Lock()
	h.extra = extra
	h.mu.Unlock()

	if err := waitReady(h, h.clk, beginTimeout(h.interval)); err != nil {
		return err
	}
	// The first conversion still uses the previous gain; reading it applies ours.
	if err := h.Read(); err != nil {
		return err
	}
	log.Printf("[adc] HX711 ready on %s/%s, gain %d", h.sck, h.dout, gain)
	return nil
}

// IsReady reports whether DOUT is held low by the converter.
func (h *HX711) IsReady() bool {
	return h.dout.Read() == gpio.Low
}

// Read shifts out one conversion.
func (h *HX711) Read() error {
	if !h.IsReady() {
		return ErrNotReady
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	var v uint32
	for i := 0; i < 24; i++ {
		h.pulse()
		v <<= 1
		if h.dout.Read() == gpio.High {
			v |= 1
		}
	}
	for i := 0; i < h.extra; i++ {
		h.pulse()
	}

	// DOUT goes high after the gain pulses until the next conversion.
	if h.dout.Read() == gpio.Low {
		h.dropped.Add(1)
		return fmt.Errorf("%w: DOUT stuck low", ErrNotConnected)
	}

	raw := int32(v ^ 0x800000)
	if err := checkRange(raw); err != nil {
		h.dropped.Add(1)
		return err
	}
	h.raw = raw
	return nil
}

func (h *HX711) pulse() {
	h.sck.Out(gpio.High)
	h.sck.Out(gpio.Low)
}

func (h *HX711) Raw() int32 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.raw
}

// PowerUp releases SCK; the converter resets to gain 128.
func (h *HX711) PowerUp() error {
	if err := h.sck.Out(gpio.Low); err != nil {
		return fmt.Errorf("failed to power up: %w", err)
	}
	return nil
}

// PowerDown holds SCK high long enough for the converter to sleep.
func (h *HX711) PowerDown() error {
	if err := h.sck.Out(gpio.Low); err != nil {
		return fmt.Errorf("failed to power down: %w", err)
	}
	if err := h.sck.Out(gpio.High); err != nil {
		return fmt.Errorf("failed to power down: %w", err)
	}
	h.clk.Sleep(powerDownHold)
	return nil
}

func (h *HX711) Validate() error {
	return validate(h, h.clk, h.interval)
}

func (h *HX711) Info() Info {
	return Info{
		Name:          "HX711",
		Variant:       VariantHardware,
		MaxSampleRate: 80,
	}
}

func (h *HX711) Dropped() uint64 {
	return h.dropped.Load()
}
