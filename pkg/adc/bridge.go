package adc

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.bug.st/serial"

	"github.com/itohio/grindscale/pkg/clock"
)

// DefaultBaudRate is the bridge firmware baud rate.
const DefaultBaudRate = 115200

// BridgeSample is one conversion reported by the bridge firmware.
type BridgeSample struct {
	Timestamp time.Time // MCU clock
	Raw       int32
	MotorOn   bool
}

// Bridge reads an HX711 attached to a microcontroller running the bridge
// firmware. The same link carries relay commands.
type Bridge struct {
	port     string
	baudRate int
	clk      clock.Clock
	interval time.Duration

	mu        sync.Mutex
	conn      io.ReadWriteCloser
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	connected bool
	pending   *BridgeSample
	last      BridgeSample
	raw       int32
	dropped   atomic.Uint64
}

// NewBridge creates a bridge driver for the given serial port.
func NewBridge(port string, baudRate int, clk clock.Clock, interval time.Duration) *Bridge {
	if baudRate == 0 {
		baudRate = DefaultBaudRate
	}
	if clk == nil {
		clk = clock.System{}
	}
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	return &Bridge{
		port:     port,
		baudRate: baudRate,
		clk:      clk,
		interval: interval,
	}
}

// Begin opens the serial port, selects the gain and waits for the first sample.
func (b *Bridge) Begin(gain int) error {
	if _, err := gainPulses(gain); err != nil {
		return err
	}

	b.mu.Lock()
	if !b.connected {
		port, err := serial.Open(b.port, &serial.Mode{BaudRate: b.baudRate})
		if err != nil {
			b.mu.Unlock()
			return fmt.Errorf("failed to open serial port %s: %w", b.port, err)
		}
		b.attachLocked(port)
	}
	b.mu.Unlock()

	if err := b.send(fmt.Sprintf("G%d\n", gain)); err != nil {
		return err
	}
	return waitReady(b, b.clk, beginTimeout(b.interval))
}

// attachLocked starts reading from conn. b.mu must be held.
func (b *Bridge) attachLocked(conn io.ReadWriteCloser) {
	b.conn = conn
	b.ctx, b.cancel = context.WithCancel(context.Background())
	b.done = make(chan struct{})
	b.connected = true
	go b.readLines(conn, b.ctx, b.done)
}

// Close stops reading and closes the serial port.
func (b *Bridge) Close() error {
	b.mu.Lock()
	if !b.connected {
		b.mu.Unlock()
		return nil
	}
	b.cancel()
	if err := b.conn.Close(); err != nil {
		log.Printf("[adc] error closing serial port: %v", err)
	}
	b.connected = false
	done := b.done
	b.mu.Unlock()

	<-done
	return nil
}

// IsConnected returns whether the serial link is open.
func (b *Bridge) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

func (b *Bridge) IsReady() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pending != nil
}

func (b *Bridge) Read() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.pending == nil {
		return ErrNotReady
	}
	s := *b.pending
	b.pending = nil
	b.last = s

	if err := checkRange(s.Raw); err != nil {
		b.dropped.Add(1)
		return err
	}
	b.raw = s.Raw
	return nil
}

func (b *Bridge) Raw() int32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.raw
}

// Last returns the most recently consumed bridge sample.
func (b *Bridge) Last() BridgeSample {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.last
}

func (b *Bridge) PowerUp() error {
	return b.send("U\n")
}

func (b *Bridge) PowerDown() error {
	return b.send("D\n")
}

func (b *Bridge) Validate() error {
	return validate(b, b.clk, b.interval)
}

func (b *Bridge) Info() Info {
	return Info{
		Name:          "HX711 bridge",
		Variant:       VariantBridge,
		MaxSampleRate: 80,
	}
}

func (b *Bridge) Dropped() uint64 {
	return b.dropped.Load()
}

// Set switches the relay on the bridge.
func (b *Bridge) Set(on bool) error {
	if on {
		return b.send("1\n")
	}
	return b.send("0\n")
}

// Pulse asks the bridge firmware to time a relay pulse.
func (b *Bridge) Pulse(d time.Duration) error {
	return b.send(fmt.Sprintf("P%d\n", d.Milliseconds()))
}

func (b *Bridge) send(cmd string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.connected {
		return ErrNotConnected
	}
	if _, err := io.WriteString(b.conn, cmd); err != nil {
		return fmt.Errorf("failed to send bridge command: %w", err)
	}
	return nil
}

// readLines parses bridge output and latches the newest sample.
func (b *Bridge) readLines(r io.Reader, ctx context.Context, done chan struct{}) {
	defer close(done)
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[adc] panic in readLines: %v", r)
		}
	}()

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		sample, err := parseLine(line)
		if err != nil {
			log.Printf("[adc] failed to parse line '%s': %v", line, err)
			continue
		}

		b.mu.Lock()
		b.pending = &sample
		b.mu.Unlock()
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		log.Printf("[adc] error reading from serial port: %v", err)
	}
}

// parseLine parses a line from the bridge firmware into a BridgeSample.
// Format: unix_micros,raw,motor
// Example: 1234567890123,7340032,0
func parseLine(line string) (BridgeSample, error) {
	parts := strings.Split(line, ",")
	if len(parts) != 3 {
		return BridgeSample{}, fmt.Errorf("invalid line format: expected 3 comma-separated values, got %d", len(parts))
	}

	timestampMicros, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return BridgeSample{}, fmt.Errorf("invalid timestamp: %w", err)
	}

	raw, err := strconv.ParseInt(parts[1], 10, 32)
	if err != nil {
		return BridgeSample{}, fmt.Errorf("invalid raw value: %w", err)
	}

	var motor bool
	switch parts[2] {
	case "0":
	case "1":
		motor = true
	default:
		return BridgeSample{}, fmt.Errorf("invalid motor state: %q", parts[2])
	}

	return BridgeSample{
		Timestamp: time.UnixMicro(timestampMicros),
		Raw:       int32(raw),
		MotorOn:   motor,
	}, nil
}
