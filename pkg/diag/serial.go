// Package diag holds diagnostic helpers: the serial log sink, serial port
// discovery and the load-cell noise report.
package diag

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// DefaultBaudRate is the diagnostic console speed.
const DefaultBaudRate = 115200

// Port describes a serial port.
type Port struct {
	Name         string `json:"name"`
	Description  string `json:"description"`
	USB          bool   `json:"usb"`
	SerialNumber string `json:"serial_number,omitempty"`
}

// Ports returns the available serial ports. USB details are filled in when
// the platform enumerator provides them.
func Ports() ([]Port, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err == nil && len(details) > 0 {
		result := make([]Port, 0, len(details))
		for _, d := range details {
			p := Port{Name: d.Name, Description: d.Name, USB: d.IsUSB, SerialNumber: d.SerialNumber}
			if d.IsUSB {
				p.Description = fmt.Sprintf("%s (USB %s:%s)", d.Name, d.VID, d.PID)
			}
			result = append(result, p)
		}
		return result, nil
	}

	names, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("failed to list serial ports: %w", err)
	}
	result := make([]Port, 0, len(names))
	for _, name := range names {
		result = append(result, Port{Name: name, Description: name})
	}
	return result, nil
}

// Sink is a log destination that never fails. Write errors are counted and
// swallowed so a disconnected console cannot break an io.MultiWriter.
type Sink struct {
	mu     sync.Mutex
	w      io.WriteCloser
	closed bool

	dropped atomic.Uint64
}

var _ io.WriteCloser = (*Sink)(nil)

// NewSink wraps w.
func NewSink(w io.WriteCloser) *Sink {
	return &Sink{w: w}
}

// OpenSerial opens port as a diagnostic sink. baud <= 0 uses DefaultBaudRate.
func OpenSerial(port string, baud int) (*Sink, error) {
	if baud <= 0 {
		baud = DefaultBaudRate
	}
	p, err := serial.Open(port, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open diagnostic port %s: %w", port, err)
	}
	return NewSink(p), nil
}

// Write forwards p and always reports success.
func (s *Sink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		s.dropped.Add(1)
		return len(p), nil
	}
	if _, err := s.w.Write(p); err != nil {
		s.dropped.Add(1)
	}
	return len(p), nil
}

// Dropped returns the number of writes that did not reach the port.
func (s *Sink) Dropped() uint64 {
	return s.dropped.Load()
}

func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.w.Close()
}
