// Package adc provides normalised access to the load cell ADC.
//
// Raw values are 24-bit counts in offset-binary form, so every valid sample
// lies in [MinRaw, MaxRaw] and larger loads move the count monotonically.
package adc

import (
	"errors"
	"fmt"
	"time"

	"github.com/itohio/grindscale/pkg/clock"
)

const (
	MinRaw int32 = 0
	MaxRaw int32 = 0xFFFFFF
)

var (
	ErrNotReady     = errors.New("adc: conversion not ready")
	ErrOutOfRange   = errors.New("adc: raw value out of range")
	ErrTimeout      = errors.New("adc: timeout")
	ErrNotConnected = errors.New("adc: not connected")
	ErrInvalidGain  = errors.New("adc: invalid gain")
)

// Variant tags the kind of driver bound at runtime.
type Variant int

const (
	VariantHardware Variant = iota
	VariantBridge
	VariantSimulated
)

func (v Variant) String() string {
	switch v {
	case VariantHardware:
		return "hardware"
	case VariantBridge:
		return "bridge"
	case VariantSimulated:
		return "simulated"
	}
	return fmt.Sprintf("Variant(%d)", int(v))
}

// Info describes driver capabilities.
type Info struct {
	Name           string
	Variant        Variant
	MaxSampleRate  int
	HasTemperature bool
}

// Driver defines the interface for load cell ADCs (hardware, bridged or simulated).
type Driver interface {
	// Begin initialises the converter and returns once the first sample is
	// available or a bounded timeout expires.
	Begin(gain int) error
	// IsReady reports whether a new conversion is available.
	IsReady() bool
	// Read latches the next conversion. It returns ErrNotReady when no
	// conversion is due and ErrOutOfRange when the value was dropped.
	Read() error
	// Raw returns the last latched value.
	Raw() int32
	PowerUp() error
	PowerDown() error
	// Validate succeeds when at least three reads succeed within a few
	// sample intervals.
	Validate() error
	Info() Info
	// Dropped returns the number of out-of-range samples discarded.
	Dropped() uint64
}

var (
	_ Driver = (*HX711)(nil)
	_ Driver = (*Bridge)(nil)
	_ Driver = (*Simulated)(nil)
)

// checkRange validates a normalised raw value.
func checkRange(v int32) error {
	if v < MinRaw || v > MaxRaw {
		return fmt.Errorf("%w: %d", ErrOutOfRange, v)
	}
	return nil
}

// beginTimeout is the bounded wait for the first conversion.
func beginTimeout(interval time.Duration) time.Duration {
	return 2*interval + 200*time.Millisecond
}

// waitReady polls d until it reports ready or timeout elapses.
func waitReady(d Driver, clk clock.Clock, timeout time.Duration) error {
	deadline := clk.Now().Add(timeout)
	for !d.IsReady() {
		if !clk.Now().Before(deadline) {
			return fmt.Errorf("%w: no conversion within %v", ErrTimeout, timeout)
		}
		clk.Sleep(time.Millisecond)
	}
	return nil
}

// validate reads from d until three reads succeed or the window closes.
func validate(d Driver, clk clock.Clock, interval time.Duration) error {
	const want = 3
	window := 4*interval + 500*time.Millisecond
	deadline := clk.Now().Add(window)

	ok := 0
	for clk.Now().Before(deadline) {
		if d.IsReady() && d.Read() == nil {
			ok++
			if ok >= want {
				return nil
			}
		}
		clk.Sleep(interval / 10)
	}
	return fmt.Errorf("%w: %d of %d reads succeeded within %v", ErrTimeout, ok, want, window)
}
