//go:build tinygo

package main

import "machine"

const (
	// HX711 wiring
	PIN_SCK  = machine.D2
	PIN_DOUT = machine.D3

	// Grinder relay, active high
	PIN_RELAY = machine.D7

	// Gain selected at boot; the host may change it with G<gain>.
	DEFAULT_GAIN = 128

	// Longest pulse the firmware times. Longer requests are clamped.
	MAX_PULSE_MS = 1000

	// Serial configuration
	// Line format: "unix_micros,raw,motor\n", e.g. "1234567890123456,8388608,0\n" = ~28 bytes.
	// 80 conversions/sec * 28 bytes = 2,240 bytes/sec; 115200 baud leaves ~5x headroom.
	UART_BAUD_RATE = 115200
)
