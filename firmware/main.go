//go:build tinygo

//go:generate tinygo flash -target=xiao

// Bridge firmware: bit-bangs an HX711 and switches the grinder relay on
// request from the host. Every conversion is printed as
// "unix_micros,raw,motor". Commands, one per line:
//
//	1, 0      relay on, off
//	P<ms>     relay pulse timed here
//	G<gain>   select gain 128, 64 or 32
//	U, D      power the converter up or down
package main

import (
	"machine"
	"time"
)

var (
	uart = machine.UART0

	extraPulses = 1 // Gain 128
	poweredDown bool

	relayOn  bool
	pulseEnd time.Time

	// Serial buffer for reading lines
	serialBuffer [8]byte
	serialPos    int
)

func main() {
	PIN_RELAY.Configure(machine.PinConfig{Mode: machine.PinOutput})
	PIN_RELAY.Low()
	PIN_SCK.Configure(machine.PinConfig{Mode: machine.PinOutput})
	PIN_SCK.Low()
	PIN_DOUT.Configure(machine.PinConfig{Mode: machine.PinInputPullup})

	uart.Configure(machine.UARTConfig{
		BaudRate: UART_BAUD_RATE,
	})
	setGain(DEFAULT_GAIN)

	for {
		processSerial()

		if !pulseEnd.IsZero() && !time.Now().Before(pulseEnd) {
			pulseEnd = time.Time{}
			setRelay(false)
		}

		// DOUT low means a conversion is ready.
		if !poweredDown && !PIN_DOUT.Get() {
			raw := readHX711()
			outputSample(raw)
		}

		time.Sleep(100 * time.Microsecond)
	}
}

// readHX711 shifts out one conversion and converts it to offset binary.
func readHX711() uint32 {
	var v uint32
	for i := 0; i < 24; i++ {
		PIN_SCK.High()
		PIN_SCK.Low()
		v <<= 1
		if PIN_DOUT.Get() {
			v |= 1
		}
	}
	for i := 0; i < extraPulses; i++ {
		PIN_SCK.High()
		PIN_SCK.Low()
	}
	return v ^ 0x800000
}

func outputSample(raw uint32) {
	print(time.Now().UnixNano() / 1000)
	print(",")
	print(raw)
	if relayOn {
		print(",1\n")
	} else {
		print(",0\n")
	}
}

func setRelay(on bool) {
	relayOn = on
	if on {
		PIN_RELAY.High()
	} else {
		PIN_RELAY.Low()
	}
}

func setGain(gain int) {
	switch gain {
	case 128:
		extraPulses = 1
	case 32:
		extraPulses = 2
	case 64:
		extraPulses = 3
	}
}

func processSerial() {
	for uart.Buffered() > 0 {
		data, err := uart.ReadByte()
		if err != nil {
			break
		}

		if data == '\n' || data == '\r' {
			if serialPos > 0 {
				handleCommand(serialBuffer[:serialPos])
			}
			serialPos = 0
			continue
		}
		if data == ' ' || data == '\t' {
			continue
		}
		if serialPos < len(serialBuffer) {
			serialBuffer[serialPos] = data
			serialPos++
		}
	}
}

func handleCommand(cmd []byte) {
	switch cmd[0] {
	case '1':
		pulseEnd = time.Time{}
		setRelay(true)
	case '0':
		pulseEnd = time.Time{}
		setRelay(false)
	case 'P':
		ms, ok := parseUint(cmd[1:])
		if !ok || ms == 0 {
			return
		}
		if ms > MAX_PULSE_MS {
			ms = MAX_PULSE_MS
		}
		setRelay(true)
		pulseEnd = time.Now().Add(time.Duration(ms) * time.Millisecond)
	case 'G':
		if gain, ok := parseUint(cmd[1:]); ok {
			setGain(gain)
		}
	case 'U':
		poweredDown = false
		PIN_SCK.Low()
	case 'D':
		poweredDown = true
		PIN_SCK.Low()
		PIN_SCK.High()
	}
}

func parseUint(b []byte) (int, bool) {
	if len(b) == 0 {
		return 0, false
	}
	n := 0
	for _, c := range b {
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + int(c-'0')
	}
	return n, true
}
