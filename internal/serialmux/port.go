package serialmux

import (
	"fmt"
	"io"
	"time"
)

// SerialPorter defines the minimal interface needed for a serial port.
// This abstraction enables unit testing without real serial hardware.
type SerialPorter interface {
	io.ReadWriter
	io.Closer
}

// SerialPortMode defines serial port configuration parameters.
type SerialPortMode struct {
	BaudRate int
	DataBits int
	Parity   Parity
	StopBits StopBits
}

func (m SerialPortMode) String() string {
	return fmt.Sprintf("%d %d%s%s", m.BaudRate, m.DataBits, m.Parity, m.StopBits)
}

// Parity defines serial port parity options.
type Parity int

const (
	NoParity Parity = iota
	OddParity
	EvenParity
)

func (p Parity) String() string {
	switch p {
	case OddParity:
		return "O"
	case EvenParity:
		return "E"
	default:
		return "N"
	}
}

// StopBits defines serial port stop bit options.
type StopBits int

const (
	OneStopBit StopBits = iota
	TwoStopBits
)

func (s StopBits) String() string {
	if s == TwoStopBits {
		return "2"
	}
	return "1"
}

// PumpBaudRate is the line speed of PHD Ultra class pumps.
const PumpBaudRate = 115200

// DefaultSerialPortMode returns the line settings for PHD Ultra class pumps:
// 115200 baud, 7 data bits, odd parity, 2 stop bits.
func DefaultSerialPortMode() *SerialPortMode {
	return &SerialPortMode{
		BaudRate: PumpBaudRate,
		DataBits: 7,
		Parity:   OddParity,
		StopBits: TwoStopBits,
	}
}

// SerialPortFactory defines an interface for creating serial ports.
// This abstraction enables dependency injection of serial port creation.
type SerialPortFactory interface {
	// Open opens a serial port at the specified path with the given mode.
	Open(path string, mode *SerialPortMode) (SerialPorter, error)
}

// SerialPortOpener is a function type for opening serial ports.
// This allows for easier testing by replacing the opener function.
type SerialPortOpener func(path string, mode *SerialPortMode) (SerialPorter, error)

// Open calls f.
func (f SerialPortOpener) Open(path string, mode *SerialPortMode) (SerialPorter, error) {
	return f(path, mode)
}

// TimeoutSerialPorter extends SerialPorter with timeout capabilities.
// This is an optional interface that serial ports may implement.
type TimeoutSerialPorter interface {
	SerialPorter
	// SetReadTimeout sets the read timeout for the serial port.
	SetReadTimeout(timeout time.Duration) error
}

// InputResetter is implemented by ports that can discard unread input held
// by the driver.
type InputResetter interface {
	ResetInputBuffer() error
}
