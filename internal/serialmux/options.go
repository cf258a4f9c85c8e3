package serialmux

import (
	"fmt"
	"strings"

	"go.bug.st/serial"
)

// PortOptions describes the serial connection parameters used when opening a
// real serial port. Zero values take the pump's line settings.
type PortOptions struct {
	BaudRate int    `json:"baud_rate"`
	DataBits int    `json:"data_bits"`
	StopBits int    `json:"stop_bits"`
	Parity   string `json:"parity"`
}

// Normalize validates the options and applies defaults for any unset values.
func (o PortOptions) Normalize() (PortOptions, error) {
	opts := o

	if opts.BaudRate <= 0 {
		opts.BaudRate = PumpBaudRate
	}

	if opts.DataBits == 0 {
		opts.DataBits = 7
	}
	if opts.DataBits < 5 || opts.DataBits > 8 {
		return opts, fmt.Errorf("invalid data bits %d: must be between 5 and 8", opts.DataBits)
	}

	if opts.StopBits == 0 {
		opts.StopBits = 2
	}
	if opts.StopBits != 1 && opts.StopBits != 2 {
		return opts, fmt.Errorf("invalid stop bits %d: supported values are 1 or 2", opts.StopBits)
	}

	parity := strings.TrimSpace(strings.ToUpper(opts.Parity))
	if parity == "" {
		parity = "O"
	}

	switch parity {
	case "N", "NONE":
		parity = "N"
	case "E", "EVEN":
		parity = "E"
	case "O", "ODD":
		parity = "O"
	default:
		return opts, fmt.Errorf("unsupported parity %q: expected N, E, or O", opts.Parity)
	}

	opts.Parity = parity
	return opts, nil
}

// Equal reports whether two PortOptions describe the same serial configuration.
func (o PortOptions) Equal(other PortOptions) bool {
	normalizedA, errA := o.Normalize()
	normalizedB, errB := other.Normalize()
	if errA != nil || errB != nil {
		return false
	}
	return normalizedA == normalizedB
}

// Mode converts the options into a SerialPortMode for a SerialPortFactory.
func (o PortOptions) Mode() (*SerialPortMode, error) {
	opts, err := o.Normalize()
	if err != nil {
		return nil, err
	}

	mode := &SerialPortMode{
		BaudRate: opts.BaudRate,
		DataBits: opts.DataBits,
		StopBits: OneStopBit,
	}
	if opts.StopBits == 2 {
		mode.StopBits = TwoStopBits
	}
	switch opts.Parity {
	case "E":
		mode.Parity = EvenParity
	case "O":
		mode.Parity = OddParity
	default:
		mode.Parity = NoParity
	}
	return mode, nil
}

// SerialMode converts the port options into the serial.Mode structure required by
// go.bug.st/serial when opening a port.
func (o PortOptions) SerialMode() (*serial.Mode, error) {
	mode, err := o.Mode()
	if err != nil {
		return nil, err
	}
	return toSerialMode(mode), nil
}

func toSerialMode(m *SerialPortMode) *serial.Mode {
	mode := &serial.Mode{
		BaudRate: m.BaudRate,
		DataBits: m.DataBits,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	switch m.Parity {
	case OddParity:
		mode.Parity = serial.OddParity
	case EvenParity:
		mode.Parity = serial.EvenParity
	}
	if m.StopBits == TwoStopBits {
		mode.StopBits = serial.TwoStopBits
	}
	return mode
}
