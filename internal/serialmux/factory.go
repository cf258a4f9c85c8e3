package serialmux

import (
	"fmt"

	"go.bug.st/serial"
)

// RealPortFactory opens hardware serial ports through go.bug.st/serial.
type RealPortFactory struct{}

// Open opens path with mode. The port is left with no read timeout; callers
// bound waits themselves.
func (RealPortFactory) Open(path string, mode *SerialPortMode) (SerialPorter, error) {
	if mode == nil {
		mode = DefaultSerialPortMode()
	}
	port, err := serial.Open(path, toSerialMode(mode))
	if err != nil {
		return nil, fmt.Errorf("open %s (%s): %w", path, mode, err)
	}
	return port, nil
}
