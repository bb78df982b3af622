package serialmux

import (
	"fmt"

	"go.bug.st/serial"
)

// NewRealSerialMux opens the serial device at path and wraps it in a mux.
func NewRealSerialMux(path string, opts PortOptions) (*SerialMux[serial.Port], error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}

	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	return NewSerialMux[serial.Port](port), nil
}

// OpenOrDisabled returns a real mux for path, or a DisabledSerialMux when path
// is empty so a board can be left unplugged.
func OpenOrDisabled(path string, opts PortOptions) (SerialMuxInterface, error) {
	if path == "" {
		return NewDisabledSerialMux(), nil
	}
	return NewRealSerialMux(path, opts)
}
