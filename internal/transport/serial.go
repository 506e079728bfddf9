package transport

import (
	"fmt"

	"go.bug.st/serial"

	"github.com/meridian-lims/lablink/internal/driver"
)

// serialMode converts normalized serial parameters into the serial.Mode
// structure required by go.bug.st/serial when opening a port.
func serialMode(p driver.SerialParams) (*serial.Mode, error) {
	params, err := p.Normalize()
	if err != nil {
		return nil, err
	}

	mode := &serial.Mode{
		BaudRate: params.BaudRate,
		DataBits: params.DataBits,
		StopBits: serial.StopBits(params.StopBits),
	}

	switch params.Parity {
	case "N":
		mode.Parity = serial.NoParity
	case "E":
		mode.Parity = serial.EvenParity
	case "O":
		mode.Parity = serial.OddParity
	default:
		return nil, fmt.Errorf("unsupported parity %q", p.Parity)
	}

	return mode, nil
}

func openSerial(p driver.SerialParams) (Link, error) {
	mode, err := serialMode(p)
	if err != nil {
		return nil, err
	}

	port, err := serial.Open(p.PortPath, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", p.PortPath, err)
	}

	return idempotent(port), nil
}
