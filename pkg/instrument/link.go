package instrument

import (
	"fmt"
	"io"
	"strings"
	"time"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// Link is the byte transport to the meter. Read must return (0, nil) when
// the response timeout elapses without data.
type Link interface {
	io.ReadWriteCloser
}

// inputResetter is implemented by serial.Port; stale bytes from a timed-out
// reading are dropped before the next query.
type inputResetter interface {
	ResetInputBuffer() error
}

// readTimeouter is implemented by serial.Port; the per-read timeout is
// shortened to what is left of the response deadline.
type readTimeouter interface {
	SetReadTimeout(t time.Duration) error
}

var (
	listPorts = enumerator.GetDetailedPortsList
	openLink  = openSerial
)

// Discover resolves the serial port name to use.
func Discover(opts Options) (string, error) {
	if opts.Port != "" {
		return opts.Port, nil
	}
	ports, err := listPorts()
	if err != nil {
		return "", fmt.Errorf("%w: enumerate ports: %v", ErrNoDeviceFound, err)
	}
	for _, p := range ports {
		if opts.VID != "" && !strings.EqualFold(p.VID, opts.VID) {
			continue
		}
		if opts.PID != "" && !strings.EqualFold(p.PID, opts.PID) {
			continue
		}
		return p.Name, nil
	}
	return "", ErrNoDeviceFound
}

// openSerial opens name with the meter's fixed framing: 9600 baud, 8N1,
// no flow control.
func openSerial(name string) (Link, error) {
	mode := &serial.Mode{
		BaudRate: BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(name, mode)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	if err := port.SetReadTimeout(ResponseTimeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("set timeout on %s: %w", name, err)
	}
	return port, nil
}
