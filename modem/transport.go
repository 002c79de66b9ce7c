package modem

//go:generate go tool mockgen -destination=mock_modem_test.go -package=modem -write_package_comment=false . Transport,Dialer

import (
	"context"
	"errors"
	"fmt"
	"io"

	"go.bug.st/serial"
)

// Transport represents an established, bidirectional byte stream to an IDP
// modem.
//
// A Transport is assumed to be already connected and ready for use. Read
// must block until data is available and return an error once the
// Transport is closed. Typical implementations include serial ports, TCP
// bridges to a simulator, or in-memory fakes used for testing.
type Transport interface {
	io.ReadWriteCloser
}

// Dialer opens a Transport to an IDP modem.
//
// Dialer abstracts how the modem connection is created and is intended to
// be used during modem construction only. Once a Transport is obtained, the
// Dialer is no longer needed.
type Dialer interface {
	// Dial is responsible for creating and returning a connected Transport. It may
	// perform blocking operations and should respect cancellation and deadlines
	// provided by the context. Dial returns an error if the transport cannot be
	// established.
	Dial(ctx context.Context) (Transport, error)
}

// DefaultBaudRate is the factory rate of IDP modems.
const DefaultBaudRate = 9600

// SerialDialer opens an IDP modem over a serial port using go.bug.st/serial.
type SerialDialer struct {
	// PortName is the device path, e.g. /dev/ttyUSB0 or COM3.
	PortName string
	// BaudRate is used when Mode is nil. Zero selects DefaultBaudRate.
	BaudRate int
	// Mode overrides the full line settings when set.
	Mode *serial.Mode
}

func (d SerialDialer) mode() *serial.Mode {
	if d.Mode != nil {
		return d.Mode
	}
	baud := d.BaudRate
	if baud <= 0 {
		baud = DefaultBaudRate
	}
	return &serial.Mode{
		BaudRate: baud,
		Parity:   serial.NoParity,
		DataBits: 8,
		StopBits: serial.OneStopBit,
	}
}

// Dial opens the serial port. A context cancelled before the port opens
// returns ctx.Err() unwrapped and releases the port if it opened late.
func (d SerialDialer) Dial(ctx context.Context) (Transport, error) {
	if d.PortName == "" {
		return nil, errors.New("idp: serial port name is required")
	}
	if ctx == nil {
		return nil, errors.New("idp: context is nil")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	type result struct {
		port serial.Port
		err  error
	}
	done := make(chan result, 1)
	go func() {
		port, err := serial.Open(d.PortName, d.mode())
		done <- result{port, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, fmt.Errorf("idp: open serial port %s: %w", d.PortName, r.err)
		}
		return r.port, nil
	case <-ctx.Done():
		go func() {
			if r := <-done; r.err == nil {
				r.port.Close()
			}
		}()
		return nil, ctx.Err()
	}
}
