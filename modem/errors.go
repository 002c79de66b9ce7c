package modem

import (
	"errors"
	"fmt"
	"strings"

	"i4.energy/across/idpgw/at"
)

var (
	// ErrNoDialer is returned when a Modem is constructed without a Dialer.
	//
	// This indicates a configuration error. A Dialer is required in order to
	// establish a connection to the modem.
	ErrNoDialer = errors.New("no dialer configured")

	// ErrNotInitialized is returned when an operation is attempted on a Modem
	// that has not been successfully initialized.
	//
	// This can occur if initialization failed or if the Dialer returned no
	// Transport.
	ErrNotInitialized = errors.New("modem not initialized")

	// ErrAlreadyClosed is returned when Close is called on a Modem that has
	// already been closed, or when a command is submitted after Close.
	ErrAlreadyClosed = errors.New("modem already closed")

	// ErrLoopRunning is returned when Loop is called while another Loop is
	// already serving the same Modem.
	ErrLoopRunning = errors.New("loop already running")

	// ErrLineTooLong is returned when a modem response line exceeds the
	// maximum allowed length.
	//
	// This typically indicates malformed input, unexpected binary data,
	// or a protocol framing error.
	ErrLineTooLong = errors.New("response line too long")

	// ErrTimeout is returned when no terminal sentinel arrives before the
	// command deadline. Timeouts are surfaced, never retried internally.
	ErrTimeout = errors.New("command timeout")

	// ErrIntegrity matches every *IntegrityError.
	ErrIntegrity = errors.New("integrity check failed")

	// ErrProtocol is returned for malformed or missing responses, including
	// a transport that stops delivering lines mid-transaction.
	ErrProtocol = errors.New("protocol error")

	// ErrBusy is returned by TrySubmit when another command is in flight.
	ErrBusy = errors.New("modem busy")

	// ErrExhaustedRetries is returned when integrity failures persist after
	// the retry budget of a command is spent.
	ErrExhaustedRetries = errors.New("retries exhausted")

	// ErrRejected is returned when a message submission fails local
	// validation or is refused by the modem.
	ErrRejected = errors.New("rejected by device")
)

// IntegrityError reports a checksum mismatch or a contradiction between the
// negotiated CRC mode and what the modem actually sent.
type IntegrityError struct {
	Command string
	Reason  string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("%s: %s: %s", ErrIntegrity, e.Command, e.Reason)
}

func (e *IntegrityError) Is(target error) bool {
	return target == ErrIntegrity
}

// DeviceError reports a command answered with ERROR, or a reply whose
// structure could not be parsed. Cause is the S80 result code, or -1 when
// it could not be retrieved.
type DeviceError struct {
	Command   string
	Cause     at.ResultCode
	Lines     []string
	Malformed bool
}

func (e *DeviceError) Error() string {
	if e.Malformed {
		return fmt.Sprintf("malformed response to %s: %q", e.Command, strings.Join(e.Lines, " | "))
	}
	if e.Cause < 0 {
		return fmt.Sprintf("%s returned ERROR", e.Command)
	}
	return fmt.Sprintf("%s returned ERROR %d (%s)", e.Command, int(e.Cause), e.Cause)
}

func (e *DeviceError) Is(target error) bool {
	return e.Malformed && target == ErrProtocol
}

func malformed(cmd string, lines ...string) *DeviceError {
	return &DeviceError{Command: cmd, Cause: -1, Lines: lines, Malformed: true}
}

// IsDeviceError reports whether err carries a *DeviceError with the given
// cause.
func IsDeviceError(err error, cause at.ResultCode) bool {
	var de *DeviceError
	return errors.As(err, &de) && de.Cause == cause
}
