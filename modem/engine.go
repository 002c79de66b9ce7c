package modem

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"i4.energy/across/idpgw/at"
	"i4.energy/across/idpgw/crc"
)

// CrcState is the negotiated CRC mode of the link.
type CrcState int

const (
	CrcUnknown CrcState = iota
	CrcEnabled
	CrcDisabled
)

func (s CrcState) String() string {
	switch s {
	case CrcEnabled:
		return "enabled"
	case CrcDisabled:
		return "disabled"
	default:
		return "unknown"
	}
}

// Response is the reply to one AT command.
type Response struct {
	// Command is the command text as submitted, without CRC framing.
	Command string
	// Lines holds the non-empty lines before the terminal sentinel, with
	// the echo removed.
	Lines []string
	// Status is the terminal sentinel, at.OK or at.ERROR.
	Status string
	// Cause is the S80 result code after an ERROR, or -1.
	Cause at.ResultCode
}

// OK reports whether the command succeeded.
func (r *Response) OK() bool {
	return r != nil && r.Status == at.OK
}

// Result returns the lines followed by the sentinel and, when it was
// retrieved, the numeric error cause.
func (r *Response) Result() []string {
	out := append([]string(nil), r.Lines...)
	out = append(out, r.Status)
	if r.Status == at.ERROR && r.Cause >= 0 {
		out = append(out, strconv.Itoa(int(r.Cause)))
	}
	return out
}

// Prefixed returns the lines starting with prefix, with the prefix and
// surrounding blanks removed.
func (r *Response) Prefixed(prefix string) []string {
	var out []string
	for _, l := range r.Lines {
		if rest, ok := strings.CutPrefix(l, prefix); ok {
			out = append(out, strings.TrimSpace(rest))
		}
	}
	return out
}

// First returns the first line starting with prefix, stripped of it, or ""
// if there is none.
func (r *Response) First(prefix string) string {
	for _, l := range r.Lines {
		if rest, ok := strings.CutPrefix(l, prefix); ok {
			return strings.TrimSpace(rest)
		}
	}
	return ""
}

// engine runs one AT transaction at a time over the transport. It is not
// safe for concurrent use: the Modem confines it to the init path and then
// to the Loop goroutine.
type engine struct {
	transport    Transport
	lines        <-chan string
	readErr      func() error
	crc          atomic.Int32
	crcGrace     time.Duration
	drainTimeout time.Duration
	holdoff      *holdoff
	logger       *slog.Logger
	metrics      Metrics
	unsolicited  func(string)
}

// execute sends cmd and returns its response. An ERROR reply is followed by
// a single S80 query for the cause and is returned together with a
// *DeviceError.
func (e *engine) execute(ctx context.Context, cmd string, timeout time.Duration) (*Response, error) {
	if err := e.settle(ctx); err != nil {
		return nil, fmt.Errorf("%s: waiting for reboot holdoff: %w", cmd, err)
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	resp, err := e.transact(ctx, cmd)
	if err != nil {
		return nil, err
	}
	if resp.Status == at.OK {
		return resp, nil
	}

	if cause, err := e.transact(ctx, at.CmdLastError); err == nil && cause.OK() && len(cause.Lines) > 0 {
		if n, perr := strconv.Atoi(cause.Lines[0]); perr == nil {
			resp.Cause = at.ResultCode(n)
		}
	} else if err != nil {
		e.logger.Debug("Error cause unavailable", "command", cmd, "error", err)
	}
	return resp, &DeviceError{Command: cmd, Cause: resp.Cause, Lines: resp.Lines}
}

// transact performs one exchange without cause lookup.
func (e *engine) transact(ctx context.Context, cmd string) (*Response, error) {
	start := time.Now()
	resp, err := e.exchange(ctx, strings.TrimSpace(cmd))
	e.metrics.CommandCompleted(commandName(cmd), outcome(resp, err), time.Since(start))
	return resp, err
}

func (e *engine) exchange(ctx context.Context, cmd string) (*Response, error) {
	e.drain(ctx, 0)

	wire := cmd
	if e.crcState() == CrcEnabled {
		wire = crc.Frame(cmd)
	}
	e.logger.Debug("Sending AT command", "command", wire, "crc", e.crcState())
	if _, err := e.transport.Write([]byte(wire + at.CR)); err != nil {
		return nil, fmt.Errorf("write command %q: %w", cmd, err)
	}

	var (
		body     strings.Builder
		received bool
	)
	resp := &Response{Command: cmd, Cause: -1}

	for resp.Status == "" {
		select {
		case <-ctx.Done():
			return nil, e.deadlineErr(ctx, cmd, received)
		case raw, ok := <-e.lines:
			if !ok {
				return nil, e.closedErr(cmd)
			}
			received = true
			line := strings.TrimSpace(raw)
			if line == wire {
				body.WriteString(strings.Replace(raw, wire+at.CR, "", 1))
				continue
			}
			body.WriteString(raw)
			switch at.Classify(line) {
			case at.TypeBlank:
			case at.TypeFinal:
				resp.Status = line
			default:
				resp.Lines = append(resp.Lines, line)
			}
		}
	}

	tail, err := e.awaitTail(ctx, cmd)
	if err != nil {
		return nil, err
	}
	if err := e.negotiate(cmd, resp.Status, body.String(), tail); err != nil {
		return nil, err
	}
	e.logger.Debug("AT response", "command", cmd, "status", resp.Status, "lines", len(resp.Lines))
	return resp, nil
}

// settle drains the line queue before a command. A boot indicator seen
// while draining opens the holdoff, which is waited out before the queue is
// drained again.
func (e *engine) settle(ctx context.Context) error {
	e.drain(ctx, e.drainTimeout)
	for e.holdoff != nil && e.holdoff.remaining() > 0 {
		if err := e.holdoff.wait(ctx); err != nil {
			return err
		}
		e.drain(ctx, e.drainTimeout)
	}
	return nil
}

// drain discards lines that arrived before the command, waiting at most
// window for stragglers. A zero window only empties what is queued.
func (e *engine) drain(ctx context.Context, window time.Duration) {
	if window <= 0 {
		for {
			select {
			case raw, ok := <-e.lines:
				if !ok {
					return
				}
				e.unsolicited(raw)
			default:
				return
			}
		}
	}

	timer := time.NewTimer(window)
	defer timer.Stop()
	for {
		select {
		case raw, ok := <-e.lines:
			if !ok {
				return
			}
			e.unsolicited(raw)
		case <-timer.C:
			return
		case <-ctx.Done():
			return
		}
	}
}

// awaitTail waits up to crcGrace for a checksum line after the sentinel.
// It returns "" when none arrives.
func (e *engine) awaitTail(ctx context.Context, cmd string) (string, error) {
	timer := time.NewTimer(e.crcGrace)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return "", e.deadlineErr(ctx, cmd, true)
		case <-timer.C:
			return "", nil
		case raw, ok := <-e.lines:
			if !ok {
				return "", nil
			}
			switch line := strings.TrimSpace(raw); {
			case line == "":
			case at.IsCrcTail(line):
				return line, nil
			default:
				e.unsolicited(raw)
			}
		}
	}
}

// negotiate validates the tail and updates the CRC state. The first
// observation latches the state; later contradictions are integrity
// errors unless the command itself toggles CRC.
func (e *engine) negotiate(cmd, status, body, tail string) error {
	present := tail != ""
	if present && !crc.Validate(body, tail) {
		return &IntegrityError{Command: cmd, Reason: fmt.Sprintf("checksum %s does not match response", tail)}
	}

	state := e.crcState()
	target, explicit := crcRequest(cmd)
	switch {
	case explicit:
	case present && state == CrcDisabled:
		return &IntegrityError{Command: cmd, Reason: "checksum present while CRC is disabled"}
	case !present && state == CrcEnabled:
		return &IntegrityError{Command: cmd, Reason: "checksum expected but not found"}
	}

	next := state
	switch {
	case explicit && status == at.OK:
		next = target
	case state == CrcUnknown && present:
		next = CrcEnabled
	case state == CrcUnknown:
		next = CrcDisabled
	}
	if next != state {
		e.crc.Store(int32(next))
		e.logger.Info("CRC mode latched", "crc", next, "command", cmd)
	}
	return nil
}

func (e *engine) crcState() CrcState {
	return CrcState(e.crc.Load())
}

// crcRequest reports whether cmd sets the CRC mode and to which state.
// Only a %CRC=n command token counts: the one following the AT prefix or a
// ';' separator. Quoted arguments are skipped, so a message payload cannot
// toggle the mode. The last token wins.
func crcRequest(cmd string) (CrcState, bool) {
	state, explicit := CrcUnknown, false
	for i, token := range strings.Split(stripQuoted(cmd), ";") {
		token = strings.ToUpper(strings.TrimSpace(token))
		if i == 0 {
			var ok bool
			if token, ok = strings.CutPrefix(token, "AT"); !ok {
				return CrcUnknown, false
			}
		}
		switch token {
		case "%CRC=0":
			state, explicit = CrcDisabled, true
		case "%CRC=1":
			state, explicit = CrcEnabled, true
		}
	}
	return state, explicit
}

// stripQuoted removes every double-quoted segment of cmd, quotes included. An
// unterminated quote runs to the end of the command.
func stripQuoted(cmd string) string {
	var b strings.Builder
	quoted := false
	for _, r := range cmd {
		if r == '"' {
			quoted = !quoted
			continue
		}
		if !quoted {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func (e *engine) deadlineErr(ctx context.Context, cmd string, received bool) error {
	err := context.Cause(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", cmd, err)
	}
	if !received {
		return fmt.Errorf("%w: %w: no response to %s", ErrTimeout, ErrProtocol, cmd)
	}
	return fmt.Errorf("%w: no terminal response to %s", ErrTimeout, cmd)
}

func (e *engine) closedErr(cmd string) error {
	err := e.readErr()
	if errors.Is(err, bufio.ErrTooLong) {
		return fmt.Errorf("%w: %w during %s", ErrProtocol, ErrLineTooLong, cmd)
	}
	if err == nil {
		err = io.EOF
	}
	return fmt.Errorf("%w: transport stopped during %s: %w", ErrProtocol, cmd, err)
}

// commandName reduces a command to a low-cardinality label, e.g.
// AT%MGRT="x",4,... becomes AT%MGRT.
func commandName(cmd string) string {
	cmd = strings.TrimSpace(cmd)
	if i := strings.IndexAny(cmd, "=?;\" "); i > 0 {
		cmd = cmd[:i]
	}
	if len(cmd) > 16 {
		cmd = cmd[:16]
	}
	return cmd
}

func outcome(resp *Response, err error) string {
	switch {
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrIntegrity):
		return "integrity"
	case err != nil:
		return "protocol"
	case resp.Status == at.ERROR:
		return "error"
	default:
		return "ok"
	}
}
