package modem

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"i4.energy/across/idpgw/at"
)

// maxLineLength bounds a single response line. The longest legitimate line
// is a base64 MT payload of 10 000 bytes plus its header.
const maxLineLength = 64 * 1024

// Modem represents an Inmarsat IDP satellite modem that communicates via AT
// commands. It provides thread-safe access to the message queues and modem
// operations through a centralized event loop that handles all transport
// I/O.
type Modem struct {
	// transport provides the physical connection to the modem (serial, TCP, etc.)
	transport Transport
	// config contains the modem configuration settings
	config  Config
	logger  *slog.Logger
	metrics Metrics

	// engine runs AT transactions. It is used by init before Loop starts
	// and only by the Loop goroutine afterwards.
	engine  *engine
	slot    *slot
	holdoff *holdoff

	// lines carries raw response lines from the reader goroutine
	lines   chan string
	readErr error
	// urcChan receives unsolicited lines from the modem
	urcChan chan string
	// commands hands submitted commands to the Loop
	commands chan *commandRequest

	done        chan struct{}
	closed      atomic.Bool
	loopRunning atomic.Bool

	mu       sync.Mutex
	lastName int64
	identity map[string]string
	status   *statusCache
}

// Command is one AT command submission.
type Command struct {
	// Text is the AT command without CRC framing or line terminator.
	Text string
	// Timeout bounds the wait for the terminal sentinel. Zero uses the
	// configured AT timeout.
	Timeout time.Duration
	// Retries is the number of extra attempts after an integrity failure.
	Retries int
}

// commandRequest represents an AT command request to be executed by the Loop.
// It contains the command, response channel, and execution context.
type commandRequest struct {
	cmd Command
	// respChan receives the command response from the Loop
	respChan chan commandResponse
	// ctx provides timeout and cancellation control for the command
	ctx context.Context
}

// commandResponse contains the result of an AT command execution.
type commandResponse struct {
	resp *Response
	err  error
}

// New creates a new Modem instance with the given configuration.
// It establishes the transport connection, starts reading from it and
// initializes the modem with ATZ, echo, verbose results and the requested
// CRC mode.
//
// Returns an error if the transport connection or modem initialization
// fails.
func New(ctx context.Context, config Config) (*Modem, error) {
	if config.dialer == nil {
		return nil, ErrNoDialer
	}
	if config.logger == nil {
		config.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if config.metrics == nil {
		config.metrics = noopMetrics{}
	}

	transport, err := config.dialer.Dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("dial modem: %w", err)
	}
	if transport == nil {
		return nil, ErrNotInitialized
	}

	m := &Modem{
		transport: transport,
		config:    config,
		logger:    config.logger,
		metrics:   config.metrics,
		slot:      newSlot(),
		holdoff:   newHoldoff(config.rebootHoldoff, config.bootIndicators),
		lines:     make(chan string, 64),
		urcChan:   make(chan string, config.urcBuffer),
		// No queue for commands
		commands: make(chan *commandRequest),
		done:     make(chan struct{}),
		identity: make(map[string]string),
		status:   &statusCache{},
	}
	m.engine = &engine{
		transport:    transport,
		lines:        m.lines,
		readErr:      func() error { return m.readErr },
		crcGrace:     config.crcGrace,
		drainTimeout: config.drainTimeout,
		holdoff:      m.holdoff,
		logger:       m.logger,
		metrics:      m.metrics,
		unsolicited:  m.unsolicited,
	}

	go m.read()

	initCtx := ctx
	if config.initTimeout > 0 {
		var cancel context.CancelFunc
		initCtx, cancel = context.WithTimeout(ctx, config.initTimeout)
		defer cancel()
	}

	if err := m.init(initCtx); err != nil {
		m.Close()
		return nil, fmt.Errorf("initialize modem: %w", err)
	}

	return m, nil
}

// read is the only goroutine that reads from the transport. It closes
// lines when the transport fails; readErr is valid once lines is closed.
func (m *Modem) read() {
	defer close(m.lines)

	scanner := bufio.NewScanner(m.transport)
	scanner.Buffer(make([]byte, 0, 4096), maxLineLength)
	scanner.Split(at.Splitter)
	for scanner.Scan() {
		select {
		case m.lines <- scanner.Text():
		case <-m.done:
			m.readErr = ErrAlreadyClosed
			return
		}
	}
	m.readErr = scanner.Err()
	if m.readErr == nil {
		m.readErr = io.EOF
	}
}

// init performs the initial setup sequence for the modem hardware. The
// command is retried once when the modem rejects it, which happens when the
// CRC mode assumed for the first frame was wrong.
func (m *Modem) init(ctx context.Context) error {
	crcFlag := 0
	if m.config.crc {
		crcFlag = 1
	}
	cmd := fmt.Sprintf("%s;%s%d", at.CmdInit, strings.TrimPrefix(at.CmdCrc, "AT"), crcFlag)

	for attempt := 1; ; attempt++ {
		_, err := m.execDirect(ctx, cmd)
		if err == nil {
			m.logger.Info("Modem initialized", "crc", m.engine.crcState())
			return nil
		}
		var de *DeviceError
		if attempt < 2 && (errors.As(err, &de) || errors.Is(err, ErrIntegrity)) {
			m.logger.Warn("Modem initialization rejected, retrying", "error", err)
			continue
		}
		return fmt.Errorf("modem not responding: %w", err)
	}
}

// Loop is the main event loop that handles all transport I/O operations.
// It must be called exactly once after New() and before any other modem operations.
// The Loop coordinates all communication with the modem hardware:
//
// 1. Receives commands handed over by Submit
// 2. Runs each one through the transaction engine
// 3. Returns responses to the waiting callers
// 4. Forwards lines received between commands to the unsolicited filter
//
// The Loop runs until the provided context is cancelled, the modem is
// closed or the transport fails. It is the ONLY goroutine that writes to
// the transport, so commands from any number of goroutines never overlap
// on the wire.
//
// Usage:
//
//	modem, err := New(ctx, config)
//	if err != nil { return err }
//
//	// Start the loop (typically in a goroutine)
//	go modem.Loop(ctx)
//
//	// Now commands can be submitted
//	resp, err := modem.Submit(ctx, Command{Text: "AT"})
func (m *Modem) Loop(ctx context.Context) error {
	if !m.loopRunning.CompareAndSwap(false, true) {
		return ErrLoopRunning
	}
	defer m.loopRunning.Store(false)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-m.done:
			return ErrAlreadyClosed

		case req := <-m.commands:
			execCtx, cancel := context.WithCancel(req.ctx)
			stop := context.AfterFunc(ctx, cancel)
			resp, err := m.engine.execute(execCtx, req.cmd.Text, req.cmd.Timeout)
			stop()
			cancel()
			req.respChan <- commandResponse{resp: resp, err: err}

		case raw, ok := <-m.lines:
			if !ok {
				return fmt.Errorf("read error: %w", m.readErr)
			}
			m.unsolicited(raw)
		}
	}
}

// Close shuts down the modem and releases all resources.
// It stops the event loop, closes the transport connection, and marks
// the modem as closed. After calling Close(), the modem cannot be reused.
func (m *Modem) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return ErrAlreadyClosed
	}
	close(m.done)
	return m.transport.Close()
}

// Submit sends a command and waits for its response. It waits out any
// reboot holdoff, then for the transaction slot. Integrity failures are
// retried up to cmd.Retries times; every other error is returned as is.
//
// A command answered with ERROR returns both the response and a
// *DeviceError.
func (m *Modem) Submit(ctx context.Context, cmd Command) (*Response, error) {
	return m.submit(ctx, cmd, true)
}

// TrySubmit is like Submit but fails with ErrBusy instead of waiting when
// another command is in flight.
func (m *Modem) TrySubmit(ctx context.Context, cmd Command) (*Response, error) {
	return m.submit(ctx, cmd, false)
}

func (m *Modem) submit(ctx context.Context, cmd Command, block bool) (*Response, error) {
	if m.closed.Load() {
		return nil, ErrAlreadyClosed
	}
	if cmd.Timeout <= 0 {
		cmd.Timeout = m.config.atTimeout
	}

	for attempt := 1; ; attempt++ {
		if err := m.holdoff.wait(ctx); err != nil {
			return nil, fmt.Errorf("%s: waiting for reboot holdoff: %w", cmd.Text, err)
		}

		waitStart := time.Now()
		if block || attempt > 1 {
			if err := m.slot.acquire(ctx); err != nil {
				return nil, fmt.Errorf("%s: waiting for transaction slot: %w", cmd.Text, err)
			}
		} else if !m.slot.tryAcquire() {
			return nil, ErrBusy
		}
		m.metrics.SlotWait(time.Since(waitStart))

		resp, err := m.dispatch(ctx, cmd)
		m.slot.release()

		if err == nil || !errors.Is(err, ErrIntegrity) {
			return resp, err
		}
		if attempt > cmd.Retries {
			return nil, fmt.Errorf("%w after %d attempt(s): %w", ErrExhaustedRetries, attempt, err)
		}
		m.metrics.IntegrityRetry(commandName(cmd.Text))
		m.logger.Warn("Integrity failure, retrying", "command", cmd.Text, "attempt", attempt, "error", err)
	}
}

// dispatch hands cmd to the Loop and waits for the result. Once the Loop
// has accepted a command it always replies, so the slot is never released
// while the command is still on the wire.
func (m *Modem) dispatch(ctx context.Context, cmd Command) (*Response, error) {
	req := &commandRequest{
		cmd:      cmd,
		respChan: make(chan commandResponse, 1), // Buffered to prevent blocking
		ctx:      ctx,
	}

	// Bound the hand-over itself so a stopped Loop cannot hang the caller
	handoff, cancel := context.WithTimeout(ctx, cmd.Timeout)
	defer cancel()

	select {
	case m.commands <- req:
	case <-m.done:
		return nil, ErrAlreadyClosed
	case <-handoff.Done():
		if errors.Is(handoff.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s not accepted by loop", ErrTimeout, cmd.Text)
		}
		return nil, fmt.Errorf("command cancelled before sending: %w", handoff.Err())
	}

	r := <-req.respChan
	return r.resp, r.err
}

// exec submits text with the configured timeout and retry budget.
func (m *Modem) exec(ctx context.Context, text string) (*Response, error) {
	return m.Submit(ctx, Command{Text: text, Timeout: m.config.atTimeout, Retries: m.config.crcRetries})
}

// execTimeout is exec with an explicit timeout for slow commands.
func (m *Modem) execTimeout(ctx context.Context, text string, timeout time.Duration) (*Response, error) {
	return m.Submit(ctx, Command{Text: text, Timeout: timeout, Retries: m.config.crcRetries})
}

// execDirect runs a command on the engine without the Loop. It is used
// during initialization when no Loop is running yet.
//
// WARNING: This method should only be used during initialization.
// Use exec() for normal operations.
func (m *Modem) execDirect(ctx context.Context, text string) (*Response, error) {
	if m.closed.Load() {
		return nil, ErrAlreadyClosed
	}
	return m.engine.execute(ctx, text, m.config.atTimeout)
}

// CRCState returns the negotiated CRC mode.
func (m *Modem) CRCState() CrcState {
	return m.engine.crcState()
}
