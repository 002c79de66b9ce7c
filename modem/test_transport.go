package modem

import (
	"io"
	"strings"
	"sync"
)

// TestTransport is a test helper that simulates a blocking transport using channels.
// This is needed because the reader goroutine continuously reads from the transport,
// and we need reads to block until data is available (like a real serial port would).
//
// Every write is handed to the responder, which plays the modem: whatever it
// returns becomes readable, echo included. A nil responder never answers.
type TestTransport struct {
	mu       sync.Mutex
	respond  func(cmd string) string
	readChan chan []byte
	pending  []byte
	writes   []string
	closed   bool
	done     chan struct{}
}

// NewTestTransport creates a new test transport for testing.
// Exported for use in tests.
func NewTestTransport(respond func(cmd string) string) *TestTransport {
	return &TestTransport{
		respond:  respond,
		readChan: make(chan []byte, 64),
		done:     make(chan struct{}),
	}
}

func (t *TestTransport) Write(p []byte) (n int, err error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return 0, io.ErrClosedPipe
	}
	cmd := strings.TrimRight(string(p), "\r\n")
	t.writes = append(t.writes, cmd)
	respond := t.respond
	t.mu.Unlock()

	if respond != nil {
		if reply := respond(cmd); reply != "" {
			t.SendData(reply)
		}
	}
	return len(p), nil
}

func (t *TestTransport) Read(p []byte) (n int, err error) {
	if len(t.pending) > 0 {
		n = copy(p, t.pending)
		t.pending = t.pending[n:]
		return n, nil
	}
	select {
	case data := <-t.readChan:
		n = copy(p, data)
		t.pending = data[n:]
		return n, nil
	case <-t.done:
		return 0, io.EOF
	}
}

func (t *TestTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	close(t.done)
	return nil
}

// SendData queues data to be read by the transport.
// This simulates receiving data from the modem.
func (t *TestTransport) SendData(data string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.readChan <- []byte(data)
	}
}

// Writes returns the commands written so far, without line terminators.
func (t *TestTransport) Writes() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.writes...)
}
