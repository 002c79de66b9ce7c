package modem_test

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	gomock "go.uber.org/mock/gomock"
	"i4.energy/across/idpgw/crc"
	"i4.energy/across/idpgw/modem"
)

// initCommand is what New sends with CRC disabled.
const initCommand = "ATZ;E1;V1;Q0;%CRC=0"

// MockSequenceBuilder scripts a MockTransport. Writes are expected in the
// order they are added; each one queues its reply for the reader, which
// runs concurrently and is therefore not part of the ordering.
type MockSequenceBuilder struct {
	transport *modem.MockTransport
	replies   chan string
	stop      chan struct{}
	stopOnce  sync.Once
	stopErr   error
	calls     []any
}

func NewMockSequence(transport *modem.MockTransport) *MockSequenceBuilder {
	b := &MockSequenceBuilder{
		transport: transport,
		replies:   make(chan string, 16),
		stop:      make(chan struct{}),
		calls:     []any{},
	}
	var pending []byte
	transport.EXPECT().Read(gomock.Any()).DoAndReturn(func(p []byte) (int, error) {
		if len(pending) == 0 {
			select {
			case r := <-b.replies:
				pending = []byte(r)
			case <-b.stop:
				return 0, b.stopErr
			}
		}
		n := copy(p, pending)
		pending = pending[n:]
		return n, nil
	}).AnyTimes()
	return b
}

// Expect adds a write of cmd answered with reply.
func (b *MockSequenceBuilder) Expect(cmd, reply string) *MockSequenceBuilder {
	b.calls = append(b.calls,
		b.transport.EXPECT().Write([]byte(cmd+"\r")).DoAndReturn(func(p []byte) (int, error) {
			b.replies <- reply
			return len(p), nil
		}),
	)
	return b
}

func (b *MockSequenceBuilder) Init() *MockSequenceBuilder {
	return b.Expect(initCommand, okReply(initCommand))
}

func (b *MockSequenceBuilder) InitRejected(cause int) *MockSequenceBuilder {
	return b.Expect(initCommand, errorReply(initCommand)).LastError(cause)
}

func (b *MockSequenceBuilder) LastError(cause int) *MockSequenceBuilder {
	return b.Expect("ATS80?", okReply("ATS80?", fmt.Sprint(cause)))
}

// Close adds the transport Close, which also ends pending reads.
func (b *MockSequenceBuilder) Close(err error) *MockSequenceBuilder {
	b.calls = append(b.calls,
		b.transport.EXPECT().Close().DoAndReturn(func() error {
			b.Fail(io.EOF)
			return err
		}),
	)
	return b
}

// Send makes data readable outside any command.
func (b *MockSequenceBuilder) Send(data string) {
	b.replies <- data
}

// Fail makes every further read return err.
func (b *MockSequenceBuilder) Fail(err error) {
	b.stopOnce.Do(func() {
		b.stopErr = err
		close(b.stop)
	})
}

func (b *MockSequenceBuilder) Build() []any {
	return b.calls
}

// testBuilder returns a config builder with short protocol waits.
func testBuilder(d modem.Dialer) *modem.ConfigBuilder {
	return modem.NewConfigBuilder().
		WithDialer(d).
		WithATTimeout(time.Second).
		WithInitTimeout(2 * time.Second).
		WithCRCGrace(20 * time.Millisecond).
		WithDrainTimeout(0)
}

// okReply renders the modem answer to wire: echo, lines and OK.
func okReply(wire string, lines ...string) string {
	return reply(wire, true, false, 0, lines...)
}

func errorReply(wire string) string {
	return reply(wire, false, false, 0)
}

// reply renders a complete answer. With withCRC the checksum tail is
// appended, XORed with flip to corrupt it.
func reply(wire string, ok, withCRC bool, flip uint16, lines ...string) string {
	var body strings.Builder
	if len(lines) > 0 {
		body.WriteString("\r\n" + strings.Join(lines, "\r\n") + "\r\n")
	}
	if ok {
		body.WriteString("\r\nOK\r\n")
	} else {
		body.WriteString("\r\nERROR\r\n")
	}
	out := wire + "\r" + body.String()
	if withCRC {
		out += crc.Separator + crc.Format(crc.Checksum([]byte(body.String()))^flip) + "\r\n"
	}
	return out
}
