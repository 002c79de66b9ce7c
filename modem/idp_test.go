package modem_test

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/mock/gomock"
	"i4.energy/across/idpgw/crc"
	"i4.energy/across/idpgw/modem"
)

// fakeIDP answers AT commands the way an IDP modem does. Handlers are
// matched by command prefix, most recently added first; a handler returns
// the response lines and a result code, 0 meaning OK.
type fakeIDP struct {
	mu        sync.Mutex
	transport *modem.TestTransport
	handlers  []idpHandler
	crc       bool
	corrupt   int
	lastError int
	muted     map[string]bool
	commands  []string

	// delay answers asynchronously; hold, when set, blocks the answer
	delay       time.Duration
	hold        chan struct{}
	inFlight    int
	maxInFlight int
}

type idpHandler struct {
	prefix string
	fn     func(cmd string) ([]string, int)
}

func newFakeIDP() *fakeIDP {
	return &fakeIDP{muted: make(map[string]bool)}
}

func (f *fakeIDP) on(prefix string, fn func(cmd string) ([]string, int)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers = append([]idpHandler{{prefix, fn}}, f.handlers...)
}

// answer registers a fixed reply for commands starting with prefix.
func (f *fakeIDP) answer(prefix string, cause int, lines ...string) {
	f.on(prefix, func(string) ([]string, int) { return lines, cause })
}

func (f *fakeIDP) mute(cmd string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.muted[cmd] = true
}

func (f *fakeIDP) setCRC(on bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.crc = on
}

func (f *fakeIDP) corruptNext(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.corrupt = n
}

// count returns how often a command starting with prefix was received.
func (f *fakeIDP) count(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.commands {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

func (f *fakeIDP) respond(wire string) string {
	f.mu.Lock()
	defer f.mu.Unlock()

	cmd := wire
	if f.crc {
		if c, _, ok := crc.Split(wire); ok {
			cmd = c
		}
	}
	f.commands = append(f.commands, cmd)
	if f.muted[cmd] {
		return ""
	}

	lines, cause := f.handle(cmd)
	if cause != 0 {
		f.lastError = cause
	}
	var flip uint16
	if f.crc && f.corrupt > 0 {
		f.corrupt--
		flip = 0x0101
	}
	out := reply(wire, cause == 0, f.crc, flip, lines...)
	if on, ok := crcToggle(cmd); ok && cause == 0 {
		f.crc = on
	}

	if f.delay <= 0 && f.hold == nil {
		return out
	}
	f.inFlight++
	f.maxInFlight = max(f.maxInFlight, f.inFlight)
	go func(delay time.Duration, hold chan struct{}) {
		if hold != nil {
			<-hold
		}
		time.Sleep(delay)
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
		f.transport.SendData(out)
	}(f.delay, f.hold)
	return ""
}

// crcToggle finds a %CRC=n command token, the way the modem parses a
// command line: after the AT prefix or a ';', outside quoted arguments.
func crcToggle(cmd string) (on, ok bool) {
	var plain strings.Builder
	quoted := false
	for _, r := range cmd {
		switch {
		case r == '"':
			quoted = !quoted
		case !quoted:
			plain.WriteRune(r)
		}
	}
	rest, found := strings.CutPrefix(strings.ToUpper(plain.String()), "AT")
	if !found {
		return false, false
	}
	for _, token := range strings.Split(rest, ";") {
		switch strings.TrimSpace(token) {
		case "%CRC=0":
			on, ok = false, true
		case "%CRC=1":
			on, ok = true, true
		}
	}
	return on, ok
}

func (f *fakeIDP) handle(cmd string) ([]string, int) {
	for _, h := range f.handlers {
		if strings.HasPrefix(cmd, h.prefix) {
			return h.fn(cmd)
		}
	}
	switch {
	case cmd == "AT", strings.HasPrefix(cmd, "ATZ"), strings.HasPrefix(cmd, "AT%CRC="):
		return nil, 0
	case cmd == "ATS80?":
		return []string{fmt.Sprint(f.lastError)}, 0
	}
	return nil, 101
}

// newTestModem starts a modem on f with its Loop running. Options adjust
// the test configuration.
func newTestModem(t *testing.T, f *fakeIDP, opts ...func(*modem.ConfigBuilder)) *modem.Modem {
	t.Helper()
	ctrl := gomock.NewController(t)

	transport := modem.NewTestTransport(f.respond)
	f.mu.Lock()
	f.transport = transport
	f.mu.Unlock()

	dialer := modem.NewMockDialer(ctrl)
	dialer.EXPECT().Dial(gomock.Any()).Return(transport, nil)

	b := testBuilder(dialer)
	for _, opt := range opts {
		opt(b)
	}
	config, err := b.Build()
	if err != nil {
		t.Fatalf("unexpected error from Build(): %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	m, err := modem.New(ctx, config)
	if err != nil {
		cancel()
		t.Fatalf("failed to create modem: %v", err)
	}
	go m.Loop(ctx)
	t.Cleanup(func() {
		cancel()
		m.Close()
	})
	return m
}

// waitFor polls cond for up to a second.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}
