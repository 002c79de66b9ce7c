package modem

import (
	"context"
	"strings"
	"sync"
	"time"
)

// holdoff defers new commands while the modem reboots. Boot indicator lines
// start or extend the window; commands wait it out instead of failing.
type holdoff struct {
	mu         sync.Mutex
	duration   time.Duration
	indicators []string
	until      time.Time
	now        func() time.Time
}

func newHoldoff(duration time.Duration, indicators []string) *holdoff {
	return &holdoff{
		duration:   duration,
		indicators: indicators,
		now:        time.Now,
	}
}

// isBoot reports whether line contains one of the boot indicators.
func (h *holdoff) isBoot(line string) bool {
	for _, ind := range h.indicators {
		if ind != "" && strings.Contains(line, ind) {
			return true
		}
	}
	return false
}

// observe classifies an unsolicited line and extends the holdoff when it is
// a boot indicator.
func (h *holdoff) observe(line string) bool {
	if !h.isBoot(line) {
		return false
	}
	if h.duration > 0 {
		h.mu.Lock()
		if until := h.now().Add(h.duration); until.After(h.until) {
			h.until = until
		}
		h.mu.Unlock()
	}
	return true
}

func (h *holdoff) remaining() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.until.Sub(h.now())
}

// wait blocks until no holdoff is active. A line observed while waiting
// extends the wait.
func (h *holdoff) wait(ctx context.Context) error {
	for {
		d := h.remaining()
		if d <= 0 {
			return nil
		}
		timer := time.NewTimer(d)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// unsolicited handles a line received outside a command window: it is
// logged, fed to the holdoff and published on the URC channel. The line is
// dropped when nobody drains the channel.
func (m *Modem) unsolicited(raw string) {
	line := strings.TrimSpace(raw)
	if line == "" {
		return
	}
	boot := m.holdoff.observe(line)
	m.metrics.Unsolicited(boot)
	if boot {
		m.logger.Warn("Modem reboot indicator", "line", line, "holdoff", m.holdoff.duration)
	} else {
		m.logger.Debug("Unsolicited data", "line", line)
	}
	select {
	case m.urcChan <- line:
	default:
		m.logger.Debug("URC channel full, dropping line", "line", line)
	}
}

// URC returns a read-only channel that receives unsolicited lines: boot
// banners and any data the modem sends outside a command. The channel is
// buffered, but may drop lines if not consumed fast enough.
func (m *Modem) URC() <-chan string {
	return m.urcChan
}
