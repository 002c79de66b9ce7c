package modem

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"
)

// DefaultBootIndicators are the substrings the modem prints while it boots.
// Seeing any of them outside a command starts the reboot holdoff.
var DefaultBootIndicators = []string{
	"boot loader",
	"Copyright (c)",
	"*** Reset",
	"starting appl firmware",
	".....",
}

// Config holds the settings of a Modem. It is built with NewConfigBuilder;
// the zero value has no Dialer and is rejected by New.
type Config struct {
	dialer         Dialer
	atTimeout      time.Duration
	initTimeout    time.Duration
	crcRetries     int
	crc            bool
	crcGrace       time.Duration
	drainTimeout   time.Duration
	rebootHoldoff  time.Duration
	bootIndicators []string
	baudRate       int
	statusHoldoff  time.Duration
	urcBuffer      int
	logger         *slog.Logger
	metrics        Metrics
}

func (c *Config) validate() error {
	if c.dialer == nil {
		return ErrNoDialer
	}
	var errs []error
	if c.atTimeout <= 0 {
		errs = append(errs, fmt.Errorf("AT timeout must be positive, got %s", c.atTimeout))
	}
	if c.crcRetries < 0 {
		errs = append(errs, fmt.Errorf("CRC retries must not be negative, got %d", c.crcRetries))
	}
	if c.crcGrace < 0 || c.drainTimeout < 0 || c.rebootHoldoff < 0 || c.statusHoldoff < 0 {
		errs = append(errs, errors.New("durations must not be negative"))
	}
	if c.baudRate <= 0 {
		errs = append(errs, fmt.Errorf("baud rate must be positive, got %d", c.baudRate))
	}
	return errors.Join(errs...)
}

// ConfigBuilder assembles a Config. Every setter returns the builder so
// calls can be chained.
type ConfigBuilder struct {
	config Config
}

// NewConfigBuilder returns a builder seeded with defaults suitable for an
// IDP modem on a short serial cable at 9600 baud.
func NewConfigBuilder() *ConfigBuilder {
	return &ConfigBuilder{config: Config{
		atTimeout:      5 * time.Second,
		initTimeout:    30 * time.Second,
		crcRetries:     1,
		crcGrace:       time.Second,
		drainTimeout:   250 * time.Millisecond,
		bootIndicators: DefaultBootIndicators,
		baudRate:       9600,
		statusHoldoff:  5 * time.Second,
		urcBuffer:      100,
	}}
}

func (b *ConfigBuilder) WithDialer(d Dialer) *ConfigBuilder {
	b.config.dialer = d
	return b
}

// WithATTimeout sets the default deadline of a command whose context has
// none.
func (b *ConfigBuilder) WithATTimeout(d time.Duration) *ConfigBuilder {
	b.config.atTimeout = d
	return b
}

func (b *ConfigBuilder) WithInitTimeout(d time.Duration) *ConfigBuilder {
	b.config.initTimeout = d
	return b
}

// WithCRCRetries sets the default number of extra attempts after an
// integrity failure.
func (b *ConfigBuilder) WithCRCRetries(n int) *ConfigBuilder {
	b.config.crcRetries = n
	return b
}

// WithCRC requests CRC framing during initialization.
func (b *ConfigBuilder) WithCRC(enabled bool) *ConfigBuilder {
	b.config.crc = enabled
	return b
}

// WithCRCGrace sets how long the engine waits for a checksum tail after
// the terminal sentinel.
func (b *ConfigBuilder) WithCRCGrace(d time.Duration) *ConfigBuilder {
	b.config.crcGrace = d
	return b
}

// WithDrainTimeout bounds the wait for stray lines before each command.
// Zero only discards what is already buffered.
func (b *ConfigBuilder) WithDrainTimeout(d time.Duration) *ConfigBuilder {
	b.config.drainTimeout = d
	return b
}

// WithRebootHoldoff sets the quiet period after a boot indicator. Zero
// disables the holdoff.
func (b *ConfigBuilder) WithRebootHoldoff(d time.Duration) *ConfigBuilder {
	b.config.rebootHoldoff = d
	return b
}

func (b *ConfigBuilder) WithBootIndicators(indicators ...string) *ConfigBuilder {
	b.config.bootIndicators = indicators
	return b
}

// WithBaudRate sets the link rate used to size message transfer timeouts.
func (b *ConfigBuilder) WithBaudRate(baud int) *ConfigBuilder {
	b.config.baudRate = baud
	return b
}

// WithStatusHoldoff sets how long a satellite status query is served from
// cache.
func (b *ConfigBuilder) WithStatusHoldoff(d time.Duration) *ConfigBuilder {
	b.config.statusHoldoff = d
	return b
}

// WithURCBuffer sets the capacity of the unsolicited line channel.
func (b *ConfigBuilder) WithURCBuffer(n int) *ConfigBuilder {
	b.config.urcBuffer = n
	return b
}

func (b *ConfigBuilder) WithLogger(logger *slog.Logger) *ConfigBuilder {
	b.config.logger = logger
	return b
}

func (b *ConfigBuilder) WithMetrics(m Metrics) *ConfigBuilder {
	b.config.metrics = m
	return b
}

// Build validates the accumulated settings and returns the Config.
func (b *ConfigBuilder) Build() (Config, error) {
	c := b.config
	if c.logger == nil {
		c.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if c.metrics == nil {
		c.metrics = noopMetrics{}
	}
	if c.urcBuffer < 0 {
		c.urcBuffer = 0
	}
	if err := c.validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Metrics receives transaction events. metrics.Collector implements it
// with Prometheus.
type Metrics interface {
	// CommandCompleted records one engine transaction. status is "ok",
	// "error", "timeout", "integrity" or "protocol".
	CommandCompleted(command, status string, elapsed time.Duration)
	// IntegrityRetry records a retry after an integrity failure.
	IntegrityRetry(command string)
	// SlotWait records how long a caller waited for the transaction slot.
	SlotWait(elapsed time.Duration)
	// Unsolicited records a line received outside a command window.
	Unsolicited(boot bool)
	// QueueDepth records the number of MO or MT messages reported by the
	// modem.
	QueueDepth(queue string, n int)
}

type noopMetrics struct{}

func (noopMetrics) CommandCompleted(string, string, time.Duration) {}
func (noopMetrics) IntegrityRetry(string)                          {}
func (noopMetrics) SlotWait(time.Duration)                         {}
func (noopMetrics) Unsolicited(bool)                               {}
func (noopMetrics) QueueDepth(string, int)                         {}
