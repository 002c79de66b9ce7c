package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds the application configuration
type Config struct {
	// BindAddress is the address the server listens on (e.g. "0.0.0.0:8080")
	BindAddress string
	// SerialPort is the path to the modem's serial port (e.g. "/dev/ttyUSB0")
	SerialPort string
	// BaudRate is the baud rate for serial communication with the modem (e.g. 9600)
	BaudRate int
	// LogLevel sets the logging level (e.g. "debug", "info", "warn", "error")
	LogLevel string

	// CRC enables checksummed responses during modem initialization
	CRC bool
	// CRCRetries is the number of resends after a corrupted response
	CRCRetries int
	// ATTimeout is the default deadline of a single AT command
	ATTimeout time.Duration
	// RebootHoldoff is how long commands wait after a boot banner
	RebootHoldoff time.Duration

	// MQTTBroker is the broker URL (e.g. "tcp://localhost:1883"). Empty disables MQTT.
	MQTTBroker   string
	MQTTClientID string
	// MQTTTopic is the prefix of the bridge topics
	MQTTTopic    string
	MQTTUsername string
	MQTTPassword string
}

// ConfigOption is a function that modifies a Config
type ConfigOption func(*Config) error

// LoadConfig creates a new config by applying the given options in order
func LoadConfig(opts ...ConfigOption) (*Config, error) {
	config := &Config{}

	for _, opt := range opts {
		if err := opt(config); err != nil {
			return nil, err
		}
	}

	return config, nil
}

// WithDefaults applies default configuration values
func WithDefaults() ConfigOption {
	return func(c *Config) error {
		c.BindAddress = "0.0.0.0:8080"
		c.SerialPort = "/dev/ttyUSB0"
		c.BaudRate = 9600
		c.LogLevel = "info"
		c.CRC = false
		c.CRCRetries = 1
		c.ATTimeout = 5 * time.Second
		c.RebootHoldoff = 20 * time.Second
		c.MQTTClientID = "idp-gw-1"
		c.MQTTTopic = "idp"
		return nil
	}
}

// WithEnv loads configuration from environment variables
func WithEnv() ConfigOption {
	return func(c *Config) error {
		if addr := os.Getenv("BIND_ADDRESS"); addr != "" {
			c.BindAddress = addr
		}

		if serial := os.Getenv("SERIAL_PORT"); serial != "" {
			c.SerialPort = serial
		}

		if baud := os.Getenv("BAUD_RATE"); baud != "" {
			if b, err := strconv.Atoi(baud); err == nil {
				c.BaudRate = b
			}
		}

		if level := os.Getenv("LOG_LEVEL"); level != "" {
			c.LogLevel = level
		}

		if crc := os.Getenv("CRC"); crc != "" {
			v, err := strconv.ParseBool(crc)
			if err != nil {
				return fmt.Errorf("CRC: %w", err)
			}
			c.CRC = v
		}

		if retries := os.Getenv("CRC_RETRIES"); retries != "" {
			if n, err := strconv.Atoi(retries); err == nil {
				c.CRCRetries = n
			}
		}

		if timeout := os.Getenv("AT_TIMEOUT"); timeout != "" {
			d, err := time.ParseDuration(timeout)
			if err != nil {
				return fmt.Errorf("AT_TIMEOUT: %w", err)
			}
			c.ATTimeout = d
		}

		if holdoff := os.Getenv("REBOOT_HOLDOFF"); holdoff != "" {
			d, err := time.ParseDuration(holdoff)
			if err != nil {
				return fmt.Errorf("REBOOT_HOLDOFF: %w", err)
			}
			c.RebootHoldoff = d
		}

		if broker := os.Getenv("MQTT_BROKER"); broker != "" {
			c.MQTTBroker = broker
		}
		if id := os.Getenv("MQTT_CLIENT_ID"); id != "" {
			c.MQTTClientID = id
		}
		if topic := os.Getenv("MQTT_TOPIC"); topic != "" {
			c.MQTTTopic = topic
		}
		if user := os.Getenv("MQTT_USERNAME"); user != "" {
			c.MQTTUsername = user
		}
		if pass := os.Getenv("MQTT_PASSWORD"); pass != "" {
			c.MQTTPassword = pass
		}

		return nil
	}
}

// WithFlags loads configuration from command-line flags. Only flags that
// were set on the command line override earlier values.
func WithFlags(fSet *flag.FlagSet) ConfigOption {
	return func(c *Config) error {
		var err error
		fSet.Visit(func(f *flag.Flag) {
			switch f.Name {
			case "bind-address":
				c.BindAddress = f.Value.String()
			case "serial-port":
				c.SerialPort = f.Value.String()
			case "baud-rate":
				if b, e := strconv.Atoi(f.Value.String()); e == nil {
					c.BaudRate = b
				}
			case "log-level":
				c.LogLevel = f.Value.String()
			case "crc":
				c.CRC = f.Value.String() == "true"
			case "crc-retries":
				if n, e := strconv.Atoi(f.Value.String()); e == nil {
					c.CRCRetries = n
				}
			case "at-timeout":
				if d, e := time.ParseDuration(f.Value.String()); e == nil {
					c.ATTimeout = d
				} else {
					err = fmt.Errorf("at-timeout: %w", e)
				}
			case "reboot-holdoff":
				if d, e := time.ParseDuration(f.Value.String()); e == nil {
					c.RebootHoldoff = d
				} else {
					err = fmt.Errorf("reboot-holdoff: %w", e)
				}
			case "mqtt-broker":
				c.MQTTBroker = f.Value.String()
			case "mqtt-topic":
				c.MQTTTopic = f.Value.String()
			}
		})
		return err
	}
}
