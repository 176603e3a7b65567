// SPDX-License-Identifier: MIT

// Package config defines the gateway configuration, its defaults, and the
// JSON file loader.
//
// The configuration is loaded once at startup and is immutable afterwards;
// components receive the sections they need at construction.
package config

import (
	"encoding/json"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Connection types.
const (
	ConnNetwork = "NETWORK"
	ConnSerial  = "SERIAL"
)

// Serial access methods.
const (
	MethodDirect = "DIRECT"
	MethodHelper = "HELPER"
)

// Config is the complete gateway configuration.
type Config struct {
	Connection Connection `json:"connection"`
	WebSocket  WebSocket  `json:"websocket"`
	Notify     Notify     `json:"notify"`
	Schedule   Schedule   `json:"schedule"`
}

// Connection selects and parameterizes the modem transport.
type Connection struct {
	// Type is either NETWORK or SERIAL.
	Type    string  `json:"type"`
	Network Network `json:"network"`
	Serial  Serial  `json:"serial"`
}

// Network parameterizes the TCP transport.
type Network struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	TimeoutS int    `json:"timeout_s"`
}

// Timeout returns the connect timeout.
func (n Network) Timeout() time.Duration {
	return time.Duration(n.TimeoutS) * time.Second
}

// Serial parameterizes the serial transport.
type Serial struct {
	Port     string `json:"port"`
	BaudRate int    `json:"baudrate"`
	TimeoutS int    `json:"timeout_s"`
	// Method is either DIRECT (open the device) or HELPER (shell out to
	// tom_modem per command).
	Method string `json:"method"`
	// Feature selects extra helper flags; UBUS maps to -u.
	Feature string `json:"feature"`
}

// Timeout returns the open timeout.
func (s Serial) Timeout() time.Duration {
	return time.Duration(s.TimeoutS) * time.Second
}

// WebSocket parameterizes the client-facing hub.
type WebSocket struct {
	Port int `json:"port"`
	// AuthKey gates sessions when non-empty.
	AuthKey string `json:"auth_key"`
}

// Notify parameterizes the notification channels and per-kind gates.
type Notify struct {
	WebhookURL string `json:"webhook_url"`
	LogFile    string `json:"log_file"`
	SMS        bool   `json:"sms"`
	Call       bool   `json:"call"`
	MemoryFull bool   `json:"memory_full"`
	Signal     bool   `json:"signal"`
}

// Schedule parameterizes the band-lock controller.
type Schedule struct {
	Enabled           bool   `json:"enabled"`
	CheckIntervalS    int    `json:"check_interval_s"`
	NoServiceTimeoutS int    `json:"no_service_timeout_s"`
	UnlockLTE         bool   `json:"unlock_lte"`
	UnlockNR          bool   `json:"unlock_nr"`
	ToggleAirplane    bool   `json:"toggle_airplane"`
	Night             Window `json:"night"`
	Day               Window `json:"day"`
}

// CheckInterval returns the controller poll period.
func (s Schedule) CheckInterval() time.Duration {
	return time.Duration(s.CheckIntervalS) * time.Second
}

// NoServiceTimeout returns the watchdog recovery threshold.
func (s Schedule) NoServiceTimeout() time.Duration {
	return time.Duration(s.NoServiceTimeoutS) * time.Second
}

// Window is the per-mode band-lock configuration.
//
// Start and End bound the night window in "HH:MM" form and may wrap
// midnight; the day window is the complement of night and ignores them.
type Window struct {
	Enabled bool   `json:"enabled"`
	Start   string `json:"start,omitempty"`
	End     string `json:"end,omitempty"`
	LTE     Lock   `json:"lte"`
	NR      Lock   `json:"nr"`
}

// Lock describes one RAT's lock for a mode.
//
// Type 0 means unlocked, 1 locks bands+ARFCNs, 2 adds PCIs, 3 locks bands
// only. The list fields pair up positionally for types 1 and 2.
type Lock struct {
	Type     int      `json:"type"`
	Bands    []string `json:"bands"`
	Arfcns   []string `json:"arfcns"`
	PCIs     []string `json:"pcis"`
	ScsTypes []string `json:"scs_types"`
}

// Default returns the configuration used when no file is provided.
func Default() Config {
	return Config{
		Connection: Connection{
			Type: ConnNetwork,
			Network: Network{
				Host:     "192.168.8.1",
				Port:     20249,
				TimeoutS: 10,
			},
			Serial: Serial{
				Port:     "/dev/ttyUSB0",
				BaudRate: 115200,
				TimeoutS: 10,
				Method:   MethodDirect,
			},
		},
		WebSocket: WebSocket{
			Port: 8765,
		},
		Notify: Notify{
			SMS:        true,
			Call:       true,
			MemoryFull: true,
			Signal:     true,
		},
		Schedule: Schedule{
			Enabled:           false,
			CheckIntervalS:    60,
			NoServiceTimeoutS: 180,
			UnlockLTE:         true,
			UnlockNR:          true,
			ToggleAirplane:    true,
			Night: Window{
				Enabled: true,
				Start:   "22:00",
				End:     "06:00",
			},
			Day: Window{
				Enabled: true,
			},
		},
	}
}

// Load reads the JSON file at path and merges it over Default.
//
// Fields absent from the file keep their default values. The result is
// validated before being returned.
func Load(path string) (Config, error) {
	c := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		return c, errors.Wrap(err, "read config")
	}
	if err := json.Unmarshal(b, &c); err != nil {
		return c, errors.Wrap(err, "parse config")
	}
	if err := c.Validate(); err != nil {
		return c, err
	}
	return c, nil
}

// Validate checks the configuration for internal consistency.
func (c Config) Validate() error {
	switch c.Connection.Type {
	case ConnNetwork:
		if c.Connection.Network.Host == "" {
			return errors.New("network host not set")
		}
		if err := validPort(c.Connection.Network.Port); err != nil {
			return errors.WithMessage(err, "network port")
		}
		if c.Connection.Network.TimeoutS <= 0 {
			return errors.New("network timeout must be positive")
		}
	case ConnSerial:
		if c.Connection.Serial.Port == "" {
			return errors.New("serial port not set")
		}
		if c.Connection.Serial.BaudRate <= 0 {
			return errors.New("serial baudrate must be positive")
		}
		switch c.Connection.Serial.Method {
		case MethodDirect, MethodHelper:
		default:
			return errors.Errorf("unknown serial method '%s'", c.Connection.Serial.Method)
		}
	default:
		return errors.Errorf("unknown connection type '%s'", c.Connection.Type)
	}
	if err := validPort(c.WebSocket.Port); err != nil {
		return errors.WithMessage(err, "websocket port")
	}
	if c.Schedule.Enabled {
		if c.Schedule.CheckIntervalS <= 0 {
			return errors.New("schedule check interval must be positive")
		}
		if c.Schedule.NoServiceTimeoutS <= 0 {
			return errors.New("schedule no-service timeout must be positive")
		}
		if _, err := ParseClock(c.Schedule.Night.Start); err != nil {
			return errors.WithMessage(err, "night start")
		}
		if _, err := ParseClock(c.Schedule.Night.End); err != nil {
			return errors.WithMessage(err, "night end")
		}
		for _, l := range []Lock{
			c.Schedule.Night.LTE, c.Schedule.Night.NR,
			c.Schedule.Day.LTE, c.Schedule.Day.NR,
		} {
			if l.Type < 0 || l.Type > 3 {
				return errors.Errorf("lock type %d out of range", l.Type)
			}
		}
	}
	return nil
}

func validPort(p int) error {
	if p < 1 || p > 65535 {
		return errors.Errorf("%d out of range", p)
	}
	return nil
}

// ParseClock converts an "HH:MM" string to minutes past midnight.
func ParseClock(s string) (int, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, errors.Errorf("malformed time '%s'", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, errors.Errorf("malformed time '%s'", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, errors.Errorf("malformed time '%s'", s)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, errors.Errorf("time '%s' out of range", s)
	}
	return h*60 + m, nil
}
