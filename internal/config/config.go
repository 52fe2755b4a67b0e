// Package config loads and validates the controller configuration.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/stev4501/E84-v10/internal/e84"
	"github.com/stev4501/E84-v10/internal/hardware"
	"github.com/stev4501/E84-v10/internal/types"
)

var (
	ErrInvalidTimerValue = errors.New("invalid timer value")
	ErrUnmappedSignal    = errors.New("unmapped signal")
	ErrDuplicateMapping  = errors.New("duplicate signal mapping")
)

// Interface selects the load port coordinator variant.
const (
	InterfaceDigital = "digital"
	InterfaceASCII   = "ascii"
)

type AsciiConfig struct {
	Port string `json:"port"`
	Baud int    `json:"baud"`
}

type MappingEntry struct {
	Signal    string `json:"signal_name"`
	Card      int    `json:"card"`
	Port      int    `json:"port"`
	Bit       int    `json:"bit"`
	Output    bool   `json:"output"`
	ActiveLow bool   `json:"polarity_active_low"`
}

type DigitalConfig struct {
	Mapping []MappingEntry `json:"mapping"`
}

// Timers holds TP1..TP5 overrides in milliseconds. Zero means default.
type Timers struct {
	TP1 int `json:"tp1"`
	TP2 int `json:"tp2"`
	TP3 int `json:"tp3"`
	TP4 int `json:"tp4"`
	TP5 int `json:"tp5"`
}

type RedisConfig struct {
	Addr string `json:"addr"`
}

type Config struct {
	Interface string        `json:"interface"`
	Ascii     AsciiConfig   `json:"ascii"`
	Digital   DigitalConfig `json:"digital"`
	Timers    Timers        `json:"timers"`
	Mode      string        `json:"mode"`
	LogLevel  string        `json:"log_level"`
	Redis     RedisConfig   `json:"redis"`
}

// Default returns the configuration used when no file is given: digital
// interface, protocol-default timers, AUTO mode.
func Default() Config {
	return Config{
		Interface: InterfaceDigital,
		Ascii:     AsciiConfig{Port: "/dev/ttyS0", Baud: 9600},
		Mode:      string(types.ModeAuto),
		LogLevel:  "info",
	}
}

// Load reads a JSON config file and validates it. An empty path yields
// the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.Interface {
	case InterfaceDigital, InterfaceASCII:
	default:
		return fmt.Errorf("unknown interface %q", c.Interface)
	}
	if _, ok := types.ParseMode(c.Mode); !ok {
		return fmt.Errorf("unknown mode %q", c.Mode)
	}
	for _, v := range []int{c.Timers.TP1, c.Timers.TP2, c.Timers.TP3, c.Timers.TP4, c.Timers.TP5} {
		if v < 0 {
			return fmt.Errorf("%w: %d ms", ErrInvalidTimerValue, v)
		}
	}
	if c.Interface == InterfaceDigital && len(c.Digital.Mapping) > 0 {
		seen := make(map[string]bool)
		for _, m := range c.Digital.Mapping {
			if m.Signal == "" {
				return fmt.Errorf("%w: mapping entry without signal name", ErrUnmappedSignal)
			}
			if seen[m.Signal] {
				return fmt.Errorf("%w: %s", ErrDuplicateMapping, m.Signal)
			}
			seen[m.Signal] = true
			if m.Port < 0 || m.Port > 1 || m.Bit < 0 || m.Bit > 7 {
				return fmt.Errorf("mapping for %s: port must be 0-1 and bit 0-7", m.Signal)
			}
		}
	}
	if c.Interface == InterfaceASCII {
		if c.Ascii.Port == "" {
			return errors.New("ascii interface requires ascii.port")
		}
		if c.Ascii.Baud <= 0 {
			return fmt.Errorf("invalid baud rate %d", c.Ascii.Baud)
		}
	}
	return nil
}

// Durations merges the millisecond overrides onto the protocol defaults.
func (c Config) Durations() e84.Durations {
	d := e84.DefaultDurations()
	if c.Timers.TP1 > 0 {
		d.TP1 = time.Duration(c.Timers.TP1) * time.Millisecond
	}
	if c.Timers.TP2 > 0 {
		d.TP2 = time.Duration(c.Timers.TP2) * time.Millisecond
	}
	if c.Timers.TP3 > 0 {
		d.TP3 = time.Duration(c.Timers.TP3) * time.Millisecond
	}
	if c.Timers.TP4 > 0 {
		d.TP4 = time.Duration(c.Timers.TP4) * time.Millisecond
	}
	if c.Timers.TP5 > 0 {
		d.TP5 = time.Duration(c.Timers.TP5) * time.Millisecond
	}
	return d
}

// LineMappings converts the mapping entries for the hardware layer.
func (c Config) LineMappings() []hardware.LineMapping {
	out := make([]hardware.LineMapping, 0, len(c.Digital.Mapping))
	for _, m := range c.Digital.Mapping {
		out = append(out, hardware.LineMapping{
			Name:      m.Signal,
			Card:      m.Card,
			Port:      m.Port,
			Bit:       m.Bit,
			Output:    m.Output,
			ActiveLow: m.ActiveLow,
		})
	}
	return out
}

// StartupMode returns the validated startup mode.
func (c Config) StartupMode() types.Mode {
	m, _ := types.ParseMode(c.Mode)
	return m
}
