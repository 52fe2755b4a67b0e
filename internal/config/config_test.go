package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stev4501/E84-v10/internal/types"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "e84.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Interface != InterfaceDigital {
		t.Fatalf("default interface = %s", cfg.Interface)
	}
	if cfg.StartupMode() != types.ModeAuto {
		t.Fatalf("default mode = %s", cfg.Mode)
	}
	d := cfg.Durations()
	if d.TP1 != 2*time.Second || d.TP3 != 60*time.Second {
		t.Fatalf("default durations = %+v", d)
	}
}

func TestLoadTimerOverrides(t *testing.T) {
	path := writeConfig(t, `{
		"interface": "digital",
		"mode": "auto",
		"timers": {"tp1": 500, "tp4": 30000}
	}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	d := cfg.Durations()
	if d.TP1 != 500*time.Millisecond {
		t.Fatalf("TP1 = %s, want 500ms", d.TP1)
	}
	if d.TP4 != 30*time.Second {
		t.Fatalf("TP4 = %s, want 30s", d.TP4)
	}
	// Untouched timers keep protocol defaults.
	if d.TP2 != 2*time.Second {
		t.Fatalf("TP2 = %s, want 2s", d.TP2)
	}
}

func TestLoadRejectsNegativeTimer(t *testing.T) {
	path := writeConfig(t, `{
		"interface": "digital",
		"mode": "auto",
		"timers": {"tp2": -1}
	}`)
	if _, err := Load(path); !errors.Is(err, ErrInvalidTimerValue) {
		t.Fatalf("err = %v, want ErrInvalidTimerValue", err)
	}
}

func TestLoadRejectsDuplicateMapping(t *testing.T) {
	path := writeConfig(t, `{
		"interface": "digital",
		"mode": "auto",
		"digital": {"mapping": [
			{"signal_name": "VALID", "card": 0, "port": 0, "bit": 0},
			{"signal_name": "VALID", "card": 0, "port": 0, "bit": 1}
		]}
	}`)
	if _, err := Load(path); !errors.Is(err, ErrDuplicateMapping) {
		t.Fatalf("err = %v, want ErrDuplicateMapping", err)
	}
}

func TestLoadRejectsUnnamedMapping(t *testing.T) {
	path := writeConfig(t, `{
		"interface": "digital",
		"mode": "auto",
		"digital": {"mapping": [
			{"card": 0, "port": 0, "bit": 0}
		]}
	}`)
	if _, err := Load(path); !errors.Is(err, ErrUnmappedSignal) {
		t.Fatalf("err = %v, want ErrUnmappedSignal", err)
	}
}

func TestLoadAsciiRequiresPort(t *testing.T) {
	path := writeConfig(t, `{
		"interface": "ascii",
		"mode": "auto",
		"ascii": {"port": "", "baud": 9600}
	}`)
	if _, err := Load(path); err == nil {
		t.Fatal("ascii config without port accepted")
	}
}

func TestLoadRejectsUnknownInterface(t *testing.T) {
	path := writeConfig(t, `{"interface": "parallel", "mode": "auto"}`)
	if _, err := Load(path); err == nil {
		t.Fatal("unknown interface accepted")
	}
}

func TestLineMappingConversion(t *testing.T) {
	path := writeConfig(t, `{
		"interface": "digital",
		"mode": "auto",
		"digital": {"mapping": [
			{"signal_name": "CS_0", "card": 1, "port": 1, "bit": 6, "polarity_active_low": true}
		]}
	}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	ms := cfg.LineMappings()
	if len(ms) != 1 {
		t.Fatalf("got %d mappings", len(ms))
	}
	m := ms[0]
	if m.Name != "CS_0" || m.Card != 1 || m.Port != 1 || m.Bit != 6 || !m.ActiveLow || m.Output {
		t.Fatalf("mapping = %+v", m)
	}
}
