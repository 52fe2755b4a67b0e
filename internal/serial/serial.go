// Package serial provides the CR-terminated line transport used by the
// ASCII load-port variant.
package serial

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/stev4501/E84-v10/internal/logger"
)

var (
	ErrTimeout = errors.New("serial response timeout")
	ErrFraming = errors.New("serial framing error")
)

const maxLineLen = 256

// LineTransport is one request/response exchange over a line-oriented
// link. Implementations serialize concurrent callers.
type LineTransport interface {
	Roundtrip(cmd string, timeout time.Duration) (string, error)
	Close() error
}

// Port is the production transport: 8-N-1 over a serial device, commands
// and responses terminated by CR.
type Port struct {
	mu   sync.Mutex
	port serial.Port
	log  *logger.Logger
}

// Open opens the device at the given baud rate, 8 data bits, no parity,
// one stop bit.
func Open(device string, baud int, log *logger.Logger) (*Port, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	p, err := serial.Open(device, mode)
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", device, err)
	}
	return &Port{port: p, log: log}, nil
}

// Roundtrip writes cmd followed by CR and reads one CR-terminated
// response. The timeout bounds the whole exchange.
func (p *Port) Roundtrip(cmd string, timeout time.Duration) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	deadline := time.Now().Add(timeout)

	if err := p.port.SetReadTimeout(100 * time.Millisecond); err != nil {
		return "", fmt.Errorf("set read timeout: %w", err)
	}
	if _, err := p.port.Write([]byte(cmd + "\r")); err != nil {
		return "", fmt.Errorf("write %q: %w", cmd, err)
	}
	p.log.Debugf("serial sent: %s", cmd)

	var line []byte
	buf := make([]byte, 64)
	for {
		if time.Now().After(deadline) {
			return "", fmt.Errorf("%w: no response to %q within %s", ErrTimeout, cmd, timeout)
		}
		n, err := p.port.Read(buf)
		if err != nil {
			return "", fmt.Errorf("read response to %q: %w", cmd, err)
		}
		for _, b := range buf[:n] {
			if b == '\r' || b == '\n' {
				if len(line) == 0 {
					continue
				}
				resp := strings.TrimSpace(string(line))
				p.log.Debugf("serial received: %s", resp)
				return resp, nil
			}
			if b < 0x20 || b > 0x7e {
				return "", fmt.Errorf("%w: byte 0x%02x in response to %q", ErrFraming, b, cmd)
			}
			line = append(line, b)
			if len(line) > maxLineLen {
				return "", fmt.Errorf("%w: unterminated response to %q", ErrFraming, cmd)
			}
		}
	}
}

func (p *Port) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.port.Close()
}
