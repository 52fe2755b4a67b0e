package hardware

import (
	"fmt"
	"sync"

	"github.com/warthog618/go-gpiocdev"

	"github.com/stev4501/E84-v10/internal/logger"
)

// LineCallback is invoked from the GPIO event goroutine on every edge of
// a mapped input line. Callees must not block; the controller enqueues.
type LineCallback func(name string, level bool) error

// LineIO is the digital I/O capability the rest of the system sees: named
// lines, immediate reads/writes, edge notification. The gpiocdev
// implementation below is the only production one; tests substitute fakes.
type LineIO interface {
	Init() error
	Close()
	ReadLine(name string) (bool, error)
	WriteLine(name string, level bool) error
	RegisterLineCallback(name string, cb LineCallback)
}

// LineMapping places one named line on a card. Each card exposes two
// 8-bit ports; the character-device offset is port*8+bit.
type LineMapping struct {
	Name      string
	Card      int
	Port      int
	Bit       int
	Output    bool
	ActiveLow bool
}

func (m LineMapping) offset() int { return m.Port*8 + m.Bit }

// GpioIO drives mapped lines through the GPIO character device.
type GpioIO struct {
	logger   *logger.Logger
	mappings []LineMapping
	chips    map[int]*gpiocdev.Chip
	lines    map[string]*gpiocdev.Line
	byName   map[string]LineMapping

	mu        sync.RWMutex
	levels    map[string]bool
	callbacks map[string]LineCallback
}

func NewGpioIO(mappings []LineMapping, log *logger.Logger) *GpioIO {
	byName := make(map[string]LineMapping, len(mappings))
	for _, m := range mappings {
		byName[m.Name] = m
	}
	return &GpioIO{
		logger:    log,
		mappings:  mappings,
		chips:     make(map[int]*gpiocdev.Chip),
		lines:     make(map[string]*gpiocdev.Line),
		byName:    byName,
		levels:    make(map[string]bool),
		callbacks: make(map[string]LineCallback),
	}
}

func (io *GpioIO) Init() error {
	for _, m := range io.mappings {
		chip, ok := io.chips[m.Card]
		if !ok {
			var err error
			chip, err = gpiocdev.NewChip(fmt.Sprintf("gpiochip%d", m.Card))
			if err != nil {
				return fmt.Errorf("open GPIO chip %d: %w", m.Card, err)
			}
			io.chips[m.Card] = chip
		}

		var line *gpiocdev.Line
		var err error
		if m.Output {
			line, err = chip.RequestLine(m.offset(),
				gpiocdev.AsOutput(0),
				gpiocdev.WithConsumer("e84-controller"))
		} else {
			name := m.Name
			line, err = chip.RequestLine(m.offset(),
				gpiocdev.AsInput,
				gpiocdev.WithBothEdges,
				gpiocdev.WithConsumer("e84-controller"),
				gpiocdev.WithEventHandler(func(evt gpiocdev.LineEvent) {
					io.handleEdge(name, evt.Type == gpiocdev.LineEventRisingEdge)
				}))
		}
		if err != nil {
			return fmt.Errorf("request line %s (chip %d offset %d): %w",
				m.Name, m.Card, m.offset(), err)
		}
		io.lines[m.Name] = line
		io.logger.Debugf("configured line %s: chip=%d port=%d bit=%d output=%v",
			m.Name, m.Card, m.Port, m.Bit, m.Output)

		if !m.Output {
			v, err := line.Value()
			if err != nil {
				return fmt.Errorf("read initial level of %s: %w", m.Name, err)
			}
			io.mu.Lock()
			io.levels[m.Name] = io.toLogical(m, v != 0)
			io.mu.Unlock()
		}
	}
	io.logger.Infof("digital I/O initialized: %d lines on %d chips", len(io.lines), len(io.chips))
	return nil
}

func (io *GpioIO) toLogical(m LineMapping, raw bool) bool {
	if m.ActiveLow {
		return !raw
	}
	return raw
}

func (io *GpioIO) handleEdge(name string, raw bool) {
	m := io.byName[name]
	level := io.toLogical(m, raw)

	io.mu.Lock()
	io.levels[name] = level
	cb := io.callbacks[name]
	io.mu.Unlock()

	if cb != nil {
		if err := cb(name, level); err != nil {
			io.logger.Errorf("line %s callback: %v", name, err)
		}
	}
}

func (io *GpioIO) ReadLine(name string) (bool, error) {
	m, ok := io.byName[name]
	if !ok {
		return false, fmt.Errorf("unmapped line: %s", name)
	}
	if !m.Output {
		io.mu.RLock()
		level, cached := io.levels[name]
		io.mu.RUnlock()
		if cached {
			return level, nil
		}
	}
	line, ok := io.lines[name]
	if !ok {
		return false, fmt.Errorf("line not initialized: %s", name)
	}
	v, err := line.Value()
	if err != nil {
		return false, fmt.Errorf("read line %s: %w", name, err)
	}
	return io.toLogical(m, v != 0), nil
}

func (io *GpioIO) WriteLine(name string, level bool) error {
	m, ok := io.byName[name]
	if !ok {
		return fmt.Errorf("unmapped line: %s", name)
	}
	if !m.Output {
		return fmt.Errorf("line %s is an input", name)
	}
	line, ok := io.lines[name]
	if !ok {
		return fmt.Errorf("line not initialized: %s", name)
	}
	raw := level
	if m.ActiveLow {
		raw = !level
	}
	v := 0
	if raw {
		v = 1
	}
	if err := line.SetValue(v); err != nil {
		return fmt.Errorf("write line %s: %w", name, err)
	}
	return nil
}

func (io *GpioIO) RegisterLineCallback(name string, cb LineCallback) {
	io.mu.Lock()
	defer io.mu.Unlock()
	io.callbacks[name] = cb
}

func (io *GpioIO) Close() {
	for name, line := range io.lines {
		if err := line.Close(); err != nil {
			io.logger.Warnf("close line %s: %v", name, err)
		}
	}
	for idx, chip := range io.chips {
		if err := chip.Close(); err != nil {
			io.logger.Warnf("close chip %d: %v", idx, err)
		}
	}
}
