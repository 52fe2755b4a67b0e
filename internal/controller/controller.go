package controller

import (
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/stev4501/E84-v10/internal/e84"
	"github.com/stev4501/E84-v10/internal/loadport"
	"github.com/stev4501/E84-v10/internal/logger"
	"github.com/stev4501/E84-v10/internal/signals"
	"github.com/stev4501/E84-v10/internal/types"
)

var (
	ErrNotStartable = errors.New("controller not startable")
	ErrBadMode      = errors.New("invalid mode")
)

const queueDepth = 256

type eventKind int

const (
	evInputEdge eventKind = iota
	evSensor
	evCompletion
	evTimer
	evCommand
)

type cmdKind int

const (
	cmdReset cmdKind = iota
	cmdSetMode
	cmdStop
)

type command struct {
	kind  cmdKind
	mode  types.Mode
	reply chan error
}

type event struct {
	kind       eventKind
	sig        string
	level      bool
	status     loadport.Status
	completion loadport.Completion
	tp         e84.TP
	gen        uint64
	cmd        command
}

// Observers are read-only notification hooks for the operator surface.
// They run on the dispatch goroutine and must not block or write signals.
type Observers struct {
	OnState      func(types.TransitionRecord)
	OnSignal     func(name string, level bool)
	OnTimerArmed func(tp e84.TP, d time.Duration)
	OnTimerFired func(tp e84.TP)
	OnFault      func(types.Fault)
}

// Config wires the controller.
type Config struct {
	Registry  *signals.Registry
	Log       *logger.Logger
	Mode      types.Mode
	Durations e84.Durations
	Observers Observers
}

// Controller owns lifecycle, mode and the single dispatch goroutine that
// everything else posts events to: transport edges, sensor updates, port
// completions, timer expiries and operator commands all drain through one
// bounded FIFO queue.
type Controller struct {
	reg   *signals.Registry
	log   *logger.Logger
	obs   Observers
	coord loadport.Coordinator
	mach  *e84.Machine
	sched *e84.HeapScheduler

	inputs map[string]signals.Token

	queue chan event
	stop  chan struct{}
	done  chan struct{}

	// dispatch-thread state
	mode          types.Mode
	stopRequested bool

	// mirrors for cross-goroutine read access
	mu          sync.RWMutex
	mirrorMode  types.Mode
	mirrorState e84.State
	mirrorSigs  map[string]bool
	mirrorTimer e84.TP
	history     []types.TransitionRecord
	started     bool
}

// New registers the AMHS input signals and prepares the event queue. The
// load port coordinator is attached with Bind before Start.
func New(cfg Config) (*Controller, error) {
	if cfg.Registry == nil {
		return nil, errors.New("controller: registry is required")
	}
	if cfg.Mode == "" {
		cfg.Mode = types.ModeAuto
	}
	if cfg.Log == nil {
		cfg.Log = logger.NewLogger(log.New(io.Discard, "", 0), logger.LogLevelNone)
	}
	c := &Controller{
		reg:        cfg.Registry,
		log:        cfg.Log.WithTag("controller"),
		obs:        cfg.Observers,
		inputs:     make(map[string]signals.Token),
		queue:      make(chan event, queueDepth),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
		mode:       cfg.Mode,
		mirrorMode: cfg.Mode,
		mirrorSigs: make(map[string]bool),
	}
	for _, name := range signals.AMHSInputs {
		_, tok, err := cfg.Registry.Register(name, signals.DirInput, false)
		if err != nil {
			return nil, fmt.Errorf("register input %s: %w", name, err)
		}
		c.inputs[name] = tok
	}
	return c, nil
}

// Bind attaches the coordinator and builds the handshake machine on top
// of it. Called once, after the coordinator has registered its signals.
func (c *Controller) Bind(coord loadport.Coordinator, dur e84.Durations) error {
	c.coord = coord
	c.sched = e84.NewHeapScheduler(c.postTimer)

	mach, err := e84.New(e84.Config{
		Registry:    c.reg,
		Coordinator: coord,
		Scheduler:   c.sched,
		Durations:   dur,
		Available:   c.available,
		Log:         c.log.WithTag("e84"),
		Hooks: e84.Hooks{
			Transition: c.onTransition,
			Fault:      c.onFault,
			TimerArmed: c.onTimerArmed,
			TimerFired: c.onTimerFired,
		},
	})
	if err != nil {
		return err
	}
	c.mach = mach

	// Observer subscriptions run after the machine's own, so the machine
	// has always reacted before the operator surface sees a change. Only
	// signals the coordinator variant actually registered are observed.
	for _, name := range append(append([]string{}, signals.AMHSInputs...),
		append(signals.MachineOutputs, signals.PortInternals...)...) {
		if _, err := c.reg.Lookup(name); err != nil {
			continue
		}
		if _, err := c.reg.Subscribe(name, c.onSignalChanged); err != nil {
			return fmt.Errorf("observer subscribe %s: %w", name, err)
		}
	}
	return nil
}

// Start verifies the start gates (mode AUTO, port clean, ES de-asserted),
// places the machine in IDLE and starts the dispatch loop and timer
// service. Input levels must have been primed first.
func (c *Controller) Start() error {
	if c.mach == nil || c.coord == nil {
		return fmt.Errorf("%w: no coordinator bound", ErrNotStartable)
	}
	if c.mode != types.ModeAuto {
		return fmt.Errorf("%w: mode is %s", ErrNotStartable, c.mode)
	}
	if !c.coord.Healthy() {
		return fmt.Errorf("%w: load port not ready", ErrNotStartable)
	}
	if !c.reg.Get(signals.SigES) {
		return fmt.Errorf("%w: ES asserted", ErrNotStartable)
	}

	c.mach.Start()
	c.mirror(func() {
		c.mirrorState = c.mach.Current()
		c.mirrorSigs = c.reg.Snapshot()
		c.started = true
	})

	go c.sched.Run()
	go c.loop()
	c.log.Infof("controller started in %s mode", c.mode)
	return nil
}

// Shutdown stops the dispatch loop, the timer service and the port.
func (c *Controller) Shutdown() {
	close(c.stop)
	<-c.done
	c.sched.Stop()
	c.coord.Close()
	c.log.Infof("controller stopped")
}

// === producers (any goroutine) ===

// PostInput enqueues a transport-side input edge.
func (c *Controller) PostInput(name string, level bool) {
	c.post(event{kind: evInputEdge, sig: name, level: level})
}

// PrimeInput applies an input level directly. Startup only, before the
// dispatch loop runs.
func (c *Controller) PrimeInput(name string, level bool) error {
	tok, ok := c.inputs[name]
	if !ok {
		return fmt.Errorf("unknown input %s", name)
	}
	return c.reg.Write(tok, level)
}

// PostSensor implements loadport.Sink.
func (c *Controller) PostSensor(st loadport.Status) {
	c.post(event{kind: evSensor, status: st})
}

// PostCompletion implements loadport.Sink.
func (c *Controller) PostCompletion(comp loadport.Completion) {
	c.post(event{kind: evCompletion, completion: comp})
}

func (c *Controller) postTimer(tp e84.TP, gen uint64) {
	c.post(event{kind: evTimer, tp: tp, gen: gen})
}

func (c *Controller) post(ev event) {
	select {
	case c.queue <- ev:
	case <-c.stop:
	}
}

// === operator commands (any goroutine, synchronous) ===

// Reset asks the coordinator and the machine to clear a latched fault.
func (c *Controller) Reset() error {
	return c.roundtrip(command{kind: cmdReset})
}

// SetMode switches the operating mode. Leaving AUTO mid-handshake does
// not abort the transfer; it prevents the next one.
func (c *Controller) SetMode(m types.Mode) error {
	if _, ok := types.ParseMode(string(m)); !ok {
		return fmt.Errorf("%w: %q", ErrBadMode, m)
	}
	return c.roundtrip(command{kind: cmdSetMode, mode: m})
}

// RequestStop withdraws handoff availability without changing mode.
func (c *Controller) RequestStop() error {
	return c.roundtrip(command{kind: cmdStop})
}

func (c *Controller) roundtrip(cmd command) error {
	cmd.reply = make(chan error, 1)
	select {
	case c.queue <- event{kind: evCommand, cmd: cmd}:
	case <-c.stop:
		return errors.New("controller stopped")
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-c.stop:
		return errors.New("controller stopped")
	}
}

// === read-only accessors (any goroutine) ===

func (c *Controller) Mode() types.Mode {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mirrorMode
}

func (c *Controller) State() e84.State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mirrorState
}

// Snapshot returns a copy of the current signal levels.
func (c *Controller) Snapshot() map[string]bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]bool, len(c.mirrorSigs))
	for k, v := range c.mirrorSigs {
		out[k] = v
	}
	return out
}

// ActiveTimer returns the armed protocol timer, if any.
func (c *Controller) ActiveTimer() (e84.TP, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mirrorTimer, c.mirrorTimer != e84.TPNone
}

// History returns the retained transition records, oldest first.
func (c *Controller) History() []types.TransitionRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]types.TransitionRecord, len(c.history))
	copy(out, c.history)
	return out
}

// === dispatch goroutine ===

func (c *Controller) loop() {
	defer close(c.done)
	for {
		select {
		case <-c.stop:
			return
		case ev := <-c.queue:
			c.dispatch(ev)
		}
	}
}

func (c *Controller) dispatch(ev event) {
	switch ev.kind {
	case evInputEdge:
		tok, ok := c.inputs[ev.sig]
		if !ok {
			c.log.Warnf("dropping edge for unknown input %s", ev.sig)
			return
		}
		if err := c.reg.Write(tok, ev.level); err != nil {
			c.log.Errorf("apply input %s=%v: %v", ev.sig, ev.level, err)
		}
	case evSensor:
		c.coord.ApplySensor(ev.status)
	case evCompletion:
		c.mach.HandlePortCompletion(ev.completion)
	case evTimer:
		c.mach.HandleTimer(ev.tp, ev.gen)
	case evCommand:
		ev.cmd.reply <- c.handleCommand(ev.cmd)
	}
}

func (c *Controller) handleCommand(cmd command) error {
	switch cmd.kind {
	case cmdReset:
		if !c.coord.Reset() {
			return fmt.Errorf("%w: load port fault not cleared", e84.ErrResetNotPermitted)
		}
		if err := c.mach.Reset(); err != nil {
			return err
		}
		c.mach.RefreshAvailability()
		c.mirror(func() { c.mirrorState = c.mach.Current() })
		return nil
	case cmdSetMode:
		c.mode = cmd.mode
		c.mirror(func() { c.mirrorMode = cmd.mode })
		c.mach.RefreshAvailability()
		c.log.Infof("mode set to %s", cmd.mode)
		return nil
	case cmdStop:
		c.stopRequested = true
		c.mach.RefreshAvailability()
		c.log.Infof("stop requested, handoff availability withdrawn")
		return nil
	}
	return fmt.Errorf("unknown command %d", cmd.kind)
}

// available is the machine's mode gate. Dispatch goroutine only.
func (c *Controller) available() bool {
	return c.mode == types.ModeAuto && !c.stopRequested
}

// === machine hooks (dispatch goroutine) ===

func (c *Controller) onTransition(rec types.TransitionRecord) {
	tp, armed := c.mach.ActiveTimer()
	if !armed {
		tp = e84.TPNone
	}
	c.mirror(func() {
		c.mirrorState = e84.State(rec.To)
		c.mirrorTimer = tp
		if len(c.history) == 64 {
			copy(c.history, c.history[1:])
			c.history = c.history[:63]
		}
		c.history = append(c.history, rec)
	})
	if c.obs.OnState != nil {
		c.obs.OnState(rec)
	}
}

func (c *Controller) onSignalChanged(name string, level bool) {
	c.mirror(func() { c.mirrorSigs[name] = level })
	if c.obs.OnSignal != nil {
		c.obs.OnSignal(name, level)
	}
}

func (c *Controller) onTimerArmed(tp e84.TP, d time.Duration) {
	c.mirror(func() { c.mirrorTimer = tp })
	if c.obs.OnTimerArmed != nil {
		c.obs.OnTimerArmed(tp, d)
	}
}

func (c *Controller) onTimerFired(tp e84.TP) {
	c.mirror(func() { c.mirrorTimer = e84.TPNone })
	if c.obs.OnTimerFired != nil {
		c.obs.OnTimerFired(tp)
	}
}

func (c *Controller) onFault(f types.Fault) {
	if c.obs.OnFault != nil {
		c.obs.OnFault(f)
	}
}

func (c *Controller) mirror(fn func()) {
	c.mu.Lock()
	fn()
	c.mu.Unlock()
}
