package e84

import (
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/stev4501/E84-v10/internal/loadport"
	"github.com/stev4501/E84-v10/internal/logger"
	"github.com/stev4501/E84-v10/internal/signals"
	"github.com/stev4501/E84-v10/internal/types"
)

var ErrResetNotPermitted = errors.New("reset not permitted")

const historyCap = 32

// Durations holds the TP1..TP5 maxima.
type Durations struct {
	TP1, TP2, TP3, TP4, TP5 time.Duration
}

// DefaultDurations are the recommended protocol defaults.
func DefaultDurations() Durations {
	return Durations{
		TP1: 2 * time.Second,
		TP2: 2 * time.Second,
		TP3: 60 * time.Second,
		TP4: 60 * time.Second,
		TP5: 2 * time.Second,
	}
}

func (d Durations) of(tp TP) time.Duration {
	switch tp {
	case TP1:
		return d.TP1
	case TP2:
		return d.TP2
	case TP3:
		return d.TP3
	case TP4:
		return d.TP4
	case TP5:
		return d.TP5
	}
	return 0
}

// Hooks are optional observer callbacks, invoked on the dispatch
// goroutine. They must not write signals.
type Hooks struct {
	Transition func(types.TransitionRecord)
	Fault      func(types.Fault)
	TimerArmed func(tp TP, d time.Duration)
	TimerFired func(tp TP)
}

// Config wires a Machine to its collaborators.
type Config struct {
	Registry    *signals.Registry
	Coordinator loadport.Coordinator
	Scheduler   Scheduler
	Durations   Durations
	// Available reports whether the controller mode permits handshakes.
	Available func() bool
	Log       *logger.Logger
	Hooks     Hooks
}

// Machine executes the E84 equipment-side handshake by interpreting the
// transition table. All entry points must be called from the dispatch
// goroutine; the machine owns the handshake output signals and is the only
// writer of them.
type Machine struct {
	reg   *signals.Registry
	coord loadport.Coordinator
	sched Scheduler
	dur   Durations
	avail func() bool
	log   *logger.Logger
	hooks Hooks

	table []row
	cur   State

	outs map[string]signals.Token

	dir          Direction
	validSeen    bool
	portPrepared bool
	esSafeDone   bool

	armedTP  TP
	timerGen uint64

	history []types.TransitionRecord
	started bool
}

// New registers the machine's output signals and subscribes it to the
// handshake inputs. The registry must already hold the input signals.
func New(cfg Config) (*Machine, error) {
	if cfg.Registry == nil || cfg.Coordinator == nil || cfg.Scheduler == nil {
		return nil, errors.New("e84: registry, coordinator and scheduler are required")
	}
	if cfg.Available == nil {
		cfg.Available = func() bool { return true }
	}
	if cfg.Log == nil {
		cfg.Log = logger.NewLogger(log.New(io.Discard, "", 0), logger.LogLevelNone)
	}
	if (cfg.Durations == Durations{}) {
		cfg.Durations = DefaultDurations()
	}

	m := &Machine{
		reg:   cfg.Registry,
		coord: cfg.Coordinator,
		sched: cfg.Scheduler,
		dur:   cfg.Durations,
		avail: cfg.Available,
		log:   cfg.Log,
		hooks: cfg.Hooks,
		table: buildTable(),
		cur:   StateIdle,
		outs:  make(map[string]signals.Token),
	}

	for _, name := range signals.MachineOutputs {
		_, tok, err := cfg.Registry.Register(name, signals.DirOutput, false)
		if err != nil {
			return nil, fmt.Errorf("register output %s: %w", name, err)
		}
		m.outs[name] = tok
	}
	for _, name := range signals.AMHSInputs {
		if _, err := cfg.Registry.Subscribe(name, m.onSignal); err != nil {
			return nil, fmt.Errorf("subscribe %s: %w", name, err)
		}
	}
	return m, nil
}

// Start places the machine in IDLE and publishes the availability
// outputs. The caller gates this on mode and port stability.
func (m *Machine) Start() {
	m.started = true
	m.enterIdle()
	m.log.Infof("handshake machine started in %s", m.cur)
}

// Current returns the current state.
func (m *Machine) Current() State { return m.cur }

// ActiveTimer returns the armed protocol timer, if any.
func (m *Machine) ActiveTimer() (TP, bool) {
	return m.armedTP, m.armedTP != TPNone
}

// History returns the retained transition records, oldest first.
func (m *Machine) History() []types.TransitionRecord {
	out := make([]types.TransitionRecord, len(m.history))
	copy(out, m.history)
	return out
}

// onSignal is the registry subscription entry point.
func (m *Machine) onSignal(name string, level bool) {
	if !m.started {
		return
	}
	if name == signals.SigCont {
		// Continuous-handshake line: registered, never acted on.
		return
	}
	m.step(event{kind: evEdge, sig: name, level: level})
}

// HandleTimer processes a timer expiry. Stale generations (the timer was
// re-armed or disarmed after this expiry was queued) are discarded here;
// this is the only race-free point to do so.
func (m *Machine) HandleTimer(tp TP, gen uint64) {
	if tp != m.armedTP || gen != m.timerGen {
		m.log.Debugf("discarding stale %s expiry (gen %d)", tp, gen)
		return
	}
	m.armedTP = TPNone
	if m.hooks.TimerFired != nil {
		m.hooks.TimerFired(tp)
	}
	m.step(event{kind: evTimer, tp: tp})
}

// HandlePortCompletion processes a prepare completion from the
// coordinator.
func (m *Machine) HandlePortCompletion(c loadport.Completion) {
	if c.Ready {
		m.step(event{kind: evPortReady})
		return
	}
	m.step(event{kind: evPortFault, fault: c.Fault})
}

// Reset is the operator reset. In IDLE it is an accepted no-op that emits
// nothing. In a latched error state it is accepted only when every AMHS
// input is idle and the port reports clean.
func (m *Machine) Reset() error {
	if m.cur == StateIdle {
		return nil
	}
	if !m.cur.IsError() && m.cur != StateEsAsserted {
		return fmt.Errorf("%w: machine in %s", ErrResetNotPermitted, m.cur)
	}
	if !m.step(event{kind: evReset}) {
		return fmt.Errorf("%w: inputs not idle or port not clean", ErrResetNotPermitted)
	}
	return nil
}

// RefreshAvailability recomputes HO_AVBL after a mode or port-health
// change. Only meaningful in IDLE; elsewhere outputs are owned by the
// handshake phase.
func (m *Machine) RefreshAvailability() {
	if m.cur == StateIdle {
		m.write(signals.SigHoAvbl, m.avail() && m.coord.Healthy())
	}
}

// step scans the table for the current state and executes the first
// matching row. Returns whether any row consumed the event.
func (m *Machine) step(ev event) bool {
	var matched *row
	ambiguous := ""
	for i := range m.table {
		r := &m.table[i]
		if r.from != m.cur && !(r.from == stateAny && m.cur != StateEsAsserted) {
			continue
		}
		if !r.guard(m, ev) {
			continue
		}
		if matched == nil {
			matched = r
			continue
		}
		ambiguous = r.when
		break
	}
	if matched == nil {
		m.unexpectedInput(ev)
		return false
	}
	if ambiguous != "" {
		m.emitFault(types.FaultAmbiguousGuard,
			fmt.Sprintf("state %s: %q shadowed by %q", m.cur, ambiguous, matched.when))
	}
	m.execute(matched, ev)
	return true
}

func (m *Machine) execute(r *row, ev event) {
	from := m.cur
	if r.to != r.from {
		m.cur = r.to
	}

	if !r.keep {
		m.disarmTimer()
		if r.arm != TPNone {
			m.armTimer(r.arm)
		}
	}

	if r.to != r.from {
		if from == StateEsAsserted {
			m.esSafeDone = false
		}
		if r.to == StateIdle {
			m.enterIdle()
		}
		m.record(from, r.to, r.when)
		m.log.Infof("state transition: %s -> %s (%s)", from, r.to, r.when)
	}

	for _, a := range r.act {
		a(m, ev)
	}
}

func (m *Machine) enterIdle() {
	m.dir = DirNone
	m.validSeen = false
	m.portPrepared = false
	m.write(signals.SigLReq, false)
	m.write(signals.SigUReq, false)
	m.write(signals.SigReady, false)
	m.write(signals.SigHoAvbl, m.avail() && m.coord.Healthy())
}

func (m *Machine) armTimer(tp TP) {
	m.armedTP = tp
	m.timerGen = m.sched.Arm(tp, m.dur.of(tp))
	if m.hooks.TimerArmed != nil {
		m.hooks.TimerArmed(tp, m.dur.of(tp))
	}
}

func (m *Machine) disarmTimer() {
	if m.armedTP == TPNone {
		return
	}
	m.sched.Disarm(m.armedTP)
	m.armedTP = TPNone
}

func (m *Machine) write(name string, level bool) {
	if err := m.reg.Write(m.outs[name], level); err != nil {
		m.log.Errorf("write %s=%v: %v", name, level, err)
	}
}

func (m *Machine) record(from, to State, trigger string) {
	rec := types.TransitionRecord{
		Time:     time.Now(),
		From:     string(from),
		To:       string(to),
		Trigger:  trigger,
		Snapshot: m.reg.Snapshot(),
	}
	if len(m.history) == historyCap {
		copy(m.history, m.history[1:])
		m.history = m.history[:historyCap-1]
	}
	m.history = append(m.history, rec)
	if m.hooks.Transition != nil {
		m.hooks.Transition(rec)
	}
}

func (m *Machine) emitFault(kind types.FaultKind, detail string) {
	m.log.Errorf("fault %s: %s", kind, detail)
	if m.hooks.Fault != nil {
		m.hooks.Fault(types.Fault{Kind: kind, Detail: detail, Time: time.Now()})
	}
}

func (m *Machine) inputsIdle() bool {
	for _, name := range []string{
		signals.SigCS0, signals.SigCS1, signals.SigValid,
		signals.SigTrReq, signals.SigBusy, signals.SigCompt,
	} {
		if m.reg.Get(name) {
			return false
		}
	}
	return m.reg.Get(signals.SigES)
}

// unexpectedInput raises the diagnostic for rising AMHS edges no table row
// consumed. Falling edges and ES restoration are routine.
func (m *Machine) unexpectedInput(ev event) {
	if ev.kind != evEdge || !ev.level || ev.sig == signals.SigES {
		return
	}
	m.emitFault(types.FaultUnexpectedInput,
		fmt.Sprintf("%s rose in state %s", ev.sig, m.cur))
}

// === table actions ===

func (m *Machine) actBeginSelection(ev event) {
	if ev.sig == signals.SigCS1 {
		m.dir = DirLoad
	} else {
		m.dir = DirUnload
	}
	m.write(signals.SigHoAvbl, false)
	m.log.Infof("selected for %s (via %s)", m.dir, ev.sig)
	if m.dir == DirLoad {
		m.coord.PrepareForLoad()
	} else {
		m.coord.PrepareForUnload()
	}
}

func (m *Machine) actMarkValidSeen(ev event) { m.validSeen = true }

func (m *Machine) actMarkPrepared(ev event) { m.portPrepared = true }

func (m *Machine) actAssertRequest(ev event) {
	m.validSeen = true
	if m.dir == DirLoad {
		m.write(signals.SigLReq, true)
	} else {
		m.write(signals.SigUReq, true)
	}
}

func (m *Machine) actAssertReady(ev event) {
	m.write(signals.SigReady, true)
}

func (m *Machine) actDropTransferOutputs(ev event) {
	m.write(signals.SigLReq, false)
	m.write(signals.SigUReq, false)
	m.write(signals.SigReady, false)
}

func (m *Machine) actInvalidCS(ev event) {
	m.dropAllOutputs()
	m.emitFault(types.FaultInvalidCarrierStage,
		fmt.Sprintf("CS_0=%v CS_1=%v at VALID", m.reg.Get(signals.SigCS0), m.reg.Get(signals.SigCS1)))
}

func (m *Machine) actTimerFault(ev event) {
	m.dropAllOutputs()
	var kind types.FaultKind
	switch ev.tp {
	case TP1:
		kind = types.FaultTP1Expiry
	case TP2:
		kind = types.FaultTP2Expiry
	case TP3:
		kind = types.FaultTP3Expiry
	case TP4:
		kind = types.FaultTP4Expiry
	case TP5:
		kind = types.FaultTP5Expiry
	}
	m.emitFault(kind, fmt.Sprintf("%s expired after %s", ev.tp, m.dur.of(ev.tp)))
}

// actPortFaultDiagnostic surfaces a port fault without leaving the current
// state; the armed timer stays and will latch the handshake error.
func (m *Machine) actPortFaultDiagnostic(ev event) {
	m.portPrepared = false
	m.emitFault(ev.fault.Kind, ev.fault.Detail)
}

func (m *Machine) actPortFaultLatch(ev event) {
	m.dropAllOutputs()
	m.emitFault(ev.fault.Kind, ev.fault.Detail)
}

func (m *Machine) actRefreshAvailability(ev event) {
	m.RefreshAvailability()
}

func (m *Machine) actEmergency(ev event) {
	m.dropAllOutputs()
	if !m.esSafeDone {
		m.coord.EmergencySafe()
		m.esSafeDone = true
	}
	m.emitFault(types.FaultEmergencyStop, "ES dropped by transport system")
}

func (m *Machine) dropAllOutputs() {
	m.write(signals.SigLReq, false)
	m.write(signals.SigUReq, false)
	m.write(signals.SigReady, false)
	m.write(signals.SigHoAvbl, false)
}
