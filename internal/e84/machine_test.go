package e84

import (
	"errors"
	"testing"
	"time"

	"github.com/stev4501/E84-v10/internal/loadport"
	"github.com/stev4501/E84-v10/internal/signals"
	"github.com/stev4501/E84-v10/internal/types"
)

// Fake coordinator: records commands, reports a configurable status.
type fakeCoordinator struct {
	status         loadport.Status
	healthy        bool
	prepares       []string
	emergencyCalls int
	resettable     bool
}

func newFakeCoordinator() *fakeCoordinator {
	return &fakeCoordinator{
		status:     loadport.Status{Docked: true, PlacementOK: true},
		healthy:    true,
		resettable: true,
	}
}

func (f *fakeCoordinator) PrepareForLoad()               { f.prepares = append(f.prepares, "load") }
func (f *fakeCoordinator) PrepareForUnload()             { f.prepares = append(f.prepares, "unload") }
func (f *fakeCoordinator) Report() loadport.Status       { return f.status }
func (f *fakeCoordinator) ApplySensor(st loadport.Status) { f.status = st }
func (f *fakeCoordinator) Healthy() bool                 { return f.healthy }
func (f *fakeCoordinator) EmergencySafe()                { f.emergencyCalls++ }
func (f *fakeCoordinator) Reset() bool                   { return f.resettable }
func (f *fakeCoordinator) Close()                        {}

// Fake scheduler: records armed timers, fires on demand with the right
// generation.
type fakeScheduler struct {
	gen   uint64
	armed map[TP]uint64
	log   []string
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{armed: make(map[TP]uint64)}
}

func (s *fakeScheduler) Arm(tp TP, d time.Duration) uint64 {
	s.gen++
	s.armed[tp] = s.gen
	s.log = append(s.log, "arm "+tp.String())
	return s.gen
}

func (s *fakeScheduler) Disarm(tp TP) {
	delete(s.armed, tp)
	s.log = append(s.log, "disarm "+tp.String())
}

func (s *fakeScheduler) fire(t *testing.T, m *Machine, tp TP) {
	t.Helper()
	gen, ok := s.armed[tp]
	if !ok {
		t.Fatalf("fire %s: not armed", tp)
	}
	delete(s.armed, tp)
	m.HandleTimer(tp, gen)
}

type fixture struct {
	t      *testing.T
	reg    *signals.Registry
	inputs map[string]signals.Token
	coord  *fakeCoordinator
	sched  *fakeScheduler
	m      *Machine
	faults []types.Fault
	trace  []State
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		t:      t,
		reg:    signals.NewRegistry(),
		inputs: make(map[string]signals.Token),
		coord:  newFakeCoordinator(),
		sched:  newFakeScheduler(),
	}
	for _, name := range signals.AMHSInputs {
		_, tok, err := f.reg.Register(name, signals.DirInput, false)
		if err != nil {
			t.Fatal(err)
		}
		f.inputs[name] = tok
	}
	m, err := New(Config{
		Registry:    f.reg,
		Coordinator: f.coord,
		Scheduler:   f.sched,
		Hooks: Hooks{
			Fault: func(fault types.Fault) { f.faults = append(f.faults, fault) },
			Transition: func(rec types.TransitionRecord) {
				f.trace = append(f.trace, State(rec.To))
			},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	f.m = m
	// ES line is high when the transport system is healthy.
	f.set(signals.SigES, true)
	m.Start()
	return f
}

func (f *fixture) set(name string, level bool) {
	f.t.Helper()
	if err := f.reg.Write(f.inputs[name], level); err != nil {
		f.t.Fatalf("set %s=%v: %v", name, level, err)
	}
}

func (f *fixture) wantState(s State) {
	f.t.Helper()
	if f.m.Current() != s {
		f.t.Fatalf("state = %s, want %s", f.m.Current(), s)
	}
}

func (f *fixture) wantSignal(name string, level bool) {
	f.t.Helper()
	if f.reg.Get(name) != level {
		f.t.Fatalf("%s = %v, want %v", name, f.reg.Get(name), level)
	}
}

func (f *fixture) wantOutputs(lReq, uReq, ready, hoAvbl bool) {
	f.t.Helper()
	f.wantSignal(signals.SigLReq, lReq)
	f.wantSignal(signals.SigUReq, uReq)
	f.wantSignal(signals.SigReady, ready)
	f.wantSignal(signals.SigHoAvbl, hoAvbl)
}

func (f *fixture) wantFault(kind types.FaultKind) {
	f.t.Helper()
	for _, fault := range f.faults {
		if fault.Kind == kind {
			return
		}
	}
	f.t.Fatalf("no %s fault emitted, got %v", kind, f.faults)
}

func (f *fixture) portReady() {
	f.m.HandlePortCompletion(loadport.Completion{Ready: true})
}

func TestStartEntersIdleWithHandoffAvailable(t *testing.T) {
	f := newFixture(t)
	f.wantState(StateIdle)
	f.wantOutputs(false, false, false, true)
}

func TestHappyPathLoad(t *testing.T) {
	f := newFixture(t)

	f.set(signals.SigCS1, true)
	f.wantState(StateSelected)
	if _, ok := f.sched.armed[TP1]; !ok {
		t.Fatal("TP1 not armed on selection")
	}
	if len(f.coord.prepares) != 1 || f.coord.prepares[0] != "load" {
		t.Fatalf("prepare commands = %v, want [load]", f.coord.prepares)
	}
	f.wantSignal(signals.SigHoAvbl, false)

	f.portReady()
	f.set(signals.SigValid, true)
	f.wantState(StateTransferReady)
	f.wantOutputs(true, false, false, false)
	if _, ok := f.sched.armed[TP2]; !ok {
		t.Fatal("TP2 not armed entering TRANSFER_READY")
	}

	f.set(signals.SigTrReq, true)
	f.wantState(StateTransferArmed)
	f.wantOutputs(true, false, true, false)
	if _, ok := f.sched.armed[TP3]; !ok {
		t.Fatal("TP3 not armed on TR_REQ")
	}

	f.set(signals.SigBusy, true)
	f.wantState(StateTransferInProgress)
	if _, ok := f.sched.armed[TP4]; !ok {
		t.Fatal("TP4 not armed on BUSY")
	}

	// BUSY drops first, COMPT rises second; only the pair completes.
	f.set(signals.SigBusy, false)
	f.wantState(StateTransferInProgress)
	f.set(signals.SigCompt, true)
	f.wantState(StateTransferComplete)
	f.wantOutputs(false, false, false, false)
	if _, ok := f.sched.armed[TP5]; !ok {
		t.Fatal("TP5 not armed on completion")
	}

	f.set(signals.SigValid, false)
	f.wantState(StateHandoffComplete)

	f.set(signals.SigCompt, false)
	f.set(signals.SigCS1, false)
	f.wantState(StateIdle)
	f.wantOutputs(false, false, false, true)

	want := []State{
		StateSelected, StateTransferReady, StateTransferArmed,
		StateTransferInProgress, StateTransferComplete,
		StateHandoffComplete, StateIdle,
	}
	if len(f.trace) != len(want) {
		t.Fatalf("trace %v, want %v", f.trace, want)
	}
	for i := range want {
		if f.trace[i] != want[i] {
			t.Fatalf("trace %v, want %v", f.trace, want)
		}
	}
	if len(f.faults) != 0 {
		t.Fatalf("happy path emitted faults: %v", f.faults)
	}
}

func TestUnloadAssertsUReq(t *testing.T) {
	f := newFixture(t)
	f.coord.status = loadport.Status{Docked: true, CarrierPresent: true, PlacementOK: true}

	f.set(signals.SigCS0, true)
	if len(f.coord.prepares) != 1 || f.coord.prepares[0] != "unload" {
		t.Fatalf("prepare commands = %v, want [unload]", f.coord.prepares)
	}
	f.portReady()
	f.set(signals.SigValid, true)
	f.wantState(StateTransferReady)
	f.wantOutputs(false, true, false, false)
}

func TestTP1Timeout(t *testing.T) {
	f := newFixture(t)

	f.set(signals.SigCS1, true)
	f.wantState(StateSelected)

	f.sched.fire(t, f.m, TP1)
	f.wantState(StateErrorTP1)
	f.wantOutputs(false, false, false, false)
	f.wantFault(types.FaultTP1Expiry)
}

func TestInvalidCarrierStage(t *testing.T) {
	f := newFixture(t)

	f.set(signals.SigCS0, true)
	f.set(signals.SigCS1, true)
	f.wantState(StateSelected)

	f.set(signals.SigValid, true)
	f.wantState(StateErrorInvalidCS)
	f.wantOutputs(false, false, false, false)
	f.wantFault(types.FaultInvalidCarrierStage)
}

func TestEmergencyMidTransfer(t *testing.T) {
	f := newFixture(t)

	f.set(signals.SigCS1, true)
	f.portReady()
	f.set(signals.SigValid, true)
	f.set(signals.SigTrReq, true)
	f.set(signals.SigBusy, true)
	f.wantState(StateTransferInProgress)

	f.set(signals.SigES, false)
	f.wantState(StateEsAsserted)
	f.wantOutputs(false, false, false, false)
	if f.coord.emergencyCalls != 1 {
		t.Fatalf("EmergencySafe called %d times, want 1", f.coord.emergencyCalls)
	}
	f.wantFault(types.FaultEmergencyStop)
}

// A port fault while selection is pending must not advance the machine;
// the armed TP2 then latches the handshake error.
func TestPortFaultDuringPrepare(t *testing.T) {
	f := newFixture(t)

	f.set(signals.SigCS1, true)
	f.wantState(StateSelected)

	f.m.HandlePortCompletion(loadport.Completion{Fault: types.Fault{
		Kind:   types.FaultPlacementFailure,
		Detail: "LOAD rejected: ERR:DOCK_FAIL",
	}})
	f.wantState(StateSelected)
	f.wantFault(types.FaultPlacementFailure)

	f.set(signals.SigValid, true)
	f.wantState(StateSelected)
	if _, ok := f.sched.armed[TP2]; !ok {
		t.Fatal("TP2 not armed after VALID with prepare pending")
	}

	f.sched.fire(t, f.m, TP2)
	f.wantState(StateErrorTP2)
	f.wantFault(types.FaultTP2Expiry)
}

func TestPortFaultMidTransferLatchesErrorPort(t *testing.T) {
	f := newFixture(t)

	f.set(signals.SigCS1, true)
	f.portReady()
	f.set(signals.SigValid, true)
	f.set(signals.SigTrReq, true)
	f.wantState(StateTransferArmed)

	f.m.HandlePortCompletion(loadport.Completion{Fault: types.Fault{
		Kind: types.FaultSensorInconsistent,
	}})
	f.wantState(StateErrorPort)
	f.wantOutputs(false, false, false, false)
	f.wantFault(types.FaultSensorInconsistent)
}

func TestResetGating(t *testing.T) {
	f := newFixture(t)

	f.set(signals.SigCS1, true)
	f.sched.fire(t, f.m, TP1)
	f.wantState(StateErrorTP1)

	// CS_1 is still high: reset must be refused.
	err := f.m.Reset()
	if !errors.Is(err, ErrResetNotPermitted) {
		t.Fatalf("reset with CS_1 high: err = %v, want ErrResetNotPermitted", err)
	}
	f.wantState(StateErrorTP1)

	f.set(signals.SigCS1, false)
	if err := f.m.Reset(); err != nil {
		t.Fatalf("reset with inputs idle: %v", err)
	}
	f.wantState(StateIdle)
	f.wantSignal(signals.SigHoAvbl, true)
}

func TestResetInIdleIsSilentNoOp(t *testing.T) {
	f := newFixture(t)
	transitions := len(f.trace)
	faults := len(f.faults)

	if err := f.m.Reset(); err != nil {
		t.Fatalf("reset in IDLE: %v", err)
	}
	f.wantState(StateIdle)
	if len(f.trace) != transitions || len(f.faults) != faults {
		t.Fatal("reset in IDLE emitted events")
	}
}

func TestResetMidHandshakeRejected(t *testing.T) {
	f := newFixture(t)
	f.set(signals.SigCS1, true)
	if err := f.m.Reset(); !errors.Is(err, ErrResetNotPermitted) {
		t.Fatalf("reset in SELECTED: err = %v, want ErrResetNotPermitted", err)
	}
}

func TestEsResetRequiresRestoredEs(t *testing.T) {
	f := newFixture(t)
	f.set(signals.SigES, false)
	f.wantState(StateEsAsserted)

	if err := f.m.Reset(); !errors.Is(err, ErrResetNotPermitted) {
		t.Fatalf("reset with ES low: err = %v, want ErrResetNotPermitted", err)
	}

	f.set(signals.SigES, true)
	f.wantState(StateEsAsserted)
	if err := f.m.Reset(); err != nil {
		t.Fatalf("reset after ES restored: %v", err)
	}
	f.wantState(StateIdle)
}

func TestStaleTimerExpiryDiscarded(t *testing.T) {
	f := newFixture(t)

	f.set(signals.SigCS1, true)
	gen := f.sched.armed[TP1]

	f.portReady()
	f.set(signals.SigValid, true)
	f.wantState(StateTransferReady)

	// The TP1 expiry was already queued when the machine moved on.
	f.m.HandleTimer(TP1, gen)
	f.wantState(StateTransferReady)
	if len(f.faults) != 0 {
		t.Fatalf("stale expiry produced faults: %v", f.faults)
	}
}

func TestUnexpectedInputDiagnostic(t *testing.T) {
	f := newFixture(t)

	f.set(signals.SigBusy, true)
	f.wantState(StateIdle)
	f.wantFault(types.FaultUnexpectedInput)
}

func TestAtMostOneTimerArmed(t *testing.T) {
	f := newFixture(t)

	f.set(signals.SigCS1, true)
	f.portReady()
	f.set(signals.SigValid, true)
	f.set(signals.SigTrReq, true)
	f.set(signals.SigBusy, true)

	if len(f.sched.armed) != 1 {
		t.Fatalf("%d timers armed, want 1 (%v)", len(f.sched.armed), f.sched.armed)
	}
	if _, ok := f.sched.armed[TP4]; !ok {
		t.Fatalf("armed %v, want TP4", f.sched.armed)
	}
}

func TestManualModeRefusesSelection(t *testing.T) {
	auto := false
	f := &fixture{
		t:      t,
		reg:    signals.NewRegistry(),
		inputs: make(map[string]signals.Token),
		coord:  newFakeCoordinator(),
		sched:  newFakeScheduler(),
	}
	for _, name := range signals.AMHSInputs {
		_, tok, err := f.reg.Register(name, signals.DirInput, false)
		if err != nil {
			t.Fatal(err)
		}
		f.inputs[name] = tok
	}
	m, err := New(Config{
		Registry:    f.reg,
		Coordinator: f.coord,
		Scheduler:   f.sched,
		Available:   func() bool { return auto },
		Hooks:       Hooks{Fault: func(fault types.Fault) { f.faults = append(f.faults, fault) }},
	})
	if err != nil {
		t.Fatal(err)
	}
	f.m = m
	f.set(signals.SigES, true)
	m.Start()

	f.wantSignal(signals.SigHoAvbl, false)
	f.set(signals.SigCS1, true)
	f.wantState(StateIdle)

	auto = true
	m.RefreshAvailability()
	f.wantSignal(signals.SigHoAvbl, true)
}
