package e84

import (
	"github.com/stev4501/E84-v10/internal/signals"
	"github.com/stev4501/E84-v10/internal/types"
)

type eventKind int

const (
	evEdge eventKind = iota
	evTimer
	evPortReady
	evPortFault
	evReset
)

// event is one unit of work for the machine: an input-signal edge, a
// timer expiry, a port completion, or an operator reset. Everything the
// machine does goes through the table scan, so a recorded event stream
// replays to the same state trace.
type event struct {
	kind  eventKind
	sig   string
	level bool
	tp    TP
	fault types.Fault
}

type guardFn func(m *Machine, ev event) bool
type actionFn func(m *Machine, ev event)

// row is one transition: from + guard decide applicability, to is the next
// state (to == from is an internal transition, entry actions do not
// re-run), arm/keep control the protocol timer, act runs in order after
// the state change. Rows are scanned in table order; the first match wins.
type row struct {
	from  State
	when  string
	guard guardFn
	to    State
	arm   TP
	keep  bool
	act   []actionFn
}

func rising(sig string) guardFn {
	return func(m *Machine, ev event) bool {
		return ev.kind == evEdge && ev.sig == sig && ev.level
	}
}

func falling(sig string) guardFn {
	return func(m *Machine, ev event) bool {
		return ev.kind == evEdge && ev.sig == sig && !ev.level
	}
}

func timerExpired(tp TP) guardFn {
	return func(m *Machine, ev event) bool {
		return ev.kind == evTimer && ev.tp == tp
	}
}

func portFault(m *Machine, ev event) bool { return ev.kind == evPortFault }

// csSelect: a carrier-stage line rose while the machine may accept a
// handshake.
func csSelect(m *Machine, ev event) bool {
	if ev.kind != evEdge || !ev.level {
		return false
	}
	if ev.sig != signals.SigCS0 && ev.sig != signals.SigCS1 {
		return false
	}
	return m.avail() && m.coord.Healthy()
}

// csEdge matches any carrier-stage edge regardless of machine readiness.
func csEdge(m *Machine, ev event) bool {
	return ev.kind == evEdge && (ev.sig == signals.SigCS0 || ev.sig == signals.SigCS1)
}

func validInvalidCS(m *Machine, ev event) bool {
	if ev.kind != evEdge || ev.sig != signals.SigValid || !ev.level {
		return false
	}
	return m.reg.Get(signals.SigCS0) == m.reg.Get(signals.SigCS1)
}

func validPortReady(m *Machine, ev event) bool {
	if ev.kind != evEdge || ev.sig != signals.SigValid || !ev.level {
		return false
	}
	return m.reg.Get(signals.SigCS0) != m.reg.Get(signals.SigCS1) && m.portPrepared
}

func validPortPending(m *Machine, ev event) bool {
	if ev.kind != evEdge || ev.sig != signals.SigValid || !ev.level {
		return false
	}
	return m.reg.Get(signals.SigCS0) != m.reg.Get(signals.SigCS1) && !m.portPrepared
}

func portReadyValidSeen(m *Machine, ev event) bool {
	return ev.kind == evPortReady && m.validSeen
}

func portReadyEarly(m *Machine, ev event) bool {
	return ev.kind == evPortReady && !m.validSeen
}

// transferDone: BUSY has dropped and COMPT is up, in either arrival order.
func transferDone(m *Machine, ev event) bool {
	if ev.kind != evEdge {
		return false
	}
	if !(ev.sig == signals.SigBusy && !ev.level) && !(ev.sig == signals.SigCompt && ev.level) {
		return false
	}
	return !m.reg.Get(signals.SigBusy) && m.reg.Get(signals.SigCompt)
}

// csClear: the last carrier-stage line dropped.
func csClear(m *Machine, ev event) bool {
	if !csEdge(m, ev) || ev.level {
		return false
	}
	return !m.reg.Get(signals.SigCS0) && !m.reg.Get(signals.SigCS1)
}

// resetPermitted: operator reset with every AMHS input idle and the port
// reporting clean.
func resetPermitted(m *Machine, ev event) bool {
	if ev.kind != evReset {
		return false
	}
	return m.inputsIdle() && m.coord.Healthy()
}

// buildTable returns the transition table in scan order. The wildcard ES
// row leads so that an emergency beats anything else satisfiable on the
// same event.
func buildTable() []row {
	t := []row{
		{from: stateAny, when: "es-drop", guard: falling(signals.SigES), to: StateEsAsserted,
			act: []actionFn{(*Machine).actEmergency}},

		{from: StateIdle, when: "cs-select", guard: csSelect, to: StateSelected, arm: TP1,
			act: []actionFn{(*Machine).actBeginSelection}},

		{from: StateSelected, when: "valid-invalid-cs", guard: validInvalidCS, to: StateErrorInvalidCS,
			act: []actionFn{(*Machine).actInvalidCS}},
		{from: StateSelected, when: "valid-port-ready", guard: validPortReady, to: StateTransferReady, arm: TP2,
			act: []actionFn{(*Machine).actAssertRequest}},
		{from: StateSelected, when: "valid-port-pending", guard: validPortPending, to: StateSelected, arm: TP2,
			act: []actionFn{(*Machine).actMarkValidSeen}},
		{from: StateSelected, when: "port-ready", guard: portReadyValidSeen, to: StateTransferReady, keep: true,
			act: []actionFn{(*Machine).actMarkPrepared, (*Machine).actAssertRequest}},
		{from: StateSelected, when: "port-ready-early", guard: portReadyEarly, to: StateSelected, keep: true,
			act: []actionFn{(*Machine).actMarkPrepared}},
		{from: StateSelected, when: "port-fault", guard: portFault, to: StateSelected, keep: true,
			act: []actionFn{(*Machine).actPortFaultDiagnostic}},
		{from: StateSelected, when: "cs-edge", guard: csEdge, to: StateSelected, keep: true},

		{from: StateTransferReady, when: "tr-req", guard: rising(signals.SigTrReq), to: StateTransferArmed, arm: TP3,
			act: []actionFn{(*Machine).actAssertReady}},
		{from: StateTransferArmed, when: "busy", guard: rising(signals.SigBusy), to: StateTransferInProgress, arm: TP4},
		{from: StateTransferInProgress, when: "transfer-done", guard: transferDone, to: StateTransferComplete, arm: TP5,
			act: []actionFn{(*Machine).actDropTransferOutputs}},
		{from: StateTransferComplete, when: "valid-off", guard: falling(signals.SigValid), to: StateHandoffComplete},
		{from: StateHandoffComplete, when: "cs-clear", guard: csClear, to: StateIdle},

		{from: StateSelected, when: "tp1-expired", guard: timerExpired(TP1), to: StateErrorTP1,
			act: []actionFn{(*Machine).actTimerFault}},
		{from: StateSelected, when: "tp2-expired", guard: timerExpired(TP2), to: StateErrorTP2,
			act: []actionFn{(*Machine).actTimerFault}},
		{from: StateTransferReady, when: "tp2-expired", guard: timerExpired(TP2), to: StateErrorTP2,
			act: []actionFn{(*Machine).actTimerFault}},
		{from: StateTransferArmed, when: "tp3-expired", guard: timerExpired(TP3), to: StateErrorTP3,
			act: []actionFn{(*Machine).actTimerFault}},
		{from: StateTransferInProgress, when: "tp4-expired", guard: timerExpired(TP4), to: StateErrorTP4,
			act: []actionFn{(*Machine).actTimerFault}},
		{from: StateTransferComplete, when: "tp5-expired", guard: timerExpired(TP5), to: StateErrorTP5,
			act: []actionFn{(*Machine).actTimerFault}},

		{from: StateTransferReady, when: "port-fault", guard: portFault, to: StateErrorPort,
			act: []actionFn{(*Machine).actPortFaultLatch}},
		{from: StateTransferArmed, when: "port-fault", guard: portFault, to: StateErrorPort,
			act: []actionFn{(*Machine).actPortFaultLatch}},
		{from: StateTransferInProgress, when: "port-fault", guard: portFault, to: StateErrorPort,
			act: []actionFn{(*Machine).actPortFaultLatch}},
		{from: StateTransferComplete, when: "port-fault", guard: portFault, to: StateErrorPort,
			act: []actionFn{(*Machine).actPortFaultLatch}},
		{from: StateIdle, when: "port-fault", guard: portFault, to: StateIdle,
			act: []actionFn{(*Machine).actPortFaultDiagnostic, (*Machine).actRefreshAvailability}},
		{from: StateHandoffComplete, when: "port-fault", guard: portFault, to: StateHandoffComplete,
			act: []actionFn{(*Machine).actPortFaultDiagnostic}},

		{from: StateEsAsserted, when: "es-restore", guard: rising(signals.SigES), to: StateEsAsserted},
		{from: StateEsAsserted, when: "reset", guard: resetPermitted, to: StateIdle},
	}

	for _, errState := range []State{
		StateErrorTP1, StateErrorTP2, StateErrorTP3, StateErrorTP4,
		StateErrorTP5, StateErrorInvalidCS, StateErrorPort,
	} {
		t = append(t, row{from: errState, when: "reset", guard: resetPermitted, to: StateIdle})
	}
	return t
}
