package loadport

import "github.com/librescoot/librefsm"

// Physical port states
const (
	StatePortIdle         librefsm.StateID = "idle"
	StatePortDocking      librefsm.StateID = "docking"
	StatePortDockedEmpty  librefsm.StateID = "docked-empty"
	StatePortDockedLoaded librefsm.StateID = "docked-loaded"
	StatePortUndocking    librefsm.StateID = "undocking"
	StatePortFault        librefsm.StateID = "fault"
)

// Physical port events
const (
	EvPrepare        librefsm.EventID = "prepare"
	EvDockComplete   librefsm.EventID = "dock-complete"
	EvCarrierPlaced  librefsm.EventID = "carrier-placed"
	EvCarrierRemoved librefsm.EventID = "carrier-removed"
	EvUndock         librefsm.EventID = "undock"
	EvUndockComplete librefsm.EventID = "undock-complete"
	EvPortFault      librefsm.EventID = "port-fault"
	EvPortReset      librefsm.EventID = "port-reset"
)

// Actions provides state entry callbacks and guards for the port model.
// Both coordinator variants implement it on their shared base.
type Actions interface {
	EnterIdle(c *librefsm.Context) error
	EnterDocking(c *librefsm.Context) error
	EnterDockedEmpty(c *librefsm.Context) error
	EnterDockedLoaded(c *librefsm.Context) error
	EnterUndocking(c *librefsm.Context) error
	EnterFault(c *librefsm.Context) error

	CarrierPresent(c *librefsm.Context) bool
}

// NewPortDefinition builds the load-port state model. Sensor edges and
// command acknowledgements are translated into events by the coordinator;
// entry actions only log. The internal signals are published by the
// coordinator on every sensor update, whatever the model state.
func NewPortDefinition(a Actions) *librefsm.Definition {
	return librefsm.NewDefinition().
		State(StatePortIdle,
			librefsm.WithOnEnter(a.EnterIdle),
		).
		State(StatePortDocking,
			librefsm.WithOnEnter(a.EnterDocking),
		).
		State(StatePortDockedEmpty,
			librefsm.WithOnEnter(a.EnterDockedEmpty),
		).
		State(StatePortDockedLoaded,
			librefsm.WithOnEnter(a.EnterDockedLoaded),
		).
		State(StatePortUndocking,
			librefsm.WithOnEnter(a.EnterUndocking),
		).
		State(StatePortFault,
			librefsm.WithOnEnter(a.EnterFault),
		).

		// Docking flow
		Transition(StatePortIdle, EvPrepare, StatePortDocking).
		Transition(StatePortDocking, EvDockComplete, StatePortDockedLoaded,
			librefsm.WithGuard(a.CarrierPresent),
		).
		Transition(StatePortDocking, EvDockComplete, StatePortDockedEmpty).

		// Carrier handoff while docked
		Transition(StatePortDockedEmpty, EvCarrierPlaced, StatePortDockedLoaded).
		Transition(StatePortDockedLoaded, EvCarrierRemoved, StatePortDockedEmpty).

		// Undocking flow
		Transition(StatePortDockedEmpty, EvUndock, StatePortUndocking).
		Transition(StatePortDockedLoaded, EvUndock, StatePortUndocking).
		Transition(StatePortUndocking, EvUndockComplete, StatePortIdle).

		// Faults latch from anywhere, reset returns to idle
		Transition(StatePortIdle, EvPortFault, StatePortFault).
		Transition(StatePortDocking, EvPortFault, StatePortFault).
		Transition(StatePortDockedEmpty, EvPortFault, StatePortFault).
		Transition(StatePortDockedLoaded, EvPortFault, StatePortFault).
		Transition(StatePortUndocking, EvPortFault, StatePortFault).
		Transition(StatePortFault, EvPortReset, StatePortIdle).
		Initial(StatePortIdle)
}
