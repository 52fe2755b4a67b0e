package loadport

import (
	"github.com/stev4501/E84-v10/internal/types"
)

// Status is the decoded sensor picture of the physical port.
type Status struct {
	CarrierPresent bool
	Clamped        bool
	Docked         bool
	PlacementOK    bool
}

// ReadyForLoad reports whether a carrier can be placed: empty plate,
// latches retracted, port docked at home.
func (s Status) ReadyForLoad() bool {
	return !s.CarrierPresent && !s.Clamped && s.Docked
}

// ReadyForUnload reports whether a carrier can be picked: carrier on the
// plate, latches retracted, placement verified.
func (s Status) ReadyForUnload() bool {
	return s.CarrierPresent && !s.Clamped && s.PlacementOK
}

// Completion reports the outcome of a prepare command. Exactly one of
// Ready or Fault is meaningful.
type Completion struct {
	Ready bool
	Fault types.Fault
}

// Sink receives coordinator events. Sensor updates and completions are
// produced on transport goroutines; the implementation (the controller)
// enqueues them for the dispatch goroutine, which hands them back through
// ApplySensor / the machine's port-event entry points.
type Sink interface {
	PostSensor(Status)
	PostCompletion(Completion)
}

// Coordinator is the contract the handshake machine is written against.
// Prepare commands complete asynchronously through the Sink; Report and
// Healthy are immediate; EmergencySafe is synchronous and re-entrant.
type Coordinator interface {
	PrepareForLoad()
	PrepareForUnload()
	Report() Status

	// ApplySensor is called on the dispatch goroutine with a sensor
	// update previously posted through the Sink. It advances the port
	// state model and publishes the internal signals.
	ApplySensor(Status)

	// Healthy reports that the port has no latched fault and is safe to
	// offer for handoff.
	Healthy() bool

	// EmergencySafe drives the port to the safest reachable state.
	EmergencySafe()

	// Reset clears a latched port fault after the physical condition is
	// resolved. Returns false if the port is not in a resettable state.
	Reset() bool

	Close()
}
