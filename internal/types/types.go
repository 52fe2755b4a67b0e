package types

import "time"

// Mode is the controller operating mode. Only ModeAuto permits the
// handshake machine to offer HO_AVBL to the transport system.
type Mode string

const (
	ModeAuto        Mode = "auto"
	ModeManual      Mode = "manual"
	ModeMaintenance Mode = "maintenance"
	ModeFault       Mode = "fault"
)

// ParseMode returns the Mode for a config/command string, or false if the
// string names no known mode.
func ParseMode(s string) (Mode, bool) {
	switch Mode(s) {
	case ModeAuto, ModeManual, ModeMaintenance, ModeFault:
		return Mode(s), true
	}
	return "", false
}

// FaultKind identifies a structured fault event.
type FaultKind string

const (
	// Protocol faults
	FaultTP1Expiry           FaultKind = "TP1_EXPIRY"
	FaultTP2Expiry           FaultKind = "TP2_EXPIRY"
	FaultTP3Expiry           FaultKind = "TP3_EXPIRY"
	FaultTP4Expiry           FaultKind = "TP4_EXPIRY"
	FaultTP5Expiry           FaultKind = "TP5_EXPIRY"
	FaultInvalidCarrierStage FaultKind = "INVALID_CARRIER_STAGE"
	FaultAmbiguousGuard      FaultKind = "AMBIGUOUS_GUARD"
	FaultUnexpectedInput     FaultKind = "UNEXPECTED_INPUT_IN_STATE"

	// Port faults
	FaultActuatorTimeout    FaultKind = "ACTUATOR_TIMEOUT"
	FaultSensorInconsistent FaultKind = "SENSOR_INCONSISTENT"
	FaultPlacementFailure   FaultKind = "PLACEMENT_FAILURE"

	// Transport faults
	FaultSerialTimeout        FaultKind = "SERIAL_TIMEOUT"
	FaultSerialFraming        FaultKind = "SERIAL_FRAMING"
	FaultDigitalIoUnavailable FaultKind = "DIGITAL_IO_UNAVAILABLE"

	// System faults
	FaultEmergencyStop FaultKind = "EMERGENCY_STOP"
)

// Fault is a structured fault event surfaced to the operator.
type Fault struct {
	Kind   FaultKind
	Detail string
	Time   time.Time
}

// TransitionRecord captures one handshake state change for the operator
// surface. Snapshot holds the signal levels at the moment of transition.
type TransitionRecord struct {
	Time     time.Time
	From     string
	To       string
	Trigger  string
	Snapshot map[string]bool
}
