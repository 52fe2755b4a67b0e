package signals

// E84 parallel I/O signal names. Inputs are driven by the transport system
// (AMHS), outputs by the handshake machine, internal signals by the load
// port coordinator.
const (
	// Inputs from the AMHS
	SigValid string = "VALID"
	SigCS0   string = "CS_0"
	SigCS1   string = "CS_1"
	SigTrReq string = "TR_REQ"
	SigBusy  string = "BUSY"
	SigCompt string = "COMPT"
	SigCont  string = "CONT"
	SigES    string = "ES"

	// Outputs to the AMHS
	SigLReq   string = "L_REQ"
	SigUReq   string = "U_REQ"
	SigReady  string = "READY"
	SigHoAvbl string = "HO_AVBL"

	// Internal reflections of physical port state
	SigCarrierPresent string = "CARRIER_PRESENT"
	SigClamped        string = "CLAMPED"
	SigDocked         string = "DOCKED"
	SigPlacementOK    string = "PLACEMENT_OK"
)

// AMHSInputs lists the handshake input signals in registration order.
var AMHSInputs = []string{SigValid, SigCS0, SigCS1, SigTrReq, SigBusy, SigCompt, SigCont, SigES}

// MachineOutputs lists the handshake output signals in registration order.
var MachineOutputs = []string{SigLReq, SigUReq, SigReady, SigHoAvbl}

// PortInternals lists the coordinator-owned internal signals.
var PortInternals = []string{SigCarrierPresent, SigClamped, SigDocked, SigPlacementOK}
