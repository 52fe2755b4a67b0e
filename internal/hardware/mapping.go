package hardware

// DefaultMappings is the wiring used when the configuration carries no
// digital.mapping section: card 0 carries the E84 handshake pair (port 0
// inputs, port 1 outputs), card 1 the load-port sensors and actuators.
var DefaultMappings = []LineMapping{
	// E84 inputs from the AMHS
	{Name: "VALID", Card: 0, Port: 0, Bit: 0},
	{Name: "CS_0", Card: 0, Port: 0, Bit: 1},
	{Name: "CS_1", Card: 0, Port: 0, Bit: 2},
	{Name: "TR_REQ", Card: 0, Port: 0, Bit: 3},
	{Name: "BUSY", Card: 0, Port: 0, Bit: 4},
	{Name: "COMPT", Card: 0, Port: 0, Bit: 5},
	{Name: "CONT", Card: 0, Port: 0, Bit: 6},
	{Name: "ES", Card: 0, Port: 0, Bit: 7},

	// E84 outputs to the AMHS
	{Name: "L_REQ", Card: 0, Port: 1, Bit: 0, Output: true},
	{Name: "U_REQ", Card: 0, Port: 1, Bit: 1, Output: true},
	{Name: "READY", Card: 0, Port: 1, Bit: 2, Output: true},
	{Name: "HO_AVBL", Card: 0, Port: 1, Bit: 3, Output: true},

	// Load port sensors (digital variant only)
	{Name: "carrier_present", Card: 1, Port: 0, Bit: 0, ActiveLow: true},
	{Name: "clamp_closed", Card: 1, Port: 0, Bit: 1},
	{Name: "dock_home", Card: 1, Port: 0, Bit: 2, ActiveLow: true},
	{Name: "placement_ok", Card: 1, Port: 0, Bit: 3},

	// Load port actuators (digital variant only)
	{Name: "dock_motor", Card: 1, Port: 1, Bit: 0, Output: true},
	{Name: "clamp_latch", Card: 1, Port: 1, Bit: 1, Output: true},
}
