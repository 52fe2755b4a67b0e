package loadport

import (
	"fmt"
	"sync"
	"time"

	"github.com/stev4501/E84-v10/internal/hardware"
	"github.com/stev4501/E84-v10/internal/logger"
	"github.com/stev4501/E84-v10/internal/signals"
	"github.com/stev4501/E84-v10/internal/types"
)

// Line names the digital variant expects in the hardware mapping.
const (
	LineCarrierPresent = "carrier_present"
	LineClampClosed    = "clamp_closed"
	LineDockHome       = "dock_home"
	LinePlacementOK    = "placement_ok"
	LineDockMotor      = "dock_motor"
	LineClampLatch     = "clamp_latch"
)

var sensorLines = []string{LineCarrierPresent, LineClampClosed, LineDockHome, LinePlacementOK}

const defaultActuatorTimeout = 10 * time.Second

type pendingOp struct {
	forLoad  bool
	watchdog *time.Timer
}

// Digital drives a load port whose sensors and actuators are discrete
// lines. Reads and writes are immediate; only actuator completion is
// asynchronous, guarded by a watchdog that surfaces ActuatorTimeout.
type Digital struct {
	*base
	io   hardware.LineIO
	sink Sink

	actuatorTimeout time.Duration

	mu           sync.Mutex
	pending      *pendingOp
	faultLatched bool
}

// NewDigital registers the internal signals and hooks the sensor lines.
// The caller is responsible for hardware Init before Prime.
func NewDigital(reg *signals.Registry, io hardware.LineIO, sink Sink, log *logger.Logger) (*Digital, error) {
	b, err := newBase(reg, log.WithTag("loadport"))
	if err != nil {
		return nil, err
	}
	d := &Digital{
		base:            b,
		io:              io,
		sink:            sink,
		actuatorTimeout: defaultActuatorTimeout,
	}
	if err := d.initFSM(d); err != nil {
		return nil, err
	}
	for _, line := range sensorLines {
		io.RegisterLineCallback(line, d.onSensorEdge)
	}
	return d, nil
}

// Prime reads the sensors once and applies them directly. Called during
// startup, before the dispatch loop runs.
func (d *Digital) Prime() error {
	st, err := d.readSensors()
	if err != nil {
		return err
	}
	d.applySensor(st)
	return nil
}

// onSensorEdge runs on the GPIO event goroutine: snapshot the sensors and
// hand them to the dispatch queue.
func (d *Digital) onSensorEdge(name string, level bool) error {
	st, err := d.readSensors()
	if err != nil {
		return err
	}
	d.sink.PostSensor(st)
	return nil
}

func (d *Digital) readSensors() (Status, error) {
	var st Status
	var err error
	if st.CarrierPresent, err = d.io.ReadLine(LineCarrierPresent); err != nil {
		return st, fmt.Errorf("%s: %w", LineCarrierPresent, err)
	}
	if st.Clamped, err = d.io.ReadLine(LineClampClosed); err != nil {
		return st, fmt.Errorf("%s: %w", LineClampClosed, err)
	}
	if st.Docked, err = d.io.ReadLine(LineDockHome); err != nil {
		return st, fmt.Errorf("%s: %w", LineDockHome, err)
	}
	if st.PlacementOK, err = d.io.ReadLine(LinePlacementOK); err != nil {
		return st, fmt.Errorf("%s: %w", LinePlacementOK, err)
	}
	return st, nil
}

func (d *Digital) PrepareForLoad()   { d.prepare(true) }
func (d *Digital) PrepareForUnload() { d.prepare(false) }

func (d *Digital) prepare(forLoad bool) {
	if !d.Healthy() {
		d.completeFault(types.FaultPlacementFailure, "port fault latched")
		return
	}
	st := d.status

	ready := st.ReadyForLoad()
	if !forLoad {
		ready = st.ReadyForUnload()
	}
	if ready {
		d.sink.PostCompletion(Completion{Ready: true})
		return
	}

	if forLoad && st.CarrierPresent {
		d.completeFault(types.FaultPlacementFailure, "carrier already on plate")
		return
	}
	if !forLoad && !st.CarrierPresent {
		d.completeFault(types.FaultPlacementFailure, "no carrier to unload")
		return
	}

	// Drive the port home: release the latches, run the dock to its home
	// position, then wait for the sensors through the watchdog window.
	if st.Clamped {
		if err := d.io.WriteLine(LineClampLatch, false); err != nil {
			d.completeFault(types.FaultDigitalIoUnavailable, err.Error())
			return
		}
	}
	if !st.Docked {
		d.send(EvPrepare)
		if err := d.io.WriteLine(LineDockMotor, true); err != nil {
			d.completeFault(types.FaultDigitalIoUnavailable, err.Error())
			return
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pending != nil {
		d.pending.watchdog.Stop()
	}
	op := &pendingOp{forLoad: forLoad}
	op.watchdog = time.AfterFunc(d.actuatorTimeout, func() { d.actuatorTimedOut(op) })
	d.pending = op
}

func (d *Digital) actuatorTimedOut(op *pendingOp) {
	d.mu.Lock()
	if d.pending != op {
		d.mu.Unlock()
		return
	}
	d.pending = nil
	d.faultLatched = true
	d.mu.Unlock()
	d.sink.PostCompletion(Completion{Fault: types.Fault{
		Kind:   types.FaultActuatorTimeout,
		Detail: fmt.Sprintf("actuators did not reach position within %s", d.actuatorTimeout),
		Time:   time.Now(),
	}})
}

// ApplySensor advances the port model, then settles any pending prepare.
func (d *Digital) ApplySensor(st Status) {
	wasLoaded := d.portState() == StatePortDockedLoaded
	hadPlacement := d.status.PlacementOK
	d.applySensor(st)

	if wasLoaded && hadPlacement && st.CarrierPresent && !st.PlacementOK {
		d.latchSensorFault("placement lost with carrier on plate")
		return
	}

	d.mu.Lock()
	op := d.pending
	d.mu.Unlock()
	if op == nil {
		return
	}

	ready := st.ReadyForLoad()
	if !op.forLoad {
		ready = st.ReadyForUnload()
	}
	if !ready {
		return
	}
	d.mu.Lock()
	if d.pending != op {
		d.mu.Unlock()
		return
	}
	op.watchdog.Stop()
	d.pending = nil
	d.mu.Unlock()

	if err := d.io.WriteLine(LineDockMotor, false); err != nil {
		d.log.Warnf("stop dock motor: %v", err)
	}
	d.sink.PostCompletion(Completion{Ready: true})
}

func (d *Digital) latchSensorFault(detail string) {
	d.mu.Lock()
	d.faultLatched = true
	if d.pending != nil {
		d.pending.watchdog.Stop()
		d.pending = nil
	}
	d.mu.Unlock()
	d.send(EvPortFault)
	d.sink.PostCompletion(Completion{Fault: types.Fault{
		Kind:   types.FaultSensorInconsistent,
		Detail: detail,
		Time:   time.Now(),
	}})
}

func (d *Digital) completeFault(kind types.FaultKind, detail string) {
	d.sink.PostCompletion(Completion{Fault: types.Fault{
		Kind:   kind,
		Detail: detail,
		Time:   time.Now(),
	}})
}

func (d *Digital) Report() Status { return d.status }

func (d *Digital) Healthy() bool {
	d.mu.Lock()
	latched := d.faultLatched
	d.mu.Unlock()
	return !latched && d.portState() != StatePortFault
}

// EmergencySafe stops all motion. Safe to call repeatedly and from any
// state; line writes are idempotent.
func (d *Digital) EmergencySafe() {
	d.mu.Lock()
	if d.pending != nil {
		d.pending.watchdog.Stop()
		d.pending = nil
	}
	d.mu.Unlock()
	if err := d.io.WriteLine(LineDockMotor, false); err != nil {
		d.log.Errorf("emergency: stop dock motor: %v", err)
	}
	if err := d.io.WriteLine(LineClampLatch, false); err != nil {
		d.log.Errorf("emergency: release clamp: %v", err)
	}
	d.log.Warnf("port driven to emergency-safe state")
}

// Reset clears a latched fault once the sensors read consistent again.
func (d *Digital) Reset() bool {
	d.mu.Lock()
	latched := d.faultLatched
	d.mu.Unlock()
	if !latched && d.portState() != StatePortFault {
		return true
	}
	st, err := d.readSensors()
	if err != nil {
		return false
	}
	if st.CarrierPresent && !st.PlacementOK {
		return false
	}
	d.mu.Lock()
	d.faultLatched = false
	d.mu.Unlock()
	if d.portState() == StatePortFault {
		d.send(EvPortReset)
	}
	d.applySensor(st)
	return true
}

func (d *Digital) Close() {
	d.mu.Lock()
	if d.pending != nil {
		d.pending.watchdog.Stop()
		d.pending = nil
	}
	d.mu.Unlock()
	d.closeFSM()
}
