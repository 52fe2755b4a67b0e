package loadport

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/stev4501/E84-v10/internal/logger"
	"github.com/stev4501/E84-v10/internal/serial"
	"github.com/stev4501/E84-v10/internal/signals"
	"github.com/stev4501/E84-v10/internal/types"
)

// Verbs and responses of the load-port serial protocol.
const (
	verbLoad   = "LOAD"
	verbUnload = "UNLOAD"
	verbStatus = "STATUS"
	verbReset  = "RESET"
	verbStop   = "STOP"

	respOK    = "OK"
	respBusy  = "BUSY"
	respReady = "READY"
	respDone  = "DONE"
)

// STATUS bitmap bits.
const (
	statusBitCarrier   = 1 << 0
	statusBitClamped   = 1 << 1
	statusBitDocked    = 1 << 2
	statusBitPlacement = 1 << 3
)

const (
	defaultResponseTimeout = 5 * time.Second
	defaultPollInterval    = 500 * time.Millisecond
	busyRetryDelay         = 250 * time.Millisecond
)

type requestKind int

const (
	reqPrepareLoad requestKind = iota
	reqPrepareUnload
	reqStatus
)

type request struct {
	kind requestKind
	verb string
}

// Ascii drives a load port over the serial line protocol. Requests go
// through a small queue with at most one command in flight; a transport
// error is retried once, then raised as a port fault. Sensor state comes
// from periodic STATUS polls.
type Ascii struct {
	*base
	tr   serial.LineTransport
	sink Sink

	responseTimeout time.Duration
	pollInterval    time.Duration

	queue chan request
	stop  chan struct{}
	done  chan struct{}

	mu           sync.Mutex
	faultLatched bool
}

// NewAscii registers the internal signals and starts the request worker
// and the STATUS poller.
func NewAscii(reg *signals.Registry, tr serial.LineTransport, sink Sink, log *logger.Logger) (*Ascii, error) {
	b, err := newBase(reg, log.WithTag("loadport"))
	if err != nil {
		return nil, err
	}
	a := &Ascii{
		base:            b,
		tr:              tr,
		sink:            sink,
		responseTimeout: defaultResponseTimeout,
		pollInterval:    defaultPollInterval,
		queue:           make(chan request, 8),
		stop:            make(chan struct{}),
		done:            make(chan struct{}),
	}
	if err := a.initFSM(a); err != nil {
		return nil, err
	}
	go a.worker()
	return a, nil
}

// Prime performs one synchronous STATUS exchange so that startup sees a
// stable port before the dispatch loop runs.
func (a *Ascii) Prime() error {
	resp, err := a.exchange(verbStatus)
	if err != nil {
		return err
	}
	st, err := parseStatus(resp)
	if err != nil {
		return err
	}
	a.applySensor(st)
	return nil
}

func (a *Ascii) PrepareForLoad()   { a.enqueue(request{kind: reqPrepareLoad, verb: verbLoad}) }
func (a *Ascii) PrepareForUnload() { a.enqueue(request{kind: reqPrepareUnload, verb: verbUnload}) }

func (a *Ascii) enqueue(r request) {
	select {
	case a.queue <- r:
	default:
		a.completeFault(types.FaultSerialTimeout, "request queue full")
	}
}

func (a *Ascii) worker() {
	defer close(a.done)
	poll := time.NewTicker(a.pollInterval)
	defer poll.Stop()
	for {
		select {
		case <-a.stop:
			return
		case r := <-a.queue:
			a.process(r)
		case <-poll.C:
			if a.Healthy() && len(a.queue) == 0 {
				a.process(request{kind: reqStatus, verb: verbStatus})
			}
		}
	}
}

// exchange performs one roundtrip with the single-retry-on-transport-error
// policy.
func (a *Ascii) exchange(verb string) (string, error) {
	resp, err := a.tr.Roundtrip(verb, a.responseTimeout)
	if err == nil {
		return resp, nil
	}
	a.log.Warnf("transport error on %s, retrying once: %v", verb, err)
	return a.tr.Roundtrip(verb, a.responseTimeout)
}

func (a *Ascii) process(r request) {
	resp, err := a.exchange(r.verb)
	if err != nil {
		a.transportFault(r, err)
		return
	}

	if r.kind == reqStatus {
		st, perr := parseStatus(resp)
		if perr != nil {
			a.transportFault(r, perr)
			return
		}
		a.sink.PostSensor(st)
		return
	}

	switch {
	case resp == respOK, resp == respReady, resp == respDone:
		a.sink.PostCompletion(Completion{Ready: true})
	case resp == respBusy:
		// Port is mid-motion: give it one more chance before failing.
		time.Sleep(busyRetryDelay)
		resp, err = a.exchange(r.verb)
		if err != nil {
			a.transportFault(r, err)
			return
		}
		if resp == respOK || resp == respReady || resp == respDone {
			a.sink.PostCompletion(Completion{Ready: true})
			return
		}
		a.portError(r, resp)
	default:
		a.portError(r, resp)
	}
}

func (a *Ascii) portError(r request, resp string) {
	code := resp
	if strings.HasPrefix(resp, "ERR:") {
		code = strings.TrimPrefix(resp, "ERR:")
	}
	kind := types.FaultPlacementFailure
	if strings.Contains(code, "TIMEOUT") || strings.HasPrefix(code, "ACT") {
		kind = types.FaultActuatorTimeout
	}
	a.latch()
	a.sink.PostCompletion(Completion{Fault: types.Fault{
		Kind:   kind,
		Detail: fmt.Sprintf("%s rejected: %s", r.verb, resp),
		Time:   time.Now(),
	}})
}

func (a *Ascii) transportFault(r request, err error) {
	kind := types.FaultSerialTimeout
	if errors.Is(err, serial.ErrFraming) {
		kind = types.FaultSerialFraming
	}
	a.latch()
	a.sink.PostCompletion(Completion{Fault: types.Fault{
		Kind:   kind,
		Detail: fmt.Sprintf("%s: %v", r.verb, err),
		Time:   time.Now(),
	}})
}

func (a *Ascii) completeFault(kind types.FaultKind, detail string) {
	a.sink.PostCompletion(Completion{Fault: types.Fault{
		Kind:   kind,
		Detail: detail,
		Time:   time.Now(),
	}})
}

func (a *Ascii) latch() {
	a.mu.Lock()
	a.faultLatched = true
	a.mu.Unlock()
}

func parseStatus(resp string) (Status, error) {
	if !strings.HasPrefix(resp, "STATUS:") {
		return Status{}, fmt.Errorf("%w: unexpected status response %q", serial.ErrFraming, resp)
	}
	bits, err := strconv.ParseUint(strings.TrimPrefix(resp, "STATUS:"), 16, 8)
	if err != nil {
		return Status{}, fmt.Errorf("%w: bad status bitmap %q", serial.ErrFraming, resp)
	}
	return Status{
		CarrierPresent: bits&statusBitCarrier != 0,
		Clamped:        bits&statusBitClamped != 0,
		Docked:         bits&statusBitDocked != 0,
		PlacementOK:    bits&statusBitPlacement != 0,
	}, nil
}

// ApplySensor runs on the dispatch goroutine with a polled status.
func (a *Ascii) ApplySensor(st Status) {
	a.applySensor(st)
}

func (a *Ascii) Report() Status { return a.status }

func (a *Ascii) Healthy() bool {
	a.mu.Lock()
	latched := a.faultLatched
	a.mu.Unlock()
	return !latched && a.portState() != StatePortFault
}

// EmergencySafe issues STOP directly, bypassing the queue. The transport
// serializes against any in-flight command, and repeated calls are safe.
func (a *Ascii) EmergencySafe() {
	if _, err := a.tr.Roundtrip(verbStop, a.responseTimeout); err != nil {
		a.log.Errorf("emergency STOP: %v", err)
	}
	a.log.Warnf("port commanded to stop")
}

// Reset clears a latched fault by commanding RESET and confirming the
// port acknowledges it.
func (a *Ascii) Reset() bool {
	if a.Healthy() {
		return true
	}
	resp, err := a.exchange(verbReset)
	if err != nil || resp != respOK {
		a.log.Warnf("port RESET rejected: resp=%q err=%v", resp, err)
		return false
	}
	a.mu.Lock()
	a.faultLatched = false
	a.mu.Unlock()
	if a.portState() == StatePortFault {
		a.send(EvPortReset)
	}
	return true
}

func (a *Ascii) Close() {
	close(a.stop)
	<-a.done
	a.closeFSM()
	a.closeTransport()
}

func (a *Ascii) closeTransport() {
	if err := a.tr.Close(); err != nil {
		a.log.Warnf("close transport: %v", err)
	}
}
