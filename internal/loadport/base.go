package loadport

import (
	"context"
	"fmt"

	"github.com/librescoot/librefsm"

	"github.com/stev4501/E84-v10/internal/logger"
	"github.com/stev4501/E84-v10/internal/signals"
)

// base carries what both coordinator variants share: the internal-signal
// tokens, the librefsm port model, and the sensor diffing that feeds it.
type base struct {
	reg    *signals.Registry
	toks   map[string]signals.Token
	mach   *librefsm.Machine
	cancel context.CancelFunc
	log    *logger.Logger

	status     Status
	haveStatus bool
}

func newBase(reg *signals.Registry, log *logger.Logger) (*base, error) {
	b := &base{
		reg:  reg,
		toks: make(map[string]signals.Token),
		log:  log,
	}
	for _, name := range signals.PortInternals {
		_, tok, err := reg.Register(name, signals.DirInternal, false)
		if err != nil {
			return nil, fmt.Errorf("register internal signal %s: %w", name, err)
		}
		b.toks[name] = tok
	}
	return b, nil
}

func (b *base) initFSM(a Actions) error {
	def := NewPortDefinition(a)
	mach, err := def.Build()
	if err != nil {
		return fmt.Errorf("build port model: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	if err := mach.Start(ctx); err != nil {
		cancel()
		return fmt.Errorf("start port model: %w", err)
	}
	b.mach = mach
	b.cancel = cancel
	return nil
}

// send delivers an event to the port model. Events the current state has
// no transition for are routine (sensor chatter) and only logged.
func (b *base) send(ev librefsm.EventID) {
	if err := b.mach.SendSync(librefsm.Event{ID: ev}); err != nil {
		b.log.Debugf("port model ignored %s in %s: %v", ev, b.mach.CurrentState(), err)
	}
}

// applySensor publishes the internal signals and advances the port model
// from a sensor diff. Runs on the dispatch goroutine.
func (b *base) applySensor(st Status) {
	prev := b.status
	first := !b.haveStatus
	b.status = st
	b.haveStatus = true

	b.publish(signals.SigCarrierPresent, st.CarrierPresent)
	b.publish(signals.SigClamped, st.Clamped)
	b.publish(signals.SigDocked, st.Docked)
	b.publish(signals.SigPlacementOK, st.PlacementOK)

	if first {
		// Adopt the physical situation found at startup.
		switch {
		case st.Docked && st.CarrierPresent:
			b.setState(StatePortDockedLoaded)
		case st.Docked:
			b.setState(StatePortDockedEmpty)
		default:
			b.setState(StatePortIdle)
		}
		return
	}

	if st.Docked && !prev.Docked {
		b.send(EvDockComplete)
	}
	if !st.Docked && prev.Docked {
		b.send(EvUndockComplete)
	}
	if st.CarrierPresent && !prev.CarrierPresent {
		b.send(EvCarrierPlaced)
	}
	if !st.CarrierPresent && prev.CarrierPresent {
		b.send(EvCarrierRemoved)
	}
}

func (b *base) setState(id librefsm.StateID) {
	if err := b.mach.SetState(id); err != nil {
		b.log.Errorf("set port model state %s: %v", id, err)
	}
}

func (b *base) publish(name string, level bool) {
	if err := b.reg.Write(b.toks[name], level); err != nil {
		b.log.Errorf("publish %s=%v: %v", name, level, err)
	}
}

func (b *base) portState() librefsm.StateID { return b.mach.CurrentState() }

func (b *base) closeFSM() {
	if b.cancel != nil {
		b.cancel()
	}
}

// === librefsm Actions (shared) ===

func (b *base) EnterIdle(c *librefsm.Context) error {
	b.log.Debugf("port model: idle")
	return nil
}

func (b *base) EnterDocking(c *librefsm.Context) error {
	b.log.Infof("port model: docking")
	return nil
}

func (b *base) EnterDockedEmpty(c *librefsm.Context) error {
	b.log.Infof("port model: docked, no carrier")
	return nil
}

func (b *base) EnterDockedLoaded(c *librefsm.Context) error {
	b.log.Infof("port model: docked, carrier present")
	return nil
}

func (b *base) EnterUndocking(c *librefsm.Context) error {
	b.log.Infof("port model: undocking")
	return nil
}

func (b *base) EnterFault(c *librefsm.Context) error {
	b.log.Warnf("port model: fault latched")
	return nil
}

func (b *base) CarrierPresent(c *librefsm.Context) bool {
	return b.status.CarrierPresent
}
