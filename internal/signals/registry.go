package signals

import (
	"errors"
	"fmt"
	"time"
)

// Direction says who is allowed to drive a signal.
type Direction int

const (
	// DirInput signals are driven by the transport layer (AMHS side).
	DirInput Direction = iota
	// DirOutput signals are driven by the handshake machine.
	DirOutput
	// DirInternal signals reflect physical port state, driven by the
	// load port coordinator.
	DirInternal
)

func (d Direction) String() string {
	switch d {
	case DirInput:
		return "input"
	case DirOutput:
		return "output"
	case DirInternal:
		return "internal"
	}
	return fmt.Sprintf("direction(%d)", int(d))
}

var (
	ErrDuplicateSignal   = errors.New("duplicate signal")
	ErrUnknownSignal     = errors.New("unknown signal")
	ErrWrongDirection    = errors.New("write by non-owner")
	ErrReentrantDispatch = errors.New("reentrant dispatch")
)

// Token authorizes writes to one signal. It is issued exactly once, at
// registration, to the registering party.
type Token struct {
	reg *Registry
	idx int
}

// Handle is a cheap read reference to a registered signal.
type Handle struct {
	reg *Registry
	idx int
}

// Name returns the signal name the handle refers to.
func (h Handle) Name() string { return h.reg.sigs[h.idx].name }

// SubscriptionID identifies a subscription for Unsubscribe.
type SubscriptionID uint64

// Info is a point-in-time view of one signal, for diagnostics.
type Info struct {
	Name      string
	Direction Direction
	ActiveLow bool
	Level     bool
	ChangedAt time.Time
}

type signalState struct {
	name      string
	dir       Direction
	activeLow bool
	level     bool
	changedAt time.Time
}

type subscription struct {
	id SubscriptionID
	cb func(name string, level bool)
}

type deferredWrite struct {
	idx   int
	level bool
}

// Registry holds the named boolean signals and their subscribers. It is
// not safe for concurrent use: all access must happen on the dispatch
// goroutine. Notification is edge-triggered; writing an unchanged level
// does nothing. Writes performed inside a subscriber callback are queued
// and dispatched after the callback returns, in write order. A write from
// a callback that itself runs during that deferred drain fails with
// ErrReentrantDispatch.
type Registry struct {
	byName   map[string]int
	sigs     []signalState
	subs     map[int][]subscription
	nextSub  SubscriptionID
	deferred []deferredWrite

	// dispatch tracking: depth 0 = idle, 1 = inside a top-level
	// notification, 2 = inside a deferred-drain notification.
	depth int

	now func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		byName: make(map[string]int),
		subs:   make(map[int][]subscription),
		now:    time.Now,
	}
}

// SetClock replaces the timestamp source. Test hook.
func (r *Registry) SetClock(now func() time.Time) { r.now = now }

// Register adds a signal and issues its writer token. The token is the
// only way to change the signal's level.
func (r *Registry) Register(name string, dir Direction, activeLow bool) (Handle, Token, error) {
	if _, ok := r.byName[name]; ok {
		return Handle{}, Token{}, fmt.Errorf("%w: %s", ErrDuplicateSignal, name)
	}
	idx := len(r.sigs)
	r.sigs = append(r.sigs, signalState{
		name:      name,
		dir:       dir,
		activeLow: activeLow,
		changedAt: r.now(),
	})
	r.byName[name] = idx
	return Handle{reg: r, idx: idx}, Token{reg: r, idx: idx}, nil
}

// Lookup returns a read handle for a registered signal.
func (r *Registry) Lookup(name string) (Handle, error) {
	idx, ok := r.byName[name]
	if !ok {
		return Handle{}, fmt.Errorf("%w: %s", ErrUnknownSignal, name)
	}
	return Handle{reg: r, idx: idx}, nil
}

// Read returns the current level of a signal. Total: a valid handle
// always reads.
func (r *Registry) Read(h Handle) bool {
	return r.sigs[h.idx].level
}

// Get reads a signal by name, false for unknown names.
func (r *Registry) Get(name string) bool {
	idx, ok := r.byName[name]
	if !ok {
		return false
	}
	return r.sigs[idx].level
}

// Write sets a signal level through its writer token. Writing the current
// level is a no-op and notifies nobody.
func (r *Registry) Write(t Token, level bool) error {
	if t.reg != r {
		return ErrWrongDirection
	}
	s := &r.sigs[t.idx]
	if s.level == level {
		return nil
	}
	switch r.depth {
	case 0:
		r.apply(t.idx, level)
		r.drainDeferred()
		return nil
	case 1:
		// Inside a subscriber callback: queue for after it returns.
		r.deferred = append(r.deferred, deferredWrite{idx: t.idx, level: level})
		return nil
	default:
		return fmt.Errorf("%w: write to %s from a deferred-dispatch callback", ErrReentrantDispatch, s.name)
	}
}

func (r *Registry) apply(idx int, level bool) {
	s := &r.sigs[idx]
	s.level = level
	s.changedAt = r.now()
	r.depth++
	for _, sub := range r.subs[idx] {
		sub.cb(s.name, level)
	}
	r.depth--
}

func (r *Registry) drainDeferred() {
	for len(r.deferred) > 0 {
		w := r.deferred[0]
		r.deferred = r.deferred[1:]
		if r.sigs[w.idx].level == w.level {
			continue
		}
		// Deferred notifications run at depth 2 so that further writes
		// from their callbacks are rejected instead of recursing.
		r.depth++
		r.apply(w.idx, w.level)
		r.depth--
	}
}

// Subscribe registers a callback invoked synchronously on every real level
// change of the named signal, in FIFO registration order.
func (r *Registry) Subscribe(name string, cb func(name string, level bool)) (SubscriptionID, error) {
	idx, ok := r.byName[name]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownSignal, name)
	}
	r.nextSub++
	id := r.nextSub
	r.subs[idx] = append(r.subs[idx], subscription{id: id, cb: cb})
	return id, nil
}

// Unsubscribe removes a subscription. Idempotent.
func (r *Registry) Unsubscribe(id SubscriptionID) {
	for idx, list := range r.subs {
		for i, sub := range list {
			if sub.id == id {
				r.subs[idx] = append(list[:i:i], list[i+1:]...)
				return
			}
		}
	}
}

// Snapshot returns a consistent copy of all signal levels.
func (r *Registry) Snapshot() map[string]bool {
	m := make(map[string]bool, len(r.sigs))
	for _, s := range r.sigs {
		m[s.name] = s.level
	}
	return m
}

// SnapshotList returns per-signal diagnostics in registration order.
func (r *Registry) SnapshotList() []Info {
	out := make([]Info, len(r.sigs))
	for i, s := range r.sigs {
		out[i] = Info{
			Name:      s.name,
			Direction: s.dir,
			ActiveLow: s.activeLow,
			Level:     s.level,
			ChangedAt: s.changedAt,
		}
	}
	return out
}
