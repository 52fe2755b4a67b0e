package signals

import (
	"errors"
	"testing"
)

func TestRegisterDuplicate(t *testing.T) {
	r := NewRegistry()
	if _, _, err := r.Register("VALID", DirInput, false); err != nil {
		t.Fatalf("first register failed: %v", err)
	}
	_, _, err := r.Register("VALID", DirInput, false)
	if !errors.Is(err, ErrDuplicateSignal) {
		t.Fatalf("expected ErrDuplicateSignal, got %v", err)
	}
}

func TestWriteRequiresOwnToken(t *testing.T) {
	r := NewRegistry()
	h, tok, err := r.Register("L_REQ", DirOutput, false)
	if err != nil {
		t.Fatal(err)
	}
	other := NewRegistry()
	_, foreign, _ := other.Register("L_REQ", DirOutput, false)

	if err := r.Write(foreign, true); !errors.Is(err, ErrWrongDirection) {
		t.Fatalf("expected ErrWrongDirection for foreign token, got %v", err)
	}
	if err := r.Write(tok, true); err != nil {
		t.Fatalf("owner write failed: %v", err)
	}
	if !r.Read(h) {
		t.Fatal("level not applied")
	}
}

func TestUnchangedWriteDoesNotNotify(t *testing.T) {
	r := NewRegistry()
	_, tok, _ := r.Register("BUSY", DirInput, false)
	notifications := 0
	if _, err := r.Subscribe("BUSY", func(string, bool) { notifications++ }); err != nil {
		t.Fatal(err)
	}

	if err := r.Write(tok, false); err != nil {
		t.Fatal(err)
	}
	if notifications != 0 {
		t.Fatalf("no-op write notified %d times", notifications)
	}
	if err := r.Write(tok, true); err != nil {
		t.Fatal(err)
	}
	if err := r.Write(tok, true); err != nil {
		t.Fatal(err)
	}
	if notifications != 1 {
		t.Fatalf("expected 1 notification, got %d", notifications)
	}
}

func TestNotificationOrderIsFIFO(t *testing.T) {
	r := NewRegistry()
	_, tok, _ := r.Register("CS_0", DirInput, false)

	var order []int
	for i := 0; i < 4; i++ {
		i := i
		if _, err := r.Subscribe("CS_0", func(string, bool) { order = append(order, i) }); err != nil {
			t.Fatal(err)
		}
	}
	if err := r.Write(tok, true); err != nil {
		t.Fatal(err)
	}
	for i, got := range order {
		if got != i {
			t.Fatalf("notification order %v, want ascending", order)
		}
	}
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	r := NewRegistry()
	_, tok, _ := r.Register("COMPT", DirInput, false)
	calls := 0
	id, _ := r.Subscribe("COMPT", func(string, bool) { calls++ })

	r.Unsubscribe(id)
	r.Unsubscribe(id)

	if err := r.Write(tok, true); err != nil {
		t.Fatal(err)
	}
	if calls != 0 {
		t.Fatalf("unsubscribed callback ran %d times", calls)
	}
}

// A callback that writes other signals must see those writes land after it
// returns, in write order.
func TestNestedWritesAreDeferred(t *testing.T) {
	r := NewRegistry()
	_, in, _ := r.Register("TR_REQ", DirInput, false)
	hA, outA, _ := r.Register("READY", DirOutput, false)
	hB, outB, _ := r.Register("L_REQ", DirOutput, false)

	var seen []string
	if _, err := r.Subscribe("READY", func(name string, _ bool) { seen = append(seen, name) }); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Subscribe("L_REQ", func(name string, _ bool) { seen = append(seen, name) }); err != nil {
		t.Fatal(err)
	}

	if _, err := r.Subscribe("TR_REQ", func(string, bool) {
		if err := r.Write(outA, true); err != nil {
			t.Errorf("deferred write READY: %v", err)
		}
		if err := r.Write(outB, true); err != nil {
			t.Errorf("deferred write L_REQ: %v", err)
		}
		// Neither write has dispatched yet.
		if len(seen) != 0 {
			t.Errorf("writes dispatched synchronously: %v", seen)
		}
	}); err != nil {
		t.Fatal(err)
	}

	if err := r.Write(in, true); err != nil {
		t.Fatal(err)
	}
	if len(seen) != 2 || seen[0] != "READY" || seen[1] != "L_REQ" {
		t.Fatalf("deferred dispatch order %v, want [READY L_REQ]", seen)
	}
	if !r.Read(hA) || !r.Read(hB) {
		t.Fatal("deferred writes not applied")
	}
}

// Writes from a callback that itself runs during the deferred drain are a
// programming error.
func TestReentrantDispatchRejected(t *testing.T) {
	r := NewRegistry()
	_, in, _ := r.Register("VALID", DirInput, false)
	_, outA, _ := r.Register("READY", DirOutput, false)
	_, outB, _ := r.Register("HO_AVBL", DirOutput, false)

	var nested error
	if _, err := r.Subscribe("READY", func(string, bool) {
		nested = r.Write(outB, true)
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Subscribe("VALID", func(string, bool) {
		if err := r.Write(outA, true); err != nil {
			t.Errorf("first-level deferred write: %v", err)
		}
	}); err != nil {
		t.Fatal(err)
	}

	if err := r.Write(in, true); err != nil {
		t.Fatal(err)
	}
	if !errors.Is(nested, ErrReentrantDispatch) {
		t.Fatalf("expected ErrReentrantDispatch, got %v", nested)
	}
}

func TestSnapshot(t *testing.T) {
	r := NewRegistry()
	_, a, _ := r.Register("CS_1", DirInput, false)
	_, _, _ = r.Register("ES", DirInput, false)

	if err := r.Write(a, true); err != nil {
		t.Fatal(err)
	}
	snap := r.Snapshot()
	if !snap["CS_1"] || snap["ES"] {
		t.Fatalf("snapshot mismatch: %v", snap)
	}

	// The snapshot is a copy: later writes must not leak into it.
	if err := r.Write(a, false); err != nil {
		t.Fatal(err)
	}
	if !snap["CS_1"] {
		t.Fatal("snapshot mutated by later write")
	}

	list := r.SnapshotList()
	if len(list) != 2 || list[0].Name != "CS_1" || list[1].Name != "ES" {
		t.Fatalf("snapshot list not in registration order: %v", list)
	}
}
