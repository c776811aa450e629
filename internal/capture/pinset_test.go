package capture

import (
	"errors"
	"testing"

	"github.com/smazurov/rtcapture/internal/surface"
)

func TestPinSetLifecycle(t *testing.T) {
	reg := surface.NewRegistry(surface.DefaultConfig())
	a, _, _ := reg.Allocate(4096)
	b, _, _ := reg.Allocate(4096)
	ps := NewPinSet(reg, 2, 2)

	if _, err := ps.Pin(0, a, 0); err == nil {
		t.Fatal("Pin on a free slot succeeded")
	}
	if err := ps.Reserve(0); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if err := ps.Reserve(0); !errors.Is(err, ErrBusy) {
		t.Fatalf("second Reserve = %v, want ErrBusy", err)
	}
	if _, err := ps.Pin(0, a, 0); err != nil {
		t.Fatalf("Pin a: %v", err)
	}
	if _, err := ps.Pin(0, b, 128); err != nil {
		t.Fatalf("Pin b: %v", err)
	}
	if _, err := ps.Pin(0, a, 0); !errors.Is(err, ErrTooManySurfaces) {
		t.Fatalf("third Pin = %v, want ErrTooManySurfaces", err)
	}
	if ps.Count(0) != 2 || reg.Pins(a) != 1 || reg.Pins(b) != 1 {
		t.Fatalf("pin counts = %d/%d/%d", ps.Count(0), reg.Pins(a), reg.Pins(b))
	}

	ps.Complete(0)
	if st := ps.State(0); st != SlotCompleted {
		t.Errorf("state = %s, want completed", st)
	}
	if n, err := ps.Unpin(0); n != 2 || err != nil {
		t.Fatalf("Unpin = %d, %v", n, err)
	}
	if n, err := ps.Unpin(0); n != 0 || err != nil {
		t.Fatalf("second Unpin = %d, %v, want no-op", n, err)
	}
	if reg.Pins(a) != 0 || reg.Pins(b) != 0 {
		t.Errorf("registry still pinned")
	}
	if st := ps.State(0); st != SlotFree {
		t.Errorf("state = %s, want free", st)
	}
	if _, err := ps.Unpin(5); CodeOf(err) != CodeInvalidParameter {
		t.Errorf("Unpin out of range = %v", err)
	}
}

func TestPinSetUnpinAll(t *testing.T) {
	reg := surface.NewRegistry(surface.DefaultConfig())
	h, _, _ := reg.Allocate(4096)
	ps := NewPinSet(reg, 3, 4)
	for slot := uint32(0); slot < 3; slot++ {
		_ = ps.Reserve(slot)
		if _, err := ps.Pin(slot, h, 0); err != nil {
			t.Fatalf("Pin: %v", err)
		}
	}
	if reg.Pins(h) != 3 || ps.Busy() != 3 {
		t.Fatalf("pins = %d, busy = %d", reg.Pins(h), ps.Busy())
	}
	if n := ps.UnpinAll(); n != 3 {
		t.Fatalf("UnpinAll = %d, want 3", n)
	}
	if reg.Pins(h) != 0 || ps.Total() != 0 || ps.Busy() != 0 {
		t.Fatalf("after UnpinAll pins = %d, total = %d, busy = %d", reg.Pins(h), ps.Total(), ps.Busy())
	}
}

func TestPinSetMapsRegistryErrors(t *testing.T) {
	reg := surface.NewRegistry(surface.Config{WindowBase: 0x10000, WindowSize: 4096, Alignment: 4096})
	big, _, _ := reg.Allocate(8192)
	small, _, _ := reg.Allocate(64)
	ps := NewPinSet(reg, 1, 4)
	_ = ps.Reserve(0)

	if _, err := ps.Pin(0, big, 0); CodeOf(err) != CodeNoMemory {
		t.Errorf("exhausted window = %v, want NO_MEMORY", err)
	}
	if _, err := ps.Pin(0, small, 64); CodeOf(err) != CodeInvalidParameter {
		t.Errorf("offset past end = %v, want INVALID_PARAMETER", err)
	}
	if ps.Count(0) != 0 {
		t.Errorf("failed pins recorded")
	}
}
