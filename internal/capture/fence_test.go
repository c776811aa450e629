package capture

import (
	"errors"
	"testing"

	"github.com/smazurov/rtcapture/internal/syncpt"
)

func TestFenceRewriteRoundTrip(t *testing.T) {
	cfg := syncpt.DefaultPoolConfig()
	cfg.Count = cfg.Tables.Capacity()
	pool := newPool(t, cfg)
	rw := fenceRewriter{counters: pool}
	tables := pool.Tables()

	for _, counter := range []uint32{1, 17, 1023, 1024, 4095} {
		desc := make([]byte, ProcessDescriptorSize)
		if err := PutFence(desc, ProcessFenceArea, Fence{Counter: counter, Threshold: 42}); err != nil {
			t.Fatalf("PutFence: %v", err)
		}
		relocs := []Relocation{FenceAt(ProcessFenceArea)}

		var first FenceRecord
		for pass := 0; pass < 2; pass++ {
			if err := rw.rewrite(desc, relocs); err != nil {
				t.Fatalf("rewrite counter %d: %v", counter, err)
			}
			rec, err := ReadFence(desc, ProcessFenceArea)
			if err != nil {
				t.Fatalf("ReadFence: %v", err)
			}
			if pass == 0 {
				first = rec
			} else if rec != first {
				t.Fatalf("rewrite not idempotent: %+v then %+v", first, rec)
			}
		}

		want, _ := tables.Lookup(counter)
		if got := first.Backing(); got != want {
			t.Errorf("counter %d backing = %+v, want %+v", counter, got, want)
		}
		back, err := tables.Reverse(first.Backing())
		if err != nil || back != counter {
			t.Errorf("reverse lookup = %d, %v, want %d", back, err, counter)
		}
		addr, _ := pool.Address(counter)
		if first.Address != addr {
			t.Errorf("address = %#x, want %#x", first.Address, addr)
		}
		if first.Counter != counter || first.Threshold != 42 {
			t.Errorf("fence fields changed: %+v", first.Fence)
		}
	}
}

func TestFenceRewriteBounds(t *testing.T) {
	pool := newPool(t, syncpt.DefaultPoolConfig())
	rw := fenceRewriter{counters: pool}
	desc := make([]byte, ProcessDescriptorSize)
	_ = PutFence(desc, ProcessFenceArea, Fence{Counter: 3})

	tests := []struct {
		name   string
		relocs []Relocation
	}{
		{"counter past end", []Relocation{{Counter: ProcessDescriptorSize - 2, Semaphore: 0, Address: 8}}},
		{"address past end", []Relocation{{Counter: ProcessFenceArea, Semaphore: ProcessFenceArea + 8, Address: ProcessDescriptorSize - 4}}},
		{"wrapping offset", []Relocation{{Counter: 0xFFFF_FFFF, Semaphore: 0, Address: 0}}},
		{"too many", make([]Relocation, MaxFences+1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := rw.rewrite(desc, tt.relocs)
			if !errors.Is(err, ErrInvalidDescriptor) {
				t.Fatalf("rewrite = %v, want ErrInvalidDescriptor", err)
			}
		})
	}

	t.Run("unbacked counter", func(t *testing.T) {
		d := make([]byte, ProcessDescriptorSize)
		_ = PutFence(d, ProcessFenceArea, Fence{Counter: 1 << 20})
		err := rw.rewrite(d, []Relocation{FenceAt(ProcessFenceArea)})
		if !errors.Is(err, ErrInvalidDescriptor) {
			t.Fatalf("rewrite = %v, want ErrInvalidDescriptor", err)
		}
	})
}

func TestSubmitRewritesFences(t *testing.T) {
	h := newReadyHarness(t, viConfig())
	upstream, _ := h.pool.Alloc("upstream")

	d, _ := h.ch.Descriptor(0)
	d.Reset()
	_ = PutFence(d, ProcessFenceArea, Fence{Counter: upstream, Threshold: 9})
	err := h.ch.Submit(ProcessRequest{Slot: 0, InputFences: []Relocation{FenceAt(ProcessFenceArea)}})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	rec, _ := ReadFence(d, ProcessFenceArea)
	want, _ := h.pool.Backing(upstream)
	if rec.Backing() != want {
		t.Errorf("backing = %+v, want %+v", rec.Backing(), want)
	}

	// A bad relocation fails the submission and frees the slot.
	d1, _ := h.ch.Descriptor(1)
	d1.Reset()
	err = h.ch.Submit(ProcessRequest{Slot: 1, Prefences: []Relocation{{Counter: 1 << 31}}})
	if !errors.Is(err, ErrInvalidDescriptor) {
		t.Fatalf("Submit = %v, want ErrInvalidDescriptor", err)
	}
	if st := h.ch.pins[RingProcess].State(1); st != SlotFree {
		t.Errorf("slot state = %s, want free", st)
	}
}
