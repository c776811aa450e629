package capture

import (
	"testing"

	"github.com/smazurov/rtcapture/internal/rtcpu"
)

func TestBinderGoverningProgram(t *testing.T) {
	b := NewBinder(4, 3)
	b.Activate(0, 10, 1, 2, false)
	b.Activate(1, 20, 2, 3, false)

	tests := []struct {
		seq   uint32
		want  int
		units uint32
	}{
		{15, 0, 2},
		{20, 1, 3},
		{25, 1, 3},
		{5, -1, 0},
	}
	for i, tt := range tests {
		prog, units, ok := b.Bind(uint32(i), tt.seq, rtcpu.NoProgram)
		if prog != tt.want || units != tt.units || ok != (tt.want >= 0) {
			t.Errorf("Bind(seq %d) = %d, %d, %v, want %d, %d", tt.seq, prog, units, ok, tt.want, tt.units)
		}
	}
}

func TestBinderWrapsSequence(t *testing.T) {
	b := NewBinder(2, 2)
	b.Activate(0, 0xFFFF_FFF0, 1, 1, false)
	b.Activate(1, 0x10, 2, 1, false)

	if prog, _, _ := b.Bind(0, 0xFFFF_FFFF, rtcpu.NoProgram); prog != 0 {
		t.Errorf("pre-wrap request bound to %d, want 0", prog)
	}
	if prog, _, _ := b.Bind(1, 0x20, rtcpu.NoProgram); prog != 1 {
		t.Errorf("post-wrap request bound to %d, want 1", prog)
	}
	if b.Current() != 1 {
		t.Errorf("current = %d, want 1", b.Current())
	}
}

func TestBinderDefersRetire(t *testing.T) {
	b := NewBinder(4, 2)
	b.Activate(0, 100, 1, 0, false)
	b.Bind(0, 100, rtcpu.NoProgram)
	b.Bind(1, 101, rtcpu.NoProgram)
	b.Activate(1, 102, 2, 0, false)

	if b.Retire(0) {
		t.Fatal("program retired while process requests still run under it")
	}
	if got := b.Unbind(0); len(got) != 0 {
		t.Fatalf("Unbind(0) released %v, want none", got)
	}
	if b.Stale(0) {
		t.Fatal("program stale while slot 1 still references it")
	}
	got := b.Unbind(1)
	if len(got) != 1 || got[0] != 0 {
		t.Fatalf("Unbind(1) released %v, want [0]", got)
	}
	if b.Active() != 1 {
		t.Errorf("active = %d, want 1", b.Active())
	}
}

func TestBinderCoupled(t *testing.T) {
	b := NewBinder(4, 2)
	b.Activate(0, 50, 1, 4, false)
	b.Activate(1, 60, 9, 1, true)

	prog, units, ok := b.Bind(3, 60, 1)
	if !ok || prog != 1 || units != 1 {
		t.Fatalf("coupled Bind = %d, %d, %v", prog, units, ok)
	}
	// Uncoupled requests never bind to a coupled program.
	if prog, _, _ := b.Bind(2, 61, rtcpu.NoProgram); prog != 0 {
		t.Fatalf("uncoupled Bind = %d, want 0", prog)
	}
	if b.Retire(1) {
		t.Fatal("coupled program retired before its process request")
	}
	if got := b.Unbind(3); len(got) != 1 || got[0] != 1 {
		t.Fatalf("Unbind(3) released %v, want [1]", got)
	}
	// Program 0 is referenced by slot 2 through its sequence.
	if b.Stale(0) {
		t.Fatal("program 0 stale while slot 2 runs under it")
	}
}
