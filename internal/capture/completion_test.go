package capture

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestCompletionQueueOrderBeyondDepth(t *testing.T) {
	q := newCompletionQueue(2)
	// A slot resubmitted before its first completion was consumed completes
	// again; both completions are kept.
	for _, s := range []uint32{3, 1, 3} {
		q.push(s)
	}
	for _, want := range []uint32{3, 1, 3} {
		got, err := q.wait(context.Background(), 0)
		if err != nil || got != want {
			t.Fatalf("wait = %d, %v, want %d", got, err, want)
		}
	}
	if _, err := q.wait(context.Background(), 5*time.Millisecond); !errors.Is(err, ErrTimeout) {
		t.Fatalf("wait on empty queue = %v, want ErrTimeout", err)
	}
}

func TestCompletionQueueAbortOnlyCurrentWaiters(t *testing.T) {
	q := newCompletionQueue(4)
	errc := make(chan error, 1)
	go func() {
		_, err := q.wait(context.Background(), WaitForever)
		errc <- err
	}()
	for q.pending() != 1 {
		time.Sleep(time.Millisecond)
	}
	abortErr := fail(ErrChannelReset, "status", nil, "")
	q.abort(abortErr)
	if err := <-errc; !errors.Is(err, ErrChannelReset) {
		t.Fatalf("aborted waiter = %v", err)
	}

	// A waiter arriving after the abort sees fresh completions.
	go func() {
		q.push(2)
	}()
	got, err := q.wait(context.Background(), time.Second)
	if err != nil || got != 2 {
		t.Fatalf("wait after abort = %d, %v", got, err)
	}
}

func TestStatusRegion(t *testing.T) {
	r := NewStatusRegion(3)
	n := newNotifier(ProgressStatus{Region: r}, 2, 1).(*statusNotifier)
	n.submitted(RingProcess, 1)
	n.submitted(RingProgram, 0)
	if r.Load(1) != CellBusy || r.Load(2) != CellBusy {
		t.Fatalf("cells = %s %s %s", r.Load(0), r.Load(1), r.Load(2))
	}
	n.completed(RingProgram, 0)
	n.revoked(RingProcess, 1)
	if r.Load(1) != CellUnknown || r.Load(2) != CellDone {
		t.Fatalf("cells = %s %s %s", r.Load(0), r.Load(1), r.Load(2))
	}
	if r.Load(-1) != CellUnknown || r.Load(9) != CellUnknown {
		t.Error("out of range cells not unknown")
	}
}
