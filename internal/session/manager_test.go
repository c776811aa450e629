package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/smazurov/rtcapture/internal/capture"
	"github.com/smazurov/rtcapture/internal/config"
	"github.com/smazurov/rtcapture/internal/rtcpu"
	"github.com/smazurov/rtcapture/internal/syncpt"
)

func newTestManager(t *testing.T, cfg Config) *Manager {
	t.Helper()
	m, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })
	return m
}

func viSpec(name string, vc uint32) config.ChannelSpec {
	return config.ChannelSpec{Name: name, Kind: "vi", VirtualChannel: vc, QueueDepth: 4}
}

func ispSpec(name string) config.ChannelSpec {
	return config.ChannelSpec{Name: name, Kind: "isp", Stream: 1, QueueDepth: 4, ProgramQueueDepth: 2}
}

func TestOpenAndSnapshots(t *testing.T) {
	m := newTestManager(t, Config{})
	ctx := context.Background()

	specs := []config.ChannelSpec{viSpec("cam1", 1), viSpec("cam0", 0), ispSpec("isp0")}
	if err := m.Open(ctx, specs); err != nil {
		t.Fatalf("Open: %v", err)
	}

	names := m.Names()
	want := []string{"cam0", "cam1", "isp0"}
	if len(names) != len(want) {
		t.Fatalf("Names = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("Names[%d] = %s, want %s", i, names[i], want[i])
		}
	}
	if n := m.Registry().Len(); n != 3 {
		t.Errorf("registry holds %d streams, want 3", n)
	}
	if n := m.Firmware().Channels(); n != 3 {
		t.Errorf("firmware holds %d channels, want 3", n)
	}

	for _, s := range m.Snapshots() {
		if s.State != capture.StateReady.String() {
			t.Errorf("%s state = %s, want ready", s.Name, s.State)
		}
	}
	snap, err := m.Snapshot("isp0")
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.Program == nil || snap.Program.Depth != 2 {
		t.Errorf("isp0 program ring = %+v, want depth 2", snap.Program)
	}
	if _, err := m.Snapshot("missing"); !errors.Is(err, ErrUnknownChannel) {
		t.Errorf("Snapshot(missing) = %v, want ErrUnknownChannel", err)
	}
}

func TestOpenDuplicateName(t *testing.T) {
	m := newTestManager(t, Config{})
	ctx := context.Background()
	if err := m.Open(ctx, []config.ChannelSpec{viSpec("cam0", 0)}); err != nil {
		t.Fatalf("Open: %v", err)
	}
	err := m.Open(ctx, []config.ChannelSpec{viSpec("cam0", 1)})
	if !errors.Is(err, ErrChannelExists) {
		t.Fatalf("Open duplicate = %v, want ErrChannelExists", err)
	}
	if names := m.Names(); len(names) != 1 {
		t.Errorf("Names = %v, want [cam0]", names)
	}
}

func TestOpenRollsBackOnFailure(t *testing.T) {
	m := newTestManager(t, Config{})
	specs := []config.ChannelSpec{
		viSpec("cam0", 0),
		{Name: "bad", Kind: "bogus", QueueDepth: 4},
	}
	if err := m.Open(context.Background(), specs); err == nil {
		t.Fatal("expected Open to fail")
	}
	if names := m.Names(); len(names) != 0 {
		t.Errorf("Names after rollback = %v, want none", names)
	}
	if n := m.Registry().Len(); n != 0 {
		t.Errorf("registry holds %d streams after rollback", n)
	}
}

func TestApplyReconciles(t *testing.T) {
	m := newTestManager(t, Config{})
	ctx := context.Background()
	if err := m.Open(ctx, []config.ChannelSpec{viSpec("cam0", 0), viSpec("cam1", 1)}); err != nil {
		t.Fatalf("Open: %v", err)
	}
	cam0, _ := m.Channel("cam0")
	cam1, _ := m.Channel("cam1")

	changed := viSpec("cam1", 1)
	changed.QueueDepth = 8
	if err := m.Apply(ctx, []config.ChannelSpec{viSpec("cam0", 0), changed, viSpec("cam2", 2)}); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	if got, _ := m.Channel("cam0"); got != cam0 {
		t.Error("unchanged channel was recreated")
	}
	got, err := m.Channel("cam1")
	if err != nil {
		t.Fatalf("Channel(cam1): %v", err)
	}
	if got == cam1 {
		t.Error("changed channel was kept")
	}
	if got.Config().QueueDepth != 8 {
		t.Errorf("cam1 depth = %d, want 8", got.Config().QueueDepth)
	}
	if cam1.State() != capture.StateReleased {
		t.Errorf("old cam1 state = %s, want released", cam1.State())
	}

	if err := m.Apply(ctx, []config.ChannelSpec{viSpec("cam2", 2)}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if names := m.Names(); len(names) != 1 || names[0] != "cam2" {
		t.Errorf("Names = %v, want [cam2]", names)
	}
	if n := m.Firmware().Channels(); n != 1 {
		t.Errorf("firmware holds %d channels, want 1", n)
	}
}

func TestSameSpecComparesBarrier(t *testing.T) {
	on, off := true, false
	a, b := viSpec("cam0", 0), viSpec("cam0", 0)
	if !sameSpec(a, b) {
		t.Error("identical specs differ")
	}
	a.ResetBarrier, b.ResetBarrier = &on, &on
	if !sameSpec(a, b) {
		t.Error("equal barrier overrides differ")
	}
	b.ResetBarrier = &off
	if sameSpec(a, b) {
		t.Error("different barrier overrides compare equal")
	}
	b.ResetBarrier = nil
	if sameSpec(a, b) {
		t.Error("override compares equal to default")
	}
}

func TestApplyRecreatesOnBarrierChange(t *testing.T) {
	m := newTestManager(t, Config{})
	ctx := context.Background()
	if err := m.Open(ctx, []config.ChannelSpec{viSpec("cam0", 0)}); err != nil {
		t.Fatalf("Open: %v", err)
	}
	before, _ := m.Channel("cam0")
	if before.Config().ResetBarrier {
		t.Fatal("default channel requested a reset barrier")
	}

	on := true
	changed := viSpec("cam0", 0)
	changed.ResetBarrier = &on
	if err := m.Apply(ctx, []config.ChannelSpec{changed}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	after, err := m.Channel("cam0")
	if err != nil {
		t.Fatalf("Channel(cam0): %v", err)
	}
	if after == before {
		t.Fatal("barrier override did not recreate the channel")
	}
	if !after.Config().ResetBarrier {
		t.Error("recreated channel ignores reset_barrier")
	}
}

func TestResetAndRelease(t *testing.T) {
	m := newTestManager(t, Config{})
	ctx := context.Background()
	if err := m.Open(ctx, []config.ChannelSpec{viSpec("cam0", 0)}); err != nil {
		t.Fatalf("Open: %v", err)
	}

	if err := m.Reset(ctx, "cam0", true); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if err := m.Reset(ctx, "nope", false); !errors.Is(err, ErrUnknownChannel) {
		t.Errorf("Reset(nope) = %v, want ErrUnknownChannel", err)
	}
	if err := m.Release(ctx, "cam0"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := m.Release(ctx, "cam0"); !errors.Is(err, ErrUnknownChannel) {
		t.Errorf("second Release = %v, want ErrUnknownChannel", err)
	}
	if n := m.Firmware().Channels(); n != 0 {
		t.Errorf("firmware holds %d channels after release", n)
	}
}

func TestReleaseFailureReboots(t *testing.T) {
	var (
		mu      sync.Mutex
		reasons []string
	)
	m := newTestManager(t, Config{
		OnReboot: func(reason string, err error) {
			mu.Lock()
			defer mu.Unlock()
			reasons = append(reasons, reason)
		},
	})
	ctx := context.Background()
	if err := m.Open(ctx, []config.ChannelSpec{viSpec("cam0", 0)}); err != nil {
		t.Fatalf("Open: %v", err)
	}

	m.Firmware().FailNext(rtcpu.KindChannelReleaseReq, rtcpu.ResultBusy)
	if err := m.Release(ctx, "cam0"); capture.CodeOf(err) != capture.CodeBusy {
		t.Fatalf("Release = %v, want busy", err)
	}
	if names := m.Names(); len(names) != 0 {
		t.Errorf("Names = %v, want none", names)
	}
	if n := m.Firmware().Reboots(); n != 1 {
		t.Errorf("Reboots = %d, want 1", n)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(reasons) != 1 {
		t.Errorf("OnReboot called %d times, want 1", len(reasons))
	}
}

type failingRebooter struct{ calls int }

func (r *failingRebooter) Reboot(context.Context, string) error {
	r.calls++
	return errors.New("unit restart failed")
}

func TestRebooterChain(t *testing.T) {
	ext := &failingRebooter{}
	var got error
	m := newTestManager(t, Config{
		Rebooter: ext,
		OnReboot: func(_ string, err error) { got = err },
	})
	ctx := context.Background()
	if err := m.Open(ctx, []config.ChannelSpec{viSpec("cam0", 0)}); err != nil {
		t.Fatalf("Open: %v", err)
	}
	m.Firmware().FailNext(rtcpu.KindChannelReleaseReq, rtcpu.ResultBusy)
	_ = m.Release(ctx, "cam0")

	if ext.calls != 1 {
		t.Errorf("external rebooter called %d times, want 1", ext.calls)
	}
	if m.Firmware().Reboots() != 1 {
		t.Error("firmware not rebooted after external rebooter failed")
	}
	if got == nil {
		t.Error("OnReboot did not receive the external error")
	}
}

func TestShutdown(t *testing.T) {
	m, err := New(Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()
	if err := m.Open(ctx, []config.ChannelSpec{viSpec("cam0", 0), ispSpec("isp0")}); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := m.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := m.Shutdown(ctx); err != nil {
		t.Errorf("second Shutdown = %v", err)
	}
	if err := m.Open(ctx, []config.ChannelSpec{viSpec("cam1", 1)}); !errors.Is(err, ErrClosed) {
		t.Errorf("Open after Shutdown = %v, want ErrClosed", err)
	}
	if n := m.Registry().Len(); n != 0 {
		t.Errorf("registry holds %d streams after shutdown", n)
	}
}

func TestNewRejectsCounterTables(t *testing.T) {
	counters := syncpt.DefaultPoolConfig()
	counters.Tables.Count = syncpt.MaxTables + 1
	if _, err := New(Config{Counters: counters}); !errors.Is(err, capture.ErrInvalidParameter) || !errors.Is(err, syncpt.ErrBadTables) {
		t.Fatalf("New = %v, want invalid parameter", err)
	}
}

func TestExercise(t *testing.T) {
	polled := viSpec("poll0", 3)
	polled.Completion = config.CompletionProgressStatus

	tests := []struct {
		name     string
		spec     config.ChannelSpec
		opts     ExerciseOptions
		programs int
		resets   int
	}{
		{"blocking", viSpec("cam0", 0), ExerciseOptions{Frames: 32}, 0, 0},
		{"progress status", polled, ExerciseOptions{Frames: 32, Timeout: 2 * time.Second}, 0, 0},
		{"image processor", ispSpec("isp0"), ExerciseOptions{Frames: 16}, 1, 0},
		{"with resets", viSpec("cam1", 1), ExerciseOptions{Frames: 32, ResetEvery: 8}, 0, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestManager(t, Config{})
			ctx := context.Background()
			if err := m.Open(ctx, []config.ChannelSpec{tt.spec}); err != nil {
				t.Fatalf("Open: %v", err)
			}
			ringPins := m.Surfaces().Stats().Pins

			res, err := m.Exercise(ctx, tt.spec.Name, tt.opts)
			if err != nil {
				t.Fatalf("Exercise: %v", err)
			}
			if res.Submitted != tt.opts.Frames {
				t.Errorf("Submitted = %d, want %d", res.Submitted, tt.opts.Frames)
			}
			if res.Completed+res.Abandoned != tt.opts.Frames {
				t.Errorf("Completed %d + Abandoned %d != %d", res.Completed, res.Abandoned, tt.opts.Frames)
			}
			if tt.resets == 0 && res.Completed != tt.opts.Frames {
				t.Errorf("Completed = %d, want %d", res.Completed, tt.opts.Frames)
			}
			if res.Resets != tt.resets {
				t.Errorf("Resets = %d, want %d", res.Resets, tt.resets)
			}
			if tt.programs > 0 && res.Programs < tt.programs {
				t.Errorf("Programs = %d, want at least %d", res.Programs, tt.programs)
			}
			if st := m.Surfaces().Stats(); st.Pins != ringPins {
				t.Errorf("%d pins after exercise, want the %d ring mappings", st.Pins, ringPins)
			}
		})
	}
}

func TestExerciseUnknownChannel(t *testing.T) {
	m := newTestManager(t, Config{})
	if _, err := m.Exercise(context.Background(), "missing", ExerciseOptions{}); !errors.Is(err, ErrUnknownChannel) {
		t.Errorf("Exercise = %v, want ErrUnknownChannel", err)
	}
}

func TestExerciseTimesOutWhenPaused(t *testing.T) {
	m := newTestManager(t, Config{})
	ctx := context.Background()
	if err := m.Open(ctx, []config.ChannelSpec{viSpec("cam0", 0)}); err != nil {
		t.Fatalf("Open: %v", err)
	}
	m.Firmware().Pause()
	defer m.Firmware().Resume()

	res, err := m.Exercise(ctx, "cam0", ExerciseOptions{Frames: 8, Timeout: 20 * time.Millisecond})
	if !errors.Is(err, capture.ErrTimeout) {
		t.Fatalf("Exercise = %v, want ErrTimeout", err)
	}
	if res.Completed != 0 {
		t.Errorf("Completed = %d, want 0", res.Completed)
	}
}

func TestExerciseResultRate(t *testing.T) {
	r := ExerciseResult{Completed: 50, Elapsed: 500 * time.Millisecond}
	if got := r.Rate(); got != 100 {
		t.Errorf("Rate = %v, want 100", got)
	}
	if got := (ExerciseResult{}).Rate(); got != 0 {
		t.Errorf("zero Rate = %v", got)
	}
}

func TestExercisePacedRun(t *testing.T) {
	m := newTestManager(t, Config{})
	ctx := context.Background()
	if err := m.Open(ctx, []config.ChannelSpec{viSpec("cam0", 0)}); err != nil {
		t.Fatalf("Open: %v", err)
	}

	res, err := m.Exercise(ctx, "cam0", ExerciseOptions{Frames: 10, Rate: 200})
	if err != nil {
		t.Fatalf("Exercise: %v", err)
	}
	// One frame of burst, then nine at 5ms intervals.
	if res.Elapsed < 40*time.Millisecond {
		t.Errorf("Elapsed = %v, want at least 40ms", res.Elapsed)
	}
	if _, err := uuid.Parse(res.Run); err != nil {
		t.Errorf("Run = %q is not a uuid: %v", res.Run, err)
	}
}
