package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/smazurov/rtcapture/internal/capture"
	"github.com/smazurov/rtcapture/internal/surface"
	"golang.org/x/time/rate"
)

// Exercise defaults.
const (
	DefaultExerciseFrames  = 64
	DefaultExerciseTimeout = time.Second
	DefaultFrameSize       = 4096
	pollInterval           = 200 * time.Microsecond
)

// ErrOutOfOrder is returned when a process completion does not match the
// oldest in-flight request.
var ErrOutOfOrder = errors.New("completion out of order")

// ExerciseOptions configures a synthetic capture run.
type ExerciseOptions struct {
	// Frames is the number of process requests to submit.
	Frames int
	// Timeout bounds the wait for each completion.
	Timeout time.Duration
	// ResetEvery issues an immediate reset after that many frames. Zero
	// disables resets.
	ResetEvery int
	// FrameSize is the size of the output surface.
	FrameSize int
	// Rate paces submissions in frames per second. Zero submits as fast as
	// the ring allows.
	Rate float64
}

func (o *ExerciseOptions) withDefaults() {
	if o.Frames <= 0 {
		o.Frames = DefaultExerciseFrames
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultExerciseTimeout
	}
	if o.FrameSize <= 0 {
		o.FrameSize = DefaultFrameSize
	}
}

// ExerciseResult summarizes a run.
type ExerciseResult struct {
	Run       string        `json:"run"`
	Channel   string        `json:"channel"`
	Submitted int           `json:"submitted"`
	Completed int           `json:"completed"`
	Abandoned int           `json:"abandoned"`
	Resets    int           `json:"resets"`
	Programs  int           `json:"programs"`
	Elapsed   time.Duration `json:"elapsed"`
}

// Rate returns completed frames per second.
func (r ExerciseResult) Rate() float64 {
	if r.Elapsed <= 0 {
		return 0
	}
	return float64(r.Completed) / r.Elapsed.Seconds()
}

type exerciser struct {
	ch       *capture.Channel
	cfg      capture.Config
	opts     ExerciseOptions
	output   surface.Handle
	settings surface.Handle
	polled   bool
	limiter  *rate.Limiter
	inflight []uint32
	result   ExerciseResult
}

// Exercise drives the named channel with synthetic frames, keeping the
// process ring full and checking that completions arrive in submission
// order. Image processor channels run under a standalone program.
func (m *Manager) Exercise(ctx context.Context, name string, opts ExerciseOptions) (ExerciseResult, error) {
	opts.withDefaults()
	ch, err := m.lookup(name)
	if err != nil {
		return ExerciseResult{}, err
	}

	out, _, err := m.surfaces.Allocate(opts.FrameSize)
	if err != nil {
		return ExerciseResult{}, fmt.Errorf("allocate output: %w", err)
	}
	defer func() { _ = m.surfaces.Free(out) }()

	cfg := ch.Config()
	x := &exerciser{
		ch:     ch,
		cfg:    cfg,
		opts:   opts,
		output: out,
		result: ExerciseResult{Run: uuid.NewString(), Channel: name},
	}
	if opts.Rate > 0 {
		x.limiter = rate.NewLimiter(rate.Limit(opts.Rate), 1)
	}
	_, x.polled = cfg.Completion.(capture.ProgressStatus)

	if cfg.Kind == capture.KindISP {
		settings, _, err := m.surfaces.Allocate(opts.FrameSize)
		if err != nil {
			return x.result, fmt.Errorf("allocate settings: %w", err)
		}
		x.settings = settings
		defer func() { _ = m.surfaces.Free(settings) }()
	}

	m.logger.Info("Exercising channel", "run", x.result.Run, "channel", name, "frames", opts.Frames, "depth", cfg.QueueDepth, "polled", x.polled)
	start := time.Now()
	err = x.run(ctx)
	x.result.Elapsed = time.Since(start)

	// In-flight requests pin the output surface; drop them before it is freed.
	if err != nil && len(x.inflight) > 0 {
		if rerr := ch.Reset(context.WithoutCancel(ctx), capture.Immediate); rerr == nil {
			x.result.Abandoned += len(x.inflight)
			x.inflight = nil
		}
	}

	m.logger.Info("Exercise finished",
		"run", x.result.Run,
		"channel", name,
		"completed", x.result.Completed,
		"abandoned", x.result.Abandoned,
		"resets", x.result.Resets,
		"elapsed", x.result.Elapsed,
		"error", err)
	return x.result, err
}

func (x *exerciser) run(ctx context.Context) error {
	if err := x.program(0); err != nil {
		return err
	}
	depth := int(x.cfg.QueueDepth)
	for i := 0; i < x.opts.Frames; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if len(x.inflight) == depth {
			if err := x.complete(ctx); err != nil {
				return err
			}
		}
		if x.limiter != nil {
			if err := x.limiter.Wait(ctx); err != nil {
				return err
			}
		}
		if err := x.submit(uint32(i%depth), uint32(i)); err != nil {
			return err
		}
		if x.opts.ResetEvery > 0 && (i+1)%x.opts.ResetEvery == 0 && i+1 < x.opts.Frames {
			if err := x.reset(ctx, uint32(i+1)); err != nil {
				return err
			}
		}
	}
	for len(x.inflight) > 0 {
		if err := x.complete(ctx); err != nil {
			return err
		}
	}
	return nil
}

// program activates a standalone program at sequence on image processor
// channels. A slot still held by the previous program keeps that one active.
func (x *exerciser) program(sequence uint32) error {
	if x.cfg.Kind != capture.KindISP {
		return nil
	}
	slot := uint32(x.result.Programs) % x.cfg.ProgramQueueDepth
	p, err := x.ch.ProgramDescriptor(slot)
	if errors.Is(err, capture.ErrBusy) {
		return nil
	}
	if err != nil {
		return err
	}
	p.Reset()
	p.SetSequence(sequence)
	p.SetStatsEnable(1)
	p.SetSurface(capture.ProgramSurfaceSettings, x.settings, 0)
	if err := x.ch.ProgramSubmit(capture.ProgramRequest{Slot: slot}); err != nil {
		return fmt.Errorf("program %d: %w", slot, err)
	}
	x.result.Programs++
	return nil
}

func (x *exerciser) submit(slot, sequence uint32) error {
	d, err := x.ch.Descriptor(slot)
	if err != nil {
		return fmt.Errorf("frame %d: %w", sequence, err)
	}
	d.Reset()
	d.SetSequence(sequence)
	d.SetSurface(capture.SurfaceOutput0, x.output, 0)
	if err := x.ch.Submit(capture.ProcessRequest{Slot: slot}); err != nil {
		return fmt.Errorf("frame %d: %w", sequence, err)
	}
	x.inflight = append(x.inflight, slot)
	x.result.Submitted++
	return nil
}

// complete waits for the oldest in-flight request.
func (x *exerciser) complete(ctx context.Context) error {
	want := x.inflight[0]
	if x.polled {
		if err := x.poll(ctx, want); err != nil {
			return err
		}
	} else {
		got, err := x.ch.Status(ctx, capture.RingProcess, x.opts.Timeout)
		if err != nil {
			return err
		}
		if got != want {
			return fmt.Errorf("%w: slot %d, want %d", ErrOutOfOrder, got, want)
		}
	}
	x.inflight = x.inflight[1:]
	x.result.Completed++
	return nil
}

func (x *exerciser) poll(ctx context.Context, slot uint32) error {
	deadline := time.Now().Add(x.opts.Timeout)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		state, err := x.ch.PollStatus(capture.RingProcess, slot)
		if err != nil {
			return err
		}
		if state == capture.CellDone {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("slot %d still %s: %w", slot, state, capture.ErrTimeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (x *exerciser) reset(ctx context.Context, next uint32) error {
	if err := x.ch.Reset(ctx, capture.Immediate); err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	x.result.Abandoned += len(x.inflight)
	x.inflight = x.inflight[:0]
	x.result.Resets++
	return x.program(next)
}
