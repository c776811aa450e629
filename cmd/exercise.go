package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"slices"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/smazurov/rtcapture/internal/config"
	"github.com/smazurov/rtcapture/internal/logging"
	"github.com/smazurov/rtcapture/internal/session"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// ExerciseFlags are the options of the exercise command.
type ExerciseFlags struct {
	ChannelsFile string
	Channels     []string
	Frames       int
	ResetEvery   int
	Rate         float64
	Timeout      time.Duration
	Latency      time.Duration
	ResetBarrier bool
	JSON         bool
	LogLevel     string
}

// CreateExerciseCmd creates the exercise command.
func CreateExerciseCmd() *cobra.Command {
	var flags ExerciseFlags

	cmd := &cobra.Command{
		Use:   "exercise",
		Short: "Drive channels against the simulated coprocessor",
		Long: `Sets up the channels declared in channels.toml on the in-process coprocessor simulator, ` +
			`streams synthetic frames through every process ring, checks completion order, ` +
			`and releases everything again. Use it to validate channel geometry before deploying.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return RunExercise(ctx, flags, cmd.OutOrStdout())
		},
	}

	f := cmd.Flags()
	f.StringVarP(&flags.ChannelsFile, "channels", "f", "channels.toml", "Channel declarations file")
	f.StringSliceVar(&flags.Channels, "channel", nil, "Only exercise these channels (default all)")
	f.IntVarP(&flags.Frames, "frames", "n", session.DefaultExerciseFrames, "Frames per channel")
	f.IntVar(&flags.ResetEvery, "reset-every", 0, "Issue an immediate reset every N frames")
	f.Float64Var(&flags.Rate, "rate", 0, "Frames per second per channel (0 = unpaced)")
	f.DurationVar(&flags.Timeout, "timeout", session.DefaultExerciseTimeout, "Completion wait timeout")
	f.DurationVar(&flags.Latency, "latency", time.Millisecond, "Simulated processing time per frame")
	f.BoolVar(&flags.ResetBarrier, "reset-barrier", false, "Default reset barrier for channels that do not set one")
	f.BoolVar(&flags.JSON, "json", false, "Print results as JSON")
	f.StringVar(&flags.LogLevel, "log-level", "warn", "Log level (debug, info, warn, error)")
	return cmd
}

// RunExercise loads the channels file, runs every selected channel in
// parallel and writes a summary to out.
func RunExercise(ctx context.Context, flags ExerciseFlags, out io.Writer) error {
	logging.Initialize(logging.Config{Level: flags.LogLevel, Format: "text"})
	logger := logging.GetLogger(logging.ModuleMain)

	cfg, err := config.LoadChannels(flags.ChannelsFile)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("%s is invalid:\n%w", flags.ChannelsFile, err)
	}
	specs := cfg.Channels
	if len(flags.Channels) > 0 {
		specs = slices.DeleteFunc(slices.Clone(specs), func(s config.ChannelSpec) bool {
			return !slices.Contains(flags.Channels, s.Name)
		})
		if len(specs) != len(flags.Channels) {
			return fmt.Errorf("%w: some of %v are not declared in %s", session.ErrUnknownChannel, flags.Channels, flags.ChannelsFile)
		}
	}
	if len(specs) == 0 {
		return fmt.Errorf("no channels declared in %s", flags.ChannelsFile)
	}

	mgr, err := session.New(session.Config{
		Latency: flags.Latency,
		Defaults: config.ChannelDefaults{
			ResetBarrier: flags.ResetBarrier,
		},
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := mgr.Shutdown(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("Shutdown left channels behind", "error", err)
		}
	}()

	if err := mgr.Open(ctx, specs); err != nil {
		return err
	}

	opts := session.ExerciseOptions{
		Frames:     flags.Frames,
		Timeout:    flags.Timeout,
		ResetEvery: flags.ResetEvery,
		Rate:       flags.Rate,
	}
	results := make([]session.ExerciseResult, len(specs))
	g, gctx := errgroup.WithContext(ctx)
	for i, spec := range specs {
		g.Go(func() error {
			res, err := mgr.Exercise(gctx, spec.Name, opts)
			results[i] = res
			if err != nil {
				return fmt.Errorf("channel %q: %w", spec.Name, err)
			}
			return nil
		})
	}
	runErr := g.Wait()

	if flags.JSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(results); err != nil {
			return err
		}
	} else if err := writeResults(out, results); err != nil {
		return err
	}
	return runErr
}

func writeResults(out io.Writer, results []session.ExerciseResult) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "CHANNEL\tSUBMITTED\tCOMPLETED\tABANDONED\tRESETS\tELAPSED\tFPS\t")
	for _, r := range results {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%s\t%.0f\t\n",
			r.Channel, r.Submitted, r.Completed, r.Abandoned, r.Resets,
			r.Elapsed.Round(time.Microsecond), r.Rate())
	}
	return tw.Flush()
}
