package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/itohio/grindscale/pkg/grind"
	"github.com/itohio/grindscale/pkg/grindlog"
)

func init() {
	grindCmd.Flags().Float32VarP(&grindOpts.Target, "target", "t", 0, "target weight in grams")
	grindCmd.Flags().DurationVar(&grindOpts.Time, "time", 0, "grind for a fixed time instead of a weight")
	grindCmd.Flags().IntVarP(&grindOpts.Profile, "profile", "p", -1, "select and persist a profile by index")
	grindCmd.Flags().BoolVar(&grindOpts.TimeMode, "time-mode", false, "use the profile's grind time")
	grindCmd.Flags().IntVar(&grindOpts.ExtraPulses, "extra-pulses", 0, "additional pulses after a time-mode grind")
	grindCmd.Flags().Float32Var(&grindOpts.Tolerance, "tolerance", 0, "override the weight tolerance in grams")
	grindCmd.Flags().BoolVar(&grindOpts.Dump, "dump", false, "print the session record when done")
	grindCmd.Flags().DurationVar(&grindOpts.SnapshotEvery, "snapshot-every", 0, "print an in-progress session record at this interval")
	grindCmd.MarkFlagsMutuallyExclusive("target", "time")
	grindCmd.MarkFlagsMutuallyExclusive("target", "time-mode")
	rootCmd.AddCommand(grindCmd)
}

var (
	grindCmd = &cobra.Command{
		Use:   "grind",
		Short: "Grind to a target weight or for a fixed time",
		Long: `Grind a dose. Without --target or --time the selected profile is used.
Interrupt stops the motor at once and discards the session.`,
		Args: cobra.NoArgs,
		RunE: runGrind,
	}
	grindOpts = struct {
		Target        float32
		Time          time.Duration
		Profile       int
		TimeMode      bool
		ExtraPulses   int
		Tolerance     float32
		Dump          bool
		SnapshotEvery time.Duration
	}{}
)

func runGrind(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	if grindOpts.Dump || grindOpts.SnapshotEvery > 0 {
		a.sink = grindlog.NewTextSink(os.Stdout)
	}
	if grindOpts.Profile >= 0 {
		if err := a.ctrl.SetProfileID(grindOpts.Profile); err != nil {
			return err
		}
	}
	if grindOpts.Tolerance > 0 {
		if err := a.ctrl.SetTolerance(grindOpts.Tolerance); err != nil {
			return err
		}
	}

	ctx, cancel := signalContext()
	defer cancel()
	loopCtx, stopLoop := context.WithCancel(context.Background())
	wait := a.start(loopCtx)
	defer func() {
		stopLoop()
		wait()
	}()

	// Let the sampler fill the weight views before taring.
	time.Sleep(a.cfg.Sample.HighLatencyWindow)

	switch {
	case grindOpts.Target > 0:
		err = a.ctrl.Start(grindOpts.Target)
	case grindOpts.Time > 0:
		err = a.ctrl.StartTime(grindOpts.Time)
	case grindOpts.TimeMode:
		err = a.ctrl.StartProfile(grindlog.ModeTime)
	default:
		if p, ok := a.ctrl.Profile(); ok {
			fmt.Printf("profile %s: %.1fg\n", p.Name, p.WeightG)
		}
		err = a.ctrl.StartProfile(grindlog.ModeWeight)
	}
	if err != nil {
		return err
	}

	if grindOpts.SnapshotEvery > 0 {
		snapCtx, stopSnapshots := context.WithCancel(ctx)
		defer stopSnapshots()
		go requestSnapshots(snapCtx, a.ctrl, grindOpts.SnapshotEvery)
	}

	p := newPrinter(os.Stdout, 250*time.Millisecond)
	final, err := follow(ctx, a.ctrl, p)
	if err != nil {
		return ignoreCancel(err)
	}

	for i := 0; i < grindOpts.ExtraPulses && final.Kind == grind.EventCompleted; i++ {
		if err := a.ctrl.AdditionalPulse(); err != nil {
			logErr(cmd, err)
			break
		}
		if final, err = follow(ctx, a.ctrl, p); err != nil {
			return ignoreCancel(err)
		}
	}

	a.ctrl.ReturnToIdle()
	if final.Kind == grind.EventTimeout {
		return fmt.Errorf("grind timed out in %s", final.TimeoutPhase)
	}
	return nil
}
