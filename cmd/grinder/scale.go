package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/itohio/grindscale/pkg/adc"
	"github.com/itohio/grindscale/pkg/diag"
)

func init() {
	calibrateCmd.Flags().Float32VarP(&calibrateOpts.Weight, "weight", "w", 0, "reference mass in grams (default from config)")
	noiseCmd.Flags().DurationVarP(&noiseOpts.Duration, "duration", "d", 5*time.Second, "measurement window")
	rootCmd.AddCommand(tareCmd, calibrateCmd, noiseCmd, weighCmd)
}

var (
	tareCmd = &cobra.Command{
		Use:   "tare",
		Short: "Zero the scale",
		Args:  cobra.NoArgs,
		RunE:  runTare,
	}
	calibrateCmd = &cobra.Command{
		Use:   "calibrate",
		Short: "Derive the scale factor from a reference mass",
		Args:  cobra.NoArgs,
		RunE:  runCalibrate,
	}
	calibrateOpts = struct {
		Weight float32
	}{}
	noiseCmd = &cobra.Command{
		Use:   "noise",
		Short: "Report load cell noise over a window",
		Args:  cobra.NoArgs,
		RunE:  runNoise,
	}
	noiseOpts = struct {
		Duration time.Duration
	}{}
	weighCmd = &cobra.Command{
		Use:   "weigh",
		Short: "Print the settled weight",
		Args:  cobra.NoArgs,
		RunE:  runWeigh,
	}
)

// withSampler builds the app and runs f while the sampler and control loop
// are active.
func withSampler(f func(ctx context.Context, a *app) error) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	ctx, cancel := signalContext()
	defer cancel()
	loopCtx, stopLoop := context.WithCancel(context.Background())
	wait := a.start(loopCtx)
	defer func() {
		stopLoop()
		wait()
	}()

	time.Sleep(a.cfg.Sample.HighLatencyWindow)
	return ignoreCancel(f(ctx, a))
}

func runTare(cmd *cobra.Command, args []string) error {
	return withSampler(func(ctx context.Context, a *app) error {
		if err := a.pipe.Tare(ctx); err != nil {
			return err
		}
		fmt.Printf("tare offset %.0f counts\n", a.pipe.Calibration().Tare)
		return nil
	})
}

func runCalibrate(cmd *cobra.Command, args []string) error {
	return withSampler(func(ctx context.Context, a *app) error {
		ref := calibrateOpts.Weight
		if ref <= 0 {
			ref = a.cfg.Sample.ReferenceWeightG
		}

		fmt.Println("clear the scale")
		if err := a.pipe.Tare(ctx); err != nil {
			return err
		}

		if sim, ok := a.drv.(*adc.Simulated); ok {
			sim.ForceMass(ref)
			defer sim.ClearForcedMass()
			fmt.Printf("simulated %.1fg placed\n", ref)
		} else {
			fmt.Printf("place %.1fg on the scale and press Enter\n", ref)
			if _, err := bufio.NewReader(os.Stdin).ReadString('\n'); err != nil {
				return err
			}
		}

		if _, err := a.pipe.PrecisionSettledWeight(ctx); err != nil {
			logErr(cmd, err)
		}
		scale, err := a.pipe.Calibrate(ctx, ref)
		if err != nil {
			return err
		}
		fmt.Printf("scale %.2f counts/g\n", scale)
		return nil
	})
}

func runNoise(cmd *cobra.Command, args []string) error {
	return withSampler(func(ctx context.Context, a *app) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(noiseOpts.Duration):
		}
		r, err := diag.Noise(a.pipe.Window(noiseOpts.Duration), a.pipe.Calibration(), float64(a.cfg.Sample.SettlingToleranceG))
		if err != nil {
			return err
		}
		fmt.Println(r)
		return nil
	})
}

func runWeigh(cmd *cobra.Command, args []string) error {
	return withSampler(func(ctx context.Context, a *app) error {
		w, err := a.pipe.PrecisionSettledWeight(ctx)
		if err != nil {
			logErr(cmd, err)
		}
		fmt.Printf("%.2fg\n", w)
		return nil
	})
}
