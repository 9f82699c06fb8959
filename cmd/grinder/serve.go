package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/itohio/grindscale/pkg/api"
	"github.com/itohio/grindscale/pkg/meter"
	"github.com/itohio/grindscale/pkg/sample"
)

func init() {
	serveCmd.Flags().StringVarP(&serveOpts.Addr, "addr", "a", "", "listen address (default from config)")
	monitorCmd.Flags().DurationVarP(&monitorOpts.Every, "every", "e", 500*time.Millisecond, "print interval")
	rootCmd.AddCommand(serveCmd, monitorCmd)
}

var (
	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Serve grinder status and sessions over HTTP",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
	serveOpts = struct {
		Addr string
	}{}
	monitorCmd = &cobra.Command{
		Use:   "monitor",
		Short: "Print live weight, flow and dispensing bursts",
		Args:  cobra.NoArgs,
		RunE:  runMonitor,
	}
	monitorOpts = struct {
		Every time.Duration
	}{}
)

// startMeter feeds a flow meter from the pipeline. It stops when the
// pipeline closes its subscriptions.
func startMeter(a *app) *meter.Meter {
	m := meter.New(a.cfg.Meter)
	samples, _ := a.pipe.Subscribe(0)
	go m.ProcessSamples(samples)
	return m
}

func runServe(cmd *cobra.Command, args []string) error {
	return withSampler(func(ctx context.Context, a *app) error {
		addr := serveOpts.Addr
		if addr == "" {
			addr = a.cfg.API.Addr
		}
		m := startMeter(a)

		var sessions api.SessionStore
		if a.store != nil {
			sessions = a.store
		}
		return api.New(a.ctrl, a.tuner, sessions, m).ListenAndServe(ctx, addr)
	})
}

func runMonitor(cmd *cobra.Command, args []string) error {
	return withSampler(func(ctx context.Context, a *app) error {
		m := startMeter(a)
		ticker := time.NewTicker(monitorOpts.Every)
		defer ticker.Stop()

		var reported time.Time
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
			fmt.Printf("%8.2fg %6.2fg/s\n", a.pipe.Display(), m.Flow())
			for _, b := range m.Bursts() {
				if !b.EndTime.After(reported) || inProgress(m.Samples(), b) {
					continue
				}
				reported = b.EndTime
				fmt.Printf("  burst %v: %.2fg peak %.2fg/s\n", b.Duration().Round(time.Millisecond), b.Mass, b.PeakFlow)
			}
		}
	})
}

// inProgress reports whether b may still grow.
func inProgress(samples []sample.WeightSample, b meter.Burst) bool {
	return b.EndIndex >= len(samples)-1
}
