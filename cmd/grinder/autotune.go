package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(autotuneCmd)
}

var autotuneCmd = &cobra.Command{
	Use:   "autotune",
	Short: "Measure the shortest motor pulse that dispenses grounds",
	Long: `Find the motor response latency by binary search over pulse lengths and
persist it. Keep a cup on the scale and beans in the hopper.`,
	Args: cobra.NoArgs,
	RunE: runAutotune,
}

func runAutotune(cmd *cobra.Command, args []string) error {
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
	if err := a.tuner.Start(); err != nil {
		return err
	}

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	interrupted := ctx.Done()
	for a.tuner.Active() {
		select {
		case <-interrupted:
			a.tuner.Cancel()
			interrupted = nil
		case <-ticker.C:
		}
		if p := a.tuner.Progress(); p.NewMessage {
			a.tuner.ClearMessage()
			fmt.Printf("[%s] %s\n", p.Phase, p.Message)
		}
	}

	latency, err := a.tuner.Result()
	if err != nil {
		return err
	}
	fmt.Printf("motor response latency: %v\n", latency)
	return nil
}
