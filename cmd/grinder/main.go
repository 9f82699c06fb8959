// Command grinder drives a precision coffee grinder with a built-in scale.
package main

import (
	"fmt"
	"io"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/itohio/grindscale/pkg/diag"
)

var version = "dev"

var (
	rootCmd = &cobra.Command{
		Use:               "grinder",
		Short:             "grinder controls a weight-dosing coffee grinder",
		Version:           version,
		SilenceUsage:      true,
		PersistentPreRunE: setupLogging,
		PersistentPostRun: closeLogging,
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Help()
		},
	}
	rootOpts = struct {
		Config   string
		Mock     bool
		DiagPort string
		DiagBaud int
	}{}

	diagSink *diag.Sink
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&rootOpts.Config, "config", "c", "config.yaml", "configuration file path")
	rootCmd.PersistentFlags().BoolVar(&rootOpts.Mock, "mock", false, "use the simulated load cell and grinder")
	rootCmd.PersistentFlags().StringVar(&rootOpts.DiagPort, "diag-port", "", "mirror log output to this serial port")
	rootCmd.PersistentFlags().IntVar(&rootOpts.DiagBaud, "diag-baud", diag.DefaultBaudRate, "diagnostic serial port baud rate")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setupLogging(cmd *cobra.Command, args []string) error {
	log.SetFlags(log.Ltime | log.Lmicroseconds)
	if rootOpts.DiagPort == "" {
		return nil
	}
	sink, err := diag.OpenSerial(rootOpts.DiagPort, rootOpts.DiagBaud)
	if err != nil {
		return err
	}
	diagSink = sink
	log.SetOutput(io.MultiWriter(os.Stderr, sink))
	return nil
}

func closeLogging(cmd *cobra.Command, args []string) {
	if diagSink == nil {
		return
	}
	log.SetOutput(os.Stderr)
	if n := diagSink.Dropped(); n > 0 {
		log.Printf("diagnostic port dropped %d writes", n)
	}
	diagSink.Close()
}

func logErr(cmd *cobra.Command, err error) {
	fmt.Fprintf(os.Stderr, "grinder %s: %s\n", cmd.Name(), err)
}
