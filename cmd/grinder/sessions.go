package main

import (
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/itohio/grindscale/pkg/grindlog"
	"github.com/itohio/grindscale/pkg/sample"
)

func init() {
	sessionsShowCmd.Flags().IntVarP(&sessionsOpts.Points, "points", "n", 0, "downsample measurements to this many points (0 keeps all)")
	sessionsCmd.AddCommand(sessionsListCmd, sessionsShowCmd, sessionsClearCmd)
	rootCmd.AddCommand(sessionsCmd)
}

var (
	sessionsCmd = &cobra.Command{
		Use:   "sessions",
		Short: "Inspect stored grind sessions",
		Args:  cobra.NoArgs,
		RunE:  runSessionsList,
	}
	sessionsListCmd = &cobra.Command{
		Use:   "list",
		Short: "List stored sessions",
		Args:  cobra.NoArgs,
		RunE:  runSessionsList,
	}
	sessionsShowCmd = &cobra.Command{
		Use:   "show <id>",
		Short: "Print a stored session",
		Args:  cobra.ExactArgs(1),
		RunE:  runSessionsShow,
	}
	sessionsClearCmd = &cobra.Command{
		Use:   "clear",
		Short: "Delete all stored sessions",
		Args:  cobra.NoArgs,
		RunE:  runSessionsClear,
	}
	sessionsOpts = struct {
		Points int
	}{}
)

func openSessions() (*grindlog.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return grindlog.OpenStore(cfg.Logging.Dir, cfg.Logging.MaxSessions)
}

func runSessionsList(cmd *cobra.Command, args []string) error {
	st, err := openSessions()
	if err != nil {
		return err
	}
	list, err := st.List()
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTIME\tMODE\tTARGET\tFINAL\tPULSES\tRESULT")
	for _, s := range list {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%.2f\t%.2f\t%d\t%s\n",
			s.ID, s.Timestamp.Format("2006-01-02 15:04:05"), s.Mode, s.TargetWeight, s.FinalWeight, s.PulseCount, s.Result)
	}
	return tw.Flush()
}

func runSessionsShow(cmd *cobra.Command, args []string) error {
	id, err := strconv.ParseUint(args[0], 10, 32)
	if err != nil {
		return fmt.Errorf("invalid session id %q", args[0])
	}
	st, err := openSessions()
	if err != nil {
		return err
	}
	s, err := st.Load(uint32(id))
	if err != nil {
		return err
	}
	if sessionsOpts.Points > 0 {
		s.Measurements = sample.Downsample(nil, s.Measurements, sessionsOpts.Points)
	}
	return grindlog.NewTextSink(os.Stdout).Snapshot(s)
}

func runSessionsClear(cmd *cobra.Command, args []string) error {
	st, err := openSessions()
	if err != nil {
		return err
	}
	return st.Clear()
}
