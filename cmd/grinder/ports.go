package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/itohio/grindscale/pkg/diag"
)

func init() {
	rootCmd.AddCommand(portsCmd)
}

var portsCmd = &cobra.Command{
	Use:   "ports",
	Short: "List serial ports for the bridge and diagnostic console",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ports, err := diag.Ports()
		if err != nil {
			return err
		}
		if len(ports) == 0 {
			fmt.Println("no serial ports found")
		}
		for _, p := range ports {
			fmt.Println(p.Description)
		}
		return nil
	},
}
