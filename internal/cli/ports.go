package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/banshee-data/pump.lab/internal/device"
)

var portsCmd = &cobra.Command{
	Use:   "ports",
	Short: "List serial ports and show which one the config selects",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return listPorts(cmd, device.EnumeratorLister{})
	},
}

func listPorts(cmd *cobra.Command, lister device.PortLister) error {
	ports, err := lister.ListPorts()
	if err != nil {
		return err
	}
	w := cmd.OutOrStdout()
	if len(ports) == 0 {
		fmt.Fprintln(w, "no serial ports found")
		return nil
	}
	for _, p := range ports {
		fmt.Fprintln(w, p)
	}

	// The selection is only shown when a config was given explicitly.
	if !cmd.Root().PersistentFlags().Changed("config") {
		return nil
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	disc := device.DiscoveryFromConfig(cfg.Device)
	h, err := device.Discover(lister, disc)
	if err != nil {
		fmt.Fprintf(w, "no selection: %v\n", err)
		return nil
	}
	fmt.Fprintf(w, "%s selects %s\n", disc, h)
	return nil
}
