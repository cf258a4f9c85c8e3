package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/banshee-data/pump.lab/internal/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), "pumpctl", version.String())
	},
}
