package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/banshee-data/pump.lab/internal/device"
)

var pumpCmd = &cobra.Command{
	Use:   "pump",
	Short: "Talk to the pump directly",
	Long: `Pump commands open the configured pump, do one thing and close the port.
Closing always sends a stop, so none of them leaves the plunger moving.`,
}

var pumpStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the pump's status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return pumpCommand(cmd, func(ctx context.Context, s *device.Session) error {
			st, err := s.Status(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", s.Handle(), st)
			return nil
		})
	},
}

var pumpStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the plunger",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return pumpCommand(cmd, func(ctx context.Context, s *device.Session) error {
			if err := s.Stop(ctx); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: stopped\n", s.Handle())
			return nil
		})
	},
}

var pumpResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Stop, clear targets and reload quick-start mode",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return pumpCommand(cmd, func(ctx context.Context, s *device.Session) error {
			if err := s.Reset(ctx); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: reset, %s\n", s.Handle(), s.State())
			return nil
		})
	},
}

func init() {
	addDeviceFlags(pumpCmd.PersistentFlags())
	pumpCmd.AddCommand(pumpStatusCmd)
	pumpCmd.AddCommand(pumpStopCmd)
	pumpCmd.AddCommand(pumpResetCmd)
}

func pumpCommand(cmd *cobra.Command, fn func(ctx context.Context, s *device.Session) error) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
	defer cancel()
	return withSession(ctx, fn)
}
