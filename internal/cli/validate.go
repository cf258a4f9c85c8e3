package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/banshee-data/pump.lab/internal/safety"
	"github.com/banshee-data/pump.lab/internal/units"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the configuration against the pump's limits",
	Long: `Validate loads the configuration and checks the experiment against the
syringe capacity and the pump's flow envelope for the configured bore,
without touching the pump.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		plan, err := safety.Validate(cfg.Experiment, safety.PHDUltra)
		if err != nil {
			return err
		}

		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "experiment: %s / %s\n", plan.ExperimentLabel, plan.MaterialLabel)
		fmt.Fprintf(w, "syringe:    %s mm, %s\n", units.FormatValue(plan.Syringe.DiameterMM), formatIn(plan.Syringe.Capacity, units.ML))
		fmt.Fprintf(w, "infuse:     %s at %s\n", formatIn(plan.InfuseVolume, units.ML), formatIn(plan.InfuseRate, units.MLPerMin))
		fmt.Fprintf(w, "withdraw:   %s at %s\n", formatIn(plan.WithdrawVolume, units.ML), formatIn(plan.WithdrawRate, units.MLPerMin))
		fmt.Fprintf(w, "limits:     %s (%s)\n", plan.Limits, plan.Capability)
		fmt.Fprintf(w, "trials:     %d, camera boot %s, pause %s\n", plan.Trials, plan.CameraBootDelay, plan.InfusionPause)
		fmt.Fprintln(w, "ok")
		return nil
	},
}
