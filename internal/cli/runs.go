package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/banshee-data/pump.lab/internal/db"
)

var (
	runsLimit int
	runsShow  string
	runsTrial int
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List recorded runs",
	Long: `Runs lists the newest runs in the run database. With --show and --trial
it prints the samples stored for one trial.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := databasePath()
		if err != nil {
			return err
		}
		d, err := db.OpenDB(path)
		if err != nil {
			return fmt.Errorf("open %s: %w", path, err)
		}
		defer d.Close()
		if err := d.CheckSchema(db.Migrations()); err != nil {
			return err
		}

		if runsShow != "" {
			return showTrial(cmd, d)
		}
		runs, err := d.RecentRuns(cmd.Context(), runsLimit)
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "no runs recorded")
			return nil
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "RUN\tSTARTED\tEXPERIMENT\tMATERIAL\tTRIALS\tSTATE")
		for _, r := range runs {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d/%d\t%s\n", r.ID, r.Started.Local().Format(time.DateTime),
				r.ExperimentLabel, r.MaterialLabel, r.Completed, r.Trials, r.FinalState)
		}
		return tw.Flush()
	},
}

func init() {
	runsCmd.Flags().IntVarP(&runsLimit, "limit", "n", 20, "number of runs to list")
	runsCmd.Flags().StringVar(&runsShow, "show", "", "run id whose samples to print")
	runsCmd.Flags().IntVar(&runsTrial, "trial", 1, "trial number for --show")
}

func showTrial(cmd *cobra.Command, d *db.DB) error {
	rows, err := d.TrialSamples(cmd.Context(), runsShow, runsTrial)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return fmt.Errorf("no samples for run %s trial %d", runsShow, runsTrial)
	}
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SEQ\tPHASE\tTIME_S\tVOLUME_ML\tRATE_ML_MIN\tSTATE")
	for _, r := range rows {
		state := r.Direction
		if r.TargetReached {
			state = "target"
		}
		fmt.Fprintf(tw, "%d\t%s\t%.3f\t%.4f\t%.4f\t%s\n", r.Seq, r.Phase, r.Elapsed.Seconds(), r.VolumeML, r.RateMLPerMin, state)
	}
	return tw.Flush()
}
