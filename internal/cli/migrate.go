package cli

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/banshee-data/pump.lab/internal/db"
)

var forceConfirmed bool

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage the run database schema",
	Long: `Manage the run database schema.

  pumpctl migrate up         # apply all pending migrations
  pumpctl migrate down       # roll back one migration
  pumpctl migrate status     # show the applied and latest versions
  pumpctl migrate to 1       # migrate up or down to version 1
  pumpctl migrate force 1 -y # mark version 1 clean after a failed migration

'pumpctl run' applies pending migrations by itself.`,
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDB(cmd, func(d *db.DB) error {
			logf("running migrations on %s", d.Path())
			return d.MigrateUp(db.Migrations())
		})
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back one migration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDB(cmd, func(d *db.DB) error {
			return d.MigrateDown(db.Migrations())
		})
	},
}

var migrateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the schema version",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDB(cmd, func(d *db.DB) error {
			st, err := d.GetMigrationStatus(db.Migrations())
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "database:  %s\n", d.Path())
			fmt.Fprintf(w, "version:   %d\n", st.Version)
			fmt.Fprintf(w, "latest:    %d\n", st.Latest)
			fmt.Fprintf(w, "dirty:     %v\n", st.Dirty)
			switch {
			case st.Dirty:
				fmt.Fprintf(w, "a migration failed part way; inspect the database, then run 'pumpctl migrate force %d -y'\n", st.Version)
			case st.Pending() > 0:
				fmt.Fprintf(w, "%d migration(s) pending; run 'pumpctl migrate up'\n", st.Pending())
			default:
				fmt.Fprintln(w, "up to date")
			}
			return nil
		})
	},
}

var migrateToCmd = &cobra.Command{
	Use:   "to <version>",
	Short: "Migrate up or down to a version",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		v, err := strconv.ParseUint(args[0], 10, 32)
		if err != nil {
			return fmt.Errorf("invalid version %q: %w", args[0], err)
		}
		return withDB(cmd, func(d *db.DB) error {
			return d.MigrateTo(db.Migrations(), uint(v))
		})
	},
}

var migrateForceCmd = &cobra.Command{
	Use:   "force <version>",
	Short: "Set the schema version without running migrations",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		v, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid version %q: %w", args[0], err)
		}
		if !forceConfirmed {
			return errors.New("force only recovers from a failed migration; pass --yes to confirm")
		}
		return withDB(cmd, func(d *db.DB) error {
			return d.MigrateForce(db.Migrations(), v)
		})
	},
}

func init() {
	migrateForceCmd.Flags().BoolVarP(&forceConfirmed, "yes", "y", false, "confirm forcing the version")

	migrateCmd.AddCommand(migrateUpCmd)
	migrateCmd.AddCommand(migrateDownCmd)
	migrateCmd.AddCommand(migrateStatusCmd)
	migrateCmd.AddCommand(migrateToCmd)
	migrateCmd.AddCommand(migrateForceCmd)
}

// withDB opens the run database without migrating it and reports the
// resulting version for commands that change it.
func withDB(cmd *cobra.Command, fn func(d *db.DB) error) error {
	path, err := databasePath()
	if err != nil {
		return err
	}
	d, err := db.OpenDB(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer d.Close()

	if err := fn(d); err != nil {
		return err
	}
	if cmd.Name() == "status" {
		return nil
	}
	version, dirty, err := d.MigrateVersion(db.Migrations())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "version %d (dirty: %v)\n", version, dirty)
	return nil
}
