// Package cli implements the pumpctl command line.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/banshee-data/pump.lab/internal/config"
	"github.com/banshee-data/pump.lab/internal/monitoring"
)

var logf = monitoring.Scoped("pumpctl")

var rootCmd = &cobra.Command{
	Use:   "pumpctl",
	Short: "Drive syringe pump experiments",
	Long: `pumpctl runs infuse/withdraw trials on a PHD Ultra syringe pump, records
a video per trial and stores the pump's own readings.

Every command reads the rig configuration given by --config.`,
	SilenceUsage: true,
}

var (
	configPath string
	dbPath     string
)

// Execute runs the root command and exits non-zero on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultConfigPath, "rig configuration file")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "run database (overrides storage.database)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(portsCmd)
	rootCmd.AddCommand(pumpCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(runsCmd)
	rootCmd.AddCommand(versionCmd)
}

func loadConfig() (*config.File, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", configPath, err)
	}
	return cfg, nil
}

// databasePath resolves --db against the config file. The config is only
// read when --db is not given.
func databasePath() (string, error) {
	if dbPath != "" {
		return dbPath, nil
	}
	cfg, err := loadConfig()
	if err != nil {
		return "", err
	}
	return cfg.Storage.Database, nil
}
