package cli

import (
	"bytes"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/pump.lab/internal/device"
	"github.com/banshee-data/pump.lab/internal/monitoring"
	"github.com/banshee-data/pump.lab/internal/safety"
	"github.com/banshee-data/pump.lab/internal/testutil"
)

func init() {
	monitoring.SetLogger(nil)
}

const rigConfig = `{
  "experiment": {
    "experiment_label": "AirTest",
    "material_label": "EcoFlex20",
    "syringe": {"diameter_mm": 29.2, "capacity": {"value": 60, "unit": "ml"}},
    "infuse": {"volume": {"value": %VOLUME%, "unit": "ml"}, "rate": {"value": 126, "unit": "ml/min"}},
    "withdraw": {"volume": {"value": 10, "unit": "ml"}, "rate": {"value": 126, "unit": "ml/min"}},
    "trials": 2,
    "camera_boot_delay": 0,
    "infusion_pause": 0
  },
  "device": {"hardware_id": "0403:6001"},
  "polling": {"interval": "2ms", "read_timeout": "50ms", "phase_timeout": "5s", "max_attempts": 3},
  "storage": {"database": "%DIR%/runs.db", "data_dir": "%DIR%/Data", "csv": true}
}`

// writeConfig writes a rig config into a temp dir and returns its path and
// the dir.
func writeConfig(t *testing.T, infuseML string) (string, string) {
	t.Helper()
	dir := t.TempDir()
	body := strings.NewReplacer("%DIR%", filepath.ToSlash(dir), "%VOLUME%", infuseML).Replace(rigConfig)
	path := filepath.Join(dir, "rig.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path, dir
}

// resetFlags puts every flag back to its default so tests do not leak
// settings into each other through the package level command tree.
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		f.Value.Set(f.DefValue)
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetFlags(rootCmd)
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "pumpctl dev (unknown, built unknown)\n", out)
}

func TestValidate(t *testing.T) {
	cfg, _ := writeConfig(t, "10")
	out, err := execute(t, "validate", "--config", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, "experiment: AirTest / EcoFlex20")
	assert.Contains(t, out, "infuse:     10 ml at 126 ml/min")
	assert.Contains(t, out, "syringe:    29.2 mm, 60 ml")
	assert.True(t, strings.HasSuffix(out, "ok\n"))
}

func TestValidateRejectsOverfill(t *testing.T) {
	cfg, _ := writeConfig(t, "70")
	_, err := execute(t, "validate", "--config", cfg)
	require.Error(t, err)
	assert.True(t, errors.Is(err, safety.ErrCapacityExceeded), "got %v", err)
}

func TestMissingConfig(t *testing.T) {
	_, err := execute(t, "validate", "--config", filepath.Join(t.TempDir(), "nope.json"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nope.json")
}

func TestRunSimulated(t *testing.T) {
	cfg, dir := writeConfig(t, "10")
	out, err := execute(t, "run", "--config", cfg, "--simulate", "--speedup", "1000")
	require.NoError(t, err, out)
	assert.Contains(t, out, "on sim0@115200")
	assert.Contains(t, out, "trial 1: completed")
	assert.Contains(t, out, "trial 2: completed")
	assert.Contains(t, out, "shutdown: 2 of 2 trials completed")

	csvs, err := filepath.Glob(filepath.Join(dir, "Data", "*", "AirTest_EcoFlex20_*", "Trial_2", "Data_2.csv"))
	require.NoError(t, err)
	assert.Len(t, csvs, 1)

	out, err = execute(t, "runs", "--config", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, "AirTest")
	assert.Contains(t, out, "2/2")
	assert.Contains(t, out, "shutdown")
}

func TestRunAbortsOnOverfill(t *testing.T) {
	cfg, dir := writeConfig(t, "70")
	out, err := execute(t, "run", "--config", cfg, "--simulate")
	require.Error(t, err)
	assert.True(t, errors.Is(err, safety.ErrCapacityExceeded), "got %v", err)
	assert.Contains(t, err.Error(), "experiment aborted")
	assert.NotContains(t, out, "trial 1")

	_, statErr := os.Stat(filepath.Join(dir, "Data"))
	assert.True(t, os.IsNotExist(statErr), "no artifacts for an aborted run")
}

func TestPumpCommandsSimulated(t *testing.T) {
	cfg, _ := writeConfig(t, "10")

	out, err := execute(t, "pump", "status", "--config", cfg, "--simulate")
	require.NoError(t, err)
	assert.Contains(t, out, "sim0@115200: idle")

	out, err = execute(t, "pump", "stop", "--config", cfg, "--simulate")
	require.NoError(t, err)
	assert.Equal(t, "sim0@115200: stopped\n", out)

	out, err = execute(t, "pump", "reset", "--config", cfg, "--simulate")
	require.NoError(t, err)
	assert.Equal(t, "sim0@115200: reset, idle\n", out)
}

func TestMigrateCommands(t *testing.T) {
	cfg, dir := writeConfig(t, "10")
	db := filepath.Join(dir, "other.db")

	out, err := execute(t, "migrate", "status", "--config", cfg, "--db", db)
	require.NoError(t, err)
	assert.Contains(t, out, "version:   0")
	assert.Contains(t, out, "2 migration(s) pending")

	_, err = execute(t, "runs", "--db", db)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "migrate up")

	out, err = execute(t, "migrate", "up", "--db", db)
	require.NoError(t, err)
	assert.Equal(t, "version 2 (dirty: false)\n", out)

	out, err = execute(t, "migrate", "to", "1", "--db", db)
	require.NoError(t, err)
	assert.Equal(t, "version 1 (dirty: false)\n", out)

	_, err = execute(t, "migrate", "force", "2", "--db", db)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--yes")

	out, err = execute(t, "migrate", "down", "--db", db)
	require.NoError(t, err)
	assert.Equal(t, "version 0 (dirty: false)\n", out)

	_, err = execute(t, "migrate", "up", "--db", db)
	require.NoError(t, err)
	out, err = execute(t, "runs", "--db", db)
	require.NoError(t, err)
	assert.Equal(t, "no runs recorded\n", out)
}

func TestMigrateToRejectsBadVersion(t *testing.T) {
	_, err := execute(t, "migrate", "to", "two", "--db", filepath.Join(t.TempDir(), "x.db"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), `invalid version "two"`)
}

func TestListPorts(t *testing.T) {
	cfg, _ := writeConfig(t, "10")
	lister := device.PortListerFunc(func() ([]device.PortInfo, error) {
		return []device.PortInfo{
			{Name: "/dev/ttyS0"},
			{Name: "/dev/ttyUSB0", IsUSB: true, VID: "0403", PID: "6001", SerialNumber: "a10k1234", Product: "FT232R"},
		}, nil
	})

	resetFlags(rootCmd)
	var out bytes.Buffer
	portsCmd.SetOut(&out)
	defer portsCmd.SetOut(nil)

	require.NoError(t, listPorts(portsCmd, lister))
	assert.Equal(t, "/dev/ttyS0\n/dev/ttyUSB0 [0403:6001:A10K1234] FT232R\n", out.String())

	out.Reset()
	require.NoError(t, rootCmd.PersistentFlags().Set("config", cfg))
	require.NoError(t, listPorts(portsCmd, lister))
	assert.Contains(t, out.String(), "hardware id 0403:6001 selects /dev/ttyUSB0@115200 [0403:6001:A10K1234]")
}

func TestListPortsEmpty(t *testing.T) {
	resetFlags(rootCmd)
	var out bytes.Buffer
	portsCmd.SetOut(&out)
	defer portsCmd.SetOut(nil)

	require.NoError(t, listPorts(portsCmd, device.PortListerFunc(func() ([]device.PortInfo, error) { return nil, nil })))
	assert.Equal(t, "no serial ports found\n", out.String())
}

func TestOpenWithRoutesMountsSessionDebug(t *testing.T) {
	cfg, _ := writeConfig(t, "10")
	resetFlags(rootCmd)
	simulate = true
	defer resetFlags(rootCmd)

	configPath = cfg
	c, err := loadConfig()
	require.NoError(t, err)

	opener, disc := pumpOpener(c)
	mux := http.NewServeMux()
	dev, err := openWithRoutes(opener, mux)(t.Context(), disc)
	require.NoError(t, err)
	defer dev.Close()

	w := testutil.ServeDebug(t, mux, http.MethodGet, "/debug/")
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)
	assert.Contains(t, w.Body.String(), "sim0@115200")

	w = testutil.ServeDebug(t, mux, http.MethodGet, "/debug/serial")
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)
}
