package artifacts

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/pump.lab/internal/device"
	"github.com/banshee-data/pump.lab/internal/experiment"
	"github.com/banshee-data/pump.lab/internal/fsutil"
	"github.com/banshee-data/pump.lab/internal/monitoring"
	"github.com/banshee-data/pump.lab/internal/pump"
	"github.com/banshee-data/pump.lab/internal/safety"
	"github.com/banshee-data/pump.lab/internal/units"
)

func init() {
	monitoring.SetLogger(nil)
}

var started = time.Date(2026, 3, 14, 9, 30, 5, 0, time.Local)

func q(t *testing.T, v float64, unit string, kind units.Kind) units.Quantity {
	t.Helper()
	out, err := units.Normalize(v, unit, kind)
	require.NoError(t, err)
	return out
}

func testRun(t *testing.T) *experiment.Run {
	return &experiment.Run{
		ID: "5c1e1c1e-0000-4000-8000-000000000001",
		Plan: &safety.Plan{
			ExperimentLabel: "AirTest",
			MaterialLabel:   "EcoFlex20",
			Syringe:         safety.SyringeSpec{DiameterMM: 29.2, Capacity: q(t, 60, "ml", units.Volume)},
			InfuseVolume:    q(t, 10, "ml", units.Volume),
			WithdrawVolume:  q(t, 500, "ul", units.Volume),
			InfuseRate:      q(t, 126, "ml/min", units.Rate),
			WithdrawRate:    q(t, 50, "ul/min", units.Rate),
			Trials:          3,
			CameraBootDelay: 3 * time.Second,
			InfusionPause:   1500 * time.Millisecond,
		},
		Device:  device.Handle{PortName: "/dev/ttyUSB0", BaudRate: 115200, HardwareID: "0403:6001"},
		Started: started,
	}
}

func TestRunDir(t *testing.T) {
	run := testRun(t)
	run.Plan.ExperimentLabel = "Air Test"
	run.Plan.MaterialLabel = "../Eco/Flex"

	got, err := RunDir("Data", run)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("Data", "03-14", "Air_Test_Eco_Flex_09-30-05"), got)
}

func TestParameters(t *testing.T) {
	want := `Trial Date: 03_14 09-30-05
Run ID: 5c1e1c1e-0000-4000-8000-000000000001
Number of Trials: 3
Experiment Type: AirTest
Material Type: EcoFlex20
Pump: /dev/ttyUSB0@115200 [0403:6001]

Syringe Diameter (mm): 29.2
Syringe Volume (ml): 60

Target Volume Infuse (ml): 10
Infuse Rate (ml/min): 126

Target Volume Withdraw (ul): 500
Withdraw Rate (ul/min): 50

Camera Boot Delay (s): 3
Infusion Pause (s): 1.5
`
	assert.Equal(t, want, string(Parameters(testRun(t))))
}

func sample(t *testing.T, at time.Duration, phase experiment.Phase, ml float64, dir pump.Direction) experiment.Sample {
	return experiment.Sample{
		Phase: phase,
		At:    started.Add(at),
		Status: pump.Status{
			Volume:    q(t, ml, "ml", units.Volume),
			Rate:      q(t, 126, "ml/min", units.Rate),
			Direction: dir,
		},
	}
}

func TestWriterLayout(t *testing.T) {
	fsys := fsutil.NewMemoryFileSystem()
	w := New("Data", fsys)
	run := testRun(t)
	ctx := context.Background()

	require.NoError(t, w.BeginRun(ctx, run))
	dir := filepath.Join("Data", "03-14", "AirTest_EcoFlex20_09-30-05")
	for _, n := range []string{"Trial_1", "Trial_2", "Trial_3"} {
		assert.True(t, fsys.Exists(filepath.Join(dir, n)), n)
	}
	params, err := fsys.ReadFile(filepath.Join(dir, "Data_Parameters.txt"))
	require.NoError(t, err)
	assert.Equal(t, Parameters(run), params)

	video, err := w.VideoPath(run, 2)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "Trial_2", "Video_Trial_2.mp4"), video)

	res := &experiment.TrialResult{
		RunID:   run.ID,
		Trial:   1,
		Started: started,
		Ended:   started.Add(15 * time.Second),
		Outcome: experiment.OutcomeCompleted,
		Samples: []experiment.Sample{
			sample(t, 3500*time.Millisecond, experiment.PhaseInfuse, 1.05, pump.Infusing),
			sample(t, 8*time.Second, experiment.PhaseInfuse, 10, pump.Idle),
			sample(t, 13*time.Second, experiment.PhaseWithdraw, 2.1, pump.Withdrawing),
		},
	}
	res.Samples[1].Status.TargetReached = true
	require.NoError(t, w.SaveTrial(ctx, run, res))

	data, err := fsys.ReadFile(filepath.Join(dir, "Trial_1", "Data_1.csv"))
	require.NoError(t, err)
	assert.Equal(t, strings.Join([]string{
		"time_s,volume_ml,rate_ml_min,phase,state",
		"3.500,1.05,126,infuse,infusing",
		"8.000,10,126,infuse,target",
		"13.000,2.1,126,withdraw,withdrawing",
		"",
	}, "\n"), string(data))

	rep := &experiment.Report{Run: run, State: experiment.Shutdown, Trials: []*experiment.TrialResult{res}}
	res.Phases = experiment.Summarize(res.Samples)
	require.NoError(t, w.EndRun(ctx, run, rep))
	summary, err := fsys.ReadFile(filepath.Join(dir, "Data_Summary.txt"))
	require.NoError(t, err)
	assert.Contains(t, string(summary), "Trials Completed: 1 of 1")
	assert.Contains(t, string(summary), "Trial 1: completed (15s)")
	assert.Contains(t, string(summary), "infuse: 10 ml in 0s")

	// the run is forgotten once ended
	_, err = w.VideoPath(run, 1)
	assert.ErrorIs(t, err, ErrUnknownRun)
}

func TestBeginRunDoesNotReuseDirectory(t *testing.T) {
	fsys := fsutil.NewMemoryFileSystem()
	w := New("Data", fsys)
	first, second := testRun(t), testRun(t)
	second.ID = "second"

	require.NoError(t, w.BeginRun(context.Background(), first))
	require.NoError(t, w.BeginRun(context.Background(), second))

	video, err := w.VideoPath(second, 1)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("Data", "03-14", "AirTest_EcoFlex20_09-30-05_2", "Trial_1", "Video_Trial_1.mp4"), video)
}

func TestSaveTrialWithoutCSV(t *testing.T) {
	fsys := fsutil.NewMemoryFileSystem()
	w := New("Data", fsys)
	w.CSV = false
	run := testRun(t)
	require.NoError(t, w.BeginRun(context.Background(), run))
	require.NoError(t, w.SaveTrial(context.Background(), run, &experiment.TrialResult{Trial: 1, Started: started}))

	for _, f := range fsys.Files("Data") {
		assert.NotEqual(t, ".csv", filepath.Ext(f), f)
	}
}

func TestUnknownRun(t *testing.T) {
	w := New("Data", fsutil.NewMemoryFileSystem())
	run := testRun(t)
	err := w.SaveTrial(context.Background(), run, &experiment.TrialResult{Trial: 1})
	assert.True(t, errors.Is(err, ErrUnknownRun))
	assert.ErrorIs(t, w.EndRun(context.Background(), run, &experiment.Report{}), ErrUnknownRun)
}

func TestWriterOnDisk(t *testing.T) {
	root := t.TempDir()
	w := New(root, fsutil.OSFileSystem{})
	run := testRun(t)
	ctx := context.Background()
	require.NoError(t, w.BeginRun(ctx, run))
	require.NoError(t, w.SaveTrial(ctx, run, &experiment.TrialResult{
		Trial:   2,
		Started: started,
		Samples: []experiment.Sample{sample(t, time.Second, experiment.PhaseInfuse, 2.1, pump.Infusing)},
	}))

	data, err := fsutil.OSFileSystem{}.ReadFile(filepath.Join(root, "03-14", "AirTest_EcoFlex20_09-30-05", "Trial_2", "Data_2.csv"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "1.000,2.1,126,infuse,infusing")
}
