// Package artifacts writes each run's files under the data directory:
//
//	<root>/MM-DD/<experiment>_<material>_<HH-MM-SS>/
//	    Data_Parameters.txt
//	    Data_Summary.txt
//	    Trial_n/Data_n.csv
//	    Trial_n/Video_Trial_n.mp4
package artifacts

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/banshee-data/pump.lab/internal/experiment"
	"github.com/banshee-data/pump.lab/internal/fsutil"
	"github.com/banshee-data/pump.lab/internal/monitoring"
	"github.com/banshee-data/pump.lab/internal/security"
	"github.com/banshee-data/pump.lab/internal/units"
)

var logf = monitoring.Scoped("artifacts")

// ErrUnknownRun is returned for a run that BeginRun never saw.
var ErrUnknownRun = errors.New("run has no artifact directory")

const (
	dirPerm  = 0o755
	filePerm = 0o644
)

// Writer is an experiment.Persister that lays runs out on a filesystem.
type Writer struct {
	Root string
	FS   fsutil.FileSystem
	// CSV enables the per-trial Data_n.csv sample log.
	CSV bool

	mu   sync.Mutex
	dirs map[string]string
}

// New returns a Writer for root on fsys with CSV output enabled.
func New(root string, fsys fsutil.FileSystem) *Writer {
	return &Writer{Root: root, FS: fsys, CSV: true}
}

var _ experiment.Persister = (*Writer)(nil)

// RunDir is where a run's files go. Labels are sanitised and the result is
// kept under root.
func RunDir(root string, run *experiment.Run) (string, error) {
	name := fmt.Sprintf("%s_%s_%s",
		security.SanitizeLabel(run.Plan.ExperimentLabel),
		security.SanitizeLabel(run.Plan.MaterialLabel),
		run.Started.Format("15-04-05"))
	return security.Join(root, run.Started.Format("01-02"), name)
}

func trialDir(n int) string { return "Trial_" + strconv.Itoa(n) }

func (w *Writer) runDir(run *experiment.Run) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	dir, ok := w.dirs[run.ID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownRun, run.ID)
	}
	return dir, nil
}

// BeginRun creates the run and trial directories and writes
// Data_Parameters.txt. A directory left by an earlier run in the same
// second gets a numeric suffix.
func (w *Writer) BeginRun(_ context.Context, run *experiment.Run) error {
	base, err := RunDir(w.Root, run)
	if err != nil {
		return err
	}
	dir := base
	for i := 2; w.FS.Exists(dir); i++ {
		dir = fmt.Sprintf("%s_%d", base, i)
	}
	for n := 1; n <= run.Plan.Trials; n++ {
		p, err := security.Join(dir, trialDir(n))
		if err != nil {
			return err
		}
		if err := w.FS.MkdirAll(p, dirPerm); err != nil {
			return fmt.Errorf("create %s: %w", p, err)
		}
	}
	if err := w.FS.WriteFile(filepath.Join(dir, "Data_Parameters.txt"), Parameters(run), filePerm); err != nil {
		return fmt.Errorf("write parameters: %w", err)
	}

	w.mu.Lock()
	if w.dirs == nil {
		w.dirs = make(map[string]string)
	}
	w.dirs[run.ID] = dir
	w.mu.Unlock()
	logf("run %s: writing to %s", run.ID, dir)
	return nil
}

// VideoPath names the capture file for a trial. It suits
// experiment.Orchestrator.VideoPath.
func (w *Writer) VideoPath(run *experiment.Run, trial int) (string, error) {
	dir, err := w.runDir(run)
	if err != nil {
		return "", err
	}
	return security.Join(dir, trialDir(trial), fmt.Sprintf("Video_Trial_%d.mp4", trial))
}

// SaveTrial writes Trial_n/Data_n.csv when CSV output is on.
func (w *Writer) SaveTrial(_ context.Context, run *experiment.Run, res *experiment.TrialResult) error {
	if !w.CSV {
		return nil
	}
	dir, err := w.runDir(run)
	if err != nil {
		return err
	}
	p, err := security.Join(dir, trialDir(res.Trial), fmt.Sprintf("Data_%d.csv", res.Trial))
	if err != nil {
		return err
	}
	f, err := w.FS.Create(p)
	if err != nil {
		return fmt.Errorf("create %s: %w", p, err)
	}
	if err := WriteSamples(f, res); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", p, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", p, err)
	}
	logf("trial %d: saved %d sample(s) to %s", res.Trial, len(res.Samples), p)
	return nil
}

// EndRun writes Data_Summary.txt.
func (w *Writer) EndRun(_ context.Context, run *experiment.Run, rep *experiment.Report) error {
	dir, err := w.runDir(run)
	if err != nil {
		return err
	}
	if err := w.FS.WriteFile(filepath.Join(dir, "Data_Summary.txt"), Summary(rep), filePerm); err != nil {
		return fmt.Errorf("write summary: %w", err)
	}
	w.mu.Lock()
	delete(w.dirs, run.ID)
	w.mu.Unlock()
	return nil
}

// CSVHeader is the first row of Data_n.csv.
var CSVHeader = []string{"time_s", "volume_ml", "rate_ml_min", "phase", "state"}

// WriteSamples writes res's samples as CSV. Time is seconds since the trial
// started.
func WriteSamples(out io.Writer, res *experiment.TrialResult) error {
	cw := csv.NewWriter(out)
	if err := cw.Write(CSVHeader); err != nil {
		return err
	}
	for _, s := range res.Samples {
		ml, _ := s.Status.Volume.In(units.ML)
		rate, _ := s.Status.Rate.In(units.MLPerMin)
		state := s.Status.Direction.String()
		if s.Status.TargetReached {
			state = "target"
		}
		row := []string{
			strconv.FormatFloat(s.At.Sub(res.Started).Seconds(), 'f', 3, 64),
			units.FormatValue(ml),
			units.FormatValue(rate),
			string(s.Phase),
			state,
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func scaled(q units.Quantity, allowed ...units.Unit) (string, units.Unit) {
	v, u := q.Scale(allowed...)
	return units.FormatValue(v), u
}

// Parameters renders Data_Parameters.txt.
func Parameters(run *experiment.Run) []byte {
	p := run.Plan
	var b bytes.Buffer
	fmt.Fprintf(&b, "Trial Date: %s\n", run.Started.Format("01_02 15-04-05"))
	fmt.Fprintf(&b, "Run ID: %s\n", run.ID)
	fmt.Fprintf(&b, "Number of Trials: %d\n", p.Trials)
	fmt.Fprintf(&b, "Experiment Type: %s\n", p.ExperimentLabel)
	fmt.Fprintf(&b, "Material Type: %s\n", p.MaterialLabel)
	fmt.Fprintf(&b, "Pump: %s\n", run.Device)
	b.WriteString("\n")

	volumes := []units.Unit{units.ML, units.UL}
	rates := []units.Unit{units.MLPerMin, units.ULPerMin, units.NLPerMin}
	fmt.Fprintf(&b, "Syringe Diameter (mm): %s\n", units.FormatValue(p.Syringe.DiameterMM))
	v, u := scaled(p.Syringe.Capacity, volumes...)
	fmt.Fprintf(&b, "Syringe Volume (%s): %s\n", u, v)
	b.WriteString("\n")
	v, u = scaled(p.InfuseVolume, volumes...)
	fmt.Fprintf(&b, "Target Volume Infuse (%s): %s\n", u, v)
	v, u = scaled(p.InfuseRate, rates...)
	fmt.Fprintf(&b, "Infuse Rate (%s): %s\n", u, v)
	b.WriteString("\n")
	v, u = scaled(p.WithdrawVolume, volumes...)
	fmt.Fprintf(&b, "Target Volume Withdraw (%s): %s\n", u, v)
	v, u = scaled(p.WithdrawRate, rates...)
	fmt.Fprintf(&b, "Withdraw Rate (%s): %s\n", u, v)
	b.WriteString("\n")
	fmt.Fprintf(&b, "Camera Boot Delay (s): %s\n", units.FormatValue(p.CameraBootDelay.Seconds()))
	fmt.Fprintf(&b, "Infusion Pause (s): %s\n", units.FormatValue(p.InfusionPause.Seconds()))
	return b.Bytes()
}

// Summary renders Data_Summary.txt.
func Summary(rep *experiment.Report) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "Final State: %s\n", rep.State)
	fmt.Fprintf(&b, "Trials Completed: %d of %d\n", rep.Completed(), len(rep.Trials))
	if rep.Err != nil {
		fmt.Fprintf(&b, "Error: %v\n", rep.Err)
	}
	for _, t := range rep.Trials {
		b.WriteString("\n")
		fmt.Fprintf(&b, "Trial %d: %s (%s)\n", t.Trial, t.Outcome, t.Ended.Sub(t.Started).Round(time.Millisecond))
		if t.Err != "" {
			fmt.Fprintf(&b, "  Error: %s\n", t.Err)
		}
		if t.RecorderErr != "" {
			fmt.Fprintf(&b, "  Recorder: %s\n", t.RecorderErr)
		}
		for _, ph := range t.Phases {
			ml, _ := ph.Volume.In(units.ML)
			fmt.Fprintf(&b, "  %s: %s ml in %s", ph.Phase, units.FormatValue(ml), ph.Elapsed)
			if ph.RateOK {
				fmt.Fprintf(&b, ", %s ml/min", units.FormatValue(ph.Rate.MustIn(units.MLPerMin)))
			}
			b.WriteString("\n")
		}
	}
	return b.Bytes()
}
