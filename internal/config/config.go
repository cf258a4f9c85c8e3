package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// DefaultConfigPath is where pumpctl looks for the rig configuration when no
// path is given.
const DefaultConfigPath = "config/pump.json"

// DeviceBaudRate is the only baud rate the pump is driven at.
const DeviceBaudRate = 115200

// Duration is a time.Duration that decodes from either a Go duration string
// ("500ms") or a number of seconds (3, 0.25).
type Duration struct {
	time.Duration
}

// Seconds returns a Duration of s seconds.
func Seconds(s float64) Duration {
	return Duration{time.Duration(s * float64(time.Second))}
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		d.Duration = parsed
		return nil
	}
	secs, err := strconv.ParseFloat(string(b), 64)
	if err != nil {
		return fmt.Errorf("invalid duration %s: expected seconds or a duration string", b)
	}
	*d = Seconds(secs)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// QuantityConfig is an operator supplied magnitude and unit string. Units are
// checked by the safety validator, not here.
type QuantityConfig struct {
	Value float64 `json:"value"`
	Unit  string  `json:"unit"`
}

func (q QuantityConfig) String() string {
	return strconv.FormatFloat(q.Value, 'f', -1, 64) + " " + q.Unit
}

// SyringeConfig describes the mounted syringe.
type SyringeConfig struct {
	DiameterMM float64        `json:"diameter_mm"`
	Capacity   QuantityConfig `json:"capacity"`
}

// PhaseConfig holds the target volume and flow rate for one direction.
type PhaseConfig struct {
	Volume QuantityConfig `json:"volume"`
	Rate   QuantityConfig `json:"rate"`
}

// ExperimentConfig is the operator facing description of a run. It is
// validated once into an immutable safety.Plan.
type ExperimentConfig struct {
	ExperimentLabel string        `json:"experiment_label"`
	MaterialLabel   string        `json:"material_label"`
	Syringe         SyringeConfig `json:"syringe"`
	Infuse          PhaseConfig   `json:"infuse"`
	Withdraw        PhaseConfig   `json:"withdraw"`
	Trials          int           `json:"trials"`
	// CameraBootDelay is waited after the recorder starts and before the
	// pump moves.
	CameraBootDelay Duration `json:"camera_boot_delay"`
	// InfusionPause separates the end of infusion from the start of
	// withdrawal.
	InfusionPause Duration `json:"infusion_pause"`
}

// DeviceConfig selects the pump's serial endpoint.
type DeviceConfig struct {
	// HardwareID is VID:PID or VID:PID:SERIAL as reported by the USB stack.
	HardwareID string `json:"hardware_id"`
	// Port pins an explicit port name (e.g. /dev/ttyUSB0, COM4) and takes
	// precedence over HardwareID.
	Port     string `json:"port,omitempty"`
	BaudRate int    `json:"baud_rate,omitempty"`
}

// PollingConfig tunes the status poll loop.
type PollingConfig struct {
	Interval     Duration `json:"interval"`
	ReadTimeout  Duration `json:"read_timeout"`
	PhaseTimeout Duration `json:"phase_timeout"`
	MaxAttempts  int      `json:"max_attempts"`
}

// RecorderConfig configures the external video capture process. An empty
// Command disables recording.
type RecorderConfig struct {
	// Command is an argv template; {output}, {trial} and {run} are
	// substituted per trial.
	Command   []string `json:"command,omitempty"`
	StopGrace Duration `json:"stop_grace"`
}

// StorageConfig locates the run database and the per-trial artifacts.
type StorageConfig struct {
	Database string `json:"database"`
	DataDir  string `json:"data_dir"`
	CSV      bool   `json:"csv"`
}

// File is the on-disk rig configuration.
type File struct {
	Experiment ExperimentConfig `json:"experiment"`
	Device     DeviceConfig     `json:"device"`
	Polling    PollingConfig    `json:"polling"`
	Recorder   RecorderConfig   `json:"recorder"`
	Storage    StorageConfig    `json:"storage"`
}

// Default returns a File with every optional field populated. The experiment
// section mirrors the bench defaults of the original rig.
func Default() *File {
	return &File{
		Experiment: ExperimentConfig{
			ExperimentLabel: "AirTest",
			MaterialLabel:   "EcoFlex20",
			Syringe: SyringeConfig{
				DiameterMM: 29.2,
				Capacity:   QuantityConfig{Value: 60, Unit: "ml"},
			},
			Infuse: PhaseConfig{
				Volume: QuantityConfig{Value: 60, Unit: "ml"},
				Rate:   QuantityConfig{Value: 126, Unit: "ml/min"},
			},
			Withdraw: PhaseConfig{
				Volume: QuantityConfig{Value: 60, Unit: "ml"},
				Rate:   QuantityConfig{Value: 126, Unit: "ml/min"},
			},
			Trials:          1,
			CameraBootDelay: Seconds(3),
			InfusionPause:   Seconds(1),
		},
		Device: DeviceConfig{BaudRate: DeviceBaudRate},
		Polling: PollingConfig{
			Interval:     Seconds(1),
			ReadTimeout:  Seconds(1),
			PhaseTimeout: Duration{10 * time.Minute},
			MaxAttempts:  3,
		},
		Recorder: RecorderConfig{StopGrace: Seconds(5)},
		Storage: StorageConfig{
			Database: "pump.db",
			DataDir:  "Data",
			CSV:      true,
		},
	}
}

// requiredExperimentFields are the keys that must appear in the experiment
// section of a config file, checked in order. Defaults are never silently
// used for them.
var requiredExperimentFields = []struct {
	section string
	fields  []string
}{
	{"", []string{"syringe", "infuse", "withdraw", "trials"}},
	{"syringe", []string{"diameter_mm", "capacity"}},
	{"infuse", []string{"volume", "rate"}},
	{"withdraw", []string{"volume", "rate"}},
}

// Load reads a File from a JSON file. Fields omitted from optional sections
// keep their defaults; unknown fields and missing experiment fields are
// rejected.
func Load(path string) (*File, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	// Check file size for safety (max 1MB)
	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a config document.
func Parse(data []byte) (*File, error) {
	if err := checkRequired(data); err != nil {
		return nil, err
	}

	cfg := Default()
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func checkRequired(data []byte) error {
	var root struct {
		Experiment map[string]json.RawMessage `json:"experiment"`
	}
	if err := json.Unmarshal(data, &root); err != nil {
		return fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if root.Experiment == nil {
		return fmt.Errorf("missing required section \"experiment\"")
	}

	for _, req := range requiredExperimentFields {
		obj := root.Experiment
		prefix := "experiment."
		if req.section != "" {
			raw, ok := root.Experiment[req.section]
			if !ok {
				continue // reported by the top level check
			}
			// a fresh map per section; decoding into root.Experiment would
			// merge one section's keys into the next check
			var fields map[string]json.RawMessage
			if err := json.Unmarshal(raw, &fields); err != nil {
				return fmt.Errorf("experiment.%s must be an object: %w", req.section, err)
			}
			obj = fields
			prefix += req.section + "."
		}
		for _, f := range req.fields {
			if _, ok := obj[f]; !ok {
				return fmt.Errorf("missing required field %q", prefix+f)
			}
		}
	}
	return nil
}

// Validate checks values the safety validator does not own: counts, timing
// and the fixed serial parameters.
func (f *File) Validate() error {
	if err := f.Experiment.Validate(); err != nil {
		return err
	}

	if f.Device.HardwareID == "" && f.Device.Port == "" {
		return fmt.Errorf("device: one of hardware_id or port is required")
	}
	if f.Device.BaudRate != 0 && f.Device.BaudRate != DeviceBaudRate {
		return fmt.Errorf("device.baud_rate must be %d, got %d", DeviceBaudRate, f.Device.BaudRate)
	}

	if f.Polling.Interval.Duration <= 0 {
		return fmt.Errorf("polling.interval must be positive, got %s", f.Polling.Interval)
	}
	if f.Polling.ReadTimeout.Duration <= 0 {
		return fmt.Errorf("polling.read_timeout must be positive, got %s", f.Polling.ReadTimeout)
	}
	if f.Polling.PhaseTimeout.Duration < f.Polling.Interval.Duration {
		return fmt.Errorf("polling.phase_timeout (%s) must be at least polling.interval (%s)", f.Polling.PhaseTimeout, f.Polling.Interval)
	}
	if f.Polling.MaxAttempts < 1 {
		return fmt.Errorf("polling.max_attempts must be at least 1, got %d", f.Polling.MaxAttempts)
	}

	if len(f.Recorder.Command) > 0 && strings.TrimSpace(f.Recorder.Command[0]) == "" {
		return fmt.Errorf("recorder.command[0] must name an executable")
	}
	if f.Recorder.StopGrace.Duration < 0 {
		return fmt.Errorf("recorder.stop_grace must be non-negative, got %s", f.Recorder.StopGrace)
	}

	if f.Storage.Database == "" {
		return fmt.Errorf("storage.database is required")
	}
	if f.Storage.CSV && f.Storage.DataDir == "" {
		return fmt.Errorf("storage.data_dir is required when csv output is enabled")
	}
	return nil
}

// Validate checks the structural fields of an experiment. Units, volumes,
// diameter and rates are left to the safety validator so that its error
// ordering holds.
func (c ExperimentConfig) Validate() error {
	if c.Trials < 1 {
		return fmt.Errorf("experiment.trials must be at least 1, got %d", c.Trials)
	}
	if c.CameraBootDelay.Duration < 0 {
		return fmt.Errorf("experiment.camera_boot_delay must be non-negative, got %s", c.CameraBootDelay)
	}
	if c.InfusionPause.Duration < 0 {
		return fmt.Errorf("experiment.infusion_pause must be non-negative, got %s", c.InfusionPause)
	}
	return nil
}
