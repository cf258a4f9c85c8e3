// Package experiment sequences a validated plan into trials on the pump:
// recorder, infuse, pause, withdraw, persistence. One Orchestrator runs one
// experiment.
package experiment

import (
	"context"
	"fmt"
	"iter"
	"time"

	"github.com/banshee-data/pump.lab/internal/device"
	"github.com/banshee-data/pump.lab/internal/pump"
	"github.com/banshee-data/pump.lab/internal/safety"
	"github.com/banshee-data/pump.lab/internal/units"
)

// State is an orchestrator state.
type State int

const (
	Idle State = iota
	Validating
	DeviceInit
	TrialRunning
	TrialComplete
	Finished
	Shutdown
	Aborted
)

var stateNames = [...]string{
	Idle:          "idle",
	Validating:    "validating",
	DeviceInit:    "device-init",
	TrialRunning:  "trial-running",
	TrialComplete: "trial-complete",
	Finished:      "finished",
	Shutdown:      "shutdown",
	Aborted:       "aborted",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Terminal reports whether no further transition can follow s.
func (s State) Terminal() bool { return s == Shutdown || s == Aborted }

// Transition is one state change.
type Transition struct {
	From, To State
	// Trial is set for TrialRunning and TrialComplete.
	Trial int
	At    time.Time
	Err   error
}

func (t Transition) String() string {
	to := t.To.String()
	if t.Trial > 0 {
		to = fmt.Sprintf("%s(%d)", to, t.Trial)
	}
	if t.Err != nil {
		return fmt.Sprintf("%s -> %s: %v", t.From, to, t.Err)
	}
	return fmt.Sprintf("%s -> %s", t.From, to)
}

// Phase is one direction within a trial.
type Phase string

const (
	PhaseInfuse   Phase = "infuse"
	PhaseWithdraw Phase = "withdraw"
)

// Sample is one status read, in the order it was taken.
type Sample struct {
	Phase  Phase
	At     time.Time
	Status pump.Status
}

// Outcome is how a trial ended.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	// OutcomeFaulted trials hit a pump fault; their samples are partial.
	OutcomeFaulted Outcome = "faulted"
	// OutcomeInterrupted trials were cut short by cancellation or a lost
	// transport.
	OutcomeInterrupted Outcome = "interrupted"
)

// PhaseSummary condenses the samples of one phase.
type PhaseSummary struct {
	Phase   Phase
	Samples int
	// Volume is the last volume the pump reported for the phase.
	Volume  units.Quantity
	Elapsed time.Duration
	// Rate is the least-squares slope of volume over time, when at least two
	// samples were moving.
	Rate   units.Quantity
	RateOK bool
}

// TrialResult is everything recorded for one trial.
type TrialResult struct {
	RunID   string
	Trial   int
	Started time.Time
	Ended   time.Time
	Samples []Sample
	Outcome Outcome
	// Err is the fault that ended the trial early, if any.
	Err string
	// RecorderErr is set when the capture failed to start or stop cleanly.
	RecorderErr string
	Video       string
	Phases      []PhaseSummary
}

// Run is the provenance of one experiment.
type Run struct {
	ID      string
	Plan    *safety.Plan
	Device  device.Handle
	Started time.Time
}

// Report is returned by Orchestrator.Run.
type Report struct {
	Run         *Run
	State       State
	Transitions []Transition
	Trials      []*TrialResult
	// Err is the error that ended the run early, if any.
	Err error
}

// Completed counts trials that ran to the end.
func (r *Report) Completed() int {
	n := 0
	for _, t := range r.Trials {
		if t.Outcome == OutcomeCompleted {
			n++
		}
	}
	return n
}

// Persister receives the plan and trial results. Trials arrive in order,
// each once, after the trial has stopped the pump and the recorder.
type Persister interface {
	BeginRun(ctx context.Context, run *Run) error
	SaveTrial(ctx context.Context, run *Run, res *TrialResult) error
	EndRun(ctx context.Context, run *Run, rep *Report) error
}

// Device is the pump session the orchestrator drives.
type Device interface {
	Handle() device.Handle
	Configure(ctx context.Context, plan *safety.Plan) error
	StartInfuse(ctx context.Context, target units.Quantity) error
	StartWithdraw(ctx context.Context, target units.Quantity) error
	Stop(ctx context.Context) error
	Poll(ctx context.Context, target units.Quantity, opts pump.PollOptions) iter.Seq2[pump.Status, error]
	Reset(ctx context.Context) error
	Close() error
}

// OpenFunc opens the pump session for a run.
type OpenFunc func(ctx context.Context, cfg device.DiscoveryConfig) (Device, error)

// SessionOpener adapts a device.Opener.
func SessionOpener(o device.Opener) OpenFunc {
	return func(ctx context.Context, cfg device.DiscoveryConfig) (Device, error) {
		s, err := o.Open(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}
