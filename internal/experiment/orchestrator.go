package experiment

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"tailscale.com/tsweb"

	"github.com/banshee-data/pump.lab/internal/config"
	"github.com/banshee-data/pump.lab/internal/device"
	"github.com/banshee-data/pump.lab/internal/monitoring"
	"github.com/banshee-data/pump.lab/internal/pump"
	"github.com/banshee-data/pump.lab/internal/recorder"
	"github.com/banshee-data/pump.lab/internal/safety"
	"github.com/banshee-data/pump.lab/internal/timeutil"
	"github.com/banshee-data/pump.lab/internal/units"
)

var logf = monitoring.Scoped("experiment")

// cleanupTimeout bounds each stop issued while unwinding a trial or the run,
// after the run's own context may already be cancelled.
const cleanupTimeout = 5 * time.Second

// Orchestrator runs one experiment. Fill in the fields and call Run once.
type Orchestrator struct {
	Experiment config.ExperimentConfig
	// Capability is the pump model's rate table; zero means safety.PHDUltra.
	Capability safety.Capability
	Discovery  device.DiscoveryConfig
	Open       OpenFunc
	Polling    config.PollingConfig
	// Recorder captures video per trial; nil records nothing.
	Recorder   recorder.Recorder
	Persisters []Persister
	// VideoPath names the capture file for a trial. Nil leaves it empty.
	VideoPath func(run *Run, trial int) (string, error)
	Clock     timeutil.Clock
	// Observer, when set, is called synchronously for every transition.
	Observer func(Transition)
	// NewRunID defaults to a random UUID.
	NewRunID func() string

	mu          sync.Mutex
	state       State
	trial       int
	run         *Run
	transitions []Transition
	live        recorder.Handle
}

// trialFaults end the current trial but not the run.
var trialFaults = []error{
	pump.ErrDeviceUnresponsive,
	device.ErrInvalidState,
	pump.ErrTimeout,
	pump.ErrStalled,
	pump.ErrParse,
	pump.ErrCommandRejected,
}

func isTrialFault(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, pump.ErrTransport) {
		return false
	}
	for _, f := range trialFaults {
		if errors.Is(err, f) {
			return true
		}
	}
	return false
}

func (o *Orchestrator) clock() timeutil.Clock {
	if o.Clock == nil {
		return timeutil.RealClock{}
	}
	return o.Clock
}

func (o *Orchestrator) transition(to State, trial int, err error) {
	o.mu.Lock()
	t := Transition{From: o.state, To: to, Trial: trial, At: o.clock().Now(), Err: err}
	o.state, o.trial = to, trial
	o.transitions = append(o.transitions, t)
	o.mu.Unlock()

	logf("%s", t)
	if o.Observer != nil {
		o.Observer(t)
	}
}

// State returns the current state and trial number.
func (o *Orchestrator) State() (State, int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state, o.trial
}

// Snapshot returns the run and transitions so far. Trials are only filled in
// the report returned by Run.
func (o *Orchestrator) Snapshot() *Report { return o.report(nil) }

func (o *Orchestrator) report(err error) *Report {
	o.mu.Lock()
	defer o.mu.Unlock()
	return &Report{
		Run:         o.run,
		State:       o.state,
		Transitions: append([]Transition(nil), o.transitions...),
		Err:         err,
	}
}

func (o *Orchestrator) abort(err error) (*Report, error) {
	o.transition(Aborted, 0, err)
	return o.report(err), err
}

// Run validates the plan, opens the pump and runs every trial. It returns
// an error, with a non-nil report, when the run was aborted before the
// first trial or ended early; faulted trials alone are not an error.
func (o *Orchestrator) Run(ctx context.Context) (*Report, error) {
	if s, _ := o.State(); s != Idle {
		return nil, fmt.Errorf("orchestrator already used (state %s)", s)
	}

	o.transition(Validating, 0, nil)
	capability := o.Capability
	if capability.Name == "" {
		capability = safety.PHDUltra
	}
	plan, err := safety.Validate(o.Experiment, capability)
	if err != nil {
		return o.abort(err)
	}

	o.transition(DeviceInit, 0, nil)
	if o.Open == nil {
		return o.abort(errors.New("no device opener configured"))
	}
	dev, err := o.Open(ctx, o.Discovery)
	if err != nil {
		return o.abort(err)
	}
	if err := dev.Configure(ctx, plan); err != nil {
		closeDevice(dev)
		return o.abort(err)
	}

	newID := o.NewRunID
	if newID == nil {
		newID = uuid.NewString
	}
	run := &Run{ID: newID(), Plan: plan, Device: dev.Handle(), Started: o.clock().Now()}
	o.mu.Lock()
	o.run = run
	o.mu.Unlock()
	for _, p := range o.Persisters {
		if err := p.BeginRun(ctx, run); err != nil {
			closeDevice(dev)
			return o.abort(fmt.Errorf("record run: %w", err))
		}
	}
	logf("run %s: %d trial(s) on %s", run.ID, plan.Trials, run.Device)

	var (
		trials []*TrialResult
		fatal  error
	)
	for n := 1; n <= plan.Trials; n++ {
		o.transition(TrialRunning, n, nil)
		res, err := o.runTrial(ctx, run, dev, n)
		trials = append(trials, res)
		o.persist(ctx, run, res)
		o.transition(TrialComplete, n, err)
		if err != nil && !isTrialFault(err) {
			fatal = err
			break
		}
	}
	if fatal == nil {
		o.transition(Finished, 0, nil)
	}

	o.shutdown(dev)
	o.transition(Shutdown, 0, fatal)

	rep := o.report(fatal)
	rep.Trials = trials
	for _, p := range o.Persisters {
		if err := p.EndRun(context.WithoutCancel(ctx), run, rep); err != nil {
			logf("run %s: finish record: %v", run.ID, err)
		}
	}
	return rep, fatal
}

func closeDevice(dev Device) {
	if err := dev.Close(); err != nil {
		logf("close device: %v", err)
	}
}

// shutdown stops any live capture and releases the pump. Close stops the
// plunger before the port is released.
func (o *Orchestrator) shutdown(dev Device) {
	o.mu.Lock()
	live := o.live
	o.live = nil
	o.mu.Unlock()
	if live != nil {
		ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
		if err := live.Stop(ctx); err != nil {
			logf("shutdown: stop recorder: %v", err)
		}
		cancel()
	}
	closeDevice(dev)
}

func (o *Orchestrator) persist(ctx context.Context, run *Run, res *TrialResult) {
	ctx = context.WithoutCancel(ctx)
	for _, p := range o.Persisters {
		if err := p.SaveTrial(ctx, run, res); err != nil {
			logf("run %s trial %d: persist: %v", run.ID, res.Trial, err)
		}
	}
}

// runTrial runs one infuse/withdraw cycle. The result is always returned,
// with whatever samples were taken; the error is the fault that ended the
// trial early.
func (o *Orchestrator) runTrial(ctx context.Context, run *Run, dev Device, n int) (*TrialResult, error) {
	clock := o.clock()
	plan := run.Plan
	res := &TrialResult{RunID: run.ID, Trial: n, Started: clock.Now(), Outcome: OutcomeCompleted}

	err := o.trialSequence(ctx, run, dev, res)

	if err != nil {
		// Motion stops before anything else is released.
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
		if serr := dev.Stop(stopCtx); serr != nil {
			logf("trial %d: stop after fault: %v", n, serr)
		}
		cancel()
	}
	o.stopRecorder(ctx, res)

	if err != nil {
		res.Err = err.Error()
		if isTrialFault(err) {
			res.Outcome = OutcomeFaulted
			logf("trial %d faulted: %v", n, err)
			resetCtx, cancel := context.WithTimeout(ctx, cleanupTimeout)
			if rerr := dev.Reset(resetCtx); rerr != nil {
				logf("trial %d: reset: %v", n, rerr)
				if errors.Is(rerr, pump.ErrTransport) {
					err = rerr
				}
			}
			cancel()
		} else {
			res.Outcome = OutcomeInterrupted
		}
	}
	res.Ended = clock.Now()
	res.Phases = Summarize(res.Samples)
	logf("trial %d %s after %s: %d sample(s), infuse %s / withdraw %s",
		n, res.Outcome, res.Ended.Sub(res.Started).Round(time.Millisecond), len(res.Samples),
		plan.InfuseVolume, plan.WithdrawVolume)
	return res, err
}

func (o *Orchestrator) trialSequence(ctx context.Context, run *Run, dev Device, res *TrialResult) error {
	clock := o.clock()
	plan := run.Plan

	if err := o.startRecorder(ctx, run, res); err != nil {
		return err
	}
	if err := clock.SleepContext(ctx, plan.CameraBootDelay); err != nil {
		return err
	}

	if err := dev.StartInfuse(ctx, plan.InfuseVolume); err != nil {
		return err
	}
	if err := o.pollPhase(ctx, dev, res, PhaseInfuse, plan.InfuseVolume); err != nil {
		return err
	}
	if err := dev.Stop(ctx); err != nil {
		return err
	}

	if err := clock.SleepContext(ctx, plan.InfusionPause); err != nil {
		return err
	}

	if err := dev.StartWithdraw(ctx, plan.WithdrawVolume); err != nil {
		return err
	}
	if err := o.pollPhase(ctx, dev, res, PhaseWithdraw, plan.WithdrawVolume); err != nil {
		return err
	}
	return dev.Stop(ctx)
}

func (o *Orchestrator) pollOptions() pump.PollOptions {
	return pump.PollOptions{
		Interval:    o.Polling.Interval.Duration,
		ReadTimeout: o.Polling.ReadTimeout.Duration,
		Timeout:     o.Polling.PhaseTimeout.Duration,
		MaxAttempts: o.Polling.MaxAttempts,
	}
}

func (o *Orchestrator) pollPhase(ctx context.Context, dev Device, res *TrialResult, phase Phase, target units.Quantity) error {
	clock := o.clock()
	var last error
	for st, err := range dev.Poll(ctx, target, o.pollOptions()) {
		if st.Raw != "" {
			res.Samples = append(res.Samples, Sample{Phase: phase, At: clock.Now(), Status: st})
		}
		if err != nil {
			last = err
		}
	}
	if last != nil {
		return fmt.Errorf("%s: %w", phase, last)
	}
	return nil
}

func (o *Orchestrator) startRecorder(ctx context.Context, run *Run, res *TrialResult) error {
	if o.Recorder == nil {
		return nil
	}
	if o.VideoPath != nil {
		p, err := o.VideoPath(run, res.Trial)
		if err != nil {
			return fmt.Errorf("video path: %w", err)
		}
		res.Video = p
	}
	h, err := o.Recorder.Start(ctx, recorder.Trial{RunID: run.ID, Number: res.Trial, Output: res.Video})
	if err != nil {
		// The pump runs without video rather than losing the trial.
		res.RecorderErr = err.Error()
		logf("trial %d: recorder: %v", res.Trial, err)
		return ctx.Err()
	}
	o.mu.Lock()
	o.live = h
	o.mu.Unlock()
	return nil
}

func (o *Orchestrator) stopRecorder(ctx context.Context, res *TrialResult) {
	o.mu.Lock()
	h := o.live
	o.live = nil
	o.mu.Unlock()
	if h == nil {
		return
	}
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	if err := h.Stop(stopCtx); err != nil {
		res.RecorderErr = err.Error()
		logf("trial %d: stop recorder: %v", res.Trial, err)
	}
}

// AttachAdminRoutes shows the run's progress under /debug/.
func (o *Orchestrator) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	debug.KVFunc("Experiment state", func() any {
		s, n := o.State()
		if n > 0 {
			return fmt.Sprintf("%s (trial %d)", s, n)
		}
		return s.String()
	})
	debug.KVFunc("Experiment run", func() any {
		o.mu.Lock()
		defer o.mu.Unlock()
		if o.run == nil {
			return "-"
		}
		return o.run.ID
	})
	debug.HandleFunc("transitions", "experiment state transitions", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		for _, t := range o.Snapshot().Transitions {
			fmt.Fprintf(w, "%s %s\n", t.At.Format(time.RFC3339Nano), t)
		}
	})
}
