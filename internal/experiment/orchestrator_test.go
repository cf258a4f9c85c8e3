package experiment

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/pump.lab/internal/config"
	"github.com/banshee-data/pump.lab/internal/device"
	"github.com/banshee-data/pump.lab/internal/monitoring"
	"github.com/banshee-data/pump.lab/internal/pump"
	"github.com/banshee-data/pump.lab/internal/pump/pumpsim"
	"github.com/banshee-data/pump.lab/internal/recorder"
	"github.com/banshee-data/pump.lab/internal/safety"
	"github.com/banshee-data/pump.lab/internal/serialmux"
	"github.com/banshee-data/pump.lab/internal/testutil"
	"github.com/banshee-data/pump.lab/internal/timeutil"
	"github.com/banshee-data/pump.lab/internal/units"
)

func init() {
	monitoring.SetLogger(nil)
}

var epoch = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

func benchConfig() config.ExperimentConfig {
	phase := config.PhaseConfig{
		Volume: config.QuantityConfig{Value: 10, Unit: "ml"},
		Rate:   config.QuantityConfig{Value: 126, Unit: "ml/min"},
	}
	return config.ExperimentConfig{
		ExperimentLabel: "AirTest",
		MaterialLabel:   "EcoFlex20",
		Syringe: config.SyringeConfig{
			DiameterMM: 29.2,
			Capacity:   config.QuantityConfig{Value: 60, Unit: "ml"},
		},
		Infuse:          phase,
		Withdraw:        phase,
		Trials:          3,
		CameraBootDelay: config.Seconds(3),
		InfusionPause:   config.Seconds(1),
	}
}

// callLog records what the fakes were asked to do, in order.
type callLog struct {
	mu      sync.Mutex
	entries []string
}

func (l *callLog) add(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, fmt.Sprintf(format, args...))
}

func (l *callLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.entries...)
}

type pollScript func(ctx context.Context, target units.Quantity) iter.Seq2[pump.Status, error]

type fakeDevice struct {
	log          *callLog
	configureErr error
	// scripts replaces the Nth Poll call (0-based); others reach the target.
	scripts map[int]pollScript

	mu    sync.Mutex
	polls int
}

func (d *fakeDevice) Handle() device.Handle {
	return device.Handle{PortName: "/dev/ttyUSB0", BaudRate: 115200, HardwareID: "0403:6001"}
}

func (d *fakeDevice) Configure(context.Context, *safety.Plan) error {
	d.log.add("configure")
	return d.configureErr
}

func (d *fakeDevice) StartInfuse(_ context.Context, target units.Quantity) error {
	d.log.add("infuse %s", target)
	return nil
}

func (d *fakeDevice) StartWithdraw(_ context.Context, target units.Quantity) error {
	d.log.add("withdraw %s", target)
	return nil
}

func (d *fakeDevice) Stop(context.Context) error {
	d.log.add("stop")
	return nil
}

func (d *fakeDevice) Reset(context.Context) error {
	d.log.add("reset")
	return nil
}

func (d *fakeDevice) Close() error {
	d.log.add("close")
	return nil
}

func (d *fakeDevice) Poll(ctx context.Context, target units.Quantity, _ pump.PollOptions) iter.Seq2[pump.Status, error] {
	d.mu.Lock()
	n := d.polls
	d.polls++
	d.mu.Unlock()
	d.log.add("poll")
	if s, ok := d.scripts[n]; ok {
		return s(ctx, target)
	}
	return reachTarget(ctx, target)
}

func moving(target units.Quantity, fraction float64, elapsed time.Duration) pump.Status {
	return pump.Status{
		Volume:    units.Quantity{Value: target.Value * fraction, Unit: target.Unit},
		Elapsed:   elapsed,
		Direction: pump.Infusing,
		Raw:       "moving",
	}
}

func reachTarget(_ context.Context, target units.Quantity) iter.Seq2[pump.Status, error] {
	return func(yield func(pump.Status, error) bool) {
		if !yield(moving(target, 0.5, 2*time.Second), nil) {
			return
		}
		done := moving(target, 1, 4*time.Second)
		done.Direction = pump.Idle
		done.TargetReached = true
		yield(done, nil)
	}
}

type fakeRecorder struct {
	log      *callLog
	startErr error
}

func (r *fakeRecorder) Start(_ context.Context, t recorder.Trial) (recorder.Handle, error) {
	if r.startErr != nil {
		return nil, r.startErr
	}
	r.log.add("record %d", t.Number)
	return fakeRecording{log: r.log, n: t.Number}, nil
}

type fakeRecording struct {
	log *callLog
	n   int
}

func (h fakeRecording) Stop(context.Context) error {
	h.log.add("stop recording %d", h.n)
	return nil
}

type memPersister struct {
	log      *callLog
	beginErr error
	saveErr  error

	mu     sync.Mutex
	runs   []*Run
	trials []*TrialResult
	report *Report
}

func (p *memPersister) BeginRun(_ context.Context, run *Run) error {
	p.log.add("begin")
	if p.beginErr != nil {
		return p.beginErr
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.runs = append(p.runs, run)
	return nil
}

func (p *memPersister) SaveTrial(_ context.Context, _ *Run, res *TrialResult) error {
	p.log.add("save %d", res.Trial)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.trials = append(p.trials, res)
	return p.saveErr
}

func (p *memPersister) EndRun(_ context.Context, _ *Run, rep *Report) error {
	p.log.add("end")
	p.mu.Lock()
	defer p.mu.Unlock()
	p.report = rep
	return nil
}

type rig struct {
	log       *callLog
	dev       *fakeDevice
	rec       *fakeRecorder
	store     *memPersister
	clock     *timeutil.MockClock
	openCalls int
	openErr   error
	orch      *Orchestrator
}

func newRig(cfg config.ExperimentConfig) *rig {
	log := &callLog{}
	r := &rig{
		log:   log,
		dev:   &fakeDevice{log: log, scripts: map[int]pollScript{}},
		rec:   &fakeRecorder{log: log},
		store: &memPersister{log: log},
		clock: timeutil.NewMockClock(epoch),
	}
	r.orch = &Orchestrator{
		Experiment: cfg,
		Discovery:  device.DiscoveryConfig{HardwareID: "0403:6001"},
		Open: func(context.Context, device.DiscoveryConfig) (Device, error) {
			r.openCalls++
			if r.openErr != nil {
				return nil, r.openErr
			}
			return r.dev, nil
		},
		Recorder:   r.rec,
		Persisters: []Persister{r.store},
		VideoPath: func(_ *Run, trial int) (string, error) {
			return fmt.Sprintf("Trial_%d/Video_Trial_%d.mp4", trial, trial), nil
		},
		Clock:    r.clock,
		NewRunID: func() string { return "run-1" },
	}
	return r
}

func states(ts []Transition) []string {
	var out []string
	for _, t := range ts {
		s := t.To.String()
		if t.Trial > 0 {
			s = fmt.Sprintf("%s(%d)", s, t.Trial)
		}
		out = append(out, s)
	}
	return out
}

func trialCalls(n int) []string {
	return []string{
		fmt.Sprintf("record %d", n),
		"infuse 0.01 l", "poll", "stop",
		"withdraw 0.01 l", "poll", "stop",
		fmt.Sprintf("stop recording %d", n),
		fmt.Sprintf("save %d", n),
	}
}

func TestRunCompletesAllTrials(t *testing.T) {
	r := newRig(benchConfig())
	var observed []Transition
	r.orch.Observer = func(tr Transition) { observed = append(observed, tr) }

	rep, err := r.orch.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, Shutdown, rep.State)
	assert.Equal(t, []string{
		"validating", "device-init",
		"trial-running(1)", "trial-complete(1)",
		"trial-running(2)", "trial-complete(2)",
		"trial-running(3)", "trial-complete(3)",
		"finished", "shutdown",
	}, states(rep.Transitions))
	assert.Empty(t, cmp.Diff(rep.Transitions, observed))

	want := []string{"configure", "begin"}
	for n := 1; n <= 3; n++ {
		want = append(want, trialCalls(n)...)
	}
	want = append(want, "close", "end")
	assert.Equal(t, want, r.log.list())

	assert.Equal(t, 3, rep.Completed())
	require.Len(t, r.store.trials, 3)
	for i, res := range r.store.trials {
		assert.Equal(t, i+1, res.Trial)
		assert.Equal(t, "run-1", res.RunID)
		assert.Equal(t, OutcomeCompleted, res.Outcome)
		assert.Len(t, res.Samples, 4)
		assert.Equal(t, fmt.Sprintf("Trial_%d/Video_Trial_%d.mp4", i+1, i+1), res.Video)
		require.Len(t, res.Phases, 2)
		assert.Equal(t, PhaseInfuse, res.Phases[0].Phase)
		assert.Equal(t, PhaseWithdraw, res.Phases[1].Phase)
	}
	assert.Same(t, rep, r.store.report)
	assert.Equal(t, "/dev/ttyUSB0", rep.Run.Device.PortName)

	// boot delay then pause, per trial
	assert.Equal(t, []time.Duration{
		3 * time.Second, time.Second,
		3 * time.Second, time.Second,
		3 * time.Second, time.Second,
	}, r.clock.Sleeps())
	assert.Equal(t, 12*time.Second, rep.Trials[2].Ended.Sub(epoch))
}

func TestRunTwice(t *testing.T) {
	r := newRig(benchConfig())
	_, err := r.orch.Run(context.Background())
	require.NoError(t, err)
	_, err = r.orch.Run(context.Background())
	assert.Error(t, err)
	assert.Equal(t, 1, r.openCalls)
}

func TestRunAbortsOnInvalidPlan(t *testing.T) {
	cfg := benchConfig()
	cfg.Infuse.Volume = config.QuantityConfig{Value: 100, Unit: "ml"}
	r := newRig(cfg)

	rep, err := r.orch.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, Aborted, rep.State)
	assert.Equal(t, []string{"validating", "aborted"}, states(rep.Transitions))
	assert.Zero(t, r.openCalls)
	assert.Empty(t, r.log.list())
}

func TestRunAbortsWhenDeviceNotFound(t *testing.T) {
	r := newRig(benchConfig())
	r.openErr = fmt.Errorf("%w: no port matches 0403:6001", device.ErrDeviceNotFound)

	rep, err := r.orch.Run(context.Background())
	require.ErrorIs(t, err, device.ErrDeviceNotFound)
	assert.Equal(t, Aborted, rep.State)
	assert.Equal(t, []string{"validating", "device-init", "aborted"}, states(rep.Transitions))
	assert.Nil(t, rep.Run)
	assert.Empty(t, r.log.list(), "nothing recorded or persisted")
}

func TestRunAbortsWhenConfigureFails(t *testing.T) {
	r := newRig(benchConfig())
	r.dev.configureErr = &pump.CommandError{Command: "diameter 29.2", Reply: []string{"Argument error: 29.2"}}

	rep, err := r.orch.Run(context.Background())
	require.ErrorIs(t, err, pump.ErrCommandRejected)
	assert.Equal(t, Aborted, rep.State)
	assert.Equal(t, []string{"configure", "close"}, r.log.list())
}

func TestRunAbortsWhenRunCannotBeRecorded(t *testing.T) {
	r := newRig(benchConfig())
	r.store.beginErr = errors.New("disk full")

	rep, err := r.orch.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Equal(t, Aborted, rep.State)
	assert.Equal(t, []string{"configure", "begin", "close"}, r.log.list())
}

func TestUnresponsivePumpFaultsOneTrial(t *testing.T) {
	r := newRig(benchConfig())
	r.dev.scripts[0] = func(_ context.Context, target units.Quantity) iter.Seq2[pump.Status, error] {
		return func(yield func(pump.Status, error) bool) {
			if !yield(moving(target, 0.25, time.Second), nil) {
				return
			}
			yield(pump.Status{}, &pump.UnresponsiveError{Attempts: 3, Last: pump.ErrTimeout})
		}
	}

	rep, err := r.orch.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Shutdown, rep.State)
	assert.Equal(t, 2, rep.Completed())

	first := rep.Trials[0]
	assert.Equal(t, OutcomeFaulted, first.Outcome)
	assert.Len(t, first.Samples, 1, "partial data is kept")
	assert.Contains(t, first.Err, "unresponsive")

	want := []string{"configure", "begin",
		"record 1", "infuse 0.01 l", "poll", "stop", "stop recording 1", "reset", "save 1",
	}
	want = append(want, trialCalls(2)...)
	want = append(want, trialCalls(3)...)
	want = append(want, "close", "end")
	assert.Equal(t, want, r.log.list())

	var faulted Transition
	for _, tr := range rep.Transitions {
		if tr.To == TrialComplete && tr.Trial == 1 {
			faulted = tr
		}
	}
	assert.ErrorIs(t, faulted.Err, pump.ErrDeviceUnresponsive)
}

func TestStalledWithdrawFaultsTrial(t *testing.T) {
	cfg := benchConfig()
	cfg.Trials = 1
	r := newRig(cfg)
	r.dev.scripts[1] = func(_ context.Context, target units.Quantity) iter.Seq2[pump.Status, error] {
		return func(yield func(pump.Status, error) bool) {
			st := moving(target, 0.4, time.Second)
			st.Direction = pump.Stalled
			yield(st, pump.ErrStalled)
		}
	}

	rep, err := r.orch.Run(context.Background())
	require.NoError(t, err)
	res := rep.Trials[0]
	assert.Equal(t, OutcomeFaulted, res.Outcome)
	assert.Len(t, res.Samples, 3)
	assert.Equal(t, PhaseWithdraw, res.Samples[2].Phase)
	assert.Contains(t, res.Err, "withdraw")
}

func TestCancellationShutsDown(t *testing.T) {
	r := newRig(benchConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.dev.scripts[2] = func(ctx context.Context, target units.Quantity) iter.Seq2[pump.Status, error] {
		return func(yield func(pump.Status, error) bool) {
			if !yield(moving(target, 0.1, time.Second), nil) {
				return
			}
			cancel()
			yield(pump.Status{}, ctx.Err())
		}
	}

	rep, err := r.orch.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, Shutdown, rep.State)
	assert.NotContains(t, states(rep.Transitions), "finished")
	assert.NotContains(t, states(rep.Transitions), "aborted")

	require.Len(t, rep.Trials, 2)
	assert.Equal(t, OutcomeInterrupted, rep.Trials[1].Outcome)

	want := []string{"configure", "begin"}
	want = append(want, trialCalls(1)...)
	want = append(want,
		"record 2", "infuse 0.01 l", "poll", "stop", "stop recording 2", "save 2",
		"close", "end",
	)
	assert.Equal(t, want, r.log.list())
}

func TestCancelledDuringBootDelay(t *testing.T) {
	r := newRig(benchConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rep, err := r.orch.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, Shutdown, rep.State)
	assert.Equal(t, []string{
		"configure", "begin", "record 1", "stop", "stop recording 1", "save 1", "close", "end",
	}, r.log.list())
}

func TestTransportLossEndsRun(t *testing.T) {
	r := newRig(benchConfig())
	r.dev.scripts[1] = func(context.Context, units.Quantity) iter.Seq2[pump.Status, error] {
		return func(yield func(pump.Status, error) bool) {
			yield(pump.Status{}, fmt.Errorf("%w: read: device disconnected", pump.ErrTransport))
		}
	}

	rep, err := r.orch.Run(context.Background())
	require.ErrorIs(t, err, pump.ErrTransport)
	assert.Equal(t, Shutdown, rep.State)
	require.Len(t, rep.Trials, 1)
	assert.Equal(t, OutcomeInterrupted, rep.Trials[0].Outcome)
	assert.NotContains(t, r.log.list(), "reset")
}

func TestRecorderFailureDoesNotStopTrial(t *testing.T) {
	cfg := benchConfig()
	cfg.Trials = 1
	r := newRig(cfg)
	r.rec.startErr = errors.New("no camera on /dev/video0")

	rep, err := r.orch.Run(context.Background())
	require.NoError(t, err)
	res := rep.Trials[0]
	assert.Equal(t, OutcomeCompleted, res.Outcome)
	assert.Equal(t, "no camera on /dev/video0", res.RecorderErr)
	assert.NotContains(t, r.log.list(), "stop recording 1")
}

func TestSaveFailureContinuesRun(t *testing.T) {
	r := newRig(benchConfig())
	r.store.saveErr = errors.New("database is locked")

	rep, err := r.orch.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, rep.Completed())
	assert.Len(t, r.store.trials, 3)
}

func TestAdminRoutes(t *testing.T) {
	r := newRig(benchConfig())
	mux := http.NewServeMux()
	r.orch.AttachAdminRoutes(mux)

	get := func(path string) string {
		rec := testutil.ServeDebug(t, mux, http.MethodGet, path)
		require.Equal(t, http.StatusOK, rec.Code)
		return rec.Body.String()
	}

	assert.Contains(t, get("/debug/"), "idle")

	_, err := r.orch.Run(context.Background())
	require.NoError(t, err)
	body := get("/debug/")
	assert.Contains(t, body, "Experiment state")
	assert.Contains(t, body, "run-1")
	assert.Contains(t, get("/debug/transitions"), "idle -> validating")
}

func TestSummarize(t *testing.T) {
	ml := func(v float64) units.Quantity {
		q, err := units.Normalize(v, "ml", units.Volume)
		require.NoError(t, err)
		return q
	}
	var samples []Sample
	// 126 ml/min is 2.1 ml/s.
	for i := 1; i <= 4; i++ {
		samples = append(samples, Sample{Phase: PhaseInfuse, Status: pump.Status{
			Volume: ml(2.1 * float64(i)), Elapsed: time.Duration(i) * time.Second, Direction: pump.Infusing,
		}})
	}
	samples = append(samples, Sample{Phase: PhaseWithdraw, Status: pump.Status{Volume: ml(0), Direction: pump.Idle}})

	got := Summarize(samples)
	require.Len(t, got, 2)
	assert.Equal(t, 4, got[0].Samples)
	assert.True(t, got[0].RateOK)
	assert.InDelta(t, 126, got[0].Rate.MustIn(units.MLPerMin), 1e-9)
	assert.InDelta(t, 8.4, got[0].Volume.MustIn(units.ML), 1e-9)
	assert.Equal(t, 4*time.Second, got[0].Elapsed)

	assert.Equal(t, 1, got[1].Samples)
	assert.False(t, got[1].RateOK)
}

func TestRunAgainstSimulatedPump(t *testing.T) {
	sim := pumpsim.New(pumpsim.Options{Speedup: 1000})
	opener := device.Opener{
		Ports: device.PortListerFunc(func() ([]device.PortInfo, error) {
			return []device.PortInfo{{Name: "/dev/ttyUSB0", IsUSB: true, VID: "0403", PID: "6001", SerialNumber: "A10K1234"}}, nil
		}),
		Factory:      serialmux.NewMockSerialPortFactory(sim),
		ReplyTimeout: 50 * time.Millisecond,
		StopTimeout:  200 * time.Millisecond,
	}
	cfg := benchConfig()
	cfg.Trials = 2
	cfg.CameraBootDelay = config.Duration{}
	cfg.InfusionPause = config.Duration{}

	o := &Orchestrator{
		Experiment: cfg,
		Discovery:  device.DiscoveryConfig{HardwareID: "0403:6001"},
		Open:       SessionOpener(opener),
		Polling: config.PollingConfig{
			Interval:     config.Duration{Duration: 2 * time.Millisecond},
			PhaseTimeout: config.Seconds(5),
		},
		Recorder: recorder.Nop{},
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rep, err := o.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Completed())
	for _, res := range rep.Trials {
		require.Len(t, res.Phases, 2)
		for _, ph := range res.Phases {
			assert.InDelta(t, 10, ph.Volume.MustIn(units.ML), 1e-6, "%s", ph.Phase)
		}
	}

	cmds := sim.Commands()
	count := map[string]int{}
	for _, c := range cmds {
		count[c]++
	}
	assert.Equal(t, 2, count["irun"])
	assert.Equal(t, 2, count["wrun"])
	assert.Equal(t, "stop", cmds[len(cmds)-1])
}
