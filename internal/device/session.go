package device

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"sync"
	"time"

	"tailscale.com/tsweb"

	"github.com/banshee-data/pump.lab/internal/monitoring"
	"github.com/banshee-data/pump.lab/internal/pump"
	"github.com/banshee-data/pump.lab/internal/safety"
	"github.com/banshee-data/pump.lab/internal/serialmux"
	"github.com/banshee-data/pump.lab/internal/timeutil"
	"github.com/banshee-data/pump.lab/internal/units"
)

var logf = monitoring.Scoped("device")

// ErrInvalidState is returned when an operation is not allowed in the pump's
// last known state.
var ErrInvalidState = errors.New("operation not allowed in pump state")

// StateError names the refused operation and the state that refused it.
type StateError struct {
	Op    string
	State pump.Direction
}

func (e *StateError) Error() string {
	return fmt.Sprintf("cannot %s while pump is %s", e.Op, e.State)
}

func (e *StateError) Unwrap() error { return ErrInvalidState }

// DefaultStopTimeout bounds the stop sent by Close.
const DefaultStopTimeout = 2 * time.Second

// Opener discovers and opens pump sessions.
type Opener struct {
	Ports   PortLister
	Factory serialmux.SerialPortFactory
	Clock   timeutil.Clock
	// ReplyTimeout bounds each command exchange.
	ReplyTimeout time.Duration
	// StopTimeout bounds the best-effort stop sent on Close.
	StopTimeout time.Duration
}

// Open discovers the endpoint for cfg, opens it at 7-O-2 and probes the pump
// with a status read. Nothing is written to any port unless discovery finds
// exactly one match.
func (o Opener) Open(ctx context.Context, cfg DiscoveryConfig) (*Session, error) {
	ports := o.Ports
	if ports == nil {
		ports = EnumeratorLister{}
	}
	factory := o.Factory
	if factory == nil {
		factory = serialmux.RealPortFactory{}
	}

	h, err := Discover(ports, cfg)
	if err != nil {
		return nil, err
	}
	mode, err := serialmux.PortOptions{BaudRate: h.BaudRate}.Mode()
	if err != nil {
		return nil, err
	}
	port, err := factory.Open(h.PortName, mode)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", pump.ErrTransport, err)
	}

	s := o.Attach(h, port)
	if _, err := s.Status(ctx); err != nil {
		s.Close()
		return nil, fmt.Errorf("probe %s: %w", h, err)
	}
	return s, nil
}

// Attach starts a session on an already open port. The session owns port
// from here on.
func (o Opener) Attach(h Handle, port serialmux.SerialPorter) *Session {
	stopTimeout := o.StopTimeout
	if stopTimeout <= 0 {
		stopTimeout = DefaultStopTimeout
	}
	mux := serialmux.NewSerialMux(port, pump.SplitReplies)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := mux.Monitor(ctx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, serialmux.ErrClosed) {
			logf("%s: serial monitor stopped: %v", h.PortName, err)
		}
	}()

	logf("session open on %s", h)
	return &Session{
		handle:      h,
		mux:         mux,
		engine:      pump.NewEngine(mux, pump.Options{ReplyTimeout: o.ReplyTimeout, Clock: o.Clock}),
		cancel:      cancel,
		done:        done,
		stopTimeout: stopTimeout,
	}
}

// Session owns one pump endpoint for the length of a run. Its methods are
// not meant to be called concurrently; the engine serialises the wire
// exchanges regardless.
type Session struct {
	handle      Handle
	mux         *serialmux.SerialMux[serialmux.SerialPorter]
	engine      *pump.Engine
	cancel      context.CancelFunc
	done        chan struct{}
	stopTimeout time.Duration

	mu     sync.Mutex
	state  pump.Direction
	closed bool
}

// Handle returns the endpoint the session owns.
func (s *Session) Handle() Handle { return s.handle }

// State returns the last state the pump reported.
func (s *Session) State() pump.Direction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(d pump.Direction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = d
}

func (s *Session) send(ctx context.Context, cmds ...pump.Command) error {
	for _, c := range cmds {
		reply, err := s.engine.Send(ctx, c)
		if err != nil {
			return err
		}
		if reply.Prompt.State != "" {
			s.setState(reply.Prompt.Direction())
		}
	}
	return nil
}

// Configure pushes the plan's syringe and rates to the pump. It is refused
// while the plunger moves.
func (s *Session) Configure(ctx context.Context, plan *safety.Plan) error {
	if st := s.State(); st.Moving() {
		return &StateError{Op: "configure", State: st}
	}
	err := s.send(ctx,
		pump.SetDiameter(plan.Syringe.DiameterMM),
		pump.SetSyringeVolume(plan.Syringe.Capacity),
		pump.SetInfuseRate(plan.InfuseRate),
		pump.SetWithdrawRate(plan.WithdrawRate),
	)
	if err != nil {
		return fmt.Errorf("configure: %w", err)
	}
	logf("configured %s mm syringe, %s, infuse %s, withdraw %s",
		units.FormatValue(plan.Syringe.DiameterMM), plan.Syringe.Capacity, plan.InfuseRate, plan.WithdrawRate)
	return nil
}

// StartInfuse prepares quick-start mode for a fresh run to target and starts
// infusing.
func (s *Session) StartInfuse(ctx context.Context, target units.Quantity) error {
	return s.start(ctx, pump.Infusing, target)
}

// StartWithdraw prepares quick-start mode for a fresh run to target and
// starts withdrawing.
func (s *Session) StartWithdraw(ctx context.Context, target units.Quantity) error {
	return s.start(ctx, pump.Withdrawing, target)
}

func (s *Session) start(ctx context.Context, dir pump.Direction, target units.Quantity) error {
	op, run := "start infuse", pump.RunInfuse
	if dir == pump.Withdrawing {
		op, run = "start withdraw", pump.RunWithdraw
	}
	if st := s.State(); st.Moving() && st != dir {
		return &StateError{Op: op, State: st}
	}
	err := s.send(ctx,
		pump.Stop,
		pump.LoadQuickStart,
		pump.ClearTargetTime,
		pump.ClearTargetVolume,
		pump.ClearVolumes,
		pump.SetTargetVolume(target),
		run,
	)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	logf("%s to %s", op, target)
	return nil
}

// Stop halts the plunger.
func (s *Session) Stop(ctx context.Context) error {
	if err := s.send(ctx, pump.Stop); err != nil {
		return fmt.Errorf("stop: %w", err)
	}
	return nil
}

// Status reads and records the pump's status.
func (s *Session) Status(ctx context.Context) (pump.Status, error) {
	st, err := s.engine.ReadStatus(ctx)
	if err != nil {
		return st, err
	}
	s.setState(st.Direction)
	return st, nil
}

// Poll polls the pump until target is reached or the run otherwise ends;
// see pump.Engine.Poll.
func (s *Session) Poll(ctx context.Context, target units.Quantity, opts pump.PollOptions) iter.Seq2[pump.Status, error] {
	opts.Target = target
	return func(yield func(pump.Status, error) bool) {
		for st, err := range s.engine.Poll(ctx, opts) {
			if err == nil || st.Direction == pump.Stalled {
				s.setState(st.Direction)
			}
			if !yield(st, err) {
				return
			}
		}
	}
}

// Reset brings the pump back to a known idle state after a fault: flush
// input, stop, clear targets, reload quick-start mode, flush again and
// probe status.
func (s *Session) Reset(ctx context.Context) error {
	if err := s.mux.ResetInput(); err != nil {
		logf("reset: flush input: %v", err)
	}
	err := s.send(ctx, pump.Stop, pump.ClearTargetVolume, pump.ClearTargetTime, pump.LoadQuickStart)
	if err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	if err := s.mux.ResetInput(); err != nil {
		logf("reset: flush input: %v", err)
	}
	st, err := s.Status(ctx)
	if err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	logf("reset complete: %s", st)
	return nil
}

// Close stops the pump, best effort and bounded by the stop timeout, then
// releases the port. Calling Close more than once is safe.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.stopTimeout)
	if err := s.Stop(ctx); err != nil {
		logf("close %s: %v", s.handle.PortName, err)
	}
	cancel()

	s.engine.Close()
	s.cancel()
	err := s.mux.Close()
	<-s.done
	logf("session on %s closed", s.handle.PortName)
	return err
}

// AttachAdminRoutes exposes the session's serial traffic and pump state
// under /debug/.
func (s *Session) AttachAdminRoutes(mux *http.ServeMux) {
	s.mux.AttachAdminRoutes(mux)
	debug := tsweb.Debugger(mux)
	debug.KV("Pump port", s.handle.String())
	debug.KVFunc("Pump state", func() any { return s.State().String() })
}
