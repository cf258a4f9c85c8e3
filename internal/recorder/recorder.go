// Package recorder runs the trial video capture alongside the pump. The
// orchestrator sees it only as a start/stop capability.
package recorder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/banshee-data/pump.lab/internal/monitoring"
)

var logf = monitoring.Scoped("recorder")

var (
	// ErrExited reports a capture process that ended before Stop.
	ErrExited = errors.New("recorder exited early")
	// ErrNoCommand is returned by Start when no capture command is set.
	ErrNoCommand = errors.New("recorder command not configured")
)

// Trial describes what is being recorded.
type Trial struct {
	RunID  string
	Number int
	// Output is the video file path.
	Output string
}

// Recorder starts captures.
type Recorder interface {
	Start(ctx context.Context, t Trial) (Handle, error)
}

// Handle is one running capture. Stop returns once the capture has ended.
type Handle interface {
	Stop(ctx context.Context) error
}

// Nop records nothing. It backs runs without a camera.
type Nop struct{}

// Start returns a handle whose Stop does nothing.
func (Nop) Start(context.Context, Trial) (Handle, error) { return nopHandle{}, nil }

type nopHandle struct{}

func (nopHandle) Stop(context.Context) error { return nil }

// DefaultStopGrace is how long a capture process gets to finish its file
// after being interrupted.
const DefaultStopGrace = 5 * time.Second

// Exec runs an external capture program, one process per trial. Args may
// contain {output}, {trial} and {run}, replaced per trial.
type Exec struct {
	Command   []string
	StopGrace time.Duration
	// Signal asks the process to finish; nil means os.Interrupt.
	Signal os.Signal
}

// Expand returns the argv for t.
func (r Exec) Expand(t Trial) []string {
	rep := strings.NewReplacer(
		"{output}", t.Output,
		"{trial}", strconv.Itoa(t.Number),
		"{run}", t.RunID,
	)
	out := make([]string, len(r.Command))
	for i, a := range r.Command {
		out[i] = rep.Replace(a)
	}
	return out
}

// Start launches the capture process. It is not tied to ctx: the process
// lives until Stop so a cancelled run can still finish its file.
func (r Exec) Start(ctx context.Context, t Trial) (Handle, error) {
	if len(r.Command) == 0 || strings.TrimSpace(r.Command[0]) == "" {
		return nil, ErrNoCommand
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	argv := r.Expand(t)
	cmd := exec.Command(argv[0], argv[1:]...)
	h := &execHandle{
		cmd:   cmd,
		trial: t,
		grace: r.StopGrace,
		sig:   r.Signal,
		done:  make(chan struct{}),
	}
	cmd.Stderr = &h.stderr
	if h.grace <= 0 {
		h.grace = DefaultStopGrace
	}
	if h.sig == nil {
		h.sig = os.Interrupt
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start recorder %q: %w", argv[0], err)
	}
	logf("trial %d: recording to %s (pid %d)", t.Number, t.Output, cmd.Process.Pid)
	go func() {
		h.waitErr = cmd.Wait()
		close(h.done)
	}()
	return h, nil
}

type execHandle struct {
	cmd   *exec.Cmd
	trial Trial
	grace time.Duration
	sig   os.Signal

	stderr  bytes.Buffer
	done    chan struct{}
	waitErr error

	stopOnce sync.Once
	stopErr  error
}

// Stop interrupts the process and waits for it, killing it once the grace
// period or ctx runs out. A process that had already exited yields
// ErrExited.
func (h *execHandle) Stop(ctx context.Context) error {
	h.stopOnce.Do(func() { h.stopErr = h.stop(ctx) })
	return h.stopErr
}

func (h *execHandle) stop(ctx context.Context) error {
	select {
	case <-h.done:
		return fmt.Errorf("trial %d: %w: %v: %s", h.trial.Number, ErrExited, h.waitErr, strings.TrimSpace(h.stderr.String()))
	default:
	}

	if err := h.cmd.Process.Signal(h.sig); err != nil {
		logf("trial %d: signal recorder: %v", h.trial.Number, err)
	}
	grace := time.NewTimer(h.grace)
	defer grace.Stop()

	select {
	case <-h.done:
		logf("trial %d: recording stopped", h.trial.Number)
		return nil
	case <-grace.C:
	case <-ctx.Done():
	}
	logf("trial %d: recorder did not exit, killing pid %d", h.trial.Number, h.cmd.Process.Pid)
	if err := h.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill recorder: %w", err)
	}
	<-h.done
	return nil
}
