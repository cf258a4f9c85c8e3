package pump

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/banshee-data/pump.lab/internal/monitoring"
	"github.com/banshee-data/pump.lab/internal/timeutil"
)

var logf = monitoring.Scoped("pump")

// Transport is the line-oriented link to the pump. *serialmux.SerialMux
// satisfies it.
type Transport interface {
	Subscribe() (string, chan string)
	Unsubscribe(id string)
	SendCommand(command string) error
	ResetInput() error
}

// DefaultReplyTimeout bounds how long a command waits for its prompt.
const DefaultReplyTimeout = time.Second

// DefaultSettle is how long the line must stay quiet before leftovers of an
// abandoned reply are considered drained.
const DefaultSettle = 20 * time.Millisecond

// Options configures an Engine.
type Options struct {
	// ReplyTimeout bounds each exchange. Zero uses DefaultReplyTimeout.
	ReplyTimeout time.Duration
	// Settle is the quiet window used when draining. Zero uses
	// DefaultSettle; it never exceeds ReplyTimeout.
	Settle time.Duration
	Clock  timeutil.Clock
}

// Reply is everything the pump sent in answer to one command.
type Reply struct {
	Lines  []string
	Prompt Prompt
}

// Engine runs the command/reply exchange with one pump. Exchanges are
// serialised: a command is never written while another's reply is
// outstanding.
type Engine struct {
	transport    Transport
	clock        timeutil.Clock
	replyTimeout time.Duration
	settle       time.Duration

	mu    sync.Mutex
	subID string
	lines chan string
	// stale is set when an exchange was abandoned part way or its reply did
	// not fit the command; the next one drains the line first.
	stale bool
}

// NewEngine subscribes to t and returns an engine ready to exchange
// commands. The transport's line splitter must emit bare prompts, see
// SplitReplies.
func NewEngine(t Transport, opts Options) *Engine {
	if opts.ReplyTimeout <= 0 {
		opts.ReplyTimeout = DefaultReplyTimeout
	}
	if opts.Settle <= 0 {
		opts.Settle = DefaultSettle
	}
	opts.Settle = min(opts.Settle, opts.ReplyTimeout)
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	id, lines := t.Subscribe()
	return &Engine{
		transport:    t,
		clock:        opts.Clock,
		replyTimeout: opts.ReplyTimeout,
		settle:       opts.Settle,
		subID:        id,
		lines:        lines,
	}
}

// Close drops the engine's subscription. The transport is left open.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.subID != "" {
		e.transport.Unsubscribe(e.subID)
		e.subID = ""
	}
}

// Send writes c and waits for the reply prompt.
func (e *Engine) Send(ctx context.Context, c Command) (Reply, error) {
	return e.exchange(ctx, c, e.replyTimeout)
}

// ReadStatus performs one status exchange and decodes it.
func (e *Engine) ReadStatus(ctx context.Context) (Status, error) {
	return e.readStatus(ctx, e.replyTimeout)
}

func (e *Engine) readStatus(ctx context.Context, timeout time.Duration) (Status, error) {
	reply, err := e.exchange(ctx, QueryStatus, timeout)
	if err != nil {
		return Status{}, err
	}
	st, err := ParseStatus(reply.Lines[len(reply.Lines)-1], reply.Prompt)
	if err != nil {
		e.mu.Lock()
		e.stale = true
		e.mu.Unlock()
	}
	return st, err
}

// outOfStep reports why reply cannot be the answer to c, or "" when it can.
// A status query must produce a status line; nothing else produces one.
func outOfStep(c Command, reply Reply) string {
	if c.Op == OpStatus {
		if len(reply.Lines) == 0 {
			return "no status line before prompt " + reply.Prompt.String()
		}
		return ""
	}
	for _, l := range reply.Lines {
		if _, err := ParseStatus(l, reply.Prompt); err == nil {
			return fmt.Sprintf("status line %q in reply", l)
		}
	}
	return ""
}

func (e *Engine) exchange(ctx context.Context, c Command, timeout time.Duration) (Reply, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.subID == "" {
		return Reply{}, fmt.Errorf("%w: engine closed", ErrTransport)
	}
	if err := ctx.Err(); err != nil {
		return Reply{}, err
	}
	// After an abandoned exchange, the first reply that does not fit c is
	// the late answer to the old command and is dropped.
	resync := e.stale
	if e.stale {
		e.discard()
	}

	cmd := c.String()
	if err := e.transport.SendCommand(cmd); err != nil {
		return Reply{}, fmt.Errorf("%w: write %q: %v", ErrTransport, cmd, err)
	}

	timer := e.clock.NewTimer(timeout)
	defer timer.Stop()

	var reply Reply
	for {
		select {
		case <-ctx.Done():
			e.stale = true
			return reply, ctx.Err()

		case <-timer.C():
			e.stale = true
			logf("no prompt after %q within %s (partial reply %q)", cmd, timeout, reply.Lines)
			return reply, fmt.Errorf("%w: no prompt after %q within %s", ErrTimeout, cmd, timeout)

		case line, ok := <-e.lines:
			if !ok {
				return reply, fmt.Errorf("%w: read side closed during %q", ErrTransport, cmd)
			}
			line = strings.TrimSpace(line)
			if p, ok := ParsePrompt(line); ok {
				reply.Prompt = p
				if isRejection(reply.Lines) {
					logf("%q rejected: %q", cmd, reply.Lines)
					return reply, &CommandError{Command: cmd, Reply: reply.Lines}
				}
				if why := outOfStep(c, reply); why != "" {
					if resync {
						logf("dropped late reply %q %s before answer to %q", reply.Lines, p, cmd)
						resync = false
						reply = Reply{}
						continue
					}
					e.stale = true
					logf("%q answered out of step: %s", cmd, why)
					if c.Op == OpStatus {
						return reply, &ParseError{Line: "", Reason: why}
					}
					return reply, fmt.Errorf("%w: %q: %s", ErrOutOfStep, cmd, why)
				}
				return reply, nil
			}
			if line == "" || line == cmd {
				// echo
				continue
			}
			reply.Lines = append(reply.Lines, line)
		}
	}
}

// discard drops anything left over from an abandoned reply, reading until
// the line has been quiet for the settle window. A device that keeps talking
// is given up on after one reply timeout.
func (e *Engine) discard() {
	if err := e.transport.ResetInput(); err != nil {
		logf("reset input: %v", err)
	}
	e.stale = false

	limit := e.clock.NewTimer(e.replyTimeout)
	defer limit.Stop()
	n := 0
	defer func() {
		if n > 0 {
			logf("discarded %d stale line(s)", n)
		}
	}()
	for {
		idle := e.clock.NewTimer(e.settle)
		select {
		case _, ok := <-e.lines:
			idle.Stop()
			if !ok {
				return
			}
			n++
		case <-idle.C():
			return
		case <-limit.C():
			idle.Stop()
			logf("line still busy after %s", e.replyTimeout)
			return
		}
	}
}

func isRejection(lines []string) bool {
	for _, l := range lines {
		lower := strings.ToLower(l)
		if strings.Contains(lower, "error") || strings.HasPrefix(lower, "out of range") || strings.HasPrefix(lower, "?") {
			return true
		}
	}
	return false
}
