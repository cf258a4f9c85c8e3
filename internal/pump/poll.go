package pump

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/banshee-data/pump.lab/internal/units"
)

// PollOptions bounds a status poll.
type PollOptions struct {
	// Interval between status reads. Zero means one second.
	Interval time.Duration
	// ReadTimeout bounds each status exchange. Zero uses the engine's reply
	// timeout.
	ReadTimeout time.Duration
	// Timeout is the overall deadline for the poll. Zero means ten minutes.
	Timeout time.Duration
	// MaxAttempts is how many consecutive failed reads end the poll. Zero
	// means 3.
	MaxAttempts int
	// Target, when it has a unit, ends the poll once the reported volume
	// reaches it.
	Target units.Quantity
}

func (o PollOptions) withDefaults(e *Engine) PollOptions {
	if o.Interval <= 0 {
		o.Interval = time.Second
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = e.replyTimeout
	}
	if o.Timeout <= 0 {
		o.Timeout = 10 * time.Minute
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	return o
}

// done reports whether st ends the poll without error.
func (o PollOptions) done(st Status) bool {
	if st.TargetReached || st.Direction == Idle {
		return true
	}
	return o.Target.Unit != "" && !st.Volume.Less(o.Target)
}

// retryable reports whether a failed read counts against MaxAttempts rather
// than ending the poll.
func retryable(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrParse) || errors.Is(err, ErrCommandRejected)
}

// Poll reads the pump status every Interval and yields each decoded status.
// The sequence ends after yielding a status that is idle, stalled (paired
// with ErrStalled), target-reached or at the target volume; or after
// yielding a terminal error with a zero Status: an *UnresponsiveError once
// MaxAttempts consecutive reads failed, ErrPollDeadline, a transport error,
// or the context's error. Each range over the result starts a fresh poll.
func (e *Engine) Poll(ctx context.Context, opts PollOptions) iter.Seq2[Status, error] {
	return func(yield func(Status, error) bool) {
		opts := opts.withDefaults(e)

		deadline := e.clock.NewTimer(opts.Timeout)
		defer deadline.Stop()
		ticker := e.clock.NewTicker(opts.Interval)
		defer ticker.Stop()

		var (
			failures int
			lastErr  error
			last     Status
		)
		for {
			st, err := e.readStatus(ctx, opts.ReadTimeout)
			switch {
			case err == nil:
				failures = 0
				last = st
				if st.Direction == Stalled {
					yield(st, fmt.Errorf("%w: %s", ErrStalled, st.Raw))
					return
				}
				if !yield(st, nil) || opts.done(st) {
					return
				}

			case ctx.Err() != nil:
				yield(Status{}, ctx.Err())
				return

			case retryable(err):
				failures++
				lastErr = err
				logf("status read %d/%d failed: %v", failures, opts.MaxAttempts, err)
				if failures >= opts.MaxAttempts {
					yield(Status{}, &UnresponsiveError{Attempts: failures, Last: err})
					return
				}

			default:
				yield(Status{}, err)
				return
			}

			select {
			case <-ctx.Done():
				yield(Status{}, ctx.Err())
				return
			case <-deadline.C():
				if failures > 0 {
					yield(Status{}, &UnresponsiveError{Attempts: failures, Last: lastErr})
				} else {
					yield(Status{}, fmt.Errorf("%w after %s, last status %s", ErrPollDeadline, opts.Timeout, last))
				}
				return
			case <-ticker.C():
			}
		}
	}
}
