package pump

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrTransport reports a failed write or a closed read side. It is not
	// retried.
	ErrTransport = errors.New("serial transport failed")
	// ErrTimeout reports that the device did not finish a reply in time.
	ErrTimeout = errors.New("timed out waiting for pump")
	// ErrCommandRejected reports a command or argument error from the pump.
	ErrCommandRejected = errors.New("pump rejected command")
	// ErrOutOfStep reports a reply that belongs to a different command.
	ErrOutOfStep = errors.New("pump reply out of step with command")
	// ErrParse reports a status line that does not match the grammar.
	ErrParse = errors.New("unparsable pump status")
	// ErrDeviceUnresponsive reports that polling gave up after repeated
	// failed status reads.
	ErrDeviceUnresponsive = errors.New("pump unresponsive")
	// ErrStalled reports that the pump signalled a stall.
	ErrStalled = errors.New("pump stalled")
	// ErrPollDeadline reports a poll that reached its deadline while the
	// pump was still answering.
	ErrPollDeadline = fmt.Errorf("poll deadline exceeded: %w", ErrTimeout)
)

// ParseError carries the raw line that failed to parse.
type ParseError struct {
	Line   string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("unparsable pump status %q: %s", e.Line, e.Reason)
}

func (e *ParseError) Unwrap() error { return ErrParse }

// CommandError is a reply the pump flagged as an error.
type CommandError struct {
	Command string
	Reply   []string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("pump rejected %q: %s", e.Command, strings.Join(e.Reply, " / "))
}

func (e *CommandError) Unwrap() error { return ErrCommandRejected }

// UnresponsiveError is returned once a poll has used up its attempts.
type UnresponsiveError struct {
	Attempts int
	Last     error
}

func (e *UnresponsiveError) Error() string {
	return fmt.Sprintf("pump unresponsive after %d failed status read(s): %v", e.Attempts, e.Last)
}

func (e *UnresponsiveError) Unwrap() []error { return []error{ErrDeviceUnresponsive, e.Last} }
