package pump

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/banshee-data/pump.lab/internal/serialmux"
	"github.com/banshee-data/pump.lab/internal/units"
)

// Direction is the plunger motion reported by the pump.
type Direction int

const (
	Idle Direction = iota
	Infusing
	Withdrawing
	Stalled
)

func (d Direction) String() string {
	switch d {
	case Infusing:
		return "infusing"
	case Withdrawing:
		return "withdrawing"
	case Stalled:
		return "stalled"
	default:
		return "idle"
	}
}

// Moving reports whether the plunger is being driven.
func (d Direction) Moving() bool { return d == Infusing || d == Withdrawing }

// PromptState is the state symbol that ends every pump reply.
type PromptState string

const (
	PromptIdle          PromptState = ":"
	PromptInfusing      PromptState = ">"
	PromptWithdrawing   PromptState = "<"
	PromptStalled       PromptState = "*"
	PromptTargetReached PromptState = "T*"
)

// Prompt is a parsed reply terminator: an optional two digit pump address
// followed by the state symbol.
type Prompt struct {
	Address string
	State   PromptState
}

func (p Prompt) String() string { return p.Address + string(p.State) }

// Direction maps the prompt onto plunger motion.
func (p Prompt) Direction() Direction {
	switch p.State {
	case PromptInfusing:
		return Infusing
	case PromptWithdrawing:
		return Withdrawing
	case PromptStalled:
		return Stalled
	default:
		return Idle
	}
}

var promptRE = regexp.MustCompile(`^(\d{1,2})?(T\*|[:<>*])$`)

// ParsePrompt reports whether line is a bare prompt.
func ParsePrompt(line string) (Prompt, bool) {
	m := promptRE.FindStringSubmatch(strings.TrimSpace(line))
	if m == nil {
		return Prompt{}, false
	}
	return Prompt{Address: m[1], State: PromptState(m[2])}, true
}

// SplitReplies tokenises the pump's output: lines end at CR or LF, and a
// trailing prompt is emitted as soon as it arrives because the pump does not
// terminate it.
var SplitReplies = serialmux.ScanCRLFWithTail(func(b []byte) bool {
	_, ok := ParsePrompt(string(b))
	return ok
})

// Status is one decoded status reply.
type Status struct {
	// Rate is the current motor rate, l/min.
	Rate units.Quantity
	// Elapsed is the run time for the current direction.
	Elapsed time.Duration
	// Volume is the volume moved in the current direction, l.
	Volume    units.Quantity
	Direction Direction
	// Flags is the raw flag field; its first character encodes direction.
	Flags         string
	Prompt        Prompt
	TargetReached bool
	Raw           string
}

func (s Status) String() string {
	ml, _ := s.Volume.In(units.ML)
	mlMin, _ := s.Rate.In(units.MLPerMin)
	return fmt.Sprintf("%s %s ml at %s ml/min after %s",
		s.Direction, units.FormatValue(ml), units.FormatValue(mlMin), s.Elapsed)
}

const (
	femtolitresPerLitre = 1e15
	secondsPerMinute    = 60
)

// ParseStatus decodes a status line, `rate(fL/s) time(ms) volume(fL) flags`.
// Fields after the fourth are ignored.
// The first flag is I/i while infusing and W/w while withdrawing; anything
// else is idle. A stall or target prompt overrides the flag.
func ParseStatus(line string, prompt Prompt) (Status, error) {
	fields := strings.Fields(line)
	if len(fields) < 4 {
		return Status{}, &ParseError{Line: line, Reason: fmt.Sprintf("want at least 4 fields, got %d", len(fields))}
	}

	nums := make([]float64, 3)
	for i, name := range []string{"rate", "time", "volume"} {
		v, err := strconv.ParseFloat(fields[i], 64)
		if err != nil || v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return Status{}, &ParseError{Line: line, Reason: fmt.Sprintf("bad %s field %q", name, fields[i])}
		}
		nums[i] = v
	}

	st := Status{
		Rate:    units.Quantity{Value: nums[0] / femtolitresPerLitre * secondsPerMinute, Unit: units.CanonicalRate},
		Elapsed: time.Duration(nums[1] * float64(time.Millisecond)),
		Volume:  units.Quantity{Value: nums[2] / femtolitresPerLitre, Unit: units.CanonicalVolume},
		Flags:   fields[3],
		Prompt:  prompt,
		Raw:     line,
	}

	switch st.Flags[0] {
	case 'I', 'i':
		st.Direction = Infusing
	case 'W', 'w':
		st.Direction = Withdrawing
	default:
		st.Direction = Idle
	}

	switch prompt.State {
	case PromptStalled:
		st.Direction = Stalled
	case PromptTargetReached:
		st.TargetReached = true
	}
	return st, nil
}
