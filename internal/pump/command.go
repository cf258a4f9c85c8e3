// Package pump speaks the PHD Ultra quick-start command set over a
// half-duplex serial line: command encoding, reply and status parsing, and
// status polling.
package pump

import (
	"fmt"

	"github.com/banshee-data/pump.lab/internal/units"
)

// Op is a pump operation.
type Op int

const (
	OpSetDiameter Op = iota
	OpSetSyringeVolume
	OpSetInfuseRate
	OpSetWithdrawRate
	OpSetTargetVolume
	OpClearTargetVolume
	OpClearTargetTime
	OpClearVolumes
	OpLoadQuickStart
	OpRunInfuse
	OpRunWithdraw
	OpStatus
	OpStop
)

var opNames = map[Op]string{
	OpSetDiameter:       "set-diameter",
	OpSetSyringeVolume:  "set-syringe-volume",
	OpSetInfuseRate:     "set-infuse-rate",
	OpSetWithdrawRate:   "set-withdraw-rate",
	OpSetTargetVolume:   "set-target-volume",
	OpClearTargetVolume: "clear-target-volume",
	OpClearTargetTime:   "clear-target-time",
	OpClearVolumes:      "clear-volumes",
	OpLoadQuickStart:    "load-quick-start",
	OpRunInfuse:         "run-infuse",
	OpRunWithdraw:       "run-withdraw",
	OpStatus:            "poll-status",
	OpStop:              "stop",
}

func (o Op) String() string {
	if s, ok := opNames[o]; ok {
		return s
	}
	return fmt.Sprintf("Op(%d)", int(o))
}

// keywords are the wire verbs. Operand-less ops send the keyword alone.
var keywords = map[Op]string{
	OpSetDiameter:       "diameter",
	OpSetSyringeVolume:  "svolume",
	OpSetInfuseRate:     "irate",
	OpSetWithdrawRate:   "wrate",
	OpSetTargetVolume:   "tvolume",
	OpClearTargetVolume: "ctvolume",
	OpClearTargetTime:   "cttime",
	OpClearVolumes:      "cvolume",
	OpLoadQuickStart:    "load qs iw",
	OpRunInfuse:         "irun",
	OpRunWithdraw:       "wrun",
	OpStatus:            "status",
	OpStop:              "stop",
}

// Units the pump accepts on the wire, largest first.
var (
	volumeUnits = []units.Unit{units.ML, units.UL}
	rateUnits   = []units.Unit{units.MLPerMin, units.ULPerMin, units.NLPerMin}
)

// Command is one request to the pump. Value and Unit are only meaningful
// for the setter ops; diameter carries millimetres and no unit.
type Command struct {
	Op    Op
	Value float64
	Unit  units.Unit
}

// String renders the command as sent on the wire, without terminator.
func (c Command) String() string {
	kw, ok := keywords[c.Op]
	if !ok {
		return c.Op.String()
	}
	switch c.Op {
	case OpSetDiameter:
		return kw + " " + units.FormatValue(c.Value)
	case OpSetSyringeVolume, OpSetInfuseRate, OpSetWithdrawRate, OpSetTargetVolume:
		return kw + " " + units.FormatValue(c.Value) + " " + string(c.Unit)
	default:
		return kw
	}
}

func scaled(op Op, q units.Quantity, allowed []units.Unit) Command {
	v, u := q.Scale(allowed...)
	return Command{Op: op, Value: v, Unit: u}
}

// SetDiameter sets the syringe inner diameter in millimetres.
func SetDiameter(mm float64) Command { return Command{Op: OpSetDiameter, Value: mm} }

// SetSyringeVolume sets the syringe capacity.
func SetSyringeVolume(q units.Quantity) Command {
	return scaled(OpSetSyringeVolume, q, volumeUnits)
}

// SetInfuseRate sets the infusion rate.
func SetInfuseRate(q units.Quantity) Command { return scaled(OpSetInfuseRate, q, rateUnits) }

// SetWithdrawRate sets the withdrawal rate.
func SetWithdrawRate(q units.Quantity) Command { return scaled(OpSetWithdrawRate, q, rateUnits) }

// SetTargetVolume sets the volume after which the pump stops itself.
func SetTargetVolume(q units.Quantity) Command {
	return scaled(OpSetTargetVolume, q, volumeUnits)
}

// Operand-less commands.
var (
	ClearTargetVolume = Command{Op: OpClearTargetVolume}
	ClearTargetTime   = Command{Op: OpClearTargetTime}
	ClearVolumes      = Command{Op: OpClearVolumes}
	LoadQuickStart    = Command{Op: OpLoadQuickStart}
	RunInfuse         = Command{Op: OpRunInfuse}
	RunWithdraw       = Command{Op: OpRunWithdraw}
	QueryStatus       = Command{Op: OpStatus}
	Stop              = Command{Op: OpStop}
)
