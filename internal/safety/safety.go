// Package safety turns an operator's experiment configuration into a
// validated plan, rejecting anything the syringe or pump cannot do before any
// hardware is touched.
package safety

import (
	"errors"
	"fmt"
	"time"

	"github.com/banshee-data/pump.lab/internal/config"
	"github.com/banshee-data/pump.lab/internal/monitoring"
	"github.com/banshee-data/pump.lab/internal/units"
)

var (
	// ErrValidation is matched by every error Validate returns.
	ErrValidation       = errors.New("validation failed")
	ErrCapacityExceeded = errors.New("capacity exceeded")
	ErrInvalidDiameter  = errors.New("invalid syringe diameter")
	ErrRateOutOfRange   = errors.New("rate out of range")
	ErrInvalidParameter = errors.New("invalid parameter")
)

// Direction names the plunger movement a value applies to.
type Direction string

const (
	Infuse   Direction = "infuse"
	Withdraw Direction = "withdraw"
)

// Bound names which edge of a rate band was crossed.
type Bound string

const (
	BoundMin Bound = "min"
	BoundMax Bound = "max"
)

// ValidationError wraps the first failed check with the configuration field
// it came from.
type ValidationError struct {
	Field string
	Err   error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s: %v", e.Field, e.Err)
}

func (e *ValidationError) Unwrap() []error { return []error{ErrValidation, e.Err} }

// CapacityError reports a target volume larger than the syringe.
type CapacityError struct {
	Requested units.Quantity
	Capacity  units.Quantity
	Direction Direction
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("%s volume %s exceeds syringe capacity %s",
		e.Direction, ml(e.Requested), ml(e.Capacity))
}

func (e *CapacityError) Unwrap() error { return ErrCapacityExceeded }

// DiameterError reports a non-positive or non-finite syringe bore.
type DiameterError struct {
	DiameterMM float64
}

func (e *DiameterError) Error() string {
	return fmt.Sprintf("syringe diameter %v mm must be greater than zero", e.DiameterMM)
}

func (e *DiameterError) Unwrap() error { return ErrInvalidDiameter }

// RateError reports a flow rate outside the syringe's permissible band.
type RateError struct {
	Requested units.Quantity
	Min       units.Quantity
	Max       units.Quantity
	Direction Direction
	Bound     Bound
}

func (e *RateError) Error() string {
	rel := "exceeds max allowed"
	lim := e.Max
	if e.Bound == BoundMin {
		rel = "is below min allowed"
		lim = e.Min
	}
	return fmt.Sprintf("%s rate %s %s %s (allowed %s to %s)",
		e.Direction, mlPerMin(e.Requested), rel, mlPerMin(lim), mlPerMin(e.Min), mlPerMin(e.Max))
}

func (e *RateError) Unwrap() error { return ErrRateOutOfRange }

func ml(q units.Quantity) string {
	v, err := q.In(units.ML)
	if err != nil {
		return q.String()
	}
	return units.FormatValue(v) + " ml"
}

func mlPerMin(q units.Quantity) string {
	v, err := q.In(units.MLPerMin)
	if err != nil {
		return q.String()
	}
	return units.FormatValue(v) + " ml/min"
}

// SyringeSpec is the mounted syringe after normalisation.
type SyringeSpec struct {
	DiameterMM float64
	Capacity   units.Quantity
}

// Plan is a validated experiment. It is only built by Validate and is not
// modified afterwards; every trial reads from the same Plan.
type Plan struct {
	ExperimentLabel string
	MaterialLabel   string
	Syringe         SyringeSpec
	InfuseVolume    units.Quantity
	WithdrawVolume  units.Quantity
	InfuseRate      units.Quantity
	WithdrawRate    units.Quantity
	Trials          int
	CameraBootDelay time.Duration
	InfusionPause   time.Duration
	Limits          FlowLimits
	Capability      string
}

// CheckSyringeLimits rejects target volumes larger than the syringe. Infuse is
// checked before withdraw.
func CheckSyringeLimits(capacity, infuse, withdraw units.Quantity) error {
	if capacity.Less(infuse) {
		return &ValidationError{Field: "infuse.volume", Err: &CapacityError{Requested: infuse, Capacity: capacity, Direction: Infuse}}
	}
	if capacity.Less(withdraw) {
		return &ValidationError{Field: "withdraw.volume", Err: &CapacityError{Requested: withdraw, Capacity: capacity, Direction: Withdraw}}
	}
	return nil
}

type rawQuantity struct {
	field string
	q     config.QuantityConfig
	kind  units.Kind
	out   *units.Quantity
}

// Validate checks cfg against capability c and returns the resulting plan.
// Checks run in a fixed order (units, capacity, diameter, rates, remaining
// parameters) and the first failure is returned as a *ValidationError.
func Validate(cfg config.ExperimentConfig, c Capability) (*Plan, error) {
	p := &Plan{
		ExperimentLabel: cfg.ExperimentLabel,
		MaterialLabel:   cfg.MaterialLabel,
		Trials:          cfg.Trials,
		CameraBootDelay: cfg.CameraBootDelay.Duration,
		InfusionPause:   cfg.InfusionPause.Duration,
		Capability:      c.Name,
	}
	p.Syringe.DiameterMM = cfg.Syringe.DiameterMM

	for _, r := range []rawQuantity{
		{"syringe.capacity", cfg.Syringe.Capacity, units.Volume, &p.Syringe.Capacity},
		{"infuse.volume", cfg.Infuse.Volume, units.Volume, &p.InfuseVolume},
		{"withdraw.volume", cfg.Withdraw.Volume, units.Volume, &p.WithdrawVolume},
		{"infuse.rate", cfg.Infuse.Rate, units.Rate, &p.InfuseRate},
		{"withdraw.rate", cfg.Withdraw.Rate, units.Rate, &p.WithdrawRate},
	} {
		q, err := units.Normalize(r.q.Value, r.q.Unit, r.kind)
		if err != nil {
			return nil, &ValidationError{Field: r.field, Err: err}
		}
		*r.out = q
	}

	if err := CheckSyringeLimits(p.Syringe.Capacity, p.InfuseVolume, p.WithdrawVolume); err != nil {
		return nil, err
	}

	limits, err := CalculateFlowRates(p.Syringe.DiameterMM, p.InfuseRate, p.WithdrawRate, c)
	if err != nil {
		return nil, err
	}
	p.Limits = limits

	if p.Trials < 1 {
		return nil, &ValidationError{Field: "trials", Err: fmt.Errorf("%w: trial count %d must be at least 1", ErrInvalidParameter, p.Trials)}
	}
	if p.CameraBootDelay < 0 {
		return nil, &ValidationError{Field: "camera_boot_delay", Err: fmt.Errorf("%w: %s is negative", ErrInvalidParameter, p.CameraBootDelay)}
	}
	if p.InfusionPause < 0 {
		return nil, &ValidationError{Field: "infusion_pause", Err: fmt.Errorf("%w: %s is negative", ErrInvalidParameter, p.InfusionPause)}
	}

	monitoring.Logf("safety: plan valid: %d trial(s), syringe %v mm / %s, infuse %s at %s, withdraw %s at %s, limits %s",
		p.Trials, p.Syringe.DiameterMM, ml(p.Syringe.Capacity),
		ml(p.InfuseVolume), mlPerMin(p.InfuseRate), ml(p.WithdrawVolume), mlPerMin(p.WithdrawRate), p.Limits)
	return p, nil
}
