package safety

import (
	"fmt"
	"math"

	"github.com/banshee-data/pump.lab/internal/units"
)

// Capability describes a pump's flow envelope as the manufacturer publishes
// it: the minimum and maximum rates achievable with a reference syringe bore.
// The pump's plunger speed bounds are the same for every syringe, so the
// envelope for any other bore follows from the ratio of bore areas.
type Capability struct {
	Name                string
	ReferenceDiameterMM float64
	ReferenceMin        units.Quantity
	ReferenceMax        units.Quantity
	// Cushion is added to the minimum and subtracted from the maximum to keep
	// requests away from the edges of the envelope.
	Cushion units.Quantity
}

// PHDUltra is the Harvard Apparatus PHD Ultra envelope, quoted against a
// 14.427 mm bore.
var PHDUltra = Capability{
	Name:                "phd-ultra",
	ReferenceDiameterMM: 14.427,
	ReferenceMin:        mustRate(30.0640, units.NLPerMin),
	ReferenceMax:        mustRate(31.2204, units.MLPerMin),
	Cushion:             mustRate(1, units.MLPerMin),
}

// Capabilities lists the known pump envelopes by name.
var Capabilities = map[string]Capability{
	PHDUltra.Name: PHDUltra,
}

func mustRate(v float64, u units.Unit) units.Quantity {
	q, err := units.Normalize(v, string(u), units.Rate)
	if err != nil {
		panic(err)
	}
	return q
}

// FlowLimits is the permissible rate band for one syringe, in l/min.
type FlowLimits struct {
	Min units.Quantity
	Max units.Quantity
}

func (l FlowLimits) String() string {
	lo, lu := l.Min.Scale(units.MLPerMin, units.ULPerMin, units.NLPerMin)
	hi, hu := l.Max.Scale(units.MLPerMin, units.ULPerMin, units.NLPerMin)
	return fmt.Sprintf("[%s %s, %s %s]", units.FormatValue(lo), lu, units.FormatValue(hi), hu)
}

// scaleFactor is the bore-area ratio (d/ref)², rounded to 9 decimals. Limits
// at the edge of the band depend on that rounding; keep it when comparing
// against the lab's reference calculation.
func scaleFactor(diameterMM, refMM float64) float64 {
	r := diameterMM / refMM
	return math.Round(r*r*1e9) / 1e9
}

// FlowLimitsFor derives the rate band for a syringe of the given inner
// diameter. Plunger speed bounds do not depend on the syringe, so the
// reference rates scale with the ratio of bore areas.
func FlowLimitsFor(diameterMM float64, c Capability) (FlowLimits, error) {
	if math.IsNaN(diameterMM) || math.IsInf(diameterMM, 0) || diameterMM <= 0 {
		return FlowLimits{}, &DiameterError{DiameterMM: diameterMM}
	}

	scale := scaleFactor(diameterMM, c.ReferenceDiameterMM)
	cushion := c.Cushion.MustIn(units.LPerMin)

	lo := c.ReferenceMin.MustIn(units.LPerMin)*scale + cushion
	hi := math.Max(0, c.ReferenceMax.MustIn(units.LPerMin)*scale-cushion)

	return FlowLimits{
		Min: units.Quantity{Value: lo, Unit: units.CanonicalRate},
		Max: units.Quantity{Value: hi, Unit: units.CanonicalRate},
	}, nil
}

// checkRate reports a RateError when rate falls outside the band. The upper
// bound is checked first.
func checkRate(rate units.Quantity, limits FlowLimits, dir Direction) error {
	if limits.Max.Less(rate) {
		return &RateError{Requested: rate, Min: limits.Min, Max: limits.Max, Direction: dir, Bound: BoundMax}
	}
	if rate.Less(limits.Min) {
		return &RateError{Requested: rate, Min: limits.Min, Max: limits.Max, Direction: dir, Bound: BoundMin}
	}
	return nil
}

// CalculateFlowRates computes the band for diameterMM and checks both rates
// against it: infuse max, infuse min, withdraw max, withdraw min.
func CalculateFlowRates(diameterMM float64, infuse, withdraw units.Quantity, c Capability) (FlowLimits, error) {
	limits, err := FlowLimitsFor(diameterMM, c)
	if err != nil {
		return FlowLimits{}, &ValidationError{Field: "syringe.diameter_mm", Err: err}
	}
	if err := checkRate(infuse, limits, Infuse); err != nil {
		return limits, &ValidationError{Field: "infuse.rate", Err: err}
	}
	if err := checkRate(withdraw, limits, Withdraw); err != nil {
		return limits, &ValidationError{Field: "withdraw.rate", Err: err}
	}
	return limits, nil
}
