// Package units provides the closed set of volume and flow-rate units used by
// the pump rig and the conversions between them.
package units

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Kind selects which unit family a value belongs to.
type Kind int

const (
	Volume Kind = iota
	Rate
)

func (k Kind) String() string {
	switch k {
	case Volume:
		return "volume"
	case Rate:
		return "rate"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Unit is a normalised unit tag.
type Unit string

// Unit constants
const (
	L  Unit = "l"
	ML Unit = "ml"
	UL Unit = "ul"

	LPerMin  Unit = "l/min"
	MLPerMin Unit = "ml/min"
	ULPerMin Unit = "ul/min"
	NLPerMin Unit = "nl/min"
)

// Canonical units every Quantity is stored in after Normalize.
const (
	CanonicalVolume = L
	CanonicalRate   = LPerMin
)

// divisors map a unit onto its canonical unit. Dividing by an exact power of
// ten keeps conversions to a single correctly rounded operation.
var divisors = map[Kind]map[Unit]float64{
	Volume: {L: 1, ML: 1e3, UL: 1e6},
	Rate:   {LPerMin: 1, MLPerMin: 1e3, ULPerMin: 1e6, NLPerMin: 1e9},
}

// ValidUnits contains all valid unit values per kind, largest first.
var ValidUnits = map[Kind][]Unit{
	Volume: {L, ML, UL},
	Rate:   {LPerMin, MLPerMin, ULPerMin, NLPerMin},
}

var (
	// ErrInvalidUnit is returned when a unit string is not in the closed set
	// for its kind.
	ErrInvalidUnit = errors.New("invalid unit")
	// ErrInvalidQuantity is returned for negative or non-finite magnitudes.
	ErrInvalidQuantity = errors.New("invalid quantity")
)

// UnitError describes a rejected unit string.
type UnitError struct {
	Unit string
	Kind Kind
}

func (e *UnitError) Error() string {
	return fmt.Sprintf("invalid %s unit %q: must be one of %s", e.Kind, e.Unit, ValidUnitsString(e.Kind))
}

func (e *UnitError) Unwrap() error { return ErrInvalidUnit }

// Quantity is a non-negative magnitude tagged with a unit. Build one with
// Normalize; the zero value carries no unit.
type Quantity struct {
	Value float64
	Unit  Unit
}

// ParseUnit trims and lower-cases s and checks it against the units of kind.
func ParseUnit(s string, kind Kind) (Unit, error) {
	u := Unit(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := divisors[kind][u]; !ok {
		return "", &UnitError{Unit: s, Kind: kind}
	}
	return u, nil
}

// IsValid reports whether s names a unit of the given kind.
func IsValid(s string, kind Kind) bool {
	_, err := ParseUnit(s, kind)
	return err == nil
}

// ValidUnitsString returns a comma-separated list of units for error messages.
func ValidUnitsString(kind Kind) string {
	names := make([]string, 0, len(ValidUnits[kind]))
	for _, u := range ValidUnits[kind] {
		names = append(names, string(u))
	}
	return strings.Join(names, ", ")
}

// KindOf returns the kind a unit belongs to.
func KindOf(u Unit) (Kind, bool) {
	for k, table := range divisors {
		if _, ok := table[u]; ok {
			return k, true
		}
	}
	return 0, false
}

// Normalize validates value and unit and returns the quantity expressed in the
// canonical unit for kind (litres or litres per minute).
func Normalize(value float64, unit string, kind Kind) (Quantity, error) {
	u, err := ParseUnit(unit, kind)
	if err != nil {
		return Quantity{}, err
	}
	if math.IsNaN(value) || math.IsInf(value, 0) || value < 0 {
		return Quantity{}, fmt.Errorf("%w: %s %v %s must be a finite non-negative number", ErrInvalidQuantity, kind, value, unit)
	}
	canonical := CanonicalVolume
	if kind == Rate {
		canonical = CanonicalRate
	}
	return Quantity{Value: value / divisors[kind][u], Unit: canonical}, nil
}

// In converts q into the target unit of the same kind.
func (q Quantity) In(target Unit) (float64, error) {
	from, ok := KindOf(q.Unit)
	if !ok {
		return 0, &UnitError{Unit: string(q.Unit), Kind: Volume}
	}
	to, ok := divisors[from][target]
	if !ok {
		return 0, &UnitError{Unit: string(target), Kind: from}
	}
	return q.Value / divisors[from][q.Unit] * to, nil
}

// MustIn is In for units already known to share a kind with q.
func (q Quantity) MustIn(target Unit) float64 {
	v, err := q.In(target)
	if err != nil {
		panic(err)
	}
	return v
}

// Less compares two quantities of the same kind.
func (q Quantity) Less(other Quantity) bool {
	kind, _ := KindOf(q.Unit)
	return q.Value/divisors[kind][q.Unit] < other.Value/divisors[kind][other.Unit]
}

// Scale picks the largest unit of q's kind in which the magnitude is at least
// one, falling back to the smallest unit. Device commands use it so values
// are sent without long fractional tails.
func (q Quantity) Scale(allowed ...Unit) (float64, Unit) {
	kind, _ := KindOf(q.Unit)
	if len(allowed) == 0 {
		allowed = ValidUnits[kind]
	}
	for _, u := range allowed {
		v, err := q.In(u)
		if err == nil && v >= 1 {
			return v, u
		}
	}
	last := allowed[len(allowed)-1]
	v, _ := q.In(last)
	return v, last
}

// FormatValue renders v with at most six decimals and no trailing zeros.
func FormatValue(v float64) string {
	return strconv.FormatFloat(math.Round(v*1e6)/1e6, 'f', -1, 64)
}

func (q Quantity) String() string {
	return FormatValue(q.Value) + " " + string(q.Unit)
}
