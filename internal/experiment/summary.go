package experiment

import (
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/pump.lab/internal/units"
)

// Summarize groups samples by phase, in the order phases first appear, and
// fits the delivered rate from the pump's own elapsed time and volume.
func Summarize(samples []Sample) []PhaseSummary {
	var (
		out   []PhaseSummary
		index = map[Phase]int{}
		xs    = map[Phase][]float64{}
		ys    = map[Phase][]float64{}
	)
	for _, s := range samples {
		i, ok := index[s.Phase]
		if !ok {
			i = len(out)
			index[s.Phase] = i
			out = append(out, PhaseSummary{Phase: s.Phase})
		}
		ps := &out[i]
		ps.Samples++
		ps.Volume = s.Status.Volume
		ps.Elapsed = s.Status.Elapsed
		if s.Status.Direction.Moving() || s.Status.TargetReached {
			ml, err := s.Status.Volume.In(units.ML)
			if err != nil {
				continue
			}
			xs[s.Phase] = append(xs[s.Phase], s.Status.Elapsed.Seconds())
			ys[s.Phase] = append(ys[s.Phase], ml)
		}
	}
	for i := range out {
		x, y := xs[out[i].Phase], ys[out[i].Phase]
		if len(x) < 2 || stat.Variance(x, nil) == 0 {
			continue
		}
		_, slope := stat.LinearRegression(x, y, nil, false)
		q, err := units.Normalize(math.Abs(slope)*60, "ml/min", units.Rate)
		if err != nil {
			continue
		}
		out[i].Rate, out[i].RateOK = q, true
	}
	return out
}
