package prices

import (
	"sort"

	"github.com/RMachnik/goodwe-dynamic-price-optimiser/pkg/types"
)

// Stats summarizes a day of final prices for the selling engine.
type Stats struct {
	Count  int
	Mean   float64
	Median float64
	Min    float64
	Max    float64
	sorted []float64
}

// NewStats computes summary statistics over the final prices.
func NewStats(points []types.PricePoint) Stats {
	if len(points) == 0 {
		return Stats{}
	}
	vals := make([]float64, len(points))
	var sum float64
	for i, p := range points {
		vals[i] = p.FinalPLNPerKWH
		sum += p.FinalPLNPerKWH
	}
	sort.Float64s(vals)

	s := Stats{
		Count:  len(vals),
		Mean:   sum / float64(len(vals)),
		Min:    vals[0],
		Max:    vals[len(vals)-1],
		sorted: vals,
	}
	if n := len(vals); n%2 == 1 {
		s.Median = vals[n/2]
	} else {
		s.Median = (vals[n/2-1] + vals[n/2]) / 2
	}
	return s
}

// Percentile returns the rank of price among the day's prices as 1-100:
// the share of intervals priced at or below it, counting the interval itself.
// An empty day returns 0.
func (s Stats) Percentile(price float64) int {
	if s.Count == 0 {
		return 0
	}
	atOrBelow := sort.SearchFloat64s(s.sorted, price)
	for atOrBelow < s.Count && s.sorted[atOrBelow] <= price {
		atOrBelow++
	}
	if atOrBelow == 0 {
		atOrBelow = 1 // the price itself always counts
	}
	pct := atOrBelow * 100 / s.Count
	if pct < 1 {
		pct = 1
	}
	return pct
}

// ValueAtPercentile returns the price at the given percentile (1-100) using
// the nearest-rank method.
func (s Stats) ValueAtPercentile(pct int) float64 {
	if s.Count == 0 {
		return 0
	}
	if pct < 1 {
		pct = 1
	}
	if pct > 100 {
		pct = 100
	}
	rank := (pct*s.Count + 99) / 100 // ceil
	return s.sorted[rank-1]
}
