package decision

import (
	"math"

	"github.com/RMachnik/goodwe-dynamic-price-optimiser/pkg/types"
)

// Score weights for the legacy weighted engine.
const (
	weightPrice       = 0.40
	weightBattery     = 0.25
	weightPV          = 0.20
	weightConsumption = 0.15

	chargeThreshold = 70.0
	stopThreshold   = 30.0
)

// Scores are the four legacy component scores, each in [0,100].
type Scores struct {
	Price       float64
	Battery     float64
	PV          float64
	Consumption float64
}

// Total returns the weighted sum.
func (s Scores) Total() float64 {
	return weightPrice*s.Price + weightBattery*s.Battery + weightPV*s.PV + weightConsumption*s.Consumption
}

func (s Scores) asMap() map[string]float64 {
	return map[string]float64{
		"price":       s.Price,
		"battery":     s.Battery,
		"pv":          s.PV,
		"consumption": s.Consumption,
		"total":       s.Total(),
	}
}

// variancePenalty returns a 0-1 factor that shrinks as the four scores
// disagree; unanimous scores mean a confident decision.
func (s Scores) variancePenalty() float64 {
	vals := []float64{s.Price, s.Battery, s.PV, s.Consumption}
	var mean float64
	for _, v := range vals {
		mean += v
	}
	mean /= float64(len(vals))
	var variance float64
	for _, v := range vals {
		variance += (v - mean) * (v - mean)
	}
	variance /= float64(len(vals))
	// stddev of 50 (maximal disagreement) zeroes the factor
	penalty := math.Sqrt(variance) / 50
	if penalty > 1 {
		penalty = 1
	}
	return 1 - penalty
}

// priceScore maps the final price onto [0,100], cheaper is higher.
func (e *Engine) priceScore(finalPLNPerKWH float64) float64 {
	b := e.bands
	switch {
	case finalPLNPerKWH < b.SuperCheap:
		return 100
	case finalPLNPerKWH < b.VeryCheap:
		return 90
	case finalPLNPerKWH < b.Cheap:
		return 75
	case finalPLNPerKWH < b.Moderate:
		return 50
	case finalPLNPerKWH < b.Expensive:
		return 30
	case finalPLNPerKWH < b.VeryExpensive:
		return 10
	default:
		return 0
	}
}

// batteryScore maps SoC onto charging urgency.
func batteryScore(soc float64) float64 {
	switch {
	case soc <= 20:
		return 100
	case soc <= 40:
		return 80
	case soc <= 70:
		return 40
	case soc <= 90:
		return 10
	default:
		return 0
	}
}

// pvScore scores how little PV contributes right now. Overproduction means
// grid charging is pointless; a deep deficit argues for it.
func (e *Engine) pvScore(snap types.Snapshot) float64 {
	net := snap.NetPVSurplusW()
	switch {
	case net >= e.pv.OverproductionThresholdW:
		return 0
	case net < 0:
		deficit := -net
		score := deficit / 3000 * 100
		if score > 100 {
			score = 100
		}
		return score
	default:
		// between zero and the overproduction threshold: interpolate down
		return 50 * (1 - net/e.pv.OverproductionThresholdW)
	}
}

// consumptionScore favors charging while the house is quiet.
func consumptionScore(powerW float64) float64 {
	switch {
	case powerW < 300:
		return 100
	case powerW < 800:
		return 75
	case powerW < 1500:
		return 50
	case powerW < 3000:
		return 25
	default:
		return 0
	}
}

// computeScores evaluates the four legacy scores for the tick.
func (e *Engine) computeScores(in Input) Scores {
	return Scores{
		Price:       e.priceScore(in.CurrentPrice()),
		Battery:     batteryScore(in.Snapshot.Battery.SOCPercent),
		PV:          e.pvScore(in.Snapshot),
		Consumption: consumptionScore(in.Snapshot.Consumption.PowerW),
	}
}
