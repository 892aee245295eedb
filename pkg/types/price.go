package types

import "time"

// PriceBand classifies a final retail price into one of five discrete bands.
// Bands are ordered; comparisons like band <= PriceBandLow are meaningful.
type PriceBand int

const (
	PriceBandVeryLow PriceBand = iota
	PriceBandLow
	PriceBandMedium
	PriceBandHigh
	PriceBandVeryHigh
)

func (b PriceBand) String() string {
	switch b {
	case PriceBandVeryLow:
		return "very_low"
	case PriceBandLow:
		return "low"
	case PriceBandMedium:
		return "medium"
	case PriceBandHigh:
		return "high"
	case PriceBandVeryHigh:
		return "very_high"
	default:
		return "unknown"
	}
}

// PricePoint is one 15-minute market interval with the wholesale price and
// the final retail price after the tariff has been applied.
type PricePoint struct {
	TSStart         time.Time `json:"time_start"`
	MarketPLNPerMWH float64   `json:"market_price_pln_mwh"`
	FinalPLNPerKWH  float64   `json:"final_price_pln_kwh"`
	Band            PriceBand `json:"band"`
}

// PriceWindow is a maximal contiguous run of price points sharing a band.
type PriceWindow struct {
	Start            time.Time `json:"start"`
	End              time.Time `json:"end"`
	Band             PriceBand `json:"band"`
	DurationHours    float64   `json:"duration_h"`
	AvgPLNPerKWH     float64   `json:"avg_price_pln_kwh"`
	MinPLNPerKWH     float64   `json:"min_price_pln_kwh"`
	MaxPLNPerKWH     float64   `json:"max_price_pln_kwh"`
	SavingsPotential float64   `json:"savings_potential"`
}

// Contains reports whether t falls inside the window (start inclusive,
// end exclusive).
func (w PriceWindow) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// RemainingHours returns how many hours of the window remain after t.
// Zero if t is past the end.
func (w PriceWindow) RemainingHours(t time.Time) float64 {
	if !t.Before(w.End) {
		return 0
	}
	if t.Before(w.Start) {
		return w.End.Sub(w.Start).Hours()
	}
	return w.End.Sub(t).Hours()
}

// PeakLabel is the grid operator's coarse hourly stress signal.
type PeakLabel int

const (
	PeakLabelNormal PeakLabel = iota
	PeakLabelRecommendedSaving
	PeakLabelRequiredReduction
	PeakLabelRecommendedUse
)

func (l PeakLabel) String() string {
	switch l {
	case PeakLabelNormal:
		return "normal"
	case PeakLabelRecommendedSaving:
		return "recommended_saving"
	case PeakLabelRequiredReduction:
		return "required_reduction"
	case PeakLabelRecommendedUse:
		return "recommended_use"
	default:
		return "unknown"
	}
}

// PeakHour binds a PeakLabel to one clock hour.
type PeakHour struct {
	HourStart time.Time `json:"time"`
	Label     PeakLabel `json:"label"`
}

// PVForecastPoint is one interval of the PV production forecast.
type PVForecastPoint struct {
	TSStart    time.Time `json:"time_start"`
	PowerKW    float64   `json:"forecasted_power_kw"`
	Confidence float64   `json:"confidence"` // 0-1
}
