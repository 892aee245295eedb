// Package prices turns wholesale market prices into final retail prices,
// classifies them into bands and finds the charge/sell windows the decision
// engines act on.
package prices

import (
	"fmt"
	"time"

	"github.com/RMachnik/goodwe-dynamic-price-optimiser/pkg/config"
	"github.com/RMachnik/goodwe-dynamic-price-optimiser/pkg/types"
)

// Tariff converts a wholesale market price into the final retail price. It is
// the single place final prices come from; nothing else may add components.
type Tariff interface {
	// FinalPrice returns the retail price in PLN/kWh for an interval
	// starting at t with the given wholesale price in PLN/MWh. The peak
	// label only matters for label-conditioned tariffs.
	FinalPrice(t time.Time, marketPLNPerMWH float64, label types.PeakLabel) float64
}

// NewTariff builds the configured tariff profile.
func NewTariff(cfg config.TariffConfig) (Tariff, error) {
	switch cfg.TariffType {
	case "flat":
		return Flat{SCComponent: cfg.SCComponentPLNKWH}, nil
	case "g12w":
		return G12W{SCComponent: cfg.SCComponentPLNKWH, Cfg: cfg.G12W}, nil
	case "g14dynamic":
		return G14Dynamic{SCComponent: cfg.SCComponentPLNKWH, Cfg: cfg.G14Dynamic}, nil
	default:
		return nil, fmt.Errorf("electricity_tariff.tariff_type: unknown tariff %q", cfg.TariffType)
	}
}

// Flat adds only the SC component on top of the energy price.
type Flat struct {
	SCComponent float64
}

func (f Flat) FinalPrice(t time.Time, marketPLNPerMWH float64, _ types.PeakLabel) float64 {
	return marketPLNPerMWH/1000 + f.SCComponent
}

// G12W is the dual-rate tariff: the night component applies during configured
// night hours and all weekend, the day component otherwise.
type G12W struct {
	SCComponent float64
	Cfg         config.G12WConfig
}

func (g G12W) FinalPrice(t time.Time, marketPLNPerMWH float64, _ types.PeakLabel) float64 {
	component := g.Cfg.DayComponentPLNKWH
	if g.isNight(t) {
		component = g.Cfg.NightComponentPLNKWH
	}
	return marketPLNPerMWH/1000 + g.SCComponent + component
}

func (g G12W) isNight(t time.Time) bool {
	if t.Weekday() == time.Saturday || t.Weekday() == time.Sunday {
		return true
	}
	for _, h := range g.Cfg.NightHours {
		if t.Hour() == h {
			return true
		}
	}
	return false
}

// G14Dynamic conditions the distribution component on the operator's peak
// label for the hour.
type G14Dynamic struct {
	SCComponent float64
	Cfg         config.G14Config
}

func (g G14Dynamic) FinalPrice(t time.Time, marketPLNPerMWH float64, label types.PeakLabel) float64 {
	var component float64
	switch label {
	case types.PeakLabelRecommendedSaving:
		component = g.Cfg.SavingComponentPLNKWH
	case types.PeakLabelRequiredReduction:
		component = g.Cfg.ReductionComponentPLNKWH
	case types.PeakLabelRecommendedUse:
		component = g.Cfg.UseComponentPLNKWH
	default:
		component = g.Cfg.NormalComponentPLNKWH
	}
	return marketPLNPerMWH/1000 + g.SCComponent + component
}

// Apply fills the final price and band for every point using the tariff and
// the hour's peak label.
func Apply(points []types.PricePoint, tariff Tariff, peaks []types.PeakHour, bands config.BandThresholds) []types.PricePoint {
	labels := map[time.Time]types.PeakLabel{}
	for _, p := range peaks {
		labels[p.HourStart] = p.Label
	}
	out := make([]types.PricePoint, len(points))
	for i, p := range points {
		label := labels[p.TSStart.Truncate(time.Hour)]
		p.FinalPLNPerKWH = tariff.FinalPrice(p.TSStart, p.MarketPLNPerMWH, label)
		p.Band = Classify(p.FinalPLNPerKWH, bands)
		out[i] = p
	}
	return out
}

// Classify maps a final price onto the five ordered bands. The classification
// is monotone: a higher price never yields a lower band.
func Classify(finalPLNPerKWH float64, b config.BandThresholds) types.PriceBand {
	switch {
	case finalPLNPerKWH < b.VeryCheap:
		return types.PriceBandVeryLow
	case finalPLNPerKWH < b.Cheap:
		return types.PriceBandLow
	case finalPLNPerKWH < b.Expensive:
		return types.PriceBandMedium
	case finalPLNPerKWH < b.VeryExpensive:
		return types.PriceBandHigh
	default:
		return types.PriceBandVeryHigh
	}
}
