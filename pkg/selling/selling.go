// Package selling decides when exporting battery energy to the grid captures
// the most revenue: sell into the current price, or hold for a forecast peak.
package selling

import (
	"fmt"
	"time"

	"github.com/RMachnik/goodwe-dynamic-price-optimiser/pkg/config"
	"github.com/RMachnik/goodwe-dynamic-price-optimiser/pkg/prices"
	"github.com/RMachnik/goodwe-dynamic-price-optimiser/pkg/types"
)

// price trend over the recent window
type trend int

const (
	trendStable trend = iota
	trendRising
	trendFalling
)

func (t trend) String() string {
	switch t {
	case trendRising:
		return "rising"
	case trendFalling:
		return "falling"
	default:
		return "stable"
	}
}

// slopes below this fraction of the mean per hour count as stable
const trendThreshold = 0.05

// Input is one selling evaluation. Prices must cover the lookahead horizon
// and may include past intervals for trend detection.
type Input struct {
	Now      time.Time
	Snapshot types.Snapshot
	Prices   []types.PricePoint

	// set while a wait_for_peak recommendation is pending
	WaitStartedAt   *time.Time
	ForecastPeakPLN float64
}

// Engine evaluates selling opportunities against the configured thresholds.
type Engine struct {
	cfg     config.SellingConfig
	battery config.BatteryConfig
}

func New(cfg config.Config) *Engine {
	return &Engine{cfg: cfg.BatterySelling, battery: cfg.BatteryManagement}
}

// Enabled reports whether selling is configured at all.
func (e *Engine) Enabled() bool {
	return e.cfg.Enabled
}

// Evaluate produces the timing recommendation for the current tick.
func (e *Engine) Evaluate(in Input) types.SellingDecision {
	d := types.SellingDecision{Timestamp: in.Now}

	current, ok := priceAt(in.Prices, in.Now)
	if !ok {
		d.Action = types.SellActionNoOpportunity
		d.Reason = "no price data for the current interval"
		return d
	}
	d.PricePLNPerKWH = current

	floor := e.Floor(in.Now, current, in.Prices)
	d.MinSOCFloorPercent = floor

	soc := in.Snapshot.Battery.SOCPercent
	if soc <= floor {
		d.Action = types.SellActionNoOpportunity
		d.Reason = fmt.Sprintf("soc %.0f%% at or below the %.0f%% selling floor", soc, floor)
		return d
	}

	available := (soc - floor) / 100 * e.battery.CapacityKWH
	d.AvailableKWH = available
	d.ExpectedRevenuePLN = available * current

	horizon := futurePrices(in.Prices, in.Now)
	stats := prices.NewStats(horizon)
	d.CurrentPercentile = stats.Percentile(current)

	peakPrice, peakAt, peakFound := e.findPeak(horizon, in.Now, current)
	if peakFound {
		d.PeakPricePLNPerKWH = peakPrice
		d.PeakAt = &peakAt
	}
	tr := priceTrend(in.Prices, in.Now, e.cfg.SmartTiming.TrendWindowHours)
	nearPeak := current >= e.cfg.SmartTiming.NearPeakThresholdPercent/100*stats.Max
	opportunity := 0.0
	if peakFound {
		opportunity = (peakPrice - current) * available
	}

	switch {
	case d.CurrentPercentile >= 90 && nearPeak:
		d.Action = types.SellActionSellNow
		d.Confidence = 0.9
		d.Reason = fmt.Sprintf("price %.3f in the top decile and near the horizon maximum", current)
	case tr == trendFalling && !peakFound:
		d.Action = types.SellActionSellNow
		d.Confidence = 0.8
		d.Reason = "prices falling with no meaningful peak ahead"
	case opportunity >= e.cfg.SmartTiming.SignificantOpportunityPLN:
		d.Action = types.SellActionWaitForPeak
		d.Confidence = 0.7
		d.Reason = fmt.Sprintf("waiting captures %.2f PLN more at the %s peak",
			opportunity, peakAt.Format("15:04"))
	case d.CurrentPercentile >= 75 && nearPeak:
		d.Action = types.SellActionSellNow
		d.Confidence = 0.7
		d.Reason = fmt.Sprintf("price %.3f in the top quartile near the maximum", current)
	case opportunity >= e.cfg.SmartTiming.ModerateOpportunityPLN:
		d.Action = types.SellActionWaitForHigher
		d.Confidence = 0.5
		d.Reason = fmt.Sprintf("moderate %.2f PLN opportunity within the wait budget", opportunity)
	case current < e.cfg.MinSellingPricePLN:
		d.Action = types.SellActionNoOpportunity
		d.Confidence = 0.9
		d.Reason = fmt.Sprintf("price %.3f below the %.3f selling minimum",
			current, e.cfg.MinSellingPricePLN)
	default:
		// conservative capture: a sellable price with nothing better ahead
		d.Action = types.SellActionSellNow
		d.Confidence = 0.6
		d.Reason = "no better price ahead, capturing current revenue"
	}
	return d
}

// Floor returns the minimum SoC below which selling is not allowed right now.
// Premium prices lower the floor, but only inside peak hours and only when
// the horizon offers a cheap recharge; the absolute floor is never crossed.
func (e *Engine) Floor(now time.Time, currentPrice float64, pts []types.PricePoint) float64 {
	d := e.cfg.DynamicSOCThresholds
	baseline := d.CheapFloorSOC
	if e.cfg.MinBatterySOC > baseline {
		baseline = e.cfg.MinBatterySOC
	}
	floor := baseline
	switch {
	case currentPrice >= d.SuperPremiumPricePLN:
		floor = d.SuperPremiumFloorSOC
	case currentPrice >= d.PremiumPricePLN:
		floor = d.PremiumFloorSOC
	}
	if floor < baseline {
		if !e.cfg.IsPeakHour(now.Hour()) || !hasRechargeOpportunity(pts, now, currentPrice, d.RechargeRatio) {
			floor = baseline
		}
	}
	if floor < e.cfg.AbsoluteMinSOC {
		floor = e.cfg.AbsoluteMinSOC
	}
	return floor
}

// CancelWait decides whether a pending wait_for_peak should be abandoned and
// converted into an immediate sell. The returned reason is empty when the
// wait may continue.
func (e *Engine) CancelWait(in Input) (bool, string) {
	if in.WaitStartedAt == nil {
		return false, ""
	}
	soc := in.Snapshot.Battery.SOCPercent
	if soc < e.cfg.SafetyMarginSOC {
		return true, fmt.Sprintf("soc %.0f%% fell below the %.0f%% safety margin", soc, e.cfg.SafetyMarginSOC)
	}
	waited := in.Now.Sub(*in.WaitStartedAt).Hours()
	if waited >= e.cfg.SmartTiming.MaxWaitTimeHours {
		return true, fmt.Sprintf("waited %.1fh, wait budget exhausted", waited)
	}
	if in.Snapshot.Consumption.PowerW >= e.cfg.ConsumptionSpikeThresholdW {
		return true, fmt.Sprintf("consumption spiked to %.0fW", in.Snapshot.Consumption.PowerW)
	}
	if current, ok := priceAt(in.Prices, in.Now); ok && in.ForecastPeakPLN > 0 && current > in.ForecastPeakPLN {
		return true, fmt.Sprintf("price %.3f already above the %.3f forecast peak", current, in.ForecastPeakPLN)
	}
	return false, ""
}

// findPeak returns the highest price within the wait budget, provided the
// climb over the current price is worth waiting for.
func (e *Engine) findPeak(horizon []types.PricePoint, now time.Time, current float64) (float64, time.Time, bool) {
	deadline := now.Add(time.Duration(e.cfg.SmartTiming.MaxWaitTimeHours * float64(time.Hour)))
	var best float64
	var bestAt time.Time
	for _, p := range horizon {
		if p.TSStart.After(deadline) {
			break
		}
		if p.FinalPLNPerKWH > best {
			best = p.FinalPLNPerKWH
			bestAt = p.TSStart
		}
	}
	if current <= 0 || best <= current {
		return 0, time.Time{}, false
	}
	if (best-current)/current*100 < e.cfg.SmartTiming.MinPeakDifferencePercent {
		return 0, time.Time{}, false
	}
	return best, bestAt, true
}

// priceTrend fits a least-squares line through the prices of the trailing
// window and classifies the slope relative to the window mean.
func priceTrend(pts []types.PricePoint, now time.Time, windowHours float64) trend {
	from := now.Add(-time.Duration(windowHours * float64(time.Hour)))
	var xs, ys []float64
	for _, p := range pts {
		if p.TSStart.Before(from) || p.TSStart.After(now) {
			continue
		}
		xs = append(xs, p.TSStart.Sub(from).Hours())
		ys = append(ys, p.FinalPLNPerKWH)
	}
	if len(xs) < 3 {
		return trendStable
	}
	n := float64(len(xs))
	var sumX, sumY, sumXY, sumXX float64
	for i := range xs {
		sumX += xs[i]
		sumY += ys[i]
		sumXY += xs[i] * ys[i]
		sumXX += xs[i] * xs[i]
	}
	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return trendStable
	}
	slope := (n*sumXY - sumX*sumY) / denom
	mean := sumY / n
	if mean == 0 {
		return trendStable
	}
	normalized := slope / mean
	switch {
	case normalized > trendThreshold:
		return trendRising
	case normalized < -trendThreshold:
		return trendFalling
	default:
		return trendStable
	}
}

func priceAt(pts []types.PricePoint, t time.Time) (float64, bool) {
	for _, p := range pts {
		if !t.Before(p.TSStart) && t.Before(p.TSStart.Add(15*time.Minute)) {
			return p.FinalPLNPerKWH, true
		}
	}
	return 0, false
}

func futurePrices(pts []types.PricePoint, now time.Time) []types.PricePoint {
	var out []types.PricePoint
	for _, p := range pts {
		if !p.TSStart.Add(15 * time.Minute).Before(now) {
			out = append(out, p)
		}
	}
	return out
}

func hasRechargeOpportunity(pts []types.PricePoint, now time.Time, current, ratio float64) bool {
	if ratio <= 0 {
		ratio = 0.7
	}
	for _, p := range pts {
		if p.TSStart.Before(now) {
			continue
		}
		if p.FinalPLNPerKWH <= ratio*current {
			return true
		}
	}
	return false
}
