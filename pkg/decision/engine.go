// Package decision picks the charging action for a tick. It is a pure
// function of its input: time comes in through the Input so runs are
// reproducible.
package decision

import (
	"fmt"
	"math"
	"time"

	"github.com/RMachnik/goodwe-dynamic-price-optimiser/pkg/config"
	"github.com/RMachnik/goodwe-dynamic-price-optimiser/pkg/prices"
	"github.com/RMachnik/goodwe-dynamic-price-optimiser/pkg/pvforecast"
	"github.com/RMachnik/goodwe-dynamic-price-optimiser/pkg/types"
)

const (
	// waitCooldown debounces charge/wait flapping.
	waitCooldown = 15 * time.Minute

	emergencySOC = 5.0
	criticalSOC  = 20.0

	// emergency and critical charges aim for a level that buys time, not a
	// full battery; the regular rules finish the job on the next cycles.
	emergencyTargetSOC = 50.0
	criticalTargetSOC  = 60.0

	pvWaitOverrideW = 500.0
	pvWaitMaxSOC    = 40.0
	fullSOCGuard    = 95.0
)

// Input is everything a decision cycle looks at. Prices carry final retail
// prices and bands for the lookahead horizon.
type Input struct {
	Now      time.Time
	Snapshot types.Snapshot

	Prices        []types.PricePoint
	ChargeWindows []types.PriceWindow
	PeakLabel     types.PeakLabel

	PVForecast   []types.PVForecastPoint
	PVForecastOK bool

	TomorrowPrices []types.PricePoint
	TomorrowPV     []types.PVForecastPoint

	AvgDailyConsumptionKWH float64

	LastAction    types.Action
	CooldownUntil *time.Time
}

// CurrentPrice returns the final price of the interval containing Now, or 0
// when the horizon has no such interval.
func (in Input) CurrentPrice() float64 {
	for _, p := range in.Prices {
		if !in.Now.Before(p.TSStart) && in.Now.Before(p.TSStart.Add(15*time.Minute)) {
			return p.FinalPLNPerKWH
		}
	}
	return 0
}

func (in Input) currentBand() types.PriceBand {
	for _, p := range in.Prices {
		if !in.Now.Before(p.TSStart) && in.Now.Before(p.TSStart.Add(15*time.Minute)) {
			return p.Band
		}
	}
	return types.PriceBandMedium
}

// Engine decides charging actions. Mode selects between the legacy weighted
// scoring and the timing-aware hybrid rules.
type Engine struct {
	mode       string
	battery    config.BatteryConfig
	pv         config.PVAnalysisConfig
	aggressive config.AggressiveConfig
	bands      config.BandThresholds
}

// New builds an engine from configuration.
func New(cfg config.Config) *Engine {
	mode := cfg.Coordinator.DecisionEngineMode
	if mode == "" {
		mode = "hybrid"
	}
	return &Engine{
		mode:       mode,
		battery:    cfg.BatteryManagement,
		pv:         cfg.PVConsumptionAnalysis,
		aggressive: cfg.Coordinator.AggressiveCharging,
		bands:      cfg.ElectricityTariff.BandThresholds,
	}
}

// Decide runs one decision cycle.
func (e *Engine) Decide(in Input) types.Decision {
	scores := e.computeScores(in)

	var d types.Decision
	if e.mode == "legacy" {
		d = e.decideLegacy(in, scores)
	} else {
		d = e.decideHybrid(in)
	}

	d.Timestamp = in.Now
	d.Scores = scores.asMap()
	d.Confidence = e.confidence(in, scores, d)

	d = e.applyPeakLabel(in, d)
	d = e.applyCooldown(in, d)
	return d
}

// decideHybrid implements the timing-aware rules; first match wins.
func (e *Engine) decideHybrid(in Input) types.Decision {
	soc := in.Snapshot.Battery.SOCPercent

	// battery about to shut down: charge now, no questions
	if soc <= emergencySOC {
		d := e.sizeGridCharge(in, emergencyTargetSOC, "battery critically low, emergency grid charge")
		d.Priority = types.PriorityCritical
		return d
	}
	if soc <= criticalSOC {
		d := e.sizeGridCharge(in, criticalTargetSOC, "battery low, charging regardless of price")
		d.Priority = types.PriorityCritical
		return d
	}

	// free energy first
	if surplus := in.Snapshot.NetPVSurplusW(); surplus >= e.pv.OverproductionThresholdW && soc < fullSOCGuard {
		d := e.sizePVCharge(in, fullSOCGuard, surplus)
		d.Priority = types.PriorityHigh
		return d
	}

	if d, ok := e.aggressiveCharge(in); ok {
		return d
	}

	if d, ok := e.windowCharge(in); ok {
		return d
	}

	if d, ok := e.pvWait(in); ok {
		return d
	}

	if d, ok := e.nightCharge(in); ok {
		return d
	}

	return types.Decision{
		Action:   types.ActionWait,
		Priority: types.PriorityLow,
		Reason:   "no charging opportunity",
	}
}

// aggressiveCharge fires when the current price sits within the configured
// margin of the day's minimum; the cheapest energy of the day is taken even
// outside a formal window.
func (e *Engine) aggressiveCharge(in Input) (types.Decision, bool) {
	if !e.aggressive.Enabled || len(in.Prices) == 0 {
		return types.Decision{}, false
	}
	current := in.CurrentPrice()
	stats := prices.NewStats(in.Prices)
	if stats.Count == 0 || current > stats.Min*(1+e.aggressive.PriceThresholdPercent/100) {
		return types.Decision{}, false
	}

	var target float64
	switch {
	case current < e.bands.SuperCheap:
		target = e.aggressive.SuperCheapTargetSOC
	case current < e.bands.VeryCheap:
		target = e.aggressive.VeryCheapTargetSOC
	case current < e.bands.Cheap:
		target = e.aggressive.CheapTargetSOC
	default:
		return types.Decision{}, false
	}
	if in.Snapshot.Battery.SOCPercent >= target {
		return types.Decision{}, false
	}
	d := e.sizeGridCharge(in, target,
		fmt.Sprintf("price %.3f PLN/kWh within %.0f%% of daily minimum", current, e.aggressive.PriceThresholdPercent))
	d.Priority = types.PriorityHigh
	return d, true
}

// windowCharge charges inside a low-price window when the PV forecast will
// not cover the need in-window. Hybrid charging is preferred once the
// forecast covers a meaningful share.
func (e *Engine) windowCharge(in Input) (types.Decision, bool) {
	w, ok := prices.CurrentWindow(in.ChargeWindows, in.Now)
	if !ok {
		return types.Decision{}, false
	}
	remaining := w.RemainingHours(in.Now)
	if remaining < e.pv.MinChargingDurationHours {
		return types.Decision{}, false
	}
	soc := in.Snapshot.Battery.SOCPercent
	target := e.pv.MaxNightChargingSOC
	if target <= soc {
		return types.Decision{}, false
	}

	needKWH := (target - soc) / 100 * e.battery.CapacityKWH
	pvInWindowKWH := forecastEnergyKWH(in.PVForecast, in.Now, w.End)
	coverage := 0.0
	if needKWH > 0 {
		coverage = pvInWindowKWH / needKWH
	}

	if coverage >= 1 {
		// the sun will fill the battery before the window closes
		return types.Decision{}, false
	}

	threshold := e.pv.HybridPVCoverageThreshold
	if threshold <= 0 {
		threshold = 0.3
	}
	if coverage >= threshold {
		d := e.sizeHybridCharge(in, target, pvInWindowKWH)
		d.Priority = types.PriorityMedium
		d.Reason = fmt.Sprintf("low-price window until %s, pv covers %.0f%% of need",
			w.End.Format("15:04"), coverage*100)
		return d, true
	}
	d := e.sizeGridCharge(in, target,
		fmt.Sprintf("low-price window until %s", w.End.Format("15:04")))
	d.Priority = types.PriorityMedium
	return d, true
}

// pvWait holds off grid charging while PV production is climbing. With
// next to no PV on the panels the forecast slope is ignored.
func (e *Engine) pvWait(in Input) (types.Decision, bool) {
	soc := in.Snapshot.Battery.SOCPercent
	pvNow := in.Snapshot.PV.PowerW

	if !risingPV(in.PVForecast, in.Now) {
		return types.Decision{}, false
	}
	if in.currentBand() == types.PriceBandVeryLow {
		// cheap enough that waiting buys nothing
		return types.Decision{}, false
	}
	if pvNow < pvWaitOverrideW {
		if soc < pvWaitMaxSOC {
			d := e.sizeGridCharge(in, e.pv.MaxNightChargingSOC, "pv too weak to wait for, charging from grid")
			d.Priority = types.PriorityMedium
			return d, true
		}
		return types.Decision{}, false
	}
	if pvNow < e.pv.MinPVPowerForWaitW {
		return types.Decision{}, false
	}
	return types.Decision{
		Action:   types.ActionWait,
		Priority: types.PriorityLow,
		Reason:   "pv forecast rising, waiting for solar charge",
	}, true
}

// nightCharge prepares the battery for a poor-PV day with expensive hours.
func (e *Engine) nightCharge(in Input) (types.Decision, bool) {
	if !e.pv.NightChargingEnabled || !e.pv.IsNightHour(in.Now.Hour()) {
		return types.Decision{}, false
	}
	if in.currentBand() > types.PriceBandLow {
		return types.Decision{}, false
	}

	if !hasExpensiveHours(in.TomorrowPrices, e.pv.HighPricePercentile, 4) {
		return types.Decision{}, false
	}

	// an unreachable forecast API is treated as a poor-PV day
	poorPV := e.pv.AssumePoorPVOnAPIFailure
	if in.PVForecastOK {
		poorPV = pvforecast.IsPoorDay(in.TomorrowPV, e.pv.PoorPVThresholdKWHPerHour)
	}
	target := e.pv.MaxNightChargingSOC
	reason := "night charging ahead of expensive morning"
	if poorPV {
		target = e.pv.NightChargingTargetPoorPV
		reason = "night charging ahead of poor pv day"
	}
	if in.Snapshot.Battery.SOCPercent >= target {
		return types.Decision{}, false
	}
	d := e.sizeGridCharge(in, target, reason)
	d.Priority = types.PriorityMedium
	if poorPV {
		// tonight is the only chance to fill up before a poor-PV day;
		// a cooldown or a soft operator defer must not suppress it
		d.Priority = types.PriorityCritical
	}
	return d, true
}

// decideLegacy is the weighted-scoring engine kept for comparison runs.
func (e *Engine) decideLegacy(in Input, scores Scores) types.Decision {
	soc := in.Snapshot.Battery.SOCPercent
	charging := in.LastAction.IsCharge()

	// overrides first
	if soc <= criticalSOC {
		d := e.sizeGridCharge(in, criticalTargetSOC, "battery low, charging regardless of score")
		d.Priority = types.PriorityCritical
		return d
	}
	if in.Snapshot.NetPVSurplusW() >= e.pv.OverproductionThresholdW && charging {
		return types.Decision{
			Action:   types.ActionStop,
			Priority: types.PriorityHigh,
			Reason:   "pv overproduction, grid charge pointless",
		}
	}

	total := scores.Total()
	atTarget := soc >= e.pv.MaxNightChargingSOC
	switch {
	case total >= chargeThreshold && !atTarget:
		d := e.sizeGridCharge(in, e.pv.MaxNightChargingSOC,
			fmt.Sprintf("weighted score %.0f above charge threshold", total))
		d.Priority = types.PriorityMedium
		return d
	case charging && atTarget:
		return types.Decision{
			Action:   types.ActionStop,
			Priority: types.PriorityMedium,
			Reason:   "battery at charge target",
		}
	case charging && total <= stopThreshold:
		return types.Decision{
			Action:   types.ActionStop,
			Priority: types.PriorityMedium,
			Reason:   fmt.Sprintf("weighted score %.0f below stop threshold", total),
		}
	case charging:
		d := e.sizeGridCharge(in, e.pv.MaxNightChargingSOC, "continuing charge, score in hysteresis band")
		d.Priority = types.PriorityLow
		return d
	default:
		return types.Decision{
			Action:   types.ActionWait,
			Priority: types.PriorityLow,
			Reason:   fmt.Sprintf("weighted score %.0f gives no action", total),
		}
	}
}

// applyPeakLabel enforces the operator's stress labels on grid-drawing
// starts. Critical priority bypasses the soft defer but not the hard block.
func (e *Engine) applyPeakLabel(in Input, d types.Decision) types.Decision {
	if !d.Action.UsesGrid() {
		return d
	}
	switch in.PeakLabel {
	case types.PeakLabelRequiredReduction:
		if d.Priority == types.PriorityCritical && in.Snapshot.Battery.SOCPercent <= emergencySOC {
			// an imminent shutdown outranks the operator signal
			return d
		}
		return types.Decision{
			Timestamp:  d.Timestamp,
			Action:     types.ActionWait,
			Priority:   types.PriorityHigh,
			Confidence: d.Confidence,
			Scores:     d.Scores,
			Reason:     "grid operator ordered a required reduction, charge vetoed",
		}
	case types.PeakLabelRecommendedSaving:
		if d.Priority == types.PriorityCritical {
			return d
		}
		return types.Decision{
			Timestamp:  d.Timestamp,
			Action:     types.ActionWait,
			Priority:   d.Priority,
			Confidence: d.Confidence,
			Scores:     d.Scores,
			Reason:     "grid operator recommends saving, charge deferred",
		}
	}
	return d
}

// applyCooldown suppresses a new charge right after a wait that interrupted
// charging, so the inverter does not flap.
func (e *Engine) applyCooldown(in Input, d types.Decision) types.Decision {
	if in.CooldownUntil == nil || !in.Now.Before(*in.CooldownUntil) {
		return d
	}
	if !d.Action.IsCharge() || d.Priority == types.PriorityCritical {
		return d
	}
	return types.Decision{
		Timestamp:  d.Timestamp,
		Action:     types.ActionWait,
		Priority:   types.PriorityLow,
		Confidence: d.Confidence,
		Scores:     d.Scores,
		Reason:     fmt.Sprintf("wait cooldown active until %s", in.CooldownUntil.Format("15:04")),
	}
}

// NextCooldown returns the cooldown deadline a coordinator should set after
// this decision, or nil.
func NextCooldown(prev types.Action, d types.Decision) *time.Time {
	if d.Action == types.ActionWait && prev.IsCharge() {
		t := d.Timestamp.Add(waitCooldown)
		return &t
	}
	return nil
}

// sizing

func (e *Engine) sizeGridCharge(in Input, targetSOC float64, reason string) types.Decision {
	energy := e.energyToTarget(in.Snapshot.Battery.SOCPercent, targetSOC)
	powerW := e.battery.MaxChargePowerW
	eff := e.battery.ChargeEfficiency
	if eff <= 0 {
		eff = 1
	}
	duration := energy / (powerW / 1000 * eff)
	return types.Decision{
		Action:           types.ActionChargeGrid,
		TargetSOCPercent: targetSOC,
		PowerW:           powerW,
		EnergyKWH:        energy,
		DurationHours:    e.minDuration(duration),
		EstimatedCostPLN: energy / eff * in.CurrentPrice(),
		Reason:           reason,
	}
}

func (e *Engine) sizePVCharge(in Input, targetSOC, surplusW float64) types.Decision {
	energy := e.energyToTarget(in.Snapshot.Battery.SOCPercent, targetSOC)
	powerW := math.Min(surplusW, e.battery.MaxChargePowerW)
	eff := e.battery.PVChargeEfficiency
	if eff <= 0 {
		eff = 1
	}
	duration := energy / (powerW / 1000 * eff)
	return types.Decision{
		Action:           types.ActionChargePV,
		TargetSOCPercent: targetSOC,
		PowerW:           powerW,
		EnergyKWH:        energy,
		DurationHours:    e.minDuration(duration),
		Reason:           fmt.Sprintf("pv overproduction %.0fW, storing surplus", surplusW),
	}
}

func (e *Engine) sizeHybridCharge(in Input, targetSOC, pvKWH float64) types.Decision {
	energy := e.energyToTarget(in.Snapshot.Battery.SOCPercent, targetSOC)
	gridKWH := energy - pvKWH
	if gridKWH < 0 {
		gridKWH = 0
	}
	powerW := e.battery.MaxChargePowerW
	gridEff := e.battery.ChargeEfficiency
	if gridEff <= 0 {
		gridEff = 1
	}
	duration := energy / (powerW / 1000 * gridEff)
	return types.Decision{
		Action:           types.ActionChargeHybrid,
		TargetSOCPercent: targetSOC,
		PowerW:           powerW,
		EnergyKWH:        energy,
		DurationHours:    e.minDuration(duration),
		EstimatedCostPLN: gridKWH / gridEff * in.CurrentPrice(),
	}
}

func (e *Engine) energyToTarget(soc, target float64) float64 {
	delta := (target - soc) / 100 * e.battery.CapacityKWH
	if delta < 0 {
		return 0
	}
	return delta
}

func (e *Engine) minDuration(d float64) float64 {
	if d < e.pv.MinChargingDurationHours {
		return e.pv.MinChargingDurationHours
	}
	return d
}

// confidence blends the forecast confidence with the score agreement.
func (e *Engine) confidence(in Input, scores Scores, d types.Decision) float64 {
	if d.Priority == types.PriorityCritical {
		return 1
	}
	forecastConf := 0.5
	if len(in.PVForecast) > 0 {
		var sum float64
		for _, p := range in.PVForecast {
			sum += p.Confidence
		}
		forecastConf = sum / float64(len(in.PVForecast))
	}
	conf := 0.5*forecastConf + 0.5*scores.variancePenalty()
	if conf < 0 {
		conf = 0
	}
	if conf > 1 {
		conf = 1
	}
	return conf
}

// helpers

// forecastEnergyKWH integrates the forecast between from and to.
func forecastEnergyKWH(points []types.PVForecastPoint, from, to time.Time) float64 {
	var kwh float64
	for _, p := range points {
		if p.TSStart.Before(from) || !p.TSStart.Before(to) {
			continue
		}
		kwh += p.PowerKW * 0.25
	}
	return kwh
}

// risingPV reports whether forecast production climbs over the next two
// hours compared with the current interval.
func risingPV(points []types.PVForecastPoint, now time.Time) bool {
	nowKW, ok := forecastAt(points, now)
	if !ok {
		return false
	}
	laterKWH := forecastEnergyKWH(points, now, now.Add(2*time.Hour))
	return laterKWH/2 > nowKW*1.1
}

func forecastAt(points []types.PVForecastPoint, t time.Time) (float64, bool) {
	for _, p := range points {
		if !t.Before(p.TSStart) && t.Before(p.TSStart.Add(15*time.Minute)) {
			return p.PowerKW, true
		}
	}
	return 0, false
}

// hasExpensiveHours reports whether at least minHours of the day sit above
// the given percentile of its own prices.
func hasExpensiveHours(points []types.PricePoint, percentile, minHours int) bool {
	if len(points) == 0 {
		return false
	}
	if percentile <= 0 {
		percentile = 75
	}
	stats := prices.NewStats(points)
	threshold := stats.ValueAtPercentile(percentile)
	var above float64
	for _, p := range points {
		if p.FinalPLNPerKWH > threshold {
			above += 0.25
		}
	}
	return above >= float64(minHours)
}
