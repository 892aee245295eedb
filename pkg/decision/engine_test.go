package decision

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RMachnik/goodwe-dynamic-price-optimiser/pkg/config"
	"github.com/RMachnik/goodwe-dynamic-price-optimiser/pkg/types"
)

func newEngine(t *testing.T, mutate func(*config.Config)) *Engine {
	t.Helper()
	cfg := config.Default()
	if mutate != nil {
		mutate(&cfg)
	}
	return New(cfg)
}

// flatPrices returns count 15-minute intervals of a constant final price
// starting at start.
func flatPrices(start time.Time, count int, finalPLN float64, band types.PriceBand) []types.PricePoint {
	pts := make([]types.PricePoint, count)
	for i := range pts {
		pts[i] = types.PricePoint{
			TSStart:        start.Add(time.Duration(i) * 15 * time.Minute),
			FinalPLNPerKWH: finalPLN,
			Band:           band,
		}
	}
	return pts
}

func baseInput(now time.Time, soc float64) Input {
	return Input{
		Now: now,
		Snapshot: types.Snapshot{
			Timestamp: now,
			Battery:   types.BatteryState{SOCPercent: soc},
			PV:        types.PVState{PowerW: 0},
			Consumption: types.ConsumptionState{
				PowerW: 400,
			},
		},
		Prices: flatPrices(now.Add(-time.Hour), 96, 0.55, types.PriceBandMedium),
	}
}

var noon = time.Date(2026, time.March, 10, 12, 0, 0, 0, time.Local)

func TestEmergencyChargeBeatsEverything(t *testing.T) {
	e := newEngine(t, nil)
	in := baseInput(noon, 4)
	// even during a required-reduction hour
	in.PeakLabel = types.PeakLabelRequiredReduction

	d := e.Decide(in)
	assert.Equal(t, types.ActionChargeGrid, d.Action)
	assert.Equal(t, types.PriorityCritical, d.Priority)
	assert.Equal(t, 1.0, d.Confidence)
	assert.Greater(t, d.EnergyKWH, 0.0)
}

func TestCriticalChargeBelowTwentyPercent(t *testing.T) {
	e := newEngine(t, nil)
	in := baseInput(noon, 15)

	d := e.Decide(in)
	assert.Equal(t, types.ActionChargeGrid, d.Action)
	assert.Equal(t, types.PriorityCritical, d.Priority)
}

func TestPVOverproductionCharges(t *testing.T) {
	e := newEngine(t, nil)
	in := baseInput(noon, 60)
	in.Snapshot.PV.PowerW = 4000
	in.Snapshot.Consumption.PowerW = 1000 // surplus 3000W

	d := e.Decide(in)
	assert.Equal(t, types.ActionChargePV, d.Action)
	assert.Equal(t, types.PriorityHigh, d.Priority)
	assert.Equal(t, 3000.0, d.PowerW)
	assert.InDelta(t, 95.0, d.TargetSOCPercent, 0.01)
}

func TestPVOverproductionSkippedNearFull(t *testing.T) {
	e := newEngine(t, nil)
	in := baseInput(noon, 96)
	in.Snapshot.PV.PowerW = 4000
	in.Snapshot.Consumption.PowerW = 1000

	d := e.Decide(in)
	assert.NotEqual(t, types.ActionChargePV, d.Action)
}

func TestAggressiveChargeAtDailyMinimum(t *testing.T) {
	e := newEngine(t, func(c *config.Config) {
		c.Coordinator.AggressiveCharging.Enabled = true
	})
	in := baseInput(noon, 60)
	// cheap interval right now, expensive rest of the day
	in.Prices = append(
		flatPrices(noon, 4, 0.20, types.PriceBandVeryLow),
		flatPrices(noon.Add(time.Hour), 92, 0.90, types.PriceBandHigh)...,
	)

	d := e.Decide(in)
	require.Equal(t, types.ActionChargeGrid, d.Action)
	assert.Equal(t, types.PriorityHigh, d.Priority)
	// 0.20 falls in the very-cheap category
	assert.InDelta(t, 90.0, d.TargetSOCPercent, 0.01)
}

func TestAggressiveChargeIgnoresExpensiveCurrent(t *testing.T) {
	e := newEngine(t, func(c *config.Config) {
		c.Coordinator.AggressiveCharging.Enabled = true
	})
	in := baseInput(noon, 60)

	d := e.Decide(in)
	assert.Equal(t, types.ActionWait, d.Action)
}

func windowInput(soc float64) Input {
	in := baseInput(noon, soc)
	in.Prices = flatPrices(noon.Add(-time.Hour), 96, 0.20, types.PriceBandLow)
	in.ChargeWindows = []types.PriceWindow{{
		Start:         noon.Add(-time.Hour),
		End:           noon.Add(2 * time.Hour),
		Band:          types.PriceBandLow,
		DurationHours: 3,
		AvgPLNPerKWH:  0.20,
	}}
	return in
}

func TestWindowChargeFromGrid(t *testing.T) {
	e := newEngine(t, nil)
	in := windowInput(50)

	d := e.Decide(in)
	require.Equal(t, types.ActionChargeGrid, d.Action)
	assert.Equal(t, types.PriorityMedium, d.Priority)
	assert.InDelta(t, 80.0, d.TargetSOCPercent, 0.01)
	// (80-50)% of 10 kWh
	assert.InDelta(t, 3.0, d.EnergyKWH, 0.01)
}

func TestWindowChargeGoesHybridWithPVCoverage(t *testing.T) {
	e := newEngine(t, nil)
	in := windowInput(50)
	// 1.2 kWh of forecast PV inside the window covers 40% of the 3 kWh need
	for i := 0; i < 8; i++ {
		in.PVForecast = append(in.PVForecast, types.PVForecastPoint{
			TSStart: noon.Add(time.Duration(i) * 15 * time.Minute),
			PowerKW: 0.6,
		})
	}

	d := e.Decide(in)
	assert.Equal(t, types.ActionChargeHybrid, d.Action)
}

func TestWindowChargeSkippedWhenPVCoversNeed(t *testing.T) {
	e := newEngine(t, nil)
	in := windowInput(75)
	// 0.5 kWh needed, 1 kWh forecast in-window: let the sun do it.
	// The very-low band also disables the pv-wait hold, so the fall-through
	// lands on wait.
	in.Prices = flatPrices(noon.Add(-time.Hour), 96, 0.10, types.PriceBandVeryLow)
	for i := 0; i < 8; i++ {
		in.PVForecast = append(in.PVForecast, types.PVForecastPoint{
			TSStart: noon.Add(time.Duration(i) * 15 * time.Minute),
			PowerKW: 0.5,
		})
	}

	d := e.Decide(in)
	assert.Equal(t, types.ActionWait, d.Action)
}

func risingForecast(now time.Time) []types.PVForecastPoint {
	pts := []types.PVForecastPoint{{TSStart: now, PowerKW: 1.0}}
	for i := 1; i <= 8; i++ {
		pts = append(pts, types.PVForecastPoint{
			TSStart: now.Add(time.Duration(i) * 15 * time.Minute),
			PowerKW: 1.0 + 0.5*float64(i),
		})
	}
	return pts
}

func TestRisingPVHoldsOffGridCharge(t *testing.T) {
	e := newEngine(t, nil)
	in := baseInput(noon, 60)
	in.Snapshot.PV.PowerW = 900
	in.Snapshot.Consumption.PowerW = 800
	in.PVForecast = risingForecast(noon)

	d := e.Decide(in)
	assert.Equal(t, types.ActionWait, d.Action)
	assert.Contains(t, d.Reason, "rising")
}

func TestRisingPVOverrideChargesWhenPanelsAreDark(t *testing.T) {
	e := newEngine(t, nil)
	in := baseInput(noon, 35)
	in.Snapshot.PV.PowerW = 200
	in.PVForecast = risingForecast(noon)

	d := e.Decide(in)
	assert.Equal(t, types.ActionChargeGrid, d.Action)
}

func nightInput(soc float64) Input {
	night := time.Date(2026, time.March, 10, 23, 0, 0, 0, time.Local)
	in := baseInput(night, soc)
	in.Prices = flatPrices(night.Add(-time.Hour), 32, 0.20, types.PriceBandLow)
	// tomorrow: six expensive hours among cheap ones
	tomorrow := night.Add(time.Hour)
	in.TomorrowPrices = append(
		flatPrices(tomorrow, 72, 0.30, types.PriceBandLow),
		flatPrices(tomorrow.Add(18*time.Hour), 24, 1.0, types.PriceBandVeryHigh)...,
	)
	return in
}

func TestNightChargingAssumesPoorPVOnForecastFailure(t *testing.T) {
	e := newEngine(t, func(c *config.Config) {
		c.PVConsumptionAnalysis.NightChargingEnabled = true
	})
	in := nightInput(50)
	in.PVForecastOK = false

	d := e.Decide(in)
	require.Equal(t, types.ActionChargeGrid, d.Action)
	assert.InDelta(t, 100.0, d.TargetSOCPercent, 0.01)
	assert.Equal(t, types.PriorityCritical, d.Priority)
}

func TestNightChargingPoorPVSurvivesCooldown(t *testing.T) {
	e := newEngine(t, func(c *config.Config) {
		c.PVConsumptionAnalysis.NightChargingEnabled = true
	})
	in := nightInput(25)
	in.PVForecastOK = false
	until := in.Now.Add(10 * time.Minute)
	in.CooldownUntil = &until

	d := e.Decide(in)
	require.Equal(t, types.ActionChargeGrid, d.Action)
	assert.Equal(t, types.PriorityCritical, d.Priority)
	assert.InDelta(t, 100.0, d.TargetSOCPercent, 0.01)

	// the soft operator defer yields to it as well
	in.CooldownUntil = nil
	in.PeakLabel = types.PeakLabelRecommendedSaving
	d = e.Decide(in)
	assert.Equal(t, types.ActionChargeGrid, d.Action)
}

func TestNightChargingCapsTargetOnGoodForecast(t *testing.T) {
	e := newEngine(t, func(c *config.Config) {
		c.PVConsumptionAnalysis.NightChargingEnabled = true
	})
	in := nightInput(50)
	in.PVForecastOK = true
	// a sunny tomorrow
	dayStart := in.Now.Add(10 * time.Hour)
	for i := 0; i < 32; i++ {
		in.TomorrowPV = append(in.TomorrowPV, types.PVForecastPoint{
			TSStart: dayStart.Add(time.Duration(i) * 15 * time.Minute),
			PowerKW: 3.0,
		})
	}

	d := e.Decide(in)
	require.Equal(t, types.ActionChargeGrid, d.Action)
	assert.InDelta(t, 80.0, d.TargetSOCPercent, 0.01)
	assert.Equal(t, types.PriorityMedium, d.Priority)
}

func TestNightChargingNeedsExpensiveTomorrow(t *testing.T) {
	e := newEngine(t, func(c *config.Config) {
		c.PVConsumptionAnalysis.NightChargingEnabled = true
	})
	in := nightInput(50)
	in.TomorrowPrices = flatPrices(in.Now.Add(time.Hour), 96, 0.30, types.PriceBandLow)

	d := e.Decide(in)
	assert.Equal(t, types.ActionWait, d.Action)
}

func TestDefaultIsWait(t *testing.T) {
	e := newEngine(t, nil)
	d := e.Decide(baseInput(noon, 60))
	assert.Equal(t, types.ActionWait, d.Action)
	assert.Equal(t, types.PriorityLow, d.Priority)
}

func TestRequiredReductionVetoesGridCharge(t *testing.T) {
	e := newEngine(t, nil)
	in := windowInput(50)
	in.PeakLabel = types.PeakLabelRequiredReduction

	d := e.Decide(in)
	assert.Equal(t, types.ActionWait, d.Action)
	assert.Contains(t, d.Reason, "required reduction")
}

func TestRequiredReductionDoesNotStopPVCharge(t *testing.T) {
	e := newEngine(t, nil)
	in := baseInput(noon, 60)
	in.Snapshot.PV.PowerW = 4000
	in.Snapshot.Consumption.PowerW = 1000
	in.PeakLabel = types.PeakLabelRequiredReduction

	d := e.Decide(in)
	assert.Equal(t, types.ActionChargePV, d.Action)
}

func TestRecommendedSavingDefersButYieldsToCritical(t *testing.T) {
	e := newEngine(t, nil)

	in := windowInput(50)
	in.PeakLabel = types.PeakLabelRecommendedSaving
	d := e.Decide(in)
	assert.Equal(t, types.ActionWait, d.Action)

	in = baseInput(noon, 15)
	in.PeakLabel = types.PeakLabelRecommendedSaving
	d = e.Decide(in)
	assert.Equal(t, types.ActionChargeGrid, d.Action)
}

func TestCooldownSuppressesNonCriticalCharge(t *testing.T) {
	e := newEngine(t, nil)
	until := noon.Add(10 * time.Minute)

	in := windowInput(50)
	in.CooldownUntil = &until
	d := e.Decide(in)
	assert.Equal(t, types.ActionWait, d.Action)
	assert.Contains(t, d.Reason, "cooldown")

	// critical bypasses the cooldown
	in = baseInput(noon, 15)
	in.CooldownUntil = &until
	d = e.Decide(in)
	assert.Equal(t, types.ActionChargeGrid, d.Action)

	// expired cooldown has no effect
	past := noon.Add(-time.Minute)
	in = windowInput(50)
	in.CooldownUntil = &past
	d = e.Decide(in)
	assert.Equal(t, types.ActionChargeGrid, d.Action)
}

func TestNextCooldown(t *testing.T) {
	d := types.Decision{Timestamp: noon, Action: types.ActionWait}
	got := NextCooldown(types.ActionChargeGrid, d)
	require.NotNil(t, got)
	assert.Equal(t, noon.Add(15*time.Minute), *got)

	assert.Nil(t, NextCooldown(types.ActionWait, d))
	assert.Nil(t, NextCooldown(types.ActionChargeGrid, types.Decision{Action: types.ActionChargeGrid}))
}

func TestChargeSizing(t *testing.T) {
	e := newEngine(t, nil)
	in := baseInput(noon, 4)

	d := e.Decide(in)
	// (50-4)% of 10 kWh at 5 kW with 0.92 grid efficiency
	assert.InDelta(t, 4.6, d.EnergyKWH, 0.01)
	assert.InDelta(t, 1.0, d.DurationHours, 0.01)
	assert.InDelta(t, 4.6/0.92*0.55, d.EstimatedCostPLN, 0.01)
}

func TestDecideIsDeterministic(t *testing.T) {
	e := newEngine(t, nil)
	in := windowInput(50)

	first := e.Decide(in)
	second := e.Decide(in)
	assert.Equal(t, first, second)
}

func TestScoringBreakdownAlwaysPresent(t *testing.T) {
	e := newEngine(t, nil)
	d := e.Decide(baseInput(noon, 60))

	require.NotNil(t, d.Scores)
	for _, key := range []string{"price", "battery", "pv", "consumption", "total"} {
		assert.Contains(t, d.Scores, key)
	}
}

func legacyEngine(t *testing.T) *Engine {
	return newEngine(t, func(c *config.Config) {
		c.Coordinator.DecisionEngineMode = "legacy"
	})
}

func TestLegacyChargesOnHighScore(t *testing.T) {
	e := legacyEngine(t)
	in := baseInput(noon, 30)
	in.Prices = flatPrices(noon.Add(-time.Hour), 96, 0.10, types.PriceBandVeryLow)
	in.Snapshot.Consumption.PowerW = 200
	in.Snapshot.PV.PowerW = 0

	d := e.Decide(in)
	assert.Equal(t, types.ActionChargeGrid, d.Action)
}

func TestLegacyStopsChargeOnLowScore(t *testing.T) {
	e := legacyEngine(t)
	in := baseInput(noon, 95)
	in.Prices = flatPrices(noon.Add(-time.Hour), 96, 1.20, types.PriceBandVeryHigh)
	in.Snapshot.Consumption.PowerW = 5000
	in.Snapshot.PV.PowerW = 5300 // net 300, below overproduction threshold
	in.LastAction = types.ActionChargeGrid

	d := e.Decide(in)
	assert.Equal(t, types.ActionStop, d.Action)
}

func TestLegacyStopsGridChargeOnOverproduction(t *testing.T) {
	e := legacyEngine(t)
	in := baseInput(noon, 60)
	in.Snapshot.PV.PowerW = 4000
	in.Snapshot.Consumption.PowerW = 1000
	in.LastAction = types.ActionChargeGrid

	d := e.Decide(in)
	assert.Equal(t, types.ActionStop, d.Action)
}

func TestLegacyCriticalOverride(t *testing.T) {
	e := legacyEngine(t)
	in := baseInput(noon, 15)
	in.Prices = flatPrices(noon.Add(-time.Hour), 96, 1.20, types.PriceBandVeryHigh)

	d := e.Decide(in)
	assert.Equal(t, types.ActionChargeGrid, d.Action)
	assert.Equal(t, types.PriorityCritical, d.Priority)
}

func TestLegacyHighScoreAtFullBatteryNeverSizesEmptyCharge(t *testing.T) {
	e := legacyEngine(t)
	in := baseInput(noon, 40)
	in.Prices = flatPrices(noon.Add(-time.Hour), 96, 0.10, types.PriceBandVeryLow)
	in.Snapshot.Consumption.PowerW = 200
	in.Snapshot.PV.PowerW = 0

	// battery already at the charge target despite a charge-grade score
	e.pv.MaxNightChargingSOC = 40

	d := e.Decide(in)
	assert.Equal(t, types.ActionWait, d.Action)

	in.LastAction = types.ActionChargeGrid
	d = e.Decide(in)
	assert.Equal(t, types.ActionStop, d.Action)
}

func TestLegacyHysteresisKeepsCharging(t *testing.T) {
	e := legacyEngine(t)
	in := baseInput(noon, 50)
	in.Prices = flatPrices(noon.Add(-time.Hour), 96, 0.50, types.PriceBandMedium)
	in.LastAction = types.ActionChargeGrid
	in.Snapshot.Consumption.PowerW = 1000

	d := e.Decide(in)
	assert.Equal(t, types.ActionChargeGrid, d.Action)
}
