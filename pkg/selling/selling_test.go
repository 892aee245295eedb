package selling

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
	cfg.BatterySelling.Enabled = true
	if mutate != nil {
		mutate(&cfg)
	}
	return New(cfg)
}

func points(start time.Time, finals ...float64) []types.PricePoint {
	pts := make([]types.PricePoint, len(finals))
	for i, f := range finals {
		pts[i] = types.PricePoint{
			TSStart:        start.Add(time.Duration(i) * 15 * time.Minute),
			FinalPLNPerKWH: f,
		}
	}
	return pts
}

func repeat(v float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func sellInput(now time.Time, soc float64, pts []types.PricePoint) Input {
	return Input{
		Now: now,
		Snapshot: types.Snapshot{
			Battery:     types.BatteryState{SOCPercent: soc},
			Consumption: types.ConsumptionState{PowerW: 500},
		},
		Prices: pts,
	}
}

var peakEvening = time.Date(2026, time.March, 10, 18, 0, 0, 0, time.Local)
var offPeakNoon = time.Date(2026, time.March, 10, 12, 0, 0, 0, time.Local)

func TestEvaluateBelowFloorIsNoOpportunity(t *testing.T) {
	e := newEngine(t, nil)
	in := sellInput(offPeakNoon, 70, points(offPeakNoon, repeat(0.90, 8)...))

	d := e.Evaluate(in)
	assert.Equal(t, types.SellActionNoOpportunity, d.Action)
	assert.InDelta(t, 80.0, d.MinSOCFloorPercent, 0.01)
	assert.Contains(t, d.Reason, "floor")
}

func TestEvaluateTopDecileSellsNow(t *testing.T) {
	e := newEngine(t, nil)
	// super-premium spike during a peak hour with a cheap recharge later
	finals := append(repeat(1.30, 4), repeat(0.50, 20)...)
	in := sellInput(peakEvening, 90, points(peakEvening, finals...))

	d := e.Evaluate(in)
	require.Equal(t, types.SellActionSellNow, d.Action)
	assert.GreaterOrEqual(t, d.CurrentPercentile, 90)
	// floor dropped to the super-premium tier
	assert.InDelta(t, 50.0, d.MinSOCFloorPercent, 0.01)
	assert.InDelta(t, 4.0, d.AvailableKWH, 0.01)
	assert.InDelta(t, 4.0*1.30, d.ExpectedRevenuePLN, 0.01)
}

func TestEvaluateFallingTrendSellsNow(t *testing.T) {
	e := newEngine(t, nil)
	// steady decline into the current interval, future barely higher
	past := points(offPeakNoon.Add(-3*time.Hour), 1.00, 0.975, 0.95, 0.925, 0.90,
		0.875, 0.85, 0.825, 0.80, 0.775, 0.75, 0.725)
	current := points(offPeakNoon, 0.70)
	future := points(offPeakNoon.Add(15*time.Minute), repeat(0.72, 8)...)
	pts := append(append(past, current...), future...)

	d := e.Evaluate(sellInput(offPeakNoon, 90, pts))
	assert.Equal(t, types.SellActionSellNow, d.Action)
	assert.Contains(t, d.Reason, "falling")
}

func TestEvaluateSignificantOpportunityWaitsForPeak(t *testing.T) {
	e := newEngine(t, nil)
	finals := append(repeat(0.85, 8), repeat(2.50, 4)...)
	in := sellInput(offPeakNoon, 95, points(offPeakNoon, finals...))

	d := e.Evaluate(in)
	require.Equal(t, types.SellActionWaitForPeak, d.Action)
	require.NotNil(t, d.PeakAt)
	assert.InDelta(t, 2.50, d.PeakPricePLNPerKWH, 0.01)
}

func TestEvaluateModerateOpportunityWaitsForHigher(t *testing.T) {
	e := newEngine(t, nil)
	// (1.25-0.85) * 1.5 kWh available = 0.60 PLN: moderate, not significant
	finals := append(repeat(0.85, 8), repeat(1.25, 4)...)
	in := sellInput(offPeakNoon, 95, points(offPeakNoon, finals...))

	d := e.Evaluate(in)
	assert.Equal(t, types.SellActionWaitForHigher, d.Action)
}

func TestEvaluateCheapPriceIsNoOpportunity(t *testing.T) {
	e := newEngine(t, nil)
	finals := append([]float64{0.40}, repeat(0.55, 8)...)
	in := sellInput(offPeakNoon, 90, points(offPeakNoon, finals...))

	d := e.Evaluate(in)
	assert.Equal(t, types.SellActionNoOpportunity, d.Action)
	assert.Contains(t, d.Reason, "selling minimum")
}

func TestEvaluateDefaultCapturesCurrent(t *testing.T) {
	e := newEngine(t, nil)
	finals := append([]float64{0.65}, append(repeat(0.70, 4), repeat(0.60, 4)...)...)
	in := sellInput(offPeakNoon, 90, points(offPeakNoon, finals...))

	d := e.Evaluate(in)
	assert.Equal(t, types.SellActionSellNow, d.Action)
	assert.Contains(t, d.Reason, "capturing")
}

func TestEvaluateWithoutPriceData(t *testing.T) {
	e := newEngine(t, nil)
	d := e.Evaluate(sellInput(offPeakNoon, 90, nil))
	assert.Equal(t, types.SellActionNoOpportunity, d.Action)
}

func TestFloorTiers(t *testing.T) {
	e := newEngine(t, nil)
	rechargeable := points(peakEvening.Add(time.Hour), repeat(0.50, 8)...)
	expensive := points(peakEvening.Add(time.Hour), repeat(0.85, 8)...)

	tests := []struct {
		name   string
		now    time.Time
		price  float64
		pts    []types.PricePoint
		expect float64
	}{
		{"cheap tier keeps the high floor", peakEvening, 0.50, rechargeable, 80},
		{"premium inside peak hours with recharge", peakEvening, 0.90, rechargeable, 60},
		{"super premium inside peak hours with recharge", peakEvening, 1.30, rechargeable, 50},
		{"premium outside peak hours", offPeakNoon, 0.90, rechargeable, 80},
		{"premium without recharge opportunity", peakEvening, 0.90, expensive, 80},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.expect, e.Floor(tt.now, tt.price, tt.pts), 0.01)
		})
	}
}

func TestFloorNeverCrossesAbsoluteMinimum(t *testing.T) {
	e := newEngine(t, func(c *config.Config) {
		c.BatterySelling.DynamicSOCThresholds.SuperPremiumFloorSOC = 40
	})
	rechargeable := points(peakEvening.Add(time.Hour), repeat(0.50, 8)...)

	assert.InDelta(t, 50.0, e.Floor(peakEvening, 1.30, rechargeable), 0.01)
}

func TestCancelWait(t *testing.T) {
	e := newEngine(t, nil)
	started := offPeakNoon.Add(-time.Hour)

	base := func() Input {
		in := sellInput(offPeakNoon, 90, points(offPeakNoon, repeat(0.90, 8)...))
		in.WaitStartedAt = &started
		in.ForecastPeakPLN = 1.20
		return in
	}

	t.Run("continues while conditions hold", func(t *testing.T) {
		cancel, _ := e.CancelWait(base())
		assert.False(t, cancel)
	})

	t.Run("soc below safety margin", func(t *testing.T) {
		in := base()
		in.Snapshot.Battery.SOCPercent = 55
		cancel, reason := e.CancelWait(in)
		assert.True(t, cancel)
		assert.Contains(t, reason, "safety margin")
	})

	t.Run("wait budget exhausted", func(t *testing.T) {
		in := base()
		old := offPeakNoon.Add(-5 * time.Hour)
		in.WaitStartedAt = &old
		cancel, reason := e.CancelWait(in)
		assert.True(t, cancel)
		assert.Contains(t, reason, "budget")
	})

	t.Run("consumption spike", func(t *testing.T) {
		in := base()
		in.Snapshot.Consumption.PowerW = 5000
		cancel, reason := e.CancelWait(in)
		assert.True(t, cancel)
		assert.Contains(t, reason, "consumption")
	})

	t.Run("price beats the forecast peak", func(t *testing.T) {
		in := base()
		in.Prices = points(offPeakNoon, repeat(1.50, 8)...)
		cancel, reason := e.CancelWait(in)
		assert.True(t, cancel)
		assert.Contains(t, reason, "forecast peak")
	})

	t.Run("no pending wait", func(t *testing.T) {
		in := base()
		in.WaitStartedAt = nil
		cancel, _ := e.CancelWait(in)
		assert.False(t, cancel)
	})
}
