package prices

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RMachnik/goodwe-dynamic-price-optimiser/pkg/types"
)

// pricedDay builds a day of 15-minute points from hourly final prices.
func pricedDay(t *testing.T, start time.Time, hourly []float64) []types.PricePoint {
	t.Helper()
	b := tariffConfig().BandThresholds
	var points []types.PricePoint
	for h, price := range hourly {
		for q := 0; q < 4; q++ {
			ts := start.Add(time.Duration(h)*time.Hour + time.Duration(q)*15*time.Minute)
			points = append(points, types.PricePoint{
				TSStart:        ts,
				FinalPLNPerKWH: price,
				Band:           Classify(price, b),
			})
		}
	}
	return points
}

func TestChargeWindowsMaximalRuns(t *testing.T) {
	start := time.Date(2025, 6, 10, 0, 0, 0, 0, time.UTC)
	// hours 0-2 cheap, 3-21 moderate, 22-23 cheap
	hourly := make([]float64, 24)
	for h := range hourly {
		hourly[h] = 0.55
	}
	hourly[0], hourly[1], hourly[2] = 0.20, 0.18, 0.22
	hourly[22], hourly[23] = 0.21, 0.19

	windows := ChargeWindows(pricedDay(t, start, hourly), 15*time.Minute, 30*time.Minute)
	require.Len(t, windows, 2)

	// the longer early-morning window saves more and sorts first
	assert.Equal(t, start, windows[0].Start)
	assert.Equal(t, start.Add(3*time.Hour), windows[0].End)
	assert.InDelta(t, 3.0, windows[0].DurationHours, 1e-9)
	assert.Equal(t, start.Add(22*time.Hour), windows[1].Start)
	assert.Greater(t, windows[0].SavingsPotential, windows[1].SavingsPotential)
	assert.InDelta(t, 0.18, windows[0].MinPLNPerKWH, 1e-9)
	assert.InDelta(t, 0.22, windows[0].MaxPLNPerKWH, 1e-9)
}

func TestChargeWindowsMergeAcrossGap(t *testing.T) {
	start := time.Date(2025, 6, 10, 0, 0, 0, 0, time.UTC)
	b := tariffConfig().BandThresholds

	var points []types.PricePoint
	add := func(offset time.Duration, price float64) {
		points = append(points, types.PricePoint{
			TSStart:        start.Add(offset),
			FinalPLNPerKWH: price,
			Band:           Classify(price, b),
		})
	}
	// cheap run, one moderate interval, cheap run again
	add(0, 0.20)
	add(15*time.Minute, 0.20)
	add(30*time.Minute, 0.55) // the gap
	add(45*time.Minute, 0.20)
	add(60*time.Minute, 0.20)

	merged := ChargeWindows(points, 15*time.Minute, 30*time.Minute)
	require.Len(t, merged, 1)
	assert.Equal(t, start, merged[0].Start)
	assert.Equal(t, start.Add(75*time.Minute), merged[0].End)

	// zero gap tolerance splits the runs
	split := ChargeWindows(points, 0, 30*time.Minute)
	require.Len(t, split, 2)
}

func TestChargeWindowsMinDuration(t *testing.T) {
	start := time.Date(2025, 6, 10, 0, 0, 0, 0, time.UTC)
	hourly := make([]float64, 24)
	for h := range hourly {
		hourly[h] = 0.55
	}
	hourly[4] = 0.20 // a single cheap hour

	// one cheap hour passes a 30-minute floor but not a 2-hour floor
	assert.Len(t, ChargeWindows(pricedDay(t, start, hourly), 15*time.Minute, 30*time.Minute), 1)
	assert.Empty(t, ChargeWindows(pricedDay(t, start, hourly), 15*time.Minute, 2*time.Hour))
}

func TestChargeWindowsTieBreakByStart(t *testing.T) {
	start := time.Date(2025, 6, 10, 0, 0, 0, 0, time.UTC)
	hourly := make([]float64, 24)
	for h := range hourly {
		hourly[h] = 0.55
	}
	// two identical cheap hours
	hourly[4] = 0.20
	hourly[20] = 0.20

	windows := ChargeWindows(pricedDay(t, start, hourly), 15*time.Minute, 30*time.Minute)
	require.Len(t, windows, 2)
	assert.Equal(t, start.Add(4*time.Hour), windows[0].Start)
	assert.Equal(t, start.Add(20*time.Hour), windows[1].Start)
}

func TestSellWindowsSortByAvgDesc(t *testing.T) {
	start := time.Date(2025, 6, 10, 0, 0, 0, 0, time.UTC)
	hourly := make([]float64, 24)
	for h := range hourly {
		hourly[h] = 0.55
	}
	hourly[17] = 0.90 // high
	hourly[18] = 0.95
	hourly[11] = 1.20 // very high, shorter

	windows := SellWindows(pricedDay(t, start, hourly), 15*time.Minute, 30*time.Minute)
	require.Len(t, windows, 2)
	assert.Equal(t, start.Add(11*time.Hour), windows[0].Start)
	assert.InDelta(t, 1.20, windows[0].AvgPLNPerKWH, 1e-9)
	assert.Equal(t, start.Add(17*time.Hour), windows[1].Start)
	assert.Equal(t, types.PriceBandVeryHigh, windows[0].Band)
}

func TestCurrentAndNextWindow(t *testing.T) {
	start := time.Date(2025, 6, 10, 0, 0, 0, 0, time.UTC)
	windows := []types.PriceWindow{
		{Start: start.Add(2 * time.Hour), End: start.Add(4 * time.Hour)},
		{Start: start.Add(10 * time.Hour), End: start.Add(11 * time.Hour)},
	}

	w, ok := CurrentWindow(windows, start.Add(3*time.Hour))
	require.True(t, ok)
	assert.Equal(t, start.Add(2*time.Hour), w.Start)

	_, ok = CurrentWindow(windows, start.Add(5*time.Hour))
	assert.False(t, ok)

	next, ok := NextWindow(windows, start.Add(5*time.Hour))
	require.True(t, ok)
	assert.Equal(t, start.Add(10*time.Hour), next.Start)

	_, ok = NextWindow(windows, start.Add(12*time.Hour))
	assert.False(t, ok)
}

func TestStatsPercentile(t *testing.T) {
	start := time.Date(2025, 6, 10, 0, 0, 0, 0, time.UTC)
	// 10 intervals priced 0.1 .. 1.0
	var points []types.PricePoint
	for i := 1; i <= 10; i++ {
		points = append(points, types.PricePoint{
			TSStart:        start.Add(time.Duration(i) * 15 * time.Minute),
			FinalPLNPerKWH: float64(i) / 10,
		})
	}
	s := NewStats(points)

	assert.Equal(t, 10, s.Count)
	assert.InDelta(t, 0.55, s.Mean, 1e-9)
	assert.InDelta(t, 0.55, s.Median, 1e-9)
	assert.Equal(t, 100, s.Percentile(1.0))
	assert.Equal(t, 10, s.Percentile(0.1))
	assert.Equal(t, 50, s.Percentile(0.5))
	assert.InDelta(t, 1.0, s.ValueAtPercentile(100), 1e-9)
	assert.InDelta(t, 0.8, s.ValueAtPercentile(75), 1e-9)

	assert.Equal(t, 0, Stats{}.Percentile(0.5))
}
