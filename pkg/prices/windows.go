package prices

import (
	"sort"
	"time"

	"github.com/RMachnik/goodwe-dynamic-price-optimiser/pkg/types"
)

// intervalLength is the market interval resolution.
const intervalLength = 15 * time.Minute

// ChargeWindows returns the maximal runs of low-priced intervals (band at or
// below low), merged across gaps up to maxGap and filtered to minDuration.
// Windows sort by savings potential descending, start time ascending on ties.
func ChargeWindows(points []types.PricePoint, maxGap time.Duration, minDuration time.Duration) []types.PriceWindow {
	windows := findRuns(points, func(b types.PriceBand) bool { return b <= types.PriceBandLow }, maxGap, minDuration)
	dayAvg := meanFinal(points)
	for i := range windows {
		windows[i].SavingsPotential = (dayAvg - windows[i].AvgPLNPerKWH) * windows[i].DurationHours
	}
	sort.SliceStable(windows, func(i, j int) bool {
		if windows[i].SavingsPotential != windows[j].SavingsPotential {
			return windows[i].SavingsPotential > windows[j].SavingsPotential
		}
		return windows[i].Start.Before(windows[j].Start)
	})
	return windows
}

// SellWindows returns the maximal runs of high-priced intervals (band at or
// above high). Windows sort by average price descending, start ascending on
// ties.
func SellWindows(points []types.PricePoint, maxGap time.Duration, minDuration time.Duration) []types.PriceWindow {
	windows := findRuns(points, func(b types.PriceBand) bool { return b >= types.PriceBandHigh }, maxGap, minDuration)
	dayAvg := meanFinal(points)
	for i := range windows {
		windows[i].SavingsPotential = (windows[i].AvgPLNPerKWH - dayAvg) * windows[i].DurationHours
	}
	sort.SliceStable(windows, func(i, j int) bool {
		if windows[i].AvgPLNPerKWH != windows[j].AvgPLNPerKWH {
			return windows[i].AvgPLNPerKWH > windows[j].AvgPLNPerKWH
		}
		return windows[i].Start.Before(windows[j].Start)
	})
	return windows
}

// findRuns walks the sorted points and collects maximal runs of intervals
// matching the predicate, merging runs whose gap does not exceed maxGap.
func findRuns(points []types.PricePoint, match func(types.PriceBand) bool, maxGap, minDuration time.Duration) []types.PriceWindow {
	sorted := append([]types.PricePoint(nil), points...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].TSStart.Before(sorted[j].TSStart) })

	type run struct {
		points []types.PricePoint
		start  time.Time
		end    time.Time
	}
	var runs []run
	for _, p := range sorted {
		if !match(p.Band) {
			continue
		}
		end := p.TSStart.Add(intervalLength)
		if len(runs) > 0 && p.TSStart.Sub(runs[len(runs)-1].end) <= maxGap {
			last := &runs[len(runs)-1]
			last.points = append(last.points, p)
			last.end = end
			continue
		}
		runs = append(runs, run{points: []types.PricePoint{p}, start: p.TSStart, end: end})
	}

	var windows []types.PriceWindow
	for _, r := range runs {
		duration := r.end.Sub(r.start)
		if duration < minDuration {
			continue
		}
		w := types.PriceWindow{
			Start:         r.start,
			End:           r.end,
			Band:          dominantBand(r.points),
			DurationHours: duration.Hours(),
			MinPLNPerKWH:  r.points[0].FinalPLNPerKWH,
			MaxPLNPerKWH:  r.points[0].FinalPLNPerKWH,
		}
		var sum float64
		for _, p := range r.points {
			sum += p.FinalPLNPerKWH
			if p.FinalPLNPerKWH < w.MinPLNPerKWH {
				w.MinPLNPerKWH = p.FinalPLNPerKWH
			}
			if p.FinalPLNPerKWH > w.MaxPLNPerKWH {
				w.MaxPLNPerKWH = p.FinalPLNPerKWH
			}
		}
		w.AvgPLNPerKWH = sum / float64(len(r.points))
		windows = append(windows, w)
	}
	return windows
}

// dominantBand returns the most frequent band in the run; earlier (more
// extreme) bands win ties so a merged window keeps its defining character.
func dominantBand(points []types.PricePoint) types.PriceBand {
	counts := map[types.PriceBand]int{}
	for _, p := range points {
		counts[p.Band]++
	}
	best := points[0].Band
	for band, n := range counts {
		if n > counts[best] || (n == counts[best] && band < best && band <= types.PriceBandLow) {
			best = band
		}
	}
	return best
}

func meanFinal(points []types.PricePoint) float64 {
	if len(points) == 0 {
		return 0
	}
	var sum float64
	for _, p := range points {
		sum += p.FinalPLNPerKWH
	}
	return sum / float64(len(points))
}

// CurrentWindow returns the window containing now, if any.
func CurrentWindow(windows []types.PriceWindow, now time.Time) (types.PriceWindow, bool) {
	for _, w := range windows {
		if w.Contains(now) {
			return w, true
		}
	}
	return types.PriceWindow{}, false
}

// NextWindow returns the earliest window starting after now.
func NextWindow(windows []types.PriceWindow, now time.Time) (types.PriceWindow, bool) {
	var best types.PriceWindow
	found := false
	for _, w := range windows {
		if !w.Start.After(now) {
			continue
		}
		if !found || w.Start.Before(best.Start) {
			best = w
			found = true
		}
	}
	return best, found
}
