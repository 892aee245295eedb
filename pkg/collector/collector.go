// Package collector samples the inverter on a fixed cadence, keeps a rolling
// in-memory history and batches snapshots out to storage.
package collector

import (
	"context"
	"sync"
	"time"

	"github.com/RMachnik/goodwe-dynamic-price-optimiser/pkg/inverter"
	"github.com/RMachnik/goodwe-dynamic-price-optimiser/pkg/log"
	"github.com/RMachnik/goodwe-dynamic-price-optimiser/pkg/storage"
	"github.com/RMachnik/goodwe-dynamic-price-optimiser/pkg/types"
)

const (
	defaultRetention = 48 * time.Hour
	consumptionTTL   = time.Hour
)

// DailyConsumptionProvider reports the household's average daily consumption,
// used by the decision engine to size night charges.
type DailyConsumptionProvider interface {
	AverageDailyConsumptionKWH(ctx context.Context, days int) (float64, error)
}

// WeatherSource supplies the weather observation for a point in time. Attached
// to snapshots so the archive records the conditions behind each reading.
type WeatherSource interface {
	At(ctx context.Context, t time.Time) (*types.WeatherSample, error)
}

// Collector owns the sampling loop. Sample is also callable directly so the
// coordinator can drive cadence from its own tick.
type Collector struct {
	system   inverter.System
	store    storage.Provider
	queue    *storage.Queue
	persistN int
	weather  WeatherSource

	mu        sync.Mutex
	history   []types.Snapshot
	retention time.Duration
	pending   []types.Snapshot
	samples   int

	avgMu      sync.Mutex
	avgValue   float64
	avgDays    int
	avgFetched time.Time
}

// New creates a collector. persistEveryN controls how many samples batch up
// before they are flushed to storage; queue may be nil to write synchronously.
func New(system inverter.System, store storage.Provider, queue *storage.Queue, persistEveryN int, retentionHours int) *Collector {
	retention := defaultRetention
	if retentionHours > 0 {
		retention = time.Duration(retentionHours) * time.Hour
	}
	if persistEveryN <= 0 {
		persistEveryN = 1
	}
	return &Collector{
		system:    system,
		store:     store,
		queue:     queue,
		persistN:  persistEveryN,
		retention: retention,
	}
}

// Run samples on the given interval until the context is cancelled. The
// remaining batch is flushed on the way out.
func (c *Collector) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.Flush(context.Background())
			return
		case <-ticker.C:
			if _, err := c.Sample(ctx); err != nil {
				log.Ctx(ctx).Warn("sample failed", "error", err)
			}
		}
	}
}

// SetWeather attaches a weather source; subsequent samples carry the matching
// observation. Call before Run.
func (c *Collector) SetWeather(src WeatherSource) {
	c.weather = src
}

// Sample reads one snapshot, appends it to the rolling history and flushes
// the pending batch when it reaches the persist threshold.
func (c *Collector) Sample(ctx context.Context) (types.Snapshot, error) {
	snap, err := c.system.ReadStatus(ctx)
	if err != nil {
		return types.Snapshot{}, err
	}
	if c.weather != nil {
		// best effort; a missing observation never fails the sample
		if sample, werr := c.weather.At(ctx, snap.Timestamp); werr == nil {
			snap.Weather = sample
		} else {
			log.Ctx(ctx).Debug("weather lookup failed", "error", werr)
		}
	}
	c.Ingest(ctx, snap)
	return snap, nil
}

// Ingest records an externally obtained snapshot. Split from Sample so the
// coordinator can feed the snapshot it already read for its decision path.
func (c *Collector) Ingest(ctx context.Context, snap types.Snapshot) {
	c.mu.Lock()
	c.history = append(c.history, snap)
	c.trimLocked(snap.Timestamp)
	c.pending = append(c.pending, snap)
	c.samples++
	flush := len(c.pending) >= c.persistN
	c.mu.Unlock()

	if flush {
		c.Flush(ctx)
	}
}

// Flush persists the pending batch. With a queue configured the write is
// asynchronous and telemetry-priority.
func (c *Collector) Flush(ctx context.Context) {
	c.mu.Lock()
	batch := c.pending
	c.pending = nil
	c.mu.Unlock()
	if len(batch) == 0 {
		return
	}

	if c.queue != nil {
		c.queue.Enqueue("save snapshots", false, func(qctx context.Context) error {
			return c.store.SaveSnapshots(qctx, batch)
		})
		return
	}
	if err := c.store.SaveSnapshots(ctx, batch); err != nil {
		log.Ctx(ctx).Error("failed to persist snapshot batch", "count", len(batch), "error", err)
	}
}

func (c *Collector) trimLocked(now time.Time) {
	cutoff := now.Add(-c.retention)
	i := 0
	for i < len(c.history) && c.history[i].Timestamp.Before(cutoff) {
		i++
	}
	if i > 0 {
		c.history = append([]types.Snapshot(nil), c.history[i:]...)
	}
}

// Latest returns a copy of the most recent snapshot.
func (c *Collector) Latest() (types.Snapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.history) == 0 {
		return types.Snapshot{}, false
	}
	return c.history[len(c.history)-1], true
}

// History returns a copy of the snapshots within the window.
func (c *Collector) History(start, end time.Time) []types.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []types.Snapshot
	for _, s := range c.history {
		if !s.Timestamp.Before(start) && !s.Timestamp.After(end) {
			out = append(out, s)
		}
	}
	return out
}

// SampleCount returns how many samples were ingested since startup.
func (c *Collector) SampleCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.samples
}

// DailyAggregate summarizes one day of snapshots.
type DailyAggregate struct {
	Date              time.Time `json:"date"`
	PVEnergyKWH       float64   `json:"pv_energy_kwh"`
	ConsumptionKWH    float64   `json:"consumption_kwh"`
	GridImportKWH     float64   `json:"grid_import_kwh"`
	GridExportKWH     float64   `json:"grid_export_kwh"`
	PeakPVPowerW      float64   `json:"peak_pv_power_w"`
	PeakConsumptionW  float64   `json:"peak_consumption_w"`
	MinBatterySOC     float64   `json:"min_battery_soc"`
	MaxBatterySOC     float64   `json:"max_battery_soc"`
	Samples           int       `json:"samples"`
}

// Aggregate integrates power over the snapshot timeline using trapezoidal
// integration between consecutive samples.
func Aggregate(snaps []types.Snapshot) DailyAggregate {
	agg := DailyAggregate{Samples: len(snaps)}
	if len(snaps) == 0 {
		return agg
	}
	agg.Date = snaps[0].Timestamp.Truncate(24 * time.Hour)
	agg.MinBatterySOC = snaps[0].Battery.SOCPercent
	agg.MaxBatterySOC = snaps[0].Battery.SOCPercent

	for i, s := range snaps {
		if s.PV.PowerW > agg.PeakPVPowerW {
			agg.PeakPVPowerW = s.PV.PowerW
		}
		if s.Consumption.PowerW > agg.PeakConsumptionW {
			agg.PeakConsumptionW = s.Consumption.PowerW
		}
		if s.Battery.SOCPercent < agg.MinBatterySOC {
			agg.MinBatterySOC = s.Battery.SOCPercent
		}
		if s.Battery.SOCPercent > agg.MaxBatterySOC {
			agg.MaxBatterySOC = s.Battery.SOCPercent
		}
		if i == 0 {
			continue
		}
		prev := snaps[i-1]
		hours := s.Timestamp.Sub(prev.Timestamp).Hours()
		if hours <= 0 {
			continue
		}
		agg.PVEnergyKWH += (prev.PV.PowerW + s.PV.PowerW) / 2 * hours / 1000
		agg.ConsumptionKWH += (prev.Consumption.PowerW + s.Consumption.PowerW) / 2 * hours / 1000
		agg.GridImportKWH += avgPositive(prev.Grid.PowerW, s.Grid.PowerW) * hours / 1000
		agg.GridExportKWH += avgPositive(-prev.Grid.PowerW, -s.Grid.PowerW) * hours / 1000
	}
	return agg
}

func avgPositive(a, b float64) float64 {
	if a < 0 {
		a = 0
	}
	if b < 0 {
		b = 0
	}
	return (a + b) / 2
}

// AverageDailyConsumptionKWH averages full days of stored history. The result
// is cached for an hour; it backs the night-charging sizing, which does not
// need a fresher view.
func (c *Collector) AverageDailyConsumptionKWH(ctx context.Context, days int) (float64, error) {
	if days <= 0 {
		days = 7
	}
	c.avgMu.Lock()
	if c.avgDays == days && time.Since(c.avgFetched) < consumptionTTL {
		v := c.avgValue
		c.avgMu.Unlock()
		return v, nil
	}
	c.avgMu.Unlock()

	now := time.Now()
	var total float64
	var counted int
	for d := 1; d <= days; d++ {
		dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location()).AddDate(0, 0, -d)
		snaps, err := c.store.QuerySnapshots(ctx, dayStart, dayStart.AddDate(0, 0, 1))
		if err != nil {
			return 0, err
		}
		if len(snaps) < 2 {
			continue
		}
		total += Aggregate(snaps).ConsumptionKWH
		counted++
	}
	if counted == 0 {
		return 0, nil
	}
	avg := total / float64(counted)

	c.avgMu.Lock()
	c.avgValue = avg
	c.avgDays = days
	c.avgFetched = time.Now()
	c.avgMu.Unlock()
	return avg, nil
}
