package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/RMachnik/goodwe-dynamic-price-optimiser/pkg/log"
	"github.com/RMachnik/goodwe-dynamic-price-optimiser/pkg/types"
)

// Composite fans every write out to the primary and all secondary backends
// concurrently. A write succeeds when the primary succeeded, or when fallback
// is enabled and at least one secondary succeeded. Reads go to the primary;
// with fallback enabled a failed primary read is retried against the
// secondaries in order.
type Composite struct {
	primary     Provider
	secondaries []Provider
	fallback    bool
}

func NewComposite(primary Provider, secondaries []Provider, fallback bool) *Composite {
	return &Composite{primary: primary, secondaries: secondaries, fallback: fallback}
}

type writeOp func(Provider) error

// write applies op to every backend concurrently and applies the success rule.
func (c *Composite) write(ctx context.Context, name string, op writeOp) error {
	results := make([]error, 1+len(c.secondaries))
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0] = op(c.primary)
	}()
	for i, sec := range c.secondaries {
		wg.Add(1)
		go func(i int, sec Provider) {
			defer wg.Done()
			results[i+1] = op(sec)
		}(i, sec)
	}
	wg.Wait()

	primaryErr := results[0]
	secondaryOK := false
	for i, err := range results[1:] {
		if err == nil {
			secondaryOK = true
		} else {
			log.Ctx(ctx).Warn("secondary storage write failed",
				"op", name, "backend", i+1, "error", err)
		}
	}
	if primaryErr == nil {
		return nil
	}
	if c.fallback && secondaryOK {
		log.Ctx(ctx).Warn("primary storage write failed, secondary accepted",
			"op", name, "error", primaryErr)
		return nil
	}
	return fmt.Errorf("%s: %w", name, primaryErr)
}

func (c *Composite) SaveSnapshots(ctx context.Context, snaps []types.Snapshot) error {
	return c.write(ctx, "save snapshots", func(p Provider) error { return p.SaveSnapshots(ctx, snaps) })
}

func (c *Composite) SaveState(ctx context.Context, st types.CoordinatorState) error {
	return c.write(ctx, "save state", func(p Provider) error { return p.SaveState(ctx, st) })
}

func (c *Composite) SaveDecision(ctx context.Context, d types.Decision) error {
	return c.write(ctx, "save decision", func(p Provider) error { return p.SaveDecision(ctx, d) })
}

func (c *Composite) SaveSellingDecision(ctx context.Context, d types.SellingDecision) error {
	return c.write(ctx, "save selling decision", func(p Provider) error { return p.SaveSellingDecision(ctx, d) })
}

func (c *Composite) SaveSession(ctx context.Context, s types.Session) error {
	return c.write(ctx, "save session", func(p Provider) error { return p.SaveSession(ctx, s) })
}

func (c *Composite) SaveChargingSchedule(ctx context.Context, plan []types.Session) error {
	return c.write(ctx, "save schedule", func(p Provider) error { return p.SaveChargingSchedule(ctx, plan) })
}

func (c *Composite) SaveMarketPrices(ctx context.Context, points []types.PricePoint) error {
	return c.write(ctx, "save market prices", func(p Provider) error { return p.SaveMarketPrices(ctx, points) })
}

func (c *Composite) SavePVForecast(ctx context.Context, points []types.PVForecastPoint) error {
	return c.write(ctx, "save pv forecast", func(p Provider) error { return p.SavePVForecast(ctx, points) })
}

func (c *Composite) SaveWeather(ctx context.Context, sample types.WeatherSample) error {
	return c.write(ctx, "save weather", func(p Provider) error { return p.SaveWeather(ctx, sample) })
}

// read tries the primary, then (with fallback) each secondary in order.
func read[T any](ctx context.Context, c *Composite, name string, q func(Provider) (T, error)) (T, error) {
	out, err := q(c.primary)
	if err == nil || !c.fallback {
		return out, err
	}
	log.Ctx(ctx).Warn("primary storage read failed, trying secondaries", "op", name, "error", err)
	for _, sec := range c.secondaries {
		if out, serr := q(sec); serr == nil {
			return out, nil
		}
	}
	return out, err
}

func (c *Composite) QuerySnapshots(ctx context.Context, start, end time.Time) ([]types.Snapshot, error) {
	return read(ctx, c, "query snapshots", func(p Provider) ([]types.Snapshot, error) {
		return p.QuerySnapshots(ctx, start, end)
	})
}

func (c *Composite) QueryStateLatest(ctx context.Context, n int) ([]types.CoordinatorState, error) {
	return read(ctx, c, "query state", func(p Provider) ([]types.CoordinatorState, error) {
		return p.QueryStateLatest(ctx, n)
	})
}

func (c *Composite) QueryDecisions(ctx context.Context, start, end time.Time) ([]types.Decision, error) {
	return read(ctx, c, "query decisions", func(p Provider) ([]types.Decision, error) {
		return p.QueryDecisions(ctx, start, end)
	})
}

func (c *Composite) QuerySessions(ctx context.Context, start, end time.Time) ([]types.Session, error) {
	return read(ctx, c, "query sessions", func(p Provider) ([]types.Session, error) {
		return p.QuerySessions(ctx, start, end)
	})
}

// HealthCheck passes when the write success rule could still be satisfied.
func (c *Composite) HealthCheck(ctx context.Context) error {
	primaryErr := c.primary.HealthCheck(ctx)
	if primaryErr == nil {
		return nil
	}
	if c.fallback {
		for _, sec := range c.secondaries {
			if sec.HealthCheck(ctx) == nil {
				return nil
			}
		}
	}
	return primaryErr
}

func (c *Composite) Close() error {
	err := c.primary.Close()
	for _, sec := range c.secondaries {
		if cerr := sec.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}
