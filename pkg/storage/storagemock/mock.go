// Package storagemock provides an in-memory storage.Provider for tests.
package storagemock

import (
	"context"
	"sync"
	"time"

	"github.com/RMachnik/goodwe-dynamic-price-optimiser/pkg/storage"
	"github.com/RMachnik/goodwe-dynamic-price-optimiser/pkg/types"
)

// Mock is an in-memory Provider. Set Err to force every call to fail, or
// FailOps to fail only specific operations by name.
type Mock struct {
	mu sync.Mutex

	Err     error
	FailOps map[string]error

	Snapshots        []types.Snapshot
	States           []types.CoordinatorState
	Decisions        []types.Decision
	SellingDecisions []types.SellingDecision
	Sessions         map[string]types.Session
	Schedule         []types.Session
	MarketPrices     []types.PricePoint
	PVForecast       []types.PVForecastPoint
	Weather          []types.WeatherSample

	Closed bool
}

var _ storage.Provider = (*Mock)(nil)

func New() *Mock {
	return &Mock{Sessions: map[string]types.Session{}}
}

func (m *Mock) fail(op string) error {
	if m.Err != nil {
		return m.Err
	}
	if err, ok := m.FailOps[op]; ok {
		return err
	}
	return nil
}

func (m *Mock) SaveSnapshots(ctx context.Context, snaps []types.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("SaveSnapshots"); err != nil {
		return err
	}
	m.Snapshots = append(m.Snapshots, snaps...)
	return nil
}

func (m *Mock) QuerySnapshots(ctx context.Context, start, end time.Time) ([]types.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("QuerySnapshots"); err != nil {
		return nil, err
	}
	var out []types.Snapshot
	for _, s := range m.Snapshots {
		if !s.Timestamp.Before(start) && !s.Timestamp.After(end) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *Mock) SaveState(ctx context.Context, st types.CoordinatorState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("SaveState"); err != nil {
		return err
	}
	m.States = append(m.States, st)
	return nil
}

func (m *Mock) QueryStateLatest(ctx context.Context, n int) ([]types.CoordinatorState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("QueryStateLatest"); err != nil {
		return nil, err
	}
	states := m.States
	if len(states) > n {
		states = states[len(states)-n:]
	}
	return append([]types.CoordinatorState(nil), states...), nil
}

func (m *Mock) SaveDecision(ctx context.Context, d types.Decision) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("SaveDecision"); err != nil {
		return err
	}
	m.Decisions = append(m.Decisions, d)
	return nil
}

func (m *Mock) SaveSellingDecision(ctx context.Context, d types.SellingDecision) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("SaveSellingDecision"); err != nil {
		return err
	}
	m.SellingDecisions = append(m.SellingDecisions, d)
	return nil
}

func (m *Mock) QueryDecisions(ctx context.Context, start, end time.Time) ([]types.Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("QueryDecisions"); err != nil {
		return nil, err
	}
	var out []types.Decision
	for _, d := range m.Decisions {
		if !d.Timestamp.Before(start) && !d.Timestamp.After(end) {
			out = append(out, d)
		}
	}
	return out, nil
}

func (m *Mock) SaveSession(ctx context.Context, s types.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("SaveSession"); err != nil {
		return err
	}
	m.Sessions[s.ID.String()] = s
	return nil
}

func (m *Mock) QuerySessions(ctx context.Context, start, end time.Time) ([]types.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("QuerySessions"); err != nil {
		return nil, err
	}
	var out []types.Session
	for _, s := range m.Sessions {
		if !s.StartedAt.Before(start) && !s.StartedAt.After(end) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *Mock) SaveChargingSchedule(ctx context.Context, plan []types.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("SaveChargingSchedule"); err != nil {
		return err
	}
	m.Schedule = append([]types.Session(nil), plan...)
	return nil
}

func (m *Mock) SaveMarketPrices(ctx context.Context, points []types.PricePoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("SaveMarketPrices"); err != nil {
		return err
	}
	m.MarketPrices = append(m.MarketPrices, points...)
	return nil
}

func (m *Mock) SavePVForecast(ctx context.Context, points []types.PVForecastPoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("SavePVForecast"); err != nil {
		return err
	}
	m.PVForecast = append(m.PVForecast, points...)
	return nil
}

func (m *Mock) SaveWeather(ctx context.Context, sample types.WeatherSample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("SaveWeather"); err != nil {
		return err
	}
	m.Weather = append(m.Weather, sample)
	return nil
}

func (m *Mock) HealthCheck(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fail("HealthCheck")
}

func (m *Mock) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Closed = true
	return nil
}
