package inverter

import (
	"context"
	"sync"

	"github.com/RMachnik/goodwe-dynamic-price-optimiser/pkg/types"
)

// Mock implements System in memory for tests. Configure Snapshot and Issues
// to control what reads return; Err forces every call to fail.
type Mock struct {
	mu sync.Mutex

	Err       error
	Connected bool
	Snapshot  types.Snapshot
	Runtime   map[string]types.Reading
	Issues    []types.SafetyIssue

	Mode            OperationMode
	Charging        bool
	ChargePowerW    float64
	DischargePowerW float64
	MinSOCPercent   float64
	ExportLimitW    float64
	DoDPercent      float64
	EmergencyStops  int
	StartCalls      int
	StopCalls       int
}

var _ System = (*Mock)(nil)

func NewMock() *Mock {
	return &Mock{Connected: true, Mode: ModeGeneral}
}

func (m *Mock) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.Connected = true
	return nil
}

func (m *Mock) Disconnect() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Connected = false
	return nil
}

func (m *Mock) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Connected
}

func (m *Mock) ReadStatus(ctx context.Context) (types.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return types.Snapshot{}, m.Err
	}
	if !m.Connected {
		return types.Snapshot{}, ErrNotConnected
	}
	return m.Snapshot, nil
}

func (m *Mock) ReadBattery(ctx context.Context) (types.BatteryState, error) {
	snap, err := m.ReadStatus(ctx)
	if err != nil {
		return types.BatteryState{}, err
	}
	return snap.Battery, nil
}

func (m *Mock) ReadRuntime(ctx context.Context) (map[string]types.Reading, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	if !m.Connected {
		return nil, ErrNotConnected
	}
	return m.Runtime, nil
}

func (m *Mock) CheckSafety(ctx context.Context) ([]types.SafetyIssue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	return m.Issues, nil
}

func (m *Mock) SetOperationMode(ctx context.Context, mode OperationMode, params ModeParams) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	if !m.Connected {
		return ErrNotConnected
	}
	m.Mode = mode
	switch mode {
	case ModeEcoCharge:
		if params.PowerW > 0 {
			m.ChargePowerW = params.PowerW
		}
	case ModeEcoDischarge:
		m.DischargePowerW = params.PowerW
		m.MinSOCPercent = params.MinSOCPercent
	}
	return nil
}

func (m *Mock) StartCharging(ctx context.Context, powerW float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	if !m.Connected {
		return ErrNotConnected
	}
	m.StartCalls++
	m.Charging = true
	m.ChargePowerW = powerW
	m.Mode = ModeEcoCharge
	return nil
}

func (m *Mock) StopCharging(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	if !m.Connected {
		return ErrNotConnected
	}
	m.StopCalls++
	m.Charging = false
	m.ChargePowerW = 0
	m.Mode = ModeGeneral
	return nil
}

func (m *Mock) SetExportLimit(ctx context.Context, limitW float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.ExportLimitW = limitW
	return nil
}

func (m *Mock) SetBatteryDoD(ctx context.Context, dodPercent float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.DoDPercent = dodPercent
	return nil
}

func (m *Mock) EmergencyStop(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.EmergencyStops++
	m.Charging = false
	return m.Err
}
