package inverter

import (
	"context"
	"errors"
	"fmt"

	"github.com/RMachnik/goodwe-dynamic-price-optimiser/pkg/config"
	"github.com/RMachnik/goodwe-dynamic-price-optimiser/pkg/types"
)

var (
	// ErrNotConnected is returned by reads and commands before Connect
	// succeeded or after the link dropped.
	ErrNotConnected = errors.New("inverter not connected")
	// ErrUnsupportedMode is returned by SetOperationMode for modes the
	// connected device does not implement.
	ErrUnsupportedMode = errors.New("unsupported operation mode")
)

// OperationMode is an inverter work mode.
type OperationMode string

const (
	ModeGeneral      OperationMode = "general"
	ModeOffGrid      OperationMode = "off_grid"
	ModeBackup       OperationMode = "backup"
	ModeEco          OperationMode = "eco"
	ModeEcoCharge    OperationMode = "eco_charge"
	ModeEcoDischarge OperationMode = "eco_discharge"
)

// ModeParams carries the knobs of an eco sub-mode switch. Zero values leave
// the corresponding register untouched.
type ModeParams struct {
	// PowerW programs the eco charge or discharge power in watts.
	PowerW float64
	// MinSOCPercent sets the discharge floor, written as battery depth of
	// discharge.
	MinSOCPercent float64
}

// System defines the interface for interacting with a hybrid PV inverter.
type System interface {
	// Connect establishes the device link and performs the identification
	// handshake. Retries with a capped linear backoff before giving up.
	Connect(ctx context.Context) error

	// Disconnect tears the link down. Safe to call when not connected.
	Disconnect() error

	// IsConnected reports whether the link is currently up.
	IsConnected() bool

	// ReadStatus returns a full site snapshot.
	ReadStatus(ctx context.Context) (types.Snapshot, error)

	// ReadBattery returns just the battery sensors.
	ReadBattery(ctx context.Context) (types.BatteryState, error)

	// ReadRuntime returns the raw named register values. Missing or
	// non-numeric registers carry a nil Value.
	ReadRuntime(ctx context.Context) (map[string]types.Reading, error)

	// CheckSafety evaluates the configured safety envelope against a fresh
	// reading and returns every violation found, not just the first.
	CheckSafety(ctx context.Context) ([]types.SafetyIssue, error)

	// SetOperationMode switches the inverter work mode. Eco sub-modes take
	// their power and SoC floor through params; other modes ignore it.
	SetOperationMode(ctx context.Context, mode OperationMode, params ModeParams) error

	// StartCharging begins grid charging at powerW. Idempotent: starting an
	// already-charging inverter adjusts power and succeeds.
	StartCharging(ctx context.Context, powerW float64) error

	// StopCharging ends grid charging. Succeeds when nothing was charging.
	StopCharging(ctx context.Context) error

	// SetExportLimit caps grid export power in watts.
	SetExportLimit(ctx context.Context, limitW float64) error

	// SetBatteryDoD sets the battery depth of discharge in percent.
	SetBatteryDoD(ctx context.Context, dodPercent float64) error

	// EmergencyStop halts charging and discharging. It always attempts the
	// command, connected or not, and reports what happened.
	EmergencyStop(ctx context.Context) error
}

// New builds the configured vendor adapter.
func New(cfg config.InverterConfig, safety types.SafetyConfig) (System, error) {
	switch cfg.Vendor {
	case "goodwe":
		return NewGoodWe(cfg, safety), nil
	default:
		return nil, fmt.Errorf("inverter.vendor: unknown vendor %q", cfg.Vendor)
	}
}
