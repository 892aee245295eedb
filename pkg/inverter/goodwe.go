package inverter

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/goburrow/modbus"

	"github.com/RMachnik/goodwe-dynamic-price-optimiser/pkg/config"
	"github.com/RMachnik/goodwe-dynamic-price-optimiser/pkg/log"
	"github.com/RMachnik/goodwe-dynamic-price-optimiser/pkg/safety"
	"github.com/RMachnik/goodwe-dynamic-price-optimiser/pkg/types"
)

const maxConnectBackoff = 30 * time.Second

// GoodWe implements System for the GoodWe ET/EH hybrid family over
// modbus TCP. All access is serialized; the device rejects concurrent
// transactions on one connection.
type GoodWe struct {
	cfg    config.InverterConfig
	safety types.SafetyConfig

	mu        sync.Mutex
	handler   *modbus.TCPClientHandler
	client    modbus.Client
	connected bool
	model     string
	serial    string
	charging  bool
}

// NewGoodWe creates the adapter without touching the network; call Connect.
func NewGoodWe(cfg config.InverterConfig, safetyCfg types.SafetyConfig) *GoodWe {
	return &GoodWe{cfg: cfg, safety: safetyCfg}
}

// Connect dials the inverter and reads its model and serial number as a
// handshake. Dial attempts back off linearly (delay, 2*delay, ...) capped at
// 30s; the context cancels the wait between attempts.
func (g *GoodWe) Connect(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.connected {
		return nil
	}

	attempts := g.cfg.Retries + 1
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if lastErr = g.dialLocked(); lastErr == nil {
			log.Ctx(ctx).Info("inverter connected",
				"address", g.address(), "model", g.model, "serial", g.serial)
			return nil
		}
		log.Ctx(ctx).Warn("inverter connect attempt failed",
			"attempt", attempt, "of", attempts, "error", lastErr)
		if attempt == attempts {
			break
		}
		backoff := time.Duration(attempt) * g.cfg.RetryDelay()
		if backoff > maxConnectBackoff {
			backoff = maxConnectBackoff
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
	return fmt.Errorf("connect to inverter at %s: %w", g.address(), lastErr)
}

func (g *GoodWe) address() string {
	return fmt.Sprintf("%s:%d", g.cfg.IPAddress, g.cfg.Port)
}

// dialLocked opens the modbus link and performs the identification handshake.
func (g *GoodWe) dialLocked() error {
	handler := modbus.NewTCPClientHandler(g.address())
	handler.SlaveId = g.cfg.VendorSpecific.CommAddr
	handler.Timeout = g.cfg.Timeout()
	if err := handler.Connect(); err != nil {
		return err
	}
	client := modbus.NewClient(handler)

	serialRaw, err := client.ReadHoldingRegisters(regSerialNumber, regSerialNumberN)
	if err != nil {
		handler.Close()
		return fmt.Errorf("handshake: read serial: %w", err)
	}
	modelRaw, err := client.ReadHoldingRegisters(regModelName, regModelNameN)
	if err != nil {
		handler.Close()
		return fmt.Errorf("handshake: read model: %w", err)
	}

	g.handler = handler
	g.client = client
	g.connected = true
	g.serial = decodeASCII(serialRaw)
	g.model = decodeASCII(modelRaw)
	return nil
}

func decodeASCII(raw []byte) string {
	return strings.TrimRight(strings.TrimSpace(string(raw)), "\x00")
}

func (g *GoodWe) Disconnect() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.disconnectLocked()
}

func (g *GoodWe) disconnectLocked() error {
	if !g.connected {
		return nil
	}
	g.connected = false
	if g.handler != nil {
		return g.handler.Close()
	}
	return nil
}

func (g *GoodWe) IsConnected() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.connected
}

// ReadRuntime reads every register in the runtime set. A register that fails
// to read is reported with a nil value instead of failing the whole sweep.
func (g *GoodWe) ReadRuntime(ctx context.Context) (map[string]types.Reading, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.connected {
		return nil, ErrNotConnected
	}
	out := make(map[string]types.Reading, len(runtimeRegisters))
	for _, reg := range runtimeRegisters {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		raw, err := g.client.ReadHoldingRegisters(reg.addr, reg.quantity())
		if err != nil {
			// a dead link fails everything, surface it
			if isConnectionError(err) {
				g.markDisconnectedLocked(ctx, err)
				return nil, fmt.Errorf("read %s: %w", reg.name, ErrNotConnected)
			}
			out[reg.name] = types.Reading{Name: reg.name, Unit: reg.unit}
			continue
		}
		v, ok := reg.decode(raw)
		if !ok {
			out[reg.name] = types.Reading{Name: reg.name, Unit: reg.unit, Raw: raw}
			continue
		}
		out[reg.name] = types.Reading{Name: reg.name, Value: types.Float(v), Unit: reg.unit, Raw: raw}
	}
	return out, nil
}

func (g *GoodWe) markDisconnectedLocked(ctx context.Context, cause error) {
	log.Ctx(ctx).Warn("inverter link dropped", "error", cause)
	_ = g.disconnectLocked()
}

// ReadStatus assembles a full snapshot from the runtime register set.
func (g *GoodWe) ReadStatus(ctx context.Context) (types.Snapshot, error) {
	readings, err := g.ReadRuntime(ctx)
	if err != nil {
		return types.Snapshot{}, err
	}
	g.mu.Lock()
	model, serial := g.model, g.serial
	g.mu.Unlock()
	return assembleSnapshot(time.Now(), model, serial, readings), nil
}

// assembleSnapshot maps the named readings onto the snapshot structure.
// Factored out so tests can feed canned readings.
func assembleSnapshot(now time.Time, model, serial string, r map[string]types.Reading) types.Snapshot {
	val := func(name string) (float64, bool) {
		if rd, ok := r[name]; ok && rd.Value != nil {
			return *rd.Value, true
		}
		return 0, false
	}
	opt := func(name string) *float64 {
		if v, ok := val(name); ok {
			return types.Float(v)
		}
		return nil
	}

	snap := types.Snapshot{Timestamp: now}

	ppv1, _ := val("ppv1")
	ppv2, _ := val("ppv2")
	snap.PV.PowerW = ppv1 + ppv2
	snap.PV.StringPowerW = []float64{ppv1, ppv2}
	if v, ok := val("e_day_pv"); ok {
		snap.PV.DailyEnergyWH = v * 1000
	}

	if v, ok := val("battery_soc"); ok {
		snap.Battery.SOCPercent = v
	}
	snap.Battery.VoltageV = opt("vbattery1")
	snap.Battery.CurrentA = opt("ibattery1")
	snap.Battery.TempC = opt("battery_temperature")
	if p, ok := val("pbattery1"); ok {
		// device and snapshot agree: negative means charging
		snap.Battery.PowerW = types.Float(p)
		snap.Battery.Charging = p < 0
	}

	if v, ok := val("active_power"); ok {
		snap.Grid.PowerW = v
	}
	snap.Grid.VoltageV = opt("vgrid")
	snap.Grid.FreqHz = opt("fgrid")
	var phases []float64
	for _, name := range []string{"igrid", "igrid_l2", "igrid_l3"} {
		if v, ok := val(name); ok {
			phases = append(phases, v)
		}
	}
	snap.Grid.PhaseCurrentA = phases
	if v, ok := val("e_day_import"); ok {
		snap.Grid.DailyImportWH = v * 1000
	}
	if v, ok := val("e_day_export"); ok {
		snap.Grid.DailyExportWH = v * 1000
	}

	if v, ok := val("house_consumption"); ok {
		snap.Consumption.PowerW = v
	}
	if v, ok := val("e_day_load"); ok {
		snap.Consumption.DailyEnergyWH = v * 1000
	}

	snap.Inverter.Model = model
	snap.Inverter.Serial = serial
	snap.Inverter.State = types.InverterStateNormal
	if code, ok := val("error_code"); ok && code != 0 {
		snap.Inverter.State = types.InverterStateFault
		snap.Inverter.ErrorCodes = []string{fmt.Sprintf("0x%08X", uint32(code))}
	}
	if code, ok := val("work_mode_code"); ok {
		snap.Inverter.Extra = map[string]any{"work_mode_code": int(code)}
	}
	return snap
}

func (g *GoodWe) ReadBattery(ctx context.Context) (types.BatteryState, error) {
	snap, err := g.ReadStatus(ctx)
	if err != nil {
		return types.BatteryState{}, err
	}
	return snap.Battery, nil
}

// CheckSafety reads a fresh snapshot and returns every envelope violation.
func (g *GoodWe) CheckSafety(ctx context.Context) ([]types.SafetyIssue, error) {
	snap, err := g.ReadStatus(ctx)
	if err != nil {
		return nil, err
	}
	return safety.Evaluate(snap, g.safety), nil
}

var workModeRegisterValues = map[OperationMode]uint16{
	ModeGeneral: workModeGeneral,
	ModeOffGrid: workModeOffGrid,
	ModeBackup:  workModeBackup,
	ModeEco:     workModeEco,
}

func (g *GoodWe) SetOperationMode(ctx context.Context, mode OperationMode, params ModeParams) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.connected {
		return ErrNotConnected
	}
	switch mode {
	case ModeEcoCharge:
		if err := g.writeRegisterLocked(ctx, regWorkMode, workModeEco); err != nil {
			return err
		}
		if params.PowerW > 0 {
			return g.writeRegisterLocked(ctx, regEcoChargeW, clampU16(params.PowerW))
		}
		return nil
	case ModeEcoDischarge:
		if err := g.writeRegisterLocked(ctx, regWorkMode, workModeEco); err != nil {
			return err
		}
		// the work mode alone discharges nothing; the power registers
		// decide what eco mode actually does
		if err := g.writeRegisterLocked(ctx, regEcoChargeW, 0); err != nil {
			return err
		}
		if err := g.writeRegisterLocked(ctx, regEcoDischargeW, clampU16(params.PowerW)); err != nil {
			return err
		}
		if params.MinSOCPercent > 0 {
			return g.writeRegisterLocked(ctx, regBatteryDoDPct, clampU16(100-params.MinSOCPercent))
		}
		return nil
	default:
		v, ok := workModeRegisterValues[mode]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnsupportedMode, mode)
		}
		return g.writeRegisterLocked(ctx, regWorkMode, v)
	}
}

func (g *GoodWe) writeRegisterLocked(ctx context.Context, addr, value uint16) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := g.client.WriteSingleRegister(addr, value); err != nil {
		if isConnectionError(err) {
			g.markDisconnectedLocked(ctx, err)
			return fmt.Errorf("write register %d: %w", addr, ErrNotConnected)
		}
		return fmt.Errorf("write register %d: %w", addr, err)
	}
	return nil
}

// StartCharging switches to eco charge at powerW. Calling it while already
// charging just adjusts the power.
func (g *GoodWe) StartCharging(ctx context.Context, powerW float64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.connected {
		return ErrNotConnected
	}
	if err := g.writeRegisterLocked(ctx, regWorkMode, workModeEco); err != nil {
		return err
	}
	if err := g.writeRegisterLocked(ctx, regEcoChargeW, clampU16(powerW)); err != nil {
		return err
	}
	if !g.charging {
		log.Ctx(ctx).Info("grid charging started", "power_w", powerW)
	}
	g.charging = true
	return nil
}

// StopCharging returns the inverter to general mode. Stopping when nothing
// was charging is a successful no-op.
func (g *GoodWe) StopCharging(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.connected {
		return ErrNotConnected
	}
	if !g.charging {
		return nil
	}
	if err := g.writeRegisterLocked(ctx, regEcoChargeW, 0); err != nil {
		return err
	}
	if err := g.writeRegisterLocked(ctx, regWorkMode, workModeGeneral); err != nil {
		return err
	}
	g.charging = false
	log.Ctx(ctx).Info("grid charging stopped")
	return nil
}

func (g *GoodWe) SetExportLimit(ctx context.Context, limitW float64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.connected {
		return ErrNotConnected
	}
	return g.writeRegisterLocked(ctx, regExportLimitW, clampU16(limitW))
}

func (g *GoodWe) SetBatteryDoD(ctx context.Context, dodPercent float64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.connected {
		return ErrNotConnected
	}
	if dodPercent < 0 || dodPercent > 100 {
		return fmt.Errorf("battery DoD %.1f%% outside 0-100", dodPercent)
	}
	return g.writeRegisterLocked(ctx, regBatteryDoDPct, uint16(dodPercent))
}

// EmergencyStop halts charge and discharge. Unlike the other commands it
// attempts a reconnect when the link is down; giving up early is not an
// option for a safety stop.
func (g *GoodWe) EmergencyStop(ctx context.Context) error {
	g.mu.Lock()
	if !g.connected {
		log.Ctx(ctx).Warn("emergency stop requested while disconnected, redialing")
		if err := g.dialLocked(); err != nil {
			g.mu.Unlock()
			return fmt.Errorf("emergency stop: %w", err)
		}
	}
	defer g.mu.Unlock()
	if err := g.writeRegisterLocked(ctx, regStopFlag, 1); err != nil {
		return fmt.Errorf("emergency stop: %w", err)
	}
	g.charging = false
	log.Ctx(ctx).Error("emergency stop executed")
	return nil
}

func clampU16(v float64) uint16 {
	if v < 0 {
		return 0
	}
	if v > 65535 {
		return 65535
	}
	return uint16(v)
}

// isConnectionError distinguishes transport failures from modbus exception
// responses, which arrive on a healthy link.
func isConnectionError(err error) bool {
	var mberr *modbus.ModbusError
	return !errors.As(err, &mberr)
}
