package types

import (
	"encoding/json"
	"time"
)

// InverterState describes the coarse health of the inverter.
type InverterState string

const (
	InverterStateNormal  InverterState = "normal"
	InverterStateFault   InverterState = "fault"
	InverterStateUnknown InverterState = "unknown"
)

// BatteryState is the battery part of a Snapshot.
// Current and power are signed: negative means charging.
// Voltage, current and temperature come from optional BMS sensors and are
// nil when the inverter did not report them; consumers must not invent zeros.
type BatteryState struct {
	SOCPercent float64  `json:"soc_percent"` // 0-100
	VoltageV   *float64 `json:"voltage_v,omitempty"`
	CurrentA   *float64 `json:"current_a,omitempty"`
	PowerW     *float64 `json:"power_w,omitempty"`
	TempC      *float64 `json:"temp_c,omitempty"`
	Charging   bool     `json:"charging"`
}

// PVState is the photovoltaic part of a Snapshot.
type PVState struct {
	PowerW        float64   `json:"power_w"` // >= 0
	StringPowerW  []float64 `json:"string_power_w,omitempty"`
	DailyEnergyWH float64   `json:"daily_energy_wh"`
}

// GridState is the grid connection part of a Snapshot.
// Power is signed: positive means import from the grid.
type GridState struct {
	PowerW        float64   `json:"power_w"`
	VoltageV      *float64  `json:"voltage_v,omitempty"`
	FreqHz        *float64  `json:"freq_hz,omitempty"`
	PhaseCurrentA []float64 `json:"phase_current_a,omitempty"` // up to 3 phases
	DailyImportWH float64   `json:"daily_import_wh"`
	DailyExportWH float64   `json:"daily_export_wh"`
}

// ConsumptionState is the house load part of a Snapshot.
type ConsumptionState struct {
	PowerW        float64 `json:"power_w"` // >= 0
	DailyEnergyWH float64 `json:"daily_energy_wh"`
}

// InverterInfo identifies the inverter and its fault state.
// Extra carries vendor fields we don't model so they survive a round-trip
// through storage.
type InverterInfo struct {
	Model      string         `json:"model"`
	Serial     string         `json:"serial"`
	State      InverterState  `json:"state"`
	ErrorCodes []string       `json:"error_codes,omitempty"`
	Extra      map[string]any `json:"extra,omitempty"`
}

// WeatherSample is an optional weather observation attached to snapshots for
// later audit of PV forecast quality.
type WeatherSample struct {
	Timestamp     time.Time `json:"timestamp"`
	CloudCoverPct float64   `json:"cloud_cover_pct"`
	TempC         float64   `json:"temp_c"`
}

// Snapshot is one fully-populated instantaneous site reading.
type Snapshot struct {
	Timestamp   time.Time        `json:"timestamp"`
	Battery     BatteryState     `json:"battery"`
	PV          PVState          `json:"photovoltaic"`
	Grid        GridState        `json:"grid"`
	Consumption ConsumptionState `json:"house_consumption"`
	Inverter    InverterInfo     `json:"system"`
	Weather     *WeatherSample   `json:"weather,omitempty"`
}

// MarshalJSON additionally emits the short alias keys (pv, consumption,
// inverter) that the dashboard and older tooling read, so downstream
// consumers never need to branch on key names.
func (s Snapshot) MarshalJSON() ([]byte, error) {
	type plain Snapshot
	return json.Marshal(struct {
		plain
		PVAlias          PVState          `json:"pv"`
		ConsumptionAlias ConsumptionState `json:"consumption"`
		InverterAlias    InverterInfo     `json:"inverter"`
	}{
		plain:            plain(s),
		PVAlias:          s.PV,
		ConsumptionAlias: s.Consumption,
		InverterAlias:    s.Inverter,
	})
}

// NetPVSurplusW returns pv minus consumption; positive means overproduction.
func (s Snapshot) NetPVSurplusW() float64 {
	return s.PV.PowerW - s.Consumption.PowerW
}

// BatteryPowerW returns the battery power or 0 when the sensor is missing.
// Sign convention: negative means charging.
func (s Snapshot) BatteryPowerW() float64 {
	if s.Battery.PowerW == nil {
		return 0
	}
	return *s.Battery.PowerW
}

// Reading is a single raw sensor value from the inverter runtime map.
// Value is nil when the register was missing or not numeric; Raw preserves
// whatever the device returned.
type Reading struct {
	Name  string   `json:"name"`
	Value *float64 `json:"value"`
	Unit  string   `json:"unit,omitempty"`
	Raw   any      `json:"raw,omitempty"`
}

// Float returns a pointer to v. Helper for building optional sensor fields.
func Float(v float64) *float64 {
	return &v
}
