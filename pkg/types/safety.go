package types

import "fmt"

// SafetyConfig is the battery/grid operating envelope. Values outside the
// envelope either block commands (warnings) or trigger an emergency stop
// (fatal breaches).
type SafetyConfig struct {
	BatteryTempChargingMinC float64 `json:"charging_min" yaml:"charging_min"`
	BatteryTempChargingMaxC float64 `json:"charging_max" yaml:"charging_max"`
	BatteryTempWarningC     float64 `json:"warning" yaml:"warning"`

	BatteryVoltageMinV float64 `json:"battery_voltage_min" yaml:"battery_voltage_min"`
	BatteryVoltageMaxV float64 `json:"battery_voltage_max" yaml:"battery_voltage_max"`
	BatteryCurrentMaxA float64 `json:"battery_current_max" yaml:"battery_current_max"`

	GridVoltageMinV float64 `json:"grid_voltage_min" yaml:"grid_voltage_min"`
	GridVoltageMaxV float64 `json:"grid_voltage_max" yaml:"grid_voltage_max"`
	GridMaxPowerW   float64 `json:"grid_max_power_w" yaml:"grid_max_power_w"`

	MinBatterySOCPercent float64 `json:"min_battery_soc" yaml:"min_battery_soc"`
	MaxBatterySOCPercent float64 `json:"max_battery_soc" yaml:"max_battery_soc"`
}

// SafetyIssue is one violated envelope. CheckSafety returns all violations,
// not the first, so the caller can log the full picture.
type SafetyIssue struct {
	Check   string  `json:"check"`
	Message string  `json:"message"`
	Fatal   bool    `json:"fatal"`
	Value   float64 `json:"value"`
	Limit   float64 `json:"limit"`
}

func (i SafetyIssue) String() string {
	sev := "warning"
	if i.Fatal {
		sev = "fatal"
	}
	return fmt.Sprintf("%s (%s): %s (value=%.2f limit=%.2f)", i.Check, sev, i.Message, i.Value, i.Limit)
}

// AnyFatal reports whether any of the issues is fatal.
func AnyFatal(issues []SafetyIssue) bool {
	for _, i := range issues {
		if i.Fatal {
			return true
		}
	}
	return false
}

// IssueStrings renders issues for logs and status payloads.
func IssueStrings(issues []SafetyIssue) []string {
	if len(issues) == 0 {
		return nil
	}
	out := make([]string, len(issues))
	for i, issue := range issues {
		out[i] = issue.String()
	}
	return out
}
