package safety

import (
	"fmt"

	"github.com/RMachnik/goodwe-dynamic-price-optimiser/pkg/types"
)

// Evaluate checks a snapshot against the configured operating envelope and
// returns every violation found. Sensors the inverter did not report are
// skipped rather than treated as zero.
func Evaluate(snap types.Snapshot, cfg types.SafetyConfig) []types.SafetyIssue {
	var issues []types.SafetyIssue

	if t := snap.Battery.TempC; t != nil {
		switch {
		case *t < cfg.BatteryTempChargingMinC:
			issues = append(issues, types.SafetyIssue{
				Check:   "battery_temperature",
				Message: fmt.Sprintf("battery at %.1fC below charging minimum", *t),
				Fatal:   true,
				Value:   *t,
				Limit:   cfg.BatteryTempChargingMinC,
			})
		case *t > cfg.BatteryTempChargingMaxC:
			issues = append(issues, types.SafetyIssue{
				Check:   "battery_temperature",
				Message: fmt.Sprintf("battery at %.1fC above charging maximum", *t),
				Fatal:   true,
				Value:   *t,
				Limit:   cfg.BatteryTempChargingMaxC,
			})
		case *t > cfg.BatteryTempWarningC:
			issues = append(issues, types.SafetyIssue{
				Check:   "battery_temperature",
				Message: fmt.Sprintf("battery at %.1fC above warning threshold", *t),
				Value:   *t,
				Limit:   cfg.BatteryTempWarningC,
			})
		}
	}

	if v := snap.Battery.VoltageV; v != nil {
		if *v < cfg.BatteryVoltageMinV {
			issues = append(issues, types.SafetyIssue{
				Check:   "battery_voltage",
				Message: fmt.Sprintf("battery voltage %.1fV below minimum", *v),
				Fatal:   true,
				Value:   *v,
				Limit:   cfg.BatteryVoltageMinV,
			})
		} else if *v > cfg.BatteryVoltageMaxV {
			issues = append(issues, types.SafetyIssue{
				Check:   "battery_voltage",
				Message: fmt.Sprintf("battery voltage %.1fV above maximum", *v),
				Fatal:   true,
				Value:   *v,
				Limit:   cfg.BatteryVoltageMaxV,
			})
		}
	}

	if c := snap.Battery.CurrentA; c != nil {
		if abs := absF(*c); abs > cfg.BatteryCurrentMaxA {
			issues = append(issues, types.SafetyIssue{
				Check:   "battery_current",
				Message: fmt.Sprintf("battery current %.1fA exceeds limit", abs),
				Fatal:   true,
				Value:   abs,
				Limit:   cfg.BatteryCurrentMaxA,
			})
		}
	}

	if v := snap.Grid.VoltageV; v != nil {
		if *v < cfg.GridVoltageMinV {
			issues = append(issues, types.SafetyIssue{
				Check:   "grid_voltage",
				Message: fmt.Sprintf("grid voltage %.1fV below minimum", *v),
				Value:   *v,
				Limit:   cfg.GridVoltageMinV,
			})
		} else if *v > cfg.GridVoltageMaxV {
			issues = append(issues, types.SafetyIssue{
				Check:   "grid_voltage",
				Message: fmt.Sprintf("grid voltage %.1fV above maximum", *v),
				Value:   *v,
				Limit:   cfg.GridVoltageMaxV,
			})
		}
	}

	if cfg.GridMaxPowerW > 0 && absF(snap.Grid.PowerW) > cfg.GridMaxPowerW {
		issues = append(issues, types.SafetyIssue{
			Check:   "grid_power",
			Message: fmt.Sprintf("grid power %.0fW exceeds connection limit", absF(snap.Grid.PowerW)),
			Value:   absF(snap.Grid.PowerW),
			Limit:   cfg.GridMaxPowerW,
		})
	}

	if soc := snap.Battery.SOCPercent; soc < cfg.MinBatterySOCPercent {
		issues = append(issues, types.SafetyIssue{
			Check:   "battery_soc",
			Message: fmt.Sprintf("battery SoC %.0f%% below protective minimum", soc),
			Value:   soc,
			Limit:   cfg.MinBatterySOCPercent,
		})
	} else if soc > cfg.MaxBatterySOCPercent {
		issues = append(issues, types.SafetyIssue{
			Check:   "battery_soc",
			Message: fmt.Sprintf("battery SoC %.0f%% above maximum", soc),
			Value:   soc,
			Limit:   cfg.MaxBatterySOCPercent,
		})
	}

	if snap.Inverter.State == types.InverterStateFault {
		issues = append(issues, types.SafetyIssue{
			Check:   "inverter_state",
			Message: fmt.Sprintf("inverter reports fault: %v", snap.Inverter.ErrorCodes),
			Fatal:   true,
		})
	}

	return issues
}

func absF(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
