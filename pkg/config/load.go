package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const (
	baseFileName     = "config.yaml"
	localFileName    = "config.local.yaml"
	overrideFileName = "config.override.yaml"
)

// Load reads the layered configuration from dir. Layers merge in order
// baseline -> local -> override, later layers override earlier ones (deep
// merge of mappings, scalar replacement). On first run with only a baseline
// the local layer is bootstrapped as a copy of the baseline.
func Load(dir string) (Config, error) {
	basePath := filepath.Join(dir, baseFileName)
	baseRaw, err := os.ReadFile(basePath)
	if err != nil {
		return Config{}, fmt.Errorf("read baseline config %s: %w", basePath, err)
	}

	layers := [][]byte{mustMarshalDefaults(), baseRaw}

	localPath := filepath.Join(dir, localFileName)
	localRaw, err := os.ReadFile(localPath)
	if errors.Is(err, fs.ErrNotExist) {
		// first boot on this hardware: seed the local layer from the baseline
		if werr := os.WriteFile(localPath, baseRaw, 0o644); werr != nil {
			slog.Warn("failed to bootstrap local config layer", "path", localPath, "error", werr)
		} else {
			slog.Info("bootstrapped local config layer from baseline", "path", localPath)
		}
		localRaw = baseRaw
	} else if err != nil {
		return Config{}, fmt.Errorf("read local config %s: %w", localPath, err)
	}
	layers = append(layers, localRaw)

	overridePath := filepath.Join(dir, overrideFileName)
	overrideRaw, err := os.ReadFile(overridePath)
	if err == nil {
		layers = append(layers, overrideRaw)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("read override config %s: %w", overridePath, err)
	}

	merged := map[string]any{}
	for _, raw := range layers {
		var layer map[string]any
		if err := yaml.Unmarshal(raw, &layer); err != nil {
			return Config{}, fmt.Errorf("parse config layer: %w", err)
		}
		merged = DeepMerge(merged, layer)
	}

	remarshaled, err := yaml.Marshal(merged)
	if err != nil {
		return Config{}, fmt.Errorf("remarshal merged config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(remarshaled, &cfg); err != nil {
		return Config{}, fmt.Errorf("decode merged config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func mustMarshalDefaults() []byte {
	raw, err := yaml.Marshal(Default())
	if err != nil {
		panic(fmt.Sprintf("marshal default config: %v", err))
	}
	return raw
}

// DeepMerge merges override into base and returns the result. Mappings merge
// recursively; any other value in override replaces the base value. Neither
// input map is mutated.
func DeepMerge(base, override map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, ov := range override {
		bv, exists := out[k]
		if !exists {
			out[k] = ov
			continue
		}
		bm, bIsMap := toStringMap(bv)
		om, oIsMap := toStringMap(ov)
		if bIsMap && oIsMap {
			out[k] = DeepMerge(bm, om)
			continue
		}
		out[k] = ov
	}
	return out
}

// toStringMap normalizes the two map shapes yaml.v3 can produce.
func toStringMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case map[any]any:
		out := make(map[string]any, len(m))
		for k, val := range m {
			ks, ok := k.(string)
			if !ok {
				return nil, false
			}
			out[ks] = val
		}
		return out, true
	default:
		return nil, false
	}
}

// Validate fails fast on configurations the coordinator cannot run with.
// Error messages name the offending key so the operator can fix it.
func (c Config) Validate() error {
	switch c.ElectricityTariff.TariffType {
	case "flat", "g12w":
	case "g14dynamic":
		if !c.PSEPeakHours.Enabled {
			return errors.New("electricity_tariff.tariff_type=g14dynamic requires pse_peak_hours.enabled=true")
		}
	default:
		return fmt.Errorf("electricity_tariff.tariff_type: unknown tariff %q (expected flat, g12w or g14dynamic)", c.ElectricityTariff.TariffType)
	}

	b := c.ElectricityTariff.BandThresholds
	ordered := []struct {
		name  string
		value float64
	}{
		{"super_cheap", b.SuperCheap},
		{"very_cheap", b.VeryCheap},
		{"cheap", b.Cheap},
		{"moderate", b.Moderate},
		{"expensive", b.Expensive},
		{"very_expensive", b.VeryExpensive},
	}
	for i := 1; i < len(ordered); i++ {
		if ordered[i-1].value >= ordered[i].value {
			return fmt.Errorf("electricity_tariff.band_thresholds: %s (%v) must be strictly below %s (%v)",
				ordered[i-1].name, ordered[i-1].value, ordered[i].name, ordered[i].value)
		}
	}

	if c.Inverter.IPAddress == "" {
		return errors.New("inverter.ip_address is required")
	}
	if c.Inverter.Port <= 0 || c.Inverter.Port > 65535 {
		return fmt.Errorf("inverter.port: invalid port %d", c.Inverter.Port)
	}

	if c.BatteryManagement.CapacityKWH <= 0 {
		return fmt.Errorf("battery_management.capacity_kwh must be positive, got %v", c.BatteryManagement.CapacityKWH)
	}
	if c.BatteryManagement.VoltageRange.Min >= c.BatteryManagement.VoltageRange.Max {
		return fmt.Errorf("battery_management.voltage_range: min (%v) must be below max (%v)",
			c.BatteryManagement.VoltageRange.Min, c.BatteryManagement.VoltageRange.Max)
	}

	if c.Coordinator.DecisionIntervalMinutes <= 0 {
		return fmt.Errorf("coordinator.decision_interval_minutes must be positive, got %d", c.Coordinator.DecisionIntervalMinutes)
	}

	switch c.DataStorage.Mode {
	case "file", "database", "composite":
	default:
		return fmt.Errorf("data_storage.mode: unknown mode %q (expected file, database or composite)", c.DataStorage.Mode)
	}

	if c.BatterySelling.Enabled {
		d := c.BatterySelling.DynamicSOCThresholds
		if d.SuperPremiumFloorSOC < c.BatterySelling.AbsoluteMinSOC {
			return fmt.Errorf("battery_selling.dynamic_soc_thresholds.super_premium_floor_soc (%v) must not be below battery_selling.absolute_min_soc (%v)",
				d.SuperPremiumFloorSOC, c.BatterySelling.AbsoluteMinSOC)
		}
	}

	return nil
}
