package config

import (
	"fmt"
	"time"

	"github.com/RMachnik/goodwe-dynamic-price-optimiser/pkg/types"
)

// Config is the full layered configuration of the optimiser. It is produced
// by deep-merging the baseline, local and override YAML layers; see Load.
type Config struct {
	Inverter              InverterConfig     `yaml:"inverter"`
	BatteryManagement     BatteryConfig      `yaml:"battery_management"`
	Coordinator           CoordinatorConfig  `yaml:"coordinator"`
	ElectricityTariff     TariffConfig       `yaml:"electricity_tariff"`
	PSEPeakHours          FeatureToggle      `yaml:"pse_peak_hours"`
	PSEPriceForecast      FeatureToggle      `yaml:"pse_price_forecast"`
	WeatherIntegration    WeatherConfig      `yaml:"weather_integration"`
	PVConsumptionAnalysis PVAnalysisConfig   `yaml:"pv_consumption_analysis"`
	BatterySelling        SellingConfig      `yaml:"battery_selling"`
	DataStorage           StorageConfig      `yaml:"data_storage"`
	WebServer             WebServerConfig    `yaml:"web_server"`
}

// FeatureToggle enables or disables an optional data source.
type FeatureToggle struct {
	Enabled bool `yaml:"enabled"`
}

// InverterConfig selects and parameterizes the inverter adapter.
type InverterConfig struct {
	Vendor         string               `yaml:"vendor"`
	IPAddress      string               `yaml:"ip_address"`
	Port           int                  `yaml:"port"`
	TimeoutSecs    int                  `yaml:"timeout_s"`
	Retries        int                  `yaml:"retries"`
	RetryDelaySecs int                  `yaml:"retry_delay_s"`
	VendorSpecific VendorSpecificConfig `yaml:"vendor_specific"`
}

// VendorSpecificConfig carries fields only some adapters understand.
type VendorSpecificConfig struct {
	Family   string `yaml:"family"`    // e.g. "ET", "EH"
	CommAddr byte   `yaml:"comm_addr"` // modbus unit id
}

func (c InverterConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSecs) * time.Second
}

func (c InverterConfig) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelaySecs) * time.Second
}

// BatteryConfig describes the physical battery and its safety envelope.
type BatteryConfig struct {
	CapacityKWH           float64            `yaml:"capacity_kwh"`
	BatteryType           string             `yaml:"battery_type"`
	MaxChargePowerW       float64            `yaml:"max_charge_power_w"`
	MaxDischargePowerW    float64            `yaml:"max_discharge_power_w"`
	ChargeEfficiency      float64            `yaml:"charge_efficiency"`    // grid path
	PVChargeEfficiency    float64            `yaml:"pv_charge_efficiency"` // pv path, higher (no AC conversion)
	VoltageRange          MinMax             `yaml:"voltage_range"`
	TemperatureThresholds TemperatureConfig  `yaml:"temperature_thresholds"`
	BMSIntegration        bool               `yaml:"bms_integration"`
	VDE251050Compliance   bool               `yaml:"vde_2510_50_compliance"`
	AutoRebootUndervolt   bool               `yaml:"auto_reboot_undervoltage"`
}

type MinMax struct {
	Min float64 `yaml:"min"`
	Max float64 `yaml:"max"`
}

type TemperatureConfig struct {
	ChargingMinC float64 `yaml:"charging_min"`
	ChargingMaxC float64 `yaml:"charging_max"`
	WarningC     float64 `yaml:"warning"`
}

// CoordinatorConfig drives the master loop cadence and retention.
type CoordinatorConfig struct {
	DecisionEngineMode         string                  `yaml:"decision_engine_mode"` // legacy or hybrid
	DecisionIntervalMinutes    int                     `yaml:"decision_interval_minutes"`
	HealthCheckIntervalMinutes int                     `yaml:"health_check_interval_minutes"`
	DataRetentionDays          int                     `yaml:"data_retention_days"`
	SamplingIntervalSecs       int                     `yaml:"sampling_interval_s"`
	PersistEveryNSamples       int                     `yaml:"persist_every_n_samples"`
	EmergencyStopConditions    EmergencyStopConditions `yaml:"emergency_stop_conditions"`
	AggressiveCharging         AggressiveConfig        `yaml:"cheapest_price_aggressive_charging"`
}

func (c CoordinatorConfig) DecisionInterval() time.Duration {
	return time.Duration(c.DecisionIntervalMinutes) * time.Minute
}

func (c CoordinatorConfig) SamplingInterval() time.Duration {
	return time.Duration(c.SamplingIntervalSecs) * time.Second
}

// EmergencyStopConditions enumerate the envelopes whose breach forces an
// emergency stop; they extend the battery envelope with grid limits.
type EmergencyStopConditions struct {
	GridVoltage  MinMax  `yaml:"grid_voltage"`
	GridMaxPowerW float64 `yaml:"grid_max_power_w"`
	BatteryCurrentMaxA float64 `yaml:"battery_current_max_a"`
}

// AggressiveConfig is the cheapest-price aggressive charging feature: when
// the current price sits near the daily minimum, charge to a category-based
// target regardless of the normal window logic.
type AggressiveConfig struct {
	Enabled               bool    `yaml:"enabled"`
	PriceThresholdPercent float64 `yaml:"price_threshold_percent"` // within N% of 24h minimum
	SuperCheapTargetSOC   float64 `yaml:"super_cheap_target_soc"`
	VeryCheapTargetSOC    float64 `yaml:"very_cheap_target_soc"`
	CheapTargetSOC        float64 `yaml:"cheap_target_soc"`
}

// TariffConfig selects the retail tariff profile and the band thresholds.
type TariffConfig struct {
	TariffType        string         `yaml:"tariff_type"` // flat, g12w, g14dynamic
	SCComponentPLNKWH float64        `yaml:"sc_component_pln_kwh"`
	G12W              G12WConfig     `yaml:"g12w"`
	G14Dynamic        G14Config      `yaml:"g14dynamic"`
	BandThresholds    BandThresholds `yaml:"band_thresholds"`
}

// G12WConfig is the dual-rate tariff: a cheap component during night/weekend
// hours and an expensive one otherwise.
type G12WConfig struct {
	DayComponentPLNKWH   float64 `yaml:"day_component_pln_kwh"`
	NightComponentPLNKWH float64 `yaml:"night_component_pln_kwh"`
	NightHours           []int   `yaml:"night_hours"`
}

// G14Config conditions the tariff component on the operator's peak label.
type G14Config struct {
	NormalComponentPLNKWH    float64 `yaml:"normal_component_pln_kwh"`
	SavingComponentPLNKWH    float64 `yaml:"saving_component_pln_kwh"`
	ReductionComponentPLNKWH float64 `yaml:"reduction_component_pln_kwh"`
	UseComponentPLNKWH       float64 `yaml:"use_component_pln_kwh"`
}

// BandThresholds are absolute final prices (PLN/kWh) in strictly monotonic
// order; they drive both the five-band classifier and the aggressive
// charging categories.
type BandThresholds struct {
	SuperCheap    float64 `yaml:"super_cheap"`
	VeryCheap     float64 `yaml:"very_cheap"`
	Cheap         float64 `yaml:"cheap"`
	Moderate      float64 `yaml:"moderate"`
	Expensive     float64 `yaml:"expensive"`
	VeryExpensive float64 `yaml:"very_expensive"`
}

// WeatherConfig enables the weather fetch used for PV forecast scaling.
type WeatherConfig struct {
	Enabled   bool    `yaml:"enabled"`
	Latitude  float64 `yaml:"latitude"`
	Longitude float64 `yaml:"longitude"`
}

// PVAnalysisConfig drives the timing-aware decision engine's PV and
// night-charging behaviour.
type PVAnalysisConfig struct {
	PeakPowerKW                float64 `yaml:"peak_power_kw"`
	OverproductionThresholdW   float64 `yaml:"overproduction_threshold_w"`
	MinPVPowerForWaitW         float64 `yaml:"min_pv_power_for_wait_w"`
	NightChargingEnabled       bool    `yaml:"night_charging_enabled"`
	NightHours                 []int   `yaml:"night_hours"`
	HighPricePercentile        int     `yaml:"high_price_threshold_percentile"`
	PoorPVThresholdKWHPerHour  float64 `yaml:"poor_pv_threshold_kwh_per_hour"`
	MinNightChargingSOC        float64 `yaml:"min_night_charging_soc"`
	MaxNightChargingSOC        float64 `yaml:"max_night_charging_soc"`
	NightChargingTargetPoorPV  float64 `yaml:"night_charging_target_soc_poor_pv"`
	AssumePoorPVOnAPIFailure   bool    `yaml:"assume_poor_pv_on_api_failure"`
	MinChargingDurationHours   float64 `yaml:"min_charging_duration_h"`
	MaxWindowGapMinutes        int     `yaml:"max_gap_minutes"`
	HybridPVCoverageThreshold  float64 `yaml:"hybrid_pv_coverage_threshold"` // fraction of need, default 0.3
}

// IsNightHour reports whether the given local hour is configured as night.
func (c PVAnalysisConfig) IsNightHour(hour int) bool {
	for _, h := range c.NightHours {
		if h == hour {
			return true
		}
	}
	return false
}

// SellingConfig drives the battery selling engine.
type SellingConfig struct {
	Enabled                    bool                `yaml:"enabled"`
	MinBatterySOC              float64             `yaml:"min_battery_soc"`
	SafetyMarginSOC            float64             `yaml:"safety_margin_soc"`
	AbsoluteMinSOC             float64             `yaml:"absolute_min_soc"` // hard floor, never crossed
	PeakHours                  []int               `yaml:"peak_hours"`
	MinSellingPricePLN         float64             `yaml:"min_selling_price_pln"`
	ConsumptionSpikeThresholdW float64             `yaml:"consumption_spike_threshold_w"`
	SmartTiming                SmartTimingConfig   `yaml:"smart_timing"`
	DynamicSOCThresholds       DynamicSOCConfig    `yaml:"dynamic_soc_thresholds"`
}

// IsPeakHour reports whether the given local hour is a configured peak hour.
func (c SellingConfig) IsPeakHour(hour int) bool {
	for _, h := range c.PeakHours {
		if h == hour {
			return true
		}
	}
	return false
}

// SmartTimingConfig parameterizes the sell-now vs wait-for-peak logic.
type SmartTimingConfig struct {
	MaxWaitTimeHours          float64 `yaml:"max_wait_time_h"`
	MinPeakDifferencePercent  float64 `yaml:"min_peak_difference_percent"`
	TrendWindowHours          float64 `yaml:"trend_window_h"`
	NearPeakThresholdPercent  float64 `yaml:"near_peak_threshold_percent"`
	SignificantOpportunityPLN float64 `yaml:"significant_opportunity_pln"`
	ModerateOpportunityPLN    float64 `yaml:"moderate_opportunity_pln"`
}

// DynamicSOCConfig maps price tiers to the minimum SoC at which selling is
// allowed. Cheaper prices require a higher floor.
type DynamicSOCConfig struct {
	PremiumPricePLN      float64 `yaml:"premium_price_pln"`
	SuperPremiumPricePLN float64 `yaml:"super_premium_price_pln"`
	CheapFloorSOC        float64 `yaml:"cheap_floor_soc"`         // e.g. 80
	PremiumFloorSOC      float64 `yaml:"premium_floor_soc"`       // e.g. 60
	SuperPremiumFloorSOC float64 `yaml:"super_premium_floor_soc"` // e.g. 50
	RechargeRatio        float64 `yaml:"recharge_ratio"`          // future price <= ratio*current counts as recharge opportunity
}

// StorageConfig selects the persistence mode.
type StorageConfig struct {
	Mode           string         `yaml:"mode"` // file, database, composite
	File           FileStorage    `yaml:"file"`
	Database       DBStorage      `yaml:"database"`
	EnableFallback bool           `yaml:"enable_fallback"`
}

type FileStorage struct {
	BasePath string `yaml:"base_path"`
}

type DBStorage struct {
	Path      string `yaml:"path"`
	PoolSize  int    `yaml:"pool_size"`
	BatchSize int    `yaml:"batch_size"`
}

// WebServerConfig configures the read-only status server.
type WebServerConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	LogDirectory string `yaml:"log_directory"`
}

func (c WebServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// SafetyConfig assembles the flat safety envelope consumed by the supervisor
// and the inverter adapter from the nested config sections.
func (c Config) SafetyConfig() types.SafetyConfig {
	return types.SafetyConfig{
		BatteryTempChargingMinC: c.BatteryManagement.TemperatureThresholds.ChargingMinC,
		BatteryTempChargingMaxC: c.BatteryManagement.TemperatureThresholds.ChargingMaxC,
		BatteryTempWarningC:     c.BatteryManagement.TemperatureThresholds.WarningC,
		BatteryVoltageMinV:      c.BatteryManagement.VoltageRange.Min,
		BatteryVoltageMaxV:      c.BatteryManagement.VoltageRange.Max,
		BatteryCurrentMaxA:      c.Coordinator.EmergencyStopConditions.BatteryCurrentMaxA,
		GridVoltageMinV:         c.Coordinator.EmergencyStopConditions.GridVoltage.Min,
		GridVoltageMaxV:         c.Coordinator.EmergencyStopConditions.GridVoltage.Max,
		GridMaxPowerW:           c.Coordinator.EmergencyStopConditions.GridMaxPowerW,
		// protective SoC floor, distinct from the selling floors
		MinBatterySOCPercent:    5,
		MaxBatterySOCPercent:    100,
	}
}

// Default returns the baseline configuration the other layers override.
func Default() Config {
	return Config{
		Inverter: InverterConfig{
			Vendor:         "goodwe",
			Port:           502,
			TimeoutSecs:    5,
			Retries:        3,
			RetryDelaySecs: 5,
			VendorSpecific: VendorSpecificConfig{Family: "ET", CommAddr: 0xF7},
		},
		BatteryManagement: BatteryConfig{
			CapacityKWH:        10.0,
			BatteryType:        "lfp",
			MaxChargePowerW:    5000,
			MaxDischargePowerW: 5000,
			ChargeEfficiency:   0.92,
			PVChargeEfficiency: 0.97,
			VoltageRange:       MinMax{Min: 320, Max: 480},
			TemperatureThresholds: TemperatureConfig{
				ChargingMinC: 0,
				ChargingMaxC: 53,
				WarningC:     45,
			},
			VDE251050Compliance: true,
		},
		Coordinator: CoordinatorConfig{
			DecisionEngineMode:         "hybrid",
			DecisionIntervalMinutes:    15,
			HealthCheckIntervalMinutes: 5,
			DataRetentionDays:          30,
			SamplingIntervalSecs:       20,
			PersistEveryNSamples:       15,
			EmergencyStopConditions: EmergencyStopConditions{
				GridVoltage:        MinMax{Min: 195, Max: 255},
				GridMaxPowerW:      14000,
				BatteryCurrentMaxA: 120,
			},
			AggressiveCharging: AggressiveConfig{
				PriceThresholdPercent: 10,
				SuperCheapTargetSOC:   100,
				VeryCheapTargetSOC:    90,
				CheapTargetSOC:        80,
			},
		},
		ElectricityTariff: TariffConfig{
			TariffType:        "flat",
			SCComponentPLNKWH: 0.0892,
			G12W: G12WConfig{
				DayComponentPLNKWH:   0.35,
				NightComponentPLNKWH: 0.15,
				NightHours:           []int{22, 23, 0, 1, 2, 3, 4, 5},
			},
			BandThresholds: BandThresholds{
				SuperCheap:    0.15,
				VeryCheap:     0.25,
				Cheap:         0.40,
				Moderate:      0.60,
				Expensive:     0.80,
				VeryExpensive: 1.00,
			},
		},
		WeatherIntegration: WeatherConfig{
			Latitude:  52.2297,
			Longitude: 21.0122,
		},
		PVConsumptionAnalysis: PVAnalysisConfig{
			PeakPowerKW:               10,
			OverproductionThresholdW:  500,
			MinPVPowerForWaitW:        500,
			NightHours:                []int{22, 23, 0, 1, 2, 3, 4, 5},
			HighPricePercentile:       75,
			PoorPVThresholdKWHPerHour: 0.3,
			MinNightChargingSOC:       40,
			MaxNightChargingSOC:       80,
			NightChargingTargetPoorPV: 100,
			AssumePoorPVOnAPIFailure:  true,
			MinChargingDurationHours:  0.5,
			MaxWindowGapMinutes:       15,
			HybridPVCoverageThreshold: 0.3,
		},
		BatterySelling: SellingConfig{
			MinBatterySOC:              80,
			SafetyMarginSOC:            60,
			AbsoluteMinSOC:             50,
			PeakHours:                  []int{17, 18, 19, 20, 21},
			MinSellingPricePLN:         0.60,
			ConsumptionSpikeThresholdW: 4000,
			SmartTiming: SmartTimingConfig{
				MaxWaitTimeHours:          4,
				MinPeakDifferencePercent:  15,
				TrendWindowHours:          3,
				NearPeakThresholdPercent:  90,
				SignificantOpportunityPLN: 2.0,
				ModerateOpportunityPLN:    0.5,
			},
			DynamicSOCThresholds: DynamicSOCConfig{
				PremiumPricePLN:      0.80,
				SuperPremiumPricePLN: 1.20,
				CheapFloorSOC:        80,
				PremiumFloorSOC:      60,
				SuperPremiumFloorSOC: 50,
				RechargeRatio:        0.7,
			},
		},
		DataStorage: StorageConfig{
			Mode:           "composite",
			File:           FileStorage{BasePath: "out"},
			Database:       DBStorage{Path: "out/optimiser.sqlite", PoolSize: 4, BatchSize: 100},
			EnableFallback: true,
		},
		WebServer: WebServerConfig{
			Host: "127.0.0.1",
			Port: 8080,
		},
	}
}
