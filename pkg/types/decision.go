package types

import (
	"fmt"
	"time"
)

// Action is the inverter-facing outcome of a decision cycle.
type Action string

const (
	ActionChargeGrid   Action = "charge_grid"
	ActionChargePV     Action = "charge_pv"
	ActionChargeHybrid Action = "charge_hybrid"
	ActionWait         Action = "wait"
	ActionDischarge    Action = "discharge"
	ActionStop         Action = "stop"
)

// IsCharge reports whether the action starts (or continues) a charge.
func (a Action) IsCharge() bool {
	return a == ActionChargeGrid || a == ActionChargePV || a == ActionChargeHybrid
}

// UsesGrid reports whether the action draws charging power from the grid.
func (a Action) UsesGrid() bool {
	return a == ActionChargeGrid || a == ActionChargeHybrid
}

// Priority orders decisions; critical decisions bypass cooldowns and
// peak-label soft blocks.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// Decision is the persisted outcome of one decision cycle.
type Decision struct {
	Timestamp           time.Time          `json:"timestamp"`
	Action              Action             `json:"action"`
	TargetSOCPercent    float64            `json:"target_soc_percent"`
	PowerW              float64            `json:"power_w"`
	DurationHours       float64            `json:"duration_h"`
	EnergyKWH           float64            `json:"energy_kwh"`
	EstimatedCostPLN    float64            `json:"estimated_cost_pln"`
	EstimatedSavingsPLN float64            `json:"estimated_savings_pln"`
	Priority            Priority           `json:"priority"`
	Confidence          float64            `json:"confidence"` // 0-1
	Reason              string             `json:"reason"`
	Scores              map[string]float64 `json:"scoring_breakdown,omitempty"`
	SafetyWarnings      []string           `json:"safety_warnings,omitempty"`
}

// Validate enforces the decision invariant: any action other than wait/stop
// must carry a positive duration and energy.
func (d Decision) Validate() error {
	if d.Confidence < 0 || d.Confidence > 1 {
		return fmt.Errorf("confidence %v outside [0,1]", d.Confidence)
	}
	if d.Action == ActionWait || d.Action == ActionStop {
		return nil
	}
	if d.DurationHours <= 0 {
		return fmt.Errorf("action %s with non-positive duration %v", d.Action, d.DurationHours)
	}
	if d.EnergyKWH <= 0 {
		return fmt.Errorf("action %s with non-positive energy %v", d.Action, d.EnergyKWH)
	}
	return nil
}

// SellAction is the selling engine's timing recommendation.
type SellAction string

const (
	SellActionSellNow       SellAction = "sell_now"
	SellActionWaitForPeak   SellAction = "wait_for_peak"
	SellActionWaitForHigher SellAction = "wait_for_higher"
	SellActionNoOpportunity SellAction = "no_opportunity"
)

// SellingDecision is the persisted outcome of one selling evaluation.
type SellingDecision struct {
	Timestamp           time.Time  `json:"timestamp"`
	Action              SellAction `json:"action"`
	PricePLNPerKWH      float64    `json:"price_pln_kwh"`
	AvailableKWH        float64    `json:"available_kwh"`
	ExpectedRevenuePLN  float64    `json:"expected_revenue_pln"`
	PeakPricePLNPerKWH  float64    `json:"peak_price_pln_kwh,omitempty"`
	PeakAt              *time.Time `json:"peak_at,omitempty"`
	CurrentPercentile   int        `json:"current_percentile"` // 1-100
	MinSOCFloorPercent  float64    `json:"min_soc_floor_percent"`
	Confidence          float64    `json:"confidence"`
	Reason              string     `json:"reason"`
}
