package types

import "time"

// CoordinatorPhase is the top-level state of the master coordinator.
type CoordinatorPhase string

const (
	PhaseInitializing CoordinatorPhase = "initializing"
	PhaseMonitoring   CoordinatorPhase = "monitoring"
	PhaseCharging     CoordinatorPhase = "charging"
	PhaseSelling      CoordinatorPhase = "selling"
	PhaseOptimizing   CoordinatorPhase = "optimizing"
	PhaseError        CoordinatorPhase = "error"
	PhaseMaintenance  CoordinatorPhase = "maintenance"
)

// CoordinatorState is the persisted lifecycle record of the coordinator.
type CoordinatorState struct {
	Phase              CoordinatorPhase `json:"state"`
	Since              time.Time        `json:"since"`
	LastTick           time.Time        `json:"last_tick"`
	LastDecisionAt     time.Time        `json:"last_decision_at"`
	WaitCooldownUntil  *time.Time       `json:"wait_cooldown_until,omitempty"`
	PersistenceDegraded bool            `json:"persistence_degraded,omitempty"`
	DegradedSubsystems []string         `json:"degraded_subsystems,omitempty"`
	LastError          string           `json:"last_error,omitempty"`
}

// Status is the read-only payload served to the dashboard.
type Status struct {
	State            CoordinatorPhase  `json:"state"`
	Running          bool              `json:"running"`
	UptimeSeconds    float64           `json:"uptime_s"`
	LastDecisionISO  string            `json:"last_decision_iso,omitempty"`
	DecisionCount    int               `json:"decision_count"`
	CurrentSnapshot  *Snapshot         `json:"current_snapshot,omitempty"`
	SafetyStatus     SafetyStatus      `json:"safety_status"`
	ComplianceReport ComplianceReport  `json:"compliance_report"`
	Degraded         []string          `json:"degraded_subsystems,omitempty"`
}

// SafetyStatus summarizes the supervisor's view for the status payload.
type SafetyStatus struct {
	OK         bool     `json:"ok"`
	Fatal      bool     `json:"fatal"`
	Issues     []string `json:"issues,omitempty"`
	GreenTicks int      `json:"green_ticks"`
}

// ComplianceReport carries the VDE 2510-50 battery compliance flags derived
// from the configured envelope and the latest snapshot.
type ComplianceReport struct {
	VDE251050Enforced   bool `json:"vde_2510_50_enforced"`
	TempWithinEnvelope  bool `json:"temp_within_envelope"`
	VoltWithinEnvelope  bool `json:"voltage_within_envelope"`
	SOCWithinEnvelope   bool `json:"soc_within_envelope"`
}
