package types

import (
	"time"

	"github.com/google/uuid"
)

// SessionKind distinguishes charging sessions from selling sessions.
// At most one session of each kind may be active per site.
type SessionKind string

const (
	SessionKindCharging SessionKind = "charging"
	SessionKindSelling  SessionKind = "selling"
)

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	SessionStatusPlanned   SessionStatus = "planned"
	SessionStatusActive    SessionStatus = "active"
	SessionStatusCompleted SessionStatus = "completed"
	SessionStatusAborted   SessionStatus = "aborted"
)

// Session records one charging or selling run from plan to completion.
type Session struct {
	ID                 uuid.UUID     `json:"id"`
	Kind               SessionKind   `json:"kind"`
	StartedAt          time.Time     `json:"start"`
	EndedAt            *time.Time    `json:"end,omitempty"`
	TargetSOCPercent   float64       `json:"target_soc_percent"`
	PowerW             float64       `json:"power_w"`
	PlannedEnergyKWH   float64       `json:"planned_energy_kwh"`
	DeliveredEnergyKWH float64       `json:"delivered_energy_kwh"`
	PlannedCostPLN     float64       `json:"planned_cost_pln"`
	RealizedCostPLN    float64       `json:"realized_cost_pln"`
	Status             SessionStatus `json:"status"`
	AbortReason        string        `json:"abort_reason,omitempty"`
}

// Active reports whether the session is still running.
func (s Session) Active() bool {
	return s.Status == SessionStatusActive
}

// NewSession creates a planned session of the given kind.
func NewSession(kind SessionKind, start time.Time, targetSOC, powerW, plannedKWH, plannedCost float64) Session {
	return Session{
		ID:               uuid.New(),
		Kind:             kind,
		StartedAt:        start,
		TargetSOCPercent: targetSOC,
		PowerW:           powerW,
		PlannedEnergyKWH: plannedKWH,
		PlannedCostPLN:   plannedCost,
		Status:           SessionStatusPlanned,
	}
}
