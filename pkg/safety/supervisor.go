// Package safety evaluates the battery and grid operating envelope and trips
// the system into a protective stop on fatal breaches.
package safety

import (
	"context"
	"sync"

	"github.com/RMachnik/goodwe-dynamic-price-optimiser/pkg/log"
	"github.com/RMachnik/goodwe-dynamic-price-optimiser/pkg/types"
)

const defaultGreenChecks = 3

// System is the slice of the inverter port the supervisor needs.
type System interface {
	CheckSafety(ctx context.Context) ([]types.SafetyIssue, error)
	EmergencyStop(ctx context.Context) error
}

// Supervisor runs the per-tick safety check. A fatal issue trips it: the
// inverter gets an emergency stop and charging stays blocked until the
// required number of consecutive clean checks has passed.
type Supervisor struct {
	system      System
	greenNeeded int

	mu         sync.Mutex
	tripped    bool
	greenTicks int
	lastIssues []types.SafetyIssue
	checks     int
}

// NewSupervisor creates a supervisor requiring greenChecks consecutive clean
// evaluations before a tripped system recovers.
func NewSupervisor(system System, greenChecks int) *Supervisor {
	if greenChecks <= 0 {
		greenChecks = defaultGreenChecks
	}
	return &Supervisor{system: system, greenNeeded: greenChecks}
}

// Check evaluates the envelope once. It returns the issues found; a fatal
// issue has already triggered the emergency stop by the time Check returns.
func (s *Supervisor) Check(ctx context.Context) ([]types.SafetyIssue, error) {
	issues, err := s.system.CheckSafety(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.checks++
	s.lastIssues = issues
	fatal := types.AnyFatal(issues)
	switch {
	case fatal:
		s.greenTicks = 0
		if !s.tripped {
			s.tripped = true
			s.mu.Unlock()
			log.Ctx(ctx).Error("fatal safety breach, executing emergency stop",
				"issues", types.IssueStrings(issues))
			if stopErr := s.system.EmergencyStop(ctx); stopErr != nil {
				log.Ctx(ctx).Error("emergency stop failed", "error", stopErr)
			}
			return issues, nil
		}
	case len(issues) > 0:
		// warnings block recovery but do not trip
		s.greenTicks = 0
		log.Ctx(ctx).Warn("safety warnings", "issues", types.IssueStrings(issues))
	default:
		s.greenTicks++
		if s.tripped && s.greenTicks >= s.greenNeeded {
			s.tripped = false
			s.mu.Unlock()
			log.Ctx(ctx).Info("safety supervisor recovered",
				"consecutive_clean_checks", s.greenNeeded)
			return issues, nil
		}
	}
	s.mu.Unlock()
	return issues, nil
}

// Tripped reports whether the system is in a protective stop.
func (s *Supervisor) Tripped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tripped
}

// Status summarizes the supervisor for the status payload.
func (s *Supervisor) Status() types.SafetyStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return types.SafetyStatus{
		OK:         !s.tripped && len(s.lastIssues) == 0,
		Fatal:      s.tripped,
		Issues:     types.IssueStrings(s.lastIssues),
		GreenTicks: s.greenTicks,
	}
}

// Compliance derives the battery compliance flags from a snapshot.
func Compliance(snap types.Snapshot, cfg types.SafetyConfig, enforced bool) types.ComplianceReport {
	report := types.ComplianceReport{
		VDE251050Enforced:  enforced,
		TempWithinEnvelope: true,
		VoltWithinEnvelope: true,
		SOCWithinEnvelope:  true,
	}
	if t := snap.Battery.TempC; t != nil {
		report.TempWithinEnvelope = *t >= cfg.BatteryTempChargingMinC && *t <= cfg.BatteryTempChargingMaxC
	}
	if v := snap.Battery.VoltageV; v != nil {
		report.VoltWithinEnvelope = *v >= cfg.BatteryVoltageMinV && *v <= cfg.BatteryVoltageMaxV
	}
	soc := snap.Battery.SOCPercent
	report.SOCWithinEnvelope = soc >= cfg.MinBatterySOCPercent && soc <= cfg.MaxBatterySOCPercent
	return report
}
