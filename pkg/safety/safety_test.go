package safety

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RMachnik/goodwe-dynamic-price-optimiser/pkg/config"
	"github.com/RMachnik/goodwe-dynamic-price-optimiser/pkg/types"
)

// stubSystem is a minimal System for supervisor tests.
type stubSystem struct {
	Issues         []types.SafetyIssue
	EmergencyStops int
}

func (s *stubSystem) CheckSafety(context.Context) ([]types.SafetyIssue, error) {
	return s.Issues, nil
}

func (s *stubSystem) EmergencyStop(context.Context) error {
	s.EmergencyStops++
	return nil
}

func envelope() types.SafetyConfig {
	cfg := config.Default()
	return cfg.SafetyConfig()
}

func healthySnapshot() types.Snapshot {
	return types.Snapshot{
		Battery: types.BatteryState{
			SOCPercent: 60,
			VoltageV:   types.Float(400),
			CurrentA:   types.Float(10),
			TempC:      types.Float(25),
		},
		Grid: types.GridState{
			PowerW:   2000,
			VoltageV: types.Float(230),
		},
		Inverter: types.InverterInfo{State: types.InverterStateNormal},
	}
}

func TestEvaluateHealthy(t *testing.T) {
	assert.Empty(t, Evaluate(healthySnapshot(), envelope()))
}

func TestEvaluateReturnsAllViolations(t *testing.T) {
	snap := healthySnapshot()
	snap.Battery.TempC = types.Float(60)   // over charging max
	snap.Battery.VoltageV = types.Float(600) // over voltage max
	snap.Grid.VoltageV = types.Float(260)  // over grid max

	issues := Evaluate(snap, envelope())
	require.Len(t, issues, 3)

	checks := map[string]bool{}
	for _, i := range issues {
		checks[i.Check] = i.Fatal
	}
	assert.True(t, checks["battery_temperature"])
	assert.True(t, checks["battery_voltage"])
	// grid voltage excursions warn, they do not trip the battery
	fatal, ok := checks["grid_voltage"]
	require.True(t, ok)
	assert.False(t, fatal)
}

func TestEvaluateSkipsMissingSensors(t *testing.T) {
	snap := healthySnapshot()
	snap.Battery.TempC = nil
	snap.Battery.VoltageV = nil
	snap.Battery.CurrentA = nil
	snap.Grid.VoltageV = nil

	assert.Empty(t, Evaluate(snap, envelope()))
}

func TestEvaluateTemperatureWarningBand(t *testing.T) {
	cfg := envelope()
	snap := healthySnapshot()
	snap.Battery.TempC = types.Float(cfg.BatteryTempWarningC + 1)

	issues := Evaluate(snap, cfg)
	require.Len(t, issues, 1)
	assert.Equal(t, "battery_temperature", issues[0].Check)
	assert.False(t, issues[0].Fatal)
}

func TestEvaluateInverterFault(t *testing.T) {
	snap := healthySnapshot()
	snap.Inverter.State = types.InverterStateFault
	snap.Inverter.ErrorCodes = []string{"0x00000040"}

	issues := Evaluate(snap, envelope())
	require.Len(t, issues, 1)
	assert.True(t, issues[0].Fatal)
}

func TestSupervisorTripsOnFatal(t *testing.T) {
	sys := &stubSystem{}
	sup := NewSupervisor(sys, 3)
	ctx := context.Background()

	sys.Issues = []types.SafetyIssue{{Check: "battery_temperature", Fatal: true}}
	_, err := sup.Check(ctx)
	require.NoError(t, err)

	assert.True(t, sup.Tripped())
	assert.Equal(t, 1, sys.EmergencyStops)

	// still fatal: no second stop is issued
	_, err = sup.Check(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sys.EmergencyStops)
}

func TestSupervisorRecoversAfterGreenChecks(t *testing.T) {
	sys := &stubSystem{}
	sup := NewSupervisor(sys, 3)
	ctx := context.Background()

	sys.Issues = []types.SafetyIssue{{Check: "battery_voltage", Fatal: true}}
	_, err := sup.Check(ctx)
	require.NoError(t, err)
	require.True(t, sup.Tripped())

	sys.Issues = nil
	for i := 0; i < 2; i++ {
		_, err = sup.Check(ctx)
		require.NoError(t, err)
		assert.True(t, sup.Tripped(), "check %d", i)
	}
	_, err = sup.Check(ctx)
	require.NoError(t, err)
	assert.False(t, sup.Tripped())
}

func TestSupervisorWarningsResetGreenStreak(t *testing.T) {
	sys := &stubSystem{}
	sup := NewSupervisor(sys, 2)
	ctx := context.Background()

	sys.Issues = []types.SafetyIssue{{Check: "battery_current", Fatal: true}}
	_, err := sup.Check(ctx)
	require.NoError(t, err)

	sys.Issues = nil
	_, err = sup.Check(ctx)
	require.NoError(t, err)
	require.True(t, sup.Tripped())

	// a warning interrupts the streak
	sys.Issues = []types.SafetyIssue{{Check: "grid_voltage"}}
	_, err = sup.Check(ctx)
	require.NoError(t, err)

	sys.Issues = nil
	_, err = sup.Check(ctx)
	require.NoError(t, err)
	assert.True(t, sup.Tripped())
	_, err = sup.Check(ctx)
	require.NoError(t, err)
	assert.False(t, sup.Tripped())
}

func TestComplianceReport(t *testing.T) {
	cfg := envelope()
	snap := healthySnapshot()

	report := Compliance(snap, cfg, true)
	assert.True(t, report.VDE251050Enforced)
	assert.True(t, report.TempWithinEnvelope)
	assert.True(t, report.VoltWithinEnvelope)
	assert.True(t, report.SOCWithinEnvelope)

	snap.Battery.TempC = types.Float(70)
	snap.Battery.SOCPercent = 2
	report = Compliance(snap, cfg, true)
	assert.False(t, report.TempWithinEnvelope)
	assert.False(t, report.SOCWithinEnvelope)
}
