package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecisionValidate(t *testing.T) {
	tests := []struct {
		name    string
		d       Decision
		wantErr bool
	}{
		{
			name: "wait needs no duration",
			d:    Decision{Action: ActionWait, Confidence: 0.5},
		},
		{
			name: "stop needs no duration",
			d:    Decision{Action: ActionStop, Confidence: 1},
		},
		{
			name: "charge with energy and duration",
			d:    Decision{Action: ActionChargeGrid, DurationHours: 1.5, EnergyKWH: 4.5, Confidence: 0.8},
		},
		{
			name:    "charge without duration",
			d:       Decision{Action: ActionChargeGrid, EnergyKWH: 4.5, Confidence: 0.8},
			wantErr: true,
		},
		{
			name:    "charge without energy",
			d:       Decision{Action: ActionChargePV, DurationHours: 2, Confidence: 0.8},
			wantErr: true,
		},
		{
			name:    "confidence out of range",
			d:       Decision{Action: ActionWait, Confidence: 1.2},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.d.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestActionHelpers(t *testing.T) {
	assert.True(t, ActionChargeGrid.IsCharge())
	assert.True(t, ActionChargeHybrid.IsCharge())
	assert.True(t, ActionChargePV.IsCharge())
	assert.False(t, ActionWait.IsCharge())
	assert.True(t, ActionChargeHybrid.UsesGrid())
	assert.False(t, ActionChargePV.UsesGrid())
}

func TestSnapshotAliasKeys(t *testing.T) {
	snap := Snapshot{
		PV:          PVState{PowerW: 1234},
		Consumption: ConsumptionState{PowerW: 567},
		Inverter:    InverterInfo{Model: "GW10K-ET", State: InverterStateNormal},
	}

	raw, err := json.Marshal(snap)
	require.NoError(t, err)

	var m map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &m))

	// both the canonical and the alias keys must be present and equal
	assert.JSONEq(t, string(m["photovoltaic"]), string(m["pv"]))
	assert.JSONEq(t, string(m["house_consumption"]), string(m["consumption"]))
	assert.JSONEq(t, string(m["system"]), string(m["inverter"]))
}
