package fieldbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleMap = `{
  "read_registers": [
    {"name": "battery_soc", "address": 37007, "type": "uint16", "signed": false, "unit": "%"},
    {"name": "meter_total_active_power", "address": 36025, "type": "int16", "signed": true, "unit": "W"},
    {"name": "pv1_power", "address": 35105, "type": "int16", "signed": true, "unit": "W"},
    {"name": "mppt_power_1", "address": 35340, "type": "uint16", "signed": false, "unit": "W"},
    {"name": "ct2_active_power", "address": 36051, "type": "int16", "signed": true, "unit": "W"}
  ],
  "write_registers": [
    {"name": "ems_power_mode", "address": 47511, "type": "uint16", "signed": false},
    {"name": "ems_power_set", "address": 47512, "type": "uint16", "signed": false},
    {"name": "meter_target_power_offset", "address": 47120, "type": "int16", "signed": true, "unit": "W"}
  ]
}`

func TestParseRegisterMap(t *testing.T) {
	rm, err := ParseRegisterMap([]byte(sampleMap))
	require.NoError(t, err)
	assert.Equal(t, 8, rm.Len())

	reg, ok := rm.ByName("meter_total_active_power")
	require.True(t, ok)
	assert.Equal(t, uint16(36025), reg.Address)
	assert.True(t, reg.Signed)

	// Writable registers resolve through the same index.
	reg, ok = rm.ByName("ems_power_set")
	require.True(t, ok)
	assert.Equal(t, uint16(47512), reg.Address)

	_, ok = rm.ByName("no_such_register")
	assert.False(t, ok)
}

func TestParseRegisterMapMalformed(t *testing.T) {
	_, err := ParseRegisterMap([]byte(`{"read_registers": "nope"}`))
	assert.Error(t, err)
}

func TestIsPVRegister(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"pv1_power", true},
		{"pv_voltage", true},
		{"mppt_power_3", true},
		{"ct2_active_power", true},
		{"battery_soc", false},
		{"meter_total_active_power", false},
		{"", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsPVRegister(tt.name), tt.name)
	}
}
