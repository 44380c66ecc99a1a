package ems

import (
	"github.com/consus-energy/lanzone-edge/pkg/state"
	"github.com/consus-energy/lanzone-edge/pkg/types"
)

// UnitMode is the collapsed per-tick operating decision for a unit.
type UnitMode string

const (
	UnitIdle           UnitMode = "idle"
	UnitActive         UnitMode = "active"
	UnitForcedCharging UnitMode = "forced_charging"
)

// DetermineMode collapses the global edge status and the unit's configured
// battery mode into one of idle, active, or forced_charging. A legacy
// "charging" mode maps to active; the EMS decider picks Import-AC vs Auto
// internally. Anything unexpected resolves to idle.
func DetermineMode(store *state.Store, consusID string) UnitMode {
	settings := store.Settings()
	if settings.EdgeStatus != types.EdgeStatusActive {
		return UnitIdle
	}

	cfg, ok := store.BatteryConfig(consusID)
	if !ok {
		return UnitIdle
	}
	switch cfg.BatteryMode {
	case types.BatteryModeIdle, "":
		return UnitIdle
	case types.BatteryModeForcedCharging:
		return UnitForcedCharging
	default:
		return UnitActive
	}
}
