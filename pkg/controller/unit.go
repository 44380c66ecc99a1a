package controller

import (
	"github.com/rs/zerolog"

	"github.com/consus-energy/lanzone-edge/pkg/fieldbus"
	"github.com/consus-energy/lanzone-edge/pkg/log"
	"github.com/consus-energy/lanzone-edge/pkg/state"
)

// pvStringKeys are the DC-side PV channels summed into pv_power_total.
var pvStringKeys = []string{
	"pv1_power", "pv2_power", "pv3_power", "pv4_power",
	"mppt_power_1", "mppt_power_2", "mppt_power_3", "mppt_power_4", "mppt_power_5",
}

// Unit wraps one inverter's bus access with SoC tracking and PV
// aggregation. The tracked SoC survives ticks where the register read
// fails, so control decisions degrade gracefully instead of jumping to
// zero.
type Unit struct {
	consusID   string
	bus        fieldbus.Bus
	store      *state.Store
	currentSOC float64
	logger     zerolog.Logger
}

// NewUnit creates a unit wrapper. The starting SoC comes from the config's
// initial_soc_percent, defaulting to 50%.
func NewUnit(consusID string, bus fieldbus.Bus, store *state.Store) *Unit {
	initial := 50.0
	if cfg, ok := store.BatteryConfig(consusID); ok && cfg.InitialSOCPercent > 0 {
		initial = cfg.InitialSOCPercent
	}
	return &Unit{
		consusID:   consusID,
		bus:        bus,
		store:      store,
		currentSOC: initial / 100,
		logger:     log.WithUnit(consusID).With().Str("component", "unit").Logger(),
	}
}

// SOC returns the last known state of charge as a fraction (0..1).
func (u *Unit) SOC() float64 { return u.currentSOC }

// ReadTelemetry performs a bulk register read, refreshes the tracked SoC,
// and aggregates PV totals when the site has PV. pv_power_total sums the DC
// string channels; pv_power_total_ac_included adds the AC-coupled CT2
// reading when present.
func (u *Unit) ReadTelemetry() fieldbus.Readings {
	cfg, _ := u.store.BatteryConfig(u.consusID)
	readings := u.bus.ReadAll(cfg.PVEnabled)

	if soc, ok := readings.Get("battery_soc"); ok {
		frac := float64(soc) / 100
		if frac < 0 {
			frac = 0
		}
		if frac > 1 {
			frac = 1
		}
		u.currentSOC = frac
	}

	if cfg.PVEnabled {
		pvTotal := 0
		seen := false
		for _, key := range pvStringKeys {
			if v, ok := readings.Get(key); ok {
				pvTotal += v
				seen = true
			}
		}
		if seen && pvTotal != 0 {
			total := pvTotal
			readings["pv_power_total"] = &total
		}
		if ct2, ok := readings.Get("ct2_active_power"); ok {
			acTotal := pvTotal + ct2
			readings["pv_power_total_ac_included"] = &acTotal
		}
	}
	return readings
}

// Dispatch issues a manual power command on the legacy register pair.
func (u *Unit) Dispatch(powerW int) error {
	return u.bus.Dispatch(powerW)
}
