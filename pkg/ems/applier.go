package ems

import (
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/consus-energy/lanzone-edge/pkg/fieldbus"
	"github.com/consus-energy/lanzone-edge/pkg/log"
	"github.com/consus-energy/lanzone-edge/pkg/state"
)

// Applier wraps the Decider with commissioning, clamping, ramping, and the
// register write-back. It owns the per-unit EMS runtime state; nothing else
// touches last_setpoint or the commissioned flag.
type Applier struct {
	consusID string
	store    *state.Store
	bus      fieldbus.Bus
	decider  *Decider
	now      func() time.Time
	logger   zerolog.Logger

	commissioned   bool
	lastSetpointW  int
	lastSetpointTS time.Time
}

// NewApplier creates an applier for one unit.
func NewApplier(consusID string, store *state.Store, bus fieldbus.Bus) *Applier {
	return &Applier{
		consusID: consusID,
		store:    store,
		bus:      bus,
		decider:  NewDecider(consusID, store),
		now:      time.Now,
		logger:   log.WithUnit(consusID).With().Str("component", "ems").Logger(),
	}
}

// commissionIfNeeded performs the one-time EMS setup writes. Retried on the
// next tick if any write errors; guard drops (value already set) are fine.
func (a *Applier) commissionIfNeeded() error {
	if a.commissioned {
		return nil
	}
	settings := a.store.Settings()

	// Required for the inverter to accept EMS commands at all.
	if _, err := a.bus.Write("manufacturer_code", 2); err != nil {
		return fmt.Errorf("commissioning: %w", err)
	}
	if _, err := a.bus.Write("feed_power_enable", 1); err != nil {
		return fmt.Errorf("commissioning: %w", err)
	}
	if _, err := a.bus.Write("export_power_cap", settings.ExportCapW); err != nil {
		return fmt.Errorf("commissioning: %w", err)
	}
	if settings.ExternalMeter {
		if _, err := a.bus.Write("external_meter_enable", 1); err != nil {
			return fmt.Errorf("commissioning: %w", err)
		}
	}
	if _, err := a.bus.Write("meter_target_power_offset", settings.MeterBiasW); err != nil {
		return fmt.Errorf("commissioning: %w", err)
	}

	a.commissioned = true
	a.logger.Info().Int("export_cap_w", settings.ExportCapW).Msg("EMS commissioning complete")
	return nil
}

// Apply runs one EMS cycle: decide, clamp, ramp, write. It returns the mode
// and the setpoint that was commanded. Local setpoint state only advances on
// writes the guard accepted, so dropped writes do not skew the ramp baseline.
func (a *Applier) Apply(soc float64, meterPW, pvPowerW int) (int, int, error) {
	if err := a.commissionIfNeeded(); err != nil {
		a.logger.Warn().Err(err).Msg("EMS commissioning failed, will retry next tick")
		return 0, 0, err
	}

	mode, setpoint := a.decider.Decide(soc, pvPowerW)
	now := a.now()

	if mode == ModeImportAC {
		setpoint = a.clampAndRamp(setpoint, now)
	} else {
		// Leaving import mode resets the ramp baseline.
		a.lastSetpointW = 0
		a.lastSetpointTS = now
	}

	// Only touch the mode register when the device disagrees.
	currentMode, err := a.bus.Read("ems_power_mode")
	if err != nil || currentMode != mode {
		if _, werr := a.bus.Write("ems_power_mode", mode); werr != nil {
			return mode, setpoint, fmt.Errorf("mode write: %w", werr)
		}
		a.logger.Info().Str("mode", fmt.Sprintf("0x%04x", mode)).Msg("EMS mode set")
	}

	if mode == ModeImportAC {
		accepted, err := a.bus.Write("ems_power_set", setpoint)
		if err != nil {
			return mode, setpoint, fmt.Errorf("setpoint write: %w", err)
		}
		if accepted {
			a.lastSetpointW = setpoint
			a.lastSetpointTS = now
		}
		a.logger.Debug().Int("setpoint_w", setpoint).Bool("accepted", accepted).Msg("import setpoint")
	} else {
		// Best effort: zero the setpoint so Auto never runs on a stale value.
		if _, err := a.bus.Write("ems_power_set", 0); err != nil {
			a.logger.Warn().Err(err).Msg("failed to zero setpoint in auto mode")
		}
		a.trimBias(meterPW)
	}

	return mode, setpoint, nil
}

// clampAndRamp bounds the import setpoint to [0, max_charge_w] and limits
// its rate of change symmetrically in both directions.
func (a *Applier) clampAndRamp(setpoint int, now time.Time) int {
	if setpoint < 0 {
		setpoint = 0
	}

	settings := a.store.Settings()
	cfg, _ := a.store.BatteryConfig(a.consusID)

	maxCharge := cfg.MaxChargeW
	if maxCharge <= 0 {
		maxCharge = settings.MaxChargeW
	}
	if maxCharge > 0 && float64(setpoint) > maxCharge {
		a.logger.Debug().Int("setpoint_w", setpoint).Float64("max_charge_w", maxCharge).Msg("import setpoint clamped")
		setpoint = int(maxCharge)
	}

	rampRate := cfg.MaxRampRateWPerS
	if rampRate <= 0 {
		rampRate = settings.MaxRampRateWPerS
	}
	if rampRate > 0 && !a.lastSetpointTS.IsZero() {
		dt := now.Sub(a.lastSetpointTS).Seconds()
		if dt < 0.001 {
			dt = 0.001
		}
		maxDelta := rampRate * dt
		delta := float64(setpoint - a.lastSetpointW)
		if math.Abs(delta) > maxDelta {
			ramped := a.lastSetpointW + int(math.Copysign(maxDelta, delta))
			a.logger.Debug().
				Float64("delta_w", delta).
				Int("from_w", a.lastSetpointW).
				Int("to_w", ramped).
				Msg("setpoint ramp limited")
			setpoint = ramped
		}
	}
	return setpoint
}

// trimBias nudges the meter bias offset toward target grid exchange while
// in Auto mode, bounded to the device's accepted range.
func (a *Applier) trimBias(meterPW int) {
	trim := a.store.Settings().AutoBiasTrim
	if trim == nil || !trim.Enable {
		return
	}
	residual := meterPW - trim.TargetW
	if residual >= -trim.DeadbandW && residual <= trim.DeadbandW {
		return
	}

	currentBias, err := a.bus.Read("meter_target_power_offset")
	if err != nil {
		currentBias = 0
	}
	step := trim.StepW
	if residual < 0 {
		step = -step
	}
	newBias := currentBias + step
	if newBias > 500 {
		newBias = 500
	}
	if newBias < -500 {
		newBias = -500
	}
	if newBias == currentBias {
		return
	}
	if _, err := a.bus.Write("meter_target_power_offset", newBias); err != nil {
		a.logger.Warn().Err(err).Msg("bias trim write failed")
		return
	}
	a.logger.Info().Int("from_w", currentBias).Int("to_w", newBias).Int("residual_w", residual).Msg("bias trimmed")
}
