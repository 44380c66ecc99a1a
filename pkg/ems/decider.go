package ems

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/consus-energy/lanzone-edge/pkg/log"
	"github.com/consus-energy/lanzone-edge/pkg/state"
)

// EMS mode register values.
const (
	ModeAuto     = 0x0001 // inverter balances grid exchange toward zero
	ModeImportAC = 0x0004 // inverter imports at the commanded setpoint
)

// Decider chooses between Auto and Import-AC each tick. Inside a charge
// window it charges from the grid until the target SoC, then latches a
// zero-setpoint hold for the rest of the window so the battery does not
// discharge back out during the cheap period.
type Decider struct {
	consusID  string
	store     *state.Store
	now       func() time.Time
	holdUntil time.Time // zero when no hold latched
	logger    zerolog.Logger
}

// NewDecider creates a decider for one unit.
func NewDecider(consusID string, store *state.Store) *Decider {
	return &Decider{
		consusID: consusID,
		store:    store,
		now:      store.NowLocal,
		logger:   log.WithUnit(consusID).With().Str("component", "ems").Logger(),
	}
}

// Decide returns (mode, setpointW) for the given SoC fraction (0..1) and
// live PV output. It mutates only the decider's hold latch.
func (d *Decider) Decide(soc float64, pvPowerW int) (int, int) {
	settings := d.store.Settings()
	now := d.now()

	if !d.store.InChargeWindow(d.consusID, now) {
		if !d.holdUntil.IsZero() && !now.Before(d.holdUntil) {
			d.logger.Info().Msg("charge window ended, clearing hold")
		}
		d.holdUntil = time.Time{}
		return ModeAuto, 0
	}

	target := settings.TargetSOCPercent / 100.0
	if soc >= target*0.99 {
		if d.holdUntil.IsZero() || !now.Before(d.holdUntil) {
			if end, ok := d.store.CurrentWindowEnd(d.consusID, now); ok {
				d.holdUntil = end
				d.logger.Info().Time("hold_until", end).Msg("target SoC reached, holding until window end")
			}
		}
		// Zero setpoint in Import-AC prevents discharge during the window.
		return ModeImportAC, 0
	}

	effective := 0
	if settings.ImportChargePowerW > 0 {
		effective = settings.ImportChargePowerW - pvPowerW
		if effective < settings.MinImportW {
			effective = settings.MinImportW
		}
	}

	if task, ok := d.store.GetTask(d.consusID); ok && task.MaxImportLimitKW != nil && *task.MaxImportLimitKW > 0 {
		if capW := int(*task.MaxImportLimitKW * 1000); effective > capW {
			effective = capW
		}
	}

	if effective < 0 {
		effective = 0
	}
	return ModeImportAC, effective
}

// HoldUntil exposes the latch for telemetry; zero when no hold is active.
func (d *Decider) HoldUntil() time.Time { return d.holdUntil }
