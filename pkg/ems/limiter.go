package ems

import (
	"math"

	"github.com/rs/zerolog"

	"github.com/consus-energy/lanzone-edge/pkg/log"
	"github.com/consus-energy/lanzone-edge/pkg/state"
	"github.com/consus-energy/lanzone-edge/pkg/types"
)

// Limiter bounds manual dispatch demands to what the pack can physically
// and safely deliver this tick: SoC floor and ceiling, per-tick energy
// feasibility, configured power limits, and ramp rate. Demand sign follows
// the dispatch convention: positive discharges, negative charges.
type Limiter struct {
	consusID     string
	store        *state.Store
	lastDispatch int
	lastSOC      float64
	lastDemand   float64
	lastValid    bool
	logger       zerolog.Logger
}

// NewLimiter creates a limiter for one unit.
func NewLimiter(consusID string, store *state.Store) *Limiter {
	return &Limiter{
		consusID: consusID,
		store:    store,
		logger:   log.WithUnit(consusID).With().Str("component", "limiter").Logger(),
	}
}

// Compute returns the safe dispatch power for a demand at the given SoC.
func (l *Limiter) Compute(demandW, soc float64, cfg types.BatteryConfig) int {
	if cfg.CapacityKWh <= 0 {
		l.logger.Warn().Msg("capacity unset, refusing dispatch")
		return 0
	}

	// Identical inputs on consecutive ticks short-circuit to the previous
	// answer so the ramp limit does not creep.
	if l.lastValid && l.lastSOC == soc && l.lastDemand == demandW {
		return l.lastDispatch
	}

	timestepSec := l.store.Settings().Frequency
	if timestepSec <= 0 {
		timestepSec = 1
	}
	timestepHr := timestepSec / 3600.0

	reserve := cfg.ReserveSOCPct
	if reserve <= 0 {
		reserve = 10
	}
	reserve /= 100
	maxSOC := cfg.MaxSOCPct
	if maxSOC <= 0 {
		maxSOC = 100
	}
	maxSOC /= 100

	if soc <= reserve+0.001 && demandW > 0 {
		return l.commit(soc, demandW, 0)
	}
	if soc >= maxSOC-0.001 && demandW < 0 {
		return l.commit(soc, demandW, 0)
	}
	if math.Abs(demandW-float64(l.lastDispatch)) < 1 {
		return l.lastDispatch
	}

	safe := 0.0
	switch {
	case demandW > 0 && soc > reserve:
		availWh := (soc - reserve) * cfg.CapacityKWh * 1000
		maxDischarge := availWh / timestepHr
		if cfg.MaxDischargeW > 0 {
			maxDischarge = math.Min(maxDischarge, cfg.MaxDischargeW)
		}
		safe = math.Min(demandW, maxDischarge)
	case demandW < 0 && soc < maxSOC:
		roomWh := (maxSOC - soc) * cfg.CapacityKWh * 1000
		maxCharge := roomWh / timestepHr
		if cfg.MaxChargeW > 0 {
			maxCharge = math.Min(maxCharge, cfg.MaxChargeW)
		}
		safe = -math.Min(math.Abs(demandW), maxCharge)
	}

	if cfg.MaxRampRateWPerS > 0 {
		maxDelta := cfg.MaxRampRateWPerS * timestepSec
		delta := safe - float64(l.lastDispatch)
		if math.Abs(delta) > maxDelta {
			safe = float64(l.lastDispatch) + math.Copysign(maxDelta, delta)
			l.logger.Debug().Float64("delta_w", delta).Float64("capped_w", safe).Msg("dispatch ramp limited")
		}
	}

	return l.commit(soc, demandW, int(safe))
}

func (l *Limiter) commit(soc, demandW float64, result int) int {
	l.lastSOC = soc
	l.lastDemand = demandW
	l.lastValid = true
	l.lastDispatch = result
	return result
}
