package ems

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/consus-energy/lanzone-edge/pkg/log"
	"github.com/consus-energy/lanzone-edge/pkg/state"
)

// forcedChargeCapW bounds forced charging regardless of the configured
// maximum, to keep manual interventions gentle on the pack.
const forcedChargeCapW = 2000

// Strategy computes charge power demands for the legacy dispatch path used
// by forced charging. Demands are negative (charging) in the dispatch sign
// convention and must still pass through the power limiter.
type Strategy struct {
	consusID string
	store    *state.Store
	logger   zerolog.Logger
}

// NewStrategy creates a strategy for one unit.
func NewStrategy(consusID string, store *state.Store) *Strategy {
	return &Strategy{
		consusID: consusID,
		store:    store,
		logger:   log.WithUnit(consusID).With().Str("component", "strategy").Logger(),
	}
}

// ForcedChargeW returns the charge power for forced charging, or 0 when the
// pack is already at its maximum SoC.
func (s *Strategy) ForcedChargeW(soc float64) int {
	cfg, _ := s.store.BatteryConfig(s.consusID)
	maxSOC := cfg.MaxSOCPct
	if maxSOC <= 0 {
		maxSOC = 100
	}
	if soc >= maxSOC/100 {
		s.logger.Info().Msg("skipping forced charge, SoC at max")
		return 0
	}

	power := cfg.MaxChargeW
	if power <= 0 || power > forcedChargeCapW {
		power = forcedChargeCapW
	}
	return int(power)
}

// ScheduledChargeW spreads the energy still needed to reach max SoC over the
// time remaining in the current charge window, clamped to max_charge_w.
// Returns 0 outside a window, at max SoC, or without a usable capacity.
func (s *Strategy) ScheduledChargeW(soc float64, now time.Time) int {
	cfg, _ := s.store.BatteryConfig(s.consusID)
	maxSOC := cfg.MaxSOCPct
	if maxSOC <= 0 {
		maxSOC = 100
	}
	target := maxSOC / 100
	if soc >= target || cfg.CapacityKWh <= 0 {
		return 0
	}

	end, ok := s.store.CurrentWindowEnd(s.consusID, now)
	if !ok {
		return 0
	}
	hoursRemaining := end.Sub(now).Hours()
	if hoursRemaining <= 0 {
		return 0
	}

	whNeeded := (target - soc) * cfg.CapacityKWh * 1000
	required := whNeeded / hoursRemaining
	if cfg.MaxChargeW > 0 && required > cfg.MaxChargeW {
		required = cfg.MaxChargeW
	}
	s.logger.Debug().Int("dispatch_w", int(required)).Float64("hours_remaining", hoursRemaining).Msg("scheduled charge")
	return int(required)
}
