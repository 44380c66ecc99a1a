package controller

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/consus-energy/lanzone-edge/pkg/ems"
	"github.com/consus-energy/lanzone-edge/pkg/fieldbus"
	"github.com/consus-energy/lanzone-edge/pkg/health"
	"github.com/consus-energy/lanzone-edge/pkg/log"
	"github.com/consus-energy/lanzone-edge/pkg/metrics"
	"github.com/consus-energy/lanzone-edge/pkg/state"
	"github.com/consus-energy/lanzone-edge/pkg/types"
)

// TelemetrySink receives the telemetry record produced each tick.
type TelemetrySink interface {
	Add(tp types.TelemetryPayload)
}

// IntentSource supplies health intents; satisfied by *health.Monitor.
type IntentSource interface {
	PollIntent() (health.Intent, bool)
}

// Controller runs one unit's control tick: drain health intents, evaluate
// the operating mode, read telemetry, drive the EMS or the manual dispatch
// path, and emit a telemetry record. A FAULT_SAFE intent latches the unit
// into idle until the process restarts.
type Controller struct {
	consusID string
	unit     *Unit
	store    *state.Store
	applier  *ems.Applier
	strategy *ems.Strategy
	limiter  *ems.Limiter
	intents  IntentSource
	sink     TelemetrySink
	now      func() time.Time
	logger   zerolog.Logger

	faultSafe bool
}

// New creates a controller for one unit. intents may be nil when no health
// monitor runs.
func New(consusID string, bus fieldbus.Bus, store *state.Store, intents IntentSource, sink TelemetrySink) *Controller {
	return &Controller{
		consusID: consusID,
		unit:     NewUnit(consusID, bus, store),
		store:    store,
		applier:  ems.NewApplier(consusID, store, bus),
		strategy: ems.NewStrategy(consusID, store),
		limiter:  ems.NewLimiter(consusID, store),
		intents:  intents,
		sink:     sink,
		now:      time.Now,
		logger:   log.WithUnit(consusID).With().Str("component", "controller").Logger(),
	}
}

// Tick executes one control cycle and hands the resulting telemetry record
// to the sink. It never panics out; unexpected failures become an error
// record and the worker carries on.
func (c *Controller) Tick() {
	start := c.now()
	defer func() {
		metrics.TickDuration.WithLabelValues(c.consusID).Observe(time.Since(start).Seconds())
		if r := recover(); r != nil {
			c.logger.Error().Interface("panic", r).Msg("tick panicked")
			metrics.TickErrors.WithLabelValues(c.consusID).Inc()
			c.sink.Add(types.NewTelemetry(c.consusID, "error", c.now().UTC(), fmt.Sprint(r)))
		}
	}()

	c.drainIntents()

	mode := ems.DetermineMode(c.store, c.consusID)
	if c.faultSafe {
		mode = ems.UnitIdle
	}

	telemetry := c.unit.ReadTelemetry()
	record := c.handleMode(mode, telemetry)
	c.sink.Add(record)
}

// drainIntents consumes everything the health monitor queued since the
// last tick.
func (c *Controller) drainIntents() {
	if c.intents == nil {
		return
	}
	for {
		intent, ok := c.intents.PollIntent()
		if !ok {
			return
		}
		if intent.Intent == health.IntentFaultSafe {
			if !c.faultSafe {
				c.logger.Warn().Time("intent_ts", intent.TS).Msg("entering fault-safe, unit latched idle")
			}
			c.faultSafe = true
		}
	}
}

func (c *Controller) handleMode(mode ems.UnitMode, telemetry fieldbus.Readings) types.TelemetryPayload {
	ts := c.now().UTC()

	meterP, _ := telemetry.Get("meter_total_active_power")
	pvPower, ok := telemetry.Get("pv_power_total_ac_included")
	if !ok {
		pvPower, _ = telemetry.Get("pv_power_total")
	}

	var err error
	switch mode {
	case ems.UnitIdle:
		// Clear any stale manual setpoint; the write guard deduplicates
		// the zero on subsequent ticks.
		err = c.unit.Dispatch(0)
	case ems.UnitForcedCharging:
		err = c.forcedCharge()
	default:
		_, _, err = c.applier.Apply(c.unit.SOC(), meterP, pvPower)
	}

	if err != nil {
		c.logger.Error().Err(err).Str("mode", string(mode)).Msg("tick error")
		metrics.TickErrors.WithLabelValues(c.consusID).Inc()
		return types.NewTelemetry(c.consusID, string(mode), ts, err.Error())
	}
	return types.NewTelemetry(c.consusID, string(mode), ts, telemetry)
}

// forcedCharge pushes the manual charge demand through the power limiter
// and dispatches on the legacy register pair.
func (c *Controller) forcedCharge() error {
	cfg, ok := c.store.BatteryConfig(c.consusID)
	if !ok {
		return fmt.Errorf("no config for %s", c.consusID)
	}
	demandW := c.strategy.ForcedChargeW(c.unit.SOC())
	if demandW == 0 {
		return c.unit.Dispatch(0)
	}
	// Charging is negative in the dispatch sign convention.
	safeW := c.limiter.Compute(float64(-demandW), c.unit.SOC(), cfg)
	return c.unit.Dispatch(safeW)
}

// FaultSafe reports whether the unit is latched idle.
func (c *Controller) FaultSafe() bool { return c.faultSafe }
