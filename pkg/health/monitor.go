package health

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/consus-energy/lanzone-edge/pkg/fieldbus"
	"github.com/consus-energy/lanzone-edge/pkg/log"
	"github.com/consus-energy/lanzone-edge/pkg/metrics"
	"github.com/consus-energy/lanzone-edge/pkg/types"
)

// IntentFaultSafe tells the controller to latch the unit into idle.
const IntentFaultSafe = "FAULT_SAFE"

const (
	intentQueueCap   = 100
	telemetryRingCap = 50
	// ring entries attached to a CRITICAL alert
	criticalRingTail = 20
)

// Intent is a control request emitted by the health monitor and drained by
// the controller each tick.
type Intent struct {
	Intent string
	TS     time.Time
}

// AlertPoster delivers alert events to the backend.
type AlertPoster interface {
	PostAlerts(events []types.AlertEvent) error
}

// healthRegisters is the fixed scan set, read individually so a single
// failed register never blanks the rest of the picture.
var healthRegisters = []string{
	"ems_check_status",
	"bms_warning_bits",
	"bms_alarm_bits",
	"bms_soc",
	"bms_soh_percent",
	"arc_fault",
	"parallel_comm_status",
	"meter_internal_external",
	"int_meter_comm",
	"ext_meter_comm",
	"remote_comm_loss_time",
	"app_mode_display",
	"meter_total_active_power",
	"battery_soc",
	"pv_power_total",
	"meter_target_power_offset",
}

// Monitor polls one unit's health registers, drives the per-code alert
// state machines, and posts alert events. It owns its alert state
// exclusively; the only cross-worker surface is the bounded intent queue.
type Monitor struct {
	consusID string
	bus      fieldbus.Bus
	poster   AlertPoster
	interval time.Duration
	now      func() time.Time
	logger   zerolog.Logger

	alerts        map[string]*alertState
	telemetryRing []types.RecentTelemetry
	batch         []types.AlertEvent
	lastBatchPost time.Time

	intentMu sync.Mutex
	intents  []Intent

	stopCh chan struct{}
	doneCh chan struct{}
	once   sync.Once
}

// NewMonitor creates a health monitor for one unit. pollHz is clamped so
// the scan interval never drops below 200 ms.
func NewMonitor(consusID string, bus fieldbus.Bus, poster AlertPoster, pollHz float64) *Monitor {
	if pollHz <= 0 {
		pollHz = 1.0
	}
	interval := time.Duration(float64(time.Second) / pollHz)
	if interval < 200*time.Millisecond {
		interval = 200 * time.Millisecond
	}
	return &Monitor{
		consusID: consusID,
		bus:      bus,
		poster:   poster,
		interval: interval,
		now:      time.Now,
		logger:   log.WithUnit(consusID).With().Str("component", "health").Logger(),
		alerts:   make(map[string]*alertState),
	}
}

// Start launches the scan loop.
func (m *Monitor) Start() {
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	m.lastBatchPost = m.now()
	m.logger.Info().Dur("interval", m.interval).Msg("health monitor started")
	go m.run()
}

// Stop signals the loop and waits up to 2 s for it to finish.
func (m *Monitor) Stop() {
	m.once.Do(func() { close(m.stopCh) })
	select {
	case <-m.doneCh:
	case <-time.After(2 * time.Second):
		m.logger.Warn().Msg("health monitor did not stop in time")
	}
}

// PollIntent pops the oldest pending intent.
func (m *Monitor) PollIntent() (Intent, bool) {
	m.intentMu.Lock()
	defer m.intentMu.Unlock()
	if len(m.intents) == 0 {
		return Intent{}, false
	}
	intent := m.intents[0]
	m.intents = m.intents[1:]
	return intent, true
}

func (m *Monitor) run() {
	defer close(m.doneCh)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			m.logger.Info().Msg("health monitor stopped")
			return
		case <-ticker.C:
			m.scan(m.now())
			m.flushBatch(m.now())
		}
	}
}

// scan performs one poll cycle: read registers, record telemetry context,
// evaluate every alert condition.
func (m *Monitor) scan(now time.Time) {
	raw := make(fieldbus.Readings, len(healthRegisters))
	for _, name := range healthRegisters {
		v, err := m.bus.Read(name)
		if err != nil {
			raw[name] = nil
			continue
		}
		val := v
		raw[name] = &val
	}

	m.recordTelemetry(raw, now)

	emsStatus, emsOK := raw.Get("ems_check_status")
	m.evalCondition("EMS_FAULT", types.SeverityCritical, emsOK && emsStatus != 1, raw, now)

	bmsAlarm, _ := raw.Get("bms_alarm_bits")
	m.evalCondition("BMS_ALARM", types.SeverityCritical, bmsAlarm != 0, raw, now)

	arc, _ := raw.Get("arc_fault")
	m.evalCondition("ARC_FAULT", types.SeverityCritical, arc != 0, raw, now)

	bmsWarn, _ := raw.Get("bms_warning_bits")
	m.evalCondition("BMS_WARNING", types.SeverityWarning, bmsWarn != 0, raw, now)

	extComm, extOK := raw.Get("ext_meter_comm")
	intComm, intOK := raw.Get("int_meter_comm")
	commsLost := extOK && intOK && extComm == 0 && intComm == 0
	m.evalCondition("METER_COMMS_LOSS", types.SeverityWarning, commsLost, raw, now)
}

func (m *Monitor) recordTelemetry(raw fieldbus.Readings, now time.Time) {
	entry := types.RecentTelemetry{
		TS:    now.UTC().Format("2006-01-02T15:04:05Z"),
		SOC:   socFraction(raw),
		GridW: raw["meter_total_active_power"],
		PVW:   raw["pv_power_total"],
		Mode:  raw["app_mode_display"],
		BiasW: raw["meter_target_power_offset"],
	}
	m.telemetryRing = append(m.telemetryRing, entry)
	if len(m.telemetryRing) > telemetryRingCap {
		m.telemetryRing = m.telemetryRing[len(m.telemetryRing)-telemetryRingCap:]
	}
}

// evalCondition drives one alert code's state machine for this poll.
func (m *Monitor) evalCondition(code string, severity types.Severity, active bool, raw fieldbus.Readings, now time.Time) {
	st, ok := m.alerts[code]
	if !ok {
		st = newAlertState(code, severity)
		m.alerts[code] = st
	}

	if active {
		switch st.state {
		case stateClear:
			if st.activateDeadline.IsZero() {
				st.activateDeadline = now.Add(debounceActivate)
			}
			if !now.Before(st.activateDeadline) {
				st.state = stateActive
				if st.firstSeen.IsZero() {
					st.firstSeen = now
				}
				st.lastSeen = now
				if st.eventID == "" {
					st.eventID = makeEventID(m.consusID, code, st.firstSeen)
				}
				st.count++
				st.context = m.makeContext(raw)
				m.emit(st, types.AlertStateActive, false, now)
				if severity == types.SeverityCritical {
					m.enqueueIntent(IntentFaultSafe, now)
				}
			}
		case stateActive:
			st.lastSeen = now
			if now.Sub(st.firstSeen) > heartbeatEvery && now.Sub(st.lastHeartbeat) >= heartbeatEvery {
				st.lastHeartbeat = now
				m.emit(st, types.AlertStateActive, true, now)
			}
		case stateResolved:
			st.state = stateActive
			st.lastSeen = now
			st.count++
			st.context = m.makeContext(raw)
			m.emit(st, types.AlertStateActive, false, now)
			if severity == types.SeverityCritical {
				m.enqueueIntent(IntentFaultSafe, now)
			}
		}
		return
	}

	if st.state == stateActive {
		st.clearCount++
		if st.clearCount >= debounceClearPolls {
			st.state = stateResolved
			st.lastSeen = now
			st.clearCount = 0
			m.emit(st, types.AlertStateResolved, false, now)
		}
		return
	}
	st.activateDeadline = time.Time{}
	st.clearCount = 0
}

func (m *Monitor) makeContext(raw fieldbus.Readings) types.AlertContext {
	return types.AlertContext{
		Mode:  raw["app_mode_display"],
		SOC:   socFraction(raw),
		GridW: raw["meter_total_active_power"],
		PVW:   raw["pv_power_total"],
		BiasW: raw["meter_target_power_offset"],
	}
}

// emit builds the alert event and routes it: CRITICAL posts immediately
// with the recent telemetry tail, WARNING/INFO joins the 45 s batch.
func (m *Monitor) emit(st *alertState, state types.AlertFSMState, heartbeat bool, now time.Time) {
	event := types.AlertEvent{
		SiteID:    m.consusID,
		TS:        now.UTC().Format("2006-01-02T15:04:05Z"),
		Severity:  st.severity,
		Code:      st.code,
		State:     state,
		EventID:   st.eventID,
		Count:     st.count,
		Heartbeat: heartbeat,
		Context:   st.context,
	}
	if st.severity == types.SeverityCritical {
		tail := m.telemetryRing
		if len(tail) > criticalRingTail {
			tail = tail[len(tail)-criticalRingTail:]
		}
		event.RecentTelemetry = append([]types.RecentTelemetry(nil), tail...)
	}

	metrics.AlertTransitions.WithLabelValues(st.code, string(state)).Inc()
	m.logger.Info().
		Str("code", st.code).
		Str("state", string(state)).
		Str("severity", string(st.severity)).
		Bool("heartbeat", heartbeat).
		Int("count", st.count).
		Msg("alert transition")

	if st.severity == types.SeverityCritical {
		if err := m.poster.PostAlerts([]types.AlertEvent{event}); err != nil {
			m.logger.Error().Err(err).Str("code", st.code).Msg("critical alert post failed")
			return
		}
		metrics.AlertsPosted.WithLabelValues(string(st.severity)).Inc()
		return
	}
	m.batch = append(m.batch, event)
}

// flushBatch posts accumulated WARNING/INFO alerts once the flush window
// elapses. A failed post keeps the batch for the next window.
func (m *Monitor) flushBatch(now time.Time) {
	if len(m.batch) == 0 || now.Sub(m.lastBatchPost) < warningBatchEvery {
		return
	}
	m.lastBatchPost = now
	if err := m.poster.PostAlerts(m.batch); err != nil {
		m.logger.Warn().Err(err).Int("pending", len(m.batch)).Msg("alert batch post failed, retrying next window")
		return
	}
	for _, e := range m.batch {
		metrics.AlertsPosted.WithLabelValues(string(e.Severity)).Inc()
	}
	m.logger.Info().Int("count", len(m.batch)).Msg("alert batch posted")
	m.batch = nil
}

func (m *Monitor) enqueueIntent(intent string, now time.Time) {
	m.intentMu.Lock()
	defer m.intentMu.Unlock()
	if len(m.intents) >= intentQueueCap {
		m.intents = m.intents[1:]
		m.logger.Warn().Msg("intent queue full, dropping oldest")
	}
	m.intents = append(m.intents, Intent{Intent: intent, TS: now})
}

func socFraction(raw fieldbus.Readings) *float64 {
	v, ok := raw.Get("battery_soc")
	if !ok {
		return nil
	}
	f := float64(v) / 100.0
	return &f
}
