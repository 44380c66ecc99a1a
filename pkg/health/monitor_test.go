package health

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/consus-energy/lanzone-edge/pkg/fieldbus"
	"github.com/consus-energy/lanzone-edge/pkg/types"
)

// healthBus serves the health register scan from an in-memory map.
type healthBus struct {
	regs map[string]int
}

func (b *healthBus) Read(name string) (int, error) {
	v, ok := b.regs[name]
	if !ok {
		return 0, errors.New("register unavailable")
	}
	return v, nil
}

func (b *healthBus) Write(name string, value int) (bool, error) { return true, nil }
func (b *healthBus) ReadAll(includePV bool) fieldbus.Readings   { return nil }
func (b *healthBus) Dispatch(powerW int) error                  { return nil }
func (b *healthBus) Close() error                               { return nil }

type capturedPost struct {
	events []types.AlertEvent
}

type fakePoster struct {
	posts   []capturedPost
	failing bool
}

func (p *fakePoster) PostAlerts(events []types.AlertEvent) error {
	if p.failing {
		return errors.New("backend unreachable")
	}
	p.posts = append(p.posts, capturedPost{events: append([]types.AlertEvent(nil), events...)})
	return nil
}

func (p *fakePoster) all() []types.AlertEvent {
	var out []types.AlertEvent
	for _, post := range p.posts {
		out = append(out, post.events...)
	}
	return out
}

func healthyRegs() map[string]int {
	return map[string]int{
		"ems_check_status":          1,
		"bms_warning_bits":          0,
		"bms_alarm_bits":            0,
		"arc_fault":                 0,
		"int_meter_comm":            1,
		"ext_meter_comm":            1,
		"app_mode_display":          1,
		"meter_total_active_power":  -20,
		"battery_soc":               70,
		"pv_power_total":            0,
		"meter_target_power_offset": -50,
	}
}

func newTestMonitor(t *testing.T) (*Monitor, *healthBus, *fakePoster) {
	t.Helper()
	bus := &healthBus{regs: healthyRegs()}
	poster := &fakePoster{}
	m := NewMonitor("u1", bus, poster, 1.0)
	return m, bus, poster
}

// tickFor runs the scan loop at 1 Hz simulated time without goroutines.
func tickFor(m *Monitor, start time.Time, seconds int) time.Time {
	now := start
	for i := 0; i < seconds; i++ {
		m.scan(now)
		m.flushBatch(now)
		now = now.Add(time.Second)
	}
	return now
}

func TestIntervalClamp(t *testing.T) {
	bus := &healthBus{regs: healthyRegs()}
	assert.Equal(t, time.Second, NewMonitor("u1", bus, &fakePoster{}, 1.0).interval)
	assert.Equal(t, 500*time.Millisecond, NewMonitor("u1", bus, &fakePoster{}, 2.0).interval)
	assert.Equal(t, 200*time.Millisecond, NewMonitor("u1", bus, &fakePoster{}, 10.0).interval)
	assert.Equal(t, time.Second, NewMonitor("u1", bus, &fakePoster{}, 0).interval)
}

func TestShortFaultNeverActivates(t *testing.T) {
	m, bus, poster := newTestMonitor(t)
	start := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	bus.regs["bms_alarm_bits"] = 0x04
	now := tickFor(m, start, 4) // fault held < 5 s
	bus.regs["bms_alarm_bits"] = 0
	tickFor(m, now, 10)

	assert.Empty(t, poster.all(), "fault shorter than the debounce never escalates")
	_, ok := m.PollIntent()
	assert.False(t, ok)
}

func TestCriticalActivationAndFaultSafe(t *testing.T) {
	m, bus, poster := newTestMonitor(t)
	start := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	bus.regs["bms_alarm_bits"] = 0x04
	tickFor(m, start, 7)

	events := poster.all()
	require.Len(t, events, 1, "one ACTIVE emission after the debounce")
	e := events[0]
	assert.Equal(t, "BMS_ALARM", e.Code)
	assert.Equal(t, types.SeverityCritical, e.Severity)
	assert.Equal(t, types.AlertStateActive, e.State)
	assert.Equal(t, 1, e.Count)
	assert.False(t, e.Heartbeat)
	assert.Len(t, e.EventID, 32)
	require.NotNil(t, e.Context.SOC)
	assert.InDelta(t, 0.70, *e.Context.SOC, 1e-9)
	assert.NotEmpty(t, e.RecentTelemetry, "critical alerts carry the telemetry tail")

	intent, ok := m.PollIntent()
	require.True(t, ok)
	assert.Equal(t, IntentFaultSafe, intent.Intent)
	_, ok = m.PollIntent()
	assert.False(t, ok, "one activation enqueues one intent")
}

func TestResolveAfterTenClearPolls(t *testing.T) {
	m, bus, poster := newTestMonitor(t)
	start := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	bus.regs["arc_fault"] = 1
	now := tickFor(m, start, 7)
	require.Len(t, poster.all(), 1)

	bus.regs["arc_fault"] = 0
	now = tickFor(m, now, 9)
	assert.Len(t, poster.all(), 1, "nine clear polls are not enough")

	tickFor(m, now, 1)
	events := poster.all()
	require.Len(t, events, 2)
	assert.Equal(t, types.AlertStateResolved, events[1].State)
	assert.Equal(t, events[0].EventID, events[1].EventID)
}

func TestReactivationKeepsEventIDAndBumpsCount(t *testing.T) {
	m, bus, poster := newTestMonitor(t)
	start := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	bus.regs["ems_check_status"] = 3
	now := tickFor(m, start, 7) // ACTIVE
	bus.regs["ems_check_status"] = 1
	now = tickFor(m, now, 10) // RESOLVED

	// Same fault returns: immediate re-activation, same episode id.
	bus.regs["ems_check_status"] = 3
	tickFor(m, now, 1)

	events := poster.all()
	require.Len(t, events, 3)
	assert.Equal(t, types.AlertStateActive, events[2].State)
	assert.Equal(t, 2, events[2].Count)
	assert.Equal(t, events[0].EventID, events[2].EventID)

	// Second FAULT_SAFE intent for the new occurrence.
	_, ok := m.PollIntent()
	require.True(t, ok)
	_, ok = m.PollIntent()
	require.True(t, ok)
}

func TestWarningBatchesUntilFlushWindow(t *testing.T) {
	m, bus, poster := newTestMonitor(t)
	start := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	m.lastBatchPost = start

	bus.regs["bms_warning_bits"] = 0x01
	now := tickFor(m, start, 10)
	assert.Empty(t, poster.all(), "warnings wait for the 45 s flush")

	tickFor(m, now.Add(40*time.Second), 1)
	events := poster.all()
	require.Len(t, events, 1)
	assert.Equal(t, "BMS_WARNING", events[0].Code)
	assert.Equal(t, types.SeverityWarning, events[0].Severity)
	assert.Nil(t, events[0].RecentTelemetry, "telemetry tail is critical-only")

	_, ok := m.PollIntent()
	assert.False(t, ok, "warnings never trigger fault safe")
}

func TestFailedBatchRetriesNextWindow(t *testing.T) {
	m, bus, poster := newTestMonitor(t)
	start := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	m.lastBatchPost = start

	bus.regs["bms_warning_bits"] = 0x01
	now := tickFor(m, start, 10)

	poster.failing = true
	m.flushBatch(now.Add(50 * time.Second))
	assert.NotEmpty(t, m.batch, "failed batch is retained")

	poster.failing = false
	m.flushBatch(now.Add(100 * time.Second))
	assert.Len(t, poster.all(), 1)
	assert.Empty(t, m.batch)
}

func TestMeterCommsLossCondition(t *testing.T) {
	m, bus, _ := newTestMonitor(t)
	start := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	// Only one meter path down: no alert.
	bus.regs["ext_meter_comm"] = 0
	tickFor(m, start, 7)
	assert.Equal(t, stateClear, m.alerts["METER_COMMS_LOSS"].state)

	// Both down: alert activates after the debounce.
	bus.regs["int_meter_comm"] = 0
	tickFor(m, start.Add(7*time.Second), 7)
	assert.Equal(t, stateActive, m.alerts["METER_COMMS_LOSS"].state)
}

func TestUnreadableRegistersAreNotFaults(t *testing.T) {
	bus := &healthBus{regs: map[string]int{}} // every read fails
	poster := &fakePoster{}
	m := NewMonitor("u1", bus, poster, 1.0)

	tickFor(m, time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC), 10)
	assert.Empty(t, poster.all(), "missing readings are treated as no signal")
}

func TestHeartbeatForLongEpisode(t *testing.T) {
	m, bus, poster := newTestMonitor(t)
	start := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	bus.regs["arc_fault"] = 1
	now := tickFor(m, start, 7)
	require.Len(t, poster.all(), 1)

	// Scan five minutes later: one heartbeat, not one per tick.
	now = now.Add(301 * time.Second)
	m.scan(now)
	m.scan(now.Add(time.Second))

	events := poster.all()
	require.Len(t, events, 2)
	assert.True(t, events[1].Heartbeat)
	assert.Equal(t, events[0].EventID, events[1].EventID)
}

func TestIntentQueueDropsOldest(t *testing.T) {
	m, _, _ := newTestMonitor(t)
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	for i := 0; i < intentQueueCap+5; i++ {
		m.enqueueIntent(IntentFaultSafe, now.Add(time.Duration(i)*time.Second))
	}
	m.intentMu.Lock()
	assert.Len(t, m.intents, intentQueueCap)
	assert.Equal(t, now.Add(5*time.Second), m.intents[0].TS, "oldest five were dropped")
	m.intentMu.Unlock()
}

func TestTelemetryRingBounded(t *testing.T) {
	m, _, _ := newTestMonitor(t)
	tickFor(m, time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC), 80)
	assert.Len(t, m.telemetryRing, telemetryRingCap)
}

func TestCriticalCarriesAtMostTwentyRingEntries(t *testing.T) {
	m, bus, poster := newTestMonitor(t)
	start := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	now := tickFor(m, start, 40)
	bus.regs["bms_alarm_bits"] = 1
	tickFor(m, now, 7)

	events := poster.all()
	require.Len(t, events, 1)
	assert.Len(t, events[0].RecentTelemetry, criticalRingTail)
}
