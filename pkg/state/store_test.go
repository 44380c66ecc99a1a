package state

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/consus-energy/lanzone-edge/pkg/types"
)

func fixedStore(t *testing.T, now time.Time) *Store {
	t.Helper()
	return NewStore(StoreConfig{
		TZ:  time.UTC,
		Now: func() time.Time { return now },
	})
}

func TestSettingsDefaultsAndCopy(t *testing.T) {
	s := fixedStore(t, time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))

	settings := s.Settings()
	assert.Equal(t, types.EdgeStatusInactive, settings.EdgeStatus)
	assert.Equal(t, 3400, settings.ImportChargePowerW)

	settings.AutoBiasTrim = &types.AutoBiasTrim{Enable: true, StepW: 10}
	s.UpdateSettings(settings)

	got := s.Settings()
	got.AutoBiasTrim.StepW = 99
	assert.Equal(t, 10, s.Settings().AutoBiasTrim.StepW, "returned settings are a copy")
}

func TestBatteryLifecycle(t *testing.T) {
	s := fixedStore(t, time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))

	s.UpdateBattery("CON-001", types.BatteryConfig{ModbusIP: "10.0.0.5", ModbusPort: 502})
	cfg, ok := s.BatteryConfig("CON-001")
	require.True(t, ok)
	assert.Equal(t, "CON-001", cfg.ConsusID, "consus_id filled from key")

	require.NoError(t, s.UpdateTask("CON-001", &types.TaskPayload{
		TaskType: "static", TaskCode: "ST-1",
		ChargeWindowStart: "01:00", ChargeWindowEnd: "05:00",
	}))

	s.RemoveBattery("CON-001")
	_, ok = s.BatteryConfig("CON-001")
	assert.False(t, ok)
	_, ok = s.GetTask("CON-001")
	assert.False(t, ok, "removal drops the unit's tasks")
}

func TestStaticMergeOverridePriority(t *testing.T) {
	s := fixedStore(t, time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))

	require.NoError(t, s.UpdateTask("u1", &types.TaskPayload{
		TaskType: "static", TaskCode: "locked",
		ChargeWindowStart: "02:00", ChargeWindowEnd: "05:00",
		Override:          true,
	}))

	// Non-override update must not displace an override entry.
	require.NoError(t, s.UpdateTask("u1", &types.TaskPayload{
		TaskType: "static", TaskCode: "plain",
		ChargeWindowStart: "03:00", ChargeWindowEnd: "06:00",
	}))
	e, ok := s.GetTask("u1")
	require.True(t, ok)
	assert.Equal(t, "locked", e.TaskCode)

	// An override update replaces it.
	require.NoError(t, s.UpdateTask("u1", &types.TaskPayload{
		TaskType: "static", TaskCode: "locked-v2",
		ChargeWindowStart: "03:00", ChargeWindowEnd: "06:00",
		Override:          true,
	}))
	e, _ = s.GetTask("u1")
	assert.Equal(t, "locked-v2", e.TaskCode)
}

func TestStaticWindowFromPairsFallback(t *testing.T) {
	s := fixedStore(t, time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))

	require.NoError(t, s.UpdateTask("u1", &types.TaskPayload{
		TaskType:      "static",
		TaskCode:      "pairs",
		ChargeWindows: [][]string{{"23:30", "04:30"}},
	}))
	e, ok := s.GetTask("u1")
	require.True(t, ok)
	require.Len(t, e.Windows, 1)
	assert.Equal(t, types.MustClock("23:30"), e.Windows[0].Start)
}

func TestDynamicMergeRevisionRules(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	s := fixedStore(t, now)
	day := "2026-03-10"

	base := types.TaskPayload{
		TaskType: "dynamic", ServiceDay: day,
		ChargeWindows:  [][]string{{"01:00", "05:00"}},
		IdempotencyKey: "fam-a",
	}

	t1 := base
	t1.TaskCode, t1.Revision, t1.UpdatedAt = "rev2", 2, "2026-03-10T10:00:00Z"
	require.NoError(t, s.UpdateTask("u1", &t1))

	// Lower revision in the same family is dropped.
	t2 := base
	t2.TaskCode, t2.Revision, t2.UpdatedAt = "rev1", 1, "2026-03-10T11:00:00Z"
	require.NoError(t, s.UpdateTask("u1", &t2))
	e, _ := s.GetTask("u1")
	assert.Equal(t, "rev2", e.TaskCode)

	// Same revision, newer updated_at wins.
	t3 := base
	t3.TaskCode, t3.Revision, t3.UpdatedAt = "rev2-newer", 2, "2026-03-10T11:30:00Z"
	require.NoError(t, s.UpdateTask("u1", &t3))
	e, _ = s.GetTask("u1")
	assert.Equal(t, "rev2-newer", e.TaskCode)

	// Replaying the winning payload changes nothing (idempotent).
	require.NoError(t, s.UpdateTask("u1", &t3))
	e, _ = s.GetTask("u1")
	assert.Equal(t, "rev2-newer", e.TaskCode)
	assert.Equal(t, 2, e.Revision)

	// Higher revision wins regardless of updated_at.
	t4 := base
	t4.TaskCode, t4.Revision, t4.UpdatedAt = "rev3", 3, "2026-03-10T09:00:00Z"
	require.NoError(t, s.UpdateTask("u1", &t4))
	e, _ = s.GetTask("u1")
	assert.Equal(t, "rev3", e.TaskCode)
}

func TestDynamicMergeOverrideAndFamilyReplacement(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	s := fixedStore(t, now)
	day := "2026-03-10"

	require.NoError(t, s.UpdateTask("u1", &types.TaskPayload{
		TaskType: "dynamic", ServiceDay: day, TaskCode: "fam-a",
		ChargeWindows: [][]string{{"01:00", "05:00"}}, IdempotencyKey: "a", Revision: 5,
	}))

	// A different idempotency family replaces outright, even at revision 0.
	require.NoError(t, s.UpdateTask("u1", &types.TaskPayload{
		TaskType: "dynamic", ServiceDay: day, TaskCode: "fam-b",
		ChargeWindows: [][]string{{"02:00", "06:00"}}, IdempotencyKey: "b",
	}))
	e, _ := s.GetTask("u1")
	assert.Equal(t, "fam-b", e.TaskCode)

	// Override supersedes whatever is stored.
	require.NoError(t, s.UpdateTask("u1", &types.TaskPayload{
		TaskType: "dynamic", ServiceDay: day, TaskCode: "manual",
		ChargeWindows: [][]string{{"03:00", "04:00"}}, Override: true,
	}))
	e, _ = s.GetTask("u1")
	assert.Equal(t, "manual", e.TaskCode)
}

func TestDynamicMergeRejectsBadServiceDay(t *testing.T) {
	s := fixedStore(t, time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
	err := s.UpdateTask("u1", &types.TaskPayload{TaskType: "dynamic", ServiceDay: "soon"})
	assert.Error(t, err)
}

func TestDynamicMergeSkipsMalformedWindows(t *testing.T) {
	s := fixedStore(t, time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
	require.NoError(t, s.UpdateTask("u1", &types.TaskPayload{
		TaskType: "dynamic", ServiceDay: "2026-03-10", TaskCode: "mixed",
		ChargeWindows: [][]string{{"01:00", "05:00"}, {"nope"}, {"26:00", "05:00"}},
	}))
	e, _ := s.GetTask("u1")
	assert.Len(t, e.Windows, 1, "malformed pairs are skipped, valid ones kept")
}

func TestDayGC(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	s := fixedStore(t, now)

	for _, day := range []string{"2026-03-08", "2026-03-10", "2026-03-11", "2026-03-15"} {
		require.NoError(t, s.UpdateTask("u1", &types.TaskPayload{
			TaskType: "dynamic", ServiceDay: day, TaskCode: "d-" + day,
			ChargeWindows: [][]string{{"01:00", "05:00"}},
		}))
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	days := s.dynamic["u1"]
	assert.Len(t, days, 2)
	assert.Contains(t, days, types.Day("2026-03-10"))
	assert.Contains(t, days, types.Day("2026-03-11"))
}

func TestFallbackCopyForward(t *testing.T) {
	clock := time.Date(2026, 3, 9, 23, 0, 0, 0, time.UTC)
	s := NewStore(StoreConfig{TZ: time.UTC, Now: func() time.Time { return clock }})

	require.NoError(t, s.UpdateTask("u1", &types.TaskPayload{
		TaskType: "dynamic", ServiceDay: "2026-03-09", TaskCode: "orig",
		ChargeWindows: [][]string{{"01:00", "05:00"}},
	}))

	// Next day the backend has no news; yesterday's schedule carries over.
	clock = time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)
	require.NoError(t, s.UpdateTask("u1", nil))

	e, ok := s.GetTaskForDay("u1", "2026-03-10")
	require.True(t, ok)
	assert.Equal(t, "orig-copy-2026-03-10", e.TaskCode)
	require.Len(t, e.Windows, 1)

	e, ok = s.GetTaskForDay("u1", "2026-03-11")
	require.True(t, ok)
	assert.Equal(t, "orig-copy-2026-03-11", e.TaskCode)
}

func TestFallbackRefusesStaleHistory(t *testing.T) {
	clock := time.Date(2026, 3, 9, 12, 0, 0, 0, time.UTC)
	s := NewStore(StoreConfig{TZ: time.UTC, Now: func() time.Time { return clock }})

	require.NoError(t, s.UpdateTask("u1", &types.TaskPayload{
		TaskType: "dynamic", ServiceDay: "2026-03-09", TaskCode: "old",
		ChargeWindows: [][]string{{"01:00", "05:00"}},
	}))

	// Three days later the stored schedule is past fallback_max_days.
	clock = time.Date(2026, 3, 12, 12, 0, 0, 0, time.UTC)
	assert.Error(t, s.UpdateTask("u1", nil))
}

func TestFallbackWithoutHistory(t *testing.T) {
	s := fixedStore(t, time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
	assert.Error(t, s.UpdateTask("u1", nil))
}

func TestResolutionPrecedence(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	s := fixedStore(t, now)

	assert.Equal(t, "", s.GetTaskType("u1"))

	require.NoError(t, s.UpdateTask("u1", &types.TaskPayload{
		TaskType: "static", TaskCode: "daily",
		ChargeWindowStart: "01:00", ChargeWindowEnd: "05:00",
	}))
	assert.Equal(t, "static", s.GetTaskType("u1"))

	require.NoError(t, s.UpdateTask("u1", &types.TaskPayload{
		TaskType: "dynamic", ServiceDay: "2026-03-10", TaskCode: "plan",
		ChargeWindows: [][]string{{"02:00", "06:00"}},
	}))
	assert.Equal(t, "dynamic", s.GetTaskType("u1"))

	// Completing the dynamic task falls back to the static schedule.
	s.CompleteTask("u1", "2026-03-10")
	assert.Equal(t, "static", s.GetTaskType("u1"))
}

func TestInChargeWindowMidnightWrap(t *testing.T) {
	now := time.Date(2026, 3, 10, 23, 45, 0, 0, time.UTC)
	s := fixedStore(t, now)

	require.NoError(t, s.UpdateTask("u1", &types.TaskPayload{
		TaskType: "dynamic", ServiceDay: "2026-03-10", TaskCode: "night",
		ChargeWindows: [][]string{{"23:30", "04:30"}},
	}))

	assert.True(t, s.InChargeWindow("u1", time.Date(2026, 3, 10, 23, 45, 0, 0, time.UTC)))
	assert.False(t, s.InChargeWindow("u1", time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)))

	end, ok := s.CurrentWindowEnd("u1", time.Date(2026, 3, 10, 23, 45, 0, 0, time.UTC))
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 3, 11, 4, 30, 0, 0, time.UTC), end, "pre-midnight leg ends tomorrow")

	_, ok = s.CurrentWindowEnd("u1", time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
	assert.False(t, ok)
}

func TestWindowEndExclusive(t *testing.T) {
	now := time.Date(2026, 3, 10, 1, 0, 0, 0, time.UTC)
	s := fixedStore(t, now)

	require.NoError(t, s.UpdateTask("u1", &types.TaskPayload{
		TaskType: "dynamic", ServiceDay: "2026-03-10", TaskCode: "w",
		ChargeWindows: [][]string{{"01:00", "05:00"}},
	}))

	assert.True(t, s.InChargeWindow("u1", time.Date(2026, 3, 10, 1, 0, 0, 0, time.UTC)), "start inclusive")
	assert.False(t, s.InChargeWindow("u1", time.Date(2026, 3, 10, 5, 0, 0, 0, time.UTC)), "end exclusive")
}
