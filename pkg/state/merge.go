package state

import (
	"fmt"
	"time"

	"github.com/consus-energy/lanzone-edge/pkg/types"
)

// UpdateTask merges an inbound task document into the store. A nil payload
// means "no news from the backend" and triggers the copy-forward fallback
// for dynamic tasks. The merge is idempotent: replaying the same payload
// never changes the stored result.
func (s *Store) UpdateTask(consusID string, payload *types.TaskPayload) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if payload == nil {
		return s.fallbackCopyForwardLocked(consusID)
	}

	switch payload.TaskType {
	case "static":
		return s.mergeStaticLocked(consusID, payload)
	case "dynamic":
		return s.mergeDynamicLocked(consusID, payload)
	default:
		return fmt.Errorf("unknown task_type %q", payload.TaskType)
	}
}

func (s *Store) mergeStaticLocked(consusID string, payload *types.TaskPayload) error {
	start, end := payload.ChargeWindowStart, payload.ChargeWindowEnd
	if (start == "" || end == "") && len(payload.ChargeWindows) > 0 && len(payload.ChargeWindows[0]) == 2 {
		start, end = payload.ChargeWindows[0][0], payload.ChargeWindows[0][1]
	}

	entry := TaskEntry{
		TaskCode:         payload.TaskCode,
		TaskType:         "static",
		MaxImportLimitKW: payload.MaxImportLimit,
		Override:         payload.Override,
		UpdatedAt:        parseUpdatedAt(payload.UpdatedAt, s.now()),
		IdempotencyKey:   payload.IdempotencyKey,
		Revision:         payload.Revision,
	}
	if start != "" && end != "" {
		w, err := parseWindow(start, end)
		if err != nil {
			return fmt.Errorf("static task %q: %w", payload.TaskCode, err)
		}
		entry.Windows = []types.Window{w}
	}

	if existing, ok := s.static[consusID]; ok && existing.Override && !entry.Override {
		s.logger.Info().
			Str("consus_id", consusID).
			Str("task_code", entry.TaskCode).
			Msg("static task rejected: existing override entry wins")
		return nil
	}

	s.static[consusID] = entry
	s.persistStaticLocked(consusID, entry)
	s.logger.Info().Str("consus_id", consusID).Str("task_code", entry.TaskCode).Msg("static task stored")
	return nil
}

func (s *Store) mergeDynamicLocked(consusID string, payload *types.TaskPayload) error {
	day, err := types.ParseDay(payload.ServiceDay)
	if err != nil {
		return fmt.Errorf("dynamic task %q: %w", payload.TaskCode, err)
	}

	entry := TaskEntry{
		TaskCode:         payload.TaskCode,
		TaskType:         "dynamic",
		ServiceDay:       day,
		Windows:          parseWindows(payload.ChargeWindows),
		MaxImportLimitKW: payload.MaxImportLimit,
		Override:         payload.Override,
		UpdatedAt:        parseUpdatedAt(payload.UpdatedAt, s.now()),
		IdempotencyKey:   payload.IdempotencyKey,
		Revision:         payload.Revision,
	}

	if existing, ok := s.dynamic[consusID][day]; ok {
		if !s.dynamicSupersedesLocked(entry, existing) {
			s.logger.Debug().
				Str("consus_id", consusID).
				Str("service_day", string(day)).
				Str("task_code", entry.TaskCode).
				Msg("dynamic task dropped by merge rules")
			return nil
		}
	}

	if s.dynamic[consusID] == nil {
		s.dynamic[consusID] = make(map[types.Day]TaskEntry)
	}
	s.dynamic[consusID][day] = entry
	s.persistDynamicLocked(consusID, entry)
	s.gcDynamicLocked()
	s.logger.Info().
		Str("consus_id", consusID).
		Str("service_day", string(day)).
		Str("task_code", entry.TaskCode).
		Int("windows", len(entry.Windows)).
		Msg("dynamic task stored")
	return nil
}

// dynamicSupersedesLocked decides whether incoming entry n replaces existing
// entry e in the same (unit, service_day) slot.
func (s *Store) dynamicSupersedesLocked(n, e TaskEntry) bool {
	if n.Override && !e.Override {
		return true
	}
	if n.IdempotencyKey != "" && n.IdempotencyKey == e.IdempotencyKey {
		if n.Revision != e.Revision {
			return n.Revision > e.Revision
		}
		return n.UpdatedAt.After(e.UpdatedAt)
	}
	// Different idempotency families: the new plan replaces the old.
	return true
}

// fallbackCopyForwardLocked fills missing today/tomorrow dynamic slots from
// the most recent stored day, provided it is not older than fallbackMaxDays.
func (s *Store) fallbackCopyForwardLocked(consusID string) error {
	days := s.dynamic[consusID]
	if len(days) == 0 {
		return fmt.Errorf("no dynamic task history for %s", consusID)
	}

	var last types.Day
	for d := range days {
		if last == "" || d > last {
			last = d
		}
	}

	today := types.DayOf(s.now().In(s.tz))
	if age := last.DaysUntil(today); age > s.fallbackMaxDays {
		s.logger.Warn().
			Str("consus_id", consusID).
			Str("last_day", string(last)).
			Int("age_days", age).
			Msg("fallback refused: last dynamic task too old")
		return fmt.Errorf("last dynamic task for %s is %d days old", consusID, age)
	}

	src := days[last]
	for _, target := range []types.Day{today, today.AddDays(1)} {
		if _, ok := days[target]; ok {
			continue
		}
		cp := src
		cp.ServiceDay = target
		cp.TaskCode = fmt.Sprintf("%s-copy-%s", src.TaskCode, target)
		cp.UpdatedAt = s.now()
		days[target] = cp
		s.persistDynamicLocked(consusID, cp)
		s.logger.Info().
			Str("consus_id", consusID).
			Str("service_day", string(target)).
			Str("task_code", cp.TaskCode).
			Msg("dynamic task copied forward")
	}
	s.gcDynamicLocked()
	return nil
}

// gcDynamicLocked drops dynamic entries outside {today, tomorrow}.
func (s *Store) gcDynamicLocked() {
	today := types.DayOf(s.now().In(s.tz))
	tomorrow := today.AddDays(1)
	for id, days := range s.dynamic {
		for d := range days {
			if d != today && d != tomorrow {
				delete(days, d)
				if s.snapshot != nil {
					if err := s.snapshot.DeleteDynamic(id, d); err != nil {
						s.logger.Warn().Err(err).Str("consus_id", id).Msg("snapshot delete failed")
					}
				}
			}
		}
		if len(days) == 0 {
			delete(s.dynamic, id)
		}
	}
}

// CompleteTask removes the dynamic entry for a day once the backend marks it
// done; the static schedule is unaffected.
func (s *Store) CompleteTask(consusID string, day types.Day) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if days, ok := s.dynamic[consusID]; ok {
		delete(days, day)
		if s.snapshot != nil {
			if err := s.snapshot.DeleteDynamic(consusID, day); err != nil {
				s.logger.Warn().Err(err).Str("consus_id", consusID).Msg("snapshot delete failed")
			}
		}
	}
}

// GetTask returns the resolved task for today: the dynamic entry if present,
// else the static entry.
func (s *Store) GetTask(consusID string) (TaskEntry, bool) {
	return s.GetTaskForDay(consusID, s.Today())
}

// GetTaskForDay resolves the task for an explicit day.
func (s *Store) GetTaskForDay(consusID string, day types.Day) (TaskEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if e, ok := s.dynamic[consusID][day]; ok {
		return copyEntry(e), true
	}
	if e, ok := s.static[consusID]; ok {
		return copyEntry(e), true
	}
	return TaskEntry{}, false
}

// GetTaskType reports which kind of task resolves for today: "dynamic",
// "static", or "" when none.
func (s *Store) GetTaskType(consusID string) string {
	e, ok := s.GetTask(consusID)
	if !ok {
		return ""
	}
	return e.TaskType
}

func (s *Store) persistStaticLocked(consusID string, e TaskEntry) {
	if s.snapshot == nil {
		return
	}
	if err := s.snapshot.SaveStatic(consusID, e); err != nil {
		s.logger.Warn().Err(err).Str("consus_id", consusID).Msg("snapshot save failed")
	}
}

func (s *Store) persistDynamicLocked(consusID string, e TaskEntry) {
	if s.snapshot == nil {
		return
	}
	if err := s.snapshot.SaveDynamic(consusID, e); err != nil {
		s.logger.Warn().Err(err).Str("consus_id", consusID).Msg("snapshot save failed")
	}
}

func copyEntry(e TaskEntry) TaskEntry {
	out := e
	if e.Windows != nil {
		out.Windows = append([]types.Window(nil), e.Windows...)
	}
	if e.MaxImportLimitKW != nil {
		v := *e.MaxImportLimitKW
		out.MaxImportLimitKW = &v
	}
	return out
}

func parseWindow(start, end string) (types.Window, error) {
	ws, err := types.ParseClock(start)
	if err != nil {
		return types.Window{}, fmt.Errorf("window start %q: %w", start, err)
	}
	we, err := types.ParseClock(end)
	if err != nil {
		return types.Window{}, fmt.Errorf("window end %q: %w", end, err)
	}
	return types.Window{Start: ws, End: we}, nil
}

// parseWindows converts raw [start,end] pairs, skipping malformed pairs so
// one bad window never sinks the rest of the schedule.
func parseWindows(pairs [][]string) []types.Window {
	var out []types.Window
	for _, p := range pairs {
		if len(p) != 2 {
			continue
		}
		w, err := parseWindow(p[0], p[1])
		if err != nil {
			continue
		}
		out = append(out, w)
	}
	return out
}

func parseUpdatedAt(raw string, fallback time.Time) time.Time {
	if raw == "" {
		return fallback
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t
		}
	}
	return fallback
}
