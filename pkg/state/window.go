package state

import (
	"time"

	"github.com/consus-energy/lanzone-edge/pkg/types"
)

// ChargeWindows returns the resolved charge windows for a unit on a given
// day: the dynamic entry's windows if a dynamic task exists, else the static
// window, else nothing.
func (s *Store) ChargeWindows(consusID string, day types.Day) []types.Window {
	e, ok := s.GetTaskForDay(consusID, day)
	if !ok {
		return nil
	}
	return e.Windows
}

// InChargeWindow reports whether nowLocal falls inside any resolved window
// for the unit. Windows with start > end span midnight, so the early-morning
// leg of yesterday evening's window still matches.
func (s *Store) InChargeWindow(consusID string, nowLocal time.Time) bool {
	t := types.ClockOf(nowLocal)
	for _, w := range s.ChargeWindows(consusID, types.DayOf(nowLocal)) {
		if w.Contains(t) {
			return true
		}
	}
	return false
}

// CurrentWindowEnd returns the wall-clock moment the covering window ends,
// or false when the unit is not inside any window. A window that wraps
// midnight ends tomorrow when entered before midnight.
func (s *Store) CurrentWindowEnd(consusID string, nowLocal time.Time) (time.Time, bool) {
	for _, w := range s.ChargeWindows(consusID, types.DayOf(nowLocal)) {
		if end, ok := w.EndAt(nowLocal); ok {
			return end, true
		}
	}
	return time.Time{}, false
}
