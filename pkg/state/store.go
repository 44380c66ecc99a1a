package state

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/consus-energy/lanzone-edge/pkg/fieldbus"
	"github.com/consus-energy/lanzone-edge/pkg/log"
	"github.com/consus-energy/lanzone-edge/pkg/types"
)

// DefaultFallbackMaxDays bounds how stale a dynamic task may be before the
// copy-forward fallback refuses to reuse it.
const DefaultFallbackMaxDays = 2

// TaskEntry is the stored, normalized form of a task. Static entries carry
// at most one window and ignore ServiceDay; dynamic entries are keyed by
// (unit, service day).
type TaskEntry struct {
	TaskCode         string          `json:"task_code"`
	TaskType         string          `json:"task_type"` // "static" or "dynamic"
	ServiceDay       types.Day       `json:"service_day,omitempty"`
	Windows          []types.Window  `json:"charge_windows,omitempty"`
	MaxImportLimitKW *float64        `json:"max_import_limit_kw,omitempty"`
	Override         bool            `json:"override"`
	UpdatedAt        time.Time       `json:"updated_at"`
	IdempotencyKey   string          `json:"idempotency_key,omitempty"`
	Revision         int             `json:"revision"`
}

// Snapshotter mirrors accepted task mutations to durable storage so that
// schedules survive a process restart. All methods are best-effort from the
// store's point of view; persistence failures are logged, not propagated.
type Snapshotter interface {
	SaveStatic(consusID string, e TaskEntry) error
	SaveDynamic(consusID string, e TaskEntry) error
	DeleteDynamic(consusID string, day types.Day) error
	Load() (static map[string]TaskEntry, dynamic map[string]map[types.Day]TaskEntry, err error)
}

// StoreConfig configures a Store.
type StoreConfig struct {
	TZ              *time.Location // operator timezone; Europe/London by default
	FallbackMaxDays int
	Snapshot        Snapshotter      // optional
	Now             func() time.Time // optional, for tests
}

// Store is the single source of truth for live LAN-zone state: global
// settings, comms settings, per-unit configs, the register map, and task
// records. All mutations go through named methods under one lock; reads
// return copies. Holders never perform I/O under the lock.
type Store struct {
	mu sync.RWMutex

	tz              *time.Location
	fallbackMaxDays int
	now             func() time.Time
	snapshot        Snapshotter
	logger          zerolog.Logger

	settings  types.Settings
	comms     types.CommsSettings
	batteries map[string]types.BatteryConfig
	regmap    *fieldbus.RegisterMap

	// dynamic[consusID][serviceDay] and static[consusID]
	dynamic map[string]map[types.Day]TaskEntry
	static  map[string]TaskEntry
}

// NewStore creates an empty store with default settings.
func NewStore(cfg StoreConfig) *Store {
	tz := cfg.TZ
	if tz == nil {
		tz, _ = time.LoadLocation("Europe/London")
	}
	fallback := cfg.FallbackMaxDays
	if fallback == 0 {
		fallback = DefaultFallbackMaxDays
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Store{
		tz:              tz,
		fallbackMaxDays: fallback,
		now:             now,
		snapshot:        cfg.Snapshot,
		logger:          log.WithComponent("state"),
		settings:        types.DefaultSettings(),
		batteries:       make(map[string]types.BatteryConfig),
		dynamic:         make(map[string]map[types.Day]TaskEntry),
		static:          make(map[string]TaskEntry),
	}
}

// TZ returns the operator timezone.
func (s *Store) TZ() *time.Location { return s.tz }

// NowLocal returns the current time in the operator timezone.
func (s *Store) NowLocal() time.Time { return s.now().In(s.tz) }

// Today returns the current civil date in the operator timezone.
func (s *Store) Today() types.Day { return types.DayOf(s.NowLocal()) }

// UpdateSettings replaces the global settings.
func (s *Store) UpdateSettings(settings types.Settings) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings = settings
	s.logger.Info().Str("edge_status", string(settings.EdgeStatus)).Msg("global settings updated")
}

// Settings returns a copy of the global settings.
func (s *Store) Settings() types.Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	settings := s.settings
	if s.settings.AutoBiasTrim != nil {
		trim := *s.settings.AutoBiasTrim
		settings.AutoBiasTrim = &trim
	}
	return settings
}

// UpdateComms replaces the comms settings.
func (s *Store) UpdateComms(comms types.CommsSettings) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.comms = comms
	s.logger.Info().Msg("comms settings updated")
}

// Comms returns a copy of the comms settings.
func (s *Store) Comms() types.CommsSettings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.comms
}

// UpdateBattery upserts the configuration of one unit.
func (s *Store) UpdateBattery(consusID string, cfg types.BatteryConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg.ConsusID = consusID
	s.batteries[consusID] = cfg
	s.logger.Info().Str("consus_id", consusID).Msg("battery config updated")
}

// RemoveBattery drops a unit's configuration and its tasks.
func (s *Store) RemoveBattery(consusID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.batteries, consusID)
	delete(s.dynamic, consusID)
	delete(s.static, consusID)
	s.logger.Info().Str("consus_id", consusID).Msg("battery removed")
}

// BatteryConfig returns the configuration of one unit.
func (s *Store) BatteryConfig(consusID string) (types.BatteryConfig, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.batteries[consusID]
	return cfg, ok
}

// Batteries returns a copy of all unit configurations.
func (s *Store) Batteries() map[string]types.BatteryConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]types.BatteryConfig, len(s.batteries))
	for id, cfg := range s.batteries {
		out[id] = cfg
	}
	return out
}

// SetRegisterMap installs the device register map.
func (s *Store) SetRegisterMap(rm *fieldbus.RegisterMap) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.regmap = rm
	s.logger.Info().Int("registers", rm.Len()).Msg("register map loaded")
}

// RegisterMap returns the installed register map; the map is immutable
// after load.
func (s *Store) RegisterMap() *fieldbus.RegisterMap {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.regmap
}

// RestoreTasks loads persisted task entries from the snapshotter and then
// applies day GC, so only today/tomorrow dynamic entries survive a restart.
func (s *Store) RestoreTasks() {
	if s.snapshot == nil {
		return
	}
	static, dynamic, err := s.snapshot.Load()
	if err != nil {
		s.logger.Warn().Err(err).Msg("task snapshot restore failed")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, e := range static {
		s.static[id] = e
	}
	for id, days := range dynamic {
		if s.dynamic[id] == nil {
			s.dynamic[id] = make(map[types.Day]TaskEntry)
		}
		for d, e := range days {
			s.dynamic[id][d] = e
		}
	}
	s.gcDynamicLocked()
	s.logger.Info().Int("static", len(static)).Int("dynamic", len(dynamic)).Msg("task snapshot restored")
}
