package supervisor

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/consus-energy/lanzone-edge/pkg/backend"
	"github.com/consus-energy/lanzone-edge/pkg/controller"
	"github.com/consus-energy/lanzone-edge/pkg/fieldbus"
	"github.com/consus-energy/lanzone-edge/pkg/health"
	"github.com/consus-energy/lanzone-edge/pkg/log"
	"github.com/consus-energy/lanzone-edge/pkg/metrics"
	"github.com/consus-energy/lanzone-edge/pkg/state"
	"github.com/consus-energy/lanzone-edge/pkg/types"
	"github.com/consus-energy/lanzone-edge/pkg/writeguard"
)

// DefaultTickInterval is the controller tick cadence.
const DefaultTickInterval = time.Second

// DefaultHealthPollHz is the health monitor poll rate.
const DefaultHealthPollHz = 1.0

// worker bundles everything that runs for one unit.
type worker struct {
	consusID string
	bus      fieldbus.Bus
	ctrl     *controller.Controller
	monitor  *health.Monitor
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// Supervisor owns the unit-to-worker map. It reacts to bus events (unit
// add/remove/config, settings, tasks, connectivity tests) and to global
// edge-status transitions, starting and stopping per-unit workers and
// pausing the backend sink when the zone leaves active.
type Supervisor struct {
	store  *state.Store
	sink   *backend.Sink
	client *backend.Client
	guard  *writeguard.Guard
	logger zerolog.Logger

	interval time.Duration
	pollHz   float64

	// newBus builds a unit's field-bus access; replaced in tests.
	newBus func(cfg types.BatteryConfig) fieldbus.Bus

	mu      sync.Mutex
	workers map[string]*worker
}

// New creates a supervisor. The write guard is shared by every unit's
// adapter so the global rate budget holds across units.
func New(store *state.Store, sink *backend.Sink, client *backend.Client, guard *writeguard.Guard) *Supervisor {
	s := &Supervisor{
		store:    store,
		sink:     sink,
		client:   client,
		guard:    guard,
		logger:   log.WithComponent("supervisor"),
		interval: DefaultTickInterval,
		pollHz:   DefaultHealthPollHz,
		workers:  make(map[string]*worker),
	}
	s.newBus = s.dialAdapter
	return s
}

func (s *Supervisor) dialAdapter(cfg types.BatteryConfig) fieldbus.Bus {
	port := cfg.ModbusPort
	if port == 0 {
		port = 502
	}
	address := fmt.Sprintf("%s:%d", cfg.ModbusIP, port)
	return fieldbus.NewAdapter(address, 1, s.store.RegisterMap(), s.guard)
}

// HandleEvent routes one decoded bus envelope. Malformed payloads are
// logged and dropped; they never reach the workers.
func (s *Supervisor) HandleEvent(evt types.BusEvent) {
	switch evt.Type {
	case types.BusSettings:
		var settings types.Settings
		if err := json.Unmarshal(evt.Data, &settings); err != nil {
			s.logger.Warn().Err(err).Msg("malformed settings payload")
			return
		}
		s.applySettings(settings)

	case types.BusBatteryConfig, types.BusBatteryAdd:
		var cfg types.BatteryConfig
		if err := json.Unmarshal(evt.Data, &cfg); err != nil {
			s.logger.Warn().Err(err).Str("consus_id", evt.ConsusID).Msg("malformed battery config payload")
			return
		}
		s.store.UpdateBattery(evt.ConsusID, cfg)
		s.EnsureWorker(evt.ConsusID)

	case types.BusBatteryRemove:
		s.stopWorker(evt.ConsusID)
		s.store.RemoveBattery(evt.ConsusID)

	case types.BusTask:
		var payload *types.TaskPayload
		if len(evt.Data) > 0 && string(evt.Data) != "null" {
			payload = &types.TaskPayload{}
			if err := json.Unmarshal(evt.Data, payload); err != nil {
				s.logger.Warn().Err(err).Str("consus_id", evt.ConsusID).Msg("malformed task payload")
				return
			}
		}
		if err := s.store.UpdateTask(evt.ConsusID, payload); err != nil {
			s.logger.Warn().Err(err).Str("consus_id", evt.ConsusID).Msg("task rejected")
		}

	case types.BusTestModbus:
		go s.verifyConnectivity(evt.ConsusID)

	case types.BusPing:
		// Answered by the bus listener on the mirror topic.

	default:
		s.logger.Warn().Str("type", string(evt.Type)).Msg("unknown bus event type, ignoring")
	}
}

// applySettings installs new global settings and acts on edge-status
// transitions: leaving active stops every worker and pauses the sink,
// entering active brings them up.
func (s *Supervisor) applySettings(settings types.Settings) {
	prev := s.store.Settings().EdgeStatus
	s.store.UpdateSettings(settings)
	next := settings.EdgeStatus
	if prev == next {
		return
	}

	switch {
	case next == types.EdgeStatusActive:
		s.logger.Info().Msg("edge active, starting workers")
		s.sink.Start()
		s.StartAll()
	case prev == types.EdgeStatusActive:
		s.logger.Info().Str("edge_status", string(next)).Msg("edge leaving active, stopping workers")
		s.StopAll()
		s.sink.Stop()
	}
}

// StartAll ensures a worker runs for every configured unit.
func (s *Supervisor) StartAll() {
	for consusID := range s.store.Batteries() {
		s.EnsureWorker(consusID)
	}
}

// StopAll stops every worker.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.workers))
	for id := range s.workers {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	for _, id := range ids {
		s.stopWorker(id)
	}
}

// EnsureWorker starts the unit's worker if it is not already running.
func (s *Supervisor) EnsureWorker(consusID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, running := s.workers[consusID]; running {
		return
	}
	cfg, ok := s.store.BatteryConfig(consusID)
	if !ok {
		s.logger.Warn().Str("consus_id", consusID).Msg("no config for unit, not starting worker")
		return
	}

	bus := s.newBus(cfg)
	monitor := health.NewMonitor(consusID, bus, s.client, s.pollHz)
	w := &worker{
		consusID: consusID,
		bus:      bus,
		ctrl:     controller.New(consusID, bus, s.store, monitor, s.sink),
		monitor:  monitor,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	s.workers[consusID] = w

	monitor.Start()
	go s.runWorker(w)
	metrics.UnitsActive.Inc()
	s.logger.Info().Str("consus_id", consusID).Msg("worker started")
}

// runWorker ticks the controller on the configured interval, sleeping the
// remainder of each period and logging overruns.
func (s *Supervisor) runWorker(w *worker) {
	defer close(w.doneCh)
	for {
		select {
		case <-w.stopCh:
			return
		default:
		}

		start := time.Now()
		w.ctrl.Tick()
		elapsed := time.Since(start)
		if elapsed > s.interval {
			s.logger.Warn().
				Str("consus_id", w.consusID).
				Dur("elapsed", elapsed).
				Msg("tick overran its interval")
			continue
		}

		select {
		case <-w.stopCh:
			return
		case <-time.After(s.interval - elapsed):
		}
	}
}

// stopWorker signals the unit's worker, joins it, and tears down its
// monitor and bus session.
func (s *Supervisor) stopWorker(consusID string) {
	s.mu.Lock()
	w, ok := s.workers[consusID]
	if ok {
		delete(s.workers, consusID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	close(w.stopCh)
	<-w.doneCh
	w.monitor.Stop()
	if err := w.bus.Close(); err != nil {
		s.logger.Warn().Err(err).Str("consus_id", consusID).Msg("bus close failed")
	}
	metrics.UnitsActive.Dec()
	s.logger.Info().Str("consus_id", consusID).Msg("worker stopped")
}

// Running reports whether a worker exists for the unit.
func (s *Supervisor) Running(consusID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.workers[consusID]
	return ok
}

// WorkerCount returns the number of live workers.
func (s *Supervisor) WorkerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.workers)
}

// verifyConnectivity runs the TCP and register probes for one unit (or all
// units when consusID is empty) and reports the outcome to the backend.
func (s *Supervisor) verifyConnectivity(consusID string) {
	targets := make(map[string]types.BatteryConfig)
	if consusID != "" {
		if cfg, ok := s.store.BatteryConfig(consusID); ok {
			targets[consusID] = cfg
		}
	} else {
		targets = s.store.Batteries()
	}

	results := make(map[string]string, len(targets))
	for id, cfg := range targets {
		port := cfg.ModbusPort
		if port == 0 {
			port = 502
		}
		address := fmt.Sprintf("%s:%d", cfg.ModbusIP, port)

		bus := s.newBus(cfg)
		probes, err := fieldbus.VerifyConnectivity(bus, address)
		_ = bus.Close()
		if err != nil {
			s.logger.Warn().Err(err).Str("consus_id", id).Msg("connectivity verification failed")
			results[id] = "FALSE"
			continue
		}
		ok := plausible(probes)
		if ok {
			results[id] = "TRUE"
		} else {
			results[id] = "FALSE"
		}
		s.logger.Info().Str("consus_id", id).Str("result", results[id]).Msg("connectivity verified")
	}

	payload := map[string]any{
		"test_timestamp": time.Now().UTC().Format(time.RFC3339),
		"results":        results,
	}
	if err := s.client.PostModbusResults(payload); err != nil {
		s.logger.Warn().Err(err).Msg("failed to post connectivity results")
	}
}

// plausible distinguishes "connected but garbage" from a healthy probe:
// the SoC must be a percentage and the meter power must have read at all.
func plausible(probes map[string]*int) bool {
	soc := probes["battery_soc"]
	if soc == nil || *soc < 0 || *soc > 100 {
		return false
	}
	return probes["meter_total_active_power"] != nil
}
