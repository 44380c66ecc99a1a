package backend

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/consus-energy/lanzone-edge/pkg/log"
	"github.com/consus-energy/lanzone-edge/pkg/metrics"
	"github.com/consus-energy/lanzone-edge/pkg/types"
)

// DefaultQueueCap bounds the telemetry sink; producers never block on a slow
// backend, records beyond the cap are dropped.
const DefaultQueueCap = 1024

// Sink buffers telemetry records and posts them in batches on a fixed
// interval. Telemetry is ephemeral: a failed batch is logged and dropped.
// Alerts take a separate, retried path on the Client.
type Sink struct {
	client   *Client
	interval time.Duration
	queue    chan types.TelemetryPayload
	logger   zerolog.Logger

	mu      sync.Mutex
	started bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewSink creates a sink flushing every interval (the global posting
// interval; 10 s when zero).
func NewSink(client *Client, interval time.Duration) *Sink {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Sink{
		client:   client,
		interval: interval,
		queue:    make(chan types.TelemetryPayload, DefaultQueueCap),
		logger:   log.WithComponent("sink"),
	}
}

// Add enqueues a telemetry record, dropping it if the queue is full.
func (s *Sink) Add(tp types.TelemetryPayload) {
	select {
	case s.queue <- tp:
	default:
		metrics.TelemetryDropped.Inc()
		s.logger.Warn().Str("consus_id", tp.ConsusID).Msg("telemetry queue full, dropping record")
	}
}

// Start launches the flush worker. Calling Start on a running sink is a
// no-op.
func (s *Sink) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		s.logger.Debug().Msg("sink already started")
		return
	}
	s.started = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.logger.Info().Dur("interval", s.interval).Msg("backend sink started")
	go s.run(s.stopCh, s.doneCh)
}

// Stop halts the flush worker after a final flush.
func (s *Sink) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	stopCh, doneCh := s.stopCh, s.doneCh
	s.mu.Unlock()

	close(stopCh)
	<-doneCh
	s.logger.Info().Msg("backend sink stopped")
}

// IsActive reports whether the flush worker is running.
func (s *Sink) IsActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

func (s *Sink) run(stopCh, doneCh chan struct{}) {
	defer close(doneCh)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-stopCh:
			s.flush()
			return
		case <-ticker.C:
			s.flush()
		}
	}
}

// flush drains everything queued so far and posts it as one batch.
func (s *Sink) flush() {
	var batch []types.TelemetryPayload
	for {
		select {
		case tp := <-s.queue:
			batch = append(batch, tp)
		default:
			if len(batch) == 0 {
				return
			}
			if err := s.client.PostTelemetry(batch); err != nil {
				metrics.TelemetryDropped.Add(float64(len(batch)))
				s.logger.Error().Err(err).Int("count", len(batch)).Msg("telemetry batch dropped after post failure")
				return
			}
			metrics.TelemetryPosted.Add(float64(len(batch)))
			s.logger.Debug().Int("count", len(batch)).Msg("telemetry batch posted")
			return
		}
	}
}
