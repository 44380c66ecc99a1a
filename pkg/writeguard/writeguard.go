package writeguard

import (
	"sync"
	"time"

	"github.com/consus-energy/lanzone-edge/pkg/log"
	"github.com/consus-energy/lanzone-edge/pkg/metrics"
)

// Policy defaults. Writes across all units share one budget because the
// inverters sit on the same constrained field bus segment.
const (
	MinIntervalPerRegister = 250 * time.Millisecond
	MaxWritesPerSecond     = 5
)

// Guard serializes and disciplines all outbound register writes: dedupe per
// register, minimum interval per register, and a global per-second rate cap
// over a fixed window. A value is latched only after the underlying write
// succeeds, so a failed write is retried on the next attempt.
type Guard struct {
	mu          sync.Mutex
	lastValue   map[uint16]int
	lastWriteTS map[uint16]time.Time
	windowStart time.Time
	windowCount int

	now func() time.Time
}

// New creates a write guard with the default policy.
func New() *Guard {
	return &Guard{
		lastValue:   make(map[uint16]int),
		lastWriteTS: make(map[uint16]time.Time),
		now:         time.Now,
	}
}

// NewWithClock creates a guard with an injected clock for tests.
func NewWithClock(now func() time.Time) *Guard {
	g := New()
	g.now = now
	return g
}

// Attempt applies the write policy to (address, value) and, when accepted,
// invokes write. It returns whether the write was accepted; callers must not
// update their own "last setpoint" state when accepted is false. A non-nil
// error implies accepted is false and nothing was latched.
func (g *Guard) Attempt(address uint16, value int, write func() error) (bool, error) {
	now := g.now()

	g.mu.Lock()
	defer g.mu.Unlock()

	// Fixed 1-second budget window, reset on expiry: up to 2x the cap can
	// land across a span straddling two windows. Intentional, not a rolling
	// window.
	if now.Sub(g.windowStart) >= time.Second {
		g.windowStart = now
		g.windowCount = 0
	}

	if last, ok := g.lastValue[address]; ok && last == value {
		log.Logger.Debug().Uint16("addr", address).Int("value", value).Msg("write guard: skip duplicate")
		metrics.WritesDropped.WithLabelValues("dedupe").Inc()
		return false, nil
	}

	if ts, ok := g.lastWriteTS[address]; ok && now.Sub(ts) < MinIntervalPerRegister {
		log.Logger.Debug().Uint16("addr", address).Msg("write guard: register interval throttle")
		metrics.WritesDropped.WithLabelValues("interval").Inc()
		return false, nil
	}

	if g.windowCount >= MaxWritesPerSecond {
		log.Logger.Warn().Uint16("addr", address).Msg("write guard: global rate limit reached, dropping write")
		metrics.WritesDropped.WithLabelValues("rate").Inc()
		return false, nil
	}

	if err := write(); err != nil {
		log.Logger.Error().Err(err).Uint16("addr", address).Msg("write guard: write failed")
		metrics.WritesDropped.WithLabelValues("error").Inc()
		return false, err
	}

	g.lastValue[address] = value
	g.lastWriteTS[address] = now
	g.windowCount++
	metrics.WritesAccepted.Inc()
	return true, nil
}
