package fieldbus

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/goburrow/modbus"
	"github.com/rs/zerolog"

	"github.com/consus-energy/lanzone-edge/pkg/log"
	"github.com/consus-energy/lanzone-edge/pkg/writeguard"
)

// Legacy manual dispatch register pair, kept for idle zeroing. Mode is an
// enum (0 auto, 1 charge, 2 discharge); magnitude is always positive.
const (
	manualModeAddr  uint16 = 5001
	manualPowerAddr uint16 = 5000
)

// DefaultTimeout bounds every field-bus request so a stuck unit cannot
// block its worker past a tick.
const DefaultTimeout = 2 * time.Second

// Readings is the result of a bulk register read. A nil entry records a
// register that was mapped but failed to read this cycle.
type Readings map[string]*int

// Get returns the value for name when present and readable.
func (r Readings) Get(name string) (int, bool) {
	v, ok := r[name]
	if !ok || v == nil {
		return 0, false
	}
	return *v, true
}

// Bus is the name-keyed register access used by the control and health
// paths. The concrete implementation is Adapter; tests substitute fakes.
type Bus interface {
	Read(name string) (int, error)
	Write(name string, value int) (bool, error)
	ReadAll(includePV bool) Readings
	Dispatch(powerW int) error
	Close() error
}

// Adapter provides named register access to one inverter over Modbus-TCP.
// Connection is lazy and idempotent; all requests for a unit are serialized
// on the adapter mutex, and every outbound write passes the write guard.
type Adapter struct {
	mu        sync.Mutex
	handler   *modbus.TCPClientHandler
	client    modbus.Client
	regmap    *RegisterMap
	guard     *writeguard.Guard
	connected bool
	logger    zerolog.Logger
}

// NewAdapter creates an adapter for the unit at address ("host:port").
func NewAdapter(address string, slaveID byte, regmap *RegisterMap, guard *writeguard.Guard) *Adapter {
	handler := modbus.NewTCPClientHandler(address)
	handler.SlaveId = slaveID
	handler.Timeout = DefaultTimeout

	return &Adapter{
		handler: handler,
		client:  modbus.NewClient(handler),
		regmap:  regmap,
		guard:   guard,
		logger:  log.WithComponent("fieldbus").With().Str("device", address).Logger(),
	}
}

// Connect establishes the TCP session if not already up.
func (a *Adapter) Connect() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connectLocked()
}

func (a *Adapter) connectLocked() error {
	if a.connected {
		return nil
	}
	if err := a.handler.Connect(); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	a.connected = true
	a.logger.Info().Msg("modbus connected")
	return nil
}

// Close tears the session down; safe to call repeatedly.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return nil
	}
	a.connected = false
	return a.handler.Close()
}

// Read reads a single named register, sign-extending int16 values.
func (a *Adapter) Read(name string) (int, error) {
	reg, ok := a.regmap.ByName(name)
	if !ok {
		return 0, fmt.Errorf("register %q not defined in map", name)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.connectLocked(); err != nil {
		return 0, err
	}

	data, err := a.client.ReadHoldingRegisters(reg.Address, 1)
	if err != nil {
		return 0, fmt.Errorf("read %q (addr %d): %w", name, reg.Address, err)
	}
	if len(data) < 2 {
		return 0, fmt.Errorf("read %q (addr %d): short response", name, reg.Address)
	}

	raw := int(binary.BigEndian.Uint16(data))
	if reg.Signed && raw > 0x7FFF {
		raw -= 0x10000
	}
	return raw, nil
}

// Write writes a named 16-bit register through the write guard. It returns
// whether the guard accepted the write; callers must not assume the value
// landed when accepted is false.
func (a *Adapter) Write(name string, value int) (bool, error) {
	reg, ok := a.regmap.ByName(name)
	if !ok {
		return false, fmt.Errorf("register %q not defined in map", name)
	}
	if reg.Type != "int16" && reg.Type != "uint16" {
		return false, fmt.Errorf("unsupported type %q for write to %q", reg.Type, name)
	}
	return a.writeAddr(reg.Address, value)
}

func (a *Adapter) writeAddr(address uint16, value int) (bool, error) {
	return a.guard.Attempt(address, value, func() error {
		a.mu.Lock()
		defer a.mu.Unlock()
		if err := a.connectLocked(); err != nil {
			return err
		}
		if _, err := a.client.WriteSingleRegister(address, uint16(value&0xFFFF)); err != nil {
			return fmt.Errorf("write addr %d: %w", address, err)
		}
		a.logger.Debug().Uint16("addr", address).Int("value", value).Msg("register written")
		return nil
	})
}

// ReadAll reads every register in the read partition. Individual failures
// record a nil entry and the scan continues. PV-related registers are
// skipped when includePV is false to cut bus time on PV-less sites.
func (a *Adapter) ReadAll(includePV bool) Readings {
	values := make(Readings, len(a.regmap.ReadRegisters))
	for _, reg := range a.regmap.ReadRegisters {
		if !includePV && IsPVRegister(reg.Name) {
			continue
		}
		v, err := a.Read(reg.Name)
		if err != nil {
			values[reg.Name] = nil
			a.logger.Warn().Err(err).Str("register", reg.Name).Msg("skipped register in bulk read")
			continue
		}
		val := v
		values[reg.Name] = &val
	}
	return values
}

// Dispatch issues a manual power command on the legacy register pair. Used
// only to zero a stale setpoint when the unit idles.
func (a *Adapter) Dispatch(powerW int) error {
	mode := 0
	magnitude := powerW
	switch {
	case powerW > 0:
		mode = 2 // discharge
	case powerW < 0:
		mode = 1 // charge
		magnitude = -powerW
	}

	if _, err := a.writeAddr(manualModeAddr, mode); err != nil {
		return fmt.Errorf("dispatch mode: %w", err)
	}
	if _, err := a.writeAddr(manualPowerAddr, magnitude); err != nil {
		return fmt.Errorf("dispatch power: %w", err)
	}
	a.logger.Info().Int("power_w", powerW).Int("mode", mode).Msg("manual dispatch")
	return nil
}

// Address returns the device endpoint ("host:port").
func (a *Adapter) Address() string {
	return a.handler.Address
}
