package fieldbus

import (
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/consus-energy/lanzone-edge/pkg/writeguard"
)

// fakeModbusClient implements modbus.Client over an in-memory register file.
type fakeModbusClient struct {
	registers map[uint16]uint16
	failReads map[uint16]bool
	writes    []write
}

type write struct {
	addr  uint16
	value uint16
}

func newFakeModbusClient() *fakeModbusClient {
	return &fakeModbusClient{
		registers: make(map[uint16]uint16),
		failReads: make(map[uint16]bool),
	}
}

func (f *fakeModbusClient) ReadHoldingRegisters(address, quantity uint16) ([]byte, error) {
	if f.failReads[address] {
		return nil, errors.New("modbus: exception '4' (server device failure)")
	}
	buf := make([]byte, 2*quantity)
	for i := uint16(0); i < quantity; i++ {
		binary.BigEndian.PutUint16(buf[2*i:], f.registers[address+i])
	}
	return buf, nil
}

func (f *fakeModbusClient) WriteSingleRegister(address, value uint16) ([]byte, error) {
	f.registers[address] = value
	f.writes = append(f.writes, write{address, value})
	return nil, nil
}

func (f *fakeModbusClient) ReadCoils(address, quantity uint16) ([]byte, error)       { return nil, nil }
func (f *fakeModbusClient) ReadDiscreteInputs(address, quantity uint16) ([]byte, error) {
	return nil, nil
}
func (f *fakeModbusClient) WriteSingleCoil(address, value uint16) ([]byte, error) { return nil, nil }
func (f *fakeModbusClient) WriteMultipleCoils(address, quantity uint16, value []byte) ([]byte, error) {
	return nil, nil
}
func (f *fakeModbusClient) ReadInputRegisters(address, quantity uint16) ([]byte, error) {
	return nil, nil
}
func (f *fakeModbusClient) WriteMultipleRegisters(address, quantity uint16, value []byte) ([]byte, error) {
	return nil, nil
}
func (f *fakeModbusClient) ReadWriteMultipleRegisters(readAddress, readQuantity, writeAddress, writeQuantity uint16, value []byte) ([]byte, error) {
	return nil, nil
}
func (f *fakeModbusClient) MaskWriteRegister(address, andMask, orMask uint16) ([]byte, error) {
	return nil, nil
}
func (f *fakeModbusClient) ReadFIFOQueue(address uint16) ([]byte, error) { return nil, nil }

func newTestAdapter(t *testing.T, fake *fakeModbusClient) *Adapter {
	t.Helper()
	rm, err := ParseRegisterMap([]byte(sampleMap))
	require.NoError(t, err)

	now := time.Date(2026, 3, 1, 2, 0, 0, 0, time.UTC)
	guard := writeguard.NewWithClock(func() time.Time {
		now = now.Add(300 * time.Millisecond)
		return now
	})

	a := NewAdapter("127.0.0.1:15002", 1, rm, guard)
	a.client = fake
	a.connected = true // bypass TCP for unit tests
	return a
}

func TestReadSignExtension(t *testing.T) {
	fake := newFakeModbusClient()
	fake.registers[36025] = 0xFF9C // -100 as int16
	fake.registers[37007] = 55

	a := newTestAdapter(t, fake)

	v, err := a.Read("meter_total_active_power")
	require.NoError(t, err)
	assert.Equal(t, -100, v)

	v, err = a.Read("battery_soc")
	require.NoError(t, err)
	assert.Equal(t, 55, v)
}

func TestReadUnknownRegister(t *testing.T) {
	a := newTestAdapter(t, newFakeModbusClient())
	_, err := a.Read("bogus")
	assert.Error(t, err)
}

func TestWriteGoesThroughGuard(t *testing.T) {
	fake := newFakeModbusClient()
	a := newTestAdapter(t, fake)

	accepted, err := a.Write("ems_power_set", 1500)
	require.NoError(t, err)
	assert.True(t, accepted)
	assert.Equal(t, uint16(1500), fake.registers[47512])

	// Duplicate value is deduplicated by the guard, not written again.
	accepted, err = a.Write("ems_power_set", 1500)
	require.NoError(t, err)
	assert.False(t, accepted)
	assert.Len(t, fake.writes, 1)
}

func TestWriteRejectsWideTypes(t *testing.T) {
	rm, err := ParseRegisterMap([]byte(`{
	  "read_registers": [],
	  "write_registers": [{"name": "total_energy", "address": 100, "type": "uint32", "signed": false}]
	}`))
	require.NoError(t, err)

	a := NewAdapter("127.0.0.1:15002", 1, rm, writeguard.New())
	_, err = a.Write("total_energy", 1)
	assert.ErrorContains(t, err, "unsupported type")
}

func TestWriteNegativeBias(t *testing.T) {
	fake := newFakeModbusClient()
	a := newTestAdapter(t, fake)

	accepted, err := a.Write("meter_target_power_offset", -50)
	require.NoError(t, err)
	assert.True(t, accepted)
	assert.Equal(t, uint16(0xFFCE), fake.registers[47120])
}

func TestReadAllSkipsPVAndRecordsFailures(t *testing.T) {
	fake := newFakeModbusClient()
	fake.registers[37007] = 80
	fake.registers[35105] = 1200
	fake.failReads[36025] = true

	a := newTestAdapter(t, fake)

	values := a.ReadAll(false)
	_, hasPV := values["pv1_power"]
	assert.False(t, hasPV, "PV registers skipped when include_pv=false")

	soc, ok := values.Get("battery_soc")
	require.True(t, ok)
	assert.Equal(t, 80, soc)

	// Failed register present with nil value.
	v, present := values["meter_total_active_power"]
	assert.True(t, present)
	assert.Nil(t, v)

	values = a.ReadAll(true)
	pv, ok := values.Get("pv1_power")
	require.True(t, ok)
	assert.Equal(t, 1200, pv)
}

func TestDispatchWritesLegacyPair(t *testing.T) {
	fake := newFakeModbusClient()
	a := newTestAdapter(t, fake)

	require.NoError(t, a.Dispatch(-2000))
	assert.Equal(t, uint16(1), fake.registers[5001], "charge mode")
	assert.Equal(t, uint16(2000), fake.registers[5000], "magnitude is positive")

	require.NoError(t, a.Dispatch(0))
	assert.Equal(t, uint16(0), fake.registers[5001])
	assert.Equal(t, uint16(0), fake.registers[5000])
}
