package fieldbus

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// Register describes one entry of the device register map.
type Register struct {
	Name    string `json:"name"`
	Address uint16 `json:"address"`
	Type    string `json:"type"` // int16, uint16, ...
	Signed  bool   `json:"signed"`
	Unit    string `json:"unit,omitempty"`
}

// RegisterMap is the device-specific register layout, partitioned into
// read-only and writable registers.
type RegisterMap struct {
	ReadRegisters  []Register `json:"read_registers"`
	WriteRegisters []Register `json:"write_registers"`

	byName map[string]Register
}

// LoadRegisterMap reads and indexes a register map JSON file.
func LoadRegisterMap(path string) (*RegisterMap, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read register map: %w", err)
	}
	return ParseRegisterMap(data)
}

// ParseRegisterMap decodes a register map document and builds the name index.
func ParseRegisterMap(data []byte) (*RegisterMap, error) {
	var rm RegisterMap
	if err := json.Unmarshal(data, &rm); err != nil {
		return nil, fmt.Errorf("malformed register map: %w", err)
	}
	rm.index()
	return &rm, nil
}

func (rm *RegisterMap) index() {
	rm.byName = make(map[string]Register, len(rm.ReadRegisters)+len(rm.WriteRegisters))
	for _, r := range rm.ReadRegisters {
		rm.byName[r.Name] = r
	}
	for _, r := range rm.WriteRegisters {
		rm.byName[r.Name] = r
	}
}

// ByName resolves a register in either partition.
func (rm *RegisterMap) ByName(name string) (Register, bool) {
	if rm.byName == nil {
		rm.index()
	}
	r, ok := rm.byName[name]
	return r, ok
}

// Len returns the total number of mapped registers.
func (rm *RegisterMap) Len() int {
	return len(rm.ReadRegisters) + len(rm.WriteRegisters)
}

// IsPVRegister identifies PV-related registers by name so they can be
// skipped when the site has no PV. Covers pv*, mppt_power_*, and the
// AC-coupled PV CT2 channel.
func IsPVRegister(name string) bool {
	if name == "" {
		return false
	}
	if strings.HasPrefix(name, "pv") {
		return true
	}
	if strings.HasPrefix(name, "mppt_power_") {
		return true
	}
	return name == "ct2_active_power"
}
