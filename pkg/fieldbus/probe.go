package fieldbus

import (
	"fmt"
	"net"
	"time"
)

// ProbeTimeout bounds the plain TCP reachability check.
const ProbeTimeout = 2 * time.Second

// ProbeTCP verifies that the device endpoint accepts TCP connections. It is
// cheaper than a Modbus transaction and distinguishes network problems from
// protocol problems during connectivity verification.
func ProbeTCP(address string) error {
	conn, err := net.DialTimeout("tcp", address, ProbeTimeout)
	if err != nil {
		return fmt.Errorf("tcp probe %s: %w", address, err)
	}
	return conn.Close()
}

// ReadProbes is the safe, read-only register set used by connectivity
// verification. Values are reported back to the backend as-is.
var ReadProbes = []string{
	"meter_total_active_power",
	"battery_soc",
	"app_mode_display",
	"bms_alarm_bits",
	"bms_warning_bits",
	"ems_check_status",
}

// VerifyConnectivity runs the TCP probe and then reads the probe registers.
// The returned map carries nil for registers that failed to read; err is
// non-nil only when the device is unreachable at the TCP level.
func VerifyConnectivity(bus Bus, address string) (map[string]*int, error) {
	if err := ProbeTCP(address); err != nil {
		return nil, err
	}

	results := make(map[string]*int, len(ReadProbes))
	for _, name := range ReadProbes {
		v, err := bus.Read(name)
		if err != nil {
			results[name] = nil
			continue
		}
		val := v
		results[name] = &val
	}
	return results, nil
}
