/*
Package ems implements the energy management rule set for grid-connected
battery inverters: zero-export balancing plus off-peak import charging.

The Decider is the policy core. Inside a resolved charge window it selects
Import-AC with a setpoint of base import power minus live PV, floored at the
minimum import and capped by the task's dynamic import limit; once the pack
reaches the target SoC it latches a zero-setpoint hold until the window ends
so the battery is not drained back out during the cheap period. Outside
windows the inverter runs in Auto.

The Applier turns decisions into register writes: one-time commissioning,
clamping to max charge power, symmetric ramp limiting against the last
accepted setpoint, writing the mode only when the device's reported mode
differs, and an optional meter-bias trim loop in Auto.

DetermineMode collapses edge status and the unit's configured battery mode
into idle/active/forced_charging, failing safe to idle. The Strategy and
Limiter serve the forced-charging path, which bypasses the EMS registers and
dispatches on the legacy register pair.
*/
package ems
