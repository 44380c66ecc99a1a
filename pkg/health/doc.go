/*
Package health watches battery inverters for fault and warning conditions.

A per-unit Monitor polls a fixed set of health registers (EMS check status,
BMS alarm and warning bit-fields, ARC fault, meter comms flags) at 1-2 Hz
and drives one state machine per alert code through CLEAR, ACTIVE, and
RESOLVED. Activation is debounced over 5 seconds, resolution requires ten
consecutive clear polls, and long-running episodes emit a heartbeat every
five minutes. CRITICAL alerts are posted to the backend immediately with the
tail of a 50-sample telemetry ring attached; WARNING and INFO alerts batch
up and flush every 45 seconds, with failed batches retried on the next
window.

A CRITICAL activation also enqueues a FAULT_SAFE intent on a bounded queue
the controller drains each tick, latching the unit into idle.
*/
package health
