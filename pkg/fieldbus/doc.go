/*
Package fieldbus provides named register access to battery inverters over
Modbus-TCP.

A RegisterMap loaded from JSON supplies the address, signedness, and unit of
every register in two partitions (read-only and writable). The Adapter
resolves names to addresses, sign-extends 16-bit signed reads, and routes
every write through the process-wide write guard. Bulk reads tolerate
individual register failures and can skip PV channels on PV-less sites.

One Adapter serves one unit; its mutex serializes the shared TCP session
between the controller and the health monitor.
*/
package fieldbus
