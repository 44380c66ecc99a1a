/*
Package controller runs the per-unit control tick.

Each tick drains health intents (a FAULT_SAFE latches the unit idle until
restart), collapses global and per-unit state into an operating mode, reads
telemetry with PV aggregation, and acts: idle zeroes the legacy manual
dispatch, active hands control to the EMS applier, forced charging pushes a
limited charge demand through the manual dispatch path. Every tick ends
with a telemetry record to the backend sink; failures become error records
rather than killing the worker.
*/
package controller
