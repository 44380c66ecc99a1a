/*
Package metrics provides Prometheus instrumentation for the edge agent.

Exposed series cover the write guard (accept/drop by reason), the per-unit
controller loop (tick duration, error ticks), the health monitor (alert
transitions), and the backend sink (posted/dropped records). The handler is
served on the optional metrics listener configured at startup.
*/
package metrics
