/*
Package supervisor runs the per-unit worker fleet.

Each configured unit gets a worker: a dedicated Modbus session, a health
monitor, and a controller ticked once per second. The supervisor consumes
decoded message-bus events, keeping the worker map in step with battery
add/remove/config changes, installing settings and task updates into the
shared store, and running connectivity verification on request. When the
zone's edge status leaves active every worker stops and the telemetry sink
pauses; entering active brings them back.
*/
package supervisor
