/*
Package state is the single source of truth for live LAN-zone state.

The Store holds global settings, comms settings, per-unit battery configs,
the device register map, and task records, all behind one RWMutex. Reads
return copies so callers never hold references into store internals.

Task handling is the interesting part. Two task kinds coexist: a static
daily schedule per unit and dynamic per-day schedules keyed by service day.
UpdateTask merges inbound documents idempotently (override supersedes;
within an idempotency family the higher revision wins), garbage-collects
dynamic entries outside today/tomorrow, and copies the last known schedule
forward when the backend has no news, up to a staleness bound. Resolution
always prefers the dynamic entry for the day over the static fallback.

An optional Snapshotter mirrors accepted task mutations into durable
storage so schedules survive restarts.
*/
package state
