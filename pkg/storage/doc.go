/*
Package storage provides bbolt-backed persistence for task schedules.

The TaskStore keeps static and dynamic task entries in two buckets of a
single local database file, serialized as JSON. Static entries are keyed by
consus_id; dynamic entries by "consus_id|service_day". It implements the
state.Snapshotter interface, so the state store mirrors every accepted task
mutation here and restores the surviving entries on startup. Corrupt records
are skipped on load rather than failing the boot.
*/
package storage
