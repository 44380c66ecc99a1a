/*
Package backend is the HTTP boundary to the cloud.

The Client posts telemetry batches to the ingest endpoint, alert events to
the health endpoint, and connectivity verification results to the modbus
validation endpoint, carrying bearer auth when an API key is configured. It
also pulls the LAN zone's dynamic configuration from /edge/init at startup;
Seed applies that payload to the state store.

The Sink is the telemetry buffer between per-unit controllers and the
Client: a bounded queue drained on the posting interval. Telemetry is
treated as ephemeral, so overflow and failed batches drop records instead
of blocking the control path.
*/
package backend
