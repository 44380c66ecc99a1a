/*
Package types defines the shared data model for the edge agent: global
settings, per-battery configuration, day-aware tasks, telemetry and alert
payloads, and the message-bus event envelope.

All wire shapes (MQTT inbound, HTTPS outbound) live here so that the
transport packages stay free of domain knowledge.
*/
package types
