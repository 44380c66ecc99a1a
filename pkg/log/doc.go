/*
Package log provides structured logging for the edge agent using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging
with component-specific loggers and configurable log levels. Per-unit child
loggers carry the consus_id field so that all records for one battery can be
filtered together.

# Usage

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})
	logger := log.WithComponent("supervisor")
	logger.Info().Str("consus_id", id).Msg("worker started")
*/
package log
