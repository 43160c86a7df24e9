/*
Package log provides structured logging for Burrow using zerolog.

The log package wraps the zerolog library to provide JSON-structured
logging with scoped child loggers and configurable log levels. All
logs include timestamps and support filtering by severity level.

# Usage

Initialize once at startup:

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

Then create child loggers scoped to a component, node, migration run,
or tenant:

	logger := log.WithComponent("replication")
	logger.Info().Str("event_id", id).Msg("event dispatched")

Background loops must log and continue; only startup misconfiguration
is fatal.
*/
package log
