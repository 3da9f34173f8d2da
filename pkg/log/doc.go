/*
Package log provides structured logging for the replication engine using zerolog.

Every long-lived component (write actor, sync coordinator, awareness
provider) logs through a child logger scoped with WithComponent,
WithCollection, or WithDocument rather than the global Logger directly, so
that log lines carry enough context to trace a single document's history
through the system.

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

	actorLog := log.WithDocument("actor", "notes", "r1")
	actorLog.Info().Int("retry_count", 2).Msg("sync retry scheduled")
*/
package log
