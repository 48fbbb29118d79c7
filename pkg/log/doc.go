/*
Package log provides structured logging for PairPilot using zerolog.

The package wraps a single global zerolog.Logger that every component derives
a child logger from. Child loggers carry the fields operators filter on when
debugging a room: the component name and the room id. Components add their
own fields, such as run_id or client_id, on top.

# Architecture

	┌──────────────────── LOGGING SYSTEM ──────────────────────┐
	│                                                            │
	│  log.Init(Config) ──► global Logger (JSON or console)      │
	│                            │                               │
	│        ┌───────────────────┼────────────────────┐          │
	│        ▼                   ▼                    ▼          │
	│  WithComponent("sync") WithRoomID("abc")  .Str("run_id")   │
	│        │                   │                    │          │
	│        └──────── zerolog child loggers ─────────┘          │
	└────────────────────────────────────────────────────────────┘

Until Init is called the global logger is a no-op logger, so library code and
tests stay silent unless the binary configures output.

# Levels

  - Debug: protocol traffic (hello/sync/doc-update/presence-update)
  - Info: lifecycle (synced, ownership established, run admitted)
  - Warn: soft failures (rate-limit check failed open, snapshot save failed)
  - Error: terminal failures (transport authentication rejected)

# Usage

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

	logger := log.WithComponent("runner").With().
		Str("room_id", roomID).Logger()
	logger.Info().Str("run_id", runID).Msg("Run admitted")
*/
package log
