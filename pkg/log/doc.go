/*
Package log provides structured logging for replguard using zerolog.

Init configures the global Logger once at startup; until then it
discards everything. Child loggers carry the standard fields:

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

	logger := log.WithComponent("dispatcher")
	logger.Info().Str("node", node).Msg("repair started")

	log.WithNode("dc01").Warn().Err(err).Msg("node unreachable")
	log.WithRunID(runID).Info().Int("issues", n).Msg("run completed")

Console output is the default; JSON output is meant for log shippers.
*/
package log
