/*
Package log provides structured logging for kioskd using zerolog.

A single package-level Logger is initialized once from main via Init. Until
then it is a no-op logger, so packages and tests that never call Init stay
silent. Components derive child loggers with WithComponent and add their own
fields per event.

# Usage

	log.Init(log.Config{
		Level:      log.ParseLevel(cfg.Log.Level),
		JSONOutput: cfg.Log.JSON,
		Output:     os.Stdout,
	})

	logger := log.WithComponent("bundle")
	logger.Info().Str("version", "1.4.0").Msg("Bundle installed")

Console output (default):

	2024-10-13T10:30:00Z INF Bundle installed component=bundle version=1.4.0

JSON output (--log-json):

	{"level":"info","component":"bundle","version":"1.4.0","time":"2024-10-13T10:30:00Z","message":"Bundle installed"}

# Relationship to telemetry

Operator-facing events that must reach the fleet backend go through
telemetry.Aggregator, which deduplicates them and echoes the first occurrence
through its own component logger. Debug detail that only matters on the
device is written here directly.
*/
package log
