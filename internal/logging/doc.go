// Package logging builds the slog loggers used across the pipeline.
//
// Two handlers are available: a compact console handler for interactive runs
// and a JSON handler for cluster jobs whose output is collected by a
// scheduler. Components attach themselves with NewComponentLogger so frame,
// peak, and dataset fields stay consistent across the whole run log.
package logging
