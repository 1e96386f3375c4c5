// Package services defines shared utilities consumed by the pipeline stages
// and external integrations.
//
// Key responsibilities:
//   - Context helpers that stamp study IDs, stage names, and run correlation
//     identifiers for logging.
//   - Structured error markers plus the Wrap helper that translate failures
//     into per-study statuses (blocked vs failed).
//
// Use these helpers when wiring new stage logic so error handling and
// observability stay uniform across the pipeline.
package services
