// Package logging assembles structured slog loggers and formatting helpers used
// across imagedeid.
//
// It owns the console and JSON handlers, centralizes level and output
// plumbing, and exposes context-aware helpers so pipeline code tags log lines
// with study IDs, stages, and run correlation IDs. Patient names and birth
// dates are never logged; MRNs go through Mask and only at debug level.
package logging
