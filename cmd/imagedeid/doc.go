// Package main hosts the imagedeid CLI entrypoint and command graph.
//
// The Cobra command tree turns terminal invocations into pipeline runs,
// archive checks, ledger maintenance, and configuration scaffolding. It
// resolves configuration and structured logging once per invocation so
// subcommands only deal with flags and output.
//
// Heavy lifting belongs in the internal packages; commands here parse
// flags, call into internal/pipeline or internal/ledger, and render tables
// or JSON.
package main
