// Package pipeline runs studies end to end inside one program/site
// workspace.
//
// A Runner owns everything a run needs (configuration, registry snapshot,
// diagnosis map, converter, archive client, and ledger) and is built once
// per process. Startup problems such as a missing registry or diagnosis map
// surface from New, before any file in the workspace is touched.
//
// Run holds an exclusive lock on the workspace, fetches studies, prunes the
// input tree, resolves identity and session labels, writes the review
// tables, assigns collections, converts and places acquisitions, and
// finally records each completed study in the ledger. Studies that cannot
// be resolved stop after the review tables and are reported as blocked.
package pipeline
