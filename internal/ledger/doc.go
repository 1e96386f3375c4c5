// Package ledger persists the set of archive study identifiers that have
// already been fetched and processed.
//
// The ledger is a single SQLite table keyed by study ID. Inserts are
// idempotent: recording an ID that already exists reports Conflict instead of
// failing, so reruns and imports never abort on duplicates. Open the ledger
// through Open so pragmas, schema creation, and version checks are applied.
package ledger
