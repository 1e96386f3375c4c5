// Package preflight provides readiness checks for the paths, inputs, and
// services a run depends on.
//
// These checks run in two contexts:
//   - The "imagedeid run" command calls RunAll before touching the
//     workspace and refuses to start when a required check fails.
//   - The "imagedeid status" command displays every result, including the
//     external tool checks from CheckSystemDeps.
//
// The archive check is skipped when no archive URL is configured.
package preflight
