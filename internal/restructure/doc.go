// Package restructure moves converted acquisitions into the canonical
// output tree.
//
// Place runs one acquisition through a fixed sequence of states: inspect the
// sidecar, screen the series description for PHI-risk keywords, route small
// non-CT sidecars to quarantine, allocate a collision-free target directory,
// move the artifacts, and prune emptied directories. Each acquisition ends as
// placed, quarantined, or deleted.
//
// The package also carries the tree-wide passes the pipeline runs around
// placement: pruning unwanted modalities and sessions from the input tree,
// stripping PHI keys from sidecars, and removing timestamps that dcm2niix
// embeds in diffusion series names.
package restructure
