// Package registry loads the subject registry snapshot and resolves local
// patient identities to registry subject IDs (C-IDs).
//
// Resolution tries an operator override file first, then an exact match on
// the normalized MRN, then an exact match on the normalized last and first
// name. Subjects that survive every pass are reported as missing rather than
// guessed. Birth dates are reconciled from the image header, the archive, and
// the registry, in that order.
package registry
